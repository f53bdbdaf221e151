package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/matflow/matflow/pkg/templates"
)

func newTemplatesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List registered input templates",
		Example: `  matflow templates
  matflow templates --templates ./sets`,
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := newRegistry()
			if err != nil {
				return err
			}

			type entry struct {
				Name    string `json:"name"`
				Primary string `json:"primary_block"`
				Source  string `json:"source"`
			}
			var entries []entry
			for _, name := range registry.Names() {
				tpl, err := registry.Lookup(name)
				if err != nil {
					return err
				}
				source := "builtin"
				if st, ok := tpl.(*templates.StarlarkTemplate); ok {
					source = st.Path()
				}
				entries = append(entries, entry{Name: name, Primary: tpl.PrimaryBlock(), Source: source})
			}

			if jsonOutput {
				return printJSON(entries)
			}
			for _, e := range entries {
				fmt.Printf("%-32s %-8s %s\n", e.Name, e.Primary, e.Source)
			}
			return nil
		},
	}
}
