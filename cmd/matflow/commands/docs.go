package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/matflow/matflow/pkg/engine"
)

func newDocsCommand() *cobra.Command {
	var (
		label string
		runID string
		state string
		data  bool
	)

	cmd := &cobra.Command{
		Use:   "docs",
		Short: "Query stored result documents",
		Long:  `List result documents filtered by task label, run and state.`,
		Example: `  # Chemical shielding results of one run
  matflow docs --label "cs tensor" --run 3f1c2a9e-...

  # Failed jobs as JSON
  matflow docs --state failed --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			q := engine.DocumentQuery{Label: label, RunID: runID, State: engine.DocumentState(state)}
			switch q.State {
			case "", engine.DocumentSuccessful, engine.DocumentFailed:
			default:
				return fmt.Errorf("invalid document state: %s", state)
			}

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			docs, err := store.ListDocuments(ctx, q)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(docs)
			}
			if len(docs) == 0 {
				fmt.Println("No documents found")
				return nil
			}
			for _, doc := range docs {
				fmt.Printf("%s  %-24s %-10s %s  %s\n", doc.ID, doc.Label, doc.State, doc.CreatedAt.Format(time.RFC3339), doc.Dir)
				if data && doc.Data != nil {
					fmt.Printf("  %s\n", doc.Data)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&label, "label", "", "task label")
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	cmd.Flags().StringVar(&state, "state", "", "document state (successful or failed)")
	cmd.Flags().BoolVar(&data, "data", false, "print document data")

	return cmd
}
