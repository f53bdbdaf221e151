package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/matflow/matflow/pkg/config"
)

func newModifyCommand() *cobra.Command {
	var (
		incarPath string
		modsPath  string
		dryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "modify",
		Short: "Apply merge operations to a key-value input file",
		Long: `Apply a modification document to a key-value input file such as INCAR.

The document holds key_update, key_multiply and key_dictmod directives. The file is rewritten
in place unless --dry-run is given.`,
		Example: `  # Raise the cutoff and tighten convergence
  matflow modify --incar runs/cs/INCAR --mods mods.yaml

  # Preview the result
  matflow modify --incar INCAR --mods mods.json --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(incarPath)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", incarPath, err)
			}
			base, err := config.DecodeKeyValue(data)
			if err != nil {
				return fmt.Errorf("failed to parse %s: %w", incarPath, err)
			}

			modsData, err := os.ReadFile(modsPath)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", modsPath, err)
			}
			ops, err := config.DecodeModifyDoc(modsData)
			if err != nil {
				return err
			}

			result, err := config.Apply(base, ops)
			if err != nil {
				return err
			}
			out, err := config.EncodeKeyValue(result)
			if err != nil {
				return err
			}

			if dryRun {
				if jsonOutput {
					return printJSON(result)
				}
				fmt.Print(string(out))
				return nil
			}

			if err := os.WriteFile(incarPath, out, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", incarPath, err)
			}
			log.Info().Str("file", incarPath).Int("operations", len(ops)).Msg("Modifications applied")
			return nil
		},
	}

	cmd.Flags().StringVar(&incarPath, "incar", "INCAR", "key-value input file")
	cmd.Flags().StringVar(&modsPath, "mods", "", "modification document (YAML or JSON)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the result instead of writing it")
	_ = cmd.MarkFlagRequired("mods")

	return cmd
}
