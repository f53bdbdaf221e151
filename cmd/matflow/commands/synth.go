package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/matflow/matflow/pkg/artifacts"
	"github.com/matflow/matflow/pkg/inputs"
	"github.com/matflow/matflow/pkg/structure"
)

func newSynthCommand() *cobra.Command {
	var (
		structurePath string
		specPath      string
		outDir        string
		prevDir       string
	)

	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Synthesize the input files of a single job",
		Long: `Synthesize one job's input blocks from a job spec and write them to a
directory, without running the job.

A from_previous job reads its parent from --prev-dir, a finished job directory.`,
		Example: `  # Write the inputs of a template job
  matflow synth --structure Si.yaml --spec relax.yaml --out runs/relax

  # Derive a job from a finished one
  matflow synth --spec cs.yaml --prev-dir runs/relax --out runs/cs`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			spec, err := loadJobSpec(specPath)
			if err != nil {
				return err
			}
			if prevDir != "" {
				spec.PrevDir = prevDir
			}

			var sc inputs.Context
			if structurePath != "" {
				s, err := structure.Load(structurePath)
				if err != nil {
					return err
				}
				sc.Structure = s
			}

			registry, err := newRegistry()
			if err != nil {
				return err
			}
			blocks, err := newSynthesizer(registry).Synthesize(ctx, *spec, sc)
			if err != nil {
				return err
			}

			abs, err := filepath.Abs(outDir)
			if err != nil {
				return err
			}
			handle, err := artifacts.NewLocalWriter(filepath.Dir(abs)).Write(ctx, filepath.Base(abs), blocks)
			if err != nil {
				return err
			}

			log.Info().
				Str("label", spec.Label).
				Str("mode", string(spec.Mode)).
				Str("dir", handle.Dir).
				Msg("Inputs synthesized")

			if jsonOutput {
				return printJSON(blocks)
			}
			fmt.Printf("Wrote %s to %s\n", spec.Label, handle.Dir)
			for _, f := range handle.Files {
				fmt.Printf("  %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&structurePath, "structure", "s", "", "structure file (JSON or YAML)")
	cmd.Flags().StringVar(&specPath, "spec", "", "job spec file (YAML)")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "output job directory")
	cmd.Flags().StringVar(&prevDir, "prev-dir", "", "finished job directory used as the parent")
	_ = cmd.MarkFlagRequired("spec")
	_ = cmd.MarkFlagRequired("out")

	return cmd
}

// loadJobSpec reads and validates a YAML job spec.
func loadJobSpec(path string) (*inputs.JobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job spec: %w", err)
	}
	var spec inputs.JobSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse job spec %s: %w", path, err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}
