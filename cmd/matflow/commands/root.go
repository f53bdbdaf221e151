package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath   string
	dbPath       string
	templatesDir string
	policyPaths  []string
	verbose      bool
	jsonOutput   bool

	// settings is loaded before every command runs.
	settings *Settings
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "matflow",
		Short: "matflow - materials simulation workflow engine",
		Long: `matflow builds workflows of simulation jobs, synthesizes each job's input
configuration from templates, parent jobs and merge operations, and runs them.

Features:
  - Input templates in Go or Starlark
  - Update, multiply and increment merge operations on configurations
  - Workflow graphs with parallel extraction jobs
  - Local, remote (SSH) and replayed reference execution
  - Rego policies on synthesized inputs
  - SQLite result documents and run history`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			s, err := LoadSettings(configPath)
			if err != nil {
				return err
			}
			applyFlags(cmd, s)
			settings = s

			logger, err := newCommandLogger(s.Telemetry.Logging, verbose)
			if err != nil {
				return err
			}
			log.Logger = logger
			log.Debug().Str("db", s.DB).Str("work_dir", s.WorkDir).Msg("Settings loaded")
			return nil
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "settings file path (default ./matflow.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path or :memory:")
	rootCmd.PersistentFlags().StringVar(&templatesDir, "templates", "", "directory of Starlark templates")
	rootCmd.PersistentFlags().StringSliceVar(&policyPaths, "policies", nil, "Rego policy files or directories")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newSynthCommand())
	rootCmd.AddCommand(newModifyCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newDocsCommand())
	rootCmd.AddCommand(newTemplatesCommand())

	return rootCmd
}

// applyFlags overrides settings with the global flags that were set.
func applyFlags(cmd *cobra.Command, s *Settings) {
	flags := cmd.Flags()
	if flags.Changed("db") {
		s.DB = dbPath
	}
	if flags.Changed("templates") {
		s.Templates = templatesDir
	}
	if flags.Changed("policies") {
		s.Policies = policyPaths
	}
}
