package commands

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/matflow/matflow/pkg/engine"
)

func newStatusCommand() *cobra.Command {
	var (
		showEvents bool
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show the status of workflow runs",
		Long: `Show a stored run with its nodes, or list the most recent runs when no
run id is given.`,
		Example: `  # List recent runs
  matflow status

  # Show one run with its timeline
  matflow status 3f1c2a9e-... --events`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 0 {
				runs, err := store.ListRuns(ctx, limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(runs)
				}
				if len(runs) == 0 {
					fmt.Println("No runs found")
					return nil
				}
				for _, run := range runs {
					fmt.Printf("%s  %-9s  %-20s  %s\n", run.ID, run.Status, run.Workflow, run.StartedAt.Format(time.RFC3339))
				}
				return nil
			}

			run, err := store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			nodes, err := store.ListNodes(ctx, run.ID)
			if err != nil {
				return err
			}
			var events []*engine.Event
			if showEvents {
				if events, err = store.GetEvents(ctx, run.ID); err != nil {
					return err
				}
			}

			if jsonOutput {
				return printJSON(map[string]any{
					"run":    run,
					"nodes":  nodes,
					"events": events,
				})
			}

			printRun(run)
			fmt.Println("\nNodes:")
			for _, n := range nodes {
				line := fmt.Sprintf("  %-24s %-9s attempts=%d", n.Label, n.State, n.Attempts)
				if n.Reason != "" {
					line += " reason=" + n.Reason
				}
				if n.Error != nil {
					line += " error=" + n.Error.Error()
				}
				fmt.Println(line)
			}
			if showEvents {
				fmt.Println("\nEvents:")
				for _, e := range events {
					fmt.Printf("  %s  %-16s %s\n", e.Timestamp.Format(time.RFC3339), e.Type, e.Message)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showEvents, "events", false, "show the run timeline")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")

	return cmd
}

// printRun writes a human readable run summary.
func printRun(run *engine.Run) {
	fmt.Printf("Run:      %s\n", run.ID)
	fmt.Printf("Workflow: %s\n", run.Workflow)
	fmt.Printf("Status:   %s\n", run.Status)
	if run.Duration > 0 {
		fmt.Printf("Duration: %s\n", run.Duration.Round(time.Millisecond))
	}
	s := run.Summary
	fmt.Printf("Jobs:     %d total, %d completed, %d failed, %d cancelled\n",
		s.Total, s.Completed, s.Failed, s.Cancelled)

	labels := make([]string, 0, len(s.NodeStates))
	for label := range s.NodeStates {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		fmt.Printf("  %-24s %s\n", label, s.NodeStates[label])
	}
}
