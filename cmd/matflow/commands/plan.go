package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newPlanCommand() *cobra.Command {
	var (
		structurePath string
		workflowPath  string
		nmr           bool
		dotFile       string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the execution order of a workflow",
		Long: `Build a workflow graph and print its topological order and execution levels
without running anything.

Jobs on the same level have no dependencies between them and run in parallel.`,
		Example: `  # Plan the NMR workflow for a structure
  matflow plan --structure Si.yaml --nmr

  # Plan a workflow file and write a Graphviz graph
  matflow plan --workflow nmr.yaml --dot nmr.dot`,
		RunE: func(cmd *cobra.Command, args []string) error {
			graph, err := buildGraph(structurePath, workflowPath, nmr)
			if err != nil {
				return err
			}
			order, err := graph.TopologicalOrder()
			if err != nil {
				return err
			}
			levels, err := graph.Levels()
			if err != nil {
				return err
			}

			if dotFile != "" {
				if err := os.WriteFile(dotFile, []byte(graph.ToDOT()), 0o644); err != nil {
					return fmt.Errorf("failed to write DOT file: %w", err)
				}
				log.Info().Str("file", dotFile).Msg("Wrote workflow graph")
			}

			labelOf := func(id string) string {
				node, _ := graph.Node(id)
				return node.Label()
			}

			if jsonOutput {
				type planNode struct {
					ID      string   `json:"id"`
					Label   string   `json:"label"`
					Mode    string   `json:"mode"`
					Parents []string `json:"parents,omitempty"`
				}
				nodes := make([]planNode, 0, len(order))
				for _, id := range order {
					node, _ := graph.Node(id)
					nodes = append(nodes, planNode{ID: id, Label: node.Label(), Mode: string(node.Spec.Mode), Parents: node.Parents})
				}
				return printJSON(map[string]any{
					"workflow": graph.Name,
					"order":    nodes,
					"levels":   levels,
				})
			}

			fmt.Printf("Workflow: %s (%d jobs)\n\n", graph.Name, graph.Len())
			for i, id := range order {
				node, _ := graph.Node(id)
				parents := make([]string, len(node.Parents))
				for j, p := range node.Parents {
					parents[j] = labelOf(p)
				}
				fmt.Printf("%d. %s [%s", i+1, node.Label(), node.Spec.Mode)
				if node.Spec.Template != "" {
					fmt.Printf(" %s", node.Spec.Template)
				}
				fmt.Print("]")
				if len(parents) > 0 {
					fmt.Printf(" after %s", strings.Join(parents, ", "))
				}
				fmt.Println()
			}

			fmt.Println("\nLevels:")
			for i, level := range levels {
				labels := make([]string, len(level))
				for j, id := range level {
					labels[j] = labelOf(id)
				}
				fmt.Printf("  %d: %s\n", i, strings.Join(labels, ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&structurePath, "structure", "s", "", "structure file (JSON or YAML)")
	cmd.Flags().StringVarP(&workflowPath, "workflow", "w", "", "workflow definition file")
	cmd.Flags().BoolVar(&nmr, "nmr", false, "use the built-in NMR workflow")
	cmd.Flags().StringVar(&dotFile, "dot", "", "output DOT graph file (optional)")

	return cmd
}
