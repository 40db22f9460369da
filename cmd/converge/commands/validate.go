package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/udohsolomon/converge/pkg/engine"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Parse topology documents and check the dependency graph",
		Long: `Validate parses the given topology documents and builds the dependency
graph without touching the state store or any provider. It reports parse
errors, duplicate ids, references to undeclared resources and dependency
cycles.`,
		Example: `  # Validate a topology
  converge validate infra.hcl

  # Validate a topology split across files
  converge validate network.hcl compute.hcl`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nodes, err := loadTopology(args)
			if err != nil {
				return err
			}
			graph, err := engine.BuildGraph(nodes)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]any{
					"resources": len(graph.Nodes),
					"edges":     len(graph.Edges),
					"levels":    len(graph.Levels),
				})
			}
			fmt.Printf("Topology is valid: %d resources, %d dependency edges, %d levels.\n",
				len(graph.Nodes), len(graph.Edges), len(graph.Levels))
			return nil
		},
	}
}
