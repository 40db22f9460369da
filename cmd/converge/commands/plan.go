package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/udohsolomon/converge/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var (
		outFile string
		dotFile string
	)

	cmd := &cobra.Command{
		Use:   "plan <file>...",
		Short: "Show what a pass would change",
		Long: `Plan builds the dependency graph from the given topology documents,
diffs it against recorded state and prints the resulting changeset. It is
read-only: no provider is called and no state is written.

Diffing compares against last-applied attributes, so drift recorded by an
earlier refresh never produces update actions on its own.`,
		Example: `  # Show pending changes
  converge plan infra.hcl

  # Save the changeset and a Graphviz rendering of it
  converge plan infra.hcl --out plan.json --dot plan.dot`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			cs, err := planChangeSet(cmd.Context(), rt, args)
			if err != nil {
				return err
			}

			if outFile != "" {
				if err := writeJSON(outFile, cs); err != nil {
					return fmt.Errorf("failed to write changeset: %w", err)
				}
			}
			if dotFile != "" {
				if err := os.WriteFile(dotFile, []byte(cs.ToDOT()), 0644); err != nil {
					return fmt.Errorf("failed to write graph: %w", err)
				}
			}

			if jsonOutput {
				return printJSON(cs)
			}
			printChangeSet(cs)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the changeset as JSON")
	cmd.Flags().StringVar(&dotFile, "dot", "", "write a Graphviz rendering of the changeset")

	return cmd
}

// planChangeSet runs the read-only half of a pass: parse, build, diff.
func planChangeSet(ctx context.Context, rt *runtime, paths []string) (*engine.ChangeSet, error) {
	nodes, err := loadTopology(paths)
	if err != nil {
		return nil, err
	}
	graph, err := engine.BuildGraph(nodes)
	if err != nil {
		return nil, err
	}
	return engine.NewDiffer(rt.store).Diff(ctx, graph)
}
