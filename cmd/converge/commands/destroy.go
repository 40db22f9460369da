package commands

import (
	"github.com/spf13/cobra"

	"github.com/udohsolomon/converge/pkg/engine"
)

func newDestroyCommand() *cobra.Command {
	var autoApprove bool

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Delete every tracked resource, dependents first",
		Long: `Destroy plans and executes the deletion of every resource in the state
store. Deletion order is the reverse of creation order: a resource is
removed only after everything that depends on it is gone.`,
		Example: `  # Destroy with interactive approval
  converge destroy

  # Destroy non-interactively
  converge destroy --auto-approve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			cs, err := engine.NewDiffer(rt.store).DestroyPlan(ctx)
			if err != nil {
				return err
			}
			printChangeSet(cs)
			if cs.Empty() {
				return nil
			}

			ok, err := confirm("Destroy all tracked resources?", autoApprove)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}

			opts := engine.ExecutorOptions{
				Parallelism: rt.settings.Execution.Parallelism,
				NodeTimeout: rt.settings.Execution.NodeTimeout.AsDuration(),
				Logger:      rt.logger.Zerolog(),
				Metrics:     rt.metrics,
				Tracer:      rt.tracer,
			}
			result, err := engine.NewExecutor(rt.store, rt.registry, opts).Execute(ctx, cs)
			if err != nil {
				return err
			}

			if jsonOutput {
				if err := printJSON(result); err != nil {
					return err
				}
			} else {
				printPassResult(result)
			}
			if !result.Succeeded() {
				return errPartialFailure
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip interactive approval")

	return cmd
}
