package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/udohsolomon/converge/pkg/engine"
)

func newApplyCommand() *cobra.Command {
	var (
		autoApprove bool
		parallelism int
		nodeTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "apply <file>...",
		Short: "Converge real resources toward the declared topology",
		Long: `Apply plans and then executes a full reconciliation pass. Nodes are
applied in dependency order, concurrently within each level. A failed node
marks its dependents skipped while independent branches continue; there is
no rollback, and the next pass picks up where this one converged.`,
		Example: `  # Apply with interactive approval
  converge apply infra.hcl

  # Apply non-interactively with bounded concurrency
  converge apply infra.hcl --auto-approve --parallelism 4`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			cs, err := planChangeSet(ctx, rt, args)
			if err != nil {
				return err
			}
			printChangeSet(cs)
			if cs.Empty() {
				return nil
			}

			ok, err := confirm("Apply these changes?", autoApprove)
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
			if parallelism > 0 {
				opts.Parallelism = parallelism
			}
			if nodeTimeout > 0 {
				opts.NodeTimeout = nodeTimeout
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
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "max concurrent provider calls (overrides settings)")
	cmd.Flags().DurationVar(&nodeTimeout, "timeout", 0, "per-node operation timeout (overrides settings)")

	return cmd
}
