package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/udohsolomon/converge/pkg/engine"
)

func newRefreshCommand() *cobra.Command {
	var (
		reportFile string
		interval   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Compare recorded state against the real world",
		Long: `Refresh reads every tracked resource through its provider and reports
drift from last-applied attributes. Observed values are recorded in the
state store, but last-applied attributes and remote resources are never
modified; run apply to converge drifted resources.

With --interval, refresh keeps running on that cadence until interrupted.

The exit code is 1 when any resource is drifted, missing or unreadable.`,
		Example: `  # Report drift
  converge refresh

  # Save the drift report as JSON
  converge refresh --report drift.json

  # Watch for drift every five minutes
  converge refresh --interval 5m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			reconciler := engine.NewReconciler(rt.store, rt.registry, rt.logger.Zerolog(), rt.metrics)

			if interval <= 0 {
				return runRefresh(ctx, rt, reconciler, reportFile)
			}

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			var lastErr error
			for {
				if err := runRefresh(ctx, rt, reconciler, reportFile); err != nil {
					if errors.Is(err, context.Canceled) {
						return lastErr
					}
					if !errors.Is(err, errDriftDetected) {
						return err
					}
					lastErr = err
				} else {
					lastErr = nil
				}
				select {
				case <-ctx.Done():
					return lastErr
				case <-ticker.C:
				}
			}
		},
	}

	cmd.Flags().StringVar(&reportFile, "report", "", "write the drift report as JSON")
	cmd.Flags().DurationVar(&interval, "interval", 0, "re-run refresh on this cadence until interrupted")

	return cmd
}

// runRefresh executes one refresh pass and reports its findings.
func runRefresh(ctx context.Context, rt *runtime, reconciler *engine.Reconciler, reportFile string) error {
	ctx, span := rt.tracer.Start(ctx, "pass.refresh")
	defer span.End()

	report, err := reconciler.Refresh(ctx)
	if err != nil {
		return err
	}

	if reportFile != "" {
		if err := writeJSON(reportFile, report); err != nil {
			return fmt.Errorf("failed to write drift report: %w", err)
		}
	}

	if jsonOutput {
		if err := printJSON(report); err != nil {
			return err
		}
	} else {
		printDriftReport(report)
	}
	if report.Drifted() {
		return errDriftDetected
	}
	return nil
}

func printDriftReport(report *engine.DriftReport) {
	if len(report.Items) == 0 {
		fmt.Println("No resources tracked.")
		return
	}

	counts := map[engine.DriftStatus]int{}
	for _, item := range report.Items {
		counts[item.Status]++
		if item.Status == engine.DriftInSync {
			continue
		}
		fmt.Printf("%-8s %s\n", item.Status, item.NodeID)
		for _, d := range item.Deltas {
			fmt.Printf("    %s: %v -> %v\n", d.Name, d.Before, d.After)
		}
		if item.Reason != "" {
			fmt.Printf("    %s\n", item.Reason)
		}
	}
	fmt.Printf("\nChecked %d resources: %d in sync, %d drifted, %d missing, %d unknown.\n",
		len(report.Items), counts[engine.DriftInSync], counts[engine.DriftDrifted],
		counts[engine.DriftMissing], counts[engine.DriftUnknown])
}
