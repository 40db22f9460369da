package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/udohsolomon/converge/pkg/config"
	"github.com/udohsolomon/converge/pkg/engine"
	"github.com/udohsolomon/converge/pkg/providers/memory"
	"github.com/udohsolomon/converge/pkg/stores"
	"github.com/udohsolomon/converge/pkg/telemetry"
)

// errPartialFailure marks a pass where some nodes failed, were skipped or
// were interrupted. Distinguished from configuration errors for the exit
// code.
var errPartialFailure = errors.New("pass did not fully converge")

// errDriftDetected marks a refresh pass that found divergence.
var errDriftDetected = errors.New("drift detected")

// ExitCode maps a command error to the process exit code: 0 for success,
// 2 for fatal configuration errors, 1 for everything else (partial
// failures, drift, runtime errors).
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case engine.IsConfiguration(err):
		return 2
	default:
		return 1
	}
}

// runtime bundles the pieces every command needs.
type runtime struct {
	settings *config.Settings
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	store    stores.Store
	registry *engine.Registry
}

// setup loads settings and wires the store, telemetry and providers.
// Callers must defer rt.close().
func setup(ctx context.Context) (*runtime, error) {
	settings, err := config.LoadSettings(settingsPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		settings.Logging.Level = "debug"
	}

	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceVersion = buildVersion
	tcfg.Logging.Level = settings.Logging.Level
	tcfg.Logging.Format = settings.Logging.Format
	tcfg.Logging.Output = settings.Logging.Output
	tcfg.Metrics.Enabled = settings.Metrics.Enabled
	tcfg.Metrics.ListenAddress = settings.Metrics.ListenAddress
	tcfg.Tracing.Enabled = settings.Tracing.Enabled
	tcfg.Tracing.Exporter = settings.Tracing.Exporter
	tcfg.Tracing.Endpoint = settings.Tracing.Endpoint
	tcfg.Tracing.SamplingRate = settings.Tracing.SamplingRate
	if err := tcfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry configuration: %w", err)
	}

	logger, err := telemetry.NewLogger(tcfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to configure logging: %w", err)
	}

	metrics, err := telemetry.NewMetrics(tcfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to configure metrics: %w", err)
	}
	if err := metrics.StartMetricsServer(); err != nil {
		return nil, err
	}

	tracer, err := telemetry.NewTracer(tcfg.Tracing, tcfg.ServiceName, tcfg.ServiceVersion, tcfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("failed to configure tracing: %w", err)
	}

	store, err := settings.OpenStore()
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize state store: %w", err)
	}

	policy := engine.DefaultRetryPolicy()
	if settings.Execution.RetryAttempts > 0 {
		policy.MaxAttempts = settings.Execution.RetryAttempts
	}
	registry := engine.NewRegistry()
	registry.SetDefault(engine.NewRetryingProvider(memory.New(), policy))

	return &runtime{
		settings: settings,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
		store:    store,
		registry: registry,
	}, nil
}

func (rt *runtime) close() {
	if err := rt.store.Close(); err != nil {
		rt.logger.WithError(err).Warn("Failed to close state store")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.metrics.StopMetricsServer(shutdownCtx); err != nil {
		rt.logger.WithError(err).Warn("Failed to stop metrics server")
	}
	if err := rt.tracer.Shutdown(shutdownCtx); err != nil {
		rt.logger.WithError(err).Warn("Failed to flush traces")
	}
}

// loadTopology parses the given document files into one node set.
func loadTopology(paths []string) ([]*engine.ResourceNode, error) {
	if len(paths) == 0 {
		return nil, engine.NewConfigurationError("at least one topology file is required", nil)
	}
	var nodes []*engine.ResourceNode
	for _, path := range paths {
		parsed, err := config.ParseFile(path)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, parsed...)
	}
	return nodes, nil
}

// confirm prompts for interactive approval unless it was given via flag.
func confirm(prompt string, approved bool) (bool, error) {
	if approved {
		return true, nil
	}
	fmt.Printf("%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false, err
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes", nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printChangeSet renders a changeset as a human-readable table.
func printChangeSet(cs *engine.ChangeSet) {
	if cs.Empty() {
		fmt.Println("No changes. Desired state matches recorded state.")
		return
	}
	for _, ch := range cs.Changes {
		if ch.Action == engine.ActionNoOp {
			continue
		}
		fmt.Printf("%s %s\n", actionSymbol(ch.Action), ch.NodeID)
		for _, d := range ch.Deltas {
			switch ch.Action {
			case engine.ActionCreate:
				fmt.Printf("    %s = %v\n", d.Name, d.After)
			default:
				fmt.Printf("    %s: %v -> %v\n", d.Name, d.Before, d.After)
			}
		}
	}
	fmt.Printf("\nPlan: %d to create, %d to update, %d to delete, %d unchanged.\n",
		cs.Summary.Create, cs.Summary.Update, cs.Summary.Delete, cs.Summary.NoOp)
}

func actionSymbol(a engine.Action) string {
	switch a {
	case engine.ActionCreate:
		return "+"
	case engine.ActionUpdate:
		return "~"
	case engine.ActionDelete:
		return "-"
	default:
		return " "
	}
}

// printPassResult renders per-node outcomes, failures last.
func printPassResult(result *engine.PassResult) {
	ids := make([]string, 0, len(result.Results))
	for id := range result.Results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		res := result.Results[id]
		line := fmt.Sprintf("%-12s %-8s %s", res.Status, res.Action, id)
		if res.Err != nil {
			line += ": " + res.Err.Message
		}
		fmt.Println(line)
	}
	fmt.Printf("\nApplied: %d, no-op: %d, failed: %d, skipped: %d, interrupted: %d.\n",
		result.Summary.Applied, result.Summary.NoOp, result.Summary.Failed,
		result.Summary.Skipped, result.Summary.Interrupted)
}
