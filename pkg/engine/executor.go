package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/udohsolomon/converge/pkg/stores"
	"github.com/udohsolomon/converge/pkg/telemetry"
)

const (
	// DefaultParallelism bounds concurrent provider calls when the caller
	// does not set one.
	DefaultParallelism = 10

	// casRetryAttempts bounds re-read-and-retry loops on version conflicts.
	casRetryAttempts = 3
)

// ExecutorOptions configures an execution pass.
type ExecutorOptions struct {
	// Parallelism is the maximum number of concurrent provider calls.
	Parallelism int

	// NodeTimeout bounds each remote operation. Zero means no limit.
	NodeTimeout time.Duration

	// Logger receives per-node progress events.
	Logger zerolog.Logger

	// Metrics receives pass and node observations. Optional.
	Metrics *telemetry.Metrics

	// Tracer emits pass and node spans. Optional.
	Tracer *telemetry.Tracer
}

// Executor applies changesets against providers, walking the dependency
// order level by level. Within a level, nodes run concurrently up to the
// configured parallelism.
//
// Failure containment: a failed node marks its transitive dependents
// Skipped, while independent branches continue. There is no rollback;
// partially applied passes converge on the next run.
type Executor struct {
	store    stores.Store
	registry *Registry
	opts     ExecutorOptions
}

// NewExecutor creates an Executor.
func NewExecutor(store stores.Store, registry *Registry, opts ExecutorOptions) *Executor {
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultParallelism
	}
	return &Executor{store: store, registry: registry, opts: opts}
}

// Execute applies the changeset and returns per-node outcomes. The returned
// error is non-nil only for errors that prevent the pass from running at
// all; per-node failures are reported through the result.
func (e *Executor) Execute(ctx context.Context, cs *ChangeSet) (*PassResult, error) {
	levels, err := changeLevels(cs)
	if err != nil {
		return nil, err
	}

	if t := e.opts.Tracer; t != nil {
		var span trace.Span
		ctx, span = t.StartPassSpan(ctx, cs.ID, "execute")
		defer span.End()
	}

	run := &passRun{
		executor: e,
		changes:  make(map[string]*Change, len(cs.Changes)),
		results:  make(map[string]*NodeResult, len(cs.Changes)),
		records:  make(map[string]*stores.StateRecord),
		logger:   e.opts.Logger.With().Str("pass_id", cs.ID).Logger(),
	}
	for i := range cs.Changes {
		ch := &cs.Changes[i]
		run.changes[ch.NodeID] = ch
		run.results[ch.NodeID] = &NodeResult{NodeID: ch.NodeID, Action: ch.Action, Status: StatusPending}
		if ch.Prior != nil {
			run.records[ch.NodeID] = ch.Prior
		}
	}

	result := &PassResult{
		ID:        cs.ID,
		StartedAt: time.Now().UTC(),
		Results:   run.results,
	}
	run.logger.Info().
		Int("total", cs.Summary.Total).
		Int("create", cs.Summary.Create).
		Int("update", cs.Summary.Update).
		Int("delete", cs.Summary.Delete).
		Msg("Starting execution pass")

	sem := make(chan struct{}, e.opts.Parallelism)
	for _, level := range levels {
		var wg sync.WaitGroup
		for _, id := range level {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				run.runNode(ctx, id)
			}(id)
		}
		wg.Wait()
	}

	result.CompletedAt = time.Now().UTC()
	result.summarize()
	if e.opts.Metrics != nil {
		e.opts.Metrics.ObservePass(result.Succeeded(), result.CompletedAt.Sub(result.StartedAt))
	}
	run.logger.Info().
		Int("applied", result.Summary.Applied).
		Int("failed", result.Summary.Failed).
		Int("skipped", result.Summary.Skipped).
		Int("interrupted", result.Summary.Interrupted).
		Msg("Execution pass complete")
	return result, nil
}

// changeLevels groups changeset entries by dependency depth. Delete entries
// carry pre-reversed edges, so one ordering pass covers both directions.
func changeLevels(cs *ChangeSet) ([][]string, error) {
	byID := make(map[string]*Change, len(cs.Changes))
	ids := make([]string, 0, len(cs.Changes))
	for i := range cs.Changes {
		ch := &cs.Changes[i]
		byID[ch.NodeID] = ch
		ids = append(ids, ch.NodeID)
	}
	deps := func(id string) []string {
		out := make([]string, 0, len(byID[id].DependsOn))
		for _, dep := range byID[id].DependsOn {
			if _, ok := byID[dep]; ok {
				out = append(out, dep)
			}
		}
		return out
	}
	return topoLevels(ids, deps)
}

// passRun holds the mutable state of one execution pass.
type passRun struct {
	executor *Executor
	changes  map[string]*Change
	logger   zerolog.Logger

	mu      sync.Mutex
	results map[string]*NodeResult
	records map[string]*stores.StateRecord
}

func (r *passRun) runNode(ctx context.Context, id string) {
	ch := r.changes[id]
	res := r.results[id]
	log := r.logger.With().Str("node", id).Str("action", string(ch.Action)).Logger()

	if ctx.Err() != nil {
		r.finish(res, StatusInterrupted, nil, time.Time{})
		log.Warn().Msg("Node interrupted before start")
		return
	}

	if failed := r.failedDependency(ch); failed != "" {
		err := &Error{
			Class:   ErrorClassProvider,
			Code:    ErrCodeDependencyFailed,
			Message: fmt.Sprintf("dependency %s did not converge", failed),
			Node:    id,
		}
		r.finish(res, StatusSkipped, err, time.Time{})
		log.Warn().Str("dependency", failed).Msg("Node skipped")
		return
	}

	if ch.Action == ActionNoOp {
		r.finish(res, StatusNoOp, nil, time.Time{})
		return
	}

	started := time.Now().UTC()
	r.mu.Lock()
	res.Status = StatusRunning
	res.StartedAt = started
	r.mu.Unlock()
	log.Info().Msg("Applying node")

	if t := r.executor.opts.Tracer; t != nil {
		var span trace.Span
		ctx, span = t.StartNodeSpan(ctx, id, ch.Kind, string(ch.Action))
		defer span.End()
		defer func() {
			if res.Err != nil {
				telemetry.RecordError(span, res.Err)
			}
		}()
	}

	err := r.apply(ctx, ch, res)
	if err != nil {
		r.finish(res, StatusFailed, asEngineError(err, id, string(ch.Action)), started)
		if m := r.executor.opts.Metrics; m != nil {
			m.IncProviderError(ch.Kind)
		}
		log.Error().Err(err).Msg("Node failed")
		return
	}
	r.finish(res, StatusApplied, nil, started)
	log.Info().Dur("duration", time.Since(started)).Msg("Node applied")
}

// failedDependency returns the id of the first dependency that did not
// converge, or "" when all dependencies succeeded.
func (r *passRun) failedDependency(ch *Change) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dep := range ch.DependsOn {
		res, ok := r.results[dep]
		if !ok {
			continue
		}
		if !res.Status.Succeeded() {
			return dep
		}
	}
	return ""
}

func (r *passRun) finish(res *NodeResult, status NodeStatus, err *Error, started time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res.Status = status
	res.Err = err
	if !started.IsZero() {
		res.StartedAt = started
		res.CompletedAt = time.Now().UTC()
	}
	if m := r.executor.opts.Metrics; m != nil {
		d := res.CompletedAt.Sub(res.StartedAt)
		m.ObserveNode(string(res.Action), string(status), d)
	}
}

// apply performs the remote operation and the corresponding state write.
func (r *passRun) apply(ctx context.Context, ch *Change, res *NodeResult) error {
	provider, err := r.executor.registry.Get(ch.Kind)
	if err != nil {
		return err
	}

	// Cancellation only stops scheduling. An operation that already started
	// runs to completion, bounded by the node timeout alone, so remote
	// resources are never left half-applied.
	opCtx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if t := r.executor.opts.NodeTimeout; t > 0 {
		opCtx, cancel = context.WithTimeout(opCtx, t)
		defer cancel()
	}

	switch ch.Action {
	case ActionCreate, ActionUpdate:
		return r.applyUpsert(opCtx, provider, ch, res)
	case ActionDelete:
		return r.applyDelete(opCtx, provider, ch)
	default:
		return fmt.Errorf("unexpected action %q for node %s", ch.Action, ch.NodeID)
	}
}

func (r *passRun) applyUpsert(ctx context.Context, provider Provider, ch *Change, res *NodeResult) error {
	attrs, err := r.resolveLive(ch.Node)
	if err != nil {
		return err
	}

	var (
		handle  string
		outputs map[string]any
	)
	if ch.Action == ActionCreate {
		handle, outputs, err = provider.Create(ctx, ch.Kind, attrs)
	} else {
		handle = ch.Prior.Handle
		outputs, err = provider.Update(ctx, ch.Kind, handle, attrs)
	}
	if err != nil {
		return timeoutOr(ctx, err)
	}

	applied := make(map[string]any, len(attrs)+len(outputs))
	for k, v := range attrs {
		applied[k] = v
	}
	for k, v := range outputs {
		applied[k] = v
	}

	rec := &stores.StateRecord{
		ID:           ch.NodeID,
		Kind:         ch.Kind,
		Handle:       handle,
		LastApplied:  applied,
		Dependencies: ch.Node.DependencyIDs(),
	}
	expected := int64(0)
	if ch.Prior != nil {
		expected = ch.Prior.Version
	}
	saved, err := r.putWithRetry(ctx, rec, expected)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.records[ch.NodeID] = saved
	res.Handle = handle
	r.mu.Unlock()
	return nil
}

func (r *passRun) applyDelete(ctx context.Context, provider Provider, ch *Change) error {
	if err := provider.Delete(ctx, ch.Kind, ch.Prior.Handle); err != nil && !IsNotFound(err) {
		return timeoutOr(ctx, err)
	}
	if err := r.deleteWithRetry(ctx, ch.NodeID, ch.Prior.Version); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.records, ch.NodeID)
	r.mu.Unlock()
	return nil
}

// resolveLive resolves references against the records applied so far in
// this pass. Dependencies are guaranteed terminal by level ordering, so a
// missing value here means the topology promised an output the dependency
// never produced.
func (r *passRun) resolveLive(node *ResourceNode) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]any, len(node.Attrs))
	for name, val := range node.Attrs {
		if !val.IsRef() {
			out[name] = val.Literal
			continue
		}
		rec, ok := r.records[val.Ref.NodeID]
		if !ok {
			return nil, NewConfigurationError(
				fmt.Sprintf("reference %s has no applied state", val.Ref), nil,
			).WithCode(ErrCodeUnresolvedReference).WithNode(node.ID)
		}
		v, ok := rec.LastApplied[val.Ref.Attr]
		if !ok {
			return nil, NewConfigurationError(
				fmt.Sprintf("reference %s names an attribute %s never produced", val.Ref, val.Ref.NodeID), nil,
			).WithCode(ErrCodeUnresolvedReference).WithNode(node.ID)
		}
		out[name] = v
	}
	return out, nil
}

// putWithRetry writes a state record, re-reading the current version on
// compare-and-swap conflicts. The remote resource already reflects the
// write, so giving up on persistent conflicts surfaces a stale-state error
// rather than silently dropping the handle.
func (r *passRun) putWithRetry(ctx context.Context, rec *stores.StateRecord, expected int64) (*stores.StateRecord, error) {
	var lastErr error
	for attempt := 0; attempt < casRetryAttempts; attempt++ {
		saved, err := r.executor.store.Put(ctx, rec, expected)
		if err == nil {
			return saved, nil
		}
		if !errors.Is(err, stores.ErrStaleState) {
			return nil, fmt.Errorf("failed to persist state for %s: %w", rec.ID, err)
		}
		lastErr = err
		if m := r.executor.opts.Metrics; m != nil {
			m.IncCASConflict()
		}
		cur, getErr := r.executor.store.Get(ctx, rec.ID)
		switch {
		case getErr == nil:
			expected = cur.Version
		case errors.Is(getErr, stores.ErrRecordNotFound):
			expected = 0
		default:
			return nil, fmt.Errorf("failed to re-read state for %s: %w", rec.ID, getErr)
		}
	}
	return nil, NewStaleStateError(
		fmt.Sprintf("state for %s kept changing under us", rec.ID), lastErr,
	).WithNode(rec.ID)
}

func (r *passRun) deleteWithRetry(ctx context.Context, id string, expected int64) error {
	var lastErr error
	for attempt := 0; attempt < casRetryAttempts; attempt++ {
		err := r.executor.store.Delete(ctx, id, expected)
		if err == nil || errors.Is(err, stores.ErrRecordNotFound) {
			return nil
		}
		if !errors.Is(err, stores.ErrStaleState) {
			return fmt.Errorf("failed to delete state for %s: %w", id, err)
		}
		lastErr = err
		if m := r.executor.opts.Metrics; m != nil {
			m.IncCASConflict()
		}
		cur, getErr := r.executor.store.Get(ctx, id)
		if errors.Is(getErr, stores.ErrRecordNotFound) {
			return nil
		}
		if getErr != nil {
			return fmt.Errorf("failed to re-read state for %s: %w", id, getErr)
		}
		expected = cur.Version
	}
	return NewStaleStateError(
		fmt.Sprintf("state for %s kept changing under us", id), lastErr,
	).WithNode(id)
}

// timeoutOr maps a provider error to a timeout error when the per-node
// deadline expired, otherwise classifies it as a provider failure.
func timeoutOr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return NewTimeoutError("operation deadline exceeded", err)
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return NewProviderError(err.Error(), err)
}

// asEngineError coerces any error into a classified error with node and
// operation context.
func asEngineError(err error, node, op string) *Error {
	var e *Error
	if errors.As(err, &e) {
		if e.Node == "" {
			e.Node = node
		}
		if e.Op == "" {
			e.Op = op
		}
		return e
	}
	return NewProviderError(err.Error(), err).WithNode(node).WithOp(op)
}
