package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/udohsolomon/converge/pkg/stores"
)

// fakeProvider records call order and fails on demand.
type fakeProvider struct {
	mu       sync.Mutex
	calls    []string
	failKind string
	failWith error
	block    bool
}

func (p *fakeProvider) record(op, kind string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, op+":"+kind)
}

func (p *fakeProvider) callOrder() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakeProvider) Create(ctx context.Context, kind string, attrs map[string]any) (string, map[string]any, error) {
	p.record("create", kind)
	if p.block {
		<-ctx.Done()
		return "", nil, ctx.Err()
	}
	if kind == p.failKind {
		return "", nil, p.failWith
	}
	handle := "h-" + kind
	return handle, map[string]any{"id": handle}, nil
}

func (p *fakeProvider) Read(_ context.Context, kind, handle string) (map[string]any, error) {
	p.record("read", kind)
	return map[string]any{"id": handle}, nil
}

func (p *fakeProvider) Update(_ context.Context, kind, handle string, attrs map[string]any) (map[string]any, error) {
	p.record("update", kind)
	if kind == p.failKind {
		return nil, p.failWith
	}
	return map[string]any{"id": handle}, nil
}

func (p *fakeProvider) Delete(_ context.Context, kind, handle string) error {
	p.record("delete", kind)
	if kind == p.failKind {
		return p.failWith
	}
	return nil
}

func newTestExecutor(store stores.Store, provider Provider) *Executor {
	registry := NewRegistry()
	registry.SetDefault(provider)
	return NewExecutor(store, registry, ExecutorOptions{
		Parallelism: 4,
		Logger:      zerolog.Nop(),
	})
}

func diffChangeSet(t *testing.T, store stores.Store, g *Graph) *ChangeSet {
	t.Helper()
	cs, err := NewDiffer(store).Diff(context.Background(), g)
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	return cs
}

func TestExecuteAppliesInDependencyOrder(t *testing.T) {
	store := stores.NewMemoryStore()
	provider := &fakeProvider{}
	g := mustGraph(t,
		node("vpc", "main", map[string]AttrValue{"cidr": Lit("10.0.0.0/16")}),
		node("subnet", "a", map[string]AttrValue{"vpc_id": RefTo("vpc.main", "id")}),
	)

	result, err := newTestExecutor(store, provider).Execute(context.Background(), diffChangeSet(t, store, g))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !result.Succeeded() {
		t.Fatalf("pass should succeed: %+v", result.Summary)
	}

	calls := provider.callOrder()
	if len(calls) != 2 || calls[0] != "create:vpc" || calls[1] != "create:subnet" {
		t.Errorf("dependency must be created first, got %v", calls)
	}

	// The subnet's reference resolved against the vpc applied in this pass.
	rec, err := store.Get(context.Background(), "subnet.a")
	if err != nil {
		t.Fatalf("subnet record missing: %v", err)
	}
	if rec.LastApplied["vpc_id"] != "h-vpc" {
		t.Errorf("reference should resolve to the dependency's output, got %v", rec.LastApplied["vpc_id"])
	}
	if len(rec.Dependencies) != 1 || rec.Dependencies[0] != "vpc.main" {
		t.Errorf("record should capture its dependencies, got %v", rec.Dependencies)
	}
	if rec.Version != 1 {
		t.Errorf("fresh record should have version 1, got %d", rec.Version)
	}
}

func TestExecuteFailureSkipsDependentsOnly(t *testing.T) {
	store := stores.NewMemoryStore()
	provider := &fakeProvider{failKind: "vpc", failWith: errors.New("quota exceeded")}
	g := mustGraph(t,
		node("vpc", "main", nil),
		node("subnet", "a", map[string]AttrValue{"vpc_id": RefTo("vpc.main", "id")}),
		node("bucket", "logs", nil),
	)

	result, err := newTestExecutor(store, provider).Execute(context.Background(), diffChangeSet(t, store, g))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Succeeded() {
		t.Fatal("pass with a failed node must not report success")
	}

	if got := result.Results["vpc.main"].Status; got != StatusFailed {
		t.Errorf("vpc should be failed, got %s", got)
	}
	sub := result.Results["subnet.a"]
	if sub.Status != StatusSkipped {
		t.Errorf("dependent should be skipped, got %s", sub.Status)
	}
	if sub.Err == nil || sub.Err.Code != ErrCodeDependencyFailed {
		t.Errorf("skipped node should carry %s, got %+v", ErrCodeDependencyFailed, sub.Err)
	}
	if got := result.Results["bucket.logs"].Status; got != StatusApplied {
		t.Errorf("independent branch should still apply, got %s", got)
	}

	// The failed node wrote no state.
	if _, err := store.Get(context.Background(), "vpc.main"); !errors.Is(err, stores.ErrRecordNotFound) {
		t.Errorf("failed node must not persist state, got %v", err)
	}
}

func TestExecuteNoOpSkipsProvider(t *testing.T) {
	store := stores.NewMemoryStore()
	seedRecord(t, store, &stores.StateRecord{
		ID: "vpc.main", Kind: "vpc", Handle: "h-vpc",
		LastApplied: map[string]any{"cidr": "10.0.0.0/16"},
	})
	provider := &fakeProvider{}
	g := mustGraph(t, node("vpc", "main", map[string]AttrValue{"cidr": Lit("10.0.0.0/16")}))

	result, err := newTestExecutor(store, provider).Execute(context.Background(), diffChangeSet(t, store, g))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got := result.Results["vpc.main"].Status; got != StatusNoOp {
		t.Errorf("expected noop, got %s", got)
	}
	if calls := provider.callOrder(); len(calls) != 0 {
		t.Errorf("noop must not call the provider, got %v", calls)
	}
}

func TestExecuteCancelledContextInterrupts(t *testing.T) {
	store := stores.NewMemoryStore()
	provider := &fakeProvider{}
	g := mustGraph(t, node("vpc", "main", nil), node("subnet", "a", nil, "vpc.main"))
	cs := diffChangeSet(t, store, g)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := newTestExecutor(store, provider).Execute(ctx, cs)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Summary.Interrupted != 2 {
		t.Fatalf("all unstarted nodes should be interrupted, got %+v", result.Summary)
	}
	if calls := provider.callOrder(); len(calls) != 0 {
		t.Errorf("no provider call expected after cancellation, got %v", calls)
	}
}

// gateProvider signals when Create starts and blocks until released, so a
// test can cancel the pass while the call is in flight.
type gateProvider struct {
	fakeProvider
	started chan struct{}
	release chan struct{}
}

func (p *gateProvider) Create(ctx context.Context, kind string, attrs map[string]any) (string, map[string]any, error) {
	close(p.started)
	<-p.release
	if ctx.Err() != nil {
		return "", nil, ctx.Err()
	}
	handle := "h-" + kind
	return handle, map[string]any{"id": handle}, nil
}

func TestExecuteCancellationLetsInFlightNodeFinish(t *testing.T) {
	store := stores.NewMemoryStore()
	provider := &gateProvider{started: make(chan struct{}), release: make(chan struct{})}
	g := mustGraph(t, node("vpc", "main", nil))
	cs := diffChangeSet(t, store, g)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type outcome struct {
		result *PassResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := newTestExecutor(store, provider).Execute(ctx, cs)
		done <- outcome{result, err}
	}()

	<-provider.started
	cancel()
	close(provider.release)

	out := <-done
	if out.err != nil {
		t.Fatalf("Execute failed: %v", out.err)
	}
	res := out.result.Results["vpc.main"]
	if res.Status != StatusApplied {
		t.Fatalf("in-flight node should run to completion, got %s (%+v)", res.Status, res.Err)
	}
	if _, err := store.Get(context.Background(), "vpc.main"); err != nil {
		t.Errorf("record should persist after cancellation: %v", err)
	}
}

func TestExecuteNodeTimeout(t *testing.T) {
	store := stores.NewMemoryStore()
	provider := &fakeProvider{block: true}
	registry := NewRegistry()
	registry.SetDefault(provider)
	exec := NewExecutor(store, registry, ExecutorOptions{
		Parallelism: 1,
		NodeTimeout: 20 * time.Millisecond,
		Logger:      zerolog.Nop(),
	})

	g := mustGraph(t, node("vpc", "main", nil))
	result, err := exec.Execute(context.Background(), diffChangeSet(t, store, g))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	res := result.Results["vpc.main"]
	if res.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", res.Status)
	}
	if !IsTimeout(res.Err) {
		t.Errorf("expected timeout classification, got %+v", res.Err)
	}
}

func TestExecuteDeleteOrderAndStateRemoval(t *testing.T) {
	store := stores.NewMemoryStore()
	seedRecord(t, store, &stores.StateRecord{
		ID: "vpc.main", Kind: "vpc", Handle: "h-vpc", LastApplied: map[string]any{},
	})
	seedRecord(t, store, &stores.StateRecord{
		ID: "subnet.a", Kind: "subnet", Handle: "h-subnet",
		LastApplied: map[string]any{}, Dependencies: []string{"vpc.main"},
	})
	provider := &fakeProvider{}

	cs := diffChangeSet(t, store, mustGraph(t))
	result, err := newTestExecutor(store, provider).Execute(context.Background(), cs)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !result.Succeeded() {
		t.Fatalf("destroy pass should succeed: %+v", result.Summary)
	}

	calls := provider.callOrder()
	if len(calls) != 2 || calls[0] != "delete:subnet" || calls[1] != "delete:vpc" {
		t.Errorf("dependent must be deleted first, got %v", calls)
	}
	list, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("state should be empty after destroy, got %d records", len(list))
	}
}

// staleOnceStore forces one CAS conflict per record to exercise the
// re-read-and-retry path.
type staleOnceStore struct {
	*stores.MemoryStore
	mu     sync.Mutex
	staled map[string]bool
}

func (s *staleOnceStore) Put(ctx context.Context, rec *stores.StateRecord, expectedVersion int64) (*stores.StateRecord, error) {
	s.mu.Lock()
	first := !s.staled[rec.ID]
	s.staled[rec.ID] = true
	s.mu.Unlock()
	if first {
		return nil, stores.ErrStaleState
	}
	return s.MemoryStore.Put(ctx, rec, expectedVersion)
}

func TestExecuteRetriesStaleStateWrites(t *testing.T) {
	store := &staleOnceStore{MemoryStore: stores.NewMemoryStore(), staled: map[string]bool{}}
	provider := &fakeProvider{}
	g := mustGraph(t, node("vpc", "main", nil))

	result, err := newTestExecutor(store, provider).Execute(context.Background(), diffChangeSet(t, store, g))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got := result.Results["vpc.main"].Status; got != StatusApplied {
		t.Fatalf("write should succeed after CAS retry, got %s", got)
	}
	if _, err := store.Get(context.Background(), "vpc.main"); err != nil {
		t.Errorf("record should exist after retry: %v", err)
	}
}
