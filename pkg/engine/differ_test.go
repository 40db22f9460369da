package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/udohsolomon/converge/pkg/stores"
)

func seedRecord(t *testing.T, store stores.Store, rec *stores.StateRecord) *stores.StateRecord {
	t.Helper()
	saved, err := store.Put(context.Background(), rec, 0)
	if err != nil {
		t.Fatalf("failed to seed record %s: %v", rec.ID, err)
	}
	return saved
}

func mustGraph(t *testing.T, nodes ...*ResourceNode) *Graph {
	t.Helper()
	g, err := BuildGraph(nodes)
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}
	return g
}

func changeFor(t *testing.T, cs *ChangeSet, id string) Change {
	t.Helper()
	for _, ch := range cs.Changes {
		if ch.NodeID == id {
			return ch
		}
	}
	t.Fatalf("changeset has no entry for %s", id)
	return Change{}
}

func TestDiffCreatesForEmptyState(t *testing.T) {
	store := stores.NewMemoryStore()
	g := mustGraph(t,
		node("vpc", "main", map[string]AttrValue{"cidr": Lit("10.0.0.0/16")}),
		node("subnet", "a", map[string]AttrValue{"vpc_id": RefTo("vpc.main", "id")}),
	)

	cs, err := NewDiffer(store).Diff(context.Background(), g)
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if cs.Summary.Create != 2 || cs.Summary.Update != 0 || cs.Summary.Delete != 0 {
		t.Fatalf("unexpected summary: %+v", cs.Summary)
	}

	sub := changeFor(t, cs, "subnet.a")
	if len(sub.DependsOn) != 1 || sub.DependsOn[0] != "vpc.main" {
		t.Errorf("subnet should depend on vpc.main, got %v", sub.DependsOn)
	}
	// The dependency has no state yet, so the reference renders symbolically.
	if len(sub.Deltas) != 1 || sub.Deltas[0].After != "${vpc.main.id}" {
		t.Errorf("unresolved reference should render as placeholder, got %+v", sub.Deltas)
	}
}

func TestDiffConvergedStateIsNoOp(t *testing.T) {
	store := stores.NewMemoryStore()
	seedRecord(t, store, &stores.StateRecord{
		ID: "vpc.main", Kind: "vpc", Handle: "h-vpc",
		LastApplied: map[string]any{"cidr": "10.0.0.0/16", "id": "h-vpc"},
	})
	seedRecord(t, store, &stores.StateRecord{
		ID: "subnet.a", Kind: "subnet", Handle: "h-sub",
		LastApplied:  map[string]any{"vpc_id": "h-vpc", "id": "h-sub"},
		Dependencies: []string{"vpc.main"},
	})

	g := mustGraph(t,
		node("vpc", "main", map[string]AttrValue{"cidr": Lit("10.0.0.0/16")}),
		node("subnet", "a", map[string]AttrValue{"vpc_id": RefTo("vpc.main", "id")}),
	)

	cs, err := NewDiffer(store).Diff(context.Background(), g)
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if !cs.Empty() {
		t.Fatalf("converged state should produce an empty changeset, got %+v", cs.Summary)
	}
}

func TestDiffDetectsAttributeChange(t *testing.T) {
	store := stores.NewMemoryStore()
	seedRecord(t, store, &stores.StateRecord{
		ID: "vpc.main", Kind: "vpc", Handle: "h-vpc",
		LastApplied: map[string]any{"cidr": "10.0.0.0/16"},
	})

	g := mustGraph(t, node("vpc", "main", map[string]AttrValue{"cidr": Lit("10.1.0.0/16")}))

	cs, err := NewDiffer(store).Diff(context.Background(), g)
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	ch := changeFor(t, cs, "vpc.main")
	if ch.Action != ActionUpdate {
		t.Fatalf("expected update, got %s", ch.Action)
	}
	if len(ch.Deltas) != 1 || ch.Deltas[0].Before != "10.0.0.0/16" || ch.Deltas[0].After != "10.1.0.0/16" {
		t.Errorf("unexpected deltas: %+v", ch.Deltas)
	}
}

func TestDiffIgnoresDrift(t *testing.T) {
	store := stores.NewMemoryStore()
	seedRecord(t, store, &stores.StateRecord{
		ID: "vpc.main", Kind: "vpc", Handle: "h-vpc",
		LastApplied: map[string]any{"cidr": "10.0.0.0/16"},
		// A refresh pass observed out-of-band divergence.
		LastObserved: map[string]any{"cidr": "192.168.0.0/16"},
	})

	g := mustGraph(t, node("vpc", "main", map[string]AttrValue{"cidr": Lit("10.0.0.0/16")}))

	cs, err := NewDiffer(store).Diff(context.Background(), g)
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if ch := changeFor(t, cs, "vpc.main"); ch.Action != ActionNoOp {
		t.Fatalf("drift must not trigger updates, got action %s", ch.Action)
	}
}

func TestDiffDeletesRemovedNodesDependentsFirst(t *testing.T) {
	store := stores.NewMemoryStore()
	seedRecord(t, store, &stores.StateRecord{
		ID: "vpc.main", Kind: "vpc", Handle: "h-vpc",
		LastApplied: map[string]any{"id": "h-vpc"},
	})
	seedRecord(t, store, &stores.StateRecord{
		ID: "subnet.a", Kind: "subnet", Handle: "h-sub",
		LastApplied:  map[string]any{"vpc_id": "h-vpc"},
		Dependencies: []string{"vpc.main"},
	})

	// Empty desired topology: everything goes.
	cs, err := NewDiffer(store).Diff(context.Background(), mustGraph(t))
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if cs.Summary.Delete != 2 {
		t.Fatalf("expected 2 deletes, got %+v", cs.Summary)
	}

	// The vpc delete must wait for the subnet delete, not the other way round.
	vpc := changeFor(t, cs, "vpc.main")
	if len(vpc.DependsOn) != 1 || vpc.DependsOn[0] != "subnet.a" {
		t.Errorf("vpc delete should wait for subnet delete, got %v", vpc.DependsOn)
	}
	sub := changeFor(t, cs, "subnet.a")
	if len(sub.DependsOn) != 0 {
		t.Errorf("subnet delete should wait for nothing, got %v", sub.DependsOn)
	}
}

func TestDiffRejectsDeletingLiveDependency(t *testing.T) {
	store := stores.NewMemoryStore()
	seedRecord(t, store, &stores.StateRecord{
		ID: "vpc.main", Kind: "vpc", Handle: "h-vpc",
		LastApplied: map[string]any{"id": "h-vpc"},
	})
	seedRecord(t, store, &stores.StateRecord{
		ID: "subnet.a", Kind: "subnet", Handle: "h-sub",
		LastApplied:  map[string]any{"vpc_id": "h-vpc"},
		Dependencies: []string{"vpc.main"},
	})

	// Topology keeps the subnet but drops the vpc it depends on.
	g := mustGraph(t, node("subnet", "a", map[string]AttrValue{"vpc_id": Lit("h-vpc")}))

	_, err := NewDiffer(store).Diff(context.Background(), g)
	if err == nil {
		t.Fatal("expected dependency violation")
	}
	var e *Error
	if !errors.As(err, &e) || e.Code != ErrCodeDependencyViolation {
		t.Fatalf("expected code %s, got %v", ErrCodeDependencyViolation, err)
	}
}

func TestDestroyPlanDeletesEverything(t *testing.T) {
	store := stores.NewMemoryStore()
	seedRecord(t, store, &stores.StateRecord{
		ID: "vpc.main", Kind: "vpc", Handle: "h-vpc", LastApplied: map[string]any{},
	})
	seedRecord(t, store, &stores.StateRecord{
		ID: "subnet.a", Kind: "subnet", Handle: "h-sub",
		LastApplied: map[string]any{}, Dependencies: []string{"vpc.main"},
	})

	cs, err := NewDiffer(store).DestroyPlan(context.Background())
	if err != nil {
		t.Fatalf("DestroyPlan failed: %v", err)
	}
	if cs.Summary.Delete != 2 || cs.Summary.Total != 2 {
		t.Fatalf("unexpected summary: %+v", cs.Summary)
	}
	vpc := changeFor(t, cs, "vpc.main")
	if len(vpc.DependsOn) != 1 || vpc.DependsOn[0] != "subnet.a" {
		t.Errorf("destroy must remove dependents first, got %v", vpc.DependsOn)
	}
}
