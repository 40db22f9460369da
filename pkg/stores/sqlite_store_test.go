package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(SQLiteConfig{Path: filepath.Join(t.TempDir(), "state.db")})
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := &StateRecord{
		ID:     "cluster.game",
		Kind:   "cluster",
		Handle: "h-cluster",
		LastApplied: map[string]any{
			"node_count": float64(3),
			"subnet_id":  "h-subnet",
			"tags":       map[string]any{"team": "platform"},
		},
		Dependencies:   []string{"subnet.b", "iam_role.nodes"},
		LastReconciled: time.Now().UTC().Truncate(time.Second),
	}
	saved, err := store.Put(ctx, rec, 0)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if saved.Version != 1 {
		t.Errorf("insert should set version 1, got %d", saved.Version)
	}

	got, err := store.Get(ctx, "cluster.game")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Kind != "cluster" || got.Handle != "h-cluster" {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.LastApplied["node_count"] != float64(3) {
		t.Errorf("numeric attribute should decode as float64, got %T", got.LastApplied["node_count"])
	}
	tags, ok := got.LastApplied["tags"].(map[string]any)
	if !ok || tags["team"] != "platform" {
		t.Errorf("nested attributes should round-trip, got %v", got.LastApplied["tags"])
	}
	if len(got.Dependencies) != 2 {
		t.Errorf("dependencies should round-trip, got %v", got.Dependencies)
	}
}

func TestSQLiteStoreCASConflicts(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	rec := &StateRecord{ID: "vpc.main", Kind: "vpc", Handle: "h-1", LastApplied: map[string]any{}}

	saved, err := store.Put(ctx, rec, 0)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if _, err := store.Put(ctx, rec, 0); !errors.Is(err, ErrStaleState) {
		t.Errorf("duplicate insert should conflict, got %v", err)
	}
	if _, err := store.Put(ctx, saved, saved.Version+5); !errors.Is(err, ErrStaleState) {
		t.Errorf("stale version should conflict, got %v", err)
	}

	updated, err := store.Put(ctx, saved, saved.Version)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Version != saved.Version+1 {
		t.Errorf("update should bump version, got %d", updated.Version)
	}

	missing := &StateRecord{ID: "gone", Kind: "vpc", Handle: "h", LastApplied: map[string]any{}}
	if _, err := store.Put(ctx, missing, 3); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("updating a missing record should report not found, got %v", err)
	}
}

func TestSQLiteStoreDelete(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	saved, err := store.Put(ctx, &StateRecord{ID: "vpc.main", Kind: "vpc", Handle: "h-1", LastApplied: map[string]any{}}, 0)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	if err := store.Delete(ctx, "vpc.main", saved.Version+1); !errors.Is(err, ErrStaleState) {
		t.Errorf("wrong version should conflict, got %v", err)
	}
	if err := store.Delete(ctx, "vpc.main", saved.Version); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "vpc.main"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected not found after delete, got %v", err)
	}
	if err := store.Delete(ctx, "vpc.main", saved.Version); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("deleting a deleted record should report not found, got %v", err)
	}
}

func TestSQLiteStoreList(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	for _, id := range []string{"b.b", "a.a"} {
		if _, err := store.Put(ctx, &StateRecord{ID: id, Kind: "k", Handle: "h", LastApplied: map[string]any{}}, 0); err != nil {
			t.Fatalf("insert %s failed: %v", id, err)
		}
	}
	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "a.a" {
		t.Errorf("list should be sorted, got %d records", len(list))
	}
}
