package engine

import (
	"errors"
	"strings"
	"testing"
)

func node(kind, name string, attrs map[string]AttrValue, deps ...string) *ResourceNode {
	if attrs == nil {
		attrs = map[string]AttrValue{}
	}
	return &ResourceNode{
		ID:           kind + "." + name,
		Kind:         kind,
		Name:         name,
		Attrs:        attrs,
		ExplicitDeps: deps,
	}
}

func TestBuildGraphLevels(t *testing.T) {
	nodes := []*ResourceNode{
		node("vpc", "main", nil),
		node("subnet", "a", map[string]AttrValue{
			"vpc_id": RefTo("vpc.main", "id"),
		}),
		node("subnet", "b", map[string]AttrValue{
			"vpc_id": RefTo("vpc.main", "id"),
		}),
		node("lb", "public", map[string]AttrValue{
			"subnet_id": RefTo("subnet.a", "id"),
		}),
	}

	g, err := BuildGraph(nodes)
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}

	if len(g.Levels) != 3 {
		t.Fatalf("expected 3 levels, got %d: %v", len(g.Levels), g.Levels)
	}
	if g.Levels[0][0] != "vpc.main" {
		t.Errorf("level 0 should hold vpc.main, got %v", g.Levels[0])
	}
	if len(g.Levels[1]) != 2 {
		t.Errorf("level 1 should hold both subnets, got %v", g.Levels[1])
	}
	if g.Levels[2][0] != "lb.public" {
		t.Errorf("level 2 should hold lb.public, got %v", g.Levels[2])
	}
}

func TestBuildGraphReferenceOnlyDependencies(t *testing.T) {
	nodes := []*ResourceNode{
		node("vpc", "main", nil),
		node("subnet", "a", map[string]AttrValue{
			"vpc_id": RefTo("vpc.main", "id"),
		}),
	}

	g, err := BuildGraph(nodes)
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}

	// A reference with no depends_on still orders the nodes.
	if len(g.Edges) != 1 || g.Edges[0].From != "subnet.a" || g.Edges[0].To != "vpc.main" {
		t.Fatalf("expected edge subnet.a -> vpc.main, got %v", g.Edges)
	}
	if !g.Edges[0].Inferred {
		t.Error("reference-derived edge should be marked inferred")
	}
	deps := g.Nodes["subnet.a"].DependencyIDs()
	if len(deps) != 1 || deps[0] != "vpc.main" {
		t.Errorf("reference should surface as a dependency id, got %v", deps)
	}
	if len(g.Levels) != 2 {
		t.Errorf("expected 2 levels, got %v", g.Levels)
	}
}

func TestBuildGraphInferredAndExplicitEdges(t *testing.T) {
	nodes := []*ResourceNode{
		node("vpc", "main", nil),
		node("cluster", "game", map[string]AttrValue{
			"vpc_id": RefTo("vpc.main", "id"),
		}, "vpc.main"),
	}

	g, err := BuildGraph(nodes)
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}
	// Explicit and inferred edges to the same dependency collapse to one.
	if len(g.Edges) != 1 {
		t.Fatalf("expected 1 edge, got %d: %v", len(g.Edges), g.Edges)
	}
	if !g.Edges[0].Inferred {
		t.Error("edge backed by an attribute reference should be marked inferred")
	}
}

func TestBuildGraphUnresolvedReference(t *testing.T) {
	nodes := []*ResourceNode{
		node("subnet", "a", map[string]AttrValue{
			"vpc_id": RefTo("vpc.missing", "id"),
		}),
	}

	_, err := BuildGraph(nodes)
	if err == nil {
		t.Fatal("expected error for reference to undeclared node")
	}
	if !IsConfiguration(err) {
		t.Errorf("expected configuration error, got %v", err)
	}
	var e *Error
	if !errors.As(err, &e) || e.Code != ErrCodeUnresolvedReference {
		t.Errorf("expected code %s, got %v", ErrCodeUnresolvedReference, err)
	}
}

func TestBuildGraphDuplicateID(t *testing.T) {
	nodes := []*ResourceNode{
		node("vpc", "main", nil),
		node("vpc", "main", nil),
	}
	if _, err := BuildGraph(nodes); err == nil || !IsConfiguration(err) {
		t.Fatalf("expected configuration error for duplicate id, got %v", err)
	}
}

func TestBuildGraphCycle(t *testing.T) {
	nodes := []*ResourceNode{
		node("a", "a", nil, "b.b"),
		node("b", "b", nil, "c.c"),
		node("c", "c", nil, "a.a"),
	}

	_, err := BuildGraph(nodes)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	var e *Error
	if !errors.As(err, &e) || e.Code != ErrCodeCycle {
		t.Fatalf("expected code %s, got %v", ErrCodeCycle, err)
	}
	// The message names every node on the cycle path.
	for _, id := range []string{"a.a", "b.b", "c.c"} {
		if !strings.Contains(e.Message, id) {
			t.Errorf("cycle message should mention %s: %s", id, e.Message)
		}
	}
}

func TestBuildGraphSelfLoop(t *testing.T) {
	nodes := []*ResourceNode{node("a", "a", nil, "a.a")}
	_, err := BuildGraph(nodes)
	var e *Error
	if !errors.As(err, &e) || e.Code != ErrCodeCycle {
		t.Fatalf("expected cycle error for self loop, got %v", err)
	}
}

func TestTopoLevelsDisjointBranches(t *testing.T) {
	deps := map[string][]string{
		"a1": nil, "a2": {"a1"},
		"b1": nil, "b2": {"b1"},
	}
	levels, err := topoLevels([]string{"a1", "a2", "b1", "b2"}, func(id string) []string {
		return deps[id]
	})
	if err != nil {
		t.Fatalf("topoLevels failed: %v", err)
	}
	if len(levels) != 2 || len(levels[0]) != 2 || len(levels[1]) != 2 {
		t.Fatalf("independent branches should interleave by depth, got %v", levels)
	}
}
