package engine

import (
	"fmt"
	"sort"
	"strings"
)

// BuildGraph validates a set of resource nodes and assembles the dependency
// DAG. It resolves explicit and inferred dependencies to edges, rejects
// references to non-existent nodes, detects cycles, and computes topological
// levels for parallel execution. Pure transformation: no side effects.
func BuildGraph(nodes []*ResourceNode) (*Graph, error) {
	g := &Graph{
		Nodes: make(map[string]*ResourceNode, len(nodes)),
		Edges: make([]Edge, 0),
	}

	for _, n := range nodes {
		if n.ID == "" {
			return nil, NewConfigurationError("resource node has empty id", nil).
				WithCode(ErrCodeValidation)
		}
		if _, exists := g.Nodes[n.ID]; exists {
			return nil, NewConfigurationError(
				fmt.Sprintf("duplicate resource id: %s", n.ID), nil,
			).WithCode(ErrCodeValidation)
		}
		g.Nodes[n.ID] = n
	}

	inferred := make(map[string]map[string]bool, len(nodes))
	for _, n := range g.Nodes {
		refs := make(map[string]bool, len(n.InferredDeps))
		for _, dep := range n.InferredDeps {
			refs[dep] = true
		}
		// References inside attribute values must resolve to declared nodes;
		// each one becomes an inferred dependency of the referencing node.
		for _, v := range n.Attrs {
			if v.IsRef() {
				if _, ok := g.Nodes[v.Ref.NodeID]; !ok {
					return nil, NewUnresolvedReferenceError(n.ID, v.Ref.NodeID)
				}
				refs[v.Ref.NodeID] = true
			}
		}
		ids := make([]string, 0, len(refs))
		for dep := range refs {
			ids = append(ids, dep)
		}
		sort.Strings(ids)
		n.InferredDeps = ids
		inferred[n.ID] = refs
	}

	for _, n := range g.Nodes {
		for _, dep := range n.DependencyIDs() {
			if _, ok := g.Nodes[dep]; !ok {
				return nil, NewUnresolvedReferenceError(n.ID, dep)
			}
			if dep == n.ID {
				return nil, NewCyclicDependencyError([]string{n.ID, n.ID})
			}
			g.Edges = append(g.Edges, Edge{From: n.ID, To: dep, Inferred: inferred[n.ID][dep]})
		}
	}
	sort.Slice(g.Edges, func(i, j int) bool {
		if g.Edges[i].From != g.Edges[j].From {
			return g.Edges[i].From < g.Edges[j].From
		}
		return g.Edges[i].To < g.Edges[j].To
	})

	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	levels, err := topoLevels(ids, func(id string) []string {
		return g.Nodes[id].DependencyIDs()
	})
	if err != nil {
		return nil, err
	}
	g.Levels = levels

	return g, nil
}

// topoLevels assigns topological levels over an id set using Kahn's
// algorithm. Level 0 holds nodes with no dependencies; ids within a level
// may be processed in parallel. A cycle is reported with its path.
func topoLevels(ids []string, deps func(string) []string) ([][]string, error) {
	present := make(map[string]bool, len(ids))
	for _, id := range ids {
		present[id] = true
	}

	inDegree := make(map[string]int, len(ids))
	dependents := make(map[string][]string, len(ids))
	for _, id := range ids {
		inDegree[id] = 0
	}
	for _, id := range ids {
		for _, dep := range deps(id) {
			if !present[dep] {
				continue // dependency not part of this walk
			}
			dependents[dep] = append(dependents[dep], id)
			inDegree[id]++
		}
	}

	current := make([]string, 0)
	for _, id := range ids {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	levels := make([][]string, 0)
	processed := 0
	for len(current) > 0 {
		sort.Strings(current)
		levels = append(levels, current)
		processed += len(current)

		next := make([]string, 0)
		for _, id := range current {
			for _, dep := range dependents[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		current = next
	}

	if processed != len(ids) {
		return nil, NewCyclicDependencyError(findCycle(ids, deps, present))
	}
	return levels, nil
}

// findCycle runs a DFS to recover one concrete cycle path for the error
// message. Only called after Kahn's algorithm proved a cycle exists.
func findCycle(ids []string, deps func(string) []string, present map[string]bool) []string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	visited := make(map[string]bool, len(ids))
	onStack := make(map[string]bool, len(ids))

	var walk func(id string, path []string) []string
	walk = func(id string, path []string) []string {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)
		for _, dep := range deps(id) {
			if !present[dep] {
				continue
			}
			if onStack[dep] {
				for i, p := range path {
					if p == dep {
						return append(path[i:], dep)
					}
				}
			}
			if !visited[dep] {
				if cycle := walk(dep, path); cycle != nil {
					return cycle
				}
			}
		}
		onStack[id] = false
		return nil
	}

	for _, id := range sorted {
		if !visited[id] {
			if cycle := walk(id, nil); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// ToDOT renders the changeset as a Graphviz document for visualization.
func (cs *ChangeSet) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph changeset {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, c := range cs.Changes {
		sb.WriteString(fmt.Sprintf("  %q [label=\"%s\\n%s\", fillcolor=%q, style=\"filled,rounded\"];\n",
			c.NodeID, c.NodeID, c.Action, actionColor(c.Action)))
	}
	sb.WriteString("\n")
	for _, c := range cs.Changes {
		for _, dep := range c.DependsOn {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", dep, c.NodeID))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func actionColor(a Action) string {
	switch a {
	case ActionCreate:
		return "lightgreen"
	case ActionUpdate:
		return "lightblue"
	case ActionDelete:
		return "lightcoral"
	default:
		return "lightgray"
	}
}
