package engine

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/udohsolomon/converge/pkg/stores"
)

// Differ computes changesets by comparing a desired graph against the
// state store. Comparison is always against last-applied attributes, never
// last-observed: drift alone does not produce update actions.
type Differ struct {
	store stores.Store
}

// NewDiffer creates a Differ backed by the given state store.
func NewDiffer(store stores.Store) *Differ {
	return &Differ{store: store}
}

// Diff compares the desired graph against current state and returns the
// changeset needed to converge. Records present in state but absent from
// the graph become deletes; deleting a record that a surviving record
// still depends on is a configuration error.
func (d *Differ) Diff(ctx context.Context, g *Graph) (*ChangeSet, error) {
	records, err := d.loadRecords(ctx)
	if err != nil {
		return nil, err
	}

	if err := checkDanglingDeletes(g, records); err != nil {
		return nil, err
	}

	cs := &ChangeSet{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
	}

	// Desired nodes in topological order for a stable, readable plan.
	for _, level := range g.Levels {
		for _, id := range level {
			node := g.Nodes[id]
			cs.Changes = append(cs.Changes, d.diffNode(node, records, g))
		}
	}

	// Records with no desired counterpart are deleted, dependents first.
	cs.Changes = append(cs.Changes, deleteChanges(g, records)...)

	cs.Summary = summarizeChanges(cs.Changes)
	return cs, nil
}

// DestroyPlan returns a changeset that deletes every state record,
// ordered so each record is removed before the records it depends on.
func (d *Differ) DestroyPlan(ctx context.Context) (*ChangeSet, error) {
	records, err := d.loadRecords(ctx)
	if err != nil {
		return nil, err
	}

	empty := &Graph{Nodes: map[string]*ResourceNode{}}
	cs := &ChangeSet{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
		Changes:   deleteChanges(empty, records),
	}
	cs.Summary = summarizeChanges(cs.Changes)
	return cs, nil
}

func (d *Differ) loadRecords(ctx context.Context) (map[string]*stores.StateRecord, error) {
	list, err := d.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load state records: %w", err)
	}
	records := make(map[string]*stores.StateRecord, len(list))
	for _, rec := range list {
		records[rec.ID] = rec
	}
	return records, nil
}

// diffNode decides the action for one desired node.
func (d *Differ) diffNode(node *ResourceNode, records map[string]*stores.StateRecord, g *Graph) Change {
	ch := Change{
		NodeID:    node.ID,
		Kind:      node.Kind,
		Node:      node,
		DependsOn: dependsOnInGraph(node, g),
	}

	resolved, complete := resolveAttrs(node, records)
	prior, exists := records[node.ID]
	if exists {
		ch.Prior = prior
	}

	if !exists {
		ch.Action = ActionCreate
		for _, name := range sortedAttrNames(node.Attrs) {
			ch.Deltas = append(ch.Deltas, AttributeDelta{Name: name, After: resolved[name]})
		}
		return ch
	}

	for _, name := range sortedAttrNames(node.Attrs) {
		before := prior.LastApplied[name]
		after := resolved[name]
		if !reflect.DeepEqual(before, after) {
			ch.Deltas = append(ch.Deltas, AttributeDelta{Name: name, Before: before, After: after})
		}
	}

	// A reference whose target has not been applied yet cannot be proven
	// converged, so the node is conservatively updated.
	if len(ch.Deltas) == 0 && complete {
		ch.Action = ActionNoOp
		return ch
	}
	ch.Action = ActionUpdate
	return ch
}

// resolveAttrs replaces references with values from the referenced records'
// last-applied attributes. The second return value reports whether every
// reference resolved; unresolved references render in placeholder form.
func resolveAttrs(node *ResourceNode, records map[string]*stores.StateRecord) (map[string]any, bool) {
	out := make(map[string]any, len(node.Attrs))
	complete := true
	for name, val := range node.Attrs {
		if !val.IsRef() {
			out[name] = val.Literal
			continue
		}
		rec, ok := records[val.Ref.NodeID]
		if !ok {
			out[name] = val.Ref.String()
			complete = false
			continue
		}
		resolved, ok := rec.LastApplied[val.Ref.Attr]
		if !ok {
			out[name] = val.Ref.String()
			complete = false
			continue
		}
		out[name] = resolved
	}
	return out, complete
}

// checkDanglingDeletes rejects plans where a record slated for deletion is
// still depended on by a record that survives.
func checkDanglingDeletes(g *Graph, records map[string]*stores.StateRecord) error {
	for id, rec := range records {
		if _, desired := g.Nodes[id]; !desired {
			continue // rec is itself being deleted
		}
		for _, dep := range rec.Dependencies {
			depRec, inState := records[dep]
			if !inState {
				continue
			}
			if _, depDesired := g.Nodes[dep]; !depDesired {
				return NewConfigurationError(
					fmt.Sprintf("cannot delete %s: %s still depends on it", depRec.ID, id), nil,
				).WithCode(ErrCodeDependencyViolation).WithNode(id)
			}
		}
	}
	return nil
}

// deleteChanges builds delete entries for every record absent from the
// desired graph. Ordering constraints are reversed relative to creation: a
// delete waits for the deletes of the records that depend on it.
func deleteChanges(g *Graph, records map[string]*stores.StateRecord) []Change {
	doomed := make(map[string]*stores.StateRecord)
	for id, rec := range records {
		if _, desired := g.Nodes[id]; !desired {
			doomed[id] = rec
		}
	}

	// dependents[x] lists doomed records whose state depends on x.
	dependents := make(map[string][]string)
	for id, rec := range doomed {
		for _, dep := range rec.Dependencies {
			if _, ok := doomed[dep]; ok {
				dependents[dep] = append(dependents[dep], id)
			}
		}
	}

	ids := make([]string, 0, len(doomed))
	for id := range doomed {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	changes := make([]Change, 0, len(ids))
	for _, id := range ids {
		waits := append([]string(nil), dependents[id]...)
		sort.Strings(waits)
		changes = append(changes, Change{
			NodeID:    id,
			Kind:      doomed[id].Kind,
			Action:    ActionDelete,
			Prior:     doomed[id],
			DependsOn: waits,
		})
	}
	return changes
}

// dependsOnInGraph filters a node's dependency ids to those present in the
// desired graph. Graph validation already guarantees they all are; the
// filter keeps the changeset self-contained regardless.
func dependsOnInGraph(node *ResourceNode, g *Graph) []string {
	deps := node.DependencyIDs()
	out := make([]string, 0, len(deps))
	for _, dep := range deps {
		if _, ok := g.Nodes[dep]; ok {
			out = append(out, dep)
		}
	}
	return out
}

func sortedAttrNames(attrs map[string]AttrValue) []string {
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func summarizeChanges(changes []Change) ChangeSummary {
	s := ChangeSummary{Total: len(changes)}
	for _, ch := range changes {
		switch ch.Action {
		case ActionCreate:
			s.Create++
		case ActionUpdate:
			s.Update++
		case ActionDelete:
			s.Delete++
		case ActionNoOp:
			s.NoOp++
		}
	}
	return s
}
