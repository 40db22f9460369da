package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/udohsolomon/converge/pkg/stores"
)

// AttrRef is a symbolic reference to another node's output attribute.
type AttrRef struct {
	// NodeID is the logical id of the referenced node ("kind.name").
	NodeID string `json:"node_id"`

	// Attr is the referenced output attribute name.
	Attr string `json:"attr"`
}

// String renders the reference in placeholder form for display.
func (r AttrRef) String() string {
	return fmt.Sprintf("${%s.%s}", r.NodeID, r.Attr)
}

// AttrValue is a desired attribute value: either a literal or a reference
// to another node's output. Exactly one of the two is set.
type AttrValue struct {
	// Literal is the literal value when Ref is nil.
	Literal any `json:"literal,omitempty"`

	// Ref is the symbolic reference, if any.
	Ref *AttrRef `json:"ref,omitempty"`
}

// Lit wraps a literal attribute value.
func Lit(v any) AttrValue {
	return AttrValue{Literal: v}
}

// RefTo builds a reference attribute value.
func RefTo(nodeID, attr string) AttrValue {
	return AttrValue{Ref: &AttrRef{NodeID: nodeID, Attr: attr}}
}

// IsRef reports whether the value is a symbolic reference.
func (v AttrValue) IsRef() bool {
	return v.Ref != nil
}

// ResourceNode is one declared resource in the desired topology.
// Immutable for the duration of a reconciliation pass.
type ResourceNode struct {
	// ID is the logical id, unique within the graph ("kind.name").
	ID string `json:"id"`

	// Kind is the resource kind tag (e.g. "vpc", "load_balancer").
	Kind string `json:"kind"`

	// Name is the declared instance name.
	Name string `json:"name"`

	// Attrs is the desired attribute set.
	Attrs map[string]AttrValue `json:"attrs"`

	// ExplicitDeps are logical ids named in depends_on.
	ExplicitDeps []string `json:"explicit_deps,omitempty"`

	// InferredDeps are logical ids derived from attribute references.
	// BuildGraph fills them in from Attrs, sorted and deduplicated.
	InferredDeps []string `json:"inferred_deps,omitempty"`
}

// DependencyIDs returns the union of explicit and inferred dependency ids,
// sorted and deduplicated.
func (n *ResourceNode) DependencyIDs() []string {
	seen := make(map[string]struct{}, len(n.ExplicitDeps)+len(n.InferredDeps))
	for _, id := range n.ExplicitDeps {
		seen[id] = struct{}{}
	}
	for _, id := range n.InferredDeps {
		seen[id] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Edge is a dependency edge: From must be applied only after To.
type Edge struct {
	// From is the dependent node's logical id.
	From string `json:"from"`

	// To is the dependency's logical id.
	To string `json:"to"`

	// Inferred marks edges derived from attribute references rather than
	// depends_on declarations.
	Inferred bool `json:"inferred,omitempty"`
}

// Graph is a validated DAG of resource nodes.
type Graph struct {
	// Nodes maps logical ids to their nodes.
	Nodes map[string]*ResourceNode `json:"nodes"`

	// Edges lists all dependency edges.
	Edges []Edge `json:"edges"`

	// Levels groups logical ids by topological depth; nodes within a
	// level have no dependency relationship to each other.
	Levels [][]string `json:"levels"`
}

// Action is the per-node operation a diff pass decides on.
type Action string

const (
	// ActionCreate creates a resource that has no state record.
	ActionCreate Action = "create"

	// ActionUpdate updates a resource whose desired attributes diverged
	// from the last-applied set.
	ActionUpdate Action = "update"

	// ActionDelete removes a resource present in state but absent from
	// the desired graph.
	ActionDelete Action = "delete"

	// ActionNoOp leaves a converged resource untouched.
	ActionNoOp Action = "noop"
)

// AttributeDelta is one attribute-level difference.
type AttributeDelta struct {
	// Name is the attribute name.
	Name string `json:"name"`

	// Before is the last-applied value, nil for creates.
	Before any `json:"before,omitempty"`

	// After is the desired value. References render in ${...} form until
	// the dependency's outputs are known.
	After any `json:"after,omitempty"`
}

// Change is one entry of a changeset.
type Change struct {
	// NodeID is the logical id the change operates on.
	NodeID string `json:"node_id"`

	// Kind is the resource kind.
	Kind string `json:"kind"`

	// Action is the decided operation.
	Action Action `json:"action"`

	// Node is the desired node; nil for deletes.
	Node *ResourceNode `json:"node,omitempty"`

	// Prior is the existing state record, if any.
	Prior *stores.StateRecord `json:"prior,omitempty"`

	// Deltas lists the attribute-level differences.
	Deltas []AttributeDelta `json:"deltas,omitempty"`

	// DependsOn lists changeset entries that must reach a terminal state
	// before this one may start. For deletes the direction is already
	// reversed: a delete waits for the deletes of its dependents.
	DependsOn []string `json:"depends_on,omitempty"`
}

// ChangeSummary provides statistics about a changeset.
type ChangeSummary struct {
	Total  int `json:"total"`
	Create int `json:"create"`
	Update int `json:"update"`
	Delete int `json:"delete"`
	NoOp   int `json:"noop"`
}

// ChangeSet is the ordered set of actions needed to move current state
// toward desired state. Produced fresh each pass, discarded after execution.
type ChangeSet struct {
	// ID identifies the pass that produced the changeset.
	ID string `json:"id"`

	// CreatedAt is when the diff was computed.
	CreatedAt time.Time `json:"created_at"`

	// Changes is the ordered list of per-node actions.
	Changes []Change `json:"changes"`

	// Summary provides per-action counts.
	Summary ChangeSummary `json:"summary"`
}

// Empty reports whether the changeset contains no mutating actions.
func (cs *ChangeSet) Empty() bool {
	return cs.Summary.Create == 0 && cs.Summary.Update == 0 && cs.Summary.Delete == 0
}

// NodeStatus is the terminal (or in-flight) status of one changeset entry.
type NodeStatus string

const (
	// StatusPending indicates the entry has not been scheduled yet.
	StatusPending NodeStatus = "pending"

	// StatusRunning indicates the entry is being applied.
	StatusRunning NodeStatus = "running"

	// StatusApplied indicates the remote operation and state write succeeded.
	StatusApplied NodeStatus = "applied"

	// StatusFailed indicates the remote operation failed.
	StatusFailed NodeStatus = "failed"

	// StatusSkipped indicates a dependency failed, so the entry never ran.
	StatusSkipped NodeStatus = "skipped"

	// StatusNoOp indicates the entry required no remote operation.
	StatusNoOp NodeStatus = "noop"

	// StatusInterrupted indicates the pass was cancelled before the entry
	// started. In-flight operations are never interrupted mid-call.
	StatusInterrupted NodeStatus = "interrupted"
)

// IsTerminal returns true if the status represents a final state.
func (s NodeStatus) IsTerminal() bool {
	switch s {
	case StatusApplied, StatusFailed, StatusSkipped, StatusNoOp, StatusInterrupted:
		return true
	}
	return false
}

// Succeeded returns true if the entry converged without error.
func (s NodeStatus) Succeeded() bool {
	return s == StatusApplied || s == StatusNoOp
}

// NodeResult is the per-node outcome of an execution pass.
type NodeResult struct {
	// NodeID is the logical id.
	NodeID string `json:"node_id"`

	// Action is the operation that was attempted.
	Action Action `json:"action"`

	// Status is the terminal status.
	Status NodeStatus `json:"status"`

	// Handle is the provider-assigned identifier after a create/update.
	Handle string `json:"handle,omitempty"`

	// Err is the classified failure, if any.
	Err *Error `json:"error,omitempty"`

	// StartedAt and CompletedAt bracket the remote operation.
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// PassSummary provides statistics about an execution pass.
type PassSummary struct {
	Total       int `json:"total"`
	Applied     int `json:"applied"`
	Skipped     int `json:"skipped"`
	Failed      int `json:"failed"`
	NoOp        int `json:"noop"`
	Interrupted int `json:"interrupted"`
}

// PassResult is the outcome of executing one changeset.
type PassResult struct {
	// ID identifies the pass.
	ID string `json:"id"`

	// StartedAt and CompletedAt bracket the whole pass.
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`

	// Results maps logical ids to their per-node outcomes.
	Results map[string]*NodeResult `json:"results"`

	// Summary provides per-status counts.
	Summary PassSummary `json:"summary"`
}

// Succeeded returns true if every node ended Applied or NoOp.
func (r *PassResult) Succeeded() bool {
	return r.Summary.Failed == 0 && r.Summary.Skipped == 0 && r.Summary.Interrupted == 0
}

// summarize recomputes the summary from the per-node results.
func (r *PassResult) summarize() {
	s := PassSummary{Total: len(r.Results)}
	for _, res := range r.Results {
		switch res.Status {
		case StatusApplied:
			s.Applied++
		case StatusSkipped:
			s.Skipped++
		case StatusFailed:
			s.Failed++
		case StatusNoOp:
			s.NoOp++
		case StatusInterrupted:
			s.Interrupted++
		}
	}
	r.Summary = s
}

// DriftStatus classifies one state record during a refresh pass.
type DriftStatus string

const (
	// DriftInSync indicates observed attributes match last-applied.
	DriftInSync DriftStatus = "in_sync"

	// DriftDrifted indicates at least one attribute changed out-of-band.
	DriftDrifted DriftStatus = "drifted"

	// DriftMissing indicates the provider no longer knows the handle.
	DriftMissing DriftStatus = "missing"

	// DriftUnknown indicates the resource could not be read.
	DriftUnknown DriftStatus = "unknown"
)

// DriftItem is the refresh outcome for one state record.
type DriftItem struct {
	// NodeID is the logical id.
	NodeID string `json:"node_id"`

	// Kind is the resource kind.
	Kind string `json:"kind"`

	// Status classifies the record.
	Status DriftStatus `json:"status"`

	// Deltas lists the attributes that diverged from last-applied.
	Deltas []AttributeDelta `json:"deltas,omitempty"`

	// Reason carries the read error for Unknown records.
	Reason string `json:"reason,omitempty"`
}

// DriftReport is the output of a refresh pass. It reports divergence only;
// refresh never mutates remote resources.
type DriftReport struct {
	// CheckedAt is when the refresh pass ran.
	CheckedAt time.Time `json:"checked_at"`

	// Items lists one entry per state record.
	Items []DriftItem `json:"items"`
}

// Drifted returns true if any record is out of sync, missing or unreadable.
func (r *DriftReport) Drifted() bool {
	for _, it := range r.Items {
		if it.Status != DriftInSync {
			return true
		}
	}
	return false
}
