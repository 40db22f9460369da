package stores

import (
	"context"
	"errors"
	"time"
)

// ErrStaleState is returned when a write's expected version does not match
// the store's current version. The caller must re-read and retry.
var ErrStaleState = errors.New("stale state: record version mismatch")

// ErrRecordNotFound is returned when no record exists for a logical id.
var ErrRecordNotFound = errors.New("state record not found")

// StateRecord is the persisted last-known state of one managed resource.
// Mutated only by the executor (on apply) and the reconciler (on refresh),
// always through the compare-and-swap contract.
type StateRecord struct {
	// ID is the logical resource id ("kind.name").
	ID string `json:"id"`

	// Kind is the resource kind tag.
	Kind string `json:"kind"`

	// Handle is the opaque provider-assigned identifier.
	Handle string `json:"handle"`

	// LastApplied is the attribute set as of the last successful apply:
	// the resolved desired attributes merged with provider outputs.
	LastApplied map[string]any `json:"last_applied"`

	// LastObserved is the attribute set from the most recent refresh.
	LastObserved map[string]any `json:"last_observed,omitempty"`

	// Dependencies are the logical ids this resource depended on when it
	// was applied. Captured so destroy ordering survives config loss.
	Dependencies []string `json:"dependencies,omitempty"`

	// LastReconciled is when the record was last refreshed; zero if never.
	LastReconciled time.Time `json:"last_reconciled,omitempty"`

	// Version increases by one on every successful write.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the record.
func (r *StateRecord) Clone() *StateRecord {
	cp := *r
	cp.LastApplied = cloneAttrs(r.LastApplied)
	cp.LastObserved = cloneAttrs(r.LastObserved)
	cp.Dependencies = append([]string(nil), r.Dependencies...)
	return &cp
}

func cloneAttrs(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	cp := make(map[string]any, len(attrs))
	for k, v := range attrs {
		cp[k] = cloneValue(v)
	}
	return cp
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneAttrs(t)
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = cloneValue(e)
		}
		return cp
	default:
		return v
	}
}

// Store is the versioned key-value contract for state records.
//
// Put with expectedVersion 0 creates the record and fails with
// ErrStaleState if it already exists. Put with expectedVersion > 0 updates
// the record only if the stored version matches; otherwise ErrStaleState.
// Delete follows the same rule. The returned record carries the new version.
type Store interface {
	// Init prepares the backend (opens connections, runs migrations).
	Init(ctx context.Context) error

	// Close releases backend resources.
	Close() error

	// Get retrieves a record by logical id, or ErrRecordNotFound.
	Get(ctx context.Context, id string) (*StateRecord, error)

	// Put writes a record gated by the expected version.
	Put(ctx context.Context, rec *StateRecord, expectedVersion int64) (*StateRecord, error)

	// Delete removes a record gated by the expected version.
	Delete(ctx context.Context, id string, expectedVersion int64) error

	// List returns all records ordered by logical id.
	List(ctx context.Context) ([]*StateRecord, error)
}
