// Package stores provides the durable state store: the persisted mapping
// from logical resource ids to real-world handles and their attribute sets.
//
// Every write is gated by per-record compare-and-swap on a version counter,
// so multiple reconciliation processes can share one store safely: at most
// one writer wins a given record's CAS, the loser re-reads and retries.
// Backends: SQLite for single-host use, PostgreSQL for shared use, and an
// in-memory store for tests and dry runs.
package stores
