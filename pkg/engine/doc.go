// Package engine implements the desired-state reconciliation core.
// It defines the four-phase workflow: Graph -> Diff -> Execute -> Refresh.
//
// A declared topology is parsed into a DAG of resource nodes (pkg/config),
// diffed against the persisted state records (pkg/stores) to produce a
// changeset, applied against resource providers in dependency order with
// bounded parallelism, and periodically refreshed to detect out-of-band
// drift. Drift detection is read-only; correction is a subsequent
// Diff+Execute pass.
package engine
