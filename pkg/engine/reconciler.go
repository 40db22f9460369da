package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/udohsolomon/converge/pkg/stores"
	"github.com/udohsolomon/converge/pkg/telemetry"
)

// Reconciler detects drift between last-applied state and the real world.
// A refresh pass reads every tracked resource through its provider and
// records what it observed; it never mutates remote resources, and it
// never changes last-applied attributes. Converging drifted resources is
// the job of the next apply pass.
type Reconciler struct {
	store    stores.Store
	registry *Registry
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
}

// NewReconciler creates a Reconciler.
func NewReconciler(store stores.Store, registry *Registry, logger zerolog.Logger, metrics *telemetry.Metrics) *Reconciler {
	return &Reconciler{store: store, registry: registry, logger: logger, metrics: metrics}
}

// Refresh reads every state record's remote resource and reports
// divergence from last-applied attributes. Observed attributes and the
// reconciliation timestamp are written back to the store; unreadable
// resources are reported as unknown without failing the pass.
func (r *Reconciler) Refresh(ctx context.Context) (*DriftReport, error) {
	records, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load state records: %w", err)
	}

	report := &DriftReport{CheckedAt: time.Now().UTC()}
	for _, rec := range records {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		report.Items = append(report.Items, r.checkRecord(ctx, rec))
	}

	if r.metrics != nil {
		for _, it := range report.Items {
			r.metrics.ObserveDriftItem(string(it.Status))
		}
	}
	r.logger.Info().
		Int("checked", len(report.Items)).
		Bool("drifted", report.Drifted()).
		Msg("Refresh pass complete")
	return report, nil
}

func (r *Reconciler) checkRecord(ctx context.Context, rec *stores.StateRecord) DriftItem {
	item := DriftItem{NodeID: rec.ID, Kind: rec.Kind}
	log := r.logger.With().Str("node", rec.ID).Logger()

	provider, err := r.registry.Get(rec.Kind)
	if err != nil {
		item.Status = DriftUnknown
		item.Reason = err.Error()
		return item
	}

	observed, err := provider.Read(ctx, rec.Kind, rec.Handle)
	switch {
	case IsNotFound(err):
		item.Status = DriftMissing
		log.Warn().Msg("Resource missing")
	case err != nil:
		item.Status = DriftUnknown
		item.Reason = err.Error()
		log.Warn().Err(err).Msg("Resource unreadable")
		return item
	default:
		item.Deltas = observedDeltas(rec.LastApplied, observed)
		if len(item.Deltas) > 0 {
			item.Status = DriftDrifted
			log.Info().Int("deltas", len(item.Deltas)).Msg("Resource drifted")
		} else {
			item.Status = DriftInSync
		}
	}

	if err := r.recordObservation(ctx, rec, observed); err != nil {
		log.Warn().Err(err).Msg("Failed to record observation")
	}
	return item
}

// observedDeltas compares observed attributes against last-applied over the
// last-applied key set. Extra observed attributes are not drift.
func observedDeltas(applied, observed map[string]any) []AttributeDelta {
	names := make([]string, 0, len(applied))
	for name := range applied {
		names = append(names, name)
	}
	sort.Strings(names)

	var deltas []AttributeDelta
	for _, name := range names {
		want := applied[name]
		got, ok := observed[name]
		if !ok {
			deltas = append(deltas, AttributeDelta{Name: name, Before: want})
			continue
		}
		if !reflect.DeepEqual(want, got) {
			deltas = append(deltas, AttributeDelta{Name: name, Before: want, After: got})
		}
	}
	return deltas
}

// recordObservation writes last-observed attributes back under the CAS
// contract. Last-applied is deliberately left untouched so drift never
// feeds back into diff decisions.
func (r *Reconciler) recordObservation(ctx context.Context, rec *stores.StateRecord, observed map[string]any) error {
	now := time.Now().UTC()
	cur := rec
	for attempt := 0; attempt < casRetryAttempts; attempt++ {
		upd := cur.Clone()
		upd.LastObserved = observed
		upd.LastReconciled = now
		_, err := r.store.Put(ctx, upd, cur.Version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, stores.ErrStaleState) {
			return err
		}
		cur, err = r.store.Get(ctx, rec.ID)
		if err != nil {
			// Record deleted by a concurrent pass; nothing left to annotate.
			if errors.Is(err, stores.ErrRecordNotFound) {
				return nil
			}
			return err
		}
	}
	return stores.ErrStaleState
}
