package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS state_records (
    id              TEXT PRIMARY KEY,
    kind            TEXT NOT NULL,
    handle          TEXT NOT NULL,
    last_applied    JSONB NOT NULL,
    last_observed   JSONB,
    dependencies    JSONB NOT NULL DEFAULT '[]',
    last_reconciled TIMESTAMPTZ,
    version         BIGINT NOT NULL DEFAULT 1,
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_state_records_kind ON state_records (kind);
`

// PostgresStore implements Store using PostgreSQL via pgx. It is the
// backend of choice when several reconciliation processes on different
// hosts share one state store.
type PostgresStore struct {
	db  *pgxpool.Pool
	url string
}

// NewPostgresStore creates a PostgresStore for the given connection URL.
func NewPostgresStore(url string) (*PostgresStore, error) {
	if url == "" {
		return nil, fmt.Errorf("postgres connection url is required")
	}
	return &PostgresStore{url: url}, nil
}

// NewPostgresStoreFromPool wraps an existing pgx pool.
func NewPostgresStoreFromPool(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init connects and ensures the schema exists.
func (s *PostgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		pool, err := pgxpool.New(ctx, s.url)
		if err != nil {
			return fmt.Errorf("failed to create connection pool: %w", err)
		}
		s.db = pool
	}
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := s.db.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	if s.db != nil {
		s.db.Close()
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (*StateRecord, error) {
	query := `
		SELECT id, kind, handle, last_applied, last_observed, dependencies,
		       last_reconciled, version, created_at, updated_at
		FROM state_records
		WHERE id = $1
	`
	rec, err := scanPGRecord(s.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

// Put implements Store.
func (s *PostgresStore) Put(ctx context.Context, rec *StateRecord, expectedVersion int64) (*StateRecord, error) {
	applied, observed, deps, err := encodePGRecord(rec)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out := rec.Clone()
	out.UpdatedAt = now

	if expectedVersion == 0 {
		query := `
			INSERT INTO state_records (
				id, kind, handle, last_applied, last_observed, dependencies,
				last_reconciled, version, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $8)
			ON CONFLICT (id) DO NOTHING
		`
		tag, err := s.db.Exec(ctx, query,
			rec.ID, rec.Kind, rec.Handle, applied, observed, deps,
			nullTime(rec.LastReconciled), now,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert state record: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil, ErrStaleState
		}
		out.Version = 1
		out.CreatedAt = now
		return out, nil
	}

	query := `
		UPDATE state_records
		SET kind = $1, handle = $2, last_applied = $3, last_observed = $4,
		    dependencies = $5, last_reconciled = $6, version = version + 1,
		    updated_at = $7
		WHERE id = $8 AND version = $9
	`
	tag, err := s.db.Exec(ctx, query,
		rec.Kind, rec.Handle, applied, observed, deps,
		nullTime(rec.LastReconciled), now, rec.ID, expectedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update state record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.Get(ctx, rec.ID); errors.Is(getErr, ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, ErrStaleState
	}
	out.Version = expectedVersion + 1
	return out, nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, id string, expectedVersion int64) error {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM state_records WHERE id = $1 AND version = $2`, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to delete state record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.Get(ctx, id); errors.Is(getErr, ErrRecordNotFound) {
			return ErrRecordNotFound
		}
		return ErrStaleState
	}
	return nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context) ([]*StateRecord, error) {
	query := `
		SELECT id, kind, handle, last_applied, last_observed, dependencies,
		       last_reconciled, version, created_at, updated_at
		FROM state_records
		ORDER BY id ASC
	`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list state records: %w", err)
	}
	defer rows.Close()

	records := []*StateRecord{}
	for rows.Next() {
		rec, err := scanPGRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating state records: %w", err)
	}
	return records, nil
}

func scanPGRecord(row pgx.Row) (*StateRecord, error) {
	var (
		rec        StateRecord
		applied    []byte
		observed   []byte
		deps       []byte
		reconciled *time.Time
	)
	err := row.Scan(&rec.ID, &rec.Kind, &rec.Handle, &applied, &observed, &deps,
		&reconciled, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(applied, &rec.LastApplied); err != nil {
		return nil, fmt.Errorf("failed to decode last_applied for %s: %w", rec.ID, err)
	}
	if len(observed) > 0 {
		if err := json.Unmarshal(observed, &rec.LastObserved); err != nil {
			return nil, fmt.Errorf("failed to decode last_observed for %s: %w", rec.ID, err)
		}
	}
	if err := json.Unmarshal(deps, &rec.Dependencies); err != nil {
		return nil, fmt.Errorf("failed to decode dependencies for %s: %w", rec.ID, err)
	}
	if reconciled != nil {
		rec.LastReconciled = *reconciled
	}
	return &rec, nil
}

func encodePGRecord(rec *StateRecord) (applied, observed, deps []byte, err error) {
	applied, err = json.Marshal(attrsOrEmpty(rec.LastApplied))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode last_applied: %w", err)
	}
	deps, err = json.Marshal(depsOrEmpty(rec.Dependencies))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode dependencies: %w", err)
	}
	if rec.LastObserved != nil {
		observed, err = json.Marshal(rec.LastObserved)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to encode last_observed: %w", err)
		}
	}
	return applied, observed, deps, nil
}
