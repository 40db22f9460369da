package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using SQLite. WAL mode plus per-record
// version checks make it safe for concurrent reconciliation processes on
// the same host.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// SQLiteConfig holds SQLite store configuration.
type SQLiteConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init opens the database, enables WAL mode and runs migrations.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return s.migrate()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// migrate runs the embedded schema migrations.
func (s *SQLiteStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*StateRecord, error) {
	query := `
		SELECT id, kind, handle, last_applied, last_observed, dependencies,
		       last_reconciled, version, created_at, updated_at
		FROM state_records
		WHERE id = ?
	`
	return scanRecord(s.db.QueryRowContext(ctx, query, id))
}

// Put implements Store. Inserts when expectedVersion is 0, otherwise
// updates gated by the version column.
func (s *SQLiteStore) Put(ctx context.Context, rec *StateRecord, expectedVersion int64) (*StateRecord, error) {
	applied, observed, deps, err := encodeRecord(rec)
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
			) VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		`
		_, err := s.db.ExecContext(ctx, query,
			rec.ID, rec.Kind, rec.Handle, applied, observed, deps,
			nullTime(rec.LastReconciled), now, now,
		)
		if err != nil {
			if exists, checkErr := s.exists(ctx, rec.ID); checkErr == nil && exists {
				return nil, ErrStaleState
			}
			return nil, fmt.Errorf("failed to insert state record: %w", err)
		}
		out.Version = 1
		out.CreatedAt = now
		return out, nil
	}

	query := `
		UPDATE state_records
		SET kind = ?, handle = ?, last_applied = ?, last_observed = ?,
		    dependencies = ?, last_reconciled = ?, version = version + 1,
		    updated_at = ?
		WHERE id = ? AND version = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		rec.Kind, rec.Handle, applied, observed, deps,
		nullTime(rec.LastReconciled), now, rec.ID, expectedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update state record: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if exists, checkErr := s.exists(ctx, rec.ID); checkErr == nil && !exists {
			return nil, ErrRecordNotFound
		}
		return nil, ErrStaleState
	}
	out.Version = expectedVersion + 1
	return out, nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, id string, expectedVersion int64) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM state_records WHERE id = ? AND version = ?`, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to delete state record: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if exists, checkErr := s.exists(ctx, id); checkErr == nil && !exists {
			return ErrRecordNotFound
		}
		return ErrStaleState
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context) ([]*StateRecord, error) {
	query := `
		SELECT id, kind, handle, last_applied, last_observed, dependencies,
		       last_reconciled, version, created_at, updated_at
		FROM state_records
		ORDER BY id ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list state records: %w", err)
	}
	defer rows.Close()

	records := []*StateRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
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

func (s *SQLiteStore) exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM state_records WHERE id = ?`, id).Scan(&n)
	return n > 0, err
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*StateRecord, error) {
	var (
		rec        StateRecord
		applied    string
		observed   sql.NullString
		deps       string
		reconciled sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.Kind, &rec.Handle, &applied, &observed, &deps,
		&reconciled, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan state record: %w", err)
	}

	if err := json.Unmarshal([]byte(applied), &rec.LastApplied); err != nil {
		return nil, fmt.Errorf("failed to decode last_applied for %s: %w", rec.ID, err)
	}
	if observed.Valid && observed.String != "" {
		if err := json.Unmarshal([]byte(observed.String), &rec.LastObserved); err != nil {
			return nil, fmt.Errorf("failed to decode last_observed for %s: %w", rec.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(deps), &rec.Dependencies); err != nil {
		return nil, fmt.Errorf("failed to decode dependencies for %s: %w", rec.ID, err)
	}
	if reconciled.Valid {
		rec.LastReconciled = reconciled.Time
	}
	return &rec, nil
}

func encodeRecord(rec *StateRecord) (applied string, observed *string, deps string, err error) {
	a, err := json.Marshal(attrsOrEmpty(rec.LastApplied))
	if err != nil {
		return "", nil, "", fmt.Errorf("failed to encode last_applied: %w", err)
	}
	d, err := json.Marshal(depsOrEmpty(rec.Dependencies))
	if err != nil {
		return "", nil, "", fmt.Errorf("failed to encode dependencies: %w", err)
	}
	if rec.LastObserved != nil {
		o, err := json.Marshal(rec.LastObserved)
		if err != nil {
			return "", nil, "", fmt.Errorf("failed to encode last_observed: %w", err)
		}
		s := string(o)
		observed = &s
	}
	return string(a), observed, string(d), nil
}

func attrsOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func depsOrEmpty(d []string) []string {
	if d == nil {
		return []string{}
	}
	return d
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
