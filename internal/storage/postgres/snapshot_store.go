// Package postgres provides a Postgres-backed snapshot store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/vision-catalog/internal/catalog"
)

const (
	backendName  = "postgres"
	defaultTable = "catalog_snapshots"
	// snapshotRow is the primary key of the single row the store maintains.
	snapshotRow = 1
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for the snapshot row.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// SnapshotStore keeps the latest snapshot in a single jsonb row.
type SnapshotStore struct {
	pool   pool
	table  string
	logger *zap.Logger
}

// New connects to Postgres, creates the table if needed and returns the store.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*SnapshotStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(p, table, logger)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, table string, logger *zap.Logger) (*SnapshotStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotStore{pool: p, table: table, logger: logger.Named("postgres_store")}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *SnapshotStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the snapshot table when it does not exist.
func (s *SnapshotStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id smallint PRIMARY KEY,
	completed_at timestamptz NOT NULL,
	fingerprint text NOT NULL,
	catalog jsonb NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create snapshot table: %w", err)
	}
	return nil
}

// Load reads the snapshot row. No row yields (nil, nil).
func (s *SnapshotStore) Load(ctx context.Context) (*catalog.Snapshot, error) {
	query := fmt.Sprintf(`SELECT completed_at, catalog FROM %s WHERE id = $1`, s.table)
	var (
		completedAt time.Time
		raw         []byte
	)
	err := s.pool.QueryRow(ctx, query, snapshotRow).Scan(&completedAt, &raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.logger.Info("no cached snapshot", zap.String("table", s.table))
			return nil, nil
		}
		return nil, &catalog.PersistenceError{Op: "load", Backend: backendName, Err: err}
	}
	tree, err := catalog.UnmarshalTree(raw)
	if err != nil {
		s.logger.Warn("ignoring corrupt snapshot row", zap.String("table", s.table), zap.Error(err))
		return nil, nil
	}
	return catalog.NewSnapshot(tree, completedAt.UTC()), nil
}

// Save upserts the snapshot row.
func (s *SnapshotStore) Save(ctx context.Context, snap *catalog.Snapshot) error {
	if snap == nil {
		return &catalog.PersistenceError{Op: "save", Backend: backendName, Err: catalog.ErrNoSnapshot}
	}
	tree, err := catalog.MarshalTree(snap.Catalog)
	if err != nil {
		return &catalog.PersistenceError{Op: "save", Backend: backendName, Err: err}
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, completed_at, fingerprint, catalog)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET
	completed_at = EXCLUDED.completed_at,
	fingerprint = EXCLUDED.fingerprint,
	catalog = EXCLUDED.catalog`, s.table)

	args := []any{
		snapshotRow,
		snap.CompletedAt.UTC(),
		snap.Fingerprint(),
		tree,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return &catalog.PersistenceError{Op: "save", Backend: backendName, Err: fmt.Errorf("upsert snapshot: %w", err)}
	}
	return nil
}
