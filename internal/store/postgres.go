// ABOUTME: PostgreSQL implementation of the Store interface using pgx/v5
// ABOUTME: Stores each record as JSONB with filter columns, upserted by id

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/khiwniti/pinn-enterprise-platform/internal/workflow"
)

// PostgresStore implements the Store interface on a pgxpool.Pool
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects using a postgres:// URL and ensures the schema.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	s := NewPostgresStoreFromPool(pool)
	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	s.logger.Info("Postgres store initialized", "host", cfg.ConnConfig.Host)
	return s, nil
}

// NewPostgresStoreFromPool wraps an existing pool without touching the schema.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		logger: slog.Default().With("component", "store", "driver", "postgres"),
	}
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS pinn_workflows (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			domain TEXT NOT NULL DEFAULT '',
			version BIGINT NOT NULL,
			record JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_pinn_workflows_created ON pinn_workflows (created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_pinn_workflows_status ON pinn_workflows (status, created_at DESC);
	`)
	return err
}

// Get retrieves a workflow record by ID
func (s *PostgresStore) Get(ctx context.Context, id string) (*workflow.Record, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM pinn_workflows WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return decodeRecord(payload)
}

// Put upserts the full record
func (s *PostgresStore) Put(ctx context.Context, rec *workflow.Record) error {
	payload, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO pinn_workflows (id, status, domain, version, record, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			domain = EXCLUDED.domain,
			version = EXCLUDED.version,
			record = EXCLUDED.record,
			updated_at = EXCLUDED.updated_at
	`, rec.ID, string(rec.Status), string(rec.Domain), rec.Version, payload, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return unavailable("put", err)
	}
	return nil
}

// List returns matching records ordered by creation time, newest first
func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*workflow.Record, int, error) {
	const where = `($1 = '' OR status = $1) AND ($2 = '' OR domain = $2)`
	status, domain := string(filter.Status), string(filter.Domain)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM pinn_workflows WHERE `+where, status, domain).Scan(&total); err != nil {
		return nil, 0, unavailable("list", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT record FROM pinn_workflows WHERE `+where+` ORDER BY created_at DESC, id ASC LIMIT $3 OFFSET $4`,
		status, domain, filter.limit(), filter.Offset)
	if err != nil {
		return nil, 0, unavailable("list", err)
	}
	payloads, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, 0, unavailable("list", err)
	}

	out := make([]*workflow.Record, 0, len(payloads))
	for _, p := range payloads {
		rec, err := decodeRecord(p)
		if err != nil {
			s.logger.Warn("skipping undecodable record", "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, total, nil
}

// Ping checks database connectivity
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close closes the pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
