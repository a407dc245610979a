// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists one row per workflow with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/khiwniti/pinn-enterprise-platform/internal/workflow"
)

// sortableTime keeps created_at lexicographically ordered in TEXT columns.
const sortableTime = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store", "driver", "sqlite")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			domain TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL,
			record TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_workflows_created
			ON workflows(created_at DESC);

		CREATE INDEX IF NOT EXISTS idx_workflows_status
			ON workflows(status, created_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get retrieves a workflow record by ID
func (s *SQLiteStore) Get(ctx context.Context, id string) (*workflow.Record, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM workflows WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return decodeRecord([]byte(payload))
}

// Put inserts or replaces the full record
func (s *SQLiteStore) Put(ctx context.Context, rec *workflow.Record) error {
	payload, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflows (id, status, domain, version, record, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			domain = excluded.domain,
			version = excluded.version,
			record = excluded.record,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.ID,
		string(rec.Status),
		string(rec.Domain),
		rec.Version,
		string(payload),
		rec.CreatedAt.UTC().Format(sortableTime),
		rec.UpdatedAt.UTC().Format(sortableTime),
	)
	if err != nil {
		return unavailable("put", err)
	}
	return nil
}

// List returns matching records ordered by creation time, newest first
func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]*workflow.Record, int, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Domain != "" {
		where = append(where, "domain = ?")
		args = append(args, string(filter.Domain))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM workflows"+clause, args...).Scan(&total); err != nil {
		return nil, 0, unavailable("list", err)
	}

	query := "SELECT record FROM workflows" + clause + " ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?"
	rows, err := s.db.QueryContext(ctx, query, append(args, filter.limit(), filter.Offset)...)
	if err != nil {
		return nil, 0, unavailable("list", err)
	}
	defer rows.Close()

	out := []*workflow.Record{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, 0, unavailable("list", err)
		}
		rec, err := decodeRecord([]byte(payload))
		if err != nil {
			s.logger.Warn("skipping undecodable record", "error", err)
			continue
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, unavailable("list", err)
	}
	return out, total, nil
}

// Ping checks database connectivity
func (s *SQLiteStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
