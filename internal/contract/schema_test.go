// ABOUTME: Contract tests for the SQLite workflow schema to detect breaking schema changes.
// ABOUTME: Validates that expected tables, columns and indexes exist after the store migrates.

package contract

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khiwniti/pinn-enterprise-platform/internal/store"
)

// expectedSchema is the table surface older gateways and ad-hoc SQL rely on.
var expectedSchema = map[string][]string{
	"workflows": {
		"id", "status", "domain", "version",
		"record", "created_at", "updated_at",
	},
}

var expectedIndexes = []string{
	"idx_workflows_created",
	"idx_workflows_status",
}

// setupTestDB creates a temporary SQLite database with the production schema
// and returns a second connection for introspection.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "contract_test.db")

	sqliteStore, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err, "failed to create SQLite store")

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err, "failed to open database")

	t.Cleanup(func() {
		db.Close()
		sqliteStore.Close()
	})
	return db
}

func getTableColumns(ctx context.Context, db *sql.DB, tableName string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return nil, fmt.Errorf("querying table info: %w", err)
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("scanning column info: %w", err)
		}
		columns[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating columns: %w", err)
	}
	return columns, nil
}

func listNames(ctx context.Context, t *testing.T, db *sql.DB, kind string) []string {
	t.Helper()
	rows, err := db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = ? AND name NOT LIKE 'sqlite_%'", kind)
	require.NoError(t, err)
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		names = append(names, name)
	}
	require.NoError(t, rows.Err())
	return names
}

func TestSchemaSurface(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for table, expectedCols := range expectedSchema {
		t.Run(table, func(t *testing.T) {
			actualCols, err := getTableColumns(ctx, db, table)
			require.NoError(t, err)
			require.NotEmpty(t, actualCols, "table %s should exist", table)

			for _, col := range expectedCols {
				assert.True(t, actualCols[col], "column %s.%s should exist", table, col)
			}
			for col := range actualCols {
				if !slices.Contains(expectedCols, col) {
					t.Logf("INFO: extra column %s.%s not in contract (consider adding)", table, col)
				}
			}
		})
	}
}

func TestTablesExist(t *testing.T) {
	db := setupTestDB(t)
	tables := listNames(context.Background(), t, db, "table")

	for table := range expectedSchema {
		assert.Contains(t, tables, table)
	}
}

func TestIndexesExist(t *testing.T) {
	db := setupTestDB(t)
	indexes := listNames(context.Background(), t, db, "index")

	for _, idx := range expectedIndexes {
		assert.Contains(t, indexes, idx)
	}
}
