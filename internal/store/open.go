// ABOUTME: Driver selection for the workflow store
// ABOUTME: Maps a driver name and connection settings to a concrete Store

package store

import (
	"context"
	"fmt"
)

// Options selects and configures a Store backend.
type Options struct {
	Driver   string // memory, sqlite, redis, postgres, mongo
	Path     string // sqlite file path
	URL      string // redis://, postgres://, mongodb:// connection string
	Prefix   string // redis key prefix
	Database string // mongo database name
}

// Open creates the Store named by opts.Driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "memory":
		return NewMemoryStore(), nil
	case "", "sqlite":
		return NewSQLiteStore(opts.Path)
	case "redis":
		return OpenRedisStore(ctx, opts.URL, opts.Prefix)
	case "postgres":
		return NewPostgresStore(ctx, opts.URL)
	case "mongo":
		return NewMongoStore(ctx, opts.URL, opts.Database)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}
