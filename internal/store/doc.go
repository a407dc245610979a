// Package store persists workflow records for the pinn gateway.
//
// # Contract
//
// Every backend keeps exactly one record per workflow id. Put is a full
// overwrite of the record (last writer wins) and Get on an unknown id returns
// ErrNotFound rather than an empty record. Backend failures are wrapped with
// ErrUnavailable so callers can tell "the store is down" apart from "the
// record does not exist".
//
// # Backends
//
//   - MemoryStore: map guarded by a RWMutex, used in tests and for the
//     "memory" driver
//   - SQLiteStore: modernc.org/sqlite with WAL, the default driver
//   - RedisStore: one string key per record plus a sorted-set index
//   - PostgresStore: pgxpool with a JSONB column
//   - MongoStore: one document per record keyed by _id
//
// Records are serialized with sonic; filterable columns (status, domain,
// created_at) are duplicated next to the payload where the backend needs them
// for List.
package store
