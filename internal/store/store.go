// ABOUTME: Store interface for workflow record persistence
// ABOUTME: Defines sentinel errors, list filters and the shared record codec

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/khiwniti/pinn-enterprise-platform/internal/workflow"
)

// ErrNotFound is returned when a requested workflow does not exist
var ErrNotFound = errors.New("not found")

// ErrUnavailable wraps backend failures on read or write
var ErrUnavailable = errors.New("store unavailable")

var errClosed = errors.New("store closed")

// DefaultListLimit caps List results when no limit is given
const DefaultListLimit = 50

// ListFilter narrows List results. Zero values mean "any".
type ListFilter struct {
	Status workflow.Status
	Domain workflow.Domain
	Limit  int
	Offset int
}

func (f ListFilter) limit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

func (f ListFilter) matches(rec *workflow.Record) bool {
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.Domain != "" && rec.Domain != f.Domain {
		return false
	}
	return true
}

// Store is the durable key-value store of workflow records.
type Store interface {
	// Get returns the record for id or ErrNotFound.
	Get(ctx context.Context, id string) (*workflow.Record, error)

	// Put overwrites the record stored under rec.ID.
	Put(ctx context.Context, rec *workflow.Record) error

	// List returns records newest first plus the total matching count.
	List(ctx context.Context, filter ListFilter) ([]*workflow.Record, int, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

func encodeRecord(rec *workflow.Record) ([]byte, error) {
	data, err := sonic.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding record %s: %w", rec.ID, err)
	}
	return data, nil
}

func decodeRecord(data []byte) (*workflow.Record, error) {
	var rec workflow.Record
	if err := sonic.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return &rec, nil
}
