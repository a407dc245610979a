// ABOUTME: Redis implementation of the Store interface using go-redis
// ABOUTME: One string key per workflow plus a sorted-set index ordered by creation time

package store

import (
	"context"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/khiwniti/pinn-enterprise-platform/internal/workflow"
)

// RedisStore keeps workflow records in Redis using the key layout:
//
//	<prefix>wf:<id>       => sonic-encoded record
//	<prefix>idx:created   => ZSET of ids scored by created_at (unix nanos)
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore. prefix defaults to "pinn:".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "pinn:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: slog.Default().With("component", "store", "driver", "redis"),
	}
}

// OpenRedisStore parses a redis:// URL and connects.
func OpenRedisStore(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	s := NewRedisStore(redis.NewClient(opts), prefix)
	if err := s.Ping(ctx); err != nil {
		s.client.Close()
		return nil, err
	}
	s.logger.Info("Redis store initialized", "addr", opts.Addr)
	return s, nil
}

func (r *RedisStore) keyRecord(id string) string {
	return r.prefix + "wf:" + id
}

func (r *RedisStore) keyCreated() string {
	return r.prefix + "idx:created"
}

// Get retrieves a workflow record by ID
func (r *RedisStore) Get(ctx context.Context, id string) (*workflow.Record, error) {
	data, err := r.client.Get(ctx, r.keyRecord(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return decodeRecord(data)
}

// Put writes the record and its index entry in one transaction
func (r *RedisStore) Put(ctx context.Context, rec *workflow.Record) error {
	payload, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.keyRecord(rec.ID), payload, 0)
		pipe.ZAdd(ctx, r.keyCreated(), redis.Z{
			Score:  float64(rec.CreatedAt.UnixNano()),
			Member: rec.ID,
		})
		return nil
	})
	if err != nil {
		return unavailable("put", err)
	}
	return nil
}

// List walks the creation index newest first and filters in memory
func (r *RedisStore) List(ctx context.Context, filter ListFilter) ([]*workflow.Record, int, error) {
	ids, err := r.client.ZRevRange(ctx, r.keyCreated(), 0, -1).Result()
	if err != nil {
		return nil, 0, unavailable("list", err)
	}
	if len(ids) == 0 {
		return []*workflow.Record{}, 0, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.keyRecord(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, 0, unavailable("list", err)
	}

	out := []*workflow.Record{}
	total := 0
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := decodeRecord([]byte(s))
		if err != nil {
			r.logger.Warn("skipping undecodable record", "id", ids[i], "error", err)
			continue
		}
		if !filter.matches(rec) {
			continue
		}
		if total >= filter.Offset && len(out) < filter.limit() {
			out = append(out, rec)
		}
		total++
	}
	return out, total, nil
}

// Ping checks Redis connectivity
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close closes the underlying client
func (r *RedisStore) Close() error {
	return r.client.Close()
}
