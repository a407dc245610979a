// ABOUTME: Shared testcontainers helpers for store integration tests
// ABOUTME: Starts one Redis, Postgres or Mongo container per test binary and returns its address

package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type containerOnce struct {
	once sync.Once
	addr string
	err  error
}

var (
	redisC    containerOnce
	postgresC containerOnce
	mongoC    containerOnce
)

// SkipIfShort skips container-backed tests under -short.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
}

// RedisURL returns a redis:// URL for a shared container.
func RedisURL(t *testing.T) string {
	t.Helper()
	endpoint := start(t, &redisC, "redis:7", "6379/tcp", nil,
		wait.ForLog("Ready to accept connections"))
	return "redis://" + endpoint
}

// PostgresURL returns a postgres:// DSN for a shared container.
func PostgresURL(t *testing.T) string {
	t.Helper()
	endpoint := start(t, &postgresC, "postgres:16", "5432/tcp",
		map[string]string{
			"POSTGRES_USER":     "pinn",
			"POSTGRES_PASSWORD": "pinn",
			"POSTGRES_DB":       "pinn_test",
		},
		// postgres logs readiness once for the init server and once for the real one
		wait.ForLog("database system is ready to accept connections").WithOccurrence(2))
	return fmt.Sprintf("postgres://pinn:pinn@%s/pinn_test?sslmode=disable", endpoint)
}

// MongoURL returns a mongodb:// URI for a shared container.
func MongoURL(t *testing.T) string {
	t.Helper()
	endpoint := start(t, &mongoC, "mongo:7", "27017/tcp", nil,
		wait.ForLog("Waiting for connections"))
	return "mongodb://" + endpoint
}

func start(t *testing.T, c *containerOnce, image, port string, env map[string]string, ready wait.Strategy) string {
	t.Helper()
	SkipIfShort(t)

	c.once.Do(func() {
		// Give generous timeout in CI environments
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		opts := []testcontainers.ContainerCustomizer{
			testcontainers.WithExposedPorts(port),
			testcontainers.WithWaitStrategy(
				wait.ForAll(wait.ForListeningPort(port), ready).WithDeadline(2 * time.Minute),
			),
		}
		if env != nil {
			opts = append(opts, testcontainers.WithEnv(env))
		}

		ctr, err := testcontainers.Run(ctx, image, opts...)
		if err != nil {
			c.err = err
			return
		}
		// The container outlives the first test that starts it; ryuk reaps it.
		endpoint, err := ctr.Endpoint(ctx, "")
		if err != nil {
			_ = ctr.Terminate(context.Background())
			c.err = err
			return
		}
		c.addr = endpoint
	})

	if c.err != nil {
		t.Skipf("%s container unavailable: %v", image, c.err)
	}
	return c.addr
}
