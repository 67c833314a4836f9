package housekeeping

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"gitlab.com/gitlab-org/geo/internal/geo/datastore/glsql"
)

// CounterStore counts the syncs of a repository since its last garbage collection.
type CounterStore interface {
	// Increment adds one sync and returns the new count.
	Increment(ctx context.Context, replicableName string, id int64) (int64, error)
	// Reset sets the count back to zero.
	Reset(ctx context.Context, replicableName string, id int64) error
}

// MemoryCounters is an in-memory CounterStore.
type MemoryCounters struct {
	mu       sync.Mutex
	counters map[string]int64
}

// NewMemoryCounters returns an empty MemoryCounters.
func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{counters: map[string]int64{}}
}

func counterKey(replicableName string, id int64) string {
	return fmt.Sprintf("%s:%d", replicableName, id)
}

// Increment implements CounterStore.
func (c *MemoryCounters) Increment(_ context.Context, replicableName string, id int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := counterKey(replicableName, id)
	c.counters[key]++
	return c.counters[key], nil
}

// Reset implements CounterStore.
func (c *MemoryCounters) Reset(_ context.Context, replicableName string, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.counters, counterKey(replicableName, id))
	return nil
}

const redisCounterPrefix = "geo:housekeeping:syncs_since_gc:"

// RedisCounters keeps the counters in Redis.
type RedisCounters struct {
	client redis.UniversalClient
}

// NewRedisCounters returns a CounterStore backed by client.
func NewRedisCounters(client redis.UniversalClient) *RedisCounters {
	return &RedisCounters{client: client}
}

// Increment implements CounterStore.
func (c *RedisCounters) Increment(ctx context.Context, replicableName string, id int64) (int64, error) {
	n, err := c.client.Incr(ctx, redisCounterPrefix+counterKey(replicableName, id)).Result()
	if err != nil {
		return 0, fmt.Errorf("incr: %w", err)
	}
	return n, nil
}

// Reset implements CounterStore.
func (c *RedisCounters) Reset(ctx context.Context, replicableName string, id int64) error {
	if err := c.client.Del(ctx, redisCounterPrefix+counterKey(replicableName, id)).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

// PostgresCounters keeps the counters in the geo_housekeeping_counters table.
type PostgresCounters struct {
	db glsql.Querier
}

// NewPostgresCounters returns a CounterStore backed by db.
func NewPostgresCounters(db glsql.Querier) *PostgresCounters {
	return &PostgresCounters{db: db}
}

// Increment implements CounterStore.
func (c *PostgresCounters) Increment(ctx context.Context, replicableName string, id int64) (int64, error) {
	const q = `
INSERT INTO geo_housekeeping_counters (replicable_name, model_record_id, syncs_since_gc)
VALUES ($1, $2, 1)
ON CONFLICT (replicable_name, model_record_id) DO UPDATE
SET syncs_since_gc = geo_housekeeping_counters.syncs_since_gc + 1
RETURNING syncs_since_gc`

	var n int64
	if err := c.db.QueryRowContext(ctx, q, replicableName, id).Scan(&n); err != nil {
		return 0, fmt.Errorf("increment: %w", err)
	}
	return n, nil
}

// Reset implements CounterStore.
func (c *PostgresCounters) Reset(ctx context.Context, replicableName string, id int64) error {
	const q = `DELETE FROM geo_housekeeping_counters WHERE replicable_name = $1 AND model_record_id = $2`
	if _, err := c.db.ExecContext(ctx, q, replicableName, id); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}
