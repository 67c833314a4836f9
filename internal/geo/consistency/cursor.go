package consistency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"gitlab.com/gitlab-org/geo/internal/geo/datastore/glsql"
)

// CursorStore persists the last id covered by the batcher of each registry.
type CursorStore interface {
	// Get returns the cursor of name, zero when none was stored.
	Get(ctx context.Context, name string) (int64, error)
	// Set stores the cursor of name.
	Set(ctx context.Context, name string, lastID int64) error
}

// MemoryCursors is an in-memory CursorStore.
type MemoryCursors struct {
	mu      sync.Mutex
	cursors map[string]int64
}

// NewMemoryCursors returns an empty MemoryCursors.
func NewMemoryCursors() *MemoryCursors {
	return &MemoryCursors{cursors: map[string]int64{}}
}

// Get implements CursorStore.
func (c *MemoryCursors) Get(_ context.Context, name string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursors[name], nil
}

// Set implements CursorStore.
func (c *MemoryCursors) Set(_ context.Context, name string, lastID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursors[name] = lastID
	return nil
}

const redisCursorPrefix = "geo:registry_consistency:cursor:"

// RedisCursors keeps cursors in Redis.
type RedisCursors struct {
	client redis.UniversalClient
}

// NewRedisCursors returns a CursorStore backed by client.
func NewRedisCursors(client redis.UniversalClient) *RedisCursors {
	return &RedisCursors{client: client}
}

// Get implements CursorStore.
func (c *RedisCursors) Get(ctx context.Context, name string) (int64, error) {
	value, err := c.client.Get(ctx, redisCursorPrefix+name).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}

	lastID, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cursor %q: %w", value, err)
	}
	return lastID, nil
}

// Set implements CursorStore.
func (c *RedisCursors) Set(ctx context.Context, name string, lastID int64) error {
	return c.client.Set(ctx, redisCursorPrefix+name, lastID, 0).Err()
}

// PostgresCursors keeps cursors in the geo_registry_consistency_cursors table.
type PostgresCursors struct {
	db glsql.Querier
}

// NewPostgresCursors returns a CursorStore backed by db.
func NewPostgresCursors(db glsql.Querier) *PostgresCursors {
	return &PostgresCursors{db: db}
}

// Get implements CursorStore.
func (c *PostgresCursors) Get(ctx context.Context, name string) (int64, error) {
	var lastID int64
	if err := c.db.QueryRowContext(ctx, `
		SELECT last_id FROM geo_registry_consistency_cursors WHERE registry_name = $1`,
		name,
	).Scan(&lastID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return lastID, nil
}

// Set implements CursorStore.
func (c *PostgresCursors) Set(ctx context.Context, name string, lastID int64) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO geo_registry_consistency_cursors (registry_name, last_id)
		VALUES ($1, $2)
		ON CONFLICT (registry_name) DO UPDATE SET last_id = EXCLUDED.last_id`,
		name, lastID,
	)
	return err
}
