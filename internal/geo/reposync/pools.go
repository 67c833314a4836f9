package reposync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"gitlab.com/gitlab-org/geo/internal/geo/datastore/glsql"
	"gitlab.com/gitlab-org/geo/internal/geo/replicator"
)

// PostgresPoolChecker looks up object pool membership in the replicated
// projects table.
type PostgresPoolChecker struct {
	db glsql.Querier
}

// NewPostgresPoolChecker returns a PoolChecker reading from db.
func NewPostgresPoolChecker(db glsql.Querier) *PostgresPoolChecker {
	return &PostgresPoolChecker{db: db}
}

// IsPoolMember implements PoolChecker. Only project repositories join object pools.
func (c *PostgresPoolChecker) IsPoolMember(ctx context.Context, replicableName string, id int64) (bool, error) {
	if replicableName != replicator.Repository {
		return false, nil
	}

	var member bool
	if err := c.db.QueryRowContext(ctx,
		`SELECT pool_repository_id IS NOT NULL FROM projects WHERE id = $1`, id,
	).Scan(&member); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("query pool membership: %w", err)
	}

	return member, nil
}
