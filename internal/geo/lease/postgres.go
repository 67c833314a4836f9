package lease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gitlab.com/gitlab-org/geo/internal/geo/datastore/glsql"
)

// PostgresStore keeps leases in the geo_leases table of the tracking database.
type PostgresStore struct {
	db glsql.Querier
}

// NewPostgresStore returns a PostgresStore using db.
func NewPostgresStore(db glsql.Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

// TryObtain implements Store. An existing lease is only taken over once it has expired.
func (s *PostgresStore) TryObtain(ctx context.Context, key string, ttl time.Duration) (string, error) {
	var token string
	if err := s.db.QueryRowContext(ctx, `
INSERT INTO geo_leases (key, token, expires_at)
VALUES ($1, $2, NOW() AT TIME ZONE 'UTC' + INTERVAL '1 MILLISECOND' * $3)
ON CONFLICT (key) DO UPDATE
SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
WHERE geo_leases.expires_at <= NOW() AT TIME ZONE 'UTC'
RETURNING token
`, key, uuid.New().String(), ttl.Milliseconds()).Scan(&token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("scan: %w", err)
	}

	return token, nil
}

// Cancel implements Store.
func (s *PostgresStore) Cancel(ctx context.Context, key, token string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM geo_leases WHERE key = $1 AND token = $2`, key, token); err != nil {
		return fmt.Errorf("delete lease: %w", err)
	}
	return nil
}
