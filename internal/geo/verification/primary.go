package verification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"gitlab.com/gitlab-org/geo/internal/geo/cache"
	"gitlab.com/gitlab-org/geo/internal/geo/datastore/glsql"
	"gitlab.com/gitlab-org/geo/internal/geo/registry"
	"gitlab.com/gitlab-org/geo/internal/geo/replicator"
)

// ErrPrimaryChecksumMissing is returned when the primary has not verified the
// resource yet.
var ErrPrimaryChecksumMissing = errors.New("primary checksum is not available")

// PrimaryChecksums returns the checksum the primary recorded for a resource.
type PrimaryChecksums interface {
	PrimaryChecksum(ctx context.Context, replicableName string, id int64) (string, error)
}

// PostgresPrimaryChecksums reads checksums from the replicated database of the
// primary site.
type PostgresPrimaryChecksums struct {
	db glsql.Querier
}

// NewPostgresPrimaryChecksums returns PrimaryChecksums backed by db.
func NewPostgresPrimaryChecksums(db glsql.Querier) *PostgresPrimaryChecksums {
	return &PostgresPrimaryChecksums{db: db}
}

// PrimaryChecksum implements PrimaryChecksums. Only succeeded verifications
// count.
func (p *PostgresPrimaryChecksums) PrimaryChecksum(ctx context.Context, replicableName string, id int64) (string, error) {
	def, ok := replicator.Lookup(replicableName)
	if !ok {
		return "", fmt.Errorf("%w: %q", replicator.ErrUnknownReplicable, replicableName)
	}

	var checksum sql.NullString
	if err := p.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT verification_checksum
		FROM %s
		WHERE model_record_id = $1 AND verification_state = $2`, def.RegistryTable),
		id, registry.VerificationSucceeded,
	).Scan(&checksum); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrPrimaryChecksumMissing
		}
		return "", fmt.Errorf("query primary checksum: %w", err)
	}

	if !checksum.Valid || checksum.String == "" {
		return "", ErrPrimaryChecksumMissing
	}

	return checksum.String, nil
}

// refresher is implemented by PrimaryChecksums that may answer from a stale copy.
type refresher interface {
	Refresh(ctx context.Context, replicableName string, id int64) (string, error)
}

// CachedPrimaryChecksums memoizes the checksums of another PrimaryChecksums.
// Entries are expired whenever the resource is synced again. The cache is
// shared with the sync services for that reason.
type CachedPrimaryChecksums struct {
	source PrimaryChecksums
	cache  *cache.Cache
}

// NewCachedPrimaryChecksums wraps source with c.
func NewCachedPrimaryChecksums(source PrimaryChecksums, c *cache.Cache) *CachedPrimaryChecksums {
	return &CachedPrimaryChecksums{source: source, cache: c}
}

// PrimaryChecksum implements PrimaryChecksums.
func (p *CachedPrimaryChecksums) PrimaryChecksum(ctx context.Context, replicableName string, id int64) (string, error) {
	if value, ok := p.cache.Get(replicableName, id); ok {
		if checksum, ok := value.(string); ok {
			return checksum, nil
		}
	}

	checksum, err := p.source.PrimaryChecksum(ctx, replicableName, id)
	if err != nil {
		return "", err
	}

	p.cache.Add(replicableName, id, checksum)
	return checksum, nil
}

// Refresh drops the cached checksum of the resource and fetches it again.
func (p *CachedPrimaryChecksums) Refresh(ctx context.Context, replicableName string, id int64) (string, error) {
	p.cache.Expire(replicableName, id)
	return p.PrimaryChecksum(ctx, replicableName, id)
}
