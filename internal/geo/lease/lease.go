// Package lease provides time-bounded exclusive leases. A lease guarantees that
// at most one worker processes a given key at a time for as long as the lease
// timeout. Leases are never renewed: workers must size the timeout generously
// for the longest transfer they expect.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// RepositorySyncTimeout bounds a repository, wiki or design sync attempt.
	RepositorySyncTimeout = 8 * time.Hour
	// BlobSyncTimeout bounds a blob or file download attempt.
	BlobSyncTimeout = 8 * time.Hour
	// ObjectPoolTimeout bounds the creation of an object pool.
	ObjectPoolTimeout = time.Hour
	// HousekeepingTimeout bounds git housekeeping of a repository.
	HousekeepingTimeout = 24 * time.Hour
)

// Store is the shared storage of leases.
type Store interface {
	// TryObtain obtains the lease for key for ttl. It returns an empty token
	// if a non-expired lease is held by someone else.
	TryObtain(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Cancel releases the lease if it is still held with token.
	Cancel(ctx context.Context, key, token string) error
}

// Key returns the lease key of a unit of work on a single resource.
func Key(unit, replicableName string, id int64) string {
	return fmt.Sprintf("%s:%s:%d", unit, replicableName, id)
}

// Guard runs functions while holding a lease.
type Guard struct {
	store  Store
	logger logrus.FieldLogger
	// keep leaves the lease in place after the function returns so the key
	// stays locked for the full timeout.
	keep bool
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithoutRelease keeps the lease until it expires instead of releasing it
// once the guarded function returns. It is used to rate limit work.
func WithoutRelease() GuardOption {
	return func(g *Guard) { g.keep = true }
}

// NewGuard returns a new Guard using store.
func NewGuard(store Store, logger logrus.FieldLogger, opts ...GuardOption) *Guard {
	g := &Guard{
		store:  store,
		logger: logger.WithField("component", "lease_guard"),
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Try runs fn if the lease for key can be obtained. If the lease is held by
// someone else fn is skipped and Try returns false with no error. The error
// returned by fn is passed through.
func (g *Guard) Try(ctx context.Context, key string, timeout time.Duration, fn func(context.Context) error) (bool, error) {
	token, err := g.store.TryObtain(ctx, key, timeout)
	if err != nil {
		return false, fmt.Errorf("obtain lease: %w", err)
	}

	if token == "" {
		g.logger.WithField("lease_key", key).Debug("cannot obtain an exclusive lease, there must be another instance already in execution")
		return false, nil
	}

	if !g.keep {
		defer func() {
			// the caller's context may be done already, the release must still happen
			if err := g.store.Cancel(context.Background(), key, token); err != nil {
				g.logger.WithError(err).WithField("lease_key", key).Error("failed to release exclusive lease")
			}
		}()
	}

	return true, fn(ctx)
}
