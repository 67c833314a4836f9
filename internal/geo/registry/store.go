package registry

import (
	"context"
	"time"
)

// Counts are the aggregates of one registry table.
type Counts struct {
	Registry           int64
	Pending            int64
	Started            int64
	Synced             int64
	Failed             int64
	MissingOnPrimary   int64
	Verified           int64
	VerificationFailed int64
}

// ClaimOptions selects the registries claimed for verification.
type ClaimOptions struct {
	Limit int
	Now   time.Time
	// SyncedOnly restricts the claim to resources that have been replicated.
	SyncedOnly bool
}

// Store persists the registries of one replicable kind.
type Store interface {
	// Find returns the registry of the model record or ErrNotFound.
	Find(ctx context.Context, modelRecordID int64) (*Registry, error)
	// FindOrCreate returns the registry of the model record, creating a pending one if missing.
	FindOrCreate(ctx context.Context, modelRecordID int64) (*Registry, error)
	// BulkCreate creates pending registries for the model records that have none.
	// It returns the number of created registries.
	BulkCreate(ctx context.Context, modelRecordIDs []int64) (int, error)
	// Delete removes the registry of the model record. It is not an error if none exists.
	Delete(ctx context.Context, modelRecordID int64) error
	// Save persists all fields of the registry.
	Save(ctx context.Context, r *Registry) error
	// SaveSync persists only the sync fields of the registry.
	SaveSync(ctx context.Context, r *Registry) error
	// SaveVerification persists only the verification fields of the registry.
	SaveVerification(ctx context.Context, r *Registry) error
	// RequestResync creates the registry if missing and marks it for a new sync.
	// A registry with a sync in flight keeps its state and is flagged instead.
	RequestResync(ctx context.Context, modelRecordID int64) (*Registry, error)
	// MarkSynced persists r as synced only if the stored registry is still
	// started and no resync was requested meanwhile. It reports whether it applied.
	MarkSynced(ctx context.Context, r *Registry) (bool, error)
	// ExistingIDs returns the model record ids between from and to, inclusive, that have a registry.
	ExistingIDs(ctx context.Context, from, to int64) ([]int64, error)
	// SyncBacklog returns up to limit model record ids that are pending, whose
	// failed sync is due for a retry, or that were missing on the primary and
	// are due for another look.
	SyncBacklog(ctx context.Context, limit int, now time.Time) ([]int64, error)
	// StaleSyncs returns up to limit registries started before startedBefore.
	StaleSyncs(ctx context.Context, startedBefore time.Time, limit int) ([]*Registry, error)
	// ClaimVerificationBatch atomically moves up to opts.Limit registries that are
	// pending verification, or failed and due for a retry, into verification_started
	// and returns them. Concurrent callers never receive the same registry.
	ClaimVerificationBatch(ctx context.Context, opts ClaimOptions) ([]*Registry, error)
	// StaleVerifications returns up to limit registries whose verification started before startedBefore.
	StaleVerifications(ctx context.Context, startedBefore time.Time, limit int) ([]*Registry, error)
	// ReverifySucceededBefore resets up to limit registries verified before
	// verifiedBefore to verification_pending. It returns the number of reset registries.
	ReverifySucceededBefore(ctx context.Context, verifiedBefore time.Time, limit int) (int, error)
	// Counts returns the aggregates of the registry table.
	Counts(ctx context.Context) (Counts, error)
}
