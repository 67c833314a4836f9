// Package status aggregates the registries of every replicable into the
// replication status of the node.
package status

import (
	"context"
	"fmt"

	"gitlab.com/gitlab-org/geo/internal/geo/registry"
)

// RegistryStores resolves the registry store of a replicable.
type RegistryStores interface {
	RegistryStore(name string) (registry.Store, error)
}

// ReplicableStatus is the replication status of one replicable.
type ReplicableStatus struct {
	ReplicableName          string  `json:"replicable_name"`
	RegistryCount           int64   `json:"registry_count"`
	PendingCount            int64   `json:"pending_count"`
	StartedCount            int64   `json:"started_count"`
	SyncedCount             int64   `json:"synced_count"`
	FailedCount             int64   `json:"failed_count"`
	MissingOnPrimaryCount   int64   `json:"missing_on_primary_count"`
	VerifiedCount           int64   `json:"verified_count"`
	VerificationFailedCount int64   `json:"verification_failed_count"`
	SyncedInPercentage      float64 `json:"synced_in_percentage"`
	VerifiedInPercentage    float64 `json:"verified_in_percentage"`
}

// Reporter reads the status of a set of replicables.
type Reporter struct {
	registries RegistryStores
	names      []string
}

// NewReporter returns a Reporter for the named replicables.
func NewReporter(registries RegistryStores, names []string) *Reporter {
	return &Reporter{registries: registries, names: names}
}

// Collect returns the status of every replicable in the order they were
// configured.
func (r *Reporter) Collect(ctx context.Context) ([]ReplicableStatus, error) {
	statuses := make([]ReplicableStatus, 0, len(r.names))
	for _, name := range r.names {
		store, err := r.registries.RegistryStore(name)
		if err != nil {
			return nil, err
		}

		counts, err := store.Counts(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}

		statuses = append(statuses, ReplicableStatus{
			ReplicableName:          name,
			RegistryCount:           counts.Registry,
			PendingCount:            counts.Pending,
			StartedCount:            counts.Started,
			SyncedCount:             counts.Synced,
			FailedCount:             counts.Failed,
			MissingOnPrimaryCount:   counts.MissingOnPrimary,
			VerifiedCount:           counts.Verified,
			VerificationFailedCount: counts.VerificationFailed,
			SyncedInPercentage:      percentage(counts.Registry, counts.Synced),
			VerifiedInPercentage:    percentage(counts.Registry, counts.Verified),
		})
	}

	return statuses, nil
}

func percentage(total, count int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(count) / float64(total) * 100
}
