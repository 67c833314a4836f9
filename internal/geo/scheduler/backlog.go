package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/geo/internal/geo/jobqueue"
	"gitlab.com/gitlab-org/geo/internal/geo/lease"
	"gitlab.com/gitlab-org/geo/internal/geo/registry"
	"gitlab.com/gitlab-org/geo/internal/geo/replicator"
	"gitlab.com/gitlab-org/geo/internal/helper"
)

// RegistryStores resolves the registry store of a replicable.
type RegistryStores interface {
	RegistryStore(name string) (registry.Store, error)
}

// Backlog enqueues sync jobs for registries that are pending or due for a
// retry. A resource is not scheduled again while its previous job is likely
// still queued.
type Backlog struct {
	registries  RegistryStores
	names       []string
	jobs        jobqueue.Enqueuer
	guard       *lease.Guard
	capacity    int
	scheduleTTL time.Duration
	now         helper.Clock
	log         logrus.FieldLogger
}

// NewBacklog returns a Backlog scheduling up to capacity jobs per replicable
// and run. scheduleTTL is how long a scheduled resource is skipped.
func NewBacklog(registries RegistryStores, names []string, jobs jobqueue.Enqueuer, leases lease.Store, capacity int, scheduleTTL time.Duration, now helper.Clock, log logrus.FieldLogger) *Backlog {
	if now == nil {
		now = helper.SystemClock
	}
	log = log.WithField("component", "sync_backlog")

	return &Backlog{
		registries:  registries,
		names:       names,
		jobs:        jobs,
		guard:       lease.NewGuard(leases, log, lease.WithoutRelease()),
		capacity:    capacity,
		scheduleTTL: scheduleTTL,
		now:         now,
		log:         log,
	}
}

// Schedule enqueues the sync jobs of one run. It implements Task and never
// asks to be repeated, the next tick picks up what is left.
func (b *Backlog) Schedule(ctx context.Context) (bool, error) {
	for _, name := range b.names {
		def, ok := replicator.Lookup(name)
		if !ok {
			return false, fmt.Errorf("%w: %q", replicator.ErrUnknownReplicable, name)
		}

		store, err := b.registries.RegistryStore(name)
		if err != nil {
			return false, err
		}

		ids, err := store.SyncBacklog(ctx, b.capacity, b.now())
		if err != nil {
			return false, fmt.Errorf("%s: sync backlog: %w", name, err)
		}

		var scheduled int
		for _, id := range ids {
			id := id
			executed, err := b.guard.Try(ctx, lease.Key("geo_sync_scheduled", name, id), b.scheduleTTL, func(ctx context.Context) error {
				return b.jobs.Enqueue(ctx, jobqueue.NewJob(def.SyncJobClass(), jobqueue.Args{
					ReplicableName: name,
					ModelRecordID:  id,
				}))
			})
			if err != nil {
				return false, fmt.Errorf("%s: schedule %d: %w", name, id, err)
			}
			if executed {
				scheduled++
			}
		}

		if scheduled > 0 {
			b.log.WithFields(logrus.Fields{
				"replicable_name": name,
				"scheduled":       scheduled,
			}).Info("scheduled sync jobs")
		}
	}

	return false, nil
}
