package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/geo/internal/geo/delay"
	"gitlab.com/gitlab-org/geo/internal/helper"
)

// SyncSweeper fails syncs that stayed started longer than the sync timeout.
// Their worker is gone or the lease expired.
type SyncSweeper struct {
	registries RegistryStores
	names      []string
	timeout    time.Duration
	batchSize  int
	policy     *delay.Policy
	now        helper.Clock
	log        logrus.FieldLogger
}

// NewSyncSweeper returns a SyncSweeper.
func NewSyncSweeper(registries RegistryStores, names []string, timeout time.Duration, batchSize int, policy *delay.Policy, now helper.Clock, log logrus.FieldLogger) *SyncSweeper {
	if now == nil {
		now = helper.SystemClock
	}
	if policy == nil {
		policy = delay.NewPolicy()
	}

	return &SyncSweeper{
		registries: registries,
		names:      names,
		timeout:    timeout,
		batchSize:  batchSize,
		policy:     policy,
		now:        now,
		log:        log.WithField("component", "sync_sweeper"),
	}
}

// Sweep fails the stale syncs of every replicable.
func (s *SyncSweeper) Sweep(ctx context.Context) error {
	message := fmt.Sprintf("Sync timed out after %s", s.timeout)

	for _, name := range s.names {
		store, err := s.registries.RegistryStore(name)
		if err != nil {
			return err
		}

		stale, err := store.StaleSyncs(ctx, s.now().Add(-s.timeout), s.batchSize)
		if err != nil {
			return fmt.Errorf("%s: stale syncs: %w", name, err)
		}

		for _, reg := range stale {
			if err := reg.Failed(message, false, s.policy, 0); err != nil {
				return err
			}
			if err := store.SaveSync(ctx, reg); err != nil {
				return fmt.Errorf("%s: save %d: %w", name, reg.ModelRecordID, err)
			}

			s.log.WithFields(logrus.Fields{
				"replicable_name": name,
				"model_record_id": reg.ModelRecordID,
			}).Warn("sync timed out")
		}
	}

	return nil
}
