// Package consistency backfills registries for model records whose creation
// event never reached the secondary, and removes registries whose model record
// is gone.
package consistency

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/geo/internal/geo/jobqueue"
	"gitlab.com/gitlab-org/geo/internal/geo/registry"
)

// Service keeps the registry table of one replicable consistent with its
// model table.
type Service struct {
	replicableName string
	batcher        *Batcher
	model          Source
	store          registry.Store
	jobs           jobqueue.Enqueuer
	batchSize      int
	logger         logrus.FieldLogger

	changes  *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewService returns the consistency Service of a replicable. The batcher
// cursor is stored under the replicable name.
func NewService(replicableName string, model, registries Source, store registry.Store, cursors CursorStore, jobs jobqueue.Enqueuer, batchSize int, logger logrus.FieldLogger) *Service {
	return &Service{
		replicableName: replicableName,
		batcher:        NewBatcher(replicableName, model, registries, cursors, batchSize),
		model:          model,
		store:          store,
		jobs:           jobs,
		batchSize:      batchSize,
		logger: logger.WithFields(logrus.Fields{
			"component":       "registry_consistency",
			"replicable_name": replicableName,
		}),
		changes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "geo_registry_consistency_changes_total",
				Help:        "Total number of registries created or scheduled for removal by the consistency backfill",
				ConstLabels: prometheus.Labels{"replicable_name": replicableName},
			},
			[]string{"change"},
		),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "geo_registry_consistency_run_duration_seconds",
			Help:        "Duration of a registry consistency run",
			ConstLabels: prometheus.Labels{"replicable_name": replicableName},
		}),
	}
}

// Describe returns all metric descriptors.
func (s *Service) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(s, descs)
}

// Collect collects all metrics.
func (s *Service) Collect(collector chan<- prometheus.Metric) {
	s.changes.Collect(collector)
	s.duration.Collect(collector)
}

// Execute checks the next batch of ids. It returns true if anything changed,
// in which case the caller should run it again right away.
func (s *Service) Execute(ctx context.Context) (bool, error) {
	defer prometheus.NewTimer(s.duration).ObserveDuration()

	rng, next, ok, err := s.batcher.NextRange(ctx)
	if err != nil {
		return false, fmt.Errorf("next range: %w", err)
	}
	if !ok {
		return false, s.batcher.Advance(ctx, next)
	}

	created, removed, err := s.reconcile(ctx, rng, true)
	if err != nil {
		return false, err
	}

	if err := s.batcher.Advance(ctx, next); err != nil {
		return false, err
	}

	createdAbove, err := s.createMissingAbove(ctx, rng.Last)
	if err != nil {
		return false, err
	}

	changed := created+removed+createdAbove > 0
	if changed {
		s.logger.WithFields(logrus.Fields{
			"range_first":   rng.First,
			"range_last":    rng.Last,
			"created":       created,
			"created_above": createdAbove,
			"removed":       removed,
		}).Info("registry consistency changed registries")
	}

	return changed, nil
}

// createMissingAbove scans the newest ids so fresh records are tracked
// without waiting for the cursor to come around. Nothing is done when the
// cursor is about to reach them anyway.
func (s *Service) createMissingAbove(ctx context.Context, endOfBatch int64) (int, error) {
	lastID, ok, err := s.model.LastID(ctx)
	if err != nil {
		return 0, fmt.Errorf("last model id: %w", err)
	}
	if !ok || lastID <= endOfBatch+int64(s.batchSize) {
		return 0, nil
	}

	created, _, err := s.reconcile(ctx, Range{First: lastID - int64(s.batchSize) + 1, Last: lastID}, false)
	return created, err
}

// reconcile creates the missing registries of rng. With removeOrphans set,
// registries without a model record are scheduled for removal.
func (s *Service) reconcile(ctx context.Context, rng Range, removeOrphans bool) (int, int, error) {
	modelIDs, err := s.model.IDs(ctx, rng.First, rng.Last)
	if err != nil {
		return 0, 0, fmt.Errorf("model ids: %w", err)
	}

	tracked, err := s.store.ExistingIDs(ctx, rng.First, rng.Last)
	if err != nil {
		return 0, 0, fmt.Errorf("existing registries: %w", err)
	}

	untracked, orphaned := difference(modelIDs, tracked)

	var created int
	if len(untracked) > 0 {
		if created, err = s.store.BulkCreate(ctx, untracked); err != nil {
			return 0, 0, fmt.Errorf("create registries: %w", err)
		}
		s.changes.WithLabelValues("created").Add(float64(created))
	}

	if !removeOrphans {
		return created, 0, nil
	}

	for _, id := range orphaned {
		if err := s.jobs.Enqueue(ctx, jobqueue.NewJob(jobqueue.ClassRegistryRemoval, jobqueue.Args{
			ReplicableName: s.replicableName,
			ModelRecordID:  id,
		})); err != nil {
			return created, 0, fmt.Errorf("schedule registry removal: %w", err)
		}
	}
	s.changes.WithLabelValues("removed").Add(float64(len(orphaned)))

	return created, len(orphaned), nil
}

// difference returns the ids only in model and the ids only in tracked. Both
// inputs are sorted.
func difference(model, tracked []int64) (untracked, orphaned []int64) {
	i, j := 0, 0
	for i < len(model) || j < len(tracked) {
		switch {
		case j == len(tracked) || (i < len(model) && model[i] < tracked[j]):
			untracked = append(untracked, model[i])
			i++
		case i == len(model) || tracked[j] < model[i]:
			orphaned = append(orphaned, tracked[j])
			j++
		default:
			i++
			j++
		}
	}
	return untracked, orphaned
}

// ReplicableName returns the name of the replicable the Service checks.
func (s *Service) ReplicableName() string { return s.replicableName }
