// Package housekeeping schedules and runs git garbage collection of
// replicated repositories based on how often they were synced.
package housekeeping

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/geo/internal/geo/config"
	"gitlab.com/gitlab-org/geo/internal/geo/jobqueue"
	"gitlab.com/gitlab-org/geo/internal/geo/lease"
	"gitlab.com/gitlab-org/geo/internal/geo/replicator"
)

// Task is a git maintenance task.
type Task string

// Tasks in escalating cost.
const (
	TaskIncrementalRepack Task = "incremental_repack"
	TaskFullRepack        Task = "full_repack"
	TaskGC                Task = "gc"
)

// log2Threads keeps repacks from exhausting every CPU.
func log2Threads(numCPUs int) string {
	n := math.Max(1, math.Floor(math.Log2(float64(numCPUs))))
	return fmt.Sprintf("--threads=%d", int(n))
}

// Args returns the git arguments running the task.
func (t Task) Args() ([]string, error) {
	switch t {
	case TaskIncrementalRepack:
		return []string{"repack", "-d"}, nil
	case TaskFullRepack:
		return []string{"repack", "-d", "-A", "--pack-kept-objects", "-l", log2Threads(runtime.NumCPU())}, nil
	case TaskGC:
		return []string{"gc", "--quiet"}, nil
	default:
		return nil, fmt.Errorf("unknown housekeeping task %q", t)
	}
}

// TaskFor returns the task due after the given number of syncs, if any. The
// most expensive due task wins.
func TaskFor(cfg config.Housekeeping, syncs int64) (Task, bool) {
	switch {
	case syncs <= 0:
		return "", false
	case cfg.GCPeriod > 0 && syncs%int64(cfg.GCPeriod) == 0:
		return TaskGC, true
	case cfg.FullRepackPeriod > 0 && syncs%int64(cfg.FullRepackPeriod) == 0:
		return TaskFullRepack, true
	case cfg.IncrementalRepackPeriod > 0 && syncs%int64(cfg.IncrementalRepackPeriod) == 0:
		return TaskIncrementalRepack, true
	default:
		return "", false
	}
}

// Maintainer runs git maintenance commands in a repository.
type Maintainer interface {
	Maintenance(ctx context.Context, repoPath string, args ...string) error
}

// Service counts syncs and runs the housekeeping tasks they make due.
type Service struct {
	cfg              config.Housekeeping
	repositoriesPath string
	counters         CounterStore
	jobs             jobqueue.Enqueuer
	guard            *lease.Guard
	git              Maintainer
	logger           logrus.FieldLogger
	tasksTotal       *prometheus.CounterVec
}

// NewService returns a housekeeping Service. The lease of a task is kept
// until it expires so a repository is maintained at most once per lease period.
func NewService(cfg config.Config, counters CounterStore, jobs jobqueue.Enqueuer, leases lease.Store, git Maintainer, logger logrus.FieldLogger) *Service {
	logger = logger.WithField("component", "housekeeping")

	return &Service{
		cfg:              cfg.Housekeeping,
		repositoriesPath: cfg.Storage.RepositoriesPath,
		counters:         counters,
		jobs:             jobs,
		guard:            lease.NewGuard(leases, logger, lease.WithoutRelease()),
		git:              git,
		logger:           logger,
		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geo_housekeeping_tasks_total",
				Help: "Total number of housekeeping tasks performed on replicated repositories",
			},
			[]string{"task", "status"},
		),
	}
}

// AfterSync records a successful sync of the repository and schedules the
// task that became due.
func (s *Service) AfterSync(ctx context.Context, replicableName string, id int64) error {
	if !s.cfg.Enabled {
		return nil
	}

	syncs, err := s.counters.Increment(ctx, replicableName, id)
	if err != nil {
		return fmt.Errorf("increment syncs since gc: %w", err)
	}

	task, due := TaskFor(s.cfg, syncs)
	if !due {
		return nil
	}

	job := jobqueue.NewJob(jobqueue.ClassHousekeeping, jobqueue.Args{
		ReplicableName: replicableName,
		ModelRecordID:  id,
		Task:           string(task),
	})
	if err := s.jobs.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue %s: %w", task, err)
	}

	return nil
}

// Execute runs task on the repository. It returns false when the repository
// was maintained recently.
func (s *Service) Execute(ctx context.Context, replicableName string, id int64, task Task) (bool, error) {
	args, err := task.Args()
	if err != nil {
		return false, err
	}

	key := lease.Key("geo_housekeeping", replicableName, id)
	return s.guard.Try(ctx, key, lease.HousekeepingTimeout, func(ctx context.Context) error {
		logger := s.logger.WithFields(logrus.Fields{
			"replicable_name": replicableName,
			"model_record_id": id,
			"task":            task,
		})

		repoPath := replicator.RepositoryPath(s.repositoriesPath, replicableName, id)
		if err := s.git.Maintenance(ctx, repoPath, args...); err != nil {
			s.tasksTotal.WithLabelValues(string(task), "failed").Inc()
			logger.WithError(err).Error("housekeeping task failed")
			return fmt.Errorf("%s: %w", task, err)
		}

		s.tasksTotal.WithLabelValues(string(task), "succeeded").Inc()
		logger.Info("housekeeping task finished")

		if task == TaskGC {
			if err := s.counters.Reset(ctx, replicableName, id); err != nil {
				return fmt.Errorf("reset syncs since gc: %w", err)
			}
		}

		return nil
	})
}

// Describe returns all metric descriptors.
func (s *Service) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(s, descs)
}

// Collect collects all metrics.
func (s *Service) Collect(collector chan<- prometheus.Metric) {
	s.tasksTotal.Collect(collector)
}
