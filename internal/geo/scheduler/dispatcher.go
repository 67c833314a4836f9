package scheduler

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/geo/internal/geo/housekeeping"
	"gitlab.com/gitlab-org/geo/internal/geo/jobqueue"
	"gitlab.com/gitlab-org/geo/internal/geo/replicator"
	"gitlab.com/gitlab-org/labkit/correlation"
	"golang.org/x/sync/semaphore"
)

// ResourceExecutor works on one resource. It returns false when the work was
// skipped because another worker holds the resource.
type ResourceExecutor interface {
	Execute(ctx context.Context, replicableName string, id int64) (bool, error)
}

// Maintainer runs a housekeeping task on a repository.
type Maintainer interface {
	Execute(ctx context.Context, replicableName string, id int64, task housekeeping.Task) (bool, error)
}

// Handlers are the services jobs are dispatched to.
type Handlers struct {
	RepositorySync    ResourceExecutor
	BlobDownload      ResourceExecutor
	RepositoryRemoval ResourceExecutor
	BlobRemoval       ResourceExecutor
	Housekeeping      Maintainer
}

// Dispatcher runs queued jobs on their services with bounded concurrency.
type Dispatcher struct {
	handlers Handlers
	sem      *semaphore.Weighted
	log      logrus.FieldLogger

	jobsTotal *prometheus.CounterVec
}

// NewDispatcher returns a Dispatcher running at most capacity jobs at once.
func NewDispatcher(handlers Handlers, capacity int64, log logrus.FieldLogger) *Dispatcher {
	return &Dispatcher{
		handlers: handlers,
		sem:      semaphore.NewWeighted(capacity),
		log:      log.WithField("component", "job_dispatcher"),
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geo_jobs_total",
				Help: "Total number of jobs handled by class and result",
			},
			[]string{"class", "result"},
		),
	}
}

// Describe returns all metric descriptors.
func (d *Dispatcher) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(d, descs)
}

// Collect collects all metrics.
func (d *Dispatcher) Collect(collector chan<- prometheus.Metric) {
	d.jobsTotal.Collect(collector)
}

// Classes are the job classes the Dispatcher handles.
func (d *Dispatcher) Classes() []string {
	return []string{
		jobqueue.ClassRepositorySync,
		jobqueue.ClassBlobDownload,
		jobqueue.ClassRegistryRemoval,
		jobqueue.ClassHousekeeping,
	}
}

// Subscribe registers the Dispatcher for every class it handles.
func (d *Dispatcher) Subscribe(queue jobqueue.Queue) error {
	for _, class := range d.Classes() {
		if err := queue.Subscribe(class, d.Handle); err != nil {
			return err
		}
	}
	return nil
}

// Handle runs a single job. Its error requests a redelivery.
func (d *Dispatcher) Handle(ctx context.Context, job jobqueue.Job) error {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer d.sem.Release(1)

	ctx = correlation.ContextWithCorrelation(ctx, job.ID)

	log := d.log.WithFields(logrus.Fields{
		"job_id":          job.ID,
		"job_class":       job.Class,
		"replicable_name": job.Args.ReplicableName,
		"model_record_id": job.Args.ModelRecordID,
		"correlation_id":  job.ID,
	})

	executed, err := d.dispatch(ctx, job)
	switch {
	case err != nil:
		d.jobsTotal.WithLabelValues(job.Class, "error").Inc()
		log.WithError(err).Error("job failed")
	case !executed:
		d.jobsTotal.WithLabelValues(job.Class, "skipped").Inc()
		log.Debug("job skipped, resource is busy")
	default:
		d.jobsTotal.WithLabelValues(job.Class, "done").Inc()
	}

	return err
}

func (d *Dispatcher) dispatch(ctx context.Context, job jobqueue.Job) (bool, error) {
	name, id := job.Args.ReplicableName, job.Args.ModelRecordID

	def, ok := replicator.Lookup(name)
	if !ok {
		return false, fmt.Errorf("%w: %q", replicator.ErrUnknownReplicable, name)
	}

	switch job.Class {
	case jobqueue.ClassRepositorySync:
		return d.handlers.RepositorySync.Execute(ctx, name, id)
	case jobqueue.ClassBlobDownload:
		return d.handlers.BlobDownload.Execute(ctx, name, id)
	case jobqueue.ClassRegistryRemoval:
		if def.Kind == replicator.KindRepository {
			return d.handlers.RepositoryRemoval.Execute(ctx, name, id)
		}
		return d.handlers.BlobRemoval.Execute(ctx, name, id)
	case jobqueue.ClassHousekeeping:
		return d.handlers.Housekeeping.Execute(ctx, name, id, housekeeping.Task(job.Args.Task))
	default:
		return false, fmt.Errorf("unsupported job class: %q", job.Class)
	}
}
