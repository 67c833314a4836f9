// Package filesync downloads blobs and files of the primary site onto a
// secondary.
package filesync

import (
	"context"
	"fmt"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/geo/internal/geo/delay"
	"gitlab.com/gitlab-org/geo/internal/geo/jobqueue"
	"gitlab.com/gitlab-org/geo/internal/geo/lease"
	"gitlab.com/gitlab-org/geo/internal/geo/registry"
	"gitlab.com/gitlab-org/geo/internal/geo/replicator"
	"gitlab.com/gitlab-org/geo/internal/geo/transfer"
	"gitlab.com/gitlab-org/geo/internal/helper"
	"gitlab.com/gitlab-org/labkit/correlation"
)

// Downloader fetches one blob from the primary into destPath.
type Downloader interface {
	Download(ctx context.Context, kind transfer.DownloaderKind, replicableName string, id int64, destPath string) (transfer.Result, error)
}

// CacheExpirer drops cached metadata of a resource.
type CacheExpirer interface {
	Expire(replicableName string, id int64)
}

type noopCaches struct{}

func (noopCaches) Expire(string, int64) {}

// RegistryStores resolves the registry store of a replicable.
type RegistryStores interface {
	RegistryStore(name string) (registry.Store, error)
}

// Service performs one download of a blob at a time per resource.
type Service struct {
	registries RegistryStores
	guard      *lease.Guard
	downloader Downloader
	caches     CacheExpirer
	jobs       jobqueue.Enqueuer
	policy     *delay.Policy
	now        helper.Clock
	filesPath  string
	logger     logrus.FieldLogger

	downloadsTotal *prometheus.CounterVec
	bytesTotal     *prometheus.CounterVec
}

// NewService returns a blob download Service. Entries of caches are expired
// after every download attempt; caches may be nil.
func NewService(registries RegistryStores, leases lease.Store, downloader Downloader, caches CacheExpirer, jobs jobqueue.Enqueuer, policy *delay.Policy, now helper.Clock, filesPath string, logger logrus.FieldLogger) *Service {
	if caches == nil {
		caches = noopCaches{}
	}
	if now == nil {
		now = helper.SystemClock
	}
	if policy == nil {
		policy = delay.NewPolicy()
	}
	logger = logger.WithField("component", "blob_download")

	return &Service{
		registries: registries,
		guard:      lease.NewGuard(leases, logger),
		downloader: downloader,
		caches:     caches,
		jobs:       jobs,
		policy:     policy,
		now:        now,
		filesPath:  filesPath,
		logger:     logger,
		downloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geo_blob_downloads_total",
				Help: "Total number of blob download attempts by result",
			},
			[]string{"replicable_name", "result"},
		),
		bytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geo_blob_downloaded_bytes_total",
				Help: "Total number of bytes downloaded from the primary",
			},
			[]string{"replicable_name"},
		),
	}
}

// Describe returns all metric descriptors.
func (s *Service) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(s, descs)
}

// Collect collects all metrics.
func (s *Service) Collect(collector chan<- prometheus.Metric) {
	s.downloadsTotal.Collect(collector)
	s.bytesTotal.Collect(collector)
}

// Execute downloads the blob unless another download of it is in flight, in
// which case it returns false. Download failures are recorded on the registry.
func (s *Service) Execute(ctx context.Context, replicableName string, id int64) (bool, error) {
	def, ok := replicator.Lookup(replicableName)
	if !ok || def.Kind != replicator.KindBlob {
		return false, fmt.Errorf("%w: %q is not a blob", replicator.ErrUnknownReplicable, replicableName)
	}

	store, err := s.registries.RegistryStore(replicableName)
	if err != nil {
		return false, err
	}

	logger := s.logger.WithFields(logrus.Fields{
		"replicable_name": replicableName,
		"model_record_id": id,
		"correlation_id":  correlation.ExtractFromContext(ctx),
	})

	var reschedule bool
	executed, err := s.guard.Try(ctx, lease.Key("geo_blob_download", replicableName, id), lease.BlobSyncTimeout, func(ctx context.Context) error {
		var err error
		reschedule, err = s.download(ctx, def, store, id, logger)
		return err
	})
	if err != nil {
		return executed, err
	}

	if reschedule {
		if err := s.jobs.Enqueue(ctx, jobqueue.NewJob(jobqueue.ClassBlobDownload, jobqueue.Args{
			ReplicableName: replicableName,
			ModelRecordID:  id,
		})); err != nil {
			logger.WithError(err).Error("failed to reschedule download, the backlog will pick it up")
		}
	}

	return executed, nil
}

func (s *Service) download(ctx context.Context, def replicator.Definition, store registry.Store, id int64, logger logrus.FieldLogger) (bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "filesync.Download")
	span.SetTag("replicable_name", def.Name)
	span.SetTag("model_record_id", id)
	defer span.Finish()

	defer s.caches.Expire(def.Name, id)

	reg, err := store.FindOrCreate(ctx, id)
	if err != nil {
		return false, fmt.Errorf("find registry: %w", err)
	}

	reg.Start(s.now())
	if err := store.SaveSync(ctx, reg); err != nil {
		return false, fmt.Errorf("mark sync started: %w", err)
	}

	start := time.Now()
	result, err := s.downloader.Download(ctx, def.Downloader, def.Name, id, replicator.BlobPath(s.filesPath, def.Name, id))
	if err != nil {
		result = transfer.Result{Reason: err.Error()}
	}

	logger = logger.WithFields(logrus.Fields{
		"download_success":     result.Success,
		"bytes_downloaded":     result.BytesDownloaded,
		"primary_missing_file": result.PrimaryMissingFile,
		"download_time_s":      time.Since(start).Seconds(),
		"reason":               result.Reason,
	})
	for k, v := range result.ExtraDetails {
		logger = logger.WithField(k, v)
	}

	s.bytesTotal.WithLabelValues(def.Name).Add(float64(result.BytesDownloaded))

	if result.Success || result.PrimaryMissingFile {
		if result.Success {
			err = reg.Synced(s.now(), false)
		} else {
			err = reg.SyncedMissingOnPrimary(s.now(), s.policy)
		}
		if err != nil {
			return false, err
		}

		applied, err := store.MarkSynced(ctx, reg)
		if err != nil {
			return false, fmt.Errorf("mark synced: %w", err)
		}

		if !applied {
			s.downloadsTotal.WithLabelValues(def.Name, "rescheduled").Inc()
			logger.Info("blob was updated during the download, rescheduling")
			return true, resetForResync(ctx, store, id)
		}

		s.downloadsTotal.WithLabelValues(def.Name, "synced").Inc()
		logger.Info("blob download finished")
		return false, nil
	}

	span.SetTag("error", true)
	logger.Warn("blob download failed")

	if err := reg.Failed(result.Reason, false, s.policy, 0); err != nil {
		return false, err
	}

	var reschedule bool
	if current, err := store.Find(ctx, id); err == nil && current.ResyncRequested {
		reg.ResyncRequested = true
		reschedule = true
	}

	if err := store.SaveSync(ctx, reg); err != nil {
		return false, fmt.Errorf("mark sync failed: %w", err)
	}

	s.downloadsTotal.WithLabelValues(def.Name, "failed").Inc()

	return reschedule, nil
}

func resetForResync(ctx context.Context, store registry.Store, id int64) error {
	current, err := store.Find(ctx, id)
	if err != nil {
		return fmt.Errorf("reload registry: %w", err)
	}

	if current.State == registry.SyncStarted {
		current.Pending()
		if err := store.SaveSync(ctx, current); err != nil {
			return fmt.Errorf("reset registry: %w", err)
		}
	}

	return nil
}
