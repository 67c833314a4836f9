// Package reposync mirrors git repositories of the primary site onto a
// secondary and tracks every attempt in the repository registries.
package reposync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
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
	"gitlab.com/gitlab-org/geo/internal/safe"
	"gitlab.com/gitlab-org/labkit/correlation"
)

// RedownloadThreshold is the retry count above which a repository is
// downloaded from scratch instead of fetched incrementally.
const RedownloadThreshold = 5

// temporaryDir holds repositories being redownloaded, below the repositories path.
const temporaryDir = "@geo-temporary"

// Transport moves repositories from the primary.
type Transport interface {
	FetchMirror(ctx context.Context, repoPath, remoteURL, authHeader string) error
	FetchSnapshot(ctx context.Context, targetPath, snapshotURL, authHeader string) error
	Clone(ctx context.Context, targetPath, remoteURL, authHeader string) error
}

// Remote locates repositories on the primary.
type Remote interface {
	RepositoryURL(replicableName string, id int64) string
	SnapshotURL(replicableName string, id int64) string
	AuthHeader(replicableName string, id int64) (string, error)
}

// RegistryStores resolves the registry store of a replicable.
type RegistryStores interface {
	RegistryStore(name string) (registry.Store, error)
}

// CacheExpirer drops cached metadata of a resource.
type CacheExpirer interface {
	Expire(replicableName string, id int64)
}

// Housekeeper is told about every successful sync.
type Housekeeper interface {
	AfterSync(ctx context.Context, replicableName string, id int64) error
}

// PoolChecker reports whether a repository keeps its objects in an object pool.
type PoolChecker interface {
	IsPoolMember(ctx context.Context, replicableName string, id int64) (bool, error)
}

// Dependencies are the collaborators of a Service.
type Dependencies struct {
	Registries       RegistryStores
	Leases           lease.Store
	Transport        Transport
	Remote           Remote
	Caches           CacheExpirer
	Housekeeping     Housekeeper
	Pools            PoolChecker
	Jobs             jobqueue.Enqueuer
	Policy           *delay.Policy
	Now              helper.Clock
	RepositoriesPath string
	Logger           logrus.FieldLogger
}

// Service performs one sync attempt of a repository at a time per resource.
type Service struct {
	Dependencies
	guard        *lease.Guard
	syncsTotal   *prometheus.CounterVec
	syncDuration *prometheus.HistogramVec
}

// NewService returns a repository sync Service.
func NewService(deps Dependencies) *Service {
	if deps.Now == nil {
		deps.Now = helper.SystemClock
	}
	if deps.Policy == nil {
		deps.Policy = delay.NewPolicy()
	}
	deps.Logger = deps.Logger.WithField("component", "repository_sync")

	return &Service{
		Dependencies: deps,
		guard:        lease.NewGuard(deps.Leases, deps.Logger),
		syncsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geo_repository_syncs_total",
				Help: "Total number of repository sync attempts by result",
			},
			[]string{"replicable_name", "result"},
		),
		syncDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "geo_repository_sync_duration_seconds",
				Help:    "Duration of repository sync attempts",
				Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
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
	s.syncsTotal.Collect(collector)
	s.syncDuration.Collect(collector)
}

// Execute syncs the repository unless another sync of it is in flight, in
// which case it returns false. Transfer failures, including a failed
// redownload swap, are recorded on the registry and retried on its backoff;
// they are never returned.
func (s *Service) Execute(ctx context.Context, replicableName string, id int64) (bool, error) {
	def, ok := replicator.Lookup(replicableName)
	if !ok || def.Kind != replicator.KindRepository {
		return false, fmt.Errorf("%w: %q is not a repository", replicator.ErrUnknownReplicable, replicableName)
	}

	store, err := s.Registries.RegistryStore(replicableName)
	if err != nil {
		return false, err
	}

	a := &attempt{
		Service: s,
		def:     def,
		store:   store,
		id:      id,
		logger: s.Logger.WithFields(logrus.Fields{
			"replicable_name": replicableName,
			"model_record_id": id,
			"correlation_id":  correlation.ExtractFromContext(ctx),
		}),
	}

	executed, err := s.guard.Try(ctx, lease.Key("geo_sync_service", replicableName, id), lease.RepositorySyncTimeout, a.run)
	if err != nil {
		return executed, err
	}

	// the new job must not find this attempt's lease still held
	if a.reschedule {
		if err := s.Jobs.Enqueue(ctx, jobqueue.NewJob(jobqueue.ClassRepositorySync, jobqueue.Args{
			ReplicableName: replicableName,
			ModelRecordID:  id,
		})); err != nil {
			a.logger.WithError(err).Error("failed to reschedule sync, the backlog will pick it up")
		}
	}

	return executed, nil
}

// attempt is one sync of one repository.
type attempt struct {
	*Service
	def        replicator.Definition
	store      registry.Store
	id         int64
	logger     logrus.FieldLogger
	reschedule bool
}

func (a *attempt) run(ctx context.Context) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "reposync.Sync")
	span.SetTag("replicable_name", a.def.Name)
	span.SetTag("model_record_id", a.id)
	defer span.Finish()

	start := time.Now()
	defer func() {
		a.syncDuration.WithLabelValues(a.def.Name).Observe(time.Since(start).Seconds())
	}()

	// caches must never outlive the content they describe
	defer a.Caches.Expire(a.def.Name, a.id)

	reg, err := a.store.FindOrCreate(ctx, a.id)
	if err != nil {
		return fmt.Errorf("find registry: %w", err)
	}

	reg.Start(a.Now())
	if err := a.store.SaveSync(ctx, reg); err != nil {
		return fmt.Errorf("mark sync started: %w", err)
	}

	redownload := reg.ForceToRedownload || reg.RetryCount > RedownloadThreshold
	a.logger.WithFields(logrus.Fields{
		"redownload":  redownload,
		"retry_count": reg.RetryCount,
	}).Info("started repository sync")

	transferErr := a.transfer(ctx, redownload)

	var swapErr *safe.SwapError
	if errors.As(transferErr, &swapErr) {
		span.SetTag("error", true)
		a.logger.WithError(transferErr).WithField("stale_paths", swapErr.Stale).Error("failed to swap redownloaded repository")
		if err := a.fail(ctx, reg, "Error syncing repository", transferErr, false); err != nil {
			return fmt.Errorf("record swap failure: %w", err)
		}
		return nil
	}

	if transferErr != nil {
		span.SetTag("error", true)
	}

	return a.finish(ctx, reg, transferErr)
}

func (a *attempt) transfer(ctx context.Context, redownload bool) error {
	auth, err := a.Remote.AuthHeader(a.def.Name, a.id)
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}

	url := a.Remote.RepositoryURL(a.def.Name, a.id)
	if redownload {
		return a.redownload(ctx, url, auth)
	}

	return a.Transport.FetchMirror(ctx, a.repoPath(), url, auth)
}

func (a *attempt) repoPath() string {
	return replicator.RepositoryPath(a.RepositoriesPath, a.def.Name, a.id)
}

// redownload builds a fresh copy of the repository in a temporary location
// and swaps it in place of the current one.
func (a *attempt) redownload(ctx context.Context, url, auth string) error {
	tempPath := filepath.Join(a.RepositoriesPath, temporaryDir, a.def.Name, fmt.Sprintf("%d-%d.git", a.id, a.Now().UnixNano()))
	if err := os.MkdirAll(filepath.Dir(tempPath), 0o755); err != nil {
		return fmt.Errorf("create temporary directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tempPath); err != nil {
			a.logger.WithError(err).WithField("path", tempPath).Warn("failed to remove temporary repository")
		}
	}()

	if a.snapshot(ctx, tempPath, url, auth) {
		a.logger.Info("redownloaded repository from snapshot")
	} else {
		if err := os.RemoveAll(tempPath); err != nil {
			return fmt.Errorf("clean temporary repository: %w", err)
		}

		if err := a.Transport.Clone(ctx, tempPath, url, auth); err != nil {
			return err
		}
	}

	return safe.SwapDirectory(a.repoPath(), tempPath, a.Now())
}

// snapshot tries the fast path of a redownload. Snapshots do not carry the
// objects of an object pool so pool members always clone.
func (a *attempt) snapshot(ctx context.Context, tempPath, url, auth string) bool {
	if a.Pools != nil {
		member, err := a.Pools.IsPoolMember(ctx, a.def.Name, a.id)
		if err != nil {
			a.logger.WithError(err).Warn("failed to check object pool membership, skipping snapshot")
			return false
		}
		if member {
			return false
		}
	}

	if err := a.Transport.FetchSnapshot(ctx, tempPath, a.Remote.SnapshotURL(a.def.Name, a.id), auth); err != nil {
		a.logger.WithError(err).Warn("snapshot failed, falling back to clone")
		return false
	}

	// the snapshot may predate the latest pushes
	if err := a.Transport.FetchMirror(ctx, tempPath, url, auth); err != nil {
		a.logger.WithError(err).Warn("fetch after snapshot failed, falling back to clone")
		return false
	}

	return true
}

func (a *attempt) finish(ctx context.Context, reg *registry.Registry, transferErr error) error {
	if transferErr == nil {
		return a.synced(ctx, reg, false)
	}

	logger := a.logger.WithError(transferErr)

	switch transfer.KindOf(transferErr) {
	case transfer.NotFound:
		if existedOnPrimary(reg) {
			logger.Error("repository is not found, but it seems to exist on the primary")
			return a.fail(ctx, reg, "Repository is not found", transferErr, false)
		}

		logger.Info("repository is not found, marking it as successfully synced")
		return a.synced(ctx, reg, true)
	case transfer.Corrupt:
		logger.Error("invalid repository, setting force_to_redownload flag")
		return a.fail(ctx, reg, "Invalid repository", transferErr, true)
	default:
		logger.Warn("error syncing repository")
		return a.fail(ctx, reg, "Error syncing repository", transferErr, false)
	}
}

// existedOnPrimary reports whether the registry carries evidence that the
// repository used to exist on the primary. A successful verification is such
// evidence, unless it was of an empty repository.
func existedOnPrimary(reg *registry.Registry) bool {
	return reg.VerificationChecksum != "" && strings.Trim(reg.VerificationChecksum, "0") != ""
}

func (a *attempt) synced(ctx context.Context, reg *registry.Registry, missingOnPrimary bool) error {
	if err := reg.Synced(a.Now(), missingOnPrimary); err != nil {
		return err
	}

	applied, err := a.store.MarkSynced(ctx, reg)
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}

	if !applied {
		a.syncsTotal.WithLabelValues(a.def.Name, "rescheduled").Inc()
		a.logger.Info("repository was updated during the sync, rescheduling")
		return a.resetForResync(ctx)
	}

	a.syncsTotal.WithLabelValues(a.def.Name, "synced").Inc()
	a.logger.WithField("missing_on_primary", missingOnPrimary).Info("finished repository sync")

	if !missingOnPrimary && a.Housekeeping != nil {
		if err := a.Housekeeping.AfterSync(ctx, a.def.Name, a.id); err != nil {
			a.logger.WithError(err).Warn("failed to schedule housekeeping")
		}
	}

	return nil
}

func (a *attempt) resetForResync(ctx context.Context) error {
	current, err := a.store.Find(ctx, a.id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("reload registry: %w", err)
	}

	if current.State == registry.SyncStarted {
		current.Pending()
		if err := a.store.SaveSync(ctx, current); err != nil {
			return fmt.Errorf("reset registry: %w", err)
		}
	}

	a.reschedule = true
	return nil
}

func (a *attempt) fail(ctx context.Context, reg *registry.Registry, message string, cause error, forceToRedownload bool) error {
	if err := reg.Failed(fmt.Sprintf("%s: %v", message, cause), false, a.Policy, 0); err != nil {
		return err
	}
	if forceToRedownload {
		reg.ForceToRedownload = true
	}

	// an update that arrived during the transfer must not wait for the backoff
	if current, err := a.store.Find(ctx, a.id); err == nil && current.ResyncRequested {
		reg.ResyncRequested = true
		a.reschedule = true
	}

	if err := a.store.SaveSync(ctx, reg); err != nil {
		return fmt.Errorf("mark sync failed: %w", err)
	}

	a.syncsTotal.WithLabelValues(a.def.Name, "failed").Inc()

	return nil
}
