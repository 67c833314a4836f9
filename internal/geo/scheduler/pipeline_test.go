package scheduler

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/geo/internal/geo/consistency"
	"gitlab.com/gitlab-org/geo/internal/geo/delay"
	"gitlab.com/gitlab-org/geo/internal/geo/jobqueue"
	"gitlab.com/gitlab-org/geo/internal/geo/lease"
	"gitlab.com/gitlab-org/geo/internal/geo/registry"
	"gitlab.com/gitlab-org/geo/internal/geo/replicator"
	"gitlab.com/gitlab-org/geo/internal/geo/reposync"
	"gitlab.com/gitlab-org/geo/internal/geo/verification"
	"gitlab.com/gitlab-org/geo/internal/helper"
	"gitlab.com/gitlab-org/geo/internal/testhelper"
)

type mirrorTransport struct{}

func (mirrorTransport) FetchMirror(_ context.Context, repoPath, _, _ string) error {
	return os.MkdirAll(repoPath, 0o755)
}

func (t mirrorTransport) FetchSnapshot(ctx context.Context, targetPath, url, auth string) error {
	return t.FetchMirror(ctx, targetPath, url, auth)
}

func (t mirrorTransport) Clone(ctx context.Context, targetPath, url, auth string) error {
	return t.FetchMirror(ctx, targetPath, url, auth)
}

type primaryRemote struct{}

func (primaryRemote) RepositoryURL(name string, id int64) string { return "https://primary/" + name }
func (primaryRemote) SnapshotURL(name string, id int64) string   { return "https://primary/snapshot/" + name }
func (primaryRemote) AuthHeader(string, int64) (string, error)   { return "GL-Geo secondary:token", nil }

type noopCaches struct{}

func (noopCaches) Expire(string, int64) {}

type staticChecksum string

func (c staticChecksum) Checksum(context.Context, string, int64) (string, error) {
	return string(c), nil
}

func (c staticChecksum) PrimaryChecksum(context.Context, string, int64) (string, error) {
	return string(c), nil
}

func TestPipeline_newRepositoryIsSyncedAndVerified(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	logger := testhelper.NewDiscardingLogEntry(t)
	clock := helper.SystemClock
	policy := delay.NewDeterministicPolicy(clock)
	leases := lease.NewMemoryStore(clock)
	store := registry.NewMemoryStore(clock)
	stores := storeMap{replicator.Repository: store}
	reposPath := t.TempDir()

	queue := jobqueue.NewMemoryQueue(logger, time.Minute)
	defer testhelper.MustClose(t, queue)

	dispatcher := NewDispatcher(Handlers{
		RepositorySync: reposync.NewService(reposync.Dependencies{
			Registries:       stores,
			Leases:           leases,
			Transport:        mirrorTransport{},
			Remote:           primaryRemote{},
			Caches:           noopCaches{},
			Jobs:             queue,
			Policy:           policy,
			Now:              clock,
			RepositoriesPath: reposPath,
			Logger:           logger,
		}),
	}, 2, logger)
	require.NoError(t, dispatcher.Subscribe(queue))

	// the primary creates project 1
	model := consistency.NewMemorySource(1)
	consistencyService := consistency.NewService(replicator.Repository, model, consistency.NewStoreSource(store), store, consistency.NewMemoryCursors(), queue, 100, logger)

	changed, err := consistencyService.Execute(ctx)
	require.NoError(t, err)
	require.True(t, changed)

	reg, err := store.Find(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, registry.SyncPending, reg.State)

	backlog := NewBacklog(stores, []string{replicator.Repository}, queue, leases, 10, time.Minute, clock, logger)
	_, err = backlog.Schedule(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		reg, err := store.Find(ctx, 1)
		require.NoError(t, err)
		return reg.State == registry.SyncSynced
	}, 10*time.Second, 10*time.Millisecond)

	reg, err = store.Find(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 0, reg.RetryCount)
	require.NotNil(t, reg.LastSyncedAt)
	require.DirExists(t, replicator.RepositoryPath(reposPath, replicator.Repository, 1))

	worker := verification.NewWorker(replicator.Repository, store, staticChecksum("abc123"), staticChecksum("abc123"), policy, clock, 10, logger)
	n, err := worker.PerformBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	reg, err = store.Find(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, registry.VerificationSucceeded, reg.VerificationState)
	require.Equal(t, "abc123", reg.VerificationChecksum)
}
