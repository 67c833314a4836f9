package jobqueue

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/geo/internal/testhelper"
)

func setupTestNATS(t *testing.T) string {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	})
	require.NoError(t, err)

	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second), "nats server not ready")

	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	return ns.ClientURL()
}

func TestNATSQueue(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	url := setupTestNATS(t)

	q, err := NewNATSQueue(testhelper.NewDiscardingLogEntry(t), url, NATSConfig{HandlerTimeout: time.Minute})
	require.NoError(t, err)
	defer testhelper.MustClose(t, q)

	first := NewJob(ClassRepositorySync, Args{ReplicableName: "repository", ModelRecordID: 1})
	second := NewJob(ClassRepositorySync, Args{ReplicableName: "wiki", ModelRecordID: 2})
	require.NoError(t, q.Enqueue(ctx, first))
	require.NoError(t, q.Enqueue(ctx, second))

	jobs := collect(t, q, ClassRepositorySync, 2)
	require.Equal(t, first.ID, jobs[0].ID)
	require.Equal(t, second.Args, jobs[1].Args)

	require.Error(t, q.Subscribe(ClassRepositorySync, func(context.Context, Job) error { return nil }))
}

func TestNATSQueue_redeliversFailedJobs(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	q, err := NewNATSQueue(testhelper.NewDiscardingLogEntry(t), setupTestNATS(t), NATSConfig{HandlerTimeout: time.Minute})
	require.NoError(t, err)
	defer testhelper.MustClose(t, q)

	attempts := make(chan struct{}, 2)
	require.NoError(t, q.Subscribe(ClassBlobDownload, func(context.Context, Job) error {
		attempts <- struct{}{}
		if len(attempts) == 1 {
			return context.DeadlineExceeded
		}
		return nil
	}))
	require.NoError(t, q.Enqueue(ctx, NewJob(ClassBlobDownload, Args{ReplicableName: "upload", ModelRecordID: 1})))

	require.Eventually(t, func() bool { return len(attempts) == 2 }, 10*time.Second, 10*time.Millisecond)
}

func TestSanitizeName(t *testing.T) {
	require.Equal(t, "geo_jobs_geo_repository_sync", sanitizeName("geo.jobs.geo_repository_sync"))
	require.Equal(t, "a-b_c", sanitizeName("a-b*c"))
}
