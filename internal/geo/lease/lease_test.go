package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/geo/internal/testhelper"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestKey(t *testing.T) {
	require.Equal(t, "geo_sync:repository:42", Key("geo_sync", "repository", 42))
	require.NotEqual(t, Key("geo_sync", "wiki", 42), Key("geo_sync", "repository", 42))
}

func TestMemoryStore(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	now := time.Date(2022, 10, 10, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore(func() time.Time { return now })

	token, err := store.TryObtain(ctx, "key", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	held, err := store.TryObtain(ctx, "key", time.Hour)
	require.NoError(t, err)
	require.Empty(t, held, "lease must not be granted twice")

	other, err := store.TryObtain(ctx, "other", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, other, "different keys are independent")

	require.NoError(t, store.Cancel(ctx, "key", "not-the-token"))
	held, err = store.TryObtain(ctx, "key", time.Hour)
	require.NoError(t, err)
	require.Empty(t, held, "cancel with a stale token must not release the lease")

	now = now.Add(time.Hour)
	expired, err := store.TryObtain(ctx, "key", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, expired, "expired lease must be obtainable")
	require.NotEqual(t, token, expired)

	require.NoError(t, store.Cancel(ctx, "key", expired))
	again, err := store.TryObtain(ctx, "key", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, again)
}

func TestGuard_Try(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	t.Run("runs and releases", func(t *testing.T) {
		store := NewMemoryStore(nil)
		guard := NewGuard(store, testhelper.NewDiscardingLogEntry(t))

		var ran bool
		executed, err := guard.Try(ctx, "key", time.Hour, func(context.Context) error {
			ran = true
			return nil
		})
		require.NoError(t, err)
		require.True(t, executed)
		require.True(t, ran)

		token, err := store.TryObtain(ctx, "key", time.Hour)
		require.NoError(t, err)
		require.NotEmpty(t, token, "lease must be released after the block")
	})

	t.Run("passes block error through", func(t *testing.T) {
		guard := NewGuard(NewMemoryStore(nil), testhelper.NewDiscardingLogEntry(t))

		errBlock := errors.New("block failed")
		executed, err := guard.Try(ctx, "key", time.Hour, func(context.Context) error { return errBlock })
		require.True(t, executed)
		require.Equal(t, errBlock, err)
	})

	t.Run("skips when held", func(t *testing.T) {
		store := NewMemoryStore(nil)
		_, err := store.TryObtain(ctx, "key", time.Hour)
		require.NoError(t, err)

		guard := NewGuard(store, testhelper.NewDiscardingLogEntry(t))
		executed, err := guard.Try(ctx, "key", time.Hour, func(context.Context) error {
			require.FailNow(t, "block must not run")
			return nil
		})
		require.NoError(t, err)
		require.False(t, executed)
	})

	t.Run("keeps lease", func(t *testing.T) {
		store := NewMemoryStore(nil)
		guard := NewGuard(store, testhelper.NewDiscardingLogEntry(t), WithoutRelease())

		executed, err := guard.Try(ctx, "key", time.Hour, func(context.Context) error { return nil })
		require.NoError(t, err)
		require.True(t, executed)

		executed, err = guard.Try(ctx, "key", time.Hour, func(context.Context) error { return nil })
		require.NoError(t, err)
		require.False(t, executed)
	})

	t.Run("store error", func(t *testing.T) {
		guard := NewGuard(failingStore{}, testhelper.NewDiscardingLogEntry(t))
		executed, err := guard.Try(ctx, "key", time.Hour, func(context.Context) error { return nil })
		require.EqualError(t, err, "obtain lease: store unavailable")
		require.False(t, executed)
	})
}

func TestGuard_atMostOneWriter(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	guard := NewGuard(NewMemoryStore(nil), testhelper.NewDiscardingLogEntry(t))

	const workers = 8
	release := make(chan struct{})
	entered := make(chan struct{}, workers)

	var wg sync.WaitGroup
	results := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			executed, err := guard.Try(ctx, Key("geo_sync", "repository", 1), RepositorySyncTimeout, func(context.Context) error {
				entered <- struct{}{}
				<-release
				return nil
			})
			assert.NoError(t, err)
			results <- executed
		}()
	}

	<-entered
	// every other worker observes the held lease and returns without blocking
	for i := 0; i < workers-1; i++ {
		require.False(t, <-results)
	}
	close(release)
	wg.Wait()
	require.True(t, <-results)
	require.Len(t, entered, 0)
}

type failingStore struct{}

func (failingStore) TryObtain(context.Context, string, time.Duration) (string, error) {
	return "", errors.New("store unavailable")
}

func (failingStore) Cancel(context.Context, string, string) error { return nil }
