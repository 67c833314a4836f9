package verification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/geo/internal/geo/cache"
	"gitlab.com/gitlab-org/geo/internal/geo/delay"
	"gitlab.com/gitlab-org/geo/internal/geo/registry"
	"gitlab.com/gitlab-org/geo/internal/geo/replicator"
	"gitlab.com/gitlab-org/geo/internal/helper"
	"gitlab.com/gitlab-org/geo/internal/testhelper"
)

var now = time.Date(2022, 10, 10, 12, 0, 0, 0, time.UTC)

type fakeChecksummer struct {
	checksums map[int64]string
	err       error
	onCall    func(id int64)
}

func (c *fakeChecksummer) Checksum(_ context.Context, _ string, id int64) (string, error) {
	if c.onCall != nil {
		c.onCall(id)
	}
	if c.err != nil {
		return "", c.err
	}
	return c.checksums[id], nil
}

type fakePrimary map[int64]string

func (p fakePrimary) PrimaryChecksum(_ context.Context, _ string, id int64) (string, error) {
	checksum, ok := p[id]
	if !ok {
		return "", ErrPrimaryChecksumMissing
	}
	return checksum, nil
}

func createRegistry(t *testing.T, store registry.Store, id int64, synced bool) {
	t.Helper()

	ctx, cancel := testhelper.Context()
	defer cancel()

	reg, err := store.FindOrCreate(ctx, id)
	require.NoError(t, err)

	if synced {
		reg.Start(now)
		require.NoError(t, reg.Synced(now, false))
		require.NoError(t, store.Save(ctx, reg))
	}
}

func newWorker(t *testing.T, store registry.Store, checksummer Checksummer, primary PrimaryChecksums) *Worker {
	clock := helper.FixedClock(now)
	return NewWorker(replicator.Repository, store, checksummer, primary, delay.NewDeterministicPolicy(clock), clock, 10, testhelper.NewDiscardingLogEntry(t))
}

func TestWorker_PerformBatch_primary(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	store := registry.NewMemoryStore(helper.FixedClock(now))
	createRegistry(t, store, 1, false)
	createRegistry(t, store, 2, true)

	w := newWorker(t, store, &fakeChecksummer{checksums: map[int64]string{1: "abc", 2: "def"}}, nil)

	n, err := w.PerformBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	for id, checksum := range map[int64]string{1: "abc", 2: "def"} {
		reg, err := store.Find(ctx, id)
		require.NoError(t, err)
		require.Equal(t, registry.VerificationSucceeded, reg.VerificationState)
		require.Equal(t, checksum, reg.VerificationChecksum)
		require.Equal(t, now, *reg.VerifiedAt)
	}

	n, err = w.PerformBatch(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "succeeded registries are not claimed again")
}

func TestWorker_PerformBatch_secondary(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	t.Run("matching checksum", func(t *testing.T) {
		store := registry.NewMemoryStore(helper.FixedClock(now))
		createRegistry(t, store, 1, true)
		createRegistry(t, store, 2, false)

		w := newWorker(t, store, &fakeChecksummer{checksums: map[int64]string{1: "abc123", 2: "abc123"}}, fakePrimary{1: "abc123", 2: "abc123"})

		n, err := w.PerformBatch(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n, "only synced registries are verified on a secondary")

		reg, err := store.Find(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, registry.VerificationSucceeded, reg.VerificationState)
		require.Equal(t, "abc123", reg.VerificationChecksum)

		reg, err = store.Find(ctx, 2)
		require.NoError(t, err)
		require.Equal(t, registry.VerificationPending, reg.VerificationState)
	})

	t.Run("mismatch", func(t *testing.T) {
		store := registry.NewMemoryStore(helper.FixedClock(now))
		createRegistry(t, store, 1, true)

		w := newWorker(t, store, &fakeChecksummer{checksums: map[int64]string{1: "def"}}, fakePrimary{1: "abc"})

		_, err := w.PerformBatch(ctx)
		require.NoError(t, err)

		reg, err := store.Find(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, registry.VerificationFailed, reg.VerificationState)
		require.Equal(t, "Checksum mismatch", reg.VerificationFailure)
		require.Equal(t, "def", reg.VerificationChecksumMismatched)
		require.Empty(t, reg.VerificationChecksum)
		require.Equal(t, 1, reg.VerificationRetryCount)
		require.Equal(t, now.Add(30*time.Second), *reg.VerificationRetryAt)
	})

	t.Run("calculation error", func(t *testing.T) {
		store := registry.NewMemoryStore(helper.FixedClock(now))
		createRegistry(t, store, 1, true)

		w := newWorker(t, store, &fakeChecksummer{err: errors.New("disk on fire")}, fakePrimary{1: "abc"})

		_, err := w.PerformBatch(ctx)
		require.NoError(t, err)

		reg, err := store.Find(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, registry.VerificationFailed, reg.VerificationState)
		require.Equal(t, "Error calculating checksum: disk on fire", reg.VerificationFailure)
		require.Empty(t, reg.VerificationChecksumMismatched)
	})

	t.Run("primary not verified yet", func(t *testing.T) {
		store := registry.NewMemoryStore(helper.FixedClock(now))
		createRegistry(t, store, 1, true)

		w := newWorker(t, store, &fakeChecksummer{checksums: map[int64]string{1: "abc"}}, fakePrimary{})

		_, err := w.PerformBatch(ctx)
		require.NoError(t, err)

		reg, err := store.Find(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, registry.VerificationFailed, reg.VerificationState)
		require.Equal(t, "Error fetching primary checksum: primary checksum is not available", reg.VerificationFailure)
	})

	t.Run("failed verification is retried once due", func(t *testing.T) {
		store := registry.NewMemoryStore(helper.FixedClock(now))
		createRegistry(t, store, 1, true)

		checksummer := &fakeChecksummer{checksums: map[int64]string{1: "def"}}
		primary := fakePrimary{1: "abc"}

		_, err := newWorker(t, store, checksummer, primary).PerformBatch(ctx)
		require.NoError(t, err)

		n, err := newWorker(t, store, checksummer, primary).PerformBatch(ctx)
		require.NoError(t, err)
		require.Zero(t, n, "retry is not due yet")

		later := helper.FixedClock(now.Add(time.Minute))
		checksummer.checksums[1] = "abc"
		w := NewWorker(replicator.Repository, store, checksummer, primary, delay.NewDeterministicPolicy(later), later, 10, testhelper.NewDiscardingLogEntry(t))

		n, err = w.PerformBatch(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		reg, err := store.Find(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, registry.VerificationSucceeded, reg.VerificationState)
		require.Empty(t, reg.VerificationFailure)
		require.Empty(t, reg.VerificationChecksumMismatched)
		require.Zero(t, reg.VerificationRetryCount)
	})
}

func TestWorker_PerformBatch_staleness(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	t.Run("synced during checksum", func(t *testing.T) {
		store := registry.NewMemoryStore(helper.FixedClock(now))
		createRegistry(t, store, 1, true)

		checksummer := &fakeChecksummer{checksums: map[int64]string{1: "abc"}}
		checksummer.onCall = func(id int64) {
			reg, err := store.Find(ctx, id)
			require.NoError(t, err)
			reg.Start(now)
			require.NoError(t, reg.Synced(now, false))
			require.NoError(t, store.Save(ctx, reg))
		}

		_, err := newWorker(t, store, checksummer, fakePrimary{1: "abc"}).PerformBatch(ctx)
		require.NoError(t, err)

		reg, err := store.Find(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, registry.VerificationPending, reg.VerificationState)
		require.Empty(t, reg.VerificationChecksum)
	})

	t.Run("restarted by another worker", func(t *testing.T) {
		store := registry.NewMemoryStore(helper.FixedClock(now))
		createRegistry(t, store, 1, true)

		checksummer := &fakeChecksummer{checksums: map[int64]string{1: "abc"}}
		checksummer.onCall = func(id int64) {
			reg, err := store.Find(ctx, id)
			require.NoError(t, err)
			reg.VerificationStart(now.Add(time.Second))
			require.NoError(t, store.SaveVerification(ctx, reg))
		}

		_, err := newWorker(t, store, checksummer, fakePrimary{1: "abc"}).PerformBatch(ctx)
		require.NoError(t, err)

		reg, err := store.Find(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, registry.VerificationPending, reg.VerificationState)
		require.Nil(t, reg.VerificationStartedAt)
	})
}

func TestWorker_roundTrip(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	root := t.TempDir()
	testhelper.WriteFile(t, replicator.BlobPath(root, replicator.Upload, 1), []byte("content"))

	store := registry.NewMemoryStore(helper.FixedClock(now))
	createRegistry(t, store, 1, true)

	checksummer := NewFileChecksummer(root)
	first, err := checksummer.Checksum(ctx, replicator.Upload, 1)
	require.NoError(t, err)

	clock := helper.FixedClock(now)
	w := NewWorker(replicator.Upload, store, checksummer, fakePrimary{1: first}, delay.NewDeterministicPolicy(clock), clock, 10, testhelper.NewDiscardingLogEntry(t))

	_, err = w.PerformBatch(ctx)
	require.NoError(t, err)

	reg, err := store.Find(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, registry.VerificationSucceeded, reg.VerificationState)

	reg.VerificationPending()
	require.NoError(t, store.SaveVerification(ctx, reg))

	_, err = w.PerformBatch(ctx)
	require.NoError(t, err)

	reg, err = store.Find(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, registry.VerificationSucceeded, reg.VerificationState)
	require.Equal(t, first, reg.VerificationChecksum)
}

func TestWorker_cachedPrimaryChecksumAfterResync(t *testing.T) {
	for _, tc := range []struct {
		desc   string
		expire bool
	}{
		{desc: "cache expired by the sync", expire: true},
		{desc: "stale cache entry", expire: false},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			ctx, cancel := testhelper.Context()
			defer cancel()

			c, err := cache.New(10)
			require.NoError(t, err)

			store := registry.NewMemoryStore(helper.FixedClock(now))
			createRegistry(t, store, 1, true)

			source := fakePrimary{1: "abc"}
			checksummer := &fakeChecksummer{checksums: map[int64]string{1: "abc"}}
			w := newWorker(t, store, checksummer, NewCachedPrimaryChecksums(source, c))

			_, err = w.PerformBatch(ctx)
			require.NoError(t, err)

			reg, err := store.Find(ctx, 1)
			require.NoError(t, err)
			require.Equal(t, registry.VerificationSucceeded, reg.VerificationState)
			require.Equal(t, "abc", reg.VerificationChecksum)

			source[1] = "def"
			checksummer.checksums[1] = "def"

			reg.Start(now)
			require.NoError(t, reg.Synced(now, false))
			require.NoError(t, store.Save(ctx, reg))
			if tc.expire {
				c.Expire(replicator.Repository, 1)
			}

			n, err := w.PerformBatch(ctx)
			require.NoError(t, err)
			require.Equal(t, 1, n)

			reg, err = store.Find(ctx, 1)
			require.NoError(t, err)
			require.Equal(t, registry.VerificationSucceeded, reg.VerificationState, reg.VerificationFailure)
			require.Equal(t, "def", reg.VerificationChecksum)
			require.Empty(t, reg.VerificationChecksumMismatched)
		})
	}
}

func TestSweeper_Sweep(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	store := registry.NewMemoryStore(helper.FixedClock(now))
	stores := storeMap{replicator.Repository: store}

	for id, startedAt := range map[int64]time.Time{
		1: now.Add(-9 * time.Hour),
		2: now.Add(-7 * time.Hour),
	} {
		createRegistry(t, store, id, true)
		reg, err := store.Find(ctx, id)
		require.NoError(t, err)
		reg.VerificationStart(startedAt)
		require.NoError(t, store.SaveVerification(ctx, reg))
	}

	for id, verifiedAt := range map[int64]time.Time{
		3: now.Add(-8 * 24 * time.Hour),
		4: now.Add(-24 * time.Hour),
	} {
		createRegistry(t, store, id, true)
		reg, err := store.Find(ctx, id)
		require.NoError(t, err)
		reg.VerificationStart(verifiedAt)
		require.NoError(t, reg.VerificationSucceeded("abc", verifiedAt))
		require.NoError(t, store.SaveVerification(ctx, reg))
	}

	clock := helper.FixedClock(now)
	sweeper := NewSweeper(stores, SweeperConfig{
		ReplicableNames:        []string{replicator.Repository},
		ReverificationInterval: 7 * 24 * time.Hour,
		BatchSize:              100,
	}, delay.NewDeterministicPolicy(clock), clock, testhelper.NewDiscardingLogEntry(t))

	require.NoError(t, sweeper.Sweep(ctx))

	expected := map[int64]registry.VerificationState{
		1: registry.VerificationFailed,
		2: registry.VerificationStarted,
		3: registry.VerificationPending,
		4: registry.VerificationSucceeded,
	}
	for id, state := range expected {
		reg, err := store.Find(ctx, id)
		require.NoError(t, err)
		require.Equal(t, state, reg.VerificationState, "registry %d", id)
	}

	reg, err := store.Find(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "Verification timed out after 8h0m0s", reg.VerificationFailure)
	require.Empty(t, reg.VerificationChecksum)

	t.Run("unknown replicable", func(t *testing.T) {
		sweeper := NewSweeper(stores, SweeperConfig{ReplicableNames: []string{"unknown"}}, nil, clock, testhelper.NewDiscardingLogEntry(t))
		require.Error(t, sweeper.Sweep(ctx))
	})
}

type storeMap map[string]registry.Store

func (s storeMap) RegistryStore(name string) (registry.Store, error) {
	store, ok := s[name]
	if !ok {
		return nil, replicator.ErrUnknownReplicable
	}
	return store, nil
}
