package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/geo/internal/testhelper"
)

func TestMemoryStore(t *testing.T) {
	testStore(t, func(t *testing.T) Store {
		return NewMemoryStore(func() time.Time { return testNow })
	})
}

// testStore runs the behaviour every Store implementation must provide.
func testStore(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("find or create", func(t *testing.T) {
		ctx, cancel := testhelper.Context()
		defer cancel()
		s := newStore(t)

		_, err := s.Find(ctx, 1)
		require.Equal(t, ErrNotFound, err)

		created, err := s.FindOrCreate(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, int64(1), created.ModelRecordID)
		require.Equal(t, SyncPending, created.State)
		require.Equal(t, VerificationPending, created.VerificationState)

		found, err := s.FindOrCreate(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, created.ID, found.ID)

		require.NoError(t, s.Delete(ctx, 1))
		require.NoError(t, s.Delete(ctx, 1))
		_, err = s.Find(ctx, 1)
		require.Equal(t, ErrNotFound, err)
	})

	t.Run("bulk create and existing ids", func(t *testing.T) {
		ctx, cancel := testhelper.Context()
		defer cancel()
		s := newStore(t)

		_, err := s.FindOrCreate(ctx, 3)
		require.NoError(t, err)

		n, err := s.BulkCreate(ctx, []int64{1, 2, 3, 7})
		require.NoError(t, err)
		require.Equal(t, 3, n)

		n, err = s.BulkCreate(ctx, nil)
		require.NoError(t, err)
		require.Zero(t, n)

		ids, err := s.ExistingIDs(ctx, 2, 6)
		require.NoError(t, err)
		require.Equal(t, []int64{2, 3}, ids)
	})

	t.Run("save round trip", func(t *testing.T) {
		ctx, cancel := testhelper.Context()
		defer cancel()
		s := newStore(t)

		r, err := s.FindOrCreate(ctx, 1)
		require.NoError(t, err)

		r.Start(testNow)
		require.NoError(t, r.Failed("network unreachable", false, testPolicy(), 0))
		r.ForceToRedownload = true
		r.VerificationStart(testNow)
		require.NoError(t, r.VerificationFailed("Checksum mismatch", "def", testPolicy(), testNow))
		require.NoError(t, s.Save(ctx, r))

		found, err := s.Find(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, SyncFailed, found.State)
		require.Equal(t, 1, found.RetryCount)
		require.True(t, found.RetryAt.Equal(*r.RetryAt))
		require.Equal(t, "network unreachable", found.LastSyncFailure)
		require.True(t, found.ForceToRedownload)
		require.Equal(t, VerificationFailed, found.VerificationState)
		require.Equal(t, "def", found.VerificationChecksumMismatched)
		require.Empty(t, found.VerificationChecksum)

		require.Equal(t, ErrNotFound, s.Save(ctx, New(404, testNow)))

		invalid := found.Clone()
		invalid.VerificationState = VerificationSucceeded
		require.Equal(t, ErrChecksumRequired, s.Save(ctx, invalid))
	})

	t.Run("save verification keeps sync fields", func(t *testing.T) {
		ctx, cancel := testhelper.Context()
		defer cancel()
		s := newStore(t)

		r, err := s.FindOrCreate(ctx, 1)
		require.NoError(t, err)
		stale := r.Clone()

		r.Start(testNow)
		require.NoError(t, s.Save(ctx, r))

		stale.VerificationStart(testNow)
		require.NoError(t, stale.VerificationSucceeded("abc", testNow))
		require.NoError(t, s.SaveVerification(ctx, stale))

		found, err := s.Find(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, SyncStarted, found.State)
		require.Equal(t, VerificationSucceeded, found.VerificationState)
		require.Equal(t, "abc", found.VerificationChecksum)
	})

	t.Run("save sync keeps verification fields", func(t *testing.T) {
		ctx, cancel := testhelper.Context()
		defer cancel()
		s := newStore(t)

		syncing, err := s.FindOrCreate(ctx, 1)
		require.NoError(t, err)
		syncing.Start(testNow)
		require.NoError(t, s.SaveSync(ctx, syncing))

		verifying, err := s.Find(ctx, 1)
		require.NoError(t, err)
		verifying.VerificationStart(testNow)
		require.NoError(t, verifying.VerificationSucceeded("abc", testNow))
		require.NoError(t, s.SaveVerification(ctx, verifying))

		require.NoError(t, syncing.Failed("Error syncing repository: boom", false, testPolicy(), 0))
		require.NoError(t, s.SaveSync(ctx, syncing))

		found, err := s.Find(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, SyncFailed, found.State)
		require.Equal(t, 1, found.RetryCount)
		require.NotNil(t, found.RetryAt)
		require.Equal(t, "Error syncing repository: boom", found.LastSyncFailure)
		require.Equal(t, VerificationSucceeded, found.VerificationState)
		require.Equal(t, "abc", found.VerificationChecksum)
		require.NotNil(t, found.VerifiedAt)

		require.Equal(t, ErrNotFound, s.SaveSync(ctx, &Registry{ModelRecordID: 2}))
	})

	t.Run("resync during sync prevents mark synced", func(t *testing.T) {
		ctx, cancel := testhelper.Context()
		defer cancel()
		s := newStore(t)

		r, err := s.RequestResync(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, SyncPending, r.State)

		r.Start(testNow)
		require.NoError(t, s.Save(ctx, r))

		flagged, err := s.RequestResync(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, SyncStarted, flagged.State)
		require.True(t, flagged.ResyncRequested)

		require.NoError(t, r.Synced(testNow, false))
		applied, err := s.MarkSynced(ctx, r)
		require.NoError(t, err)
		require.False(t, applied)

		found, err := s.Find(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, SyncStarted, found.State)

		found.Start(testNow)
		require.NoError(t, s.Save(ctx, found))
		require.NoError(t, found.Synced(testNow, false))
		applied, err = s.MarkSynced(ctx, found)
		require.NoError(t, err)
		require.True(t, applied)

		again, err := s.RequestResync(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, SyncPending, again.State)
		require.False(t, again.ResyncRequested)
	})

	t.Run("sync backlog", func(t *testing.T) {
		ctx, cancel := testhelper.Context()
		defer cancel()
		s := newStore(t)

		_, err := s.BulkCreate(ctx, []int64{1, 2, 3, 4, 5, 6, 7})
		require.NoError(t, err)

		markFailed := func(id int64, retryAt time.Time) {
			r, err := s.Find(ctx, id)
			require.NoError(t, err)
			r.Start(testNow)
			require.NoError(t, r.Failed("boom", false, testPolicy(), 0))
			r.RetryAt = &retryAt
			require.NoError(t, s.Save(ctx, r))
		}
		markFailed(1, testNow.Add(-time.Minute))
		markFailed(2, testNow.Add(time.Hour))

		synced, err := s.Find(ctx, 3)
		require.NoError(t, err)
		synced.Start(testNow)
		require.NoError(t, synced.Synced(testNow, false))
		require.NoError(t, s.Save(ctx, synced))

		markMissing := func(id int64, retryAt time.Time) {
			r, err := s.Find(ctx, id)
			require.NoError(t, err)
			r.Start(testNow)
			require.NoError(t, r.SyncedMissingOnPrimary(testNow, testPolicy()))
			r.RetryAt = &retryAt
			require.NoError(t, s.Save(ctx, r))
		}
		markMissing(6, testNow.Add(-2*time.Minute))
		markMissing(7, testNow.Add(time.Hour))

		ids, err := s.SyncBacklog(ctx, 10, testNow)
		require.NoError(t, err)
		require.Equal(t, []int64{4, 5, 6, 1}, ids)

		ids, err = s.SyncBacklog(ctx, 1, testNow)
		require.NoError(t, err)
		require.Equal(t, []int64{4}, ids)
	})

	t.Run("stale syncs", func(t *testing.T) {
		ctx, cancel := testhelper.Context()
		defer cancel()
		s := newStore(t)

		for id, startedAt := range map[int64]time.Time{
			1: testNow.Add(-9 * time.Hour),
			2: testNow.Add(-time.Hour),
		} {
			r, err := s.FindOrCreate(ctx, id)
			require.NoError(t, err)
			r.Start(startedAt)
			require.NoError(t, s.Save(ctx, r))
		}

		stale, err := s.StaleSyncs(ctx, testNow.Add(-8*time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		require.Equal(t, int64(1), stale[0].ModelRecordID)
	})

	t.Run("claim verification batch", func(t *testing.T) {
		ctx, cancel := testhelper.Context()
		defer cancel()
		s := newStore(t)

		_, err := s.BulkCreate(ctx, []int64{1, 2, 3, 4})
		require.NoError(t, err)

		// 4 is not synced yet
		for _, id := range []int64{1, 2, 3} {
			r, err := s.Find(ctx, id)
			require.NoError(t, err)
			r.Start(testNow)
			require.NoError(t, r.Synced(testNow, false))
			require.NoError(t, s.Save(ctx, r))
		}

		failed, err := s.Find(ctx, 3)
		require.NoError(t, err)
		failed.VerificationStart(testNow)
		require.NoError(t, failed.VerificationFailed("boom", "", testPolicy(), testNow))
		retryAt := testNow.Add(time.Hour)
		failed.VerificationRetryAt = &retryAt
		require.NoError(t, s.SaveVerification(ctx, failed))

		claimed, err := s.ClaimVerificationBatch(ctx, ClaimOptions{Limit: 10, Now: testNow, SyncedOnly: true})
		require.NoError(t, err)
		require.ElementsMatch(t, []int64{1, 2}, modelRecordIDs(claimed))
		for _, r := range claimed {
			require.Equal(t, VerificationStarted, r.VerificationState)
			require.True(t, r.VerificationStartedAt.Equal(testNow))
		}

		claimed, err = s.ClaimVerificationBatch(ctx, ClaimOptions{Limit: 10, Now: testNow, SyncedOnly: true})
		require.NoError(t, err)
		require.Empty(t, claimed, "started and not yet due registries must not be claimed")

		claimed, err = s.ClaimVerificationBatch(ctx, ClaimOptions{Limit: 10, Now: testNow.Add(2 * time.Hour), SyncedOnly: true})
		require.NoError(t, err)
		require.Equal(t, []int64{3}, modelRecordIDs(claimed))

		claimed, err = s.ClaimVerificationBatch(ctx, ClaimOptions{Limit: 10, Now: testNow})
		require.NoError(t, err)
		require.Equal(t, []int64{4}, modelRecordIDs(claimed))
	})

	t.Run("concurrent claims are disjoint", func(t *testing.T) {
		ctx, cancel := testhelper.Context()
		defer cancel()
		s := newStore(t)

		var ids []int64
		for id := int64(1); id <= 50; id++ {
			ids = append(ids, id)
		}
		_, err := s.BulkCreate(ctx, ids)
		require.NoError(t, err)

		const workers = 5
		results := make([][]int64, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				for {
					claimed, err := s.ClaimVerificationBatch(ctx, ClaimOptions{Limit: 3, Now: testNow})
					if err != nil || len(claimed) == 0 {
						return
					}
					results[i] = append(results[i], modelRecordIDs(claimed)...)
				}
			}(i)
		}
		wg.Wait()

		seen := make(map[int64]int)
		for _, claimed := range results {
			for _, id := range claimed {
				seen[id]++
			}
		}
		require.Len(t, seen, len(ids))
		for id, n := range seen {
			require.Equal(t, 1, n, "registry %d claimed %d times", id, n)
		}
	})

	t.Run("stale verifications and reverification", func(t *testing.T) {
		ctx, cancel := testhelper.Context()
		defer cancel()
		s := newStore(t)

		_, err := s.BulkCreate(ctx, []int64{1, 2, 3})
		require.NoError(t, err)

		stuck, err := s.Find(ctx, 1)
		require.NoError(t, err)
		stuck.VerificationStart(testNow.Add(-9 * time.Hour))
		require.NoError(t, s.SaveVerification(ctx, stuck))

		for id, verifiedAt := range map[int64]time.Time{
			2: testNow.Add(-8 * 24 * time.Hour),
			3: testNow.Add(-time.Hour),
		} {
			r, err := s.Find(ctx, id)
			require.NoError(t, err)
			r.VerificationStart(verifiedAt)
			require.NoError(t, r.VerificationSucceeded("abc", verifiedAt))
			require.NoError(t, s.SaveVerification(ctx, r))
		}

		stale, err := s.StaleVerifications(ctx, testNow.Add(-8*time.Hour), 10)
		require.NoError(t, err)
		require.Equal(t, []int64{1}, modelRecordIDs(stale))

		n, err := s.ReverifySucceededBefore(ctx, testNow.Add(-7*24*time.Hour), 10)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		reset, err := s.Find(ctx, 2)
		require.NoError(t, err)
		require.Equal(t, VerificationPending, reset.VerificationState)
		require.Equal(t, "abc", reset.VerificationChecksum)

		kept, err := s.Find(ctx, 3)
		require.NoError(t, err)
		require.Equal(t, VerificationSucceeded, kept.VerificationState)
	})

	t.Run("counts", func(t *testing.T) {
		ctx, cancel := testhelper.Context()
		defer cancel()
		s := newStore(t)

		_, err := s.BulkCreate(ctx, []int64{1, 2, 3, 4})
		require.NoError(t, err)

		update := func(id int64, fn func(r *Registry)) {
			r, err := s.Find(ctx, id)
			require.NoError(t, err)
			fn(r)
			require.NoError(t, s.Save(ctx, r))
		}
		update(1, func(r *Registry) {
			r.Start(testNow)
			require.NoError(t, r.Synced(testNow, false))
			r.VerificationStart(testNow)
			require.NoError(t, r.VerificationSucceeded("abc", testNow))
		})
		update(2, func(r *Registry) {
			r.Start(testNow)
			require.NoError(t, r.Synced(testNow, true))
			r.VerificationStart(testNow)
			require.NoError(t, r.VerificationFailed("boom", "", testPolicy(), testNow))
		})
		update(3, func(r *Registry) {
			r.Start(testNow)
			require.NoError(t, r.Failed("boom", false, testPolicy(), 0))
		})

		counts, err := s.Counts(ctx)
		require.NoError(t, err)
		require.Equal(t, Counts{
			Registry:           4,
			Pending:            1,
			Synced:             2,
			Failed:             1,
			MissingOnPrimary:   1,
			Verified:           1,
			VerificationFailed: 1,
		}, counts)
	})
}

func modelRecordIDs(registries []*Registry) []int64 {
	ids := make([]int64, 0, len(registries))
	for _, r := range registries {
		ids = append(ids, r.ModelRecordID)
	}
	return ids
}
