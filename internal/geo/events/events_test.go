package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/geo/internal/helper"
	"gitlab.com/gitlab-org/geo/internal/testhelper"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testNow = time.Date(2022, 10, 10, 12, 0, 0, 0, time.UTC)

func TestMemoryStore(t *testing.T) {
	testStore(t, func(t *testing.T) (Store, PositionStore) {
		s := NewMemoryStore(helper.FixedClock(testNow))
		return s, s
	})
}

func testStore(t *testing.T, newStore func(t *testing.T) (Store, PositionStore)) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	store, positions := newStore(t)

	first, err := store.Append(ctx, Event{ReplicableName: "repository", ModelRecordID: 1, EventName: Updated, Payload: Payload{"ref": "refs/heads/main"}})
	require.NoError(t, err)
	require.NotZero(t, first.ID)

	second, err := store.Append(ctx, Event{ReplicableName: "upload", ModelRecordID: 7, EventName: Deleted})
	require.NoError(t, err)
	require.Greater(t, second.ID, first.ID)

	entries, err := store.EntriesAfter(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "repository", entries[0].Event.ReplicableName)
	require.Equal(t, "refs/heads/main", entries[0].Event.Payload["ref"])
	require.Equal(t, Deleted, entries[1].Event.EventName)
	require.Equal(t, int64(7), entries[1].Event.ModelRecordID)
	require.Less(t, entries[0].ID, entries[1].ID)

	entries, err = store.EntriesAfter(ctx, entries[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, second.ID, entries[0].Event.ID)

	entries, err = store.EntriesAfter(ctx, 0, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	all, err := store.EntriesAfter(ctx, 0, 10)
	require.NoError(t, err)
	byID, err := store.Entries(ctx, []int64{all[1].ID + 1000, all[1].ID})
	require.NoError(t, err)
	require.Len(t, byID, 1)
	require.Equal(t, second.ID, byID[0].Event.ID)
	require.Equal(t, Deleted, byID[0].Event.EventName)

	byID, err = store.Entries(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, byID)

	pos, err := positions.Load(ctx, "secondary")
	require.NoError(t, err)
	require.Zero(t, pos)

	require.NoError(t, positions.Save(ctx, "secondary", 2))
	pos, err = positions.Load(ctx, "secondary")
	require.NoError(t, err)
	require.Equal(t, int64(2), pos)
}

func TestCursor_ProcessBatch(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	store := NewMemoryStore(helper.FixedClock(testNow))
	for id := int64(1); id <= 5; id++ {
		_, err := store.Append(ctx, Event{ReplicableName: "repository", ModelRecordID: id, EventName: Updated})
		require.NoError(t, err)
	}

	var seen []int64
	errHandler := errors.New("queue unavailable")
	failOn := int64(4)
	cursor := NewCursor(testhelper.NewDiscardingLogEntry(t), "secondary", store, store, func(_ context.Context, e Event) error {
		if e.ModelRecordID == failOn {
			return errHandler
		}
		seen = append(seen, e.ModelRecordID)
		return nil
	}, 2)

	n, err := cursor.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = cursor.ProcessBatch(ctx)
	require.ErrorIs(t, err, errHandler)
	require.Equal(t, 1, n)

	pos, err := store.Load(ctx, "secondary")
	require.NoError(t, err)
	require.Equal(t, int64(3), pos, "position must stop before the failed entry")

	failOn = 0
	n, err = cursor.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = cursor.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	require.Equal(t, []int64{1, 2, 3, 4, 5}, seen)
}

func TestCursor_Run(t *testing.T) {
	ctx, cancel := testhelper.Context()

	store := NewMemoryStore(helper.FixedClock(testNow))
	for id := int64(1); id <= 5; id++ {
		_, err := store.Append(ctx, Event{ReplicableName: "wiki", ModelRecordID: id, EventName: Updated})
		require.NoError(t, err)
	}

	var seen []int64
	cursor := NewCursor(testhelper.NewDiscardingLogEntry(t), "secondary", store, store, func(_ context.Context, e Event) error {
		seen = append(seen, e.ModelRecordID)
		return nil
	}, 2)

	ticker := helper.NewCountTicker(1, cancel)
	require.Equal(t, context.Canceled, cursor.Run(ctx, ticker))
	require.Equal(t, []int64{1, 2, 3, 4, 5}, seen, "a single tick drains the log")
}

// uncommittedStore hides entries whose inserting transaction has not
// committed yet.
type uncommittedStore struct {
	*MemoryStore
	uncommitted map[int64]bool
}

func (s *uncommittedStore) visible(entries []LogEntry) []LogEntry {
	var out []LogEntry
	for _, entry := range entries {
		if !s.uncommitted[entry.ID] {
			out = append(out, entry)
		}
	}
	return out
}

func (s *uncommittedStore) EntriesAfter(ctx context.Context, afterID int64, limit int) ([]LogEntry, error) {
	entries, err := s.MemoryStore.EntriesAfter(ctx, afterID, limit)
	return s.visible(entries), err
}

func (s *uncommittedStore) Entries(ctx context.Context, ids []int64) ([]LogEntry, error) {
	entries, err := s.MemoryStore.Entries(ctx, ids)
	return s.visible(entries), err
}

func TestCursor_ProcessBatch_gaps(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	store := &uncommittedStore{MemoryStore: NewMemoryStore(helper.FixedClock(testNow)), uncommitted: map[int64]bool{2: true, 3: true}}
	for id := int64(1); id <= 4; id++ {
		_, err := store.Append(ctx, Event{ReplicableName: "repository", ModelRecordID: id, EventName: Updated})
		require.NoError(t, err)
	}

	var seen []int64
	cursor := NewCursor(testhelper.NewDiscardingLogEntry(t), "secondary", store, store, func(_ context.Context, e Event) error {
		seen = append(seen, e.ModelRecordID)
		return nil
	}, 10)
	now := testNow
	cursor.now = func() time.Time { return now }

	n, err := cursor.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []int64{1, 4}, seen)

	pos, err := store.Load(ctx, "secondary")
	require.NoError(t, err)
	require.Equal(t, int64(4), pos)

	delete(store.uncommitted, 2)
	now = now.Add(time.Minute)

	n, err = cursor.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, []int64{1, 4, 2}, seen, "an entry committed after a higher one is not lost")

	n, err = cursor.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, []int64{1, 4, 2}, seen, "filled gaps are handled once")

	delete(store.uncommitted, 3)
	now = now.Add(GapGracePeriod)

	_, err = store.Append(ctx, Event{ReplicableName: "repository", ModelRecordID: 5, EventName: Updated})
	require.NoError(t, err)

	n, err = cursor.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []int64{1, 4, 2, 5}, seen, "gaps past the grace period are dropped")
	require.Empty(t, cursor.gaps)
}

func TestCursor_trackGap(t *testing.T) {
	store := NewMemoryStore(helper.FixedClock(testNow))
	cursor := NewCursor(testhelper.NewDiscardingLogEntry(t), "secondary", store, store, func(context.Context, Event) error { return nil }, 10)
	cursor.now = helper.FixedClock(testNow)

	cursor.trackGap(4, 5)
	require.Empty(t, cursor.gaps)

	cursor.trackGap(0, 5000)
	require.Len(t, cursor.gaps, maxGapSize)
	require.Contains(t, cursor.gaps, int64(4000))
	require.Contains(t, cursor.gaps, int64(4999))
	require.NotContains(t, cursor.gaps, int64(3999))
}
