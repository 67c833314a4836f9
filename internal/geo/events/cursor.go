package events

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/geo/internal/helper"
)

const (
	// GapGracePeriod is how long an id skipped by the cursor is watched for a
	// log entry committed after a higher one.
	GapGracePeriod = 10 * time.Minute
	// maxGapSize bounds the ids tracked for a single jump of the log ids.
	maxGapSize = 1000
)

// Handler processes a single event read from the log.
type Handler func(ctx context.Context, e Event) error

// Cursor reads the event log in strict ascending order and hands every entry
// to a Handler exactly once per successful run. The position is persisted
// after each processed entry so a crash replays at most the failed entry.
//
// Log ids are allocated before the inserting transaction commits, so an entry
// can become visible after a higher one was processed. Ids skipped this way
// are remembered for GapGracePeriod and handled once their entry shows up.
type Cursor struct {
	log        logrus.FieldLogger
	name       string
	store      Store
	positions  PositionStore
	handle     Handler
	batchSize  int
	now        helper.Clock
	gaps       map[int64]time.Time
	processed  prometheus.Counter
	gapsFilled prometheus.Counter
	// handleError is called with a possible error from a batch.
	// If it returns an error, Run stops and returns with the error.
	handleError func(error) error
}

// NewCursor returns a Cursor named name. The name identifies the persisted position.
func NewCursor(log logrus.FieldLogger, name string, store Store, positions PositionStore, handle Handler, batchSize int) *Cursor {
	log = log.WithFields(logrus.Fields{"component": "event_log_cursor", "cursor": name})

	return &Cursor{
		log:       log,
		name:      name,
		store:     store,
		positions: positions,
		handle:    handle,
		batchSize: batchSize,
		now:       helper.SystemClock,
		gaps:      make(map[int64]time.Time),
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geo_event_log_processed_total",
			Help: "Number of event log entries processed by the cursor.",
		}),
		gapsFilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geo_event_log_gaps_filled_total",
			Help: "Number of event log entries processed after a higher id.",
		}),
		handleError: func(err error) error {
			log.WithError(err).Error("processing event log failed")
			return nil
		},
	}
}

// Describe implements prometheus.Collector.
func (c *Cursor) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements prometheus.Collector.
func (c *Cursor) Collect(ch chan<- prometheus.Metric) {
	c.processed.Collect(ch)
	c.gapsFilled.Collect(ch)
}

// Run processes the log on each tick the Ticker emits, draining it while full
// batches are returned. Run returns when the context is canceled.
func (c *Cursor) Run(ctx context.Context, ticker helper.Ticker) error {
	c.log.Info("event log cursor started")
	defer c.log.Info("event log cursor stopped")

	defer ticker.Stop()

	for {
		ticker.Reset()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			for {
				n, err := c.ProcessBatch(ctx)
				if err != nil {
					if err := c.handleError(err); err != nil {
						return err
					}
					break
				}

				if n < c.batchSize {
					break
				}
			}
		}
	}
}

// ProcessBatch handles the entries that showed up in earlier gaps, then the
// next batch of log entries. It returns how many new entries were processed.
func (c *Cursor) ProcessBatch(ctx context.Context) (int, error) {
	if err := c.fillGaps(ctx); err != nil {
		return 0, err
	}

	lastID, err := c.positions.Load(ctx, c.name)
	if err != nil {
		return 0, fmt.Errorf("load position: %w", err)
	}

	entries, err := c.store.EntriesAfter(ctx, lastID, c.batchSize)
	if err != nil {
		return 0, fmt.Errorf("read entries: %w", err)
	}

	for i, entry := range entries {
		if err := c.handle(ctx, entry.Event); err != nil {
			return i, fmt.Errorf("handle event log entry %d: %w", entry.ID, err)
		}

		c.trackGap(lastID, entry.ID)

		if err := c.positions.Save(ctx, c.name, entry.ID); err != nil {
			return i, fmt.Errorf("save position: %w", err)
		}

		lastID = entry.ID
		c.processed.Inc()
	}

	return len(entries), nil
}

// trackGap remembers the ids between two consecutive entries.
func (c *Cursor) trackGap(previousID, id int64) {
	first := previousID + 1
	if id-first > maxGapSize {
		first = id - maxGapSize
	}

	now := c.now()
	for missing := first; missing < id; missing++ {
		if _, ok := c.gaps[missing]; !ok {
			c.gaps[missing] = now
		}
	}
}

// fillGaps handles the entries that appeared in a tracked gap and forgets
// gaps older than GapGracePeriod.
func (c *Cursor) fillGaps(ctx context.Context) error {
	if len(c.gaps) == 0 {
		return nil
	}

	now := c.now()
	ids := make([]int64, 0, len(c.gaps))
	for id, since := range c.gaps {
		if now.Sub(since) > GapGracePeriod {
			delete(c.gaps, id)
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	entries, err := c.store.Entries(ctx, ids)
	if err != nil {
		return fmt.Errorf("read gap entries: %w", err)
	}

	for _, entry := range entries {
		if err := c.handle(ctx, entry.Event); err != nil {
			return fmt.Errorf("handle event log entry %d: %w", entry.ID, err)
		}

		delete(c.gaps, entry.ID)
		c.gapsFilled.Inc()
		c.processed.Inc()
		c.log.WithField("event_log_id", entry.ID).Info("processed event log entry committed out of order")
	}

	return nil
}
