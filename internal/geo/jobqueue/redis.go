package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisConfig configures the Redis Streams backend.
type RedisConfig struct {
	// Stream is the prefix of the per class streams.
	Stream string
	// Group is the consumer group shared by all workers of a site.
	Group string
	// Consumer names this worker within the group, it defaults to the hostname.
	Consumer string
	// HandlerTimeout bounds a single job. Jobs left unacknowledged for longer
	// are claimed again by any consumer of the group.
	HandlerTimeout time.Duration
}

// RedisQueue delivers jobs through Redis Streams consumer groups.
type RedisQueue struct {
	log    logrus.FieldLogger
	client redis.UniversalClient
	config RedisConfig

	mu            sync.Mutex
	subscriptions map[string]context.CancelFunc
	wg            sync.WaitGroup
}

// NewRedisQueue returns a RedisQueue using client.
func NewRedisQueue(log logrus.FieldLogger, client redis.UniversalClient, cfg RedisConfig) *RedisQueue {
	if cfg.Stream == "" {
		cfg.Stream = "geo:jobs"
	}
	if cfg.Group == "" {
		cfg.Group = "geo"
	}
	if cfg.Consumer == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = "consumer-1"
		}
		cfg.Consumer = hostname
	}

	return &RedisQueue{
		log:           log.WithField("component", "redis_job_queue"),
		client:        client,
		config:        cfg,
		subscriptions: make(map[string]context.CancelFunc),
	}
}

func (q *RedisQueue) streamName(class string) string {
	return fmt.Sprintf("%s:%s", q.config.Stream, class)
}

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	data, err := encode(job)
	if err != nil {
		return err
	}

	stream := q.streamName(job.Class)
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: map[string]interface{}{"data": data},
	}).Err(); err != nil {
		return fmt.Errorf("publish to redis stream %s: %w", stream, err)
	}

	return nil
}

// Subscribe implements Queue.
func (q *RedisQueue) Subscribe(class string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.subscriptions[class]; exists {
		return fmt.Errorf("already subscribed to class: %s", class)
	}

	stream := q.streamName(class)
	ctx, cancel := context.WithCancel(context.Background())

	if err := q.client.XGroupCreateMkStream(ctx, stream, q.config.Group, "0").Err(); err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		cancel()
		return fmt.Errorf("create consumer group: %w", err)
	}

	q.subscriptions[class] = cancel
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.readStream(ctx, stream, handler)
	}()

	return nil
}

func (q *RedisQueue) readStream(ctx context.Context, stream string, handler Handler) {
	log := q.log.WithField("stream", stream)

	for ctx.Err() == nil {
		messages, err := q.claimStale(ctx, stream)
		if err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("claiming stale jobs failed")
		}

		if len(messages) == 0 {
			streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    q.config.Group,
				Consumer: q.config.Consumer,
				Streams:  []string{stream, ">"},
				Count:    10,
				Block:    time.Second,
			}).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
					log.WithError(err).Error("reading jobs failed")
					time.Sleep(time.Second)
				}
				continue
			}

			for _, s := range streams {
				messages = append(messages, s.Messages...)
			}
		}

		for _, msg := range messages {
			q.process(ctx, log, stream, msg, handler)
		}
	}
}

// claimStale takes over jobs a crashed or slow consumer never acknowledged.
func (q *RedisQueue) claimStale(ctx context.Context, stream string) ([]redis.XMessage, error) {
	if q.config.HandlerTimeout <= 0 {
		return nil, nil
	}

	messages, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    q.config.Group,
		Consumer: q.config.Consumer,
		MinIdle:  q.config.HandlerTimeout,
		Start:    "0-0",
		Count:    10,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return messages, nil
}

func (q *RedisQueue) process(ctx context.Context, log logrus.FieldLogger, stream string, msg redis.XMessage, handler Handler) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		log.WithField("message_id", msg.ID).Error("dropping malformed job")
		q.client.XAck(ctx, stream, q.config.Group, msg.ID)
		return
	}

	job, err := decode([]byte(data))
	if err != nil {
		log.WithError(err).WithField("message_id", msg.ID).Error("dropping malformed job")
		q.client.XAck(ctx, stream, q.config.Group, msg.ID)
		return
	}

	if err := run(ctx, q.config.HandlerTimeout, handler, job); err != nil {
		// not acknowledged, the job is claimed again once HandlerTimeout passed
		log.WithError(err).WithField("job_id", job.ID).Error("job failed")
		return
	}

	if err := q.client.XAck(ctx, stream, q.config.Group, msg.ID).Err(); err != nil {
		log.WithError(err).WithField("job_id", job.ID).Warn("acknowledging job failed")
	}
}

// Close implements Queue. The client is owned by the caller and stays open.
func (q *RedisQueue) Close() error {
	q.mu.Lock()
	for class, cancel := range q.subscriptions {
		cancel()
		delete(q.subscriptions, class)
	}
	q.mu.Unlock()

	q.wg.Wait()
	return nil
}
