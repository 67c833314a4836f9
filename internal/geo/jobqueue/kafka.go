package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// KafkaConfig configures the Kafka backend.
type KafkaConfig struct {
	Brokers []string
	// GroupID is the consumer group shared by all workers of a site.
	GroupID string
	// TopicPrefix prefixes the per class topics.
	TopicPrefix    string
	HandlerTimeout time.Duration
}

// KafkaQueue delivers jobs through one Kafka topic per job class.
type KafkaQueue struct {
	log    logrus.FieldLogger
	config KafkaConfig

	mu            sync.Mutex
	writers       map[string]*kafka.Writer
	readers       map[string]*kafka.Reader
	subscriptions map[string]context.CancelFunc
	wg            sync.WaitGroup
}

// NewKafkaQueue returns a KafkaQueue. No connection is made until the first job is enqueued.
func NewKafkaQueue(log logrus.FieldLogger, cfg KafkaConfig) (*KafkaQueue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}

	if cfg.GroupID == "" {
		cfg.GroupID = "geo"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "geo.jobs"
	}

	return &KafkaQueue{
		log:           log.WithField("component", "kafka_job_queue"),
		config:        cfg,
		writers:       make(map[string]*kafka.Writer),
		readers:       make(map[string]*kafka.Reader),
		subscriptions: make(map[string]context.CancelFunc),
	}, nil
}

func (q *KafkaQueue) topic(class string) string {
	return q.config.TopicPrefix + "." + class
}

func (q *KafkaQueue) writer(class string) *kafka.Writer {
	q.mu.Lock()
	defer q.mu.Unlock()

	if w, ok := q.writers[class]; ok {
		return w
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(q.config.Brokers...),
		Topic:                  q.topic(class),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	q.writers[class] = w
	return w
}

// Enqueue implements Queue. Jobs of the same resource share a partition.
func (q *KafkaQueue) Enqueue(ctx context.Context, job Job) error {
	data, err := encode(job)
	if err != nil {
		return err
	}

	if err := q.writer(job.Class).WriteMessages(ctx, kafka.Message{
		Key:   []byte(fmt.Sprintf("%s:%d", job.Args.ReplicableName, job.Args.ModelRecordID)),
		Value: data,
		Time:  time.Now(),
	}); err != nil {
		return fmt.Errorf("publish to kafka topic %s: %w", q.topic(job.Class), err)
	}

	return nil
}

// Subscribe implements Queue.
func (q *KafkaQueue) Subscribe(class string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.subscriptions[class]; exists {
		return fmt.Errorf("already subscribed to class: %s", class)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  q.config.Brokers,
		GroupID:  q.config.GroupID,
		Topic:    q.topic(class),
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	q.readers[class] = reader
	q.subscriptions[class] = cancel

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.consume(ctx, reader, handler)
	}()

	return nil
}

func (q *KafkaQueue) consume(ctx context.Context, reader *kafka.Reader, handler Handler) {
	log := q.log.WithField("topic", reader.Config().Topic)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Error("fetching job failed")
			continue
		}

		job, err := decode(msg.Value)
		if err != nil {
			log.WithError(err).Error("dropping malformed job")
		} else if err := run(ctx, q.config.HandlerTimeout, handler, job); err != nil {
			// Kafka has no per message negative acknowledgement: the job is
			// committed and its own retry schedule takes over.
			log.WithError(err).WithField("job_id", job.ID).Error("job failed")
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("committing job failed")
		}
	}
}

// Close implements Queue.
func (q *KafkaQueue) Close() error {
	q.mu.Lock()
	for _, cancel := range q.subscriptions {
		cancel()
	}
	q.mu.Unlock()

	q.wg.Wait()

	q.mu.Lock()
	defer q.mu.Unlock()

	var err error
	for class, reader := range q.readers {
		err = multierr.Append(err, reader.Close())
		delete(q.readers, class)
		delete(q.subscriptions, class)
	}
	for class, writer := range q.writers {
		err = multierr.Append(err, writer.Close())
		delete(q.writers, class)
	}
	return err
}
