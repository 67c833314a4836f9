package jobqueue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// NATSConfig configures the NATS JetStream backend.
type NATSConfig struct {
	// SubjectPrefix prefixes the per class subjects.
	SubjectPrefix string
	// HandlerTimeout bounds a single job and is the redelivery delay of unacknowledged jobs.
	HandlerTimeout time.Duration
}

// NATSQueue delivers jobs through a JetStream stream with one durable
// consumer per job class.
type NATSQueue struct {
	log    logrus.FieldLogger
	conn   *nats.Conn
	js     nats.JetStreamContext
	config NATSConfig
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	streamReady   bool
	subscriptions map[string]*nats.Subscription
}

// NewNATSQueue connects to url and returns a NATSQueue.
func NewNATSQueue(log logrus.FieldLogger, url string, cfg NATSConfig) (*NATSQueue, error) {
	conn, err := nats.Connect(url, nats.Name("geo"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	q, err := NewNATSQueueWithConn(log, conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return q, nil
}

// NewNATSQueueWithConn returns a NATSQueue using an existing connection. The
// connection is closed by Close.
func NewNATSQueueWithConn(log logrus.FieldLogger, conn *nats.Conn, cfg NATSConfig) (*NATSQueue, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "geo.jobs"
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &NATSQueue{
		log:           log.WithField("component", "nats_job_queue"),
		conn:          conn,
		js:            js,
		config:        cfg,
		ctx:           ctx,
		cancel:        cancel,
		subscriptions: make(map[string]*nats.Subscription),
	}, nil
}

func (q *NATSQueue) subject(class string) string {
	return q.config.SubjectPrefix + "." + class
}

func (q *NATSQueue) streamName() string {
	return strings.ToUpper(sanitizeName(q.config.SubjectPrefix))
}

// ensureStream creates the stream holding all job subjects. Callers hold q.mu.
func (q *NATSQueue) ensureStream() error {
	if q.streamReady {
		return nil
	}

	name := q.streamName()
	if _, err := q.js.StreamInfo(name); err != nil {
		if _, err := q.js.AddStream(&nats.StreamConfig{
			Name:      name,
			Subjects:  []string{q.config.SubjectPrefix + ".>"},
			Storage:   nats.FileStorage,
			Retention: nats.WorkQueuePolicy,
		}); err != nil {
			return fmt.Errorf("create stream %s: %w", name, err)
		}
	}

	q.streamReady = true
	return nil
}

// Enqueue implements Queue.
func (q *NATSQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.Lock()
	err := q.ensureStream()
	q.mu.Unlock()
	if err != nil {
		return err
	}

	data, err := encode(job)
	if err != nil {
		return err
	}

	if _, err := q.js.Publish(q.subject(job.Class), data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish to subject %s: %w", q.subject(job.Class), err)
	}
	return nil
}

// Subscribe implements Queue.
func (q *NATSQueue) Subscribe(class string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.subscriptions[class]; exists {
		return fmt.Errorf("already subscribed to class: %s", class)
	}

	if err := q.ensureStream(); err != nil {
		return err
	}

	log := q.log.WithField("job_class", class)
	// all workers of a site share the durable consumer of the class
	sub, err := q.js.QueueSubscribe(q.subject(class), "geo-"+sanitizeName(class), func(msg *nats.Msg) {
		job, err := decode(msg.Data)
		if err != nil {
			log.WithError(err).Error("dropping malformed job")
			_ = msg.Term()
			return
		}

		if err := run(q.ctx, q.config.HandlerTimeout, handler, job); err != nil {
			log.WithError(err).WithField("job_id", job.ID).Error("job failed")
			_ = msg.Nak()
			return
		}

		_ = msg.Ack()
	},
		nats.ManualAck(),
		nats.AckWait(q.config.HandlerTimeout),
		nats.MaxAckPending(100),
		nats.DeliverAll(),
	)
	if err != nil {
		return fmt.Errorf("subscribe to subject %s: %w", q.subject(class), err)
	}

	q.subscriptions[class] = sub
	return nil
}

// Close implements Queue.
func (q *NATSQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.cancel()
	for class, sub := range q.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			q.log.WithError(err).WithField("job_class", class).Warn("unsubscribe failed")
		}
		delete(q.subscriptions, class)
	}

	q.conn.Close()
	return nil
}

// sanitizeName replaces characters not allowed in stream and consumer names.
func sanitizeName(subject string) string {
	result := make([]byte, 0, len(subject))
	for i := 0; i < len(subject); i++ {
		c := subject[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_' {
			result = append(result, c)
		} else {
			result = append(result, '_')
		}
	}
	return string(result)
}
