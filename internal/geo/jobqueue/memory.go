package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const memoryQueueCapacity = 10000

// MemoryQueue delivers jobs through in-process channels. Jobs are lost when
// the process stops, it is meant for single node setups and tests.
type MemoryQueue struct {
	log     logrus.FieldLogger
	timeout time.Duration

	mu            sync.Mutex
	channels      map[string]chan Job
	subscriptions map[string]context.CancelFunc
	closed        bool
	wg            sync.WaitGroup
}

// NewMemoryQueue returns an empty MemoryQueue. Handlers run with timeout if it is positive.
func NewMemoryQueue(log logrus.FieldLogger, timeout time.Duration) *MemoryQueue {
	return &MemoryQueue{
		log:           log.WithField("component", "memory_job_queue"),
		timeout:       timeout,
		channels:      make(map[string]chan Job),
		subscriptions: make(map[string]context.CancelFunc),
	}
}

func (q *MemoryQueue) channel(class string) chan Job {
	if ch, ok := q.channels[class]; ok {
		return ch
	}

	ch := make(chan Job, memoryQueueCapacity)
	q.channels[class] = ch
	return ch
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("enqueue %s: queue closed", job.Class)
	}
	ch := q.channel(job.Class)
	q.mu.Unlock()

	select {
	case ch <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("enqueue %s: queue full", job.Class)
	}
}

// Len returns the number of jobs of class waiting for delivery.
func (q *MemoryQueue) Len(class string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if ch, ok := q.channels[class]; ok {
		return len(ch)
	}
	return 0
}

// Subscribe implements Queue.
func (q *MemoryQueue) Subscribe(class string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("subscribe %s: queue closed", class)
	}

	if _, exists := q.subscriptions[class]; exists {
		return fmt.Errorf("already subscribed to class: %s", class)
	}

	ch := q.channel(class)
	ctx, cancel := context.WithCancel(context.Background())
	q.subscriptions[class] = cancel

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case job := <-ch:
				if err := run(ctx, q.timeout, handler, job); err != nil {
					q.log.WithError(err).WithFields(logrus.Fields{
						"job_id":    job.ID,
						"job_class": job.Class,
					}).Error("job failed")
				}
			}
		}
	}()

	return nil
}

// Close implements Queue.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	for class, cancel := range q.subscriptions {
		cancel()
		delete(q.subscriptions, class)
	}
	q.mu.Unlock()

	q.wg.Wait()
	return nil
}
