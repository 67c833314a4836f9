// Package jobqueue delivers background jobs to the services of a Geo site.
// Delivery is at least once: handlers must be idempotent.
package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gitlab.com/gitlab-org/geo/internal/dontpanic"
)

// Job classes handled by the Geo services.
const (
	ClassRepositorySync  = "geo_repository_sync"
	ClassBlobDownload    = "geo_blob_download"
	ClassRegistryRemoval = "geo_registry_removal"
	ClassHousekeeping    = "geo_housekeeping"
)

// Args are the arguments of a job.
type Args struct {
	ReplicableName string `json:"replicable_name"`
	ModelRecordID  int64  `json:"model_record_id"`
	// Task is the housekeeping task to run.
	Task string `json:"task,omitempty"`
	// Payload carries event data, for example the path of a deleted file.
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Job is a unit of background work.
type Job struct {
	ID         string    `json:"id"`
	Class      string    `json:"class"`
	Args       Args      `json:"args"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Handler processes a job. A returned error requests a redelivery.
type Handler func(ctx context.Context, job Job) error

// Enqueuer schedules jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) error
}

// Queue is a job queue backend.
type Queue interface {
	Enqueuer
	// Subscribe starts delivering jobs of class to handler.
	Subscribe(class string, handler Handler) error
	// Close stops all subscriptions and releases the backend connections.
	Close() error
}

// NewJob returns a job of class with a fresh id.
func NewJob(class string, args Args) Job {
	return Job{
		ID:         uuid.New().String(),
		Class:      class,
		Args:       args,
		EnqueuedAt: time.Now().UTC(),
	}
}

func encode(job Job) ([]byte, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	return data, nil
}

func decode(data []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return Job{}, fmt.Errorf("unmarshal job: %w", err)
	}
	return job, nil
}

// run invokes handler with a bounded context and turns a panic into an error.
func run(ctx context.Context, timeout time.Duration, handler Handler, job Job) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := fmt.Errorf("job %s of class %s panicked", job.ID, job.Class)
	dontpanic.Try(func() {
		err = handler(ctx, job)
	})
	return err
}
