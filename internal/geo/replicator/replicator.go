package replicator

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/geo/internal/geo/config"
	"gitlab.com/gitlab-org/geo/internal/geo/datastore/glsql"
	"gitlab.com/gitlab-org/geo/internal/geo/events"
	"gitlab.com/gitlab-org/geo/internal/geo/jobqueue"
	"gitlab.com/gitlab-org/geo/internal/geo/registry"
	"gitlab.com/gitlab-org/geo/internal/helper"
	"gitlab.com/gitlab-org/labkit/correlation"
)

var (
	// ErrUnknownReplicable is returned for a replicable name missing from the static table.
	ErrUnknownReplicable = errors.New("unknown replicable")
	// ErrUnsupportedEvent is returned when a replicable does not declare the event.
	ErrUnsupportedEvent = errors.New("unsupported event")
)

// Replicator publishes and consumes the events of one replicable resource.
type Replicator interface {
	ReplicableName() string
	ModelRecordID() int64
	// Registry returns the registry of the resource or registry.ErrNotFound.
	Registry(ctx context.Context) (*registry.Registry, error)
	// Publish records a change of the resource on the primary. It is a no-op
	// when the change does not need to be replicated.
	Publish(ctx context.Context, eventName string, payload events.Payload) error
	// Consume handles an event read from the log on a secondary.
	Consume(ctx context.Context, eventName string, payload events.Payload) error
}

// Factory creates Replicators bound to the site's stores.
type Factory struct {
	cfg        config.Config
	events     events.Store
	registries map[string]registry.Store
	jobs       jobqueue.Enqueuer
	logger     logrus.FieldLogger
}

// NewFactory returns a Factory. registries must hold a store for every replicable.
func NewFactory(cfg config.Config, eventStore events.Store, registries map[string]registry.Store, jobs jobqueue.Enqueuer, logger logrus.FieldLogger) *Factory {
	return &Factory{
		cfg:        cfg,
		events:     eventStore,
		registries: registries,
		jobs:       jobs,
		logger:     logger.WithField("component", "replicator"),
	}
}

// RegistryStore returns the registry store of the replicable.
func (f *Factory) RegistryStore(name string) (registry.Store, error) {
	store, ok := f.registries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownReplicable, name)
	}
	return store, nil
}

// For returns the Replicator of the resource.
func (f *Factory) For(name string, modelRecordID int64) (Replicator, error) {
	def, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownReplicable, name)
	}

	store, err := f.RegistryStore(name)
	if err != nil {
		return nil, err
	}

	return &replicator{factory: f, def: def, store: store, modelRecordID: modelRecordID}, nil
}

// Handler returns an events.Handler dispatching log entries to the Replicator
// of the event. Events of unknown replicables are logged and skipped so one
// bad entry does not block the log.
func (f *Factory) Handler() events.Handler {
	return func(ctx context.Context, e events.Event) error {
		r, err := f.For(e.ReplicableName, e.ModelRecordID)
		if err != nil {
			if errors.Is(err, ErrUnknownReplicable) {
				f.logger.WithFields(logrus.Fields{
					"replicable_name": e.ReplicableName,
					"event_id":        e.ID,
				}).Warn("skipping event of unknown replicable")
				return nil
			}
			return err
		}

		return r.Consume(ctx, e.EventName, e.Payload)
	}
}

type replicator struct {
	factory       *Factory
	def           Definition
	store         registry.Store
	modelRecordID int64
}

func (r *replicator) ReplicableName() string { return r.def.Name }

func (r *replicator) ModelRecordID() int64 { return r.modelRecordID }

func (r *replicator) Registry(ctx context.Context) (*registry.Registry, error) {
	return r.store.Find(ctx, r.modelRecordID)
}

func (r *replicator) log(ctx context.Context) logrus.FieldLogger {
	return r.factory.logger.WithFields(logrus.Fields{
		"replicable_name": r.def.Name,
		"model_record_id": r.modelRecordID,
		"correlation_id":  correlation.ExtractFromContext(ctx),
	})
}

func (r *replicator) Publish(ctx context.Context, eventName string, payload events.Payload) error {
	cfg := r.factory.cfg
	if !cfg.IsPrimary() || !cfg.Primary.HasSecondaries || !cfg.ReplicableEnabled(r.def.Name) {
		return nil
	}

	if !r.def.Supports(eventName) {
		return fmt.Errorf("%w: %s does not publish %q", ErrUnsupportedEvent, r.def.Name, eventName)
	}

	e, err := r.factory.events.Append(ctx, events.Event{
		ReplicableName: r.def.Name,
		ModelRecordID:  r.modelRecordID,
		EventName:      eventName,
		Payload:        payload,
	})
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	r.log(ctx).WithFields(logrus.Fields{"event_name": eventName, "event_id": e.ID}).Debug("published event")

	return nil
}

func (r *replicator) Consume(ctx context.Context, eventName string, payload events.Payload) error {
	if !r.factory.cfg.ReplicableEnabled(r.def.Name) {
		return nil
	}

	if !r.def.Supports(eventName) {
		r.log(ctx).WithField("event_name", eventName).Warn("skipping unsupported event")
		return nil
	}

	args := jobqueue.Args{
		ReplicableName: r.def.Name,
		ModelRecordID:  r.modelRecordID,
		Payload:        payload,
	}

	switch eventName {
	case events.Created, events.Updated:
		reg, err := r.store.RequestResync(ctx, r.modelRecordID)
		if err != nil {
			return fmt.Errorf("request resync: %w", err)
		}

		if err := r.factory.jobs.Enqueue(ctx, jobqueue.NewJob(r.def.SyncJobClass(), args)); err != nil {
			return fmt.Errorf("enqueue sync: %w", err)
		}

		r.log(ctx).WithFields(logrus.Fields{
			"event_name":       eventName,
			"resync_requested": reg.ResyncRequested,
		}).Info("scheduled sync")
	case events.Deleted:
		if err := r.factory.jobs.Enqueue(ctx, jobqueue.NewJob(jobqueue.ClassRegistryRemoval, args)); err != nil {
			return fmt.Errorf("enqueue registry removal: %w", err)
		}

		r.log(ctx).WithField("event_name", eventName).Info("scheduled registry removal")
	}

	return nil
}

// PostgresRegistries returns a Postgres registry store for every replicable.
func PostgresRegistries(db glsql.Querier) map[string]registry.Store {
	stores := make(map[string]registry.Store, len(definitions))
	for name, def := range definitions {
		stores[name] = registry.NewPostgresStore(db, def.RegistryTable)
	}
	return stores
}

// MemoryRegistries returns an in-memory registry store for every replicable.
func MemoryRegistries(now helper.Clock) map[string]registry.Store {
	stores := make(map[string]registry.Store, len(definitions))
	for name := range definitions {
		stores[name] = registry.NewMemoryStore(now)
	}
	return stores
}
