package scheduler

import (
	"context"

	"go.uber.org/multierr"
)

// BatchPerformer verifies one batch and returns its size.
type BatchPerformer interface {
	PerformBatch(ctx context.Context) (int, error)
}

// VerificationTask runs one batch of every worker. It asks to be repeated
// while any worker got a full batch.
func VerificationTask(workers []BatchPerformer, batchSize int) Task {
	return func(ctx context.Context) (bool, error) {
		var again bool
		var errs error
		for _, w := range workers {
			n, err := w.PerformBatch(ctx)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			again = again || n >= batchSize
		}
		return again && errs == nil, errs
	}
}

// Executor runs one consistency check and reports whether it changed anything.
type Executor interface {
	Execute(ctx context.Context) (bool, error)
}

// ConsistencyTask runs every consistency service once. It asks to be
// repeated while any of them created or removed registries.
func ConsistencyTask(services []Executor) Task {
	return func(ctx context.Context) (bool, error) {
		var again bool
		var errs error
		for _, s := range services {
			changed, err := s.Execute(ctx)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			again = again || changed
		}
		return again && errs == nil, errs
	}
}

// Sweeper runs one sweep.
type Sweeper interface {
	Sweep(ctx context.Context) error
}

// SweepTask runs every sweeper once.
func SweepTask(sweepers ...Sweeper) Task {
	return func(ctx context.Context) (bool, error) {
		var errs error
		for _, s := range sweepers {
			errs = multierr.Append(errs, s.Sweep(ctx))
		}
		return false, errs
	}
}
