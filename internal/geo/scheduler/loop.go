// Package scheduler drives the Geo services: periodic loops that find work
// and the dispatcher that runs queued jobs.
package scheduler

import (
	"context"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/geo/internal/helper"
)

// DefaultMaxRuns bounds how often a task is repeated within a single tick.
const DefaultMaxRuns = 1000

// Task is one unit of periodic work. It returns true when there is more work
// and it should run again right away.
type Task func(ctx context.Context) (bool, error)

// Loop runs a Task on every tick.
type Loop struct {
	log     logrus.FieldLogger
	task    Task
	maxRuns int
}

// NewLoop returns a Loop named name.
func NewLoop(log logrus.FieldLogger, name string, task Task) *Loop {
	return &Loop{
		log:     log.WithFields(logrus.Fields{"component": "scheduler", "loop": name}),
		task:    task,
		maxRuns: DefaultMaxRuns,
	}
}

// Run runs the task on each tick the Ticker emits and keeps repeating it
// while it reports more work. Errors are logged and the loop carries on with
// the next tick. Run returns when the context is canceled.
func (l *Loop) Run(ctx context.Context, ticker helper.Ticker) error {
	l.log.Info("loop started")
	defer l.log.Info("loop stopped")

	defer ticker.Stop()

	for {
		ticker.Reset()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	for i := 0; i < l.maxRuns; i++ {
		again, err := l.task(ctx)
		if err != nil {
			if ctx.Err() == nil {
				l.log.WithError(err).Error("loop task failed")
			}
			return
		}

		if !again {
			return
		}
	}
}
