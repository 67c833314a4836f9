// Package dontpanic runs background work with panic recovery. Recovered
// panics are sent to Sentry and logged so a single bad registry row cannot
// take down the whole replication daemon.
package dontpanic

import (
	"sync"
	"time"

	sentry "github.com/getsentry/sentry-go"
	"gitlab.com/gitlab-org/geo/internal/log"
)

// Try runs fn and recovers from a panic. It returns false if fn panicked.
func Try(fn func()) bool { return catchAndLog(fn) }

// Go runs fn in a goroutine with panic recovery.
func Go(fn func()) { go Try(fn) }

var logger = log.Default()

func catchAndLog(fn func()) bool {
	var id *sentry.EventID
	var recovered interface{}
	normal := true

	func() {
		defer func() {
			recovered = recover()
			if recovered != nil {
				normal = false
			}

			if err, ok := recovered.(error); ok {
				id = sentry.CaptureException(err)
			}
		}()
		fn()
	}()

	if recovered == nil {
		return normal
	}

	entry := logger.WithField("recovered", recovered)
	if id != nil && *id != "" {
		entry = entry.WithField("sentry_id", *id)
	}
	entry.Error("dontpanic: recovered from panic")

	return normal
}

// Forever runs a function over and over until cancelled.
type Forever struct {
	backoff time.Duration

	cancelOnce sync.Once
	cancelCh   chan struct{}
	doneCh     chan struct{}
}

// NewForever creates a new Forever. backoff is how long to wait before running
// the function again after it panicked.
func NewForever(backoff time.Duration) *Forever {
	return &Forever{
		backoff:  backoff,
		cancelCh: make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Go keeps running fn in a goroutine until Cancel is called.
func (f *Forever) Go(fn func()) {
	go func() {
		defer close(f.doneCh)

		for {
			select {
			case <-f.cancelCh:
				return
			default:
			}

			if Try(fn) {
				continue
			}

			if f.backoff <= 0 {
				continue
			}

			logger.Infof("dontpanic: backing off %s before retrying", f.backoff)

			select {
			case <-f.cancelCh:
				return
			case <-time.After(f.backoff):
			}
		}
	}()
}

// Cancel stops the loop and waits for the goroutine to exit.
func (f *Forever) Cancel() {
	f.cancelOnce.Do(func() {
		close(f.cancelCh)
		<-f.doneCh
	})
}
