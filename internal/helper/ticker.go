package helper

import (
	"math/rand"
	"sync"
	"time"
)

// Ticker ticks on the channel returned by C to signal something.
type Ticker interface {
	C() <-chan time.Time
	Stop()
	Reset()
}

// NewJitteredTicker returns a Ticker that ticks once per Reset, after interval
// scaled by a random factor in [1-jitter, 1+jitter). Nodes started together
// thereby drift apart instead of querying the database in lockstep. A jitter of
// zero ticks after exactly interval.
func NewJitteredTicker(interval time.Duration, jitter float64) Ticker {
	return newIntervalTicker(interval, jitter, newLockedRand().Float64)
}

func newIntervalTicker(interval time.Duration, jitter float64, random func() float64) *intervalTicker {
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()

	return &intervalTicker{timer: timer, interval: interval, jitter: jitter, random: random}
}

type intervalTicker struct {
	timer    *time.Timer
	interval time.Duration
	jitter   float64
	random   func() float64
}

func (t *intervalTicker) C() <-chan time.Time { return t.timer.C }

// next returns the delay until the tick following a Reset.
func (t *intervalTicker) next() time.Duration {
	if t.jitter == 0 {
		return t.interval
	}
	return time.Duration(float64(t.interval) * (1 + t.jitter*(2*t.random()-1)))
}

// Reset arms the timer again. A tick nobody received is dropped.
func (t *intervalTicker) Reset() {
	if !t.timer.Stop() {
		select {
		case <-t.timer.C:
		default:
		}
	}
	t.timer.Reset(t.next())
}

func (t *intervalTicker) Stop() { t.timer.Stop() }

type lockedRand struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func newLockedRand() *lockedRand {
	return &lockedRand{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (r *lockedRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Float64()
}

// ManualTicker ticks only when Tick is called. Stop and Reset run StopFunc
// and ResetFunc, which tests replace to drive a loop step by step.
type ManualTicker struct {
	c         chan time.Time
	StopFunc  func()
	ResetFunc func()
}

// NewManualTicker returns a ManualTicker whose Stop and Reset do nothing.
func NewManualTicker() *ManualTicker {
	return &ManualTicker{
		c:         make(chan time.Time, 1),
		StopFunc:  func() {},
		ResetFunc: func() {},
	}
}

func (t *ManualTicker) C() <-chan time.Time { return t.c }
func (t *ManualTicker) Stop()               { t.StopFunc() }
func (t *ManualTicker) Reset()              { t.ResetFunc() }

// Tick queues a tick. It blocks while an earlier tick is unread.
func (t *ManualTicker) Tick() { t.c <- time.Now() }

// NewCountTicker returns a ManualTicker that ticks on each of the first n
// Reset calls and invokes callback on every Reset after that.
func NewCountTicker(n int, callback func()) *ManualTicker {
	ticker := NewManualTicker()
	ticker.ResetFunc = func() {
		if n == 0 {
			callback()
			return
		}
		n--
		ticker.Tick()
	}

	return ticker
}
