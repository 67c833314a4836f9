// Package delay computes retry times for failed syncs and verifications.
// Registry.retry_at and Registry.verification_retry_at are both computed by
// Policy.NextRetryTime so that backoff behaves the same across subsystems.
package delay

import (
	"math/rand"
	"sync"
	"time"

	"gitlab.com/gitlab-org/geo/internal/helper"
)

const (
	// DefaultBase is the delay before the first retry.
	DefaultBase = 15 * time.Second
	// DefaultMaxWait caps the delay of generic failures.
	DefaultMaxWait = 7 * 24 * time.Hour
	// MissingOnPrimaryMaxWait caps the delay when the primary is missing the file.
	// The primary is expected to re-create it soon.
	MissingOnPrimaryMaxWait = 4 * time.Hour
	// DefaultJitter is the maximum relative jitter applied to a delay.
	DefaultJitter = 0.1

	// beyond this exponent the delay always exceeds any sane cap
	maxExponent = 40
)

// Policy is an exponential backoff calculator.
type Policy struct {
	// Base is the delay for retry count 0.
	Base time.Duration
	// MaxWait is the ceiling applied when no override is given.
	MaxWait time.Duration
	// Jitter is the maximum relative deviation, 0.1 means ±10%.
	Jitter float64
	// Now returns the current time.
	Now helper.Clock

	mu   sync.Mutex
	rand *rand.Rand
}

// NewPolicy returns a Policy with the default settings.
func NewPolicy() *Policy {
	return &Policy{
		Base:    DefaultBase,
		MaxWait: DefaultMaxWait,
		Jitter:  DefaultJitter,
		Now:     helper.SystemClock,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewDeterministicPolicy returns a Policy without jitter using the given clock.
func NewDeterministicPolicy(now helper.Clock) *Policy {
	p := NewPolicy()
	p.Jitter = 0
	p.Now = now
	return p
}

// Delay returns how long to wait before the next attempt after retryCount
// failures. maxWait overrides the policy ceiling when it is positive.
func (p *Policy) Delay(retryCount int, maxWait time.Duration) time.Duration {
	ceiling := p.MaxWait
	if maxWait > 0 {
		ceiling = maxWait
	}

	if retryCount < 0 {
		retryCount = 0
	}

	if retryCount >= maxExponent || p.Base <= 0 {
		return ceiling
	}

	d := p.Base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d >= ceiling {
		return ceiling
	}

	if p.Jitter > 0 {
		d = time.Duration(float64(d) * (1 + p.Jitter*(2*p.float64()-1)))
	}

	if d > ceiling {
		return ceiling
	}

	return d
}

// NextRetryTime returns the time at which the next attempt may run.
func (p *Policy) NextRetryTime(retryCount int, maxWait time.Duration) time.Time {
	return p.now().Add(p.Delay(retryCount, maxWait))
}

func (p *Policy) now() time.Time {
	if p.Now == nil {
		return helper.SystemClock()
	}
	return p.Now()
}

func (p *Policy) float64() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rand == nil {
		p.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return p.rand.Float64()
}
