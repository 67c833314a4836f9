// Package registry tracks the replication and verification state of every
// replicable resource on a Geo site. Each replicable kind has its own registry
// table with an identical layout.
package registry

import (
	"errors"
	"fmt"
	"time"

	"gitlab.com/gitlab-org/geo/internal/geo/delay"
	"gitlab.com/gitlab-org/geo/internal/helper"
)

// MaxMessageLength bounds failure messages stored on a registry.
const MaxMessageLength = 255

var (
	// ErrInvalidTransition is returned when a state change is not allowed from the current state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrChecksumRequired is returned when a verification succeeds without a checksum.
	ErrChecksumRequired = errors.New("verification checksum is required")
	// ErrFailureRequired is returned when a verification fails without a reason.
	ErrFailureRequired = errors.New("verification failure is required")
	// ErrNotFound is returned when no registry exists for the model record.
	ErrNotFound = errors.New("registry not found")
)

// SyncState is the replication state of a registry.
type SyncState int16

// Sync states as persisted in the state column.
const (
	SyncPending SyncState = iota
	SyncStarted
	SyncSynced
	SyncFailed
)

func (s SyncState) String() string {
	switch s {
	case SyncPending:
		return "pending"
	case SyncStarted:
		return "started"
	case SyncSynced:
		return "synced"
	case SyncFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int16(s))
	}
}

// VerificationState is the verification state of a registry.
type VerificationState int16

// Verification states as persisted in the verification_state column.
const (
	VerificationPending VerificationState = iota
	VerificationStarted
	VerificationSucceeded
	VerificationFailed
)

func (s VerificationState) String() string {
	switch s {
	case VerificationPending:
		return "verification_pending"
	case VerificationStarted:
		return "verification_started"
	case VerificationSucceeded:
		return "verification_succeeded"
	case VerificationFailed:
		return "verification_failed"
	default:
		return fmt.Sprintf("unknown(%d)", int16(s))
	}
}

// Registry is the persistent sync and verification state of one replicable resource.
type Registry struct {
	ID            int64
	ModelRecordID int64

	State             SyncState
	RetryCount        int
	RetryAt           *time.Time
	SyncStartedAt     *time.Time
	LastSyncedAt      *time.Time
	LastSyncFailure   string
	ForceToRedownload bool
	MissingOnPrimary  bool
	// ResyncRequested is set when an update arrives while a sync is in flight.
	ResyncRequested bool

	VerificationState              VerificationState
	VerificationChecksum           string
	VerificationChecksumMismatched string
	VerificationFailure            string
	VerificationRetryCount         int
	VerificationRetryAt            *time.Time
	VerificationStartedAt          *time.Time
	VerifiedAt                     *time.Time

	CreatedAt time.Time
}

// New returns a pending registry for the model record.
func New(modelRecordID int64, now time.Time) *Registry {
	return &Registry{ModelRecordID: modelRecordID, CreatedAt: now}
}

// Clone returns a deep copy of the registry.
func (r *Registry) Clone() *Registry {
	c := *r
	c.RetryAt = cloneTime(r.RetryAt)
	c.SyncStartedAt = cloneTime(r.SyncStartedAt)
	c.LastSyncedAt = cloneTime(r.LastSyncedAt)
	c.VerificationRetryAt = cloneTime(r.VerificationRetryAt)
	c.VerificationStartedAt = cloneTime(r.VerificationStartedAt)
	c.VerifiedAt = cloneTime(r.VerifiedAt)
	return &c
}

// Start moves the registry into the started state. Any pending resync request
// is consumed by this attempt.
func (r *Registry) Start(now time.Time) {
	r.State = SyncStarted
	r.SyncStartedAt = timePtr(now)
	r.ResyncRequested = false
}

// Synced records a successful sync. A synced resource has new content, so its
// verification starts over.
func (r *Registry) Synced(now time.Time, missingOnPrimary bool) error {
	if r.State != SyncStarted {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, r.State, SyncSynced)
	}

	r.State = SyncSynced
	r.LastSyncedAt = timePtr(now)
	r.RetryCount = 0
	r.RetryAt = nil
	r.LastSyncFailure = ""
	r.ForceToRedownload = false
	r.MissingOnPrimary = missingOnPrimary
	r.VerificationPending()

	return nil
}

// SyncedMissingOnPrimary records a sync that found the file missing on the
// primary. The resource counts as synced but is retried with the shorter
// missing-on-primary ceiling in case the primary recreates it.
func (r *Registry) SyncedMissingOnPrimary(now time.Time, policy *delay.Policy) error {
	retries := r.RetryCount
	if err := r.Synced(now, true); err != nil {
		return err
	}

	r.RetryCount = retries + 1
	r.RetryAt = timePtr(policy.NextRetryTime(r.RetryCount, delay.MissingOnPrimaryMaxWait))

	return nil
}

// Failed records a failed sync and schedules the next attempt. A positive
// maxWait lowers the backoff ceiling.
func (r *Registry) Failed(message string, missingOnPrimary bool, policy *delay.Policy, maxWait time.Duration) error {
	if r.State != SyncStarted {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, r.State, SyncFailed)
	}

	r.State = SyncFailed
	r.LastSyncFailure = helper.Truncate(message, MaxMessageLength)
	r.MissingOnPrimary = missingOnPrimary
	r.RetryCount++
	r.RetryAt = timePtr(policy.NextRetryTime(r.RetryCount, maxWait))

	return nil
}

// Pending puts the registry back in the queue of resources to sync.
func (r *Registry) Pending() {
	r.State = SyncPending
	r.SyncStartedAt = nil
	r.ResyncRequested = false
}

// VerificationStart moves the registry into the verification_started state.
func (r *Registry) VerificationStart(now time.Time) {
	r.VerificationState = VerificationStarted
	r.VerificationStartedAt = timePtr(now)
}

// VerificationSucceeded records a successful verification with checksum.
func (r *Registry) VerificationSucceeded(checksum string, now time.Time) error {
	if r.VerificationState != VerificationStarted {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, r.VerificationState, VerificationSucceeded)
	}

	if checksum == "" {
		return ErrChecksumRequired
	}

	r.VerificationState = VerificationSucceeded
	r.VerificationChecksum = checksum
	r.VerifiedAt = timePtr(now)
	r.clearVerificationFailure()

	return nil
}

// VerificationFailed records a failed verification and schedules the next
// attempt. mismatched holds the locally computed checksum when it differed
// from the expected one.
func (r *Registry) VerificationFailed(message, mismatched string, policy *delay.Policy, now time.Time) error {
	if message == "" {
		return ErrFailureRequired
	}

	r.VerificationState = VerificationFailed
	r.VerificationFailure = helper.Truncate(message, MaxMessageLength)
	r.VerificationChecksum = ""
	r.VerificationChecksumMismatched = mismatched
	r.VerificationRetryCount++
	r.VerificationRetryAt = timePtr(policy.NextRetryTime(r.VerificationRetryCount, 0))
	r.VerifiedAt = timePtr(now)

	return nil
}

// VerificationPending resets verification so the resource is checked again.
func (r *Registry) VerificationPending() {
	r.VerificationState = VerificationPending
	r.VerificationStartedAt = nil
	r.clearVerificationFailure()
}

func (r *Registry) clearVerificationFailure() {
	r.VerificationFailure = ""
	r.VerificationChecksumMismatched = ""
	r.VerificationRetryCount = 0
	r.VerificationRetryAt = nil
}

// Validate checks the invariants between verification state and fields.
func (r *Registry) Validate() error {
	switch r.VerificationState {
	case VerificationSucceeded:
		if r.VerificationChecksum == "" {
			return ErrChecksumRequired
		}
	case VerificationFailed:
		if r.VerificationFailure == "" {
			return ErrFailureRequired
		}
	}
	return nil
}

func timePtr(t time.Time) *time.Time { return &t }

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return timePtr(*t)
}
