package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"gitlab.com/gitlab-org/geo/internal/helper"
)

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu     sync.Mutex
	now    helper.Clock
	nextID int64
	// registries are indexed by model record id
	registries map[int64]*Registry
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(now helper.Clock) *MemoryStore {
	if now == nil {
		now = helper.SystemClock
	}

	return &MemoryStore{now: now, registries: make(map[int64]*Registry)}
}

// Find implements Store.
func (s *MemoryStore) Find(_ context.Context, modelRecordID int64) (*Registry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.registries[modelRecordID]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

// FindOrCreate implements Store.
func (s *MemoryStore) FindOrCreate(_ context.Context, modelRecordID int64) (*Registry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.findOrCreate(modelRecordID).Clone(), nil
}

func (s *MemoryStore) findOrCreate(modelRecordID int64) *Registry {
	if r, ok := s.registries[modelRecordID]; ok {
		return r
	}

	s.nextID++
	r := New(modelRecordID, s.now())
	r.ID = s.nextID
	s.registries[modelRecordID] = r
	return r
}

// BulkCreate implements Store.
func (s *MemoryStore) BulkCreate(_ context.Context, modelRecordIDs []int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var created int
	for _, id := range modelRecordIDs {
		if _, ok := s.registries[id]; ok {
			continue
		}
		s.findOrCreate(id)
		created++
	}
	return created, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, modelRecordID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.registries, modelRecordID)
	return nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, r *Registry) error {
	if err := r.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.registries[r.ModelRecordID]
	if !ok {
		return ErrNotFound
	}

	saved := r.Clone()
	saved.ID = current.ID
	s.registries[r.ModelRecordID] = saved
	return nil
}

// SaveSync implements Store.
func (s *MemoryStore) SaveSync(_ context.Context, r *Registry) error {
	if err := r.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.registries[r.ModelRecordID]
	if !ok {
		return ErrNotFound
	}

	current.State = r.State
	current.RetryCount = r.RetryCount
	current.RetryAt = cloneTime(r.RetryAt)
	current.SyncStartedAt = cloneTime(r.SyncStartedAt)
	current.LastSyncedAt = cloneTime(r.LastSyncedAt)
	current.LastSyncFailure = r.LastSyncFailure
	current.ForceToRedownload = r.ForceToRedownload
	current.MissingOnPrimary = r.MissingOnPrimary
	current.ResyncRequested = r.ResyncRequested
	return nil
}

// SaveVerification implements Store.
func (s *MemoryStore) SaveVerification(_ context.Context, r *Registry) error {
	if err := r.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.registries[r.ModelRecordID]
	if !ok {
		return ErrNotFound
	}

	current.VerificationState = r.VerificationState
	current.VerificationChecksum = r.VerificationChecksum
	current.VerificationChecksumMismatched = r.VerificationChecksumMismatched
	current.VerificationFailure = r.VerificationFailure
	current.VerificationRetryCount = r.VerificationRetryCount
	current.VerificationRetryAt = cloneTime(r.VerificationRetryAt)
	current.VerificationStartedAt = cloneTime(r.VerificationStartedAt)
	current.VerifiedAt = cloneTime(r.VerifiedAt)
	return nil
}

// RequestResync implements Store.
func (s *MemoryStore) RequestResync(_ context.Context, modelRecordID int64) (*Registry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.findOrCreate(modelRecordID)
	if r.State == SyncStarted {
		r.ResyncRequested = true
	} else {
		r.State = SyncPending
	}
	return r.Clone(), nil
}

// MarkSynced implements Store.
func (s *MemoryStore) MarkSynced(_ context.Context, r *Registry) (bool, error) {
	if err := r.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.registries[r.ModelRecordID]
	if !ok {
		return false, ErrNotFound
	}

	if current.State != SyncStarted || current.ResyncRequested {
		return false, nil
	}

	saved := r.Clone()
	saved.ID = current.ID
	s.registries[r.ModelRecordID] = saved
	return true, nil
}

// ExistingIDs implements Store.
func (s *MemoryStore) ExistingIDs(_ context.Context, from, to int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []int64
	for id := range s.registries {
		if id >= from && id <= to {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// SyncBacklog implements Store. Pending registries come before retries.
func (s *MemoryStore) SyncBacklog(_ context.Context, limit int, now time.Time) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending, failed []*Registry
	for _, r := range s.registries {
		switch {
		case r.State == SyncPending:
			pending = append(pending, r)
		case r.State == SyncFailed && (r.RetryAt == nil || !r.RetryAt.After(now)):
			failed = append(failed, r)
		case r.State == SyncSynced && r.MissingOnPrimary && r.RetryAt != nil && !r.RetryAt.After(now):
			failed = append(failed, r)
		}
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })
	sort.Slice(failed, func(i, j int) bool { return retryBefore(failed[i].RetryAt, failed[j].RetryAt, failed[i].ID, failed[j].ID) })

	var ids []int64
	for _, r := range append(pending, failed...) {
		if len(ids) == limit {
			break
		}
		ids = append(ids, r.ModelRecordID)
	}
	return ids, nil
}

// StaleSyncs implements Store.
func (s *MemoryStore) StaleSyncs(_ context.Context, startedBefore time.Time, limit int) ([]*Registry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.collect(limit, func(r *Registry) bool {
		return r.State == SyncStarted && r.SyncStartedAt != nil && r.SyncStartedAt.Before(startedBefore)
	}), nil
}

// ClaimVerificationBatch implements Store.
func (s *MemoryStore) ClaimVerificationBatch(_ context.Context, opts ClaimOptions) ([]*Registry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*Registry
	for _, r := range s.registries {
		if verificationDue(r, opts) {
			candidates = append(candidates, r)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.VerificationState != b.VerificationState {
			return a.VerificationState < b.VerificationState
		}
		return retryBefore(a.VerificationRetryAt, b.VerificationRetryAt, a.ID, b.ID)
	})

	if len(candidates) > opts.Limit {
		candidates = candidates[:opts.Limit]
	}

	claimed := make([]*Registry, 0, len(candidates))
	for _, r := range candidates {
		r.VerificationStart(opts.Now)
		claimed = append(claimed, r.Clone())
	}
	return claimed, nil
}

func verificationDue(r *Registry, opts ClaimOptions) bool {
	if opts.SyncedOnly && r.State != SyncSynced {
		return false
	}

	switch r.VerificationState {
	case VerificationPending:
		return true
	case VerificationFailed:
		return r.VerificationRetryAt == nil || !r.VerificationRetryAt.After(opts.Now)
	default:
		return false
	}
}

// StaleVerifications implements Store.
func (s *MemoryStore) StaleVerifications(_ context.Context, startedBefore time.Time, limit int) ([]*Registry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.collect(limit, func(r *Registry) bool {
		return r.VerificationState == VerificationStarted && r.VerificationStartedAt != nil && r.VerificationStartedAt.Before(startedBefore)
	}), nil
}

// ReverifySucceededBefore implements Store.
func (s *MemoryStore) ReverifySucceededBefore(_ context.Context, verifiedBefore time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reset int
	for _, r := range s.collectLive(limit, func(r *Registry) bool {
		return r.VerificationState == VerificationSucceeded && r.VerifiedAt != nil && r.VerifiedAt.Before(verifiedBefore)
	}) {
		r.VerificationPending()
		reset++
	}
	return reset, nil
}

// Counts implements Store.
func (s *MemoryStore) Counts(context.Context) (Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c Counts
	for _, r := range s.registries {
		c.Registry++
		switch r.State {
		case SyncPending:
			c.Pending++
		case SyncStarted:
			c.Started++
		case SyncSynced:
			c.Synced++
		case SyncFailed:
			c.Failed++
		}
		if r.MissingOnPrimary {
			c.MissingOnPrimary++
		}
		switch r.VerificationState {
		case VerificationSucceeded:
			c.Verified++
		case VerificationFailed:
			c.VerificationFailed++
		}
	}
	return c, nil
}

func (s *MemoryStore) collect(limit int, match func(*Registry) bool) []*Registry {
	live := s.collectLive(limit, match)
	out := make([]*Registry, 0, len(live))
	for _, r := range live {
		out = append(out, r.Clone())
	}
	return out
}

func (s *MemoryStore) collectLive(limit int, match func(*Registry) bool) []*Registry {
	var matched []*Registry
	for _, r := range s.registries {
		if match(r) {
			matched = append(matched, r)
		}
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched
}

// retryBefore orders registries by retry time, nil first, then by id.
func retryBefore(a, b *time.Time, aID, bID int64) bool {
	switch {
	case a == nil && b == nil:
		return aID < bID
	case a == nil:
		return true
	case b == nil:
		return false
	case a.Equal(*b):
		return aID < bID
	default:
		return a.Before(*b)
	}
}
