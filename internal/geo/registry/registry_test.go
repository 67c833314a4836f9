package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/geo/internal/geo/delay"
	"gitlab.com/gitlab-org/geo/internal/helper"
)

var testNow = time.Date(2022, 10, 10, 12, 0, 0, 0, time.UTC)

func testPolicy() *delay.Policy {
	return delay.NewDeterministicPolicy(helper.FixedClock(testNow))
}

func TestRegistry_syncTransitions(t *testing.T) {
	policy := testPolicy()

	r := New(1, testNow)
	require.Equal(t, SyncPending, r.State)

	require.ErrorIs(t, r.Synced(testNow, false), ErrInvalidTransition)
	require.ErrorIs(t, r.Failed("boom", false, policy, 0), ErrInvalidTransition)

	r.ResyncRequested = true
	r.Start(testNow)
	require.Equal(t, SyncStarted, r.State)
	require.Equal(t, testNow, *r.SyncStartedAt)
	require.False(t, r.ResyncRequested)

	require.NoError(t, r.Failed("boom", false, policy, 0))
	require.Equal(t, SyncFailed, r.State)
	require.Equal(t, 1, r.RetryCount)
	require.Equal(t, "boom", r.LastSyncFailure)
	require.Equal(t, testNow.Add(policy.Delay(1, 0)), *r.RetryAt)

	r.Start(testNow)
	require.NoError(t, r.Failed("boom", false, policy, 0))
	require.Equal(t, 2, r.RetryCount)

	r.ForceToRedownload = true
	r.VerificationState = VerificationSucceeded
	r.VerificationChecksum = "abc"
	r.Start(testNow)
	require.NoError(t, r.Synced(testNow.Add(time.Minute), false))
	require.Equal(t, SyncSynced, r.State)
	require.Zero(t, r.RetryCount)
	require.Nil(t, r.RetryAt)
	require.Empty(t, r.LastSyncFailure)
	require.False(t, r.ForceToRedownload)
	require.Equal(t, testNow.Add(time.Minute), *r.LastSyncedAt)
	require.Equal(t, VerificationPending, r.VerificationState, "new content must be verified again")
	require.Equal(t, "abc", r.VerificationChecksum)

	r.Pending()
	require.Equal(t, SyncPending, r.State)
	require.Nil(t, r.SyncStartedAt)
}

func TestRegistry_failedTruncatesMessage(t *testing.T) {
	r := New(1, testNow)
	r.Start(testNow)

	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	require.NoError(t, r.Failed(string(long), false, testPolicy(), 0))
	require.Len(t, r.LastSyncFailure, MaxMessageLength)
}

func TestRegistry_failedMissingOnPrimaryCeiling(t *testing.T) {
	r := New(1, testNow)
	r.RetryCount = 30

	r.Start(testNow)
	require.NoError(t, r.Failed("file not found on primary", true, testPolicy(), delay.MissingOnPrimaryMaxWait))
	require.True(t, r.MissingOnPrimary)
	require.Equal(t, testNow.Add(delay.MissingOnPrimaryMaxWait), *r.RetryAt)
}

func TestRegistry_syncedMissingOnPrimary(t *testing.T) {
	r := New(1, testNow)
	r.RetryCount = 2

	require.ErrorIs(t, r.SyncedMissingOnPrimary(testNow, testPolicy()), ErrInvalidTransition)

	r.Start(testNow)
	require.NoError(t, r.SyncedMissingOnPrimary(testNow, testPolicy()))
	require.Equal(t, SyncSynced, r.State)
	require.True(t, r.MissingOnPrimary)
	require.Equal(t, 3, r.RetryCount)
	require.Equal(t, testNow.Add(2*time.Minute), *r.RetryAt)

	r.RetryCount = 40
	r.Start(testNow)
	require.NoError(t, r.SyncedMissingOnPrimary(testNow, testPolicy()))
	require.Equal(t, testNow.Add(delay.MissingOnPrimaryMaxWait), *r.RetryAt)
}

func TestRegistry_verificationTransitions(t *testing.T) {
	policy := testPolicy()

	r := New(1, testNow)
	require.Equal(t, VerificationPending, r.VerificationState)
	require.ErrorIs(t, r.VerificationSucceeded("abc", testNow), ErrInvalidTransition)

	r.VerificationStart(testNow)
	require.Equal(t, VerificationStarted, r.VerificationState)
	require.Equal(t, testNow, *r.VerificationStartedAt)

	require.Equal(t, ErrChecksumRequired, r.VerificationSucceeded("", testNow))
	require.Equal(t, ErrFailureRequired, r.VerificationFailed("", "", policy, testNow))

	require.NoError(t, r.VerificationFailed("Checksum mismatch", "def", policy, testNow))
	require.Equal(t, VerificationFailed, r.VerificationState)
	require.Equal(t, "def", r.VerificationChecksumMismatched)
	require.Empty(t, r.VerificationChecksum)
	require.Equal(t, 1, r.VerificationRetryCount)
	require.Equal(t, testNow.Add(policy.Delay(1, 0)), *r.VerificationRetryAt)
	require.Equal(t, testNow, *r.VerifiedAt)
	require.NoError(t, r.Validate())

	r.VerificationStart(testNow)
	require.NoError(t, r.VerificationSucceeded("abc", testNow.Add(time.Hour)))
	require.Equal(t, VerificationSucceeded, r.VerificationState)
	require.Equal(t, "abc", r.VerificationChecksum)
	require.Empty(t, r.VerificationFailure)
	require.Empty(t, r.VerificationChecksumMismatched)
	require.Zero(t, r.VerificationRetryCount)
	require.Nil(t, r.VerificationRetryAt)
	require.Equal(t, testNow.Add(time.Hour), *r.VerifiedAt)
	require.NoError(t, r.Validate())

	require.NoError(t, r.VerificationFailed("Verification timed out after 8h0m0s", "", policy, testNow))
	r.VerificationPending()
	require.Equal(t, VerificationPending, r.VerificationState)
	require.Empty(t, r.VerificationFailure)
	require.Empty(t, r.VerificationChecksumMismatched)
	require.Zero(t, r.VerificationRetryCount)
	require.Nil(t, r.VerificationRetryAt)
	require.Nil(t, r.VerificationStartedAt)
}

func TestRegistry_Validate(t *testing.T) {
	require.NoError(t, New(1, testNow).Validate())
	require.Equal(t, ErrChecksumRequired, (&Registry{VerificationState: VerificationSucceeded}).Validate())
	require.Equal(t, ErrFailureRequired, (&Registry{VerificationState: VerificationFailed}).Validate())
}

func TestRegistry_Clone(t *testing.T) {
	r := New(1, testNow)
	r.Start(testNow)

	c := r.Clone()
	*c.SyncStartedAt = testNow.Add(time.Hour)
	require.Equal(t, testNow, *r.SyncStartedAt)
}

func TestStates_String(t *testing.T) {
	require.Equal(t, "synced", SyncSynced.String())
	require.Equal(t, "verification_failed", VerificationFailed.String())
	require.Equal(t, "unknown(9)", SyncState(9).String())
}
