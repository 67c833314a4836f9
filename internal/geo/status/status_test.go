package status

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/geo/internal/geo/delay"
	"gitlab.com/gitlab-org/geo/internal/geo/registry"
	"gitlab.com/gitlab-org/geo/internal/geo/replicator"
	"gitlab.com/gitlab-org/geo/internal/helper"
	"gitlab.com/gitlab-org/geo/internal/testhelper"
)

var now = time.Date(2022, 10, 10, 12, 0, 0, 0, time.UTC)

type storeMap map[string]registry.Store

func (s storeMap) RegistryStore(name string) (registry.Store, error) {
	store, ok := s[name]
	if !ok {
		return nil, replicator.ErrUnknownReplicable
	}
	return store, nil
}

func setup(t *testing.T) storeMap {
	ctx, cancel := testhelper.Context()
	defer cancel()

	clock := helper.FixedClock(now)
	policy := delay.NewDeterministicPolicy(clock)
	uploads := registry.NewMemoryStore(clock)

	_, err := uploads.BulkCreate(ctx, []int64{1, 2, 3, 4})
	require.NoError(t, err)

	reg, err := uploads.Find(ctx, 2)
	require.NoError(t, err)
	reg.Start(now)
	require.NoError(t, reg.Synced(now, false))
	reg.VerificationStart(now)
	require.NoError(t, reg.VerificationSucceeded("abc", now))
	require.NoError(t, uploads.Save(ctx, reg))

	reg, err = uploads.Find(ctx, 3)
	require.NoError(t, err)
	reg.Start(now)
	require.NoError(t, reg.Failed("Non-success HTTP response status code 500", false, policy, 0))
	require.NoError(t, uploads.Save(ctx, reg))

	reg, err = uploads.Find(ctx, 4)
	require.NoError(t, err)
	reg.Start(now)
	require.NoError(t, reg.SyncedMissingOnPrimary(now, policy))
	require.NoError(t, uploads.Save(ctx, reg))

	return storeMap{
		replicator.Upload:     uploads,
		replicator.Repository: registry.NewMemoryStore(clock),
	}
}

func TestReporter_Collect(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	reporter := NewReporter(setup(t), []string{replicator.Upload, replicator.Repository})

	statuses, err := reporter.Collect(ctx)
	require.NoError(t, err)
	require.Equal(t, []ReplicableStatus{
		{
			ReplicableName:        replicator.Upload,
			RegistryCount:         4,
			PendingCount:          1,
			SyncedCount:           2,
			FailedCount:           1,
			MissingOnPrimaryCount: 1,
			VerifiedCount:         1,
			SyncedInPercentage:    50,
			VerifiedInPercentage:  25,
		},
		{ReplicableName: replicator.Repository},
	}, statuses)

	_, err = NewReporter(setup(t), []string{"unknown"}).Collect(ctx)
	require.Error(t, err)
}

func TestCollector(t *testing.T) {
	reporter := NewReporter(setup(t), []string{replicator.Upload})
	collector := NewCollector(testhelper.NewDiscardingLogEntry(t), reporter, time.Second)

	require.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(`
# HELP geo_registries Number of registries by sync state.
# TYPE geo_registries gauge
geo_registries{replicable_name="upload",state="failed"} 1
geo_registries{replicable_name="upload",state="pending"} 1
geo_registries{replicable_name="upload",state="started"} 0
geo_registries{replicable_name="upload",state="synced"} 2
# HELP geo_registries_missing_on_primary Number of registries synced while missing on the primary.
# TYPE geo_registries_missing_on_primary gauge
geo_registries_missing_on_primary{replicable_name="upload"} 1
# HELP geo_registries_synced_percentage Percentage of registries that are synced.
# TYPE geo_registries_synced_percentage gauge
geo_registries_synced_percentage{replicable_name="upload"} 50
# HELP geo_registries_verification Number of registries by finished verification state.
# TYPE geo_registries_verification gauge
geo_registries_verification{replicable_name="upload",state="failed"} 0
geo_registries_verification{replicable_name="upload",state="succeeded"} 1
# HELP geo_registries_verified_percentage Percentage of registries that are verified.
# TYPE geo_registries_verified_percentage gauge
geo_registries_verified_percentage{replicable_name="upload"} 25
`)))
}
