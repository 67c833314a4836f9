// +build postgres

package lease

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/geo/internal/geo/datastore/glsql"
	"gitlab.com/gitlab-org/geo/internal/testhelper"
)

func TestPostgresStore(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	db := glsql.NewDB(t)
	store := NewPostgresStore(db)

	token, err := store.TryObtain(ctx, "key", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	held, err := store.TryObtain(ctx, "key", time.Hour)
	require.NoError(t, err)
	require.Empty(t, held)

	require.NoError(t, store.Cancel(ctx, "key", "stale"))
	db.RequireRowsInTable(t, "geo_leases", 1)

	db.MustExec(t, "UPDATE geo_leases SET expires_at = NOW() AT TIME ZONE 'UTC' - INTERVAL '1 SECOND'")
	taken, err := store.TryObtain(ctx, "key", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, taken)
	require.NotEqual(t, token, taken)

	require.NoError(t, store.Cancel(ctx, "key", taken))
	db.RequireRowsInTable(t, "geo_leases", 0)
}
