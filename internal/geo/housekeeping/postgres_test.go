// +build postgres

package housekeeping

import (
	"testing"

	"gitlab.com/gitlab-org/geo/internal/geo/datastore/glsql"
)

func TestPostgresCounters(t *testing.T) {
	db := glsql.NewDB(t)
	db.Truncate(t, "geo_housekeeping_counters")

	testCounterStore(t, NewPostgresCounters(db), "repository")
	db.RequireRowsInTable(t, "geo_housekeeping_counters", 0)
}
