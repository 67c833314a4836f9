package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20221010100600_housekeeping_counters",
		Up: []string{`
CREATE TABLE geo_housekeeping_counters (
	replicable_name TEXT NOT NULL,
	model_record_id BIGINT NOT NULL,
	syncs_since_gc BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (replicable_name, model_record_id)
)`},
		Down: []string{"DROP TABLE geo_housekeeping_counters"},
	}

	allMigrations = append(allMigrations, m)
}
