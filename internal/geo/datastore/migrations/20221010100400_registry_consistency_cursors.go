package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20221010100400_registry_consistency_cursors",
		Up: []string{`
CREATE TABLE geo_registry_consistency_cursors (
	registry_name TEXT PRIMARY KEY,
	last_id BIGINT NOT NULL
)`},
		Down: []string{"DROP TABLE geo_registry_consistency_cursors"},
	}

	allMigrations = append(allMigrations, m)
}
