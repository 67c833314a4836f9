package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20221010100300_event_log_cursors",
		Up: []string{`
CREATE TABLE geo_event_log_cursors (
	name TEXT PRIMARY KEY,
	last_event_log_id BIGINT NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT (NOW() AT TIME ZONE 'UTC')
)`},
		Down: []string{"DROP TABLE geo_event_log_cursors"},
	}

	allMigrations = append(allMigrations, m)
}
