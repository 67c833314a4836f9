package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20221010100200_events",
		Up: []string{`
CREATE TABLE geo_events (
	id BIGSERIAL PRIMARY KEY,
	replicable_name TEXT NOT NULL,
	model_record_id BIGINT NOT NULL,
	event_name TEXT NOT NULL,
	payload JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL DEFAULT (NOW() AT TIME ZONE 'UTC')
)`, `
CREATE TABLE geo_event_log (
	id BIGSERIAL PRIMARY KEY,
	geo_event_id BIGINT NOT NULL REFERENCES geo_events (id) ON DELETE CASCADE,
	created_at TIMESTAMP NOT NULL DEFAULT (NOW() AT TIME ZONE 'UTC')
)`,
			`CREATE UNIQUE INDEX geo_event_log_geo_event_id_idx ON geo_event_log (geo_event_id)`,
		},
		Down: []string{"DROP TABLE geo_event_log", "DROP TABLE geo_events"},
	}

	allMigrations = append(allMigrations, m)
}
