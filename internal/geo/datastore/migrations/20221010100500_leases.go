package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20221010100500_leases",
		Up: []string{`
CREATE TABLE geo_leases (
	key TEXT PRIMARY KEY,
	token TEXT NOT NULL,
	expires_at TIMESTAMP NOT NULL
)`},
		Down: []string{"DROP TABLE geo_leases"},
	}

	allMigrations = append(allMigrations, m)
}
