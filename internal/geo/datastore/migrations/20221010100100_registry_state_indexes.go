package migrations

import (
	"fmt"

	migrate "github.com/rubenv/sql-migrate"
)

func init() {
	var up, down []string
	for _, table := range registryTables {
		up = append(up,
			fmt.Sprintf("CREATE INDEX %[1]s_state_retry_at_idx ON %[1]s (state, retry_at)", table),
			fmt.Sprintf("CREATE INDEX %[1]s_verification_state_retry_at_idx ON %[1]s (verification_state, verification_retry_at)", table),
		)
		down = append(down,
			fmt.Sprintf("DROP INDEX %s_state_retry_at_idx", table),
			fmt.Sprintf("DROP INDEX %s_verification_state_retry_at_idx", table),
		)
	}

	m := &migrate.Migration{
		Id:   "20221010100100_registry_state_indexes",
		Up:   up,
		Down: down,
	}

	allMigrations = append(allMigrations, m)
}
