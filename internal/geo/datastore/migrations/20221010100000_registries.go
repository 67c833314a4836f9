package migrations

import (
	"fmt"

	migrate "github.com/rubenv/sql-migrate"
)

// registryTables are the tracking tables of every replicable kind. They share
// a single layout so the same queries serve all of them.
var registryTables = []string{
	"project_repository_registry",
	"project_wiki_repository_registry",
	"design_management_repository_registry",
	"upload_registry",
	"job_artifact_registry",
	"lfs_object_registry",
	"package_file_registry",
	"terraform_state_version_registry",
	"pipeline_artifact_registry",
	"snippet_repository_registry",
}

func init() {
	var up, down []string
	for _, table := range registryTables {
		up = append(up, fmt.Sprintf(`
CREATE TABLE %[1]s (
	id BIGSERIAL PRIMARY KEY,
	model_record_id BIGINT NOT NULL,
	state SMALLINT NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	retry_at TIMESTAMP,
	sync_started_at TIMESTAMP,
	last_synced_at TIMESTAMP,
	last_sync_failure VARCHAR(255),
	force_to_redownload BOOLEAN NOT NULL DEFAULT FALSE,
	missing_on_primary BOOLEAN NOT NULL DEFAULT FALSE,
	resync_requested BOOLEAN NOT NULL DEFAULT FALSE,
	verification_state SMALLINT NOT NULL DEFAULT 0,
	verification_checksum VARCHAR(64),
	verification_checksum_mismatched VARCHAR(64),
	verification_failure VARCHAR(255),
	verification_retry_count INTEGER NOT NULL DEFAULT 0,
	verification_retry_at TIMESTAMP,
	verification_started_at TIMESTAMP,
	verified_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL DEFAULT (NOW() AT TIME ZONE 'UTC'),
	CONSTRAINT %[1]s_model_record_id_key UNIQUE (model_record_id)
)`, table))
		down = append(down, "DROP TABLE "+table)
	}

	m := &migrate.Migration{
		Id:   "20221010100000_registries",
		Up:   up,
		Down: down,
	}

	allMigrations = append(allMigrations, m)
}
