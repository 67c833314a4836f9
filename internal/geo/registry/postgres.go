package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"gitlab.com/gitlab-org/geo/internal/geo/datastore/glsql"
)

const columns = `id, model_record_id, state, retry_count, retry_at, sync_started_at, last_synced_at,
	last_sync_failure, force_to_redownload, missing_on_primary, resync_requested,
	verification_state, verification_checksum, verification_checksum_mismatched, verification_failure,
	verification_retry_count, verification_retry_at, verification_started_at, verified_at, created_at`

// PostgresStore is a Store backed by one registry table of the tracking database.
type PostgresStore struct {
	db    glsql.Querier
	table string
}

// NewPostgresStore returns a PostgresStore of the registry table. The table
// name must come from the static replicator table, it is not escaped.
func NewPostgresStore(db glsql.Querier, table string) *PostgresStore {
	return &PostgresStore{db: db, table: table}
}

// Table returns the name of the registry table.
func (s *PostgresStore) Table() string { return s.table }

func (s *PostgresStore) query(format string) string {
	return fmt.Sprintf(format, s.table, columns)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRegistry(row scanner) (*Registry, error) {
	var r Registry
	var lastSyncFailure, checksum, mismatched, verificationFailure sql.NullString

	if err := row.Scan(
		&r.ID,
		&r.ModelRecordID,
		&r.State,
		&r.RetryCount,
		&r.RetryAt,
		&r.SyncStartedAt,
		&r.LastSyncedAt,
		&lastSyncFailure,
		&r.ForceToRedownload,
		&r.MissingOnPrimary,
		&r.ResyncRequested,
		&r.VerificationState,
		&checksum,
		&mismatched,
		&verificationFailure,
		&r.VerificationRetryCount,
		&r.VerificationRetryAt,
		&r.VerificationStartedAt,
		&r.VerifiedAt,
		&r.CreatedAt,
	); err != nil {
		return nil, err
	}

	r.LastSyncFailure = lastSyncFailure.String
	r.VerificationChecksum = checksum.String
	r.VerificationChecksumMismatched = mismatched.String
	r.VerificationFailure = verificationFailure.String

	return &r, nil
}

func (s *PostgresStore) scanRows(rows *sql.Rows) (_ []*Registry, err error) {
	defer func() {
		if cErr := rows.Close(); cErr != nil && err == nil {
			err = cErr
		}
	}()

	var registries []*Registry
	for rows.Next() {
		r, err := scanRegistry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		registries = append(registries, r)
	}

	return registries, rows.Err()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Find implements Store.
func (s *PostgresStore) Find(ctx context.Context, modelRecordID int64) (*Registry, error) {
	r, err := scanRegistry(s.db.QueryRowContext(ctx, s.query(`SELECT %[2]s FROM %[1]s WHERE model_record_id = $1`), modelRecordID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find registry: %w", err)
	}
	return r, nil
}

// FindOrCreate implements Store.
func (s *PostgresStore) FindOrCreate(ctx context.Context, modelRecordID int64) (*Registry, error) {
	r, err := scanRegistry(s.db.QueryRowContext(ctx, s.query(`
INSERT INTO %[1]s (model_record_id) VALUES ($1)
ON CONFLICT (model_record_id) DO UPDATE SET model_record_id = EXCLUDED.model_record_id
RETURNING %[2]s
`), modelRecordID))
	if err != nil {
		return nil, fmt.Errorf("find or create registry: %w", err)
	}
	return r, nil
}

// BulkCreate implements Store.
func (s *PostgresStore) BulkCreate(ctx context.Context, modelRecordIDs []int64) (int, error) {
	if len(modelRecordIDs) == 0 {
		return 0, nil
	}

	res, err := s.db.ExecContext(ctx, s.query(`
INSERT INTO %[1]s (model_record_id)
SELECT UNNEST($1::BIGINT[])
ON CONFLICT (model_record_id) DO NOTHING
`), pq.Int64Array(modelRecordIDs))
	if err != nil {
		return 0, fmt.Errorf("bulk create registries: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, modelRecordID int64) error {
	if _, err := s.db.ExecContext(ctx, s.query(`DELETE FROM %[1]s WHERE model_record_id = $1`), modelRecordID); err != nil {
		return fmt.Errorf("delete registry: %w", err)
	}
	return nil
}

const updateAll = `
UPDATE %[1]s SET
	state = $2,
	retry_count = $3,
	retry_at = $4,
	sync_started_at = $5,
	last_synced_at = $6,
	last_sync_failure = $7,
	force_to_redownload = $8,
	missing_on_primary = $9,
	resync_requested = $10,
	verification_state = $11,
	verification_checksum = $12,
	verification_checksum_mismatched = $13,
	verification_failure = $14,
	verification_retry_count = $15,
	verification_retry_at = $16,
	verification_started_at = $17,
	verified_at = $18
WHERE model_record_id = $1`

func updateAllArgs(r *Registry) []interface{} {
	return []interface{}{
		r.ModelRecordID,
		r.State,
		r.RetryCount,
		r.RetryAt,
		r.SyncStartedAt,
		r.LastSyncedAt,
		nullString(r.LastSyncFailure),
		r.ForceToRedownload,
		r.MissingOnPrimary,
		r.ResyncRequested,
		r.VerificationState,
		nullString(r.VerificationChecksum),
		nullString(r.VerificationChecksumMismatched),
		nullString(r.VerificationFailure),
		r.VerificationRetryCount,
		r.VerificationRetryAt,
		r.VerificationStartedAt,
		r.VerifiedAt,
	}
}

func (s *PostgresStore) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Save implements Store.
func (s *PostgresStore) Save(ctx context.Context, r *Registry) error {
	if err := r.Validate(); err != nil {
		return err
	}

	n, err := s.exec(ctx, s.query(updateAll), updateAllArgs(r)...)
	if err != nil {
		return fmt.Errorf("save registry: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveSync implements Store.
func (s *PostgresStore) SaveSync(ctx context.Context, r *Registry) error {
	if err := r.Validate(); err != nil {
		return err
	}

	n, err := s.exec(ctx, s.query(`
UPDATE %[1]s SET
	state = $2,
	retry_count = $3,
	retry_at = $4,
	sync_started_at = $5,
	last_synced_at = $6,
	last_sync_failure = $7,
	force_to_redownload = $8,
	missing_on_primary = $9,
	resync_requested = $10
WHERE model_record_id = $1`),
		r.ModelRecordID,
		r.State,
		r.RetryCount,
		r.RetryAt,
		r.SyncStartedAt,
		r.LastSyncedAt,
		nullString(r.LastSyncFailure),
		r.ForceToRedownload,
		r.MissingOnPrimary,
		r.ResyncRequested,
	)
	if err != nil {
		return fmt.Errorf("save sync: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveVerification implements Store.
func (s *PostgresStore) SaveVerification(ctx context.Context, r *Registry) error {
	if err := r.Validate(); err != nil {
		return err
	}

	n, err := s.exec(ctx, s.query(`
UPDATE %[1]s SET
	verification_state = $2,
	verification_checksum = $3,
	verification_checksum_mismatched = $4,
	verification_failure = $5,
	verification_retry_count = $6,
	verification_retry_at = $7,
	verification_started_at = $8,
	verified_at = $9
WHERE model_record_id = $1`),
		r.ModelRecordID,
		r.VerificationState,
		nullString(r.VerificationChecksum),
		nullString(r.VerificationChecksumMismatched),
		nullString(r.VerificationFailure),
		r.VerificationRetryCount,
		r.VerificationRetryAt,
		r.VerificationStartedAt,
		r.VerifiedAt,
	)
	if err != nil {
		return fmt.Errorf("save verification: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequestResync implements Store.
func (s *PostgresStore) RequestResync(ctx context.Context, modelRecordID int64) (*Registry, error) {
	r, err := scanRegistry(s.db.QueryRowContext(ctx, s.query(`
INSERT INTO %[1]s (model_record_id) VALUES ($1)
ON CONFLICT (model_record_id) DO UPDATE SET
	resync_requested = (%[1]s.state = 1),
	state = CASE WHEN %[1]s.state = 1 THEN %[1]s.state ELSE 0 END
RETURNING %[2]s
`), modelRecordID))
	if err != nil {
		return nil, fmt.Errorf("request resync: %w", err)
	}
	return r, nil
}

// MarkSynced implements Store.
func (s *PostgresStore) MarkSynced(ctx context.Context, r *Registry) (bool, error) {
	if err := r.Validate(); err != nil {
		return false, err
	}

	n, err := s.exec(ctx, s.query(updateAll+` AND state = 1 AND NOT resync_requested`), updateAllArgs(r)...)
	if err != nil {
		return false, fmt.Errorf("mark synced: %w", err)
	}
	return n > 0, nil
}

// ExistingIDs implements Store.
func (s *PostgresStore) ExistingIDs(ctx context.Context, from, to int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.query(`
SELECT model_record_id FROM %[1]s
WHERE model_record_id BETWEEN $1 AND $2
ORDER BY model_record_id
`), from, to)
	if err != nil {
		return nil, fmt.Errorf("query existing ids: %w", err)
	}
	defer rows.Close()

	var ids glsql.Int64Provider
	if err := glsql.ScanAll(rows, &ids); err != nil {
		return nil, fmt.Errorf("scan existing ids: %w", err)
	}
	return ids.Values(), nil
}

// SyncBacklog implements Store. Pending registries come before retries.
func (s *PostgresStore) SyncBacklog(ctx context.Context, limit int, now time.Time) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.query(`
SELECT model_record_id FROM %[1]s
WHERE state = 0
OR (state = 3 AND (retry_at IS NULL OR retry_at <= $2))
OR (state = 2 AND missing_on_primary AND retry_at <= $2)
ORDER BY state <> 0, retry_at NULLS FIRST, id
LIMIT $1
`), limit, now)
	if err != nil {
		return nil, fmt.Errorf("query sync backlog: %w", err)
	}
	defer rows.Close()

	var ids glsql.Int64Provider
	if err := glsql.ScanAll(rows, &ids); err != nil {
		return nil, fmt.Errorf("scan sync backlog: %w", err)
	}
	return ids.Values(), nil
}

// StaleSyncs implements Store.
func (s *PostgresStore) StaleSyncs(ctx context.Context, startedBefore time.Time, limit int) ([]*Registry, error) {
	rows, err := s.db.QueryContext(ctx, s.query(`
SELECT %[2]s FROM %[1]s
WHERE state = 1 AND sync_started_at < $1
ORDER BY id
LIMIT $2
`), startedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale syncs: %w", err)
	}
	return s.scanRows(rows)
}

// ClaimVerificationBatch implements Store. Rows locked by a concurrent claim are skipped.
func (s *PostgresStore) ClaimVerificationBatch(ctx context.Context, opts ClaimOptions) ([]*Registry, error) {
	rows, err := s.db.QueryContext(ctx, s.query(`
UPDATE %[1]s SET verification_state = 1, verification_started_at = $2
WHERE id IN (
	SELECT id FROM %[1]s
	WHERE (verification_state = 0 OR (verification_state = 3 AND (verification_retry_at IS NULL OR verification_retry_at <= $2)))
	AND ($3 = FALSE OR state = 2)
	ORDER BY verification_state, verification_retry_at NULLS FIRST, id
	LIMIT $1
	FOR UPDATE SKIP LOCKED
)
RETURNING %[2]s
`), opts.Limit, opts.Now, opts.SyncedOnly)
	if err != nil {
		return nil, fmt.Errorf("claim verification batch: %w", err)
	}
	return s.scanRows(rows)
}

// StaleVerifications implements Store.
func (s *PostgresStore) StaleVerifications(ctx context.Context, startedBefore time.Time, limit int) ([]*Registry, error) {
	rows, err := s.db.QueryContext(ctx, s.query(`
SELECT %[2]s FROM %[1]s
WHERE verification_state = 1 AND verification_started_at < $1
ORDER BY id
LIMIT $2
`), startedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale verifications: %w", err)
	}
	return s.scanRows(rows)
}

// ReverifySucceededBefore implements Store.
func (s *PostgresStore) ReverifySucceededBefore(ctx context.Context, verifiedBefore time.Time, limit int) (int, error) {
	n, err := s.exec(ctx, s.query(`
UPDATE %[1]s SET
	verification_state = 0,
	verification_started_at = NULL,
	verification_failure = NULL,
	verification_checksum_mismatched = NULL,
	verification_retry_count = 0,
	verification_retry_at = NULL
WHERE id IN (
	SELECT id FROM %[1]s
	WHERE verification_state = 2 AND verified_at < $1
	ORDER BY verified_at
	LIMIT $2
	FOR UPDATE SKIP LOCKED
)`), verifiedBefore, limit)
	if err != nil {
		return 0, fmt.Errorf("reverify: %w", err)
	}
	return int(n), nil
}

// Counts implements Store.
func (s *PostgresStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	if err := s.db.QueryRowContext(ctx, s.query(`
SELECT
	COUNT(*),
	COUNT(*) FILTER (WHERE state = 0),
	COUNT(*) FILTER (WHERE state = 1),
	COUNT(*) FILTER (WHERE state = 2),
	COUNT(*) FILTER (WHERE state = 3),
	COUNT(*) FILTER (WHERE missing_on_primary),
	COUNT(*) FILTER (WHERE verification_state = 2),
	COUNT(*) FILTER (WHERE verification_state = 3)
FROM %[1]s
`)).Scan(&c.Registry, &c.Pending, &c.Started, &c.Synced, &c.Failed, &c.MissingOnPrimary, &c.Verified, &c.VerificationFailed); err != nil {
		return Counts{}, fmt.Errorf("count registries: %w", err)
	}
	return c, nil
}
