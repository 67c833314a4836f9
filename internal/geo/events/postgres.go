package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"gitlab.com/gitlab-org/geo/internal/geo/datastore/glsql"
)

// PostgresStore keeps events in the geo_events and geo_event_log tables.
type PostgresStore struct {
	db glsql.TxQuerier
}

// NewPostgresStore returns a PostgresStore using db.
func NewPostgresStore(db glsql.TxQuerier) *PostgresStore {
	return &PostgresStore{db: db}
}

// Append implements Store.
func (s *PostgresStore) Append(ctx context.Context, e Event) (Event, error) {
	payload := e.Payload
	if payload == nil {
		payload = Payload{}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal payload: %w", err)
	}

	if err := glsql.InTransaction(ctx, s.db, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
INSERT INTO geo_events (replicable_name, model_record_id, event_name, payload)
VALUES ($1, $2, $3, $4)
RETURNING id, created_at
`, e.ReplicableName, e.ModelRecordID, e.EventName, data).Scan(&e.ID, &e.CreatedAt); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO geo_event_log (geo_event_id) VALUES ($1)`, e.ID); err != nil {
			return fmt.Errorf("insert event log: %w", err)
		}

		return nil
	}); err != nil {
		return Event{}, err
	}

	e.Payload = payload
	return e, nil
}

const selectEntries = `
SELECT log.id, log.created_at, ev.id, ev.replicable_name, ev.model_record_id, ev.event_name, ev.payload, ev.created_at
FROM geo_event_log AS log
JOIN geo_events AS ev ON ev.id = log.geo_event_id
`

// EntriesAfter implements Store.
func (s *PostgresStore) EntriesAfter(ctx context.Context, afterID int64, limit int) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, selectEntries+`
WHERE log.id > $1
ORDER BY log.id
LIMIT $2
`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query event log: %w", err)
	}

	return scanEntries(rows)
}

// Entries implements Store.
func (s *PostgresStore) Entries(ctx context.Context, ids []int64) ([]LogEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, selectEntries+`
WHERE log.id = ANY($1)
ORDER BY log.id
`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("query event log: %w", err)
	}

	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) (_ []LogEntry, err error) {
	defer func() {
		if cErr := rows.Close(); cErr != nil && err == nil {
			err = cErr
		}
	}()

	var entries []LogEntry
	for rows.Next() {
		var entry LogEntry
		var payload []byte
		if err := rows.Scan(
			&entry.ID,
			&entry.CreatedAt,
			&entry.Event.ID,
			&entry.Event.ReplicableName,
			&entry.Event.ModelRecordID,
			&entry.Event.EventName,
			&payload,
			&entry.Event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event log: %w", err)
		}

		if err := json.Unmarshal(payload, &entry.Event.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload of event %d: %w", entry.Event.ID, err)
		}

		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// PostgresPositionStore keeps reader positions in the geo_event_log_cursors table.
type PostgresPositionStore struct {
	db glsql.Querier
}

// NewPostgresPositionStore returns a PostgresPositionStore using db.
func NewPostgresPositionStore(db glsql.Querier) *PostgresPositionStore {
	return &PostgresPositionStore{db: db}
}

// Load implements PositionStore.
func (s *PostgresPositionStore) Load(ctx context.Context, name string) (int64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT last_event_log_id FROM geo_event_log_cursors WHERE name = $1`, name).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("load position: %w", err)
	}
	return id, nil
}

// Save implements PositionStore. The position never moves backwards.
func (s *PostgresPositionStore) Save(ctx context.Context, name string, lastID int64) error {
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO geo_event_log_cursors (name, last_event_log_id) VALUES ($1, $2)
ON CONFLICT (name) DO UPDATE SET
	last_event_log_id = GREATEST(geo_event_log_cursors.last_event_log_id, EXCLUDED.last_event_log_id),
	updated_at = NOW() AT TIME ZONE 'UTC'
`, name, lastID); err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	return nil
}
