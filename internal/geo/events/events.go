// Package events is the append-only log of changes written by the primary
// and read by secondaries to know what to replicate.
package events

import (
	"context"
	"time"
)

// Event names shared by the replicables.
const (
	Created = "created"
	Updated = "updated"
	Deleted = "deleted"
)

// Payload holds event specific data, for example the changed refs or the
// path of a deleted file.
type Payload map[string]interface{}

// Event records one change of a replicable resource. Events are never updated.
type Event struct {
	ID             int64
	ReplicableName string
	ModelRecordID  int64
	EventName      string
	Payload        Payload
	CreatedAt      time.Time
}

// LogEntry is a position in the single ordered log across all events.
type LogEntry struct {
	ID        int64
	Event     Event
	CreatedAt time.Time
}

// Store persists events and the event log.
type Store interface {
	// Append stores the event and its log entry atomically.
	Append(ctx context.Context, e Event) (Event, error)
	// EntriesAfter returns up to limit log entries with an id greater than afterID in ascending order.
	EntriesAfter(ctx context.Context, afterID int64, limit int) ([]LogEntry, error)
	// Entries returns the log entries with the given ids in ascending order.
	// Ids without an entry are skipped.
	Entries(ctx context.Context, ids []int64) ([]LogEntry, error)
}

// PositionStore persists how far a reader has consumed the event log.
type PositionStore interface {
	// Load returns the last processed log entry id of the reader, 0 if it never ran.
	Load(ctx context.Context, name string) (int64, error)
	// Save stores the last processed log entry id of the reader.
	Save(ctx context.Context, name string, lastID int64) error
}
