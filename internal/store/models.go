package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Operation is the kind of local change recorded in the mutation log.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Priority orders queue draining: updates first, then creates, then deletes.
func (o Operation) Priority() int {
	switch o {
	case OpUpdate:
		return 2
	case OpCreate:
		return 1
	case OpDelete:
		return 0
	}
	return 0
}

func (o Operation) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// EntryStatus is the lifecycle state of a mutation log entry.
type EntryStatus string

const (
	EntryPending    EntryStatus = "pending"
	EntryInProgress EntryStatus = "in_progress"
	EntryFailed     EntryStatus = "failed"
	EntryCompleted  EntryStatus = "completed"
)

// SyncStatus is the per-record state shown to the caller's UI.
type SyncStatus string

const (
	StatusSynced        SyncStatus = "synced"
	StatusPendingCreate SyncStatus = "pending_create"
	StatusPendingUpdate SyncStatus = "pending_update"
	StatusPendingDelete SyncStatus = "pending_delete"
	StatusConflict      SyncStatus = "conflict"
)

// MutationEntry is one row of the durable mutation log. At most one entry per
// (entity_type, entity_id) may be pending or failed at any time; the queue
// coalescer enforces this, not the caller.
type MutationEntry struct {
	ID            int64           `db:"id" json:"id"`
	EntityType    string          `db:"entity_type" json:"entity_type"`
	EntityID      string          `db:"entity_id" json:"entity_id"`
	Operation     Operation       `db:"operation" json:"operation"`
	Payload       json.RawMessage `db:"payload" json:"payload,omitempty"`
	Status        EntryStatus     `db:"status" json:"status"`
	RetryCount    int             `db:"retry_count" json:"retry_count"`
	LastError     sql.NullString  `db:"last_error" json:"last_error,omitempty"`
	Priority      int             `db:"priority" json:"priority"`
	NextAttemptAt sql.NullTime    `db:"next_attempt_at" json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// Record is a local domain row. The engine never parses Payload; it only moves
// it whole between the local store and the remote gateway.
type Record struct {
	EntityType string          `db:"entity_type" json:"entity_type"`
	EntityID   string          `db:"entity_id" json:"entity_id"`
	Payload    json.RawMessage `db:"payload" json:"payload,omitempty"`
	SyncStatus SyncStatus      `db:"sync_status" json:"sync_status"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updated_at"`
}

// Conflict is an audit row written whenever automatic resolution ran.
type Conflict struct {
	ID         string          `db:"id" json:"id"`
	EntityType string          `db:"entity_type" json:"entity_type"`
	EntityID   string          `db:"entity_id" json:"entity_id"`
	LocalData  json.RawMessage `db:"local_data" json:"local_data,omitempty"`
	RemoteData json.RawMessage `db:"remote_data" json:"remote_data,omitempty"`
	Resolution string          `db:"resolution" json:"resolution"`
	DetectedAt time.Time       `db:"detected_at" json:"detected_at"`
}

// SyncCycle is the history row for one orchestrator drain+pull cycle.
type SyncCycle struct {
	ID                string         `db:"id" json:"id"`
	StartedAt         time.Time      `db:"started_at" json:"started_at"`
	CompletedAt       sql.NullTime   `db:"completed_at" json:"completed_at,omitempty"`
	EntriesPushed     int            `db:"entries_pushed" json:"entries_pushed"`
	EntriesFailed     int            `db:"entries_failed" json:"entries_failed"`
	RecordsPulled     int            `db:"records_pulled" json:"records_pulled"`
	ConflictsResolved int            `db:"conflicts_resolved" json:"conflicts_resolved"`
	Status            string         `db:"status" json:"status"`
	ErrorMessage      sql.NullString `db:"error_message" json:"error_message,omitempty"`
}

// Metadata keys used by the orchestrator.
const (
	MetaLastSyncTs = "last_sync_ts"
)
