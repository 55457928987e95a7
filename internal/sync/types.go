package sync

import (
	"encoding/json"
	"fmt"
	"time"
)

// Resolution is the outcome of running the conflict resolver.
type Resolution string

const (
	// ResolutionNone means the policy could not decide; the record is flagged
	// for the caller. The default last-write-wins resolver never returns it.
	ResolutionNone Resolution = "none"
	NoConflict     Resolution = "no_conflict"
	LocalWins      Resolution = "local_wins"
	ServerWins     Resolution = "server_wins"
)

// Version is the minimal view of a record the resolver needs.
type Version struct {
	UpdatedAt time.Time
	Deleted   bool
}

// RemoteRecord is a record as reported by the remote system of record.
type RemoteRecord struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Payload    json.RawMessage `json:"payload"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Deleted    bool            `json:"deleted"`
}

func (r RemoteRecord) Version() Version {
	return Version{UpdatedAt: r.UpdatedAt, Deleted: r.Deleted}
}

func (r RemoteRecord) String() string {
	return fmt.Sprintf("%s/%s@%s", r.EntityType, r.EntityID, r.UpdatedAt.Format(time.RFC3339))
}

// TransportClass is the coarse network class reported by the observer.
type TransportClass string

const (
	TransportNone      TransportClass = "none"
	TransportMetered   TransportClass = "metered"
	TransportUnmetered TransportClass = "unmetered"
)

// ConnState is one sample of the connectivity signal.
type ConnState struct {
	Online bool
	Class  TransportClass
}

// CycleState tracks where the orchestrator is within a drain cycle.
type CycleState string

const (
	StateIdle     CycleState = "idle"
	StateDraining CycleState = "draining"
	StatePulling  CycleState = "pulling"
)
