package store

import (
	"context"
	"time"
)

type Store interface {
	// Mutation log
	AppendMutation(ctx context.Context, entry *MutationEntry) (int64, error)
	PeekBatch(ctx context.Context, limit int, now time.Time) ([]*MutationEntry, error)
	MarkStatus(ctx context.Context, id int64, status EntryStatus, lastError string) error
	MarkRetry(ctx context.Context, id int64, lastError string, nextAttemptAt time.Time) error
	ResetMutation(ctx context.Context, id int64) error
	LatestPendingFor(ctx context.Context, entityType, entityID string) (*MutationEntry, error)
	ReplaceMutation(ctx context.Context, entry *MutationEntry) error
	DeleteMutation(ctx context.Context, id int64) error
	PendingCount(ctx context.Context) (int, error)
	ListMutations(ctx context.Context, status EntryStatus, limit, offset int) ([]*MutationEntry, error)
	PurgeCompletedOlderThan(ctx context.Context, ts time.Time) (int64, error)

	// Local records
	GetRecord(ctx context.Context, entityType, entityID string) (*Record, error)
	ListRecords(ctx context.Context, entityType string, limit, offset int) ([]*Record, error)
	UpsertRecord(ctx context.Context, record *Record) error
	DeleteRecord(ctx context.Context, entityType, entityID string) error
	SetSyncStatus(ctx context.Context, entityType, entityID string, status SyncStatus) error

	// Sync metadata
	GetMetadata(ctx context.Context, key string) (string, error)
	SetMetadata(ctx context.Context, key, value string) error

	// Conflict audit
	CreateConflict(ctx context.Context, conflict *Conflict) error
	ListConflicts(ctx context.Context, limit, offset int) ([]*Conflict, error)

	// Cycle history
	CreateSyncCycle(ctx context.Context, cycle *SyncCycle) error
	UpdateSyncCycle(ctx context.Context, cycle *SyncCycle) error
	GetSyncCycles(ctx context.Context, limit, offset int) ([]*SyncCycle, error)

	// General
	Close() error
}
