package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/salbaldovinos/hoofdirect-sub000/internal/logger"
	"github.com/salbaldovinos/hoofdirect-sub000/internal/store"
)

// Queue is the caller-facing write path. Enqueue records a mutation durably
// before returning; the caller may treat the local write as saved once
// Enqueue succeeds, even if the process dies before the next sync cycle.
//
// Queue also owns coalescing: for any (entity_type, entity_id) at most one
// entry is ever pending or failed. Rapid successive edits collapse to the
// net effect so only the final state is transmitted.
type Queue struct {
	store  store.Store
	notify func()
}

func NewQueue(st store.Store) *Queue {
	return &Queue{store: st}
}

// SetNotify registers a callback invoked after every successful enqueue,
// used by the scheduler to debounce a sync trigger.
func (q *Queue) SetNotify(fn func()) {
	q.notify = fn
}

func (q *Queue) Enqueue(ctx context.Context, entityType, entityID string, op store.Operation, payload json.RawMessage) error {
	if !op.Valid() {
		return fmt.Errorf("invalid operation %q", op)
	}
	if entityType == "" || entityID == "" {
		return fmt.Errorf("entity type and id are required")
	}

	existing, err := q.store.LatestPendingFor(ctx, entityType, entityID)
	if err != nil {
		return fmt.Errorf("failed to look up pending entry: %w", err)
	}

	if err := q.coalesce(ctx, existing, entityType, entityID, op, payload); err != nil {
		return err
	}

	if q.notify != nil {
		q.notify()
	}
	return nil
}

func (q *Queue) coalesce(ctx context.Context, existing *store.MutationEntry, entityType, entityID string, op store.Operation, payload json.RawMessage) error {
	if existing == nil {
		return q.appendFresh(ctx, entityType, entityID, op, payload)
	}

	switch {
	case existing.Operation == store.OpCreate && op == store.OpDelete:
		// The record never reached the remote; the net effect is nothing.
		if err := q.store.DeleteMutation(ctx, existing.ID); err != nil {
			return fmt.Errorf("failed to cancel create: %w", err)
		}
		if err := q.store.DeleteRecord(ctx, entityType, entityID); err != nil {
			return err
		}
		logger.Log.Debug("Cancelled create with delete",
			zap.String("entityType", entityType), zap.String("entityID", entityID))
		return nil

	case existing.Operation == store.OpCreate && op == store.OpUpdate:
		// Still a create from the remote's point of view, with newer content.
		existing.Payload = payload
		if err := q.store.ReplaceMutation(ctx, existing); err != nil {
			return fmt.Errorf("failed to supersede create payload: %w", err)
		}
		return q.writeRecord(ctx, entityType, entityID, payload, store.StatusPendingCreate)

	case existing.Operation == store.OpUpdate && op == store.OpUpdate,
		existing.Operation == store.OpCreate && op == store.OpCreate:
		existing.Payload = payload
		if err := q.store.ReplaceMutation(ctx, existing); err != nil {
			return fmt.Errorf("failed to supersede payload: %w", err)
		}
		status := store.StatusPendingUpdate
		if existing.Operation == store.OpCreate {
			status = store.StatusPendingCreate
		}
		return q.writeRecord(ctx, entityType, entityID, payload, status)

	case existing.Operation == store.OpUpdate && op == store.OpDelete:
		existing.Operation = store.OpDelete
		existing.Payload = nil
		if err := q.store.ReplaceMutation(ctx, existing); err != nil {
			return fmt.Errorf("failed to convert update to delete: %w", err)
		}
		return q.store.SetSyncStatus(ctx, entityType, entityID, store.StatusPendingDelete)

	case existing.Operation == store.OpDelete && op == store.OpCreate:
		// The pending delete never reached the remote, so drop it and treat
		// this as a fresh create; the remote upsert recreates the record.
		if err := q.store.DeleteMutation(ctx, existing.ID); err != nil {
			return fmt.Errorf("failed to drop superseded delete: %w", err)
		}
		return q.appendFresh(ctx, entityType, entityID, store.OpCreate, payload)

	case existing.Operation == store.OpDelete && op == store.OpDelete:
		// Idempotent; the delete is already queued.
		return nil

	default:
		// Delete followed by update: the caller resurrected the record.
		if err := q.store.DeleteMutation(ctx, existing.ID); err != nil {
			return fmt.Errorf("failed to drop superseded delete: %w", err)
		}
		return q.appendFresh(ctx, entityType, entityID, op, payload)
	}
}

func (q *Queue) appendFresh(ctx context.Context, entityType, entityID string, op store.Operation, payload json.RawMessage) error {
	entry := &store.MutationEntry{
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  op,
		Payload:    payload,
		Status:     store.EntryPending,
	}

	if _, err := q.store.AppendMutation(ctx, entry); err != nil {
		return err
	}

	switch op {
	case store.OpCreate:
		return q.writeRecord(ctx, entityType, entityID, payload, store.StatusPendingCreate)
	case store.OpUpdate:
		return q.writeRecord(ctx, entityType, entityID, payload, store.StatusPendingUpdate)
	case store.OpDelete:
		return q.store.SetSyncStatus(ctx, entityType, entityID, store.StatusPendingDelete)
	}
	return nil
}

func (q *Queue) writeRecord(ctx context.Context, entityType, entityID string, payload json.RawMessage, status store.SyncStatus) error {
	return q.store.UpsertRecord(ctx, &store.Record{
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
		SyncStatus: status,
		UpdatedAt:  time.Now().UTC(),
	})
}

// StatusOf returns the sync status for UI affordances. Records unknown to
// the engine report as synced.
func (q *Queue) StatusOf(ctx context.Context, entityType, entityID string) (store.SyncStatus, error) {
	rec, err := q.store.GetRecord(ctx, entityType, entityID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return store.StatusSynced, nil
	}
	return rec.SyncStatus, nil
}

// PendingCount reports how many mutations have not yet reached the remote.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	return q.store.PendingCount(ctx)
}
