package sync

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/salbaldovinos/hoofdirect-sub000/internal/config"
	"github.com/salbaldovinos/hoofdirect-sub000/internal/logger"
	"github.com/salbaldovinos/hoofdirect-sub000/internal/store"
)

// Orchestrator drains the mutation log in priority order, pushes entries
// through the gateway, resolves conflicts, and finishes each cycle with an
// incremental pull. It is never run concurrently with itself; the trigger
// scheduler enforces single flight.
type Orchestrator struct {
	cfg         config.SyncConfig
	entityTypes []string
	store       store.Store
	gateway     Gateway
	refresher   TokenRefresher
	pushTimeout time.Duration
	pullTimeout time.Duration

	mu    sync.Mutex
	state CycleState
}

func NewOrchestrator(cfg *config.Config, st store.Store, gw Gateway, refresher TokenRefresher) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg.Sync,
		entityTypes: cfg.Sync.EntityTypes,
		store:       st,
		gateway:     gw,
		refresher:   refresher,
		pushTimeout: cfg.Remote.GetPushTimeout(),
		pullTimeout: cfg.Remote.GetPullTimeout(),
		state:       StateIdle,
	}
}

func (o *Orchestrator) State() CycleState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s CycleState) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// LastSyncAt returns the timestamp of the last fully successful pull, zero
// if the engine has never synced.
func (o *Orchestrator) LastSyncAt(ctx context.Context) (time.Time, error) {
	raw, err := o.store.GetMetadata(ctx, store.MetaLastSyncTs)
	if err != nil || raw == "" {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, raw)
}

// RunCycle performs one full drain+pull cycle and records it in history.
func (o *Orchestrator) RunCycle(ctx context.Context) (*store.SyncCycle, error) {
	cycle := &store.SyncCycle{
		ID:        uuid.New().String(),
		StartedAt: time.Now().UTC(),
		Status:    "running",
	}
	if err := o.store.CreateSyncCycle(ctx, cycle); err != nil {
		return nil, fmt.Errorf("failed to record sync cycle: %w", err)
	}

	lastSync, err := o.LastSyncAt(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read last sync timestamp: %w", err)
	}

	o.setState(StateDraining)
	defer o.setState(StateIdle)

	drainErr := o.drain(ctx, lastSync, cycle)

	o.setState(StatePulling)
	pullErr := o.pull(ctx, lastSync, cycle)

	now := time.Now().UTC()
	cycle.CompletedAt = sql.NullTime{Time: now, Valid: true}
	cycle.Status = "completed"
	if drainErr != nil || pullErr != nil {
		cycle.Status = "failed"
		msg := ""
		for _, e := range []error{drainErr, pullErr} {
			if e != nil {
				if msg != "" {
					msg += "; "
				}
				msg += e.Error()
			}
		}
		cycle.ErrorMessage = sql.NullString{String: msg, Valid: true}
	}
	if err := o.store.UpdateSyncCycle(ctx, cycle); err != nil {
		logger.Log.Error("Failed to update sync cycle", zap.Error(err))
	}

	logger.Log.Info("Sync cycle finished",
		zap.String("cycleID", cycle.ID),
		zap.String("status", cycle.Status),
		zap.Int("pushed", cycle.EntriesPushed),
		zap.Int("failed", cycle.EntriesFailed),
		zap.Int("pulled", cycle.RecordsPulled),
		zap.Int("conflicts", cycle.ConflictsResolved),
	)

	if drainErr != nil {
		return cycle, drainErr
	}
	return cycle, pullErr
}

// drain processes one bounded batch. A deferred or failed item never blocks
// the rest of the batch.
func (o *Orchestrator) drain(ctx context.Context, lastSync time.Time, cycle *store.SyncCycle) error {
	batch, err := o.store.PeekBatch(ctx, o.cfg.GetBatchSize(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to peek batch: %w", err)
	}

	for _, entry := range batch {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.processEntry(ctx, entry, lastSync, cycle)
	}
	return nil
}

func (o *Orchestrator) processEntry(ctx context.Context, entry *store.MutationEntry, lastSync time.Time, cycle *store.SyncCycle) {
	if err := o.store.MarkStatus(ctx, entry.ID, store.EntryInProgress, ""); err != nil {
		logger.Log.Error("Failed to mark entry in progress", zap.Int64("id", entry.ID), zap.Error(err))
		return
	}

	ack, err := o.push(ctx, entry, false)
	if err == nil {
		o.completeEntry(ctx, entry, ack, cycle)
		return
	}

	ge := Classify(err)
	switch ge.Kind {
	case ErrKindConflict:
		o.handleConflict(ctx, entry, ge, lastSync, cycle)

	case ErrKindNotFound:
		// The record is already gone remotely; the entry carries no value.
		logger.Log.Info("Dropping entry for record missing remotely",
			zap.String("entityType", entry.EntityType), zap.String("entityID", entry.EntityID))
		o.finishEntry(ctx, entry, cycle)

	case ErrKindAuthExpired:
		if o.refresher != nil {
			if rerr := o.refresher.Refresh(ctx); rerr == nil {
				if ack, perr := o.push(ctx, entry, false); perr == nil {
					o.completeEntry(ctx, entry, ack, cycle)
					return
				}
			}
		}
		o.scheduleRetry(ctx, entry, ge, cycle)

	case ErrKindRejected:
		o.failEntry(ctx, entry, ge.Message, cycle)

	default:
		o.scheduleRetry(ctx, entry, ge, cycle)
	}
}

func (o *Orchestrator) push(ctx context.Context, entry *store.MutationEntry, force bool) (*PushAck, error) {
	pushCtx, cancel := context.WithTimeout(ctx, o.pushTimeout)
	defer cancel()

	return o.gateway.Push(pushCtx, PushRequest{
		Operation:  entry.Operation,
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		Payload:    entry.Payload,
		Force:      force,
	})
}

func (o *Orchestrator) handleConflict(ctx context.Context, entry *store.MutationEntry, ge *GatewayError, lastSync time.Time, cycle *store.SyncCycle) {
	if ge.Remote == nil {
		// Conflict without the server's version; treat as transient.
		o.scheduleRetry(ctx, entry, ge, cycle)
		return
	}

	local := Version{UpdatedAt: entry.UpdatedAt, Deleted: entry.Operation == store.OpDelete}
	if rec, err := o.store.GetRecord(ctx, entry.EntityType, entry.EntityID); err == nil && rec != nil {
		local.UpdatedAt = rec.UpdatedAt
	}

	res := Resolve(local, ge.Remote.Version(), lastSync)
	o.auditConflict(ctx, entry, ge.Remote, res, cycle)

	switch res {
	case LocalWins:
		ack, err := o.push(ctx, entry, true)
		if err == nil {
			o.completeEntry(ctx, entry, ack, cycle)
			return
		}
		if forced := Classify(err); forced.Kind == ErrKindConflict {
			// The server rejected even the forced push; accept its version.
			o.applyServerVersion(ctx, entry, ge.Remote, cycle)
			return
		} else if forced.Kind == ErrKindRejected {
			o.failEntry(ctx, entry, forced.Message, cycle)
			return
		} else {
			o.scheduleRetry(ctx, entry, Classify(err), cycle)
			return
		}

	case ServerWins, NoConflict:
		o.applyServerVersion(ctx, entry, ge.Remote, cycle)

	case ResolutionNone:
		// Reserved for non-LWW policies: surface the conflict to the caller.
		if err := o.store.SetSyncStatus(ctx, entry.EntityType, entry.EntityID, store.StatusConflict); err != nil {
			logger.Log.Error("Failed to flag conflict status", zap.Error(err))
		}
		o.failEntry(ctx, entry, "unresolved conflict", cycle)
	}
}

// applyServerVersion overwrites the local record with the server's copy and
// abandons the local mutation.
func (o *Orchestrator) applyServerVersion(ctx context.Context, entry *store.MutationEntry, remote *RemoteRecord, cycle *store.SyncCycle) {
	if err := o.applyRemote(ctx, *remote); err != nil {
		logger.Log.Error("Failed to apply server version", zap.Error(err))
		o.scheduleRetry(ctx, entry, &GatewayError{Kind: ErrKindServer, Message: err.Error()}, cycle)
		return
	}
	if err := o.store.MarkStatus(ctx, entry.ID, store.EntryCompleted, ""); err != nil {
		logger.Log.Error("Failed to complete abandoned entry", zap.Error(err))
		return
	}
	cycle.ConflictsResolved++
}

func (o *Orchestrator) completeEntry(ctx context.Context, entry *store.MutationEntry, ack *PushAck, cycle *store.SyncCycle) {
	if err := o.store.MarkStatus(ctx, entry.ID, store.EntryCompleted, ""); err != nil {
		logger.Log.Error("Failed to mark entry completed", zap.Int64("id", entry.ID), zap.Error(err))
		return
	}

	// The caller may have enqueued a newer mutation for this record while the
	// push was in flight; the record must keep reflecting the pending change.
	if newer, err := o.store.LatestPendingFor(ctx, entry.EntityType, entry.EntityID); err == nil && newer != nil {
		cycle.EntriesPushed++
		return
	}

	if entry.Operation == store.OpDelete {
		if err := o.store.DeleteRecord(ctx, entry.EntityType, entry.EntityID); err != nil {
			logger.Log.Error("Failed to remove deleted record", zap.Error(err))
		}
	} else {
		if err := o.store.SetSyncStatus(ctx, entry.EntityType, entry.EntityID, store.StatusSynced); err != nil {
			logger.Log.Error("Failed to mark record synced", zap.Error(err))
		}
		// Prefer the server's canonical copy when the ack carries one.
		if ack != nil && ack.Record != nil && len(ack.Record.Payload) > 0 {
			if err := o.applyRemote(ctx, *ack.Record); err != nil {
				logger.Log.Error("Failed to store canonical copy", zap.Error(err))
			}
		}
	}
	cycle.EntriesPushed++
}

// finishEntry completes an entry without touching the local record.
func (o *Orchestrator) finishEntry(ctx context.Context, entry *store.MutationEntry, cycle *store.SyncCycle) {
	if err := o.store.MarkStatus(ctx, entry.ID, store.EntryCompleted, ""); err != nil {
		logger.Log.Error("Failed to mark entry completed", zap.Int64("id", entry.ID), zap.Error(err))
		return
	}
	cycle.EntriesPushed++
}

func (o *Orchestrator) failEntry(ctx context.Context, entry *store.MutationEntry, msg string, cycle *store.SyncCycle) {
	logger.Log.Warn("Entry failed permanently",
		zap.Int64("id", entry.ID),
		zap.String("entityType", entry.EntityType),
		zap.String("entityID", entry.EntityID),
		zap.String("error", msg),
	)
	if err := o.store.MarkStatus(ctx, entry.ID, store.EntryFailed, msg); err != nil {
		logger.Log.Error("Failed to mark entry failed", zap.Int64("id", entry.ID), zap.Error(err))
	}
	cycle.EntriesFailed++
}

func (o *Orchestrator) scheduleRetry(ctx context.Context, entry *store.MutationEntry, ge *GatewayError, cycle *store.SyncCycle) {
	if entry.RetryCount >= o.cfg.GetMaxRetries() {
		o.failEntry(ctx, entry, ge.Message, cycle)
		return
	}

	delay := backoffDelay(entry.RetryCount, o.cfg.GetBackoffInitial(), o.cfg.GetBackoffMax())
	if ge.RetryAfter > 0 {
		delay = ge.RetryAfter
	}

	if err := o.store.MarkRetry(ctx, entry.ID, ge.Message, time.Now().UTC().Add(delay)); err != nil {
		logger.Log.Error("Failed to schedule retry", zap.Int64("id", entry.ID), zap.Error(err))
		return
	}
	logger.Log.Debug("Scheduled retry",
		zap.Int64("id", entry.ID),
		zap.Int("retryCount", entry.RetryCount+1),
		zap.Duration("delay", delay),
	)
}

func (o *Orchestrator) auditConflict(ctx context.Context, entry *store.MutationEntry, remote *RemoteRecord, res Resolution, cycle *store.SyncCycle) {
	conflict := &store.Conflict{
		ID:         uuid.New().String(),
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		LocalData:  entry.Payload,
		RemoteData: remote.Payload,
		Resolution: string(res),
		DetectedAt: time.Now().UTC(),
	}
	if err := o.store.CreateConflict(ctx, conflict); err != nil {
		logger.Log.Error("Failed to record conflict audit", zap.Error(err))
	}
}

// pull fetches everything changed remotely since lastSync and advances the
// cursor only when every entity type pulled cleanly.
func (o *Orchestrator) pull(ctx context.Context, lastSync time.Time, cycle *store.SyncCycle) error {
	pullStart := time.Now().UTC()

	for _, entityType := range o.entityTypes {
		pullCtx, cancel := context.WithTimeout(ctx, o.pullTimeout)
		records, err := o.gateway.Pull(pullCtx, entityType, lastSync)
		cancel()
		if err != nil {
			return fmt.Errorf("pull %s failed: %w", entityType, err)
		}

		for _, remote := range records {
			if err := o.mergeRemote(ctx, remote, lastSync, cycle); err != nil {
				return err
			}
			cycle.RecordsPulled++
		}
	}

	return o.store.SetMetadata(ctx, store.MetaLastSyncTs, pullStart.Format(time.RFC3339Nano))
}

// mergeRemote applies one pulled record, running the resolver when it
// collides with a still-pending local mutation.
func (o *Orchestrator) mergeRemote(ctx context.Context, remote RemoteRecord, lastSync time.Time, cycle *store.SyncCycle) error {
	pending, err := o.store.LatestPendingFor(ctx, remote.EntityType, remote.EntityID)
	if err != nil {
		return err
	}

	if pending != nil {
		local := Version{UpdatedAt: pending.UpdatedAt, Deleted: pending.Operation == store.OpDelete}
		if rec, rerr := o.store.GetRecord(ctx, remote.EntityType, remote.EntityID); rerr == nil && rec != nil {
			local.UpdatedAt = rec.UpdatedAt
		}

		res := Resolve(local, remote.Version(), lastSync)
		if res == LocalWins {
			// The pending push will overwrite the remote shortly.
			return nil
		}
		o.auditConflict(ctx, pending, &remote, res, cycle)
		if err := o.store.MarkStatus(ctx, pending.ID, store.EntryCompleted, ""); err != nil {
			return err
		}
		cycle.ConflictsResolved++
	}

	return o.applyRemote(ctx, remote)
}

func (o *Orchestrator) applyRemote(ctx context.Context, remote RemoteRecord) error {
	if remote.Deleted {
		return o.store.DeleteRecord(ctx, remote.EntityType, remote.EntityID)
	}
	return o.store.UpsertRecord(ctx, &store.Record{
		EntityType: remote.EntityType,
		EntityID:   remote.EntityID,
		Payload:    remote.Payload,
		SyncStatus: store.StatusSynced,
		UpdatedAt:  remote.UpdatedAt,
	})
}
