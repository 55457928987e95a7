package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/salbaldovinos/hoofdirect-sub000/internal/config"
	"github.com/salbaldovinos/hoofdirect-sub000/internal/logger"
	"github.com/salbaldovinos/hoofdirect-sub000/internal/store"
)

// Manager is the engine facade handed to the host application. Local reads
// and writes never touch the network; all remote I/O happens inside
// orchestrator cycles owned by the scheduler.
type Manager struct {
	cfg      *config.Config
	store    store.Store
	queue    *Queue
	orch     *Orchestrator
	sched    *Scheduler
	observer *Observer

	mu      sync.Mutex
	status  string
	probeFn context.CancelFunc
}

func NewManager(cfg *config.Config, st store.Store, gw Gateway, refresher TokenRefresher) *Manager {
	observer := NewObserver(cfg.Connectivity.GetOfflineDebounce())
	orch := NewOrchestrator(cfg, st, gw, refresher)
	sched := NewScheduler(cfg, orch, observer, st)

	queue := NewQueue(st)
	queue.SetNotify(sched.NotifyMutationEnqueued)

	return &Manager{
		cfg:      cfg,
		store:    st,
		queue:    queue,
		orch:     orch,
		sched:    sched,
		observer: observer,
		status:   "idle",
	}
}

func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status == "running" {
		return fmt.Errorf("sync engine is already running")
	}

	logger.Log.Info("Starting sync engine")
	m.sched.Start()

	if url := m.cfg.Connectivity.ProbeURL; url != "" {
		ctx, cancel := context.WithCancel(context.Background())
		m.probeFn = cancel
		m.observer.StartProbe(ctx, url, m.cfg.Connectivity.GetProbeInterval())
	}

	m.status = "running"
	return nil
}

func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != "running" {
		return
	}

	logger.Log.Info("Stopping sync engine")
	if m.probeFn != nil {
		m.probeFn()
		m.probeFn = nil
	}
	m.sched.Stop()
	m.observer.Close()
	m.status = "idle"
}

func (m *Manager) Close() {
	m.Stop()
	if err := m.store.Close(); err != nil {
		logger.Log.Error("Failed to close store")
	}
}

// Enqueue records a local mutation durably and schedules a debounced sync.
// The caller performs its own domain write (and any cascade logic) first.
func (m *Manager) Enqueue(ctx context.Context, entityType, entityID string, op store.Operation, payload json.RawMessage) error {
	return m.queue.Enqueue(ctx, entityType, entityID, op, payload)
}

// StatusOf reports the per-record sync status for UI affordances.
func (m *Manager) StatusOf(ctx context.Context, entityType, entityID string) (store.SyncStatus, error) {
	return m.queue.StatusOf(ctx, entityType, entityID)
}

// PendingCount reports queue depth for "N changes pending" banners.
func (m *Manager) PendingCount(ctx context.Context) (int, error) {
	return m.queue.PendingCount(ctx)
}

// LastSyncAt reports when the last fully successful pull finished.
func (m *Manager) LastSyncAt(ctx context.Context) (time.Time, error) {
	return m.orch.LastSyncAt(ctx)
}

// TriggerSync requests an immediate cycle, subject to single flight.
func (m *Manager) TriggerSync() {
	m.sched.Trigger(TriggerManual)
}

// NotifyForeground is the app-foregrounded trigger edge.
func (m *Manager) NotifyForeground() {
	m.sched.NotifyForeground()
}

// SetConnectivity lets a platform adapter report reachability directly.
func (m *Manager) SetConnectivity(online bool, class TransportClass) {
	m.observer.SetState(online, class)
}

func (m *Manager) Observer() *Observer {
	return m.observer
}

func (m *Manager) CycleState() CycleState {
	return m.orch.State()
}

func (m *Manager) Store() store.Store {
	return m.store
}

// RetryFailed returns a permanently failed entry to the pending queue, used
// by the manual-retry affordance in the UI.
func (m *Manager) RetryFailed(ctx context.Context, id int64) error {
	if err := m.store.ResetMutation(ctx, id); err != nil {
		return err
	}
	m.sched.NotifyMutationEnqueued()
	return nil
}
