package sync

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/salbaldovinos/hoofdirect-sub000/internal/config"
	"github.com/salbaldovinos/hoofdirect-sub000/internal/logger"
	"github.com/salbaldovinos/hoofdirect-sub000/internal/store"
)

// TriggerReason identifies what asked for a sync cycle.
type TriggerReason string

const (
	TriggerPeriodic     TriggerReason = "periodic"
	TriggerConnectivity TriggerReason = "connectivity"
	TriggerForeground   TriggerReason = "foreground"
	TriggerMutation     TriggerReason = "mutation"
	TriggerManual       TriggerReason = "manual"
)

// Runner is the single entry point the scheduler needs from the
// orchestrator.
type Runner interface {
	RunCycle(ctx context.Context) (*store.SyncCycle, error)
}

// Scheduler decides when the orchestrator runs. It guarantees single flight:
// a trigger arriving while a cycle is in progress latches a run-again flag
// instead of starting a concurrent cycle. Every trigger is a no-op while the
// observer reports offline.
type Scheduler struct {
	runner   Runner
	observer *Observer
	store    store.Store
	schedCfg config.SchedulerConfig
	syncCfg  config.SyncConfig
	cron     *cron.Cron

	mu       sync.Mutex
	running  bool
	runAgain bool
	debounce *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg *config.Config, runner Runner, observer *Observer, st store.Store) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner:   runner,
		observer: observer,
		store:    st,
		schedCfg: cfg.Scheduler,
		syncCfg:  cfg.Sync,
		cron:     cron.New(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Scheduler) Start() {
	if s.schedCfg.Enabled {
		interval := s.schedCfg.GetInterval()
		logger.Log.Info("Starting trigger scheduler", zap.String("interval", interval))

		if _, err := s.cron.AddFunc(interval, func() {
			s.Trigger(TriggerPeriodic)
		}); err != nil {
			logger.Log.Error("Failed to schedule periodic sync", zap.Error(err))
		}

		if _, err := s.cron.AddFunc("@every 1h", s.purgeCompleted); err != nil {
			logger.Log.Error("Failed to schedule queue purge", zap.Error(err))
		}

		s.cron.Start()
	} else {
		logger.Log.Info("Periodic scheduler is disabled")
	}

	// Subscribe before returning so an edge arriving right after Start is
	// never missed.
	ch := s.observer.Subscribe()
	s.wg.Add(1)
	go s.watchConnectivity(ch, s.observer.Online())
}

func (s *Scheduler) Stop() {
	s.cancel()
	if s.cron != nil {
		s.cron.Stop()
	}
	s.mu.Lock()
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.mu.Unlock()
	s.wg.Wait()
	logger.Log.Info("Stopped trigger scheduler")
}

// Trigger requests a sync cycle. Safe to call from any goroutine.
func (s *Scheduler) Trigger(reason TriggerReason) {
	if s.ctx.Err() != nil {
		return
	}
	if !s.observer.Online() {
		logger.Log.Debug("Skipping sync trigger while offline", zap.String("reason", string(reason)))
		return
	}

	s.mu.Lock()
	if s.running {
		s.runAgain = true
		s.mu.Unlock()
		logger.Log.Debug("Sync already running, queued follow-up", zap.String("reason", string(reason)))
		return
	}
	s.running = true
	s.mu.Unlock()

	logger.Log.Info("Triggering sync", zap.String("reason", string(reason)))

	s.wg.Add(1)
	go s.runLoop()
}

func (s *Scheduler) runLoop() {
	defer s.wg.Done()

	for {
		if _, err := s.runner.RunCycle(s.ctx); err != nil && s.ctx.Err() == nil {
			logger.Log.Error("Sync cycle failed", zap.Error(err))
		}

		s.mu.Lock()
		if s.runAgain && s.ctx.Err() == nil {
			s.runAgain = false
			s.mu.Unlock()
			continue
		}
		s.running = false
		s.mu.Unlock()
		return
	}
}

// NotifyMutationEnqueued schedules a near-term sync, debounced so a burst of
// edits produces one cycle.
func (s *Scheduler) NotifyMutationEnqueued() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = time.AfterFunc(s.syncCfg.GetEnqueueDebounce(), func() {
		s.Trigger(TriggerMutation)
	})
}

// NotifyForeground should be called by the platform adapter when the host
// application returns to the foreground.
func (s *Scheduler) NotifyForeground() {
	s.Trigger(TriggerForeground)
}

func (s *Scheduler) watchConnectivity(ch <-chan ConnState, wasOnline bool) {
	defer s.wg.Done()

	for {
		select {
		case state, ok := <-ch:
			if !ok {
				return
			}
			if state.Online && !wasOnline {
				// Coming back online with queued work is the highest-priority
				// trigger.
				count, err := s.store.PendingCount(s.ctx)
				if err == nil && count > 0 {
					logger.Log.Info("Connectivity restored with pending mutations",
						zap.Int("pending", count))
				}
				s.Trigger(TriggerConnectivity)
			}
			wasOnline = state.Online
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) purgeCompleted() {
	cutoff := time.Now().UTC().Add(-s.syncCfg.GetPurgeAfter())
	n, err := s.store.PurgeCompletedOlderThan(s.ctx, cutoff)
	if err != nil {
		logger.Log.Error("Failed to purge completed entries", zap.Error(err))
		return
	}
	if n > 0 {
		logger.Log.Info("Purged completed queue entries", zap.Int64("count", n))
	}
}
