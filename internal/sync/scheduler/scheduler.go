// Package scheduler triggers sync passes from a timer and from connectivity changes.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/schoolsync/internal/errors"
	"github.com/kimhsiao/schoolsync/internal/logging"
	syncpkg "github.com/kimhsiao/schoolsync/internal/sync"
)

// DefaultSyncInterval is used when no interval is configured.
const DefaultSyncInterval = 5 * time.Minute

// syncNowTimeout bounds a synchronous pass started from the API.
const syncNowTimeout = 5 * time.Minute

// Engine is the part of *syncpkg.SyncEngine the scheduler drives.
type Engine interface {
	SyncWithReason(ctx context.Context, reason string) (*syncpkg.SyncResult, error)
	Trigger(reason string) bool
	Wait(ctx context.Context) error
	IsSyncing() bool
	LastSync() *time.Time
	PendingChanges(ctx context.Context) (int, error)
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval time.Duration // timer period (default: 5 minutes)

	// SkipTicksOffline makes timer ticks do nothing while offline. By
	// default every tick triggers a pass.
	SkipTicksOffline bool

	// StartOnline is the connectivity state assumed before the first signal.
	StartOnline bool
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval: DefaultSyncInterval,
		StartOnline:  true,
	}
}

// Scheduler manages background sync triggers.
type Scheduler struct {
	engine           Engine
	defaultInterval  time.Duration
	skipTicksOffline bool

	// online is read by the timer goroutine while Start or Stop hold mu.
	online atomic.Bool

	mu       sync.RWMutex
	interval time.Duration
	tickStop chan struct{} // nil when the timer is not running
	tickDone chan struct{}

	// watchCtx is cancelled by Stop; watchers started afterwards get a fresh one.
	watchCtx    context.Context
	watchCancel context.CancelFunc
	watchers    sync.WaitGroup
}

// NewScheduler creates a new Scheduler.
func NewScheduler(engine Engine, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	interval := config.SyncInterval
	if interval <= 0 {
		interval = DefaultSyncInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		engine:           engine,
		defaultInterval:  interval,
		skipTicksOffline: config.SkipTicksOffline,
		interval:         interval,
		watchCtx:         ctx,
		watchCancel:      cancel,
	}
	s.online.Store(config.StartOnline)
	return s
}

// Start starts the periodic timer. Calling it again replaces the running
// timer instead of adding a second one. A non-positive interval uses the
// configured default.
func (s *Scheduler) Start(interval time.Duration) {
	if interval <= 0 {
		interval = s.defaultInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	replaced := s.stopTimerLocked()

	stop := make(chan struct{})
	done := make(chan struct{})
	s.tickStop = stop
	s.tickDone = done
	s.interval = interval

	go s.periodicSyncLoop(interval, stop, done)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"interval": interval.String(),
		"replaced": replaced,
	})
}

// Stop stops the timer and every connectivity watcher. It is safe to call
// more than once and before Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	wasRunning := s.stopTimerLocked()
	cancel := s.watchCancel
	s.watchCtx, s.watchCancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	cancel()
	s.watchers.Wait()

	if wasRunning {
		logging.Info("Background sync scheduler stopped", nil)
	}
}

// stopTimerLocked stops the timer goroutine and waits for it. s.mu must be held.
func (s *Scheduler) stopTimerLocked() bool {
	if s.tickStop == nil {
		return false
	}
	close(s.tickStop)
	<-s.tickDone
	s.tickStop = nil
	s.tickDone = nil
	return true
}

// periodicSyncLoop triggers a pass on every tick.
func (s *Scheduler) periodicSyncLoop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if s.skipTicksOffline && !s.IsOnline() {
				logging.Debug("Skipping timer sync - offline", nil)
				continue
			}
			s.engine.Trigger("timer")
		}
	}
}

// SetOnlineStatus records the connectivity state. A transition from offline
// to online triggers a pass without waiting for it.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	wasOnline := s.online.Swap(isOnline)
	if wasOnline == isOnline {
		return
	}

	logging.Info("Online status changed", map[string]interface{}{
		"was_online": wasOnline,
		"is_online":  isOnline,
	})
	if isOnline {
		s.engine.Trigger("online")
	}
}

// Watch feeds connectivity signals into SetOnlineStatus until ctx is done,
// signals is closed or Stop is called.
func (s *Scheduler) Watch(ctx context.Context, signals <-chan bool) {
	s.mu.RLock()
	stopCtx := s.watchCtx
	s.mu.RUnlock()

	s.watchers.Add(1)
	go func() {
		defer s.watchers.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCtx.Done():
				return
			case online, ok := <-signals:
				if !ok {
					return
				}
				s.SetOnlineStatus(online)
			}
		}
	}()
}

// TriggerSync starts a pass in the background.
// Returns true if a pass was started, false if one is already in progress.
func (s *Scheduler) TriggerSync() bool {
	return s.engine.Trigger("manual")
}

// SyncNow runs a pass and waits for it. If another pass is running it waits
// for that one first and then runs its own.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	syncCtx, cancel := context.WithTimeout(ctx, syncNowTimeout)
	defer cancel()

	for {
		result, err := s.engine.SyncWithReason(syncCtx, "manual")
		if err != nil {
			logging.ErrorWithCode("Manual sync failed", string(errors.CodeOf(err)), err, nil)
			return result, err
		}
		if !result.Skipped {
			logging.Info("Manual sync completed", map[string]interface{}{
				"claimed":   result.Claimed,
				"completed": result.Completed,
				"failed":    result.Failed,
			})
			return result, nil
		}
		if err := s.engine.Wait(syncCtx); err != nil {
			return nil, errors.Wrap(errors.ErrSyncTimeout, "waiting for running sync", err)
		}
	}
}

// SchedulerStatus is a snapshot of scheduler state.
type SchedulerStatus struct {
	IsRunning      bool          `json:"is_running"`
	IsOnline       bool          `json:"is_online"`
	Interval       time.Duration `json:"interval"`
	LastSyncTime   *time.Time    `json:"last_sync_time,omitempty"`
	SyncInProgress bool          `json:"sync_in_progress"`
	PendingItems   int           `json:"pending_items"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus(ctx context.Context) (SchedulerStatus, error) {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning: s.tickStop != nil,
		IsOnline:  s.online.Load(),
		Interval:  s.interval,
	}
	s.mu.RUnlock()

	status.LastSyncTime = s.engine.LastSync()
	status.SyncInProgress = s.engine.IsSyncing()

	pending, err := s.engine.PendingChanges(ctx)
	if err != nil {
		return status, err
	}
	status.PendingItems = pending
	return status, nil
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	return s.online.Load()
}

// IsRunning returns whether the timer is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tickStop != nil
}

// Interval returns the current timer period.
func (s *Scheduler) Interval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.interval
}
