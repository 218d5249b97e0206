// Package app builds the SchoolSync object graph once and owns its lifecycle.
package app

import (
	"context"
	"io"
	"sync"

	"github.com/kimhsiao/schoolsync/internal/config"
	"github.com/kimhsiao/schoolsync/internal/db"
	"github.com/kimhsiao/schoolsync/internal/errors"
	"github.com/kimhsiao/schoolsync/internal/logging"
	"github.com/kimhsiao/schoolsync/internal/services"
	syncpkg "github.com/kimhsiao/schoolsync/internal/sync"
	"github.com/kimhsiao/schoolsync/internal/sync/queue"
	"github.com/kimhsiao/schoolsync/internal/sync/remote"
	"github.com/kimhsiao/schoolsync/internal/sync/scheduler"
	"github.com/kimhsiao/schoolsync/internal/telemetry"
)

// Option customizes New.
type Option func(*options)

type options struct {
	remote    remote.Service
	setLogger bool
	logOut    io.Writer
}

// WithRemote replaces the HTTP client, e.g. with remote.NewMemory in tests.
func WithRemote(svc remote.Service) Option {
	return func(o *options) { o.remote = svc }
}

// WithLogOutput sends logs to w when no log file is configured.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.logOut = w }
}

// WithoutLogger keeps the current global logger instead of building one from config.
func WithoutLogger() Option {
	return func(o *options) { o.setLogger = false }
}

// App holds every long-lived component.
type App struct {
	Config *config.Config

	DB        *db.DB
	Store     *db.RecordStore
	Queue     *queue.SyncQueue
	Remote    remote.Service
	Engine    *syncpkg.SyncEngine
	Scheduler *scheduler.Scheduler
	Prober    *scheduler.Prober
	Metrics   *telemetry.Registry
	Events    *EventBus

	Students         *services.StudentService
	FeeTypes         *services.FeeTypeService
	InstallmentPlans *services.InstallmentPlanService

	logger *logging.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// New opens storage and wires the components. Nothing runs until Start.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	o := options{setLogger: true}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg}
	if o.setLogger {
		a.logger = logging.New(logging.Options{
			Level: logging.ParseLevel(cfg.Log.Level),
			File:  cfg.Log.File,
			Out:   o.logOut,
		})
		logging.SetGlobal(a.logger)
	}

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStore, "opening local database", err)
	}
	a.DB = database
	a.Store = db.NewRecordStore(database)
	a.Queue = queue.NewSyncQueue(db.NewQueueRepository(database))

	a.Remote = o.remote
	if a.Remote == nil {
		client, err := remote.NewHTTPClient(remote.HTTPOptions{
			BaseURL:   cfg.Remote.URL,
			Token:     cfg.Remote.Token,
			Timeout:   cfg.Remote.Timeout,
			RateLimit: cfg.Remote.RateLimit,
			Burst:     cfg.Remote.Burst,
		})
		if err != nil {
			database.Close()
			return nil, err
		}
		a.Remote = client
	}

	a.Metrics = telemetry.NewRegistry()
	a.Events = NewEventBus()

	a.Engine = syncpkg.NewSyncEngine(a.Store, a.Queue, a.Remote, EngineConfig(cfg, db.NewStateStore(database), a.Metrics))
	a.Engine.SetEventHandler(a.Events)

	a.Scheduler = scheduler.NewScheduler(a.Engine, &scheduler.SchedulerConfig{
		SyncInterval:     cfg.Sync.Interval,
		SkipTicksOffline: cfg.Sync.SkipTicksOffline,
		StartOnline:      false,
	})
	a.Prober = scheduler.NewProber(a.Remote, cfg.Connectivity.ProbeInterval)

	deps := services.Deps{
		Store:   a.Store,
		Queue:   a.Queue,
		Trigger: a.Engine,
		Online:  a.Scheduler,
	}
	a.Students = services.NewStudentService(deps)
	a.FeeTypes = services.NewFeeTypeService(deps)
	a.InstallmentPlans = services.NewInstallmentPlanService(deps)

	logging.Info("Application wired", map[string]interface{}{
		"data_dir":   cfg.DataDir,
		"remote_url": cfg.Remote.URL,
		"persistent": cfg.Storage.Persistent,
	})
	return a, nil
}

// EngineConfig maps configuration onto the engine's settings.
func EngineConfig(cfg *config.Config, state syncpkg.StateStore, metrics syncpkg.Metrics) *syncpkg.EngineConfig {
	ec := syncpkg.DefaultEngineConfig()
	ec.Retry = syncpkg.RetryConfig{
		MaxAttempts:    cfg.Sync.Retry.MaxAttempts,
		BaseDelay:      cfg.Sync.Retry.BaseDelay,
		Multiplier:     cfg.Sync.Retry.Multiplier,
		MaxDelay:       cfg.Sync.Retry.MaxDelay,
		AttemptTimeout: cfg.Sync.Retry.AttemptTimeout,
	}
	ec.PersistentStorage = cfg.Storage.Persistent
	ec.AutoRequeueFailed = cfg.Sync.AutoRequeueFailed
	if cfg.Sync.PassTimeout > 0 {
		ec.PassTimeout = cfg.Sync.PassTimeout
	}
	ec.State = state
	ec.Metrics = metrics
	return ec
}

// Start restores persisted state, starts the timer and feeds health probes
// into the scheduler. probe=false leaves connectivity to SetOnlineStatus.
func (a *App) Start(ctx context.Context, probe bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}

	if _, err := a.Engine.Recover(ctx); err != nil {
		return err
	}
	if err := a.Engine.LoadState(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.Scheduler.Start(a.Config.Sync.Interval)
	if probe {
		a.Scheduler.Watch(runCtx, a.Prober.Run(runCtx))
	}
	a.started = true
	return nil
}

// ApplyConfig applies settings that can change at runtime.
func (a *App) ApplyConfig(cfg *config.Config) {
	a.mu.Lock()
	started := a.started
	old := a.Config
	a.Config = cfg
	a.mu.Unlock()

	if started && cfg.Sync.Interval != old.Sync.Interval {
		a.Scheduler.Start(cfg.Sync.Interval)
	}
}

// Close stops background work and releases storage.
func (a *App) Close() error {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	a.started = false
	a.mu.Unlock()

	a.Scheduler.Stop()
	a.Engine.Close()
	a.Metrics.Report()

	err := a.DB.Close()
	if a.logger != nil {
		a.logger.Close()
	}
	return err
}
