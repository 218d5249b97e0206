// Package sync drains the offline mutation queue against the remote service.
package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"golang.org/x/sync/semaphore"

	apperrors "github.com/kimhsiao/schoolsync/internal/errors"
	"github.com/kimhsiao/schoolsync/internal/logging"
	"github.com/kimhsiao/schoolsync/internal/models"
	"github.com/kimhsiao/schoolsync/internal/sync/queue"
	"github.com/kimhsiao/schoolsync/internal/sync/remote"
)

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// StateKeyLastSync is the sync_state key holding the last completed pass (RFC 3339).
const StateKeyLastSync = "last_sync_at"

// maxErrorHistory bounds the number of entry failures kept in memory.
const maxErrorHistory = 100

// ErrNoPersistentStorage is returned by Sync when the host has no durable local storage.
var ErrNoPersistentStorage = apperrors.New(apperrors.ErrNoPersistence, "no persistent local storage, sync disabled")

// LocalStore is the local record mirror. *db.RecordStore implements it.
// Get and Resolve must return an error wrapping db.ErrRecordNotFound for
// missing records. Resolve also finds a migrated record by its former
// temporary key.
type LocalStore interface {
	Get(ctx context.Context, collection models.Collection, key string) (*models.Record, error)
	Resolve(ctx context.Context, collection models.Collection, key string) (*models.Record, error)
	Put(ctx context.Context, rec *models.Record) error
	Delete(ctx context.Context, collection models.Collection, key string) error
	ListAll(ctx context.Context, collection models.Collection) ([]*models.Record, error)
	ListByIndex(ctx context.Context, collection models.Collection, indexName string, value interface{}) ([]*models.Record, error)
	ReplaceKey(ctx context.Context, oldKey string, rec *models.Record) error
}

// Queue is the part of *queue.SyncQueue the engine drives.
type Queue interface {
	ClaimPending(ctx context.Context, held func(id string) bool) ([]*queue.Entry, error)
	Get(ctx context.Context, id string) (*queue.Entry, error)
	MarkProcessing(ctx context.Context, entry *queue.Entry) error
	MarkCompleted(ctx context.Context, entry *queue.Entry) error
	MarkFailed(ctx context.Context, entry *queue.Entry, cause error) error
	RequeueFailed(ctx context.Context) (int, error)
	RecoverInterrupted(ctx context.Context) (int, error)
	SetRemoteKey(ctx context.Context, entry *queue.Entry, key string) error
	Rekey(ctx context.Context, collection models.Collection, oldKey, newKey string) (int, error)
	PendingCount(ctx context.Context) (int, error)
}

// StateStore persists small engine values across restarts. *db.StateStore implements it.
type StateStore interface {
	GetState(ctx context.Context, key, def string) (string, error)
	SetState(ctx context.Context, key, val string) error
}

// Metrics receives pass and entry counters. *telemetry.Registry implements it.
type Metrics interface {
	RecordCount(name string, delta int, tags map[string]string)
	RecordTiming(name string, d time.Duration, tags map[string]string)
}

// EngineConfig holds engine configuration.
type EngineConfig struct {
	Retry RetryConfig

	// PersistentStorage reports whether the host has durable local storage.
	// Without it Sync is a no-op.
	PersistentStorage bool

	// AutoRequeueFailed moves failed entries back to pending at the start of every pass.
	AutoRequeueFailed bool

	// PassTimeout bounds passes started by Trigger (default: 5 minutes).
	PassTimeout time.Duration

	State   StateStore
	Metrics Metrics
}

// DefaultEngineConfig returns default engine configuration.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		Retry:             DefaultRetryConfig(),
		PersistentStorage: true,
		PassTimeout:       5 * time.Minute,
	}
}

// SyncEventType identifies a sync notification.
type SyncEventType string

const (
	SyncEventStarted        SyncEventType = "sync.started"
	SyncEventEntryCompleted SyncEventType = "sync.entry_completed"
	SyncEventEntryFailed    SyncEventType = "sync.entry_failed"
	SyncEventCompleted      SyncEventType = "sync.completed"
	SyncEventFailed         SyncEventType = "sync.failed"
)

// SyncEvent is emitted while a pass runs.
type SyncEvent struct {
	Type       SyncEventType `json:"type"`
	Message    string        `json:"message,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	EntryID    string        `json:"entry_id,omitempty"`
	Collection string        `json:"collection,omitempty"`
	RecordKey  string        `json:"record_key,omitempty"`
	Operation  string        `json:"operation,omitempty"`
	Result     *SyncResult   `json:"result,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// SyncEventHandler receives sync events. Handlers run on the pass goroutine
// and must not block.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncEventHandlerFunc adapts a function to SyncEventHandler.
type SyncEventHandlerFunc func(event SyncEvent)

// OnSyncEvent implements SyncEventHandler.
func (f SyncEventHandlerFunc) OnSyncEvent(event SyncEvent) { f(event) }

// SyncErrorEntry records one failed queue entry.
type SyncErrorEntry struct {
	EntryID    string    `json:"entry_id"`
	Collection string    `json:"collection"`
	RecordKey  string    `json:"record_key"`
	Operation  string    `json:"operation"`
	Code       string    `json:"code"`
	Error      string    `json:"error"`
	Attempts   int       `json:"attempts"`
	Timestamp  time.Time `json:"timestamp"`
}

// SyncResult represents the result of a sync pass.
type SyncResult struct {
	Reason    string        `json:"reason,omitempty"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`

	// Skipped is set when another pass held the lock; nothing else is filled in.
	Skipped bool `json:"skipped"`

	Claimed   int    `json:"claimed"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Ignored   int    `json:"ignored"` // claimed but no longer pending when re-read
	Requeued  int    `json:"requeued"`
	Error     string `json:"error,omitempty"`
}

// SyncEngine drains the sync queue. At most one pass runs at a time.
type SyncEngine struct {
	store  LocalStore
	queue  Queue
	remote remote.Service
	cfg    EngineConfig

	sem *semaphore.Weighted

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         gosync.WaitGroup

	mu           gosync.RWMutex
	status       SyncStatus
	lastSync     *time.Time
	lastErr      error
	done         chan struct{}
	handler      SyncEventHandler
	errorHistory []SyncErrorEntry

	// held contains entries this process has claimed but whose completed
	// status may not be persisted yet.
	heldMu gosync.Mutex
	held   map[string]struct{}
}

// NewSyncEngine creates a new SyncEngine. A nil config uses DefaultEngineConfig.
func NewSyncEngine(store LocalStore, q Queue, svc remote.Service, config *EngineConfig) *SyncEngine {
	if config == nil {
		config = DefaultEngineConfig()
	}
	cfg := *config
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = 5 * time.Minute
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &SyncEngine{
		store:        store,
		queue:        q,
		remote:       svc,
		cfg:          cfg,
		sem:          semaphore.NewWeighted(1),
		baseCtx:      baseCtx,
		cancelBase:   cancel,
		status:       SyncStatusIdle,
		errorHistory: make([]SyncErrorEntry, 0),
		held:         make(map[string]struct{}),
	}
}

// Recover marks entries a previous process left processing as failed, so the
// requeue path can retry them. It does nothing while a pass is running.
func (e *SyncEngine) Recover(ctx context.Context) (int, error) {
	if !e.sem.TryAcquire(1) {
		return 0, nil
	}
	defer e.sem.Release(1)
	return e.queue.RecoverInterrupted(ctx)
}

// LoadState restores the last sync time from the state store.
func (e *SyncEngine) LoadState(ctx context.Context) error {
	if e.cfg.State == nil {
		return nil
	}
	v, err := e.cfg.State.GetState(ctx, StateKeyLastSync, "")
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStore, "load sync state", err)
	}
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		logging.Warn("Ignoring malformed last sync time", map[string]interface{}{"value": v})
		return nil
	}
	e.mu.Lock()
	e.lastSync = &t
	e.mu.Unlock()
	return nil
}

// SetEventHandler sets the event handler for sync notifications.
func (e *SyncEngine) SetEventHandler(handler SyncEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

// Status returns the current sync status.
func (e *SyncEngine) Status() SyncStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// LastSync returns the end time of the last pass that was not aborted.
func (e *SyncEngine) LastSync() *time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastSync == nil {
		return nil
	}
	t := *e.lastSync
	return &t
}

// LastError returns the error that aborted the last pass, if any.
func (e *SyncEngine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// PendingChanges returns the number of pending queue entries.
func (e *SyncEngine) PendingChanges(ctx context.Context) (int, error) {
	return e.queue.PendingCount(ctx)
}

// RequeueFailed moves failed entries back to pending. The next pass retries them.
func (e *SyncEngine) RequeueFailed(ctx context.Context) (int, error) {
	return e.queue.RequeueFailed(ctx)
}

// GetErrorHistory returns a copy of recent entry failures, oldest first.
func (e *SyncEngine) GetErrorHistory() []SyncErrorEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]SyncErrorEntry, len(e.errorHistory))
	copy(out, e.errorHistory)
	return out
}

// ClearErrorHistory clears the error history.
func (e *SyncEngine) ClearErrorHistory() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errorHistory = make([]SyncErrorEntry, 0)
}

// IsSyncing reports whether a pass is running.
func (e *SyncEngine) IsSyncing() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.done != nil
}

// Sync runs a pass on the caller's goroutine. If another pass holds the lock
// it returns at once with Skipped set and a nil error.
func (e *SyncEngine) Sync(ctx context.Context) (*SyncResult, error) {
	return e.SyncWithReason(ctx, "manual")
}

// SyncWithReason is Sync with a reason attached to the emitted events.
func (e *SyncEngine) SyncWithReason(ctx context.Context, reason string) (*SyncResult, error) {
	if !e.cfg.PersistentStorage {
		return nil, ErrNoPersistentStorage
	}
	if !e.sem.TryAcquire(1) {
		logging.Debug("Sync already in progress, skipping", map[string]interface{}{"reason": reason})
		e.count("sync.skipped", nil)
		return &SyncResult{Reason: reason, Skipped: true}, nil
	}
	done := e.begin()
	return e.run(ctx, reason, done)
}

// Trigger starts a pass in the background and returns without waiting.
// It returns false when a pass is already running or sync is disabled.
func (e *SyncEngine) Trigger(reason string) bool {
	if !e.cfg.PersistentStorage {
		return false
	}
	if !e.sem.TryAcquire(1) {
		logging.Debug("Sync already in progress, trigger absorbed", map[string]interface{}{"reason": reason})
		e.count("sync.skipped", nil)
		return false
	}
	done := e.begin()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(e.baseCtx, e.cfg.PassTimeout)
		defer cancel()
		if _, err := e.run(ctx, reason, done); err != nil {
			logging.ErrorWithCode("Triggered sync failed", string(apperrors.CodeOf(err)), err,
				map[string]interface{}{"reason": reason})
		}
	}()
	return true
}

// Wait blocks until the running pass, if any, finishes.
func (e *SyncEngine) Wait(ctx context.Context) error {
	e.mu.RLock()
	done := e.done
	e.mu.RUnlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels passes started by Trigger and waits for them to return.
func (e *SyncEngine) Close() {
	e.cancelBase()
	e.wg.Wait()
}

// begin must be called with the semaphore held.
func (e *SyncEngine) begin() chan struct{} {
	done := make(chan struct{})
	e.mu.Lock()
	e.status = SyncStatusSyncing
	e.done = done
	e.mu.Unlock()
	return done
}

// run executes one pass and releases the lock on every exit path.
func (e *SyncEngine) run(ctx context.Context, reason string, done chan struct{}) (result *SyncResult, err error) {
	result = &SyncResult{Reason: reason, StartTime: time.Now()}

	defer func() {
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)

		e.mu.Lock()
		if err != nil {
			e.status = SyncStatusFailed
			e.lastErr = err
			result.Error = err.Error()
		} else {
			e.status = SyncStatusIdle
			e.lastErr = nil
			end := result.EndTime
			e.lastSync = &end
		}
		e.done = nil
		e.mu.Unlock()

		// Release before waking waiters so they can start the next pass.
		e.sem.Release(1)
		close(done)
	}()

	e.emitEvent(SyncEvent{Type: SyncEventStarted, Reason: reason})
	logging.Info("Sync pass started", map[string]interface{}{"reason": reason})

	if e.cfg.AutoRequeueFailed {
		n, rqErr := e.queue.RequeueFailed(ctx)
		if rqErr != nil {
			logging.Warn("Automatic requeue failed", map[string]interface{}{"error": rqErr.Error()})
		}
		result.Requeued = n
	}

	entries, err := e.queue.ClaimPending(ctx, e.isHeld)
	if err != nil {
		err = apperrors.Wrap(apperrors.ErrSyncFailed, "read pending entries", err)
		e.failPass(reason, result, err)
		return result, err
	}
	result.Claimed = len(entries)

	for _, entry := range entries {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = apperrors.Wrap(apperrors.ErrSyncTimeout, "pass interrupted", ctxErr)
			e.failPass(reason, result, err)
			return result, err
		}
		e.processEntry(ctx, entry, result)
	}

	e.persistLastSync(ctx, time.Now())
	e.count("sync.passes", map[string]string{"outcome": "completed"})
	e.timing("sync.pass_duration", time.Since(result.StartTime))

	logging.Info("Sync pass completed", map[string]interface{}{
		"reason":    reason,
		"claimed":   result.Claimed,
		"completed": result.Completed,
		"failed":    result.Failed,
		"ignored":   result.Ignored,
	})
	e.emitEvent(SyncEvent{Type: SyncEventCompleted, Reason: reason, Result: result.snapshot()})
	return result, nil
}

func (e *SyncEngine) failPass(reason string, result *SyncResult, err error) {
	logging.ErrorWithCode("Sync pass aborted", string(apperrors.CodeOf(err)), err,
		map[string]interface{}{"reason": reason})
	e.count("sync.passes", map[string]string{"outcome": "failed"})
	e.emitEvent(SyncEvent{Type: SyncEventFailed, Reason: reason, Message: err.Error(), Result: result.snapshot()})
}

// processEntry handles one claimed entry. Failures are recorded on the entry
// and never abort the pass.
func (e *SyncEngine) processEntry(ctx context.Context, claimed *queue.Entry, result *SyncResult) {
	// Bookkeeping writes must land even when ctx expires mid-entry.
	bookCtx := context.WithoutCancel(ctx)

	entry, err := e.queue.Get(ctx, claimed.ID)
	if err != nil {
		e.failEntry(bookCtx, claimed, err, result)
		return
	}
	if entry.Status != queue.QueueStatusPending {
		logging.Debug("Skipping entry no longer pending", map[string]interface{}{
			"entry_id": entry.ID,
			"status":   string(entry.Status),
		})
		result.Ignored++
		return
	}

	if err := e.queue.MarkProcessing(ctx, entry); err != nil {
		e.failEntry(bookCtx, entry, err, result)
		return
	}
	e.hold(entry.ID)

	start := time.Now()
	attempts, err := e.dispatch(ctx, entry)
	entry.Attempts = attempts
	e.timing("sync.entry_duration", time.Since(start))
	if err != nil {
		e.failEntry(bookCtx, entry, err, result)
		return
	}

	if err := e.queue.MarkCompleted(bookCtx, entry); err != nil {
		// The remote call succeeded; keep the entry held so this process
		// does not replay it while the stored status is stale.
		logging.ErrorWithCode("Failed to persist completed entry", string(apperrors.ErrStore), err,
			map[string]interface{}{"entry_id": entry.ID})
	} else {
		e.release(entry.ID)
	}

	result.Completed++
	e.count("sync.entries", map[string]string{"outcome": "completed", "operation": string(entry.Operation)})
	e.emitEvent(SyncEvent{
		Type:       SyncEventEntryCompleted,
		EntryID:    entry.ID,
		Collection: string(entry.Collection),
		RecordKey:  entry.RecordKey,
		Operation:  string(entry.Operation),
	})
}

func (e *SyncEngine) failEntry(ctx context.Context, entry *queue.Entry, cause error, result *SyncResult) {
	code := apperrors.CodeOf(cause)
	ctxMap := map[string]interface{}{
		"entry_id":   entry.ID,
		"collection": string(entry.Collection),
		"record_key": entry.RecordKey,
		"operation":  string(entry.Operation),
		"attempts":   entry.Attempts,
	}
	if code == apperrors.ErrDataConsistency {
		logging.ErrorWithCode("Queue entry violates local store invariant", string(code), cause, ctxMap)
	} else {
		logging.ErrorWithCode("Queue entry failed", string(code), cause, ctxMap)
	}

	if err := e.queue.MarkFailed(ctx, entry, cause); err != nil {
		logging.Error("Failed to persist failed entry", err, map[string]interface{}{"entry_id": entry.ID})
	}
	e.release(entry.ID)
	e.recordError(entry, cause)

	result.Failed++
	e.count("sync.entries", map[string]string{"outcome": "failed", "operation": string(entry.Operation)})
	e.emitEvent(SyncEvent{
		Type:       SyncEventEntryFailed,
		Message:    cause.Error(),
		EntryID:    entry.ID,
		Collection: string(entry.Collection),
		RecordKey:  entry.RecordKey,
		Operation:  string(entry.Operation),
	})
}

func (e *SyncEngine) dispatch(ctx context.Context, entry *queue.Entry) (int, error) {
	switch entry.Operation {
	case queue.OperationCreate:
		return e.handleCreate(ctx, entry)
	case queue.OperationUpdate:
		return e.handleUpdate(ctx, entry)
	case queue.OperationDelete:
		return e.handleDelete(ctx, entry)
	default:
		return 0, apperrors.New(apperrors.ErrQueueEntry, fmt.Sprintf("unknown operation %q", entry.Operation))
	}
}

func (e *SyncEngine) isHeld(id string) bool {
	e.heldMu.Lock()
	defer e.heldMu.Unlock()
	_, ok := e.held[id]
	return ok
}

func (e *SyncEngine) hold(id string) {
	e.heldMu.Lock()
	defer e.heldMu.Unlock()
	e.held[id] = struct{}{}
}

func (e *SyncEngine) release(id string) {
	e.heldMu.Lock()
	defer e.heldMu.Unlock()
	delete(e.held, id)
}

// recordError appends to the bounded error history.
func (e *SyncEngine) recordError(entry *queue.Entry, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.errorHistory = append(e.errorHistory, SyncErrorEntry{
		EntryID:    entry.ID,
		Collection: string(entry.Collection),
		RecordKey:  entry.RecordKey,
		Operation:  string(entry.Operation),
		Code:       string(apperrors.CodeOf(err)),
		Error:      err.Error(),
		Attempts:   entry.Attempts,
		Timestamp:  time.Now(),
	})
	if len(e.errorHistory) > maxErrorHistory {
		e.errorHistory = e.errorHistory[len(e.errorHistory)-maxErrorHistory:]
	}
}

// emitEvent delivers event to the handler, stamping it if needed.
func (e *SyncEngine) emitEvent(event SyncEvent) {
	e.mu.RLock()
	handler := e.handler
	e.mu.RUnlock()
	if handler == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	handler.OnSyncEvent(event)
}

func (e *SyncEngine) persistLastSync(ctx context.Context, t time.Time) {
	if e.cfg.State == nil {
		return
	}
	if err := e.cfg.State.SetState(context.WithoutCancel(ctx), StateKeyLastSync, t.UTC().Format(time.RFC3339Nano)); err != nil {
		logging.Warn("Failed to persist last sync time", map[string]interface{}{"error": err.Error()})
	}
}

func (e *SyncEngine) count(name string, tags map[string]string) {
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordCount(name, 1, tags)
	}
}

func (e *SyncEngine) timing(name string, d time.Duration) {
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordTiming(name, d, nil)
	}
}

// snapshot returns a copy safe to hand to event handlers.
func (r *SyncResult) snapshot() *SyncResult {
	c := *r
	if c.EndTime.IsZero() {
		c.EndTime = time.Now()
		c.Duration = c.EndTime.Sub(c.StartTime)
	}
	return &c
}

// String summarizes the result for logs and the CLI.
func (r *SyncResult) String() string {
	if r.Skipped {
		return "skipped: another pass is running"
	}
	return fmt.Sprintf("claimed=%d completed=%d failed=%d ignored=%d",
		r.Claimed, r.Completed, r.Failed, r.Ignored)
}
