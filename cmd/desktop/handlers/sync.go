package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/kimhsiao/schoolsync/internal/logging"
	syncpkg "github.com/kimhsiao/schoolsync/internal/sync"
	"github.com/kimhsiao/schoolsync/internal/sync/queue"
	"github.com/kimhsiao/schoolsync/internal/sync/scheduler"
)

// SyncEngine is the part of the engine the handler reports on.
type SyncEngine interface {
	Status() syncpkg.SyncStatus
	LastError() error
	RequeueFailed(ctx context.Context) (int, error)
	GetErrorHistory() []syncpkg.SyncErrorEntry
}

// SyncScheduler starts passes and tracks connectivity.
type SyncScheduler interface {
	GetStatus(ctx context.Context) (scheduler.SchedulerStatus, error)
	TriggerSync() bool
	SyncNow(ctx context.Context) (*syncpkg.SyncResult, error)
	SetOnlineStatus(online bool)
}

// QueueReader lists queue entries.
type QueueReader interface {
	List(ctx context.Context, limit int) ([]*queue.Entry, error)
	Stats(ctx context.Context) (map[string]int, error)
}

// SyncHandler handles sync status and operations.
type SyncHandler struct {
	engine    SyncEngine
	scheduler SyncScheduler
	queue     QueueReader
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(engine SyncEngine, sched SyncScheduler, q QueueReader) *SyncHandler {
	return &SyncHandler{engine: engine, scheduler: sched, queue: q}
}

// Register mounts the sync routes.
func (h *SyncHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sync/status", h.GetStatus)
	mux.HandleFunc("POST /api/sync", h.TriggerSync)
	mux.HandleFunc("POST /api/sync/requeue", h.Requeue)
	mux.HandleFunc("GET /api/sync/queue", h.ListQueue)
	mux.HandleFunc("GET /api/sync/errors", h.ListErrors)
	mux.HandleFunc("POST /api/connectivity", h.SetConnectivity)
}

// GetStatus handles GET /api/sync/status
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	sched, err := h.scheduler.GetStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	response := map[string]interface{}{
		"status":           h.engine.Status(),
		"online":           sched.IsOnline,
		"scheduler":        sched.IsRunning,
		"interval_seconds": int(sched.Interval / time.Second),
		"sync_in_progress": sched.SyncInProgress,
		"pending_changes":  sched.PendingItems,
		"queue_stats":      stats,
	}
	if sched.LastSyncTime != nil {
		response["last_sync"] = sched.LastSyncTime.Unix()
	}
	if err := h.engine.LastError(); err != nil {
		response["last_error"] = err.Error()
	}

	writeJSON(w, http.StatusOK, response)
}

// TriggerSync handles POST /api/sync
// With ?wait=true the pass runs in the request and its result is returned;
// otherwise a background pass is started and 202 is returned.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		result, err := h.scheduler.SyncNow(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	started := h.scheduler.TriggerSync()
	logging.Debug("Sync requested over API", map[string]interface{}{"started": started})
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"started":         started,
		"already_running": !started,
	})
}

// Requeue handles POST /api/sync/requeue
func (h *SyncHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.RequeueFailed(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if n > 0 {
		h.scheduler.TriggerSync()
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

// ListQueue handles GET /api/sync/queue?limit=50
func (h *SyncHandler) ListQueue(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := h.queue.List(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*queue.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// ListErrors handles GET /api/sync/errors
func (h *SyncHandler) ListErrors(w http.ResponseWriter, r *http.Request) {
	history := h.engine.GetErrorHistory()
	if history == nil {
		history = []syncpkg.SyncErrorEntry{}
	}
	writeJSON(w, http.StatusOK, history)
}

// SetConnectivity handles POST /api/connectivity {"online": true}
// The UI reports browser connectivity here in addition to the health prober.
func (h *SyncHandler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Online *bool `json:"online"`
	}
	if err := decodeBody(w, r, &request); err != nil {
		writeError(w, err)
		return
	}
	if request.Online == nil {
		http.Error(w, "online is required", http.StatusBadRequest)
		return
	}

	h.scheduler.SetOnlineStatus(*request.Online)
	writeJSON(w, http.StatusOK, map[string]bool{"online": *request.Online})
}
