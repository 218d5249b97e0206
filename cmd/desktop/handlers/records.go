package handlers

import (
	"context"
	"net/http"

	"github.com/kimhsiao/schoolsync/internal/errors"
	"github.com/kimhsiao/schoolsync/internal/models"
	"github.com/kimhsiao/schoolsync/internal/services"
)

// RecordService is the write path of one collection.
// *services.StudentService and the other collection services implement it.
type RecordService interface {
	Collection() models.Collection
	Create(ctx context.Context, fields map[string]interface{}) (*services.WriteResult, error)
	Update(ctx context.Context, key string, changes map[string]interface{}) (*services.WriteResult, error)
	Delete(ctx context.Context, key string) (*services.WriteResult, error)
	Get(ctx context.Context, key string) (*models.Record, error)
	List(ctx context.Context) ([]*models.Record, error)
	ListBy(ctx context.Context, index string, value interface{}) ([]*models.Record, error)
}

// RecordHandler serves CRUD for one collection.
type RecordHandler struct {
	svc RecordService
}

// NewRecordHandler creates a new RecordHandler.
func NewRecordHandler(svc RecordService) *RecordHandler {
	return &RecordHandler{svc: svc}
}

// Register mounts the handler under prefix, e.g. "/api/students".
func (h *RecordHandler) Register(mux *http.ServeMux, prefix string) {
	mux.HandleFunc("GET "+prefix, h.List)
	mux.HandleFunc("POST "+prefix, h.Create)
	mux.HandleFunc("GET "+prefix+"/{key}", h.Get)
	mux.HandleFunc("PATCH "+prefix+"/{key}", h.Update)
	mux.HandleFunc("DELETE "+prefix+"/{key}", h.Delete)
}

// List handles GET /{collection}?index=by_school&value=sch-1
func (h *RecordHandler) List(w http.ResponseWriter, r *http.Request) {
	var (
		recs []*models.Record
		err  error
	)
	if index := r.URL.Query().Get("index"); index != "" {
		recs, err = h.svc.ListBy(r.Context(), index, r.URL.Query().Get("value"))
	} else {
		recs, err = h.svc.List(r.Context())
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []*models.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// Get handles GET /{collection}/{key}
func (h *RecordHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Get(r.Context(), r.PathValue("key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Create handles POST /{collection}
// Responds 201 when online, 202 when the write is pending sync.
func (h *RecordHandler) Create(w http.ResponseWriter, r *http.Request) {
	var fields map[string]interface{}
	if err := decodeBody(w, r, &fields); err != nil {
		writeError(w, err)
		return
	}
	if fields == nil {
		writeError(w, errors.New(errors.ErrInvalid, "request body must be an object"))
		return
	}

	res, err := h.svc.Create(r.Context(), fields)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if res.PendingSync {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// Update handles PATCH /{collection}/{key}
func (h *RecordHandler) Update(w http.ResponseWriter, r *http.Request) {
	var changes map[string]interface{}
	if err := decodeBody(w, r, &changes); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.svc.Update(r.Context(), r.PathValue("key"), changes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, writeStatus(res), res)
}

// Delete handles DELETE /{collection}/{key}
func (h *RecordHandler) Delete(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Delete(r.Context(), r.PathValue("key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, writeStatus(res), res)
}

func writeStatus(res *services.WriteResult) int {
	if res.PendingSync {
		return http.StatusAccepted
	}
	return http.StatusOK
}
