// Package queue provides the durable sync queue for offline mutations.
//
// Every local create, update or delete is appended here and later drained by
// the sync engine. Entries are never physically deleted by the queue; they
// stay in the table for audit and debugging.
package queue

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/vmihailenco/msgpack/v5"

	apperrors "github.com/kimhsiao/schoolsync/internal/errors"
	"github.com/kimhsiao/schoolsync/internal/logging"
	"github.com/kimhsiao/schoolsync/internal/models"
	"github.com/kimhsiao/schoolsync/internal/uuid"
)

// Operation represents a sync operation type.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// InterruptedError is the last error recorded on entries recovered by RecoverInterrupted.
const InterruptedError = "interrupted before completion; remote outcome unknown"

// QueueStatus represents the status of a queued operation.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
)

// Entry represents one queued mutation.
type Entry struct {
	ID         string                 `json:"id"`
	Collection models.Collection      `json:"collection"`
	RecordKey  string                 `json:"record_key"`
	Operation  Operation              `json:"operation"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Status     QueueStatus            `json:"status"`
	Attempts   int                    `json:"attempts"`
	LastError  string                 `json:"last_error,omitempty"`

	// RemoteKey is the key the remote assigned to a create. Once set, a
	// retry of the entry only repeats the local key migration.
	RemoteKey string `json:"remote_key,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Repository is the persistence the queue needs. *db.QueueRepository implements it.
type Repository interface {
	Insert(ctx context.Context, e *models.SyncQueue) error
	Save(ctx context.Context, e *models.SyncQueue) error
	Get(ctx context.Context, id string) (*models.SyncQueue, error)
	ListByStatus(ctx context.Context, status string) ([]*models.SyncQueue, error)
	List(ctx context.Context, limit int) ([]*models.SyncQueue, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
	TransitionAll(ctx context.Context, from, to, lastErr string, now int64) (int, error)
	RekeyPending(ctx context.Context, collection, oldKey, newKey string, now int64) (int, error)
}

// SyncQueue manages pending sync operations.
type SyncQueue struct {
	repo Repository

	// entropy is not safe for concurrent use.
	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy

	now func() time.Time
}

// NewSyncQueue creates a SyncQueue over repo.
func NewSyncQueue(repo Repository) *SyncQueue {
	return &SyncQueue{
		repo:    repo,
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

// newID returns a ULID; IDs generated by one process sort by creation order.
func (q *SyncQueue) newID(t time.Time) (string, error) {
	q.idMu.Lock()
	defer q.idMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(t), q.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Enqueue appends a pending entry. Storage errors are returned to the caller.
func (q *SyncQueue) Enqueue(ctx context.Context, collection models.Collection, recordKey string, op Operation, payload map[string]interface{}) (*Entry, error) {
	if !collection.Valid() {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown collection %q", collection))
	}
	if !op.Valid() {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown operation %q", op))
	}
	if err := uuid.ValidateKey(recordKey); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid record key", err)
	}
	now := q.now()
	id, err := q.newID(now)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "generate entry id", err)
	}

	entry := &Entry{
		ID:         id,
		Collection: collection,
		RecordKey:  recordKey,
		Operation:  op,
		Payload:    models.CleanFields(payload),
		Status:     QueueStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if op == OperationDelete {
		entry.Payload = nil
	}

	model, err := entry.ToModel()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "encode payload", err)
	}
	if err := q.repo.Insert(ctx, model); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStore, "enqueue", err)
	}

	logging.Debug("Enqueued sync entry", map[string]interface{}{
		"entry_id":   entry.ID,
		"collection": string(collection),
		"record_key": recordKey,
		"operation":  string(op),
	})

	return entry, nil
}

// ClaimPending returns pending entries for which held reports false, in FIFO
// order by creation time (ties broken by entry ID). held is the engine's
// in-memory set of entries it is already handling; nil means none.
func (q *SyncQueue) ClaimPending(ctx context.Context, held func(id string) bool) ([]*Entry, error) {
	rows, err := q.repo.ListByStatus(ctx, string(QueueStatusPending))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStore, "list pending entries", err)
	}

	entries := make([]*Entry, 0, len(rows))
	for _, row := range rows {
		if held != nil && held(row.ID) {
			continue
		}
		entry, err := FromModel(row)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Get returns the stored state of an entry.
func (q *SyncQueue) Get(ctx context.Context, id string) (*Entry, error) {
	row, err := q.repo.Get(ctx, id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStore, "get entry", err)
	}
	return FromModel(row)
}

// MarkProcessing records that a pass claimed the entry.
func (q *SyncQueue) MarkProcessing(ctx context.Context, entry *Entry) error {
	entry.Status = QueueStatusProcessing
	return q.save(ctx, entry)
}

// MarkCompleted records a successful remote call.
func (q *SyncQueue) MarkCompleted(ctx context.Context, entry *Entry) error {
	entry.Status = QueueStatusCompleted
	entry.LastError = ""
	return q.save(ctx, entry)
}

// MarkFailed records a failed remote call. Failed entries stay failed until
// RequeueFailed is called.
func (q *SyncQueue) MarkFailed(ctx context.Context, entry *Entry, cause error) error {
	entry.Status = QueueStatusFailed
	if cause != nil {
		entry.LastError = cause.Error()
	}
	return q.save(ctx, entry)
}

// save overwrites the stored entry with entry's current state.
func (q *SyncQueue) save(ctx context.Context, entry *Entry) error {
	entry.UpdatedAt = q.now()
	model, err := entry.ToModel()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "encode payload", err)
	}
	if err := q.repo.Save(ctx, model); err != nil {
		return apperrors.Wrap(apperrors.ErrStore, fmt.Sprintf("mark %s %s", entry.ID, entry.Status), err)
	}
	return nil
}

// RequeueFailed resets all failed entries to pending for retry.
func (q *SyncQueue) RequeueFailed(ctx context.Context) (int, error) {
	n, err := q.repo.TransitionAll(ctx, string(QueueStatusFailed), string(QueueStatusPending), "", q.now().UnixNano())
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStore, "requeue failed entries", err)
	}
	if n > 0 {
		logging.Info("Reset failed entries for retry", map[string]interface{}{"count": n})
	}
	return n, nil
}

// RecoverInterrupted marks entries left processing by a previous process as
// failed. Their remote outcome is unknown, so they go through the normal
// requeue path. It must only run while no pass is active.
func (q *SyncQueue) RecoverInterrupted(ctx context.Context) (int, error) {
	n, err := q.repo.TransitionAll(ctx, string(QueueStatusProcessing), string(QueueStatusFailed),
		InterruptedError, q.now().UnixNano())
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStore, "recover interrupted entries", err)
	}
	if n > 0 {
		logging.Warn("Marked interrupted entries as failed", map[string]interface{}{"count": n})
	}
	return n, nil
}

// SetRemoteKey records the key the remote assigned to a create entry.
func (q *SyncQueue) SetRemoteKey(ctx context.Context, entry *Entry, key string) error {
	entry.RemoteKey = key
	return q.save(ctx, entry)
}

// Rekey points pending entries for oldKey at newKey after the remote assigned
// an authoritative key.
func (q *SyncQueue) Rekey(ctx context.Context, collection models.Collection, oldKey, newKey string) (int, error) {
	if oldKey == newKey {
		return 0, nil
	}
	n, err := q.repo.RekeyPending(ctx, string(collection), oldKey, newKey, q.now().UnixNano())
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStore, "rekey pending entries", err)
	}
	return n, nil
}

// List returns up to limit entries, newest first.
func (q *SyncQueue) List(ctx context.Context, limit int) ([]*Entry, error) {
	rows, err := q.repo.List(ctx, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStore, "list entries", err)
	}
	entries := make([]*Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := FromModel(row)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Stats returns queue statistics keyed by status, plus "total".
func (q *SyncQueue) Stats(ctx context.Context) (map[string]int, error) {
	counts, err := q.repo.CountByStatus(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStore, "count entries", err)
	}

	stats := map[string]int{
		"total":      0,
		"pending":    0,
		"processing": 0,
		"completed":  0,
		"failed":     0,
	}
	for status, n := range counts {
		stats[status] += n
		stats["total"] += n
	}
	return stats, nil
}

// PendingCount returns the number of pending entries.
func (q *SyncQueue) PendingCount(ctx context.Context) (int, error) {
	stats, err := q.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return stats["pending"], nil
}

// ToModel converts an Entry to its stored form. The payload is msgpack encoded.
func (e *Entry) ToModel() (*models.SyncQueue, error) {
	var payload []byte
	if e.Payload != nil {
		b, err := msgpack.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		payload = b
	}

	return &models.SyncQueue{
		ID:         e.ID,
		Collection: string(e.Collection),
		RecordKey:  e.RecordKey,
		Operation:  string(e.Operation),
		Payload:    payload,
		Status:     string(e.Status),
		Attempts:   e.Attempts,
		LastError:  e.LastError,
		RemoteKey:  e.RemoteKey,
		CreatedAt:  e.CreatedAt.UnixNano(),
		UpdatedAt:  e.UpdatedAt.UnixNano(),
	}, nil
}

// FromModel creates an Entry from its stored form.
func FromModel(model *models.SyncQueue) (*Entry, error) {
	var payload map[string]interface{}
	if len(model.Payload) > 0 {
		if err := decodePayload(model.Payload, &payload); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStore, fmt.Sprintf("decode payload of %s", model.ID), err)
		}
	}

	return &Entry{
		ID:         model.ID,
		Collection: models.Collection(model.Collection),
		RecordKey:  model.RecordKey,
		Operation:  Operation(model.Operation),
		Payload:    payload,
		Status:     QueueStatus(model.Status),
		Attempts:   model.Attempts,
		LastError:  model.LastError,
		RemoteKey:  model.RemoteKey,
		CreatedAt:  time.Unix(0, model.CreatedAt),
		UpdatedAt:  time.Unix(0, model.UpdatedAt),
	}, nil
}

// decodePayload widens decoded numbers to int64, uint64 and float64.
func decodePayload(b []byte, out *map[string]interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(out)
}
