// Package queue provides unit tests for the durable sync queue.
package queue

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/kimhsiao/schoolsync/internal/db"
	apperrors "github.com/kimhsiao/schoolsync/internal/errors"
	"github.com/kimhsiao/schoolsync/internal/models"
)

func newTestQueue(t *testing.T) *SyncQueue {
	t.Helper()
	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewSyncQueue(db.NewQueueRepository(database))
}

// fixedClock returns a clock that advances one millisecond per call.
func fixedClock(start time.Time) func() time.Time {
	now := start
	return func() time.Time {
		now = now.Add(time.Millisecond)
		return now
	}
}

// =====================================================
// Enqueue
// =====================================================

// TestSyncQueueEnqueue tests enqueuing operations.
func TestSyncQueueEnqueue(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	payload := map[string]interface{}{
		"name":      "Ada",
		"school_id": "sch-1",
	}

	entry, err := q.Enqueue(ctx, models.CollectionStudents, "tmp-1", OperationCreate, payload)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if entry.ID == "" {
		t.Error("Expected entry ID to be set")
	}
	if entry.Status != QueueStatusPending {
		t.Errorf("Expected pending status, got %s", entry.Status)
	}
	if entry.Attempts != 0 {
		t.Errorf("Expected 0 attempts, got %d", entry.Attempts)
	}

	stored, err := q.Get(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.RecordKey != "tmp-1" || stored.Collection != models.CollectionStudents {
		t.Errorf("Unexpected stored entry: %+v", stored)
	}
	if stored.Payload["name"] != "Ada" {
		t.Errorf("Expected payload name Ada, got %v", stored.Payload["name"])
	}
}

// TestSyncQueueEnqueueStripsReservedFields tests that key and status fields are not snapshotted.
func TestSyncQueueEnqueueStripsReservedFields(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, models.CollectionStudents, "tmp-1", OperationCreate, map[string]interface{}{
		"id":          "tmp-1",
		"sync_status": "pending",
		"name":        "Ada",
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	stored, _ := q.Get(ctx, entry.ID)
	if _, ok := stored.Payload["id"]; ok {
		t.Error("Expected id to be stripped from payload")
	}
	if _, ok := stored.Payload["sync_status"]; ok {
		t.Error("Expected sync_status to be stripped from payload")
	}
}

// TestSyncQueueEnqueueDeleteHasNoPayload tests that delete entries carry no snapshot.
func TestSyncQueueEnqueueDeleteHasNoPayload(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, models.CollectionStudents, "srv-1", OperationDelete, map[string]interface{}{"name": "x"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	stored, _ := q.Get(ctx, entry.ID)
	if stored.Payload != nil {
		t.Errorf("Expected nil payload, got %v", stored.Payload)
	}
}

// TestSyncQueueEnqueueValidation tests rejected inputs.
func TestSyncQueueEnqueueValidation(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		collection models.Collection
		key        string
		op         Operation
	}{
		{"unknown collection", models.Collection("classrooms"), "k", OperationCreate},
		{"unknown operation", models.CollectionStudents, "k", Operation("upsert")},
		{"empty key", models.CollectionStudents, "", OperationUpdate},
		{"key with slash", models.CollectionStudents, "a/b", OperationUpdate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue(ctx, tt.collection, tt.key, tt.op, nil)
			if !apperrors.Is(err, apperrors.ErrInvalid) {
				t.Errorf("Expected INVALID_INPUT, got %v", err)
			}
		})
	}
}

// TestSyncQueueEnqueueStorageError tests that storage failures reach the caller.
func TestSyncQueueEnqueueStorageError(t *testing.T) {
	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	q := NewSyncQueue(db.NewQueueRepository(database))
	database.Close()

	_, err = q.Enqueue(context.Background(), models.CollectionStudents, "tmp-1", OperationCreate, nil)
	if !apperrors.Is(err, apperrors.ErrStore) {
		t.Errorf("Expected STORE_ERROR, got %v", err)
	}
}

// =====================================================
// ClaimPending
// =====================================================

// TestClaimPendingOrder tests FIFO order by creation time.
func TestClaimPendingOrder(t *testing.T) {
	q := newTestQueue(t)
	q.now = fixedClock(time.Unix(1700000000, 0))
	ctx := context.Background()

	var ids []string
	for _, key := range []string{"a", "b", "c"} {
		e, err := q.Enqueue(ctx, models.CollectionStudents, key, OperationUpdate, map[string]interface{}{"n": key})
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		ids = append(ids, e.ID)
	}

	entries, err := q.ClaimPending(ctx, nil)
	if err != nil {
		t.Fatalf("ClaimPending failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.ID != ids[i] {
			t.Errorf("Position %d: expected %s, got %s", i, ids[i], e.ID)
		}
	}
}

// TestClaimPendingSameTimestamp tests ties are broken by ID.
func TestClaimPendingSameTimestamp(t *testing.T) {
	q := newTestQueue(t)
	at := time.Unix(1700000000, 0)
	q.now = func() time.Time { return at }
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		e, err := q.Enqueue(ctx, models.CollectionStudents, "k", OperationUpdate, nil)
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		ids = append(ids, e.ID)
	}

	if !sort.StringsAreSorted(ids) {
		t.Fatalf("Expected monotonic IDs, got %v", ids)
	}

	entries, _ := q.ClaimPending(ctx, nil)
	for i, e := range entries {
		if e.ID != ids[i] {
			t.Errorf("Position %d: expected %s, got %s", i, ids[i], e.ID)
		}
	}
}

// TestClaimPendingExcludesHeld tests the in-memory exclusion set.
func TestClaimPendingExcludesHeld(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	first, _ := q.Enqueue(ctx, models.CollectionStudents, "a", OperationUpdate, nil)
	second, _ := q.Enqueue(ctx, models.CollectionStudents, "b", OperationUpdate, nil)

	entries, err := q.ClaimPending(ctx, func(id string) bool { return id == first.ID })
	if err != nil {
		t.Fatalf("ClaimPending failed: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != second.ID {
		t.Errorf("Expected only %s, got %+v", second.ID, entries)
	}
}

// TestClaimPendingSkipsOtherStatuses tests that only pending entries are returned.
func TestClaimPendingSkipsOtherStatuses(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	a, _ := q.Enqueue(ctx, models.CollectionStudents, "a", OperationUpdate, nil)
	b, _ := q.Enqueue(ctx, models.CollectionStudents, "b", OperationUpdate, nil)
	c, _ := q.Enqueue(ctx, models.CollectionStudents, "c", OperationUpdate, nil)
	d, _ := q.Enqueue(ctx, models.CollectionStudents, "d", OperationUpdate, nil)

	if err := q.MarkProcessing(ctx, a); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}
	if err := q.MarkCompleted(ctx, b); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}
	if err := q.MarkFailed(ctx, c, errors.New("boom")); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	entries, _ := q.ClaimPending(ctx, nil)
	if len(entries) != 1 || entries[0].ID != d.ID {
		t.Errorf("Expected only %s pending, got %+v", d.ID, entries)
	}
}

// =====================================================
// Status transitions
// =====================================================

// TestSyncQueueFailed tests marking an entry failed.
func TestSyncQueueFailed(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	entry, _ := q.Enqueue(ctx, models.CollectionStudents, "a", OperationUpdate, nil)
	entry.Attempts = 3

	if err := q.MarkFailed(ctx, entry, errors.New("remote unavailable")); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	stored, err := q.Get(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Status != QueueStatusFailed {
		t.Errorf("Expected failed status, got %s", stored.Status)
	}
	if stored.LastError != "remote unavailable" {
		t.Errorf("Expected error message, got %q", stored.LastError)
	}
	if stored.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", stored.Attempts)
	}
}

// TestSyncQueueMarkIdempotent tests that repeating a transition is harmless.
func TestSyncQueueMarkIdempotent(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	entry, _ := q.Enqueue(ctx, models.CollectionStudents, "a", OperationUpdate, nil)
	for i := 0; i < 2; i++ {
		if err := q.MarkCompleted(ctx, entry); err != nil {
			t.Fatalf("MarkCompleted #%d failed: %v", i+1, err)
		}
	}

	stored, _ := q.Get(ctx, entry.ID)
	if stored.Status != QueueStatusCompleted {
		t.Errorf("Expected completed, got %s", stored.Status)
	}
}

// TestMarkUnknownEntry tests transitions on entries that were never stored.
func TestMarkUnknownEntry(t *testing.T) {
	q := newTestQueue(t)

	err := q.MarkCompleted(context.Background(), &Entry{ID: "missing", Collection: models.CollectionStudents})
	if !errors.Is(err, db.ErrEntryNotFound) {
		t.Errorf("Expected ErrEntryNotFound, got %v", err)
	}
}

// TestGetNotFound tests getting a non-existent entry.
func TestGetNotFound(t *testing.T) {
	q := newTestQueue(t)

	if _, err := q.Get(context.Background(), "non-existent-id"); err == nil {
		t.Error("Expected error for non-existent entry")
	}
}

// =====================================================
// RequeueFailed / Rekey
// =====================================================

// TestRequeueFailed tests resetting failed entries.
func TestRequeueFailed(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	a, _ := q.Enqueue(ctx, models.CollectionStudents, "a", OperationUpdate, nil)
	b, _ := q.Enqueue(ctx, models.CollectionStudents, "b", OperationUpdate, nil)
	c, _ := q.Enqueue(ctx, models.CollectionStudents, "c", OperationUpdate, nil)

	q.MarkFailed(ctx, a, errors.New("x"))
	q.MarkFailed(ctx, b, errors.New("y"))
	q.MarkCompleted(ctx, c)

	count, err := q.RequeueFailed(ctx)
	if err != nil {
		t.Fatalf("RequeueFailed failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 entries requeued, got %d", count)
	}

	stats, _ := q.Stats(ctx)
	if stats["pending"] != 2 || stats["failed"] != 0 || stats["completed"] != 1 {
		t.Errorf("Unexpected stats after requeue: %v", stats)
	}
}

// TestRecoverInterrupted tests that entries left processing become retryable.
func TestRecoverInterrupted(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	stuck, _ := q.Enqueue(ctx, models.CollectionStudents, "tmp-1", OperationCreate, map[string]interface{}{"name": "Asha"})
	waiting, _ := q.Enqueue(ctx, models.CollectionStudents, "tmp-2", OperationCreate, nil)
	if err := q.MarkProcessing(ctx, stuck); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}

	n, err := q.RecoverInterrupted(ctx)
	if err != nil {
		t.Fatalf("RecoverInterrupted failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 entry recovered, got %d", n)
	}

	got, _ := q.Get(ctx, stuck.ID)
	if got.Status != QueueStatusFailed || got.LastError != InterruptedError {
		t.Errorf("Expected failed with interrupted error, got %s %q", got.Status, got.LastError)
	}
	if other, _ := q.Get(ctx, waiting.ID); other.Status != QueueStatusPending {
		t.Errorf("Pending entry must be untouched, got %s", other.Status)
	}

	if n, _ := q.RequeueFailed(ctx); n != 1 {
		t.Errorf("Expected the recovered entry to be requeued, got %d", n)
	}
	claimed, _ := q.ClaimPending(ctx, nil)
	if len(claimed) != 2 || claimed[0].ID != stuck.ID {
		t.Errorf("Expected recovered entry to be claimable first, got %d entries", len(claimed))
	}
}

// TestSetRemoteKey tests the assigned key survives a reload and a requeue.
func TestSetRemoteKey(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	entry, _ := q.Enqueue(ctx, models.CollectionStudents, "tmp-1", OperationCreate, map[string]interface{}{"name": "Asha"})
	if err := q.SetRemoteKey(ctx, entry, "srv-42"); err != nil {
		t.Fatalf("SetRemoteKey failed: %v", err)
	}
	q.MarkFailed(ctx, entry, errors.New("local migration failed"))
	q.RequeueFailed(ctx)

	got, _ := q.Get(ctx, entry.ID)
	if got.RemoteKey != "srv-42" || got.Status != QueueStatusPending {
		t.Errorf("Expected pending entry with remote key srv-42, got %s %q", got.Status, got.RemoteKey)
	}
	if got.Payload["name"] != "Asha" {
		t.Errorf("Expected payload to survive, got %v", got.Payload)
	}
}

// TestRekey tests that pending entries follow a key migration.
func TestRekey(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	create, _ := q.Enqueue(ctx, models.CollectionStudents, "tmp-1", OperationCreate, nil)
	update, _ := q.Enqueue(ctx, models.CollectionStudents, "tmp-1", OperationUpdate, nil)
	other, _ := q.Enqueue(ctx, models.CollectionFeeTypes, "tmp-1", OperationUpdate, nil)
	q.MarkCompleted(ctx, create)

	n, err := q.Rekey(ctx, models.CollectionStudents, "tmp-1", "srv-42")
	if err != nil {
		t.Fatalf("Rekey failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 entry rekeyed, got %d", n)
	}

	got, _ := q.Get(ctx, update.ID)
	if got.RecordKey != "srv-42" {
		t.Errorf("Expected update to point at srv-42, got %s", got.RecordKey)
	}
	got, _ = q.Get(ctx, create.ID)
	if got.RecordKey != "tmp-1" {
		t.Errorf("Completed entry should keep its key, got %s", got.RecordKey)
	}
	got, _ = q.Get(ctx, other.ID)
	if got.RecordKey != "tmp-1" {
		t.Errorf("Other collection should keep its key, got %s", got.RecordKey)
	}
}

// TestRekeySameKey tests the no-op path.
func TestRekeySameKey(t *testing.T) {
	q := newTestQueue(t)

	n, err := q.Rekey(context.Background(), models.CollectionStudents, "k", "k")
	if err != nil || n != 0 {
		t.Errorf("Expected (0, nil), got (%d, %v)", n, err)
	}
}

// =====================================================
// Inspection
// =====================================================

// TestList tests listing entries newest first.
func TestList(t *testing.T) {
	q := newTestQueue(t)
	q.now = fixedClock(time.Unix(1700000000, 0))
	ctx := context.Background()

	q.Enqueue(ctx, models.CollectionStudents, "a", OperationCreate, nil)
	q.Enqueue(ctx, models.CollectionStudents, "b", OperationUpdate, nil)
	last, _ := q.Enqueue(ctx, models.CollectionStudents, "c", OperationDelete, nil)

	entries, err := q.List(ctx, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}
	if entries[0].ID != last.ID {
		t.Errorf("Expected newest entry first, got %s", entries[0].ID)
	}
}

// TestStats tests queue statistics.
func TestStats(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats["total"] != 0 || stats["pending"] != 0 {
		t.Errorf("Expected empty stats, got %v", stats)
	}

	q.Enqueue(ctx, models.CollectionStudents, "a", OperationCreate, nil)
	b, _ := q.Enqueue(ctx, models.CollectionStudents, "b", OperationCreate, nil)
	q.MarkFailed(ctx, b, errors.New("x"))

	stats, _ = q.Stats(ctx)
	if stats["total"] != 2 || stats["pending"] != 1 || stats["failed"] != 1 {
		t.Errorf("Unexpected stats: %v", stats)
	}

	pending, _ := q.PendingCount(ctx)
	if pending != 1 {
		t.Errorf("Expected 1 pending, got %d", pending)
	}
}

// =====================================================
// Model conversion
// =====================================================

// TestEntryModelRoundTrip tests numeric payload values survive encoding.
func TestEntryModelRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 123)
	entry := &Entry{
		ID:         "01HZZZ",
		Collection: models.CollectionFeeTypes,
		RecordKey:  "tmp-9",
		Operation:  OperationCreate,
		Payload:    map[string]interface{}{"amount": int64(1500), "rate": 0.5, "name": "Tuition"},
		Status:     QueueStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	model, err := entry.ToModel()
	if err != nil {
		t.Fatalf("ToModel failed: %v", err)
	}
	back, err := FromModel(model)
	if err != nil {
		t.Fatalf("FromModel failed: %v", err)
	}

	if back.Payload["amount"] != int64(1500) {
		t.Errorf("Expected int64 1500, got %T %v", back.Payload["amount"], back.Payload["amount"])
	}
	if back.Payload["rate"] != 0.5 {
		t.Errorf("Expected 0.5, got %v", back.Payload["rate"])
	}
	if !back.CreatedAt.Equal(now) {
		t.Errorf("Expected %v, got %v", now, back.CreatedAt)
	}
}

// TestFromModelCorruptPayload tests decoding failures.
func TestFromModelCorruptPayload(t *testing.T) {
	_, err := FromModel(&models.SyncQueue{ID: "x", Payload: []byte{0xc1}})
	if !apperrors.Is(err, apperrors.ErrStore) {
		t.Errorf("Expected STORE_ERROR, got %v", err)
	}
}
