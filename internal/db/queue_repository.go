package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kimhsiao/schoolsync/internal/models"
)

// ErrEntryNotFound is returned when a queue entry does not exist.
var ErrEntryNotFound = errors.New("queue entry not found")

const queueColumns = `id, collection, record_key, operation, payload, status, attempts, last_error, remote_key, created_at, updated_at`

// QueueRepository persists sync queue entries.
type QueueRepository struct {
	db *sql.DB
}

// NewQueueRepository creates a QueueRepository over an open database.
func NewQueueRepository(db *DB) *QueueRepository {
	return &QueueRepository{db: db.DB}
}

// Insert stores a new entry.
func (r *QueueRepository) Insert(ctx context.Context, e *models.SyncQueue) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO sync_queue (`+queueColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Collection, e.RecordKey, e.Operation, e.Payload,
		e.Status, e.Attempts, e.LastError, e.RemoteKey, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert queue entry %s: %w", e.ID, err)
	}
	return nil
}

// Save overwrites every mutable column of an existing entry.
func (r *QueueRepository) Save(ctx context.Context, e *models.SyncQueue) error {
	res, err := r.db.ExecContext(ctx, `
	UPDATE sync_queue SET
		collection = ?, record_key = ?, operation = ?, payload = ?,
		status = ?, attempts = ?, last_error = ?, remote_key = ?, updated_at = ?
	WHERE id = ?`,
		e.Collection, e.RecordKey, e.Operation, e.Payload,
		e.Status, e.Attempts, e.LastError, e.RemoteKey, e.UpdatedAt, e.ID)
	if err != nil {
		return fmt.Errorf("save queue entry %s: %w", e.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save queue entry %s: %w", e.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", e.ID, ErrEntryNotFound)
	}
	return nil
}

// Get loads one entry by ID.
func (r *QueueRepository) Get(ctx context.Context, id string) (*models.SyncQueue, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id)
	e, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrEntryNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get queue entry %s: %w", id, err)
	}
	return e, nil
}

// ListByStatus returns entries with the given status, oldest first.
// Ties on created_at are broken by ID, which is itself time ordered.
func (r *QueueRepository) ListByStatus(ctx context.Context, status string) ([]*models.SyncQueue, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM sync_queue WHERE status = ? ORDER BY created_at, id`, status)
	if err != nil {
		return nil, fmt.Errorf("list queue entries: %w", err)
	}
	return collectQueueEntries(rows)
}

// List returns the most recent entries, newest first. limit <= 0 means no limit.
func (r *QueueRepository) List(ctx context.Context, limit int) ([]*models.SyncQueue, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM sync_queue ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list queue entries: %w", err)
	}
	return collectQueueEntries(rows)
}

// CountByStatus returns the number of entries per status.
func (r *QueueRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count queue entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// TransitionAll moves every entry in status from to status to and sets its
// last error to lastErr. It returns the number of entries moved.
func (r *QueueRepository) TransitionAll(ctx context.Context, from, to, lastErr string, now int64) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = ?, last_error = ?, updated_at = ? WHERE status = ?`,
		to, lastErr, now, from)
	if err != nil {
		return 0, fmt.Errorf("transition %s -> %s: %w", from, to, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// RekeyPending points pending entries for (collection, oldKey) at newKey.
func (r *QueueRepository) RekeyPending(ctx context.Context, collection, oldKey, newKey string, now int64) (int, error) {
	res, err := r.db.ExecContext(ctx, `
	UPDATE sync_queue SET record_key = ?, updated_at = ?
	WHERE collection = ? AND record_key = ? AND status = 'pending'`,
		newKey, now, collection, oldKey)
	if err != nil {
		return 0, fmt.Errorf("rekey %s/%s: %w", collection, oldKey, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanQueueEntry(row rowScanner) (*models.SyncQueue, error) {
	var e models.SyncQueue
	err := row.Scan(&e.ID, &e.Collection, &e.RecordKey, &e.Operation, &e.Payload,
		&e.Status, &e.Attempts, &e.LastError, &e.RemoteKey, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func collectQueueEntries(rows *sql.Rows) ([]*models.SyncQueue, error) {
	defer rows.Close()

	var entries []*models.SyncQueue
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
