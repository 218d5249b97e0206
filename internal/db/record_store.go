package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/kimhsiao/schoolsync/internal/models"
	"github.com/kimhsiao/schoolsync/internal/uuid"
)

// ErrRecordNotFound is returned when no record exists under a key.
var ErrRecordNotFound = errors.New("record not found")

// fieldNameRe restricts index fields to names safe to inline into a JSON path.
var fieldNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

const recordColumns = `collection, id, sync_status, data, local_key, created_at, updated_at`

// RecordStore is the durable local mirror of remote collections.
type RecordStore struct {
	db *sql.DB
}

// NewRecordStore creates a RecordStore over an open database.
func NewRecordStore(db *DB) *RecordStore {
	return &RecordStore{db: db.DB}
}

// Get returns the record stored under key, or ErrRecordNotFound.
func (s *RecordStore) Get(ctx context.Context, collection models.Collection, key string) (*models.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE collection = ? AND id = ?`,
		string(collection), key)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", collection, key, ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, key, err)
	}
	return rec, nil
}

// Put inserts or overwrites a record.
func (s *RecordStore) Put(ctx context.Context, rec *models.Record) error {
	return putRecord(ctx, s.db, rec)
}

// Update overwrites an existing record. Unlike Put it never creates a row, so
// a write based on a stale read cannot bring back a record whose key was
// migrated in the meantime. It returns ErrRecordNotFound when the key is gone.
func (s *RecordStore) Update(ctx context.Context, rec *models.Record) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("update: record key is required")
	}
	data, err := json.Marshal(models.CleanFields(rec.Fields))
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", rec.Collection, rec.ID, err)
	}
	if rec.SyncStatus == "" {
		rec.SyncStatus = models.SyncStatusPending
	}

	res, err := s.db.ExecContext(ctx, `
	UPDATE records SET sync_status = ?, data = ?, local_key = ?, updated_at = ?
	WHERE collection = ? AND id = ?`,
		string(rec.SyncStatus), string(data), rec.LocalKey, rec.UpdatedAt,
		string(rec.Collection), rec.ID)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", rec.Collection, rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", rec.Collection, rec.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", rec.Collection, rec.ID, ErrRecordNotFound)
	}
	return nil
}

// Resolve returns the record stored under key. A temporary key that has
// already been migrated resolves to the record carrying it as local_key.
func (s *RecordStore) Resolve(ctx context.Context, collection models.Collection, key string) (*models.Record, error) {
	rec, err := s.Get(ctx, collection, key)
	if err == nil || !errors.Is(err, ErrRecordNotFound) || !uuid.IsTempKey(key) {
		return rec, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records
		WHERE collection = ? AND local_key = ? AND id <> local_key
		ORDER BY updated_at DESC LIMIT 1`,
		string(collection), key)
	rec, err = scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", collection, key, ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s/%s: %w", collection, key, err)
	}
	return rec, nil
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *RecordStore) Delete(ctx context.Context, collection models.Collection, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ? AND id = ?`, string(collection), key)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, key, err)
	}
	return nil
}

// ReplaceKey writes rec and removes the record stored under oldKey in one
// transaction. It is used when the remote assigns an authoritative key.
func (s *RecordStore) ReplaceKey(ctx context.Context, oldKey string, rec *models.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer tx.Rollback()

	if err := putRecord(ctx, tx, rec); err != nil {
		return err
	}
	if oldKey != rec.ID {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM records WHERE collection = ? AND id = ?`, string(rec.Collection), oldKey); err != nil {
			return fmt.Errorf("delete superseded %s/%s: %w", rec.Collection, oldKey, err)
		}
	}
	return tx.Commit()
}

// ListAll returns every record in a collection ordered by creation time.
func (s *RecordStore) ListAll(ctx context.Context, collection models.Collection) ([]*models.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE collection = ? ORDER BY created_at, id`,
		string(collection))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	return collectRecords(rows)
}

// ListByIndex returns records whose indexed field equals value.
func (s *RecordStore) ListByIndex(ctx context.Context, collection models.Collection, indexName string, value interface{}) ([]*models.Record, error) {
	idx, ok := collection.Index(indexName)
	if !ok {
		return nil, fmt.Errorf("collection %s has no index %q", collection, indexName)
	}
	if !fieldNameRe.MatchString(idx.Field) {
		return nil, fmt.Errorf("index %q has invalid field %q", indexName, idx.Field)
	}

	// The path is inlined so SQLite can match the expression indexes.
	query := `SELECT ` + recordColumns + ` FROM records
		WHERE collection = ? AND json_extract(data, '$.` + idx.Field + `') = ?
		ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query, string(collection), value)
	if err != nil {
		return nil, fmt.Errorf("list %s by %s: %w", collection, indexName, err)
	}
	return collectRecords(rows)
}

// CountPending returns the number of records not yet confirmed by the remote.
func (s *RecordStore) CountPending(ctx context.Context, collection models.Collection) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE collection = ? AND sync_status = ?`,
		string(collection), string(models.SyncStatusPending)).Scan(&n)
	return n, err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func putRecord(ctx context.Context, db execer, rec *models.Record) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("put: record key is required")
	}
	if !rec.Collection.Valid() {
		return fmt.Errorf("put: unknown collection %q", rec.Collection)
	}
	if rec.SyncStatus == "" {
		rec.SyncStatus = models.SyncStatusPending
	}

	data, err := json.Marshal(models.CleanFields(rec.Fields))
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", rec.Collection, rec.ID, err)
	}

	_, err = db.ExecContext(ctx, `
	INSERT INTO records (`+recordColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(collection, id) DO UPDATE SET
		sync_status = excluded.sync_status,
		data = excluded.data,
		local_key = excluded.local_key,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at`,
		string(rec.Collection), rec.ID, string(rec.SyncStatus), string(data),
		rec.LocalKey, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", rec.Collection, rec.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*models.Record, error) {
	var (
		rec        models.Record
		collection string
		status     string
		data       string
	)
	if err := row.Scan(&collection, &rec.ID, &status, &data, &rec.LocalKey, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Collection = models.Collection(collection)
	rec.SyncStatus = models.SyncStatus(status)
	if err := json.Unmarshal([]byte(data), &rec.Fields); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", collection, rec.ID, err)
	}
	if rec.Fields == nil {
		rec.Fields = map[string]interface{}{}
	}
	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]*models.Record, error) {
	defer rows.Close()

	var records []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
