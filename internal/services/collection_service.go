// Package services provides the per-collection write paths.
//
// Every write lands in the local store first and is then enqueued for the
// sync engine. Callers never wait for the remote: the returned WriteResult
// says whether the change is still pending sync.
package services

import (
	"context"
	stderrors "errors"

	"github.com/kimhsiao/schoolsync/internal/db"
	"github.com/kimhsiao/schoolsync/internal/errors"
	"github.com/kimhsiao/schoolsync/internal/logging"
	"github.com/kimhsiao/schoolsync/internal/models"
	"github.com/kimhsiao/schoolsync/internal/sync/queue"
	"github.com/kimhsiao/schoolsync/internal/uuid"
)

// maxWriteAttempts bounds re-reads when a record's key migrates mid-write.
const maxWriteAttempts = 3

// Store is the local record store used by the services. *db.RecordStore
// implements it. Update must not create rows, and Resolve must find a
// migrated record by its former temporary key.
type Store interface {
	Get(ctx context.Context, collection models.Collection, key string) (*models.Record, error)
	Resolve(ctx context.Context, collection models.Collection, key string) (*models.Record, error)
	Put(ctx context.Context, rec *models.Record) error
	Update(ctx context.Context, rec *models.Record) error
	ListAll(ctx context.Context, collection models.Collection) ([]*models.Record, error)
	ListByIndex(ctx context.Context, collection models.Collection, indexName string, value interface{}) ([]*models.Record, error)
}

// Enqueuer appends mutations to the sync queue. *queue.SyncQueue implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, collection models.Collection, recordKey string, op queue.Operation, payload map[string]interface{}) (*queue.Entry, error)
}

// Trigger starts a background sync pass. *sync.SyncEngine implements it.
type Trigger interface {
	Trigger(reason string) bool
}

// OnlineChecker reports the current connectivity. *scheduler.Scheduler implements it.
type OnlineChecker interface {
	IsOnline() bool
}

// Validator checks fields before they are written. partial is true for updates.
type Validator func(fields map[string]interface{}, partial bool) error

// Deps are the collaborators shared by every collection service.
type Deps struct {
	Store   Store
	Queue   Enqueuer
	Trigger Trigger       // optional
	Online  OnlineChecker // optional; nil means always offline
}

// WriteResult is returned by every write.
type WriteResult struct {
	Record *models.Record `json:"record"`
	// EntryID is the sync queue entry created for the write.
	EntryID string `json:"entry_id"`
	// PendingSync is true when the write was accepted while offline.
	PendingSync bool `json:"pending_sync"`
}

// CollectionService implements local-first writes for one collection.
type CollectionService struct {
	collection models.Collection
	deps       Deps
	validate   Validator
}

// NewCollectionService creates a service for collection. validate may be nil.
func NewCollectionService(collection models.Collection, deps Deps, validate Validator) *CollectionService {
	return &CollectionService{collection: collection, deps: deps, validate: validate}
}

// Collection returns the collection this service writes to.
func (s *CollectionService) Collection() models.Collection {
	return s.collection
}

// Create stores a new record under a temporary key and enqueues its creation.
func (s *CollectionService) Create(ctx context.Context, fields map[string]interface{}) (*WriteResult, error) {
	if err := s.check(fields, false); err != nil {
		return nil, err
	}

	rec := models.NewRecord(s.collection, uuid.NewTempKey(), fields)
	rec.LocalKey = rec.ID
	if err := s.deps.Store.Put(ctx, rec); err != nil {
		return nil, errors.Wrap(errors.ErrStore, "saving record", err)
	}

	return s.enqueue(ctx, rec, queue.OperationCreate, rec.Fields)
}

// Update merges changes into an existing record and enqueues the change set.
func (s *CollectionService) Update(ctx context.Context, key string, changes map[string]interface{}) (*WriteResult, error) {
	if err := s.check(changes, true); err != nil {
		return nil, err
	}

	rec, err := s.modify(ctx, key, func(rec *models.Record) { rec.Merge(changes) })
	if err != nil {
		return nil, err
	}
	return s.enqueue(ctx, rec, queue.OperationUpdate, models.CleanFields(changes))
}

// Delete marks a record pending and enqueues its deletion. The local copy
// is removed by the sync engine once the remote delete succeeds, so a
// failed remote delete leaves the record visible.
func (s *CollectionService) Delete(ctx context.Context, key string) (*WriteResult, error) {
	rec, err := s.modify(ctx, key, func(*models.Record) {})
	if err != nil {
		return nil, err
	}
	return s.enqueue(ctx, rec, queue.OperationDelete, nil)
}

// modify reads the record, applies fn and writes it back marked pending.
// The write never recreates a row: if the sync engine migrated the key
// between the read and the write, the record is read again under its new
// key and fn is reapplied.
func (s *CollectionService) modify(ctx context.Context, key string, fn func(*models.Record)) (*models.Record, error) {
	for attempt := 1; ; attempt++ {
		rec, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}

		fn(rec)
		rec.SyncStatus = models.SyncStatusPending
		rec.Touch()
		err = s.deps.Store.Update(ctx, rec)
		if err == nil {
			return rec, nil
		}
		if !stderrors.Is(err, db.ErrRecordNotFound) || attempt == maxWriteAttempts {
			return nil, errors.Wrap(errors.ErrStore, "saving record", err)
		}
		logging.Debug("Record key changed during write, retrying", map[string]interface{}{
			"collection": string(s.collection),
			"key":        rec.ID,
			"attempt":    attempt,
		})
	}
}

// Get returns one record. A temporary key that sync has since replaced
// resolves to the record under its server key.
func (s *CollectionService) Get(ctx context.Context, key string) (*models.Record, error) {
	if err := uuid.ValidateKey(key); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "invalid key", err)
	}
	rec, err := s.deps.Store.Resolve(ctx, s.collection, key)
	if err != nil {
		if stderrors.Is(err, db.ErrRecordNotFound) {
			return nil, errors.Wrap(errors.ErrRecordNotFound, string(s.collection)+" "+key, err)
		}
		return nil, errors.Wrap(errors.ErrStore, "loading record", err)
	}
	return rec, nil
}

// List returns every record in the collection.
func (s *CollectionService) List(ctx context.Context) ([]*models.Record, error) {
	recs, err := s.deps.Store.ListAll(ctx, s.collection)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStore, "listing records", err)
	}
	return recs, nil
}

// ListBy returns records matching a secondary index.
func (s *CollectionService) ListBy(ctx context.Context, index string, value interface{}) ([]*models.Record, error) {
	if _, ok := s.collection.Index(index); !ok {
		return nil, errors.New(errors.ErrInvalid, "unknown index "+index+" on "+string(s.collection))
	}
	recs, err := s.deps.Store.ListByIndex(ctx, s.collection, index, value)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStore, "listing records", err)
	}
	return recs, nil
}

func (s *CollectionService) check(fields map[string]interface{}, partial bool) error {
	if s.validate == nil {
		return nil
	}
	if err := s.validate(fields, partial); err != nil {
		return errors.Wrap(errors.ErrValidation, string(s.collection), err)
	}
	return nil
}

func (s *CollectionService) enqueue(ctx context.Context, rec *models.Record, op queue.Operation, payload map[string]interface{}) (*WriteResult, error) {
	entry, err := s.deps.Queue.Enqueue(ctx, s.collection, rec.ID, op, payload)
	if err != nil {
		return nil, err
	}

	online := s.deps.Online != nil && s.deps.Online.IsOnline()
	if online && s.deps.Trigger != nil {
		s.deps.Trigger.Trigger("write")
	}

	logging.Debug("Write accepted locally", map[string]interface{}{
		"collection": string(s.collection),
		"key":        rec.ID,
		"operation":  string(op),
		"entry_id":   entry.ID,
		"online":     online,
	})

	return &WriteResult{Record: rec, EntryID: entry.ID, PendingSync: !online}, nil
}
