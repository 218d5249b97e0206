package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/kimhsiao/schoolsync/internal/db"
	apperrors "github.com/kimhsiao/schoolsync/internal/errors"
	"github.com/kimhsiao/schoolsync/internal/logging"
	"github.com/kimhsiao/schoolsync/internal/models"
	"github.com/kimhsiao/schoolsync/internal/sync/queue"
	"github.com/kimhsiao/schoolsync/internal/sync/remote"
)

// loadLocal reads the record an entry refers to. A temporary key that was
// migrated after the entry was written resolves to the record's current key,
// and the entry is re-pointed at it. A missing record means the local store
// was changed behind the queue's back.
func (e *SyncEngine) loadLocal(ctx context.Context, entry *queue.Entry) (*models.Record, error) {
	rec, err := e.store.Resolve(ctx, entry.Collection, entry.RecordKey)
	if errors.Is(err, db.ErrRecordNotFound) {
		return nil, apperrors.Wrap(apperrors.ErrDataConsistency,
			fmt.Sprintf("no local %s record %q for %s entry", entry.Collection, entry.RecordKey, entry.Operation), err)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStore, "read local record", err)
	}
	e.follow(entry, rec.ID)
	return rec, nil
}

// follow re-points entry at key when its record has moved.
func (e *SyncEngine) follow(entry *queue.Entry, key string) {
	if key == entry.RecordKey {
		return
	}
	logging.Debug("Entry follows migrated key", map[string]interface{}{
		"entry_id": entry.ID,
		"old_key":  entry.RecordKey,
		"new_key":  key,
	})
	entry.RecordKey = key
}

// handleCreate inserts the record remotely and migrates the local copy to the
// key the remote assigned. The assigned key is stored on the entry first, so
// a retry after a local failure never inserts the record twice.
func (e *SyncEngine) handleCreate(ctx context.Context, entry *queue.Entry) (int, error) {
	oldKey := entry.RecordKey
	local, err := e.loadLocal(ctx, entry)
	if err != nil {
		return 0, err
	}
	if local.ID != oldKey {
		// An earlier run migrated the record but did not complete the entry.
		logging.Info("Create already applied, skipping remote insert", map[string]interface{}{
			"entry_id":   entry.ID,
			"local_key":  oldKey,
			"remote_key": local.ID,
		})
		e.rekey(ctx, entry.Collection, oldKey, local.ID)
		return 0, nil
	}

	attempts := 0
	if entry.RemoteKey == "" {
		var created *models.Record
		created, attempts, err = WithRetry(ctx, e.cfg.Retry, "remote insert", func(ctx context.Context) (*models.Record, error) {
			return e.remote.Insert(ctx, entry.Collection, local.Fields)
		})
		if err != nil {
			return attempts, err
		}
		if err := e.queue.SetRemoteKey(context.WithoutCancel(ctx), entry, created.ID); err != nil {
			logging.ErrorWithCode("Failed to record remote key on entry", string(apperrors.ErrStore), err,
				map[string]interface{}{"entry_id": entry.ID, "remote_key": created.ID})
			entry.RemoteKey = created.ID
		}
	} else {
		logging.Info("Resuming create with known remote key", map[string]interface{}{
			"entry_id":   entry.ID,
			"remote_key": entry.RemoteKey,
		})
	}

	migrated := local.Clone()
	migrated.ID = entry.RemoteKey
	migrated.SyncStatus = models.SyncStatusSynced
	if migrated.LocalKey == "" && entry.RemoteKey != local.ID {
		migrated.LocalKey = local.ID
	}
	migrated.Touch()

	if err := e.store.ReplaceKey(ctx, local.ID, migrated); err != nil {
		logging.ErrorWithCode("Remote insert succeeded but local key migration failed",
			string(apperrors.ErrDataConsistency), err, map[string]interface{}{
				"collection": string(entry.Collection),
				"local_key":  local.ID,
				"remote_key": entry.RemoteKey,
			})
		return attempts, apperrors.Wrap(apperrors.ErrStore, "migrate local record key", err)
	}

	e.rekey(ctx, entry.Collection, local.ID, entry.RemoteKey)
	return attempts, nil
}

// rekey re-points pending entries. A failure is logged only: the migrated
// record keeps the old key as local_key, so those entries still resolve.
func (e *SyncEngine) rekey(ctx context.Context, collection models.Collection, oldKey, newKey string) {
	if oldKey == newKey {
		return
	}
	n, err := e.queue.Rekey(ctx, collection, oldKey, newKey)
	if err != nil {
		logging.Error("Failed to rekey pending entries", err, map[string]interface{}{
			"collection": string(collection),
			"old_key":    oldKey,
			"new_key":    newKey,
		})
		return
	}
	if n > 0 {
		logging.Debug("Rekeyed pending entries", map[string]interface{}{
			"count":   n,
			"old_key": oldKey,
			"new_key": newKey,
		})
	}
}

// handleUpdate sends the entry's changes and merges them into the local record.
func (e *SyncEngine) handleUpdate(ctx context.Context, entry *queue.Entry) (int, error) {
	local, err := e.loadLocal(ctx, entry)
	if err != nil {
		return 0, err
	}

	_, attempts, err := WithRetry(ctx, e.cfg.Retry, "remote update", func(ctx context.Context) (*models.Record, error) {
		return e.remote.Update(ctx, entry.Collection, entry.RecordKey, entry.Payload)
	})
	if err != nil {
		return attempts, err
	}

	local.Merge(entry.Payload)
	local.SyncStatus = models.SyncStatusSynced
	local.Touch()
	if err := e.store.Put(ctx, local); err != nil {
		return attempts, apperrors.Wrap(apperrors.ErrStore, "write synced record", err)
	}
	return attempts, nil
}

// handleDelete removes the record remotely, then locally. The local copy is
// kept until the remote call succeeds.
func (e *SyncEngine) handleDelete(ctx context.Context, entry *queue.Entry) (int, error) {
	rec, err := e.store.Resolve(ctx, entry.Collection, entry.RecordKey)
	switch {
	case err == nil:
		e.follow(entry, rec.ID)
	case !errors.Is(err, db.ErrRecordNotFound):
		return 0, apperrors.Wrap(apperrors.ErrStore, "read local record", err)
	}

	_, attempts, err := WithRetry(ctx, e.cfg.Retry, "remote delete", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.remote.Delete(ctx, entry.Collection, entry.RecordKey)
	})
	if err != nil {
		if !remote.IsNotFound(err) {
			return attempts, err
		}
		logging.Debug("Remote record already gone", map[string]interface{}{
			"collection": string(entry.Collection),
			"record_key": entry.RecordKey,
		})
	}

	if err := e.store.Delete(ctx, entry.Collection, entry.RecordKey); err != nil {
		return attempts, apperrors.Wrap(apperrors.ErrStore, "delete local record", err)
	}
	return attempts, nil
}
