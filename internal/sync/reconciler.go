// Package sync provides the reconciliation engine that merges remote
// state into the local store.
package sync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/openfield-dev/casesync/internal/db"
	"github.com/openfield-dev/casesync/internal/errors"
	"github.com/openfield-dev/casesync/internal/logging"
	"github.com/openfield-dev/casesync/internal/models"
	"github.com/openfield-dev/casesync/internal/sync/conflict"
	"github.com/openfield-dev/casesync/internal/sync/remote"
)

// Change classifies a record notification.
type Change string

const (
	ChangeCreated Change = "created"
	ChangeUpdated Change = "updated"
	ChangeDeleted Change = "deleted"
	ChangeStatus  Change = "status"
)

// Notification describes an observable change to a record.
type Notification struct {
	Kind   string
	Record *models.Record
	Change Change
}

// NotifyFunc receives record notifications. May be nil.
type NotifyFunc func(Notification)

// Reconciler applies remote versions (sync responses and pushed
// events) and local writes to the store under per-record locks. Every
// mutation of a record in the process goes through here, which makes
// the single upsert/delete inside the lock the atomic commit point.
type Reconciler struct {
	store    *db.Store
	resolver *conflict.Resolver
	locks    *recordLocks
	notify   NotifyFunc
}

// NewReconciler creates a new Reconciler.
func NewReconciler(store *db.Store, notify NotifyFunc) *Reconciler {
	return &Reconciler{
		store:    store,
		resolver: conflict.NewResolver(),
		locks:    newRecordLocks(),
		notify:   notify,
	}
}

func (r *Reconciler) emit(n Notification) {
	if r.notify != nil {
		r.notify(n)
	}
}

// ApplyRemote merges a remote version into the local store using the
// last-writer-wins policy. Returns whether the stored state changed.
// Idempotent under redelivery: applying the same version twice changes
// state at most once.
func (r *Reconciler) ApplyRemote(ctx context.Context, kind string, rv *remote.RemoteRecord) (bool, error) {
	if rv == nil {
		return false, nil
	}
	if rv.CloudID == "" {
		return false, errors.New(errors.ErrValidation, "remote record has no id")
	}
	if rv.Deleted {
		return r.applyRemoteDelete(ctx, kind, rv.CloudID, rv.UpdatedAt)
	}

	key, err := r.lockKey(kind, rv.CloudID)
	if err != nil {
		return false, err
	}
	unlock := r.locks.Lock(key)
	defer unlock()

	// Abandonment check: nothing has been written yet, so a cancelled
	// refresh leaves no partial state.
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	local, err := r.getByCloudID(kind, rv.CloudID)
	if err != nil {
		return false, err
	}

	decision := r.resolver.Resolve(local, rv.UpdatedAt)

	if log := r.logForDecision(local, rv.UpdatedAt, decision); log != nil {
		if err := r.store.CreateConflictLog(log); err != nil {
			logging.Error("Failed to record conflict", err,
				map[string]interface{}{"record_id": log.RecordID})
		}
	}

	switch decision {
	case conflict.DecisionInsert:
		rec := &models.Record{
			LocalID:    models.UUID(uuid.New().String()),
			CloudID:    rv.CloudID,
			Kind:       kind,
			Payload:    rv.Payload,
			SyncStatus: models.SyncStatusClean,
			CreatedAt:  rv.UpdatedAt,
			UpdatedAt:  rv.UpdatedAt,
		}
		if _, err := r.store.Upsert(rec); err != nil {
			return false, err
		}
		r.emit(Notification{Kind: kind, Record: rec, Change: ChangeCreated})
		return true, nil

	case conflict.DecisionApplyRemote:
		local.CloudID = rv.CloudID
		local.Payload = rv.Payload
		local.SyncStatus = models.SyncStatusClean
		local.UpdatedAt = rv.UpdatedAt
		if _, err := r.store.Upsert(local); err != nil {
			return false, err
		}
		r.emit(Notification{Kind: kind, Record: local, Change: ChangeUpdated})
		return true, nil

	default:
		// KeepLocal or NoOp: stored state unchanged.
		return false, nil
	}
}

func (r *Reconciler) logForDecision(local *models.Record, remoteTS int64, decision conflict.Decision) *models.ConflictLog {
	if local == nil {
		return nil
	}
	return r.resolver.LogFor(local, remoteTS, decision)
}

// applyRemoteDelete removes the local copy of a remotely deleted
// record. Unknown cloud ids are duplicate deliveries and a no-op. The
// same carve-out as payload merges applies: a record carrying an
// unsynced local edit survives the delete, since its queued write is
// still outstanding and will settle it.
func (r *Reconciler) applyRemoteDelete(ctx context.Context, kind, cloudID string, remoteTS int64) (bool, error) {
	key, err := r.lockKey(kind, cloudID)
	if err != nil {
		return false, err
	}
	unlock := r.locks.Lock(key)
	defer unlock()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	local, err := r.getByCloudID(kind, cloudID)
	if err != nil {
		return false, err
	}
	if local == nil {
		return false, nil
	}

	if local.SyncStatus == models.SyncStatusPending || local.SyncStatus == models.SyncStatusSyncing {
		log := &models.ConflictLog{
			RecordID:        local.LocalID,
			LocalTimestamp:  local.UpdatedAt,
			RemoteTimestamp: remoteTS,
			Resolution:      "local_wins",
			DetectedAt:      time.Now().Unix(),
		}
		if err := r.store.CreateConflictLog(log); err != nil {
			logging.Error("Failed to record conflict", err,
				map[string]interface{}{"record_id": log.RecordID})
		}
		logging.Info("Remote delete discarded, unsynced local edit outstanding",
			map[string]interface{}{
				"record_id": local.LocalID,
				"cloud_id":  cloudID,
			})
		return false, nil
	}

	if err := r.store.Delete(kind, local.LocalID); err != nil {
		return false, err
	}
	r.emit(Notification{Kind: kind, Record: local, Change: ChangeDeleted})
	return true, nil
}

// HandleEvent consumes a server-pushed channel event. Malformed
// payloads are logged and dropped, never fatal.
func (r *Reconciler) HandleEvent(ev models.ChannelEvent) {
	if !ev.IsEntityUpdate() {
		return
	}

	var rv remote.RemoteRecord
	if err := json.Unmarshal(ev.Payload, &rv); err != nil || rv.CloudID == "" {
		logging.ErrorWithCode("Dropping malformed channel event",
			string(errors.ErrMalformedMessage), err,
			map[string]interface{}{"event_type": ev.Type})
		return
	}
	if rv.UpdatedAt == 0 {
		rv.UpdatedAt = ev.ServerTimestamp
	}

	if _, err := r.ApplyRemote(context.Background(), ev.EntityKind, &rv); err != nil {
		logging.Error("Failed to apply channel event", err,
			map[string]interface{}{
				"event_type": ev.Type,
				"cloud_id":   rv.CloudID,
			})
	}
}

// CommitLocal commits a local write. The caller sees it committed
// instantly with SyncStatus = Pending; remote propagation happens
// elsewhere.
func (r *Reconciler) CommitLocal(rec *models.Record) (*models.Record, error) {
	if rec.Kind == "" {
		return nil, errors.New(errors.ErrValidation, "record kind is required")
	}

	created := rec.LocalID == ""
	if created {
		rec.LocalID = models.UUID(uuid.New().String())
	}

	unlock := r.locks.Lock(string(rec.LocalID))
	defer unlock()

	if !created {
		// Preserve immutable fields from the stored copy.
		stored, err := r.store.Get(rec.Kind, rec.LocalID)
		if err != nil && !errors.Is(err, errors.ErrNotFound) {
			return nil, err
		}
		if stored == nil {
			created = true
		} else {
			rec.CreatedAt = stored.CreatedAt
			if rec.CloudID == "" {
				rec.CloudID = stored.CloudID
			}
			if rec.UpdatedAt < stored.UpdatedAt {
				rec.UpdatedAt = stored.UpdatedAt
			}
		}
	}

	rec.Touch()
	rec.SyncStatus = models.SyncStatusPending

	out, err := r.store.Upsert(rec)
	if err != nil {
		return nil, err
	}

	change := ChangeUpdated
	if created {
		change = ChangeCreated
	}
	r.emit(Notification{Kind: rec.Kind, Record: out, Change: change})
	return out, nil
}

// DeleteLocal removes a record from the local store and returns its
// cloud id (empty if it was never synced) for remote propagation.
func (r *Reconciler) DeleteLocal(kind string, localID models.UUID) (string, error) {
	unlock := r.locks.Lock(string(localID))
	defer unlock()

	rec, err := r.store.Get(kind, localID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return "", nil
		}
		return "", err
	}

	if err := r.store.Delete(kind, localID); err != nil {
		return "", err
	}
	r.emit(Notification{Kind: kind, Record: rec, Change: ChangeDeleted})
	return rec.CloudID, nil
}

// MarkSynced records a confirmed remote write. localTS is the record's
// UpdatedAt at the time the write was attempted; if the record has
// been edited since, it stays Pending so the follow-up operation can
// confirm the newer payload.
func (r *Reconciler) MarkSynced(kind string, localID models.UUID, cloudID string, localTS, remoteUpdatedAt int64) error {
	unlock := r.locks.Lock(string(localID))
	defer unlock()

	rec, err := r.store.Get(kind, localID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			// Record deleted while the write was in flight.
			return nil
		}
		return err
	}

	if cloudID != "" {
		rec.CloudID = cloudID
	}

	if rec.UpdatedAt <= localTS {
		rec.SyncStatus = models.SyncStatusClean
		// updatedAt never decreases
		if remoteUpdatedAt > rec.UpdatedAt {
			rec.UpdatedAt = remoteUpdatedAt
		}
	} else if rec.SyncStatus == models.SyncStatusSyncing {
		// Edited while the write was in flight: the confirmed payload is
		// already stale, so the record waits for its follow-up operation.
		rec.SyncStatus = models.SyncStatusPending
	}

	if _, err := r.store.Upsert(rec); err != nil {
		return err
	}
	r.emit(Notification{Kind: kind, Record: rec, Change: ChangeStatus})
	return nil
}

// MarkSyncFailed flags a record whose queued write exhausted its
// retries. Non-blocking for the consumer: the local payload stays
// intact and a retry affordance can be shown.
func (r *Reconciler) MarkSyncFailed(kind string, localID models.UUID) error {
	unlock := r.locks.Lock(string(localID))
	defer unlock()

	rec, err := r.store.Get(kind, localID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil
		}
		return err
	}

	rec.SyncStatus = models.SyncStatusFailed
	if _, err := r.store.Upsert(rec); err != nil {
		return err
	}
	r.emit(Notification{Kind: kind, Record: rec, Change: ChangeStatus})
	return nil
}

// MarkRetrying returns a Failed record to Pending when its operation
// is manually retried. Timestamps are untouched so the retried
// operation's confirmation can still settle the record Clean.
func (r *Reconciler) MarkRetrying(kind string, localID models.UUID) error {
	unlock := r.locks.Lock(string(localID))
	defer unlock()

	rec, err := r.store.Get(kind, localID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil
		}
		return err
	}
	if rec.SyncStatus != models.SyncStatusFailed {
		return nil
	}

	rec.SyncStatus = models.SyncStatusPending
	if _, err := r.store.Upsert(rec); err != nil {
		return err
	}
	r.emit(Notification{Kind: kind, Record: rec, Change: ChangeStatus})
	return nil
}

// MarkSyncing transitions a record to Syncing while its write is in
// flight. The status still counts as an outstanding local edit for
// conflict resolution.
func (r *Reconciler) MarkSyncing(kind string, localID models.UUID) error {
	unlock := r.locks.Lock(string(localID))
	defer unlock()

	rec, err := r.store.Get(kind, localID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil
		}
		return err
	}
	if rec.SyncStatus != models.SyncStatusPending {
		return nil
	}

	rec.SyncStatus = models.SyncStatusSyncing
	if _, err := r.store.Upsert(rec); err != nil {
		return err
	}
	return nil
}

// GetRecord reads a record without mutating it.
func (r *Reconciler) GetRecord(kind string, localID models.UUID) (*models.Record, error) {
	return r.store.Get(kind, localID)
}

// lockKey resolves the lock key for a remote-identified record: the
// local id when the record exists, otherwise a cloud-scoped key so
// concurrent inserts of the same cloud id serialize.
func (r *Reconciler) lockKey(kind, cloudID string) (string, error) {
	local, err := r.getByCloudID(kind, cloudID)
	if err != nil {
		return "", err
	}
	if local != nil {
		return string(local.LocalID), nil
	}
	return "cloud:" + kind + "/" + cloudID, nil
}

// getByCloudID looks up a record by cloud id, mapping NOT_FOUND to a
// nil record.
func (r *Reconciler) getByCloudID(kind, cloudID string) (*models.Record, error) {
	rec, err := r.store.GetByCloudID(kind, cloudID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}
