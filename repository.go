package casesync

import (
	"context"
	"net/url"
	"strconv"

	"github.com/openfield-dev/casesync/internal/errors"
	"github.com/openfield-dev/casesync/internal/logging"
	"github.com/openfield-dev/casesync/internal/models"
	"github.com/openfield-dev/casesync/internal/sync/remote"
)

// Repository is the consumer-facing surface for one record kind.
// Reads and writes always hit the local store; remote propagation and
// refresh happen in the background and surface through observers.
type Repository struct {
	engine *Engine
	kind   string
}

// Kind returns the record kind this repository serves.
func (r *Repository) Kind() string {
	return r.kind
}

// Get returns a record from the local store. When the remote store is
// reachable a background refresh is started; a fresher remote version
// arrives later through observers, never through this return value.
func (r *Repository) Get(ctx context.Context, localID UUID) (*Record, error) {
	rec, err := r.engine.store.Get(r.kind, localID)
	if err != nil {
		return nil, err
	}

	if rec.CloudID != "" && r.engine.Reachable() {
		cloudID := rec.CloudID
		r.engine.startRefresh("record:"+r.kind+"/"+cloudID, func(ctx context.Context) {
			r.refreshOne(ctx, cloudID)
		})
	}
	return rec, nil
}

// List returns records from the local store matching the filter, most
// recently updated first. Reachability triggers a background refresh
// of the kind.
func (r *Repository) List(ctx context.Context, f Filter) ([]*Record, error) {
	recs, err := r.engine.store.List(r.kind, f)
	if err != nil {
		return nil, err
	}

	if r.engine.Reachable() {
		r.engine.startRefresh("list:"+r.kind, func(ctx context.Context) {
			r.refreshAll(ctx, f)
		})
	}
	return recs, nil
}

// Save commits a write locally and queues it for remote propagation.
// The returned record is the committed local state with SyncStatus
// Pending; no remote call happens on this path. A record with an empty
// LocalID is created, otherwise updated.
func (r *Repository) Save(ctx context.Context, rec *Record) (*Record, error) {
	rec.Kind = r.kind
	out, err := r.engine.reconciler.CommitLocal(rec)
	if err != nil {
		return nil, err
	}

	opType := models.OperationUpdate
	if out.CloudID == "" {
		opType = models.OperationCreate
	}
	_, err = r.engine.queue.Enqueue(ctx, &models.PendingOperation{
		OperationType: opType,
		RecordRef:     out.LocalID,
		Kind:          r.kind,
		Payload:       out.Payload,
		LocalTS:       out.UpdatedAt,
	})
	if err != nil {
		return nil, err
	}

	if r.engine.Reachable() {
		r.engine.drainer.Kick()
	}
	return out, nil
}

// Delete removes a record locally and queues the remote delete. For a
// record that was never synced the queued creates and updates are
// cancelled instead; the remote store has nothing to remove.
func (r *Repository) Delete(ctx context.Context, localID UUID) error {
	cloudID, err := r.engine.reconciler.DeleteLocal(r.kind, localID)
	if err != nil {
		return err
	}

	// Queued writes for the record are moot either way; the delete
	// operation carries its own cloud id snapshot.
	if err := r.engine.queue.CancelForRecord(ctx, localID); err != nil {
		return err
	}
	if cloudID == "" {
		return nil
	}

	_, err = r.engine.queue.Enqueue(ctx, &models.PendingOperation{
		OperationType: models.OperationDelete,
		RecordRef:     localID,
		Kind:          r.kind,
		Payload:       models.NewDeletePayload(cloudID),
	})
	if err != nil {
		return err
	}

	if r.engine.Reachable() {
		r.engine.drainer.Kick()
	}
	return nil
}

// EnqueueCustom queues an arbitrary remote action tied to a record.
// The endpoint is called with the payload once connectivity allows,
// under the same ordering and retry rules as CRUD operations.
func (r *Repository) EnqueueCustom(ctx context.Context, localID UUID, endpoint string, payload []byte) (UUID, error) {
	if endpoint == "" {
		return "", errors.New(errors.ErrValidation, "custom operation requires an endpoint")
	}
	id, err := r.engine.queue.Enqueue(ctx, &models.PendingOperation{
		OperationType: models.OperationCustom,
		Endpoint:      endpoint,
		RecordRef:     localID,
		Kind:          r.kind,
		Payload:       payload,
	})
	if err != nil {
		return "", err
	}
	if r.engine.Reachable() {
		r.engine.drainer.Kick()
	}
	return id, nil
}

// Refresh synchronously fetches the kind from the remote store and
// reconciles it into the local store. Unlike the background refreshes
// this propagates remote errors to the caller.
func (r *Repository) Refresh(ctx context.Context, f Filter) error {
	remotes, err := r.engine.remote.Fetch(ctx, r.kind, refreshQuery(f))
	if err != nil {
		return err
	}
	for _, rv := range remotes {
		if _, err := r.engine.reconciler.ApplyRemote(ctx, r.kind, rv); err != nil {
			return err
		}
	}
	return nil
}

// Observe registers an observer for this kind's record notifications.
func (r *Repository) Observe(fn ObserverFunc) int {
	return r.engine.Observe(r.kind, fn)
}

// Unobserve removes an observer registered through Observe.
func (r *Repository) Unobserve(id int) {
	r.engine.Unobserve(id)
}

// refreshOne reconciles a single remote record in the background.
// Errors are logged, not surfaced: the consumer already has the local
// copy.
func (r *Repository) refreshOne(ctx context.Context, cloudID string) {
	rv, err := r.engine.remote.Get(ctx, r.kind, cloudID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			// Deleted remotely; reconcile the removal.
			rv = &remote.RemoteRecord{CloudID: cloudID, Deleted: true}
		} else {
			logBackgroundRefresh(r.kind, err)
			return
		}
	}
	if _, err := r.engine.reconciler.ApplyRemote(ctx, r.kind, rv); err != nil {
		logBackgroundRefresh(r.kind, err)
	}
}

// refreshAll reconciles the remote list for the kind in the background.
func (r *Repository) refreshAll(ctx context.Context, f Filter) {
	remotes, err := r.engine.remote.Fetch(ctx, r.kind, refreshQuery(f))
	if err != nil {
		logBackgroundRefresh(r.kind, err)
		return
	}
	for _, rv := range remotes {
		if _, err := r.engine.reconciler.ApplyRemote(ctx, r.kind, rv); err != nil {
			logBackgroundRefresh(r.kind, err)
			return
		}
	}
}

// refreshQuery translates the local filter into remote list
// parameters.
func refreshQuery(f Filter) url.Values {
	q := url.Values{}
	if f.UpdatedSince > 0 {
		q.Set("updated_since", strconv.FormatInt(f.UpdatedSince, 10))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	return q
}

func logBackgroundRefresh(kind string, err error) {
	logging.Debug("Background refresh failed",
		map[string]interface{}{"kind": kind, "error": err.Error()})
}
