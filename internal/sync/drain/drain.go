// Package drain replays queued offline writes against the remote store
// once connectivity returns.
package drain

import (
	"context"
	"sync"
	"time"

	"github.com/openfield-dev/casesync/internal/errors"
	"github.com/openfield-dev/casesync/internal/logging"
	"github.com/openfield-dev/casesync/internal/models"
	syncpkg "github.com/openfield-dev/casesync/internal/sync"
	"github.com/openfield-dev/casesync/internal/sync/queue"
	"github.com/openfield-dev/casesync/internal/sync/remote"
)

// Reachability reports whether the remote store is currently
// reachable. Satisfied by netmon.Monitor.
type Reachability interface {
	Reachable() bool
}

// AuthExpiredFunc is invoked when a drained operation fails with an
// expired auth session. The operation itself is released back to the
// queue without consuming an attempt.
type AuthExpiredFunc func()

// Options tune drainer behavior. Zero values take defaults.
type Options struct {
	Interval  time.Duration // default 15s
	BatchSize int           // default 10
	Workers   int           // default 4
}

// Drainer periodically pulls ready operations from the queue and
// executes them against the remote store. Batches run on a worker
// pool; the queue's per-record selection guarantees no two workers
// ever hold operations for the same record.
type Drainer struct {
	queue      *queue.Queue
	remote     *remote.Client
	reconciler *syncpkg.Reconciler
	monitor    Reachability

	interval  time.Duration
	batchSize int
	workers   int

	onAuthExpired AuthExpiredFunc

	kickCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Drainer. Call Start to begin draining.
func New(q *queue.Queue, rc *remote.Client, rec *syncpkg.Reconciler, mon Reachability, opts Options) *Drainer {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &Drainer{
		queue:      q,
		remote:     rc,
		reconciler: rec,
		monitor:    mon,
		interval:   opts.Interval,
		batchSize:  opts.BatchSize,
		workers:    opts.Workers,
		kickCh:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// OnAuthExpired registers the expired-session handler. Must be set
// before Start.
func (d *Drainer) OnAuthExpired(fn AuthExpiredFunc) {
	d.onAuthExpired = fn
}

// Start launches the drain loop.
func (d *Drainer) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.run(ctx)
}

// Stop terminates the drain loop and waits for in-progress batches.
func (d *Drainer) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

// Kick requests an immediate drain pass, coalescing with any pass
// already requested. Called on reconnect so queued writes don't wait
// out the ticker.
func (d *Drainer) Kick() {
	select {
	case d.kickCh <- struct{}{}:
	default:
	}
}

func (d *Drainer) run(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
		case <-d.kickCh:
		}
		d.DrainOnce(ctx)
	}
}

// DrainOnce executes one drain pass: dequeue a batch and run it on
// the worker pool. Passes while unreachable are skipped so attempts
// are not burned on a dead link.
func (d *Drainer) DrainOnce(ctx context.Context) {
	if !d.monitor.Reachable() {
		return
	}

	batch, err := d.queue.DequeueBatch(ctx, d.batchSize)
	if err != nil {
		logging.Error("Failed to dequeue operations", err, nil)
		return
	}
	if len(batch) == 0 {
		return
	}

	logging.Debug("Draining pending operations",
		map[string]interface{}{"count": len(batch)})

	jobs := make(chan *models.PendingOperation)
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for op := range jobs {
				d.execute(ctx, op)
			}
		}()
	}
	for _, op := range batch {
		jobs <- op
	}
	close(jobs)
	wg.Wait()
}

// execute runs a single operation and settles its queue state
// according to the error classification.
func (d *Drainer) execute(ctx context.Context, op *models.PendingOperation) {
	if op.OperationType != models.OperationDelete && op.OperationType != models.OperationCustom {
		if err := d.reconciler.MarkSyncing(op.Kind, op.RecordRef); err != nil {
			logging.Error("Failed to mark record syncing", err,
				map[string]interface{}{"record_ref": op.RecordRef})
		}
	}

	rv, err := d.attempt(ctx, op)
	if err == nil {
		d.settleSuccess(ctx, op, rv)
		return
	}

	switch {
	case errors.Is(err, errors.ErrAuthExpired):
		// Not the operation's fault; release without burning an attempt.
		if relErr := d.queue.Release(ctx, op.ID, 0); relErr != nil {
			logging.Error("Failed to release operation", relErr,
				map[string]interface{}{"op_id": op.ID})
		}
		logging.Warn("Auth session expired while draining",
			map[string]interface{}{"op_id": op.ID})
		if d.onAuthExpired != nil {
			d.onAuthExpired()
		}

	case errors.Retryable(err):
		if qErr := d.queue.MarkFailed(ctx, op.ID, err); qErr != nil {
			logging.Error("Failed to record operation failure", qErr,
				map[string]interface{}{"op_id": op.ID})
		}

	default:
		// Validation and other permanent rejections never succeed on
		// retry.
		if qErr := d.queue.MarkPermanentlyFailed(ctx, op.ID, err); qErr != nil {
			logging.Error("Failed to fail operation", qErr,
				map[string]interface{}{"op_id": op.ID})
		}
	}
}

// attempt executes the remote call for one operation.
func (d *Drainer) attempt(ctx context.Context, op *models.PendingOperation) (*remote.RemoteRecord, error) {
	switch op.OperationType {
	case models.OperationCreate:
		return d.remote.Create(ctx, op.Kind, op.Payload)

	case models.OperationUpdate:
		rec, err := d.record(op)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			// Record deleted after the update was queued; nothing to push.
			return nil, nil
		}
		if rec.CloudID == "" {
			// The preceding create has not been confirmed yet; per-record
			// ordering should prevent this, so treat it as transient.
			return nil, errors.New(errors.ErrNetworkUnavailable, "record has no cloud id yet")
		}
		return d.remote.Update(ctx, op.Kind, rec.CloudID, op.Payload)

	case models.OperationDelete:
		cloudID := models.DeletePayloadCloudID(op.Payload)
		if cloudID == "" {
			// Never synced; the remote store has no copy to delete.
			return nil, nil
		}
		return nil, d.remote.Delete(ctx, op.Kind, cloudID)

	case models.OperationCustom:
		return d.remote.Call(ctx, "POST", op.Endpoint, op.Payload)

	default:
		return nil, errors.New(errors.ErrValidation, "unknown operation type: "+string(op.OperationType))
	}
}

// settleSuccess removes a confirmed operation and reconciles the
// record's sync status.
func (d *Drainer) settleSuccess(ctx context.Context, op *models.PendingOperation, rv *remote.RemoteRecord) {
	if err := d.queue.MarkSucceeded(ctx, op.ID); err != nil {
		logging.Error("Failed to remove confirmed operation", err,
			map[string]interface{}{"op_id": op.ID})
		return
	}

	if op.OperationType == models.OperationDelete || op.OperationType == models.OperationCustom {
		return
	}

	cloudID := ""
	var remoteTS int64
	if rv != nil {
		cloudID = rv.CloudID
		remoteTS = rv.UpdatedAt
	}
	if err := d.reconciler.MarkSynced(op.Kind, op.RecordRef, cloudID, op.LocalTS, remoteTS); err != nil {
		logging.Error("Failed to mark record synced", err,
			map[string]interface{}{"record_ref": op.RecordRef})
	}
}

// record loads the operation's record, mapping NOT_FOUND to nil.
func (d *Drainer) record(op *models.PendingOperation) (*models.Record, error) {
	rec, err := d.reconciler.GetRecord(op.Kind, op.RecordRef)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}
