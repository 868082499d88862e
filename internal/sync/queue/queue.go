// Package queue provides the durable pending operation queue for
// offline writes. Operations survive process restart and are drained
// in per-record FIFO order.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfield-dev/casesync/internal/db"
	"github.com/openfield-dev/casesync/internal/errors"
	"github.com/openfield-dev/casesync/internal/logging"
	"github.com/openfield-dev/casesync/internal/models"
)

// PermanentFailureFunc is invoked when an operation exhausts its
// retries and becomes permanently Failed.
type PermanentFailureFunc func(op *models.PendingOperation)

// Queue manages pending sync operations with retry logic. It is the
// only writer of an operation's status and retry count.
type Queue struct {
	db          *sql.DB
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	mu        sync.Mutex // serializes batch selection
	onFailure PermanentFailureFunc
}

// Options tune queue policy. Zero values take defaults.
type Options struct {
	MaxAttempts int           // default 5
	BaseBackoff time.Duration // default 30s
	MaxBackoff  time.Duration // default 1h
}

// New creates a Queue backed by the shared database.
func New(database *db.DB, opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 30 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = time.Hour
	}
	return &Queue{
		db:          database.DB,
		maxAttempts: opts.MaxAttempts,
		baseBackoff: opts.BaseBackoff,
		maxBackoff:  opts.MaxBackoff,
	}
}

// OnPermanentFailure registers the permanent-failure signal handler.
// Must be set before draining starts.
func (q *Queue) OnPermanentFailure(fn PermanentFailureFunc) {
	q.onFailure = fn
}

const opColumns = "id, operation_type, endpoint, record_ref, kind, payload, local_ts, status, retry_count, next_attempt_at, created_at, last_attempt_at, last_error"

// Enqueue adds a write intent to the queue and returns its id.
func (q *Queue) Enqueue(ctx context.Context, op *models.PendingOperation) (models.UUID, error) {
	if op.RecordRef == "" {
		return "", errors.New(errors.ErrValidation, "pending operation requires a record reference")
	}

	now := time.Now().Unix()
	op.ID = models.UUID(uuid.New().String())
	op.Status = models.OperationStatusPending
	op.RetryCount = 0
	op.CreatedAt = now
	op.NextAttemptAt = now
	if op.Payload == nil {
		op.Payload = []byte("{}")
	}

	query := `
	INSERT INTO pending_operations (id, operation_type, endpoint, record_ref, kind, payload, local_ts, status, retry_count, next_attempt_at, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := q.db.ExecContext(ctx, query, op.ID, op.OperationType, op.Endpoint,
		op.RecordRef, op.Kind, string(op.Payload), op.LocalTS,
		op.Status, op.RetryCount, op.NextAttemptAt, op.CreatedAt)
	if err != nil {
		return "", errors.Wrap(errors.ErrDatabase, "failed to enqueue operation", err)
	}

	logging.Debug("Enqueued pending operation",
		map[string]interface{}{
			"op_id":      op.ID,
			"operation":  op.OperationType,
			"record_ref": op.RecordRef,
		})

	return op.ID, nil
}

// DequeueBatch returns up to max ready operations and marks them
// InFlight. Per-record FIFO: an operation is ready only when no older
// operation for the same record is still pending or in flight, and at
// most one operation per record is returned. Operations on different
// records may therefore drain concurrently without reordering any
// single record's history.
func (q *Queue) DequeueBatch(ctx context.Context, max int) ([]*models.PendingOperation, error) {
	if max <= 0 {
		max = 10
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().Unix()

	query := `
	SELECT ` + opColumns + `
	FROM pending_operations p
	WHERE p.status = 'pending' AND p.next_attempt_at <= ?
	  AND NOT EXISTS (
		SELECT 1 FROM pending_operations o
		WHERE o.record_ref = p.record_ref
		  AND o.id != p.id
		  AND (o.status = 'in_flight'
		       OR (o.status = 'pending' AND (o.created_at < p.created_at
		           OR (o.created_at = p.created_at AND o.id < p.id))))
	  )
	ORDER BY p.created_at
	LIMIT ?
	`
	rows, err := q.db.QueryContext(ctx, query, now, max)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to select ready operations", err)
	}

	var batch []*models.PendingOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(errors.ErrDatabase, "failed to scan operation", err)
		}
		batch = append(batch, op)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to read ready operations", err)
	}

	if len(batch) == 0 {
		return nil, nil
	}

	args := make([]interface{}, 0, len(batch)+1)
	args = append(args, now)
	placeholders := make([]string, 0, len(batch))
	for _, op := range batch {
		placeholders = append(placeholders, "?")
		args = append(args, op.ID)
		op.Status = models.OperationStatusInFlight
		op.LastAttemptAt = &now
	}

	update := fmt.Sprintf(
		"UPDATE pending_operations SET status = 'in_flight', last_attempt_at = ? WHERE id IN (%s)",
		strings.Join(placeholders, ","))
	if _, err := q.db.ExecContext(ctx, update, args...); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to mark operations in flight", err)
	}

	return batch, nil
}

// MarkSucceeded removes a confirmed operation from the queue.
func (q *Queue) MarkSucceeded(ctx context.Context, id models.UUID) error {
	_, err := q.db.ExecContext(ctx, "DELETE FROM pending_operations WHERE id = ?", id)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to remove operation", err)
	}
	return nil
}

// MarkFailed records a failed attempt. The operation returns to
// Pending with a backoff delay until the attempt bound is reached,
// after which it becomes permanently Failed and the failure signal
// fires.
func (q *Queue) MarkFailed(ctx context.Context, id models.UUID, cause error) error {
	op, err := q.Get(ctx, id)
	if err != nil {
		return err
	}

	op.RetryCount++
	op.LastError = ""
	if cause != nil {
		op.LastError = cause.Error()
	}

	if op.RetryCount >= q.maxAttempts {
		return q.failPermanently(ctx, op)
	}

	next := time.Now().Add(q.backoff(op.RetryCount)).Unix()
	_, err = q.db.ExecContext(ctx,
		"UPDATE pending_operations SET status = 'pending', retry_count = ?, next_attempt_at = ?, last_error = ? WHERE id = ?",
		op.RetryCount, next, op.LastError, op.ID)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to reschedule operation", err)
	}

	logging.Warn("Pending operation failed, will retry",
		map[string]interface{}{
			"op_id":       op.ID,
			"retry_count": op.RetryCount,
			"max":         q.maxAttempts,
			"error":       op.LastError,
		})
	return nil
}

// MarkPermanentlyFailed fails an operation immediately, bypassing the
// retry budget. Used for permanent errors such as validation
// rejections.
func (q *Queue) MarkPermanentlyFailed(ctx context.Context, id models.UUID, cause error) error {
	op, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if cause != nil {
		op.LastError = cause.Error()
	}
	return q.failPermanently(ctx, op)
}

func (q *Queue) failPermanently(ctx context.Context, op *models.PendingOperation) error {
	op.Status = models.OperationStatusFailed
	_, err := q.db.ExecContext(ctx,
		"UPDATE pending_operations SET status = 'failed', retry_count = ?, last_error = ? WHERE id = ?",
		op.RetryCount, op.LastError, op.ID)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to mark operation failed", err)
	}

	logging.ErrorWithCode("Pending operation failed permanently",
		string(errors.ErrSyncFailed), nil,
		map[string]interface{}{
			"op_id":       op.ID,
			"operation":   op.OperationType,
			"record_ref":  op.RecordRef,
			"retry_count": op.RetryCount,
			"error":       op.LastError,
		})

	if q.onFailure != nil {
		q.onFailure(op)
	}
	return nil
}

// Release returns an in-flight operation to Pending without counting
// an attempt. Used when the failure was not the operation's fault,
// e.g. an expired auth session.
func (q *Queue) Release(ctx context.Context, id models.UUID, delay time.Duration) error {
	next := time.Now().Add(delay).Unix()
	_, err := q.db.ExecContext(ctx,
		"UPDATE pending_operations SET status = 'pending', next_attempt_at = ? WHERE id = ? AND status = 'in_flight'",
		next, id)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to release operation", err)
	}
	return nil
}

// Retry resets a permanently Failed operation for another round of
// attempts. This is the consumer-facing retry affordance; it is never
// triggered automatically.
func (q *Queue) Retry(ctx context.Context, id models.UUID) error {
	now := time.Now().Unix()
	res, err := q.db.ExecContext(ctx,
		"UPDATE pending_operations SET status = 'pending', retry_count = 0, next_attempt_at = ?, last_error = '' WHERE id = ? AND status = 'failed'",
		now, id)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to reset operation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.ErrNotFound, "no failed operation with that id")
	}
	return nil
}

// CancelForRecord drops all non-failed queued operations for a record.
// Used when a never-synced record is deleted locally: its queued
// creates and updates have nothing left to act on.
func (q *Queue) CancelForRecord(ctx context.Context, recordRef models.UUID) error {
	_, err := q.db.ExecContext(ctx,
		"DELETE FROM pending_operations WHERE record_ref = ? AND status != 'failed'", recordRef)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to cancel operations", err)
	}
	return nil
}

// RecoverInFlight returns operations stranded InFlight by a previous
// process to Pending. Re-execution is safe: remote results are
// reconciled idempotently.
func (q *Queue) RecoverInFlight(ctx context.Context) (int, error) {
	now := time.Now().Unix()
	res, err := q.db.ExecContext(ctx,
		"UPDATE pending_operations SET status = 'pending', next_attempt_at = ? WHERE status = 'in_flight'", now)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to recover in-flight operations", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Info("Recovered stranded in-flight operations",
			map[string]interface{}{"count": n})
	}
	return int(n), nil
}

// Get returns a single operation by id.
func (q *Queue) Get(ctx context.Context, id models.UUID) (*models.PendingOperation, error) {
	row := q.db.QueryRowContext(ctx,
		"SELECT "+opColumns+" FROM pending_operations WHERE id = ?", id)
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrap(errors.ErrNotFound, "operation not found", err)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to read operation", err)
	}
	return op, nil
}

// ListByStatus returns operations in a given status, oldest first.
func (q *Queue) ListByStatus(ctx context.Context, status models.OperationStatus) ([]*models.PendingOperation, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT "+opColumns+" FROM pending_operations WHERE status = ? ORDER BY created_at", status)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to list operations", err)
	}
	defer rows.Close()

	var ops []*models.PendingOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to scan operation", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// Stats returns queue counters by status.
func (q *Queue) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM pending_operations GROUP BY status")
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to read queue stats", err)
	}
	defer rows.Close()

	stats := map[string]int{
		"total":     0,
		"pending":   0,
		"in_flight": 0,
		"failed":    0,
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to scan queue stats", err)
		}
		stats[status] = count
		stats["total"] += count
	}
	return stats, rows.Err()
}

// backoff calculates the retry delay for the n-th failure:
// exponential doubling from the base, capped.
func (q *Queue) backoff(retryCount int) time.Duration {
	d := q.baseBackoff << uint(retryCount-1)
	if d > q.maxBackoff || d <= 0 {
		d = q.maxBackoff
	}
	return d
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(row rowScanner) (*models.PendingOperation, error) {
	var op models.PendingOperation
	var payload string
	var lastAttempt sql.NullInt64
	err := row.Scan(&op.ID, &op.OperationType, &op.Endpoint, &op.RecordRef,
		&op.Kind, &payload, &op.LocalTS, &op.Status, &op.RetryCount,
		&op.NextAttemptAt, &op.CreatedAt, &lastAttempt, &op.LastError)
	if err != nil {
		return nil, err
	}
	op.Payload = []byte(payload)
	if lastAttempt.Valid {
		v := lastAttempt.Int64
		op.LastAttemptAt = &v
	}
	return &op, nil
}
