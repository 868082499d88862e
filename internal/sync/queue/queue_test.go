package queue

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/openfield-dev/casesync/internal/db"
	"github.com/openfield-dev/casesync/internal/errors"
	"github.com/openfield-dev/casesync/internal/models"
)

func newTestQueue(t *testing.T, opts Options) *Queue {
	t.Helper()

	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := db.NewMigrator(database.DB).Apply(); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}

	return New(database, opts)
}

func enqueue(t *testing.T, q *Queue, recordRef models.UUID, opType models.OperationType) models.UUID {
	t.Helper()
	id, err := q.Enqueue(context.Background(), &models.PendingOperation{
		OperationType: opType,
		RecordRef:     recordRef,
		Kind:          "case",
		Payload:       []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return id
}

func TestEnqueueRequiresRecordRef(t *testing.T) {
	q := newTestQueue(t, Options{})
	_, err := q.Enqueue(context.Background(), &models.PendingOperation{
		OperationType: models.OperationCreate,
		Kind:          "case",
	})
	if !errors.Is(err, errors.ErrValidation) {
		t.Errorf("Enqueue without record ref = %v, want VALIDATION_ERROR", err)
	}
}

func TestDequeuePerRecordFIFO(t *testing.T) {
	q := newTestQueue(t, Options{})
	ctx := context.Background()

	first := enqueue(t, q, "rec-1", models.OperationCreate)
	enqueue(t, q, "rec-1", models.OperationUpdate)
	other := enqueue(t, q, "rec-2", models.OperationCreate)

	batch, err := q.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueBatch failed: %v", err)
	}

	// One op per record, and for rec-1 it must be the oldest.
	if len(batch) != 2 {
		t.Fatalf("batch size = %d, want 2", len(batch))
	}
	got := map[models.UUID]bool{batch[0].ID: true, batch[1].ID: true}
	if !got[first] || !got[other] {
		t.Errorf("batch = %v, want first op of each record", got)
	}

	// The younger rec-1 op stays blocked while its elder is in flight.
	batch, err = q.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("second DequeueBatch failed: %v", err)
	}
	if len(batch) != 0 {
		t.Errorf("second batch size = %d, want 0", len(batch))
	}

	// Confirming the elder unblocks the younger.
	if err := q.MarkSucceeded(ctx, first); err != nil {
		t.Fatalf("MarkSucceeded failed: %v", err)
	}
	batch, err = q.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("third DequeueBatch failed: %v", err)
	}
	if len(batch) != 1 || batch[0].RecordRef != "rec-1" || batch[0].OperationType != models.OperationUpdate {
		t.Errorf("third batch = %+v, want the queued rec-1 update", batch)
	}
}

func TestMarkFailedReschedulesWithBackoff(t *testing.T) {
	q := newTestQueue(t, Options{MaxAttempts: 3, BaseBackoff: time.Hour})
	ctx := context.Background()

	id := enqueue(t, q, "rec-1", models.OperationCreate)
	if _, err := q.DequeueBatch(ctx, 1); err != nil {
		t.Fatalf("DequeueBatch failed: %v", err)
	}

	if err := q.MarkFailed(ctx, id, stderrors.New("503")); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	op, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if op.Status != models.OperationStatusPending {
		t.Errorf("status after failure = %s, want pending", op.Status)
	}
	if op.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", op.RetryCount)
	}
	if op.NextAttemptAt <= time.Now().Unix() {
		t.Error("next attempt not pushed into the future")
	}

	// Backed-off operations are not ready.
	batch, err := q.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueBatch failed: %v", err)
	}
	if len(batch) != 0 {
		t.Errorf("dequeued %d backed-off ops, want 0", len(batch))
	}
}

func TestRetryBoundFailsPermanently(t *testing.T) {
	q := newTestQueue(t, Options{MaxAttempts: 3, BaseBackoff: time.Nanosecond})
	ctx := context.Background()

	var failed *models.PendingOperation
	q.OnPermanentFailure(func(op *models.PendingOperation) { failed = op })

	id := enqueue(t, q, "rec-1", models.OperationCreate)

	for i := 0; i < 3; i++ {
		time.Sleep(2 * time.Millisecond)
		batch, err := q.DequeueBatch(ctx, 1)
		if err != nil {
			t.Fatalf("DequeueBatch failed: %v", err)
		}
		if len(batch) != 1 {
			t.Fatalf("attempt %d: batch size = %d, want 1", i+1, len(batch))
		}
		if err := q.MarkFailed(ctx, id, stderrors.New("503")); err != nil {
			t.Fatalf("MarkFailed failed: %v", err)
		}
	}

	op, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if op.Status != models.OperationStatusFailed {
		t.Errorf("status after retry bound = %s, want failed", op.Status)
	}
	if failed == nil || failed.ID != id {
		t.Error("permanent failure signal did not fire")
	}

	// Failed operations are never picked up again automatically.
	batch, err := q.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueBatch failed: %v", err)
	}
	if len(batch) != 0 {
		t.Errorf("dequeued %d failed ops, want 0", len(batch))
	}
}

func TestMarkPermanentlyFailedSkipsRetries(t *testing.T) {
	q := newTestQueue(t, Options{MaxAttempts: 5})
	ctx := context.Background()

	id := enqueue(t, q, "rec-1", models.OperationCreate)
	if _, err := q.DequeueBatch(ctx, 1); err != nil {
		t.Fatalf("DequeueBatch failed: %v", err)
	}

	if err := q.MarkPermanentlyFailed(ctx, id, stderrors.New("422")); err != nil {
		t.Fatalf("MarkPermanentlyFailed failed: %v", err)
	}

	op, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if op.Status != models.OperationStatusFailed {
		t.Errorf("status = %s, want failed", op.Status)
	}
}

func TestReleaseDoesNotBurnAttempt(t *testing.T) {
	q := newTestQueue(t, Options{})
	ctx := context.Background()

	id := enqueue(t, q, "rec-1", models.OperationCreate)
	if _, err := q.DequeueBatch(ctx, 1); err != nil {
		t.Fatalf("DequeueBatch failed: %v", err)
	}

	if err := q.Release(ctx, id, 0); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	op, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if op.Status != models.OperationStatusPending {
		t.Errorf("status after release = %s, want pending", op.Status)
	}
	if op.RetryCount != 0 {
		t.Errorf("retry count after release = %d, want 0", op.RetryCount)
	}
}

func TestRetryResetsFailedOperation(t *testing.T) {
	q := newTestQueue(t, Options{})
	ctx := context.Background()

	id := enqueue(t, q, "rec-1", models.OperationCreate)
	if _, err := q.DequeueBatch(ctx, 1); err != nil {
		t.Fatalf("DequeueBatch failed: %v", err)
	}
	if err := q.MarkPermanentlyFailed(ctx, id, stderrors.New("422")); err != nil {
		t.Fatalf("MarkPermanentlyFailed failed: %v", err)
	}

	if err := q.Retry(ctx, id); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	op, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if op.Status != models.OperationStatusPending || op.RetryCount != 0 {
		t.Errorf("after Retry: status = %s retry_count = %d, want pending/0", op.Status, op.RetryCount)
	}

	// Retry only applies to failed operations.
	if err := q.Retry(ctx, id); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Retry on pending op = %v, want NOT_FOUND", err)
	}
}

func TestCancelForRecord(t *testing.T) {
	q := newTestQueue(t, Options{})
	ctx := context.Background()

	enqueue(t, q, "rec-1", models.OperationCreate)
	enqueue(t, q, "rec-1", models.OperationUpdate)
	keep := enqueue(t, q, "rec-2", models.OperationCreate)

	if err := q.CancelForRecord(ctx, "rec-1"); err != nil {
		t.Fatalf("CancelForRecord failed: %v", err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats["total"] != 1 {
		t.Errorf("total after cancel = %d, want 1", stats["total"])
	}
	if _, err := q.Get(ctx, keep); err != nil {
		t.Errorf("unrelated operation was cancelled: %v", err)
	}
}

func TestRecoverInFlight(t *testing.T) {
	q := newTestQueue(t, Options{})
	ctx := context.Background()

	enqueue(t, q, "rec-1", models.OperationCreate)
	if _, err := q.DequeueBatch(ctx, 1); err != nil {
		t.Fatalf("DequeueBatch failed: %v", err)
	}

	// Simulates a restart with the operation stranded in flight.
	n, err := q.RecoverInFlight(ctx)
	if err != nil {
		t.Fatalf("RecoverInFlight failed: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered %d operations, want 1", n)
	}

	batch, err := q.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueBatch failed: %v", err)
	}
	if len(batch) != 1 {
		t.Errorf("recovered operation not dequeued: batch size = %d", len(batch))
	}
}

func TestBackoffDoubling(t *testing.T) {
	q := newTestQueue(t, Options{BaseBackoff: 30 * time.Second, MaxBackoff: time.Hour})

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{8, time.Hour}, // capped
	}
	for _, tt := range tests {
		if got := q.backoff(tt.retry); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}
