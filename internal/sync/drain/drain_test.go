package drain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfield-dev/casesync/internal/db"
	"github.com/openfield-dev/casesync/internal/models"
	syncpkg "github.com/openfield-dev/casesync/internal/sync"
	"github.com/openfield-dev/casesync/internal/sync/queue"
	"github.com/openfield-dev/casesync/internal/sync/remote"
)

type fakeReachability struct {
	mu sync.Mutex
	v  bool
}

func (f *fakeReachability) Reachable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.v
}

func (f *fakeReachability) set(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.v = v
}

type fixture struct {
	store      *db.Store
	queue      *queue.Queue
	reconciler *syncpkg.Reconciler
	drainer    *Drainer
	reach      *fakeReachability

	mu       sync.Mutex
	requests []string // "METHOD path"
}

func newFixture(t *testing.T, handler http.HandlerFunc) *fixture {
	t.Helper()

	f := &fixture{reach: &fakeReachability{v: true}}

	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.NewMigrator(database.DB).Apply())

	f.store = db.NewStore(database)
	t.Cleanup(func() { f.store.Close() })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests = append(f.requests, r.Method+" "+r.URL.Path)
		f.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	f.queue = queue.New(database, queue.Options{MaxAttempts: 3})
	f.reconciler = syncpkg.NewReconciler(f.store, nil)
	f.queue.OnPermanentFailure(func(op *models.PendingOperation) {
		if op.OperationType != models.OperationDelete && op.OperationType != models.OperationCustom {
			f.reconciler.MarkSyncFailed(op.Kind, op.RecordRef)
		}
	})

	rc := remote.NewClient(remote.Config{BaseURL: srv.URL})
	f.drainer = New(f.queue, rc, f.reconciler, f.reach, Options{Workers: 2, BatchSize: 10})
	return f
}

func (f *fixture) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// commitAndEnqueue mirrors the repository write path: local commit plus
// a queued operation carrying the timestamp snapshot.
func (f *fixture) commitAndEnqueue(t *testing.T, opType models.OperationType, payload string) *models.Record {
	t.Helper()
	rec, err := f.reconciler.CommitLocal(&models.Record{Kind: "case", Payload: []byte(payload)})
	require.NoError(t, err)
	_, err = f.queue.Enqueue(context.Background(), &models.PendingOperation{
		OperationType: opType,
		RecordRef:     rec.LocalID,
		Kind:          "case",
		Payload:       rec.Payload,
		LocalTS:       rec.UpdatedAt,
	})
	require.NoError(t, err)
	return rec
}

func TestDrainCreateSettlesClean(t *testing.T) {
	var f *fixture
	f = newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(remote.RemoteRecord{CloudID: "c1", UpdatedAt: 9999999999})
	})

	rec := f.commitAndEnqueue(t, models.OperationCreate, `{"title":"a"}`)
	f.drainer.DrainOnce(context.Background())

	assert.Equal(t, []string{"POST /case"}, f.requests)

	stored, err := f.store.Get("case", rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusClean, stored.SyncStatus)
	assert.Equal(t, "c1", stored.CloudID)
	assert.EqualValues(t, 9999999999, stored.UpdatedAt)

	stats, err := f.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats["total"])
}

func TestDrainSkipsWhileUnreachable(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	f.reach.set(false)

	f.commitAndEnqueue(t, models.OperationCreate, `{}`)
	f.drainer.DrainOnce(context.Background())

	assert.Zero(t, f.requestCount(), "drained while unreachable")
	stats, err := f.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats["pending"])
}

func TestDrainRetryableFailureReschedules(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	rec := f.commitAndEnqueue(t, models.OperationCreate, `{}`)
	f.drainer.DrainOnce(context.Background())

	stats, err := f.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats["pending"], "retryable failure should reschedule")

	// The record keeps its local edit and stays unsynced.
	stored, err := f.store.Get("case", rec.LocalID)
	require.NoError(t, err)
	assert.NotEqual(t, models.SyncStatusClean, stored.SyncStatus)
}

func TestDrainValidationFailureIsPermanent(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"bad payload"}`))
	})

	rec := f.commitAndEnqueue(t, models.OperationCreate, `{}`)
	f.drainer.DrainOnce(context.Background())

	stats, err := f.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats["failed"])

	stored, err := f.store.Get("case", rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusFailed, stored.SyncStatus)
}

func TestDrainAuthExpiredReleasesWithoutAttempt(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	authExpired := false
	f.drainer.OnAuthExpired(func() { authExpired = true })

	f.commitAndEnqueue(t, models.OperationCreate, `{}`)
	f.drainer.DrainOnce(context.Background())

	assert.True(t, authExpired, "auth-expired handler did not fire")

	ops, err := f.queue.ListByStatus(context.Background(), models.OperationStatusPending)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Zero(t, ops[0].RetryCount, "auth failure burned a retry attempt")
}

func TestDrainDeleteUsesCloudIDSnapshot(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	_, err := f.queue.Enqueue(context.Background(), &models.PendingOperation{
		OperationType: models.OperationDelete,
		RecordRef:     "l1",
		Kind:          "case",
		Payload:       models.NewDeletePayload("c1"),
	})
	require.NoError(t, err)

	f.drainer.DrainOnce(context.Background())

	assert.Equal(t, []string{"DELETE /case/c1"}, f.requests)
	stats, _ := f.queue.Stats(context.Background())
	assert.Equal(t, 0, stats["total"])
}

func TestDrainUpdateForDeletedRecordIsOrphan(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Queued update whose record no longer exists locally.
	_, err := f.queue.Enqueue(context.Background(), &models.PendingOperation{
		OperationType: models.OperationUpdate,
		RecordRef:     "gone",
		Kind:          "case",
		Payload:       []byte(`{}`),
	})
	require.NoError(t, err)

	f.drainer.DrainOnce(context.Background())

	assert.Zero(t, f.requestCount(), "orphan update hit the remote store")
	stats, _ := f.queue.Stats(context.Background())
	assert.Equal(t, 0, stats["total"], "orphan operation not removed")
}

func TestDrainCustomOperation(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	_, err := f.queue.Enqueue(context.Background(), &models.PendingOperation{
		OperationType: models.OperationCustom,
		Endpoint:      "/case/c1/archive",
		RecordRef:     "l1",
		Kind:          "case",
		Payload:       []byte(`{}`),
	})
	require.NoError(t, err)

	f.drainer.DrainOnce(context.Background())

	assert.Equal(t, []string{"POST /case/c1/archive"}, f.requests)
}

func TestDrainConcurrentEditStaysPending(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(remote.RemoteRecord{CloudID: "c1", UpdatedAt: 1})
	})

	rec := f.commitAndEnqueue(t, models.OperationCreate, `{"v":1}`)

	// Second edit lands before the drain pass confirms the first.
	rec.Payload = []byte(`{"v":2}`)
	_, err := f.reconciler.CommitLocal(rec)
	require.NoError(t, err)

	f.drainer.DrainOnce(context.Background())

	stored, err := f.store.Get("case", rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusPending, stored.SyncStatus,
		"record settled clean although a newer local edit is unconfirmed")
	assert.Equal(t, "c1", stored.CloudID)
}
