package db

import (
	"testing"

	"github.com/openfield-dev/casesync/internal/errors"
	"github.com/openfield-dev/casesync/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	database, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := NewMigrator(database.DB).Apply(); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}

	store := NewStore(database)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestUpsertAssignsLocalID(t *testing.T) {
	store := newTestStore(t)

	rec, err := store.Upsert(&models.Record{
		Kind:       "case",
		Payload:    []byte(`{"title":"a"}`),
		SyncStatus: models.SyncStatusPending,
		CreatedAt:  100,
		UpdatedAt:  100,
	})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if rec.LocalID == "" {
		t.Error("Upsert did not assign a local id")
	}
}

func TestUpsertIdempotent(t *testing.T) {
	store := newTestStore(t)

	rec := &models.Record{
		LocalID:    "l1",
		Kind:       "case",
		Payload:    []byte(`{"title":"a"}`),
		SyncStatus: models.SyncStatusClean,
		CreatedAt:  100,
		UpdatedAt:  100,
	}
	if _, err := store.Upsert(rec); err != nil {
		t.Fatalf("first Upsert failed: %v", err)
	}
	if _, err := store.Upsert(rec); err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}

	recs, err := store.List("case", Filter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("after double upsert got %d records, want 1", len(recs))
	}
}

func TestGetNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get("case", "missing")
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want NOT_FOUND", err)
	}
}

func TestGetByCloudID(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Upsert(&models.Record{
		LocalID:    "l1",
		CloudID:    "c1",
		Kind:       "case",
		Payload:    []byte(`{}`),
		SyncStatus: models.SyncStatusClean,
		CreatedAt:  100,
		UpdatedAt:  100,
	}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	rec, err := store.GetByCloudID("case", "c1")
	if err != nil {
		t.Fatalf("GetByCloudID failed: %v", err)
	}
	if rec.LocalID != "l1" {
		t.Errorf("GetByCloudID returned %q, want l1", rec.LocalID)
	}

	// Kind scopes the lookup.
	if _, err := store.GetByCloudID("evidence", "c1"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("GetByCloudID(wrong kind) error = %v, want NOT_FOUND", err)
	}
}

func TestListFilters(t *testing.T) {
	store := newTestStore(t)

	seed := []*models.Record{
		{LocalID: "l1", Kind: "case", Payload: []byte(`{}`), SyncStatus: models.SyncStatusClean, CreatedAt: 100, UpdatedAt: 100},
		{LocalID: "l2", Kind: "case", Payload: []byte(`{}`), SyncStatus: models.SyncStatusPending, CreatedAt: 200, UpdatedAt: 200},
		{LocalID: "l3", Kind: "case", Payload: []byte(`{}`), SyncStatus: models.SyncStatusPending, CreatedAt: 300, UpdatedAt: 300},
		{LocalID: "l4", Kind: "evidence", Payload: []byte(`{}`), SyncStatus: models.SyncStatusPending, CreatedAt: 400, UpdatedAt: 400},
	}
	for _, rec := range seed {
		if _, err := store.Upsert(rec); err != nil {
			t.Fatalf("Upsert(%s) failed: %v", rec.LocalID, err)
		}
	}

	recs, err := store.List("case", Filter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("List(case) returned %d records, want 3", len(recs))
	}
	// Most recently updated first.
	if recs[0].LocalID != "l3" {
		t.Errorf("List order: first = %q, want l3", recs[0].LocalID)
	}

	recs, err = store.List("case", Filter{SyncStatus: models.SyncStatusPending})
	if err != nil {
		t.Fatalf("List(pending) failed: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("List(pending) returned %d records, want 2", len(recs))
	}

	recs, err = store.List("case", Filter{UpdatedSince: 150})
	if err != nil {
		t.Fatalf("List(updated_since) failed: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("List(updated_since 150) returned %d records, want 2", len(recs))
	}

	recs, err = store.List("case", Filter{Limit: 1})
	if err != nil {
		t.Fatalf("List(limit) failed: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("List(limit 1) returned %d records, want 1", len(recs))
	}
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Upsert(&models.Record{
		LocalID: "l1", Kind: "case", Payload: []byte(`{}`),
		SyncStatus: models.SyncStatusClean, CreatedAt: 100, UpdatedAt: 100,
	}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	if err := store.Delete("case", "l1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get("case", "l1"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Get after Delete error = %v, want NOT_FOUND", err)
	}

	// Deleting an absent record is not an error.
	if err := store.Delete("case", "l1"); err != nil {
		t.Errorf("double Delete error = %v, want nil", err)
	}
}

func TestConflictLogRoundTrip(t *testing.T) {
	store := newTestStore(t)

	if err := store.CreateConflictLog(&models.ConflictLog{
		RecordID:        "l1",
		LocalTimestamp:  100,
		RemoteTimestamp: 150,
		Resolution:      "remote_wins",
		DetectedAt:      200,
	}); err != nil {
		t.Fatalf("CreateConflictLog failed: %v", err)
	}

	logs, err := store.ListConflictLogs("l1")
	if err != nil {
		t.Fatalf("ListConflictLogs failed: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("got %d conflict logs, want 1", len(logs))
	}
	if logs[0].Resolution != "remote_wins" || logs[0].RemoteTimestamp != 150 {
		t.Errorf("conflict log = %+v", logs[0])
	}
}
