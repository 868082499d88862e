// Package db provides the durable local record store.
package db

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfield-dev/casesync/internal/errors"
	"github.com/openfield-dev/casesync/internal/models"
)

// Store provides CRUD operations over the local record cache. It is
// the single source of truth for reads while offline.
//
// The store itself is not record-aware of concurrent writers; callers
// that need per-record atomicity serialize through the reconciler's
// record locks.
type Store struct {
	db *sql.DB

	// Prepared statement cache for frequently used queries.
	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewStore creates a new Store instance.
func NewStore(database *DB) *Store {
	return &Store{db: database.DB}
}

// prepareStmt gets or creates a prepared statement from cache.
func (s *Store) prepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (s *Store) Close() error {
	var firstErr error
	s.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

const recordColumns = "local_id, cloud_id, kind, payload, sync_status, created_at, updated_at"

// Filter constrains a List query. Zero values mean "no constraint".
type Filter struct {
	CloudID      string
	SyncStatus   models.SyncStatus
	UpdatedSince int64
	Limit        int
}

// Get retrieves a record by its local id.
func (s *Store) Get(kind string, localID models.UUID) (*models.Record, error) {
	query := "SELECT " + recordColumns + " FROM records WHERE kind = ? AND local_id = ?"
	stmt, err := s.prepareStmt(query)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to prepare record lookup", err)
	}
	return s.scanOne(stmt.QueryRow(kind, localID))
}

// GetByCloudID retrieves a record by its remote identifier.
func (s *Store) GetByCloudID(kind string, cloudID string) (*models.Record, error) {
	query := "SELECT " + recordColumns + " FROM records WHERE kind = ? AND cloud_id = ? AND cloud_id != ''"
	stmt, err := s.prepareStmt(query)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to prepare record lookup", err)
	}
	return s.scanOne(stmt.QueryRow(kind, cloudID))
}

// List returns records of a kind matching the filter, newest first.
func (s *Store) List(kind string, f Filter) ([]*models.Record, error) {
	query := "SELECT " + recordColumns + " FROM records WHERE kind = ?"
	args := []interface{}{kind}

	var conds []string
	if f.CloudID != "" {
		conds = append(conds, "cloud_id = ?")
		args = append(args, f.CloudID)
	}
	if f.SyncStatus != "" {
		conds = append(conds, "sync_status = ?")
		args = append(args, f.SyncStatus)
	}
	if f.UpdatedSince > 0 {
		conds = append(conds, "updated_at >= ?")
		args = append(args, f.UpdatedSince)
	}
	if len(conds) > 0 {
		query += " AND " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY updated_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to list records", err)
	}
	defer rows.Close()

	var records []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to scan record", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Upsert inserts or replaces a record by local id. A record without a
// local id is assigned one. Upsert is idempotent: applying the same
// record twice yields the same stored state.
func (s *Store) Upsert(rec *models.Record) (*models.Record, error) {
	if rec.Kind == "" {
		return nil, errors.New(errors.ErrValidation, "record kind is required")
	}

	now := time.Now().Unix()
	if rec.LocalID == "" {
		rec.LocalID = models.UUID(uuid.New().String())
		if rec.CreatedAt == 0 {
			rec.CreatedAt = now
		}
	}
	if rec.UpdatedAt == 0 {
		rec.UpdatedAt = now
	}
	if rec.Payload == nil {
		rec.Payload = []byte("{}")
	}

	query := `
	INSERT INTO records (local_id, cloud_id, kind, payload, sync_status, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(local_id) DO UPDATE SET
		cloud_id = excluded.cloud_id,
		payload = excluded.payload,
		sync_status = excluded.sync_status,
		updated_at = excluded.updated_at
	`
	_, err := s.db.Exec(query, rec.LocalID, rec.CloudID, rec.Kind, string(rec.Payload),
		rec.SyncStatus, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to upsert record", err)
	}
	return rec, nil
}

// Delete removes a record by its local id. Deleting a missing record
// is not an error.
func (s *Store) Delete(kind string, localID models.UUID) error {
	stmt, err := s.prepareStmt("DELETE FROM records WHERE kind = ? AND local_id = ?")
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to prepare record delete", err)
	}
	if _, err := stmt.Exec(kind, localID); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to delete record", err)
	}
	return nil
}

// CreateConflictLog records a resolved conflict for consumer
// awareness.
func (s *Store) CreateConflictLog(log *models.ConflictLog) error {
	if log.ID == "" {
		log.ID = models.UUID(uuid.New().String())
	}
	if log.DetectedAt == 0 {
		log.DetectedAt = time.Now().Unix()
	}

	query := `
	INSERT INTO conflict_log (id, record_id, local_timestamp, remote_timestamp, resolution, detected_at)
	VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query, log.ID, log.RecordID, log.LocalTimestamp,
		log.RemoteTimestamp, log.Resolution, log.DetectedAt)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to create conflict log", err)
	}
	return nil
}

// ListConflictLogs returns the conflict history for a record, newest
// first.
func (s *Store) ListConflictLogs(recordID models.UUID) ([]*models.ConflictLog, error) {
	query := `
	SELECT id, record_id, local_timestamp, remote_timestamp, resolution, detected_at
	FROM conflict_log WHERE record_id = ? ORDER BY detected_at DESC
	`
	rows, err := s.db.Query(query, recordID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to list conflict logs", err)
	}
	defer rows.Close()

	var logs []*models.ConflictLog
	for rows.Next() {
		var log models.ConflictLog
		err := rows.Scan(&log.ID, &log.RecordID, &log.LocalTimestamp,
			&log.RemoteTimestamp, &log.Resolution, &log.DetectedAt)
		if err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to scan conflict log", err)
		}
		logs = append(logs, &log)
	}
	return logs, rows.Err()
}

// scanOne scans a single record row, translating sql.ErrNoRows into
// the NOT_FOUND taxonomy.
func (s *Store) scanOne(row *sql.Row) (*models.Record, error) {
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrap(errors.ErrNotFound, "record not found", err)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to scan record", err)
	}
	return rec, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*models.Record, error) {
	var rec models.Record
	var payload string
	err := row.Scan(&rec.LocalID, &rec.CloudID, &rec.Kind, &payload,
		&rec.SyncStatus, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Payload = []byte(payload)
	return &rec, nil
}
