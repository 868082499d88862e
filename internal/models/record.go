// Package models provides data model definitions for the casesync core.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	if value == nil {
		*u = ""
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*u = UUID(v)
	case string:
		*u = UUID(v)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// SyncStatus represents the synchronization state of a record.
type SyncStatus string

const (
	SyncStatusClean    SyncStatus = "clean"
	SyncStatusPending  SyncStatus = "pending"
	SyncStatusSyncing  SyncStatus = "syncing"
	SyncStatusConflict SyncStatus = "conflict"
	SyncStatusFailed   SyncStatus = "failed"
)

// Record represents a synchronizable domain entity. The payload is
// opaque to the sync core; only identity, timestamps and sync state
// are interpreted.
type Record struct {
	LocalID    UUID            `db:"local_id" json:"local_id"`
	CloudID    string          `db:"cloud_id" json:"cloud_id,omitempty"`
	Kind       string          `db:"kind" json:"kind"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	SyncStatus SyncStatus      `db:"sync_status" json:"sync_status"`
	CreatedAt  int64           `db:"created_at" json:"created_at"`
	UpdatedAt  int64           `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Record.
func (Record) TableName() string {
	return "records"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (r *Record) CreatedAtTime() time.Time {
	return time.Unix(r.CreatedAt, 0)
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (r *Record) UpdatedAtTime() time.Time {
	return time.Unix(r.UpdatedAt, 0)
}

// Touch advances the UpdatedAt timestamp. UpdatedAt is monotonic per
// record, so two edits within the same second still get distinct
// timestamps.
func (r *Record) Touch() {
	now := time.Now().Unix()
	if now <= r.UpdatedAt {
		now = r.UpdatedAt + 1
	}
	r.UpdatedAt = now
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	clone := *r
	if r.Payload != nil {
		clone.Payload = make(json.RawMessage, len(r.Payload))
		copy(clone.Payload, r.Payload)
	}
	return &clone
}
