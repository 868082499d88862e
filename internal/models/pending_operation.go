package models

import "encoding/json"

// OperationType represents the kind of remote write a pending
// operation replays.
type OperationType string

const (
	OperationCreate OperationType = "create"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
	OperationCustom OperationType = "custom"
)

// OperationStatus represents the lifecycle state of a pending
// operation.
type OperationStatus string

const (
	OperationStatusPending  OperationStatus = "pending"
	OperationStatusInFlight OperationStatus = "in_flight"
	OperationStatusFailed   OperationStatus = "failed"
)

// PendingOperation is a durable write intent that could not be
// confirmed by the remote store synchronously. It survives process
// restart.
type PendingOperation struct {
	ID            UUID            `db:"id" json:"id"`
	OperationType OperationType   `db:"operation_type" json:"operation_type"`
	Endpoint      string          `db:"endpoint" json:"endpoint"`
	RecordRef     UUID            `db:"record_ref" json:"record_ref"`
	Kind          string          `db:"kind" json:"kind"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	LocalTS       int64           `db:"local_ts" json:"local_ts"`
	Status        OperationStatus `db:"status" json:"status"`
	RetryCount    int             `db:"retry_count" json:"retry_count"`
	NextAttemptAt int64           `db:"next_attempt_at" json:"next_attempt_at"`
	CreatedAt     int64           `db:"created_at" json:"created_at"`
	LastAttemptAt *int64          `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	LastError     string          `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for PendingOperation.
func (PendingOperation) TableName() string {
	return "pending_operations"
}

// deletePayload is the snapshot carried by a queued delete. The record
// row is gone by the time the operation drains, so the cloud id must
// travel with the operation.
type deletePayload struct {
	CloudID string `json:"cloud_id"`
}

// NewDeletePayload builds the payload for a queued delete.
func NewDeletePayload(cloudID string) json.RawMessage {
	data, _ := json.Marshal(deletePayload{CloudID: cloudID})
	return data
}

// DeletePayloadCloudID extracts the cloud id from a queued delete's
// payload. Returns empty for never-synced records.
func DeletePayloadCloudID(payload json.RawMessage) string {
	var p deletePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return ""
	}
	return p.CloudID
}
