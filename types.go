// Package casesync is a hybrid offline/online synchronization core.
// Reads and writes always hit the local store first; a durable queue
// and a realtime channel keep the local and remote stores converging
// whenever connectivity allows.
package casesync

import (
	"github.com/openfield-dev/casesync/internal/db"
	"github.com/openfield-dev/casesync/internal/errors"
	"github.com/openfield-dev/casesync/internal/models"
	syncpkg "github.com/openfield-dev/casesync/internal/sync"
)

// Re-exported domain types. The implementation lives in internal
// packages; these aliases are the public surface.
type (
	UUID             = models.UUID
	Record           = models.Record
	SyncStatus       = models.SyncStatus
	PendingOperation = models.PendingOperation
	ConflictLog      = models.ConflictLog
	ChannelEvent     = models.ChannelEvent
	ConnectionState  = models.ConnectionState

	Filter       = db.Filter
	Notification = syncpkg.Notification
	Change       = syncpkg.Change
)

// Sync status of a record relative to the remote store.
const (
	SyncStatusClean    = models.SyncStatusClean
	SyncStatusPending  = models.SyncStatusPending
	SyncStatusSyncing  = models.SyncStatusSyncing
	SyncStatusConflict = models.SyncStatusConflict
	SyncStatusFailed   = models.SyncStatusFailed
)

// Connection state of the realtime channel.
const (
	ConnectionDisconnected   = models.ConnectionDisconnected
	ConnectionConnecting     = models.ConnectionConnecting
	ConnectionAuthenticating = models.ConnectionAuthenticating
	ConnectionSubscribed     = models.ConnectionSubscribed
	ConnectionReconnecting   = models.ConnectionReconnecting
)

// Record change kinds carried by notifications.
const (
	ChangeCreated = syncpkg.ChangeCreated
	ChangeUpdated = syncpkg.ChangeUpdated
	ChangeDeleted = syncpkg.ChangeDeleted
	ChangeStatus  = syncpkg.ChangeStatus
)

// Channel event types surfaced to consumers.
const (
	EventTypeNotification = models.EventTypeNotification
	EventTypeDegraded     = models.EventTypeDegraded
)

// ErrorCode identifies a class of failure.
type ErrorCode = errors.ErrorCode

// Error codes returned by casesync operations.
const (
	ErrInternal            = errors.ErrInternal
	ErrNotFound            = errors.ErrNotFound
	ErrValidation          = errors.ErrValidation
	ErrDatabase            = errors.ErrDatabase
	ErrMigration           = errors.ErrMigration
	ErrNetworkUnavailable  = errors.ErrNetworkUnavailable
	ErrAuthExpired         = errors.ErrAuthExpired
	ErrServerError         = errors.ErrServerError
	ErrSyncFailed          = errors.ErrSyncFailed
	ErrMalformedMessage    = errors.ErrMalformedMessage
	ErrChannelDisconnected = errors.ErrChannelDisconnected
)

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	return errors.Is(err, code)
}

// CodeOf extracts the error code from err, or ErrInternal when none is
// present.
func CodeOf(err error) ErrorCode {
	return errors.CodeOf(err)
}
