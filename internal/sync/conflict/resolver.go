// Package conflict decides how an incoming remote version merges with
// the local copy of a record.
package conflict

import (
	"time"

	"github.com/openfield-dev/casesync/internal/logging"
	"github.com/openfield-dev/casesync/internal/models"
)

// Decision is the outcome of resolving a remote version against the
// local store.
type Decision string

const (
	// DecisionInsert: no local record exists, create it.
	DecisionInsert Decision = "insert"
	// DecisionApplyRemote: remote is newer, replace the local payload.
	DecisionApplyRemote Decision = "apply_remote"
	// DecisionKeepLocal: remote is stale and an unsynced local edit is
	// outstanding; the local payload wins.
	DecisionKeepLocal Decision = "keep_local"
	// DecisionNoOp: remote is stale and local is clean; duplicate
	// delivery, nothing to do.
	DecisionNoOp Decision = "no_op"
)

// Resolver implements last-writer-wins with a carve-out protecting
// unsynced local edits from stale pushes.
type Resolver struct{}

// NewResolver creates a new Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve decides how a remote version with timestamp remoteUpdatedAt
// applies to the local record. local may be nil when no record exists
// for the incoming cloud id.
//
// Equal timestamps favor the local copy: the remote version is either
// an echo of our own write or a duplicate delivery, and replacing an
// outstanding local edit with it would lose data.
func (r *Resolver) Resolve(local *models.Record, remoteUpdatedAt int64) Decision {
	if local == nil {
		return DecisionInsert
	}

	if remoteUpdatedAt > local.UpdatedAt {
		return DecisionApplyRemote
	}

	if local.SyncStatus == models.SyncStatusPending || local.SyncStatus == models.SyncStatusSyncing {
		return DecisionKeepLocal
	}

	return DecisionNoOp
}

// LogFor builds a conflict log entry for a resolution that actually
// had two competing writes. Insert and duplicate-delivery outcomes are
// not conflicts and return nil.
func (r *Resolver) LogFor(local *models.Record, remoteUpdatedAt int64, decision Decision) *models.ConflictLog {
	var resolution string
	switch decision {
	case DecisionApplyRemote:
		// Only a conflict when the replaced local copy had an unsynced
		// edit; replacing a clean copy is ordinary reconciliation.
		if local.SyncStatus != models.SyncStatusPending && local.SyncStatus != models.SyncStatusSyncing {
			return nil
		}
		resolution = "remote_wins"
	case DecisionKeepLocal:
		resolution = "local_wins"
	default:
		return nil
	}

	logging.Info("Conflict resolved using last-write-wins",
		map[string]interface{}{
			"record_id":        local.LocalID,
			"local_timestamp":  local.UpdatedAt,
			"remote_timestamp": remoteUpdatedAt,
			"resolution":       resolution,
		})

	return &models.ConflictLog{
		RecordID:        local.LocalID,
		LocalTimestamp:  local.UpdatedAt,
		RemoteTimestamp: remoteUpdatedAt,
		Resolution:      resolution,
		DetectedAt:      time.Now().Unix(),
	}
}
