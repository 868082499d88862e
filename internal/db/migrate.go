// Package db provides database schema migration management.
package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered, append-only schema history. Shipped
// embedded because casesync is a library and carries no asset
// directory.
var migrations = []Migration{
	{
		Version:     1,
		Description: "records, pending operations and conflict log",
		SQL: `
CREATE TABLE IF NOT EXISTS records (
	local_id TEXT PRIMARY KEY,
	cloud_id TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	sync_status TEXT NOT NULL DEFAULT 'pending',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_kind ON records(kind);
CREATE UNIQUE INDEX IF NOT EXISTS idx_records_cloud ON records(kind, cloud_id) WHERE cloud_id != '';

CREATE TABLE IF NOT EXISTS pending_operations (
	id TEXT PRIMARY KEY,
	operation_type TEXT NOT NULL,
	endpoint TEXT NOT NULL DEFAULT '',
	record_ref TEXT NOT NULL,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	local_ts INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	retry_count INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	last_attempt_at INTEGER,
	last_error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_pending_record ON pending_operations(record_ref, created_at);
CREATE INDEX IF NOT EXISTS idx_pending_status ON pending_operations(status, next_attempt_at);

CREATE TABLE IF NOT EXISTS conflict_log (
	id TEXT PRIMARY KEY,
	record_id TEXT NOT NULL,
	local_timestamp INTEGER NOT NULL,
	remote_timestamp INTEGER NOT NULL,
	resolution TEXT NOT NULL,
	detected_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conflict_record ON conflict_log(record_id);
`,
	},
}

// Migrator handles database schema migrations.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// Apply brings the schema up to the latest version. Previously applied
// migrations are checksum-verified so a modified migration is caught
// instead of silently diverging.
func (m *Migrator) Apply() error {
	if err := m.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize migrations table: %w", err)
	}

	current, err := m.CurrentVersion()
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, mig := range migrations {
		sum := checksum(mig.SQL)

		if mig.Version <= current {
			if err := m.verifyChecksum(mig.Version, sum); err != nil {
				return err
			}
			continue
		}

		if err := m.applyOne(mig, sum); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", mig.Version, mig.Description, err)
		}
	}

	return nil
}

// applyOne runs a single migration inside a transaction.
func (m *Migrator) applyOne(mig Migration, sum string) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(mig.SQL); err != nil {
		return err
	}

	_, err = tx.Exec(
		"INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		mig.Version, time.Now().Unix(), mig.Description, sum,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// verifyChecksum compares the stored checksum of an applied migration
// against the embedded SQL.
func (m *Migrator) verifyChecksum(version int, expected string) error {
	var stored string
	err := m.db.QueryRow("SELECT checksum FROM schema_migrations WHERE version = ?", version).Scan(&stored)
	if err == sql.ErrNoRows {
		// Version gap: schema is ahead of this binary's history.
		return nil
	}
	if err != nil {
		return err
	}
	if stored != expected {
		return fmt.Errorf("migration %d checksum mismatch: applied schema differs from embedded SQL", version)
	}
	return nil
}

// checksum computes the SHA-256 hex digest of a migration's SQL.
func checksum(sql string) string {
	sum := sha256.Sum256([]byte(sql))
	return hex.EncodeToString(sum[:])
}
