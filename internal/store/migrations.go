package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema versions are additive-only: new versions may add tables or columns
// with defaults, never drop or rewrite existing ones.
const (
	schemaVersion1 = 1

	schemaVersionLatest = schemaVersion1
)

// schemaV1 defines the supervisor's tables. Each table has exactly one
// writing component; see the owning packages for the write paths.
const schemaV1 = `
-- Checkpoint & Recovery Engine
CREATE TABLE IF NOT EXISTS checkpoints (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at TIMESTAMP NOT NULL,
	state_blob BLOB NOT NULL,
	state_hash TEXT NOT NULL,
	sequence_no INTEGER NOT NULL UNIQUE
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_sequence ON checkpoints(sequence_no DESC);

-- Graceful-shutdown marker consumed by recovery (single row).
CREATE TABLE IF NOT EXISTS shutdown_marker (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	clean BOOLEAN NOT NULL DEFAULT 0,
	recorded_at TIMESTAMP NOT NULL
);

-- Auto-Restart Governor
CREATE TABLE IF NOT EXISTS restart_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TIMESTAMP NOT NULL,
	reason TEXT NOT NULL,
	exit_code INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_restart_records_timestamp ON restart_records(timestamp DESC);

-- Health Aggregator
CREATE TABLE IF NOT EXISTS health_check_results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	component TEXT NOT NULL,
	timestamp TIMESTAMP NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('OK', 'WARN', 'CRITICAL', 'UNKNOWN')),
	detail TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_health_component_ts ON health_check_results(component, timestamp DESC);

-- Data Integrity & Backup Engine
CREATE TABLE IF NOT EXISTS integrity_checks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	file_path TEXT NOT NULL,
	checked_at TIMESTAMP NOT NULL,
	checksum TEXT NOT NULL,
	is_valid BOOLEAN NOT NULL,
	message TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_integrity_path_ts ON integrity_checks(file_path, checked_at DESC);

CREATE TABLE IF NOT EXISTS backup_records (
	id TEXT PRIMARY KEY,
	file_path TEXT NOT NULL,
	backup_type TEXT NOT NULL CHECK (backup_type IN ('full', 'incremental', 'archive')),
	created_at TIMESTAMP NOT NULL,
	checksum TEXT NOT NULL,
	size INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_backup_type_ts ON backup_records(backup_type, created_at DESC);

-- Audit Log
CREATE TABLE IF NOT EXISTS audit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TIMESTAMP NOT NULL,
	level TEXT NOT NULL,
	component TEXT NOT NULL,
	event_type TEXT NOT NULL,
	message TEXT NOT NULL,
	details_json TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_component ON audit_events(component, timestamp DESC);

-- Schema ledger
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

func (s *Store) migrate(ctx context.Context) error {
	return s.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, schemaV1); err != nil {
			return fmt.Errorf("apply schema v%d: %w", schemaVersion1, err)
		}

		var current sql.NullInt64
		if err := tx.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_version").Scan(&current); err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		if current.Valid && current.Int64 > schemaVersionLatest {
			return fmt.Errorf("database schema v%d is newer than this binary (v%d)", current.Int64, schemaVersionLatest)
		}
		if !current.Valid || current.Int64 < schemaVersionLatest {
			if _, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO schema_version (version) VALUES (?)", schemaVersionLatest); err != nil {
				return fmt.Errorf("record schema version: %w", err)
			}
		}
		return nil
	})
}
