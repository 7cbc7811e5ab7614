// Package db provides database schema migration management.
package db

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered list of schema migrations. The sync core is
// embedded as a library, so migrations live in code rather than on disk.
var migrations = []Migration{
	{
		Version:     1,
		Description: "create sync core tables",
		SQL: `
		CREATE TABLE IF NOT EXISTS sync_operations (
			id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			kind TEXT NOT NULL CHECK(kind IN ('create','update','delete')),
			payload TEXT,
			dependencies TEXT NOT NULL DEFAULT '[]',
			created_at INTEGER NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			next_retry_at INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','failed','deferred')),
			last_error TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_sync_operations_entity
			ON sync_operations(entity_type, entity_id);
		CREATE INDEX IF NOT EXISTS idx_sync_operations_status
			ON sync_operations(status, next_retry_at);

		CREATE TABLE IF NOT EXISTS conflict_records (
			id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			device_id TEXT NOT NULL DEFAULT '',
			strategy TEXT NOT NULL,
			local_version TEXT NOT NULL,
			remote_version TEXT NOT NULL,
			winner TEXT NOT NULL DEFAULT '',
			changed_fields TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','resolved')),
			detected_at INTEGER NOT NULL,
			resolved_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_conflict_records_entity
			ON conflict_records(entity_type, entity_id);
		CREATE INDEX IF NOT EXISTS idx_conflict_records_status
			ON conflict_records(status);

		CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			platform TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			last_seen_at INTEGER NOT NULL DEFAULT 0,
			owner_user_id TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_devices_owner
			ON devices(owner_user_id);
		`,
	},
	{
		Version:     2,
		Description: "create entity version store",
		SQL: `
		CREATE TABLE IF NOT EXISTS entity_versions (
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			server_id TEXT NOT NULL DEFAULT '',
			device_id TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '',
			deleted INTEGER NOT NULL DEFAULT 0,
			modified_at INTEGER NOT NULL DEFAULT 0,
			synced_at INTEGER NOT NULL DEFAULT 0,
			field_times TEXT NOT NULL DEFAULT '{}',
			PRIMARY KEY (entity_type, entity_id)
		);
		CREATE INDEX IF NOT EXISTS idx_entity_versions_dirty
			ON entity_versions(modified_at, synced_at);
		CREATE INDEX IF NOT EXISTS idx_entity_versions_server
			ON entity_versions(entity_type, server_id);
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
		description TEXT NOT NULL CHECK(length(description) > 0)
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

// Up applies all pending migrations in order. Each migration runs in its
// own transaction; a failure rolls that migration back and stops.
func (m *Migrator) Up() error {
	current, err := m.CurrentVersion()
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, mig := range migrations {
		if mig.Version <= current {
			continue
		}

		tx, err := m.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", mig.Version, err)
		}

		if _, err := tx.Exec(mig.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", mig.Version, mig.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			mig.Version, time.Now().Unix(), mig.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", mig.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", mig.Version, err)
		}
	}

	return nil
}

// OpenAndMigrate opens the database under dataDir and brings the schema
// up to date. Convenience wrapper used by the daemon and tests.
func OpenAndMigrate(dataDir string) (*DB, error) {
	database, err := Open(dataDir)
	if err != nil {
		return nil, err
	}

	migrator := NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to initialize migrator: %w", err)
	}
	if err := migrator.Up(); err != nil {
		database.Close()
		return nil, err
	}

	return database, nil
}
