package database

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Migration represents a database migration
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// GetMigrations returns all available migrations in order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_devices_table",
			SQL: `
				CREATE TABLE IF NOT EXISTS devices (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					name TEXT NOT NULL,
					platform TEXT NOT NULL,
					capabilities TEXT DEFAULT '[]',
					metadata TEXT DEFAULT '{}',
					online BOOLEAN DEFAULT 0,
					removed BOOLEAN DEFAULT 0,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					last_seen_at DATETIME
				);

				CREATE INDEX IF NOT EXISTS idx_devices_user_id ON devices (user_id);
				CREATE INDEX IF NOT EXISTS idx_devices_removed ON devices (removed);

				CREATE TABLE IF NOT EXISTS schema_migrations (
					version INTEGER PRIMARY KEY,
					name TEXT NOT NULL,
					applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
				);
			`,
		},
		{
			Version: 2,
			Name:    "create_device_sessions_table",
			SQL: `
				CREATE TABLE IF NOT EXISTS device_sessions (
					token_id TEXT PRIMARY KEY,
					device_id TEXT NOT NULL,
					hashed_token TEXT NOT NULL UNIQUE,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					expires_at DATETIME NOT NULL,
					is_active BOOLEAN DEFAULT 1,
					FOREIGN KEY (device_id) REFERENCES devices (id)
				);

				CREATE INDEX IF NOT EXISTS idx_device_sessions_device_id ON device_sessions (device_id);
				CREATE INDEX IF NOT EXISTS idx_device_sessions_hashed_token ON device_sessions (hashed_token);
				CREATE INDEX IF NOT EXISTS idx_device_sessions_active ON device_sessions (is_active);
			`,
		},
		{
			Version: 3,
			Name:    "create_dispatch_archive_table",
			SQL: `
				-- Terminal dispatch requests land here when they resolve,
				-- for audit and offline debugging.
				CREATE TABLE IF NOT EXISTS dispatch_archive (
					request_id TEXT PRIMARY KEY,
					device_id TEXT NOT NULL,
					tool TEXT NOT NULL,
					status TEXT NOT NULL,
					created_at DATETIME NOT NULL,
					resolved_at DATETIME,
					error TEXT
				);

				CREATE INDEX IF NOT EXISTS idx_dispatch_archive_device_id ON dispatch_archive (device_id);
				CREATE INDEX IF NOT EXISTS idx_dispatch_archive_created_at ON dispatch_archive (created_at);
			`,
		},
	}
}

// RunMigrations executes all pending migrations
func RunMigrations(db *sql.DB) error {
	if err := ensureMigrationsTable(db); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	currentVersion, err := getCurrentVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for _, migration := range GetMigrations() {
		if migration.Version <= currentVersion {
			continue // Already applied
		}

		if err := runMigration(db, migration); err != nil {
			return fmt.Errorf("failed to run migration %d (%s): %w", migration.Version, migration.Name, err)
		}
	}

	return nil
}

// ensureMigrationsTable creates the schema_migrations table if it doesn't exist
func ensureMigrationsTable(db *sql.DB) error {
	sql := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`
	_, err := db.Exec(sql)
	return err
}

// getCurrentVersion returns the current schema version
func getCurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

// runMigration executes a single migration inside a transaction
func runMigration(db *sql.DB, migration Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(migration.SQL); err != nil {
		return err
	}

	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
		migration.Version, migration.Name,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// ConfigureDatabase applies SQLite optimizations and runs migrations
func ConfigureDatabase(db *sql.DB) error {
	// SQLite serializes writes, so limit connections to avoid contention.
	// WAL mode allows concurrent readers.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to apply pragma '%s': %w", pragma, err)
		}
	}

	if err := RunMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
