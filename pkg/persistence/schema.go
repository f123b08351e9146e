// Package persistence provides SQLite-backed storage for projects, work items, runs and worktrees.
package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // SQLite driver
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 2

// OpenDatabase opens (creating if needed) the SQLite database at dbPath and
// brings its schema to the current version. Safe to call on an existing file.
func OpenDatabase(dbPath string) (*sql.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}
	if currentVersion == 0 {
		return createSchema(db)
	}
	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

func runMigration(db *sql.DB, version int) error {
	switch version {
	case 2:
		return migrateToVersion2(db)
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// migrateToVersion2 adds run completion reasons and the run signal payload.
func migrateToVersion2(db *sql.DB) error {
	migrations := []string{
		"ALTER TABLE runs ADD COLUMN reason TEXT NOT NULL DEFAULT ''",
		"ALTER TABLE runs ADD COLUMN signals TEXT NOT NULL DEFAULT '[]'",
	}
	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("failed to execute migration: %s: %w", migration, err)
		}
	}
	return nil
}

func createSchema(db *sql.DB) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			owner TEXT NOT NULL,
			repo TEXT NOT NULL,
			base_branch TEXT NOT NULL DEFAULT 'main',
			active INTEGER NOT NULL DEFAULT 1,
			build_label TEXT NOT NULL,
			plan_label TEXT NOT NULL,
			generated_label TEXT NOT NULL,
			action_labels TEXT NOT NULL DEFAULT '[]',
			trusted_authors TEXT NOT NULL DEFAULT '[]',
			auto_scan INTEGER NOT NULL DEFAULT 1,
			auto_fix_merge_conflicts INTEGER NOT NULL DEFAULT 0,
			max_follow_ups INTEGER NOT NULL DEFAULT 3,
			poll_interval_seconds INTEGER NOT NULL DEFAULT 0,
			agent_type TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS work_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			external_id INTEGER NOT NULL,
			number INTEGER NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT 'open' CHECK (state IN ('open','closed')),
			is_pr INTEGER NOT NULL DEFAULT 0,
			labels TEXT NOT NULL DEFAULT '[]',
			orchestration_state TEXT NOT NULL DEFAULT 'new'
				CHECK (orchestration_state IN ('new','planning','in_progress','completed','failed')),
			author TEXT NOT NULL DEFAULT '',
			follow_up_count INTEGER NOT NULL DEFAULT 0,
			parent_id INTEGER REFERENCES work_items(id) ON DELETE SET NULL,
			head_branch TEXT NOT NULL DEFAULT '',
			head_sha TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE (project_id, external_id)
		)`,

		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			work_item_id INTEGER REFERENCES work_items(id) ON DELETE CASCADE,
			source_pr_number INTEGER,
			workflow_id TEXT NOT NULL DEFAULT '',
			agent_type TEXT NOT NULL,
			mode TEXT NOT NULL DEFAULT 'build' CHECK (mode IN ('build','plan')),
			prompt TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending'
				CHECK (status IN ('pending','provisioning','running','pushing','creating_pr','completed','failed','cancelled','timeout')),
			environment_ref TEXT NOT NULL DEFAULT '',
			branch_name TEXT NOT NULL DEFAULT '',
			base_commit TEXT NOT NULL DEFAULT '',
			result_commit TEXT NOT NULL DEFAULT '',
			pr_url TEXT NOT NULL DEFAULT '',
			pr_number INTEGER NOT NULL DEFAULT 0,
			error_text TEXT NOT NULL DEFAULT '',
			iterations INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			auth_token TEXT,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			reason TEXT NOT NULL DEFAULT '',
			signals TEXT NOT NULL DEFAULT '[]'
		)`,

		`CREATE TABLE IF NOT EXISTS worktrees (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			run_id TEXT NOT NULL UNIQUE REFERENCES runs(id) ON DELETE CASCADE,
			path TEXT NOT NULL,
			branch TEXT NOT NULL,
			base_commit TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active','cleaned','cleanup_failed')),
			pushed INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
	}

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_work_items_project_state ON work_items(project_id, state)",
		"CREATE INDEX IF NOT EXISTS idx_work_items_number ON work_items(project_id, number)",
		"CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project_id, started_at)",
		"CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)",
		"CREATE INDEX IF NOT EXISTS idx_runs_source_pr ON runs(project_id, source_pr_number)",
		"CREATE INDEX IF NOT EXISTS idx_runs_work_item ON runs(work_item_id)",
		// At most one active worktree per (project, branch).
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_worktrees_active_branch ON worktrees(project_id, branch) WHERE status = 'active'",
	}

	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	for _, ddl := range indices {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := setSchemaVersion(db, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

func setSchemaVersion(db *sql.DB, version int) error {
	if _, err := db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, version); err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}
