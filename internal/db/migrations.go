package db

import (
	"database/sql"
	"fmt"
	"strconv"
)

// Migration defines a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
	// Column, when set, marks a migration that only adds that column to
	// Table; it is skipped if the column already exists.
	Table  string
	Column string
}

// Migrations is the list of all migrations in order
var Migrations = []Migration{
	{
		Version:     1,
		Description: "Initial pending store",
		SQL:         schema,
	},
	{
		Version:     2,
		Description: "Track per-item send attempts",
		SQL:         `ALTER TABLE pending_items ADD COLUMN attempts INTEGER NOT NULL DEFAULT 0;`,
		Table:       "pending_items",
		Column:      "attempts",
	},
	{
		Version:     3,
		Description: "Record last send error per item",
		SQL:         `ALTER TABLE pending_items ADD COLUMN last_error TEXT NOT NULL DEFAULT '';`,
		Table:       "pending_items",
		Column:      "last_error",
	},
}

// columnExists checks whether a column exists on a table
func (db *DB) columnExists(table, column string) (bool, error) {
	rows, err := db.conn.Query(fmt.Sprintf("PRAGMA table_info(%s);", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// GetSchemaVersion returns the current schema version from the database
func (db *DB) GetSchemaVersion() (int, error) {
	var version string
	err := db.conn.QueryRow("SELECT value FROM schema_info WHERE key = 'version'").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		// schema_info may not exist yet
		return 0, nil
	}
	v, err := strconv.Atoi(version)
	if err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", version, err)
	}
	return v, nil
}

func (db *DB) setSchemaVersionInternal(version int) error {
	_, err := db.conn.Exec(`INSERT OR REPLACE INTO schema_info (key, value) VALUES ('version', ?)`,
		strconv.Itoa(version))
	return err
}

// RunMigrations runs any pending database migrations
func (db *DB) RunMigrations() (int, error) {
	// Quick check without lock
	current, _ := db.GetSchemaVersion()
	if current >= SchemaVersion {
		return 0, nil
	}

	var n int
	err := db.withWriteLock(func() error {
		var err error
		n, err = db.runMigrationsInternal()
		return err
	})
	return n, err
}

func (db *DB) runMigrationsInternal() (int, error) {
	if _, err := db.conn.Exec(`CREATE TABLE IF NOT EXISTS schema_info (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return 0, fmt.Errorf("create schema_info: %w", err)
	}

	current, err := db.GetSchemaVersion()
	if err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}

	run := 0
	for _, m := range Migrations {
		if m.Version <= current {
			continue
		}
		skip := false
		if m.Column != "" {
			exists, err := db.columnExists(m.Table, m.Column)
			if err != nil {
				return run, fmt.Errorf("check column %s: %w", m.Column, err)
			}
			skip = exists
		}
		if !skip {
			if _, err := db.conn.Exec(m.SQL); err != nil {
				return run, fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
			}
		}
		if err := db.setSchemaVersionInternal(m.Version); err != nil {
			return run, fmt.Errorf("set version %d: %w", m.Version, err)
		}
		run++
	}
	return run, nil
}
