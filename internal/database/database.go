package database

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// DB is the SQLite backend.
type DB struct {
	queries
}

// Ensure DB implements Store interface.
var _ Store = (*DB)(nil)

// New opens or creates an SQLite database at the given path.
func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Enable WAL mode for better concurrency.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	db := &DB{queries{conn: conn, bind: func(q string) string { return q }}}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// sqliteDSN adds a busy timeout so the scheduler and request handlers wait
// on the file lock instead of failing with SQLITE_BUSY.
func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)"
}

// DatabaseType returns the database backend name.
func (db *DB) DatabaseType() string {
	return "SQLite"
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS reminders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		certifier TEXT,
		handler TEXT,
		period INTEGER,
		start_date TEXT,
		end_date TEXT NOT NULL,
		advance_days INTEGER NOT NULL,
		actual_reminder_date TEXT
	);
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_reminders_actual_date ON reminders(actual_reminder_date);
	`
	if _, err := db.conn.Exec(schema); err != nil {
		return err
	}
	return db.addRenewColumns()
}

// addRenewColumns upgrades databases created before auto-renewal existed.
func (db *DB) addRenewColumns() error {
	rows, err := db.conn.Query("PRAGMA table_info(reminders)")
	if err != nil {
		return err
	}
	defer rows.Close()
	have := make(map[string]bool)
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, typ        string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return err
		}
		have[name] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	if !have["auto_renew"] {
		if _, err := db.conn.Exec("ALTER TABLE reminders ADD COLUMN auto_renew BOOLEAN NOT NULL DEFAULT FALSE"); err != nil {
			return err
		}
	}
	if !have["renew_period"] {
		if _, err := db.conn.Exec("ALTER TABLE reminders ADD COLUMN renew_period INTEGER"); err != nil {
			return err
		}
	}
	return nil
}
