package storage

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS directory_snapshot (
		id INTEGER PRIMARY KEY,
		refreshed_at INTEGER NOT NULL,
		doors_json TEXT NOT NULL,
		users_json TEXT NOT NULL,
		memberships_json TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS processed_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL,
		ts INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		source TEXT NOT NULL,
		location TEXT,
		actor TEXT,
		group_name TEXT,
		strategy TEXT,
		outcome TEXT NOT NULL,
		note TEXT,
		doors_json TEXT,
		results_json TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_processed_events_ts ON processed_events(ts)`,
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:doorrelay.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return newSQLiteStore(db), nil
}

func newSQLiteStore(db *sql.DB) *sqliteStore {
	return &sqliteStore{baseStore{db: db, placeholder: questionMark, schema: sqliteSchema}}
}
