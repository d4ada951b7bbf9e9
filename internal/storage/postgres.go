package storage

import (
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS directory_snapshot (
		id INTEGER PRIMARY KEY,
		refreshed_at BIGINT NOT NULL,
		doors_json JSONB NOT NULL,
		users_json JSONB NOT NULL,
		memberships_json JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS processed_events (
		id BIGSERIAL PRIMARY KEY,
		event_id TEXT NOT NULL,
		ts BIGINT NOT NULL,
		event_type TEXT NOT NULL,
		source TEXT NOT NULL,
		location TEXT,
		actor TEXT,
		group_name TEXT,
		strategy TEXT,
		outcome TEXT NOT NULL,
		note TEXT,
		doors_json JSONB,
		results_json JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_processed_events_ts ON processed_events(ts)`,
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/doorrelay?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return newPostgresStore(db), nil
}

func newPostgresStore(db *sql.DB) *postgresStore {
	return &postgresStore{baseStore{db: db, placeholder: dollar, schema: postgresSchema}}
}
