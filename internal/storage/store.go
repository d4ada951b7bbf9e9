// Package storage persists directory snapshots and the processed event log
// to SQLite or PostgreSQL.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"doorrelay/internal/config"
	"doorrelay/internal/model"
)

type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveSnapshot(ctx context.Context, snap model.DirectorySnapshot) error
	LoadSnapshot(ctx context.Context) (model.DirectorySnapshot, bool, error)
	SaveEvent(ctx context.Context, ev model.ProcessedEvent) error
}

var ErrUnsupportedDriver = errors.New("unsupported storage driver")

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite", "":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}
}

// baseStore holds the queries both drivers share. placeholder renders the
// n-th (1-based) bind parameter for the driver.
type baseStore struct {
	db          *sql.DB
	placeholder func(n int) string
	schema      []string
}

func questionMark(int) string { return "?" }

func dollar(n int) string { return "$" + strconv.Itoa(n) }

func (b *baseStore) Init(ctx context.Context) error {
	if b.db == nil {
		return nil
	}
	for _, stmt := range b.schema {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) binds(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = b.placeholder(i + 1)
	}
	return strings.Join(parts, ", ")
}

// SaveSnapshot keeps a single row holding the latest directory snapshot.
func (b *baseStore) SaveSnapshot(ctx context.Context, snap model.DirectorySnapshot) error {
	if b.db == nil {
		return nil
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO directory_snapshot (id, refreshed_at, doors_json, users_json, memberships_json)
		VALUES (`+b.binds(5)+`)
		ON CONFLICT (id) DO UPDATE SET
			refreshed_at = excluded.refreshed_at,
			doors_json = excluded.doors_json,
			users_json = excluded.users_json,
			memberships_json = excluded.memberships_json`,
		1,
		snap.RefreshedAt.UTC().UnixMilli(),
		encodeJSON(snap.Doors),
		encodeJSON(snap.Users),
		encodeJSON(snap.Memberships),
	)
	return err
}

func (b *baseStore) LoadSnapshot(ctx context.Context) (model.DirectorySnapshot, bool, error) {
	var snap model.DirectorySnapshot
	if b.db == nil {
		return snap, false, nil
	}
	var (
		refreshed                 int64
		doors, users, memberships string
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT refreshed_at, doors_json, users_json, memberships_json FROM directory_snapshot WHERE id = `+b.placeholder(1),
		1,
	).Scan(&refreshed, &doors, &users, &memberships)
	if errors.Is(err, sql.ErrNoRows) {
		return snap, false, nil
	}
	if err != nil {
		return snap, false, err
	}
	snap.RefreshedAt = time.UnixMilli(refreshed).UTC()
	if err := decodeJSON(doors, &snap.Doors); err != nil {
		return snap, false, fmt.Errorf("decode doors: %w", err)
	}
	if err := decodeJSON(users, &snap.Users); err != nil {
		return snap, false, fmt.Errorf("decode users: %w", err)
	}
	if err := decodeJSON(memberships, &snap.Memberships); err != nil {
		return snap, false, fmt.Errorf("decode memberships: %w", err)
	}
	return snap, true, nil
}

func (b *baseStore) SaveEvent(ctx context.Context, ev model.ProcessedEvent) error {
	if b.db == nil {
		return nil
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO processed_events (event_id, ts, event_type, source, location, actor, group_name, strategy, outcome, note, doors_json, results_json)
		VALUES (`+b.binds(12)+`)`,
		ev.ID,
		ev.ReceivedAt.UTC().UnixMilli(),
		string(ev.Type),
		ev.Source,
		ev.Location,
		ev.Actor,
		ev.Group,
		ev.Strategy,
		string(ev.Outcome),
		ev.Note,
		encodeJSON(ev.Doors),
		encodeJSON(ev.Results),
	)
	return err
}

// Recorder writes every processed event to a Store.
type Recorder struct {
	store   Store
	timeout time.Duration
	logger  *slog.Logger
}

func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Recorder{store: store, timeout: 5 * time.Second, logger: logger}
}

func (r *Recorder) OnProcessed(ev model.ProcessedEvent) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.store.SaveEvent(ctx, ev); err != nil {
		r.logger.Warn("persist event failed", "id", ev.ID, "err", err)
	}
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func decodeJSON(s string, out any) error {
	if s == "" || s == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s), out)
}
