// Package directory keeps the controller's doors, users and group memberships
// in an immutable snapshot that is replaced wholesale on every refresh.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"doorrelay/internal/config"
	"doorrelay/internal/model"
)

// Source is the controller API the directory reads from.
type Source interface {
	ListDoors(ctx context.Context) ([]model.Door, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	ListUserGroups(ctx context.Context) ([]model.Group, error)
	ListGroupMembers(ctx context.Context, groupID string) ([]model.User, error)
}

// Store persists the last good snapshot for warm starts.
type Store interface {
	SaveSnapshot(ctx context.Context, snap model.DirectorySnapshot) error
	LoadSnapshot(ctx context.Context) (model.DirectorySnapshot, bool, error)
}

var ErrNotLoaded = errors.New("directory not loaded")

type snapshot struct {
	doors       []model.Door
	doorsByName map[string]model.Door
	users       map[string]model.User
	members     map[string]string
	refreshedAt time.Time
}

type Stats struct {
	Doors       int       `json:"doors"`
	Users       int       `json:"users"`
	Members     int       `json:"members"`
	RefreshedAt time.Time `json:"refreshed_at,omitempty"`
	Refreshes   uint64    `json:"refreshes"`
	Failures    uint64    `json:"failures"`
	LastError   string    `json:"last_error,omitempty"`
}

type Directory struct {
	source Source
	store  Store
	logger *slog.Logger
	// groupMap maps controller group names (folded) to logical names.
	groupMap atomic.Pointer[map[string]string]

	snap      atomic.Pointer[snapshot]
	flight    singleflight.Group
	refreshes atomic.Uint64
	failures  atomic.Uint64
	lastErr   atomic.Pointer[string]
}

// New returns an empty directory. With an empty groupMap every controller
// group is its own logical group.
func New(source Source, groupMap map[string]string, logger *slog.Logger, store Store) *Directory {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	d := &Directory{source: source, store: store, logger: logger}
	d.SetGroupMap(groupMap)
	return d
}

// SetGroupMap replaces the controller-to-logical group names. The change is
// visible after the next refresh.
func (d *Directory) SetGroupMap(groupMap map[string]string) {
	m := make(map[string]string, len(groupMap))
	for name, logical := range groupMap {
		if k := fold(name); k != "" && strings.TrimSpace(logical) != "" {
			m[k] = strings.TrimSpace(logical)
		}
	}
	d.groupMap.Store(&m)
}

// Reconfigure applies a reloaded group map and refreshes in the background
// so memberships follow the new names.
func (d *Directory) Reconfigure(cfg *config.Config) {
	d.SetGroupMap(cfg.Groups)
	if d.source == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		_ = d.Refresh(ctx)
	}()
}

// Refresh fetches everything and swaps the snapshot in one step. A failed
// refresh keeps the previous snapshot. Concurrent callers share one fetch.
func (d *Directory) Refresh(ctx context.Context) error {
	_, err, _ := d.flight.Do("refresh", func() (any, error) {
		snap, err := d.fetch(ctx)
		if err != nil {
			d.failures.Add(1)
			msg := err.Error()
			d.lastErr.Store(&msg)
			d.logger.Warn("directory refresh failed, keeping previous snapshot", "error", err)
			return nil, err
		}
		d.snap.Store(snap)
		d.refreshes.Add(1)
		d.lastErr.Store(nil)
		d.logger.Info("directory refreshed",
			"doors", len(snap.doors),
			"users", len(snap.users),
			"members", len(snap.members),
		)
		if d.store != nil {
			if err := d.store.SaveSnapshot(ctx, d.Snapshot()); err != nil {
				d.logger.Warn("persist directory snapshot failed", "error", err)
			}
		}
		return nil, nil
	})
	return err
}

func (d *Directory) fetch(ctx context.Context) (*snapshot, error) {
	if d.source == nil {
		return nil, errors.New("directory has no source")
	}
	doors, err := d.source.ListDoors(ctx)
	if err != nil {
		return nil, fmt.Errorf("list doors: %w", err)
	}
	users, err := d.source.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	groups, err := d.source.ListUserGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list user groups: %w", err)
	}
	members := make(map[string]string)
	for _, g := range groups {
		logical, ok := d.logicalName(g)
		if !ok {
			continue
		}
		list, err := d.source.ListGroupMembers(ctx, g.ID)
		if err != nil {
			return nil, fmt.Errorf("list members of %q: %w", g.Name, err)
		}
		for _, u := range list {
			if _, taken := members[u.ID]; u.ID != "" && !taken {
				members[u.ID] = logical
			}
		}
	}
	return build(doors, users, members, time.Now().UTC()), nil
}

func (d *Directory) logicalName(g model.Group) (string, bool) {
	groupMap := *d.groupMap.Load()
	if len(groupMap) == 0 {
		name := strings.TrimSpace(g.Name)
		return name, name != ""
	}
	for _, n := range []string{g.Name, g.FullName} {
		if logical, ok := groupMap[fold(n)]; ok {
			return logical, true
		}
	}
	return "", false
}

func build(doors []model.Door, users []model.User, members map[string]string, at time.Time) *snapshot {
	s := &snapshot{
		doors:       doors,
		doorsByName: make(map[string]model.Door, len(doors)*2),
		users:       make(map[string]model.User, len(users)),
		members:     members,
		refreshedAt: at,
	}
	if s.members == nil {
		s.members = make(map[string]string)
	}
	for _, door := range doors {
		if k := fold(door.Name); k != "" {
			s.doorsByName[k] = door
		}
		if k := fold(door.FullName); k != "" {
			if _, taken := s.doorsByName[k]; !taken {
				s.doorsByName[k] = door
			}
		}
	}
	for _, u := range users {
		if u.ID != "" {
			s.users[u.ID] = u
		}
	}
	return s
}

// WarmStart loads the persisted snapshot when nothing has been fetched yet.
func (d *Directory) WarmStart(ctx context.Context) error {
	if d.store == nil || d.snap.Load() != nil {
		return nil
	}
	stored, ok, err := d.store.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load directory snapshot: %w", err)
	}
	if !ok {
		return nil
	}
	d.snap.CompareAndSwap(nil, build(stored.Doors, stored.Users, stored.Memberships, stored.RefreshedAt))
	d.logger.Info("directory warm start from storage", "doors", len(stored.Doors), "refreshed_at", stored.RefreshedAt)
	return nil
}

// Run refreshes immediately and then every interval until ctx is done. When
// the first refresh fails the stored snapshot is used until one succeeds.
func (d *Directory) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if err := d.Refresh(ctx); err != nil {
		if werr := d.WarmStart(ctx); werr != nil {
			d.logger.Warn("directory warm start failed", "error", werr)
		}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = d.Refresh(ctx)
		case <-ctx.Done():
			d.logger.Info("directory refresh loop stopped")
			return
		}
	}
}

func (d *Directory) GroupForUser(userID string) (string, bool) {
	s := d.snap.Load()
	if s == nil {
		return "", false
	}
	g, ok := s.members[userID]
	return g, ok
}

func (d *Directory) UserDisplayName(userID string) (string, bool) {
	s := d.snap.Load()
	if s == nil {
		return "", false
	}
	u, ok := s.users[userID]
	if !ok {
		return "", false
	}
	name := u.DisplayName()
	return name, name != ""
}

// DoorByName matches trimmed, case-folded door names.
func (d *Directory) DoorByName(name string) (model.Door, error) {
	s := d.snap.Load()
	if s == nil {
		return model.Door{}, ErrNotLoaded
	}
	door, ok := s.doorsByName[fold(name)]
	if !ok {
		return model.Door{}, fmt.Errorf("door %q not found", name)
	}
	return door, nil
}

func (d *Directory) Doors() []model.Door {
	s := d.snap.Load()
	if s == nil {
		return nil
	}
	return append([]model.Door(nil), s.doors...)
}

func (d *Directory) Loaded() bool {
	return d.snap.Load() != nil
}

func (d *Directory) Snapshot() model.DirectorySnapshot {
	s := d.snap.Load()
	if s == nil {
		return model.DirectorySnapshot{}
	}
	users := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	members := make(map[string]string, len(s.members))
	for k, v := range s.members {
		members[k] = v
	}
	return model.DirectorySnapshot{
		Doors:       append([]model.Door(nil), s.doors...),
		Users:       users,
		Memberships: members,
		RefreshedAt: s.refreshedAt,
	}
}

func (d *Directory) Stats() Stats {
	st := Stats{Refreshes: d.refreshes.Load(), Failures: d.failures.Load()}
	if msg := d.lastErr.Load(); msg != nil {
		st.LastError = *msg
	}
	if s := d.snap.Load(); s != nil {
		st.Doors = len(s.doors)
		st.Users = len(s.users)
		st.Members = len(s.members)
		st.RefreshedAt = s.refreshedAt
	}
	return st
}

func fold(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
