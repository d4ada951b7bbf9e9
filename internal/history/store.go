// Package history keeps the most recent processed events in memory.
package history

import (
	"sync"
	"time"

	"doorrelay/internal/model"
)

// Store is a fixed-size ring; the oldest event is overwritten once full.
type Store struct {
	mu    sync.RWMutex
	buf   []model.ProcessedEvent
	head  int
	size  int
	total uint64
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 500
	}
	return &Store{buf: make([]model.ProcessedEvent, limit)}
}

// OnProcessed lets the store observe the engine directly.
func (s *Store) OnProcessed(ev model.ProcessedEvent) {
	s.Add(ev)
}

func (s *Store) Add(ev model.ProcessedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf[s.head] = ev
	s.head = (s.head + 1) % len(s.buf)
	if s.size < len(s.buf) {
		s.size++
	}
	s.total++
}

// List returns up to limit events, newest first. limit <= 0 returns all.
func (s *Store) List(limit int) []model.ProcessedEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > s.size {
		limit = s.size
	}
	out := make([]model.ProcessedEvent, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, s.at(i))
	}
	return out
}

// Since returns events received at or after ts, newest first.
func (s *Store) Since(ts time.Time) []model.ProcessedEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.ProcessedEvent
	for i := 0; i < s.size; i++ {
		if ev := s.at(i); !ev.ReceivedAt.Before(ts) {
			out = append(out, ev)
		}
	}
	return out
}

// Find returns the newest event with id. A delayed unlock is recorded twice
// under one id, so the newest entry carries its final outcome.
func (s *Store) Find(id string) (model.ProcessedEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := 0; i < s.size; i++ {
		if ev := s.at(i); ev.ID == id {
			return ev, true
		}
	}
	return model.ProcessedEvent{}, false
}

func (s *Store) Outcomes() map[model.Outcome]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[model.Outcome]int)
	for i := 0; i < s.size; i++ {
		out[s.at(i).Outcome]++
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Total counts every event ever added, including overwritten ones.
func (s *Store) Total() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = make([]model.ProcessedEvent, len(s.buf))
	s.head, s.size = 0, 0
}

// at returns the i-th newest event; the caller holds the lock.
func (s *Store) at(i int) model.ProcessedEvent {
	idx := (s.head - 1 - i + len(s.buf)) % len(s.buf)
	return s.buf[idx]
}
