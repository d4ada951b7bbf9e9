package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"

	"doorrelay/internal/model"
)

// DoorActivity counts unlock attempts per door.
type DoorActivity struct {
	Door        string    `json:"door"`
	Unlocked    uint64    `json:"unlocked"`
	Failed      uint64    `json:"failed"`
	LastError   string    `json:"last_error,omitempty"`
	LastAttempt time.Time `json:"last_attempt"`
}

// Store tracks DoorActivity for at most limit doors, evicting the door idle
// the longest.
type Store struct {
	mu     sync.RWMutex
	byDoor map[string]*DoorActivity
	limit  int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{byDoor: make(map[string]*DoorActivity), limit: limit}
}

// OnProcessed records each per-door outcome carried by ev.
func (s *Store) OnProcessed(ev model.ProcessedEvent) {
	if len(ev.Results) == 0 {
		return
	}
	at := ev.ReceivedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range ev.Results {
		key := strings.ToLower(strings.TrimSpace(r.Door))
		if key == "" {
			continue
		}
		a, ok := s.byDoor[key]
		if !ok {
			a = &DoorActivity{Door: r.Door}
			s.byDoor[key] = a
		}
		if r.Success {
			a.Unlocked++
		} else {
			a.Failed++
			a.LastError = r.Error
		}
		a.LastAttempt = at
	}
	for len(s.byDoor) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(door string) (DoorActivity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byDoor[strings.ToLower(strings.TrimSpace(door))]
	if !ok {
		return DoorActivity{}, false
	}
	return *a, true
}

// GetAll returns every tracked door sorted by name.
func (s *Store) GetAll() []DoorActivity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DoorActivity, 0, len(s.byDoor))
	for _, a := range s.byDoor {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Door < out[j].Door })
	return out
}

func (s *Store) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for k, a := range s.byDoor {
		if oldestKey == "" || a.LastAttempt.Before(oldest) {
			oldestKey = k
			oldest = a.LastAttempt
		}
	}
	if oldestKey != "" {
		delete(s.byDoor, oldestKey)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byDoor = make(map[string]*DoorActivity)
}
