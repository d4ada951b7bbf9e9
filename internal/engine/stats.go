package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"doorrelay/internal/model"
)

type stats struct {
	startedAt      time.Time
	received       atomic.Uint64
	processed      atomic.Uint64
	skippedSelf    atomic.Uint64
	skippedLoc     atomic.Uint64
	skippedNoOp    atomic.Uint64
	unlocksOK      atomic.Uint64
	unlocksFailed  atomic.Uint64
	doorbellEvents atomic.Uint64

	mu         sync.Mutex
	lastEvent  *model.EventSummary
	lastUnlock *model.UnlockSummary
}

func (s *stats) recordEvent(ev model.NormalizedEvent, at time.Time) {
	actor := ev.ActorName
	if actor == "" {
		actor = ev.ActorID
	}
	summary := &model.EventSummary{Time: at, Type: ev.Type, Location: ev.LocationName, Actor: actor}
	s.mu.Lock()
	s.lastEvent = summary
	s.mu.Unlock()
}

func (s *stats) recordUnlock(door, reason string, at time.Time) {
	s.unlocksOK.Add(1)
	summary := &model.UnlockSummary{Time: at, Door: door, Reason: reason}
	s.mu.Lock()
	s.lastUnlock = summary
	s.mu.Unlock()
}

func (s *stats) snapshot() model.EngineStats {
	out := model.EngineStats{
		StartedAt:             s.startedAt,
		EventsReceived:        s.received.Load(),
		EventsProcessed:       s.processed.Load(),
		EventsSkippedSelf:     s.skippedSelf.Load(),
		EventsSkippedLocation: s.skippedLoc.Load(),
		EventsSkippedNoAction: s.skippedNoOp.Load(),
		UnlocksTriggered:      s.unlocksOK.Load(),
		UnlocksFailed:         s.unlocksFailed.Load(),
		DoorbellEvents:        s.doorbellEvents.Load(),
	}
	s.mu.Lock()
	if s.lastEvent != nil {
		ev := *s.lastEvent
		out.LastEvent = &ev
	}
	if s.lastUnlock != nil {
		u := *s.lastUnlock
		out.LastUnlock = &u
	}
	s.mu.Unlock()
	return out
}
