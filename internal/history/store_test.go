package history

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doorrelay/internal/model"
)

func event(i int, at time.Time, outcome model.Outcome) model.ProcessedEvent {
	return model.ProcessedEvent{ID: fmt.Sprintf("ev-%d", i), ReceivedAt: at, Outcome: outcome}
}

func TestRingOverwritesOldest(t *testing.T) {
	s := NewStore(3)
	base := time.Now()
	for i := 0; i < 5; i++ {
		s.Add(event(i, base.Add(time.Duration(i)*time.Second), model.OutcomeUnlocked))
	}
	require.Equal(t, 3, s.Len())
	assert.EqualValues(t, 5, s.Total())

	got := s.List(0)
	require.Len(t, got, 3)
	assert.Equal(t, "ev-4", got[0].ID)
	assert.Equal(t, "ev-2", got[2].ID)

	assert.Len(t, s.List(2), 2)
	assert.Len(t, s.List(10), 3)
}

func TestSinceAndFind(t *testing.T) {
	s := NewStore(10)
	base := time.Now()
	for i := 0; i < 4; i++ {
		s.OnProcessed(event(i, base.Add(time.Duration(i)*time.Minute), model.OutcomeNoAction))
	}
	recent := s.Since(base.Add(2 * time.Minute))
	require.Len(t, recent, 2)
	assert.Equal(t, "ev-3", recent[0].ID)

	s.Add(model.ProcessedEvent{ID: "ev-1", Outcome: model.OutcomeUnlocked, ReceivedAt: base.Add(time.Hour)})
	found, ok := s.Find("ev-1")
	require.True(t, ok)
	assert.Equal(t, model.OutcomeUnlocked, found.Outcome)
	_, ok = s.Find("missing")
	assert.False(t, ok)
}

func TestOutcomesAndClear(t *testing.T) {
	s := NewStore(5)
	s.Add(event(1, time.Now(), model.OutcomeUnlocked))
	s.Add(event(2, time.Now(), model.OutcomeUnlocked))
	s.Add(event(3, time.Now(), model.OutcomeSkippedSelf))
	assert.Equal(t, map[model.Outcome]int{model.OutcomeUnlocked: 2, model.OutcomeSkippedSelf: 1}, s.Outcomes())

	s.Clear()
	assert.Zero(t, s.Len())
	assert.Empty(t, s.List(0))
	assert.EqualValues(t, 3, s.Total())
}
