package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doorrelay/internal/model"
)

type fakeRedis struct {
	mu   sync.Mutex
	key  string
	val  []byte
	ttl  time.Duration
	sets int
	err  error
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	f.key, f.ttl = key, ttl
	f.val, _ = value.([]byte)
	return redis.NewStatusResult("OK", f.err)
}

func (f *fakeRedis) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sets
}

func TestStoreCountsPerDoor(t *testing.T) {
	s := NewStore(10)
	s.OnProcessed(model.ProcessedEvent{Results: []model.UnlockOutcome{
		{Door: "Suite 100", Success: true},
		{Door: "Elevator", Error: "offline"},
	}})
	s.OnProcessed(model.ProcessedEvent{Results: []model.UnlockOutcome{{Door: "suite 100", Success: true}}})
	s.OnProcessed(model.ProcessedEvent{Outcome: model.OutcomeNoAction})

	a, ok := s.Get("Suite 100")
	require.True(t, ok)
	assert.EqualValues(t, 2, a.Unlocked)
	e, ok := s.Get("elevator")
	require.True(t, ok)
	assert.EqualValues(t, 1, e.Failed)
	assert.Equal(t, "offline", e.LastError)

	all := s.GetAll()
	require.Len(t, all, 2)
	assert.Equal(t, "Elevator", all[0].Door)
}

func TestStoreEvictsIdleDoor(t *testing.T) {
	s := NewStore(2)
	base := time.Now()
	for i, door := range []string{"A", "B", "C"} {
		s.OnProcessed(model.ProcessedEvent{
			ReceivedAt: base.Add(time.Duration(i) * time.Second),
			Results:    []model.UnlockOutcome{{Door: door, Success: true}},
		})
	}
	_, ok := s.Get("A")
	assert.False(t, ok)
	assert.Len(t, s.GetAll(), 2)
}

func TestReporterWrite(t *testing.T) {
	rdb := &fakeRedis{}
	doors := NewStore(10)
	doors.OnProcessed(model.ProcessedEvent{Results: []model.UnlockOutcome{{Door: "Lobby", Success: true}}})
	r := NewReporter(rdb, "doorrelay:stats", time.Minute, 90*time.Second, func() model.EngineStats {
		return model.EngineStats{EventsReceived: 7, UnlocksTriggered: 3}
	}, doors, nil)

	require.NoError(t, r.Write(context.Background()))
	assert.Equal(t, "doorrelay:stats", rdb.key)
	assert.Equal(t, 90*time.Second, rdb.ttl)

	var rep Report
	require.NoError(t, json.Unmarshal(rdb.val, &rep))
	assert.EqualValues(t, 7, rep.Engine.EventsReceived)
	assert.EqualValues(t, 3, rep.Engine.UnlocksTriggered)
	require.Len(t, rep.Doors, 1)
	assert.Equal(t, "Lobby", rep.Doors[0].Door)

	rdb.err = errors.New("connection refused")
	assert.Error(t, r.Write(context.Background()))
}

func TestReporterLoopWritesOnStop(t *testing.T) {
	rdb := &fakeRedis{}
	r := NewReporter(rdb, "k", 10*time.Millisecond, 0, func() model.EngineStats { return model.EngineStats{} }, nil, nil)
	r.Start(context.Background())
	require.Eventually(t, func() bool { return rdb.count() >= 2 }, time.Second, 5*time.Millisecond)
	r.Stop()
	r.Stop()
	assert.Equal(t, 2*time.Minute, rdb.ttl)
}
