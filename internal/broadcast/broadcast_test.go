package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doorrelay/internal/config"
	"doorrelay/internal/model"
)

func TestHubFanOutAndDrop(t *testing.T) {
	h := NewHub(nil)
	a := h.Subscribe(1)
	b := h.Subscribe(4)
	assert.Equal(t, 2, h.Subscribers())

	h.OnProcessed(model.ProcessedEvent{ID: "1"})
	h.OnProcessed(model.ProcessedEvent{ID: "2"})

	first := <-a
	assert.Equal(t, "1", first.Event.ID)
	assert.Len(t, b, 2)
	assert.EqualValues(t, 1, h.Dropped())

	h.Unsubscribe(a)
	h.Unsubscribe(a)
	_, open := <-a
	assert.False(t, open)
	assert.Equal(t, 1, h.Subscribers())
}

func TestHubServeWS(t *testing.T) {
	h := NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	var ready Message
	require.NoError(t, wsjson.Read(ctx, conn, &ready))
	assert.Equal(t, "ready", ready.Kind)

	require.Eventually(t, func() bool { return h.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	h.OnProcessed(model.ProcessedEvent{ID: "evt-9", Outcome: model.OutcomeUnlocked})

	var got Message
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	require.NotNil(t, got.Event)
	assert.Equal(t, "evt-9", got.Event.ID)
	assert.Equal(t, model.OutcomeUnlocked, got.Event.Outcome)
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	fail   bool
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broker down")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestPublisherWritesAndFlushes(t *testing.T) {
	w := &fakeWriter{}
	p := NewPublisherWithWriter(w, 8, nil)
	p.OnProcessed(model.ProcessedEvent{ID: "a", Location: "Front Door", Type: model.EventDoorUnlock, Outcome: model.OutcomeUnlocked})
	p.OnProcessed(model.ProcessedEvent{ID: "b", Location: "Lobby"})

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	require.Eventually(t, func() bool {
		written, _ := p.Stats()
		return written == 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	p.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.True(t, w.closed)
	require.Len(t, w.msgs, 2)
	assert.Equal(t, "Front Door", string(w.msgs[0].Key))
	var ev model.ProcessedEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &ev))
	assert.Equal(t, "a", ev.ID)
	assert.Equal(t, "outcome", w.msgs[0].Headers[1].Key)
}

func TestPublisherDropsWhenFull(t *testing.T) {
	p := NewPublisherWithWriter(&fakeWriter{fail: true}, 1, nil)
	p.OnProcessed(model.ProcessedEvent{ID: "1"})
	p.OnProcessed(model.ProcessedEvent{ID: "2"})
	_, dropped := p.Stats()
	assert.EqualValues(t, 1, dropped)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Run(ctx)
	written, _ := p.Stats()
	assert.Zero(t, written)
}

func TestNewPublisherValidates(t *testing.T) {
	_, err := NewPublisher(config.KafkaPublishConfig{Topic: "events"}, nil)
	assert.Error(t, err)
}
