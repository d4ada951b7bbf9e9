package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doorrelay/internal/config"
)

type recorder struct {
	mu      sync.Mutex
	sources []string
	events  []map[string]any
	err     error
	panics  bool
}

func (r *recorder) HandleEvent(_ context.Context, source string, raw map[string]any) error {
	if r.panics {
		panic("engine bug")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, source)
	r.events = append(r.events, raw)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestDecodePayloads(t *testing.T) {
	list, err := DecodePayloads([]byte(` {"event":"a","data":{}} `))
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = DecodePayloads([]byte(`[{"type":"x"},{"type":"y"}]`))
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = DecodePayloads([]byte(`"Hello"`))
	assert.ErrorIs(t, err, ErrNotObject)
	_, err = DecodePayloads([]byte(`{broken`))
	assert.Error(t, err)
	_, err = DecodePayloads(nil)
	assert.Error(t, err)
}

func TestWebhookAcceptsEvents(t *testing.T) {
	rec := &recorder{}
	srv := NewWebhookServer(config.WebhookConfig{}, rec, nil)
	routes := srv.Routes()

	w := httptest.NewRecorder()
	routes.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"event":"access.door.unlock","data":{}}`)))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","accepted":1,"failed":0}`, w.Body.String())

	w = httptest.NewRecorder()
	routes.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/webhook", strings.NewReader(`[{"type":"a"},{"type":"b"}]`)))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{SourceWebhook, SourceAPIWebhook, SourceAPIWebhook}, rec.sources)
}

func TestWebhookRejectsBadRequests(t *testing.T) {
	rec := &recorder{}
	routes := NewWebhookServer(config.WebhookConfig{}, rec, nil).Routes()

	w := httptest.NewRecorder()
	routes.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`not json`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	routes.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/webhook", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Zero(t, rec.count())
}

func TestWebhookSecret(t *testing.T) {
	rec := &recorder{}
	routes := NewWebhookServer(config.WebhookConfig{Secret: "s3cret"}, rec, nil).Routes()

	w := httptest.NewRecorder()
	routes.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"type":"x"}`))
	req.Header.Set(SecretHeader, "s3cret")
	w = httptest.NewRecorder()
	routes.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, rec.count())
}

func TestSubmitRecoversPanics(t *testing.T) {
	rec := &recorder{panics: true}
	routes := NewWebhookServer(config.WebhookConfig{}, rec, nil).Routes()
	w := httptest.NewRecorder()
	routes.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"type":"x"}`)))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","accepted":0,"failed":1}`, w.Body.String())

	err := Submit(context.Background(), HandlerFunc(func(context.Context, string, map[string]any) error {
		return errors.New("boom")
	}), SourceKafka, nil, nil)
	assert.EqualError(t, err, "boom")
}

func TestConsumeMessage(t *testing.T) {
	rec := &recorder{}
	assert.Equal(t, 2, consumeMessage(context.Background(), rec, []byte(`[{"type":"a"},{"type":"b"}]`), nil))
	assert.Equal(t, 0, consumeMessage(context.Background(), rec, []byte(`garbage`), nil))
	assert.Equal(t, []string{SourceKafka, SourceKafka}, rec.sources)
}

func TestNextBackoff(t *testing.T) {
	assert.Equal(t, 10*time.Second, nextBackoff(5*time.Second, time.Minute))
	assert.Equal(t, time.Minute, nextBackoff(40*time.Second, time.Minute))
}

func TestSocketClientReadsEvents(t *testing.T) {
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		_ = conn.Write(ctx, websocket.MessageText, []byte("Hello"))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"event":"access.logs.add","data":{"_source":{}}}`))
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}))
	defer srv.Close()

	rec := &recorder{}
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client := NewSocketClient(url, "tok", false, 10*time.Millisecond, rec, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		client.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return rec.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, "Bearer tok", auth.Load())
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, SourceWebSocket, rec.sources[0])
	assert.Equal(t, "access.logs.add", rec.events[0]["event"])
}

func TestWebhookDispatchOutlivesRequest(t *testing.T) {
	var seen error = errors.New("handler not called")
	h := HandlerFunc(func(ctx context.Context, _ string, _ map[string]any) error {
		seen = ctx.Err()
		return nil
	})
	routes := NewWebhookServer(config.WebhookConfig{}, h, nil).Routes()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"event":"access.door.unlock","data":{}}`)).WithContext(ctx)
	w := httptest.NewRecorder()
	routes.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, seen)
}
