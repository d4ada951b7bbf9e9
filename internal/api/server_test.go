package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doorrelay/internal/broadcast"
	"doorrelay/internal/config"
	"doorrelay/internal/directory"
	"doorrelay/internal/engine"
	"doorrelay/internal/history"
	"doorrelay/internal/metrics"
	"doorrelay/internal/model"
)

const testConfig = `
api:
  enabled: true
  addr: ":0"
resolver:
  user_overrides:
    user-1: staff
unlock_rules:
  rules:
    - group: staff
      trigger: Front Door
      unlock: ["Suite 100", "Elevator"]
`

type okUnlocker struct{}

func (okUnlocker) UnlockByName(_ context.Context, door, _ string) model.UnlockOutcome {
	return model.UnlockOutcome{Door: door, Success: true}
}

type fakeRelay struct {
	mu      sync.Mutex
	eng     *engine.Engine
	reloads int
	err     error
}

func (r *fakeRelay) Engine() *engine.Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eng
}

func (r *fakeRelay) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reloads++
	return r.err
}

type fakeDirectory struct {
	err   error
	calls int
}

func (d *fakeDirectory) Refresh(context.Context) error {
	d.calls++
	return d.err
}

func (d *fakeDirectory) Stats() directory.Stats {
	return directory.Stats{Doors: 3, Users: 2, Refreshes: uint64(d.calls)}
}

type fixture struct {
	srv   *httptest.Server
	relay *fakeRelay
	dir   *fakeDirectory
	hist  *history.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doorrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))
	mgr, err := config.NewManager(path)
	require.NoError(t, err)

	hist := history.NewStore(50)
	doors := metrics.NewStore(10)
	hub := broadcast.NewHub(nil)
	eng, err := engine.NewEngine(mgr.Get(), nil, okUnlocker{}, nil, hist, doors, hub)
	require.NoError(t, err)

	f := &fixture{relay: &fakeRelay{eng: eng}, dir: &fakeDirectory{}, hist: hist}
	s := NewServer(Deps{
		Config:    mgr,
		Relay:     f.relay,
		Directory: f.dir,
		History:   hist,
		Doors:     doors,
		Hub:       hub,
		Version:   "test",
	})
	f.srv = httptest.NewServer(s.Routes())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestSimulateThenInspect(t *testing.T) {
	f := newFixture(t)

	resp, ev := f.do(t, http.MethodPost, "/simulate",
		`{"event_type":"access.door.unlock","location":"front door","actor_id":"user-1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "unlocked", ev["outcome"])
	assert.Equal(t, "staff", ev["group"])
	id, _ := ev["id"].(string)
	require.NotEmpty(t, id)

	resp, stats := f.do(t, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	eng := stats["engine"].(map[string]any)
	assert.EqualValues(t, 1, eng["events_received"])
	assert.EqualValues(t, 2, eng["unlocks_triggered"])
	assert.Len(t, stats["doors"], 2)

	resp, list := f.do(t, http.MethodGet, "/events?limit=5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, list["count"])

	resp, one := f.do(t, http.MethodGet, "/events/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, one["id"])

	resp, _ = f.do(t, http.MethodGet, "/events/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSimulateRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/simulate", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/simulate", `{"event_type":"access.teleport"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "unknown simulated event type")

	resp, _ = f.do(t, http.MethodGet, "/simulate", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStatusAndRules(t *testing.T) {
	f := newFixture(t)
	resp, status := f.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "test", status["version"])
	rules := status["rules"].(map[string]any)
	assert.EqualValues(t, 1, rules["unlock"])
	assert.Equal(t, false, rules["unlock_default"])
	dir := status["directory"].(map[string]any)
	assert.EqualValues(t, 3, dir["doors"])

	resp, table := f.do(t, http.MethodGet, "/rules", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	unlock := table["unlock"].([]any)
	require.Len(t, unlock, 1)
	assert.Equal(t, "Front Door", unlock[0].(map[string]any)["trigger"])

	resp, health := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", health["status"])
}

func TestAdminEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/admin/reload", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, f.relay.reloads)

	f.relay.err = errors.New("bad rules")
	resp, body := f.do(t, http.MethodPost, "/admin/reload", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "bad rules", body["error"])

	resp, _ = f.do(t, http.MethodPost, "/admin/refresh-directory", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	f.dir.err = errors.New("controller unreachable")
	resp, _ = f.do(t, http.MethodPost, "/admin/refresh-directory", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, 2, f.dir.calls)

	f.hist.Add(model.ProcessedEvent{ID: "x", ReceivedAt: time.Now()})
	resp, _ = f.do(t, http.MethodPost, "/admin/clear", `{"target":"events"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, f.hist.Len())
	resp, _ = f.do(t, http.MethodPost, "/admin/clear", `{"target":"everything"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventsSinceValidates(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/events?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, body := f.do(t, http.MethodGet, "/events?since=2020-01-01T00:00:00Z", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, body["count"])
}
