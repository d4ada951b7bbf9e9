// Package api serves the relay's status and admin endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"doorrelay/internal/broadcast"
	"doorrelay/internal/config"
	"doorrelay/internal/directory"
	"doorrelay/internal/engine"
	"doorrelay/internal/history"
	"doorrelay/internal/metrics"
	"doorrelay/internal/model"
)

// Relay is the part of the running process the API drives. The engine is
// rebuilt on every reload so callers must not cache it.
type Relay interface {
	Engine() *engine.Engine
	Reload() error
}

type DirectoryControl interface {
	Refresh(ctx context.Context) error
	Stats() directory.Stats
}

type Deps struct {
	Config    *config.Manager
	Relay     Relay
	Directory DirectoryControl
	History   *history.Store
	Doors     *metrics.Store
	Hub       *broadcast.Hub
	Logger    *slog.Logger
	Version   string
}

type Server struct {
	Deps
}

type statusResponse struct {
	Status     string           `json:"status"`
	Time       string           `json:"time"`
	Version    string           `json:"version"`
	ConfigPath string           `json:"config_path"`
	Ingest     ingestStatus     `json:"ingest"`
	API        apiStatus        `json:"api"`
	Rules      rulesStatus      `json:"rules"`
	Directory  *directory.Stats `json:"directory,omitempty"`
	Streams    int              `json:"stream_subscribers"`
}

type ingestStatus struct {
	Webhook   bool `json:"webhook"`
	WebSocket bool `json:"websocket"`
	Kafka     bool `json:"kafka"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type rulesStatus struct {
	Unlock          int  `json:"unlock"`
	Doorbell        int  `json:"doorbell"`
	UnlockDefault   bool `json:"unlock_default"`
	DoorbellDefault bool `json:"doorbell_default"`
}

func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	return &Server{Deps: deps}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/rules", s.handleRules)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/events/", s.handleEvent)
	mux.HandleFunc("/simulate", s.handleSimulate)
	mux.HandleFunc("/admin/reload", s.handleReload)
	mux.HandleFunc("/admin/refresh-directory", s.handleRefreshDirectory)
	mux.HandleFunc("/admin/clear", s.handleClear)
	if s.Hub != nil {
		mux.HandleFunc("/ws", s.Hub.ServeWS)
	}
	return mux
}

func Start(ctx context.Context, deps Deps) *http.Server {
	if deps.Config == nil {
		return nil
	}
	current := deps.Config.Get().API
	logger := deps.Logger
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := NewServer(deps)
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Routes(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) engine() *engine.Engine {
	if s.Relay == nil {
		return nil
	}
	return s.Relay.Engine()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.Config.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.Version,
		ConfigPath: s.Config.Path(),
		Ingest: ingestStatus{
			Webhook:   cfg.Ingest.Webhook.Enabled,
			WebSocket: cfg.Ingest.WebSocket.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
		},
		API: apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
	}
	if e := s.engine(); e != nil {
		resp.Rules = rulesStatus{
			Unlock:          len(e.UnlockRules().Entries()),
			Doorbell:        len(e.DoorbellRules().Entries()),
			UnlockDefault:   len(e.UnlockRules().Defaults()) > 0,
			DoorbellDefault: len(e.DoorbellRules().Defaults()) > 0,
		}
	}
	if s.Directory != nil {
		st := s.Directory.Stats()
		resp.Directory = &st
	}
	if s.Hub != nil {
		resp.Streams = s.Hub.Subscribers()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	e := s.engine()
	if e == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	resp := map[string]any{"engine": e.Stats()}
	if s.Doors != nil {
		resp["doors"] = s.Doors.GetAll()
	}
	if s.History != nil {
		resp["outcomes"] = s.History.Outcomes()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	e := s.engine()
	if e == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"unlock":           ruleView(e.UnlockRules().Entries()),
		"unlock_default":   e.UnlockRules().Defaults(),
		"doorbell":         ruleView(e.DoorbellRules().Entries()),
		"doorbell_default": e.DoorbellRules().Defaults(),
	})
}

type ruleJSON struct {
	Group   string   `json:"group"`
	Trigger string   `json:"trigger"`
	Unlock  []string `json:"unlock"`
	Delay   float64  `json:"delay,omitempty"`
}

func ruleView(entries []model.RuleEntry) []ruleJSON {
	out := make([]ruleJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, ruleJSON{Group: e.Group, Trigger: e.Trigger, Unlock: e.Unlock, Delay: e.Delay.Seconds()})
	}
	return out
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.History == nil {
		writeJSON(w, http.StatusOK, map[string]any{"events": []model.ProcessedEvent{}, "count": 0})
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var list []model.ProcessedEvent
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = s.History.Since(ts)
		if limit > 0 && len(list) > limit {
			list = list[:limit]
		}
	} else {
		list = s.History.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": list,
		"count":  len(list),
		"total":  s.History.Total(),
	})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/events/")
	if id == "" || s.History == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	ev, ok := s.History.Find(id)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	e := s.engine()
	if e == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var sim engine.SimulatedEvent
	if err := json.Unmarshal(body, &sim); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	ev, err := e.Simulate(r.Context(), sim)
	if errors.Is(err, engine.ErrUnknownEventType) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.Relay == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if err := s.Relay.Reload(); err != nil {
		s.Logger.Warn("reload failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleRefreshDirectory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.Directory == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if err := s.Directory.Refresh(r.Context()); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "directory": s.Directory.Stats()})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		if s.History != nil {
			s.History.Clear()
		}
		if s.Doors != nil {
			s.Doors.Clear()
		}
	case "events", "history":
		if s.History != nil {
			s.History.Clear()
		}
	case "doors":
		if s.Doors != nil {
			s.Doors.Clear()
		}
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
