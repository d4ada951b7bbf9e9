package ingest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"doorrelay/internal/config"
)

// SecretHeader carries the optional shared webhook secret.
const SecretHeader = "X-Webhook-Secret"

type WebhookServer struct {
	handler Handler
	secret  string
	logger  *slog.Logger
}

func NewWebhookServer(cfg config.WebhookConfig, handler Handler, logger *slog.Logger) *WebhookServer {
	return &WebhookServer{handler: handler, secret: cfg.Secret, logger: logger}
}

func (s *WebhookServer) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.serve(SourceWebhook))
	mux.HandleFunc("/api/webhook", s.serve(SourceAPIWebhook))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

func StartWebhook(ctx context.Context, cfg config.WebhookConfig, handler Handler, logger *slog.Logger) *http.Server {
	if !cfg.Enabled {
		if logger != nil {
			logger.Info("webhook ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("webhook ingest enabled", "addr", cfg.Addr)
	}
	server := NewWebhookServer(cfg, handler, logger)
	httpServer := &http.Server{Addr: cfg.Addr, Handler: server.Routes(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if logger != nil {
				logger.Error("webhook ingest server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *WebhookServer) serve(source string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if s.secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(SecretHeader)), []byte(s.secret)) != 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		payloads, err := DecodePayloads(body)
		if err != nil {
			if s.logger != nil {
				s.logger.Debug("webhook body rejected", "source", source, "err", err)
			}
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		// Door commands must finish even if the controller hangs up first.
		ctx := context.WithoutCancel(r.Context())
		accepted, failed := 0, 0
		for _, raw := range payloads {
			if err := Submit(ctx, s.handler, source, raw, s.logger); err != nil {
				failed++
				continue
			}
			accepted++
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"accepted": accepted,
			"failed":   failed,
		})
	}
}
