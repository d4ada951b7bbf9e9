// Package ingest feeds raw controller payloads from every transport into a Handler.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	SourceWebhook    = "webhook"
	SourceAPIWebhook = "api_webhook"
	SourceWebSocket  = "websocket"
	SourceKafka      = "kafka"
)

// Handler consumes one raw payload. The engine satisfies it.
type Handler interface {
	HandleEvent(ctx context.Context, source string, raw map[string]any) error
}

type HandlerFunc func(ctx context.Context, source string, raw map[string]any) error

func (f HandlerFunc) HandleEvent(ctx context.Context, source string, raw map[string]any) error {
	return f(ctx, source, raw)
}

// Submit is the outer boundary around a handler: a panic becomes an error for
// this one payload.
func Submit(ctx context.Context, h Handler, source string, raw map[string]any, logger *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event handling panicked: %v", r)
		}
		if err != nil && logger != nil {
			logger.Error("event processing failed", "source", source, "err", err)
		}
	}()
	return h.HandleEvent(ctx, source, raw)
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// nextBackoff doubles d up to limit.
func nextBackoff(d, limit time.Duration) time.Duration {
	d *= 2
	if d > limit {
		return limit
	}
	return d
}
