package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"doorrelay/internal/config"
)

// StartKafka consumes raw payloads from a topic; each message value is one
// JSON object or array.
func StartKafka(ctx context.Context, cfg config.KafkaConfig, handler Handler, logger *slog.Logger) {
	if !cfg.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", cfg.Brokers, "topic", cfg.Topic, "group_id", cfg.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				if !BackoffSleep(ctx, time.Second) {
					return
				}
				continue
			}
			consumeMessage(ctx, handler, m.Value, logger)
		}
	}()
}

func consumeMessage(ctx context.Context, handler Handler, value []byte, logger *slog.Logger) int {
	payloads, err := DecodePayloads(value)
	if err != nil {
		if logger != nil {
			logger.Warn("kafka message rejected", "err", err)
		}
		return 0
	}
	handled := 0
	for _, raw := range payloads {
		if Submit(ctx, handler, SourceKafka, raw, logger) == nil {
			handled++
		}
	}
	return handled
}
