package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"doorrelay/internal/config"
	"doorrelay/internal/model"
)

const writeTimeout = 10 * time.Second

// MessageWriter is the part of kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher queues processed events and writes them to Kafka keyed by
// location, so events for one door stay ordered within a partition.
type Publisher struct {
	writer MessageWriter
	queue  chan model.ProcessedEvent
	logger *slog.Logger

	mu      sync.Mutex
	dropped uint64
	written uint64
	done    chan struct{}
}

func NewPublisher(cfg config.KafkaPublishConfig, logger *slog.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("broadcast kafka requires brokers and topic")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: writeTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	return NewPublisherWithWriter(w, 256, logger), nil
}

func NewPublisherWithWriter(w MessageWriter, buffer int, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Publisher{
		writer: w,
		queue:  make(chan model.ProcessedEvent, buffer),
		logger: logger,
		done:   make(chan struct{}),
	}
}

func (p *Publisher) OnProcessed(ev model.ProcessedEvent) {
	select {
	case p.queue <- ev:
	default:
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
		p.logger.Warn("broadcast queue full, dropping event", "id", ev.ID)
	}
}

// Run writes queued events until ctx is done, then flushes what is left and
// closes the writer.
func (p *Publisher) Run(ctx context.Context) {
	defer close(p.done)
	defer func() {
		if err := p.writer.Close(); err != nil {
			p.logger.Warn("close kafka writer", "err", err)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-p.queue:
					p.write(context.Background(), ev)
				default:
					return
				}
			}
		case ev := <-p.queue:
			p.write(ctx, ev)
		}
	}
}

// Wait blocks until Run has returned.
func (p *Publisher) Wait() { <-p.done }

func (p *Publisher) Stats() (written, dropped uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written, p.dropped
}

func (p *Publisher) write(ctx context.Context, ev model.ProcessedEvent) {
	value, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("marshal event", "id", ev.ID, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	msg := kafka.Message{
		Key:   []byte(ev.Location),
		Value: value,
		Time:  ev.ReceivedAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "outcome", Value: []byte(ev.Outcome)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Warn("publish event failed", "id", ev.ID, "err", err)
		return
	}
	p.mu.Lock()
	p.written++
	p.mu.Unlock()
}
