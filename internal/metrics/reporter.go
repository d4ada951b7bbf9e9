// Package metrics tracks unlock activity and exports the relay's statistics
// to Redis so other services can read them.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"doorrelay/internal/model"
)

// Writer is the slice of the Redis client the reporter needs.
type Writer interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Report is the document written under the stats key.
type Report struct {
	Service     string            `json:"service"`
	Status      string            `json:"status"`
	LastUpdated time.Time         `json:"last_updated"`
	Engine      model.EngineStats `json:"engine"`
	Doors       []DoorActivity    `json:"doors,omitempty"`
}

type Reporter struct {
	client   Writer
	key      string
	ttl      time.Duration
	interval time.Duration
	stats    func() model.EngineStats
	doors    *Store
	logger   *slog.Logger

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewReporter writes stats() and the door activity in doors every interval.
// doors may be nil.
func NewReporter(client Writer, key string, interval, ttl time.Duration, stats func() model.EngineStats, doors *Store, logger *slog.Logger) *Reporter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Reporter{
		client:   client,
		key:      key,
		ttl:      ttl,
		interval: interval,
		stats:    stats,
		doors:    doors,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

func (r *Reporter) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				r.write(context.Background())
				return
			case <-r.stopCh:
				r.write(context.Background())
				return
			case <-ticker.C:
				r.write(ctx)
			}
		}
	}()
}

func (r *Reporter) Stop() {
	r.once.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Reporter) Snapshot() Report {
	rep := Report{Service: "doorrelay", Status: "healthy", LastUpdated: time.Now().UTC()}
	if r.stats != nil {
		rep.Engine = r.stats()
	}
	if r.doors != nil {
		rep.Doors = r.doors.GetAll()
	}
	return rep
}

// Write pushes one report now.
func (r *Reporter) Write(ctx context.Context) error {
	data, err := json.Marshal(r.Snapshot())
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.client.Set(ctx, r.key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("write stats to redis: %w", err)
	}
	return nil
}

func (r *Reporter) write(ctx context.Context) {
	if err := r.Write(ctx); err != nil && r.logger != nil {
		r.logger.Warn("stats export failed", "key", r.key, "err", err)
	}
}
