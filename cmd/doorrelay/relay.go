package main

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"doorrelay/internal/config"
	"doorrelay/internal/engine"
	"doorrelay/internal/resolver"
)

// reconfigurer is a long-lived component that holds config of its own, such
// as the controller client's self-trigger marker.
type reconfigurer interface {
	Reconfigure(cfg *config.Config)
}

// relay owns the current engine. Transports and the API look it up per
// event, so a reload takes effect on the next payload.
type relay struct {
	mgr       *config.Manager
	logger    *slog.Logger
	unlocker  engine.Unlocker
	dir       resolver.Directory
	observers []engine.Observer

	mu      sync.Mutex
	current atomic.Pointer[engine.Engine]
}

func newRelay(mgr *config.Manager, logger *slog.Logger, unlocker engine.Unlocker, dir resolver.Directory, observers ...engine.Observer) (*relay, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &relay{mgr: mgr, logger: logger, unlocker: unlocker, dir: dir, observers: observers}
	if err := r.swap(mgr.Get()); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *relay) Engine() *engine.Engine {
	return r.current.Load()
}

// Reload re-reads the config file and rebuilds the engine.
func (r *relay) Reload() error {
	cfg, err := r.mgr.Reload()
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	return r.swap(cfg)
}

// swap builds an engine for cfg and pushes cfg into the unlocker and the
// directory, so the marker the client stamps matches the one the engine's
// guard expects. Delayed unlocks scheduled by the previous engine
// still fire.
func (r *relay) swap(cfg *config.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next, err := engine.NewEngine(cfg, r.logger, r.unlocker, r.dir, r.observers...)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	prev := r.current.Swap(next)
	unlock, doorbell := len(next.UnlockRules().Entries()), len(next.DoorbellRules().Entries())
	if prev != nil {
		// Components were built from the startup config; only later configs
		// need pushing.
		for _, c := range []any{r.unlocker, r.dir} {
			if rc, ok := c.(reconfigurer); ok {
				rc.Reconfigure(cfg)
			}
		}
		r.logger.Info("engine reloaded", "unlock_rules", unlock, "doorbell_rules", doorbell, "pending_from_previous", prev.Deferred().Pending())
	} else {
		r.logger.Info("engine ready", "unlock_rules", unlock, "doorbell_rules", doorbell)
	}
	return nil
}

// shutdown drops delayed unlocks that have not fired yet.
func (r *relay) shutdown() int {
	if e := r.current.Load(); e != nil {
		return e.Deferred().CancelAll()
	}
	return 0
}
