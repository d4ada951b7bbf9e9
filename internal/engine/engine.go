package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"doorrelay/internal/config"
	"doorrelay/internal/model"
	"doorrelay/internal/normalize"
	"doorrelay/internal/resolver"
	"doorrelay/internal/rules"
)

// Unlocker is the door-control capability. Implementations report failures in
// the returned outcome instead of an error.
type Unlocker interface {
	UnlockByName(ctx context.Context, door, reason string) model.UnlockOutcome
}

// Observer is told about every handled event. Calls are synchronous, so an
// observer must not block.
type Observer interface {
	OnProcessed(ev model.ProcessedEvent)
}

type ObserverFunc func(ev model.ProcessedEvent)

func (f ObserverFunc) OnProcessed(ev model.ProcessedEvent) { f(ev) }

// StrategyViewer names the doorbell fallback that maps a viewer device to a group.
const StrategyViewer = "viewer_device"

// Engine is built once per configuration. A reload builds a new Engine with
// fresh tables and zeroed statistics.
type Engine struct {
	cfg          *config.Config
	logger       *slog.Logger
	unlocker     Unlocker
	resolver     *resolver.Resolver
	unlockRules  *rules.Table
	doorbellRule *rules.Table
	viewers      map[string]string
	observers    []Observer
	deferred     *Deferred
	timeout      time.Duration
	stats        *stats
	now          func() time.Time
}

func NewEngine(cfg *config.Config, logger *slog.Logger, unlocker Unlocker, dir resolver.Directory, observers ...Observer) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if unlocker == nil {
		return nil, errors.New("engine requires an unlocker")
	}
	res, err := resolver.New(cfg.Resolver, dir)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	viewers := make(map[string]string, len(cfg.Doorbell.ViewerGroups))
	for device, group := range cfg.Doorbell.ViewerGroups {
		if k := foldKey(device); k != "" && strings.TrimSpace(group) != "" {
			viewers[k] = strings.TrimSpace(group)
		}
	}
	e := &Engine{
		cfg:          cfg,
		logger:       logger,
		unlocker:     unlocker,
		resolver:     res,
		unlockRules:  rules.New(cfg.UnlockRules),
		doorbellRule: rules.New(cfg.DoorbellRules),
		viewers:      viewers,
		observers:    observers,
		deferred:     NewDeferred(),
		timeout:      cfg.UniFi.Timeout,
		now:          func() time.Time { return time.Now().UTC() },
	}
	e.stats = &stats{startedAt: e.now()}
	return e, nil
}

func (e *Engine) Config() *config.Config { return e.cfg }

func (e *Engine) Deferred() *Deferred { return e.deferred }

func (e *Engine) UnlockRules() *rules.Table { return e.unlockRules }

func (e *Engine) DoorbellRules() *rules.Table { return e.doorbellRule }

func (e *Engine) Stats() model.EngineStats {
	s := e.stats.snapshot()
	s.PendingDelayed = e.deferred.Pending()
	return s
}

// HandleEvent is the entry point for every transport. It returns an error
// only for failures outside the per-door guards.
func (e *Engine) HandleEvent(ctx context.Context, source string, raw map[string]any) error {
	_, err := e.handle(ctx, source, raw)
	return err
}

func (e *Engine) handle(ctx context.Context, source string, raw map[string]any) (model.ProcessedEvent, error) {
	e.stats.received.Add(1)
	ev, ok := normalize.Normalize(raw)
	if !ok {
		e.logger.Debug("ignoring unrecognized payload", "source", source, "shape", normalize.DetectShape(raw).String())
		return model.ProcessedEvent{}, nil
	}
	ev.Source = source
	return e.dispatch(ctx, ev)
}

func (e *Engine) dispatch(ctx context.Context, ev model.NormalizedEvent) (model.ProcessedEvent, error) {
	switch ev.Type {
	case model.EventDoorUnlock:
		e.stats.recordEvent(ev, e.now())
		return e.handleDoorUnlock(ctx, ev), nil
	case model.EventDoorbellCompleted:
		e.stats.recordEvent(ev, e.now())
		return e.handleDoorbellCompleted(ctx, ev), nil
	case model.EventDoorbellIncoming:
		e.stats.recordEvent(ev, e.now())
		e.stats.doorbellEvents.Add(1)
		e.stats.processed.Add(1)
		e.logger.Info("doorbell ringing", "location", ev.LocationName, "device", ev.DeviceName)
		return e.notify(e.processed(ev, model.OutcomeDoorbellIncoming)), nil
	case model.EventLogWrapper:
		inner, ok := normalize.UnwrapLog(ev)
		if ok && inner.Type != model.EventLogWrapper {
			return e.dispatch(ctx, inner)
		}
	}
	e.logger.Debug("unhandled event type", "type", ev.Type, "source", ev.Source)
	return e.notify(e.processed(ev, model.OutcomeUnhandled)), nil
}

func (e *Engine) handleDoorUnlock(ctx context.Context, ev model.NormalizedEvent) model.ProcessedEvent {
	if IsSelfTriggered(ev.Extra, e.cfg.SelfTrigger.MarkerKey, e.cfg.SelfTrigger.MarkerValue) {
		e.stats.skippedSelf.Add(1)
		e.logger.Info("skipping self-triggered unlock", "location", ev.LocationName, "event_id", ev.EventID)
		return e.notify(e.processed(ev, model.OutcomeSkippedSelf))
	}
	if strings.TrimSpace(ev.LocationName) == "" {
		e.stats.skippedLoc.Add(1)
		e.logger.Info("skipping unlock without location", "actor_id", ev.ActorID, "event_id", ev.EventID)
		return e.notify(e.processed(ev, model.OutcomeSkippedLocation))
	}
	e.stats.processed.Add(1)

	resolved := e.resolver.Resolve(ev.ActorID, resolver.PolicyContext{PolicyID: ev.PolicyID, PolicyName: ev.PolicyName})
	action := e.unlockRules.Lookup(resolved.Group, ev.LocationName)
	out := e.processed(ev, model.OutcomeNoAction)
	out.Group = resolved.Group
	out.Strategy = resolved.Strategy
	if resolved.UserName != "" {
		out.Actor = resolved.UserName
	}
	reason := fmt.Sprintf("%s badged at %s", firstNonEmpty(out.Actor, ev.ActorID, "unknown user"), ev.LocationName)
	return e.act(ctx, out, action, reason)
}

func (e *Engine) handleDoorbellCompleted(ctx context.Context, ev model.NormalizedEvent) model.ProcessedEvent {
	e.stats.doorbellEvents.Add(1)
	e.stats.processed.Add(1)
	trigger := e.cfg.Doorbell.TriggerReasonCode
	if ev.ReasonCode != trigger {
		e.logger.Info("doorbell completed without unlock",
			"location", ev.LocationName,
			"reason_code", ev.ReasonCode,
			"reason", normalize.ReasonDescription(ev.ReasonCode),
		)
		out := e.processed(ev, model.OutcomeDoorbellDeclined)
		out.Note = normalize.ReasonDescription(ev.ReasonCode)
		return e.notify(out)
	}

	var resolved model.ResolvedGroup
	if ev.ActorID != "" {
		resolved = e.resolver.Resolve(ev.ActorID, resolver.PolicyContext{PolicyID: ev.PolicyID, PolicyName: ev.PolicyName})
	}
	if !resolved.Found() {
		if g, ok := e.viewers[foldKey(ev.DeviceName)]; ok {
			resolved.Group = g
			resolved.Strategy = StrategyViewer
		}
	}
	if !resolved.Found() {
		e.logger.Warn("doorbell answered by unmapped viewer",
			"device", ev.DeviceName,
			"device_mac", ev.DeviceMAC,
			"device_id", ev.DeviceID,
			"location", ev.LocationName,
		)
	}
	out := e.processed(ev, model.OutcomeNoAction)
	out.Group = resolved.Group
	out.Strategy = resolved.Strategy
	if resolved.UserName != "" {
		out.Actor = resolved.UserName
	}
	action := e.doorbellRule.Lookup(resolved.Group, ev.LocationName)
	reason := fmt.Sprintf("doorbell at %s answered by %s", ev.LocationName, firstNonEmpty(out.Actor, ev.DeviceName, "unknown viewer"))
	return e.act(ctx, out, action, reason)
}

// act dispatches or schedules the doors chosen by a rule lookup.
func (e *Engine) act(ctx context.Context, out model.ProcessedEvent, action rules.Action, reason string) model.ProcessedEvent {
	if action.Empty() {
		e.stats.skippedNoOp.Add(1)
		e.logger.Info("no unlock rule matched", "group", out.Group, "location", out.Location, "actor", out.Actor)
		return e.notify(out)
	}
	out.Doors = action.Doors
	if action.Default {
		out.Note = "default action"
	}
	if action.Delay > 0 {
		out.Outcome = model.OutcomeScheduled
		// The delayed dispatch outlives the request that triggered it.
		base := context.WithoutCancel(ctx)
		scheduled := out
		key := e.deferred.Schedule(out.ID, action.Delay, func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("delayed unlock panicked", "event_id", scheduled.ID, "panic", r)
				}
			}()
			done := scheduled
			done.Results = e.ExecuteUnlocks(base, done.Doors, reason)
			done.Outcome = outcomeOf(done.Results)
			done.Note = "delayed " + action.Delay.String()
			e.notify(done)
		})
		e.logger.Info("unlock scheduled", "doors", action.Doors, "delay", action.Delay, "task", key, "reason", reason)
		return e.notify(out)
	}
	out.Results = e.ExecuteUnlocks(ctx, action.Doors, reason)
	out.Outcome = outcomeOf(out.Results)
	return e.notify(out)
}

// ExecuteUnlocks unlocks every door concurrently and waits for all of them.
// Each door's outcome is recorded on its own; one failure never stops another.
func (e *Engine) ExecuteUnlocks(ctx context.Context, doors []string, reason string) []model.UnlockOutcome {
	results := make([]model.UnlockOutcome, len(doors))
	var g errgroup.Group
	for i, door := range doors {
		g.Go(func() error {
			results[i] = e.unlockOne(ctx, door, reason)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r.Success {
			e.stats.recordUnlock(r.Door, reason, e.now())
			e.logger.Info("door unlocked", "door", r.Door, "reason", reason)
			continue
		}
		e.stats.unlocksFailed.Add(1)
		e.logger.Warn("door unlock failed", "door", r.Door, "reason", reason, "error", r.Error)
	}
	return results
}

func (e *Engine) unlockOne(ctx context.Context, door, reason string) (res model.UnlockOutcome) {
	defer func() {
		if r := recover(); r != nil {
			res = model.UnlockOutcome{Door: door, Error: fmt.Sprintf("unlock panicked: %v", r)}
		}
	}()
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	res = e.unlocker.UnlockByName(ctx, door, reason)
	if res.Door == "" {
		res.Door = door
	}
	if !res.Success && res.Error == "" {
		res.Error = "unlock reported failure"
	}
	return res
}

func outcomeOf(results []model.UnlockOutcome) model.Outcome {
	ok := 0
	for _, r := range results {
		if r.Success {
			ok++
		}
	}
	switch {
	case ok == len(results):
		return model.OutcomeUnlocked
	case ok == 0:
		return model.OutcomeFailed
	}
	return model.OutcomePartial
}

func (e *Engine) processed(ev model.NormalizedEvent, outcome model.Outcome) model.ProcessedEvent {
	return model.ProcessedEvent{
		ID:         uuid.NewString(),
		ReceivedAt: e.now(),
		Type:       ev.Type,
		Source:     ev.Source,
		Location:   ev.LocationName,
		Actor:      firstNonEmpty(ev.ActorName, ev.ActorID),
		Device:     ev.DeviceName,
		ReasonCode: ev.ReasonCode,
		Outcome:    outcome,
	}
}

func (e *Engine) notify(pe model.ProcessedEvent) model.ProcessedEvent {
	for _, o := range e.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("observer panicked", "event_id", pe.ID, "panic", r)
				}
			}()
			o.OnProcessed(pe)
		}()
	}
	return pe
}

func foldKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
