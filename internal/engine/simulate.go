package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"doorrelay/internal/model"
	"doorrelay/internal/normalize"
)

// SourceSimulate tags events injected through Simulate.
const SourceSimulate = "simulate"

var ErrUnknownEventType = errors.New("unknown simulated event type")

// SimulatedEvent is the minimal description accepted by Simulate.
type SimulatedEvent struct {
	EventType  string         `json:"event_type"`
	Location   string         `json:"location"`
	ActorID    string         `json:"actor_id,omitempty"`
	ActorName  string         `json:"actor_name,omitempty"`
	ReasonCode int            `json:"reason_code,omitempty"`
	DeviceName string         `json:"device_name,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// Payload renders the event in the direct webhook shape, so it goes through
// the same normalizer as live traffic.
func (s SimulatedEvent) Payload() map[string]any {
	name := strings.TrimSpace(s.EventType)
	if name == "" {
		name = string(model.EventDoorUnlock)
	}
	data := map[string]any{
		"location": map[string]any{"name": s.Location},
		"device":   map[string]any{"name": s.DeviceName},
		"actor":    map[string]any{"id": s.ActorID, "name": s.ActorName},
	}
	object := map[string]any{}
	if s.ReasonCode != 0 {
		object["reason_code"] = s.ReasonCode
	}
	if len(s.Extra) > 0 {
		object["extra"] = s.Extra
	}
	data["object"] = object
	return map[string]any{"event": name, "data": data}
}

// Simulate runs a synthetic event through HandleEvent's path and returns what
// the engine decided.
func (e *Engine) Simulate(ctx context.Context, sim SimulatedEvent) (model.ProcessedEvent, error) {
	if name := strings.TrimSpace(sim.EventType); name != "" && normalize.EventTypeOf(name) == model.EventUnknown {
		return model.ProcessedEvent{}, fmt.Errorf("%w: %q", ErrUnknownEventType, name)
	}
	return e.handle(ctx, SourceSimulate, sim.Payload())
}
