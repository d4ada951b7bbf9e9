// Package normalize turns the controller's payload shapes into model.NormalizedEvent.
//
// Three producers deliver events: the API webhook (and the socket push, which
// uses the same envelope), the legacy alarm-manager webhook, and ad hoc
// integrations that post a flat object. Detection runs in that priority order
// and stops at the first shape that matches.
package normalize

import (
	"strings"

	"doorrelay/internal/model"
)

type Shape int

const (
	ShapeNone Shape = iota
	ShapeWebhook
	ShapeAlarm
	ShapeGeneric
)

func (s Shape) String() string {
	switch s {
	case ShapeWebhook:
		return "webhook"
	case ShapeAlarm:
		return "alarm"
	case ShapeGeneric:
		return "generic"
	}
	return "none"
}

// DetectShape classifies raw without extracting anything from it.
func DetectShape(raw map[string]any) Shape {
	if raw == nil {
		return ShapeNone
	}
	if _, ok := raw["event"].(string); ok && object(raw, "data") != nil {
		return ShapeWebhook
	}
	if alarm := object(raw, "alarm"); alarm != nil {
		if _, ok := alarm["triggers"]; ok {
			return ShapeAlarm
		}
	}
	if str(raw, "type", "event_type") != "" {
		return ShapeGeneric
	}
	return ShapeNone
}

// Normalize returns false when raw matches no known shape; callers drop it.
func Normalize(raw map[string]any) (model.NormalizedEvent, bool) {
	switch DetectShape(raw) {
	case ShapeWebhook:
		return fromWebhook(raw), true
	case ShapeAlarm:
		return fromAlarm(raw), true
	case ShapeGeneric:
		return fromGeneric(raw), true
	}
	return model.NormalizedEvent{}, false
}

var eventAliases = map[string]model.EventType{
	"access.door.unlock":        model.EventDoorUnlock,
	"door.unlock":               model.EventDoorUnlock,
	"door_unlock":               model.EventDoorUnlock,
	"access.doorbell.completed": model.EventDoorbellCompleted,
	"doorbell.completed":        model.EventDoorbellCompleted,
	"doorbell_completed":        model.EventDoorbellCompleted,
	"access.remote_view.change": model.EventDoorbellCompleted,
	"access.doorbell.incoming":  model.EventDoorbellIncoming,
	"doorbell.incoming":         model.EventDoorbellIncoming,
	"doorbell_incoming":         model.EventDoorbellIncoming,
	"access.remote_view":        model.EventDoorbellIncoming,
	"access.logs.add":           model.EventLogWrapper,
	"log.wrapper":               model.EventLogWrapper,
}

func EventTypeOf(name string) model.EventType {
	if t, ok := eventAliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return t
	}
	return model.EventUnknown
}

func fromWebhook(raw map[string]any) model.NormalizedEvent {
	data := object(raw, "data")
	location := object(data, "location")
	device := object(data, "device")
	actor := object(data, "actor")
	obj := object(data, "object")

	ev := model.NormalizedEvent{
		Type:         EventTypeOf(str(raw, "event")),
		EventID:      str(raw, "event_object_id", "id"),
		Timestamp:    timestampOf(raw, "timestamp", "time"),
		LocationName: str(location, "name"),
		LocationID:   str(location, "id"),
		DeviceName:   str(device, "name", "alias"),
		DeviceType:   str(device, "device_type", "type"),
		DeviceID:     str(device, "id"),
		DeviceMAC:    str(device, "mac"),
		ActorID:      str(actor, "id"),
		ActorName:    str(actor, "name", "display_name"),
		ActorType:    str(actor, "type"),
		AuthType:     str(obj, "authentication_type"),
		PolicyID:     str(obj, "policy_id"),
		PolicyName:   str(obj, "policy_name"),
		Result:       str(obj, "result"),
		ReasonCode:   intValue(obj, "reason_code"),
		Extra:        extraMap(data, "extra"),
	}
	if ev.Extra == nil {
		ev.Extra = extraMap(obj, "extra")
	}
	// Doorbell payloads put door and viewer names on the object instead.
	if ev.LocationName == "" {
		ev.LocationName = str(obj, "door_name", "location_name")
	}
	if ev.DeviceName == "" {
		ev.DeviceName = str(obj, "device_name")
	}
	if ev.DeviceMAC == "" {
		ev.DeviceMAC = str(obj, "host_device_mac", "device_mac")
	}
	if ev.ReasonCode == 0 {
		ev.ReasonCode = intValue(data, "reason_code")
	}
	if ev.Type == model.EventLogWrapper {
		ev.Wrapped = object(data, "_source")
	}
	return ev
}

func fromAlarm(raw map[string]any) model.NormalizedEvent {
	alarm := object(raw, "alarm")
	triggers := alarmTriggers(alarm["triggers"])

	ev := model.NormalizedEvent{
		Type:      model.EventUnrecognizedAlarm,
		EventID:   str(alarm, "id"),
		Timestamp: timestampOf(raw, "timestamp"),
		Extra:     extraMap(alarm, "extra"),
	}
	for _, t := range triggers {
		if typ, ok := inferAlarmType(t.key); ok {
			ev.Type = typ
			break
		}
	}
	for _, t := range triggers {
		if t.body == nil {
			continue
		}
		if ev.LocationName == "" {
			ev.LocationName = str(t.body, "location", "door_name", "door")
		}
		if ev.ActorID == "" {
			ev.ActorID = str(t.body, "user_id", "actor_id")
			ev.ActorName = str(t.body, "user_name", "actor_name")
		}
		if ev.DeviceMAC == "" {
			ev.DeviceMAC = str(t.body, "device")
		}
		if ev.DeviceName == "" {
			ev.DeviceName = str(t.body, "device_name")
		}
	}
	if ev.LocationName == "" {
		ev.LocationName = str(alarm, "location", "door_name")
	}
	return ev
}

type alarmTrigger struct {
	key  string
	body map[string]any
}

// alarmTriggers accepts a list of {key: ...} objects or an object keyed by trigger name.
func alarmTriggers(v any) []alarmTrigger {
	if list := objects(v); len(list) > 0 {
		out := make([]alarmTrigger, 0, len(list))
		for _, obj := range list {
			out = append(out, alarmTrigger{key: str(obj, "key", "name", "type"), body: obj})
		}
		return out
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make([]alarmTrigger, 0, len(m))
	for _, k := range sortedKeys(m) {
		body, _ := m[k].(map[string]any)
		out = append(out, alarmTrigger{key: k, body: body})
	}
	return out
}

// inferAlarmType checks doorbell markers first since "doorbell" also contains "door".
func inferAlarmType(key string) (model.EventType, bool) {
	k := strings.ToLower(key)
	// "ring" only after unlock/door: "monitoring_unlock" is an unlock.
	switch {
	case strings.Contains(k, "doorbell"):
		return model.EventDoorbellIncoming, true
	case strings.Contains(k, "unlock"), strings.Contains(k, "door"):
		return model.EventDoorUnlock, true
	case strings.Contains(k, "ring"):
		return model.EventDoorbellIncoming, true
	}
	return "", false
}

func fromGeneric(raw map[string]any) model.NormalizedEvent {
	ev := model.NormalizedEvent{
		Type:       EventTypeOf(str(raw, "type", "event_type")),
		EventID:    str(raw, "event_id", "id"),
		Timestamp:  timestampOf(raw, "timestamp", "time", "ts"),
		LocationID: str(raw, "door_id", "location_id"),
		DeviceName: str(raw, "device_name", "device"),
		DeviceType: str(raw, "device_type"),
		DeviceID:   str(raw, "device_id"),
		DeviceMAC:  str(raw, "device_mac", "mac"),
		ActorID:    str(raw, "user_id", "actor_id"),
		ActorName:  str(raw, "user_name", "actor_name", "user"),
		AuthType:   str(raw, "auth_type", "authentication_type"),
		PolicyID:   str(raw, "policy_id"),
		PolicyName: str(raw, "policy_name"),
		Result:     str(raw, "result"),
		ReasonCode: intValue(raw, "reason_code"),
		Extra:      extraMap(raw, "extra"),
	}
	if loc := object(raw, "location"); loc != nil {
		ev.LocationName = str(loc, "name")
	} else {
		ev.LocationName = str(raw, "location", "location_name", "door_name", "door")
	}
	return ev
}
