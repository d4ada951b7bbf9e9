package normalize

import (
	"sort"
	"strings"

	"doorrelay/internal/model"
)

// UnwrapLog re-derives the event carried inside a socket-push log wrapper.
// The nested `_source` object lists doors and readers in a typed `target` array
// and names the actor with display_name.
func UnwrapLog(ev model.NormalizedEvent) (model.NormalizedEvent, bool) {
	if ev.Type != model.EventLogWrapper || ev.Wrapped == nil {
		return model.NormalizedEvent{}, false
	}
	src := ev.Wrapped
	inner := object(src, "event")
	actor := object(src, "actor")
	auth := object(src, "authentication")
	targets := objects(src["target"])

	out := model.NormalizedEvent{
		Type:       EventTypeOf(str(inner, "type")),
		EventID:    str(inner, "log_key", "id"),
		Timestamp:  timestampOf(inner, "published"),
		ActorID:    str(actor, "id"),
		ActorName:  str(actor, "display_name", "name"),
		ActorType:  str(actor, "type"),
		AuthType:   str(auth, "credential_provider"),
		PolicyID:   str(auth, "policy_id"),
		PolicyName: str(auth, "policy_name"),
		Result:     str(inner, "result"),
		ReasonCode: intValue(inner, "reason_code"),
		Extra:      extraMap(src, "extra"),
		Source:     ev.Source,
	}
	if out.EventID == "" {
		out.EventID = ev.EventID
	}
	if out.Extra == nil {
		out.Extra = extraMap(inner, "extra")
	}
	if door := firstTarget(targets, func(typ string) bool { return typ == "door" }); door != nil {
		out.LocationName = str(door, "display_name", "name")
		out.LocationID = str(door, "id")
	}
	device := firstTarget(targets, func(typ string) bool {
		return typ != "door" && typ != "device_config" && typ != ""
	})
	if device != nil {
		out.DeviceName = str(device, "display_name", "name")
		out.DeviceType = str(device, "type")
		out.DeviceID = str(device, "id")
	}
	return out, true
}

func firstTarget(targets []map[string]any, match func(typ string) bool) map[string]any {
	for _, t := range targets {
		if match(strings.ToLower(str(t, "type"))) {
			return t
		}
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
