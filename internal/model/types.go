package model

import "time"

// EventType tags a NormalizedEvent. Values mirror the controller's own event names.
type EventType string

const (
	EventDoorUnlock        EventType = "access.door.unlock"
	EventDoorbellCompleted EventType = "access.doorbell.completed"
	EventDoorbellIncoming  EventType = "access.doorbell.incoming"
	EventLogWrapper        EventType = "access.logs.add"
	EventUnrecognizedAlarm EventType = "alarm.unrecognized"
	EventUnknown           EventType = "unknown"
)

type NormalizedEvent struct {
	Type         EventType      `json:"type"`
	EventID      string         `json:"event_id,omitempty"`
	Timestamp    time.Time      `json:"timestamp,omitempty"`
	LocationName string         `json:"location_name,omitempty"`
	LocationID   string         `json:"location_id,omitempty"`
	DeviceName   string         `json:"device_name,omitempty"`
	DeviceType   string         `json:"device_type,omitempty"`
	DeviceID     string         `json:"device_id,omitempty"`
	DeviceMAC    string         `json:"device_mac,omitempty"`
	ActorID      string         `json:"actor_id,omitempty"`
	ActorName    string         `json:"actor_name,omitempty"`
	ActorType    string         `json:"actor_type,omitempty"`
	AuthType     string         `json:"auth_type,omitempty"`
	PolicyID     string         `json:"policy_id,omitempty"`
	PolicyName   string         `json:"policy_name,omitempty"`
	Result       string         `json:"result,omitempty"`
	ReasonCode   int            `json:"reason_code,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
	Source       string         `json:"source,omitempty"`

	// Wrapped holds the nested `_source` object of a log wrapper event.
	Wrapped map[string]any `json:"-"`
}

// RuleEntry is one normalized (group, trigger) -> doors rule.
type RuleEntry struct {
	Group   string        `json:"group"`
	Trigger string        `json:"trigger"`
	Unlock  []string      `json:"unlock"`
	Delay   time.Duration `json:"delay,omitempty"`
}

// ResolvedGroup is the resolver's verdict. An empty Group means no group was found.
type ResolvedGroup struct {
	Group    string `json:"group,omitempty"`
	Strategy string `json:"strategy,omitempty"`
	UserName string `json:"user_name,omitempty"`
}

func (r ResolvedGroup) Found() bool {
	return r.Group != ""
}

type EventSummary struct {
	Time     time.Time `json:"time"`
	Type     EventType `json:"type"`
	Location string    `json:"location,omitempty"`
	Actor    string    `json:"actor,omitempty"`
}

type UnlockSummary struct {
	Time   time.Time `json:"time"`
	Door   string    `json:"door"`
	Reason string    `json:"reason"`
}

type EngineStats struct {
	StartedAt             time.Time      `json:"started_at"`
	EventsReceived        uint64         `json:"events_received"`
	EventsProcessed       uint64         `json:"events_processed"`
	EventsSkippedSelf     uint64         `json:"events_skipped_self"`
	EventsSkippedLocation uint64         `json:"events_skipped_location"`
	EventsSkippedNoAction uint64         `json:"events_skipped_no_action"`
	UnlocksTriggered      uint64         `json:"unlocks_triggered"`
	UnlocksFailed         uint64         `json:"unlocks_failed"`
	DoorbellEvents        uint64         `json:"doorbell_events"`
	PendingDelayed        int            `json:"pending_delayed"`
	LastEvent             *EventSummary  `json:"last_event,omitempty"`
	LastUnlock            *UnlockSummary `json:"last_unlock,omitempty"`
}

type Outcome string

const (
	OutcomeUnlocked         Outcome = "unlocked"
	OutcomePartial          Outcome = "partial"
	OutcomeFailed           Outcome = "failed"
	OutcomeScheduled        Outcome = "scheduled"
	OutcomeNoAction         Outcome = "no_action"
	OutcomeSkippedSelf      Outcome = "skipped_self"
	OutcomeSkippedLocation  Outcome = "skipped_location"
	OutcomeDoorbellDeclined Outcome = "doorbell_declined"
	OutcomeDoorbellIncoming Outcome = "doorbell_incoming"
	OutcomeUnhandled        Outcome = "unhandled"
)

// ProcessedEvent describes one handled event for display and broadcast.
type ProcessedEvent struct {
	ID         string          `json:"id"`
	ReceivedAt time.Time       `json:"received_at"`
	Type       EventType       `json:"type"`
	Source     string          `json:"source,omitempty"`
	Location   string          `json:"location,omitempty"`
	Actor      string          `json:"actor,omitempty"`
	Device     string          `json:"device,omitempty"`
	Group      string          `json:"group,omitempty"`
	Strategy   string          `json:"strategy,omitempty"`
	ReasonCode int             `json:"reason_code,omitempty"`
	Outcome    Outcome         `json:"outcome"`
	Doors      []string        `json:"doors,omitempty"`
	Results    []UnlockOutcome `json:"results,omitempty"`
	Note       string          `json:"note,omitempty"`
}

// UnlockOutcome mirrors the door-control result for one door.
type UnlockOutcome struct {
	Door    string `json:"door"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Door, User and Group are the controller directory records.
type Door struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	FullName string `json:"full_name,omitempty"`
	Floor    string `json:"floor_id,omitempty"`
	Type     string `json:"type,omitempty"`
}

type User struct {
	ID          string `json:"id"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	FullName    string `json:"full_name,omitempty"`
	Email       string `json:"user_email,omitempty"`
	Status      string `json:"status,omitempty"`
	EmployeeNum string `json:"employee_number,omitempty"`
}

// DisplayName prefers the controller's full name and falls back to first/last.
func (u User) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	}
	return u.LastName
}

type Group struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	FullName string `json:"full_name,omitempty"`
	UpID     string `json:"up_id,omitempty"`
}

// DirectorySnapshot is the persisted form of the controller directory.
// Memberships maps a user id to its logical group.
type DirectorySnapshot struct {
	Doors       []Door            `json:"doors"`
	Users       []User            `json:"users"`
	Memberships map[string]string `json:"memberships"`
	RefreshedAt time.Time         `json:"refreshed_at"`
}
