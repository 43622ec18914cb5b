package model

import (
	"encoding/json"
	"fmt"
)

// Status is the lifecycle state of a campaign.
type Status uint8

const (
	StatusDraft Status = iota
	StatusScheduled
	StatusActive
	StatusPaused
	StatusCompleted
	StatusCancelled

	statusCount
)

var statusNames = [statusCount]string{
	StatusDraft:     "draft",
	StatusScheduled: "scheduled",
	StatusActive:    "active",
	StatusPaused:    "paused",
	StatusCompleted: "completed",
	StatusCancelled: "cancelled",
}

func (s Status) String() string {
	if s >= statusCount {
		return fmt.Sprintf("status(%d)", uint8(s))
	}
	return statusNames[s]
}

// Valid reports whether s is one of the declared statuses.
func (s Status) Valid() bool {
	return s < statusCount
}

// Terminal reports whether no further transitions are accepted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Editable reports whether content and audience may still change.
func (s Status) Editable() bool {
	return s == StatusDraft || s == StatusScheduled
}

// ParseStatus converts the stored/wire name back to a Status.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown campaign status %q", name)
}

// AllStatuses lists every declared status in order.
func AllStatuses() []Status {
	out := make([]Status, 0, statusCount)
	for s := Status(0); s < statusCount; s++ {
		out = append(out, s)
	}
	return out
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	parsed, err := ParseStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Event is a request to move a campaign between statuses.
type Event uint8

const (
	EventSchedule Event = iota
	EventRun
	EventPause
	EventComplete
	EventCancel

	eventCount
)

var eventNames = [eventCount]string{
	EventSchedule: "schedule",
	EventRun:      "run",
	EventPause:    "pause",
	EventComplete: "complete",
	EventCancel:   "cancel",
}

func (e Event) String() string {
	if e >= eventCount {
		return fmt.Sprintf("event(%d)", uint8(e))
	}
	return eventNames[e]
}

// transitions is indexed by the current status. A zero-length row means the
// status is terminal. The array is sized by statusCount so a new status
// cannot be declared without a row here.
var transitions = [statusCount]map[Event]Status{
	StatusDraft: {
		EventSchedule: StatusScheduled,
		EventRun:      StatusActive,
		EventCancel:   StatusCancelled,
	},
	StatusScheduled: {
		EventRun:    StatusActive,
		EventCancel: StatusCancelled,
	},
	StatusActive: {
		EventPause:    StatusPaused,
		EventComplete: StatusCompleted,
		EventCancel:   StatusCancelled,
	},
	StatusPaused: {
		EventRun:    StatusActive,
		EventCancel: StatusCancelled,
	},
	StatusCompleted: {},
	StatusCancelled: {},
}

// Next returns the status reached by applying e to s. A rejected event
// returns s unchanged and false.
func (s Status) Next(e Event) (Status, bool) {
	if !s.Valid() {
		return s, false
	}
	next, ok := transitions[s][e]
	if !ok {
		return s, false
	}
	return next, true
}
