package types

import (
	"fmt"
	"time"
)

type EventType int

const (
	CallReceived EventType = iota
	Dispatched
	MovingStarted
	Arrived
	DoorsOpened
	DoorsClosed
	TripCompleted
	TripFailed
	NoIdleElevator
	MaintenanceEntered
	MaintenanceExited
	EmergencyEntered
	EmergencyExited
)

var eventTypeNames = [...]string{
	"CALL_RECEIVED",
	"DISPATCHED",
	"MOVING_STARTED",
	"ARRIVED",
	"DOORS_OPENED",
	"DOORS_CLOSED",
	"TRIP_COMPLETED",
	"TRIP_FAILED",
	"NO_IDLE_ELEVATOR",
	"MAINTENANCE_ENTERED",
	"MAINTENANCE_EXITED",
	"EMERGENCY_ENTERED",
	"EMERGENCY_EXITED",
}

func (t EventType) String() string {
	if t < 0 || int(t) >= len(eventTypeNames) {
		return fmt.Sprintf("EventType(%d)", int(t))
	}
	return eventTypeNames[t]
}

func (t EventType) MarshalText() ([]byte, error) {
	if t < 0 || int(t) >= len(eventTypeNames) {
		return nil, fmt.Errorf("unknown event type %d", int(t))
	}
	return []byte(eventTypeNames[t]), nil
}

func (t *EventType) UnmarshalText(text []byte) error {
	parsed, err := ParseEventType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseEventType maps an upper-case event name back to its EventType.
func ParseEventType(name string) (EventType, error) {
	for i, n := range eventTypeNames {
		if n == name {
			return EventType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown event type %q", name)
}

// EventTypes lists every event type in declaration order.
func EventTypes() []EventType {
	all := make([]EventType, len(eventTypeNames))
	for i := range all {
		all[i] = EventType(i)
	}
	return all
}

// LogEvent is one entry of the audit trail. ElevatorID is 0 for fleet-level events.
type LogEvent struct {
	Seq        uint64    `json:"seq"`
	ElevatorID int       `json:"elevator_id"`
	Type       EventType `json:"event_type"`
	Details    string    `json:"details"`
	Timestamp  time.Time `json:"timestamp"`
}
