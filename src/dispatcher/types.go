package dispatcher

import (
	"errors"
	"time"

	"liftdispatch/src/elev"
)

var (
	ErrInvalidFloor        = errors.New("invalid floor")
	ErrNoIdleElevator      = errors.New("no idle elevator available")
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different request")
	ErrShuttingDown        = errors.New("dispatcher is shutting down")
	ErrUnknownElevator     = errors.New("unknown elevator")
	ErrElevatorBusy        = elev.ErrNotIdle
	ErrInvalidMode         = elev.ErrNotInMode
)

// Assignment is the result of an accepted call. Replayed is set when the result came from the
// idempotency cache instead of a new dispatch.
type Assignment struct {
	TaskID     string
	ElevatorID int
	ETA        time.Duration
	Replayed   bool
}

type Metrics struct {
	TotalCalls            uint64 `json:"total_calls"`
	SuccessfulAssignments uint64 `json:"successful_assignments"`
	FailedAssignments     uint64 `json:"failed_assignments"`
	CompletedTrips        uint64 `json:"completed_trips"`
	FailedTrips           uint64 `json:"failed_trips"`
	EventsDropped         uint64 `json:"events_dropped"`
	SinkFailures          uint64 `json:"sink_failures"`
	IdempotencyEntries    int    `json:"idempotency_entries"`
}

type SystemStatus struct {
	Elevators   []elev.ElevState `json:"elevators"`
	ActiveTasks int              `json:"active_tasks"`
	Metrics     Metrics          `json:"metrics"`
	Timestamp   time.Time        `json:"timestamp"`
}
