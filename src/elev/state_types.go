// State types are defined in elev package to make method receivers possible in elev_state.go.
package elev

import (
	"sync"
	"time"

	"liftdispatch/src/types"
)

// ElevState represents the physical state of one elevator.
type ElevState struct {
	ID             int             `json:"id"`
	Floor          int             `json:"current_floor"`
	State          types.State     `json:"state"`
	Dir            types.Direction `json:"direction"`
	Destination    *int            `json:"destination_floor"`
	TripsCompleted int             `json:"trips_completed"`
	// LastUpdated is stamped by the state manager after every transition.
	LastUpdated time.Time `json:"last_updated" copy:"-"`
}

// ElevStateCmd is an operation executed by the state manager goroutine.
type ElevStateCmd struct {
	Exec func(elevator *ElevState)
}

// ElevStateMgr owns the elevator and serializes its access.
type ElevStateMgr struct {
	id       int
	now      func() time.Time
	cmds     chan ElevStateCmd
	done     chan struct{}
	stopOnce sync.Once
}
