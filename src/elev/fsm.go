// Contains finite state machine transitions for a single elevator trip.
package elev

import (
	"errors"
	"fmt"

	"liftdispatch/src/types"
)

var (
	ErrNotIdle   = errors.New("elevator is not idle")
	ErrNotInMode = errors.New("elevator is not in that mode")
	ErrStopped   = errors.New("elevator state manager stopped")
)

// ModeChange requests entering (On) or leaving an administrative mode.
type ModeChange struct {
	Mode types.State
	On   bool
}

// Reserve takes an idle elevator out of the candidate pool and puts it in the first phase of a
// from->to trip. If the elevator is already at the pickup floor, the pickup leg is skipped and the
// doors open immediately. The door cycle at the pickup floor still runs in that case, so every
// trip spends 4 door times. Returns false if the elevator is not idle.
func Reserve(elevator *ElevState, from, to int) bool {
	if elevator.State != types.Idle {
		return false
	}
	if elevator.Floor == from {
		elevator.State = types.DoorsOpen
		elevator.Dir = types.DirectionOf(from, to)
	} else {
		elevator.State = types.Moving
		elevator.Dir = types.DirectionOf(elevator.Floor, from)
	}
	elevator.Destination = &from
	return true
}

// Arrive sets the floor to the destination and opens the doors. dir is the direction the car
// will leave in (or arrived in, at the last stop).
func Arrive(elevator *ElevState, dir types.Direction) {
	if elevator.Destination != nil {
		elevator.Floor = *elevator.Destination
	}
	elevator.State = types.DoorsOpen
	elevator.Dir = dir
}

// StartLeg closes out a stop and starts moving towards floor.
func StartLeg(elevator *ElevState, floor int) {
	elevator.State = types.Moving
	elevator.Dir = types.DirectionOf(elevator.Floor, floor)
	elevator.Destination = &floor
}

// Finish returns the elevator to the candidate pool after a completed trip.
func Finish(elevator *ElevState) {
	toIdle(elevator)
	elevator.TripsCompleted++
}

// Abort leaves the elevator idle at the last floor it reached.
func Abort(elevator *ElevState) {
	toIdle(elevator)
}

func toIdle(elevator *ElevState) {
	elevator.State = types.Idle
	elevator.Dir = types.DirNone
	elevator.Destination = nil
}

// ApplyMode enters or leaves maintenance/emergency. Entering requires an idle elevator so no
// trip is ever interrupted.
func ApplyMode(elevator *ElevState, change ModeChange) error {
	if change.Mode != types.Maintenance && change.Mode != types.Emergency {
		return fmt.Errorf("%v is not an administrative mode", change.Mode)
	}
	if change.On {
		if elevator.State != types.Idle {
			return fmt.Errorf("%w: elevator %d is %v", ErrNotIdle, elevator.ID, elevator.State)
		}
		elevator.State = change.Mode
		return nil
	}
	if elevator.State != change.Mode {
		return fmt.Errorf("%w: elevator %d is %v", ErrNotInMode, elevator.ID, elevator.State)
	}
	elevator.State = types.Idle
	return nil
}

// CheckInvariants reports a violation of the destination/direction rules for the current state.
func CheckInvariants(elevator ElevState) error {
	switch elevator.State {
	case types.Moving, types.DoorsOpen:
		if elevator.Destination == nil {
			return fmt.Errorf("elevator %d: %v without destination", elevator.ID, elevator.State)
		}
		if elevator.Dir == types.DirNone {
			return fmt.Errorf("elevator %d: %v without direction", elevator.ID, elevator.State)
		}
	default:
		if elevator.Destination != nil {
			return fmt.Errorf("elevator %d: %v with destination %d", elevator.ID, elevator.State, *elevator.Destination)
		}
		if elevator.Dir != types.DirNone {
			return fmt.Errorf("elevator %d: %v with direction %v", elevator.ID, elevator.State, elevator.Dir)
		}
	}
	return nil
}
