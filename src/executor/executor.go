// Package executor simulates an elevator carrying out a single trip over wall-clock time.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"liftdispatch/src/elev"
	"liftdispatch/src/timer"
	"liftdispatch/src/types"
	"liftdispatch/src/utils"
)

type Timing struct {
	FloorMoveTime time.Duration
	DoorTime      time.Duration
}

// TravelTime is the time to move between two floors.
func (t Timing) TravelTime(from, to int) time.Duration {
	return time.Duration(utils.Abs(to-from)) * t.FloorMoveTime
}

// TripDuration is the total duration of a trip for an elevator starting at floor.
func (t Timing) TripDuration(floor, from, to int) time.Duration {
	return t.TravelTime(floor, from) + t.TravelTime(from, to) + 4*t.DoorTime
}

// Trip is one accepted call bound to an elevator.
type Trip struct {
	TaskID string
	From   int
	To     int
}

// EventRecorder must not block; the simulation clock never waits for it.
type EventRecorder interface {
	Record(elevatorID int, eventType types.EventType, details string) types.LogEvent
}

// EndFunc is called with the outcome of a trip while the elevator is still bound to it, on the
// elevator's state manager goroutine. It must not call back into the state manager.
type EndFunc func(err error)

// Simulator advances one reserved elevator through a trip.
type Simulator struct {
	mgr    *elev.ElevStateMgr
	trip   Trip
	timing Timing
	rec    EventRecorder
	onEnd  EndFunc
}

// NewSimulator binds a trip to a reserved elevator. onEnd may be nil.
func NewSimulator(mgr *elev.ElevStateMgr, trip Trip, timing Timing, rec EventRecorder, onEnd EndFunc) *Simulator {
	if onEnd == nil {
		onEnd = func(error) {}
	}
	return &Simulator{mgr: mgr, trip: trip, timing: timing, rec: rec, onEnd: onEnd}
}

func (s *Simulator) record(eventType types.EventType, details string) {
	s.rec.Record(s.mgr.ID(), eventType, details)
}

// Run executes the trip. The elevator must already be reserved for it. Every event is recorded
// inside the state update that makes the transition, and onEnd runs before the elevator is
// released. If ctx is cancelled the elevator is left idle at the last floor it reached and the
// error wraps ctx.Err().
//
// Pickup leg (skipped when the elevator is already at From):
//   - MOVING toward From, ARRIVED, door cycle
//
// Service leg:
//   - MOVING toward To, ARRIVED, door cycle, back to IDLE
func (s *Simulator) Run(ctx context.Context) error {
	start := s.mgr.GetState()
	tripDir := types.DirectionOf(s.trip.From, s.trip.To)
	slog.Debug("Trip started", "elevator", start.ID, "task", s.trip.TaskID, "floor", start.Floor,
		"from", s.trip.From, "to", s.trip.To)

	if start.Floor != s.trip.From {
		err := s.move(ctx, start.Floor, s.trip.From, tripDir, "pickup", nil)
		if err != nil {
			return s.abort(err)
		}
	}
	if err := doorCycle(ctx, s, s.trip.From); err != nil {
		return s.abort(err)
	}

	startLeg := func(elevator *elev.ElevState) { elev.StartLeg(elevator, s.trip.To) }
	if err := s.move(ctx, s.trip.From, s.trip.To, tripDir, "drop-off", startLeg); err != nil {
		return s.abort(err)
	}
	if err := doorCycle(ctx, s, s.trip.To); err != nil {
		return s.abort(err)
	}

	finished := s.mgr.Update(func(elevator *elev.ElevState) {
		s.record(types.TripCompleted, fmt.Sprintf("task %s: %d -> %d", s.trip.TaskID, s.trip.From, s.trip.To))
		s.onEnd(nil)
		elev.Finish(elevator)
	})
	if !finished {
		return s.abort(elev.ErrStopped)
	}
	slog.Info("Trip completed", "elevator", s.mgr.ID(), "task", s.trip.TaskID, "floor", s.trip.To)
	return nil
}

// move simulates the travel to floor `to`; on arrival the doors open facing dir. begin, if set, is
// the transition that starts the leg.
func (s *Simulator) move(ctx context.Context, from, to int, dir types.Direction, leg string, begin func(*elev.ElevState)) error {
	s.mgr.Update(func(elevator *elev.ElevState) {
		if begin != nil {
			begin(elevator)
		}
		s.record(types.MovingStarted, fmt.Sprintf("%s leg: floor %d -> %d", leg, from, to))
	})
	if err := timer.Wait(ctx, s.timing.TravelTime(from, to)); err != nil {
		return err
	}
	s.mgr.Update(func(elevator *elev.ElevState) {
		elev.Arrive(elevator, dir)
		s.record(types.Arrived, fmt.Sprintf("arrived at floor %d", to))
	})
	return nil
}

func (s *Simulator) abort(cause error) error {
	var err error
	aborted := s.mgr.Update(func(elevator *elev.ElevState) {
		err = fmt.Errorf("trip %s aborted at floor %d: %w", s.trip.TaskID, elevator.Floor, cause)
		s.onEnd(err)
		elev.Abort(elevator)
	})
	if !aborted {
		err = fmt.Errorf("trip %s aborted: %w", s.trip.TaskID, cause)
		s.onEnd(err)
	}
	slog.Warn("Trip aborted", "elevator", s.mgr.ID(), "task", s.trip.TaskID, "err", err)
	return err
}
