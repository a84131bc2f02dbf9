package executor

import (
	"context"
	"fmt"

	"liftdispatch/src/timer"
	"liftdispatch/src/types"
)

// doorCycle runs the open/close sequence at the floor the elevator has just arrived at. The doors
// are already open when it starts; it returns after the doors have finished closing.
func doorCycle(ctx context.Context, s *Simulator, floor int) error {
	s.record(types.DoorsOpened, fmt.Sprintf("doors open at floor %d", floor))
	if err := timer.Wait(ctx, s.timing.DoorTime); err != nil {
		return err
	}
	s.record(types.DoorsClosed, fmt.Sprintf("doors closing at floor %d", floor))
	return timer.Wait(ctx, s.timing.DoorTime)
}
