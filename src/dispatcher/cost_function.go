package dispatcher

import (
	"log/slog"
	"time"

	"liftdispatch/src/elev"
	"liftdispatch/src/executor"
	"liftdispatch/src/types"
)

// eta is the time an idle elevator needs to reach the pickup floor.
func eta(elevator elev.ElevState, from int, timing executor.Timing) time.Duration {
	return timing.TravelTime(elevator.Floor, from)
}

// findAssignee picks the idle elevator with the lowest ETA to from.
//   - elevators that are not idle are never candidates
//   - ties go to the lowest elevator id
//   - ok is false when no elevator is idle
func findAssignee(fleet []elev.ElevState, from int, timing executor.Timing) (assignee int, cost time.Duration, ok bool) {
	for _, elevator := range fleet {
		if elevator.State != types.Idle {
			continue
		}
		c := eta(elevator, from, timing)
		if !ok || c < cost || (c == cost && elevator.ID < assignee) {
			assignee, cost, ok = elevator.ID, c, true
		}
	}
	slog.Debug("Assignee chosen", "elevator", assignee, "eta", cost, "found", ok)
	return assignee, cost, ok
}
