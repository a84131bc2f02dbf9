// Package dispatcher owns the elevator fleet and assigns incoming calls to idle elevators.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"liftdispatch/src/config"
	"liftdispatch/src/elev"
	"liftdispatch/src/eventlog"
	"liftdispatch/src/executor"
	"liftdispatch/src/idempotency"
	"liftdispatch/src/tasks"
	"liftdispatch/src/types"
)

// SystemElevatorID is used for events that are not tied to one elevator.
const SystemElevatorID = 0

type counters struct {
	totalCalls            atomic.Uint64
	successfulAssignments atomic.Uint64
	failedAssignments     atomic.Uint64
	completedTrips        atomic.Uint64
	failedTrips           atomic.Uint64
}

type Dispatcher struct {
	numFloors int
	timing    executor.Timing
	purgeEach time.Duration

	elevators []*elev.ElevStateMgr
	tasks     *tasks.Registry
	cache     *idempotency.Cache
	rec       *eventlog.Recorder
	counters  counters

	// mu makes snapshot, selection and reserve one step. It is never held while a car moves.
	mu     sync.Mutex
	closed bool

	trips     sync.WaitGroup
	simCtx    context.Context
	simCancel context.CancelFunc
}

// New creates the fleet: one state manager per elevator, all idle at floor 1.
func New(cfg config.Config, rec *eventlog.Recorder) *Dispatcher {
	ttl := cfg.IdempotencyTTL
	if ttl <= 0 {
		ttl = cfg.DefaultIdempotencyTTL()
	}
	purgeEach := cfg.PurgeInterval
	if purgeEach <= 0 {
		purgeEach = config.PurgeInterval
	}
	simCtx, simCancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		numFloors: cfg.NumFloors,
		timing:    executor.Timing{FloorMoveTime: cfg.FloorMoveTime, DoorTime: cfg.DoorTime},
		purgeEach: purgeEach,
		elevators: make([]*elev.ElevStateMgr, cfg.NumElevators),
		tasks:     tasks.NewRegistry(),
		cache:     idempotency.NewCache(ttl),
		rec:       rec,
		simCtx:    simCtx,
		simCancel: simCancel,
	}
	for i := range d.elevators {
		d.elevators[i] = elev.StartStateMgr(elev.InitElevState(i + 1))
	}
	slog.Info("Fleet ready", "elevators", cfg.NumElevators, "floors", cfg.NumFloors,
		"floor_move_time", cfg.FloorMoveTime, "door_time", cfg.DoorTime, "idempotency_ttl", ttl)
	return d
}

// Run purges expired idempotency entries until ctx is done. It may be called again after it
// returns.
func (d *Dispatcher) Run(ctx context.Context) {
	purge := time.NewTicker(d.purgeEach)
	defer purge.Stop()

	for {
		select {
		case <-purge.C:
			if n := d.cache.Purge(); n > 0 {
				slog.Debug("Purged idempotency entries", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Call validates and dispatches a call. The trip runs asynchronously; Call returns as soon as an
// elevator has been reserved for it.
func (d *Dispatcher) Call(ctx context.Context, req types.CallRequest) (Assignment, error) {
	d.counters.totalCalls.Add(1)
	assignment, err := d.call(ctx, req)
	if err != nil {
		d.counters.failedAssignments.Add(1)
		return Assignment{}, err
	}
	if !assignment.Replayed {
		d.counters.successfulAssignments.Add(1)
	}
	return assignment, nil
}

func (d *Dispatcher) call(ctx context.Context, req types.CallRequest) (Assignment, error) {
	if err := ctx.Err(); err != nil {
		return Assignment{}, err
	}
	if err := d.validate(req); err != nil {
		return Assignment{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return Assignment{}, ErrShuttingDown
	}
	d.rec.Record(SystemElevatorID, types.CallReceived, fmt.Sprintf("call %d -> %d", req.FromFloor, req.ToFloor))

	if req.IdempotencyKey != "" {
		if entry, ok := d.cache.Lookup(req.IdempotencyKey); ok {
			if !entry.Matches(req.FromFloor, req.ToFloor) {
				return Assignment{}, fmt.Errorf("%w: key %q was used for %d -> %d",
					ErrIdempotencyConflict, req.IdempotencyKey, entry.FromFloor, entry.ToFloor)
			}
			slog.Info("Replaying idempotent call", "key", req.IdempotencyKey, "task", entry.TaskID)
			return Assignment{TaskID: entry.TaskID, ElevatorID: entry.ElevatorID, Replayed: true}, nil
		}
	}

	assignee, cost, ok := findAssignee(d.snapshot(), req.FromFloor, d.timing)
	if !ok {
		d.rec.Record(SystemElevatorID, types.NoIdleElevator,
			fmt.Sprintf("call %d -> %d rejected", req.FromFloor, req.ToFloor))
		return Assignment{}, ErrNoIdleElevator
	}
	mgr := d.elevators[assignee-1]
	if !mgr.TryReserve(req.FromFloor, req.ToFloor) {
		// mode changes also hold d.mu, so this only happens once the fleet is stopped
		return Assignment{}, fmt.Errorf("%w: elevator %d could not be reserved", ErrNoIdleElevator, assignee)
	}

	task := d.tasks.Create(req, assignee)
	if _, err := d.tasks.Advance(task.ID, types.InProgress); err != nil {
		return Assignment{}, err
	}
	if req.IdempotencyKey != "" {
		d.cache.Record(req.IdempotencyKey, task.ID, assignee, req.FromFloor, req.ToFloor)
	}
	d.rec.Record(assignee, types.Dispatched,
		fmt.Sprintf("task %s: %d -> %d, eta %s", task.ID, req.FromFloor, req.ToFloor, cost))
	slog.Info("Dispatched", "elevator", assignee, "task", task.ID, "from", req.FromFloor, "to", req.ToFloor, "eta", cost)

	d.trips.Add(1)
	go d.runTrip(mgr, executor.Trip{TaskID: task.ID, From: req.FromFloor, To: req.ToFloor})

	return Assignment{TaskID: task.ID, ElevatorID: assignee, ETA: cost}, nil
}

func (d *Dispatcher) validate(req types.CallRequest) error {
	for _, floor := range []int{req.FromFloor, req.ToFloor} {
		if floor < 1 || floor > d.numFloors {
			return fmt.Errorf("%w: %d is outside 1..%d", ErrInvalidFloor, floor, d.numFloors)
		}
	}
	if req.FromFloor == req.ToFloor {
		return fmt.Errorf("%w: from and to are both %d", ErrInvalidFloor, req.FromFloor)
	}
	return nil
}

func (d *Dispatcher) snapshot() []elev.ElevState {
	fleet := make([]elev.ElevState, len(d.elevators))
	for i, mgr := range d.elevators {
		fleet[i] = mgr.GetState()
	}
	return fleet
}

func (d *Dispatcher) runTrip(mgr *elev.ElevStateMgr, trip executor.Trip) {
	defer d.trips.Done()
	executor.NewSimulator(mgr, trip, d.timing, d.rec, d.endTrip(trip.TaskID, mgr.ID())).Run(d.simCtx)
}

// endTrip settles the task while the elevator is still held by it, so a call dispatched to the
// freed elevator always finds the previous task finished. It runs on the elevator's state manager
// and must not take d.mu.
func (d *Dispatcher) endTrip(taskID string, elevatorID int) executor.EndFunc {
	return func(err error) {
		if err == nil {
			if _, err := d.tasks.Advance(taskID, types.Completed); err != nil {
				slog.Error("Could not complete task", "task", taskID, "err", err)
			}
			d.counters.completedTrips.Add(1)
			return
		}
		if _, ferr := d.tasks.Fail(taskID, err.Error()); ferr != nil {
			slog.Error("Could not fail task", "task", taskID, "err", ferr)
		}
		d.counters.failedTrips.Add(1)
		d.rec.Record(elevatorID, types.TripFailed, fmt.Sprintf("task %s: %v", taskID, err))
	}
}

// Status returns a snapshot of every elevator in id order. Elevators are read one at a time; no
// fleet-wide lock is taken.
func (d *Dispatcher) Status() SystemStatus {
	return SystemStatus{
		Elevators:   d.snapshot(),
		ActiveTasks: d.tasks.Active(),
		Metrics:     d.Metrics(),
		Timestamp:   time.Now(),
	}
}

// Elevators returns the fleet snapshot only.
func (d *Dispatcher) Elevators() []elev.ElevState {
	return d.snapshot()
}

func (d *Dispatcher) TaskStatus(id string) (types.Task, error) {
	return d.tasks.Get(id)
}

func (d *Dispatcher) Metrics() Metrics {
	stats := d.rec.Stats()
	return Metrics{
		TotalCalls:            d.counters.totalCalls.Load(),
		SuccessfulAssignments: d.counters.successfulAssignments.Load(),
		FailedAssignments:     d.counters.failedAssignments.Load(),
		CompletedTrips:        d.counters.completedTrips.Load(),
		FailedTrips:           d.counters.failedTrips.Load(),
		EventsDropped:         stats.Dropped,
		SinkFailures:          stats.Failed,
		IdempotencyEntries:    d.cache.Len(),
	}
}

func (d *Dispatcher) SetMaintenance(elevatorID int, on bool) error {
	return d.setMode(elevatorID, types.Maintenance, on)
}

func (d *Dispatcher) SetEmergency(elevatorID int, on bool) error {
	return d.setMode(elevatorID, types.Emergency, on)
}

func (d *Dispatcher) setMode(elevatorID int, mode types.State, on bool) error {
	if elevatorID < 1 || elevatorID > len(d.elevators) {
		return fmt.Errorf("%w: %d", ErrUnknownElevator, elevatorID)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.elevators[elevatorID-1].SetMode(elev.ModeChange{Mode: mode, On: on}); err != nil {
		return err
	}

	var eventType types.EventType
	switch {
	case mode == types.Maintenance && on:
		eventType = types.MaintenanceEntered
	case mode == types.Maintenance:
		eventType = types.MaintenanceExited
	case on:
		eventType = types.EmergencyEntered
	default:
		eventType = types.EmergencyExited
	}
	d.rec.Record(elevatorID, eventType, "")
	slog.Info("Elevator mode changed", "elevator", elevatorID, "event", eventType)
	return nil
}

// Shutdown stops accepting calls and waits for running trips until ctx is done. Trips still
// running then are aborted: the elevator stays idle where it is and the task fails.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.trips.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Grace period exceeded, aborting trips", "active", d.tasks.Active())
		d.simCancel()
		<-done
		err = ctx.Err()
	}
	d.simCancel()
	for _, mgr := range d.elevators {
		mgr.Stop()
	}
	return err
}
