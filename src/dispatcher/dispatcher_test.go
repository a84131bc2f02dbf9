package dispatcher

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"liftdispatch/src/config"
	"liftdispatch/src/elev"
	"liftdispatch/src/eventlog"
	"liftdispatch/src/executor"
	"liftdispatch/src/types"
)

type failingSink struct{}

func (failingSink) RecordEvent(context.Context, types.LogEvent) error {
	return eventlog.ErrSinkUnavailable
}

func testConfig(elevators int, move, door time.Duration) config.Config {
	cfg := config.Default()
	cfg.NumElevators = elevators
	cfg.FloorMoveTime = move
	cfg.DoorTime = door
	return cfg
}

func newDispatcher(t *testing.T, cfg config.Config, sink eventlog.Sink) *Dispatcher {
	t.Helper()
	rec := eventlog.NewRecorder(sink, 1024)
	d := New(cfg, rec)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		d.Shutdown(ctx)
		rec.Close()
	})
	return d
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitTask(t *testing.T, d *Dispatcher, id string, want types.TaskStatus) types.Task {
	t.Helper()
	var task types.Task
	waitFor(t, 5*time.Second, "task "+want.String(), func() bool {
		var err error
		task, err = d.TaskStatus(id)
		if err != nil {
			t.Fatal(err)
		}
		return task.Status == want
	})
	return task
}

func eventTypesFor(sink *eventlog.MemorySink, elevatorID int) []types.EventType {
	var out []types.EventType
	for _, ev := range sink.Events() {
		if ev.ElevatorID == elevatorID {
			out = append(out, ev.Type)
		}
	}
	return out
}

func TestFindAssignee(t *testing.T) {
	timing := executor.Timing{FloorMoveTime: time.Second, DoorTime: time.Second}
	dest := 4
	fleet := []elev.ElevState{
		{ID: 1, Floor: 8, State: types.Idle},
		{ID: 2, Floor: 3, State: types.Moving, Dir: types.DirUp, Destination: &dest},
		{ID: 3, Floor: 2, State: types.Idle},
		{ID: 4, Floor: 6, State: types.Idle},
		{ID: 5, Floor: 4, State: types.Maintenance},
	}
	tests := []struct {
		from     int
		assignee int
		cost     time.Duration
	}{
		{from: 4, assignee: 3, cost: 2 * time.Second}, // 3 and 4 tie, lowest id wins
		{from: 3, assignee: 3, cost: time.Second},
		{from: 10, assignee: 1, cost: 2 * time.Second},
		{from: 7, assignee: 1, cost: time.Second}, // 1 and 4 tie
	}
	for _, tt := range tests {
		for range 3 {
			assignee, cost, ok := findAssignee(fleet, tt.from, timing)
			if !ok || assignee != tt.assignee || cost != tt.cost {
				t.Errorf("from %d: got elevator %d eta %s ok=%v, want %d eta %s",
					tt.from, assignee, cost, ok, tt.assignee, tt.cost)
			}
		}
	}

	busy := []elev.ElevState{{ID: 1, State: types.Moving}, {ID: 2, State: types.Emergency}}
	if _, _, ok := findAssignee(busy, 1, timing); ok {
		t.Error("found an assignee in a fleet without idle elevators")
	}
}

func TestCallRejectsInvalidFloors(t *testing.T) {
	d := newDispatcher(t, testConfig(2, time.Millisecond, time.Millisecond), eventlog.NewMemorySink(64))
	for _, req := range []types.CallRequest{
		{FromFloor: 0, ToFloor: 5},
		{FromFloor: 3, ToFloor: 3},
		{FromFloor: 1, ToFloor: 11},
		{FromFloor: -2, ToFloor: 4},
	} {
		if _, err := d.Call(context.Background(), req); !errors.Is(err, ErrInvalidFloor) {
			t.Errorf("Call(%d, %d) err = %v", req.FromFloor, req.ToFloor, err)
		}
	}
	if d.tasks.Len() != 0 {
		t.Errorf("%d tasks created for invalid calls", d.tasks.Len())
	}
}

func TestCapacityExhaustion(t *testing.T) {
	sink := eventlog.NewMemorySink(64)
	d := newDispatcher(t, testConfig(1, time.Second, time.Second), sink)

	first, err := d.Call(context.Background(), types.CallRequest{FromFloor: 1, ToFloor: 5})
	if err != nil {
		t.Fatal(err)
	}
	if first.ElevatorID != 1 || first.ETA != 0 {
		t.Errorf("first assignment %+v", first)
	}
	_, err = d.Call(context.Background(), types.CallRequest{FromFloor: 2, ToFloor: 3})
	if !errors.Is(err, ErrNoIdleElevator) {
		t.Fatalf("second call err = %v", err)
	}
	if d.tasks.Len() != 1 {
		t.Errorf("tasks = %d, want 1", d.tasks.Len())
	}
	waitFor(t, time.Second, "NO_IDLE_ELEVATOR event", func() bool {
		return slices.Contains(eventTypesFor(sink, SystemElevatorID), types.NoIdleElevator)
	})

	m := d.Metrics()
	if m.TotalCalls != 2 || m.SuccessfulAssignments != 1 || m.FailedAssignments != 1 {
		t.Errorf("metrics %+v", m)
	}
}

func TestIdempotentCall(t *testing.T) {
	d := newDispatcher(t, testConfig(3, time.Second, time.Second), eventlog.NewMemorySink(64))
	req := types.CallRequest{FromFloor: 1, ToFloor: 5, IdempotencyKey: "k"}

	first, err := d.Call(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := d.Call(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if second.TaskID != first.TaskID || second.ElevatorID != first.ElevatorID || !second.Replayed {
		t.Errorf("replay %+v, first %+v", second, first)
	}
	if d.tasks.Len() != 1 {
		t.Errorf("tasks = %d, want 1", d.tasks.Len())
	}
	busy := 0
	for _, state := range d.Elevators() {
		if state.State != types.Idle {
			busy++
		}
	}
	if busy != 1 {
		t.Errorf("%d elevators busy, want 1", busy)
	}

	req.ToFloor = 6
	if _, err := d.Call(context.Background(), req); !errors.Is(err, ErrIdempotencyConflict) {
		t.Errorf("conflicting reuse err = %v", err)
	}
}

func TestRoundTrip(t *testing.T) {
	d := newDispatcher(t, testConfig(1, 10*time.Millisecond, 5*time.Millisecond), eventlog.NewMemorySink(64))

	a, err := d.Call(context.Background(), types.CallRequest{FromFloor: 3, ToFloor: 7})
	if err != nil {
		t.Fatal(err)
	}
	if task, _ := d.TaskStatus(a.TaskID); task.Status != types.InProgress {
		t.Errorf("task status right after dispatch = %v", task.Status)
	}
	waitTask(t, d, a.TaskID, types.Completed)

	state := d.Elevators()[0]
	if state.Floor != 7 || state.State != types.Idle || state.Dir != types.DirNone || state.Destination != nil {
		t.Errorf("state after trip %+v", state)
	}
	if m := d.Metrics(); m.CompletedTrips != 1 {
		t.Errorf("completed trips = %d", m.CompletedTrips)
	}

	// the elevator is a candidate again
	if _, err := d.Call(context.Background(), types.CallRequest{FromFloor: 7, ToFloor: 1}); err != nil {
		t.Errorf("second call after completion: %v", err)
	}
}

func TestTimingScenario(t *testing.T) {
	// floor 1 -> 5, already at the pickup floor: open+close, 4 floors, open+close
	move, door := 50*time.Millisecond, 20*time.Millisecond
	sink := eventlog.NewMemorySink(64)
	d := newDispatcher(t, testConfig(1, move, door), sink)

	start := time.Now()
	a, err := d.Call(context.Background(), types.CallRequest{FromFloor: 1, ToFloor: 5})
	if err != nil {
		t.Fatal(err)
	}
	waitTask(t, d, a.TaskID, types.Completed)
	elapsed := time.Since(start)

	if want := 4*move + 4*door; elapsed < want {
		t.Errorf("trip took %s, want at least %s", elapsed, want)
	}
	if state := d.Elevators()[0]; state.Floor != 5 {
		t.Errorf("final floor %d", state.Floor)
	}

	want := []types.EventType{
		types.Dispatched, types.DoorsOpened, types.DoorsClosed,
		types.MovingStarted, types.Arrived, types.DoorsOpened, types.DoorsClosed,
		types.TripCompleted,
	}
	waitFor(t, time.Second, "trip events", func() bool {
		return len(eventTypesFor(sink, 1)) >= len(want)
	})
	if got := eventTypesFor(sink, 1); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestLowestIDWinsTies(t *testing.T) {
	d := newDispatcher(t, testConfig(3, time.Second, time.Second), eventlog.NewMemorySink(64))
	for want := 1; want <= 3; want++ {
		a, err := d.Call(context.Background(), types.CallRequest{FromFloor: 4, ToFloor: 2})
		if err != nil {
			t.Fatal(err)
		}
		if a.ElevatorID != want {
			t.Errorf("call %d went to elevator %d", want, a.ElevatorID)
		}
		if a.ETA != 3*time.Second {
			t.Errorf("eta = %s", a.ETA)
		}
	}
}

func TestConcurrentCallsNeverShareAnElevator(t *testing.T) {
	const elevators, callers = 3, 12
	d := newDispatcher(t, testConfig(elevators, time.Second, time.Second), eventlog.NewMemorySink(256))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		assigned []int
		rejected int
	)
	for i := range callers {
		wg.Add(1)
		go func(from int) {
			defer wg.Done()
			a, err := d.Call(context.Background(), types.CallRequest{FromFloor: from, ToFloor: 10})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				assigned = append(assigned, a.ElevatorID)
			case errors.Is(err, ErrNoIdleElevator):
				rejected++
			default:
				t.Errorf("unexpected error %v", err)
			}
		}(i%9 + 1)
	}
	wg.Wait()

	slices.Sort(assigned)
	if !slices.Equal(assigned, []int{1, 2, 3}) {
		t.Errorf("assigned elevators %v", assigned)
	}
	if rejected != callers-elevators {
		t.Errorf("rejected = %d", rejected)
	}
}

func TestMaintenanceExcludedFromDispatch(t *testing.T) {
	sink := eventlog.NewMemorySink(64)
	d := newDispatcher(t, testConfig(2, time.Second, time.Second), sink)

	if err := d.SetMaintenance(1, true); err != nil {
		t.Fatal(err)
	}
	a, err := d.Call(context.Background(), types.CallRequest{FromFloor: 1, ToFloor: 5})
	if err != nil {
		t.Fatal(err)
	}
	if a.ElevatorID != 2 {
		t.Errorf("dispatched to elevator %d in maintenance", a.ElevatorID)
	}
	if _, err := d.Call(context.Background(), types.CallRequest{FromFloor: 2, ToFloor: 5}); !errors.Is(err, ErrNoIdleElevator) {
		t.Errorf("err = %v", err)
	}

	if err := d.SetEmergency(2, true); !errors.Is(err, ErrElevatorBusy) {
		t.Errorf("emergency on a moving elevator: %v", err)
	}
	if err := d.SetEmergency(1, false); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("leaving emergency from maintenance: %v", err)
	}
	if err := d.SetMaintenance(9, true); !errors.Is(err, ErrUnknownElevator) {
		t.Errorf("unknown elevator: %v", err)
	}
	if err := d.SetMaintenance(1, false); err != nil {
		t.Fatal(err)
	}
	if state := d.Elevators()[0]; state.State != types.Idle {
		t.Errorf("elevator 1 is %v after maintenance", state.State)
	}

	waitFor(t, time.Second, "mode events", func() bool {
		got := eventTypesFor(sink, 1)
		return slices.Contains(got, types.MaintenanceEntered) && slices.Contains(got, types.MaintenanceExited)
	})
}

func TestSinkFailureDoesNotAffectMovement(t *testing.T) {
	d := newDispatcher(t, testConfig(1, 5*time.Millisecond, 5*time.Millisecond), failingSink{})

	a, err := d.Call(context.Background(), types.CallRequest{FromFloor: 2, ToFloor: 4})
	if err != nil {
		t.Fatal(err)
	}
	waitTask(t, d, a.TaskID, types.Completed)
	if state := d.Elevators()[0]; state.Floor != 4 || state.State != types.Idle {
		t.Errorf("state %+v", state)
	}
	waitFor(t, time.Second, "sink failures counted", func() bool {
		return d.Metrics().SinkFailures > 0
	})
}

func TestRunPurgesExpiredKeys(t *testing.T) {
	cfg := testConfig(1, 5*time.Millisecond, 5*time.Millisecond)
	cfg.IdempotencyTTL = 10 * time.Millisecond
	cfg.PurgeInterval = 5 * time.Millisecond
	d := newDispatcher(t, cfg, eventlog.NewMemorySink(64))

	// Run can be restarted after it returns
	for _, key := range []string{"a", "b"} {
		d.cache.Record(key, "task-"+key, 1, 1, 2)
		if n := d.Metrics().IdempotencyEntries; n != 1 {
			t.Fatalf("entries = %d", n)
		}
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			d.Run(ctx)
			close(done)
		}()
		waitFor(t, time.Second, "expired key purged", func() bool {
			return d.Metrics().IdempotencyEntries == 0
		})
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Run did not return")
		}
	}
}

func TestBackToBackTripsOnOneElevator(t *testing.T) {
	const trips = 5
	sink := eventlog.NewMemorySink(8192)
	d := newDispatcher(t, testConfig(1, 2*time.Millisecond, time.Millisecond), sink)

	var prev string
	deadline := time.Now().Add(5 * time.Second)
	for done := 0; done < trips; {
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d calls dispatched", done, trips)
		}
		req := types.CallRequest{FromFloor: 1, ToFloor: 3}
		if done%2 == 1 {
			req = types.CallRequest{FromFloor: 3, ToFloor: 1}
		}
		a, err := d.Call(context.Background(), req)
		if errors.Is(err, ErrNoIdleElevator) {
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil {
			t.Fatal(err)
		}
		if prev != "" {
			// the elevator was free, so the task it served must already be settled
			if task, _ := d.TaskStatus(prev); task.Status != types.Completed {
				t.Fatalf("task %s is %v when elevator 1 took the next call", prev, task.Status)
			}
		}
		prev = a.TaskID
		done++
	}
	waitTask(t, d, prev, types.Completed)

	waitFor(t, time.Second, "all TRIP_COMPLETED events", func() bool {
		n := 0
		for _, typ := range eventTypesFor(sink, 1) {
			if typ == types.TripCompleted {
				n++
			}
		}
		return n == trips
	})
	completed := true
	for i, typ := range eventTypesFor(sink, 1) {
		switch typ {
		case types.Dispatched:
			if !completed {
				t.Fatalf("event %d: DISPATCHED before the previous TRIP_COMPLETED", i)
			}
			completed = false
		case types.TripCompleted:
			completed = true
		}
	}
	if m := d.Metrics(); m.CompletedTrips != trips {
		t.Errorf("completed trips = %d", m.CompletedTrips)
	}
}

func TestExpiredKeyDispatchesAgain(t *testing.T) {
	cfg := testConfig(2, time.Second, time.Second)
	cfg.IdempotencyTTL = 30 * time.Millisecond
	d := newDispatcher(t, cfg, eventlog.NewMemorySink(64))
	req := types.CallRequest{FromFloor: 1, ToFloor: 5, IdempotencyKey: "k"}

	first, err := d.Call(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if replay, err := d.Call(context.Background(), req); err != nil || !replay.Replayed {
		t.Fatalf("replay within ttl %+v, err %v", replay, err)
	}

	time.Sleep(2 * cfg.IdempotencyTTL)
	second, err := d.Call(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if second.Replayed || second.TaskID == first.TaskID {
		t.Errorf("expired key replayed: first %+v, second %+v", first, second)
	}
	if first.ElevatorID != 1 || second.ElevatorID != 2 {
		t.Errorf("elevators %d and %d", first.ElevatorID, second.ElevatorID)
	}
	if d.tasks.Len() != 2 {
		t.Errorf("tasks = %d, want 2", d.tasks.Len())
	}
	if m := d.Metrics(); m.SuccessfulAssignments != 2 {
		t.Errorf("successful assignments = %d", m.SuccessfulAssignments)
	}
}

func TestShutdownAbortsRunningTrips(t *testing.T) {
	sink := eventlog.NewMemorySink(64)
	rec := eventlog.NewRecorder(sink, 64)
	defer rec.Close()
	d := New(testConfig(1, time.Second, time.Second), rec)

	a, err := d.Call(context.Background(), types.CallRequest{FromFloor: 6, ToFloor: 2})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := d.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown err = %v", err)
	}

	task, err := d.TaskStatus(a.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != types.Failed || task.Error == "" {
		t.Errorf("task after abort %+v", task)
	}
	if _, err := d.Call(context.Background(), types.CallRequest{FromFloor: 1, ToFloor: 2}); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("call after shutdown err = %v", err)
	}
	if m := d.Metrics(); m.FailedTrips != 1 {
		t.Errorf("failed trips = %d", m.FailedTrips)
	}
	waitFor(t, time.Second, "TRIP_FAILED event", func() bool {
		return slices.Contains(eventTypesFor(sink, 1), types.TripFailed)
	})
}

func TestShutdownWaitsForTrips(t *testing.T) {
	d := newDispatcher(t, testConfig(1, 5*time.Millisecond, 5*time.Millisecond), eventlog.NewMemorySink(64))
	a, err := d.Call(context.Background(), types.CallRequest{FromFloor: 1, ToFloor: 3})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if task, _ := d.TaskStatus(a.TaskID); task.Status != types.Completed {
		t.Errorf("task status %v after graceful shutdown", task.Status)
	}
}

func TestStatus(t *testing.T) {
	d := newDispatcher(t, testConfig(3, time.Second, time.Second), eventlog.NewMemorySink(64))
	if _, err := d.Call(context.Background(), types.CallRequest{FromFloor: 2, ToFloor: 1}); err != nil {
		t.Fatal(err)
	}
	status := d.Status()
	if len(status.Elevators) != 3 {
		t.Fatalf("%d elevators", len(status.Elevators))
	}
	for i, state := range status.Elevators {
		if state.ID != i+1 {
			t.Errorf("elevator %d at index %d", state.ID, i)
		}
		if err := elev.CheckInvariants(state); err != nil {
			t.Error(err)
		}
	}
	if status.Elevators[0].State != types.Moving || *status.Elevators[0].Destination != 2 {
		t.Errorf("elevator 1 %+v", status.Elevators[0])
	}
	if status.ActiveTasks != 1 || status.Metrics.TotalCalls != 1 {
		t.Errorf("status %+v", status)
	}
	if _, err := d.TaskStatus("missing"); err == nil {
		t.Error("unknown task found")
	}
}
