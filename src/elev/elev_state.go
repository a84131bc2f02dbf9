package elev

import (
	"log/slog"
	"time"

	"liftdispatch/src/types"

	"github.com/tiendc/go-deepcopy"
)

func InitElevState(id int) *ElevState {
	elevator := &ElevState{
		ID:    id,
		Floor: 1,
		State: types.Idle,
		Dir:   types.DirNone,
	}
	elevator.LastUpdated = time.Now()
	slog.Debug("Elevator initialized", "elevator", id)
	return elevator
}

// StartStateMgr starts the goroutine that serializes access to the elevator state.
func StartStateMgr(elevator *ElevState) *ElevStateMgr {
	elevMgr := &ElevStateMgr{
		id:   elevator.ID,
		now:  time.Now,
		cmds: make(chan ElevStateCmd),
		done: make(chan struct{}),
	}
	go func() {
		for {
			select {
			case cmd := <-elevMgr.cmds:
				cmd.Exec(elevator)
			case <-elevMgr.done:
				return
			}
		}
	}()
	return elevMgr
}

func (elevMgr *ElevStateMgr) ID() int {
	return elevMgr.id
}

// Stop ends the manager goroutine. Later commands are not executed.
func (elevMgr *ElevStateMgr) Stop() {
	elevMgr.stopOnce.Do(func() { close(elevMgr.done) })
}

// exec runs fn on the manager goroutine and waits for it to finish.
// It returns false if the manager has been stopped.
func (elevMgr *ElevStateMgr) exec(fn func(elevator *ElevState)) bool {
	select {
	case <-elevMgr.done:
		return false
	default:
	}
	finished := make(chan struct{})
	cmd := ElevStateCmd{
		Exec: func(elevator *ElevState) {
			fn(elevator)
			close(finished)
		},
	}
	select {
	case elevMgr.cmds <- cmd:
	case <-elevMgr.done:
		return false
	}
	<-finished
	return true
}

// GetState returns a deep copy of the elevator state.
func (elevMgr *ElevStateMgr) GetState() ElevState {
	var clone ElevState
	elevMgr.exec(func(elevator *ElevState) {
		if err := deepcopy.Copy(&clone, elevator); err != nil {
			panic(err)
		}
		clone.LastUpdated = elevator.LastUpdated
	})
	return clone
}

// Update applies updateFunc to the elevator state on the manager goroutine and stamps LastUpdated.
func (elevMgr *ElevStateMgr) Update(updateFunc func(elevator *ElevState)) bool {
	return elevMgr.exec(func(elevator *ElevState) {
		updateFunc(elevator)
		elevator.LastUpdated = elevMgr.now()
	})
}

// TryReserve atomically moves an idle elevator into the first phase of a trip.
func (elevMgr *ElevStateMgr) TryReserve(from, to int) bool {
	reserved := false
	elevMgr.exec(func(elevator *ElevState) {
		if reserved = Reserve(elevator, from, to); reserved {
			elevator.LastUpdated = elevMgr.now()
		}
	})
	return reserved
}

// SetMode enters or leaves an administrative mode (maintenance or emergency).
func (elevMgr *ElevStateMgr) SetMode(mode ModeChange) error {
	err := ErrStopped
	elevMgr.exec(func(elevator *ElevState) {
		if err = ApplyMode(elevator, mode); err == nil {
			elevator.LastUpdated = elevMgr.now()
		}
	})
	return err
}
