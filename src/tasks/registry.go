package tasks

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"liftdispatch/src/types"

	"github.com/google/uuid"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task status transition")
)

// Registry tracks every dispatched call by task id. Tasks are never removed.
type Registry struct {
	mu     sync.RWMutex
	tasks  map[string]*types.Task
	active int
	now    func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		tasks: make(map[string]*types.Task),
		now:   time.Now,
	}
}

// Create stores a new PENDING task for call, assigned to elevatorID.
func (r *Registry) Create(call types.CallRequest, elevatorID int) types.Task {
	now := r.now()
	task := &types.Task{
		ID:         uuid.NewString(),
		Call:       call,
		ElevatorID: elevatorID,
		Status:     types.Pending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.ID] = task
	r.active++
	return *task
}

func (r *Registry) Get(id string) (types.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[id]
	if !ok {
		return types.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return *task, nil
}

// Advance moves a task forward. Statuses only ever move forward and terminal tasks are frozen.
func (r *Registry) Advance(id string, status types.TaskStatus) (types.Task, error) {
	return r.transition(id, status, "")
}

// Fail moves a task to FAILED and records why.
func (r *Registry) Fail(id string, reason string) (types.Task, error) {
	return r.transition(id, types.Failed, reason)
}

func (r *Registry) transition(id string, status types.TaskStatus, reason string) (types.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return types.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if !allowed(task.Status, status) {
		return *task, fmt.Errorf("%w: %v -> %v", ErrInvalidTransition, task.Status, status)
	}
	task.Status = status
	task.UpdatedAt = r.now()
	if reason != "" {
		task.Error = reason
	}
	if status.Terminal() {
		r.active--
	}
	return *task, nil
}

func allowed(from, to types.TaskStatus) bool {
	switch from {
	case types.Pending:
		return to == types.InProgress || to == types.Failed
	case types.InProgress:
		return to == types.Completed || to == types.Failed
	}
	return false
}

// Active counts tasks that have not reached a terminal status.
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}
