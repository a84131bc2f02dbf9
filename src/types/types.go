package types

import (
	"fmt"
	"time"
)

type State int

const (
	Idle State = iota
	Moving
	DoorsOpen
	Maintenance
	Emergency
)

var stateNames = [...]string{"IDLE", "MOVING", "DOORS_OPEN", "MAINTENANCE", "EMERGENCY"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for i, n := range stateNames {
		if n == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// Direction doubles as the floor delta of one step, like a motor direction.
type Direction int

const (
	DirUp   Direction = 1
	DirDown Direction = -1
	DirNone Direction = 0
)

func (d Direction) String() string {
	switch d {
	case DirUp:
		return "UP"
	case DirDown:
		return "DOWN"
	case DirNone:
		return "NONE"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(text []byte) error {
	switch string(text) {
	case "UP":
		*d = DirUp
	case "DOWN":
		*d = DirDown
	case "NONE":
		*d = DirNone
	default:
		return fmt.Errorf("unknown direction %q", text)
	}
	return nil
}

// DirectionOf returns the direction of travel from one floor to another.
func DirectionOf(from, to int) Direction {
	if from < to {
		return DirUp
	}
	if from > to {
		return DirDown
	}
	return DirNone
}

type CallRequest struct {
	FromFloor      int    `json:"from_floor"`
	ToFloor        int    `json:"to_floor"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type TaskStatus int

const (
	Pending TaskStatus = iota
	InProgress
	Completed
	Failed
)

var taskStatusNames = [...]string{"PENDING", "IN_PROGRESS", "COMPLETED", "FAILED"}

func (s TaskStatus) String() string {
	if s < 0 || int(s) >= len(taskStatusNames) {
		return fmt.Sprintf("TaskStatus(%d)", int(s))
	}
	return taskStatusNames[s]
}

func (s TaskStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *TaskStatus) UnmarshalText(text []byte) error {
	for i, n := range taskStatusNames {
		if n == string(text) {
			*s = TaskStatus(i)
			return nil
		}
	}
	return fmt.Errorf("unknown task status %q", text)
}

// Terminal reports whether no further transitions are allowed.
func (s TaskStatus) Terminal() bool {
	return s == Completed || s == Failed
}

type Task struct {
	ID         string      `json:"id"`
	Call       CallRequest `json:"call"`
	ElevatorID int         `json:"elevator_id"`
	Status     TaskStatus  `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	Error      string      `json:"error,omitempty"`
}
