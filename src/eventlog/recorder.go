package eventlog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"liftdispatch/src/types"
)

const sinkTimeout = 2 * time.Second

type RecorderStats struct {
	Recorded uint64 `json:"recorded"`
	Dropped  uint64 `json:"dropped"`
	Failed   uint64 `json:"sink_failures"`
}

// Recorder stamps events and hands them to a Sink from a single goroutine.
//   - Record never blocks: when the queue is full the event is dropped and counted
//   - events reach the sink in sequence order
//   - sink errors are logged and counted, never returned to the caller
type Recorder struct {
	sink  Sink
	queue chan types.LogEvent
	now   func() time.Time

	mu     sync.Mutex
	closed bool
	seq    atomic.Uint64

	dropped atomic.Uint64
	failed  atomic.Uint64
	done    chan struct{}
}

func NewRecorder(sink Sink, buffer int) *Recorder {
	r := &Recorder{
		sink:  sink,
		queue: make(chan types.LogEvent, buffer),
		now:   time.Now,
		done:  make(chan struct{}),
	}
	go r.forward()
	return r
}

// Record stamps an event with the next sequence number and the current time and queues it.
func (r *Recorder) Record(elevatorID int, eventType types.EventType, details string) types.LogEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev := types.LogEvent{
		Seq:        r.seq.Add(1),
		ElevatorID: elevatorID,
		Type:       eventType,
		Details:    details,
		Timestamp:  r.now(),
	}
	slog.Debug("Event", "seq", ev.Seq, "elevator", elevatorID, "type", eventType, "details", details)
	if r.closed {
		r.dropped.Add(1)
		return ev
	}
	select {
	case r.queue <- ev:
	default:
		r.dropped.Add(1)
		slog.Warn("Event queue full, dropping event", "seq", ev.Seq, "type", eventType)
	}
	return ev
}

func (r *Recorder) forward() {
	defer close(r.done)
	for ev := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		err := r.sink.RecordEvent(ctx, ev)
		cancel()
		if err != nil {
			r.failed.Add(1)
			slog.Warn("Event sink unavailable", "seq", ev.Seq, "type", ev.Type, "err", err)
		}
	}
}

// Close stops accepting events and waits until the queued ones reached the sink.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Recorded: r.seq.Load(),
		Dropped:  r.dropped.Load(),
		Failed:   r.failed.Load(),
	}
}
