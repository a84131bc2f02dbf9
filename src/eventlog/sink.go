package eventlog

import (
	"context"
	"errors"
	"sync"

	"liftdispatch/src/types"
)

var ErrSinkUnavailable = errors.New("event sink unavailable")

// Sink receives the ordered audit trail. Implementations may be slow or fail; the Recorder
// keeps both away from the simulation.
type Sink interface {
	RecordEvent(ctx context.Context, ev types.LogEvent) error
}

// MultiSink fans every event out to all sinks.
type MultiSink []Sink

func (m MultiSink) RecordEvent(ctx context.Context, ev types.LogEvent) error {
	var errs []error
	for _, sink := range m {
		if err := sink.RecordEvent(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemorySink keeps the most recent events in a ring buffer.
type MemorySink struct {
	mu     sync.RWMutex
	events []types.LogEvent
	next   int
	full   bool
}

func NewMemorySink(capacity int) *MemorySink {
	return &MemorySink{events: make([]types.LogEvent, capacity)}
}

func (m *MemorySink) RecordEvent(_ context.Context, ev types.LogEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return nil
	}
	m.events[m.next] = ev
	m.next = (m.next + 1) % len(m.events)
	if m.next == 0 {
		m.full = true
	}
	return nil
}

// Events returns the retained events, oldest first.
func (m *MemorySink) Events() []types.LogEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.full {
		return append([]types.LogEvent(nil), m.events[:m.next]...)
	}
	out := make([]types.LogEvent, 0, len(m.events))
	out = append(out, m.events[m.next:]...)
	return append(out, m.events[:m.next]...)
}

// Query returns up to limit events newest first, skipping offset matches. A nil eventType
// matches every event.
func (m *MemorySink) Query(limit, offset int, eventType *types.EventType) []types.LogEvent {
	events := m.Events()
	out := make([]types.LogEvent, 0, limit)
	skipped := 0
	for i := len(events) - 1; i >= 0 && len(out) < limit; i-- {
		if eventType != nil && events[i].Type != *eventType {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, events[i])
	}
	return out
}
