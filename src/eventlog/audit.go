package eventlog

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"liftdispatch/src/types"

	"github.com/rs/zerolog"
)

// AuditSink appends every event as one JSON line.
type AuditSink struct {
	mu     sync.Mutex
	logger zerolog.Logger
	out    *trackingWriter
	closer io.Closer
}

// trackingWriter keeps the last write error, which zerolog does not return to the caller.
type trackingWriter struct {
	w   io.Writer
	err error
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if err != nil {
		t.err = err
	}
	return n, err
}

func NewAuditSink(w io.Writer) *AuditSink {
	out := &trackingWriter{w: w}
	return &AuditSink{
		logger: zerolog.New(out).With().Str("stream", "elevator_audit").Logger(),
		out:    out,
	}
}

// OpenAuditLog appends to the audit file at path, creating it if needed.
func OpenAuditLog(path string) (*AuditSink, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	sink := NewAuditSink(file)
	sink.closer = file
	return sink, nil
}

func (s *AuditSink) RecordEvent(_ context.Context, ev types.LogEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.out.err = nil
	s.logger.Log().
		Uint64("seq", ev.Seq).
		Int("elevator_id", ev.ElevatorID).
		Stringer("event_type", ev.Type).
		Str("details", ev.Details).
		Time("timestamp", ev.Timestamp).
		Send()
	if s.out.err != nil {
		return fmt.Errorf("%w: %w", ErrSinkUnavailable, s.out.err)
	}
	return nil
}

func (s *AuditSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
