// Package api exposes the dispatcher over HTTP with JSON bodies.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"liftdispatch/src/dispatcher"
	"liftdispatch/src/tasks"
	"liftdispatch/src/types"
	"liftdispatch/src/utils"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
	maxBodyBytes    = 1 << 16
)

type Engine interface {
	Call(ctx context.Context, req types.CallRequest) (dispatcher.Assignment, error)
	Status() dispatcher.SystemStatus
	TaskStatus(id string) (types.Task, error)
	SetMaintenance(elevatorID int, on bool) error
	SetEmergency(elevatorID int, on bool) error
}

type EventQuerier interface {
	Query(limit, offset int, eventType *types.EventType) []types.LogEvent
}

type callResponse struct {
	Message              string  `json:"message"`
	TaskID               string  `json:"task_id"`
	ElevatorID           int     `json:"elevator_id"`
	EstimatedArrivalTime float64 `json:"estimated_arrival_time"`
	Replayed             bool    `json:"replayed,omitempty"`
}

type modeRequest struct {
	Enabled *bool `json:"enabled"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type server struct {
	engine     Engine
	events     EventQuerier
	retryAfter time.Duration
}

// NewHandler returns the HTTP routes. retryAfter is sent with 503 responses to tell clients when
// an elevator is likely to be free again.
func NewHandler(engine Engine, events EventQuerier, retryAfter time.Duration) http.Handler {
	s := &server{engine: engine, events: events, retryAfter: retryAfter}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /elevator/call", s.handleCall)
	mux.HandleFunc("GET /elevator/status", s.handleStatus)
	mux.HandleFunc("GET /elevator/tasks/{id}", s.handleTask)
	mux.HandleFunc("GET /elevator/logs", s.handleLogs)
	mux.HandleFunc("PUT /elevator/{id}/maintenance", s.handleMode(engine.SetMaintenance))
	mux.HandleFunc("PUT /elevator/{id}/emergency", s.handleMode(engine.SetEmergency))
	return logRequests(mux)
}

func (s *server) handleCall(w http.ResponseWriter, r *http.Request) {
	var req types.CallRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	assignment, err := s.engine.Call(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, callResponse{
		Message:              fmt.Sprintf("Elevator %d assigned", assignment.ElevatorID),
		TaskID:               assignment.TaskID,
		ElevatorID:           assignment.ElevatorID,
		EstimatedArrivalTime: assignment.ETA.Seconds(),
		Replayed:             assignment.Replayed,
	})
}

func (s *server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *server) handleTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.engine.TaskStatus(r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *server) handleLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, err := intParam(query.Get("limit"), defaultLogLimit)
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	offset, err := intParam(query.Get("offset"), 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}
	limit = utils.Clamp(limit, 0, maxLogLimit)

	var eventType *types.EventType
	if name := query.Get("event_type"); name != "" {
		parsed, err := types.ParseEventType(name)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		eventType = &parsed
	}
	writeJSON(w, http.StatusOK, s.events.Query(limit, offset, eventType))
}

func (s *server) handleMode(set func(int, bool) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.Atoi(r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "elevator id must be an integer")
			return
		}
		var req modeRequest
		if err := decode(r, &req); err != nil || req.Enabled == nil {
			writeError(w, http.StatusBadRequest, `body must be {"enabled": true|false}`)
			return
		}
		if err := set(id, *req.Enabled); err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.engine.Status().Elevators[id-1])
	}
}

func (s *server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatcher.ErrInvalidFloor):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatcher.ErrNoIdleElevator):
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(s.retryAfter.Seconds()))))
		writeError(w, http.StatusServiceUnavailable, "No elevators currently available")
	case errors.Is(err, dispatcher.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, dispatcher.ErrIdempotencyConflict),
		errors.Is(err, dispatcher.ErrElevatorBusy),
		errors.Is(err, dispatcher.ErrInvalidMode):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, tasks.ErrTaskNotFound), errors.Is(err, dispatcher.ErrUnknownElevator):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		slog.Error("Unhandled engine error", "err", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Writing response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "status", rec.status,
			"duration", time.Since(start))
	})
}
