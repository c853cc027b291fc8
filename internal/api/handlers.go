// Package api exposes HTTP handlers for the live class service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"example.com/liveclass/internal/auth"
	"example.com/liveclass/internal/clock"
	"example.com/liveclass/internal/domain"
	"example.com/liveclass/internal/session"
)

// Sessions is the slice of the coordinator the HTTP surface drives.
type Sessions interface {
	Snapshot(classID string) (session.Snapshot, bool)
	Start(ctx context.Context, classID, trainerID string) (session.Snapshot, error)
}

// SnapshotMirror answers live lookups for classes resident on another instance.
type SnapshotMirror interface {
	Get(ctx context.Context, classID string) (session.Snapshot, bool, error)
}

// HistoryReader loads the persisted history of a class.
type HistoryReader interface {
	ClassHistory(ctx context.Context, classID string) (domain.ClassHistory, error)
}

// Handler coordinates HTTP requests with the session coordinator.
type Handler struct {
	sessions Sessions
	mirror   SnapshotMirror
	history  HistoryReader
	socket   http.Handler
	logger   *log.Logger
	now      func() time.Time
}

// Option configures optional behaviour for the Handler.
type Option func(*Handler)

// WithLiveSocket serves GET /v1/classes/{id}/live/ws with h.
func WithLiveSocket(h http.Handler) Option {
	return func(handler *Handler) {
		handler.socket = h
	}
}

// WithLogger overrides the handler logger.
func WithLogger(logger *log.Logger) Option {
	return func(handler *Handler) {
		handler.logger = logger
	}
}

// WithNow overrides the clock used for live progress.
func WithNow(now func() time.Time) Option {
	return func(handler *Handler) {
		handler.now = now
	}
}

// NewHandler builds a Handler.
func NewHandler(sessions Sessions, mirror SnapshotMirror, history HistoryReader, opts ...Option) *Handler {
	h := &Handler{
		sessions: sessions,
		mirror:   mirror,
		history:  history,
		logger:   log.New(log.Writer(), "[api] ", log.LstdFlags),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/classes/", h.classRoutes)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) classRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/classes/")
	classID, action, _ := strings.Cut(rest, "/")
	if classID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing class id")
		return
	}

	switch action {
	case "live":
		h.live(w, r, classID)
	case "live/ws":
		if h.socket == nil {
			writeError(w, http.StatusNotFound, "not_found", "live socket not enabled")
			return
		}
		h.socket.ServeHTTP(w, r)
	case "start":
		h.start(w, r, classID)
	case "history":
		h.classHistory(w, r, classID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown class resource")
	}
}

func (h *Handler) live(w http.ResponseWriter, r *http.Request, classID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if _, ok := requireScope(w, r, auth.ScopeClassesRead, auth.ScopeClassesJoin, auth.ScopeClassesLead); !ok {
		return
	}

	now := h.now()
	resp := LiveResponse{ServerTime: now}
	if snap, ok := h.sessions.Snapshot(classID); ok {
		resp.fill(snap, "local", now)
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if h.mirror != nil {
		snap, ok, err := h.mirror.Get(r.Context(), classID)
		if err != nil {
			h.logger.Printf("mirror lookup for class %s: %v", classID, err)
		} else if ok {
			resp.fill(snap, "mirror", now)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request, classID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeClassesLead)
	if !ok {
		return
	}

	snap, err := h.sessions.Start(r.Context(), classID, claims.Subject)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := LiveResponse{ServerTime: h.now()}
	resp.fill(snap, "local", resp.ServerTime)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) classHistory(w http.ResponseWriter, r *http.Request, classID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if _, ok := requireScope(w, r, auth.ScopeClassesRead, auth.ScopeClassesLead); !ok {
		return
	}

	history, err := h.history.ClassHistory(r.Context(), classID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toHistoryView(history))
}

func requireScope(w http.ResponseWriter, r *http.Request, scopes ...string) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	if claims.HasAnyScope(scopes...) {
		return claims, true
	}
	writeError(w, http.StatusForbidden, "forbidden", "scope "+scopes[0]+" required")
	return nil, false
}

// LiveResponse describes a class session as seen at ServerTime.
type LiveResponse struct {
	Live       bool              `json:"live"`
	Source     string            `json:"source,omitempty"`
	ServerTime time.Time         `json:"server_time"`
	Session    *session.Snapshot `json:"session,omitempty"`
	Clock      *ClockView        `json:"clock,omitempty"`
}

// ClockView is the interval clock evaluated at ServerTime.
type ClockView struct {
	ActiveIndex      int     `json:"active_interval_index"`
	ElapsedSeconds   float64 `json:"elapsed_seconds"`
	RemainingSeconds float64 `json:"remaining_seconds"`
	Finished         bool    `json:"finished"`
}

func (resp *LiveResponse) fill(snap session.Snapshot, source string, now time.Time) {
	resp.Live = true
	resp.Source = source
	resp.Session = &snap
	if snap.StartTime == nil {
		return
	}
	state := clock.CurrentState(snap.Intervals(), *snap.StartTime, now)
	resp.Clock = &ClockView{
		ActiveIndex:      state.ActiveIndex,
		ElapsedSeconds:   state.Elapsed.Seconds(),
		RemainingSeconds: state.Remaining.Seconds(),
		Finished:         state.Finished,
	}
}

// ClassHistoryView is the response body for GET /v1/classes/{id}/history.
type ClassHistoryView struct {
	ClassID   string        `json:"class_id"`
	Name      string        `json:"name"`
	TrainerID string        `json:"trainer_id"`
	CanEnroll bool          `json:"can_enroll"`
	When      time.Time     `json:"when"`
	StartTime *time.Time    `json:"start_time,omitempty"`
	Routine   RoutineView   `json:"routine"`
	Attendees []string      `json:"attendees"`
	Workouts  []WorkoutView `json:"workouts"`
}

// RoutineView exposes a routine and its intervals.
type RoutineView struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	ActivityType string         `json:"activity_type"`
	Intervals    []IntervalView `json:"intervals"`
}

// IntervalView exposes one interval.
type IntervalView struct {
	ActivityType    string  `json:"activity_type"`
	Cadence         int     `json:"cadence"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// WorkoutView exposes a workout and its progress records.
type WorkoutView struct {
	WorkoutID  string          `json:"workout_id"`
	RoutineID  string          `json:"routine_id"`
	StartedAt  time.Time       `json:"started_at"`
	Timestamps []TimestampView `json:"timestamps"`
}

// TimestampView exposes one progress record.
type TimestampView struct {
	IntervalIndex int       `json:"interval_index"`
	OffsetSeconds float64   `json:"offset_seconds"`
	RecordedAt    time.Time `json:"recorded_at"`
	Final         bool      `json:"final"`
}

func toHistoryView(history domain.ClassHistory) ClassHistoryView {
	view := ClassHistoryView{
		ClassID:   history.Class.ID,
		Name:      history.Class.Name,
		TrainerID: history.Class.TrainerID,
		CanEnroll: history.Class.CanEnroll,
		When:      history.Class.When,
		StartTime: history.Class.StartTime,
		Routine: RoutineView{
			ID:           history.Routine.ID,
			Name:         history.Routine.Name,
			ActivityType: history.Routine.ActivityType,
			Intervals:    make([]IntervalView, 0, len(history.Routine.Intervals)),
		},
		Attendees: append([]string{}, history.Attendees...),
		Workouts:  make([]WorkoutView, 0, len(history.Workouts)),
	}
	for _, interval := range history.Routine.Intervals {
		view.Routine.Intervals = append(view.Routine.Intervals, IntervalView{
			ActivityType:    interval.ActivityType,
			Cadence:         interval.Cadence,
			DurationSeconds: interval.Duration.Seconds(),
		})
	}
	for _, workout := range history.Workouts {
		wv := WorkoutView{
			WorkoutID:  workout.ID,
			RoutineID:  workout.RoutineID,
			StartedAt:  workout.StartedAt,
			Timestamps: make([]TimestampView, 0, len(workout.Timestamps)),
		}
		for _, ts := range workout.Timestamps {
			wv.Timestamps = append(wv.Timestamps, TimestampView{
				IntervalIndex: ts.IntervalIndex,
				OffsetSeconds: ts.Offset.Seconds(),
				RecordedAt:    ts.RecordedAt,
				Final:         ts.IntervalIndex == domain.FinalIntervalIndex,
			})
		}
		view.Workouts = append(view.Workouts, wv)
	}
	return view
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, domain.ErrAlreadyStarted):
		writeError(w, http.StatusConflict, "already_started", err.Error())
	case errors.Is(err, domain.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
