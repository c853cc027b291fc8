package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"example.com/liveclass/internal/auth"
	"example.com/liveclass/internal/domain"
	"example.com/liveclass/internal/persistence/memory"
	"example.com/liveclass/internal/session"
)

var fixedNow = time.Date(2025, time.October, 27, 20, 0, 0, 0, time.UTC)

type stubSessions struct {
	snaps    map[string]session.Snapshot
	startErr error
	starter  string
}

func (s *stubSessions) Snapshot(classID string) (session.Snapshot, bool) {
	snap, ok := s.snaps[classID]
	return snap, ok
}

func (s *stubSessions) Start(ctx context.Context, classID, trainerID string) (session.Snapshot, error) {
	s.starter = trainerID
	if s.startErr != nil {
		return session.Snapshot{}, s.startErr
	}
	start := fixedNow.Add(-40 * time.Second)
	snap := s.snaps[classID]
	snap.StartTime = &start
	return snap, nil
}

type stubMirror struct {
	snaps map[string]session.Snapshot
	err   error
}

func (m *stubMirror) Get(ctx context.Context, classID string) (session.Snapshot, bool, error) {
	if m.err != nil {
		return session.Snapshot{}, false, m.err
	}
	snap, ok := m.snaps[classID]
	return snap, ok, nil
}

func routineView() session.RoutineView {
	return session.RoutineView{ID: "r1", Name: "Hills", Intervals: []session.IntervalView{
		{ActivityType: "sprint", DurationSeconds: 30},
		{ActivityType: "climb", DurationSeconds: 60},
		{ActivityType: "cooldown", DurationSeconds: 30},
	}}
}

func withScopes(req *http.Request, subject string, scopes ...string) *http.Request {
	set := make(map[string]struct{}, len(scopes))
	for _, scope := range scopes {
		set[scope] = struct{}{}
	}
	claims := &auth.Claims{Subject: subject, Scopes: set, ExpiresAt: time.Now().Add(time.Hour)}
	return req.WithContext(auth.WithClaims(req.Context(), claims))
}

func serve(h *Handler, req *http.Request) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func TestLiveReportsLocalSessionWithClock(t *testing.T) {
	start := fixedNow.Add(-40 * time.Second)
	sessions := &stubSessions{snaps: map[string]session.Snapshot{
		"c1": {ClassID: "c1", StartTime: &start, Roster: []string{"alice"}, ActiveIndex: 1, Routine: routineView()},
	}}
	handler := NewHandler(sessions, &stubMirror{}, memory.NewStore(), WithNow(func() time.Time { return fixedNow }))

	req := withScopes(httptest.NewRequest(http.MethodGet, "/v1/classes/c1/live", nil), "alice", auth.ScopeClassesJoin)
	rr := serve(handler, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}

	var resp LiveResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Live || resp.Source != "local" {
		t.Fatalf("expected live local session, got %+v", resp)
	}
	if resp.Clock == nil || resp.Clock.ActiveIndex != 1 {
		t.Fatalf("expected active interval 1, got %+v", resp.Clock)
	}
	if resp.Clock.ElapsedSeconds != 10 || resp.Clock.RemainingSeconds != 50 {
		t.Fatalf("unexpected clock %+v", resp.Clock)
	}
}

func TestLiveFallsBackToMirror(t *testing.T) {
	mirror := &stubMirror{snaps: map[string]session.Snapshot{
		"c2": {ClassID: "c2", Roster: []string{"bob"}, Routine: routineView()},
	}}
	handler := NewHandler(&stubSessions{}, mirror, memory.NewStore())

	rr := serve(handler, withScopes(httptest.NewRequest(http.MethodGet, "/v1/classes/c2/live", nil), "bob", auth.ScopeClassesRead))
	var resp LiveResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Live || resp.Source != "mirror" || resp.Clock != nil {
		t.Fatalf("expected unstarted mirrored session, got %+v", resp)
	}

	mirror.err = fmt.Errorf("redis down")
	rr = serve(handler, withScopes(httptest.NewRequest(http.MethodGet, "/v1/classes/c2/live", nil), "bob", auth.ScopeClassesRead))
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}

	rr = serve(handler, withScopes(httptest.NewRequest(http.MethodGet, "/v1/classes/none/live", nil), "bob", auth.ScopeClassesRead))
	resp = LiveResponse{}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Live || resp.Session != nil {
		t.Fatalf("expected no live session, got %+v", resp)
	}
}

func TestStartUsesTokenSubject(t *testing.T) {
	sessions := &stubSessions{snaps: map[string]session.Snapshot{"c1": {ClassID: "c1", Routine: routineView()}}}
	handler := NewHandler(sessions, nil, memory.NewStore(), WithNow(func() time.Time { return fixedNow }))

	rr := serve(handler, withScopes(httptest.NewRequest(http.MethodPost, "/v1/classes/c1/start", nil), "coach", auth.ScopeClassesLead))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}
	if sessions.starter != "coach" {
		t.Fatalf("expected start by coach, got %q", sessions.starter)
	}
}

func TestStartRequiresLeadScope(t *testing.T) {
	handler := NewHandler(&stubSessions{}, nil, memory.NewStore())

	rr := serve(handler, withScopes(httptest.NewRequest(http.MethodPost, "/v1/classes/c1/start", nil), "alice", auth.ScopeClassesJoin))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rr.Code)
	}

	rr = serve(handler, httptest.NewRequest(http.MethodPost, "/v1/classes/c1/start", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rr.Code)
	}

	rr = serve(handler, withScopes(httptest.NewRequest(http.MethodGet, "/v1/classes/c1/start", nil), "coach", auth.ScopeClassesLead))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 got %d", rr.Code)
	}
}

func TestStartMapsDomainErrors(t *testing.T) {
	cases := map[error]int{
		domain.ErrNotFound:           http.StatusNotFound,
		domain.ErrForbidden:          http.StatusForbidden,
		domain.ErrAlreadyStarted:     http.StatusConflict,
		domain.ErrStorageUnavailable: http.StatusServiceUnavailable,
		fmt.Errorf("boom"):           http.StatusInternalServerError,
	}
	for err, status := range cases {
		sessions := &stubSessions{startErr: fmt.Errorf("start: %w", err)}
		handler := NewHandler(sessions, nil, memory.NewStore())
		rr := serve(handler, withScopes(httptest.NewRequest(http.MethodPost, "/v1/classes/c1/start", nil), "coach", auth.ScopeClassesLead))
		if rr.Code != status {
			t.Fatalf("%v: expected %d got %d", err, status, rr.Code)
		}
	}
}

func TestClassHistory(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	routine := store.PutRoutine(domain.Routine{Name: "Hills", Intervals: []domain.Interval{{ActivityType: "climb", Cadence: 70, Duration: time.Minute}}})
	class := store.PutClass(domain.ClassRecord{ID: "c1", Name: "Hill Ride", TrainerID: "coach", RoutineID: routine.ID})
	workoutID, err := store.StartWorkout(ctx, class.ID, routine.ID, fixedNow)
	if err != nil {
		t.Fatalf("start workout: %v", err)
	}
	if err := store.AppendWorkoutTimestamp(ctx, workoutID, domain.WorkoutTimestamp{IntervalIndex: domain.FinalIntervalIndex, Offset: time.Minute, RecordedAt: fixedNow.Add(time.Minute)}); err != nil {
		t.Fatalf("append timestamp: %v", err)
	}
	if err := store.SetEnrollment(ctx, class.ID, "alice", true); err != nil {
		t.Fatalf("set enrollment: %v", err)
	}

	handler := NewHandler(&stubSessions{}, nil, store)
	rr := serve(handler, withScopes(httptest.NewRequest(http.MethodGet, "/v1/classes/c1/history", nil), "coach", auth.ScopeClassesRead))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}

	var resp ClassHistoryView
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Routine.Name != "Hills" || len(resp.Attendees) != 1 || len(resp.Workouts) != 1 {
		t.Fatalf("unexpected history %+v", resp)
	}
	stamp := resp.Workouts[0].Timestamps[0]
	if !stamp.Final || stamp.OffsetSeconds != 60 {
		t.Fatalf("unexpected timestamp %+v", stamp)
	}

	rr = serve(handler, withScopes(httptest.NewRequest(http.MethodGet, "/v1/classes/missing/history", nil), "coach", auth.ScopeClassesRead))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rr.Code)
	}
}

func TestUnknownClassResource(t *testing.T) {
	handler := NewHandler(&stubSessions{}, nil, memory.NewStore())
	rr := serve(handler, withScopes(httptest.NewRequest(http.MethodGet, "/v1/classes/c1/roster", nil), "coach", auth.ScopeClassesRead))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rr.Code)
	}
	rr = serve(handler, withScopes(httptest.NewRequest(http.MethodGet, "/v1/classes/c1/live/ws", nil), "coach", auth.ScopeClassesRead))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when socket disabled, got %d", rr.Code)
	}
}
