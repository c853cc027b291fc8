// Package ws serves live class sessions over WebSocket.
//
// A connection is one attendee's presence: the upgrade subscribes the token
// subject, every broker event is forwarded as a JSON frame, and a read failure
// or missed pong detaches the attendee.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"example.com/liveclass/internal/auth"
	"example.com/liveclass/internal/broker"
	"example.com/liveclass/internal/domain"
	"example.com/liveclass/internal/session"
)

// Frame types sent by clients.
const (
	FrameStart = "start"
	FrameLeave = "leave"
	FrameError = "error"
)

const maxFrameBytes = 4096

// Coordinator is the part of the session coordinator a connection drives.
type Coordinator interface {
	Subscribe(ctx context.Context, classID, attendeeID string) (*broker.Subscription, session.Snapshot, error)
	Unsubscribe(ctx context.Context, classID, attendeeID string) error
	Detach(ctx context.Context, sub *broker.Subscription) error
	Start(ctx context.Context, classID, trainerID string) (session.Snapshot, error)
}

// Config holds connection liveness tunables.
type Config struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
}

func (c Config) withDefaults() Config {
	if c.PongWait <= 0 {
		c.PongWait = 45 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	return c
}

// Frame is the JSON envelope written to clients.
type Frame struct {
	Type        string            `json:"type"`
	ClassID     string            `json:"class_id"`
	Sequence    uint64            `json:"sequence,omitempty"`
	PublishedAt *time.Time        `json:"published_at,omitempty"`
	Snapshot    *session.Snapshot `json:"snapshot,omitempty"`
	Error       *ErrorBody        `json:"error,omitempty"`
}

// ErrorBody mirrors the HTTP error payload.
type ErrorBody struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
}

// ClientFrame is a command sent by the client.
type ClientFrame struct {
	Type string `json:"type"`
}

// Option configures optional behaviour for the Handler.
type Option func(*Handler)

// WithLogger overrides the handler logger.
func WithLogger(logger *log.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithCheckOrigin restricts which origins may upgrade.
func WithCheckOrigin(check func(r *http.Request) bool) Option {
	return func(h *Handler) {
		h.upgrader.CheckOrigin = check
	}
}

// Handler upgrades GET /v1/classes/{id}/live/ws requests.
type Handler struct {
	coord    Coordinator
	cfg      Config
	upgrader websocket.Upgrader
	logger   *log.Logger
	wg       sync.WaitGroup
}

// NewHandler constructs a Handler.
func NewHandler(coord Coordinator, cfg Config, opts ...Option) *Handler {
	h := &Handler{
		coord: coord,
		cfg:   cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: log.New(log.Writer(), "[ws] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Wait blocks until every connection served by h has finished cleaning up.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	classID := classIDFromPath(r.URL.Path)
	if classID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing class id")
		return
	}
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasAnyScope(auth.ScopeClassesJoin, auth.ScopeClassesLead) {
		writeError(w, http.StatusForbidden, "forbidden", "scope classes:join required")
		return
	}

	// Join before upgrading so refusals are reported as plain HTTP errors.
	sub, snap, err := h.coord.Subscribe(r.Context(), classID, claims.Subject)
	if err != nil {
		status, code := statusFor(err)
		writeError(w, status, code, err.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade for %s in class %s failed: %v", claims.Subject, classID, err)
		if derr := h.coord.Detach(context.Background(), sub); derr != nil {
			h.logger.Printf("detach %s from class %s: %v", claims.Subject, classID, derr)
		}
		return
	}

	c := &connection{
		handler:   h,
		conn:      conn,
		sub:       sub,
		classID:   classID,
		subjectID: claims.Subject,
		replies:   make(chan Frame, 4),
		done:      make(chan struct{}),
	}
	h.wg.Add(1)
	go c.run(snap)
}

type connection struct {
	handler   *Handler
	conn      *websocket.Conn
	sub       *broker.Subscription
	classID   string
	subjectID string
	replies   chan Frame
	done      chan struct{}
}

func (c *connection) run(initial session.Snapshot) {
	defer c.handler.wg.Done()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(initial)
	}()

	left := c.readLoop()
	close(c.done)
	if !left {
		if err := c.handler.coord.Detach(context.Background(), c.sub); err != nil {
			c.handler.logger.Printf("detach %s from class %s: %v", c.subjectID, c.classID, err)
		}
	}
	<-writerDone
	_ = c.conn.Close()
}

// readLoop returns true when the client left explicitly.
func (c *connection) readLoop() bool {
	cfg := c.handler.cfg
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.handler.logger.Printf("connection for %s in class %s lost: %v", c.subjectID, c.classID, err)
			}
			return false
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.reply(errorFrame(c.classID, "invalid_request", "unable to parse frame"))
			continue
		}

		switch strings.ToLower(strings.TrimSpace(frame.Type)) {
		case FrameStart:
			if _, err := c.handler.coord.Start(context.Background(), c.classID, c.subjectID); err != nil {
				_, code := statusFor(err)
				c.reply(errorFrame(c.classID, code, err.Error()))
			}
		case FrameLeave:
			if err := c.handler.coord.Unsubscribe(context.Background(), c.classID, c.subjectID); err != nil {
				_, code := statusFor(err)
				c.reply(errorFrame(c.classID, code, err.Error()))
				continue
			}
			return true
		default:
			c.reply(errorFrame(c.classID, "invalid_request", "unknown frame type "+frame.Type))
		}
	}
}

func (c *connection) reply(frame Frame) {
	select {
	case c.replies <- frame:
	case <-c.done:
	}
}

func (c *connection) writeLoop(initial session.Snapshot) {
	cfg := c.handler.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer ticker.Stop()
	// Closing the socket unblocks the reader if the writer stops first.
	defer c.conn.Close()

	if err := c.write(Frame{Type: "session.snapshot", ClassID: c.classID, Snapshot: &initial}); err != nil {
		return
	}

	for {
		select {
		case event, ok := <-c.sub.Events():
			if !ok {
				c.closeWith(closeCode(c.sub.Reason()), string(c.sub.Reason()))
				return
			}
			if err := c.write(eventFrame(c.classID, event)); err != nil {
				return
			}
		case frame := <-c.replies:
			if err := c.write(frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteWait)); err != nil {
				return
			}
		case <-c.done:
			c.closeWith(websocket.CloseNormalClosure, "")
			return
		}
	}
}

func (c *connection) write(frame Frame) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.handler.cfg.WriteWait))
	return c.conn.WriteJSON(frame)
}

func (c *connection) closeWith(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.handler.cfg.WriteWait))
}

func eventFrame(classID string, event broker.Event) Frame {
	frame := Frame{Type: event.Type, ClassID: classID, Sequence: event.Sequence}
	if !event.PublishedAt.IsZero() {
		at := event.PublishedAt
		frame.PublishedAt = &at
	}
	if snap, ok := event.Payload.(session.Snapshot); ok {
		frame.Snapshot = &snap
	}
	return frame
}

func errorFrame(classID, code, detail string) Frame {
	return Frame{Type: FrameError, ClassID: classID, Error: &ErrorBody{Type: code, Detail: detail}}
}

func closeCode(reason broker.CloseReason) int {
	switch reason {
	case broker.ReasonClosed:
		return websocket.CloseGoingAway
	case broker.ReasonReplaced:
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseNormalClosure
	}
}

func classIDFromPath(path string) string {
	rest := strings.TrimPrefix(path, "/v1/classes/")
	classID, _, _ := strings.Cut(rest, "/")
	return classID
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, domain.ErrAlreadyStarted):
		return http.StatusConflict, "already_started"
	case errors.Is(err, domain.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "storage_unavailable"
	case errors.Is(err, broker.ErrClosed):
		return http.StatusServiceUnavailable, "shutting_down"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"type": code, "detail": detail})
}
