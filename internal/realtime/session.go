// Package realtime runs the chat and admin sockets: per-connection sessions
// bridging a websocket to message bus groups, plus room presence.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sppix/storefront-backend/internal/bus"
	pkgerrors "github.com/sppix/storefront-backend/pkg/errors"
	"github.com/sppix/storefront-backend/pkg/logger"
	"github.com/sppix/storefront-backend/pkg/metrics"
)

// Close codes sent to clients.
const (
	CloseInternal     = websocket.CloseInternalServerErr
	CloseBadRequest   = 4400
	CloseUnauthorized = 4401
	CloseForbidden    = 4403
	CloseNotFound     = 4404
)

// Frame types written by the session itself.
const (
	TypeHeartbeat   = "heartbeat"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeError       = "error"
	TypeAuthSuccess = "auth_success"
	TypeMarkRead    = "mark_read"
)

const (
	defaultHeartbeat = 30 * time.Second
	defaultWriteWait = 10 * time.Second
	defaultReadLimit = 16 * 1024
)

// ErrUnknownFrame is returned by a FrameHandler for frame types it does not
// serve; the client receives an error frame and the socket stays open.
var ErrUnknownFrame = errors.New("unknown frame type")

// Conn is the part of *websocket.Conn a session drives.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Inbound is a client frame. Fields other than Type are optional and frame
// specific.
type Inbound struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	RoomID  string `json:"room_id,omitempty"`
}

// FrameHandler serves one inbound frame. Returned errors are reported to the
// client as error frames.
type FrameHandler func(ctx context.Context, s *Session, in Inbound) error

// SessionConfig tunes a session. Zero values take defaults.
type SessionConfig struct {
	Heartbeat       time.Duration
	WriteWait       time.Duration
	MaxMessageBytes int64
	Backlog         int
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.Heartbeat <= 0 {
		c.Heartbeat = defaultHeartbeat
	}
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = defaultReadLimit
	}
	if c.Backlog <= 0 {
		c.Backlog = bus.DefaultBacklog
	}
	return c
}

// Session is one live socket. Every goroutine it starts is joined before Run
// returns.
type Session struct {
	id     string
	kind   string
	conn   Conn
	bus    bus.Bus
	sub    *bus.Subscriber
	groups []string
	filter func(bus.Event) bool
	cfg    SessionConfig
	logg   *logger.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newSession(id, kind string, conn Conn, b bus.Bus, groups []string, filter func(bus.Event) bool, cfg SessionConfig, logg *logger.Logger) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		id:     id,
		kind:   kind,
		conn:   conn,
		bus:    b,
		sub:    bus.NewSubscriber(id, cfg.Backlog),
		groups: groups,
		filter: filter,
		cfg:    cfg,
		logg:   logg,
	}
}

func (s *Session) ID() string {
	return s.id
}

// Run joins the session's groups and serves the socket until the client
// leaves, a write fails or ctx is cancelled.
func (s *Session) Run(ctx context.Context, handle FrameHandler) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, group := range s.groups {
		s.bus.Join(group, s.sub)
	}
	defer func() {
		for _, group := range s.groups {
			s.bus.Leave(group, s.sub)
		}
		s.sub.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		defer cancel()
		s.writeLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		s.heartbeatLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		<-ctx.Done()
		// Unblocks the read loop.
		s.Close(websocket.CloseGoingAway, "")
	}()

	s.readLoop(ctx, handle)
	cancel()
	wg.Wait()
}

func (s *Session) readLoop(ctx context.Context, handle FrameHandler) {
	s.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logg.Debug(s.logg.WithField(ctx, "error", err.Error()), "ws.read_ended")
			}
			return
		}
		if msgType != websocket.TextMessage {
			s.SendError(ctx, "text frames only")
			continue
		}

		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil || in.Type == "" {
			s.SendError(ctx, "frame must be a JSON object with a type")
			continue
		}
		if in.Type == TypePing {
			s.Send(ctx, map[string]any{"type": TypePong, "timestamp": time.Now().UTC()})
			continue
		}

		var handleErr error
		if handle == nil {
			handleErr = ErrUnknownFrame
		} else {
			handleErr = handle(ctx, s, in)
		}
		switch {
		case handleErr == nil:
		case errors.Is(handleErr, ErrUnknownFrame):
			s.SendError(ctx, "unknown frame type: "+in.Type)
		default:
			s.SendError(ctx, publicMessage(handleErr))
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	for {
		ev, err := s.sub.Next(ctx)
		if err != nil {
			return
		}
		if s.filter != nil && !s.filter(ev) {
			continue
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			s.logg.Error(ctx, "ws.encode_failed", err)
			continue
		}
		if err := s.write(payload); err != nil {
			return
		}
	}
}

func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			payload, _ := json.Marshal(map[string]any{"type": TypeHeartbeat, "timestamp": now.UTC()})
			if err := s.write(payload); err != nil {
				return
			}
		}
	}
}

// Send writes one JSON frame directly, outside the bus.
func (s *Session) Send(ctx context.Context, frame any) bool {
	payload, err := json.Marshal(frame)
	if err != nil {
		s.logg.Error(ctx, "ws.encode_failed", err)
		return false
	}
	return s.write(payload) == nil
}

func (s *Session) SendError(ctx context.Context, message string) {
	s.Send(ctx, map[string]any{"type": TypeError, "message": message})
}

func (s *Session) write(payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close sends a close frame with code and closes the transport. Only the
// first call has any effect.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		closeConn(s.conn, code, reason, s.cfg.WriteWait)
	})
}

// Reject closes a freshly upgraded connection that failed authorization.
func Reject(conn Conn, code int, reason string) {
	closeConn(conn, code, reason, defaultWriteWait)
}

func closeConn(conn Conn, code int, reason string, wait time.Duration) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wait))
	_ = conn.Close()
}

// CloseCodeFor maps an authorization or lookup failure to a close code.
func CloseCodeFor(err error) int {
	switch pkgerrors.CodeOf(err) {
	case pkgerrors.CodeUnauthorized:
		return CloseUnauthorized
	case pkgerrors.CodeForbidden:
		return CloseForbidden
	case pkgerrors.CodeNotFound:
		return CloseNotFound
	case pkgerrors.CodeValidation:
		return CloseBadRequest
	default:
		return CloseInternal
	}
}

func publicMessage(err error) string {
	if typed := pkgerrors.As(err); typed != nil {
		meta := pkgerrors.MetadataFor(typed.Code())
		if meta.HTTPStatus < 500 {
			return typed.Message()
		}
		return meta.PublicMessage
	}
	return "internal error"
}

// opened records a socket of kind and returns its closer.
func opened(m *metrics.Storefront, kind string) func() {
	m.SocketOpened(kind)
	return func() { m.SocketClosed(kind) }
}
