package realtime

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sppix/storefront-backend/internal/bus"
	pkgerrors "github.com/sppix/storefront-backend/pkg/errors"
	"github.com/sppix/storefront-backend/pkg/logger"
)

const frameWait = 2 * time.Second

// fakeConn is a socket whose client side is driven through channels.
type fakeConn struct {
	inbound chan []byte
	frames  chan map[string]any

	mu        sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
	closeCode int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		frames:  make(chan map[string]any, 256),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg, ok := <-c.inbound:
		if !ok {
			return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
		}
		return websocket.TextMessage, msg, nil
	case <-c.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseGoingAway}
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	select {
	case c.frames <- frame:
	default:
	}
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		c.mu.Lock()
		if c.closeCode == 0 {
			c.closeCode = int(binary.BigEndian.Uint16(data[:2]))
		}
		c.mu.Unlock()
	}
	return nil
}

func (c *fakeConn) SetReadLimit(int64) {}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(t *testing.T, frame string) {
	t.Helper()
	select {
	case c.inbound <- []byte(frame):
	case <-time.After(frameWait):
		t.Fatalf("client send blocked: %s", frame)
	}
}

func (c *fakeConn) hangUp() {
	close(c.inbound)
}

func (c *fakeConn) code() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// next returns the next frame of frameType, skipping any other type.
func (c *fakeConn) next(t *testing.T, frameType string) map[string]any {
	t.Helper()
	deadline := time.After(frameWait)
	for {
		select {
		case frame := <-c.frames:
			if frame["type"] == frameType {
				return frame
			}
		case <-deadline:
			t.Fatalf("no %s frame within %s", frameType, frameWait)
			return nil
		}
	}
}

// nextNonHeartbeat returns the next frame that is not a heartbeat.
func (c *fakeConn) nextNonHeartbeat(t *testing.T) map[string]any {
	t.Helper()
	deadline := time.After(frameWait)
	for {
		select {
		case frame := <-c.frames:
			if frame["type"] != TypeHeartbeat {
				return frame
			}
		case <-deadline:
			t.Fatalf("no frame within %s", frameWait)
			return nil
		}
	}
}

func runSession(ctx context.Context, s *Session, handle FrameHandler) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx, handle)
	}()
	return done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(frameWait):
		t.Fatal("Run did not return")
	}
}

func waitMembers(t *testing.T, hub *bus.Hub, group string, want int) {
	t.Helper()
	deadline := time.Now().Add(frameWait)
	for hub.Members(group) != want {
		if time.Now().After(deadline) {
			t.Fatalf("group %s: expected %d members, got %d", group, want, hub.Members(group))
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSessionSendsHeartbeats(t *testing.T) {
	hub := bus.NewHub(nil)
	conn := newFakeConn()
	s := newSession("c1", KindChat, conn, hub, []string{"room:r1"}, nil,
		SessionConfig{Heartbeat: 10 * time.Millisecond}, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := runSession(ctx, s, nil)

	first := conn.next(t, TypeHeartbeat)
	second := conn.next(t, TypeHeartbeat)
	if first["timestamp"] == nil || second["timestamp"] == nil {
		t.Fatalf("heartbeats carry a timestamp: %v %v", first, second)
	}

	cancel()
	waitDone(t, done)
	if !conn.isClosed() {
		t.Fatal("cancelled session must close the socket")
	}
	if code := conn.code(); code != websocket.CloseGoingAway {
		t.Fatalf("expected going-away close, got %d", code)
	}
}

func TestSessionUnknownFrameKeepsSocketOpen(t *testing.T) {
	hub := bus.NewHub(nil)
	conn := newFakeConn()
	s := newSession("c1", KindChat, conn, hub, []string{"room:r1"}, nil,
		SessionConfig{Heartbeat: time.Hour}, logger.Nop())

	done := runSession(context.Background(), s, func(ctx context.Context, s *Session, in Inbound) error {
		return ErrUnknownFrame
	})

	conn.send(t, `{"type":"bogus"}`)
	frame := conn.next(t, TypeError)
	if msg, _ := frame["message"].(string); !strings.Contains(msg, "bogus") {
		t.Fatalf("expected the frame type in the error, got %v", frame)
	}

	conn.send(t, `not json`)
	conn.next(t, TypeError)

	conn.send(t, `{"type":"ping"}`)
	conn.next(t, TypePong)
	if conn.isClosed() {
		t.Fatal("socket must stay open after bad frames")
	}

	conn.hangUp()
	waitDone(t, done)
}

func TestSessionDeliversGroupEventsThroughFilter(t *testing.T) {
	hub := bus.NewHub(nil)
	conn := newFakeConn()
	s := newSession("c1", KindAdminRealtime, conn, hub, []string{bus.GroupAdminBroadcast}, dataUpdate,
		SessionConfig{Heartbeat: time.Hour}, logger.Nop())

	done := runSession(context.Background(), s, nil)
	waitMembers(t, hub, bus.GroupAdminBroadcast, 1)

	ctx := context.Background()
	if err := hub.Publish(ctx, bus.GroupAdminBroadcast, bus.MustEvent(bus.TypeRoomActivity, map[string]any{"room_id": "r1"})); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := hub.Publish(ctx, bus.GroupAdminBroadcast, bus.MustEvent(bus.TypeDataUpdate, map[string]any{"entity": "order"})); err != nil {
		t.Fatalf("publish: %v", err)
	}
	frame := conn.nextNonHeartbeat(t)
	if frame["type"] != bus.TypeDataUpdate || frame["entity"] != "order" {
		t.Fatalf("expected the data_update only, got %v", frame)
	}

	conn.hangUp()
	waitDone(t, done)
}

func TestSessionRunLeavesGroupsOnClose(t *testing.T) {
	hub := bus.NewHub(nil)
	conn := newFakeConn()
	groups := []string{"room:r1", bus.GroupAdminBroadcast}
	s := newSession("c1", KindChat, conn, hub, groups, nil,
		SessionConfig{Heartbeat: 5 * time.Millisecond}, logger.Nop())

	done := runSession(context.Background(), s, nil)
	for _, group := range groups {
		waitMembers(t, hub, group, 1)
	}

	conn.hangUp()
	waitDone(t, done)

	for _, group := range groups {
		if n := hub.Members(group); n != 0 {
			t.Fatalf("group %s still has %d members", group, n)
		}
	}
	if !conn.isClosed() {
		t.Fatal("socket must be closed once Run returns")
	}
	select {
	case <-s.sub.Done():
	default:
		t.Fatal("subscriber must be closed once Run returns")
	}

	// Run has joined its writers, so nothing reaches the socket afterwards.
	for len(conn.frames) > 0 {
		<-conn.frames
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(conn.frames); n != 0 {
		t.Fatalf("expected no writes after Run, got %d", n)
	}
}

func TestCloseCodeFor(t *testing.T) {
	cases := map[int]error{
		CloseUnauthorized: pkgerrors.New(pkgerrors.CodeUnauthorized, "authentication required"),
		CloseForbidden:    pkgerrors.New(pkgerrors.CodeForbidden, "admin role required"),
		CloseNotFound:     pkgerrors.New(pkgerrors.CodeNotFound, "room not found"),
		CloseBadRequest:   pkgerrors.New(pkgerrors.CodeValidation, "room id is required"),
		CloseInternal:     context.DeadlineExceeded,
	}
	for want, err := range cases {
		if got := CloseCodeFor(err); got != want {
			t.Fatalf("%v: expected %d, got %d", err, want, got)
		}
	}
}
