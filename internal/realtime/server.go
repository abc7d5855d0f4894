package realtime

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/sppix/storefront-backend/internal/bus"
	"github.com/sppix/storefront-backend/internal/chat"
	"github.com/sppix/storefront-backend/pkg/auth"
	"github.com/sppix/storefront-backend/pkg/db/models"
	"github.com/sppix/storefront-backend/pkg/enums"
	pkgerrors "github.com/sppix/storefront-backend/pkg/errors"
	"github.com/sppix/storefront-backend/pkg/logger"
	"github.com/sppix/storefront-backend/pkg/metrics"
)

// Socket kinds, used for logs and metrics.
const (
	KindChat          = "chat"
	KindAdminChat     = "admin_chat"
	KindAdminRealtime = "admin_realtime"
)

const adminDisplayName = "Support"

// ChatRooms is the registry surface the sockets use.
type ChatRooms interface {
	ValidateAccess(ctx context.Context, roomID string, who auth.AuthContext) (*models.ChatRoom, error)
	Post(ctx context.Context, roomID string, sender chat.Sender, plaintext string) (*chat.Message, error)
	MarkCustomerMessagesRead(ctx context.Context, roomID string) (int64, error)
}

type ServerParams struct {
	Bus      bus.Bus
	Rooms    ChatRooms
	Presence *Presence
	Metrics  *metrics.Storefront
	Logger   *logger.Logger
	Session  SessionConfig
}

// Server runs sockets that have already been upgraded and authenticated.
type Server struct {
	bus      bus.Bus
	rooms    ChatRooms
	presence *Presence
	metrics  *metrics.Storefront
	logg     *logger.Logger
	cfg      SessionConfig
}

func NewServer(params ServerParams) (*Server, error) {
	if params.Bus == nil {
		return nil, errors.New("bus required")
	}
	if params.Rooms == nil {
		return nil, errors.New("chat rooms required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	presence := params.Presence
	if presence == nil {
		presence = NewPresence()
	}
	return &Server{
		bus:      params.Bus,
		rooms:    params.Rooms,
		presence: presence,
		metrics:  params.Metrics,
		logg:     params.Logger,
		cfg:      params.Session,
	}, nil
}

// Presence exposes the room presence map for the admin room listing.
func (s *Server) Presence() *Presence {
	return s.presence
}

// ServeChat serves a customer (or admin) socket on one room.
func (s *Server) ServeChat(ctx context.Context, conn Conn, who auth.AuthContext, roomID string) {
	room, err := s.rooms.ValidateAccess(ctx, roomID, who)
	if err != nil {
		s.refuse(ctx, conn, KindChat, err)
		return
	}

	connID := uuid.NewString()
	ctx = s.logg.WithFields(s.logg.WithRoomID(ctx, room.ID), map[string]any{
		"conn_id": connID,
		"kind":    KindChat,
	})
	session := newSession(connID, KindChat, conn, s.bus, []string{bus.ChatGroup(room.ID)}, nil, s.cfg, s.logg)

	sender := chat.Sender{Kind: enums.SenderCustomer, DisplayName: room.DisplayName, UserID: who.UserID}
	if who.IsAdmin() {
		sender = chat.Sender{Kind: enums.SenderAdmin, DisplayName: adminDisplayName, UserID: who.UserID}
	} else {
		s.roomActivity(ctx, room.ID, "joined", s.presence.Join(room.ID, connID))
		defer func() {
			s.roomActivity(context.WithoutCancel(ctx), room.ID, "left", s.presence.Leave(room.ID, connID))
		}()
	}

	done := opened(s.metrics, KindChat)
	defer done()
	s.logg.Info(ctx, "ws.connected")
	defer s.logg.Info(ctx, "ws.closed")

	session.Run(ctx, func(ctx context.Context, sess *Session, in Inbound) error {
		switch in.Type {
		case bus.TypeChatMessage:
			_, err := s.rooms.Post(ctx, room.ID, sender, in.Content)
			return err
		case TypeMarkRead:
			if !who.IsAdmin() {
				return pkgerrors.New(pkgerrors.CodeForbidden, "admin role required")
			}
			_, err := s.rooms.MarkCustomerMessagesRead(ctx, room.ID)
			return err
		default:
			return ErrUnknownFrame
		}
	})
}

// ServeAdminChat serves the admin chat manifold: room notices from the admin
// broadcast, and replies into any room.
func (s *Server) ServeAdminChat(ctx context.Context, conn Conn, who auth.AuthContext) {
	if err := auth.RequireAdmin(who); err != nil {
		s.refuse(ctx, conn, KindAdminChat, err)
		return
	}
	connID := uuid.NewString()
	ctx = s.logg.WithFields(ctx, map[string]any{"conn_id": connID, "kind": KindAdminChat})
	session := newSession(connID, KindAdminChat, conn, s.bus, []string{bus.GroupAdminBroadcast}, chatNotice, s.cfg, s.logg)

	done := opened(s.metrics, KindAdminChat)
	defer done()
	s.logg.Info(ctx, "ws.connected")
	defer s.logg.Info(ctx, "ws.closed")

	sender := chat.Sender{Kind: enums.SenderAdmin, DisplayName: adminDisplayName, UserID: who.UserID}
	session.Run(ctx, func(ctx context.Context, sess *Session, in Inbound) error {
		roomID := strings.TrimSpace(in.RoomID)
		switch in.Type {
		case bus.TypeChatMessage:
			if roomID == "" {
				return pkgerrors.New(pkgerrors.CodeValidation, "room_id is required")
			}
			if _, err := s.rooms.ValidateAccess(ctx, roomID, who); err != nil {
				return err
			}
			_, err := s.rooms.Post(ctx, roomID, sender, in.Content)
			return err
		case TypeMarkRead:
			if roomID == "" {
				return pkgerrors.New(pkgerrors.CodeValidation, "room_id is required")
			}
			_, err := s.rooms.MarkCustomerMessagesRead(ctx, roomID)
			return err
		default:
			return ErrUnknownFrame
		}
	})
}

// ServeAdminRealtime streams data_update notices to the admin dashboard.
func (s *Server) ServeAdminRealtime(ctx context.Context, conn Conn, who auth.AuthContext) {
	if err := auth.RequireAdmin(who); err != nil {
		s.refuse(ctx, conn, KindAdminRealtime, err)
		return
	}
	connID := uuid.NewString()
	ctx = s.logg.WithFields(ctx, map[string]any{"conn_id": connID, "kind": KindAdminRealtime})
	session := newSession(connID, KindAdminRealtime, conn, s.bus, []string{bus.GroupAdminBroadcast}, dataUpdate, s.cfg, s.logg)

	done := opened(s.metrics, KindAdminRealtime)
	defer done()
	s.logg.Info(ctx, "ws.connected")
	defer s.logg.Info(ctx, "ws.closed")

	if !session.Send(ctx, map[string]any{"type": TypeAuthSuccess, "user_id": who.UserID}) {
		session.Close(CloseInternal, "")
		return
	}
	session.Run(ctx, nil)
}

func (s *Server) refuse(ctx context.Context, conn Conn, kind string, err error) {
	code := CloseCodeFor(err)
	s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
		"kind":       kind,
		"close_code": code,
		"error":      err.Error(),
	}), "ws.refused")
	Reject(conn, code, publicMessage(err))
}

func (s *Server) roomActivity(ctx context.Context, roomID, action string, online int) {
	ev := bus.MustEvent(bus.TypeRoomActivity, map[string]any{
		"room_id": roomID,
		"action":  action,
		"online":  online,
	})
	if err := s.bus.Publish(ctx, bus.GroupAdminBroadcast, ev); err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "ws.presence_notice_failed")
	}
}

func chatNotice(ev bus.Event) bool {
	switch ev.Type {
	case bus.TypeRoomActivity, bus.TypeNewCustomerMessage, bus.TypeAdminMessageSent:
		return true
	}
	return false
}

func dataUpdate(ev bus.Event) bool {
	return ev.Type == bus.TypeDataUpdate
}
