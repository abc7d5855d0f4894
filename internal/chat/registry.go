// Package chat owns support rooms and their messages. It is the only
// package that seals or opens message ciphertext.
package chat

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/sppix/storefront-backend/internal/bus"
	"github.com/sppix/storefront-backend/pkg/auth"
	"github.com/sppix/storefront-backend/pkg/db"
	"github.com/sppix/storefront-backend/pkg/db/models"
	"github.com/sppix/storefront-backend/pkg/enums"
	pkgerrors "github.com/sppix/storefront-backend/pkg/errors"
	"github.com/sppix/storefront-backend/pkg/logger"
)

const defaultMaxMessageBytes = 8192

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type sealer interface {
	Seal(plaintext []byte) (string, error)
	Open(envelope string) ([]byte, error)
}

// PresenceReader reports how many sockets are connected to a room.
type PresenceReader interface {
	Online(roomID string) int
}

// Profile is the contact detail a customer supplies when opening a room.
type Profile struct {
	DisplayName string
	Email       string
	Phone       string
}

// Sender identifies the author of a message.
type Sender struct {
	Kind        enums.ChatSenderKind
	DisplayName string
	UserID      string
}

// Message is a decrypted chat message.
type Message struct {
	ID                uint64               `json:"id"`
	RoomID            string               `json:"room_id"`
	SenderKind        enums.ChatSenderKind `json:"sender_kind"`
	SenderDisplayName string               `json:"sender_display_name"`
	SenderUserID      string               `json:"sender_user_id,omitempty"`
	Content           string               `json:"content"`
	Read              bool                 `json:"read"`
	CreatedAt         time.Time            `json:"created_at"`
}

// RoomSummary is one row of the admin room listing.
type RoomSummary struct {
	ID             string               `json:"id"`
	DisplayName    string               `json:"display_name"`
	Email          string               `json:"email"`
	Phone          string               `json:"phone"`
	Status         enums.ChatRoomStatus `json:"status"`
	LastActivityAt time.Time            `json:"last_activity_at"`
	UnreadCount    int64                `json:"unread_count"`
	Online         bool                 `json:"online"`
	Connections    int                  `json:"connections"`
}

type RegistryParams struct {
	Repo            Repository
	Tx              txRunner
	Cipher          sealer
	Bus             bus.Bus
	Logger          *logger.Logger
	MaxMessageBytes int64
}

// Registry manages rooms and messages. Bus is optional; without it Post
// persists but announces nothing.
type Registry struct {
	repo     Repository
	tx       txRunner
	cipher   sealer
	bus      bus.Bus
	logg     *logger.Logger
	maxBytes int64
	now      func() time.Time
}

func NewRegistry(params RegistryParams) (*Registry, error) {
	if params.Repo == nil {
		return nil, errors.New("chat repository required")
	}
	if params.Tx == nil {
		return nil, errors.New("transaction runner required")
	}
	if params.Cipher == nil {
		return nil, errors.New("cipher required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	maxBytes := params.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxMessageBytes
	}
	return &Registry{
		repo:     params.Repo,
		tx:       params.Tx,
		cipher:   params.Cipher,
		bus:      params.Bus,
		logg:     params.Logger,
		maxBytes: maxBytes,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// GetOrCreateRoom returns the caller's open room, creating one when none
// exists. An anonymous caller without a session token is issued one; it is
// returned on the room's OwnerSession.
func (r *Registry) GetOrCreateRoom(ctx context.Context, who auth.AuthContext, profile Profile) (*models.ChatRoom, bool, error) {
	if who.Anonymous() && strings.TrimSpace(who.Session) == "" {
		who.Session = uuid.NewString()
	}

	room, err := r.findOpenRoom(ctx, who)
	if err == nil {
		return room, false, r.fillProfile(ctx, room, profile)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load chat room")
	}

	now := r.now()
	room = &models.ChatRoom{
		ID:             uuid.NewString(),
		DisplayName:    strings.TrimSpace(profile.DisplayName),
		Email:          strings.TrimSpace(profile.Email),
		Phone:          strings.TrimSpace(profile.Phone),
		Status:         enums.ChatRoomActive,
		LastActivityAt: now,
	}
	if who.Anonymous() {
		session := who.Session
		room.OwnerSession = &session
	} else {
		user := who.UserID
		room.OwnerUserID = &user
	}
	if err := r.repo.CreateRoom(ctx, room); err != nil {
		if db.IsUniqueViolation(err, "idx_chat_rooms_open_per_user") || db.IsUniqueViolation(err, "idx_chat_rooms_open_per_session") {
			// Lost a race with a concurrent open; the winner's room is the one.
			existing, findErr := r.findOpenRoom(ctx, who)
			if findErr == nil {
				return existing, false, nil
			}
		}
		return nil, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create chat room")
	}
	r.logg.Info(r.logg.WithRoomID(ctx, room.ID), "chat.room_created")
	r.announceRoom(ctx, room, "created")
	return room, true, nil
}

func (r *Registry) findOpenRoom(ctx context.Context, who auth.AuthContext) (*models.ChatRoom, error) {
	if !who.Anonymous() {
		return r.repo.FindOpenRoomForUser(ctx, who.UserID)
	}
	return r.repo.FindOpenRoomForSession(ctx, who.Session)
}

func (r *Registry) fillProfile(ctx context.Context, room *models.ChatRoom, profile Profile) error {
	updates := map[string]any{}
	if v := strings.TrimSpace(profile.DisplayName); v != "" && room.DisplayName == "" {
		updates["display_name"] = v
		room.DisplayName = v
	}
	if v := strings.TrimSpace(profile.Email); v != "" && room.Email == "" {
		updates["email"] = v
		room.Email = v
	}
	if v := strings.TrimSpace(profile.Phone); v != "" && room.Phone == "" {
		updates["phone"] = v
		room.Phone = v
	}
	if err := r.repo.UpdateRoom(ctx, room.ID, updates); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update chat room")
	}
	return nil
}

// Room loads a room without an access check.
func (r *Registry) Room(ctx context.Context, roomID string) (*models.ChatRoom, error) {
	return wrapRoom(r.repo.FindRoom(ctx, roomID))
}

// ValidateAccess returns the room when who may use it: admins, the owning
// user, or the owning anonymous session. Unknown rooms are NOT_FOUND and
// other callers FORBIDDEN.
func (r *Registry) ValidateAccess(ctx context.Context, roomID string, who auth.AuthContext) (*models.ChatRoom, error) {
	if _, err := uuid.Parse(roomID); err != nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "chat room not found")
	}
	room, err := r.Room(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if err := auth.RequireOwner(who, room); err != nil {
		return nil, err
	}
	return room, nil
}

// AppendMessage seals plaintext and stores it under the room lock. A
// customer message leaves the room waiting for staff; a staff message makes
// it active again and reads out every pending customer message.
func (r *Registry) AppendMessage(ctx context.Context, roomID string, sender Sender, plaintext string) (*Message, error) {
	content := strings.TrimSpace(plaintext)
	if content == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "message content is required")
	}
	if int64(len(content)) > r.maxBytes {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "message content is too long")
	}
	if !utf8.ValidString(content) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "message content must be utf-8")
	}
	if !sender.Kind.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid sender kind")
	}

	ciphertext, err := r.cipher.Seal([]byte(content))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "seal message")
	}

	var stored models.ChatMessage
	err = r.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := r.repo.WithTx(tx)
		room, err := wrapRoom(repo.FindRoomForUpdate(ctx, roomID))
		if err != nil {
			return err
		}
		if room.Status == enums.ChatRoomClosed {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "chat room is closed")
		}

		createdAt := r.now()
		if createdAt.Before(room.LastActivityAt) {
			createdAt = room.LastActivityAt
		}
		stored = models.ChatMessage{
			RoomID:            room.ID,
			SenderKind:        sender.Kind,
			SenderDisplayName: sender.DisplayName,
			Ciphertext:        ciphertext,
			Read:              sender.Kind != enums.SenderCustomer,
			CreatedAt:         createdAt,
		}
		if sender.UserID != "" {
			uid := sender.UserID
			stored.SenderUserID = &uid
		}
		if err := repo.InsertMessage(ctx, &stored); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert chat message")
		}

		updates := map[string]any{"last_activity_at": createdAt}
		switch sender.Kind {
		case enums.SenderCustomer:
			updates["status"] = enums.ChatRoomWaiting
		case enums.SenderAdmin:
			updates["status"] = enums.ChatRoomActive
			if _, err := repo.MarkCustomerMessagesRead(ctx, room.ID); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark messages read")
			}
		}
		if err := repo.UpdateRoom(ctx, room.ID, updates); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "touch chat room")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	msg := toMessage(stored, content)
	return &msg, nil
}

// Post appends a message and announces it: the room group receives the
// message itself and the admin broadcast a notice naming the room.
func (r *Registry) Post(ctx context.Context, roomID string, sender Sender, plaintext string) (*Message, error) {
	msg, err := r.AppendMessage(ctx, roomID, sender, plaintext)
	if err != nil {
		return nil, err
	}
	if r.bus == nil {
		return msg, nil
	}
	ctx = r.logg.WithRoomID(ctx, roomID)

	if err := r.bus.Publish(ctx, bus.ChatGroup(roomID), bus.MustEvent(bus.TypeChatMessage, msg)); err != nil {
		r.logg.Warn(r.logg.WithField(ctx, "error", err.Error()), "chat.publish_failed")
	}

	noticeType := bus.TypeAdminMessageSent
	if sender.Kind == enums.SenderCustomer {
		noticeType = bus.TypeNewCustomerMessage
	}
	notice := bus.MustEvent(noticeType, map[string]any{
		"room_id": roomID,
		"message": msg,
	})
	if err := r.bus.Publish(ctx, bus.GroupAdminBroadcast, notice); err != nil {
		r.logg.Warn(r.logg.WithField(ctx, "error", err.Error()), "chat.notice_failed")
	}
	return msg, nil
}

// ListMessages returns the room's messages oldest first, decrypted.
func (r *Registry) ListMessages(ctx context.Context, roomID string) ([]Message, error) {
	rows, err := r.repo.ListMessages(ctx, roomID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list chat messages")
	}
	out := make([]Message, 0, len(rows))
	for _, row := range rows {
		plain, err := r.cipher.Open(row.Ciphertext)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "open chat message")
		}
		out = append(out, toMessage(row, string(plain)))
	}
	return out, nil
}

func (r *Registry) MarkCustomerMessagesRead(ctx context.Context, roomID string) (int64, error) {
	if _, err := r.Room(ctx, roomID); err != nil {
		return 0, err
	}
	n, err := r.repo.MarkCustomerMessagesRead(ctx, roomID)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark messages read")
	}
	return n, nil
}

// ListRoomsForAdmin lists rooms by most recent activity with unread counts
// and, when presence is given, the live connection count.
func (r *Registry) ListRoomsForAdmin(ctx context.Context, presence PresenceReader, includeClosed bool) ([]RoomSummary, error) {
	rooms, err := r.repo.ListRooms(ctx, includeClosed, 0)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list chat rooms")
	}
	ids := make([]string, 0, len(rooms))
	for _, room := range rooms {
		ids = append(ids, room.ID)
	}
	unread, err := r.repo.UnreadCounts(ctx, ids)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count unread messages")
	}

	out := make([]RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		summary := RoomSummary{
			ID:             room.ID,
			DisplayName:    room.DisplayName,
			Email:          room.Email,
			Phone:          room.Phone,
			Status:         room.Status,
			LastActivityAt: room.LastActivityAt,
			UnreadCount:    unread[room.ID],
		}
		if presence != nil {
			summary.Connections = presence.Online(room.ID)
			summary.Online = summary.Connections > 0
		}
		out = append(out, summary)
	}
	return out, nil
}

// CloseRoom marks the room closed. Its owner's next GetOrCreateRoom opens a
// fresh room.
func (r *Registry) CloseRoom(ctx context.Context, roomID string) (*models.ChatRoom, error) {
	var room *models.ChatRoom
	err := r.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := r.repo.WithTx(tx)
		locked, err := wrapRoom(repo.FindRoomForUpdate(ctx, roomID))
		if err != nil {
			return err
		}
		room = locked
		if room.Status == enums.ChatRoomClosed {
			return nil
		}
		room.Status = enums.ChatRoomClosed
		if err := repo.UpdateRoom(ctx, room.ID, map[string]any{"status": enums.ChatRoomClosed}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "close chat room")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.announceRoom(ctx, room, "closed")
	return room, nil
}

func (r *Registry) announceRoom(ctx context.Context, room *models.ChatRoom, action string) {
	if r.bus == nil {
		return
	}
	ev := bus.MustEvent(bus.TypeRoomActivity, map[string]any{
		"room_id": room.ID,
		"action":  action,
		"status":  room.Status,
	})
	if err := r.bus.Publish(ctx, bus.GroupAdminBroadcast, ev); err != nil {
		r.logg.Warn(r.logg.WithField(ctx, "error", err.Error()), "chat.room_notice_failed")
	}
}

func wrapRoom(room *models.ChatRoom, err error) (*models.ChatRoom, error) {
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "chat room not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load chat room")
	}
	return room, nil
}

func toMessage(row models.ChatMessage, content string) Message {
	msg := Message{
		ID:                row.ID,
		RoomID:            row.RoomID,
		SenderKind:        row.SenderKind,
		SenderDisplayName: row.SenderDisplayName,
		Content:           content,
		Read:              row.Read,
		CreatedAt:         row.CreatedAt,
	}
	if row.SenderUserID != nil {
		msg.SenderUserID = *row.SenderUserID
	}
	return msg
}
