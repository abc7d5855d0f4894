package admin

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sppix/storefront-backend/api/responses"
	"github.com/sppix/storefront-backend/api/validators"
	internalchat "github.com/sppix/storefront-backend/internal/chat"
	"github.com/sppix/storefront-backend/pkg/auth"
	"github.com/sppix/storefront-backend/pkg/db/models"
	"github.com/sppix/storefront-backend/pkg/enums"
	pkgerrors "github.com/sppix/storefront-backend/pkg/errors"
	"github.com/sppix/storefront-backend/pkg/logger"
)

const supportDisplayName = "Support"

// Inbox is the registry surface the admin chat endpoints use.
type Inbox interface {
	ListRoomsForAdmin(ctx context.Context, presence internalchat.PresenceReader, includeClosed bool) ([]internalchat.RoomSummary, error)
	ValidateAccess(ctx context.Context, roomID string, who auth.AuthContext) (*models.ChatRoom, error)
	ListMessages(ctx context.Context, roomID string) ([]internalchat.Message, error)
	Post(ctx context.Context, roomID string, sender internalchat.Sender, plaintext string) (*internalchat.Message, error)
	MarkCustomerMessagesRead(ctx context.Context, roomID string) (int64, error)
	CloseRoom(ctx context.Context, roomID string) (*models.ChatRoom, error)
}

// ListRooms returns the inbox with unread counts and live presence.
func ListRooms(inbox Inbox, presence internalchat.PresenceReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		includeClosed, _ := strconv.ParseBool(r.URL.Query().Get("include_closed"))
		rooms, err := inbox.ListRoomsForAdmin(r.Context(), presence, includeClosed)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, rooms)
	}
}

// RoomMessages returns a room's decrypted history.
func RoomMessages(inbox Inbox, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomID")
		if _, err := inbox.ValidateAccess(r.Context(), roomID, auth.FromContext(r.Context())); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		messages, err := inbox.ListMessages(r.Context(), roomID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, messages)
	}
}

type postMessageRequest struct {
	Content string `json:"content" validate:"required"`
}

// PostMessage replies into a room. Subscribers on the room socket receive it
// the same way as socket-sent replies.
func PostMessage(inbox Inbox, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who := auth.FromContext(r.Context())
		roomID := chi.URLParam(r, "roomID")
		if _, err := inbox.ValidateAccess(r.Context(), roomID, who); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload postMessageRequest
		if err := validators.DecodeJSONBody(w, r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		msg, err := inbox.Post(r.Context(), roomID, internalchat.Sender{
			Kind:        enums.SenderAdmin,
			DisplayName: supportDisplayName,
			UserID:      who.UserID,
		}, payload.Content)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, msg)
	}
}

// MarkRead marks every customer message in the room read.
func MarkRead(inbox Inbox, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomID")
		if _, err := inbox.ValidateAccess(r.Context(), roomID, auth.FromContext(r.Context())); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		n, err := inbox.MarkCustomerMessagesRead(r.Context(), roomID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]int64{"marked": n})
	}
}

// CloseRoom closes a conversation.
func CloseRoom(inbox Inbox, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomID")
		if _, err := inbox.ValidateAccess(r.Context(), roomID, auth.FromContext(r.Context())); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		room, err := inbox.CloseRoom(r.Context(), roomID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if room == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "chat room not found"))
			return
		}
		responses.WriteSuccess(w, map[string]any{"id": room.ID, "status": room.Status})
	}
}
