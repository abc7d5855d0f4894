// Package chat serves the customer chat HTTP surface. Live messaging runs
// over the room socket.
package chat

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sppix/storefront-backend/api/responses"
	"github.com/sppix/storefront-backend/api/validators"
	internalchat "github.com/sppix/storefront-backend/internal/chat"
	"github.com/sppix/storefront-backend/pkg/auth"
	"github.com/sppix/storefront-backend/pkg/db/models"
	"github.com/sppix/storefront-backend/pkg/enums"
	"github.com/sppix/storefront-backend/pkg/logger"
)

// Rooms is the registry surface the customer endpoints use.
type Rooms interface {
	GetOrCreateRoom(ctx context.Context, who auth.AuthContext, profile internalchat.Profile) (*models.ChatRoom, bool, error)
	ValidateAccess(ctx context.Context, roomID string, who auth.AuthContext) (*models.ChatRoom, error)
	ListMessages(ctx context.Context, roomID string) ([]internalchat.Message, error)
}

type openRoomRequest struct {
	DisplayName string `json:"display_name,omitempty" validate:"omitempty,max=120"`
	Email       string `json:"email,omitempty" validate:"omitempty,email,max=254"`
	Phone       string `json:"phone,omitempty" validate:"omitempty,max=32"`
}

// RoomView is the room as its owner sees it. SessionToken is set for
// anonymous owners, who present it on later requests and sockets.
type RoomView struct {
	ID             string               `json:"id"`
	Status         enums.ChatRoomStatus `json:"status"`
	DisplayName    string               `json:"display_name"`
	SessionToken   string               `json:"session_token,omitempty"`
	LastActivityAt time.Time            `json:"last_activity_at"`
	CreatedAt      time.Time            `json:"created_at"`
	Created        bool                 `json:"created"`
}

// OpenRoom returns the caller's open room, creating it when needed.
func OpenRoom(rooms Rooms, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload openRoomRequest
		if r.ContentLength != 0 {
			if err := validators.DecodeJSONBody(w, r, &payload); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}

		room, created, err := rooms.GetOrCreateRoom(r.Context(), auth.FromContext(r.Context()), internalchat.Profile{
			DisplayName: validators.SanitizeString(payload.DisplayName, 120),
			Email:       payload.Email,
			Phone:       payload.Phone,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		view := RoomView{
			ID:             room.ID,
			Status:         room.Status,
			DisplayName:    room.DisplayName,
			SessionToken:   room.OwnerSessionToken(),
			LastActivityAt: room.LastActivityAt,
			CreatedAt:      room.CreatedAt,
			Created:        created,
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		responses.WriteSuccessStatus(w, status, view)
	}
}

// Messages lists a room's history for its owner.
func Messages(rooms Rooms, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomID")
		if _, err := rooms.ValidateAccess(r.Context(), roomID, auth.FromContext(r.Context())); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		messages, err := rooms.ListMessages(r.Context(), roomID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, messages)
	}
}
