package models

import (
	"time"

	"github.com/sppix/storefront-backend/pkg/enums"
)

// ChatRoom is a support conversation owned by a user or, for anonymous
// shoppers, by a session token.
type ChatRoom struct {
	ID             string               `gorm:"column:id;primaryKey"`
	OwnerUserID    *string              `gorm:"column:owner_user_id;index"`
	OwnerSession   *string              `gorm:"column:owner_session;index"`
	DisplayName    string               `gorm:"column:display_name;not null;default:''"`
	Email          string               `gorm:"column:email;not null;default:''"`
	Phone          string               `gorm:"column:phone;not null;default:''"`
	Status         enums.ChatRoomStatus `gorm:"column:status;not null;default:'active'"`
	LastActivityAt time.Time            `gorm:"column:last_activity_at;not null"`
	CreatedAt      time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}

// ChatMessage stores the encrypted payload only.
type ChatMessage struct {
	ID                uint64               `gorm:"column:id;primaryKey;autoIncrement"`
	RoomID            string               `gorm:"column:room_id;not null;index:idx_chat_messages_room_created,priority:1"`
	SenderKind        enums.ChatSenderKind `gorm:"column:sender_kind;not null"`
	SenderDisplayName string               `gorm:"column:sender_display_name;not null;default:''"`
	SenderUserID      *string              `gorm:"column:sender_user_id"`
	Ciphertext        string               `gorm:"column:ciphertext;not null"`
	Read              bool                 `gorm:"column:read;not null;default:false"`
	CreatedAt         time.Time            `gorm:"column:created_at;not null;index:idx_chat_messages_room_created,priority:2"`
}

func (r *ChatRoom) OwnerUser() string {
	if r == nil || r.OwnerUserID == nil {
		return ""
	}
	return *r.OwnerUserID
}

func (r *ChatRoom) OwnerSessionToken() string {
	if r == nil || r.OwnerSession == nil {
		return ""
	}
	return *r.OwnerSession
}
