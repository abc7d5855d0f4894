package chat

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/sppix/storefront-backend/pkg/db"
	"github.com/sppix/storefront-backend/pkg/db/models"
	"github.com/sppix/storefront-backend/pkg/enums"
)

// Repository persists rooms and their encrypted messages. Finders return
// gorm.ErrRecordNotFound when nothing matches.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	CreateRoom(ctx context.Context, room *models.ChatRoom) error
	FindRoom(ctx context.Context, roomID string) (*models.ChatRoom, error)
	FindRoomForUpdate(ctx context.Context, roomID string) (*models.ChatRoom, error)
	FindOpenRoomForUser(ctx context.Context, userID string) (*models.ChatRoom, error)
	FindOpenRoomForSession(ctx context.Context, session string) (*models.ChatRoom, error)
	UpdateRoom(ctx context.Context, roomID string, updates map[string]any) error
	ListRooms(ctx context.Context, includeClosed bool, limit int) ([]models.ChatRoom, error)

	InsertMessage(ctx context.Context, msg *models.ChatMessage) error
	ListMessages(ctx context.Context, roomID string) ([]models.ChatMessage, error)
	MarkCustomerMessagesRead(ctx context.Context, roomID string) (int64, error)
	UnreadCounts(ctx context.Context, roomIDs []string) (map[string]int64, error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(conn *gorm.DB) Repository {
	return &repository{db: conn}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreateRoom(ctx context.Context, room *models.ChatRoom) error {
	return r.db.WithContext(ctx).Create(room).Error
}

func (r *repository) FindRoom(ctx context.Context, roomID string) (*models.ChatRoom, error) {
	var room models.ChatRoom
	if err := r.db.WithContext(ctx).Where("id = ?", roomID).Take(&room).Error; err != nil {
		return nil, err
	}
	return &room, nil
}

// FindRoomForUpdate locks the room row so appends serialize per room.
func (r *repository) FindRoomForUpdate(ctx context.Context, roomID string) (*models.ChatRoom, error) {
	var room models.ChatRoom
	if err := db.ForUpdate(r.db.WithContext(ctx)).Where("id = ?", roomID).Take(&room).Error; err != nil {
		return nil, err
	}
	return &room, nil
}

func (r *repository) FindOpenRoomForUser(ctx context.Context, userID string) (*models.ChatRoom, error) {
	var room models.ChatRoom
	err := r.db.WithContext(ctx).
		Where("owner_user_id = ? AND status <> ?", userID, enums.ChatRoomClosed).
		Order("created_at DESC").
		Take(&room).Error
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (r *repository) FindOpenRoomForSession(ctx context.Context, session string) (*models.ChatRoom, error) {
	var room models.ChatRoom
	err := r.db.WithContext(ctx).
		Where("owner_session = ? AND owner_user_id IS NULL AND status <> ?", session, enums.ChatRoomClosed).
		Order("created_at DESC").
		Take(&room).Error
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (r *repository) UpdateRoom(ctx context.Context, roomID string, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	updates["updated_at"] = time.Now().UTC()
	return r.db.WithContext(ctx).
		Model(&models.ChatRoom{}).
		Where("id = ?", roomID).
		UpdateColumns(updates).Error
}

func (r *repository) ListRooms(ctx context.Context, includeClosed bool, limit int) ([]models.ChatRoom, error) {
	q := r.db.WithContext(ctx).Order("last_activity_at DESC").Order("id")
	if !includeClosed {
		q = q.Where("status <> ?", enums.ChatRoomClosed)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rooms []models.ChatRoom
	if err := q.Find(&rooms).Error; err != nil {
		return nil, err
	}
	return rooms, nil
}

func (r *repository) InsertMessage(ctx context.Context, msg *models.ChatMessage) error {
	return r.db.WithContext(ctx).Create(msg).Error
}

func (r *repository) ListMessages(ctx context.Context, roomID string) ([]models.ChatMessage, error) {
	var msgs []models.ChatMessage
	err := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *repository) MarkCustomerMessagesRead(ctx context.Context, roomID string) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.ChatMessage{}).
		Where("room_id = ? AND sender_kind = ? AND read = ?", roomID, enums.SenderCustomer, false).
		UpdateColumn("read", true)
	return res.RowsAffected, res.Error
}

func (r *repository) UnreadCounts(ctx context.Context, roomIDs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(roomIDs))
	if len(roomIDs) == 0 {
		return out, nil
	}
	var rows []struct {
		RoomID string
		Unread int64
	}
	err := r.db.WithContext(ctx).
		Model(&models.ChatMessage{}).
		Select("room_id, COUNT(*) AS unread").
		Where("room_id IN ? AND sender_kind = ? AND read = ?", roomIDs, enums.SenderCustomer, false).
		Group("room_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.RoomID] = row.Unread
	}
	return out, nil
}
