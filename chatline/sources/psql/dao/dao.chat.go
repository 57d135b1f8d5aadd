package dao

import (
	"chatline/chatline/sources/psql/models"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrRoomNotFound is returned by writes against a room that does not exist or
// is not owned by the caller.
var ErrRoomNotFound = errors.New("chat room not found")

type ChatDAO struct {
	DB  *gorm.DB
	now func() time.Time
}

func NewChatDAO(db *gorm.DB) *ChatDAO {
	return &ChatDAO{DB: db, now: time.Now}
}

func (dao *ChatDAO) CreateRoom(ctx context.Context, userID, title string) (*models.ChatRoom, error) {
	room := models.ChatRoom{
		UserID:   userID,
		Title:    title,
		IsActive: true,
	}
	if err := dao.DB.WithContext(ctx).Create(&room).Error; err != nil {
		return nil, err
	}
	return &room, nil
}

// ListRoomsForUser returns the user's rooms, newest first.
func (dao *ChatDAO) ListRoomsForUser(ctx context.Context, userID string) ([]models.ChatRoom, error) {
	rooms := []models.ChatRoom{}
	err := dao.DB.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&rooms).Error
	if err != nil {
		return nil, err
	}
	return rooms, nil
}

// GetRoom returns the room only when userID owns it. A missing room, a room
// owned by someone else and a malformed id all yield (nil, nil).
func (dao *ChatDAO) GetRoom(ctx context.Context, roomID, userID string) (*models.ChatRoom, error) {
	id, err := uuid.Parse(roomID)
	if err != nil {
		return nil, nil
	}
	var room models.ChatRoom
	err = dao.DB.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// AppendMessage persists one message and bumps the room's message count in
// the same transaction. The counter update locks the room row, so concurrent
// appends to one room are serialized and get consecutive Seq values and
// strictly increasing timestamps.
func (dao *ChatDAO) AppendMessage(ctx context.Context, roomID, userID, role, content string, metadata *models.MessageMetadata) (*models.Message, error) {
	if !models.ValidRole(role) {
		return nil, fmt.Errorf("invalid message role %q", role)
	}
	chatID, err := uuid.Parse(roomID)
	if err != nil {
		return nil, ErrRoomNotFound
	}

	var msg *models.Message
	err = dao.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ChatRoom{}).
			Where("id = ? AND user_id = ?", chatID, userID).
			UpdateColumn("message_count", gorm.Expr("message_count + ?", 1))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrRoomNotFound
		}

		var room models.ChatRoom
		if err := tx.Select("id", "message_count", "last_message_at").
			Where("id = ?", chatID).
			First(&room).Error; err != nil {
			return err
		}

		ts := nextTimestamp(dao.now(), room.LastMessageAt)
		if err := tx.Model(&models.ChatRoom{}).
			Where("id = ?", chatID).
			UpdateColumn("last_message_at", ts).Error; err != nil {
			return err
		}

		msg = &models.Message{
			ChatID:    chatID,
			UserID:    userID,
			Seq:       room.MessageCount,
			Role:      role,
			Content:   content,
			Timestamp: ts,
			Metadata:  metadata,
		}
		return tx.Create(msg).Error
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ListMessages returns the room history in order. Rooms the user cannot
// access yield an empty history rather than an error.
func (dao *ChatDAO) ListMessages(ctx context.Context, roomID, userID string) ([]models.Message, error) {
	room, err := dao.GetRoom(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	msgs := []models.Message{}
	if room == nil {
		return msgs, nil
	}
	err = dao.DB.WithContext(ctx).
		Where("chat_id = ?", room.ID).
		Order("seq ASC").
		Order("timestamp ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// nextTimestamp truncates to the microsecond precision Postgres keeps and
// never returns a value at or before the room's previous message.
func nextTimestamp(now time.Time, last *time.Time) time.Time {
	ts := now.UTC().Truncate(time.Microsecond)
	if last != nil && !ts.After(*last) {
		ts = last.UTC().Add(time.Microsecond)
	}
	return ts
}
