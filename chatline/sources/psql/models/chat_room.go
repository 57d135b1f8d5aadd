package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const MaxTitleLength = 100

type ChatRoom struct {
	ID            uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	UserID        string     `json:"user_id" gorm:"type:varchar(128);not null;index"`
	User          User       `json:"-" gorm:"foreignKey:UserID;references:UID;constraint:OnDelete:CASCADE"`
	Title         string     `json:"title" gorm:"type:varchar(100);not null"`
	CreatedAt     time.Time  `json:"created_at" gorm:"autoCreateTime;index"`
	MessageCount  int64      `json:"message_count" gorm:"not null;default:0"`
	IsActive      bool       `json:"is_active" gorm:"not null;default:true"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

func (ChatRoom) TableName() string {
	return "chat_rooms"
}

func (r *ChatRoom) BeforeCreate(tx *gorm.DB) (err error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
