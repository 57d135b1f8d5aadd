package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// MessageMetadata describes how an assistant reply was produced.
// ResponseTime is in seconds.
type MessageMetadata struct {
	Model        string   `json:"model,omitempty"`
	ResponseTime *float64 `json:"response_time,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// Message is immutable once written. Seq is the 1-based position in the room
// and, together with Timestamp, strictly increases within a room.
type Message struct {
	ID        uuid.UUID        `json:"id" gorm:"type:uuid;primaryKey"`
	ChatID    uuid.UUID        `json:"chat_id" gorm:"type:uuid;not null;uniqueIndex:idx_messages_chat_seq,priority:1"`
	Chat      ChatRoom         `json:"-" gorm:"foreignKey:ChatID;references:ID;constraint:OnDelete:CASCADE"`
	UserID    string           `json:"user_id" gorm:"type:varchar(128);not null;index"`
	Seq       int64            `json:"seq" gorm:"not null;uniqueIndex:idx_messages_chat_seq,priority:2"`
	Role      string           `json:"role" gorm:"type:varchar(16);not null;check:role IN ('user','assistant')"`
	Content   string           `json:"content" gorm:"type:text;not null"`
	Timestamp time.Time        `json:"timestamp" gorm:"not null"`
	Metadata  *MessageMetadata `json:"metadata,omitempty" gorm:"type:jsonb;serializer:json"`
}

func (Message) TableName() string {
	return "messages"
}

func (m *Message) BeforeCreate(tx *gorm.DB) (err error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

// ValidRole reports whether role is one of the two message roles.
func ValidRole(role string) bool {
	return role == RoleUser || role == RoleAssistant
}
