package models

import "time"

// User is the profile record behind an authenticated identity. UID is issued
// by the identity layer and never changes.
type User struct {
	UID          string     `json:"uid" gorm:"type:varchar(128);primaryKey"`
	Email        string     `json:"email" gorm:"type:varchar(255);not null;uniqueIndex"`
	DisplayName  *string    `json:"display_name,omitempty" gorm:"type:varchar(255)"`
	PasswordHash string     `json:"-" gorm:"type:varchar(255)"`
	CreatedAt    time.Time  `json:"created_at" gorm:"autoCreateTime"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

func (User) TableName() string {
	return "users"
}
