package profiles

import (
	"strings"
	"time"
)

// Profile captures the dashboard attributes of one user: display name and connected realm.
type Profile struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Email       string    `gorm:"column:user_email;size:320;index"`
	DisplayName *string   `gorm:"column:user_display_name;size:320"`
	RealmID     *string   `gorm:"column:realm_id;size:190;index"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user profiles.
func (Profile) TableName() string {
	return "profiles"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}

// optional trims the value and maps blanks to nil.
func optional(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := normalize(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
