package models

import (
	"time"

	"gorm.io/datatypes"
)

type NotificationType string

const (
	NotificationMessage    NotificationType = "message"
	NotificationReminder   NotificationType = "reminder"
	NotificationConnection NotificationType = "connection"
	NotificationSystem     NotificationType = "system"
)

// Notification is a per-recipient projection of an event, kept for the
// notification feed independently of live connectivity.
type Notification struct {
	ID           uint              `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID       string            `gorm:"type:varchar(36);not null;index:idx_notifications_user_read,priority:1" json:"userId"`
	Type         NotificationType  `gorm:"type:varchar(16)" json:"type"`
	Title        string            `gorm:"type:varchar(255)" json:"title"`
	Body         string            `gorm:"type:text" json:"message"`
	ConnectionID *string           `gorm:"type:varchar(36);index" json:"connectionId,omitempty"`
	MessageID    *uint             `json:"messageId,omitempty"`
	Metadata     datatypes.JSONMap `json:"metadata,omitempty"`
	IsRead       bool              `gorm:"default:false;index:idx_notifications_user_read,priority:2" json:"read"`
	ReadAt       *time.Time        `json:"readAt,omitempty"`
	CreatedAt    time.Time         `gorm:"index" json:"createdAt"`
}
