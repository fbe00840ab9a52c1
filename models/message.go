package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageFile     MessageType = "file"
	MessageSystem   MessageType = "system"
	MessageReminder MessageType = "reminder"
)

// SystemSender is the sender id recorded on system and reminder messages.
const SystemSender = "system"

// Attachment describes a file held by the object storage collaborator.
type Attachment struct {
	URL       string `json:"url"`
	FileName  string `json:"fileName"`
	MimeType  string `json:"mimeType"`
	Size      int64  `json:"size"`
	Thumbnail string `json:"thumbnail,omitempty"`
	PublicID  string `json:"publicId"` // storage reference used for deletion
}

// Message belongs to exactly one Connection. Content and attachment never
// change after creation; only the receipt flags do.
type Message struct {
	ID             uint        `gorm:"primaryKey;autoIncrement" json:"id"`
	ConnectionID   string      `gorm:"type:varchar(36);not null;index:idx_messages_connection_created,priority:1" json:"connectionId"`
	SenderID       string      `gorm:"type:varchar(36);index" json:"senderId"`
	ReceiverID     string      `gorm:"type:varchar(36);index:idx_messages_receiver_read,priority:1" json:"receiverId"`
	Content        string      `gorm:"type:text" json:"content"`
	MessageType    MessageType `gorm:"type:varchar(16);default:'text'" json:"messageType"`
	Attachment     *Attachment `gorm:"serializer:json;type:text" json:"attachment,omitempty"`
	ContentFolded  string      `gorm:"type:text" json:"-"`
	FileNameFolded string      `gorm:"type:varchar(255)" json:"-"`
	IsDelivered    bool        `gorm:"default:false" json:"delivered"`
	DeliveredAt    *time.Time  `json:"deliveredAt,omitempty"`
	IsRead         bool        `gorm:"default:false;index:idx_messages_receiver_read,priority:2" json:"read"`
	ReadAt         *time.Time  `json:"readAt,omitempty"`
	CreatedAt      time.Time   `gorm:"index:idx_messages_connection_created,priority:2" json:"createdAt"`
}

// BeforeCreate stores lower-cased copies of the searchable text. SQLite's
// LOWER only folds ASCII, so search matches against these columns instead.
func (m *Message) BeforeCreate(*gorm.DB) error {
	m.ContentFolded = strings.ToLower(m.Content)
	m.FileNameFolded = ""
	if m.Attachment != nil {
		m.FileNameFolded = strings.ToLower(m.Attachment.FileName)
	}
	return nil
}
