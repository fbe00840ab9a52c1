package services

import (
	"encoding/json"
	"fmt"
	"time"

	"companion-chat/models"

	"github.com/google/uuid"
)

type EventName string

// Server to client.
const (
	EventNewMessage       EventName = "new_message"
	EventNotification     EventName = "notification"
	EventUserTyping       EventName = "user_typing"
	EventMessagesRead     EventName = "messages_read"
	EventMessageDelivered EventName = "message_delivered"
	EventError            EventName = "error"
)

// Client to server.
const (
	EventJoinConnection  = "join_connection"
	EventLeaveConnection = "leave_connection"
	EventTypingStart     = "typing_start"
	EventTypingStop      = "typing_stop"
	EventMarkRead        = "mark_read"
	EventAckDelivered    = "message_delivered"
)

// eventNamespace seeds the name-based UUIDs that make event ids stable.
var eventNamespace = uuid.MustParse("6f1c7a9e-3c1b-4f0e-9a55-2b8f6c2d7e10")

// Payload is implemented by every server-to-client payload; the payload
// type fixes the event name.
type Payload interface {
	EventName() EventName
}

// Event is the outbound frame. ID is derived from the underlying event so a
// re-emitted event carries the same id and clients can de-duplicate.
type Event struct {
	ID   string    `json:"id"`
	Name EventName `json:"event"`
	Data Payload   `json:"data"`
}

func NewEvent(key string, p Payload) Event {
	name := p.EventName()
	return Event{
		ID:   uuid.NewSHA1(eventNamespace, []byte(string(name)+"|"+key)).String(),
		Name: name,
		Data: p,
	}
}

type NewMessagePayload struct {
	models.Message
}

func (NewMessagePayload) EventName() EventName { return EventNewMessage }

type NotificationPayload struct {
	NotificationID uint                   `json:"notificationId,omitempty"`
	Type           string                 `json:"type"`
	Title          string                 `json:"title"`
	Message        string                 `json:"message"`
	ConnectionID   string                 `json:"connectionId,omitempty"`
	MessageID      uint                   `json:"messageId,omitempty"`
	SenderID       string                 `json:"senderId,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
}

func (NotificationPayload) EventName() EventName { return EventNotification }

func notificationPayload(n *models.Notification) NotificationPayload {
	p := NotificationPayload{
		NotificationID: n.ID,
		Type:           string(n.Type),
		Title:          n.Title,
		Message:        n.Body,
		Metadata:       n.Metadata,
		CreatedAt:      n.CreatedAt,
	}
	if n.ConnectionID != nil {
		p.ConnectionID = *n.ConnectionID
	}
	if n.MessageID != nil {
		p.MessageID = *n.MessageID
	}
	return p
}

type UserTypingPayload struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	UserName     string `json:"userName"`
	IsTyping     bool   `json:"isTyping"`
}

func (UserTypingPayload) EventName() EventName { return EventUserTyping }

type MessagesReadPayload struct {
	ConnectionID string    `json:"connectionId"`
	MessageIDs   []uint    `json:"messageIds"`
	ReadBy       string    `json:"readBy"`
	ReadAt       time.Time `json:"readAt"`
}

func (MessagesReadPayload) EventName() EventName { return EventMessagesRead }

type MessageDeliveredPayload struct {
	MessageID    uint      `json:"messageId"`
	ConnectionID string    `json:"connectionId"`
	DeliveredTo  string    `json:"deliveredTo"`
	DeliveredAt  time.Time `json:"deliveredAt"`
}

func (MessageDeliveredPayload) EventName() EventName { return EventMessageDelivered }

type ErrorPayload struct {
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
	Event   string `json:"event,omitempty"`
}

func (ErrorPayload) EventName() EventName { return EventError }

// inboundFrame is what clients send.
type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type connectionRef struct {
	ConnectionID string `json:"connectionId"`
}

type markReadRequest struct {
	ConnectionID string `json:"connectionId"`
	MessageIDs   []uint `json:"messageIds"`
}

type deliveredAck struct {
	MessageID uint `json:"messageId"`
}

// decodeConnectionID accepts either a bare JSON string or {"connectionId": ...}.
func decodeConnectionID(raw json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		if id == "" {
			return "", fmt.Errorf("connectionId is required")
		}
		return id, nil
	}
	var ref connectionRef
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", fmt.Errorf("invalid payload: %w", err)
	}
	if ref.ConnectionID == "" {
		return "", fmt.Errorf("connectionId is required")
	}
	return ref.ConnectionID, nil
}
