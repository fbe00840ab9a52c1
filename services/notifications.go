package services

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"companion-chat/models"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const NotificationPageSize = 20

// Reminder is a scheduled event fired by the external reminder trigger.
type Reminder struct {
	ConnectionID string            `json:"connectionId"`
	Title        string            `json:"title"`
	Body         string            `json:"body"`
	Kind         string            `json:"kind,omitempty"` // "reminder" (default) or "system"
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ReminderResult is what the reminder path managed to write.
type ReminderResult struct {
	Connection    *models.Connection
	Notifications []models.Notification
	Message       *models.Message
}

// NotificationPage is one page of a user's feed, newest first.
type NotificationPage struct {
	Notifications []models.Notification
	Total         int64
	Unread        int64
	Page          int
	Limit         int
}

// Notifications projects events into the per-user notification feed.
type Notifications struct {
	db       *gorm.DB
	messages *MessageStore
	gate     *Gate
	log      *zap.Logger
	now      func() time.Time
}

func NewNotifications(db *gorm.DB, gate *Gate, messages *MessageStore, log *zap.Logger) *Notifications {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifications{db: db, gate: gate, messages: messages, log: log, now: time.Now}
}

// OnNewMessage records a "message" notification for the receiver of msg.
func (n *Notifications) OnNewMessage(ctx context.Context, msg *models.Message, senderName string) (*models.Notification, error) {
	if msg.ReceiverID == "" {
		return nil, nil
	}
	if senderName == "" {
		senderName = "Someone"
	}
	connID := msg.ConnectionID
	msgID := msg.ID
	notif := &models.Notification{
		UserID:       msg.ReceiverID,
		Type:         models.NotificationMessage,
		Title:        "New message from " + senderName,
		Body:         messagePreview(msg),
		ConnectionID: &connID,
		MessageID:    &msgID,
		Metadata:     datatypes.JSONMap{"senderId": msg.SenderID, "messageType": string(msg.MessageType)},
	}
	if err := n.create(ctx, notif); err != nil {
		return nil, err
	}
	return notif, nil
}

// OnConnectionStatus notifies recipientID that actor moved conn to its
// current status. paymentRequired adds the payment banner flag.
func (n *Notifications) OnConnectionStatus(ctx context.Context, conn *models.Connection, recipientID, actorName string, paymentRequired bool) (*models.Notification, error) {
	if actorName == "" {
		actorName = "Your companion"
	}
	var title, body string
	switch conn.Status {
	case models.ConnectionPending:
		title = "New connection request"
		body = fmt.Sprintf("%s wants to connect for %s on %s.", actorName, conn.Route, conn.TravelDate)
	case models.ConnectionAccepted:
		title = "Connection accepted"
		body = fmt.Sprintf("%s accepted your request. You can now chat.", actorName)
		if paymentRequired {
			body += " Complete the payment to confirm the booking."
		}
	case models.ConnectionRejected:
		title = "Connection declined"
		body = fmt.Sprintf("%s declined your request.", actorName)
	case models.ConnectionCompleted:
		title = "Trip completed"
		body = fmt.Sprintf("%s marked your trip as completed.", actorName)
	case models.ConnectionCancelled:
		title = "Connection cancelled"
		body = fmt.Sprintf("%s cancelled the connection.", actorName)
	}
	connID := conn.ID
	notif := &models.Notification{
		UserID:       recipientID,
		Type:         models.NotificationConnection,
		Title:        title,
		Body:         body,
		ConnectionID: &connID,
		Metadata:     datatypes.JSONMap{"status": string(conn.Status)},
	}
	if paymentRequired {
		notif.Metadata["paymentRequired"] = "true"
	}
	if err := n.create(ctx, notif); err != nil {
		return nil, err
	}
	return notif, nil
}

// OnReminder writes one notification per party and a reminder message into
// the conversation. The writes are not transactional: a failure for one
// party is logged and the rest carry on.
func (n *Notifications) OnReminder(ctx context.Context, r Reminder) (ReminderResult, error) {
	conn, err := n.gate.Load(ctx, r.ConnectionID)
	if err != nil {
		return ReminderResult{}, err
	}
	if strings.TrimSpace(r.Title) == "" && strings.TrimSpace(r.Body) == "" {
		return ReminderResult{}, validationError("empty_reminder", "reminder needs a title or body")
	}
	kind := models.MessageReminder
	ntype := models.NotificationReminder
	if r.Kind == string(models.MessageSystem) {
		kind = models.MessageSystem
		ntype = models.NotificationSystem
	}

	res := ReminderResult{Connection: conn}
	for _, party := range []string{conn.PartyA, conn.PartyB} {
		connID := conn.ID
		meta := datatypes.JSONMap{}
		for k, v := range r.Metadata {
			meta[k] = v
		}
		notif := models.Notification{
			UserID:       party,
			Type:         ntype,
			Title:        r.Title,
			Body:         r.Body,
			ConnectionID: &connID,
			Metadata:     meta,
		}
		if err := n.create(ctx, &notif); err != nil {
			n.log.Error("reminder notification failed",
				zap.String("connectionId", conn.ID), zap.String("userId", party), zap.Error(err))
			continue
		}
		res.Notifications = append(res.Notifications, notif)
	}

	text := r.Body
	if r.Title != "" && r.Body != "" {
		text = r.Title + ": " + r.Body
	} else if r.Body == "" {
		text = r.Title
	}
	msg, err := n.messages.AppendSystem(ctx, conn.ID, kind, text)
	if err != nil {
		n.log.Error("reminder message failed", zap.String("connectionId", conn.ID), zap.Error(err))
	} else {
		res.Message = msg
	}
	return res, nil
}

// List returns page of userID's feed, newest first.
func (n *Notifications) List(ctx context.Context, userID string, page int, unreadOnly bool) (NotificationPage, error) {
	page, limit := clampPage(page, NotificationPageSize)
	out := NotificationPage{Notifications: []models.Notification{}, Page: page, Limit: limit}

	base := n.db.WithContext(ctx).Model(&models.Notification{}).Where("user_id = ?", userID)
	q := base.Session(&gorm.Session{})
	if unreadOnly {
		q = q.Where("is_read = ?", false)
	}
	if err := q.Session(&gorm.Session{}).Count(&out.Total).Error; err != nil {
		return NotificationPage{}, err
	}
	if pastEnd(page, limit, out.Total) {
		unread, err := n.UnreadCount(ctx, userID)
		out.Unread = unread
		return out, err
	}
	if err := q.Session(&gorm.Session{}).Order("created_at DESC").Order("id DESC").
		Offset((page - 1) * limit).Limit(limit).Find(&out.Notifications).Error; err != nil {
		return NotificationPage{}, err
	}
	unread, err := n.UnreadCount(ctx, userID)
	if err != nil {
		return NotificationPage{}, err
	}
	out.Unread = unread
	return out, nil
}

// MarkRead marks one notification read. Ids that are already read or belong
// to someone else are a silent no-op.
func (n *Notifications) MarkRead(ctx context.Context, id uint, userID string) error {
	now := n.now().UTC()
	return n.db.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ? AND user_id = ? AND is_read = ?", id, userID, false).
		Updates(map[string]interface{}{"is_read": true, "read_at": now}).Error
}

// MarkAllRead marks every unread notification of userID read.
func (n *Notifications) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	now := n.now().UTC()
	res := n.db.WithContext(ctx).Model(&models.Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Updates(map[string]interface{}{"is_read": true, "read_at": now})
	return res.RowsAffected, res.Error
}

// Delete removes a notification owned by userID. Unknown or foreign ids are
// a silent no-op.
func (n *Notifications) Delete(ctx context.Context, id uint, userID string) error {
	return n.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Delete(&models.Notification{}).Error
}

func (n *Notifications) UnreadCount(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := n.db.WithContext(ctx).Model(&models.Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Count(&count).Error
	return count, err
}

func (n *Notifications) create(ctx context.Context, notif *models.Notification) error {
	if notif.CreatedAt.IsZero() {
		notif.CreatedAt = n.now().UTC()
	}
	return n.db.WithContext(ctx).Create(notif).Error
}

func messagePreview(msg *models.Message) string {
	const max = 100
	switch {
	case msg.Content != "":
		if utf8.RuneCountInString(msg.Content) <= max {
			return msg.Content
		}
		return string([]rune(msg.Content)[:max]) + "…"
	case msg.MessageType == models.MessageImage:
		return "Sent a photo"
	case msg.Attachment != nil:
		return "Sent a file: " + msg.Attachment.FileName
	}
	return ""
}
