package services

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"companion-chat/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// MessagePage is one page of a conversation, oldest first.
type MessagePage struct {
	Messages []models.Message
	Total    int64
	Page     int
	Limit    int
}

// Pages returns the number of pages needed for Total at Limit.
func (p MessagePage) Pages() int {
	if p.Limit <= 0 {
		return 0
	}
	return int((p.Total + int64(p.Limit) - 1) / int64(p.Limit))
}

// ReadResult lists the messages a markRead call actually flipped.
type ReadResult struct {
	Messages []models.Message
	ReadAt   time.Time
}

// BySender groups the updated messages by the sender and connection they
// belong to, so each sender gets one receipt per conversation.
func (r ReadResult) BySender() map[[2]string][]uint {
	out := make(map[[2]string][]uint)
	for _, m := range r.Messages {
		key := [2]string{m.SenderID, m.ConnectionID}
		out[key] = append(out[key], m.ID)
	}
	return out
}

type MessageStoreOptions struct {
	MaxLength     int
	UploadTimeout time.Duration
	Now           func() time.Time
}

// MessageStore is the durable, ordered log of messages per connection.
type MessageStore struct {
	db            *gorm.DB
	gate          *Gate
	storage       ObjectStorage
	log           *zap.Logger
	maxLength     int
	uploadTimeout time.Duration
	now           func() time.Time
}

func NewMessageStore(db *gorm.DB, gate *Gate, storage ObjectStorage, log *zap.Logger, opts MessageStoreOptions) *MessageStore {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MaxLength <= 0 {
		opts.MaxLength = 5000
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 90 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &MessageStore{
		db:            db,
		gate:          gate,
		storage:       storage,
		log:           log,
		maxLength:     opts.MaxLength,
		uploadTimeout: opts.UploadTimeout,
		now:           opts.Now,
	}
}

// Send stores a text message after the gate allows the sender to write.
func (s *MessageStore) Send(ctx context.Context, connectionID, senderID, content string) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if err := s.validateBody(content, false); err != nil {
		return nil, err
	}
	conn, err := s.writable(ctx, connectionID, senderID)
	if err != nil {
		return nil, err
	}
	return s.create(ctx, conn, senderID, content, models.MessageText, nil)
}

// SendAttachment uploads u through the storage collaborator and stores a
// message referencing it. Nothing is persisted if the upload fails, and the
// upload is removed again if persisting fails.
func (s *MessageStore) SendAttachment(ctx context.Context, connectionID, senderID, caption string, u Upload) (*models.Message, error) {
	caption = strings.TrimSpace(caption)
	if err := s.validateBody(caption, true); err != nil {
		return nil, err
	}
	if u.Body == nil || u.FileName == "" {
		return nil, validationError("missing_file", "a file is required")
	}
	conn, err := s.writable(ctx, connectionID, senderID)
	if err != nil {
		return nil, err
	}

	uploadCtx, cancel := context.WithTimeout(ctx, s.uploadTimeout)
	defer cancel()
	obj, err := s.storage.Upload(uploadCtx, u)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(uploadCtx.Err(), context.DeadlineExceeded) {
			return nil, dependencyError("upload_timeout", "attachment upload timed out", context.DeadlineExceeded)
		}
		return nil, dependencyError("upload_failed", "attachment upload failed", err)
	}

	kind := models.MessageFile
	if strings.HasPrefix(u.MimeType, "image/") {
		kind = models.MessageImage
	}
	att := &models.Attachment{
		URL:       obj.URL,
		FileName:  u.FileName,
		MimeType:  u.MimeType,
		Size:      u.Size,
		Thumbnail: obj.ThumbnailURL,
		PublicID:  obj.PublicID,
	}
	msg, err := s.create(ctx, conn, senderID, caption, kind, att)
	if err != nil {
		if derr := s.storage.Delete(context.WithoutCancel(ctx), obj.PublicID); derr != nil {
			s.log.Warn("orphaned upload", zap.String("publicId", obj.PublicID), zap.Error(derr))
		}
		return nil, err
	}
	return msg, nil
}

// AppendSystem inserts a system or reminder message straight into a
// conversation's log. The gate is not consulted.
func (s *MessageStore) AppendSystem(ctx context.Context, connectionID string, kind models.MessageType, content string) (*models.Message, error) {
	if kind != models.MessageSystem && kind != models.MessageReminder {
		return nil, validationError("invalid_kind", "only system and reminder messages can be appended")
	}
	now := s.now().UTC()
	msg := &models.Message{
		ConnectionID: connectionID,
		SenderID:     models.SystemSender,
		Content:      content,
		MessageType:  kind,
		IsDelivered:  true,
		DeliveredAt:  &now,
		CreatedAt:    now,
	}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, err
	}
	return msg, nil
}

// List returns page of the conversation counted from the newest message,
// in chronological order within the page.
func (s *MessageStore) List(ctx context.Context, connectionID, requesterID string, page, pageSize int) (MessagePage, error) {
	if _, err := s.gate.LoadReadable(ctx, connectionID, requesterID); err != nil {
		return MessagePage{}, err
	}
	return s.page(ctx, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("connection_id = ?", connectionID)
	}, page, pageSize)
}

// Search matches query case-insensitively against message text and
// attachment file names. Ordering follows List.
func (s *MessageStore) Search(ctx context.Context, connectionID, requesterID, query string, page, pageSize int) (MessagePage, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return MessagePage{}, validationError("empty_query", "search query is required")
	}
	if _, err := s.gate.LoadReadable(ctx, connectionID, requesterID); err != nil {
		return MessagePage{}, err
	}
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	return s.page(ctx, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("connection_id = ?", connectionID).
			Where("(content_folded LIKE ? ESCAPE '!' OR file_name_folded LIKE ? ESCAPE '!')", pattern, pattern)
	}, page, pageSize)
}

// MarkDelivered flips the delivery flag on messages addressed to viewerID
// and returns the messages that changed.
func (s *MessageStore) MarkDelivered(ctx context.Context, ids []uint, viewerID string) ([]models.Message, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 || viewerID == "" {
		return nil, nil
	}
	now := s.now().UTC()
	var updated []models.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id IN ? AND receiver_id = ? AND is_delivered = ?", ids, viewerID, false).
			Order("id ASC").Find(&updated).Error; err != nil {
			return err
		}
		if len(updated) == 0 {
			return nil
		}
		return tx.Model(&models.Message{}).
			Where("id IN ? AND is_delivered = ?", messageIDs(updated), false).
			Updates(map[string]interface{}{"is_delivered": true, "delivered_at": now}).Error
	})
	if err != nil {
		return nil, err
	}
	for i := range updated {
		updated[i].IsDelivered = true
		updated[i].DeliveredAt = &now
	}
	return updated, nil
}

// MarkRead flips the read flag (and delivery, if unset) on messages
// addressed to viewerID. Ids belonging to other receivers match nothing.
func (s *MessageStore) MarkRead(ctx context.Context, ids []uint, viewerID string) (ReadResult, error) {
	return s.markRead(ctx, "", ids, viewerID)
}

// MarkReadIn is MarkRead limited to one connection; ids from other
// conversations match nothing.
func (s *MessageStore) MarkReadIn(ctx context.Context, connectionID string, ids []uint, viewerID string) (ReadResult, error) {
	if connectionID == "" {
		return ReadResult{ReadAt: s.now().UTC()}, validationError("missing_connection", "connectionId is required")
	}
	return s.markRead(ctx, connectionID, ids, viewerID)
}

func (s *MessageStore) markRead(ctx context.Context, connectionID string, ids []uint, viewerID string) (ReadResult, error) {
	now := s.now().UTC()
	res := ReadResult{ReadAt: now}
	ids = uniqueIDs(ids)
	if len(ids) == 0 || viewerID == "" {
		return res, nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("id IN ? AND receiver_id = ? AND is_read = ?", ids, viewerID, false)
		if connectionID != "" {
			q = q.Where("connection_id = ?", connectionID)
		}
		if err := q.Order("id ASC").Find(&res.Messages).Error; err != nil {
			return err
		}
		if len(res.Messages) == 0 {
			return nil
		}
		return tx.Model(&models.Message{}).
			Where("id IN ? AND is_read = ?", messageIDs(res.Messages), false).
			Updates(map[string]interface{}{
				"is_read":      true,
				"read_at":      now,
				"is_delivered": true,
				"delivered_at": gorm.Expr("COALESCE(delivered_at, ?)", now),
			}).Error
	})
	if err != nil {
		return ReadResult{ReadAt: now}, err
	}
	for i := range res.Messages {
		m := &res.Messages[i]
		m.IsRead = true
		m.ReadAt = &now
		if !m.IsDelivered {
			m.IsDelivered = true
			m.DeliveredAt = &now
		}
	}
	return res, nil
}

// UnreadCountFor counts unread messages addressed to userID across all
// connections.
func (s *MessageStore) UnreadCountFor(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("receiver_id = ? AND is_read = ?", userID, false).
		Count(&n).Error
	return n, err
}

func (s *MessageStore) writable(ctx context.Context, connectionID, senderID string) (*models.Connection, error) {
	conn, err := s.gate.Load(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if err := s.gate.CanWrite(ctx, conn, senderID); err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *MessageStore) validateBody(body string, hasAttachment bool) error {
	if body == "" && !hasAttachment {
		return validationError("empty_message", "message content is required")
	}
	if utf8.RuneCountInString(body) > s.maxLength {
		return validationError("message_too_long", "message content is too long")
	}
	return nil
}

func (s *MessageStore) create(ctx context.Context, conn *models.Connection, senderID, content string, kind models.MessageType, att *models.Attachment) (*models.Message, error) {
	receiverID := conn.OtherParty(senderID)
	if receiverID == "" || receiverID == senderID {
		return nil, ErrNotParty
	}
	msg := &models.Message{
		ConnectionID: conn.ID,
		SenderID:     senderID,
		ReceiverID:   receiverID,
		Content:      content,
		MessageType:  kind,
		Attachment:   att,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *MessageStore) page(ctx context.Context, scope func(*gorm.DB) *gorm.DB, page, pageSize int) (MessagePage, error) {
	page, pageSize = clampPage(page, pageSize)
	out := MessagePage{Messages: []models.Message{}, Page: page, Limit: pageSize}

	base := s.db.WithContext(ctx).Model(&models.Message{})
	if err := scope(base.Session(&gorm.Session{})).Count(&out.Total).Error; err != nil {
		return MessagePage{}, err
	}
	if pastEnd(page, pageSize, out.Total) {
		return out, nil
	}
	if err := scope(base.Session(&gorm.Session{})).
		Order("created_at DESC").Order("id DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&out.Messages).Error; err != nil {
		return MessagePage{}, err
	}
	for i, j := 0, len(out.Messages)-1; i < j; i, j = i+1, j-1 {
		out.Messages[i], out.Messages[j] = out.Messages[j], out.Messages[i]
	}
	return out, nil
}

func clampPage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}

// pastEnd reports whether page starts beyond total rows. Checking this before
// computing the offset keeps (page-1)*limit from overflowing.
func pastEnd(page, limit int, total int64) bool {
	pages := (total + int64(limit) - 1) / int64(limit)
	return int64(page-1) >= pages
}

func escapeLike(s string) string {
	return strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(s)
}

func uniqueIDs(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func messageIDs(msgs []models.Message) []uint {
	ids := make([]uint, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}
