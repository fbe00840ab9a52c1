package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"companion-chat/models"

	"go.uber.org/zap"
)

const socketOpTimeout = 15 * time.Second

type DispatcherDeps struct {
	Registry      *Registry
	Typing        *Typing
	Gate          *Gate
	Messages      *MessageStore
	Notifications *Notifications
	Escrow        Escrow
	Log           *zap.Logger
	SweepInterval time.Duration
}

// Dispatcher bridges durable writes and live fan-out. It owns the rooms and
// the typing state of this process.
type Dispatcher struct {
	registry      *Registry
	typing        *Typing
	gate          *Gate
	messages      *MessageStore
	notifications *Notifications
	escrow        Escrow
	log           *zap.Logger
	sweepInterval time.Duration
}

func NewDispatcher(deps DispatcherDeps) *Dispatcher {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Escrow == nil {
		deps.Escrow = NoEscrow{}
	}
	if deps.SweepInterval <= 0 {
		deps.SweepInterval = time.Second
	}
	return &Dispatcher{
		registry:      deps.Registry,
		typing:        deps.Typing,
		gate:          deps.Gate,
		messages:      deps.Messages,
		notifications: deps.Notifications,
		escrow:        deps.Escrow,
		log:           deps.Log,
		sweepInterval: deps.SweepInterval,
	}
}

func (d *Dispatcher) Registry() *Registry { return d.registry }

func (d *Dispatcher) Typers(connectionID string) []string { return d.typing.Typers(connectionID) }

// Run expires stale typing entries until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.SweepTyping()
		}
	}
}

// SweepTyping clears typing entries that outlived the timeout and tells the
// peers.
func (d *Dispatcher) SweepTyping() {
	for _, e := range d.typing.Expire() {
		d.log.Debug("typing expired", zap.String("connectionId", e.ConnectionID), zap.String("userId", e.UserID))
		d.emitTyping(e, false)
	}
}

// Connect admits an authenticated session into its personal room.
func (d *Dispatcher) Connect(s *Session) {
	d.registry.Register(s)
	d.log.Info("socket connected", zap.String("sessionId", s.ID), zap.String("userId", s.UserID))
}

// Disconnect drops every room of s and clears the user's typing state.
func (d *Dispatcher) Disconnect(s *Session) {
	rooms := d.registry.Unregister(s)
	for _, e := range d.typing.ClearUser(s.UserID) {
		d.emitTyping(e, false)
	}
	s.Close()
	d.log.Info("socket disconnected", zap.String("sessionId", s.ID), zap.String("userId", s.UserID), zap.Strings("rooms", rooms))
}

// Emit sends ev to every session in room and returns how many accepted it.
func (d *Dispatcher) Emit(room string, ev Event) int {
	frame, err := json.Marshal(ev)
	if err != nil {
		d.log.Error("encode event", zap.String("event", string(ev.Name)), zap.Error(err))
		return 0
	}
	sent := 0
	for _, s := range d.registry.Members(room) {
		if s.deliver(frame) {
			sent++
			continue
		}
		d.log.Warn("dropped frame", zap.String("sessionId", s.ID), zap.String("room", room), zap.String("event", string(ev.Name)))
	}
	return sent
}

func (d *Dispatcher) emitTo(s *Session, ev Event) {
	frame, err := json.Marshal(ev)
	if err != nil {
		d.log.Error("encode event", zap.String("event", string(ev.Name)), zap.Error(err))
		return
	}
	if !s.deliver(frame) {
		d.log.Warn("dropped frame", zap.String("sessionId", s.ID), zap.String("event", string(ev.Name)))
	}
}

// PublishNewMessage must only be called after msg was persisted. It records
// the receiver's notification, then pushes the message to the conversation
// room and the notification to the receiver's personal room. The record is
// written even if ctx is cancelled, since the message already exists.
func (d *Dispatcher) PublishNewMessage(ctx context.Context, msg *models.Message, sender *models.User) {
	ctx = context.WithoutCancel(ctx)
	senderName := ""
	if sender != nil {
		senderName = sender.Name
	}
	notif, err := d.notifications.OnNewMessage(ctx, msg, senderName)
	if err != nil {
		d.log.Error("project message notification", zap.Uint("messageId", msg.ID), zap.Error(err))
	}

	d.Emit(ConnectionRoom(msg.ConnectionID), NewEvent(fmt.Sprintf("message:%d", msg.ID), NewMessagePayload{Message: *msg}))

	if msg.ReceiverID == "" {
		return
	}
	var payload NotificationPayload
	key := fmt.Sprintf("message:%d:%s", msg.ID, msg.ReceiverID)
	if notif != nil {
		payload = notificationPayload(notif)
		key = fmt.Sprintf("notification:%d", notif.ID)
	} else {
		payload = NotificationPayload{
			Type:         string(models.NotificationMessage),
			Title:        "New message",
			Message:      messagePreview(msg),
			ConnectionID: msg.ConnectionID,
			MessageID:    msg.ID,
			CreatedAt:    msg.CreatedAt,
		}
	}
	payload.SenderID = msg.SenderID
	d.Emit(UserRoom(msg.ReceiverID), NewEvent(key, payload))
}

// PublishMessagesRead sends one messages_read event per sender and
// conversation represented in res.
func (d *Dispatcher) PublishMessagesRead(readerID string, res ReadResult) {
	groups := res.BySender()
	keys := make([][2]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})
	for _, k := range keys {
		senderID, connID := k[0], k[1]
		ids := groups[k]
		payload := MessagesReadPayload{ConnectionID: connID, MessageIDs: ids, ReadBy: readerID, ReadAt: res.ReadAt}
		key := fmt.Sprintf("%s|%s|%v|%d", readerID, connID, ids, res.ReadAt.UnixNano())
		d.Emit(UserRoom(senderID), NewEvent(key, payload))
	}
}

// PublishDelivered sends one message_delivered event per message to its
// original sender.
func (d *Dispatcher) PublishDelivered(msgs []models.Message) {
	for _, m := range msgs {
		if m.DeliveredAt == nil || m.SenderID == models.SystemSender {
			continue
		}
		payload := MessageDeliveredPayload{
			MessageID:    m.ID,
			ConnectionID: m.ConnectionID,
			DeliveredTo:  m.ReceiverID,
			DeliveredAt:  *m.DeliveredAt,
		}
		d.Emit(UserRoom(m.SenderID), NewEvent(fmt.Sprintf("%d", m.ID), payload))
	}
}

// PublishReminder runs the reminder projection and pushes what was written.
func (d *Dispatcher) PublishReminder(ctx context.Context, r Reminder) (ReminderResult, error) {
	res, err := d.notifications.OnReminder(ctx, r)
	if err != nil {
		return res, err
	}
	for i := range res.Notifications {
		n := &res.Notifications[i]
		d.Emit(UserRoom(n.UserID), NewEvent(fmt.Sprintf("notification:%d", n.ID), notificationPayload(n)))
	}
	if res.Message != nil {
		d.Emit(ConnectionRoom(res.Message.ConnectionID), NewEvent(fmt.Sprintf("message:%d", res.Message.ID), NewMessagePayload{Message: *res.Message}))
	}
	return res, nil
}

// PublishConnectionStatus notifies the party other than actor about the
// connection's current status. Like PublishNewMessage it outlives ctx.
func (d *Dispatcher) PublishConnectionStatus(ctx context.Context, conn *models.Connection, actor *models.User) {
	ctx = context.WithoutCancel(ctx)
	recipient := conn.OtherParty(actor.ID)
	if recipient == "" {
		return
	}
	paymentRequired := false
	if conn.Status == models.ConnectionAccepted {
		var err error
		paymentRequired, err = d.escrow.PaymentRequired(ctx, conn)
		if err != nil {
			d.log.Warn("escrow lookup failed", zap.String("connectionId", conn.ID), zap.Error(err))
			paymentRequired = false
		}
	}
	notif, err := d.notifications.OnConnectionStatus(ctx, conn, recipient, actor.Name, paymentRequired)
	if err != nil {
		d.log.Error("project connection notification", zap.String("connectionId", conn.ID), zap.Error(err))
		return
	}
	d.Emit(UserRoom(recipient), NewEvent(fmt.Sprintf("notification:%d", notif.ID), notificationPayload(notif)))
}

// HandleFrame processes one client frame. Failures are answered with an
// error event to s only.
func (d *Dispatcher) HandleFrame(ctx context.Context, s *Session, raw []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Event == "" {
		d.replyError(s, "", validationError("invalid_frame", "invalid message format"))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, socketOpTimeout)
	defer cancel()

	var err error
	switch frame.Event {
	case EventJoinConnection:
		err = d.join(ctx, s, frame.Data)
	case EventLeaveConnection:
		err = d.leave(s, frame.Data)
	case EventTypingStart:
		err = d.typingStart(ctx, s, frame.Data)
	case EventTypingStop:
		err = d.typingStop(s, frame.Data)
	case EventMarkRead:
		err = d.markRead(ctx, s, frame.Data)
	case EventAckDelivered:
		err = d.ackDelivered(ctx, s, frame.Data)
	default:
		err = validationError("unknown_event", "unknown event "+frame.Event)
	}
	if err != nil {
		d.replyError(s, frame.Event, err)
	}
}

func (d *Dispatcher) join(ctx context.Context, s *Session, data json.RawMessage) error {
	connID, err := decodeConnectionID(data)
	if err != nil {
		return validationError("invalid_payload", err.Error())
	}
	if _, err := d.gate.LoadReadable(ctx, connID, s.UserID); err != nil {
		return err
	}
	if !d.registry.Join(s, ConnectionRoom(connID)) {
		return &Error{Kind: KindTransport, Reason: "not_registered", Message: "session is not registered"}
	}
	d.log.Debug("joined conversation", zap.String("sessionId", s.ID), zap.String("connectionId", connID))
	return nil
}

func (d *Dispatcher) leave(s *Session, data json.RawMessage) error {
	connID, err := decodeConnectionID(data)
	if err != nil {
		return validationError("invalid_payload", err.Error())
	}
	d.registry.Leave(s, ConnectionRoom(connID))
	if e, ok := d.typing.Stop(connID, s.UserID); ok {
		d.emitTyping(e, false)
	}
	return nil
}

func (d *Dispatcher) typingStart(ctx context.Context, s *Session, data json.RawMessage) error {
	connID, err := decodeConnectionID(data)
	if err != nil {
		return validationError("invalid_payload", err.Error())
	}
	conn, err := d.gate.Load(ctx, connID)
	if err != nil {
		return err
	}
	if err := d.gate.CanType(conn, s.UserID); err != nil {
		return err
	}
	e := TypingEntry{ConnectionID: connID, UserID: s.UserID, UserName: s.UserName, PeerID: conn.OtherParty(s.UserID)}
	if d.typing.Start(e) {
		d.emitTyping(e, true)
	}
	return nil
}

func (d *Dispatcher) typingStop(s *Session, data json.RawMessage) error {
	connID, err := decodeConnectionID(data)
	if err != nil {
		return validationError("invalid_payload", err.Error())
	}
	if e, ok := d.typing.Stop(connID, s.UserID); ok {
		d.emitTyping(e, false)
	}
	return nil
}

func (d *Dispatcher) markRead(ctx context.Context, s *Session, data json.RawMessage) error {
	var req markReadRequest
	if err := json.Unmarshal(data, &req); err != nil || len(req.MessageIDs) == 0 {
		return validationError("invalid_payload", "messageIds are required")
	}
	var (
		res ReadResult
		err error
	)
	if req.ConnectionID != "" {
		if _, err := d.gate.LoadReadable(ctx, req.ConnectionID, s.UserID); err != nil {
			return err
		}
		res, err = d.messages.MarkReadIn(ctx, req.ConnectionID, req.MessageIDs, s.UserID)
	} else {
		res, err = d.messages.MarkRead(ctx, req.MessageIDs, s.UserID)
	}
	if err != nil {
		return err
	}
	d.PublishMessagesRead(s.UserID, res)
	return nil
}

func (d *Dispatcher) ackDelivered(ctx context.Context, s *Session, data json.RawMessage) error {
	var ack deliveredAck
	if err := json.Unmarshal(data, &ack); err != nil || ack.MessageID == 0 {
		return validationError("invalid_payload", "messageId is required")
	}
	updated, err := d.messages.MarkDelivered(ctx, []uint{ack.MessageID}, s.UserID)
	if err != nil {
		return err
	}
	d.PublishDelivered(updated)
	return nil
}

func (d *Dispatcher) emitTyping(e TypingEntry, typing bool) {
	if e.PeerID == "" {
		return
	}
	payload := UserTypingPayload{ConnectionID: e.ConnectionID, UserID: e.UserID, UserName: e.UserName, IsTyping: typing}
	key := fmt.Sprintf("%s|%s|%t|%d", e.ConnectionID, e.UserID, typing, e.LastSeen.UnixNano())
	d.Emit(UserRoom(e.PeerID), NewEvent(key, payload))
}

func (d *Dispatcher) replyError(s *Session, event string, err error) {
	payload := ErrorPayload{Message: "internal error", Event: event}
	var e *Error
	if errors.As(err, &e) {
		payload.Message = e.Message
		payload.Reason = e.Reason
	} else {
		d.log.Error("socket event failed", zap.String("event", event), zap.String("userId", s.UserID), zap.Error(err))
	}
	key := strings.Join([]string{s.ID, event, fmt.Sprint(time.Now().UnixNano())}, "|")
	d.emitTo(s, NewEvent(key, payload))
}
