package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ReminderPublisher is the reminder path of the dispatcher.
type ReminderPublisher interface {
	PublishReminder(ctx context.Context, r Reminder) (ReminderResult, error)
}

// ReminderSubscriber receives reminder events from the external scheduler
// over NATS and feeds them to the dispatcher.
type ReminderSubscriber struct {
	nc        *nats.Conn
	publisher ReminderPublisher
	log       *zap.Logger
}

// NewReminderSubscriber connects to url. The caller must Close it.
func NewReminderSubscriber(url string, publisher ReminderPublisher, log *zap.Logger) (*ReminderSubscriber, error) {
	if log == nil {
		log = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("companion-chat"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &ReminderSubscriber{nc: nc, publisher: publisher, log: log}, nil
}

// Subscribe starts consuming subject.
func (r *ReminderSubscriber) Subscribe(subject string) error {
	_, err := r.nc.Subscribe(subject, func(m *nats.Msg) {
		r.handle(m.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to '%s': %w", subject, err)
	}
	r.log.Info("subscribed to reminders", zap.String("subject", subject))
	return nil
}

func (r *ReminderSubscriber) handle(data []byte) {
	rem, err := DecodeReminder(data)
	if err != nil {
		r.log.Warn("discarding reminder", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := r.publisher.PublishReminder(ctx, rem)
	if err != nil {
		r.log.Error("reminder failed", zap.String("connectionId", rem.ConnectionID), zap.Error(err))
		return
	}
	r.log.Info("reminder delivered",
		zap.String("connectionId", rem.ConnectionID),
		zap.Int("notifications", len(res.Notifications)),
		zap.Bool("message", res.Message != nil))
}

// Close drains the subscription and the connection.
func (r *ReminderSubscriber) Close() {
	if r.nc == nil {
		return
	}
	if err := r.nc.Drain(); err != nil {
		r.log.Warn("nats drain", zap.Error(err))
	}
}

// DecodeReminder parses a reminder event body.
func DecodeReminder(data []byte) (Reminder, error) {
	var rem Reminder
	if err := json.Unmarshal(data, &rem); err != nil {
		return Reminder{}, fmt.Errorf("invalid reminder: %w", err)
	}
	if rem.ConnectionID == "" {
		return Reminder{}, fmt.Errorf("invalid reminder: connectionId is required")
	}
	return rem, nil
}
