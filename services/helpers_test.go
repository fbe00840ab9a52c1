package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"companion-chat/models"
	"companion-chat/testutil"

	"gorm.io/gorm"
)

// stepClock advances one second on every read so creation times are
// strictly increasing.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
	err     error
	block   bool
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string][]byte)}
}

func (m *memStorage) Upload(ctx context.Context, u Upload) (StoredObject, error) {
	if m.block {
		<-ctx.Done()
		return StoredObject{}, ctx.Err()
	}
	if m.err != nil {
		return StoredObject{}, m.err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, u.Body); err != nil {
		return StoredObject{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := "obj-" + u.FileName
	m.objects[id] = buf.Bytes()
	obj := StoredObject{URL: "https://files.test/" + id, PublicID: id}
	if len(u.MimeType) > 6 && u.MimeType[:6] == "image/" {
		obj.ThumbnailURL = obj.URL + "?w=200"
	}
	return obj, nil
}

func (m *memStorage) Delete(_ context.Context, publicID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, publicID)
	m.deleted = append(m.deleted, publicID)
	return nil
}

type stubEntitlements struct {
	pro map[string]bool
	err error
}

func (s stubEntitlements) HasElevatedAccess(_ context.Context, userID string) (bool, error) {
	return s.pro[userID], s.err
}

type stubEscrow struct{ required bool }

func (s stubEscrow) PaymentRequired(context.Context, *models.Connection) (bool, error) {
	return s.required, nil
}

type testEnv struct {
	db            *gorm.DB
	clock         *stepClock
	storage       *memStorage
	gate          *Gate
	messages      *MessageStore
	notifications *Notifications
	typingClock   *manualClock
	dispatcher    *Dispatcher
	alice, bob    *models.User
	carol         *models.User
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := testutil.NewDB(t)
	env := &testEnv{
		db:          db,
		clock:       newStepClock(),
		storage:     newMemStorage(),
		typingClock: &manualClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	env.alice = testutil.CreateUser(t, db, "alice", "Alice", nil)
	env.bob = testutil.CreateUser(t, db, "bob", "Bob", nil)
	env.carol = testutil.CreateUser(t, db, "carol", "Carol", nil)

	env.gate = NewGate(db, NewUserEntitlements(db))
	env.messages = NewMessageStore(db, env.gate, env.storage, nil, MessageStoreOptions{
		MaxLength:     20,
		UploadTimeout: 50 * time.Millisecond,
		Now:           env.clock.Now,
	})
	env.notifications = NewNotifications(db, env.gate, env.messages, nil)
	env.notifications.now = env.clock.Now
	env.dispatcher = NewDispatcher(DispatcherDeps{
		Registry:      NewRegistry(),
		Typing:        NewTyping(10*time.Second, env.typingClock.Now),
		Gate:          env.gate,
		Messages:      env.messages,
		Notifications: env.notifications,
	})
	return env
}

func (env *testEnv) connect(t *testing.T, user *models.User) *Session {
	t.Helper()
	s := NewSession(user, 64)
	env.dispatcher.Connect(s)
	return s
}

type receivedEvent struct {
	ID    string          `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// drain returns every frame queued for s without blocking.
func drain(t *testing.T, s *Session) []receivedEvent {
	t.Helper()
	var out []receivedEvent
	for {
		select {
		case frame, ok := <-s.Outbox():
			if !ok {
				return out
			}
			var ev receivedEvent
			if err := json.Unmarshal(frame, &ev); err != nil {
				t.Fatalf("decode frame %s: %v", frame, err)
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventsNamed(events []receivedEvent, name EventName) []receivedEvent {
	var out []receivedEvent
	for _, ev := range events {
		if ev.Event == string(name) {
			out = append(out, ev)
		}
	}
	return out
}

func assertIs(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}

func countMessages(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	if err := db.Model(&models.Message{}).Count(&n).Error; err != nil {
		t.Fatalf("count messages: %v", err)
	}
	return n
}
