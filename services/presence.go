package services

import (
	"sort"
	"sync"

	"companion-chat/models"

	"github.com/google/uuid"
)

const defaultOutboxSize = 256

func UserRoom(userID string) string { return "user:" + userID }

func ConnectionRoom(connectionID string) string { return "connection:" + connectionID }

// Session is one live, authenticated transport connection.
type Session struct {
	ID       string
	UserID   string
	UserName string

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func NewSession(user *models.User, outbox int) *Session {
	if outbox <= 0 {
		outbox = defaultOutboxSize
	}
	return &Session{
		ID:       uuid.NewString(),
		UserID:   user.ID,
		UserName: user.Name,
		send:     make(chan []byte, outbox),
	}
}

// Outbox yields frames queued for this session. It is closed by Close.
func (s *Session) Outbox() <-chan []byte { return s.send }

// deliver queues frame without blocking; it reports false when the outbox
// is full or the session is closed.
func (s *Session) deliver(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

// Registry tracks live sessions and the rooms they have joined. It lives in
// process memory only.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	rooms       map[string]map[*Session]struct{}
	memberships map[*Session]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		sessions:    make(map[string]*Session),
		rooms:       make(map[string]map[*Session]struct{}),
		memberships: make(map[*Session]map[string]struct{}),
	}
}

// Register admits s and joins its personal room.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	if r.memberships[s] == nil {
		r.memberships[s] = make(map[string]struct{})
	}
	r.joinLocked(s, UserRoom(s.UserID))
}

// Join adds s to room. Unregistered sessions are refused.
func (r *Registry) Join(s *Session, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; !ok {
		return false
	}
	r.joinLocked(s, room)
	return true
}

// Leave removes s from room. The personal room cannot be left.
func (r *Registry) Leave(s *Session, room string) {
	if room == UserRoom(s.UserID) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(s, room)
}

// Unregister drops s from every room and returns the rooms it was in.
func (r *Registry) Unregister(s *Session) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; !ok {
		return nil
	}
	var left []string
	for room := range r.memberships[s] {
		left = append(left, room)
		r.leaveLocked(s, room)
	}
	delete(r.memberships, s)
	delete(r.sessions, s.ID)
	sort.Strings(left)
	return left
}

// Members returns a snapshot of the sessions in room.
func (r *Registry) Members(room string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := make([]*Session, 0, len(r.rooms[room]))
	for s := range r.rooms[room] {
		members = append(members, s)
	}
	return members
}

// Rooms lists the rooms s has joined.
func (r *Registry) Rooms(s *Session) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rooms := make([]string, 0, len(r.memberships[s]))
	for room := range r.memberships[s] {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

func (r *Registry) InRoom(s *Session, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.memberships[s][room]
	return ok
}

// IsOnline reports whether userID has at least one live session.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[UserRoom(userID)]) > 0
}

func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) joinLocked(s *Session, room string) {
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[*Session]struct{})
	}
	r.rooms[room][s] = struct{}{}
	r.memberships[s][room] = struct{}{}
}

func (r *Registry) leaveLocked(s *Session, room string) {
	if m := r.rooms[room]; m != nil {
		delete(m, s)
		if len(m) == 0 {
			delete(r.rooms, room)
		}
	}
	delete(r.memberships[s], room)
}
