package services

import (
	"sort"
	"sync"
	"time"
)

// TypingEntry marks one user composing in one conversation. PeerID is the
// other party, who receives the typing events.
type TypingEntry struct {
	ConnectionID string
	UserID       string
	UserName     string
	PeerID       string
	LastSeen     time.Time
}

// Typing holds the per-conversation set of users currently composing.
type Typing struct {
	mu      sync.Mutex
	byConn  map[string]map[string]*TypingEntry
	timeout time.Duration
	now     func() time.Time
}

func NewTyping(timeout time.Duration, now func() time.Time) *Typing {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &Typing{byConn: make(map[string]map[string]*TypingEntry), timeout: timeout, now: now}
}

// Start adds or refreshes an entry. It reports true only when the user was
// not already typing in that conversation.
func (t *Typing) Start(e TypingEntry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.LastSeen = t.now()
	users := t.byConn[e.ConnectionID]
	if users == nil {
		users = make(map[string]*TypingEntry)
		t.byConn[e.ConnectionID] = users
	}
	if cur, ok := users[e.UserID]; ok {
		cur.LastSeen = e.LastSeen
		return false
	}
	users[e.UserID] = &e
	return true
}

// Stop removes the entry and returns it if it existed.
func (t *Typing) Stop(connectionID, userID string) (TypingEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(connectionID, userID)
}

// ClearUser removes every entry of userID across conversations.
func (t *Typing) ClearUser(userID string) []TypingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []TypingEntry
	for connID, users := range t.byConn {
		if _, ok := users[userID]; ok {
			e, _ := t.removeLocked(connID, userID)
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out
}

// Expire removes entries idle for longer than the timeout.
func (t *Typing) Expire() []TypingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-t.timeout)
	var out []TypingEntry
	for connID, users := range t.byConn {
		for userID, e := range users {
			if e.LastSeen.Before(cutoff) {
				removed, _ := t.removeLocked(connID, userID)
				out = append(out, removed)
			}
		}
	}
	sortEntries(out)
	return out
}

// Typers lists the user ids typing in a conversation.
func (t *Typing) Typers(connectionID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.byConn[connectionID]))
	for id := range t.byConn[connectionID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t *Typing) removeLocked(connectionID, userID string) (TypingEntry, bool) {
	users := t.byConn[connectionID]
	e, ok := users[userID]
	if !ok {
		return TypingEntry{}, false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.byConn, connectionID)
	}
	return *e, true
}

func sortEntries(entries []TypingEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ConnectionID != entries[j].ConnectionID {
			return entries[i].ConnectionID < entries[j].ConnectionID
		}
		return entries[i].UserID < entries[j].UserID
	})
}
