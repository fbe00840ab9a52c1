package models

import (
	"sort"
	"strings"
	"time"
)

type ConnectionStatus string

const (
	ConnectionPending   ConnectionStatus = "pending"
	ConnectionAccepted  ConnectionStatus = "accepted"
	ConnectionRejected  ConnectionStatus = "rejected"
	ConnectionCompleted ConnectionStatus = "completed"
	ConnectionCancelled ConnectionStatus = "cancelled"
)

// Valid reports whether s is one of the known lifecycle states.
func (s ConnectionStatus) Valid() bool {
	switch s {
	case ConnectionPending, ConnectionAccepted, ConnectionRejected, ConnectionCompleted, ConnectionCancelled:
		return true
	}
	return false
}

// Role is informational only; it never grants privileges.
type Role string

const (
	RoleHelper Role = "helper"
	RoleSeeker Role = "seeker"
)

func (r Role) Valid() bool { return r == RoleHelper || r == RoleSeeker }

// Connection pairs two users for one flight route and travel date. It is the
// authorization boundary for the conversation scoped to it.
type Connection struct {
	ID          string           `gorm:"primaryKey;type:varchar(36)" json:"id"`
	PartyA      string           `gorm:"type:varchar(36);index;not null" json:"partyA"` // requester
	PartyB      string           `gorm:"type:varchar(36);index;not null" json:"partyB"` // addressee
	Role        Role             `gorm:"type:varchar(10);index" json:"role"`            // requester's role
	PairKey     string           `gorm:"type:varchar(80);uniqueIndex:idx_connections_pair_route_date,priority:1;not null" json:"-"`
	Route       string           `gorm:"type:varchar(64);uniqueIndex:idx_connections_pair_route_date,priority:2" json:"route"`
	TravelDate  string           `gorm:"type:varchar(10);uniqueIndex:idx_connections_pair_route_date,priority:3" json:"travelDate"` // YYYY-MM-DD
	Status      ConnectionStatus `gorm:"type:varchar(16);index;default:'pending'" json:"status"`
	AcceptedAt  *time.Time       `json:"acceptedAt,omitempty"`
	RejectedAt  *time.Time       `json:"rejectedAt,omitempty"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
	CancelledAt *time.Time       `json:"cancelledAt,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// HasParty reports whether userID is one of the two parties.
func (c *Connection) HasParty(userID string) bool {
	return userID != "" && (c.PartyA == userID || c.PartyB == userID)
}

// OtherParty returns the party that is not userID, or "" if userID is not a party.
func (c *Connection) OtherParty(userID string) string {
	switch userID {
	case c.PartyA:
		return c.PartyB
	case c.PartyB:
		return c.PartyA
	}
	return ""
}

// PairKey builds an order-independent key for two user ids.
func PairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}
