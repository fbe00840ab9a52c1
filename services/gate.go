package services

import (
	"context"
	"errors"

	"companion-chat/models"

	"gorm.io/gorm"
)

// Gate decides who may read and write a connection's conversation.
type Gate struct {
	db           *gorm.DB
	entitlements Entitlements
}

func NewGate(db *gorm.DB, entitlements Entitlements) *Gate {
	return &Gate{db: db, entitlements: entitlements}
}

// Load fetches a connection by id.
func (g *Gate) Load(ctx context.Context, connectionID string) (*models.Connection, error) {
	if connectionID == "" {
		return nil, ErrConnectionNotFound
	}
	var conn models.Connection
	err := g.db.WithContext(ctx).Where("id = ?", connectionID).First(&conn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConnectionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

// CanRead allows either party regardless of status and nobody else.
func (g *Gate) CanRead(conn *models.Connection, userID string) error {
	if conn == nil {
		return ErrConnectionNotFound
	}
	if !conn.HasParty(userID) {
		return ErrNotParty
	}
	return nil
}

// CanWrite allows parties of an accepted connection. A pending connection is
// writable only while the sender holds an active elevated entitlement.
func (g *Gate) CanWrite(ctx context.Context, conn *models.Connection, senderID string) error {
	if err := g.CanRead(conn, senderID); err != nil {
		return err
	}
	switch conn.Status {
	case models.ConnectionAccepted:
		return nil
	case models.ConnectionPending:
		ok, err := g.entitlements.HasElevatedAccess(ctx, senderID)
		if err != nil {
			return dependencyError("entitlement_unavailable", "entitlement lookup failed", err)
		}
		if !ok {
			return ErrRequiresPro
		}
		return nil
	default:
		return ErrConnectionInactive
	}
}

// CanType requires a party of an accepted connection.
func (g *Gate) CanType(conn *models.Connection, userID string) error {
	if err := g.CanRead(conn, userID); err != nil {
		return err
	}
	if conn.Status != models.ConnectionAccepted {
		return ErrConnectionInactive
	}
	return nil
}

// LoadReadable loads a connection and checks read access in one step.
func (g *Gate) LoadReadable(ctx context.Context, connectionID, userID string) (*models.Connection, error) {
	conn, err := g.Load(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if err := g.CanRead(conn, userID); err != nil {
		return nil, err
	}
	return conn, nil
}
