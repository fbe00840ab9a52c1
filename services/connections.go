package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"companion-chat/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CreateConnection is a request from one user to pair with another for a
// route and travel date.
type CreateConnection struct {
	RequesterID string
	PartyID     string
	Role        models.Role
	Route       string
	TravelDate  string
}

// ConnectionFilter narrows a listing; zero values match everything.
type ConnectionFilter struct {
	Role   models.Role
	Status models.ConnectionStatus
}

// Connections owns connection records and their lifecycle.
type Connections struct {
	db   *gorm.DB
	gate *Gate
	now  func() time.Time
}

func NewConnections(db *gorm.DB, gate *Gate) *Connections {
	return &Connections{db: db, gate: gate, now: time.Now}
}

// Create stores a pending connection. If the same pair already has a
// connection for the route and date, that record is returned with created
// set to false.
func (c *Connections) Create(ctx context.Context, in CreateConnection) (conn *models.Connection, created bool, err error) {
	in.Route = strings.ToUpper(strings.TrimSpace(in.Route))
	in.TravelDate = strings.TrimSpace(in.TravelDate)
	if in.PartyID == "" || in.RequesterID == "" {
		return nil, false, validationError("missing_party", "partyId is required")
	}
	if in.PartyID == in.RequesterID {
		return nil, false, validationError("self_connection", "you cannot connect with yourself")
	}
	if !in.Role.Valid() {
		return nil, false, validationError("invalid_role", "role must be helper or seeker")
	}
	if in.Route == "" {
		return nil, false, validationError("missing_route", "route is required")
	}
	if _, err := time.Parse("2006-01-02", in.TravelDate); err != nil {
		return nil, false, validationError("invalid_travel_date", "travelDate must be YYYY-MM-DD")
	}

	var party models.User
	err = c.db.WithContext(ctx).Select("id").Where("id = ?", in.PartyID).First(&party).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, &Error{Kind: KindNotFound, Reason: "user_not_found", Message: "user not found"}
	}
	if err != nil {
		return nil, false, err
	}

	pairKey := models.PairKey(in.RequesterID, in.PartyID)
	existing, err := c.findDuplicate(ctx, pairKey, in)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, false, err
	}

	now := c.now().UTC()
	conn = &models.Connection{
		ID:         uuid.NewString(),
		PartyA:     in.RequesterID,
		PartyB:     in.PartyID,
		Role:       in.Role,
		PairKey:    pairKey,
		Route:      in.Route,
		TravelDate: in.TravelDate,
		Status:     models.ConnectionPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err = c.db.WithContext(ctx).Create(conn).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// a concurrent request inserted the same connection first
		if existing, err = c.findDuplicate(ctx, pairKey, in); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return conn, true, nil
}

func (c *Connections) findDuplicate(ctx context.Context, pairKey string, in CreateConnection) (*models.Connection, error) {
	var existing models.Connection
	err := c.db.WithContext(ctx).
		Where("pair_key = ? AND route = ? AND travel_date = ?", pairKey, in.Route, in.TravelDate).
		First(&existing).Error
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

// Get returns a connection visible to userID.
func (c *Connections) Get(ctx context.Context, id, userID string) (*models.Connection, error) {
	return c.gate.LoadReadable(ctx, id, userID)
}

// ListFor returns the connections userID is a party to, newest first.
func (c *Connections) ListFor(ctx context.Context, userID string, f ConnectionFilter) ([]models.Connection, error) {
	q := c.db.WithContext(ctx).Where("party_a = ? OR party_b = ?", userID, userID)
	if f.Role != "" {
		q = q.Where("role = ?", f.Role)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	var out []models.Connection
	err := q.Order("created_at DESC").Find(&out).Error
	return out, err
}

// Transition moves a connection to next on behalf of actorID.
//
//	pending  -> accepted | rejected  (addressee)
//	pending  -> cancelled            (requester)
//	accepted -> completed | cancelled (either party)
func (c *Connections) Transition(ctx context.Context, id, actorID string, next models.ConnectionStatus) (*models.Connection, error) {
	if !next.Valid() {
		return nil, validationError("invalid_status", "unknown status")
	}
	var conn models.Connection
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("id = ?", id).First(&conn).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrConnectionNotFound
		}
		if err != nil {
			return err
		}
		if !conn.HasParty(actorID) {
			return ErrNotParty
		}
		if !allowedTransition(&conn, actorID, next) {
			return validationError("invalid_transition", "cannot move connection from "+string(conn.Status)+" to "+string(next))
		}

		now := c.now().UTC()
		updates := map[string]interface{}{"status": next, "updated_at": now}
		switch next {
		case models.ConnectionAccepted:
			updates["accepted_at"] = now
			conn.AcceptedAt = &now
		case models.ConnectionRejected:
			updates["rejected_at"] = now
			conn.RejectedAt = &now
		case models.ConnectionCompleted:
			updates["completed_at"] = now
			conn.CompletedAt = &now
		case models.ConnectionCancelled:
			updates["cancelled_at"] = now
			conn.CancelledAt = &now
		}
		res := tx.Model(&models.Connection{}).Where("id = ? AND status = ?", conn.ID, conn.Status).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return validationError("invalid_transition", "connection changed concurrently")
		}
		conn.Status = next
		conn.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

func allowedTransition(conn *models.Connection, actorID string, next models.ConnectionStatus) bool {
	switch conn.Status {
	case models.ConnectionPending:
		switch next {
		case models.ConnectionAccepted, models.ConnectionRejected:
			return actorID == conn.PartyB
		case models.ConnectionCancelled:
			return actorID == conn.PartyA
		}
	case models.ConnectionAccepted:
		return next == models.ConnectionCompleted || next == models.ConnectionCancelled
	}
	return false
}
