package services

import (
	"context"

	"companion-chat/models"
)

// Escrow reports whether a connection still needs a payment before the
// companions meet. It only decides whether a payment banner accompanies the
// connection-accepted notification.
type Escrow interface {
	PaymentRequired(ctx context.Context, conn *models.Connection) (bool, error)
}

// NoEscrow is used when no payment provider is configured.
type NoEscrow struct{}

func (NoEscrow) PaymentRequired(context.Context, *models.Connection) (bool, error) { return false, nil }
