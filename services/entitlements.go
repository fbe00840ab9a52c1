package services

import (
	"context"
	"errors"
	"time"

	"companion-chat/models"

	"gorm.io/gorm"
)

// Entitlements answers whether a user currently holds elevated (Pro) access.
type Entitlements interface {
	HasElevatedAccess(ctx context.Context, userID string) (bool, error)
}

// UserEntitlements reads the subscription flag kept on the user record.
type UserEntitlements struct {
	db  *gorm.DB
	now func() time.Time
}

func NewUserEntitlements(db *gorm.DB) *UserEntitlements {
	return &UserEntitlements{db: db, now: time.Now}
}

func (e *UserEntitlements) HasElevatedAccess(ctx context.Context, userID string) (bool, error) {
	var user models.User
	err := e.db.WithContext(ctx).Select("id", "is_pro", "pro_expires_at").Where("id = ?", userID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return user.HasActivePro(e.now()), nil
}
