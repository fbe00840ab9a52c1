package models

import (
	"time"
)

// User is the local projection of an account owned by the identity service.
// Only the fields the chat core reads are kept here.
type User struct {
	ID           string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name         string     `gorm:"type:varchar(120)" json:"name"`
	Email        string     `gorm:"type:varchar(255);index" json:"email"`
	AvatarURL    string     `json:"avatarUrl,omitempty"`
	IsPro        bool       `gorm:"default:false" json:"isPro"`                // elevated entitlement flag
	ProExpiresAt *time.Time `gorm:"default:NULL" json:"proExpiresAt,omitempty"` // nil means no expiry
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// HasActivePro reports whether the Pro flag is set and not expired at now.
func (u *User) HasActivePro(now time.Time) bool {
	if u == nil || !u.IsPro {
		return false
	}
	return u.ProExpiresAt == nil || u.ProExpiresAt.After(now)
}
