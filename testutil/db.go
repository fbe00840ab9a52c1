// Package testutil builds throwaway databases and fixtures for tests.
package testutil

import (
	"sync/atomic"
	"testing"
	"time"

	"companion-chat/models"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB opens a private in-memory SQLite database with every table migrated.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := models.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// CreateUser inserts a user. A non-nil proUntil marks the user Pro until
// that time.
func CreateUser(t *testing.T, db *gorm.DB, id, name string, proUntil *time.Time) *models.User {
	t.Helper()
	u := &models.User{ID: id, Name: name, Email: id + "@example.com"}
	if proUntil != nil {
		u.IsPro = true
		u.ProExpiresAt = proUntil
	}
	if err := db.Create(u).Error; err != nil {
		t.Fatalf("create user %s: %v", id, err)
	}
	return u
}

var travelDay atomic.Int64

// CreateConnection inserts a connection between requester a and addressee b.
func CreateConnection(t *testing.T, db *gorm.DB, a, b string, status models.ConnectionStatus) *models.Connection {
	t.Helper()
	now := time.Now().UTC()
	c := &models.Connection{
		ID:         uuid.NewString(),
		PartyA:     a,
		PartyB:     b,
		Role:       models.RoleSeeker,
		PairKey:    models.PairKey(a, b),
		Route:      "LHR-JFK",
		TravelDate: now.AddDate(0, 0, int(travelDay.Add(1))).Format("2006-01-02"),
		Status:     status,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := db.Create(c).Error; err != nil {
		t.Fatalf("create connection: %v", err)
	}
	return c
}
