package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"companion-chat/models"

	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"
)

// Identity resolves a bearer credential to a user record.
type Identity interface {
	Verify(ctx context.Context, token string) (*models.User, error)
}

// JWTIdentity verifies HS256 tokens whose subject is a user id and loads
// the matching user from the users table.
type JWTIdentity struct {
	secret []byte
	db     *gorm.DB
}

func NewJWTIdentity(secret string, db *gorm.DB) *JWTIdentity {
	return &JWTIdentity{secret: []byte(secret), db: db}
}

func (j *JWTIdentity) Verify(ctx context.Context, token string) (*models.User, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return j.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return nil, &Error{Kind: KindTransport, Reason: "invalid_token", Message: "invalid token", Err: err}
	}

	var user models.User
	err = j.db.WithContext(ctx).Where("id = ?", claims.Subject).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &Error{Kind: KindTransport, Reason: "unknown_user", Message: "token subject does not exist"}
	}
	if err != nil {
		return nil, dependencyError("identity_unavailable", "identity lookup failed", err)
	}
	return &user, nil
}

// Issue mints a token for userID valid for ttl.
func (j *JWTIdentity) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
