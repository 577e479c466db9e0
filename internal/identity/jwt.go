// Package identity verifies bearer tokens issued by the identity service and
// resolves them to users. Issuing credentials is the identity service's job;
// SignToken exists for tooling and tests.
package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/psds-microservice/helpdesk-service/internal/errs"
	"github.com/psds-microservice/helpdesk-service/internal/model"
	"gorm.io/gorm"
)

// Authenticator resolves a bearer token to a user.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*model.User, error)
}

type Claims struct {
	UserID uint64 `json:"uid"`
	jwt.RegisteredClaims
}

// JWTAuthenticator checks HS256 tokens and loads the user from storage, so a
// role change in the user table takes effect without reissuing tokens.
type JWTAuthenticator struct {
	secret []byte
	db     *gorm.DB
}

func NewJWTAuthenticator(secret string, db *gorm.DB) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret), db: db}
}

func (a *JWTAuthenticator) Authenticate(ctx context.Context, token string) (*model.User, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return nil, errs.Auth("missing token")
	}
	claims, err := ParseToken(a.secret, token)
	if err != nil {
		return nil, errs.Auth("invalid token")
	}
	var u model.User
	if err := a.db.WithContext(ctx).First(&u, claims.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.Auth("unknown user")
		}
		return nil, errs.Internal(err, "load user")
	}
	return &u, nil
}

func SignToken(secret []byte, userID uint64, ttl time.Duration) (string, error) {
	now := time.Now()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}).SignedString(secret)
}

func ParseToken(secret []byte, token string) (*Claims, error) {
	t, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if c, ok := t.Claims.(*Claims); ok && t.Valid && c.UserID != 0 {
		return c, nil
	}
	return nil, jwt.ErrTokenInvalidClaims
}
