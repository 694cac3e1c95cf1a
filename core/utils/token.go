package utils

import (
	"fmt"
	"time"

	"doer-api/core/config"
	"doer-api/core/errors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenData is the authenticated identity carried through request context.
type TokenData struct {
	UserID uuid.UUID
	Email  string
	Scope  string
}

type appClaims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Scope  string `json:"scope"`
	jwt.RegisteredClaims
}

// GenerateToken signs an application JWT for the given user.
func GenerateToken(userID uuid.UUID, email string, scope string, ttl time.Duration) (string, error) {
	cfg, ok := config.GetSafe()
	if !ok || cfg.Auth.JWTSecret == "" {
		return "", errors.NewAppError(errors.ErrConfiguration, "JWT_SECRET is not configured", nil)
	}

	claims := appClaims{
		UserID: userID.String(),
		Email:  email,
		Scope:  scope,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.Auth.JWTSecret))
}

// ParseToken validates an application JWT and returns its identity.
func ParseToken(tokenString string) (*TokenData, error) {
	cfg, ok := config.GetSafe()
	if !ok || cfg.Auth.JWTSecret == "" {
		return nil, errors.NewAppError(errors.ErrConfiguration, "JWT_SECRET is not configured", nil)
	}

	claims := &appClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(cfg.Auth.JWTSecret), nil
	})
	if err != nil {
		return nil, errors.NewAppError(errors.ErrUnauthorized, "invalid token", err)
	}
	if !token.Valid {
		return nil, errors.NewAppError(errors.ErrUnauthorized, "invalid token", nil)
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return nil, errors.NewAppError(errors.ErrInvalidTokenFormat, "invalid user id in token", err)
	}

	return &TokenData{UserID: userID, Email: claims.Email, Scope: claims.Scope}, nil
}
