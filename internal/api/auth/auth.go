// Package auth issues and validates the API's bearer tokens.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Single-user no-auth mode: a deploy-time convenience flag. Every
// request carrying this fixed token acts as user -1.
const (
	SingleUserToken = "SINGLE-USER-NO-AUTH-MODE-TOKEN"
	SingleUserID    = int64(-1)
	SingleUserEmail = "user@example.com"
)

const (
	tokenVersion  = 1
	tokenDuration = 7 * 24 * time.Hour
)

var (
	ErrInvalidToken        = errors.New("invalid token")
	ErrExpiredToken        = errors.New("token has expired")
	ErrInvalidSecretLength = errors.New("JWT secret must be at least 32 characters")
)

// Claims are the session token claims. Version lets a future release
// invalidate every outstanding token at once.
type Claims struct {
	jwt.RegisteredClaims

	UserID  int64 `json:"uid"`
	Version int   `json:"ver"`
}

// JWTService signs and validates session tokens.
type JWTService struct {
	secret         []byte
	singleUserMode bool
}

// NewJWTService creates the token service. In single-user mode the
// secret is still required so issued tokens keep working if the flag is
// later turned off.
func NewJWTService(secret string, singleUserMode bool) (*JWTService, error) {
	if len(secret) < 32 {
		return nil, ErrInvalidSecretLength
	}
	return &JWTService{secret: []byte(secret), singleUserMode: singleUserMode}, nil
}

// SingleUserMode reports whether the fixed no-auth token is accepted.
func (s *JWTService) SingleUserMode() bool { return s.singleUserMode }

// GenerateToken issues a session token for a user.
func (s *JWTService) GenerateToken(userID int64) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("%d", userID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenDuration)),
		},
		UserID:  userID,
		Version: tokenVersion,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// ValidateToken returns the user id a bearer token authenticates as.
func (s *JWTService) ValidateToken(tokenString string) (int64, error) {
	if s.singleUserMode && tokenString == SingleUserToken {
		return SingleUserID, nil
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return 0, ErrExpiredToken
		}
		return 0, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Version != tokenVersion {
		return 0, ErrInvalidToken
	}
	return claims.UserID, nil
}
