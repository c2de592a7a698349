// Package auth provides JWT verification and document-level access checks.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DocumentPermissions represents document-level permissions.
type DocumentPermissions struct {
	CanRead  []string `json:"canRead"`  // Document IDs user can read
	CanWrite []string `json:"canWrite"` // Document IDs user can write
	IsAdmin  bool     `json:"isAdmin"`  // Admin has access to all documents
}

// TokenPayload represents JWT token claims.
type TokenPayload struct {
	UserID      string              `json:"userId"`
	Email       string              `json:"email,omitempty"`
	Permissions DocumentPermissions `json:"permissions"`
	jwt.RegisteredClaims
}

// Errors for JWT validation.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrShortSecret  = errors.New("JWT secret must be at least 32 characters")
)

// Verifier validates and issues HMAC-signed tokens with a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier. The secret must be at least 32 characters.
func NewVerifier(secret string) (*Verifier, error) {
	if len(secret) < 32 {
		return nil, ErrShortSecret
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// VerifyToken verifies and decodes a JWT token: signature, expiration, and
// signing method are all checked.
func (v *Verifier) VerifyToken(tokenString string) (*TokenPayload, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenPayload{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*TokenPayload); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

// GenerateAccessToken issues a signed access token.
func (v *Verifier) GenerateAccessToken(userID, email string, permissions DocumentPermissions, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := &TokenPayload{
		UserID:      userID,
		Email:       email,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// GenerateRefreshToken issues a signed refresh token carrying only the
// registered claims.
func (v *Verifier) GenerateRefreshToken(userID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		IssuedAt:  jwt.NewNumericDate(now),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
