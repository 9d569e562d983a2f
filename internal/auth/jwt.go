// Package auth issues and verifies the session tokens that identify
// drive owners. Upload tokens are a separate family and live with the
// upload coordinator; a session token must never authorize chunk
// traffic, and vice versa.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken is returned when a token is invalid
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when a token has expired
	ErrExpiredToken = errors.New("token has expired")
	// ErrInvalidSignature is returned when token signature is invalid
	ErrInvalidSignature = errors.New("invalid token signature")
)

// accessTokenType marks session tokens so other token families signed
// with the same secret never pass validation here.
const accessTokenType = "access"

// TokenClaims represents the session JWT claims
type TokenClaims struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email,omitempty"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// JWTManager handles session token operations
type JWTManager struct {
	secretKey []byte
	tokenTTL  time.Duration
	issuer    string
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(secretKey string, tokenTTL time.Duration, issuer string) *JWTManager {
	return &JWTManager{
		secretKey: []byte(secretKey),
		tokenTTL:  tokenTTL,
		issuer:    issuer,
	}
}

// Generate generates a new session token for a user
func (m *JWTManager) Generate(userID, email string) (string, *TokenClaims, error) {
	now := time.Now()

	claims := &TokenClaims{
		UserID:    userID,
		Email:     email,
		TokenType: accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenTTL)),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(m.secretKey)
	if err != nil {
		return "", nil, err
	}

	return tokenString, claims, nil
}

// Validate validates and parses a session token
func (m *JWTManager) Validate(tokenString string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Verify signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidSignature
		}
		return m.secretKey, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.TokenType != accessTokenType {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
