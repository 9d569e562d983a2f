package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJWTManager(t *testing.T) {
	secretKey := "test-secret-key"
	tokenTTL := 15 * time.Minute

	manager := NewJWTManager(secretKey, tokenTTL, "cirrus")

	assert.NotNil(t, manager)
	assert.Equal(t, []byte(secretKey), manager.secretKey)
	assert.Equal(t, tokenTTL, manager.tokenTTL)
	assert.Equal(t, "cirrus", manager.issuer)
}

func TestGenerate(t *testing.T) {
	manager := NewJWTManager("test-secret", 15*time.Minute, "cirrus")

	userID := "user123"
	email := "test@example.com"

	token, claims, err := manager.Generate(userID, email)

	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.NotNil(t, claims)

	// Verify claims
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, email, claims.Email)
	assert.Equal(t, "access", claims.TokenType)
	assert.Equal(t, "cirrus", claims.Issuer)
	assert.Equal(t, userID, claims.Subject)
	assert.NotNil(t, claims.IssuedAt)
	assert.NotNil(t, claims.ExpiresAt)
	assert.NotEmpty(t, claims.ID)

	// Verify expiry is approximately 15 minutes from now
	expectedExpiry := time.Now().Add(15 * time.Minute)
	assert.WithinDuration(t, expectedExpiry, claims.ExpiresAt.Time, 5*time.Second)
}

func TestValidate_Success(t *testing.T) {
	manager := NewJWTManager("test-secret", 15*time.Minute, "cirrus")

	token, originalClaims, err := manager.Generate("user123", "test@example.com")
	require.NoError(t, err)

	claims, err := manager.Validate(token)

	require.NoError(t, err)
	assert.NotNil(t, claims)
	assert.Equal(t, originalClaims.UserID, claims.UserID)
	assert.Equal(t, originalClaims.Email, claims.Email)
	assert.Equal(t, originalClaims.TokenType, claims.TokenType)
	assert.Equal(t, originalClaims.ID, claims.ID)
}

func TestValidate_InvalidToken(t *testing.T) {
	manager := NewJWTManager("test-secret", 15*time.Minute, "cirrus")

	tests := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"malformed token", "not.a.valid.token"},
		{"random string", "random-string"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := manager.Validate(tt.token)

			assert.Error(t, err)
			assert.Nil(t, claims)
		})
	}
}

func TestValidate_WrongSecret(t *testing.T) {
	manager1 := NewJWTManager("secret1", 15*time.Minute, "cirrus")
	manager2 := NewJWTManager("secret2", 15*time.Minute, "cirrus")

	token, _, err := manager1.Generate("user123", "test@example.com")
	require.NoError(t, err)

	// Try to validate with wrong secret
	claims, err := manager2.Validate(token)

	assert.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Nil(t, claims)
}

func TestValidate_ExpiredToken(t *testing.T) {
	// Create manager with very short TTL
	manager := NewJWTManager("test-secret", 1*time.Millisecond, "cirrus")

	token, _, err := manager.Generate("user123", "test@example.com")
	require.NoError(t, err)

	// Wait for token to expire
	time.Sleep(10 * time.Millisecond)

	claims, err := manager.Validate(token)

	assert.Error(t, err)
	assert.ErrorIs(t, err, ErrExpiredToken)
	assert.Nil(t, claims)
}

func TestValidate_WrongTokenType(t *testing.T) {
	manager := NewJWTManager("test-secret", 15*time.Minute, "cirrus")

	// Sign a token with the right secret but a foreign token type
	now := time.Now()
	claims := &TokenClaims{
		UserID:    "user123",
		TokenType: "upload",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "cirrus",
			Subject:   "user123",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	parsed, err := manager.Validate(token)

	assert.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Nil(t, parsed)
}

func TestValidate_MissingUserID(t *testing.T) {
	manager := NewJWTManager("test-secret", 15*time.Minute, "cirrus")

	now := time.Now()
	claims := &TokenClaims{
		TokenType: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "cirrus",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	parsed, err := manager.Validate(token)

	assert.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Nil(t, parsed)
}

func TestValidate_NoneAlgorithm(t *testing.T) {
	manager := NewJWTManager("test-secret", 15*time.Minute, "cirrus")

	now := time.Now()
	claims := &TokenClaims{
		UserID:    "user123",
		TokenType: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	parsed, err := manager.Validate(token)

	assert.Error(t, err)
	assert.Nil(t, parsed)
}
