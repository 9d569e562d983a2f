package drive

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidUploadToken is returned when an upload token is malformed,
	// mis-signed or carries the wrong claims.
	ErrInvalidUploadToken = errors.New("invalid upload token")
	// ErrExpiredUploadToken is returned when an upload token has expired.
	ErrExpiredUploadToken = errors.New("upload token has expired")
)

const uploadTokenType = "upload"

// UploadClaims is the signed state of a chunked upload. The token, not
// the database, is what part and completion requests are checked
// against, so everything needed to commit the file rides in it.
type UploadClaims struct {
	SessionID    string `json:"session_id"`
	FileID       string `json:"file_id"`
	UploadID     string `json:"upload_id"`
	OwnerID      string `json:"owner_id"`
	Filename     string `json:"filename"`
	ContentType  string `json:"content_type"`
	TotalSize    int64  `json:"total_size"`
	MaxChunkSize int64  `json:"max_chunk_size"`
	ParentID     string `json:"parent_id,omitempty"`
	LastModified int64  `json:"last_modified,omitempty"` // unix milliseconds
	TokenType    string `json:"token_type"`
	jwt.RegisteredClaims
}

// SessionUUID parses the session id claim.
func (c *UploadClaims) SessionUUID() (uuid.UUID, error) {
	return uuid.Parse(c.SessionID)
}

// FileUUID parses the file id claim.
func (c *UploadClaims) FileUUID() (uuid.UUID, error) {
	return uuid.Parse(c.FileID)
}

// OwnerUUID parses the owner id claim.
func (c *UploadClaims) OwnerUUID() (uuid.UUID, error) {
	return uuid.Parse(c.OwnerID)
}

// ParentUUID parses the optional parent id claim, nil meaning root.
func (c *UploadClaims) ParentUUID() (*uuid.UUID, error) {
	if c.ParentID == "" {
		return nil, nil
	}
	id, err := uuid.Parse(c.ParentID)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// LastModifiedTime converts the optional last-modified claim, nil when
// the client did not send one.
func (c *UploadClaims) LastModifiedTime() *time.Time {
	if c.LastModified == 0 {
		return nil
	}
	t := time.UnixMilli(c.LastModified).UTC()
	return &t
}

// UploadTokenManager mints and verifies the per-session upload tokens.
type UploadTokenManager struct {
	secretKey []byte
	ttl       time.Duration
	issuer    string
}

// NewUploadTokenManager creates an upload token manager. The TTL bounds
// how long a chunked upload may stay in flight.
func NewUploadTokenManager(secretKey string, ttl time.Duration, issuer string) *UploadTokenManager {
	return &UploadTokenManager{
		secretKey: []byte(secretKey),
		ttl:       ttl,
		issuer:    issuer,
	}
}

// TTL returns the configured token lifetime, which is also the session
// expiry window.
func (m *UploadTokenManager) TTL() time.Duration {
	return m.ttl
}

// Mint signs the given claims, stamping issuer, token type and the
// expiry window. The caller fills the upload-specific fields.
func (m *UploadTokenManager) Mint(claims *UploadClaims, now time.Time) (string, error) {
	claims.TokenType = uploadTokenType
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    m.issuer,
		Subject:   claims.OwnerID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		NotBefore: jwt.NewNumericDate(now),
		ID:        uuid.New().String(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// Verify parses and validates an upload token: HMAC signature only,
// unexpired, upload token type, and all identifying claims present.
func (m *UploadTokenManager) Verify(tokenString string) (*UploadClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &UploadClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidUploadToken
		}
		return m.secretKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredUploadToken
		}
		return nil, ErrInvalidUploadToken
	}

	claims, ok := token.Claims.(*UploadClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidUploadToken
	}
	if claims.TokenType != uploadTokenType {
		return nil, ErrInvalidUploadToken
	}
	if claims.SessionID == "" || claims.FileID == "" || claims.UploadID == "" || claims.OwnerID == "" {
		return nil, ErrInvalidUploadToken
	}

	return claims, nil
}
