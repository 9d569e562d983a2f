package api

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cirrusdrive/cirrus/internal/auth"
	"github.com/cirrusdrive/cirrus/internal/drive"
)

// SessionAuth validates the bearer session token and stores the caller's
// identity in the request context. All file routes sit behind it except
// the chunk endpoints, which authenticate with the upload token minted
// at initiation.
func SessionAuth(jwtManager *auth.JWTManager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := bearerToken(c)
		if token == "" {
			return respondUnauthorized(c, "Missing authorization header")
		}

		claims, err := jwtManager.Validate(token)
		if err != nil {
			log.Debug().Err(err).Msg("Invalid session token")
			return respondUnauthorized(c, "Invalid or expired token")
		}

		c.Locals("user_id", claims.UserID)

		return c.Next()
	}
}

// bearerToken extracts the token from the Authorization header. A bare
// token without the Bearer prefix is accepted too.
func bearerToken(c *fiber.Ctx) string {
	header := c.Get(fiber.HeaderAuthorization)
	if header == "" {
		return ""
	}
	return strings.TrimPrefix(header, "Bearer ")
}

// GetUserID is a helper to extract the authenticated user ID from context.
func GetUserID(c *fiber.Ctx) (string, bool) {
	userID := c.Locals("user_id")
	if userID == nil {
		return "", false
	}
	id, ok := userID.(string)
	return id, ok && id != ""
}

// currentOwnerID parses the authenticated user ID into the owner UUID
// the drive core scopes every operation by.
func currentOwnerID(c *fiber.Ctx) (uuid.UUID, error) {
	raw, ok := GetUserID(c)
	if !ok {
		return uuid.Nil, drive.NewError(drive.KindUnauthorized, "no authenticated user")
	}
	ownerID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, drive.WrapError(drive.KindUnauthorized, "malformed user id in token", err)
	}
	return ownerID, nil
}
