package middleware

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/memory/v2"
)

// RateLimiterConfig holds configuration for rate limiting
type RateLimiterConfig struct {
	Max        int                     // Maximum number of requests
	Expiration time.Duration           // Time window for the rate limit
	KeyFunc    func(*fiber.Ctx) string // Function to generate the key for rate limiting
	Message    string                  // Custom error message
}

// NewRateLimiter creates a new rate limiter middleware with custom configuration
func NewRateLimiter(config RateLimiterConfig) fiber.Handler {
	// Use in-memory storage (can be replaced with Redis for distributed systems)
	storage := memory.New(memory.Config{
		GCInterval: 10 * time.Minute,
	})

	// Default key function uses IP address
	if config.KeyFunc == nil {
		config.KeyFunc = func(c *fiber.Ctx) string {
			return c.IP()
		}
	}

	// Default error message
	if config.Message == "" {
		config.Message = fmt.Sprintf("Rate limit exceeded. Maximum %d requests per %s allowed.",
			config.Max, config.Expiration.String())
	}

	return limiter.New(limiter.Config{
		Max:          config.Max,
		Expiration:   config.Expiration,
		KeyGenerator: config.KeyFunc,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Rate limit exceeded",
				"message":     config.Message,
				"retry_after": int(config.Expiration.Seconds()),
			})
		},
		Storage: storage,
	})
}

// GlobalAPILimiter is a general rate limiter for all API endpoints. Requests
// are keyed per authenticated user when available, otherwise per client IP.
func GlobalAPILimiter(max int, window time.Duration) fiber.Handler {
	return NewRateLimiter(RateLimiterConfig{
		Max:        max,
		Expiration: window,
		KeyFunc: func(c *fiber.Ctx) string {
			if userID, ok := c.Locals("user_id").(string); ok && userID != "" {
				return "global:" + userID
			}
			return "global:" + c.IP()
		},
		Message: fmt.Sprintf("API rate limit exceeded. Maximum %d requests per %s allowed.", max, window.String()),
	})
}

// UploadInitiateLimiter limits multipart session creation per user to keep a
// single owner from flooding the session table
func UploadInitiateLimiter() fiber.Handler {
	return NewRateLimiter(RateLimiterConfig{
		Max:        60,
		Expiration: 1 * time.Minute,
		KeyFunc: func(c *fiber.Ctx) string {
			if userID, ok := c.Locals("user_id").(string); ok && userID != "" {
				return "initiate:" + userID
			}
			return "initiate:" + c.IP()
		},
		Message: "Too many upload sessions started. Please wait a minute.",
	})
}
