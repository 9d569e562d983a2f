package middleware

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// RateLimiterConfig Tests
// =============================================================================

func TestRateLimiterConfig_Fields(t *testing.T) {
	config := RateLimiterConfig{
		Max:        100,
		Expiration: time.Minute,
		KeyFunc: func(c *fiber.Ctx) string {
			return "test:" + c.IP()
		},
		Message: "Custom rate limit message",
	}

	assert.Equal(t, 100, config.Max)
	assert.Equal(t, time.Minute, config.Expiration)
	assert.NotNil(t, config.KeyFunc)
	assert.Equal(t, "Custom rate limit message", config.Message)
}

func TestRateLimiterConfig_EmptyFields(t *testing.T) {
	config := RateLimiterConfig{}

	assert.Equal(t, 0, config.Max)
	assert.Equal(t, time.Duration(0), config.Expiration)
	assert.Nil(t, config.KeyFunc)
	assert.Empty(t, config.Message)
}

// =============================================================================
// NewRateLimiter Tests
// =============================================================================

func TestNewRateLimiter_NotNil(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{
		Max:        10,
		Expiration: time.Minute,
	})

	assert.NotNil(t, limiter)
}

func TestNewRateLimiter_DefaultKeyFunc(t *testing.T) {
	// Config without KeyFunc should use IP-based default
	limiter := NewRateLimiter(RateLimiterConfig{
		Max:        10,
		Expiration: time.Minute,
	})

	app := fiber.New()
	app.Use(limiter)
	app.Get("/test", func(c *fiber.Ctx) error {
		return c.SendString("OK")
	})

	req := httptest.NewRequest("GET", "/test", nil)
	resp, err := app.Test(req)

	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestNewRateLimiter_CustomMessage(t *testing.T) {
	customMessage := "Custom rate limit error message"

	limiter := NewRateLimiter(RateLimiterConfig{
		Max:        1, // Very low to trigger quickly
		Expiration: time.Hour,
		Message:    customMessage,
	})

	app := fiber.New()
	app.Use(limiter)
	app.Get("/test", func(c *fiber.Ctx) error {
		return c.SendString("OK")
	})

	// First request should succeed
	req1 := httptest.NewRequest("GET", "/test", nil)
	resp1, err := app.Test(req1)
	require.NoError(t, err)
	assert.Equal(t, 200, resp1.StatusCode)

	// Second request should be rate limited
	req2 := httptest.NewRequest("GET", "/test", nil)
	resp2, err := app.Test(req2)
	require.NoError(t, err)
	assert.Equal(t, 429, resp2.StatusCode)

	// Check response body contains custom message
	body, _ := io.ReadAll(resp2.Body)
	assert.Contains(t, string(body), customMessage)
}

func TestNewRateLimiter_RetryAfterHeader(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{
		Max:        1,
		Expiration: 30 * time.Second,
	})

	app := fiber.New()
	app.Use(limiter)
	app.Get("/test", func(c *fiber.Ctx) error {
		return c.SendString("OK")
	})

	// First request succeeds
	req1 := httptest.NewRequest("GET", "/test", nil)
	_, _ = app.Test(req1)

	// Second request should have Retry-After header
	req2 := httptest.NewRequest("GET", "/test", nil)
	resp2, err := app.Test(req2)
	require.NoError(t, err)
	assert.Equal(t, 429, resp2.StatusCode)
	assert.Equal(t, "30", resp2.Header.Get("Retry-After"))
}

// =============================================================================
// Preset Limiter Tests
// =============================================================================

func TestGlobalAPILimiter(t *testing.T) {
	limiter := GlobalAPILimiter(300, time.Minute)
	assert.NotNil(t, limiter)
}

func TestGlobalAPILimiter_PerUserBuckets(t *testing.T) {
	app := fiber.New()

	// Each user gets their own bucket even behind the same IP
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("user_id", c.Get("X-Test-User"))
		return c.Next()
	})
	app.Use(GlobalAPILimiter(1, time.Hour))
	app.Get("/test", func(c *fiber.Ctx) error {
		return c.SendString("OK")
	})

	send := func(user string) int {
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("X-Test-User", user)
		resp, err := app.Test(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, 200, send("alice"))
	assert.Equal(t, 429, send("alice"))
	assert.Equal(t, 200, send("bob"))
}

func TestUploadInitiateLimiter(t *testing.T) {
	limiter := UploadInitiateLimiter()
	assert.NotNil(t, limiter)
}

// =============================================================================
// Rate Limit Response Format Tests
// =============================================================================

func TestRateLimitResponse_Format(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{
		Max:        1,
		Expiration: time.Minute,
		Message:    "Rate limit exceeded",
	})

	app := fiber.New()
	app.Use(limiter)
	app.Get("/test", func(c *fiber.Ctx) error {
		return c.SendString("OK")
	})

	// Trigger rate limit
	req1 := httptest.NewRequest("GET", "/test", nil)
	_, _ = app.Test(req1)

	req2 := httptest.NewRequest("GET", "/test", nil)
	resp, err := app.Test(req2)
	require.NoError(t, err)

	body, _ := io.ReadAll(resp.Body)
	bodyStr := string(body)

	// Check JSON response structure
	assert.Contains(t, bodyStr, "error")
	assert.Contains(t, bodyStr, "message")
	assert.Contains(t, bodyStr, "retry_after")
}
