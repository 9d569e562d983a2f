package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/cirrusdrive/cirrus/internal/drive"
	"github.com/cirrusdrive/cirrus/internal/middleware"
	"github.com/cirrusdrive/cirrus/internal/observability"
	"github.com/cirrusdrive/cirrus/internal/storage"
)

// ErrorResponse is the JSON body every failed request carries. Code is
// the machine-readable error kind, Key the optional translation key for
// clients that localize.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Key       string `json:"key,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// getRequestID extracts the request ID from the Fiber context.
// It first checks the requestid middleware local, then falls back to the X-Request-ID header.
func getRequestID(c *fiber.Ctx) string {
	if requestID := c.Locals("requestid"); requestID != nil {
		if id, ok := requestID.(string); ok && id != "" {
			return id
		}
	}
	return c.Get("X-Request-ID", "")
}

// statusForKind maps a drive error kind to its HTTP status code.
func statusForKind(kind drive.Kind) int {
	switch kind {
	case drive.KindUnauthorized:
		return fiber.StatusUnauthorized
	case drive.KindForbidden:
		return fiber.StatusForbidden
	case drive.KindNotFound:
		return fiber.StatusNotFound
	case drive.KindNameConflict, drive.KindConflict:
		return fiber.StatusConflict
	case drive.KindQuotaExceeded:
		return fiber.StatusInsufficientStorage
	case drive.KindSizeMismatch, drive.KindBadChunkSet:
		return fiber.StatusBadRequest
	case drive.KindOversizeStream:
		return fiber.StatusRequestEntityTooLarge
	case drive.KindProviderTransient:
		return fiber.StatusServiceUnavailable
	case drive.KindProviderFatal:
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

// respondError translates an error from the drive core into the JSON
// error shape. Range failures get 416 regardless of their kind so
// download clients know to retry without the Range header.
func respondError(c *fiber.Ctx, err error) error {
	var de *drive.Error
	if !errors.As(err, &de) {
		de = drive.WrapError(drive.KindInternal, "unexpected error", err)
	}

	status := statusForKind(de.Kind)
	if errors.Is(err, storage.ErrInvalidRange) {
		status = fiber.StatusRequestedRangeNotSatisfiable
	}

	// The handler answers with JSON rather than returning err up the
	// chain, so the span would otherwise only ever see the status code.
	middleware.SetSpanError(c, err)

	if status >= fiber.StatusInternalServerError {
		log.Error().
			Err(err).
			Str("path", c.Path()).
			Str("request_id", getRequestID(c)).
			Msg("Request failed")
	}

	return c.Status(status).JSON(ErrorResponse{
		Error:     de.Reason,
		Code:      string(de.Kind),
		Key:       de.Key,
		RequestID: getRequestID(c),
	})
}

// failRequest is respondError plus the quota-rejection counter, shared
// by every handler that can hit the ledger.
func failRequest(c *fiber.Ctx, metrics *observability.Metrics, err error) error {
	if metrics != nil && drive.IsKind(err, drive.KindQuotaExceeded) {
		metrics.RecordQuotaRejection()
	}
	return respondError(c, err)
}

// respondBadRequest reports a request the handlers rejected before the
// drive core ever saw it: malformed UUIDs, missing headers, bad bodies.
func respondBadRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
		Error:     msg,
		Code:      "bad_request",
		RequestID: getRequestID(c),
	})
}

// respondUnauthorized rejects a request that carries no usable identity.
func respondUnauthorized(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{
		Error:     msg,
		Code:      string(drive.KindUnauthorized),
		Key:       "drive." + string(drive.KindUnauthorized),
		RequestID: getRequestID(c),
	})
}
