package api

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cirrusdrive/cirrus/internal/drive"
	"github.com/cirrusdrive/cirrus/internal/middleware"
	"github.com/cirrusdrive/cirrus/internal/observability"
	"github.com/cirrusdrive/cirrus/internal/storage"
)

// MultipartHandler serves the chunked-upload protocol. Initiation runs
// under the session, everything after rides on the signed upload token,
// so part and completion requests stay stateless on the server side.
type MultipartHandler struct {
	manager *drive.MultipartManager
	metrics *observability.Metrics
}

// NewMultipartHandler creates a multipart handler. metrics may be nil.
func NewMultipartHandler(manager *drive.MultipartManager, metrics *observability.Metrics) *MultipartHandler {
	return &MultipartHandler{manager: manager, metrics: metrics}
}

func (h *MultipartHandler) fail(c *fiber.Ctx, err error) error {
	return failRequest(c, h.metrics, err)
}

// InitiateRequest declares the upload before any bytes move. TotalSize
// is reserved against quota up front; LastModified is unix milliseconds.
type InitiateRequest struct {
	Filename     string     `json:"filename"`
	ContentType  string     `json:"contentType"`
	TotalSize    int64      `json:"totalSize"`
	ParentID     *uuid.UUID `json:"parentID"`
	LastModified *int64     `json:"lastModified"`
}

// Initiate opens a chunked upload session and mints the upload token
// that authorizes its chunks.
// POST /files/multipart/initiate
func (h *MultipartHandler) Initiate(c *fiber.Ctx) error {
	ownerID, err := currentOwnerID(c)
	if err != nil {
		return h.fail(c, err)
	}

	var req InitiateRequest
	if err := c.BodyParser(&req); err != nil {
		return respondBadRequest(c, "invalid request body: "+err.Error())
	}
	if req.Filename == "" {
		return respondBadRequest(c, "filename is required")
	}
	if req.TotalSize <= 0 {
		return respondBadRequest(c, "totalSize must be greater than 0")
	}

	var lastModified *time.Time
	if req.LastModified != nil && *req.LastModified > 0 {
		t := time.UnixMilli(*req.LastModified).UTC()
		lastModified = &t
	}

	result, err := h.manager.Initiate(c.Context(), drive.InitiateInput{
		OwnerID:      ownerID,
		ParentID:     req.ParentID,
		Filename:     req.Filename,
		ContentType:  req.ContentType,
		TotalSize:    req.TotalSize,
		LastModified: lastModified,
	})
	if err != nil {
		return h.fail(c, err)
	}

	if h.metrics != nil {
		h.metrics.RecordMultipartSession("initiated")
	}

	log.Info().
		Str("session_id", result.SessionID.String()).
		Str("file_id", result.FileID.String()).
		Str("user_id", ownerID.String()).
		Int64("total_size", req.TotalSize).
		Msg("Multipart upload initiated")

	return c.Status(fiber.StatusCreated).JSON(result)
}

// UploadPart streams one chunk into the staged upload. The bearer token
// minted at initiation, not the session row, authorizes the write, and
// Content-Length must declare the chunk size exactly.
// POST /files/multipart/:sessionID/part?partNumber=
func (h *MultipartHandler) UploadPart(c *fiber.Ctx) error {
	sessionID, err := uuid.Parse(c.Params("sessionID"))
	if err != nil {
		return respondBadRequest(c, "sessionID must be a valid UUID")
	}

	token := bearerToken(c)
	if token == "" {
		return respondUnauthorized(c, "Missing upload token")
	}

	raw := c.Params("partNumber", c.Query("partNumber"))
	partNumber, err := strconv.Atoi(raw)
	if err != nil || partNumber <= 0 {
		return respondBadRequest(c, "partNumber must be a positive integer")
	}

	size := int64(c.Request().Header.ContentLength())
	if size <= 0 {
		return respondBadRequest(c, "Content-Length header is required")
	}

	part, err := h.manager.UploadPart(c.Context(), sessionID, token, partNumber, size, requestBody(c))
	if err != nil {
		return h.fail(c, err)
	}

	if h.metrics != nil {
		h.metrics.RecordMultipartPart()
	}

	log.Debug().
		Str("session_id", sessionID.String()).
		Int("part_number", part.PartNumber).
		Int64("size", part.Size).
		Msg("Chunk uploaded")

	return c.JSON(part)
}

// PartInput is one entry of the completion manifest.
type PartInput struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
	Size       int64  `json:"size"`
}

// CompleteRequest carries the client-assembled part manifest.
type CompleteRequest struct {
	Parts []PartInput `json:"parts"`
}

// Complete assembles the uploaded chunks into the final file and
// commits its metadata. Duplicate completion of the same session is a
// conflict.
// POST /files/multipart/:sessionID/complete
func (h *MultipartHandler) Complete(c *fiber.Ctx) error {
	sessionID, err := uuid.Parse(c.Params("sessionID"))
	if err != nil {
		return respondBadRequest(c, "sessionID must be a valid UUID")
	}

	token := bearerToken(c)
	if token == "" {
		return respondUnauthorized(c, "Missing upload token")
	}

	var req CompleteRequest
	if err := c.BodyParser(&req); err != nil {
		return respondBadRequest(c, "invalid request body: "+err.Error())
	}
	if len(req.Parts) == 0 {
		return respondBadRequest(c, "parts manifest is required")
	}

	manifest := make([]storage.Part, 0, len(req.Parts))
	for _, p := range req.Parts {
		manifest = append(manifest, storage.Part{PartNumber: p.PartNumber, ETag: p.ETag, Size: p.Size})
	}

	node, err := h.manager.Complete(c.Context(), sessionID, token, manifest)
	if err != nil {
		return h.fail(c, err)
	}

	if h.metrics != nil {
		h.metrics.RecordMultipartSession("completed")
	}

	middleware.AddSpanEvent(c, "multipart.assembled",
		attribute.String("file.id", node.ID.String()),
		attribute.Int64("file.bytes", node.Size),
		attribute.Int("upload.parts", len(manifest)),
	)

	log.Info().
		Str("session_id", sessionID.String()).
		Str("file_id", node.ID.String()).
		Int64("size", node.Size).
		Int("parts", len(manifest)).
		Msg("Multipart upload completed")

	return c.JSON(node)
}

// Abort discards the staged upload, releases its reservation and
// removes the placeholder. Aborting twice is a no-op conflict handled
// by the manager.
// DELETE /files/multipart/:sessionID
func (h *MultipartHandler) Abort(c *fiber.Ctx) error {
	sessionID, err := uuid.Parse(c.Params("sessionID"))
	if err != nil {
		return respondBadRequest(c, "sessionID must be a valid UUID")
	}

	token := bearerToken(c)
	if token == "" {
		return respondUnauthorized(c, "Missing upload token")
	}

	if err := h.manager.Abort(c.Context(), sessionID, token); err != nil {
		return h.fail(c, err)
	}

	if h.metrics != nil {
		h.metrics.RecordMultipartSession("aborted")
	}

	log.Info().
		Str("session_id", sessionID.String()).
		Msg("Multipart upload aborted")

	return c.SendStatus(fiber.StatusNoContent)
}
