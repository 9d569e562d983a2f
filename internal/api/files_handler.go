package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
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

// FilesHandler serves the file hierarchy: listings, streaming transfers
// and every metadata mutation.
type FilesHandler struct {
	service *drive.Service
	metrics *observability.Metrics
}

// NewFilesHandler creates a files handler. metrics may be nil.
func NewFilesHandler(service *drive.Service, metrics *observability.Metrics) *FilesHandler {
	return &FilesHandler{service: service, metrics: metrics}
}

func (h *FilesHandler) fail(c *fiber.Ctx, err error) error {
	return failRequest(c, h.metrics, err)
}

// listResponse is the shared shape of every listing variant. Folder
// listings fill ParentID and Breadcrumbs; the flat views leave them
// empty.
type listResponse struct {
	Files       []drive.FileNode   `json:"files"`
	ParentID    *uuid.UUID         `json:"parentID,omitempty"`
	Breadcrumbs []drive.Breadcrumb `json:"breadcrumbs"`
}

// ListFolder returns the live children of one directory plus the
// breadcrumb trail down to it. Without parentID it lists the root.
// GET /files?parentID=
func (h *FilesHandler) ListFolder(c *fiber.Ctx) error {
	ownerID, err := currentOwnerID(c)
	if err != nil {
		return h.fail(c, err)
	}

	parentID, err := parseOptionalUUID(c.Query("parentID"))
	if err != nil {
		return respondBadRequest(c, "parentID must be a valid UUID")
	}

	files, crumbs, err := h.service.ListFolder(c.Context(), ownerID, parentID)
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(listResponse{Files: files, ParentID: parentID, Breadcrumbs: crumbs})
}

// ListAll returns every live node of the caller.
// GET /files/all
func (h *FilesHandler) ListAll(c *fiber.Ctx) error {
	return h.listScoped(c, drive.ScopeAll)
}

// ListRecent returns the most recently updated live files.
// GET /files/recent
func (h *FilesHandler) ListRecent(c *fiber.Ctx) error {
	return h.listScoped(c, drive.ScopeRecent)
}

// ListFavorites returns live nodes flagged as favorite.
// GET /files/favorites
func (h *FilesHandler) ListFavorites(c *fiber.Ctx) error {
	return h.listScoped(c, drive.ScopeFavorites)
}

// ListShared returns live nodes flagged as shared.
// GET /files/shared
func (h *FilesHandler) ListShared(c *fiber.Ctx) error {
	return h.listScoped(c, drive.ScopeShared)
}

// ListTrash returns soft-deleted nodes, newest deletion first.
// GET /files/trash
func (h *FilesHandler) ListTrash(c *fiber.Ctx) error {
	return h.listScoped(c, drive.ScopeTrash)
}

func (h *FilesHandler) listScoped(c *fiber.Ctx, scope drive.ListScope) error {
	ownerID, err := currentOwnerID(c)
	if err != nil {
		return h.fail(c, err)
	}

	files, err := h.service.List(c.Context(), ownerID, drive.ListFilter{Scope: scope})
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(listResponse{Files: files, Breadcrumbs: []drive.Breadcrumb{}})
}

// Show returns one node's metadata.
// GET /files/:id
func (h *FilesHandler) Show(c *fiber.Ctx) error {
	ownerID, err := currentOwnerID(c)
	if err != nil {
		return h.fail(c, err)
	}

	fileID, err := parsePathID(c)
	if err != nil {
		return respondBadRequest(c, "id must be a valid UUID")
	}

	node, err := h.service.Show(c.Context(), ownerID, fileID)
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(node)
}

// Download streams the file's content. A single-range Range header is
// honored with 206 and Content-Range; SendStream closes the reader.
// GET /files/:id/download
func (h *FilesHandler) Download(c *fiber.Ctx) error {
	ownerID, err := currentOwnerID(c)
	if err != nil {
		return h.fail(c, err)
	}

	fileID, err := parsePathID(c)
	if err != nil {
		return respondBadRequest(c, "id must be a valid UUID")
	}

	rng, err := parseRangeHeader(c.Get(fiber.HeaderRange))
	if err != nil {
		return respondError(c, drive.WrapError(drive.KindConflict, "requested range is not satisfiable", storage.ErrInvalidRange))
	}

	reader, info, node, err := h.service.Download(c.Context(), ownerID, fileID, rng)
	if err != nil {
		return h.fail(c, err)
	}

	c.Set(fiber.HeaderContentType, node.ContentType)
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", node.Filename))
	c.Set(fiber.HeaderLastModified, node.LastModified.UTC().Format(time.RFC1123))
	c.Set(fiber.HeaderAcceptRanges, "bytes")
	if info.ETag != "" {
		c.Set(fiber.HeaderETag, info.ETag)
	}

	if rng != nil {
		c.Status(fiber.StatusPartialContent)
		c.Set(fiber.HeaderContentRange, fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.Start+info.Size-1, info.TotalSize))
	}

	middleware.SetSpanAttributes(c,
		attribute.String("file.id", fileID.String()),
		attribute.Int64("file.bytes", info.Size),
		attribute.Bool("file.ranged", rng != nil),
	)

	log.Debug().
		Str("file_id", fileID.String()).
		Str("user_id", ownerID.String()).
		Int64("bytes", info.Size).
		Bool("ranged", rng != nil).
		Msg("File download started")

	return c.SendStream(reader, int(info.Size))
}

// Upload streams one raw request body into a new file. Content-Length
// is mandatory: the declared size is what quota gets reserved against
// before a single byte is accepted.
// POST /files/upload?filename=&contentType=&parentID=&lastModified=
func (h *FilesHandler) Upload(c *fiber.Ctx) error {
	ownerID, err := currentOwnerID(c)
	if err != nil {
		return h.fail(c, err)
	}

	filename := c.Query("filename")
	if filename == "" {
		return respondBadRequest(c, "filename query parameter is required")
	}

	parentID, err := parseOptionalUUID(c.Query("parentID"))
	if err != nil {
		return respondBadRequest(c, "parentID must be a valid UUID")
	}

	size := int64(c.Request().Header.ContentLength())
	if size < 0 {
		return respondBadRequest(c, "Content-Length header is required")
	}

	node, err := h.service.Upload(c.Context(), drive.UploadInput{
		OwnerID:      ownerID,
		ParentID:     parentID,
		Filename:     filename,
		ContentType:  contentTypeOf(c),
		ClaimedSize:  size,
		LastModified: parseLastModified(c.Query("lastModified")),
		Body:         requestBody(c),
	})
	if err != nil {
		return h.fail(c, err)
	}

	log.Info().
		Str("file_id", node.ID.String()).
		Str("user_id", ownerID.String()).
		Str("filename", node.Filename).
		Int64("size", node.Size).
		Msg("File uploaded")

	return c.Status(fiber.StatusCreated).JSON(node)
}

// Update replaces a file's content in place, charging quota only for
// the growth. The declared size comes from the size query parameter or
// the Content-Length header.
// PUT /files/:id?size=&contentType=&lastModified=
func (h *FilesHandler) Update(c *fiber.Ctx) error {
	ownerID, err := currentOwnerID(c)
	if err != nil {
		return h.fail(c, err)
	}

	fileID, err := parsePathID(c)
	if err != nil {
		return respondBadRequest(c, "id must be a valid UUID")
	}

	size := int64(c.Request().Header.ContentLength())
	if raw := c.Query("size"); raw != "" {
		size, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || size < 0 {
			return respondBadRequest(c, "size must be a non-negative integer")
		}
	}
	if size < 0 {
		return respondBadRequest(c, "Content-Length header or size query parameter is required")
	}

	node, err := h.service.Update(c.Context(), drive.UpdateInput{
		OwnerID:      ownerID,
		FileID:       fileID,
		ContentType:  contentTypeOf(c),
		ClaimedSize:  size,
		LastModified: parseLastModified(c.Query("lastModified")),
		Body:         requestBody(c),
	})
	if err != nil {
		return h.fail(c, err)
	}

	log.Info().
		Str("file_id", fileID.String()).
		Str("user_id", ownerID.String()).
		Int64("size", node.Size).
		Msg("File content updated")

	return c.JSON(node)
}

// RenameRequest is the rename body. Name is accepted as an alias of
// Filename so older clients keep working.
type RenameRequest struct {
	Filename string `json:"filename"`
	Name     string `json:"name"`
}

// Rename changes a node's filename within its current directory.
// PATCH /files/:id/rename
func (h *FilesHandler) Rename(c *fiber.Ctx) error {
	ownerID, err := currentOwnerID(c)
	if err != nil {
		return h.fail(c, err)
	}

	fileID, err := parsePathID(c)
	if err != nil {
		return respondBadRequest(c, "id must be a valid UUID")
	}

	var req RenameRequest
	if err := c.BodyParser(&req); err != nil {
		return respondBadRequest(c, "invalid request body: "+err.Error())
	}
	newName := req.Filename
	if newName == "" {
		newName = req.Name
	}
	if newName == "" {
		return respondBadRequest(c, "filename is required")
	}

	node, err := h.service.Rename(c.Context(), ownerID, fileID, newName)
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(node)
}

// MoveRequest targets a new parent directory, nil meaning the root.
type MoveRequest struct {
	FileID   uuid.UUID  `json:"fileID"`
	ParentID *uuid.UUID `json:"parentID"`
}

// Move reparents a node, cycle checks included.
// POST /files/move-file
func (h *FilesHandler) Move(c *fiber.Ctx) error {
	ownerID, err := currentOwnerID(c)
	if err != nil {
		return h.fail(c, err)
	}

	var req MoveRequest
	if err := c.BodyParser(&req); err != nil {
		return respondBadRequest(c, "invalid request body: "+err.Error())
	}
	if req.FileID == uuid.Nil {
		return respondBadRequest(c, "fileID is required")
	}

	node, err := h.service.Move(c.Context(), ownerID, req.FileID, req.ParentID)
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(node)
}

// FavoriteRequest carries the explicit favorite flag. Absent means
// toggle the current value.
type FavoriteRequest struct {
	IsFavorite *bool `json:"isFavorite"`
}

// SetFavorite sets or toggles the favorite flag.
// PATCH /files/:id/favorite
func (h *FilesHandler) SetFavorite(c *fiber.Ctx) error {
	ownerID, err := currentOwnerID(c)
	if err != nil {
		return h.fail(c, err)
	}

	fileID, err := parsePathID(c)
	if err != nil {
		return respondBadRequest(c, "id must be a valid UUID")
	}

	var req FavoriteRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return respondBadRequest(c, "invalid request body: "+err.Error())
		}
	}

	node, err := h.service.SetFavorite(c.Context(), ownerID, fileID, req.IsFavorite)
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(node)
}

// SoftDelete moves a node into the trash. Directories take their
// subtree along logically, the children just stop being listed.
// DELETE /files/:id
func (h *FilesHandler) SoftDelete(c *fiber.Ctx) error {
	ownerID, err := currentOwnerID(c)
	if err != nil {
		return h.fail(c, err)
	}

	fileID, err := parsePathID(c)
	if err != nil {
		return respondBadRequest(c, "id must be a valid UUID")
	}

	if _, err := h.service.SoftDelete(c.Context(), ownerID, fileID); err != nil {
		return h.fail(c, err)
	}

	log.Info().
		Str("file_id", fileID.String()).
		Str("user_id", ownerID.String()).
		Msg("File moved to trash")

	return c.SendStatus(fiber.StatusNoContent)
}

// Restore brings a trashed node back, falling back to the root when its
// old parent is gone and renaming around sibling conflicts.
// POST /files/:id/restore
func (h *FilesHandler) Restore(c *fiber.Ctx) error {
	ownerID, err := currentOwnerID(c)
	if err != nil {
		return h.fail(c, err)
	}

	fileID, err := parsePathID(c)
	if err != nil {
		return respondBadRequest(c, "id must be a valid UUID")
	}

	node, err := h.service.Restore(c.Context(), ownerID, fileID)
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(node)
}

// HardDelete removes a node and its whole subtree permanently: provider
// objects, metadata rows and the quota they held.
// DELETE /files/:id/permanent-delete
func (h *FilesHandler) HardDelete(c *fiber.Ctx) error {
	ownerID, err := currentOwnerID(c)
	if err != nil {
		return h.fail(c, err)
	}

	fileID, err := parsePathID(c)
	if err != nil {
		return respondBadRequest(c, "id must be a valid UUID")
	}

	if err := h.service.HardDelete(c.Context(), ownerID, fileID); err != nil {
		return h.fail(c, err)
	}

	log.Info().
		Str("file_id", fileID.String()).
		Str("user_id", ownerID.String()).
		Msg("File permanently deleted")

	return c.SendStatus(fiber.StatusNoContent)
}

// CreateDirectoryRequest names the new directory and its parent.
type CreateDirectoryRequest struct {
	Name     string     `json:"name"`
	ParentID *uuid.UUID `json:"parentID"`
}

// CreateDirectory makes one directory node.
// POST /files/create-directory
func (h *FilesHandler) CreateDirectory(c *fiber.Ctx) error {
	ownerID, err := currentOwnerID(c)
	if err != nil {
		return h.fail(c, err)
	}

	var req CreateDirectoryRequest
	if err := c.BodyParser(&req); err != nil {
		return respondBadRequest(c, "invalid request body: "+err.Error())
	}
	if req.Name == "" {
		return respondBadRequest(c, "name is required")
	}

	node, err := h.service.CreateDirectory(c.Context(), ownerID, req.ParentID, req.Name)
	if err != nil {
		return h.fail(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(node)
}

// parsePathID parses the :id route parameter.
func parsePathID(c *fiber.Ctx) (uuid.UUID, error) {
	return uuid.Parse(c.Params("id"))
}

// parseOptionalUUID parses an optional UUID value, empty meaning absent.
func parseOptionalUUID(raw string) (*uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// parseLastModified reads the optional client mtime, sent as unix
// milliseconds. Unparsable values are dropped rather than rejected; the
// server clock fills in downstream.
func parseLastModified(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || millis <= 0 {
		return nil
	}
	t := time.UnixMilli(millis).UTC()
	return &t
}

// contentTypeOf returns the declared content type, preferring the
// contentType query parameter over the header.
func contentTypeOf(c *fiber.Ctx) string {
	if ct := c.Query("contentType"); ct != "" {
		return ct
	}
	if ct := c.Get(fiber.HeaderContentType); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// requestBody returns the raw body as a stream when fiber kept it
// lazy, falling back to the buffered bytes for small requests.
func requestBody(c *fiber.Ctx) io.Reader {
	if stream := c.Request().BodyStream(); stream != nil {
		return stream
	}
	return bytes.NewReader(c.Body())
}

// parseRangeHeader parses a single "bytes=a-b" or open-ended "bytes=a-"
// range. Units other than bytes are ignored per RFC 7233; multi-range
// and suffix forms are rejected.
func parseRangeHeader(header string) (*storage.ByteRange, error) {
	if header == "" {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, nil
	}
	if strings.Contains(spec, ",") {
		return nil, errors.New("multi-range requests are not supported")
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok || startStr == "" {
		return nil, fmt.Errorf("malformed range %q", header)
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return nil, fmt.Errorf("malformed range start %q", startStr)
	}

	rng := &storage.ByteRange{Start: start, End: math.MaxInt64}
	if endStr != "" {
		end, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return nil, fmt.Errorf("malformed range end %q", endStr)
		}
		rng.End = end
	}
	return rng, nil
}
