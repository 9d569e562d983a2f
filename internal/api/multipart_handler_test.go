package api

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cirrusdrive/cirrus/internal/drive"
	"github.com/cirrusdrive/cirrus/internal/storage"
)

func (fx *apiFixture) mustInitiate(t *testing.T, req InitiateRequest) drive.InitiateResult {
	t.Helper()
	resp := fx.do(t, jsonRequest(t, fiber.MethodPost, "/files/multipart/initiate", req))
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	return decodeJSON[drive.InitiateResult](t, resp)
}

// sendPart pushes one chunk under the upload token.
func (fx *apiFixture) sendPart(t *testing.T, sessionID uuid.UUID, token string, partNumber string, chunk string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, "/files/multipart/"+sessionID.String()+"/part?partNumber="+partNumber, strings.NewReader(chunk))
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	return fx.do(t, req)
}

func TestMultipartLifecycle(t *testing.T) {
	fx := setupAPI(t)

	session := fx.mustInitiate(t, InitiateRequest{
		Filename:     "movie.mp4",
		ContentType:  "video/mp4",
		TotalSize:    11,
		LastModified: ptr(int64(1700000000000)),
	})
	assert.NotEqual(t, uuid.Nil, session.SessionID)
	assert.NotEqual(t, uuid.Nil, session.FileID)
	assert.NotEmpty(t, session.UploadID)
	assert.NotEmpty(t, session.Token)
	assert.Equal(t, int64(8<<20), session.MaxChunkSize)
	assert.True(t, session.ExpiresAt.After(time.Now()))

	// The whole declared size is reserved up front.
	assert.Equal(t, int64(11), fx.ledger.usage(fx.owner))

	parts := make([]PartInput, 0, 2)
	for i, chunk := range []string{"hello ", "world"} {
		resp := fx.sendPart(t, session.SessionID, session.Token, strconv.Itoa(i+1), chunk)
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
		part := decodeJSON[storage.Part](t, resp)
		assert.Equal(t, i+1, part.PartNumber)
		assert.Equal(t, int64(len(chunk)), part.Size)
		assert.NotEmpty(t, part.ETag)
		parts = append(parts, PartInput{PartNumber: part.PartNumber, ETag: part.ETag, Size: part.Size})
	}

	req := jsonRequest(t, fiber.MethodPost, "/files/multipart/"+session.SessionID.String()+"/complete", CompleteRequest{Parts: parts})
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+session.Token)
	resp := fx.do(t, req)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	node := decodeNode(t, resp)
	assert.Equal(t, session.FileID, node.ID)
	assert.Equal(t, "movie.mp4", node.Filename)
	assert.Equal(t, "video/mp4", node.ContentType)
	assert.Equal(t, int64(11), node.Size)
	assert.True(t, node.LastModified.Equal(time.UnixMilli(1700000000000).UTC()))

	// Assembled content downloads like any other file.
	resp = fx.do(t, httptest.NewRequest(fiber.MethodGet, "/files/"+node.ID.String()+"/download", nil))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello world", readBody(t, resp))
	assert.Equal(t, int64(11), fx.ledger.usage(fx.owner))
}

func TestMultipartInitiateValidation(t *testing.T) {
	fx := setupAPI(t)

	testCases := []struct {
		name       string
		req        InitiateRequest
		wantStatus int
	}{
		{"missing filename", InitiateRequest{TotalSize: 10}, fiber.StatusBadRequest},
		{"zero total size", InitiateRequest{Filename: "a.bin"}, fiber.StatusBadRequest},
		{"negative total size", InitiateRequest{Filename: "a.bin", TotalSize: -1}, fiber.StatusBadRequest},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp := fx.do(t, jsonRequest(t, fiber.MethodPost, "/files/multipart/initiate", tc.req))
			assert.Equal(t, tc.wantStatus, resp.StatusCode)
		})
	}

	t.Run("unauthenticated", func(t *testing.T) {
		resp, err := fx.app.Test(jsonRequest(t, fiber.MethodPost, "/files/multipart/initiate", InitiateRequest{Filename: "a.bin", TotalSize: 10}), -1)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("quota exceeded", func(t *testing.T) {
		_, token := fx.newUser(t, 8)
		req := jsonRequest(t, fiber.MethodPost, "/files/multipart/initiate", InitiateRequest{Filename: "big.bin", TotalSize: 1 << 20})
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
		resp := fx.do(t, req)
		require.Equal(t, fiber.StatusInsufficientStorage, resp.StatusCode)
		assert.Equal(t, "quota_exceeded", decodeJSON[ErrorResponse](t, resp).Code)
	})

	t.Run("name conflict", func(t *testing.T) {
		fx.mustUpload(t, nil, "already-here.txt", "content")
		resp := fx.do(t, jsonRequest(t, fiber.MethodPost, "/files/multipart/initiate", InitiateRequest{Filename: "already-here.txt", TotalSize: 10}))
		assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
	})
}

func TestMultipartUploadPartValidation(t *testing.T) {
	fx := setupAPI(t)
	session := fx.mustInitiate(t, InitiateRequest{Filename: "parts.bin", TotalSize: 64})

	t.Run("missing token", func(t *testing.T) {
		req := httptest.NewRequest(fiber.MethodPost, "/files/multipart/"+session.SessionID.String()+"/part?partNumber=1", strings.NewReader("data"))
		resp, err := fx.app.Test(req, -1)
		require.NoError(t, err)
		require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "Missing upload token", decodeJSON[ErrorResponse](t, resp).Error)
	})

	t.Run("session token is not an upload token", func(t *testing.T) {
		resp := fx.sendPart(t, session.SessionID, fx.ownerToken, "1", "data")
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("token minted for another session", func(t *testing.T) {
		other := fx.mustInitiate(t, InitiateRequest{Filename: "other.bin", TotalSize: 64})
		resp := fx.sendPart(t, session.SessionID, other.Token, "1", "data")
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("malformed session id", func(t *testing.T) {
		req := httptest.NewRequest(fiber.MethodPost, "/files/multipart/not-a-uuid/part?partNumber=1", strings.NewReader("data"))
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+session.Token)
		resp := fx.do(t, req)
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	})

	t.Run("bad part numbers", func(t *testing.T) {
		for _, pn := range []string{"0", "-1", "abc", ""} {
			resp := fx.sendPart(t, session.SessionID, session.Token, pn, "data")
			assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode, "partNumber=%q", pn)
		}
	})

	t.Run("part number beyond ceiling", func(t *testing.T) {
		resp := fx.sendPart(t, session.SessionID, session.Token, "10001", "data")
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	})

	t.Run("empty chunk", func(t *testing.T) {
		req := httptest.NewRequest(fiber.MethodPost, "/files/multipart/"+session.SessionID.String()+"/part?partNumber=1", nil)
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+session.Token)
		resp := fx.do(t, req)
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	})
}

func TestMultipartPartAliasRoute(t *testing.T) {
	fx := setupAPI(t)
	session := fx.mustInitiate(t, InitiateRequest{Filename: "alias.bin", TotalSize: 4})

	req := httptest.NewRequest(fiber.MethodPut, "/files/multipart/"+session.SessionID.String()+"/part/1", strings.NewReader("data"))
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+session.Token)
	resp := fx.do(t, req)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decodeJSON[storage.Part](t, resp).PartNumber)
}

func TestMultipartComplete(t *testing.T) {
	fx := setupAPI(t)

	complete := func(t *testing.T, session drive.InitiateResult, parts []PartInput) *http.Response {
		t.Helper()
		req := jsonRequest(t, fiber.MethodPost, "/files/multipart/"+session.SessionID.String()+"/complete", CompleteRequest{Parts: parts})
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+session.Token)
		return fx.do(t, req)
	}

	uploadOne := func(t *testing.T, session drive.InitiateResult, chunk string) PartInput {
		t.Helper()
		resp := fx.sendPart(t, session.SessionID, session.Token, "1", chunk)
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
		part := decodeJSON[storage.Part](t, resp)
		return PartInput{PartNumber: part.PartNumber, ETag: part.ETag, Size: part.Size}
	}

	t.Run("empty manifest", func(t *testing.T) {
		session := fx.mustInitiate(t, InitiateRequest{Filename: "empty.bin", TotalSize: 4})
		resp := complete(t, session, nil)
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	})

	t.Run("bad etag keeps the session retryable", func(t *testing.T) {
		session := fx.mustInitiate(t, InitiateRequest{Filename: "retry.bin", TotalSize: 4})
		part := uploadOne(t, session, "data")

		resp := complete(t, session, []PartInput{{PartNumber: 1, ETag: "wrong", Size: 4}})
		require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "bad_chunk_set", decodeJSON[ErrorResponse](t, resp).Code)

		// The reservation survived, so a corrected manifest finishes.
		resp = complete(t, session, []PartInput{part})
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.Equal(t, int64(4), decodeNode(t, resp).Size)
	})

	t.Run("size mismatch releases the reservation", func(t *testing.T) {
		before := fx.ledger.usage(fx.owner)
		session := fx.mustInitiate(t, InitiateRequest{Filename: "mismatch.bin", TotalSize: 100})
		part := uploadOne(t, session, "only four")

		resp := complete(t, session, []PartInput{part})
		require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "size_mismatch", decodeJSON[ErrorResponse](t, resp).Code)
		assert.Equal(t, before, fx.ledger.usage(fx.owner))
	})

	t.Run("duplicate completion conflicts", func(t *testing.T) {
		session := fx.mustInitiate(t, InitiateRequest{Filename: "twice.bin", TotalSize: 4})
		part := uploadOne(t, session, "data")

		resp := complete(t, session, []PartInput{part})
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
		resp.Body.Close()

		resp = complete(t, session, []PartInput{part})
		require.Equal(t, fiber.StatusConflict, resp.StatusCode)
		assert.Equal(t, "upload is already completed", decodeJSON[ErrorResponse](t, resp).Error)
	})

	t.Run("complete after abort", func(t *testing.T) {
		session := fx.mustInitiate(t, InitiateRequest{Filename: "late.bin", TotalSize: 4})
		part := uploadOne(t, session, "data")

		abortReq := httptest.NewRequest(fiber.MethodDelete, "/files/multipart/"+session.SessionID.String()+"/abort", nil)
		abortReq.Header.Set(fiber.HeaderAuthorization, "Bearer "+session.Token)
		resp := fx.do(t, abortReq)
		require.Equal(t, fiber.StatusNoContent, resp.StatusCode)

		resp = complete(t, session, []PartInput{part})
		assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	})
}

func TestMultipartAbort(t *testing.T) {
	fx := setupAPI(t)
	session := fx.mustInitiate(t, InitiateRequest{Filename: "doomed.bin", TotalSize: 32})
	require.Equal(t, int64(32), fx.ledger.usage(fx.owner))

	abort := func(t *testing.T, target, token string) *http.Response {
		t.Helper()
		req := httptest.NewRequest(fiber.MethodDelete, target, nil)
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
		return fx.do(t, req)
	}

	target := "/files/multipart/" + session.SessionID.String() + "/abort"

	t.Run("wrong token", func(t *testing.T) {
		resp := abort(t, target, fx.ownerToken)
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("releases the reservation", func(t *testing.T) {
		resp := abort(t, target, session.Token)
		require.Equal(t, fiber.StatusNoContent, resp.StatusCode)
		assert.Equal(t, int64(0), fx.ledger.usage(fx.owner))
	})

	t.Run("idempotent", func(t *testing.T) {
		resp := abort(t, target, session.Token)
		assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	})

	t.Run("bare delete alias", func(t *testing.T) {
		other := fx.mustInitiate(t, InitiateRequest{Filename: "alias-abort.bin", TotalSize: 8})
		resp := abort(t, "/files/multipart/"+other.SessionID.String(), other.Token)
		assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	})
}
