package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cirrusdrive/cirrus/internal/auth"
	"github.com/cirrusdrive/cirrus/internal/drive"
	"github.com/cirrusdrive/cirrus/internal/storage"
)

const testSecret = "test-secret-for-handlers"

// memLedger is an in-memory quota ledger with per-owner limits.
type memLedger struct {
	mu    sync.Mutex
	used  map[uuid.UUID]int64
	limit map[uuid.UUID]int64
}

func newMemLedger() *memLedger {
	return &memLedger{
		used:  make(map[uuid.UUID]int64),
		limit: make(map[uuid.UUID]int64),
	}
}

func (l *memLedger) grant(ownerID uuid.UUID, limit int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limit[ownerID] = limit
}

func (l *memLedger) usage(ownerID uuid.UUID) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used[ownerID]
}

func (l *memLedger) Reserve(_ context.Context, ownerID uuid.UUID, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	limit, ok := l.limit[ownerID]
	if !ok {
		return drive.NewError(drive.KindNotFound, "user not found")
	}
	if l.used[ownerID]+amount > limit {
		return drive.NewError(drive.KindQuotaExceeded, "storage quota exceeded")
	}
	l.used[ownerID] += amount
	return nil
}

func (l *memLedger) Release(_ context.Context, ownerID uuid.UUID, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.used[ownerID] -= amount
	if l.used[ownerID] < 0 {
		l.used[ownerID] = 0
	}
	return nil
}

func (l *memLedger) Adjust(ctx context.Context, ownerID uuid.UUID, delta int64) error {
	switch {
	case delta > 0:
		return l.Reserve(ctx, ownerID, delta)
	case delta < 0:
		return l.Release(ctx, ownerID, -delta)
	default:
		return nil
	}
}

func (l *memLedger) Restore(_ context.Context, ownerID uuid.UUID, delta int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.used[ownerID] += delta
	if l.used[ownerID] < 0 {
		l.used[ownerID] = 0
	}
	return nil
}

func parentEqual(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// memStore is an in-memory metadata and session store with just enough
// behavior for handler tests; the repository's SQL semantics have their
// own coverage.
type memStore struct {
	mu       sync.Mutex
	nodes    map[uuid.UUID]*drive.FileNode
	sessions map[uuid.UUID]*drive.MultipartSession
	ledger   *memLedger
}

func newMemStore(ledger *memLedger) *memStore {
	return &memStore{
		nodes:    make(map[uuid.UUID]*drive.FileNode),
		sessions: make(map[uuid.UUID]*drive.MultipartSession),
		ledger:   ledger,
	}
}

func (s *memStore) NodeByID(_ context.Context, ownerID, id uuid.UUID) (*drive.FileNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok || n.OwnerID != ownerID {
		return nil, drive.NewError(drive.KindNotFound, "file not found")
	}
	c := *n
	return &c, nil
}

func (s *memStore) NodeExists(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.nodes[id]
	return ok, nil
}

func (s *memStore) nameTakenLocked(ownerID uuid.UUID, parentID *uuid.UUID, name string, excludeID *uuid.UUID) bool {
	for _, n := range s.nodes {
		if n.OwnerID != ownerID || n.DeletedAt != nil || n.Filename != name {
			continue
		}
		if !parentEqual(n.ParentID, parentID) {
			continue
		}
		if excludeID != nil && n.ID == *excludeID {
			continue
		}
		return true
	}
	return false
}

func (s *memStore) EnsureUniqueName(_ context.Context, ownerID uuid.UUID, parentID *uuid.UUID, name string, excludeID *uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nameTakenLocked(ownerID, parentID, name, excludeID) {
		return drive.NewError(drive.KindNameConflict, "a file with this name already exists here")
	}
	return nil
}

func (s *memStore) Breadcrumbs(_ context.Context, ownerID uuid.UUID, leafID *uuid.UUID) ([]drive.Breadcrumb, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	crumbs := make([]drive.Breadcrumb, 0)
	cur := leafID
	for depth := 0; cur != nil && depth < 64; depth++ {
		n, ok := s.nodes[*cur]
		if !ok || n.OwnerID != ownerID {
			break
		}
		crumbs = append([]drive.Breadcrumb{{ID: n.ID, Filename: n.Filename}}, crumbs...)
		cur = n.ParentID
	}
	return crumbs, nil
}

func (s *memStore) Descendants(_ context.Context, ownerID, rootID uuid.UUID) ([]drive.FileNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	root, ok := s.nodes[rootID]
	if !ok || root.OwnerID != ownerID {
		return []drive.FileNode{}, nil
	}

	out := []drive.FileNode{*root}
	frontier := map[uuid.UUID]bool{rootID: true}
	for len(frontier) > 0 {
		next := make(map[uuid.UUID]bool)
		for _, n := range s.nodes {
			if n.ParentID != nil && frontier[*n.ParentID] {
				out = append(out, *n)
				next[n.ID] = true
			}
		}
		frontier = next
	}
	return out, nil
}

func (s *memStore) List(_ context.Context, ownerID uuid.UUID, filter drive.ListFilter) ([]drive.FileNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]drive.FileNode, 0)
	for _, n := range s.nodes {
		if n.OwnerID != ownerID {
			continue
		}
		switch filter.Scope {
		case drive.ScopeFolder:
			if n.DeletedAt == nil && parentEqual(n.ParentID, filter.Parent) {
				out = append(out, *n)
			}
		case drive.ScopeAll:
			if n.DeletedAt == nil {
				out = append(out, *n)
			}
		case drive.ScopeRecent:
			if n.DeletedAt == nil && !n.IsDirectory {
				out = append(out, *n)
			}
		case drive.ScopeFavorites:
			if n.DeletedAt == nil && n.IsFavorite {
				out = append(out, *n)
			}
		case drive.ScopeShared:
			if n.DeletedAt == nil && n.IsShared {
				out = append(out, *n)
			}
		case drive.ScopeTrash:
			if n.DeletedAt != nil {
				out = append(out, *n)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}

func (s *memStore) Insert(_ context.Context, n *drive.FileNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nameTakenLocked(n.OwnerID, n.ParentID, n.Filename, nil) {
		return drive.NewError(drive.KindNameConflict, "a file with this name already exists here")
	}
	c := *n
	s.nodes[n.ID] = &c
	return nil
}

func (s *memStore) InsertDirectory(ctx context.Context, n *drive.FileNode) error {
	return s.Insert(ctx, n)
}

func (s *memStore) UpdateContent(_ context.Context, id uuid.UUID, size int64, contentType string, lastModified, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return drive.NewError(drive.KindNotFound, "file not found")
	}
	n.Size = size
	n.ContentType = contentType
	n.LastModified = lastModified
	n.UpdatedAt = updatedAt
	return nil
}

func (s *memStore) Rename(_ context.Context, id uuid.UUID, filename string, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return drive.NewError(drive.KindNotFound, "file not found")
	}
	n.Filename = filename
	n.UpdatedAt = updatedAt
	return nil
}

func (s *memStore) SetParent(_ context.Context, id uuid.UUID, parentID *uuid.UUID, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return drive.NewError(drive.KindNotFound, "file not found")
	}
	n.ParentID = parentID
	n.UpdatedAt = updatedAt
	return nil
}

func (s *memStore) SetFavorite(_ context.Context, id uuid.UUID, favorite bool, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return drive.NewError(drive.KindNotFound, "file not found")
	}
	n.IsFavorite = favorite
	n.UpdatedAt = updatedAt
	return nil
}

func (s *memStore) SetDeleted(_ context.Context, id uuid.UUID, deletedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return drive.NewError(drive.KindNotFound, "file not found")
	}
	d := deletedAt
	n.DeletedAt = &d
	n.UpdatedAt = deletedAt
	return nil
}

func (s *memStore) RestoreNode(_ context.Context, id uuid.UUID, parentID *uuid.UUID, filename string, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return drive.NewError(drive.KindNotFound, "file not found")
	}
	n.DeletedAt = nil
	n.ParentID = parentID
	n.Filename = filename
	n.UpdatedAt = updatedAt
	return nil
}

func (s *memStore) RemoveSubtree(ctx context.Context, ownerID uuid.UUID, ids []uuid.UUID, reclaim int64) error {
	s.mu.Lock()
	for _, id := range ids {
		if n, ok := s.nodes[id]; ok && n.OwnerID == ownerID {
			delete(s.nodes, id)
		}
	}
	s.mu.Unlock()
	if reclaim > 0 {
		return s.ledger.Release(ctx, ownerID, reclaim)
	}
	return nil
}

func (s *memStore) InsertSession(_ context.Context, sess *drive.MultipartSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *sess
	s.sessions[sess.ID] = &c
	return nil
}

func (s *memStore) SessionByID(_ context.Context, id uuid.UUID) (*drive.MultipartSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, drive.NewError(drive.KindNotFound, "upload session not found")
	}
	c := *sess
	return &c, nil
}

func (s *memStore) ClaimSession(_ context.Context, id uuid.UUID) (*drive.MultipartSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, drive.NewError(drive.KindNotFound, "upload session not found")
	}
	delete(s.sessions, id)
	c := *sess
	return &c, nil
}

func (s *memStore) SweepExpiredSessions(ctx context.Context, cutoff time.Time, limit int, abort func(context.Context, *drive.MultipartSession) error) (int, error) {
	s.mu.Lock()
	expired := make([]*drive.MultipartSession, 0)
	for _, sess := range s.sessions {
		if sess.ExpiresAt.Before(cutoff) {
			c := *sess
			expired = append(expired, &c)
		}
	}
	s.mu.Unlock()

	if len(expired) > limit {
		expired = expired[:limit]
	}

	cleaned := 0
	for _, sess := range expired {
		if err := abort(ctx, sess); err != nil {
			continue
		}
		if err := s.ledger.Release(ctx, sess.OwnerID, sess.TotalSize); err != nil {
			return cleaned, err
		}
		s.mu.Lock()
		delete(s.sessions, sess.ID)
		s.mu.Unlock()
		cleaned++
	}
	return cleaned, nil
}

var (
	_ drive.MetadataStore = (*memStore)(nil)
	_ drive.SessionStore  = (*memStore)(nil)
	_ drive.Ledger        = (*memLedger)(nil)
)

// apiFixture is a fiber app with the real route table over in-memory
// stores and a local provider, plus one authenticated owner.
type apiFixture struct {
	app        *fiber.App
	store      *memStore
	ledger     *memLedger
	jwt        *auth.JWTManager
	owner      uuid.UUID
	ownerToken string
}

func setupAPI(t *testing.T) *apiFixture {
	t.Helper()

	local, err := storage.NewLocalProvider(t.TempDir())
	require.NoError(t, err)

	ledger := newMemLedger()
	store := newMemStore(ledger)

	service := drive.NewService(store, ledger, local, nil)
	tokens := drive.NewUploadTokenManager(testSecret, time.Hour, "cirrus")
	manager := drive.NewMultipartManager(store, store, ledger, local, tokens, nil, drive.MultipartConfig{
		MaxChunkSize: 8 << 20,
		SessionTTL:   time.Hour,
	})

	jwtManager := auth.NewJWTManager(testSecret, time.Hour, "cirrus")

	app := fiber.New(fiber.Config{
		ErrorHandler:      errorHandler,
		StreamRequestBody: true,
		BodyLimit:         64 << 20,
	})

	session := SessionAuth(jwtManager)
	filesHandler := NewFilesHandler(service, nil)
	multipartHandler := NewMultipartHandler(manager, nil)

	// Same registration order as the server.
	files := app.Group("/files")
	files.Post("/multipart/initiate", session, multipartHandler.Initiate)
	files.Post("/multipart/:sessionID/part", multipartHandler.UploadPart)
	files.Put("/multipart/:sessionID/part/:partNumber", multipartHandler.UploadPart)
	files.Post("/multipart/:sessionID/complete", multipartHandler.Complete)
	files.Delete("/multipart/:sessionID/abort", multipartHandler.Abort)
	files.Delete("/multipart/:sessionID", multipartHandler.Abort)

	files.Get("/", session, filesHandler.ListFolder)
	files.Get("/all", session, filesHandler.ListAll)
	files.Get("/recent", session, filesHandler.ListRecent)
	files.Get("/favorites", session, filesHandler.ListFavorites)
	files.Get("/shared", session, filesHandler.ListShared)
	files.Get("/trash", session, filesHandler.ListTrash)

	files.Post("/upload", session, filesHandler.Upload)
	files.Put("/", session, filesHandler.Upload)
	files.Post("/create-directory", session, filesHandler.CreateDirectory)
	files.Post("/move-file", session, filesHandler.Move)

	files.Get("/:id", session, filesHandler.Show)
	files.Get("/:id/download", session, filesHandler.Download)
	files.Put("/:id", session, filesHandler.Update)
	files.Patch("/:id/rename", session, filesHandler.Rename)
	files.Patch("/:id/favorite", session, filesHandler.SetFavorite)
	files.Post("/:id/favorite", session, filesHandler.SetFavorite)
	files.Patch("/:id", session, filesHandler.Rename)
	files.Post("/:id/restore", session, filesHandler.Restore)
	files.Delete("/:id/permanent-delete", session, filesHandler.HardDelete)
	files.Delete("/:id", session, filesHandler.SoftDelete)

	owner := uuid.New()
	ledger.grant(owner, 1<<30)

	token, _, err := jwtManager.Generate(owner.String(), "owner@example.com")
	require.NoError(t, err)

	return &apiFixture{
		app:        app,
		store:      store,
		ledger:     ledger,
		jwt:        jwtManager,
		owner:      owner,
		ownerToken: token,
	}
}

// setShared flips the shared flag directly; sharing has no route here.
func (s *memStore) setShared(id uuid.UUID, shared bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[id]; ok {
		n.IsShared = shared
	}
}

// newUser registers a second account with its own quota and session.
func (fx *apiFixture) newUser(t *testing.T, limit int64) (uuid.UUID, string) {
	t.Helper()
	id := uuid.New()
	fx.ledger.grant(id, limit)
	token, _, err := fx.jwt.Generate(id.String(), "second@example.com")
	require.NoError(t, err)
	return id, token
}

// do runs one request as the fixture owner.
func (fx *apiFixture) do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	if req.Header.Get(fiber.HeaderAuthorization) == "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+fx.ownerToken)
	}
	resp, err := fx.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

// jsonRequest builds a request carrying a JSON body.
func jsonRequest(t *testing.T, method, target string, payload any) *http.Request {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(method, target, strings.NewReader(string(raw)))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return req
}

func decodeNode(t *testing.T, resp *http.Response) drive.FileNode {
	t.Helper()
	defer resp.Body.Close()
	var node drive.FileNode
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&node))
	return node
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(raw)
}

// mustUpload pushes one single-shot file through the API.
func (fx *apiFixture) mustUpload(t *testing.T, parentID *uuid.UUID, name, content string) drive.FileNode {
	t.Helper()
	target := "/files/upload?filename=" + url.QueryEscape(name)
	if parentID != nil {
		target += "&parentID=" + parentID.String()
	}
	req := httptest.NewRequest(fiber.MethodPost, target, strings.NewReader(content))
	req.Header.Set(fiber.HeaderContentType, "text/plain")
	resp := fx.do(t, req)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	return decodeNode(t, resp)
}

// mustMkdir creates one directory through the API.
func (fx *apiFixture) mustMkdir(t *testing.T, parentID *uuid.UUID, name string) drive.FileNode {
	t.Helper()
	resp := fx.do(t, jsonRequest(t, fiber.MethodPost, "/files/create-directory", CreateDirectoryRequest{
		Name:     name,
		ParentID: parentID,
	}))
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	return decodeNode(t, resp)
}
