package drive

import (
	"context"
	"errors"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cirrusdrive/cirrus/internal/storage"
)

// maxPartNumber is the highest part number a chunked upload may use,
// matching the S3 protocol bound.
const maxPartNumber = 10000

// MultipartConfig tunes the chunked-upload coordinator.
type MultipartConfig struct {
	// MaxChunkSize caps one part's declared size.
	MaxChunkSize int64
	// SessionTTL is how long a session may stay in flight before the
	// sweeper reclaims it. Values below the upload token TTL are raised
	// to it.
	SessionTTL time.Duration
	// SweepBatch bounds how many expired sessions one sweep handles.
	SweepBatch int
}

func (c MultipartConfig) withDefaults() MultipartConfig {
	if c.MaxChunkSize <= 0 {
		c.MaxChunkSize = 32 << 20
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 24 * time.Hour
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 100
	}
	return c
}

// MultipartManager coordinates chunked uploads. Between initiation and
// completion the signed upload token carries the upload's state; the
// session row exists for quota cleanup and auditing, not for routing
// chunks.
type MultipartManager struct {
	store    MetadataStore
	sessions SessionStore
	ledger   Ledger
	provider storage.Provider
	tokens   *UploadTokenManager
	events   EventRecorder
	cfg      MultipartConfig

	now func() time.Time
}

// NewMultipartManager wires the coordinator. A nil recorder disables
// the sync feed.
func NewMultipartManager(store MetadataStore, sessions SessionStore, ledger Ledger, provider storage.Provider, tokens *UploadTokenManager, events EventRecorder, cfg MultipartConfig) *MultipartManager {
	if events == nil {
		events = NoopEventRecorder{}
	}
	cfg = cfg.withDefaults()
	// A session expiring before its token would let the sweeper reclaim
	// chunks a still-valid token authorizes.
	if ttl := tokens.TTL(); cfg.SessionTTL < ttl {
		cfg.SessionTTL = ttl
	}
	return &MultipartManager{
		store:    store,
		sessions: sessions,
		ledger:   ledger,
		provider: provider,
		tokens:   tokens,
		events:   events,
		cfg:      cfg,
		now:      time.Now,
	}
}

// InitiateInput declares a chunked upload.
type InitiateInput struct {
	OwnerID      uuid.UUID
	ParentID     *uuid.UUID
	Filename     string
	ContentType  string
	TotalSize    int64
	LastModified *time.Time
}

// InitiateResult is everything the client needs to stream chunks.
type InitiateResult struct {
	SessionID    uuid.UUID `json:"sessionID"`
	FileID       uuid.UUID `json:"fileID"`
	UploadID     string    `json:"uploadID"`
	MaxChunkSize int64     `json:"maxChunkSize"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Token        string    `json:"token"`
}

// Initiate validates the target like a single-shot upload, reserves the
// full declared size up front, opens the provider upload and mints the
// token that authorizes the chunks.
func (m *MultipartManager) Initiate(ctx context.Context, in InitiateInput) (*InitiateResult, error) {
	if err := validateFilename(in.Filename); err != nil {
		return nil, err
	}
	if in.TotalSize <= 0 {
		return nil, NewError(KindConflict, "total size must be positive")
	}
	if err := validateParentDirOf(ctx, m.store, in.OwnerID, in.ParentID); err != nil {
		return nil, err
	}
	if err := m.store.EnsureUniqueName(ctx, in.OwnerID, in.ParentID, in.Filename, nil); err != nil {
		return nil, err
	}

	if err := m.ledger.Reserve(ctx, in.OwnerID, in.TotalSize); err != nil {
		return nil, err
	}

	fileID := uuid.New()
	uploadID, err := m.provider.InitiateMultipart(ctx, fileID.String(), in.OwnerID.String())
	if err != nil {
		releaseQuietly(ctx, m.ledger, in.OwnerID, in.TotalSize)
		return nil, fromStorage("initiate multipart", err)
	}

	now := m.now().UTC()
	sess := &MultipartSession{
		ID:        uuid.New(),
		FileID:    fileID,
		UploadID:  uploadID,
		OwnerID:   in.OwnerID,
		Filename:  in.Filename,
		TotalSize: in.TotalSize,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.SessionTTL),
	}
	if err := m.sessions.InsertSession(ctx, sess); err != nil {
		m.abortUploadQuietly(ctx, fileID, in.OwnerID, uploadID)
		releaseQuietly(ctx, m.ledger, in.OwnerID, in.TotalSize)
		return nil, err
	}

	claims := &UploadClaims{
		SessionID:    sess.ID.String(),
		FileID:       fileID.String(),
		UploadID:     uploadID,
		OwnerID:      in.OwnerID.String(),
		Filename:     in.Filename,
		ContentType:  normalizeContentType(in.ContentType),
		TotalSize:    in.TotalSize,
		MaxChunkSize: m.cfg.MaxChunkSize,
	}
	if in.ParentID != nil {
		claims.ParentID = in.ParentID.String()
	}
	if in.LastModified != nil {
		claims.LastModified = in.LastModified.UnixMilli()
	}

	token, err := m.tokens.Mint(claims, now)
	if err != nil {
		if _, cerr := m.sessions.ClaimSession(ctx, sess.ID); cerr != nil && !IsKind(cerr, KindNotFound) {
			log.Error().Err(cerr).Str("session_id", sess.ID.String()).Msg("Orphaned upload session after failed token mint")
		}
		m.abortUploadQuietly(ctx, fileID, in.OwnerID, uploadID)
		releaseQuietly(ctx, m.ledger, in.OwnerID, in.TotalSize)
		return nil, WrapError(KindInternal, "failed to sign upload token", err)
	}

	return &InitiateResult{
		SessionID:    sess.ID,
		FileID:       fileID,
		UploadID:     uploadID,
		MaxChunkSize: m.cfg.MaxChunkSize,
		ExpiresAt:    sess.ExpiresAt,
		Token:        token,
	}, nil
}

// UploadPart streams one chunk to the provider. The coordinator keeps
// no per-part state: re-sending a part number overwrites the staged
// chunk, and only the manifest at completion decides what counts.
func (m *MultipartManager) UploadPart(ctx context.Context, sessionID uuid.UUID, token string, partNumber int, declaredSize int64, body io.Reader) (storage.Part, error) {
	claims, err := m.verifyToken(token, sessionID)
	if err != nil {
		return storage.Part{}, err
	}

	if partNumber < 1 || partNumber > maxPartNumber {
		return storage.Part{}, NewError(KindBadChunkSet, "part number out of range")
	}
	if declaredSize <= 0 || declaredSize > claims.MaxChunkSize {
		return storage.Part{}, NewError(KindOversizeStream, "chunk size must be positive and within the chunk ceiling")
	}

	part, err := m.provider.UploadPart(ctx, claims.FileID, claims.OwnerID, claims.UploadID, partNumber, body, declaredSize)
	if err != nil {
		return storage.Part{}, fromStorage("upload part", err)
	}
	return part, nil
}

// Complete assembles the upload from the client's manifest and commits
// the file node. Ordering matters for crash and race safety:
//
//  1. a bad manifest or failed provider assembly leaves the session row
//     and its reservation alone, so the client can retry completion;
//  2. the session claim happens after assembly succeeds and before the
//     node insert, so exactly one of complete, abort and the sweeper
//     ends up owning the reservation.
func (m *MultipartManager) Complete(ctx context.Context, sessionID uuid.UUID, token string, manifest []storage.Part) (*FileNode, error) {
	claims, err := m.verifyToken(token, sessionID)
	if err != nil {
		return nil, err
	}

	sorted, err := sortedManifest(manifest)
	if err != nil {
		return nil, err
	}

	ownerID, err := claims.OwnerUUID()
	if err != nil {
		return nil, WrapError(KindUnauthorized, "invalid upload token", err)
	}
	fileID, err := claims.FileUUID()
	if err != nil {
		return nil, WrapError(KindUnauthorized, "invalid upload token", err)
	}
	parentID, err := claims.ParentUUID()
	if err != nil {
		return nil, WrapError(KindUnauthorized, "invalid upload token", err)
	}

	exists, err := m.store.NodeExists(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, NewError(KindConflict, "upload is already completed")
	}

	sess, err := m.sessions.SessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	finalSize, err := m.provider.CompleteMultipart(ctx, claims.FileID, claims.OwnerID, claims.UploadID, sorted)
	if err != nil {
		// Reservation and session survive so a corrected manifest can
		// retry against the still-staged chunks.
		return nil, fromStorage("complete multipart", err)
	}

	if finalSize > 0 && finalSize != sess.TotalSize {
		if _, cerr := m.sessions.ClaimSession(ctx, sessionID); cerr == nil {
			releaseQuietly(ctx, m.ledger, ownerID, sess.TotalSize)
		}
		deleteObjectQuietly(ctx, m.provider, fileID, ownerID)
		return nil, NewError(KindSizeMismatch, "assembled size does not match the declared total")
	}

	if _, err := m.sessions.ClaimSession(ctx, sessionID); err != nil {
		if IsKind(err, KindNotFound) {
			// An abort or the sweeper won the claim while we assembled;
			// the reservation is already released, so the object goes.
			deleteObjectQuietly(ctx, m.provider, fileID, ownerID)
			return nil, WrapError(KindConflict, "upload session was aborted", err)
		}
		return nil, err
	}

	now := m.now().UTC()
	lastModified := now
	if lm := claims.LastModifiedTime(); lm != nil {
		lastModified = *lm
	}

	node := &FileNode{
		ID:           fileID,
		OwnerID:      ownerID,
		ParentID:     parentID,
		Filename:     claims.Filename,
		ContentType:  normalizeContentType(claims.ContentType),
		Size:         sess.TotalSize,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastModified: lastModified,
	}
	if err := m.store.Insert(ctx, node); err != nil {
		deleteObjectQuietly(ctx, m.provider, fileID, ownerID)
		releaseQuietly(ctx, m.ledger, ownerID, sess.TotalSize)
		return nil, err
	}

	m.events.Record(ctx, Event{OwnerID: ownerID, FileID: fileID, Kind: EventCreated})
	return node, nil
}

// Abort tears a session down. Claiming the row decides ownership: a
// session already completed, aborted or swept makes this a no-op, so
// clients may abort blindly after failures.
func (m *MultipartManager) Abort(ctx context.Context, sessionID uuid.UUID, token string) error {
	claims, err := m.verifyToken(token, sessionID)
	if err != nil {
		return err
	}

	sess, err := m.sessions.ClaimSession(ctx, sessionID)
	if err != nil {
		if IsKind(err, KindNotFound) {
			return nil
		}
		return err
	}

	releaseQuietly(ctx, m.ledger, sess.OwnerID, sess.TotalSize)
	m.abortUploadQuietly(ctx, sess.FileID, sess.OwnerID, claims.UploadID)
	return nil
}

// SweepExpired reclaims expired sessions: provider abort, quota
// release and row removal per session, batched in one transaction.
func (m *MultipartManager) SweepExpired(ctx context.Context) (int, error) {
	cutoff := m.now().UTC()
	return m.sessions.SweepExpiredSessions(ctx, cutoff, m.cfg.SweepBatch, func(ctx context.Context, s *MultipartSession) error {
		return m.provider.AbortMultipart(ctx, s.FileID.String(), s.OwnerID.String(), s.UploadID)
	})
}

func (m *MultipartManager) verifyToken(token string, sessionID uuid.UUID) (*UploadClaims, error) {
	claims, err := m.tokens.Verify(token)
	if err != nil {
		if errors.Is(err, ErrExpiredUploadToken) {
			return nil, WrapError(KindUnauthorized, "upload token has expired", err)
		}
		return nil, WrapError(KindUnauthorized, "invalid upload token", err)
	}
	sid, err := claims.SessionUUID()
	if err != nil || sid != sessionID {
		return nil, NewError(KindUnauthorized, "upload token does not match this session")
	}
	return claims, nil
}

func (m *MultipartManager) abortUploadQuietly(ctx context.Context, fileID, ownerID uuid.UUID, uploadID string) {
	if err := m.provider.AbortMultipart(ctx, fileID.String(), ownerID.String(), uploadID); err != nil {
		log.Warn().
			Err(err).
			Str("file_id", fileID.String()).
			Str("upload_id", uploadID).
			Msg("Provider abort failed")
	}
}

// sortedManifest validates the client's part list: non-empty, within
// the part-number bound, every etag present, and exactly the numbers
// 1..N once sorted. Anything else is a bad chunk set.
func sortedManifest(parts []storage.Part) ([]storage.Part, error) {
	if len(parts) == 0 {
		return nil, NewError(KindBadChunkSet, "chunk manifest is empty")
	}
	if len(parts) > maxPartNumber {
		return nil, NewError(KindBadChunkSet, "chunk manifest has too many parts")
	}

	sorted := make([]storage.Part, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	for i := range sorted {
		if sorted[i].PartNumber != i+1 {
			return nil, NewError(KindBadChunkSet, "chunk manifest must cover every part number exactly once")
		}
		if sorted[i].ETag == "" {
			return nil, NewError(KindBadChunkSet, "chunk manifest entry is missing its etag")
		}
	}
	return sorted, nil
}
