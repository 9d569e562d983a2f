package drive

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cirrusdrive/cirrus/internal/storage"
)

// MetadataStore is the hierarchy persistence the service works
// against. *Repository is the real implementation; tests use fakes.
type MetadataStore interface {
	NodeByID(ctx context.Context, ownerID, id uuid.UUID) (*FileNode, error)
	NodeExists(ctx context.Context, id uuid.UUID) (bool, error)
	EnsureUniqueName(ctx context.Context, ownerID uuid.UUID, parentID *uuid.UUID, name string, excludeID *uuid.UUID) error
	Breadcrumbs(ctx context.Context, ownerID uuid.UUID, leafID *uuid.UUID) ([]Breadcrumb, error)
	Descendants(ctx context.Context, ownerID, rootID uuid.UUID) ([]FileNode, error)
	List(ctx context.Context, ownerID uuid.UUID, filter ListFilter) ([]FileNode, error)
	Insert(ctx context.Context, n *FileNode) error
	InsertDirectory(ctx context.Context, n *FileNode) error
	UpdateContent(ctx context.Context, id uuid.UUID, size int64, contentType string, lastModified, updatedAt time.Time) error
	Rename(ctx context.Context, id uuid.UUID, filename string, updatedAt time.Time) error
	SetParent(ctx context.Context, id uuid.UUID, parentID *uuid.UUID, updatedAt time.Time) error
	SetFavorite(ctx context.Context, id uuid.UUID, favorite bool, updatedAt time.Time) error
	SetDeleted(ctx context.Context, id uuid.UUID, deletedAt time.Time) error
	RestoreNode(ctx context.Context, id uuid.UUID, parentID *uuid.UUID, filename string, updatedAt time.Time) error
	RemoveSubtree(ctx context.Context, ownerID uuid.UUID, ids []uuid.UUID, reclaim int64) error
}

// SessionStore persists multipart upload sessions.
type SessionStore interface {
	InsertSession(ctx context.Context, s *MultipartSession) error
	SessionByID(ctx context.Context, id uuid.UUID) (*MultipartSession, error)
	ClaimSession(ctx context.Context, id uuid.UUID) (*MultipartSession, error)
	SweepExpiredSessions(ctx context.Context, cutoff time.Time, limit int, abort func(context.Context, *MultipartSession) error) (int, error)
}

// Ledger is the quota accounting the service charges uploads against.
type Ledger interface {
	Reserve(ctx context.Context, ownerID uuid.UUID, amount int64) error
	Release(ctx context.Context, ownerID uuid.UUID, amount int64) error
	Adjust(ctx context.Context, ownerID uuid.UUID, delta int64) error
	Restore(ctx context.Context, ownerID uuid.UUID, delta int64) error
}

var (
	_ MetadataStore = (*Repository)(nil)
	_ SessionStore  = (*Repository)(nil)
	_ Ledger        = (*QuotaLedger)(nil)
)

const (
	// sizeTolerance is the slack between the declared and the actual
	// byte count an upload may use before it counts as a size mismatch.
	sizeTolerance int64 = 1 << 20

	// maxFilenameLength bounds names to what clients and filesystems
	// reliably handle.
	maxFilenameLength = 255

	// restoredSuffix is appended to a restored node's name while it
	// collides with a live sibling.
	restoredSuffix = " (restored)"

	// restoreRenameAttempts caps the suffixing loop.
	restoreRenameAttempts = 100

	defaultContentType = "application/octet-stream"
)

// maxAllowedBytes is the hard streaming ceiling for a declared size:
// five percent of the claim, but never less than the tolerance floor.
func maxAllowedBytes(claimed int64) int64 {
	slack := claimed / 20
	if slack < sizeTolerance {
		slack = sizeTolerance
	}
	return claimed + slack
}

func validateFilename(name string) error {
	switch {
	case name == "":
		return NewError(KindConflict, "filename must not be empty")
	case len(name) > maxFilenameLength:
		return NewError(KindConflict, "filename is too long")
	case name == "." || name == "..":
		return NewError(KindConflict, "filename is reserved")
	case strings.ContainsAny(name, "/\x00"):
		return NewError(KindConflict, "filename contains invalid characters")
	}
	return nil
}

func normalizeContentType(ct string) string {
	if ct == "" {
		return defaultContentType
	}
	return ct
}

// restoredName inserts the restore suffix before the extension, or at
// the end for directories and extensionless names.
func restoredName(name string, isDirectory bool) string {
	if isDirectory {
		return name + restoredSuffix
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if base == "" {
		// Dotfiles report themselves as all extension.
		return name + restoredSuffix
	}
	return base + restoredSuffix + ext
}

// Service orchestrates uploads, downloads and hierarchy mutations:
// metadata checks first, quota reservation second, provider I/O third,
// metadata commit last, with compensation running backwards on failure.
type Service struct {
	store    MetadataStore
	ledger   Ledger
	provider storage.Provider
	events   EventRecorder

	now func() time.Time
}

// NewService wires the orchestrator. A nil recorder disables the sync
// feed.
func NewService(store MetadataStore, ledger Ledger, provider storage.Provider, events EventRecorder) *Service {
	if events == nil {
		events = NoopEventRecorder{}
	}
	return &Service{
		store:    store,
		ledger:   ledger,
		provider: provider,
		events:   events,
		now:      time.Now,
	}
}

// Provider exposes the backend, mainly for health reporting.
func (s *Service) Provider() storage.Provider {
	return s.provider
}

// releaseQuietly is the compensation release: failures are logged, not
// propagated, because the operation being unwound already failed.
func releaseQuietly(ctx context.Context, ledger Ledger, ownerID uuid.UUID, amount int64) {
	if amount <= 0 {
		return
	}
	if err := ledger.Release(ctx, ownerID, amount); err != nil {
		log.Error().
			Err(err).
			Str("owner_id", ownerID.String()).
			Int64("amount", amount).
			Msg("Compensating quota release failed")
	}
}

func deleteObjectQuietly(ctx context.Context, provider storage.Provider, fileID, ownerID uuid.UUID) {
	if err := provider.Delete(ctx, fileID.String(), ownerID.String()); err != nil {
		log.Error().
			Err(err).
			Str("file_id", fileID.String()).
			Msg("Compensating object delete failed")
	}
}

// validateParentDirOf checks that an upload or mkdir target is usable:
// nil is the root, anything else must be an owned live directory.
func validateParentDirOf(ctx context.Context, store MetadataStore, ownerID uuid.UUID, parentID *uuid.UUID) error {
	if parentID == nil {
		return nil
	}
	parent, err := store.NodeByID(ctx, ownerID, *parentID)
	if err != nil {
		return err
	}
	if parent.Trashed() {
		return NewError(KindNotFound, "parent directory not found")
	}
	if !parent.IsDirectory {
		return NewError(KindConflict, "parent is not a directory")
	}
	return nil
}

// UploadInput is a single-shot upload request. ClaimedSize is what the
// client declared, not what will be trusted.
type UploadInput struct {
	OwnerID      uuid.UUID
	ParentID     *uuid.UUID
	Filename     string
	ContentType  string
	ClaimedSize  int64
	LastModified *time.Time
	Body         io.Reader
}

// Upload streams one file in: hierarchy checks, quota reservation on
// the declared size, provider write through a counting ceiling, exact
// reconciliation of the reservation against the streamed count, then
// the metadata commit. Every failure unwinds the steps already taken.
func (s *Service) Upload(ctx context.Context, in UploadInput) (*FileNode, error) {
	if err := validateFilename(in.Filename); err != nil {
		return nil, err
	}
	if in.ClaimedSize < 0 {
		return nil, NewError(KindConflict, "declared size must not be negative")
	}
	if err := validateParentDirOf(ctx, s.store, in.OwnerID, in.ParentID); err != nil {
		return nil, err
	}
	if err := s.store.EnsureUniqueName(ctx, in.OwnerID, in.ParentID, in.Filename, nil); err != nil {
		return nil, err
	}

	if err := s.ledger.Reserve(ctx, in.OwnerID, in.ClaimedSize); err != nil {
		return nil, err
	}

	fileID := uuid.New()
	actual, err := s.provider.Save(ctx, fileID.String(), in.OwnerID.String(), in.Body, maxAllowedBytes(in.ClaimedSize))
	if err != nil {
		releaseQuietly(ctx, s.ledger, in.OwnerID, in.ClaimedSize)
		if errors.Is(err, storage.ErrOversizeStream) {
			// For a single-shot upload a stream that blows past its
			// ceiling is a lied-about size, not a bad chunk.
			return nil, WrapError(KindSizeMismatch, "stream exceeded the declared size beyond tolerance", err)
		}
		return nil, fromStorage("save", err)
	}

	if actual > in.ClaimedSize+sizeTolerance {
		deleteObjectQuietly(ctx, s.provider, fileID, in.OwnerID)
		releaseQuietly(ctx, s.ledger, in.OwnerID, in.ClaimedSize)
		return nil, NewError(KindSizeMismatch, "uploaded size does not match the declared size")
	}

	// Settle the reservation on the real byte count so usage stays the
	// exact sum of stored sizes. A failed settle leaves the original
	// reservation, which the compensation below returns.
	if err := s.ledger.Adjust(ctx, in.OwnerID, actual-in.ClaimedSize); err != nil {
		deleteObjectQuietly(ctx, s.provider, fileID, in.OwnerID)
		releaseQuietly(ctx, s.ledger, in.OwnerID, in.ClaimedSize)
		return nil, err
	}

	now := s.now().UTC()
	lastModified := now
	if in.LastModified != nil {
		lastModified = in.LastModified.UTC()
	}

	node := &FileNode{
		ID:           fileID,
		OwnerID:      in.OwnerID,
		ParentID:     in.ParentID,
		Filename:     in.Filename,
		ContentType:  normalizeContentType(in.ContentType),
		Size:         actual,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastModified: lastModified,
	}
	if err := s.store.Insert(ctx, node); err != nil {
		deleteObjectQuietly(ctx, s.provider, fileID, in.OwnerID)
		releaseQuietly(ctx, s.ledger, in.OwnerID, actual)
		return nil, err
	}

	s.events.Record(ctx, Event{OwnerID: in.OwnerID, FileID: fileID, Kind: EventCreated})
	return node, nil
}

// UpdateInput is an update-in-place request for an existing file.
type UpdateInput struct {
	OwnerID      uuid.UUID
	FileID       uuid.UUID
	ContentType  string
	ClaimedSize  int64
	LastModified *time.Time
	Body         io.Reader
}

// Update replaces a file's content, charging quota only for the growth
// and refunding shrinkage. The providers swap content atomically, so a
// failed stream leaves the old bytes untouched.
func (s *Service) Update(ctx context.Context, in UpdateInput) (*FileNode, error) {
	node, err := s.store.NodeByID(ctx, in.OwnerID, in.FileID)
	if err != nil {
		return nil, err
	}
	if node.IsDirectory {
		return nil, NewError(KindConflict, "cannot write content to a directory")
	}
	if node.Trashed() {
		return nil, NewError(KindConflict, "file is in the trash")
	}
	if in.ClaimedSize < 0 {
		return nil, NewError(KindConflict, "declared size must not be negative")
	}

	estimated := in.ClaimedSize - node.Size
	var reserved int64
	if estimated > 0 {
		if err := s.ledger.Reserve(ctx, in.OwnerID, estimated); err != nil {
			return nil, err
		}
		reserved = estimated
	}

	actual, err := s.provider.Save(ctx, in.FileID.String(), in.OwnerID.String(), in.Body, maxAllowedBytes(in.ClaimedSize))
	if err != nil {
		releaseQuietly(ctx, s.ledger, in.OwnerID, reserved)
		if errors.Is(err, storage.ErrOversizeStream) {
			return nil, WrapError(KindSizeMismatch, "stream exceeded the declared size beyond tolerance", err)
		}
		return nil, fromStorage("save", err)
	}

	// The content is swapped; settle the ledger on the real delta.
	if err := s.ledger.Adjust(ctx, in.OwnerID, (actual-node.Size)-reserved); err != nil {
		releaseQuietly(ctx, s.ledger, in.OwnerID, reserved)
		log.Error().
			Err(err).
			Str("file_id", in.FileID.String()).
			Msg("Update reconciliation failed, provider content is newer than metadata")
		return nil, err
	}

	now := s.now().UTC()
	lastModified := now
	if in.LastModified != nil {
		lastModified = in.LastModified.UTC()
	}
	contentType := normalizeContentType(in.ContentType)

	if err := s.store.UpdateContent(ctx, in.FileID, actual, contentType, lastModified, now); err != nil {
		if rerr := s.ledger.Restore(ctx, in.OwnerID, node.Size-actual); rerr != nil {
			log.Error().
				Err(rerr).
				Str("file_id", in.FileID.String()).
				Msg("Quota restore after failed content commit failed")
		}
		return nil, err
	}

	node.Size = actual
	node.ContentType = contentType
	node.LastModified = lastModified
	node.UpdatedAt = now

	s.events.Record(ctx, Event{OwnerID: in.OwnerID, FileID: in.FileID, Kind: EventUpdated, ContentUpdated: true})
	return node, nil
}

// Move reparents a node. A nil destination is the root. Moving a
// directory into itself or its own subtree is refused.
func (s *Service) Move(ctx context.Context, ownerID, fileID uuid.UUID, newParentID *uuid.UUID) (*FileNode, error) {
	node, err := s.store.NodeByID(ctx, ownerID, fileID)
	if err != nil {
		return nil, err
	}
	if node.Trashed() {
		return nil, NewError(KindConflict, "file is in the trash")
	}

	if newParentID != nil {
		if *newParentID == fileID {
			return nil, NewError(KindConflict, "cannot move a file into itself")
		}
		parent, err := s.store.NodeByID(ctx, ownerID, *newParentID)
		if err != nil {
			return nil, err
		}
		if parent.Trashed() {
			return nil, NewError(KindNotFound, "destination directory not found")
		}
		if !parent.IsDirectory {
			return nil, NewError(KindConflict, "destination is not a directory")
		}

		// Walking up from the destination is cheap (depth-bounded) and
		// catches every cycle: the moved node may not be an ancestor.
		crumbs, err := s.store.Breadcrumbs(ctx, ownerID, newParentID)
		if err != nil {
			return nil, err
		}
		for _, c := range crumbs {
			if c.ID == fileID {
				return nil, NewError(KindConflict, "cannot move a directory into its own subtree")
			}
		}
	}

	if err := s.store.EnsureUniqueName(ctx, ownerID, newParentID, node.Filename, &fileID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if err := s.store.SetParent(ctx, fileID, newParentID, now); err != nil {
		return nil, err
	}

	node.ParentID = newParentID
	node.UpdatedAt = now
	s.events.Record(ctx, Event{OwnerID: ownerID, FileID: fileID, Kind: EventMoved})
	return node, nil
}

// Rename changes a node's filename, keeping sibling names unique.
func (s *Service) Rename(ctx context.Context, ownerID, fileID uuid.UUID, newName string) (*FileNode, error) {
	if err := validateFilename(newName); err != nil {
		return nil, err
	}

	node, err := s.store.NodeByID(ctx, ownerID, fileID)
	if err != nil {
		return nil, err
	}
	if node.Trashed() {
		return nil, NewError(KindConflict, "file is in the trash")
	}

	if err := s.store.EnsureUniqueName(ctx, ownerID, node.ParentID, newName, &fileID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if err := s.store.Rename(ctx, fileID, newName, now); err != nil {
		return nil, err
	}

	node.Filename = newName
	node.UpdatedAt = now
	s.events.Record(ctx, Event{OwnerID: ownerID, FileID: fileID, Kind: EventRenamed})
	return node, nil
}

// SetFavorite sets the favorite flag to the explicit value, or toggles
// it when none is given.
func (s *Service) SetFavorite(ctx context.Context, ownerID, fileID uuid.UUID, explicit *bool) (*FileNode, error) {
	node, err := s.store.NodeByID(ctx, ownerID, fileID)
	if err != nil {
		return nil, err
	}
	if node.Trashed() {
		return nil, NewError(KindConflict, "file is in the trash")
	}

	target := !node.IsFavorite
	if explicit != nil {
		target = *explicit
	}

	now := s.now().UTC()
	if err := s.store.SetFavorite(ctx, fileID, target, now); err != nil {
		return nil, err
	}

	node.IsFavorite = target
	node.UpdatedAt = now
	s.events.Record(ctx, Event{OwnerID: ownerID, FileID: fileID, Kind: EventFavorited})
	return node, nil
}

// SoftDelete moves a node to the trash. The provider object stays and
// quota stays charged until the node is hard-deleted.
func (s *Service) SoftDelete(ctx context.Context, ownerID, fileID uuid.UUID) (*FileNode, error) {
	node, err := s.store.NodeByID(ctx, ownerID, fileID)
	if err != nil {
		return nil, err
	}
	if node.Trashed() {
		return nil, NewError(KindConflict, "file is already in the trash")
	}

	now := s.now().UTC()
	if err := s.store.SetDeleted(ctx, fileID, now); err != nil {
		return nil, err
	}

	node.DeletedAt = &now
	node.UpdatedAt = now
	s.events.Record(ctx, Event{OwnerID: ownerID, FileID: fileID, Kind: EventTrashed})
	return node, nil
}

// HardDelete permanently removes a node and everything under it.
// Provider objects are deleted best-effort first; the rows and the
// quota release then commit in a single transaction, so accounting
// never runs ahead of the metadata.
func (s *Service) HardDelete(ctx context.Context, ownerID, fileID uuid.UUID) error {
	nodes, err := s.store.Descendants(ctx, ownerID, fileID)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		return NewError(KindNotFound, "file not found")
	}

	var reclaim int64
	for i := range nodes {
		if !nodes[i].IsDirectory {
			reclaim += nodes[i].Size
		}
	}

	// Children first, mirroring the row deletes below. A failed object
	// delete is logged and skipped; a re-run can no longer see the row,
	// so the object becomes an orphan for offline cleanup rather than a
	// blocked delete.
	for i := len(nodes) - 1; i >= 0; i-- {
		n := &nodes[i]
		if n.IsDirectory {
			continue
		}
		if err := s.provider.Delete(ctx, n.ID.String(), ownerID.String()); err != nil {
			log.Warn().
				Err(err).
				Str("file_id", n.ID.String()).
				Msg("Provider delete failed during recursive delete")
		}
	}

	ids := make([]uuid.UUID, 0, len(nodes))
	for i := len(nodes) - 1; i >= 0; i-- {
		ids = append(ids, nodes[i].ID)
	}
	if err := s.store.RemoveSubtree(ctx, ownerID, ids, reclaim); err != nil {
		return err
	}

	s.events.Record(ctx, Event{OwnerID: ownerID, FileID: fileID, Kind: EventDeleted})
	return nil
}

// Restore brings a trashed node back. When its original parent is gone
// or itself trashed the node lands at the root, and name collisions
// grow a restore suffix until the name is free.
func (s *Service) Restore(ctx context.Context, ownerID, fileID uuid.UUID) (*FileNode, error) {
	node, err := s.store.NodeByID(ctx, ownerID, fileID)
	if err != nil {
		return nil, err
	}
	if !node.Trashed() {
		return nil, NewError(KindConflict, "file is not in the trash")
	}

	parentID := node.ParentID
	if parentID != nil {
		parent, err := s.store.NodeByID(ctx, ownerID, *parentID)
		switch {
		case err != nil && IsKind(err, KindNotFound):
			parentID = nil
		case err != nil:
			return nil, err
		case parent.Trashed() || !parent.IsDirectory:
			parentID = nil
		}
	}

	name := node.Filename
	for attempt := 0; ; attempt++ {
		err := s.store.EnsureUniqueName(ctx, ownerID, parentID, name, &fileID)
		if err == nil {
			break
		}
		if !IsKind(err, KindNameConflict) || attempt >= restoreRenameAttempts {
			return nil, err
		}
		name = restoredName(name, node.IsDirectory)
	}

	now := s.now().UTC()
	if err := s.store.RestoreNode(ctx, fileID, parentID, name, now); err != nil {
		return nil, err
	}

	node.DeletedAt = nil
	node.ParentID = parentID
	node.Filename = name
	node.UpdatedAt = now
	s.events.Record(ctx, Event{OwnerID: ownerID, FileID: fileID, Kind: EventRestored})
	return node, nil
}

// CreateDirectory makes a new directory node.
func (s *Service) CreateDirectory(ctx context.Context, ownerID uuid.UUID, parentID *uuid.UUID, name string) (*FileNode, error) {
	if err := validateFilename(name); err != nil {
		return nil, err
	}
	if err := validateParentDirOf(ctx, s.store, ownerID, parentID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	node := &FileNode{
		ID:           uuid.New(),
		OwnerID:      ownerID,
		ParentID:     parentID,
		Filename:     name,
		ContentType:  DirectoryContentType,
		IsDirectory:  true,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastModified: now,
	}
	if err := s.store.InsertDirectory(ctx, node); err != nil {
		return nil, err
	}

	s.events.Record(ctx, Event{OwnerID: ownerID, FileID: node.ID, Kind: EventCreated})
	return node, nil
}

// Download opens the node's content stream, optionally restricted to a
// byte range. Trashed files stay downloadable so the trash can preview.
func (s *Service) Download(ctx context.Context, ownerID, fileID uuid.UUID, rng *storage.ByteRange) (io.ReadCloser, *storage.ObjectInfo, *FileNode, error) {
	node, err := s.store.NodeByID(ctx, ownerID, fileID)
	if err != nil {
		return nil, nil, nil, err
	}
	if node.IsDirectory {
		return nil, nil, nil, NewError(KindConflict, "cannot download a directory")
	}

	rc, info, err := s.provider.Download(ctx, fileID.String(), ownerID.String(), rng)
	if err != nil {
		return nil, nil, nil, fromStorage("download", err)
	}
	return rc, info, node, nil
}

// Show fetches a single node's metadata.
func (s *Service) Show(ctx context.Context, ownerID, fileID uuid.UUID) (*FileNode, error) {
	return s.store.NodeByID(ctx, ownerID, fileID)
}

// List runs a listing variant without breadcrumbs.
func (s *Service) List(ctx context.Context, ownerID uuid.UUID, filter ListFilter) ([]FileNode, error) {
	return s.store.List(ctx, ownerID, filter)
}

// ListFolder returns one directory's children plus the breadcrumb
// chain down to it. A nil parent lists the root.
func (s *Service) ListFolder(ctx context.Context, ownerID uuid.UUID, parentID *uuid.UUID) ([]FileNode, []Breadcrumb, error) {
	if err := validateParentDirOf(ctx, s.store, ownerID, parentID); err != nil {
		return nil, nil, err
	}

	files, err := s.store.List(ctx, ownerID, ListFilter{Scope: ScopeFolder, Parent: parentID})
	if err != nil {
		return nil, nil, err
	}
	crumbs, err := s.store.Breadcrumbs(ctx, ownerID, parentID)
	if err != nil {
		return nil, nil, err
	}
	return files, crumbs, nil
}
