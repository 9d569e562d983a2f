package drive

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/cirrusdrive/cirrus/internal/database"
)

const (
	// recentListLimit caps the Recent listing.
	recentListLimit = 50

	// breadcrumbMaxDepth bounds the ancestor walk. The tree invariant
	// makes deeper chains impossible, so the bound only guards against
	// corrupted parent pointers.
	breadcrumbMaxDepth = 512
)

const nodeColumns = `id, owner_id, parent_id, filename, content_type, size,
	is_directory, is_favorite, is_shared, created_at, updated_at, last_modified, deleted_at`

const (
	nodeByIDSQL = `
		SELECT ` + nodeColumns + `
		FROM files
		WHERE id = $1 AND owner_id = $2`

	nodeExistsSQL = `SELECT EXISTS(SELECT 1 FROM files WHERE id = $1)`

	// Uniqueness is checked among live siblings only; trashed rows keep
	// their name without blocking reuse.
	siblingNameTakenSQL = `
		SELECT EXISTS(
			SELECT 1 FROM files
			WHERE owner_id = $1
			  AND parent_id IS NOT DISTINCT FROM $2
			  AND filename = $3
			  AND deleted_at IS NULL
			  AND ($4::uuid IS NULL OR id <> $4)
		)`

	breadcrumbsSQL = `
		WITH RECURSIVE chain AS (
			SELECT id, parent_id, filename, 1 AS depth
			FROM files
			WHERE id = $2 AND owner_id = $1
		UNION ALL
			SELECT f.id, f.parent_id, f.filename, c.depth + 1
			FROM files f
			JOIN chain c ON f.id = c.parent_id
			WHERE c.depth < $3
		)
		SELECT id, filename FROM chain ORDER BY depth DESC`

	descendantsSQL = `
		WITH RECURSIVE subtree AS (
			SELECT ` + nodeColumns + `, 0 AS depth
			FROM files
			WHERE id = $2 AND owner_id = $1
		UNION ALL
			SELECT f.id, f.owner_id, f.parent_id, f.filename, f.content_type, f.size,
				f.is_directory, f.is_favorite, f.is_shared, f.created_at, f.updated_at,
				f.last_modified, f.deleted_at, s.depth + 1
			FROM files f
			JOIN subtree s ON f.parent_id = s.id
		)
		SELECT ` + nodeColumns + ` FROM subtree ORDER BY depth ASC, filename ASC`

	listFolderSQL = `
		SELECT ` + nodeColumns + `
		FROM files
		WHERE owner_id = $1 AND parent_id IS NOT DISTINCT FROM $2 AND deleted_at IS NULL
		ORDER BY is_directory DESC, filename ASC`

	listAllSQL = `
		SELECT ` + nodeColumns + `
		FROM files
		WHERE owner_id = $1 AND deleted_at IS NULL
		ORDER BY updated_at DESC`

	listRecentSQL = `
		SELECT ` + nodeColumns + `
		FROM files
		WHERE owner_id = $1 AND deleted_at IS NULL AND is_directory = FALSE
		ORDER BY updated_at DESC
		LIMIT $2`

	listFavoritesSQL = `
		SELECT ` + nodeColumns + `
		FROM files
		WHERE owner_id = $1 AND deleted_at IS NULL AND is_favorite = TRUE
		ORDER BY updated_at DESC`

	listSharedSQL = `
		SELECT ` + nodeColumns + `
		FROM files
		WHERE owner_id = $1 AND deleted_at IS NULL AND is_shared = TRUE
		ORDER BY updated_at DESC`

	listTrashSQL = `
		SELECT ` + nodeColumns + `
		FROM files
		WHERE owner_id = $1 AND deleted_at IS NOT NULL
		ORDER BY deleted_at DESC`

	insertNodeSQL = `
		INSERT INTO files (` + nodeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	updateContentSQL = `
		UPDATE files
		SET size = $2, content_type = $3, last_modified = $4, updated_at = $5
		WHERE id = $1`

	renameNodeSQL = `
		UPDATE files SET filename = $2, updated_at = $3 WHERE id = $1`

	setParentSQL = `
		UPDATE files SET parent_id = $2, updated_at = $3 WHERE id = $1`

	setFavoriteSQL = `
		UPDATE files SET is_favorite = $2, updated_at = $3 WHERE id = $1`

	setDeletedSQL = `
		UPDATE files SET deleted_at = $2, updated_at = $2 WHERE id = $1`

	restoreNodeSQL = `
		UPDATE files
		SET deleted_at = NULL, parent_id = $2, filename = $3, updated_at = $4
		WHERE id = $1`

	deleteNodeSQL = `DELETE FROM files WHERE id = $1 AND owner_id = $2`
)

const sessionColumns = `id, file_id, upload_id, owner_id, filename, total_size, created_at, expires_at`

const (
	insertSessionSQL = `
		INSERT INTO multipart_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	sessionByIDSQL = `
		SELECT ` + sessionColumns + `
		FROM multipart_sessions
		WHERE id = $1`

	// Deleting with RETURNING makes the claim atomic: whichever caller
	// gets the row back owns releasing its reservation.
	claimSessionSQL = `
		DELETE FROM multipart_sessions
		WHERE id = $1
		RETURNING ` + sessionColumns

	expiredSessionsSQL = `
		SELECT ` + sessionColumns + `
		FROM multipart_sessions
		WHERE expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`

	deleteSessionSQL = `DELETE FROM multipart_sessions WHERE id = $1`
)

// Repository persists the file hierarchy and multipart sessions in
// PostgreSQL. Everything is plain SQL over pgx; the recursive pieces
// (breadcrumbs, subtree collection) are CTEs.
type Repository struct {
	db database.Executor
}

// NewRepository creates a repository over the given database.
func NewRepository(db database.Executor) *Repository {
	return &Repository{db: db}
}

func scanNode(row pgx.Row) (*FileNode, error) {
	var n FileNode
	err := row.Scan(
		&n.ID,
		&n.OwnerID,
		&n.ParentID,
		&n.Filename,
		&n.ContentType,
		&n.Size,
		&n.IsDirectory,
		&n.IsFavorite,
		&n.IsShared,
		&n.CreatedAt,
		&n.UpdatedAt,
		&n.LastModified,
		&n.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func collectNodes(rows pgx.Rows) ([]FileNode, error) {
	defer rows.Close()

	nodes := make([]FileNode, 0)
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fromPg("scan file row", err)
		}
		nodes = append(nodes, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, fromPg("iterate file rows", err)
	}
	return nodes, nil
}

func scanSession(row pgx.Row) (*MultipartSession, error) {
	var s MultipartSession
	err := row.Scan(
		&s.ID,
		&s.FileID,
		&s.UploadID,
		&s.OwnerID,
		&s.Filename,
		&s.TotalSize,
		&s.CreatedAt,
		&s.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// NodeByID fetches a node with its ownership check folded in: a node
// that exists but belongs to someone else is indistinguishable from a
// missing one.
func (r *Repository) NodeByID(ctx context.Context, ownerID, id uuid.UUID) (*FileNode, error) {
	n, err := scanNode(r.db.QueryRow(ctx, nodeByIDSQL, id, ownerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, NewError(KindNotFound, "file not found")
		}
		return nil, fromPg("fetch file", err)
	}
	return n, nil
}

// NodeExists reports whether any node carries the given id, regardless
// of owner or trash state. File ids are random UUIDs, so this is the
// duplicate-completion guard for multipart uploads.
func (r *Repository) NodeExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	if err := r.db.QueryRow(ctx, nodeExistsSQL, id).Scan(&exists); err != nil {
		return false, fromPg("check file exists", err)
	}
	return exists, nil
}

// EnsureUniqueName fails with NameConflict when a live sibling in the
// given directory (nil = root) already uses the name. excludeID skips
// one node, letting renames and moves keep their own name.
func (r *Repository) EnsureUniqueName(ctx context.Context, ownerID uuid.UUID, parentID *uuid.UUID, name string, excludeID *uuid.UUID) error {
	var taken bool
	err := r.db.QueryRow(ctx, siblingNameTakenSQL, ownerID, parentID, name, excludeID).Scan(&taken)
	if err != nil {
		return fromPg("check sibling name", err)
	}
	if taken {
		return NewError(KindNameConflict, "a file with this name already exists here")
	}
	return nil
}

// Breadcrumbs walks parent pointers from the given node to the root,
// returning the chain root-first. A nil leaf (the root itself) has no
// crumbs.
func (r *Repository) Breadcrumbs(ctx context.Context, ownerID uuid.UUID, leafID *uuid.UUID) ([]Breadcrumb, error) {
	crumbs := make([]Breadcrumb, 0)
	if leafID == nil {
		return crumbs, nil
	}

	rows, err := r.db.Query(ctx, breadcrumbsSQL, ownerID, *leafID, breadcrumbMaxDepth)
	if err != nil {
		return nil, fromPg("walk breadcrumbs", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c Breadcrumb
		if err := rows.Scan(&c.ID, &c.Filename); err != nil {
			return nil, fromPg("scan breadcrumb", err)
		}
		crumbs = append(crumbs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fromPg("iterate breadcrumbs", err)
	}
	return crumbs, nil
}

// Descendants returns the subtree rooted at rootID, the root included,
// in parent-before-child order. Trashed rows are included so hard
// deletes cover everything.
func (r *Repository) Descendants(ctx context.Context, ownerID, rootID uuid.UUID) ([]FileNode, error) {
	rows, err := r.db.Query(ctx, descendantsSQL, ownerID, rootID)
	if err != nil {
		return nil, fromPg("collect descendants", err)
	}
	return collectNodes(rows)
}

// List runs one of the listing variants. Filter.Parent is only read
// for ScopeFolder.
func (r *Repository) List(ctx context.Context, ownerID uuid.UUID, filter ListFilter) ([]FileNode, error) {
	var (
		rows pgx.Rows
		err  error
	)
	switch filter.Scope {
	case ScopeFolder:
		rows, err = r.db.Query(ctx, listFolderSQL, ownerID, filter.Parent)
	case ScopeAll:
		rows, err = r.db.Query(ctx, listAllSQL, ownerID)
	case ScopeRecent:
		rows, err = r.db.Query(ctx, listRecentSQL, ownerID, recentListLimit)
	case ScopeFavorites:
		rows, err = r.db.Query(ctx, listFavoritesSQL, ownerID)
	case ScopeShared:
		rows, err = r.db.Query(ctx, listSharedSQL, ownerID)
	case ScopeTrash:
		rows, err = r.db.Query(ctx, listTrashSQL, ownerID)
	default:
		return nil, NewError(KindInternal, "unknown list scope")
	}
	if err != nil {
		return nil, fromPg("list files", err)
	}
	return collectNodes(rows)
}

// Insert persists a node. A unique-index violation on the sibling name
// maps to NameConflict, backstopping the explicit check under
// concurrency.
func (r *Repository) Insert(ctx context.Context, n *FileNode) error {
	_, err := r.db.Exec(ctx, insertNodeSQL,
		n.ID, n.OwnerID, n.ParentID, n.Filename, n.ContentType, n.Size,
		n.IsDirectory, n.IsFavorite, n.IsShared, n.CreatedAt, n.UpdatedAt,
		n.LastModified, n.DeletedAt,
	)
	if err != nil {
		return fromPg("insert file", err)
	}
	return nil
}

// InsertDirectory runs the uniqueness check and the insert in one
// transaction so concurrent mkdirs of the same name cannot both pass
// the check.
func (r *Repository) InsertDirectory(ctx context.Context, n *FileNode) error {
	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return fromPg("begin mkdir", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var taken bool
	if err := tx.QueryRow(ctx, siblingNameTakenSQL, n.OwnerID, n.ParentID, n.Filename, nil).Scan(&taken); err != nil {
		return fromPg("check sibling name", err)
	}
	if taken {
		return NewError(KindNameConflict, "a file with this name already exists here")
	}

	if _, err := tx.Exec(ctx, insertNodeSQL,
		n.ID, n.OwnerID, n.ParentID, n.Filename, n.ContentType, n.Size,
		n.IsDirectory, n.IsFavorite, n.IsShared, n.CreatedAt, n.UpdatedAt,
		n.LastModified, n.DeletedAt,
	); err != nil {
		return fromPg("insert directory", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fromPg("commit mkdir", err)
	}
	return nil
}

// UpdateContent commits the outcome of an update-in-place: new size,
// content type and timestamps.
func (r *Repository) UpdateContent(ctx context.Context, id uuid.UUID, size int64, contentType string, lastModified, updatedAt time.Time) error {
	tag, err := r.db.Exec(ctx, updateContentSQL, id, size, contentType, lastModified, updatedAt)
	if err != nil {
		return fromPg("update file content", err)
	}
	if tag.RowsAffected() == 0 {
		return NewError(KindNotFound, "file not found")
	}
	return nil
}

// Rename updates the filename.
func (r *Repository) Rename(ctx context.Context, id uuid.UUID, filename string, updatedAt time.Time) error {
	tag, err := r.db.Exec(ctx, renameNodeSQL, id, filename, updatedAt)
	if err != nil {
		return fromPg("rename file", err)
	}
	if tag.RowsAffected() == 0 {
		return NewError(KindNotFound, "file not found")
	}
	return nil
}

// SetParent reparents a node, nil meaning the owner's root.
func (r *Repository) SetParent(ctx context.Context, id uuid.UUID, parentID *uuid.UUID, updatedAt time.Time) error {
	tag, err := r.db.Exec(ctx, setParentSQL, id, parentID, updatedAt)
	if err != nil {
		return fromPg("move file", err)
	}
	if tag.RowsAffected() == 0 {
		return NewError(KindNotFound, "file not found")
	}
	return nil
}

// SetFavorite flips the favorite flag.
func (r *Repository) SetFavorite(ctx context.Context, id uuid.UUID, favorite bool, updatedAt time.Time) error {
	tag, err := r.db.Exec(ctx, setFavoriteSQL, id, favorite, updatedAt)
	if err != nil {
		return fromPg("set favorite", err)
	}
	if tag.RowsAffected() == 0 {
		return NewError(KindNotFound, "file not found")
	}
	return nil
}

// SetDeleted soft-deletes a node by stamping deleted_at.
func (r *Repository) SetDeleted(ctx context.Context, id uuid.UUID, deletedAt time.Time) error {
	tag, err := r.db.Exec(ctx, setDeletedSQL, id, deletedAt)
	if err != nil {
		return fromPg("trash file", err)
	}
	if tag.RowsAffected() == 0 {
		return NewError(KindNotFound, "file not found")
	}
	return nil
}

// RestoreNode clears deleted_at, applying the parent and name the
// restore logic settled on.
func (r *Repository) RestoreNode(ctx context.Context, id uuid.UUID, parentID *uuid.UUID, filename string, updatedAt time.Time) error {
	tag, err := r.db.Exec(ctx, restoreNodeSQL, id, parentID, filename, updatedAt)
	if err != nil {
		return fromPg("restore file", err)
	}
	if tag.RowsAffected() == 0 {
		return NewError(KindNotFound, "file not found")
	}
	return nil
}

// RemoveSubtree deletes the given rows and releases the reclaimed bytes
// in one transaction. ids must arrive children-first so every row is
// gone before its parent, keeping the self-referencing foreign key
// satisfied row by row.
func (r *Repository) RemoveSubtree(ctx context.Context, ownerID uuid.UUID, ids []uuid.UUID, reclaim int64) error {
	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return fromPg("begin subtree delete", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, id := range ids {
		if _, err := tx.Exec(ctx, deleteNodeSQL, id, ownerID); err != nil {
			return fromPg("delete file row", err)
		}
	}

	if reclaim > 0 {
		if _, err := tx.Exec(ctx, releaseUsedBytesSQL, ownerID, reclaim); err != nil {
			return fromPg("release reclaimed bytes", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fromPg("commit subtree delete", err)
	}
	return nil
}

// InsertSession persists a new multipart session row.
func (r *Repository) InsertSession(ctx context.Context, s *MultipartSession) error {
	_, err := r.db.Exec(ctx, insertSessionSQL,
		s.ID, s.FileID, s.UploadID, s.OwnerID, s.Filename, s.TotalSize,
		s.CreatedAt, s.ExpiresAt,
	)
	if err != nil {
		return fromPg("insert upload session", err)
	}
	return nil
}

// SessionByID fetches a session row.
func (r *Repository) SessionByID(ctx context.Context, id uuid.UUID) (*MultipartSession, error) {
	s, err := scanSession(r.db.QueryRow(ctx, sessionByIDSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, NewError(KindNotFound, "upload session not found")
		}
		return nil, fromPg("fetch upload session", err)
	}
	return s, nil
}

// ClaimSession atomically removes and returns the session row. Exactly
// one concurrent caller wins the claim; everyone else gets NotFound.
// The winner owns releasing the session's quota reservation.
func (r *Repository) ClaimSession(ctx context.Context, id uuid.UUID) (*MultipartSession, error) {
	s, err := scanSession(r.db.QueryRow(ctx, claimSessionSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, NewError(KindNotFound, "upload session not found")
		}
		return nil, fromPg("claim upload session", err)
	}
	return s, nil
}

// SweepExpiredSessions finalizes a batch of expired sessions inside one
// transaction. FOR UPDATE SKIP LOCKED keeps concurrent sweepers off
// each other's rows, and a crash before commit rolls everything back
// for the next run.
//
// Per session: a row whose file node already exists is a leftover of a
// completed upload and is just dropped; otherwise the abort callback
// tears down the provider side, and only when that succeeds are the
// reserved bytes released and the row deleted. A failed abort leaves
// the row for the next sweep.
func (r *Repository) SweepExpiredSessions(ctx context.Context, cutoff time.Time, limit int, abort func(context.Context, *MultipartSession) error) (int, error) {
	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return 0, fromPg("begin session sweep", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, expiredSessionsSQL, cutoff, limit)
	if err != nil {
		return 0, fromPg("select expired sessions", err)
	}

	sessions := make([]*MultipartSession, 0, limit)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return 0, fromPg("scan expired session", err)
		}
		sessions = append(sessions, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fromPg("iterate expired sessions", err)
	}

	cleaned := 0
	for _, s := range sessions {
		var exists bool
		if err := tx.QueryRow(ctx, nodeExistsSQL, s.FileID).Scan(&exists); err != nil {
			return cleaned, fromPg("check session file node", err)
		}

		if exists {
			// Completed upload whose session row was never dropped:
			// the reservation is accounted to the committed file, so
			// only the row goes.
			if _, err := tx.Exec(ctx, deleteSessionSQL, s.ID); err != nil {
				return cleaned, fromPg("delete leftover session", err)
			}
			cleaned++
			continue
		}

		if err := abort(ctx, s); err != nil {
			log.Warn().
				Err(err).
				Str("session_id", s.ID.String()).
				Str("upload_id", s.UploadID).
				Msg("Provider abort failed, leaving session for next sweep")
			continue
		}

		if _, err := tx.Exec(ctx, releaseUsedBytesSQL, s.OwnerID, s.TotalSize); err != nil {
			return cleaned, fromPg("release session reservation", err)
		}
		if _, err := tx.Exec(ctx, deleteSessionSQL, s.ID); err != nil {
			return cleaned, fromPg("delete expired session", err)
		}
		cleaned++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fromPg("commit session sweep", err)
	}
	return cleaned, nil
}
