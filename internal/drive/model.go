package drive

import (
	"time"

	"github.com/google/uuid"
)

// DirectoryContentType is the content type stored for directory nodes.
const DirectoryContentType = "directory"

// FileNode is one row of the file hierarchy: a file or a directory
// owned by exactly one user. ParentID nil means the node sits at the
// owner's root. DeletedAt non-nil means the node is in the trash.
type FileNode struct {
	ID           uuid.UUID  `json:"id"`
	OwnerID      uuid.UUID  `json:"ownerID"`
	ParentID     *uuid.UUID `json:"parentID,omitempty"`
	Filename     string     `json:"filename"`
	ContentType  string     `json:"contentType"`
	Size         int64      `json:"size"`
	IsDirectory  bool       `json:"isDirectory"`
	IsFavorite   bool       `json:"isFavorite"`
	IsShared     bool       `json:"isShared"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	LastModified time.Time  `json:"lastModified"`
	DeletedAt    *time.Time `json:"deletedAt,omitempty"`
}

// Trashed reports whether the node currently sits in the trash.
func (n *FileNode) Trashed() bool {
	return n.DeletedAt != nil
}

// Breadcrumb is one ancestor step of a folder listing, ordered
// root-first by the hierarchy walk.
type Breadcrumb struct {
	ID       uuid.UUID `json:"id"`
	Filename string    `json:"filename"`
}

// ListScope selects which listing variant a query runs.
type ListScope string

const (
	// ScopeFolder lists the live children of one directory.
	ScopeFolder ListScope = "folder"
	// ScopeAll lists every live node of the owner.
	ScopeAll ListScope = "all"
	// ScopeRecent lists the most recently updated live files.
	ScopeRecent ListScope = "recent"
	// ScopeFavorites lists live nodes flagged as favorite.
	ScopeFavorites ListScope = "favorites"
	// ScopeShared lists live nodes flagged as shared.
	ScopeShared ListScope = "shared"
	// ScopeTrash lists soft-deleted nodes, newest deletion first.
	ScopeTrash ListScope = "trash"
)

// ListFilter narrows a listing. Parent is only read for ScopeFolder,
// where nil addresses the owner's root.
type ListFilter struct {
	Scope  ListScope
	Parent *uuid.UUID
}

// MultipartSession is the persisted record of an in-flight chunked
// upload. It backs auditing and expiry cleanup; the token signed at
// initiation is the source of truth while chunks stream.
type MultipartSession struct {
	ID        uuid.UUID `json:"id"`
	FileID    uuid.UUID `json:"fileID"`
	UploadID  string    `json:"uploadID"`
	OwnerID   uuid.UUID `json:"ownerID"`
	Filename  string    `json:"filename"`
	TotalSize int64     `json:"totalSize"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the session passed its deadline at the given
// instant.
func (s *MultipartSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// UserQuota is a point-in-time view of an owner's storage accounting.
type UserQuota struct {
	OwnerID    uuid.UUID `json:"ownerID"`
	UsedBytes  int64     `json:"usedBytes"`
	LimitBytes int64     `json:"limitBytes"`
	TierName   string    `json:"tierName"`
}

// Remaining returns the bytes still reservable under the tier limit.
func (q *UserQuota) Remaining() int64 {
	if q.UsedBytes >= q.LimitBytes {
		return 0
	}
	return q.LimitBytes - q.UsedBytes
}
