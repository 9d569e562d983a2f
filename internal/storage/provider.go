package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Common provider errors. Callers classify on these with errors.Is and on
// ProviderError for backend faults.
var (
	// ErrNotFound indicates the requested object does not exist.
	ErrNotFound = errors.New("storage: object not found")

	// ErrOversizeStream indicates a stream exceeded its declared maximum
	// while being consumed. The partial write is cleaned up by the provider.
	ErrOversizeStream = errors.New("storage: stream exceeds declared maximum")

	// ErrBadChunkSet indicates a multipart completion referenced chunks that
	// are missing, corrupt, or inconsistent with their recorded etags.
	ErrBadChunkSet = errors.New("storage: incomplete or invalid chunk set")

	// ErrInvalidRange indicates a requested byte range that cannot be
	// satisfied by the object.
	ErrInvalidRange = errors.New("storage: requested range not satisfiable")
)

// ProviderError wraps a backend fault and classifies it as transient
// (retryable: timeouts, 5xx, connection resets) or fatal (misconfiguration,
// permission errors, invalid state).
type ProviderError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *ProviderError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("storage: %s failed (%s): %v", e.Op, kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a retryable provider fault.
func IsTransient(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Transient
}

// Part identifies one uploaded chunk of a multipart upload. The ETag is
// provider-issued and must be echoed back verbatim on completion.
type Part struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
	Size       int64  `json:"size"`
}

// ObjectInfo describes a stored object or the slice of it being returned.
// Size is the length of the returned stream; TotalSize the full object size
// (they differ only for ranged reads).
type ObjectInfo struct {
	Size         int64
	TotalSize    int64
	ETag         string
	LastModified time.Time
}

// ByteRange is an inclusive byte range, parsed from an HTTP Range header.
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes the range covers.
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// Provider is the blob-side contract of the drive. Metadata lives elsewhere;
// providers store and retrieve opaque byte streams addressed by file id and
// owner id. Implementations must stream (no whole-file buffering) and must
// leave nothing behind when a write fails partway.
type Provider interface {
	// Save streams data into the object for fileID. When maxSize >= 0 the
	// stream is failed with ErrOversizeStream once more than maxSize bytes
	// arrive. Returns the number of bytes actually written.
	Save(ctx context.Context, fileID, ownerID string, data io.Reader, maxSize int64) (int64, error)

	// Download opens the object for reading, optionally limited to a byte
	// range. The caller owns the returned ReadCloser.
	Download(ctx context.Context, fileID, ownerID string, rng *ByteRange) (io.ReadCloser, *ObjectInfo, error)

	// Delete removes the object. Deleting an absent object is not an error.
	Delete(ctx context.Context, fileID, ownerID string) error

	// Exists reports whether the object is present.
	Exists(ctx context.Context, fileID, ownerID string) (bool, error)

	// InitiateMultipart starts a chunked upload and returns the provider's
	// upload id for it.
	InitiateMultipart(ctx context.Context, fileID, ownerID string) (string, error)

	// UploadPart stores one chunk. partNumber is 1-based; size is the
	// declared chunk length and is enforced while streaming.
	UploadPart(ctx context.Context, fileID, ownerID, uploadID string, partNumber int, data io.Reader, size int64) (Part, error)

	// CompleteMultipart assembles the final object from parts, which the
	// caller supplies in ascending part-number order. Each part's etag is
	// verified against what was stored. Returns the assembled size when the
	// backend reports one (0 means unknown).
	CompleteMultipart(ctx context.Context, fileID, ownerID, uploadID string, parts []Part) (int64, error)

	// AbortMultipart discards all chunks of an upload. Aborting an unknown
	// or already-finished upload is not an error.
	AbortMultipart(ctx context.Context, fileID, ownerID, uploadID string) error

	// Name returns the provider name for logs and health reporting.
	Name() string
}

// HealthChecker is implemented by providers that can probe their backend.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// UserDataManager is an optional capability for backends that key objects by
// owner and can therefore enumerate a user's data as a prefix.
type UserDataManager interface {
	// DeleteUserData removes every object belonging to the owner.
	DeleteUserData(ctx context.Context, ownerID string) error

	// UserStorageSize sums the stored bytes belonging to the owner.
	UserStorageSize(ctx context.Context, ownerID string) (int64, error)
}

// transient wraps err as a retryable provider fault.
func transient(op string, err error) error {
	return &ProviderError{Op: op, Transient: true, Err: err}
}

// fatal wraps err as a non-retryable provider fault.
func fatal(op string, err error) error {
	return &ProviderError{Op: op, Transient: false, Err: err}
}
