// Package drive implements the core of the file service: metadata,
// quota accounting, upload orchestration and multipart sessions.
package drive

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/cirrusdrive/cirrus/internal/database"
	"github.com/cirrusdrive/cirrus/internal/storage"
)

// Kind classifies a drive error so transports can map it to a status
// code without string matching.
type Kind string

const (
	// KindUnauthorized indicates a missing or unverifiable identity.
	KindUnauthorized Kind = "unauthorized"

	// KindForbidden indicates a verified identity acting on another
	// owner's resource.
	KindForbidden Kind = "forbidden"

	// KindNotFound indicates the resource does not exist for this owner.
	KindNotFound Kind = "not_found"

	// KindNameConflict indicates a sibling with the same name already
	// exists in the target directory.
	KindNameConflict Kind = "name_conflict"

	// KindQuotaExceeded indicates the reservation would overflow the
	// owner's storage tier.
	KindQuotaExceeded Kind = "quota_exceeded"

	// KindSizeMismatch indicates the streamed size diverged from the
	// declared size beyond tolerance.
	KindSizeMismatch Kind = "size_mismatch"

	// KindBadChunkSet indicates an invalid multipart manifest: missing
	// parts, gaps, duplicates or etag mismatches.
	KindBadChunkSet Kind = "bad_chunk_set"

	// KindOversizeStream indicates a single chunk exceeded its declared
	// ceiling while streaming.
	KindOversizeStream Kind = "oversize_stream"

	// KindConflict indicates the operation conflicts with current state,
	// such as completing an upload twice or restoring a live file.
	KindConflict Kind = "conflict"

	// KindProviderTransient indicates a retryable backend failure.
	KindProviderTransient Kind = "provider_transient"

	// KindProviderFatal indicates a non-retryable backend failure.
	KindProviderFatal Kind = "provider_fatal"

	// KindInternal indicates an unexpected defect.
	KindInternal Kind = "internal"
)

// Error is the error type returned by drive operations. Reason is safe
// to show to users, Key is an optional translation key for clients that
// localize, and Err preserves the cause for logs and errors.Is checks.
type Error struct {
	Kind   Kind
	Reason string
	Key    string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a drive error with a derived localization key.
func NewError(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason, Key: "drive." + string(kind)}
}

// WrapError is NewError with a preserved cause.
func WrapError(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Key: "drive." + string(kind), Err: err}
}

// KindOf extracts the Kind from err, unwrapping as needed. Errors that
// are not drive errors classify as KindInternal.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// fromStorage translates provider sentinels and ProviderError wrappers
// into drive errors. The original error stays on the chain so callers
// can still match storage sentinels with errors.Is.
func fromStorage(op string, err error) *Error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return WrapError(KindNotFound, "object not found in storage", err)
	case errors.Is(err, storage.ErrOversizeStream):
		return WrapError(KindOversizeStream, "stream exceeded the declared size", err)
	case errors.Is(err, storage.ErrBadChunkSet):
		return WrapError(KindBadChunkSet, "chunk set does not match the staged upload", err)
	case errors.Is(err, storage.ErrInvalidRange):
		return WrapError(KindConflict, "requested range is not satisfiable", err)
	}
	if storage.IsTransient(err) {
		return WrapError(KindProviderTransient, fmt.Sprintf("storage backend unavailable during %s", op), err)
	}
	return WrapError(KindProviderFatal, fmt.Sprintf("storage backend failed during %s", op), err)
}

// fromPg translates pgx errors into drive errors. Unique violations map
// to name conflicts because the only unique constraint reachable from
// user input is the sibling-name index; foreign key violations surface
// as conflicts (the referenced row disappeared mid-operation).
func fromPg(op string, err error) *Error {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return WrapError(KindNotFound, "record not found", err)
	case database.IsUniqueViolation(err):
		return WrapError(KindNameConflict, "a file with this name already exists here", err)
	case database.IsForeignKeyViolation(err):
		return WrapError(KindConflict, "a referenced record no longer exists", err)
	case database.IsSerializationFailure(err), database.IsDeadlockDetected(err):
		return WrapError(KindProviderTransient, "metadata store is busy, retry the operation", err)
	case database.IsCheckViolation(err):
		// A check constraint firing means some write skipped validation.
		return WrapError(KindInternal, fmt.Sprintf("integrity check %q failed during %s", database.GetConstraintName(err), op), err)
	}
	return WrapError(KindInternal, fmt.Sprintf("metadata store failed during %s", op), err)
}
