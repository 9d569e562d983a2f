package storage

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// chunkDirName is the staging area for in-flight multipart uploads, kept out
// of the two-hex fan-out namespace so object keys can never collide with it.
const chunkDirName = "_chunks"

// LocalProvider stores objects on the local filesystem. Objects live under
// {root}/{first two hex chars of file id}/{file id} so no single directory
// grows unbounded; multipart chunks are staged under
// {root}/_chunks/{file id}/{upload id}/part_{N} until completed or aborted.
type LocalProvider struct {
	root string
}

// NewLocalProvider creates a filesystem-backed provider rooted at root.
func NewLocalProvider(root string) (*LocalProvider, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}

	log.Info().Str("root", root).Msg("Local storage initialized")

	return &LocalProvider{root: root}, nil
}

// Name returns the provider name.
func (lp *LocalProvider) Name() string {
	return "local"
}

// Health checks that the storage root is accessible and writable.
func (lp *LocalProvider) Health(ctx context.Context) error {
	if _, err := os.Stat(lp.root); err != nil {
		return fmt.Errorf("storage root not accessible: %w", err)
	}

	probe := filepath.Join(lp.root, ".health_check")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("storage root not writable: %w", err)
	}
	os.Remove(probe)

	return nil
}

// objectPath returns the final location for a file id. Owner is not part of
// the key on this backend; ids are globally unique.
func (lp *LocalProvider) objectPath(fileID string) string {
	fan := fileID
	if len(fan) > 2 {
		fan = fan[:2]
	}
	return filepath.Join(lp.root, fan, fileID)
}

// uploadDir returns the chunk staging directory for one multipart upload.
func (lp *LocalProvider) uploadDir(fileID, uploadID string) string {
	return filepath.Join(lp.root, chunkDirName, fileID, uploadID)
}

func partName(partNumber int) string {
	return "part_" + strconv.Itoa(partNumber)
}

// Save streams data into the object for fileID, enforcing maxSize while
// reading. The stream lands in a temp file that is renamed into place, so a
// failed write leaves a fresh key absent and an overwritten key untouched.
func (lp *LocalProvider) Save(ctx context.Context, fileID, ownerID string, data io.Reader, maxSize int64) (int64, error) {
	objPath := lp.objectPath(fileID)

	if err := os.MkdirAll(filepath.Dir(objPath), 0o700); err != nil {
		return 0, fatal("save", err)
	}

	tmpPath := objPath + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fatal("save", err)
	}

	// Hash while writing so the etag costs no second pass.
	hash := md5.New()
	counted := NewByteCountingReader(data, maxSize)

	written, err := io.Copy(io.MultiWriter(file, hash), counted)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmpPath, objPath)
	}
	if err != nil {
		os.Remove(tmpPath)
		if errors.Is(err, ErrOversizeStream) {
			return 0, ErrOversizeStream
		}
		return 0, fatal("save", err)
	}

	log.Debug().
		Str("file_id", fileID).
		Str("owner_id", ownerID).
		Int64("size", written).
		Str("etag", hex.EncodeToString(hash.Sum(nil))).
		Msg("File saved to local storage")

	return written, nil
}

// limitedReadCloser serves a byte range while closing the underlying file.
type limitedReadCloser struct {
	reader io.Reader
	closer io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) {
	return l.reader.Read(p)
}

func (l *limitedReadCloser) Close() error {
	return l.closer.Close()
}

// Download opens the object, optionally restricted to a byte range.
func (lp *LocalProvider) Download(ctx context.Context, fileID, ownerID string, rng *ByteRange) (io.ReadCloser, *ObjectInfo, error) {
	objPath := lp.objectPath(fileID)

	info, err := os.Stat(objPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fatal("download", err)
	}

	file, err := os.Open(objPath)
	if err != nil {
		return nil, nil, fatal("download", err)
	}

	total := info.Size()
	obj := &ObjectInfo{
		Size:         total,
		TotalSize:    total,
		LastModified: info.ModTime(),
	}

	if rng == nil {
		return file, obj, nil
	}

	start, end := rng.Start, rng.End
	if end >= total {
		end = total - 1
	}
	if start < 0 || start > end || start >= total {
		file.Close()
		return nil, nil, ErrInvalidRange
	}
	if _, err := file.Seek(start, io.SeekStart); err != nil {
		file.Close()
		return nil, nil, fatal("download", err)
	}

	obj.Size = end - start + 1
	return &limitedReadCloser{
		reader: io.LimitReader(file, obj.Size),
		closer: file,
	}, obj, nil
}

// Delete removes the object and any chunk residue left for its file id.
// Absent objects are not an error.
func (lp *LocalProvider) Delete(ctx context.Context, fileID, ownerID string) error {
	objPath := lp.objectPath(fileID)

	if err := os.Remove(objPath); err != nil && !os.IsNotExist(err) {
		return fatal("delete", err)
	}
	if err := os.RemoveAll(filepath.Join(lp.root, chunkDirName, fileID)); err != nil {
		return fatal("delete", err)
	}

	log.Debug().
		Str("file_id", fileID).
		Str("owner_id", ownerID).
		Msg("File deleted from local storage")

	return nil
}

// Exists reports whether the object is present.
func (lp *LocalProvider) Exists(ctx context.Context, fileID, ownerID string) (bool, error) {
	if _, err := os.Stat(lp.objectPath(fileID)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fatal("exists", err)
	}
	return true, nil
}

// InitiateMultipart creates a staging directory for a new chunked upload and
// returns its opaque upload id.
func (lp *LocalProvider) InitiateMultipart(ctx context.Context, fileID, ownerID string) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fatal("initiate multipart", err)
	}
	uploadID := hex.EncodeToString(buf)

	if err := os.MkdirAll(lp.uploadDir(fileID, uploadID), 0o700); err != nil {
		return "", fatal("initiate multipart", err)
	}

	log.Debug().
		Str("file_id", fileID).
		Str("upload_id", uploadID).
		Msg("Multipart upload initiated on local storage")

	return uploadID, nil
}

// UploadPart stores one chunk, enforcing the declared size while streaming.
// Re-uploading a part number overwrites the previous chunk.
func (lp *LocalProvider) UploadPart(ctx context.Context, fileID, ownerID, uploadID string, partNumber int, data io.Reader, size int64) (Part, error) {
	dir := lp.uploadDir(fileID, uploadID)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return Part{}, ErrNotFound
		}
		return Part{}, fatal("upload part", err)
	}

	partPath := filepath.Join(dir, partName(partNumber))
	file, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return Part{}, fatal("upload part", err)
	}

	hash := md5.New()
	counted := NewByteCountingReader(data, size)

	written, err := io.Copy(io.MultiWriter(file, hash), counted)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(partPath)
		if errors.Is(err, ErrOversizeStream) {
			return Part{}, ErrOversizeStream
		}
		return Part{}, fatal("upload part", err)
	}

	return Part{
		PartNumber: partNumber,
		ETag:       hex.EncodeToString(hash.Sum(nil)),
		Size:       written,
	}, nil
}

// CompleteMultipart concatenates the listed parts, in the ascending order the
// caller supplies them, into the final object. Every part must exist and
// match its recorded etag; otherwise the chunk set is rejected and left in
// place so the upload can be retried or aborted.
func (lp *LocalProvider) CompleteMultipart(ctx context.Context, fileID, ownerID, uploadID string, parts []Part) (int64, error) {
	dir := lp.uploadDir(fileID, uploadID)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, fatal("complete multipart", err)
	}

	objPath := lp.objectPath(fileID)
	if err := os.MkdirAll(filepath.Dir(objPath), 0o700); err != nil {
		return 0, fatal("complete multipart", err)
	}

	// Assemble into a temp file first so the final key only ever holds a
	// complete object.
	tmpPath := objPath + ".tmp"
	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fatal("complete multipart", err)
	}

	var total int64
	for _, part := range parts {
		n, err := lp.appendPart(dst, dir, part)
		if err != nil {
			dst.Close()
			os.Remove(tmpPath)
			return 0, err
		}
		total += n
	}

	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fatal("complete multipart", err)
	}
	if err := os.Rename(tmpPath, objPath); err != nil {
		os.Remove(tmpPath)
		return 0, fatal("complete multipart", err)
	}

	// Chunks are no longer needed once the object is in place.
	if err := os.RemoveAll(filepath.Join(lp.root, chunkDirName, fileID)); err != nil {
		log.Warn().Err(err).
			Str("file_id", fileID).
			Str("upload_id", uploadID).
			Msg("Failed to remove chunk directory after completion")
	}

	log.Debug().
		Str("file_id", fileID).
		Str("upload_id", uploadID).
		Int("parts", len(parts)).
		Int64("size", total).
		Msg("Multipart upload completed on local storage")

	return total, nil
}

// appendPart copies one chunk into dst, verifying its md5 etag on the way.
func (lp *LocalProvider) appendPart(dst io.Writer, dir string, part Part) (int64, error) {
	src, err := os.Open(filepath.Join(dir, partName(part.PartNumber)))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("part %d missing: %w", part.PartNumber, ErrBadChunkSet)
		}
		return 0, fatal("complete multipart", err)
	}
	defer src.Close()

	hash := md5.New()
	n, err := io.Copy(io.MultiWriter(dst, hash), src)
	if err != nil {
		return 0, fatal("complete multipart", err)
	}

	if etag := hex.EncodeToString(hash.Sum(nil)); etag != part.ETag {
		return 0, fmt.Errorf("part %d etag mismatch: %w", part.PartNumber, ErrBadChunkSet)
	}
	return n, nil
}

// AbortMultipart discards the staged chunks of an upload. Unknown uploads
// are ignored.
func (lp *LocalProvider) AbortMultipart(ctx context.Context, fileID, ownerID, uploadID string) error {
	if err := os.RemoveAll(lp.uploadDir(fileID, uploadID)); err != nil {
		return fatal("abort multipart", err)
	}

	// Drop the per-file staging directory too when this was its last upload.
	fileDir := filepath.Join(lp.root, chunkDirName, fileID)
	if entries, err := os.ReadDir(fileDir); err == nil && len(entries) == 0 {
		os.Remove(fileDir)
	}

	log.Debug().
		Str("file_id", fileID).
		Str("upload_id", uploadID).
		Msg("Multipart upload aborted on local storage")

	return nil
}

// StagedParts lists the chunks currently staged for an upload, ascending by
// part number. This is the observation side of staging: completion trusts
// the caller's manifest instead of this listing.
func (lp *LocalProvider) StagedParts(fileID, uploadID string) ([]Part, error) {
	dir := lp.uploadDir(fileID, uploadID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fatal("list parts", err)
	}

	var parts []Part
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		num, err := strconv.Atoi(strings.TrimPrefix(entry.Name(), "part_"))
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		parts = append(parts, Part{PartNumber: num, Size: info.Size()})
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}
