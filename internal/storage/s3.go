package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

// S3Provider stores objects in a single bucket of an S3-compatible backend
// (AWS S3, MinIO, Wasabi, ...). Objects are keyed {owner_id}/{file_id} so a
// user's data forms one prefix; multipart uploads use the backend's native
// multipart API through minio.Core.
type S3Provider struct {
	core   *minio.Core
	bucket string
	region string
}

// NewS3Provider creates an S3-compatible provider and ensures the bucket
// exists.
func NewS3Provider(ctx context.Context, endpoint, accessKey, secretKey, bucket, region string, useSSL bool) (*S3Provider, error) {
	core, err := minio.NewCore(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	exists, err := core.Client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := core.Client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	log.Info().
		Str("endpoint", endpoint).
		Str("bucket", bucket).
		Str("region", region).
		Bool("ssl", useSSL).
		Msg("S3-compatible storage initialized")

	return &S3Provider{core: core, bucket: bucket, region: region}, nil
}

// Name returns the provider name.
func (sp *S3Provider) Name() string {
	return "s3"
}

// Health probes the backend by checking the bucket.
func (sp *S3Provider) Health(ctx context.Context) error {
	exists, err := sp.core.Client.BucketExists(ctx, sp.bucket)
	if err != nil {
		return fmt.Errorf("S3 health check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("S3 bucket %q does not exist", sp.bucket)
	}
	return nil
}

func (sp *S3Provider) objectKey(fileID, ownerID string) string {
	return ownerID + "/" + fileID
}

// classify maps a minio error onto the provider error taxonomy. Backend 5xx,
// throttling, and plain network faults are transient; everything else is
// fatal.
func (sp *S3Provider) classify(op string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchUpload":
		return ErrNotFound
	case "SlowDown", "InternalError", "ServiceUnavailable", "RequestTimeout":
		return transient(op, err)
	}
	if resp.StatusCode >= 500 {
		return transient(op, err)
	}
	if resp.Code == "" && resp.StatusCode == 0 {
		// No S3 response at all: connection refused, DNS, timeout.
		return transient(op, err)
	}
	return fatal(op, err)
}

// Save streams data into the object for fileID, enforcing maxSize while
// reading. The size is passed as unknown so the backend accepts streams whose
// exact length is not known up front.
func (sp *S3Provider) Save(ctx context.Context, fileID, ownerID string, data io.Reader, maxSize int64) (int64, error) {
	counted := NewByteCountingReader(data, maxSize)

	info, err := sp.core.Client.PutObject(ctx, sp.bucket, sp.objectKey(fileID, ownerID), counted, -1, minio.PutObjectOptions{})
	if err != nil {
		if errors.Is(counted.Err(), ErrOversizeStream) {
			return 0, ErrOversizeStream
		}
		return 0, sp.classify("save", err)
	}

	// Streamed puts ride the backend's internal multipart path, which
	// does not always report the assembled size back.
	size := info.Size
	if size == 0 {
		size = counted.BytesRead()
	}

	log.Debug().
		Str("file_id", fileID).
		Str("owner_id", ownerID).
		Int64("size", size).
		Msg("File saved to S3")

	return size, nil
}

// Download opens the object, optionally restricted to a byte range.
func (sp *S3Provider) Download(ctx context.Context, fileID, ownerID string, rng *ByteRange) (io.ReadCloser, *ObjectInfo, error) {
	key := sp.objectKey(fileID, ownerID)

	stat, err := sp.core.Client.StatObject(ctx, sp.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, nil, sp.classify("download", err)
	}

	obj := &ObjectInfo{
		Size:         stat.Size,
		TotalSize:    stat.Size,
		ETag:         stat.ETag,
		LastModified: stat.LastModified,
	}

	getOpts := minio.GetObjectOptions{}
	if rng != nil {
		start, end := rng.Start, rng.End
		if end >= stat.Size {
			end = stat.Size - 1
		}
		if start < 0 || start > end || start >= stat.Size {
			return nil, nil, ErrInvalidRange
		}
		if err := getOpts.SetRange(start, end); err != nil {
			return nil, nil, fatal("download", err)
		}
		obj.Size = end - start + 1
	}

	reader, err := sp.core.Client.GetObject(ctx, sp.bucket, key, getOpts)
	if err != nil {
		return nil, nil, sp.classify("download", err)
	}

	return reader, obj, nil
}

// Delete removes the object. S3 treats removing an absent key as success,
// which matches the idempotency contract.
func (sp *S3Provider) Delete(ctx context.Context, fileID, ownerID string) error {
	key := sp.objectKey(fileID, ownerID)

	if err := sp.core.Client.RemoveObject(ctx, sp.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if cerr := sp.classify("delete", err); !errors.Is(cerr, ErrNotFound) {
			return cerr
		}
	}

	log.Debug().
		Str("file_id", fileID).
		Str("owner_id", ownerID).
		Msg("File deleted from S3")

	return nil
}

// Exists reports whether the object is present.
func (sp *S3Provider) Exists(ctx context.Context, fileID, ownerID string) (bool, error) {
	_, err := sp.core.Client.StatObject(ctx, sp.bucket, sp.objectKey(fileID, ownerID), minio.StatObjectOptions{})
	if err != nil {
		cerr := sp.classify("exists", err)
		if errors.Is(cerr, ErrNotFound) {
			return false, nil
		}
		return false, cerr
	}
	return true, nil
}

// InitiateMultipart starts a native multipart upload on the backend.
func (sp *S3Provider) InitiateMultipart(ctx context.Context, fileID, ownerID string) (string, error) {
	uploadID, err := sp.core.NewMultipartUpload(ctx, sp.bucket, sp.objectKey(fileID, ownerID), minio.PutObjectOptions{})
	if err != nil {
		return "", sp.classify("initiate multipart", err)
	}

	log.Debug().
		Str("file_id", fileID).
		Str("upload_id", uploadID).
		Msg("Multipart upload initiated on S3")

	return uploadID, nil
}

// UploadPart streams one chunk to the backend, enforcing the declared size.
// The backend issues the part's etag.
func (sp *S3Provider) UploadPart(ctx context.Context, fileID, ownerID, uploadID string, partNumber int, data io.Reader, size int64) (Part, error) {
	counted := NewByteCountingReader(data, size)

	part, err := sp.core.PutObjectPart(ctx, sp.bucket, sp.objectKey(fileID, ownerID), uploadID, partNumber, counted, size, minio.PutObjectPartOptions{})
	if err != nil {
		if errors.Is(counted.Err(), ErrOversizeStream) {
			return Part{}, ErrOversizeStream
		}
		return Part{}, sp.classify("upload part", err)
	}

	return Part{
		PartNumber: part.PartNumber,
		ETag:       part.ETag,
		Size:       part.Size,
	}, nil
}

// CompleteMultipart assembles the final object from the listed parts. The
// backend verifies part etags; a rejected manifest surfaces as
// ErrBadChunkSet so the caller can retry with a corrected one.
func (sp *S3Provider) CompleteMultipart(ctx context.Context, fileID, ownerID, uploadID string, parts []Part) (int64, error) {
	completeParts := make([]minio.CompletePart, 0, len(parts))
	for _, part := range parts {
		completeParts = append(completeParts, minio.CompletePart{
			PartNumber: part.PartNumber,
			ETag:       part.ETag,
		})
	}

	info, err := sp.core.CompleteMultipartUpload(ctx, sp.bucket, sp.objectKey(fileID, ownerID), uploadID, completeParts, minio.PutObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		switch resp.Code {
		case "InvalidPart", "InvalidPartOrder", "EntityTooSmall":
			return 0, fmt.Errorf("%s: %w", resp.Code, ErrBadChunkSet)
		}
		return 0, sp.classify("complete multipart", err)
	}

	log.Debug().
		Str("file_id", fileID).
		Str("upload_id", uploadID).
		Int("parts", len(parts)).
		Int64("size", info.Size).
		Msg("Multipart upload completed on S3")

	return info.Size, nil
}

// AbortMultipart discards the upload on the backend. Unknown uploads are
// ignored so aborts stay idempotent.
func (sp *S3Provider) AbortMultipart(ctx context.Context, fileID, ownerID, uploadID string) error {
	err := sp.core.AbortMultipartUpload(ctx, sp.bucket, sp.objectKey(fileID, ownerID), uploadID)
	if err != nil {
		if cerr := sp.classify("abort multipart", err); !errors.Is(cerr, ErrNotFound) {
			return cerr
		}
	}

	log.Debug().
		Str("file_id", fileID).
		Str("upload_id", uploadID).
		Msg("Multipart upload aborted on S3")

	return nil
}

// DeleteUserData bulk-removes every object under the owner's prefix. The
// listing paginates internally via continuation tokens.
func (sp *S3Provider) DeleteUserData(ctx context.Context, ownerID string) error {
	objectsCh := make(chan minio.ObjectInfo)

	go func() {
		defer close(objectsCh)
		for object := range sp.core.Client.ListObjects(ctx, sp.bucket, minio.ListObjectsOptions{
			Prefix:    ownerID + "/",
			Recursive: true,
		}) {
			if object.Err != nil {
				log.Error().Err(object.Err).
					Str("owner_id", ownerID).
					Msg("Failed to list user objects for deletion")
				return
			}
			objectsCh <- object
		}
	}()

	for rErr := range sp.core.Client.RemoveObjects(ctx, sp.bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		if rErr.Err != nil {
			return sp.classify("delete user data", rErr.Err)
		}
	}

	log.Info().Str("owner_id", ownerID).Msg("User data deleted from S3")
	return nil
}

// UserStorageSize sums the stored bytes under the owner's prefix.
func (sp *S3Provider) UserStorageSize(ctx context.Context, ownerID string) (int64, error) {
	var total int64
	for object := range sp.core.Client.ListObjects(ctx, sp.bucket, minio.ListObjectsOptions{
		Prefix:    ownerID + "/",
		Recursive: true,
	}) {
		if object.Err != nil {
			return 0, sp.classify("user storage size", object.Err)
		}
		total += object.Size
	}
	return total, nil
}
