package storage

import (
	"context"
	"io"
	"time"

	"github.com/cirrusdrive/cirrus/internal/observability"
)

// OperationRecorder receives timing and volume for provider calls. It is
// satisfied by the observability metrics registry; the indirection lets
// tests swap in a fake.
type OperationRecorder interface {
	RecordStorageOperation(operation, backend string, bytes int64, duration time.Duration, err error)
}

// InstrumentedProvider decorates a Provider with per-operation metrics and
// client trace spans. Byte counts reflect what the operation moved: bytes
// written for saves and parts, the opened stream length for downloads, the
// assembled size for completions.
type InstrumentedProvider struct {
	inner Provider
	rec   OperationRecorder
}

// NewInstrumentedProvider wraps inner. A nil recorder returns inner
// unwrapped.
func NewInstrumentedProvider(inner Provider, rec OperationRecorder) Provider {
	if rec == nil {
		return inner
	}
	return &InstrumentedProvider{inner: inner, rec: rec}
}

func (ip *InstrumentedProvider) Name() string {
	return ip.inner.Name()
}

func (ip *InstrumentedProvider) Save(ctx context.Context, fileID, ownerID string, data io.Reader, maxSize int64) (int64, error) {
	ctx, span := observability.StartStorageSpan(ctx, "save", ip.inner.Name(), ownerID+"/"+fileID)
	start := time.Now()
	n, err := ip.inner.Save(ctx, fileID, ownerID, data, maxSize)
	observability.EndSpan(span, err)
	ip.rec.RecordStorageOperation("save", ip.inner.Name(), n, time.Since(start), err)
	return n, err
}

func (ip *InstrumentedProvider) Download(ctx context.Context, fileID, ownerID string, rng *ByteRange) (io.ReadCloser, *ObjectInfo, error) {
	ctx, span := observability.StartStorageSpan(ctx, "download", ip.inner.Name(), ownerID+"/"+fileID)
	start := time.Now()
	rc, info, err := ip.inner.Download(ctx, fileID, ownerID, rng)
	observability.EndSpan(span, err)
	var bytes int64
	if info != nil {
		bytes = info.Size
	}
	ip.rec.RecordStorageOperation("download", ip.inner.Name(), bytes, time.Since(start), err)
	return rc, info, err
}

func (ip *InstrumentedProvider) Delete(ctx context.Context, fileID, ownerID string) error {
	ctx, span := observability.StartStorageSpan(ctx, "delete", ip.inner.Name(), ownerID+"/"+fileID)
	start := time.Now()
	err := ip.inner.Delete(ctx, fileID, ownerID)
	observability.EndSpan(span, err)
	ip.rec.RecordStorageOperation("delete", ip.inner.Name(), 0, time.Since(start), err)
	return err
}

func (ip *InstrumentedProvider) Exists(ctx context.Context, fileID, ownerID string) (bool, error) {
	ctx, span := observability.StartStorageSpan(ctx, "exists", ip.inner.Name(), ownerID+"/"+fileID)
	start := time.Now()
	ok, err := ip.inner.Exists(ctx, fileID, ownerID)
	observability.EndSpan(span, err)
	ip.rec.RecordStorageOperation("exists", ip.inner.Name(), 0, time.Since(start), err)
	return ok, err
}

func (ip *InstrumentedProvider) InitiateMultipart(ctx context.Context, fileID, ownerID string) (string, error) {
	ctx, span := observability.StartStorageSpan(ctx, "initiate_multipart", ip.inner.Name(), ownerID+"/"+fileID)
	start := time.Now()
	uploadID, err := ip.inner.InitiateMultipart(ctx, fileID, ownerID)
	observability.EndSpan(span, err)
	ip.rec.RecordStorageOperation("initiate_multipart", ip.inner.Name(), 0, time.Since(start), err)
	return uploadID, err
}

func (ip *InstrumentedProvider) UploadPart(ctx context.Context, fileID, ownerID, uploadID string, partNumber int, data io.Reader, size int64) (Part, error) {
	ctx, span := observability.StartStorageSpan(ctx, "upload_part", ip.inner.Name(), ownerID+"/"+fileID)
	start := time.Now()
	part, err := ip.inner.UploadPart(ctx, fileID, ownerID, uploadID, partNumber, data, size)
	observability.EndSpan(span, err)
	ip.rec.RecordStorageOperation("upload_part", ip.inner.Name(), part.Size, time.Since(start), err)
	return part, err
}

func (ip *InstrumentedProvider) CompleteMultipart(ctx context.Context, fileID, ownerID, uploadID string, parts []Part) (int64, error) {
	ctx, span := observability.StartStorageSpan(ctx, "complete_multipart", ip.inner.Name(), ownerID+"/"+fileID)
	start := time.Now()
	size, err := ip.inner.CompleteMultipart(ctx, fileID, ownerID, uploadID, parts)
	observability.EndSpan(span, err)
	ip.rec.RecordStorageOperation("complete_multipart", ip.inner.Name(), size, time.Since(start), err)
	return size, err
}

func (ip *InstrumentedProvider) AbortMultipart(ctx context.Context, fileID, ownerID, uploadID string) error {
	ctx, span := observability.StartStorageSpan(ctx, "abort_multipart", ip.inner.Name(), ownerID+"/"+fileID)
	start := time.Now()
	err := ip.inner.AbortMultipart(ctx, fileID, ownerID, uploadID)
	observability.EndSpan(span, err)
	ip.rec.RecordStorageOperation("abort_multipart", ip.inner.Name(), 0, time.Since(start), err)
	return err
}

// Health probes the wrapped provider's backend when it supports checks.
func (ip *InstrumentedProvider) Health(ctx context.Context) error {
	hc, ok := ip.inner.(HealthChecker)
	if !ok {
		return nil
	}
	ctx, span := observability.StartStorageSpan(ctx, "health", ip.inner.Name(), "")
	start := time.Now()
	err := hc.Health(ctx)
	observability.EndSpan(span, err)
	ip.rec.RecordStorageOperation("health", ip.inner.Name(), 0, time.Since(start), err)
	return err
}
