// Package objectstore defines the source-store and target-store contracts
// from §6 and an AWS S3 implementation shared by both (the source is S3
// Standard, the target is S3 Express One Zone or another single-zone,
// S3-API-compatible bucket).
package objectstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Head when the object does not exist. Callers
// that treat a missing source object as success (§4.2 step 1) check for it
// with errors.Is. Delete does not return it: a missing object is reported
// as a successful delete.
var ErrNotFound = errors.New("object not found")

// ObjectInfo is the metadata a head call returns.
type ObjectInfo struct {
	Size        int64
	ETag        string
	ContentType string
	Metadata    map[string]string
}

// Part is one completed multipart part, ready for CompleteMultipart.
type Part struct {
	Number int
	ETag   string
}

// SourceClient is the source-store contract from §6: a single read-only
// operation.
type SourceClient interface {
	Head(ctx context.Context, bucket, key string) (ObjectInfo, error)
}

// TargetClient is the target-store contract from §6, used by the copy
// engine (C2) and delete engine (C3).
type TargetClient interface {
	Head(ctx context.Context, bucket, key string) (ObjectInfo, error)

	// CopySingle performs one server-side copy call. No bytes flow
	// through the caller's process.
	CopySingle(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string, meta ObjectInfo) error

	InitiateMultipart(ctx context.Context, bucket, key string, meta ObjectInfo) (uploadID string, err error)

	// CopyPart performs one server-side range-copy into an in-progress
	// multipart upload.
	CopyPart(ctx context.Context, bucket, key, uploadID string, partNumber int, srcBucket, srcKey string, rangeLo, rangeHi int64) (etag string, err error)

	CompleteMultipart(ctx context.Context, bucket, key, uploadID string, parts []Part) error

	AbortMultipart(ctx context.Context, bucket, key, uploadID string) error

	Delete(ctx context.Context, bucket, key string) error
}
