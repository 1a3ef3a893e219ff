package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API is the subset of *s3.Client this package calls, narrowed to an
// interface in the style of buildbarn-bb-storage's S3Client wrapper so
// tests can substitute a fake. One client satisfies both SourceClient and
// TargetClient; the source only ever calls HeadObject.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPartCopy(ctx context.Context, params *s3.UploadPartCopyInput, optFns ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

var _ S3API = (*s3.Client)(nil)

// S3Client implements both SourceClient and TargetClient against the S3
// API. The source and target buckets may live in different accounts and
// regions; the caller constructs a separate S3Client per role (see
// cmd/mirror's client wiring, which applies AssumeRole credentials only to
// the target when AWS.TargetAssumeRoleARN is set).
type S3Client struct {
	api S3API
}

// NewS3Client wraps an S3 API client.
func NewS3Client(api S3API) *S3Client {
	return &S3Client{api: api}
}

func (c *S3Client) Head(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return ObjectInfo{}, ErrNotFound
		}
		return ObjectInfo{}, fmt.Errorf("head object: %w", err)
	}

	info := ObjectInfo{Metadata: out.Metadata}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	if out.ETag != nil {
		info.ETag = *out.ETag
	}
	if out.ContentType != nil {
		info.ContentType = *out.ContentType
	}
	return info, nil
}

func (c *S3Client) CopySingle(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string, meta ObjectInfo) error {
	_, err := c.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(dstBucket),
		Key:               aws.String(dstKey),
		CopySource:        aws.String(copySource(srcBucket, srcKey)),
		MetadataDirective: types.MetadataDirectiveCopy,
	})
	if err != nil {
		return fmt.Errorf("copy object: %w", err)
	}
	return nil
}

func (c *S3Client) InitiateMultipart(ctx context.Context, bucket, key string, meta ObjectInfo) (string, error) {
	out, err := c.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		ContentType: nonEmptyPtr(meta.ContentType),
	})
	if err != nil {
		return "", fmt.Errorf("create multipart upload: %w", err)
	}
	if out.UploadId == nil {
		return "", errors.New("create multipart upload: empty upload id")
	}
	return *out.UploadId, nil
}

func (c *S3Client) CopyPart(ctx context.Context, bucket, key, uploadID string, partNumber int, srcBucket, srcKey string, rangeLo, rangeHi int64) (string, error) {
	out, err := c.api.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		PartNumber:      aws.Int32(int32(partNumber)),
		CopySource:      aws.String(copySource(srcBucket, srcKey)),
		CopySourceRange: aws.String(fmt.Sprintf("bytes=%d-%d", rangeLo, rangeHi)),
	})
	if err != nil {
		return "", fmt.Errorf("upload part copy %d: %w", partNumber, err)
	}
	if out.CopyPartResult == nil || out.CopyPartResult.ETag == nil {
		return "", fmt.Errorf("upload part copy %d: empty etag", partNumber)
	}
	return *out.CopyPartResult.ETag, nil
}

func (c *S3Client) CompleteMultipart(ctx context.Context, bucket, key, uploadID string, parts []Part) error {
	sorted := make([]Part, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

	completed := make([]types.CompletedPart, 0, len(sorted))
	for _, p := range sorted {
		completed = append(completed, types.CompletedPart{
			PartNumber: aws.Int32(int32(p.Number)),
			ETag:       aws.String(p.ETag),
		})
	}

	_, err := c.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		return fmt.Errorf("complete multipart upload: %w", err)
	}
	return nil
}

func (c *S3Client) AbortMultipart(ctx context.Context, bucket, key, uploadID string) error {
	_, err := c.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return fmt.Errorf("abort multipart upload: %w", err)
	}
	return nil
}

func (c *S3Client) Delete(ctx context.Context, bucket, key string) error {
	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// copySource builds the x-amz-copy-source value, URL-encoding the key the
// way the AWS SDKs require (path-escaped, slashes preserved).
func copySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return bucket + "/" + strings.Join(segments, "/")
}

func nonEmptyPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// isNotFound reports whether err is S3's NotFound / NoSuchKey code.
func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "404":
			return true
		}
	}
	return false
}
