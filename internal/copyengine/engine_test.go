package copyengine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/onezonemirror/mirror/internal/errkind"
	"github.com/onezonemirror/mirror/internal/metrics"
	"github.com/onezonemirror/mirror/internal/objectstore"
)

type fakeStore struct {
	mu sync.Mutex

	headInfo objectstore.ObjectInfo
	headErr  error

	copySingleErr error

	uploadID       string
	initiateErr    error
	partErrs       map[int]error
	completeErr    error
	completeParts  []objectstore.Part
	aborted        bool
	abortCtxErr    error
	completeCtxErr error

	firstPartCalled chan struct{}
	partCalledOnce  sync.Once
	partCallSignal  chan struct{}
	calledParts     []int

	// failOrdinal, if non-zero, fails whichever CopyPart call happens to
	// land in that call-order position (1-based) regardless of which
	// part number it turns out to be — used to force a failure on
	// "whichever part wins the semaphore first" without needing to
	// predict scheduling order.
	failOrdinal int
}

func (f *fakeStore) Head(ctx context.Context, bucket, key string) (objectstore.ObjectInfo, error) {
	return f.headInfo, f.headErr
}

func (f *fakeStore) CopySingle(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string, meta objectstore.ObjectInfo) error {
	return f.copySingleErr
}

func (f *fakeStore) InitiateMultipart(ctx context.Context, bucket, key string, meta objectstore.ObjectInfo) (string, error) {
	return f.uploadID, f.initiateErr
}

func (f *fakeStore) CopyPart(ctx context.Context, bucket, key, uploadID string, partNumber int, srcBucket, srcKey string, lo, hi int64) (string, error) {
	if f.firstPartCalled != nil {
		f.partCalledOnce.Do(func() { close(f.firstPartCalled) })
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calledParts = append(f.calledParts, partNumber)
	ordinal := len(f.calledParts)
	if f.partCallSignal != nil {
		f.partCallSignal <- struct{}{}
	}
	if f.failOrdinal != 0 && ordinal == f.failOrdinal {
		return "", errors.New("forced failure")
	}
	if f.partErrs != nil {
		if err, ok := f.partErrs[partNumber]; ok {
			return "", err
		}
	}
	return "etag", nil
}

func (f *fakeStore) CompleteMultipart(ctx context.Context, bucket, key, uploadID string, parts []objectstore.Part) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeParts = parts
	f.completeCtxErr = ctx.Err()
	return f.completeErr
}

func (f *fakeStore) AbortMultipart(ctx context.Context, bucket, key, uploadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = true
	f.abortCtxErr = ctx.Err()
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, bucket, key string) error { return nil }

func testLogger() *zap.Logger { return zap.NewNop() }

func TestCopySourceGoneIsSuccess(t *testing.T) {
	store := &fakeStore{headErr: objectstore.ErrNotFound}
	e := New(Config{SingleCopyCeiling: 1024, PartSize: 64, CopyParallelism: 4, PartRetries: 1}, store, store, nil, testLogger())

	err := e.Copy(context.Background(), "src", "dst", "gone.txt", "cid")
	assert.NoError(t, err)
}

func TestCopySingleSmallObject(t *testing.T) {
	store := &fakeStore{headInfo: objectstore.ObjectInfo{Size: 10}}
	e := New(Config{SingleCopyCeiling: 1024, PartSize: 64, CopyParallelism: 4, PartRetries: 1}, store, store, nil, testLogger())

	err := e.Copy(context.Background(), "src", "dst", "small.txt", "cid")
	assert.NoError(t, err)
}

func TestCopyMultipartAllPartsSucceed(t *testing.T) {
	store := &fakeStore{
		headInfo: objectstore.ObjectInfo{Size: 200},
		uploadID: "upload-1",
	}
	e := New(Config{SingleCopyCeiling: 100, PartSize: 64, CopyParallelism: 4, PartRetries: 1}, store, store, nil, testLogger())

	err := e.Copy(context.Background(), "src", "dst", "big.bin", "cid")
	require.NoError(t, err)
	assert.False(t, store.aborted)
	// 200 bytes at 64-byte parts -> 4 parts (64,64,64,8)
	assert.Len(t, store.completeParts, 4)
}

func TestCopyMultipartAbortsOnPartFailure(t *testing.T) {
	store := &fakeStore{
		headInfo: objectstore.ObjectInfo{Size: 200},
		uploadID: "upload-2",
		partErrs: map[int]error{2: errors.New("part copy failed")},
	}
	e := New(Config{SingleCopyCeiling: 100, PartSize: 64, CopyParallelism: 4, PartRetries: 1}, store, store, nil, testLogger())

	err := e.Copy(context.Background(), "src", "dst", "big.bin", "cid")
	require.Error(t, err)
	ke, ok := errkind.As(err)
	require.True(t, ok)
	assert.Equal(t, errkind.CopyFailed, ke.Kind)
	assert.True(t, store.aborted)
}

func TestCopyMultipartAbortReachesStoreAfterContextCanceled(t *testing.T) {
	store := &fakeStore{
		headInfo:        objectstore.ObjectInfo{Size: 200},
		uploadID:        "upload-3",
		partErrs:        map[int]error{2: errors.New("part copy failed")},
		firstPartCalled: make(chan struct{}),
	}
	e := New(Config{SingleCopyCeiling: 100, PartSize: 64, CopyParallelism: 1, PartRetries: 1}, store, store, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- e.Copy(ctx, "src", "dst", "big.bin", "cid") }()

	<-store.firstPartCalled
	cancel()

	err := <-done
	require.Error(t, err)
	assert.True(t, store.aborted)
	assert.NoError(t, store.abortCtxErr,
		"AbortMultipart must run on a context detached from the caller's, not the canceled root")
}

func TestCopyMultipartCompletesAfterContextCanceled(t *testing.T) {
	store := &fakeStore{
		headInfo:       objectstore.ObjectInfo{Size: 200},
		uploadID:       "upload-4",
		partCallSignal: make(chan struct{}, 4),
	}
	e := New(Config{SingleCopyCeiling: 100, PartSize: 64, CopyParallelism: 1, PartRetries: 1}, store, store, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- e.Copy(ctx, "src", "dst", "big.bin", "cid") }()

	// Wait for every part to have been copied, then cancel the caller's
	// context before the completion call runs, mimicking the Worker's
	// root context being canceled right after the last part lands.
	for i := 0; i < 4; i++ {
		<-store.partCallSignal
	}
	cancel()

	err := <-done
	require.NoError(t, err)
	assert.Len(t, store.completeParts, 4)
	assert.NoError(t, store.completeCtxErr,
		"CompleteMultipart must run on a context detached from the caller's, not the canceled root")
}

func TestCopyMultipartCancelsQueuedPartsAfterSiblingFailure(t *testing.T) {
	const numParts = 50

	// CopyParallelism of 1 means only one part is ever in flight, so
	// whichever part happens to win that single slot first is the one
	// failOrdinal fails — no need to predict or depend on which part
	// number that turns out to be. Every other part is still waiting on
	// the semaphore when that failure lands.
	store := &fakeStore{
		headInfo:    objectstore.ObjectInfo{Size: int64(numParts) * 64},
		uploadID:    "upload-5",
		failOrdinal: 1,
	}
	e := New(Config{SingleCopyCeiling: 100, PartSize: 64, CopyParallelism: 1, PartRetries: 1}, store, store, nil, testLogger())

	err := e.Copy(context.Background(), "src", "dst", "huge.bin", "cid")
	require.Error(t, err)
	assert.True(t, store.aborted)

	store.mu.Lock()
	calledCount := len(store.calledParts)
	store.mu.Unlock()

	// With only one semaphore slot, at most a couple of parts can race
	// cancel() for the slot the failing part frees; everything past that
	// narrow, constant-sized window must never have reached CopyPart at
	// all. Before the fix, cancel() didn't fire until every one of the
	// 50 parts had already run to completion, so this would see 50.
	assert.LessOrEqual(t, calledCount, 3,
		"too many parts reached CopyPart after the first failure; cancel() did not preempt the queue promptly")
}

func TestWatchdogFieldsOmitsThroughputWithoutCollector(t *testing.T) {
	e := New(Config{SingleCopyCeiling: 100, PartSize: 64, CopyParallelism: 1, PartRetries: 1}, &fakeStore{}, &fakeStore{}, nil, testLogger())

	fields := e.watchdogFields("key", "cid", 4, 2, time.Second)

	for _, f := range fields {
		assert.NotEqual(t, "worker_current_speed", f.Key)
		assert.NotEqual(t, "worker_average_speed", f.Key)
	}
}

func TestWatchdogFieldsIncludesThroughputWithCollector(t *testing.T) {
	collector := metrics.New()
	collector.IncCopied(1024)
	e := New(Config{SingleCopyCeiling: 100, PartSize: 64, CopyParallelism: 1, PartRetries: 1}, &fakeStore{}, &fakeStore{}, collector, testLogger())

	fields := e.watchdogFields("key", "cid", 4, 2, time.Second)

	keys := make([]string, 0, len(fields))
	for _, f := range fields {
		keys = append(keys, f.Key)
	}
	assert.Contains(t, keys, "worker_current_speed")
	assert.Contains(t, keys, "worker_average_speed")
}

func TestPlanCopySingle(t *testing.T) {
	plan, err := planCopy(1000, 64, 5000)
	require.NoError(t, err)
	assert.Equal(t, planSingle, plan.kind)
}

func TestPlanCopyMultipartDoublesPartSize(t *testing.T) {
	// Force a size that would need >10000 parts at the given part size.
	size := int64(10001) * 64
	plan, err := planCopy(size, 64, 0)
	require.NoError(t, err)
	assert.Equal(t, planMultipart, plan.kind)
	assert.True(t, plan.partSize > 64)
	assert.LessOrEqual(t, plan.parts, maxPartCount)
}

func TestPlanCopyObjectTooLarge(t *testing.T) {
	// Exceeds maxPartCount * platformMaxPartSize; no amount of PART_SIZE
	// doubling can tile this under the platform's per-part ceiling.
	size := int64(maxPartCount)*platformMaxPartSize + 1
	_, err := planCopy(size, 5*1024*1024, 0)
	require.Error(t, err)
	ke, ok := errkind.As(err)
	require.True(t, ok)
	assert.Equal(t, errkind.ObjectTooLarge, ke.Kind)
}
