package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/onezonemirror/mirror/internal/clock"
	"github.com/onezonemirror/mirror/internal/copyengine"
	"github.com/onezonemirror/mirror/internal/deleteengine"
	"github.com/onezonemirror/mirror/internal/metrics"
	"github.com/onezonemirror/mirror/internal/objectstore"
	"github.com/onezonemirror/mirror/internal/queue"
)

// fakeStore is a minimal objectstore.SourceClient/TargetClient that
// always succeeds or always fails the operations the Worker exercises.
type fakeStore struct {
	headErr       error
	copySingleErr error
	completeErr   error
	deleteErr     error
}

func (f *fakeStore) Head(ctx context.Context, bucket, key string) (objectstore.ObjectInfo, error) {
	if f.headErr != nil {
		return objectstore.ObjectInfo{}, f.headErr
	}
	return objectstore.ObjectInfo{Size: 10}, nil
}
func (f *fakeStore) CopySingle(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string, meta objectstore.ObjectInfo) error {
	return f.copySingleErr
}
func (f *fakeStore) InitiateMultipart(ctx context.Context, bucket, key string, meta objectstore.ObjectInfo) (string, error) {
	return "upload", nil
}
func (f *fakeStore) CopyPart(ctx context.Context, bucket, key, uploadID string, partNumber int, srcBucket, srcKey string, lo, hi int64) (string, error) {
	return "etag", nil
}
func (f *fakeStore) CompleteMultipart(ctx context.Context, bucket, key, uploadID string, parts []objectstore.Part) error {
	return f.completeErr
}
func (f *fakeStore) AbortMultipart(ctx context.Context, bucket, key, uploadID string) error {
	return nil
}
func (f *fakeStore) Delete(ctx context.Context, bucket, key string) error { return f.deleteErr }

type fakeQueue struct {
	messages [][]queue.Message
	pollIdx  int
	acked    []string
}

func (f *fakeQueue) Receive(ctx context.Context, waitSeconds, maxMsgs int) ([]queue.Message, error) {
	if f.pollIdx >= len(f.messages) {
		return nil, nil
	}
	msgs := f.messages[f.pollIdx]
	f.pollIdx++
	return msgs, nil
}
func (f *fakeQueue) Ack(ctx context.Context, receipt string) error {
	f.acked = append(f.acked, receipt)
	return nil
}
func (f *fakeQueue) Extend(ctx context.Context, receipt string, timeout time.Duration) error {
	return nil
}
func (f *fakeQueue) Depth(ctx context.Context) (queue.Depth, error) { return queue.Depth{}, nil }

func body(t *testing.T, eventName, bucket, key string) string {
	t.Helper()
	env := map[string]any{
		"Records": []map[string]any{
			{
				"eventName": eventName,
				"s3": map[string]any{
					"bucket": map[string]any{"name": bucket},
					"object": map[string]any{"key": key},
				},
			},
		},
	}
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return string(b)
}

func testConfig() Config {
	return Config{
		SourceBucket:         "src",
		TargetBucket:         "dst",
		WaitTimeSeconds:      1,
		Batch:                1,
		EmptyPollsBeforeExit: 2,
		VisibilityTimeout:    time.Minute,
		ExtendInterval:       time.Hour, // never ticks during the test
		DrainDeadline:        time.Second,
	}
}

func TestWorkerAcksOnSuccessfulCopy(t *testing.T) {
	store := &fakeStore{}
	q := &fakeQueue{
		messages: [][]queue.Message{
			{{Body: body(t, "ObjectCreated:Put", "src", "a.bin"), Receipt: "r1"}},
		},
	}

	copier := copyengine.New(copyengine.Config{SingleCopyCeiling: 1024, PartSize: 64, CopyParallelism: 4, PartRetries: 1}, store, store, metrics.New(), zap.NewNop())
	deleter := deleteengine.New(deleteengine.Config{DeleteRetries: 1}, store, zap.NewNop())
	w := New(testConfig(), q, clock.System, copier, deleter, metrics.New(), zap.NewNop())

	err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, q.acked)
}

func TestWorkerDoesNotAckOnCopyFailure(t *testing.T) {
	store := &fakeStore{copySingleErr: errors.New("boom"), completeErr: errors.New("boom too")}
	q := &fakeQueue{
		messages: [][]queue.Message{
			{{Body: body(t, "ObjectCreated:Put", "src", "a.bin"), Receipt: "r2"}},
		},
	}

	copier := copyengine.New(copyengine.Config{SingleCopyCeiling: 1024, PartSize: 64, CopyParallelism: 4, PartRetries: 1}, store, store, metrics.New(), zap.NewNop())
	deleter := deleteengine.New(deleteengine.Config{DeleteRetries: 1}, store, zap.NewNop())
	w := New(testConfig(), q, clock.System, copier, deleter, metrics.New(), zap.NewNop())

	err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, q.acked)
}

func TestWorkerPassesQueueAttemptsToEvent(t *testing.T) {
	// SyncEvent.Attempts must come from the queue's redelivery count
	// (msg.Attempts), not a hardcoded literal, per the SyncEvent.Attempts
	// invariant. Force a failure so the attempts value is observable on
	// the failure log line.
	store := &fakeStore{copySingleErr: errors.New("boom"), completeErr: errors.New("boom too")}
	q := &fakeQueue{
		messages: [][]queue.Message{
			{{Body: body(t, "ObjectCreated:Put", "src", "a.bin"), Receipt: "r3", Attempts: 3}},
		},
	}

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	copier := copyengine.New(copyengine.Config{SingleCopyCeiling: 1024, PartSize: 64, CopyParallelism: 4, PartRetries: 1}, store, store, metrics.New(), zap.NewNop())
	deleter := deleteengine.New(deleteengine.Config{DeleteRetries: 1}, store, zap.NewNop())
	w := New(testConfig(), q, clock.System, copier, deleter, metrics.New(), logger)

	err := w.Run(context.Background())
	require.NoError(t, err)

	entries := logs.FilterMessage("event processing failed, message will redrive").All()
	require.Len(t, entries, 1)
	assert.EqualValues(t, 3, entries[0].ContextMap()["attempts"])
}

func TestWorkerExitsAfterEmptyPolls(t *testing.T) {
	store := &fakeStore{}
	q := &fakeQueue{messages: [][]queue.Message{}}

	copier := copyengine.New(copyengine.Config{SingleCopyCeiling: 1024, PartSize: 64, CopyParallelism: 4, PartRetries: 1}, store, store, metrics.New(), zap.NewNop())
	deleter := deleteengine.New(deleteengine.Config{DeleteRetries: 1}, store, zap.NewNop())
	w := New(testConfig(), q, clock.System, copier, deleter, metrics.New(), zap.NewNop())

	err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, stateExited, w.state)
}
