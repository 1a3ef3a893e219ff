// Package copyengine implements the size-aware object copy (C2): a single
// server-side copy for small objects, escalating to a parallel multipart
// copy for large ones.
package copyengine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/onezonemirror/mirror/internal/errkind"
	"github.com/onezonemirror/mirror/internal/metrics"
	"github.com/onezonemirror/mirror/internal/objectstore"
	"github.com/onezonemirror/mirror/internal/telemetry"
)

const maxPartCount = 10000

// platformMaxPartSize is S3's fixed per-part ceiling, independent of the
// configured PART_SIZE knob. Doubling PART_SIZE to fit under
// maxPartCount can never usefully exceed this.
const platformMaxPartSize = 5 * 1024 * 1024 * 1024

// Config holds the copy engine's size and concurrency knobs, all sourced
// from config.Mirror.
type Config struct {
	SingleCopyCeiling int64
	PartSize          int64
	CopyParallelism   int
	PartRetries       int
	// DrainDeadline bounds the best-effort AbortMultipart/CompleteMultipart
	// cleanup calls that run on a context detached from the caller's, so a
	// canceled root context (drain on SIGTERM/SIGINT) can never stall
	// cleanup indefinitely. Defaults to defaultDrainDeadline if zero.
	DrainDeadline time.Duration
}

const defaultDrainDeadline = 10 * time.Second

// Engine runs copy(key) against a source and target store pair.
type Engine struct {
	cfg     Config
	source  objectstore.SourceClient
	target  objectstore.TargetClient
	metrics *metrics.Collector
	logger  *zap.Logger
}

// New builds a copy engine for one Worker's lifetime. metricsCollector may
// be nil, in which case the multipart watchdog's progress line omits the
// throughput fields.
func New(cfg Config, source objectstore.SourceClient, target objectstore.TargetClient, metricsCollector *metrics.Collector, logger *zap.Logger) *Engine {
	return &Engine{cfg: cfg, source: source, target: target, metrics: metricsCollector, logger: logger}
}

// Copy performs the C2 algorithm for one source/target key pair.
// correlationID is carried through for log correlation only.
func (e *Engine) Copy(ctx context.Context, srcBucket, dstBucket, key, correlationID string) error {
	info, err := e.source.Head(ctx, srcBucket, key)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			e.logger.Debug("source object gone before copy, treating as success",
				zap.String("key", key), zap.String("correlation_id", correlationID))
			return nil
		}
		return errkind.New(errkind.SourceHeadFailed, err)
	}

	plan, err := planCopy(info.Size, e.cfg.PartSize, e.cfg.SingleCopyCeiling)
	if err != nil {
		return err
	}

	switch plan.kind {
	case planSingle:
		if err := e.target.CopySingle(ctx, srcBucket, key, dstBucket, key, info); err != nil {
			e.logger.Warn("single copy failed, escalating to multipart",
				zap.String("key", key), zap.Error(err))
			multi, mErr := planCopy(info.Size, e.cfg.PartSize, 0)
			if mErr != nil {
				return mErr
			}
			return e.copyMultipart(ctx, srcBucket, dstBucket, key, correlationID, info, multi)
		}
		return nil
	default:
		return e.copyMultipart(ctx, srcBucket, dstBucket, key, correlationID, info, plan)
	}
}

type planKind int

const (
	planSingle planKind = iota
	planMultipart
)

type copyPlan struct {
	kind     planKind
	partSize int64
	parts    int
}

// planCopy selects SINGLE or MULTIPART per §4.2 step 2. Passing
// singleCeiling=0 forces a MULTIPART plan, used on single-copy escalation.
func planCopy(size, partSize, singleCeiling int64) (copyPlan, error) {
	if singleCeiling > 0 && size < singleCeiling {
		return copyPlan{kind: planSingle}, nil
	}

	if (size+int64(maxPartCount)-1)/int64(maxPartCount) > platformMaxPartSize {
		return copyPlan{}, errkind.New(errkind.ObjectTooLarge,
			fmt.Errorf("object of size %d cannot be tiled into %d parts under the %d byte per-part ceiling", size, maxPartCount, platformMaxPartSize))
	}

	for {
		parts := int(math.Ceil(float64(size) / float64(partSize)))
		if parts == 0 {
			parts = 1
		}
		if parts <= maxPartCount {
			return copyPlan{kind: planMultipart, partSize: partSize, parts: parts}, nil
		}
		partSize *= 2
		if partSize > platformMaxPartSize {
			partSize = platformMaxPartSize
		}
	}
}

type partResult struct {
	number int
	etag   string
	err    error
}

func (e *Engine) copyMultipart(ctx context.Context, srcBucket, dstBucket, key, correlationID string, info objectstore.ObjectInfo, plan copyPlan) error {
	uploadID, err := e.target.InitiateMultipart(ctx, dstBucket, key, info)
	if err != nil {
		return errkind.New(errkind.CopyFailed, fmt.Errorf("initiate multipart: %w", err))
	}

	partCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, e.cfg.CopyParallelism)
	results := make([]partResult, plan.parts)
	var wg sync.WaitGroup
	var mu sync.Mutex
	completed := 0
	lastProgress := time.Now()
	stop := make(chan struct{})

	go e.watchdog(key, correlationID, plan.parts, &mu, &completed, &lastProgress, stop)

	// A failing part calls cancel() itself before releasing its sem slot,
	// so cancellation happens immediately rather than after wg.Wait() —
	// parts still queued behind sem or mid-retry see partCtx.Done() at
	// their next suspension point instead of running to completion, and a
	// part that wins a slot re-checks partCtx before copying. failFirst
	// carries the first failure to a goroutine that logs it.
	failFirst := make(chan partResult, 1)
	go func() {
		select {
		case r := <-failFirst:
			cancel()
			e.logger.Debug("canceling outstanding parts after sibling failure",
				zap.String("key", key), zap.Int("failed_part_number", r.number))
		case <-stop:
		}
	}()

	for i := 0; i < plan.parts; i++ {
		lo := int64(i) * plan.partSize
		hi := lo + plan.partSize - 1
		if hi >= info.Size {
			hi = info.Size - 1
		}
		partNumber := i + 1

		wg.Add(1)
		go func(partNumber int, lo, hi int64) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-partCtx.Done():
				results[partNumber-1] = partResult{number: partNumber, err: partCtx.Err()}
				return
			}
			defer func() { <-sem }()

			if err := partCtx.Err(); err != nil {
				results[partNumber-1] = partResult{number: partNumber, err: err}
				return
			}

			etag, err := e.copyPartWithRetry(partCtx, dstBucket, key, uploadID, partNumber, srcBucket, key, lo, hi)
			results[partNumber-1] = partResult{number: partNumber, etag: etag, err: err}

			if err != nil {
				cancel()
				select {
				case failFirst <- results[partNumber-1]:
				default:
				}
				return
			}

			mu.Lock()
			completed++
			lastProgress = time.Now()
			mu.Unlock()
		}(partNumber, lo, hi)
	}

	wg.Wait()
	close(stop)

	parts := make([]objectstore.Part, 0, plan.parts)
	for _, r := range results {
		if r.err != nil {
			cancel()
			e.logger.Error("multipart copy failed, aborting upload",
				zap.String("key", key), zap.Int("part_number", r.number), zap.Error(r.err))
			e.abortMultipart(dstBucket, key, uploadID)
			return errkind.New(errkind.CopyFailed, r.err)
		}
		parts = append(parts, objectstore.Part{Number: r.number, ETag: r.etag})
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].Number < parts[j].Number })

	if err := e.completeMultipart(dstBucket, key, uploadID, parts); err != nil {
		e.abortMultipart(dstBucket, key, uploadID)
		return errkind.New(errkind.CopyFailed, fmt.Errorf("complete multipart: %w", err))
	}
	return nil
}

// abortMultipart and completeMultipart are best-effort cleanup calls that
// must still reach the target store when the caller's ctx has already been
// canceled (the Worker's root context on SIGTERM/SIGINT, or partCtx after a
// sibling part failure), so they run against a short-lived context detached
// from ctx, the same pattern visibility.Keeper uses for its own extend call.

func (e *Engine) abortMultipart(bucket, key, uploadID string) {
	abortCtx, cancel := context.WithTimeout(context.Background(), e.drainDeadline())
	defer cancel()
	if err := e.target.AbortMultipart(abortCtx, bucket, key, uploadID); err != nil {
		e.logger.Error("abort multipart upload failed",
			zap.String("key", key), zap.String("upload_id", uploadID), zap.Error(err))
	}
}

func (e *Engine) completeMultipart(bucket, key, uploadID string, parts []objectstore.Part) error {
	completeCtx, cancel := context.WithTimeout(context.Background(), e.drainDeadline())
	defer cancel()
	return e.target.CompleteMultipart(completeCtx, bucket, key, uploadID, parts)
}

func (e *Engine) drainDeadline() time.Duration {
	if e.cfg.DrainDeadline > 0 {
		return e.cfg.DrainDeadline
	}
	return defaultDrainDeadline
}

func (e *Engine) copyPartWithRetry(ctx context.Context, bucket, key, uploadID string, partNumber int, srcBucket, srcKey string, lo, hi int64) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.PartRetries; attempt++ {
		etag, err := e.target.CopyPart(ctx, bucket, key, uploadID, partNumber, srcBucket, srcKey, lo, hi)
		if err == nil {
			return etag, nil
		}
		lastErr = err
		if attempt < e.cfg.PartRetries {
			select {
			case <-time.After(partBackoff(attempt)):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return "", lastErr
}

// partBackoff returns exponential backoff starting at 200ms with ±20%
// jitter, per §4.2 step 4e.
func partBackoff(attempt int) time.Duration {
	base := 200 * time.Millisecond
	backoff := base * time.Duration(math.Pow(2, float64(attempt-1)))
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(float64(backoff) * jitter)
}

// watchdogFields builds the multipart progress log line, including the
// Worker-wide throughput snapshot when a metrics collector is wired in.
func (e *Engine) watchdogFields(key, correlationID string, totalParts, completedParts int, since time.Duration) []zap.Field {
	fields := []zap.Field{
		zap.String("key", key),
		zap.String("correlation_id", correlationID),
		zap.Int("completed_parts", completedParts),
		zap.Int("total_parts", totalParts),
		zap.Duration("since_last_completion", since),
	}
	if e.metrics != nil {
		status := e.metrics.Throughput().Snapshot()
		fields = append(fields,
			zap.String("worker_current_speed", telemetry.FormatSpeed(status.CurrentSpeed)),
			zap.String("worker_average_speed", telemetry.FormatSpeed(status.AverageSpeed)))
	}
	return fields
}

// watchdog logs periodic multipart copy progress, adapted from the
// original implementation's in-flight/elapsed-since-last-completion log
// line.
func (e *Engine) watchdog(key, correlationID string, totalParts int, mu *sync.Mutex, completed *int, lastProgress *time.Time, stop <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			mu.Lock()
			done := *completed
			since := time.Since(*lastProgress)
			mu.Unlock()
			e.logger.Info("multipart copy in progress",
				e.watchdogFields(key, correlationID, totalParts, done, since)...)
		}
	}
}
