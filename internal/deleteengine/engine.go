// Package deleteengine implements the unconditional object delete (C3).
package deleteengine

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/onezonemirror/mirror/internal/errkind"
	"github.com/onezonemirror/mirror/internal/objectstore"
)

// Config holds the delete engine's retry knob.
type Config struct {
	DeleteRetries int
}

// Engine runs delete(key) against a target store.
type Engine struct {
	cfg    Config
	target objectstore.TargetClient
	logger *zap.Logger
}

// New builds a delete engine for one Worker's lifetime.
func New(cfg Config, target objectstore.TargetClient, logger *zap.Logger) *Engine {
	return &Engine{cfg: cfg, target: target, logger: logger}
}

// Delete issues an unconditional delete. A "not found" target response is
// treated as success; transient errors are retried up to DeleteRetries.
func (e *Engine) Delete(ctx context.Context, bucket, key, correlationID string) error {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.DeleteRetries; attempt++ {
		err := e.target.Delete(ctx, bucket, key)
		if err == nil {
			return nil
		}
		lastErr = err
		e.logger.Warn("delete attempt failed",
			zap.String("key", key), zap.String("correlation_id", correlationID),
			zap.Int("attempt", attempt), zap.Error(err))

		if attempt < e.cfg.DeleteRetries {
			select {
			case <-time.After(deleteBackoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return errkind.New(errkind.DeleteFailed, lastErr)
}

func deleteBackoff(attempt int) time.Duration {
	base := 200 * time.Millisecond
	backoff := base * time.Duration(math.Pow(2, float64(attempt-1)))
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(float64(backoff) * jitter)
}
