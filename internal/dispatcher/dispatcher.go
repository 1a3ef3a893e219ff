// Package dispatcher implements the scaling decision (C6): a pure
// function of observed queue depth and worker census, invoked once per
// external tick.
package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/onezonemirror/mirror/internal/errkind"
	"github.com/onezonemirror/mirror/internal/launcher"
	"github.com/onezonemirror/mirror/internal/metrics"
	"github.com/onezonemirror/mirror/internal/queue"
)

// Config holds the scaling knobs from §4.6.
type Config struct {
	MaxWorkers           int
	TargetBacklogPerTask int
	BurstStartLimit      int
	LaunchRetries        int
	PreemptibleWeight    int
	OnDemandWeight       int
}

// Outcome is the one of three distinct results a single Dispatch call can
// reach, each logged with its own message so operators can tell idle
// ticks apart from ticks that wanted to scale but hit the ceiling.
type Outcome string

const (
	OutcomeIdle       Outcome = "idle"
	OutcomeAtCapacity Outcome = "at_capacity"
	OutcomeLaunched   Outcome = "launched"
)

// Dispatcher runs one Dispatch invocation per external tick.
type Dispatcher struct {
	cfg     Config
	q       queue.Client
	l       launcher.Client
	metrics *metrics.Collector
	logger  *zap.Logger
}

// New builds a Dispatcher.
func New(cfg Config, q queue.Client, l launcher.Client, metricsCollector *metrics.Collector, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{cfg: cfg, q: q, l: l, metrics: metricsCollector, logger: logger}
}

// Dispatch runs one scaling decision. It is a pure function of what it
// reads from q and l in this call; it keeps no state across invocations.
func (d *Dispatcher) Dispatch(ctx context.Context) (Outcome, error) {
	depth, err := d.q.Depth(ctx)
	if err != nil {
		return "", errkind.New(errkind.QueueUnavailable, err)
	}
	d.metrics.SetQueueDepth(depth.Total())

	census, err := d.l.ListWorkers(ctx)
	if err != nil {
		return "", errkind.New(errkind.LaunchFailed, fmt.Errorf("list workers: %w", err))
	}

	desired := desiredWorkers(depth.Total(), d.cfg.TargetBacklogPerTask, d.cfg.MaxWorkers)
	toStart := clamp(desired-census.Total(), 0, d.cfg.BurstStartLimit)

	if toStart == 0 {
		if desired >= d.cfg.MaxWorkers && census.Total() >= d.cfg.MaxWorkers {
			d.logger.Info("at capacity",
				zap.Int64("queue_depth", depth.Total()), zap.Int("worker_census", census.Total()), zap.Int("max_workers", d.cfg.MaxWorkers))
			return OutcomeAtCapacity, nil
		}
		if depth.Total() == 0 {
			d.logger.Debug("idle", zap.Int64("queue_depth", depth.Total()), zap.Int("worker_census", census.Total()))
			return OutcomeIdle, nil
		}
		d.logger.Debug("steady, existing workers already cover current demand",
			zap.Int64("queue_depth", depth.Total()), zap.Int("worker_census", census.Total()), zap.Int("desired", desired))
		return OutcomeIdle, nil
	}

	var launched int
	var lastErr error
	remaining := toStart
	for attempt := 1; attempt <= d.cfg.LaunchRetries && remaining > 0; attempt++ {
		n, err := d.l.Launch(ctx, remaining, d.cfg.PreemptibleWeight, d.cfg.OnDemandWeight)
		launched += n
		remaining -= n
		if err != nil {
			lastErr = err
			d.logger.Warn("launch attempt failed, retrying remaining shortfall within this invocation",
				zap.Int("attempt", attempt), zap.Int("remaining", remaining), zap.Error(err))
			continue
		}
		break
	}

	d.metrics.AddWorkersLaunched(launched)
	d.logger.Info("launched",
		zap.Int64("queue_depth", depth.Total()),
		zap.Int("worker_census", census.Total()),
		zap.Int("desired", desired),
		zap.Int("requested", toStart),
		zap.Int("launched", launched))

	if remaining > 0 && lastErr != nil {
		d.logger.Warn("could not launch full shortfall this invocation, next tick will compensate",
			zap.Int("shortfall", remaining), zap.Error(lastErr))
	}

	return OutcomeLaunched, nil
}

// desiredWorkers computes ceil(queueDepth / targetBacklogPerTask), capped
// at maxWorkers.
func desiredWorkers(queueDepth int64, targetBacklogPerTask, maxWorkers int) int {
	if targetBacklogPerTask <= 0 {
		targetBacklogPerTask = 1
	}
	desired := int((queueDepth + int64(targetBacklogPerTask) - 1) / int64(targetBacklogPerTask))
	if desired > maxWorkers {
		desired = maxWorkers
	}
	if desired < 0 {
		desired = 0
	}
	return desired
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
