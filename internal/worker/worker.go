// Package worker implements the Worker loop (C5): a long-poll/process
// cycle that drains the queue, dispatches each event to the copy or
// delete engine, acks on success, and self-exits when the queue has been
// idle for long enough.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/onezonemirror/mirror/internal/clock"
	"github.com/onezonemirror/mirror/internal/copyengine"
	"github.com/onezonemirror/mirror/internal/deleteengine"
	"github.com/onezonemirror/mirror/internal/errkind"
	"github.com/onezonemirror/mirror/internal/event"
	"github.com/onezonemirror/mirror/internal/metrics"
	"github.com/onezonemirror/mirror/internal/queue"
	"github.com/onezonemirror/mirror/internal/visibility"
)

// Config holds the Worker loop's polling and drain knobs.
type Config struct {
	SourceBucket         string
	TargetBucket         string
	PrefixFilter         string
	WaitTimeSeconds      int
	Batch                int
	EmptyPollsBeforeExit int
	VisibilityTimeout    time.Duration
	ExtendInterval       time.Duration
	DrainDeadline        time.Duration
}

// state is the Worker's position in the STARTING -> POLLING <-> PROCESSING
// -> DRAINING -> EXITED machine from §4.5. It exists for log clarity and
// tests; the loop itself is driven by plain control flow.
type state string

const (
	stateStarting   state = "STARTING"
	statePolling    state = "POLLING"
	stateProcessing state = "PROCESSING"
	stateDraining   state = "DRAINING"
	stateExited     state = "EXITED"
)

// Worker runs the loop for one process lifetime.
type Worker struct {
	cfg     Config
	q       queue.Client
	clk     clock.Clock
	copier  *copyengine.Engine
	deleter *deleteengine.Engine
	metrics *metrics.Collector
	logger  *zap.Logger

	state state
}

// New builds a Worker. copier and deleter are constructed by the caller
// (cmd/mirror) since they carry the source/target store clients.
func New(cfg Config, q queue.Client, clk clock.Clock, copier *copyengine.Engine, deleter *deleteengine.Engine, metricsCollector *metrics.Collector, logger *zap.Logger) *Worker {
	return &Worker{
		cfg:     cfg,
		q:       q,
		clk:     clk,
		copier:  copier,
		deleter: deleter,
		metrics: metricsCollector,
		logger:  logger,
		state:   stateStarting,
	}
}

// Run executes the loop until the queue is idle for EmptyPollsBeforeExit
// consecutive polls, or ctx is cancelled (SIGTERM/preemption), whichever
// comes first. It returns nil on a clean exit in either case; a non-nil
// error indicates an unrecoverable initialization or poll failure.
func (w *Worker) Run(ctx context.Context) error {
	w.state = statePolling
	emptyPolls := 0

	for {
		select {
		case <-ctx.Done():
			return w.drain(context.Background())
		default:
		}

		messages, err := w.q.Receive(ctx, w.cfg.WaitTimeSeconds, w.cfg.Batch)
		if err != nil {
			if ctx.Err() != nil {
				return w.drain(context.Background())
			}
			return errkind.New(errkind.QueueUnavailable, err)
		}

		if len(messages) == 0 {
			emptyPolls++
			w.logger.Debug("empty poll", zap.Int("empty_polls", emptyPolls))
			if emptyPolls >= w.cfg.EmptyPollsBeforeExit {
				w.logger.Info("idle for empty_polls_before_exit consecutive polls, exiting")
				w.state = stateExited
				return nil
			}
			continue
		}

		emptyPolls = 0
		for _, msg := range messages {
			select {
			case <-ctx.Done():
				return w.drain(context.Background())
			default:
			}
			w.processMessage(ctx, msg)
		}
	}
}

// processMessage runs one message's records sequentially, stopping on the
// first failure, and acks only if every record it attempted succeeded.
func (w *Worker) processMessage(ctx context.Context, msg queue.Message) {
	w.state = stateProcessing
	defer func() { w.state = statePolling }()

	keeper := visibility.Start(w.q, w.clk, w.logger, msg.Receipt, w.cfg.ExtendInterval, w.cfg.VisibilityTimeout)
	defer keeper.Stop()

	events, err := event.Parse(msg.Body, msg.Receipt, msg.Attempts, w.cfg.SourceBucket, time.Now())
	if err != nil {
		w.logger.Error("malformed message, leaving for redrive", zap.Error(err))
		return
	}

	allOK := true
	for _, evt := range events {
		if !event.MatchesPrefix(evt.Key, w.cfg.PrefixFilter) {
			w.metrics.IncSkipped(string(evt.Kind))
			continue
		}

		start := time.Now()
		var procErr error
		switch evt.Kind {
		case event.Create:
			procErr = w.copier.Copy(ctx, w.cfg.SourceBucket, w.cfg.TargetBucket, evt.Key, evt.CorrelationID)
		case event.Delete:
			procErr = w.deleter.Delete(ctx, w.cfg.TargetBucket, evt.Key, evt.CorrelationID)
		default:
			continue
		}

		if procErr != nil {
			allOK = false
			kind := "unknown"
			if ke, ok := errkind.As(procErr); ok {
				kind = string(ke.Kind)
			}
			w.metrics.IncFailed(string(evt.Kind), kind)
			w.logger.Error("event processing failed, message will redrive",
				zap.String("key", evt.Key),
				zap.String("correlation_id", evt.CorrelationID),
				zap.String("error_kind", kind),
				zap.Int("attempts", evt.Attempts),
				zap.Error(procErr))
			break
		}

		if evt.Kind == event.Create {
			var size int64
			if evt.SizeHint != nil {
				size = *evt.SizeHint
			}
			w.metrics.IncCopied(size)
		} else {
			w.metrics.IncDeleted()
		}
		w.metrics.ObserveDuration(time.Since(start))
	}

	if !allOK {
		return
	}

	keeper.Stop()
	if keeper.LeaseLost() {
		w.logger.Warn("lease lost before ack; message will redrive and be reprocessed idempotently",
			zap.String("receipt", msg.Receipt))
		return
	}

	if err := w.q.Ack(ctx, msg.Receipt); err != nil {
		if errors.Is(err, queue.ErrMessageGone) {
			w.logger.Debug("ack raced with redelivery, message already gone", zap.String("receipt", msg.Receipt))
			return
		}
		w.logger.Error("ack failed", zap.String("receipt", msg.Receipt), zap.Error(err))
	}
}

// drain implements the DRAINING state. The caller has already let any
// in-flight processMessage call run to completion (Run's select points
// only check ctx.Done() between messages, never mid-message), so there is
// nothing left in-process for drain itself to wait on. DrainDeadline's
// real enforcement point is downstream, in copyengine's best-effort
// AbortMultipart/CompleteMultipart cleanup calls: those run on a context
// detached from this one and bounded by copyengine.Config.DrainDeadline,
// so cleanup after a mid-copy cancellation can never stall past it.
func (w *Worker) drain(ctx context.Context) error {
	w.state = stateDraining
	w.logger.Info("draining", zap.Duration("drain_deadline", w.cfg.DrainDeadline))
	w.state = stateExited
	return nil
}
