// Package visibility implements the visibility keeper (C4): a background
// ticker that extends a queue message's visibility deadline while it is
// being processed.
package visibility

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/onezonemirror/mirror/internal/clock"
	"github.com/onezonemirror/mirror/internal/queue"
)

// Keeper extends one message's visibility on a fixed interval until
// stopped. A Worker spawns exactly one Keeper per message under
// processing; Stop is safe to call multiple times and from any goroutine.
type Keeper struct {
	q        queue.Client
	clock    clock.Clock
	receipt  string
	extend   time.Duration
	interval time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	leaseLost bool

	stop chan struct{}
	done chan struct{}
}

// Start begins extending receipt's visibility every interval by extend,
// and returns the running Keeper. Callers must call Stop at least once,
// typically via defer immediately after Start, to satisfy §4.4's scoped
// acquisition discipline.
func Start(q queue.Client, clk clock.Clock, logger *zap.Logger, receipt string, interval, extend time.Duration) *Keeper {
	k := &Keeper{
		q:        q,
		clock:    clk,
		receipt:  receipt,
		extend:   extend,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go k.run()
	return k
}

func (k *Keeper) run() {
	defer close(k.done)

	ticker, tickCh := k.clock.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-k.stop:
			return
		case <-tickCh:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := k.q.Extend(ctx, k.receipt, k.extend)
			cancel()
			if err != nil {
				if err == queue.ErrMessageGone {
					k.logger.Warn("lease lost: message no longer exists on extend",
						zap.String("receipt", k.receipt))
					k.mu.Lock()
					k.leaseLost = true
					k.mu.Unlock()
					return
				}
				k.logger.Warn("visibility extension failed, will retry next tick",
					zap.String("receipt", k.receipt), zap.Error(err))
			}
		}
	}
}

// Stop halts the keeper and blocks until its goroutine has exited.
func (k *Keeper) Stop() {
	k.mu.Lock()
	select {
	case <-k.stop:
	default:
		close(k.stop)
	}
	k.mu.Unlock()
	<-k.done
}

// LeaseLost reports whether the keeper observed the message disappear
// out from under it. The Worker checks this after Stop to decide whether
// to attempt the ack at all.
func (k *Keeper) LeaseLost() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.leaseLost
}
