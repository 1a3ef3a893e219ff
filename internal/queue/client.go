// Package queue defines the durable-queue contract the Worker and
// Dispatcher consume (C7), and an SQS-backed implementation (C5/C6's
// domain dependency).
package queue

import (
	"context"
	"time"
)

// Message is one received queue message. A single message may carry
// several event records in its Body.
type Message struct {
	Body     string
	Receipt  string
	Attempts int
}

// Depth is the pair of approximate counts the specification calls
// QueueDepth: messages visible to new receivers, and messages currently
// leased to some receiver.
type Depth struct {
	Visible  int64
	InFlight int64
}

// Total is the sum Dispatcher scaling decisions are made against.
func (d Depth) Total() int64 { return d.Visible + d.InFlight }

// Client is the contract §6 names: receive, ack, extend, depth.
type Client interface {
	// Receive long-polls for up to maxMsgs messages, waiting up to
	// waitSeconds for at least one to arrive.
	Receive(ctx context.Context, waitSeconds, maxMsgs int) ([]Message, error)

	// Ack permanently removes a message from the queue.
	Ack(ctx context.Context, receipt string) error

	// Extend pushes out a message's visibility deadline by the given
	// duration from now.
	Extend(ctx context.Context, receipt string, timeout time.Duration) error

	// Depth reports the approximate queue depth.
	Depth(ctx context.Context) (Depth, error)
}
