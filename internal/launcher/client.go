// Package launcher defines the compute-launcher contract the Dispatcher
// (C6) drives, and an ECS Fargate-backed implementation.
package launcher

import "context"

// Census is the specification's WorkerCensus: running plus pending
// compute units, both approximate.
type Census struct {
	Running int
	Pending int
}

// Total is the count the Dispatcher subtracts desired workers against.
func (c Census) Total() int { return c.Running + c.Pending }

// Client is the contract §6 names: list_workers, launch. The Dispatcher
// does not care what a "worker" physically is; this interface never
// exposes a way to stop one, matching §4.6's "the Dispatcher never shuts
// down a worker explicitly."
type Client interface {
	// ListWorkers reports how many compute units are already running or
	// pending launch.
	ListWorkers(ctx context.Context) (Census, error)

	// Launch starts count additional workers, split across preemptible
	// and on-demand capacity at the given weighting. It returns the
	// number actually launched and the first error encountered, if any,
	// so the caller can retry only the shortfall.
	Launch(ctx context.Context, count int, preemptibleWeight, onDemandWeight int) (launched int, err error)
}
