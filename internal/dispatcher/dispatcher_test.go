package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/onezonemirror/mirror/internal/launcher"
	"github.com/onezonemirror/mirror/internal/metrics"
	"github.com/onezonemirror/mirror/internal/queue"
)

type fakeQueue struct {
	depth queue.Depth
	err   error
}

func (f *fakeQueue) Receive(ctx context.Context, waitSeconds, maxMsgs int) ([]queue.Message, error) {
	return nil, nil
}
func (f *fakeQueue) Ack(ctx context.Context, receipt string) error { return nil }
func (f *fakeQueue) Extend(ctx context.Context, receipt string, timeout time.Duration) error {
	return nil
}
func (f *fakeQueue) Depth(ctx context.Context) (queue.Depth, error) { return f.depth, f.err }

type fakeLauncher struct {
	census     launcher.Census
	launchN    int
	launchErr  error
	launchCall int
}

func (f *fakeLauncher) ListWorkers(ctx context.Context) (launcher.Census, error) {
	return f.census, nil
}

func (f *fakeLauncher) Launch(ctx context.Context, count int, preemptibleWeight, onDemandWeight int) (int, error) {
	f.launchCall++
	if f.launchErr != nil {
		return f.launchN, f.launchErr
	}
	return count, nil
}

func testCfg() Config {
	return Config{
		MaxWorkers:           10,
		TargetBacklogPerTask: 3,
		BurstStartLimit:      5,
		LaunchRetries:        3,
		PreemptibleWeight:    4,
		OnDemandWeight:       1,
	}
}

func TestDispatchIdle(t *testing.T) {
	q := &fakeQueue{depth: queue.Depth{Visible: 0, InFlight: 0}}
	l := &fakeLauncher{census: launcher.Census{Running: 0, Pending: 0}}
	d := New(testCfg(), q, l, metrics.New(), zap.NewNop())

	outcome, err := d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, outcome)
	assert.Zero(t, l.launchCall)
}

func TestDispatchLaunches(t *testing.T) {
	q := &fakeQueue{depth: queue.Depth{Visible: 20, InFlight: 0}}
	l := &fakeLauncher{census: launcher.Census{Running: 1, Pending: 0}}
	d := New(testCfg(), q, l, metrics.New(), zap.NewNop())

	// desired = ceil(20/3) = 7, capped at 10 -> 7; to_start = clamp(7-1,0,5) = 5
	outcome, err := d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeLaunched, outcome)
	assert.Equal(t, 1, l.launchCall)
}

func TestDispatchAtCapacity(t *testing.T) {
	q := &fakeQueue{depth: queue.Depth{Visible: 100, InFlight: 0}}
	l := &fakeLauncher{census: launcher.Census{Running: 10, Pending: 0}}
	d := New(testCfg(), q, l, metrics.New(), zap.NewNop())

	outcome, err := d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeAtCapacity, outcome)
}

func TestDispatchQueueUnavailable(t *testing.T) {
	q := &fakeQueue{err: errors.New("boom")}
	l := &fakeLauncher{}
	d := New(testCfg(), q, l, metrics.New(), zap.NewNop())

	_, err := d.Dispatch(context.Background())
	require.Error(t, err)
}

func TestDesiredWorkers(t *testing.T) {
	assert.Equal(t, 0, desiredWorkers(0, 3, 10))
	assert.Equal(t, 1, desiredWorkers(1, 3, 10))
	assert.Equal(t, 7, desiredWorkers(20, 3, 10))
	assert.Equal(t, 10, desiredWorkers(1000, 3, 10))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0, clamp(-5, 0, 20))
	assert.Equal(t, 20, clamp(100, 0, 20))
	assert.Equal(t, 5, clamp(5, 0, 20))
}
