// Package telemetry adapts the teacher's progress tracker into a
// Worker-local throughput gauge. Unlike a one-shot migration, a mirror
// Worker never knows a total object or byte count up front, so this
// tracker only ever reports rolling speed, not percent-complete or ETA.
package telemetry

import (
	"fmt"
	"sync"
	"time"
)

// Status is a snapshot of one Worker's throughput since it started.
type Status struct {
	Copied         int64
	Skipped        int64
	Failed         int64
	ProcessedBytes int64
	StartTime      time.Time
	LastUpdateTime time.Time
	CurrentSpeed   float64 // bytes/second, last 5s window
	AverageSpeed   float64 // bytes/second, since StartTime
}

// Tracker accumulates throughput samples for one Worker process. It holds
// no cross-invocation state; a fresh Tracker is created per Worker start.
type Tracker struct {
	mu           sync.RWMutex
	status       Status
	speedSamples []speedSample
	maxSamples   int
}

type speedSample struct {
	timestamp time.Time
	bytes     int64
}

// NewTracker creates a tracker whose clock starts now.
func NewTracker() *Tracker {
	return &Tracker{
		status: Status{
			StartTime:      time.Now(),
			LastUpdateTime: time.Now(),
		},
		speedSamples: make([]speedSample, 0, 60),
		maxSamples:   60,
	}
}

// AddSuccess records one successfully copied object of the given size.
func (t *Tracker) AddSuccess(bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.Copied++
	t.status.ProcessedBytes += bytes
	t.updateSpeed(bytes)
}

// AddSkipped records one event that required no data movement (the Worker
// uses it for keys excluded by the prefix filter).
func (t *Tracker) AddSkipped(bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.Skipped++
	t.status.ProcessedBytes += bytes
	t.updateSpeed(bytes)
}

// AddFailed records one event that ended in an error kind.
func (t *Tracker) AddFailed() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.Failed++
}

func (t *Tracker) updateSpeed(bytes int64) {
	now := time.Now()

	t.speedSamples = append(t.speedSamples, speedSample{timestamp: now, bytes: bytes})
	if len(t.speedSamples) > t.maxSamples {
		t.speedSamples = t.speedSamples[1:]
	}

	t.calculateCurrentSpeed(now)
	t.calculateAverageSpeed(now)
	t.status.LastUpdateTime = now
}

func (t *Tracker) calculateCurrentSpeed(now time.Time) {
	if len(t.speedSamples) < 2 {
		t.status.CurrentSpeed = 0
		return
	}

	cutoff := now.Add(-5 * time.Second)
	var recentBytes int64
	var firstSample *speedSample
	for i := len(t.speedSamples) - 1; i >= 0; i-- {
		sample := &t.speedSamples[i]
		if sample.timestamp.Before(cutoff) {
			break
		}
		recentBytes += sample.bytes
		firstSample = sample
	}

	if firstSample != nil {
		if d := now.Sub(firstSample.timestamp); d > 0 {
			t.status.CurrentSpeed = float64(recentBytes) / d.Seconds()
		}
	}
}

func (t *Tracker) calculateAverageSpeed(now time.Time) {
	if elapsed := now.Sub(t.status.StartTime); elapsed > 0 {
		t.status.AverageSpeed = float64(t.status.ProcessedBytes) / elapsed.Seconds()
	}
}

// Snapshot returns the current status.
func (t *Tracker) Snapshot() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// FormatSpeed renders a bytes/second rate for log lines.
func FormatSpeed(bytesPerSecond float64) string {
	switch {
	case bytesPerSecond < 1024:
		return fmt.Sprintf("%.1f B/s", bytesPerSecond)
	case bytesPerSecond < 1024*1024:
		return fmt.Sprintf("%.1f KB/s", bytesPerSecond/1024)
	case bytesPerSecond < 1024*1024*1024:
		return fmt.Sprintf("%.1f MB/s", bytesPerSecond/(1024*1024))
	default:
		return fmt.Sprintf("%.1f GB/s", bytesPerSecond/(1024*1024*1024))
	}
}
