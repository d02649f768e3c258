// Package timing aggregates per-operation latency and logs averages
// once a minute. Cheap enough to leave on in production.
package timing

import (
	"sync"
	"time"

	"gridmesh/logging"
)

type TimingTracker struct {
	mu    sync.Mutex
	times map[string][]time.Duration
}

var tracker = &TimingTracker{
	times: make(map[string][]time.Duration),
}

func init() {
	go logAverages()
}

func Track(operation string, duration time.Duration) {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	tracker.times[operation] = append(tracker.times[operation], duration)
}

// TimeOperation returns a stop function for deferred use:
// defer timing.TimeOperation("bus.dispatch")()
func TimeOperation(operation string) func() {
	start := time.Now()
	return func() {
		Track(operation, time.Since(start))
	}
}

func logAverages() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		tracker.mu.Lock()
		for operation, durations := range tracker.times {
			if len(durations) == 0 {
				continue
			}
			var total time.Duration
			for _, d := range durations {
				total += d
			}
			logging.Debug("Operation timing", logging.System,
				"operation", operation,
				"avg", total/time.Duration(len(durations)),
				"count", len(durations))
		}
		tracker.times = make(map[string][]time.Duration)
		tracker.mu.Unlock()
	}
}
