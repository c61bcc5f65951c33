package worker

import (
	"sync"
	"time"

	"github.com/codahale/hdrhistogram"
	"k8s.io/utils/clock"

	"github.com/G-Research/fleetbench/pkg/api"
)

type threadHistogram struct {
	histogram *hdrhistogram.Histogram
	lock      sync.Mutex
}

// perfTracker records operation latencies of one test, one histogram per run thread.
// collect returns what was recorded since the previous collect.
type perfTracker struct {
	clock       clock.Clock
	threads     []*threadHistogram
	threadsLock sync.Mutex
	lastCollect time.Time
}

func newPerfTracker(clock clock.Clock) *perfTracker {
	return &perfTracker{clock: clock, lastCollect: clock.Now()}
}

// thread returns the histogram a run thread records into.
func (t *perfTracker) thread() *threadHistogram {
	h := &threadHistogram{histogram: api.NewLatencyHistogram()}
	t.threadsLock.Lock()
	t.threads = append(t.threads, h)
	t.threadsLock.Unlock()
	return h
}

func (h *threadHistogram) record(latency time.Duration) {
	micros := latency.Microseconds()
	if micros < api.LatencyLowestMicros {
		micros = api.LatencyLowestMicros
	}
	if micros > api.LatencyHighestMicros {
		micros = api.LatencyHighestMicros
	}
	h.lock.Lock()
	_ = h.histogram.RecordValue(micros)
	h.lock.Unlock()
}

// collect returns the delta since the last call, or nil if no operation completed in the meantime.
func (t *perfTracker) collect() *api.PerformanceStats {
	t.threadsLock.Lock()
	threads := append([]*threadHistogram{}, t.threads...)
	now := t.clock.Now()
	interval := now.Sub(t.lastCollect)
	t.lastCollect = now
	t.threadsLock.Unlock()

	delta := api.NewLatencyHistogram()
	for _, h := range threads {
		h.lock.Lock()
		delta.Merge(h.histogram)
		h.histogram.Reset()
		h.lock.Unlock()
	}
	if delta.TotalCount() == 0 {
		return nil
	}
	return &api.PerformanceStats{
		OperationCount: delta.TotalCount(),
		Interval:       interval,
		Timestamp:      now,
		Latency:        delta.Export(),
	}
}
