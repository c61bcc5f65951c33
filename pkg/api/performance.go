package api

import (
	"time"

	"github.com/codahale/hdrhistogram"
)

const (
	LatencyLowestMicros  = 1
	LatencyHighestMicros = 60 * 60 * 1000 * 1000
	LatencySigFigs       = 3
)

// PerformanceStats is the delta recorded by one worker for one test since its previous report.
// Latencies are recorded in microseconds.
type PerformanceStats struct {
	OperationCount int64                  `json:"operationCount"`
	Interval       time.Duration          `json:"interval"`
	Timestamp      time.Time              `json:"timestamp"`
	Latency        *hdrhistogram.Snapshot `json:"latency,omitempty"`
}

func NewLatencyHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(LatencyLowestMicros, LatencyHighestMicros, LatencySigFigs)
}
