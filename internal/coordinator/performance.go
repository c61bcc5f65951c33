package coordinator

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codahale/hdrhistogram"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/G-Research/fleetbench/internal/common/util"
	"github.com/G-Research/fleetbench/internal/coordinator/repository"
	"github.com/G-Research/fleetbench/pkg/api"
)

// Latencies at or above this many microseconds are shown in milliseconds.
const latencyMillisThreshold = 10_000

func PerformanceFileName(testId string) string {
	return api.PerformanceFilePrefix + testId + ".txt"
}

type perfKey struct {
	worker string
	test   string
}

// workerTestStats is never modified once published; updates replace it.
type workerTestStats struct {
	operationCount int64
	interval       time.Duration
	latency        *hdrhistogram.Snapshot
	last           *api.PerformanceStats
}

func (s *workerTestStats) add(delta *api.PerformanceStats) *workerTestStats {
	next := &workerTestStats{last: delta}
	if s != nil {
		next.operationCount = s.operationCount
		next.interval = s.interval
		next.latency = s.latency
	}
	if delta.OperationCount > 0 {
		next.operationCount += delta.OperationCount
	}
	if delta.Interval > 0 {
		next.interval += delta.Interval
	}
	next.latency = mergeSnapshots(next.latency, delta.Latency)
	return next
}

func mergeSnapshots(a, b *hdrhistogram.Snapshot) *hdrhistogram.Snapshot {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	h := hdrhistogram.Import(a)
	h.Merge(hdrhistogram.Import(b))
	return h.Export()
}

// PerformanceSummary is the performance of a test summed over a set of workers.
type PerformanceSummary struct {
	OperationCount int64
	// Sum of the per-worker rates.
	Throughput float64
	// Nil when no latencies were reported.
	Latency *hdrhistogram.Histogram
}

func (s *PerformanceSummary) add(operationCount int64, interval time.Duration, latency *hdrhistogram.Snapshot) {
	s.OperationCount += operationCount
	if interval > 0 {
		s.Throughput += float64(operationCount) / interval.Seconds()
	}
	if latency == nil {
		return
	}
	if s.Latency == nil {
		s.Latency = hdrhistogram.Import(latency)
	} else {
		s.Latency.Merge(hdrhistogram.Import(latency))
	}
}

type intervalMark struct {
	operationCount int64
	timestamp      time.Time
}

// PerformanceStatsCollector aggregates the stats workers report per test. Updates for different workers
// run concurrently without locking.
type PerformanceStatsCollector struct {
	sessionId  string
	outputDir  string
	repository repository.SessionRepository
	clock      clock.Clock

	// perfKey -> *atomic.Pointer[workerTestStats]
	stats sync.Map

	// Guards the performance log files.
	logLock sync.Mutex
	marks   map[string]intervalMark
}

func NewPerformanceStatsCollector(
	sessionId string,
	outputDir string,
	repository repository.SessionRepository,
	clock clock.Clock,
) *PerformanceStatsCollector {
	return &PerformanceStatsCollector{
		sessionId:  sessionId,
		outputDir:  outputDir,
		repository: repository,
		clock:      clock,
		marks:      map[string]intervalMark{},
	}
}

// Update merges the deltas one worker reported since its previous report.
func (c *PerformanceStatsCollector) Update(workerAddress string, performance api.WorkerPerformance) {
	for testId, delta := range performance {
		if delta == nil {
			continue
		}
		entry := c.entry(perfKey{worker: workerAddress, test: testId})
		for {
			current := entry.Load()
			if entry.CompareAndSwap(current, current.add(delta)) {
				break
			}
		}
	}
}

func (c *PerformanceStatsCollector) entry(key perfKey) *atomic.Pointer[workerTestStats] {
	if entry, ok := c.stats.Load(key); ok {
		return entry.(*atomic.Pointer[workerTestStats])
	}
	entry, _ := c.stats.LoadOrStore(key, &atomic.Pointer[workerTestStats]{})
	return entry.(*atomic.Pointer[workerTestStats])
}

func (c *PerformanceStatsCollector) forEach(testId string, fn func(worker string, stats *workerTestStats)) {
	c.stats.Range(func(k, v interface{}) bool {
		key := k.(perfKey)
		if key.test != testId {
			return true
		}
		if stats := v.(*atomic.Pointer[workerTestStats]).Load(); stats != nil {
			fn(key.worker, stats)
		}
		return true
	})
}

// Get sums the test's stats over all workers: the totals since the test started when aggregated is set,
// otherwise the most recent interval of each worker.
func (c *PerformanceStatsCollector) Get(testId string, aggregated bool) PerformanceSummary {
	var summary PerformanceSummary
	c.forEach(testId, func(_ string, stats *workerTestStats) {
		addStats(&summary, stats, aggregated)
	})
	return summary
}

// GetByAgent is Get broken down by the agent owning each worker.
func (c *PerformanceStatsCollector) GetByAgent(testId string, aggregated bool) map[string]*PerformanceSummary {
	byAgent := map[string]*PerformanceSummary{}
	c.forEach(testId, func(worker string, stats *workerTestStats) {
		agent := api.AgentOf(worker)
		summary, ok := byAgent[agent]
		if !ok {
			summary = &PerformanceSummary{}
			byAgent[agent] = summary
		}
		addStats(summary, stats, aggregated)
	})
	return byAgent
}

func addStats(summary *PerformanceSummary, stats *workerTestStats, aggregated bool) {
	if aggregated {
		summary.add(stats.operationCount, stats.interval, stats.latency)
		return
	}
	if stats.last != nil {
		summary.add(stats.last.OperationCount, stats.last.Interval, stats.last.Latency)
	}
}

// TestIds returns every test that has reported stats, sorted.
func (c *PerformanceStatsCollector) TestIds() []string {
	ids := map[string]bool{}
	c.stats.Range(func(k, _ interface{}) bool {
		ids[k.(perfKey).test] = true
		return true
	})
	result := maps.Keys(ids)
	slices.Sort(result)
	return result
}

// Render formats the totals of a test per agent followed by the total over all agents.
func (c *PerformanceStatsCollector) Render(testId string) string {
	byAgent := c.GetByAgent(testId, true)
	agents := maps.Keys(byAgent)
	slices.SortFunc(agents, func(a, b string) bool {
		ai, _ := api.ParseAgentAddress(a)
		bi, _ := api.ParseAgentAddress(b)
		return ai < bi
	})

	w := util.NewTabbedStringBuilder(1, 1, 2, ' ', 0)
	w.Writef("Performance of test %s\n", testId)
	w.Row("Agent", "Operations", "Ops/s", "Mean", "p99", "Max")
	for _, agent := range agents {
		writeSummaryRow(w, agent, byAgent[agent])
	}
	total := c.Get(testId, true)
	writeSummaryRow(w, "Total", &total)
	return w.String()
}

func writeSummaryRow(w *util.TabbedStringBuilder, name string, summary *PerformanceSummary) {
	mean, p99, max := "-", "-", "-"
	if summary.Latency != nil && summary.Latency.TotalCount() > 0 {
		mean = FormatLatency(summary.Latency.Mean())
		p99 = FormatLatency(float64(summary.Latency.ValueAtQuantile(99)))
		max = FormatLatency(float64(summary.Latency.Max()))
	}
	w.Row(name, summary.OperationCount, fmt.Sprintf("%.2f", summary.Throughput), mean, p99, max)
}

// FormatLatency formats a latency given in microseconds.
func FormatLatency(micros float64) string {
	if micros >= latencyMillisThreshold {
		return fmt.Sprintf("%.2fms", micros/1000)
	}
	return fmt.Sprintf("%.0fµs", micros)
}

// WriteInterval appends one line to the test's performance log: timestamp, cumulative operations,
// operations since the previous line and the rate over that interval. It returns the sample written.
func (c *PerformanceStatsCollector) WriteInterval(testId string) (repository.PerformanceSample, error) {
	c.logLock.Lock()
	defer c.logLock.Unlock()

	now := c.clock.Now()
	total := c.Get(testId, true)
	mark, seen := c.marks[testId]
	sample := repository.PerformanceSample{
		TestId:         testId,
		Timestamp:      now,
		OperationCount: total.OperationCount,
		OperationDelta: total.OperationCount - mark.operationCount,
	}
	if seen {
		if elapsed := now.Sub(mark.timestamp); elapsed > 0 {
			sample.OperationsPerSec = float64(sample.OperationDelta) / elapsed.Seconds()
		}
	} else {
		sample.OperationsPerSec = c.Get(testId, false).Throughput
	}
	c.marks[testId] = intervalMark{operationCount: total.OperationCount, timestamp: now}

	if err := c.appendLine(testId, !seen, sample); err != nil {
		return sample, err
	}
	if err := c.repository.SavePerformance(c.sessionId, sample); err != nil {
		log.Errorf("Could not store performance of test %s: %s", testId, err)
	}
	return sample, nil
}

func (c *PerformanceStatsCollector) appendLine(testId string, header bool, sample repository.PerformanceSample) error {
	path := filepath.Join(c.outputDir, PerformanceFileName(testId))
	if err := os.MkdirAll(c.outputDir, 0o755); err != nil {
		return errors.WithStack(err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()
	if header {
		if _, err := fmt.Fprintln(f, "# timestamp, operations, operations delta, operations/second"); err != nil {
			return errors.WithStack(err)
		}
	}
	_, err = fmt.Fprintf(f, "%s, %d, %d, %.2f\n",
		sample.Timestamp.Format(time.RFC3339), sample.OperationCount, sample.OperationDelta, sample.OperationsPerSec)
	return errors.WithStack(err)
}
