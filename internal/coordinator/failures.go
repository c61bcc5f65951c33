package coordinator

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/fleetbench/internal/common/metrics"
	"github.com/G-Research/fleetbench/internal/coordinator/configuration"
	"github.com/G-Research/fleetbench/internal/coordinator/repository"
	"github.com/G-Research/fleetbench/internal/registry"
	"github.com/G-Research/fleetbench/pkg/api"
)

const FailureFilePrefix = "failures-"

func FailureFileName(sessionId string) string {
	return FailureFilePrefix + sessionId + ".txt"
}

// FailureCollector is the single place failures are accepted. It is also the only component that removes a worker
// from the registry after a terminal failure, so concurrent reports for the same worker remove it exactly once.
type FailureCollector struct {
	sessionId  string
	config     configuration.FailuresConfig
	registry   *registry.Registry
	repository repository.SessionRepository
	clock      clock.Clock
	logPath    string
	// Removed worker address -> type of the failure that removed it.
	tombstones    *lru.Cache
	failureCounts *prometheus.CounterVec

	lock           sync.Mutex
	logFile        *os.File
	failures       []*api.Failure
	countsByType   map[api.FailureType]int
	critical       int
	criticalByTest map[string]int
	// Critical failures not tied to a test count against every test.
	criticalUnscoped int
}

func NewFailureCollector(
	sessionId string,
	outputDir string,
	config configuration.FailuresConfig,
	registry *registry.Registry,
	repository repository.SessionRepository,
	clock clock.Clock,
	registerer prometheus.Registerer,
) (*FailureCollector, error) {
	tombstones, err := lru.New(config.TombstoneCacheSize)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &FailureCollector{
		sessionId:  sessionId,
		config:     config,
		registry:   registry,
		repository: repository,
		clock:      clock,
		logPath:    filepath.Join(outputDir, FailureFileName(sessionId)),
		tombstones: tombstones,
		failureCounts: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: metrics.CoordinatorMetricPrefix + "failures_total",
				Help: "Failures recorded, by failure type",
			},
			[]string{"type"},
		),
		countsByType:   map[api.FailureType]int{},
		criticalByTest: map[string]int{},
	}, nil
}

// Notify accepts a failure from any detector. Reports for workers no longer in the registry are dropped, as are
// reports for workers being terminated on purpose and normal exits. A terminal failure removes its worker.
func (c *FailureCollector) Notify(failure *api.Failure) {
	if failure.Id == "" {
		failure.Id = uuid.NewString()
	}
	if failure.Timestamp.IsZero() {
		failure.Timestamp = c.clock.Now()
	}
	if failure.AgentAddress == "" && failure.WorkerAddress != "" {
		failure.AgentAddress = api.AgentOf(failure.WorkerAddress)
	}

	if failure.WorkerAddress != "" {
		worker, ok := c.registry.FindWorker(failure.WorkerAddress)
		if !ok {
			c.logStale(failure)
			return
		}
		if worker.IgnoreFailures() {
			if failure.IsTerminal() {
				c.removeWorker(failure)
			}
			log.Debugf("Ignoring %s for %s, it is being terminated", failure.Type, failure.WorkerAddress)
			return
		}
		if failure.IsTerminal() && !c.removeWorker(failure) {
			c.logStale(failure)
			return
		}
	}
	if failure.Type.IsPoisonPill() {
		log.Infof("Worker %s exited normally", failure.WorkerAddress)
		return
	}

	c.enrich(failure)
	c.record(failure)
}

func (c *FailureCollector) removeWorker(failure *api.Failure) bool {
	if _, ok := c.registry.RemoveWorker(failure.WorkerAddress); !ok {
		return false
	}
	c.tombstones.Add(failure.WorkerAddress, failure.Type)
	log.Warnf("Removed worker %s after %s", failure.WorkerAddress, failure.Type)
	return true
}

func (c *FailureCollector) logStale(failure *api.Failure) {
	if cause, ok := c.tombstones.Get(failure.WorkerAddress); ok {
		log.Debugf("Dropping %s for worker %s, already removed after %s", failure.Type, failure.WorkerAddress, cause)
		return
	}
	log.Debugf("Dropping %s for unknown worker %s", failure.Type, failure.WorkerAddress)
}

func (c *FailureCollector) enrich(failure *api.Failure) {
	if failure.TestId == "" {
		return
	}
	test, ok := c.registry.GetTest(failure.TestId)
	if !ok {
		return
	}
	failure.TestCase = test.TestCase
	if test.IsStarted() {
		failure.Duration = c.clock.Since(test.StartTime())
	}
}

func (c *FailureCollector) record(failure *api.Failure) {
	critical := c.isCritical(failure.Type)

	c.lock.Lock()
	c.failures = append(c.failures, failure)
	count := len(c.failures)
	c.countsByType[failure.Type]++
	if critical {
		c.critical++
		if failure.TestId != "" {
			c.criticalByTest[failure.TestId]++
		} else {
			c.criticalUnscoped++
		}
	}
	writeErr := c.appendToLog(failure)
	c.lock.Unlock()

	c.failureCounts.WithLabelValues(failure.Type.String()).Inc()
	if writeErr != nil {
		log.Errorf("Could not write failure %s to %s: %s", failure.Id, c.logPath, writeErr)
	}
	if err := c.repository.SaveFailure(c.sessionId, failure); err != nil {
		log.Errorf("Could not store failure %s: %s", failure.Id, err)
	}

	switch {
	case count <= c.config.ConsoleLimit:
		log.Error(failure.Render())
	case count == c.config.ConsoleLimit+1:
		log.Warnf("More than %d failures, further failures are only written to %s", c.config.ConsoleLimit, c.logPath)
	}
}

// appendToLog must be called with the lock held.
func (c *FailureCollector) appendToLog(failure *api.Failure) error {
	if c.logFile == nil {
		if err := os.MkdirAll(filepath.Dir(c.logPath), 0o755); err != nil {
			return errors.WithStack(err)
		}
		f, err := os.OpenFile(c.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return errors.WithStack(err)
		}
		c.logFile = f
	}
	_, err := fmt.Fprintln(c.logFile, failure.Render())
	return errors.WithStack(err)
}

func (c *FailureCollector) isCritical(failureType api.FailureType) bool {
	for _, t := range c.config.NonCritical {
		if t == failureType {
			return false
		}
	}
	return true
}

func (c *FailureCollector) HasCriticalFailure() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.critical > 0
}

// HasCriticalFailureForTest also reports failures not tied to any test.
func (c *FailureCollector) HasCriticalFailureForTest(testId string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.criticalByTest[testId] > 0 || c.criticalUnscoped > 0
}

func (c *FailureCollector) FailureCount() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.failures)
}

func (c *FailureCollector) CriticalFailureCount() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.critical
}

func (c *FailureCollector) CountsByType() map[api.FailureType]int {
	c.lock.Lock()
	defer c.lock.Unlock()
	counts := make(map[api.FailureType]int, len(c.countsByType))
	for k, v := range c.countsByType {
		counts[k] = v
	}
	return counts
}

// Failures returns the recorded failures in the order they were recorded.
func (c *FailureCollector) Failures() []*api.Failure {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]*api.Failure(nil), c.failures...)
}

func (c *FailureCollector) LogPath() string {
	return c.logPath
}

func (c *FailureCollector) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.logFile == nil {
		return nil
	}
	err := c.logFile.Close()
	c.logFile = nil
	return errors.WithStack(err)
}
