package coordinator

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/G-Research/fleetbench/internal/common/fleetcontext"
	"github.com/G-Research/fleetbench/internal/registry"
	"github.com/G-Research/fleetbench/pkg/api"
)

// TestSuiteRunner runs the tests of a suite one after the other or all at once and decides whether the suite passed.
type TestSuiteRunner struct {
	env   *ExecutionEnv
	suite *TestSuite
	query WorkerQuery
	// Called between sequential tests when Suite.RefreshWorkers is set.
	refreshWorkers func(ctx *fleetcontext.Context) error
	// Called after each test completes.
	onTestCompleted func(testId string)

	stopped atomic.Bool
	// Closed once StopTests gives up on tests that did not complete in time.
	abandoned     chan struct{}
	abandonedOnce sync.Once

	lock sync.Mutex
	// Test id -> workers the test was started on.
	running map[string][]*registry.WorkerRecord
	// Tests that never ran or did not complete in time.
	failedTests map[string]string
}

func NewTestSuiteRunner(
	env *ExecutionEnv,
	suite *TestSuite,
	query WorkerQuery,
	refreshWorkers func(ctx *fleetcontext.Context) error,
	onTestCompleted func(testId string),
) *TestSuiteRunner {
	if onTestCompleted == nil {
		onTestCompleted = func(string) {}
	}
	return &TestSuiteRunner{
		env:             env,
		suite:           suite,
		query:           query,
		refreshWorkers:  refreshWorkers,
		onTestCompleted: onTestCompleted,
		abandoned:       make(chan struct{}),
		running:         map[string][]*registry.WorkerRecord{},
		failedTests:     map[string]string{},
	}
}

// Run runs the suite and reports whether it passed: no critical failure was recorded and every test ran
// and completed in time.
func (r *TestSuiteRunner) Run(ctx *fleetcontext.Context) bool {
	if r.env.Suite.Parallel {
		r.runParallel(ctx)
	} else {
		r.runSequential(ctx)
	}

	r.lock.Lock()
	failedTests := len(r.failedTests)
	r.lock.Unlock()
	critical := r.env.Failures.CriticalFailureCount()
	if critical > 0 || failedTests > 0 {
		ctx.Log.Errorf("Test suite failed: %d critical failures, %d tests did not run or complete", critical, failedTests)
		return false
	}
	ctx.Log.Infof("Test suite passed")
	return true
}

func (r *TestSuiteRunner) runSequential(ctx *fleetcontext.Context) {
	for i, tc := range r.suite.Tests {
		if ctx.Err() != nil || r.stopped.Load() {
			ctx.Log.Warnf("Suite stopped, not running the remaining %d tests", len(r.suite.Tests)-i)
			return
		}
		if r.env.Suite.FailFast && r.env.Failures.HasCriticalFailure() {
			ctx.Log.Warnf("Fail fast: skipping the remaining %d tests after a critical failure", len(r.suite.Tests)-i)
			return
		}
		if i > 0 && r.env.Suite.RefreshWorkers && r.refreshWorkers != nil {
			ctx.Log.Infof("Refreshing workers before test %s", tc.Id)
			if err := r.refreshWorkers(ctx); err != nil {
				ctx.Log.Errorf("Could not refresh workers, not running the remaining %d tests: %s", len(r.suite.Tests)-i, err)
				r.markFailed(tc.Id, fmt.Sprintf("worker refresh failed: %s", err))
				return
			}
		}
		r.runTest(ctx, tc)
	}
}

func (r *TestSuiteRunner) runParallel(ctx *fleetcontext.Context) {
	wg := sync.WaitGroup{}
	for _, tc := range r.suite.Tests {
		tc := tc
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.runTest(ctx, tc)
		}()
	}
	wg.Wait()
}

func (r *TestSuiteRunner) runTest(ctx *fleetcontext.Context, tc *api.TestCase) {
	query, err := r.query.WithTestOverrides(tc)
	if err != nil {
		r.markFailed(tc.Id, err.Error())
		return
	}
	workers, err := query.Select(r.env.Registry.GetWorkers())
	if err != nil {
		r.markFailed(tc.Id, err.Error())
		return
	}
	test, err := r.env.Registry.AddTest(tc)
	if err != nil {
		r.markFailed(tc.Id, err.Error())
		return
	}
	defer r.env.Registry.RemoveTest(tc.Id)

	r.lock.Lock()
	r.running[tc.Id] = workers
	r.lock.Unlock()
	// A stop request that raced with the test being added still applies.
	if r.stopped.Load() {
		test.RequestStop()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		NewTestPhaseExecutor(r.env, test, workers).Run(ctx)
	}()
	select {
	case <-done:
	case <-r.abandoned:
		ctx.Log.Errorf("Test %s did not complete after being stopped, no longer waiting for it", tc.Id)
		return
	}

	r.lock.Lock()
	delete(r.running, tc.Id)
	r.lock.Unlock()

	outcome := "passed"
	if r.env.Failures.HasCriticalFailureForTest(tc.Id) {
		outcome = "failed"
	}
	r.env.metrics.testsCompleted.WithLabelValues(outcome).Inc()
	r.onTestCompleted(tc.Id)
}

func (r *TestSuiteRunner) markFailed(testId string, reason string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.failedTests[testId] = reason
	log.Errorf("Test %s failed: %s", testId, reason)
}

// StopTests asks every running test to stop and waits up to Suite.CompletionTimeout for them to complete.
// No further tests are started. Tests still running at the deadline are recorded as completion timeouts and
// Run returns without waiting for them; it returns false if there were any.
func (r *TestSuiteRunner) StopTests(ctx *fleetcontext.Context) bool {
	r.stopped.Store(true)
	tests := r.env.Registry.GetTests()
	for _, test := range tests {
		ctx.Log.Infof("Asking test %s to stop", test.Id)
		test.RequestStop()
	}

	deadline := r.env.Clock.Now().Add(r.env.Suite.CompletionTimeout)
	for {
		var incomplete []*registry.TestData
		for _, test := range tests {
			if !test.IsCompleted() {
				incomplete = append(incomplete, test)
			}
		}
		if len(incomplete) == 0 {
			return true
		}
		if !r.env.Clock.Now().Before(deadline) || ctx.Err() != nil {
			for _, test := range incomplete {
				r.recordStuck(test)
			}
			r.abandonedOnce.Do(func() { close(r.abandoned) })
			return false
		}
		select {
		case <-ctx.Done():
		case <-r.env.Clock.After(minDuration(r.env.PollInterval, deadline.Sub(r.env.Clock.Now()))):
		}
	}
}

func (r *TestSuiteRunner) recordStuck(test *registry.TestData) {
	r.lock.Lock()
	workers := r.running[test.Id]
	r.lock.Unlock()
	r.markFailed(test.Id, fmt.Sprintf("did not complete within %s of being asked to stop", r.env.Suite.CompletionTimeout))
	for _, worker := range workers {
		r.env.Failures.Notify(&api.Failure{
			Type:          api.FailureWorkerCompletionTimeout,
			Message:       fmt.Sprintf("test %s did not complete within %s", test.Id, r.env.Suite.CompletionTimeout),
			AgentAddress:  worker.AgentAddress,
			WorkerAddress: worker.Address,
			TestId:        test.Id,
		})
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if b < a {
		return b
	}
	return a
}
