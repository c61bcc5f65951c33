package coordinator

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/G-Research/fleetbench/internal/common/fleetcontext"
	"github.com/G-Research/fleetbench/internal/common/fleeterrors"
	"github.com/G-Research/fleetbench/internal/common/logging"
	"github.com/G-Research/fleetbench/internal/coordinator/configuration"
	"github.com/G-Research/fleetbench/internal/registry"
	"github.com/G-Research/fleetbench/pkg/api"
)

// ExecutionEnv is shared by every test execution of a session.
type ExecutionEnv struct {
	Suite    configuration.SuiteConfig
	Remote   configuration.RemoteConfig
	Caller   WorkerCaller
	Registry *registry.Registry
	Failures *FailureCollector
	Clock    clock.Clock
	// How often a running test checks whether it should stop.
	PollInterval time.Duration

	metrics *coordinatorMetrics
}

// TestPhaseExecutor drives one test through its phases on a fixed set of workers. Phases up to and including
// Suite.LastPhaseToSync are barriers: every worker finishes phase N, or times out, before any worker starts
// phase N+1. Later phases run on each worker independently, still in order.
type TestPhaseExecutor struct {
	env     *ExecutionEnv
	test    *registry.TestData
	workers []*registry.WorkerRecord

	// The run duration is waited for once, however many workers reach the run phase.
	runGate sync.Once
	// Global phases of the unsynchronised part run on whichever worker gets there first.
	globalOnce map[api.Phase]*sync.Once
}

func NewTestPhaseExecutor(env *ExecutionEnv, test *registry.TestData, workers []*registry.WorkerRecord) *TestPhaseExecutor {
	globalOnce := map[api.Phase]*sync.Once{}
	for _, phase := range api.AllPhases() {
		if phase.IsGlobal() {
			globalOnce[phase] = &sync.Once{}
		}
	}
	return &TestPhaseExecutor{
		env:        env,
		test:       test,
		workers:    workers,
		globalOnce: globalOnce,
	}
}

// Run executes every phase. Problems are reported to the failure collector rather than returned;
// the test is marked completed when Run returns.
func (e *TestPhaseExecutor) Run(ctx *fleetcontext.Context) {
	ctx = fleetcontext.WithLogField(ctx, "testId", e.test.Id)
	if !e.test.MarkStarted(e.env.Clock.Now()) {
		ctx.Log.Warnf("Test %s has already completed, not running it again", e.test.Id)
		return
	}
	defer e.test.MarkCompleted()

	ctx.Log.Infof("Starting test %s on %d workers", e.test.TestCase, len(e.workers))
	workers := e.createTest(ctx)
	if len(workers) == 0 {
		ctx.Log.Errorf("Test %s could not be created on any worker", e.test.Id)
		return
	}

	var synced, unsynced []api.Phase
	for _, phase := range e.phases() {
		if phase <= e.env.Suite.LastPhaseToSync {
			synced = append(synced, phase)
		} else {
			unsynced = append(unsynced, phase)
		}
	}
	for _, phase := range synced {
		if ctx.Err() != nil {
			return
		}
		workers = e.runBarrierPhase(ctx, phase, workers)
	}
	if len(unsynced) > 0 {
		e.runChains(ctx, unsynced, workers)
	}

	ctx.Log.Infof("Test %s completed in %s", e.test.Id, e.env.Clock.Since(e.test.StartTime()).Round(time.Millisecond))
}

func (e *TestPhaseExecutor) phases() []api.Phase {
	var phases []api.Phase
	for _, phase := range api.AllPhases() {
		if phase.IsVerify() && !e.env.Suite.Verify {
			continue
		}
		phases = append(phases, phase)
	}
	return phases
}

// createTest returns the workers the test was created on.
func (e *TestPhaseExecutor) createTest(ctx *fleetcontext.Context) []*registry.WorkerRecord {
	ok := make([]bool, len(e.workers))
	e.forEachWorker(ctx, e.workers, func(i int, worker *registry.WorkerRecord) {
		err := e.env.Caller.CreateTest(ctx, worker.Address, e.test.TestCase, e.env.Remote.CallTimeout)
		if err != nil {
			e.reportFailure(ctx, worker, "create", err)
			return
		}
		ok[i] = true
	})
	var created []*registry.WorkerRecord
	for i, worker := range e.workers {
		if ok[i] {
			created = append(created, worker)
		}
	}
	return created
}

// runBarrierPhase runs phase on every worker and returns once all of them have finished.
// Workers on which the test can no longer run are left out of the result.
func (e *TestPhaseExecutor) runBarrierPhase(ctx *fleetcontext.Context, phase api.Phase, workers []*registry.WorkerRecord) []*registry.WorkerRecord {
	if e.skip(phase) {
		ctx.Log.Infof("Skipping %s of test %s", phase, e.test.Id)
		return workers
	}
	start := e.env.Clock.Now()
	defer func() {
		e.env.metrics.phaseDuration.WithLabelValues(phase.String()).Observe(e.env.Clock.Since(start).Seconds())
	}()
	ctx = fleetcontext.WithLogField(ctx, "phase", phase.String())

	if phase.IsGlobal() {
		target := e.globalTarget(workers)
		if target == nil {
			ctx.Log.Warnf("No worker left to run %s of test %s", phase, e.test.Id)
			return workers
		}
		ctx.Log.Infof("Running %s of test %s on %s", phase, e.test.Id, target.Address)
		if e.startPhase(ctx, target, phase) {
			return workers
		}
		return without(workers, target)
	}

	ctx.Log.Infof("Running %s of test %s on %d workers", phase, e.test.Id, len(workers))
	if phase == api.PhaseRun {
		return e.runBarrierRun(ctx, workers)
	}
	keep := make([]bool, len(workers))
	e.forEachWorker(ctx, workers, func(i int, worker *registry.WorkerRecord) {
		keep[i] = e.startPhase(ctx, worker, phase)
	})
	return selected(workers, keep)
}

// runBarrierRun starts the run on every worker, waits for the test to end and then stops every worker.
func (e *TestPhaseExecutor) runBarrierRun(ctx *fleetcontext.Context, workers []*registry.WorkerRecord) []*registry.WorkerRecord {
	keep := make([]bool, len(workers))
	e.forEachWorker(ctx, workers, func(i int, worker *registry.WorkerRecord) {
		keep[i] = e.startPhase(ctx, worker, api.PhaseRun)
	})
	running := selected(workers, keep)
	if len(running) == 0 {
		return running
	}
	e.awaitRunEnd(ctx)
	e.forEachWorker(ctx, running, func(_ int, worker *registry.WorkerRecord) {
		e.stopRun(ctx, worker)
	})
	return running
}

// runChains runs the remaining phases on every worker independently.
func (e *TestPhaseExecutor) runChains(ctx *fleetcontext.Context, phases []api.Phase, workers []*registry.WorkerRecord) {
	wg := sync.WaitGroup{}
	for _, worker := range workers {
		worker := worker
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.runChain(fleetcontext.WithLogField(ctx, "worker", worker.Address), phases, worker)
		}()
	}
	wg.Wait()
}

func (e *TestPhaseExecutor) runChain(ctx *fleetcontext.Context, phases []api.Phase, worker *registry.WorkerRecord) {
	for _, phase := range phases {
		if ctx.Err() != nil {
			return
		}
		if e.skip(phase) {
			continue
		}
		if phase.IsGlobal() {
			ok := true
			e.globalOnce[phase].Do(func() {
				ctx.Log.Infof("Running %s of test %s on %s", phase, e.test.Id, worker.Address)
				ok = e.startPhase(ctx, worker, phase)
			})
			if !ok {
				return
			}
			continue
		}
		if !e.startPhase(ctx, worker, phase) {
			return
		}
		if phase == api.PhaseRun {
			e.awaitRunEnd(ctx)
			e.stopRun(ctx, worker)
		}
	}
}

// skip reports whether phase is left out because the test already has a critical failure under fail fast.
// Teardown phases always run.
func (e *TestPhaseExecutor) skip(phase api.Phase) bool {
	return e.env.Suite.FailFast && !phase.IsTeardown() && e.env.Failures.HasCriticalFailureForTest(e.test.Id)
}

// startPhase invokes phase on one worker and reports whether the worker should carry on with the test.
func (e *TestPhaseExecutor) startPhase(ctx *fleetcontext.Context, worker *registry.WorkerRecord, phase api.Phase) bool {
	if _, ok := e.env.Registry.FindWorker(worker.Address); !ok {
		ctx.Log.Warnf("Worker %s is gone, not running %s of test %s", worker.Address, phase, e.test.Id)
		return false
	}
	timeout := e.env.Suite.PhaseTimeout
	if phase.IsTeardown() {
		timeout = e.env.Suite.TeardownTimeout
	}
	err := e.env.Caller.StartPhase(ctx, worker.Address, e.test.Id, phase, timeout)
	if err == nil {
		return true
	}
	if fleeterrors.IsTestCompleted(err) {
		ctx.Log.Infof("Test %s has already completed on %s", e.test.Id, worker.Address)
		return false
	}
	e.reportFailure(ctx, worker, phase.String(), err)
	return !fleeterrors.IsNotFound(err)
}

func (e *TestPhaseExecutor) stopRun(ctx *fleetcontext.Context, worker *registry.WorkerRecord) {
	if _, ok := e.env.Registry.FindWorker(worker.Address); !ok {
		return
	}
	err := e.env.Caller.StopRun(ctx, worker.Address, e.test.Id, e.env.Suite.PhaseTimeout)
	if err != nil && !fleeterrors.IsTestCompleted(err) {
		e.reportFailure(ctx, worker, "stop", err)
	}
}

// awaitRunEnd blocks until the test's duration has passed, or, with no duration, until the test is asked to stop.
// Under fail fast a critical failure of the test ends the wait early.
func (e *TestPhaseExecutor) awaitRunEnd(ctx *fleetcontext.Context) {
	e.runGate.Do(func() {
		duration := e.duration(ctx)
		var deadline <-chan time.Time
		if duration > 0 {
			ctx.Log.Infof("Running test %s for %s", e.test.Id, duration)
			deadline = e.env.Clock.After(duration)
		} else {
			ctx.Log.Infof("Running test %s until it is stopped", e.test.Id)
		}
		for {
			if e.test.IsStopRequested() {
				ctx.Log.Infof("Test %s was asked to stop", e.test.Id)
				return
			}
			if e.env.Suite.FailFast && e.env.Failures.HasCriticalFailureForTest(e.test.Id) {
				ctx.Log.Warnf("Stopping test %s early after a critical failure", e.test.Id)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-deadline:
				return
			case <-e.env.Clock.After(e.env.PollInterval):
			}
		}
	})
}

func (e *TestPhaseExecutor) duration(ctx *fleetcontext.Context) time.Duration {
	duration, ok, err := e.test.TestCase.Duration()
	if err != nil {
		ctx.Log.Warnf("Ignoring invalid duration of test %s: %s", e.test.Id, err)
	}
	if !ok || err != nil {
		return e.env.Suite.Duration
	}
	return duration
}

func (e *TestPhaseExecutor) globalTarget(workers []*registry.WorkerRecord) *registry.WorkerRecord {
	for _, worker := range workers {
		if _, ok := e.env.Registry.FindWorker(worker.Address); ok {
			return worker
		}
	}
	return nil
}

// forEachWorker calls fn concurrently for every worker, at most Remote.FanOutParallelism at a time.
func (e *TestPhaseExecutor) forEachWorker(ctx *fleetcontext.Context, workers []*registry.WorkerRecord, fn func(i int, worker *registry.WorkerRecord)) {
	g := errgroup.Group{}
	g.SetLimit(e.env.Remote.FanOutParallelism)
	for i, worker := range workers {
		i, worker := i, worker
		g.Go(func() error {
			fn(i, worker)
			return nil
		})
	}
	_ = g.Wait()
}

// reportFailure records a failed call. Calls aborted because the coordinator itself is stopping are only logged.
func (e *TestPhaseExecutor) reportFailure(ctx *fleetcontext.Context, worker *registry.WorkerRecord, step string, err error) {
	if ctx.Err() != nil {
		ctx.Log.Warnf("%s of test %s on %s aborted: %s", step, e.test.Id, worker.Address, err)
		return
	}
	failureType := api.FailureWorkerException
	if fleeterrors.IsTimeout(err) {
		failureType = api.FailureWorkerPhaseTimeout
	}
	logging.WithStacktrace(ctx.Log.WithField("worker", worker.Address), err).
		Debugf("%s of test %s failed", step, e.test.Id)
	e.env.Failures.Notify(&api.Failure{
		Type:          failureType,
		Message:       fmt.Sprintf("%s of test %s failed on %s", step, e.test.Id, worker.Address),
		Cause:         logging.FormatCause(err),
		AgentAddress:  worker.AgentAddress,
		WorkerAddress: worker.Address,
		TestId:        e.test.Id,
	})
}

func selected(workers []*registry.WorkerRecord, keep []bool) []*registry.WorkerRecord {
	var result []*registry.WorkerRecord
	for i, worker := range workers {
		if keep[i] {
			result = append(result, worker)
		}
	}
	return result
}

func without(workers []*registry.WorkerRecord, remove *registry.WorkerRecord) []*registry.WorkerRecord {
	result := make([]*registry.WorkerRecord, 0, len(workers))
	for _, worker := range workers {
		if worker != remove {
			result = append(result, worker)
		}
	}
	return result
}
