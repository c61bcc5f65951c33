package worker

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/G-Research/fleetbench/internal/common/fleetcontext"
	"github.com/G-Research/fleetbench/internal/common/fleeterrors"
	"github.com/G-Research/fleetbench/internal/worker/benchmarks"
	"github.com/G-Research/fleetbench/pkg/api"
)

const (
	ThreadCountPropertyKey = "threadCount"
	RatePropertyKey        = "ratePerSecond"
)

// testContainer holds one test instance on a worker and runs its phases in order.
type testContainer struct {
	testCase   *api.TestCase
	test       benchmarks.Test
	env        *benchmarks.Env
	tracker    *perfTracker
	clock      clock.Clock
	exceptions *exceptionWriter
	// Limits how many failed run operations are written as exception files.
	errorLimiter *rate.Limiter

	// Held for the whole of a phase so phases of one test never overlap.
	phaseLock sync.Mutex

	// Guards the fields below and is never held while test code runs.
	lock      sync.Mutex
	lastPhase api.Phase
	started   bool
	completed bool
	runner    *runner
}

func newTestContainer(test benchmarks.Test, env *benchmarks.Env, clock clock.Clock, exceptions *exceptionWriter) *testContainer {
	return &testContainer{
		testCase:     env.TestCase,
		test:         test,
		env:          env,
		tracker:      newPerfTracker(clock),
		clock:        clock,
		exceptions:   exceptions,
		errorLimiter: rate.NewLimiter(rate.Limit(1), 5),
	}
}

// invoke runs phase on the test. Phases must arrive in order; the run phase only starts the run threads.
func (c *testContainer) invoke(ctx *fleetcontext.Context, phase api.Phase) error {
	c.phaseLock.Lock()
	defer c.phaseLock.Unlock()

	r, err := c.advance(phase)
	if err != nil {
		return err
	}

	if phase > api.PhaseRun && r != nil && r.running() {
		ctx.Log.Warnf("Stopping run implicitly before %s", phase)
		r.stop()
		if err := r.wait(ctx); err != nil {
			return errors.WithStack(err)
		}
	}
	if phase == api.PhaseLocalTeardown {
		defer c.markCompleted()
	}

	if phase == api.PhaseSetup {
		return c.call(func() error { return c.test.Setup(ctx, c.env) })
	}
	if !c.test.Capabilities().Has(phase) {
		return nil
	}
	switch phase {
	case api.PhaseLocalWarmup, api.PhaseGlobalWarmup:
		return c.call(func() error { return c.test.Warmup(ctx, phase.IsGlobal()) })
	case api.PhaseRun:
		return c.startRun(ctx)
	case api.PhaseGlobalVerify, api.PhaseLocalVerify:
		return c.call(func() error { return c.test.Verify(ctx, phase.IsGlobal()) })
	case api.PhaseGlobalTeardown, api.PhaseLocalTeardown:
		return c.call(func() error { return c.test.Teardown(ctx, phase.IsGlobal()) })
	}
	return nil
}

// advance records phase as the latest one and returns the current runner.
func (c *testContainer) advance(phase api.Phase) (*runner, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.completed {
		return nil, errors.WithStack(&fleeterrors.ErrTestCompleted{TestId: c.testCase.Id})
	}
	if c.started && phase <= c.lastPhase {
		return nil, errors.WithStack(&fleeterrors.ErrInvalidArgument{
			Name:    "phase",
			Value:   phase,
			Message: fmt.Sprintf("test %s already ran %s", c.testCase.Id, c.lastPhase),
		})
	}
	c.started = true
	c.lastPhase = phase
	return c.runner, nil
}

func (c *testContainer) markCompleted() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.completed = true
}

// call invokes a test body, turning a panic into an error.
func (c *testContainer) call(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("test %s panicked: %v", c.testCase.Id, r)
		}
	}()
	return f()
}

func (c *testContainer) startRun(ctx *fleetcontext.Context) error {
	var operations []benchmarks.Operation
	if err := c.call(func() error {
		operations = c.test.Operations()
		return nil
	}); err != nil {
		return err
	}
	selector, err := newOperationSelector(operations)
	if err != nil {
		return errors.WithMessagef(err, "test %s", c.testCase.Id)
	}
	threads, err := benchmarks.IntProperty(c.testCase, ThreadCountPropertyKey, 1)
	if err != nil {
		return err
	}
	ratePerSecond, err := benchmarks.FloatProperty(c.testCase, RatePropertyKey, 0)
	if err != nil {
		return err
	}

	// The run outlives the request that started it.
	runCtx := fleetcontext.New(fleetcontext.Background(), ctx.Log)
	r := newRunner(selector, NewPacer(ratePerSecond, threads), threads, c.tracker, c.clock, func(op string, err error) bool {
		return c.operationFailed(runCtx, op, err)
	})
	c.lock.Lock()
	c.runner = r
	c.lock.Unlock()
	r.start(runCtx)
	return nil
}

func (c *testContainer) operationFailed(ctx *fleetcontext.Context, op string, err error) bool {
	fatal := benchmarks.IsFatal(err)
	if !fatal && !c.errorLimiter.Allow() {
		return false
	}
	err = errors.WithMessagef(err, "operation %s failed", op)
	ctx.Log.Warnf("%s", err)
	if writeErr := c.exceptions.write(c.testCase.Id, api.PhaseRun.String(), err, fatal); writeErr != nil {
		ctx.Log.Errorf("Failed to write exception: %s", writeErr)
	}
	return fatal
}

// stopRun stops the run threads and waits for them to finish. It is a no-op if the run never started.
func (c *testContainer) stopRun(ctx *fleetcontext.Context) error {
	c.lock.Lock()
	r := c.runner
	c.lock.Unlock()
	if r == nil {
		return nil
	}
	r.stop()
	if err := r.wait(ctx); err != nil {
		return errors.WithStack(&fleeterrors.ErrTimeout{Operation: "stop run", Target: c.testCase.Id})
	}
	return nil
}

func (c *testContainer) isRunning() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.runner != nil && c.runner.running()
}

func (c *testContainer) isCompleted() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.completed
}
