package coordinator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/G-Research/fleetbench/internal/common/fleetcontext"
	"github.com/G-Research/fleetbench/internal/common/fleeterrors"
	"github.com/G-Research/fleetbench/internal/common/logging"
	"github.com/G-Research/fleetbench/internal/common/metrics"
	"github.com/G-Research/fleetbench/internal/common/task"
	"github.com/G-Research/fleetbench/internal/common/util"
	"github.com/G-Research/fleetbench/internal/coordinator/configuration"
	"github.com/G-Research/fleetbench/internal/coordinator/deployment"
	"github.com/G-Research/fleetbench/internal/coordinator/repository"
	"github.com/G-Research/fleetbench/internal/registry"
	"github.com/G-Research/fleetbench/pkg/api"
)

// Coordinator owns the registry of a session. It brings up the fleet, runs the test suite on it and tears it down.
type Coordinator struct {
	config      configuration.CoordinatorConfiguration
	sessionId   string
	sessionDir  string
	suite       *TestSuite
	registry    *registry.Registry
	remote      *RemoteClient
	launcher    AgentLauncher
	repository  repository.SessionRepository
	failures    *FailureCollector
	performance *PerformanceStatsCollector
	env         *ExecutionEnv
	tasks       *task.BackgroundTaskManager
	clock       clock.Clock
	metrics     *coordinatorMetrics

	failurePoller     *failurePoller
	performancePoller *performancePoller

	runner atomic.Pointer[TestSuiteRunner]
	// Set by StopTests so a suite that has not started yet never runs.
	stopped   atomic.Bool
	closeOnce sync.Once
}

func New(
	config configuration.CoordinatorConfiguration,
	suite *TestSuite,
	launcher AgentLauncher,
	dial AgentDialer,
	clock clock.Clock,
	registerer prometheus.Registerer,
) (*Coordinator, error) {
	sessionId := config.SessionId
	if sessionId == "" {
		sessionId = util.NewULID()
	}
	sessionDir := filepath.Join(config.OutputDir, sessionId)

	reg, err := registry.New()
	if err != nil {
		return nil, err
	}
	var repo repository.SessionRepository = repository.NoopRepository{}
	if config.Repository.Path != "" {
		path := config.Repository.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(config.OutputDir, path)
		}
		if repo, err = repository.NewSQLiteRepository(path); err != nil {
			return nil, err
		}
	}
	failures, err := NewFailureCollector(sessionId, sessionDir, config.Failures, reg, repo, clock, registerer)
	if err != nil {
		_ = repo.Close()
		return nil, err
	}
	remote := NewRemoteClient(config.Remote, dial)
	coordinatorMetrics := newCoordinatorMetrics(registerer)
	env := &ExecutionEnv{
		Suite:        config.Suite,
		Remote:       config.Remote,
		Caller:       remote,
		Registry:     reg,
		Failures:     failures,
		Clock:        clock,
		PollInterval: config.Polling.FailureInterval,
		metrics:      coordinatorMetrics,
	}
	performance := NewPerformanceStatsCollector(sessionId, sessionDir, repo, clock)

	return &Coordinator{
		config:      config,
		sessionId:   sessionId,
		sessionDir:  sessionDir,
		suite:       suite,
		registry:    reg,
		remote:      remote,
		launcher:    launcher,
		repository:  repo,
		failures:    failures,
		performance: performance,
		env:         env,
		tasks:       task.NewBackgroundTaskManagerWith(metrics.CoordinatorMetricPrefix, registerer, clock),
		clock:       clock,
		metrics:     coordinatorMetrics,
		failurePoller: newFailurePoller(
			remote, reg, failures, config.Remote.CallTimeout, config.Polling.AgentUnreachableThreshold,
		),
		performancePoller: &performancePoller{
			remote:      remote,
			performance: performance,
			timeout:     config.Remote.CallTimeout,
		},
	}, nil
}

func (c *Coordinator) SessionId() string {
	return c.sessionId
}

func (c *Coordinator) Registry() *registry.Registry {
	return c.registry
}

func (c *Coordinator) Failures() *FailureCollector {
	return c.failures
}

func (c *Coordinator) Performance() *PerformanceStatsCollector {
	return c.performance
}

// Start launches and connects to the agents, starts polling them and spawns the workers.
// Any error leaves the session unusable; Close must still be called.
func (c *Coordinator) Start(ctx *fleetcontext.Context) error {
	ctx = fleetcontext.WithLogField(ctx, "session", c.sessionId)
	ctx.Log.Infof("Starting session %s, output in %s", c.sessionId, c.sessionDir)

	counts, err := c.config.Workers.WorkerCounts()
	if err != nil {
		return err
	}
	specs, err := c.launcher.Launch(ctx)
	if err != nil {
		return err
	}
	agents, err := c.registry.AddAgents(specs)
	if err != nil {
		return err
	}
	c.metrics.registeredAgents.Set(float64(len(agents)))
	if err := deployment.AssignDedicatedMemberMachines(agents, c.config.Workers.DedicatedMemberMachines); err != nil {
		return err
	}
	// Plan before any remote call so a layout that cannot work fails fast.
	if _, err := deployment.ComputePlan(agents, nil, deployment.Request{Counts: counts}); err != nil {
		return err
	}

	if err := c.remote.Connect(ctx, agents); err != nil {
		return errors.WithMessage(err, "agents are unreachable")
	}
	err = c.remote.ForEachAgent(ctx, "initTestSuite", c.config.Remote.CallTimeout,
		func(ctx context.Context, _ string, client api.AgentClient) error {
			_, err := client.InitTestSuite(ctx, &api.InitTestSuiteRequest{SessionId: c.sessionId, TestIds: c.suite.Ids()})
			return err
		})
	if err != nil {
		return err
	}

	c.tasks.Register(func() { c.failurePoller.poll(ctx) }, c.config.Polling.FailureInterval, "failure_poller")
	c.tasks.Register(func() { c.pollPerformance(ctx) }, c.config.Polling.PerformanceInterval, "performance_poller")

	return c.spawnWorkers(ctx, counts)
}

// spawnWorkers adds workers to the fleet, balanced over the agents given the workers already there.
func (c *Coordinator) spawnWorkers(ctx *fleetcontext.Context, counts map[api.WorkerType]int) error {
	plan, err := deployment.ComputePlan(c.registry.GetAgents(), c.registry.GetWorkers(), deployment.Request{
		Counts: counts,
		Template: api.WorkerParameters{
			SessionId:     c.sessionId,
			Driver:        api.DriverParameters{Name: c.config.Workers.Driver.Name, Addrs: c.config.Workers.Driver.Addrs},
			MemoryLimitMb: c.config.Workers.MemoryLimitMb,
			Environment:   c.config.Workers.Environment,
			Properties:    c.config.Workers.Properties,
		},
	})
	if err != nil {
		return err
	}
	ctx.Log.Infof("Spawning %d workers on %d agents", plan.WorkerCount(), len(plan.Assignments()))

	var result *multierror.Error
	var resultLock sync.Mutex
	startupTimeout := c.config.Workers.StartupTimeout
	g := errgroup.Group{}
	g.SetLimit(c.config.Remote.FanOutParallelism)
	for _, assignment := range plan.Assignments() {
		assignment := assignment
		g.Go(func() error {
			if err := c.spawnOn(ctx, assignment, startupTimeout); err != nil {
				resultLock.Lock()
				result = multierror.Append(result, err)
				resultLock.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	c.metrics.registeredWorkers.Set(float64(c.registry.WorkerCount()))
	if err := result.ErrorOrNil(); err != nil {
		return errors.WithMessage(err, "could not spawn every worker")
	}
	ctx.Log.Infof("All %d workers are running", plan.WorkerCount())
	return nil
}

func (c *Coordinator) spawnOn(ctx *fleetcontext.Context, assignment deployment.Assignment, startupTimeout time.Duration) error {
	agent := assignment.Agent
	client, ok := c.remote.Agent(agent.Address)
	if !ok {
		return errors.WithStack(&fleeterrors.ErrNotFound{Type: "agent", Value: agent.Address})
	}
	// The agent enforces the startup timeout; the call itself is given a little longer.
	callTimeout := startupTimeout + c.config.Remote.CallTimeout
	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	resp, err := client.SpawnWorkers(callCtx, &api.SpawnWorkersRequest{Workers: assignment.Workers, StartupTimeout: startupTimeout})
	if err != nil {
		err = fleeterrors.WrapRemote(agent.Address, "spawnWorkers", callTimeout, err)
		failureType := api.FailureWorkerCreateError
		if fleeterrors.IsTimeout(err) {
			failureType = api.FailureWorkerStartupTimeout
		}
		c.failures.Notify(&api.Failure{
			Type:         failureType,
			Message:      fmt.Sprintf("could not spawn %d workers on %s", len(assignment.Workers), agent),
			Cause:        logging.FormatCause(err),
			AgentAddress: agent.Address,
		})
		return err
	}
	if _, err := c.registry.AddWorkers(assignment.Workers, resp.Workers); err != nil {
		return err
	}
	for _, w := range resp.Workers {
		ctx.Log.Infof("Worker %s (%s) is running on %s, pid %d", w.Address, w.Type, agent, w.Pid)
	}
	return nil
}

// Run runs the test suite and reports whether it passed.
func (c *Coordinator) Run(ctx *fleetcontext.Context) bool {
	ctx = fleetcontext.WithLogField(ctx, "session", c.sessionId)
	counts, err := c.config.Workers.WorkerCounts()
	if err != nil {
		ctx.Log.Errorf("Invalid worker counts: %s", err)
		return false
	}
	query := WorkerQuery{TargetType: c.config.Suite.TargetType, TargetCount: c.config.Suite.TargetCount}
	runner := NewTestSuiteRunner(
		c.env,
		c.suite,
		query,
		func(ctx *fleetcontext.Context) error { return c.refreshWorkers(ctx, counts) },
		func(testId string) { c.testCompleted(ctx, testId) },
	)
	c.runner.Store(runner)
	if c.stopped.Load() {
		runner.stopped.Store(true)
	}
	passed := runner.Run(ctx)

	// Pick up anything reported while the last test finished.
	c.failurePoller.drain(ctx)
	if c.failures.CriticalFailureCount() > 0 {
		passed = false
	}
	c.logSummary(ctx, passed)
	return passed
}

// StopTests asks the running tests to stop, as when the operator interrupts the run. It returns false if
// some test did not complete in time.
func (c *Coordinator) StopTests(ctx *fleetcontext.Context) bool {
	c.stopped.Store(true)
	runner := c.runner.Load()
	if runner == nil {
		return true
	}
	return runner.StopTests(ctx)
}

// refreshWorkers replaces every worker with a fresh process.
func (c *Coordinator) refreshWorkers(ctx *fleetcontext.Context, counts map[api.WorkerType]int) error {
	workers := c.registry.GetWorkers()
	byAgent := map[string][]string{}
	for _, w := range workers {
		w.SetIgnoreFailures(true)
		byAgent[w.AgentAddress] = append(byAgent[w.AgentAddress], w.Address)
	}
	err := c.remote.ForEachAgent(ctx, "terminateWorkers", c.config.Remote.CallTimeout,
		func(ctx context.Context, address string, client api.AgentClient) error {
			addresses, ok := byAgent[address]
			if !ok {
				return nil
			}
			_, err := client.TerminateWorkers(ctx, &api.TerminateWorkersRequest{WorkerAddresses: addresses})
			return err
		})
	if err != nil {
		return err
	}
	for _, w := range workers {
		c.registry.RemoveWorker(w.Address)
	}
	// Terminated workers may still have failures queued on their agents; they are dropped as stale.
	c.failurePoller.drain(ctx)
	return c.spawnWorkers(ctx, counts)
}

func (c *Coordinator) pollPerformance(ctx *fleetcontext.Context) {
	c.performancePoller.poll(ctx)
	for _, test := range c.registry.GetTests() {
		if !test.IsStarted() || test.IsCompleted() {
			continue
		}
		c.logInterval(ctx, test.Id)
	}
}

func (c *Coordinator) logInterval(ctx *fleetcontext.Context, testId string) {
	sample, err := c.performance.WriteInterval(testId)
	if err != nil {
		ctx.Log.Warnf("Could not write performance of test %s: %s", testId, err)
	}
	ctx.Log.Infof("Test %s: %d operations, %.2f ops/s", testId, sample.OperationCount, sample.OperationsPerSec)
}

func (c *Coordinator) testCompleted(ctx *fleetcontext.Context, testId string) {
	// Collected before the next test starts so fail fast sees what this test left behind.
	c.failurePoller.drain(ctx)
	// Workers keep the final stats of a completed test until they are collected.
	c.performancePoller.poll(ctx)
	c.logInterval(ctx, testId)
	ctx.Log.Info(c.performance.Render(testId))
}

func (c *Coordinator) logSummary(ctx *fleetcontext.Context, passed bool) {
	for _, testId := range c.performance.TestIds() {
		ctx.Log.Info(c.performance.Render(testId))
	}
	counts := c.failures.CountsByType()
	for failureType, count := range counts {
		ctx.Log.Infof("%s: %d", failureType, count)
	}
	if passed {
		ctx.Log.Infof("Session %s passed", c.sessionId)
		return
	}
	ctx.Log.Errorf("Session %s failed with %d failures, see %s", c.sessionId, c.failures.FailureCount(), c.failures.LogPath())
}

// Close stops polling, shuts the agents down and releases every resource. It is safe to call more than once.
func (c *Coordinator) Close(ctx *fleetcontext.Context) {
	c.closeOnce.Do(func() {
		if c.tasks.StopAll(5 * time.Second) {
			log.Warn("Background pollers did not stop in time")
		}
		for _, w := range c.registry.GetWorkers() {
			w.SetIgnoreFailures(true)
		}
		err := c.remote.ForEachAgent(ctx, "shutdown", c.config.Remote.CallTimeout,
			func(ctx context.Context, _ string, client api.AgentClient) error {
				_, err := client.Shutdown(ctx, &api.ShutdownRequest{})
				return err
			})
		if err != nil {
			ctx.Log.Warnf("Not every agent shut down cleanly: %s", err)
		}
		c.remote.Close()
		c.launcher.Stop(c.config.Remote.CallTimeout)
		if err := c.failures.Close(); err != nil {
			ctx.Log.Warnf("Could not close the failure log: %s", err)
		}
		if err := c.repository.Close(); err != nil {
			ctx.Log.Warnf("Could not close the session repository: %s", err)
		}
	})
}
