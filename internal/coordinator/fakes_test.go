package coordinator

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/utils/clock"

	"github.com/G-Research/fleetbench/internal/agent/supervisor"
	"github.com/G-Research/fleetbench/internal/coordinator/configuration"
	"github.com/G-Research/fleetbench/internal/coordinator/repository"
	"github.com/G-Research/fleetbench/internal/registry"
	"github.com/G-Research/fleetbench/pkg/api"
)

// newTestRegistry adds one agent per layout entry, each running workers of the listed types.
func newTestRegistry(t *testing.T, layout ...[]api.WorkerType) *registry.Registry {
	reg, err := registry.New()
	require.NoError(t, err)
	for i, types := range layout {
		_, err := reg.AddAgent(registry.AgentSpec{PublicAddress: "10.0.0.1", Port: 9000 + i})
		require.NoError(t, err)
		for j, workerType := range types {
			address := api.WorkerAddress(i+1, j+1)
			_, err := reg.AddWorker(
				api.WorkerParameters{Address: address, Type: workerType},
				api.WorkerInfo{Address: address, Type: workerType, Pid: 1000 + j},
			)
			require.NoError(t, err)
		}
	}
	return reg
}

func members(n int) []api.WorkerType {
	return workerTypes(api.WorkerTypeMember, n)
}

func clients(n int) []api.WorkerType {
	return workerTypes(api.WorkerTypeClient, n)
}

func workerTypes(t api.WorkerType, n int) []api.WorkerType {
	types := make([]api.WorkerType, n)
	for i := range types {
		types[i] = t
	}
	return types
}

func testFailuresConfig() configuration.FailuresConfig {
	return configuration.FailuresConfig{ConsoleLimit: 100, TombstoneCacheSize: 16}
}

func newTestFailureCollector(t *testing.T, reg *registry.Registry, config configuration.FailuresConfig, clock clock.Clock) *FailureCollector {
	failures, err := NewFailureCollector("session", t.TempDir(), config, reg, repository.NoopRepository{}, clock, prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { _ = failures.Close() })
	return failures
}

func testSuiteConfig() configuration.SuiteConfig {
	return configuration.SuiteConfig{
		Verify:            true,
		Duration:          20 * time.Millisecond,
		TargetType:        configuration.TargetTypeAll,
		LastPhaseToSync:   api.PhaseLocalTeardown,
		PhaseTimeout:      time.Second,
		TeardownTimeout:   time.Second,
		CompletionTimeout: time.Second,
	}
}

func newTestEnv(t *testing.T, reg *registry.Registry, caller WorkerCaller, suite configuration.SuiteConfig) *ExecutionEnv {
	return &ExecutionEnv{
		Suite:        suite,
		Remote:       configuration.RemoteConfig{FanOutParallelism: 4, CallTimeout: time.Second},
		Caller:       caller,
		Registry:     reg,
		Failures:     newTestFailureCollector(t, reg, testFailuresConfig(), clock.RealClock{}),
		Clock:        clock.RealClock{},
		PollInterval: time.Millisecond,
		metrics:      newCoordinatorMetrics(prometheus.NewRegistry()),
	}
}

// Step names recorded by fakeCaller besides the phase names.
const (
	createStep = "create"
	stopStep   = "stop"
)

type workerCall struct {
	Worker string
	TestId string
	Step   string
}

// fakeCaller records every call. onCall, when set, decides the result of each call.
type fakeCaller struct {
	lock   sync.Mutex
	calls  []workerCall
	onCall func(call workerCall) error
}

func (c *fakeCaller) CreateTest(_ context.Context, workerAddress string, testCase *api.TestCase, _ time.Duration) error {
	return c.record(workerCall{Worker: workerAddress, TestId: testCase.Id, Step: createStep})
}

func (c *fakeCaller) StartPhase(_ context.Context, workerAddress string, testId string, phase api.Phase, _ time.Duration) error {
	return c.record(workerCall{Worker: workerAddress, TestId: testId, Step: phase.String()})
}

func (c *fakeCaller) StopRun(_ context.Context, workerAddress string, testId string, _ time.Duration) error {
	return c.record(workerCall{Worker: workerAddress, TestId: testId, Step: stopStep})
}

func (c *fakeCaller) record(call workerCall) error {
	c.lock.Lock()
	c.calls = append(c.calls, call)
	onCall := c.onCall
	c.lock.Unlock()
	if onCall != nil {
		return onCall(call)
	}
	return nil
}

func (c *fakeCaller) allCalls() []workerCall {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]workerCall(nil), c.calls...)
}

func (c *fakeCaller) stepsOf(worker string, testId string) []string {
	var steps []string
	for _, call := range c.allCalls() {
		if call.Worker == worker && call.TestId == testId {
			steps = append(steps, call.Step)
		}
	}
	return steps
}

func (c *fakeCaller) count(testId string, step string) int {
	n := 0
	for _, call := range c.allCalls() {
		if call.TestId == testId && call.Step == step {
			n++
		}
	}
	return n
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// fakeAgent serves the agent API from memory. Workers it spawns report 100 operations per test when their run stops.
type fakeAgent struct {
	lock        sync.Mutex
	unreachable bool
	spawnErr    error
	nextPid     int
	echoes      int
	sessions    []string
	spawned     []api.WorkerParameters
	terminated  []string
	shutdown    bool
	steps       []workerCall
	failures    []*api.Failure
	performance map[string]api.WorkerPerformance
	// Failure reported once the run phase starts on the worker with this address.
	failOnRun *api.Failure
	// Failure left on disk when the run of this worker stops; only a worker check finds it.
	failOnStop *api.Failure
	onDisk     []*api.Failure
	checks     int
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{nextPid: 2000, performance: map[string]api.WorkerPerformance{}}
}

func (a *fakeAgent) check() error {
	if a.unreachable {
		return status.Error(codes.Unavailable, "connection refused")
	}
	return nil
}

func (a *fakeAgent) setUnreachable(unreachable bool) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.unreachable = unreachable
}

func (a *fakeAgent) SpawnWorkers(_ context.Context, in *api.SpawnWorkersRequest, _ ...grpc.CallOption) (*api.SpawnWorkersResponse, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if err := a.check(); err != nil {
		return nil, err
	}
	if a.spawnErr != nil {
		return nil, a.spawnErr
	}
	resp := &api.SpawnWorkersResponse{}
	for _, params := range in.Workers {
		a.nextPid++
		a.spawned = append(a.spawned, params)
		resp.Workers = append(resp.Workers, api.WorkerInfo{
			Address:        params.Address,
			Type:           params.Type,
			Pid:            a.nextPid,
			Endpoint:       "127.0.0.1:1",
			WorkingDirName: params.WorkingDirName,
		})
	}
	return resp, nil
}

func (a *fakeAgent) InitTestSuite(_ context.Context, in *api.InitTestSuiteRequest, _ ...grpc.CallOption) (*api.Ack, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if err := a.check(); err != nil {
		return nil, err
	}
	a.sessions = append(a.sessions, in.SessionId)
	return &api.Ack{}, nil
}

func (a *fakeAgent) CreateTest(_ context.Context, in *api.CreateTestRequest, _ ...grpc.CallOption) (*api.Ack, error) {
	return a.step(in.WorkerAddress, in.TestCase.Id, createStep)
}

func (a *fakeAgent) StartPhase(_ context.Context, in *api.StartPhaseRequest, _ ...grpc.CallOption) (*api.Ack, error) {
	ack, err := a.step(in.WorkerAddress, in.TestId, in.Phase.String())
	if err == nil && in.Phase == api.PhaseRun {
		a.lock.Lock()
		if a.failOnRun != nil && a.failOnRun.WorkerAddress == in.WorkerAddress {
			a.failures = append(a.failures, a.failOnRun)
			a.failOnRun = nil
		}
		a.lock.Unlock()
	}
	return ack, err
}

func (a *fakeAgent) StopRun(_ context.Context, in *api.StopRunRequest, _ ...grpc.CallOption) (*api.Ack, error) {
	ack, err := a.step(in.WorkerAddress, in.TestId, stopStep)
	if err == nil {
		a.lock.Lock()
		if a.performance[in.WorkerAddress] == nil {
			a.performance[in.WorkerAddress] = api.WorkerPerformance{}
		}
		a.performance[in.WorkerAddress][in.TestId] = &api.PerformanceStats{OperationCount: 100, Interval: time.Second}
		if a.failOnStop != nil && a.failOnStop.WorkerAddress == in.WorkerAddress {
			a.onDisk = append(a.onDisk, a.failOnStop)
			a.failOnStop = nil
		}
		a.lock.Unlock()
	}
	return ack, err
}

func (a *fakeAgent) step(worker string, testId string, step string) (*api.Ack, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if err := a.check(); err != nil {
		return nil, err
	}
	a.steps = append(a.steps, workerCall{Worker: worker, TestId: testId, Step: step})
	return &api.Ack{}, nil
}

func (a *fakeAgent) TerminateWorkers(_ context.Context, in *api.TerminateWorkersRequest, _ ...grpc.CallOption) (*api.Ack, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if err := a.check(); err != nil {
		return nil, err
	}
	a.terminated = append(a.terminated, in.WorkerAddresses...)
	return &api.Ack{}, nil
}

func (a *fakeAgent) Echo(_ context.Context, in *api.EchoRequest, _ ...grpc.CallOption) (*api.EchoResponse, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.echoes++
	if err := a.check(); err != nil {
		return nil, err
	}
	return &api.EchoResponse{Message: in.Message}, nil
}

func (a *fakeAgent) GetFailures(_ context.Context, in *api.GetFailuresRequest, _ ...grpc.CallOption) (*api.GetFailuresResponse, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if err := a.check(); err != nil {
		return nil, err
	}
	if in.CheckWorkers {
		a.checks++
		a.failures = append(a.failures, a.onDisk...)
		a.onDisk = nil
	}
	failures := a.failures
	a.failures = nil
	return &api.GetFailuresResponse{Failures: failures}, nil
}

func (a *fakeAgent) GetPerformance(context.Context, *api.GetPerformanceRequest, ...grpc.CallOption) (*api.GetPerformanceResponse, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if err := a.check(); err != nil {
		return nil, err
	}
	performance := a.performance
	a.performance = map[string]api.WorkerPerformance{}
	return &api.GetPerformanceResponse{Workers: performance}, nil
}

func (a *fakeAgent) Shutdown(context.Context, *api.ShutdownRequest, ...grpc.CallOption) (*api.Ack, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if err := a.check(); err != nil {
		return nil, err
	}
	a.shutdown = true
	return &api.Ack{}, nil
}

func (a *fakeAgent) testStepCount(testId string, step string) int {
	a.lock.Lock()
	defer a.lock.Unlock()
	n := 0
	for _, s := range a.steps {
		if s.TestId == testId && s.Step == step {
			n++
		}
	}
	return n
}

func (a *fakeAgent) stepCount(step string) int {
	a.lock.Lock()
	defer a.lock.Unlock()
	n := 0
	for _, s := range a.steps {
		if s.Step == step {
			n++
		}
	}
	return n
}

// fakeFleet dials fake agents by endpoint.
type fakeFleet struct {
	lock   sync.Mutex
	agents map[string]*fakeAgent
	dials  map[string]int
}

func newFakeFleet(endpoints ...string) *fakeFleet {
	f := &fakeFleet{agents: map[string]*fakeAgent{}, dials: map[string]int{}}
	for _, endpoint := range endpoints {
		f.agents[endpoint] = newFakeAgent()
	}
	return f
}

func (f *fakeFleet) dial(_ context.Context, endpoint string, _ time.Duration) (api.AgentClient, io.Closer, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.dials[endpoint]++
	agent, ok := f.agents[endpoint]
	if !ok {
		return nil, nil, errors.Errorf("dial tcp %s: connection refused", endpoint)
	}
	return agent, nopCloser{}, nil
}

func (f *fakeFleet) agent(endpoint string) *fakeAgent {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.agents[endpoint]
}

func testRemoteConfig() configuration.RemoteConfig {
	return configuration.RemoteConfig{
		ConnectTimeout:         time.Second,
		ConnectParallelism:     2,
		FanOutParallelism:      4,
		AwaitReachableAttempts: 3,
		AwaitReachableDelay:    time.Millisecond,
		CallTimeout:            time.Second,
	}
}

type fakeProcess struct {
	pid     int
	done    chan struct{}
	once    sync.Once
	lock    sync.Mutex
	stopped bool
	killed  bool
	// When set Stop has no effect, as with a process that hangs on shutdown.
	ignoreStop bool
}

func (p *fakeProcess) exit() {
	p.once.Do(func() { close(p.done) })
}

func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) ExitCode() int         { return 0 }

func (p *fakeProcess) Stop() error {
	p.lock.Lock()
	p.stopped = true
	p.lock.Unlock()
	if !p.ignoreStop {
		p.exit()
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.lock.Lock()
	p.killed = true
	p.lock.Unlock()
	p.exit()
	return nil
}

func (p *fakeProcess) wasKilled() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.killed
}

type fakeStarter struct {
	lock       sync.Mutex
	specs      []supervisor.ProcessSpec
	processes  []*fakeProcess
	failAfter  int
	ignoreStop bool
}

func (s *fakeStarter) Start(spec supervisor.ProcessSpec) (supervisor.Process, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.failAfter > 0 && len(s.specs) >= s.failAfter {
		return nil, errors.New("exec format error")
	}
	s.specs = append(s.specs, spec)
	p := &fakeProcess{pid: 3000 + len(s.specs), done: make(chan struct{}), ignoreStop: s.ignoreStop}
	s.processes = append(s.processes, p)
	return p, nil
}
