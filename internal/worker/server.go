package worker

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/G-Research/fleetbench/internal/common/fleetcontext"
	"github.com/G-Research/fleetbench/internal/common/fleeterrors"
	"github.com/G-Research/fleetbench/internal/worker/benchmarks"
	"github.com/G-Research/fleetbench/internal/worker/configuration"
	"github.com/G-Research/fleetbench/internal/worker/driver"
	"github.com/G-Research/fleetbench/pkg/api"
)

// Server implements api.WorkerServer.
type Server struct {
	config     configuration.WorkerConfiguration
	driver     driver.Driver
	tests      *benchmarks.Registry
	clock      clock.Clock
	exceptions *exceptionWriter
	onShutdown func()

	lock       sync.Mutex
	containers map[string]*testContainer
	completed  map[string]bool
	// Stats of completed tests not yet collected.
	finalStats api.WorkerPerformance
}

func NewServer(
	config configuration.WorkerConfiguration,
	driver driver.Driver,
	tests *benchmarks.Registry,
	clock clock.Clock,
	onShutdown func(),
) *Server {
	return &Server{
		config:     config,
		driver:     driver,
		tests:      tests,
		clock:      clock,
		exceptions: newExceptionWriter(config.HomeDir, config.Id, clock),
		onShutdown: onShutdown,
		containers: map[string]*testContainer{},
		completed:  map[string]bool{},
		finalStats: api.WorkerPerformance{},
	}
}

func (s *Server) CreateTest(_ context.Context, req *api.CreateTestRequest) (*api.Ack, error) {
	if req.TestCase == nil || req.TestCase.Id == "" {
		return nil, errors.WithStack(&fleeterrors.ErrInvalidArgument{Name: "testCase", Value: req.TestCase, Message: "a test id is required"})
	}
	className := req.TestCase.ClassName()
	if className == "" {
		return nil, errors.WithStack(&fleeterrors.ErrInvalidArgument{
			Name:    api.ClassPropertyKey,
			Value:   "",
			Message: "test " + req.TestCase.Id + " has no class",
		})
	}
	test, err := s.tests.New(className)
	if err != nil {
		return nil, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if s.completed[req.TestCase.Id] {
		return nil, errors.WithStack(&fleeterrors.ErrTestCompleted{TestId: req.TestCase.Id})
	}
	if _, ok := s.containers[req.TestCase.Id]; ok {
		return nil, errors.WithStack(&fleeterrors.ErrAlreadyExists{Type: "test", Value: req.TestCase.Id})
	}
	env := &benchmarks.Env{
		TestCase:      req.TestCase,
		SessionId:     s.config.SessionId,
		WorkerId:      s.config.Id,
		WorkerAddress: s.config.Address,
		WorkerType:    s.config.Type,
		Driver:        s.driver,
	}
	s.containers[req.TestCase.Id] = newTestContainer(test, env, s.clock, s.exceptions)
	return &api.Ack{}, nil
}

func (s *Server) container(testId string) (*testContainer, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.completed[testId] {
		return nil, errors.WithStack(&fleeterrors.ErrTestCompleted{TestId: testId})
	}
	c, ok := s.containers[testId]
	if !ok {
		return nil, errors.WithStack(&fleeterrors.ErrNotFound{Type: "test", Value: testId})
	}
	return c, nil
}

func (s *Server) StartPhase(grpcCtx context.Context, req *api.StartPhaseRequest) (*api.Ack, error) {
	ctx := fleetcontext.WithLogFields(fleetcontext.FromContext(grpcCtx), map[string]interface{}{
		"testId": req.TestId,
		"phase":  req.Phase.String(),
	})
	c, err := s.container(req.TestId)
	if err != nil {
		return nil, err
	}
	ctx.Log.Debugf("Starting phase")
	err = c.invoke(ctx, req.Phase)
	if c.isCompleted() {
		s.retire(req.TestId, c)
	}
	if err != nil {
		if benchmarks.IsFatal(err) {
			if writeErr := s.exceptions.write(req.TestId, req.Phase.String(), err, true); writeErr != nil {
				ctx.Log.Errorf("Failed to write exception: %s", writeErr)
			}
		}
		return nil, err
	}
	return &api.Ack{}, nil
}

// retire drops a completed test, keeping whatever stats it recorded since the last collection.
func (s *Server) retire(testId string, c *testContainer) {
	stats := c.tracker.collect()
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.containers, testId)
	s.completed[testId] = true
	if stats != nil {
		s.finalStats[testId] = stats
	}
}

func (s *Server) StopRun(grpcCtx context.Context, req *api.StopRunRequest) (*api.Ack, error) {
	ctx := fleetcontext.WithLogField(fleetcontext.FromContext(grpcCtx), "testId", req.TestId)
	c, err := s.container(req.TestId)
	if err != nil {
		return nil, err
	}
	if err := c.stopRun(ctx); err != nil {
		return nil, err
	}
	ctx.Log.Infof("Run stopped")
	return &api.Ack{}, nil
}

func (s *Server) GetPerformance(context.Context, *api.GetPerformanceRequest) (*api.WorkerPerformanceResponse, error) {
	s.lock.Lock()
	containers := make(map[string]*testContainer, len(s.containers))
	for id, c := range s.containers {
		containers[id] = c
	}
	tests := s.finalStats
	s.finalStats = api.WorkerPerformance{}
	s.lock.Unlock()

	for id, c := range containers {
		if stats := c.tracker.collect(); stats != nil {
			tests[id] = stats
		}
	}
	return &api.WorkerPerformanceResponse{Tests: tests}, nil
}

func (s *Server) Ping(ctx context.Context, _ *api.PingRequest) (*api.PingResponse, error) {
	joined, err := s.driver.Joined(ctx)
	if err != nil {
		return nil, err
	}
	return &api.PingResponse{
		WorkerId:      s.config.Id,
		MemberJoined:  joined,
		MemberRunning: s.anyRunning(),
	}, nil
}

func (s *Server) anyRunning() bool {
	for _, c := range s.activeContainers() {
		if c.isRunning() {
			return true
		}
	}
	return false
}

// activeContainers copies the live containers so they can be inspected without holding s.lock.
func (s *Server) activeContainers() []*testContainer {
	s.lock.Lock()
	defer s.lock.Unlock()
	containers := make([]*testContainer, 0, len(s.containers))
	for _, c := range s.containers {
		containers = append(containers, c)
	}
	return containers
}

func (s *Server) Shutdown(grpcCtx context.Context, _ *api.ShutdownRequest) (*api.Ack, error) {
	fleetcontext.FromContext(grpcCtx).Log.Infof("Shutdown requested")
	s.stopAll()
	if s.onShutdown != nil {
		go s.onShutdown()
	}
	return &api.Ack{}, nil
}

// stopAll stops the run threads of every test without waiting for them.
func (s *Server) stopAll() {
	for _, c := range s.activeContainers() {
		c.lock.Lock()
		r := c.runner
		c.lock.Unlock()
		if r != nil {
			r.stop()
		}
	}
}
