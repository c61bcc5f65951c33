package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/fleetbench/internal/agent/supervisor"
	"github.com/G-Research/fleetbench/internal/common/fleetcontext"
	"github.com/G-Research/fleetbench/internal/common/fleeterrors"
	"github.com/G-Research/fleetbench/pkg/api"
)

// WorkerSupervisor is the part of the supervisor the agent server needs.
type WorkerSupervisor interface {
	Spawn(ctx *fleetcontext.Context, params []api.WorkerParameters, startupTimeout time.Duration) ([]api.WorkerInfo, error)
	Client(address string) (api.WorkerClient, error)
	Addresses() []string
	TerminateAll(ctx *fleetcontext.Context, addresses []string) error
	CheckWorkers(ctx *fleetcontext.Context)
	DrainFailures() []*api.Failure
}

// Server implements api.AgentServer. Messages addressed to a worker are forwarded to it unchanged.
type Server struct {
	supervisor  WorkerSupervisor
	homeDir     string
	parallelism int
	onShutdown  func()

	sessionLock sync.Mutex
	sessionId   string
	testIds     []string
}

func NewServer(supervisor WorkerSupervisor, homeDir string, onShutdown func()) *Server {
	return &Server{
		supervisor:  supervisor,
		homeDir:     homeDir,
		parallelism: 32,
		onShutdown:  onShutdown,
	}
}

func (s *Server) SpawnWorkers(grpcCtx context.Context, req *api.SpawnWorkersRequest) (*api.SpawnWorkersResponse, error) {
	ctx := fleetcontext.FromContext(grpcCtx)
	workers, err := s.supervisor.Spawn(ctx, req.Workers, req.StartupTimeout)
	if err != nil {
		return nil, err
	}
	return &api.SpawnWorkersResponse{Workers: workers}, nil
}

// InitTestSuite creates the session directory and remembers the tests of the suite.
func (s *Server) InitTestSuite(_ context.Context, req *api.InitTestSuiteRequest) (*api.Ack, error) {
	if req.SessionId == "" {
		return nil, errors.WithStack(&fleeterrors.ErrInvalidArgument{Name: "sessionId", Value: "", Message: "must not be empty"})
	}
	dir := filepath.Join(s.homeDir, supervisor.SessionDirName(req.SessionId))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "tests.txt"), []byte(strings.Join(req.TestIds, "\n")+"\n"), 0o644); err != nil {
		return nil, errors.WithStack(err)
	}
	s.sessionLock.Lock()
	s.sessionId = req.SessionId
	s.testIds = append([]string{}, req.TestIds...)
	s.sessionLock.Unlock()
	log.Infof("Initialised session %s with %d tests", req.SessionId, len(req.TestIds))
	return &api.Ack{}, nil
}

func (s *Server) CreateTest(ctx context.Context, req *api.CreateTestRequest) (*api.Ack, error) {
	client, err := s.supervisor.Client(req.WorkerAddress)
	if err != nil {
		return nil, err
	}
	ack, err := client.CreateTest(ctx, req)
	return ack, fleeterrors.WrapRemote(req.WorkerAddress, "createTest", 0, err)
}

func (s *Server) StartPhase(ctx context.Context, req *api.StartPhaseRequest) (*api.Ack, error) {
	client, err := s.supervisor.Client(req.WorkerAddress)
	if err != nil {
		return nil, err
	}
	ack, err := client.StartPhase(ctx, req)
	return ack, fleeterrors.WrapRemote(req.WorkerAddress, "startPhase "+req.Phase.String(), 0, err)
}

func (s *Server) StopRun(ctx context.Context, req *api.StopRunRequest) (*api.Ack, error) {
	client, err := s.supervisor.Client(req.WorkerAddress)
	if err != nil {
		return nil, err
	}
	ack, err := client.StopRun(ctx, req)
	return ack, fleeterrors.WrapRemote(req.WorkerAddress, "stopRun", 0, err)
}

func (s *Server) TerminateWorkers(grpcCtx context.Context, req *api.TerminateWorkersRequest) (*api.Ack, error) {
	ctx := fleetcontext.FromContext(grpcCtx)
	if err := s.supervisor.TerminateAll(ctx, req.WorkerAddresses); err != nil {
		return nil, err
	}
	return &api.Ack{}, nil
}

func (s *Server) Echo(_ context.Context, req *api.EchoRequest) (*api.EchoResponse, error) {
	log.Infof("Echo: %s", req.Message)
	return &api.EchoResponse{Message: req.Message}, nil
}

func (s *Server) GetFailures(grpcCtx context.Context, req *api.GetFailuresRequest) (*api.GetFailuresResponse, error) {
	if req.CheckWorkers {
		s.supervisor.CheckWorkers(fleetcontext.FromContext(grpcCtx))
	}
	return &api.GetFailuresResponse{Failures: s.supervisor.DrainFailures()}, nil
}

// GetPerformance collects the stats of every worker. Workers that do not answer are skipped.
func (s *Server) GetPerformance(grpcCtx context.Context, _ *api.GetPerformanceRequest) (*api.GetPerformanceResponse, error) {
	ctx := fleetcontext.FromContext(grpcCtx)
	addresses := s.supervisor.Addresses()
	resp := &api.GetPerformanceResponse{Workers: make(map[string]api.WorkerPerformance, len(addresses))}
	var respLock sync.Mutex

	g, gctx := fleetcontext.ErrGroup(ctx)
	g.SetLimit(s.parallelism)
	for _, address := range addresses {
		address := address
		g.Go(func() error {
			client, err := s.supervisor.Client(address)
			if err != nil {
				return nil
			}
			perf, err := client.GetPerformance(gctx, &api.GetPerformanceRequest{})
			if err != nil {
				ctx.Log.WithField("worker", address).Debugf("Failed to get performance: %s", err)
				return nil
			}
			if len(perf.Tests) == 0 {
				return nil
			}
			respLock.Lock()
			resp.Workers[address] = perf.Tests
			respLock.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return resp, nil
}

// Shutdown terminates every worker and then stops the agent.
func (s *Server) Shutdown(grpcCtx context.Context, _ *api.ShutdownRequest) (*api.Ack, error) {
	ctx := fleetcontext.FromContext(grpcCtx)
	if err := s.supervisor.TerminateAll(ctx, nil); err != nil {
		ctx.Log.Warnf("Failed to terminate all workers: %s", err)
	}
	if s.onShutdown != nil {
		go s.onShutdown()
	}
	return &api.Ack{}, nil
}

func (s *Server) Session() (string, []string) {
	s.sessionLock.Lock()
	defer s.sessionLock.Unlock()
	return s.sessionId, append([]string{}, s.testIds...)
}
