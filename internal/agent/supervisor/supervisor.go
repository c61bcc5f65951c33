package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/exp/maps"
	"k8s.io/utils/clock"

	"github.com/G-Research/fleetbench/internal/agent/configuration"
	"github.com/G-Research/fleetbench/internal/common/fleetcontext"
	"github.com/G-Research/fleetbench/internal/common/fleeterrors"
	commongrpc "github.com/G-Research/fleetbench/internal/common/grpc"
	workerconfig "github.com/G-Research/fleetbench/internal/worker/configuration"
	"github.com/G-Research/fleetbench/pkg/api"
)

// WorkerConnector opens a client to a worker's gRPC endpoint.
type WorkerConnector func(ctx context.Context, endpoint string, timeout time.Duration) (api.WorkerClient, io.Closer, error)

func GrpcWorkerConnector(ctx context.Context, endpoint string, timeout time.Duration) (api.WorkerClient, io.Closer, error) {
	conn, err := commongrpc.Dial(ctx, endpoint, timeout)
	if err != nil {
		return nil, nil, err
	}
	return api.NewWorkerClient(conn), conn, nil
}

// Supervisor spawns, monitors and terminates the worker processes of one agent.
type Supervisor struct {
	config    configuration.SupervisorConfig
	starter   ProcessStarter
	connector WorkerConnector
	clock     clock.Clock
	metrics   *supervisorMetrics

	// Worker address -> worker. Only workers that completed startup are present.
	workers     map[string]*workerProcess
	workersLock sync.Mutex

	failures     []*api.Failure
	failuresLock sync.Mutex
	// Failures discarded since the last drain because the queue was full.
	droppedFailures int

	// Serialises CheckWorkers between the monitor task and on-demand checks.
	checkLock sync.Mutex
}

func New(
	config configuration.SupervisorConfig,
	starter ProcessStarter,
	connector WorkerConnector,
	clock clock.Clock,
	registerer prometheus.Registerer,
) *Supervisor {
	return &Supervisor{
		config:    config,
		starter:   starter,
		connector: connector,
		clock:     clock,
		metrics:   newSupervisorMetrics(registerer),
		workers:   map[string]*workerProcess{},
	}
}

// Spawn starts a batch of workers and waits for all of them to publish their address.
// Startup is all or nothing: if any worker fails to start, or is still not ready after startupTimeout,
// every worker of the batch is killed and an error naming the offending workers is returned.
func (s *Supervisor) Spawn(ctx *fleetcontext.Context, params []api.WorkerParameters, startupTimeout time.Duration) ([]api.WorkerInfo, error) {
	if startupTimeout <= 0 {
		startupTimeout = s.config.DefaultStartupTimeout
	}
	s.workersLock.Lock()
	for _, p := range params {
		if _, exists := s.workers[p.Address]; exists {
			s.workersLock.Unlock()
			return nil, errors.WithStack(&fleeterrors.ErrAlreadyExists{Type: "worker", Value: p.Address})
		}
	}
	s.workersLock.Unlock()

	batch := make([]*workerProcess, 0, len(params))
	for _, p := range params {
		w, err := s.launch(ctx, p)
		if err != nil {
			s.abort(ctx, batch)
			return nil, errors.WithMessagef(err, "failed to create worker %s", p.Address)
		}
		batch = append(batch, w)
	}

	if err := s.awaitReady(ctx, batch, startupTimeout); err != nil {
		s.abort(ctx, batch)
		return nil, err
	}

	infos := make([]api.WorkerInfo, 0, len(batch))
	s.workersLock.Lock()
	for _, w := range batch {
		w.state.Store(int32(stateRunning))
		s.workers[w.params.Address] = w
		infos = append(infos, w.info())
	}
	s.workersLock.Unlock()
	s.metrics.runningWorkers.Add(float64(len(batch)))
	ctx.Log.Infof("Started %d workers", len(batch))
	return infos, nil
}

func (s *Supervisor) launch(ctx *fleetcontext.Context, p api.WorkerParameters) (*workerProcess, error) {
	dir := filepath.Join(s.config.HomeDir, SessionDirName(p.SessionId), p.WorkingDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.WithStack(err)
	}
	for _, stale := range []string{api.AddressFileName, api.OOMFileName} {
		if err := os.Remove(filepath.Join(dir, stale)); err != nil && !os.IsNotExist(err) {
			return nil, errors.WithStack(err)
		}
	}

	w := &workerProcess{
		params:         p,
		id:             uuid.NewString(),
		dir:            dir,
		seenExceptions: map[string]bool{},
	}
	configPath, err := s.writeWorkerConfig(w)
	if err != nil {
		return nil, err
	}

	args := append(append([]string{}, s.config.WorkerArgs...), "--config", configPath)
	process, err := s.starter.Start(ProcessSpec{
		Path:       s.config.WorkerBinary,
		Args:       args,
		Env:        workerEnvironment(p.Environment),
		Dir:        dir,
		StdoutPath: filepath.Join(dir, api.WorkerStdoutFileName),
		StderrPath: filepath.Join(dir, api.WorkerStderrFileName),
	})
	if err != nil {
		return nil, err
	}
	w.process = process
	ctx.Log.WithField("worker", p.Address).Debugf("Launched worker process %d in %s", process.Pid(), dir)
	return w, nil
}

func (s *Supervisor) writeWorkerConfig(w *workerProcess) (string, error) {
	wc := workerconfig.WorkerConfiguration{
		Id:         w.id,
		Address:    w.params.Address,
		Type:       w.params.Type,
		SessionId:  w.params.SessionId,
		HomeDir:    w.dir,
		Properties: w.params.Properties,
	}
	wc.Logging.Level = s.config.WorkerLogLevel
	wc.Driver.Name = w.params.Driver.Name
	wc.Driver.Redis.Addrs = w.params.Driver.Addrs
	wc.Memory.LimitMb = w.params.MemoryLimitMb
	wc.Defaults()

	path := filepath.Join(w.dir, api.WorkerConfigFileName)
	if err := workerconfig.Write(path, wc); err != nil {
		return "", err
	}
	return path, nil
}

func (s *Supervisor) awaitReady(ctx *fleetcontext.Context, batch []*workerProcess, timeout time.Duration) error {
	deadline := s.clock.Now().Add(timeout)
	pending := make(map[string]*workerProcess, len(batch))
	for _, w := range batch {
		pending[w.params.Address] = w
	}
	for {
		for address, w := range pending {
			select {
			case <-w.process.Done():
				return errors.Errorf("worker %s exited with code %d during startup", address, w.process.ExitCode())
			default:
			}
			endpoint, ok, err := readAddressFile(w.dir)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			client, conn, err := s.connector(ctx, endpoint, s.config.ConnectTimeout)
			if err != nil {
				return errors.WithMessagef(err, "failed to connect to worker %s", address)
			}
			w.endpoint = endpoint
			w.client = client
			w.conn = conn
			delete(pending, address)
		}
		if len(pending) == 0 {
			return nil
		}
		if !s.clock.Now().Before(deadline) {
			stuck := maps.Keys(pending)
			sort.Strings(stuck)
			return errors.WithStack(&fleeterrors.ErrTimeout{
				Operation: "worker startup",
				Target:    strings.Join(stuck, ", "),
				Timeout:   timeout,
			})
		}
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-s.clock.After(s.config.StartupPollInterval):
		}
	}
}

// abort kills every worker of a failed batch without reporting failures for them.
func (s *Supervisor) abort(ctx *fleetcontext.Context, batch []*workerProcess) {
	for _, w := range batch {
		w.state.Store(int32(stateTerminated))
		if err := w.process.Kill(); err != nil {
			ctx.Log.WithField("worker", w.params.Address).Warnf("Failed to kill worker: %s", err)
		}
		select {
		case <-w.process.Done():
		case <-s.clock.After(s.config.TerminateTimeout):
			ctx.Log.WithField("worker", w.params.Address).Warnf("Worker did not exit within %s of being killed", s.config.TerminateTimeout)
		}
		w.closeConnection()
	}
}

// Client returns the client of a running worker.
func (s *Supervisor) Client(address string) (api.WorkerClient, error) {
	w, ok := s.lookup(address)
	if !ok || w.currentState() != stateRunning {
		return nil, errors.WithStack(&fleeterrors.ErrNotFound{Type: "worker", Value: address})
	}
	return w.client, nil
}

// Addresses returns the addresses of all running workers.
func (s *Supervisor) Addresses() []string {
	s.workersLock.Lock()
	defer s.workersLock.Unlock()
	addresses := maps.Keys(s.workers)
	sort.Strings(addresses)
	return addresses
}

// Terminate stops a worker on purpose. A non-zero exit code caused by the termination is not a failure.
func (s *Supervisor) Terminate(ctx *fleetcontext.Context, address string) error {
	w, ok := s.lookup(address)
	if !ok {
		return errors.WithStack(&fleeterrors.ErrNotFound{Type: "worker", Value: address})
	}
	if !w.transition(stateRunning, stateStopping) {
		// Already crashed or being stopped by someone else.
		return nil
	}
	s.stop(ctx, w)
	return nil
}

// TerminateAll terminates all workers, or only the given ones when addresses is not empty.
func (s *Supervisor) TerminateAll(ctx *fleetcontext.Context, addresses []string) error {
	if len(addresses) == 0 {
		addresses = s.Addresses()
	}
	g, gctx := fleetcontext.ErrGroup(ctx)
	var result *multierror.Error
	var resultLock sync.Mutex
	for _, address := range addresses {
		address := address
		g.Go(func() error {
			if err := s.Terminate(gctx, address); err != nil {
				resultLock.Lock()
				result = multierror.Append(result, err)
				resultLock.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return result.ErrorOrNil()
}

func (s *Supervisor) stop(ctx *fleetcontext.Context, w *workerProcess) {
	log := ctx.Log.WithField("worker", w.params.Address)
	if w.client != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, s.config.TerminateTimeout)
		if _, err := w.client.Shutdown(shutdownCtx, &api.ShutdownRequest{}); err != nil {
			log.Debugf("Shutdown request failed, signalling process instead: %s", err)
			if err := w.process.Stop(); err != nil {
				log.Warnf("Failed to signal worker: %s", err)
			}
		}
		cancel()
	} else if err := w.process.Stop(); err != nil {
		log.Warnf("Failed to signal worker: %s", err)
	}

	select {
	case <-w.process.Done():
	case <-s.clock.After(s.config.TerminateTimeout):
		log.Warnf("Worker did not stop within %s, killing it", s.config.TerminateTimeout)
		if err := w.process.Kill(); err != nil {
			log.Warnf("Failed to kill worker: %s", err)
		}
		select {
		case <-w.process.Done():
		case <-s.clock.After(s.config.TerminateTimeout):
			log.Errorf("Worker process %d is still alive after being killed", w.process.Pid())
		}
	}
	select {
	case <-w.process.Done():
		if code := w.process.ExitCode(); code != 0 {
			log.Infof("Worker exited with code %d after termination", code)
		}
	default:
	}
	w.state.Store(int32(stateTerminated))
	s.remove(w)
	log.Info("Worker terminated")
}

func (s *Supervisor) lookup(address string) (*workerProcess, bool) {
	s.workersLock.Lock()
	defer s.workersLock.Unlock()
	w, ok := s.workers[address]
	return w, ok
}

func (s *Supervisor) remove(w *workerProcess) {
	s.workersLock.Lock()
	current, ok := s.workers[w.params.Address]
	if ok && current == w {
		delete(s.workers, w.params.Address)
	}
	s.workersLock.Unlock()
	if ok && current == w {
		s.metrics.runningWorkers.Dec()
	}
	w.closeConnection()
}

func (s *Supervisor) runningWorkers() []*workerProcess {
	s.workersLock.Lock()
	defer s.workersLock.Unlock()
	workers := make([]*workerProcess, 0, len(s.workers))
	for _, w := range s.workers {
		if w.currentState() == stateRunning {
			workers = append(workers, w)
		}
	}
	sort.Slice(workers, func(i, j int) bool {
		return workers[i].params.Address < workers[j].params.Address
	})
	return workers
}

// report queues a failure for the coordinator to collect.
func (s *Supervisor) report(ctx *fleetcontext.Context, w *workerProcess, failure *api.Failure) {
	failure.Id = uuid.NewString()
	failure.Timestamp = s.clock.Now()
	if w != nil {
		failure.WorkerAddress = w.params.Address
		failure.AgentAddress = api.AgentOf(w.params.Address)
		failure.WorkerId = w.id
	}
	s.metrics.failures.WithLabelValues(failure.Type.String()).Inc()
	ctx.Log.WithField("worker", failure.WorkerAddress).Warnf("Detected %s: %s", failure.Type, failure.Message)

	s.failuresLock.Lock()
	defer s.failuresLock.Unlock()
	s.failures = append(s.failures, failure)
	if overflow := len(s.failures) - s.config.MaxQueuedFailures; overflow > 0 {
		ctx.Log.Warnf("Failure queue full, dropping %d oldest failures", overflow)
		s.failures = s.failures[overflow:]
		s.droppedFailures += overflow
	}
}

// DrainFailures returns the failures detected since the previous call. Failures dropped from a full queue are
// reported as a single AGENT_FAILURES_DROPPED failure.
func (s *Supervisor) DrainFailures() []*api.Failure {
	s.failuresLock.Lock()
	defer s.failuresLock.Unlock()
	failures := s.failures
	s.failures = nil
	if s.droppedFailures > 0 {
		failures = append(failures, &api.Failure{
			Id:        uuid.NewString(),
			Type:      api.FailureAgentFailuresDropped,
			Message:   fmt.Sprintf("failure queue overflowed, %d failures were dropped", s.droppedFailures),
			Timestamp: s.clock.Now(),
		})
		s.droppedFailures = 0
	}
	return failures
}

func SessionDirName(sessionId string) string {
	if sessionId == "" {
		return "session"
	}
	return sessionId
}

func readAddressFile(dir string) (string, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, api.AddressFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, errors.WithStack(err)
	}
	endpoint := strings.TrimSpace(string(data))
	return endpoint, endpoint != "", nil
}

func workerEnvironment(extra map[string]string) []string {
	env := os.Environ()
	keys := maps.Keys(extra)
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
