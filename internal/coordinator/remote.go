package coordinator

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/G-Research/fleetbench/internal/common/fleetcontext"
	"github.com/G-Research/fleetbench/internal/common/fleeterrors"
	commongrpc "github.com/G-Research/fleetbench/internal/common/grpc"
	"github.com/G-Research/fleetbench/internal/coordinator/configuration"
	"github.com/G-Research/fleetbench/internal/registry"
	"github.com/G-Research/fleetbench/pkg/api"
)

// WorkerCaller sends test commands to individual workers.
type WorkerCaller interface {
	CreateTest(ctx context.Context, workerAddress string, testCase *api.TestCase, timeout time.Duration) error
	StartPhase(ctx context.Context, workerAddress string, testId string, phase api.Phase, timeout time.Duration) error
	StopRun(ctx context.Context, workerAddress string, testId string, timeout time.Duration) error
}

// AgentDialer opens a client to the agent listening on endpoint.
type AgentDialer func(ctx context.Context, endpoint string, timeout time.Duration) (api.AgentClient, io.Closer, error)

func GrpcAgentDialer(ctx context.Context, endpoint string, timeout time.Duration) (api.AgentClient, io.Closer, error) {
	conn, err := commongrpc.Dial(ctx, endpoint, timeout)
	if err != nil {
		return nil, nil, err
	}
	return api.NewAgentClient(conn), conn, nil
}

type agentConnection struct {
	client api.AgentClient
	closer io.Closer
}

// RemoteClient holds one connection per agent. Messages for a worker are routed through the agent owning it.
type RemoteClient struct {
	config configuration.RemoteConfig
	dial   AgentDialer

	lock   sync.RWMutex
	agents map[string]*agentConnection
}

func NewRemoteClient(config configuration.RemoteConfig, dial AgentDialer) *RemoteClient {
	return &RemoteClient{
		config: config,
		dial:   dial,
		agents: map[string]*agentConnection{},
	}
}

// Connect connects to every agent, retrying each for a bounded number of attempts. It fails if any agent
// stays unreachable; the error names every such agent.
func (c *RemoteClient) Connect(ctx *fleetcontext.Context, agents []*registry.AgentRecord) error {
	var result *multierror.Error
	var resultLock sync.Mutex

	g := errgroup.Group{}
	g.SetLimit(c.config.ConnectParallelism)
	for _, agent := range agents {
		agent := agent
		g.Go(func() error {
			if err := c.connectAgent(ctx, agent); err != nil {
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

func (c *RemoteClient) connectAgent(ctx *fleetcontext.Context, agent *registry.AgentRecord) error {
	var conn *agentConnection
	err := retry.Do(
		func() error {
			client, closer, err := c.dial(ctx, agent.Endpoint, c.config.ConnectTimeout)
			if err != nil {
				return err
			}
			echoCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
			defer cancel()
			if _, err := client.Echo(echoCtx, &api.EchoRequest{Message: "connect " + agent.Address}); err != nil {
				_ = closer.Close()
				return err
			}
			conn = &agentConnection{client: client, closer: closer}
			return nil
		},
		retry.Attempts(c.config.AwaitReachableAttempts),
		retry.Delay(c.config.AwaitReachableDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			ctx.Log.Infof("Waiting for agent %s at %s to become reachable (attempt %d): %s", agent.Address, agent.Endpoint, n+1, err)
		}),
	)
	if err != nil {
		return fleeterrors.WrapRemote(agent.Address, "connect", c.config.ConnectTimeout, err)
	}

	c.lock.Lock()
	previous := c.agents[agent.Address]
	c.agents[agent.Address] = conn
	c.lock.Unlock()
	if previous != nil {
		_ = previous.closer.Close()
	}
	ctx.Log.Infof("Connected to agent %s at %s", agent.Address, agent.Endpoint)
	return nil
}

// Agent returns the client of a connected agent.
func (c *RemoteClient) Agent(address string) (api.AgentClient, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	conn, ok := c.agents[address]
	if !ok {
		return nil, false
	}
	return conn.client, true
}

// Addresses returns the connected agents in address order.
func (c *RemoteClient) Addresses() []string {
	c.lock.RLock()
	addresses := maps.Keys(c.agents)
	c.lock.RUnlock()
	slices.SortFunc(addresses, func(a, b string) bool {
		ai, _ := api.ParseAgentAddress(a)
		bi, _ := api.ParseAgentAddress(b)
		return ai < bi
	})
	return addresses
}

// ForEachAgent calls fn for every connected agent, at most FanOutParallelism at a time, each call bounded by timeout.
// Errors are wrapped with the agent address and returned together.
func (c *RemoteClient) ForEachAgent(
	ctx context.Context,
	op string,
	timeout time.Duration,
	fn func(ctx context.Context, address string, client api.AgentClient) error,
) error {
	var result *multierror.Error
	var resultLock sync.Mutex

	g := errgroup.Group{}
	g.SetLimit(c.config.FanOutParallelism)
	for _, address := range c.Addresses() {
		address := address
		client, ok := c.Agent(address)
		if !ok {
			continue
		}
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := fn(callCtx, address, client); err != nil {
				resultLock.Lock()
				result = multierror.Append(result, fleeterrors.WrapRemote(address, op, timeout, err))
				resultLock.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return result.ErrorOrNil()
}

// Disconnect closes the connection to one agent. Later calls routed to it fail with ErrNotFound.
func (c *RemoteClient) Disconnect(address string) {
	c.lock.Lock()
	conn, ok := c.agents[address]
	delete(c.agents, address)
	c.lock.Unlock()
	if ok {
		_ = conn.closer.Close()
	}
}

func (c *RemoteClient) Close() {
	c.lock.Lock()
	agents := c.agents
	c.agents = map[string]*agentConnection{}
	c.lock.Unlock()
	for _, conn := range agents {
		_ = conn.closer.Close()
	}
}

func (c *RemoteClient) CreateTest(ctx context.Context, workerAddress string, testCase *api.TestCase, timeout time.Duration) error {
	return c.callWorker(ctx, workerAddress, "createTest", timeout, func(ctx context.Context, client api.AgentClient) error {
		_, err := client.CreateTest(ctx, &api.CreateTestRequest{WorkerAddress: workerAddress, TestCase: testCase})
		return err
	})
}

func (c *RemoteClient) StartPhase(ctx context.Context, workerAddress string, testId string, phase api.Phase, timeout time.Duration) error {
	return c.callWorker(ctx, workerAddress, "startPhase "+phase.String(), timeout, func(ctx context.Context, client api.AgentClient) error {
		_, err := client.StartPhase(ctx, &api.StartPhaseRequest{WorkerAddress: workerAddress, TestId: testId, Phase: phase})
		return err
	})
}

func (c *RemoteClient) StopRun(ctx context.Context, workerAddress string, testId string, timeout time.Duration) error {
	return c.callWorker(ctx, workerAddress, "stopRun", timeout, func(ctx context.Context, client api.AgentClient) error {
		_, err := client.StopRun(ctx, &api.StopRunRequest{WorkerAddress: workerAddress, TestId: testId})
		return err
	})
}

func (c *RemoteClient) callWorker(
	ctx context.Context,
	workerAddress string,
	op string,
	timeout time.Duration,
	fn func(ctx context.Context, client api.AgentClient) error,
) error {
	agentAddress := api.AgentOf(workerAddress)
	client, ok := c.Agent(agentAddress)
	if !ok {
		return errors.WithStack(&fleeterrors.ErrNotFound{
			Type:    "agent",
			Value:   agentAddress,
			Message: "no connection for worker " + workerAddress,
		})
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fleeterrors.WrapRemote(workerAddress, op, timeout, fn(callCtx, client))
}
