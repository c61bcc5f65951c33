package coordinator

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/fleetbench/internal/common/fleetcontext"
	"github.com/G-Research/fleetbench/internal/common/fleeterrors"
	"github.com/G-Research/fleetbench/internal/registry"
	"github.com/G-Research/fleetbench/pkg/api"
)

func newConnectedRemote(t *testing.T, agentCount int) (*RemoteClient, *fakeFleet, *registry.Registry) {
	layout := make([][]api.WorkerType, agentCount)
	for i := range layout {
		layout[i] = members(1)
	}
	reg := newTestRegistry(t, layout...)
	var endpoints []string
	for _, agent := range reg.GetAgents() {
		endpoints = append(endpoints, agent.Endpoint)
	}
	fleet := newFakeFleet(endpoints...)
	remote := NewRemoteClient(testRemoteConfig(), fleet.dial)
	require.NoError(t, remote.Connect(fleetcontext.Background(), reg.GetAgents()))
	t.Cleanup(remote.Close)
	return remote, fleet, reg
}

func TestRemoteClient_Connect(t *testing.T) {
	remote, fleet, reg := newConnectedRemote(t, 3)

	assert.Equal(t, []string{"A1", "A2", "A3"}, remote.Addresses())
	for _, agent := range reg.GetAgents() {
		_, ok := remote.Agent(agent.Address)
		assert.True(t, ok)
		assert.Equal(t, 1, fleet.agent(agent.Endpoint).echoes)
	}
}

func TestRemoteClient_ConnectRetriesUntilReachable(t *testing.T) {
	reg := newTestRegistry(t, members(1))
	agent := reg.GetAgents()[0]
	fleet := newFakeFleet(agent.Endpoint)
	fleet.agent(agent.Endpoint).setUnreachable(true)
	var attempts atomic.Int32
	dial := func(ctx context.Context, endpoint string, timeout time.Duration) (api.AgentClient, io.Closer, error) {
		if attempts.Add(1) == 2 {
			fleet.agent(endpoint).setUnreachable(false)
		}
		return fleet.dial(ctx, endpoint, timeout)
	}
	remote := NewRemoteClient(testRemoteConfig(), dial)
	defer remote.Close()

	require.NoError(t, remote.Connect(fleetcontext.Background(), reg.GetAgents()))
	assert.Equal(t, int32(2), attempts.Load())
}

func TestRemoteClient_ConnectFailsAfterAttempts(t *testing.T) {
	reg := newTestRegistry(t, members(1), members(1))
	agents := reg.GetAgents()
	// Only the first agent exists.
	fleet := newFakeFleet(agents[0].Endpoint)
	remote := NewRemoteClient(testRemoteConfig(), fleet.dial)
	defer remote.Close()

	err := remote.Connect(fleetcontext.Background(), agents)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "A2")
	assert.Equal(t, 3, fleet.dials[agents[1].Endpoint])
	assert.Equal(t, []string{"A1"}, remote.Addresses())
}

func TestRemoteClient_ForEachAgentCollectsErrors(t *testing.T) {
	remote, fleet, reg := newConnectedRemote(t, 3)
	fleet.agent(reg.GetAgents()[1].Endpoint).setUnreachable(true)
	var calls atomic.Int32

	err := remote.ForEachAgent(fleetcontext.Background(), "getFailures", time.Second,
		func(ctx context.Context, address string, client api.AgentClient) error {
			calls.Add(1)
			_, err := client.GetFailures(ctx, &api.GetFailuresRequest{})
			return err
		})

	assert.Equal(t, int32(3), calls.Load())
	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	require.Len(t, merr.Errors, 1)
	var remoteErr *fleeterrors.ErrRemote
	require.ErrorAs(t, merr.Errors[0], &remoteErr)
	assert.Equal(t, "A2", remoteErr.Target)
}

func TestRemoteClient_ForEachAgentTimeout(t *testing.T) {
	remote, _, _ := newConnectedRemote(t, 1)

	err := remote.ForEachAgent(fleetcontext.Background(), "slow", 10*time.Millisecond,
		func(ctx context.Context, _ string, _ api.AgentClient) error {
			<-ctx.Done()
			return ctx.Err()
		})

	assert.True(t, fleeterrors.IsTimeout(err))
}

func TestRemoteClient_RoutesWorkerCallsThroughAgent(t *testing.T) {
	remote, fleet, reg := newConnectedRemote(t, 2)
	ctx := context.Background()

	require.NoError(t, remote.CreateTest(ctx, "A2.W1", noopTest(), time.Second))
	require.NoError(t, remote.StartPhase(ctx, "A2.W1", testId, api.PhaseSetup, time.Second))
	require.NoError(t, remote.StopRun(ctx, "A2.W1", testId, time.Second))

	agent := fleet.agent(reg.GetAgents()[1].Endpoint)
	assert.Equal(t, []workerCall{
		{Worker: "A2.W1", TestId: testId, Step: createStep},
		{Worker: "A2.W1", TestId: testId, Step: "SETUP"},
		{Worker: "A2.W1", TestId: testId, Step: stopStep},
	}, agent.steps)
	assert.Empty(t, fleet.agent(reg.GetAgents()[0].Endpoint).steps)
}

func TestRemoteClient_WorkerCallErrors(t *testing.T) {
	remote, fleet, reg := newConnectedRemote(t, 1)
	fleet.agent(reg.GetAgents()[0].Endpoint).setUnreachable(true)

	err := remote.StartPhase(context.Background(), "A1.W1", testId, api.PhaseRun, time.Second)
	var remoteErr *fleeterrors.ErrRemote
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "A1.W1", remoteErr.Target)

	err = remote.StartPhase(context.Background(), "A7.W1", testId, api.PhaseRun, time.Second)
	assert.True(t, fleeterrors.IsNotFound(err))
}

func TestRemoteClient_Disconnect(t *testing.T) {
	remote, _, _ := newConnectedRemote(t, 2)

	remote.Disconnect("A1")

	assert.Equal(t, []string{"A2"}, remote.Addresses())
	err := remote.StopRun(context.Background(), "A1.W1", testId, time.Second)
	assert.True(t, fleeterrors.IsNotFound(err))
}
