package registry

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/fleetbench/internal/common/fleeterrors"
	"github.com/G-Research/fleetbench/pkg/api"
)

func newTestRegistry(t *testing.T, agentCount int) *Registry {
	r, err := New()
	require.NoError(t, err)
	for i := 0; i < agentCount; i++ {
		_, err := r.AddAgent(AgentSpec{PublicAddress: "127.0.0.1", Port: 9000 + i})
		require.NoError(t, err)
	}
	return r
}

func workerParams(address string, workerType api.WorkerType) api.WorkerParameters {
	return api.WorkerParameters{Address: address, Type: workerType}
}

func TestAddAgent_AssignsAddressesInLoadOrder(t *testing.T) {
	r := newTestRegistry(t, 12)
	agents := r.GetAgents()
	require.Len(t, agents, 12)
	for i, agent := range agents {
		assert.Equal(t, i+1, agent.Index)
		assert.Equal(t, api.AgentAddress(i+1), agent.Address)
		assert.Equal(t, 1, agent.NextWorkerIndex())
	}
	assert.Equal(t, "127.0.0.1:9011", agents[11].Endpoint)
	assert.Equal(t, "127.0.0.1", agents[0].PrivateAddress)
}

func TestAddAgent_DuplicateEndpoint(t *testing.T) {
	r := newTestRegistry(t, 1)
	_, err := r.AddAgent(AgentSpec{PublicAddress: "127.0.0.1", Port: 9000})
	var alreadyExists *fleeterrors.ErrAlreadyExists
	assert.ErrorAs(t, err, &alreadyExists)
	assert.Equal(t, 1, r.AgentCount())
}

func TestFind_UnknownReturnsNotFound(t *testing.T) {
	r := newTestRegistry(t, 1)
	_, ok := r.FindAgent("A9")
	assert.False(t, ok)
	_, ok = r.FindWorker("A1.W1")
	assert.False(t, ok)
	_, ok = r.GetTest("missing")
	assert.False(t, ok)
	_, ok = r.RemoveWorker("A1.W1")
	assert.False(t, ok)
}

func TestAddWorkers_OrderAndIndexReservation(t *testing.T) {
	r := newTestRegistry(t, 2)
	params := []api.WorkerParameters{
		workerParams("A2.W1", api.WorkerTypeClient),
		workerParams("A1.W3", api.WorkerTypeMember),
		workerParams("A1.W1", api.WorkerTypeMember),
	}
	_, err := r.AddWorkers(params, make([]api.WorkerInfo, len(params)))
	require.NoError(t, err)

	var addresses []string
	for _, w := range r.GetWorkers() {
		addresses = append(addresses, w.Address)
	}
	assert.Equal(t, []string{"A1.W1", "A1.W3", "A2.W1"}, addresses)

	a1, ok := r.FindAgent("A1")
	require.True(t, ok)
	assert.Equal(t, 4, a1.NextWorkerIndex())
	assert.Len(t, r.GetWorkersOf("A1"), 2)
	assert.Len(t, r.GetWorkersOf("A2"), 1)
}

func TestAddWorkers_AllOrNothing(t *testing.T) {
	r := newTestRegistry(t, 1)
	params := []api.WorkerParameters{
		workerParams("A1.W1", api.WorkerTypeMember),
		workerParams("A5.W1", api.WorkerTypeMember),
	}
	_, err := r.AddWorkers(params, make([]api.WorkerInfo, len(params)))
	var notFound *fleeterrors.ErrNotFound
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, 0, r.WorkerCount())

	_, err = r.AddWorker(workerParams("A1.W1", api.WorkerTypeMember), api.WorkerInfo{})
	require.NoError(t, err)
	_, err = r.AddWorker(workerParams("A1.W1", api.WorkerTypeMember), api.WorkerInfo{})
	var alreadyExists *fleeterrors.ErrAlreadyExists
	assert.ErrorAs(t, err, &alreadyExists)
}

func TestRemoveAgent_RemovesItsWorkers(t *testing.T) {
	r := newTestRegistry(t, 2)
	params := []api.WorkerParameters{
		workerParams("A1.W1", api.WorkerTypeMember),
		workerParams("A1.W2", api.WorkerTypeClient),
		workerParams("A2.W1", api.WorkerTypeMember),
	}
	_, err := r.AddWorkers(params, make([]api.WorkerInfo, len(params)))
	require.NoError(t, err)

	agent, removedWorkers, ok := r.RemoveAgent("A1")
	require.True(t, ok)
	assert.Equal(t, "A1", agent.Address)
	assert.Len(t, removedWorkers, 2)
	assert.Equal(t, 1, r.WorkerCount())
	_, ok = r.FindWorker("A1.W2")
	assert.False(t, ok)

	_, _, ok = r.RemoveAgent("A1")
	assert.False(t, ok)
}

func TestRemoveWorker_ExactlyOnceUnderConcurrency(t *testing.T) {
	r := newTestRegistry(t, 1)
	_, err := r.AddWorker(workerParams("A1.W1", api.WorkerTypeMember), api.WorkerInfo{})
	require.NoError(t, err)

	var removals int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := r.RemoveWorker("A1.W1"); ok {
				atomic.AddInt32(&removals, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), removals)
	assert.Equal(t, 0, r.WorkerCount())
}

func TestTests_Lifecycle(t *testing.T) {
	r := newTestRegistry(t, 0)
	first, err := r.AddTest(api.NewTestCase("b"))
	require.NoError(t, err)
	_, err = r.AddTest(api.NewTestCase("a"))
	require.NoError(t, err)
	_, err = r.AddTest(api.NewTestCase("a"))
	assert.Error(t, err)

	tests := r.GetTests()
	require.Len(t, tests, 2)
	assert.Equal(t, "b", tests[0].Id)
	assert.Equal(t, "a", tests[1].Id)

	assert.False(t, first.IsStarted())
	now := time.Now()
	assert.True(t, first.MarkStarted(now))
	assert.True(t, first.MarkStarted(now.Add(time.Hour)))
	assert.Equal(t, now.UnixNano(), first.StartTime().UnixNano())

	first.RequestStop()
	assert.True(t, first.IsStopRequested())
	first.MarkCompleted()
	assert.False(t, first.MarkStarted(now))

	assert.True(t, r.RemoveTest("b"))
	assert.False(t, r.RemoveTest("b"))
	assert.Len(t, r.GetTests(), 1)
}

func TestWorkerRecord_IgnoreFailures(t *testing.T) {
	r := newTestRegistry(t, 1)
	w, err := r.AddWorker(workerParams("A1.W1", api.WorkerTypeClient), api.WorkerInfo{Pid: 42})
	require.NoError(t, err)
	assert.False(t, w.IgnoreFailures())
	w.SetIgnoreFailures(true)

	found, ok := r.FindWorker("A1.W1")
	require.True(t, ok)
	assert.True(t, found.IgnoreFailures())
	assert.Equal(t, 42, found.Info.Pid)
	assert.Equal(t, api.WorkerTypeClient, found.Type())
}

func TestWorkersMode(t *testing.T) {
	assert.True(t, WorkersModeMixed.Accepts(api.WorkerTypeMember))
	assert.True(t, WorkersModeMixed.Accepts(api.WorkerTypeClient))
	assert.True(t, WorkersModeMembersOnly.Accepts(api.WorkerTypeMember))
	assert.False(t, WorkersModeMembersOnly.Accepts(api.WorkerTypeClient))
	assert.False(t, WorkersModeClientsOnly.Accepts(api.WorkerTypeMember))
	assert.True(t, WorkersModeClientsOnly.Accepts("javaclient"))

	mode, err := ParseWorkersMode("members-only")
	require.NoError(t, err)
	assert.Equal(t, WorkersModeMembersOnly, mode)
	_, err = ParseWorkersMode("everything")
	assert.Error(t, err)
}
