package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
	"k8s.io/utils/clock"

	"github.com/G-Research/fleetbench/internal/agent/configuration"
	"github.com/G-Research/fleetbench/internal/common/fleetcontext"
	"github.com/G-Research/fleetbench/internal/common/fleeterrors"
	workerconfig "github.com/G-Research/fleetbench/internal/worker/configuration"
	"github.com/G-Research/fleetbench/pkg/api"
)

type testFixture struct {
	supervisor *Supervisor
	starter    *fakeStarter
	connector  *fakeConnector
	ctx        *fleetcontext.Context
	homeDir    string
}

func newFixture(t *testing.T) *testFixture {
	homeDir := t.TempDir()
	starter := newFakeStarter()
	connector := &fakeConnector{}
	config := configuration.SupervisorConfig{
		HomeDir:               homeDir,
		WorkerBinary:          "/bin/fleetbench-worker",
		DefaultStartupTimeout: time.Second,
		StartupPollInterval:   5 * time.Millisecond,
		MonitorInterval:       time.Second,
		PingTimeout:           time.Second,
		ConnectTimeout:        time.Second,
		TerminateTimeout:      50 * time.Millisecond,
		MaxQueuedFailures:     100,
	}
	return &testFixture{
		supervisor: New(config, starter, connector.connect, clock.RealClock{}, prometheus.NewRegistry()),
		starter:    starter,
		connector:  connector,
		ctx:        fleetcontext.Background(),
		homeDir:    homeDir,
	}
}

func params(address string, workerType api.WorkerType) api.WorkerParameters {
	return api.WorkerParameters{
		Address:        address,
		Type:           workerType,
		WorkingDirName: "worker-" + address,
		SessionId:      "session-1",
		Driver:         api.DriverParameters{Name: "noop"},
	}
}

func (f *testFixture) spawn(t *testing.T, workers ...api.WorkerParameters) {
	_, err := f.supervisor.Spawn(f.ctx, workers, time.Second)
	require.NoError(t, err)
	for _, w := range workers {
		wp, ok := f.supervisor.lookup(w.Address)
		require.True(t, ok)
		wp.client.(*fakeWorkerClient).process = f.starter.process(w.WorkingDirName)
	}
}

func (f *testFixture) client(t *testing.T, address string) *fakeWorkerClient {
	wp, ok := f.supervisor.lookup(address)
	require.True(t, ok)
	return wp.client.(*fakeWorkerClient)
}

func (f *testFixture) workerDir(address string) string {
	return filepath.Join(f.homeDir, "session-1", "worker-"+address)
}

func TestSpawn_Success(t *testing.T) {
	f := newFixture(t)
	infos, err := f.supervisor.Spawn(f.ctx, []api.WorkerParameters{
		params("A1.W1", api.WorkerTypeMember),
		params("A1.W2", api.WorkerTypeClient),
	}, time.Second)
	require.NoError(t, err)

	require.Len(t, infos, 2)
	assert.Equal(t, "A1.W1", infos[0].Address)
	assert.Equal(t, "127.0.0.1:1", infos[0].Endpoint)
	assert.NotZero(t, infos[0].Pid)
	assert.Equal(t, []string{"A1.W1", "A1.W2"}, f.supervisor.Addresses())

	data, err := os.ReadFile(filepath.Join(f.workerDir("A1.W2"), api.WorkerConfigFileName))
	require.NoError(t, err)
	var wc workerconfig.WorkerConfiguration
	require.NoError(t, yaml.Unmarshal(data, &wc))
	assert.Equal(t, "A1.W2", wc.Address)
	assert.Equal(t, api.WorkerTypeClient, wc.Type)
	assert.Equal(t, f.workerDir("A1.W2"), wc.HomeDir)
	assert.Equal(t, "noop", wc.Driver.Name)
	assert.NotEmpty(t, wc.Id)

	client, err := f.supervisor.Client("A1.W1")
	require.NoError(t, err)
	assert.NotNil(t, client)
	_, err = f.supervisor.Client("A1.W9")
	assert.True(t, fleeterrors.IsNotFound(err))
}

func TestSpawn_DuplicateAddress(t *testing.T) {
	f := newFixture(t)
	f.spawn(t, params("A1.W1", api.WorkerTypeMember))
	_, err := f.supervisor.Spawn(f.ctx, []api.WorkerParameters{params("A1.W1", api.WorkerTypeMember)}, time.Second)
	var alreadyExists *fleeterrors.ErrAlreadyExists
	assert.ErrorAs(t, err, &alreadyExists)
}

func TestSpawn_StartupTimeoutIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	f.starter.silent["worker-A1.W2"] = true

	_, err := f.supervisor.Spawn(f.ctx, []api.WorkerParameters{
		params("A1.W1", api.WorkerTypeMember),
		params("A1.W2", api.WorkerTypeMember),
	}, 50*time.Millisecond)

	require.Error(t, err)
	assert.True(t, fleeterrors.IsTimeout(err))
	assert.Contains(t, err.Error(), "A1.W2")
	assert.NotContains(t, err.Error(), "A1.W1")
	assert.True(t, f.starter.process("worker-A1.W1").wasKilled())
	assert.True(t, f.starter.process("worker-A1.W2").wasKilled())
	assert.Empty(t, f.supervisor.Addresses())
	assert.Empty(t, f.supervisor.DrainFailures())
}

func TestSpawn_ExitDuringStartup(t *testing.T) {
	f := newFixture(t)
	f.starter.exitOn["worker-A1.W2"] = true
	f.starter.silent["worker-A1.W1"] = true

	_, err := f.supervisor.Spawn(f.ctx, []api.WorkerParameters{
		params("A1.W1", api.WorkerTypeMember),
		params("A1.W2", api.WorkerTypeMember),
	}, time.Second)

	require.Error(t, err)
	assert.False(t, fleeterrors.IsTimeout(err))
	assert.Contains(t, err.Error(), "A1.W2 exited with code 1")
	assert.True(t, f.starter.process("worker-A1.W1").wasKilled())
	assert.Empty(t, f.supervisor.Addresses())
}

func TestSpawn_StartErrorKillsEarlierWorkers(t *testing.T) {
	f := newFixture(t)
	f.starter.failOn["worker-A1.W2"] = true

	_, err := f.supervisor.Spawn(f.ctx, []api.WorkerParameters{
		params("A1.W1", api.WorkerTypeMember),
		params("A1.W2", api.WorkerTypeMember),
	}, time.Second)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create worker A1.W2")
	assert.True(t, f.starter.process("worker-A1.W1").wasKilled())
	assert.Empty(t, f.supervisor.Addresses())
}

func TestTerminate_IsNotAFailure(t *testing.T) {
	f := newFixture(t)
	f.spawn(t, params("A1.W1", api.WorkerTypeMember), params("A1.W2", api.WorkerTypeClient))
	client := f.client(t, "A1.W1")

	require.NoError(t, f.supervisor.Terminate(f.ctx, "A1.W1"))
	assert.Equal(t, 1, client.shutdowns)
	assert.Equal(t, []string{"A1.W2"}, f.supervisor.Addresses())

	f.supervisor.CheckWorkers(f.ctx)
	assert.Empty(t, f.supervisor.DrainFailures())

	err := f.supervisor.Terminate(f.ctx, "A1.W1")
	assert.True(t, fleeterrors.IsNotFound(err))
}

func TestTerminate_KillsUnresponsiveWorker(t *testing.T) {
	f := newFixture(t)
	f.spawn(t, params("A1.W1", api.WorkerTypeMember))
	process := f.starter.process("worker-A1.W1")
	process.ignoreStop = true

	require.NoError(t, f.supervisor.Terminate(f.ctx, "A1.W1"))
	assert.True(t, process.wasKilled())
	assert.Empty(t, f.supervisor.Addresses())
	assert.Empty(t, f.supervisor.DrainFailures())
}

func TestTerminateAll(t *testing.T) {
	f := newFixture(t)
	f.spawn(t, params("A1.W1", api.WorkerTypeMember), params("A1.W2", api.WorkerTypeMember), params("A1.W3", api.WorkerTypeClient))

	require.NoError(t, f.supervisor.TerminateAll(f.ctx, []string{"A1.W2"}))
	assert.Equal(t, []string{"A1.W1", "A1.W3"}, f.supervisor.Addresses())

	require.NoError(t, f.supervisor.TerminateAll(f.ctx, nil))
	assert.Empty(t, f.supervisor.Addresses())

	err := f.supervisor.TerminateAll(f.ctx, []string{"A1.W7"})
	assert.Error(t, err)
}

func TestCheckWorkers_UnexpectedExitReportedOnce(t *testing.T) {
	f := newFixture(t)
	f.spawn(t, params("A1.W1", api.WorkerTypeClient))
	f.starter.process("worker-A1.W1").exit(3)

	f.supervisor.CheckWorkers(f.ctx)
	f.supervisor.CheckWorkers(f.ctx)

	failures := f.supervisor.DrainFailures()
	require.Len(t, failures, 1)
	assert.Equal(t, api.FailureWorkerUnexpectedExit, failures[0].Type)
	assert.Equal(t, "A1.W1", failures[0].WorkerAddress)
	assert.Equal(t, "A1", failures[0].AgentAddress)
	assert.Contains(t, failures[0].Message, "exit code 3")
	assert.NotEmpty(t, failures[0].Id)
	assert.Empty(t, f.supervisor.Addresses())
	assert.Empty(t, f.supervisor.DrainFailures())
}

func TestCheckWorkers_NormalExit(t *testing.T) {
	f := newFixture(t)
	f.spawn(t, params("A1.W1", api.WorkerTypeClient))
	f.starter.process("worker-A1.W1").exit(0)

	f.supervisor.CheckWorkers(f.ctx)
	failures := f.supervisor.DrainFailures()
	require.Len(t, failures, 1)
	assert.Equal(t, api.FailureWorkerNormalExit, failures[0].Type)
}

func TestCheckWorkers_OOM(t *testing.T) {
	f := newFixture(t)
	f.spawn(t, params("A1.W1", api.WorkerTypeMember))
	require.NoError(t, os.WriteFile(filepath.Join(f.workerDir("A1.W1"), api.OOMFileName), nil, 0o644))

	f.supervisor.CheckWorkers(f.ctx)

	failures := f.supervisor.DrainFailures()
	require.Len(t, failures, 1)
	assert.Equal(t, api.FailureWorkerOOM, failures[0].Type)
	assert.True(t, f.starter.process("worker-A1.W1").wasKilled())
	assert.Empty(t, f.supervisor.Addresses())
}

func writeException(t *testing.T, dir string, seq int, report api.ExceptionReport) {
	data, err := json.Marshal(report)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("%d%s", seq, api.ExceptionFileSuffix)), data, 0o644))
}

func TestCheckWorkers_ExceptionsConsumedInOrder(t *testing.T) {
	f := newFixture(t)
	f.spawn(t, params("A1.W1", api.WorkerTypeClient))
	dir := f.workerDir("A1.W1")
	writeException(t, dir, 10, api.ExceptionReport{TestId: "t1", Message: "second", Phase: "RUN"})
	writeException(t, dir, 9, api.ExceptionReport{TestId: "t1", Message: "first", Cause: "stack"})

	f.supervisor.CheckWorkers(f.ctx)

	failures := f.supervisor.DrainFailures()
	require.Len(t, failures, 2)
	assert.Equal(t, "first", failures[0].Message)
	assert.Equal(t, "stack", failures[0].Cause)
	assert.Equal(t, "t1", failures[0].TestId)
	assert.Equal(t, "second (phase RUN)", failures[1].Message)
	for _, failure := range failures {
		assert.Equal(t, api.FailureWorkerException, failure.Type)
	}
	remaining, err := filepath.Glob(filepath.Join(dir, "*"+api.ExceptionFileSuffix))
	require.NoError(t, err)
	assert.Empty(t, remaining)
	assert.Equal(t, []string{"A1.W1"}, f.supervisor.Addresses())

	f.supervisor.CheckWorkers(f.ctx)
	assert.Empty(t, f.supervisor.DrainFailures())
}

func TestCheckWorkers_FatalException(t *testing.T) {
	f := newFixture(t)
	f.spawn(t, params("A1.W1", api.WorkerTypeClient))
	writeException(t, f.workerDir("A1.W1"), 1, api.ExceptionReport{Message: "corrupted", Fatal: true})

	f.supervisor.CheckWorkers(f.ctx)

	failures := f.supervisor.DrainFailures()
	require.Len(t, failures, 1)
	assert.Equal(t, api.FailureWorkerFatalException, failures[0].Type)
	assert.True(t, f.starter.process("worker-A1.W1").wasKilled())
	assert.Empty(t, f.supervisor.Addresses())
}

func TestCheckWorkers_MembershipLoss(t *testing.T) {
	f := newFixture(t)
	f.spawn(t, params("A1.W1", api.WorkerTypeMember), params("A1.W2", api.WorkerTypeClient))
	member := f.client(t, "A1.W1")
	client := f.client(t, "A1.W2")

	// Not joined yet: nothing to lose.
	f.supervisor.CheckWorkers(f.ctx)
	member.setJoined(true)
	f.supervisor.CheckWorkers(f.ctx)
	assert.Empty(t, f.supervisor.DrainFailures())

	member.setJoined(false)
	f.supervisor.CheckWorkers(f.ctx)

	failures := f.supervisor.DrainFailures()
	require.Len(t, failures, 1)
	assert.Equal(t, api.FailureWorkerMembershipLoss, failures[0].Type)
	assert.True(t, f.starter.process("worker-A1.W1").wasKilled())
	assert.Equal(t, 0, client.pingCount())
	assert.Equal(t, []string{"A1.W2"}, f.supervisor.Addresses())
}

func TestFailureQueue_DropsOldest(t *testing.T) {
	f := newFixture(t)
	f.supervisor.config.MaxQueuedFailures = 2
	for i := 0; i < 3; i++ {
		f.supervisor.report(f.ctx, nil, &api.Failure{Type: api.FailureWorkerException, Message: fmt.Sprintf("%d", i)})
	}
	failures := f.supervisor.DrainFailures()
	require.Len(t, failures, 3)
	assert.Equal(t, "1", failures[0].Message)
	assert.Equal(t, "2", failures[1].Message)
	assert.Equal(t, api.FailureAgentFailuresDropped, failures[2].Type)
	assert.Contains(t, failures[2].Message, "1 failures were dropped")

	// The count is reported once.
	assert.Empty(t, f.supervisor.DrainFailures())
}
