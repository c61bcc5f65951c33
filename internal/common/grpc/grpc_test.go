package grpc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/G-Research/fleetbench/internal/common/fleeterrors"
	"github.com/G-Research/fleetbench/internal/common/grpc/configuration"
	"github.com/G-Research/fleetbench/pkg/api"
)

type testWorker struct {
	api.WorkerServer
}

func (w *testWorker) Ping(context.Context, *api.PingRequest) (*api.PingResponse, error) {
	return &api.PingResponse{WorkerId: "w1", MemberJoined: true}, nil
}

func (w *testWorker) StartPhase(_ context.Context, req *api.StartPhaseRequest) (*api.Ack, error) {
	if req.Phase == api.PhaseRun {
		panic("run exploded")
	}
	return nil, errors.WithStack(&fleeterrors.ErrTestCompleted{TestId: req.TestId})
}

func TestServerAndDial(t *testing.T) {
	server := CreateGrpcServer(configuration.GrpcConfig{})
	api.RegisterWorkerServer(server, &testWorker{})
	lis, err := Listen(0)
	require.NoError(t, err)
	wg := &sync.WaitGroup{}
	Serve(lis, server, wg)
	defer func() {
		server.Stop()
		wg.Wait()
	}()

	ctx := context.Background()
	conn, err := Dial(ctx, lis.Addr().String(), 5*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	client := api.NewWorkerClient(conn)

	ping, err := client.Ping(ctx, &api.PingRequest{})
	require.NoError(t, err)
	assert.Equal(t, "w1", ping.WorkerId)
	assert.True(t, ping.MemberJoined)

	_, err = client.StartPhase(ctx, &api.StartPhaseRequest{TestId: "t1", Phase: api.PhaseSetup})
	require.Error(t, err)
	assert.True(t, fleeterrors.IsTestCompleted(err))

	_, err = client.StartPhase(ctx, &api.StartPhaseRequest{TestId: "t1", Phase: api.PhaseRun})
	require.Error(t, err)
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestDial_Timeout(t *testing.T) {
	lis, err := Listen(0)
	require.NoError(t, err)
	address := lis.Addr().String()
	require.NoError(t, lis.Close())

	_, err = Dial(context.Background(), address, 100*time.Millisecond)
	require.Error(t, err)
	assert.True(t, fleeterrors.IsTimeout(err))
}
