package api

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

type echoOnlyAgent struct {
	AgentServer
	phases []StartPhaseRequest
}

func (a *echoOnlyAgent) Echo(_ context.Context, req *EchoRequest) (*EchoResponse, error) {
	return &EchoResponse{Message: req.Message}, nil
}

func (a *echoOnlyAgent) StartPhase(_ context.Context, req *StartPhaseRequest) (*Ack, error) {
	a.phases = append(a.phases, *req)
	return &Ack{}, nil
}

func TestAgentService_RoundTrip(t *testing.T) {
	listener := bufconn.Listen(1024 * 1024)
	server := grpc.NewServer()
	agent := &echoOnlyAgent{}
	RegisterAgentServer(server, agent)
	go func() {
		_ = server.Serve(listener)
	}()
	defer server.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := grpc.DialContext(ctx, "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client := NewAgentClient(conn)
	echo, err := client.Echo(ctx, &EchoRequest{Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", echo.Message)

	_, err = client.StartPhase(ctx, &StartPhaseRequest{WorkerAddress: "A1.W1", TestId: "t", Phase: PhaseRun})
	require.NoError(t, err)
	require.Len(t, agent.phases, 1)
	assert.Equal(t, PhaseRun, agent.phases[0].Phase)
	assert.Equal(t, "A1.W1", agent.phases[0].WorkerAddress)
}
