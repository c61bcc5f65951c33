package api

import (
	"context"

	"google.golang.org/grpc"
)

const WorkerServiceName = "fleetbench.api.Worker"

// WorkerServer is served by every worker process on a loopback port.
type WorkerServer interface {
	CreateTest(context.Context, *CreateTestRequest) (*Ack, error)
	StartPhase(context.Context, *StartPhaseRequest) (*Ack, error)
	StopRun(context.Context, *StopRunRequest) (*Ack, error)
	GetPerformance(context.Context, *GetPerformanceRequest) (*WorkerPerformanceResponse, error)
	Ping(context.Context, *PingRequest) (*PingResponse, error)
	Shutdown(context.Context, *ShutdownRequest) (*Ack, error)
}

func RegisterWorkerServer(s grpc.ServiceRegistrar, srv WorkerServer) {
	s.RegisterService(&workerServiceDesc, srv)
}

var workerServiceDesc = grpc.ServiceDesc{
	ServiceName: WorkerServiceName,
	HandlerType: (*WorkerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "CreateTest",
			Handler:    newUnaryHandler("/"+WorkerServiceName+"/CreateTest", WorkerServer.CreateTest),
		},
		{
			MethodName: "StartPhase",
			Handler:    newUnaryHandler("/"+WorkerServiceName+"/StartPhase", WorkerServer.StartPhase),
		},
		{
			MethodName: "StopRun",
			Handler:    newUnaryHandler("/"+WorkerServiceName+"/StopRun", WorkerServer.StopRun),
		},
		{
			MethodName: "GetPerformance",
			Handler:    newUnaryHandler("/"+WorkerServiceName+"/GetPerformance", WorkerServer.GetPerformance),
		},
		{
			MethodName: "Ping",
			Handler:    newUnaryHandler("/"+WorkerServiceName+"/Ping", WorkerServer.Ping),
		},
		{
			MethodName: "Shutdown",
			Handler:    newUnaryHandler("/"+WorkerServiceName+"/Shutdown", WorkerServer.Shutdown),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pkg/api/worker_service.go",
}

// WorkerClient is used by an agent to talk to one of its workers.
type WorkerClient interface {
	CreateTest(ctx context.Context, in *CreateTestRequest, opts ...grpc.CallOption) (*Ack, error)
	StartPhase(ctx context.Context, in *StartPhaseRequest, opts ...grpc.CallOption) (*Ack, error)
	StopRun(ctx context.Context, in *StopRunRequest, opts ...grpc.CallOption) (*Ack, error)
	GetPerformance(ctx context.Context, in *GetPerformanceRequest, opts ...grpc.CallOption) (*WorkerPerformanceResponse, error)
	Ping(ctx context.Context, in *PingRequest, opts ...grpc.CallOption) (*PingResponse, error)
	Shutdown(ctx context.Context, in *ShutdownRequest, opts ...grpc.CallOption) (*Ack, error)
}

type workerClient struct {
	cc grpc.ClientConnInterface
}

func NewWorkerClient(cc grpc.ClientConnInterface) WorkerClient {
	return &workerClient{cc: cc}
}

func (c *workerClient) CreateTest(ctx context.Context, in *CreateTestRequest, opts ...grpc.CallOption) (*Ack, error) {
	return invoke[Ack](ctx, c.cc, "/"+WorkerServiceName+"/CreateTest", in, opts)
}

func (c *workerClient) StartPhase(ctx context.Context, in *StartPhaseRequest, opts ...grpc.CallOption) (*Ack, error) {
	return invoke[Ack](ctx, c.cc, "/"+WorkerServiceName+"/StartPhase", in, opts)
}

func (c *workerClient) StopRun(ctx context.Context, in *StopRunRequest, opts ...grpc.CallOption) (*Ack, error) {
	return invoke[Ack](ctx, c.cc, "/"+WorkerServiceName+"/StopRun", in, opts)
}

func (c *workerClient) GetPerformance(ctx context.Context, in *GetPerformanceRequest, opts ...grpc.CallOption) (*WorkerPerformanceResponse, error) {
	return invoke[WorkerPerformanceResponse](ctx, c.cc, "/"+WorkerServiceName+"/GetPerformance", in, opts)
}

func (c *workerClient) Ping(ctx context.Context, in *PingRequest, opts ...grpc.CallOption) (*PingResponse, error) {
	return invoke[PingResponse](ctx, c.cc, "/"+WorkerServiceName+"/Ping", in, opts)
}

func (c *workerClient) Shutdown(ctx context.Context, in *ShutdownRequest, opts ...grpc.CallOption) (*Ack, error) {
	return invoke[Ack](ctx, c.cc, "/"+WorkerServiceName+"/Shutdown", in, opts)
}
