package api

import (
	"context"

	"google.golang.org/grpc"
)

const AgentServiceName = "fleetbench.api.Agent"

// AgentServer is served by every agent. Messages carrying a worker address are forwarded to that worker.
type AgentServer interface {
	SpawnWorkers(context.Context, *SpawnWorkersRequest) (*SpawnWorkersResponse, error)
	InitTestSuite(context.Context, *InitTestSuiteRequest) (*Ack, error)
	CreateTest(context.Context, *CreateTestRequest) (*Ack, error)
	StartPhase(context.Context, *StartPhaseRequest) (*Ack, error)
	StopRun(context.Context, *StopRunRequest) (*Ack, error)
	TerminateWorkers(context.Context, *TerminateWorkersRequest) (*Ack, error)
	Echo(context.Context, *EchoRequest) (*EchoResponse, error)
	GetFailures(context.Context, *GetFailuresRequest) (*GetFailuresResponse, error)
	GetPerformance(context.Context, *GetPerformanceRequest) (*GetPerformanceResponse, error)
	Shutdown(context.Context, *ShutdownRequest) (*Ack, error)
}

func RegisterAgentServer(s grpc.ServiceRegistrar, srv AgentServer) {
	s.RegisterService(&agentServiceDesc, srv)
}

var agentServiceDesc = grpc.ServiceDesc{
	ServiceName: AgentServiceName,
	HandlerType: (*AgentServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SpawnWorkers",
			Handler:    newUnaryHandler("/"+AgentServiceName+"/SpawnWorkers", AgentServer.SpawnWorkers),
		},
		{
			MethodName: "InitTestSuite",
			Handler:    newUnaryHandler("/"+AgentServiceName+"/InitTestSuite", AgentServer.InitTestSuite),
		},
		{
			MethodName: "CreateTest",
			Handler:    newUnaryHandler("/"+AgentServiceName+"/CreateTest", AgentServer.CreateTest),
		},
		{
			MethodName: "StartPhase",
			Handler:    newUnaryHandler("/"+AgentServiceName+"/StartPhase", AgentServer.StartPhase),
		},
		{
			MethodName: "StopRun",
			Handler:    newUnaryHandler("/"+AgentServiceName+"/StopRun", AgentServer.StopRun),
		},
		{
			MethodName: "TerminateWorkers",
			Handler:    newUnaryHandler("/"+AgentServiceName+"/TerminateWorkers", AgentServer.TerminateWorkers),
		},
		{
			MethodName: "Echo",
			Handler:    newUnaryHandler("/"+AgentServiceName+"/Echo", AgentServer.Echo),
		},
		{
			MethodName: "GetFailures",
			Handler:    newUnaryHandler("/"+AgentServiceName+"/GetFailures", AgentServer.GetFailures),
		},
		{
			MethodName: "GetPerformance",
			Handler:    newUnaryHandler("/"+AgentServiceName+"/GetPerformance", AgentServer.GetPerformance),
		},
		{
			MethodName: "Shutdown",
			Handler:    newUnaryHandler("/"+AgentServiceName+"/Shutdown", AgentServer.Shutdown),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pkg/api/agent_service.go",
}

// AgentClient is used by the coordinator to talk to one agent.
type AgentClient interface {
	SpawnWorkers(ctx context.Context, in *SpawnWorkersRequest, opts ...grpc.CallOption) (*SpawnWorkersResponse, error)
	InitTestSuite(ctx context.Context, in *InitTestSuiteRequest, opts ...grpc.CallOption) (*Ack, error)
	CreateTest(ctx context.Context, in *CreateTestRequest, opts ...grpc.CallOption) (*Ack, error)
	StartPhase(ctx context.Context, in *StartPhaseRequest, opts ...grpc.CallOption) (*Ack, error)
	StopRun(ctx context.Context, in *StopRunRequest, opts ...grpc.CallOption) (*Ack, error)
	TerminateWorkers(ctx context.Context, in *TerminateWorkersRequest, opts ...grpc.CallOption) (*Ack, error)
	Echo(ctx context.Context, in *EchoRequest, opts ...grpc.CallOption) (*EchoResponse, error)
	GetFailures(ctx context.Context, in *GetFailuresRequest, opts ...grpc.CallOption) (*GetFailuresResponse, error)
	GetPerformance(ctx context.Context, in *GetPerformanceRequest, opts ...grpc.CallOption) (*GetPerformanceResponse, error)
	Shutdown(ctx context.Context, in *ShutdownRequest, opts ...grpc.CallOption) (*Ack, error)
}

type agentClient struct {
	cc grpc.ClientConnInterface
}

func NewAgentClient(cc grpc.ClientConnInterface) AgentClient {
	return &agentClient{cc: cc}
}

func (c *agentClient) SpawnWorkers(ctx context.Context, in *SpawnWorkersRequest, opts ...grpc.CallOption) (*SpawnWorkersResponse, error) {
	return invoke[SpawnWorkersResponse](ctx, c.cc, "/"+AgentServiceName+"/SpawnWorkers", in, opts)
}

func (c *agentClient) InitTestSuite(ctx context.Context, in *InitTestSuiteRequest, opts ...grpc.CallOption) (*Ack, error) {
	return invoke[Ack](ctx, c.cc, "/"+AgentServiceName+"/InitTestSuite", in, opts)
}

func (c *agentClient) CreateTest(ctx context.Context, in *CreateTestRequest, opts ...grpc.CallOption) (*Ack, error) {
	return invoke[Ack](ctx, c.cc, "/"+AgentServiceName+"/CreateTest", in, opts)
}

func (c *agentClient) StartPhase(ctx context.Context, in *StartPhaseRequest, opts ...grpc.CallOption) (*Ack, error) {
	return invoke[Ack](ctx, c.cc, "/"+AgentServiceName+"/StartPhase", in, opts)
}

func (c *agentClient) StopRun(ctx context.Context, in *StopRunRequest, opts ...grpc.CallOption) (*Ack, error) {
	return invoke[Ack](ctx, c.cc, "/"+AgentServiceName+"/StopRun", in, opts)
}

func (c *agentClient) TerminateWorkers(ctx context.Context, in *TerminateWorkersRequest, opts ...grpc.CallOption) (*Ack, error) {
	return invoke[Ack](ctx, c.cc, "/"+AgentServiceName+"/TerminateWorkers", in, opts)
}

func (c *agentClient) Echo(ctx context.Context, in *EchoRequest, opts ...grpc.CallOption) (*EchoResponse, error) {
	return invoke[EchoResponse](ctx, c.cc, "/"+AgentServiceName+"/Echo", in, opts)
}

func (c *agentClient) GetFailures(ctx context.Context, in *GetFailuresRequest, opts ...grpc.CallOption) (*GetFailuresResponse, error) {
	return invoke[GetFailuresResponse](ctx, c.cc, "/"+AgentServiceName+"/GetFailures", in, opts)
}

func (c *agentClient) GetPerformance(ctx context.Context, in *GetPerformanceRequest, opts ...grpc.CallOption) (*GetPerformanceResponse, error) {
	return invoke[GetPerformanceResponse](ctx, c.cc, "/"+AgentServiceName+"/GetPerformance", in, opts)
}

func (c *agentClient) Shutdown(ctx context.Context, in *ShutdownRequest, opts ...grpc.CallOption) (*Ack, error) {
	return invoke[Ack](ctx, c.cc, "/"+AgentServiceName+"/Shutdown", in, opts)
}
