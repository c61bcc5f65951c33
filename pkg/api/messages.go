package api

import "time"

// WorkerParameters describes one worker process for an agent to launch.
type WorkerParameters struct {
	Address        string            `json:"address"`
	Type           WorkerType        `json:"type"`
	WorkingDirName string            `json:"workingDirName"`
	SessionId      string            `json:"sessionId"`
	Driver         DriverParameters  `json:"driver"`
	MemoryLimitMb  int               `json:"memoryLimitMb,omitempty"`
	Environment    map[string]string `json:"environment,omitempty"`
	Properties     map[string]string `json:"properties,omitempty"`
}

// DriverParameters selects and configures the cluster-under-test driver inside a worker.
type DriverParameters struct {
	Name  string   `json:"name"`
	Addrs []string `json:"addrs,omitempty"`
}

type WorkerInfo struct {
	Address        string     `json:"address"`
	Type           WorkerType `json:"type"`
	Pid            int        `json:"pid"`
	Endpoint       string     `json:"endpoint"`
	WorkingDirName string     `json:"workingDirName"`
}

type Ack struct{}

type SpawnWorkersRequest struct {
	Workers        []WorkerParameters `json:"workers"`
	StartupTimeout time.Duration      `json:"startupTimeout"`
}

type SpawnWorkersResponse struct {
	Workers []WorkerInfo `json:"workers"`
}

type InitTestSuiteRequest struct {
	SessionId string   `json:"sessionId"`
	TestIds   []string `json:"testIds"`
}

// The messages below are shared by the agent and worker services. The agent uses WorkerAddress to
// route the message; the worker ignores it.

type CreateTestRequest struct {
	WorkerAddress string    `json:"workerAddress,omitempty"`
	TestCase      *TestCase `json:"testCase"`
}

type StartPhaseRequest struct {
	WorkerAddress string `json:"workerAddress,omitempty"`
	TestId        string `json:"testId"`
	Phase         Phase  `json:"phase"`
}

type StopRunRequest struct {
	WorkerAddress string `json:"workerAddress,omitempty"`
	TestId        string `json:"testId"`
}

type TerminateWorkersRequest struct {
	// Empty means every worker of the agent.
	WorkerAddresses []string `json:"workerAddresses,omitempty"`
}

type EchoRequest struct {
	Message string `json:"message"`
}

type EchoResponse struct {
	Message string `json:"message"`
}

type GetFailuresRequest struct {
	// Run the worker checks before draining, so that failures already on disk are included.
	CheckWorkers bool `json:"checkWorkers,omitempty"`
}

type GetFailuresResponse struct {
	Failures []*Failure `json:"failures"`
}

type GetPerformanceRequest struct{}

// WorkerPerformance maps test id to the stats delta since the previous request.
type WorkerPerformance map[string]*PerformanceStats

type GetPerformanceResponse struct {
	// Keyed by worker address.
	Workers map[string]WorkerPerformance `json:"workers"`
}

type WorkerPerformanceResponse struct {
	Tests WorkerPerformance `json:"tests"`
}

type PingRequest struct{}

type PingResponse struct {
	WorkerId      string `json:"workerId"`
	MemberJoined  bool   `json:"memberJoined"`
	MemberRunning bool   `json:"memberRunning"`
}

type ShutdownRequest struct{}
