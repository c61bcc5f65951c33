package api

import "time"

// Files a worker writes into its working directory for the agent to pick up.
const (
	WorkerConfigFileName  = "worker.yaml"
	AddressFileName       = "worker.address"
	OOMFileName           = "worker.oome"
	ExceptionFileSuffix   = ".exception"
	WorkerStdoutFileName  = "worker.out"
	WorkerStderrFileName  = "worker.err"
	PerformanceFilePrefix = "performance-"
)

// ExceptionReport is the content of a <seq>.exception file.
type ExceptionReport struct {
	WorkerId  string    `json:"workerId"`
	TestId    string    `json:"testId,omitempty"`
	Phase     string    `json:"phase,omitempty"`
	Message   string    `json:"message"`
	Cause     string    `json:"cause,omitempty"`
	Fatal     bool      `json:"fatal"`
	Timestamp time.Time `json:"timestamp"`
}
