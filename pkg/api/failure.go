package api

import (
	"fmt"
	"strings"
	"time"
)

type FailureType int

const (
	FailureWorkerCreateError FailureType = iota
	FailureWorkerStartupTimeout
	FailureWorkerException
	FailureWorkerFatalException
	FailureWorkerPhaseTimeout
	FailureWorkerCompletionTimeout
	FailureWorkerOOM
	FailureWorkerUnexpectedExit
	FailureWorkerNormalExit
	FailureWorkerMembershipLoss
	FailureAgentUnreachable
	// An agent's failure queue overflowed and older failures were discarded.
	FailureAgentFailuresDropped
)

type failureTypeInfo struct {
	name     string
	terminal bool
}

var failureTypes = map[FailureType]failureTypeInfo{
	FailureWorkerCreateError:       {name: "WORKER_CREATE_ERROR", terminal: true},
	FailureWorkerStartupTimeout:    {name: "WORKER_STARTUP_TIMEOUT", terminal: true},
	FailureWorkerException:         {name: "WORKER_EXCEPTION", terminal: false},
	FailureWorkerFatalException:    {name: "WORKER_FATAL_EXCEPTION", terminal: true},
	FailureWorkerPhaseTimeout:      {name: "WORKER_PHASE_TIMEOUT", terminal: false},
	FailureWorkerCompletionTimeout: {name: "WORKER_COMPLETION_TIMEOUT", terminal: false},
	FailureWorkerOOM:               {name: "WORKER_OOM", terminal: true},
	FailureWorkerUnexpectedExit:    {name: "WORKER_UNEXPECTED_EXIT", terminal: true},
	FailureWorkerNormalExit:        {name: "WORKER_NORMAL_EXIT", terminal: true},
	FailureWorkerMembershipLoss:    {name: "WORKER_MEMBERSHIP_LOSS", terminal: true},
	FailureAgentUnreachable:        {name: "AGENT_UNREACHABLE", terminal: false},
	FailureAgentFailuresDropped:    {name: "AGENT_FAILURES_DROPPED", terminal: false},
}

func (t FailureType) String() string {
	if info, ok := failureTypes[t]; ok {
		return info.name
	}
	return fmt.Sprintf("FAILURE(%d)", int(t))
}

// IsTerminal reports whether a failure of this type means the worker process is gone.
func (t FailureType) IsTerminal() bool {
	return failureTypes[t].terminal
}

// IsPoisonPill reports whether the failure is an expected exit that is never counted as critical.
func (t FailureType) IsPoisonPill() bool {
	return t == FailureWorkerNormalExit
}

func (t FailureType) IsWorkerFailure() bool {
	return t != FailureAgentUnreachable && t != FailureAgentFailuresDropped
}

func ParseFailureType(s string) (FailureType, error) {
	normalised := strings.ToUpper(strings.TrimSpace(s))
	for failureType, info := range failureTypes {
		if info.name == normalised {
			return failureType, nil
		}
	}
	return 0, fmt.Errorf("unknown failure type %q", s)
}

func (t FailureType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *FailureType) UnmarshalText(text []byte) error {
	parsed, err := ParseFailureType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Failure is a single problem detected somewhere in the fleet.
// AgentAddress is always set; WorkerAddress and TestId are optional.
type Failure struct {
	Id            string      `json:"id"`
	Type          FailureType `json:"type"`
	Message       string      `json:"message"`
	Cause         string      `json:"cause,omitempty"`
	AgentAddress  string      `json:"agentAddress,omitempty"`
	WorkerAddress string      `json:"workerAddress,omitempty"`
	WorkerId      string      `json:"workerId,omitempty"`
	TestId        string      `json:"testId,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`

	// Populated by the coordinator when the failure is tied to a known test.
	TestCase *TestCase     `json:"testCase,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// IsTerminal reports whether the failure removes its worker.
func (f *Failure) IsTerminal() bool {
	return f.WorkerAddress != "" && f.Type.IsTerminal()
}

// Render returns the human-readable multi-line form written to the failure log.
func (f *Failure) Render() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Failure[\n")
	fmt.Fprintf(&sb, "   message='%s'\n", f.Message)
	fmt.Fprintf(&sb, "   type=%s\n", f.Type)
	fmt.Fprintf(&sb, "   timestamp=%s\n", f.Timestamp.Format(time.RFC3339Nano))
	if f.AgentAddress != "" {
		fmt.Fprintf(&sb, "   agentAddress=%s\n", f.AgentAddress)
	}
	if f.WorkerAddress != "" {
		fmt.Fprintf(&sb, "   workerAddress=%s\n", f.WorkerAddress)
	}
	if f.WorkerId != "" {
		fmt.Fprintf(&sb, "   workerId=%s\n", f.WorkerId)
	}
	if f.TestId != "" {
		fmt.Fprintf(&sb, "   testId=%s\n", f.TestId)
	}
	if f.Duration > 0 {
		fmt.Fprintf(&sb, "   testDuration=%s\n", f.Duration)
	}
	if f.TestCase != nil {
		fmt.Fprintf(&sb, "   test=%s\n", f.TestCase)
	}
	if f.Cause != "" {
		fmt.Fprintf(&sb, "   cause=%s\n", f.Cause)
	}
	sb.WriteString("]")
	return sb.String()
}
