package registry

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/G-Research/fleetbench/pkg/api"
)

// WorkersMode restricts which worker types an agent may host.
type WorkersMode int32

const (
	WorkersModeMixed WorkersMode = iota
	WorkersModeMembersOnly
	WorkersModeClientsOnly
)

func (m WorkersMode) String() string {
	switch m {
	case WorkersModeMixed:
		return "mixed"
	case WorkersModeMembersOnly:
		return "membersOnly"
	case WorkersModeClientsOnly:
		return "clientsOnly"
	default:
		return fmt.Sprintf("WorkersMode(%d)", int32(m))
	}
}

// Accepts reports whether an agent in this mode may host a worker of type t.
func (m WorkersMode) Accepts(t api.WorkerType) bool {
	switch m {
	case WorkersModeMembersOnly:
		return t.IsMember()
	case WorkersModeClientsOnly:
		return !t.IsMember()
	default:
		return true
	}
}

func ParseWorkersMode(s string) (WorkersMode, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "")) {
	case "", "mixed":
		return WorkersModeMixed, nil
	case "membersonly", "members":
		return WorkersModeMembersOnly, nil
	case "clientsonly", "clients":
		return WorkersModeClientsOnly, nil
	default:
		return 0, fmt.Errorf("unknown workers mode %q", s)
	}
}

func (m *WorkersMode) UnmarshalText(text []byte) error {
	parsed, err := ParseWorkersMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

func (m WorkersMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// AgentRecord is the registry's view of one agent. Records are shared by pointer and must not be copied;
// the indexed fields never change after insertion.
type AgentRecord struct {
	Address        string
	Index          int
	PublicAddress  string
	PrivateAddress string
	// host:port of the agent's gRPC endpoint
	Endpoint string

	mode            atomic.Int32
	nextWorkerIndex atomic.Int32
}

func (a *AgentRecord) Mode() WorkersMode {
	return WorkersMode(a.mode.Load())
}

func (a *AgentRecord) SetMode(mode WorkersMode) {
	a.mode.Store(int32(mode))
}

// NextWorkerIndex is the worker ordinal the next worker planned on this agent receives.
func (a *AgentRecord) NextWorkerIndex() int {
	return int(a.nextWorkerIndex.Load())
}

// reserveWorkerIndex makes sure later plans never reuse index.
func (a *AgentRecord) reserveWorkerIndex(index int) {
	for {
		current := a.nextWorkerIndex.Load()
		if int32(index) < current {
			return
		}
		if a.nextWorkerIndex.CompareAndSwap(current, int32(index)+1) {
			return
		}
	}
}

func (a *AgentRecord) String() string {
	return fmt.Sprintf("%s(%s)", a.Address, a.PublicAddress)
}

// WorkerRecord is the registry's view of one worker process. The owning agent is referenced by address only.
type WorkerRecord struct {
	Address      string
	AgentAddress string
	AgentIndex   int
	WorkerIndex  int
	Parameters   api.WorkerParameters
	Info         api.WorkerInfo

	ignoreFailures atomic.Bool
}

func (w *WorkerRecord) Type() api.WorkerType {
	return w.Parameters.Type
}

// IgnoreFailures is set once the worker is being torn down on purpose.
func (w *WorkerRecord) IgnoreFailures() bool {
	return w.ignoreFailures.Load()
}

func (w *WorkerRecord) SetIgnoreFailures(ignore bool) {
	w.ignoreFailures.Store(ignore)
}

func (w *WorkerRecord) String() string {
	return fmt.Sprintf("%s[%s]", w.Address, w.Parameters.Type)
}

// TestData is the runtime state of a test. Once completed it never runs again.
type TestData struct {
	Id       string
	TestCase *api.TestCase
	Index    int

	startTime     atomic.Int64
	stopRequested atomic.Bool
	completed     atomic.Bool
}

// MarkStarted records the start time. It returns false if the test has already completed.
func (t *TestData) MarkStarted(now time.Time) bool {
	if t.completed.Load() {
		return false
	}
	t.startTime.CompareAndSwap(0, now.UnixNano())
	return true
}

// StartTime returns the zero time if the test has not started.
func (t *TestData) StartTime() time.Time {
	nanos := t.startTime.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

func (t *TestData) IsStarted() bool {
	return t.startTime.Load() != 0
}

func (t *TestData) RequestStop() {
	t.stopRequested.Store(true)
}

func (t *TestData) IsStopRequested() bool {
	return t.stopRequested.Load()
}

func (t *TestData) MarkCompleted() {
	t.completed.Store(true)
}

func (t *TestData) IsCompleted() bool {
	return t.completed.Load()
}
