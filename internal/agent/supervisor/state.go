package supervisor

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/G-Research/fleetbench/pkg/api"
)

type workerState int32

const (
	stateSpawning workerState = iota
	stateRunning
	stateStopping
	stateCrashed
	stateTerminated
)

func (s workerState) String() string {
	switch s {
	case stateSpawning:
		return "Spawning"
	case stateRunning:
		return "Running"
	case stateStopping:
		return "Stopping"
	case stateCrashed:
		return "Crashed"
	case stateTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("%d", int(s))
	}
}

// workerProcess is the supervisor's handle on one worker. Transitions out of Running are made with a
// compare-and-swap, so exactly one of the monitor or a termination request acts on a worker that goes away.
type workerProcess struct {
	params   api.WorkerParameters
	id       string
	dir      string
	process  Process
	endpoint string
	client   api.WorkerClient
	conn     io.Closer

	state        atomic.Int32
	memberJoined atomic.Bool
	// Exception files already reported but which could not be deleted.
	seenExceptions map[string]bool
}

func (w *workerProcess) currentState() workerState {
	return workerState(w.state.Load())
}

func (w *workerProcess) transition(from workerState, to workerState) bool {
	return w.state.CompareAndSwap(int32(from), int32(to))
}

func (w *workerProcess) info() api.WorkerInfo {
	return api.WorkerInfo{
		Address:        w.params.Address,
		Type:           w.params.Type,
		Pid:            w.process.Pid(),
		Endpoint:       w.endpoint,
		WorkingDirName: w.params.WorkingDirName,
	}
}

func (w *workerProcess) closeConnection() {
	if w.conn != nil {
		_ = w.conn.Close()
	}
}
