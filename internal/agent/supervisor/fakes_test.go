package supervisor

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc"

	"github.com/G-Research/fleetbench/pkg/api"
)

type fakeProcess struct {
	pid        int
	done       chan struct{}
	once       sync.Once
	exitCode   int
	killed     bool
	stopped    bool
	ignoreStop bool
	lock       sync.Mutex
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) exit(code int) {
	p.once.Do(func() {
		p.lock.Lock()
		p.exitCode = code
		p.lock.Unlock()
		close(p.done)
	})
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Stop() error {
	p.lock.Lock()
	p.stopped = true
	ignore := p.ignoreStop
	p.lock.Unlock()
	if !ignore {
		p.exit(143)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.lock.Lock()
	p.killed = true
	p.lock.Unlock()
	p.exit(137)
	return nil
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitCode() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.exitCode
}

func (p *fakeProcess) wasKilled() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.killed
}

// fakeStarter starts fake processes. Unless the worker address is listed in silent, the address file is
// written straight away, as a healthy worker would do once its server is listening.
type fakeStarter struct {
	lock      sync.Mutex
	processes map[string]*fakeProcess
	silent    map[string]bool
	failOn    map[string]bool
	exitOn    map[string]bool
	nextPid   int
}

func newFakeStarter() *fakeStarter {
	return &fakeStarter{
		processes: map[string]*fakeProcess{},
		silent:    map[string]bool{},
		failOn:    map[string]bool{},
		exitOn:    map[string]bool{},
		nextPid:   1000,
	}
}

func (s *fakeStarter) Start(spec ProcessSpec) (Process, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	name := filepath.Base(spec.Dir)
	if s.failOn[name] {
		return nil, errors.New("exec format error")
	}
	s.nextPid++
	p := newFakeProcess(s.nextPid)
	s.processes[name] = p
	if s.exitOn[name] {
		p.exit(1)
	} else if !s.silent[name] {
		if err := os.WriteFile(filepath.Join(spec.Dir, api.AddressFileName), []byte("127.0.0.1:1\n"), 0o644); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (s *fakeStarter) process(workingDirName string) *fakeProcess {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.processes[workingDirName]
}

type fakeWorkerClient struct {
	api.WorkerClient
	lock         sync.Mutex
	memberJoined bool
	pings        int
	process      *fakeProcess
	shutdowns    int
}

func (c *fakeWorkerClient) Ping(context.Context, *api.PingRequest, ...grpc.CallOption) (*api.PingResponse, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.pings++
	return &api.PingResponse{MemberJoined: c.memberJoined, MemberRunning: c.memberJoined}, nil
}

func (c *fakeWorkerClient) Shutdown(context.Context, *api.ShutdownRequest, ...grpc.CallOption) (*api.Ack, error) {
	c.lock.Lock()
	c.shutdowns++
	process := c.process
	c.lock.Unlock()
	if process != nil && !process.ignoreStop {
		process.exit(0)
	}
	return &api.Ack{}, nil
}

func (c *fakeWorkerClient) setJoined(joined bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.memberJoined = joined
}

func (c *fakeWorkerClient) pingCount() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.pings
}

type fakeConnector struct {
	lock    sync.Mutex
	clients []*fakeWorkerClient
}

func (f *fakeConnector) connect(context.Context, string, time.Duration) (api.WorkerClient, io.Closer, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	client := &fakeWorkerClient{}
	f.clients = append(f.clients, client)
	return client, io.NopCloser(nil), nil
}
