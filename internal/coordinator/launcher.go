package coordinator

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/fleetbench/internal/agent/supervisor"
	"github.com/G-Research/fleetbench/internal/common/fleetcontext"
	"github.com/G-Research/fleetbench/internal/common/fleeterrors"
	"github.com/G-Research/fleetbench/internal/coordinator/configuration"
	"github.com/G-Research/fleetbench/internal/registry"
)

const localAgentHost = "127.0.0.1"

// AgentLauncher makes the agents of a session available. Provisioning machines is out of scope; a launcher
// either starts agents on this machine or trusts that the listed agents are already running.
type AgentLauncher interface {
	// Launch returns the fleet in agent order.
	Launch(ctx *fleetcontext.Context) ([]registry.AgentSpec, error)
	// Stop stops any agent processes Launch started.
	Stop(timeout time.Duration)
}

func NewAgentLauncher(config configuration.FleetConfig) (AgentLauncher, error) {
	switch config.Mode {
	case configuration.FleetModeExternal:
		return &ExternalLauncher{FleetFile: config.File, DefaultPort: config.AgentPort}, nil
	case configuration.FleetModeLocal:
		return NewLocalLauncher(config, supervisor.ExecStarter{}), nil
	default:
		return nil, errors.WithStack(&fleeterrors.ErrInvalidArgument{
			Name:    "fleet.mode",
			Value:   config.Mode,
			Message: "valid modes are local and external",
		})
	}
}

// ExternalLauncher reads the fleet definition file.
type ExternalLauncher struct {
	FleetFile   string
	DefaultPort int
}

func (l *ExternalLauncher) Launch(ctx *fleetcontext.Context) ([]registry.AgentSpec, error) {
	if l.FleetFile == "" {
		return nil, errors.WithStack(&fleeterrors.ErrInvalidArgument{
			Name:    "fleet.file",
			Value:   "",
			Message: "a fleet file is required in external mode",
		})
	}
	specs, err := registry.LoadFleet(l.FleetFile, l.DefaultPort)
	if err != nil {
		return nil, err
	}
	ctx.Log.Infof("Loaded %d agents from %s", len(specs), l.FleetFile)
	return specs, nil
}

func (l *ExternalLauncher) Stop(time.Duration) {}

// LocalLauncher starts agent processes on consecutive localhost ports.
type LocalLauncher struct {
	config    configuration.FleetConfig
	starter   supervisor.ProcessStarter
	processes []supervisor.Process
}

func NewLocalLauncher(config configuration.FleetConfig, starter supervisor.ProcessStarter) *LocalLauncher {
	return &LocalLauncher{config: config, starter: starter}
}

func (l *LocalLauncher) Launch(ctx *fleetcontext.Context) ([]registry.AgentSpec, error) {
	if l.config.LocalAgentCount < 1 {
		return nil, errors.WithStack(&fleeterrors.ErrInvalidArgument{
			Name:    "fleet.localAgentCount",
			Value:   l.config.LocalAgentCount,
			Message: "at least one local agent is needed",
		})
	}
	if l.config.AgentBinary == "" {
		return nil, errors.WithStack(&fleeterrors.ErrInvalidArgument{Name: "fleet.agentBinary", Value: ""})
	}

	specs := make([]registry.AgentSpec, 0, l.config.LocalAgentCount)
	for i := 0; i < l.config.LocalAgentCount; i++ {
		port := l.config.AgentPort + i
		homeDir, err := filepath.Abs(filepath.Join(l.config.AgentHomeDir, fmt.Sprintf("agent-%d", i+1)))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if err := os.MkdirAll(homeDir, 0o755); err != nil {
			return nil, errors.WithStack(err)
		}
		args := append([]string{}, l.config.AgentArgs...)
		args = append(args, "--port", strconv.Itoa(port), "--homeDir", homeDir)
		process, err := l.starter.Start(supervisor.ProcessSpec{
			Path:       l.config.AgentBinary,
			Args:       args,
			Env:        os.Environ(),
			Dir:        homeDir,
			StdoutPath: filepath.Join(homeDir, "agent.out"),
			StderrPath: filepath.Join(homeDir, "agent.err"),
		})
		if err != nil {
			l.Stop(5 * time.Second)
			return nil, errors.WithMessagef(err, "could not start local agent %d", i+1)
		}
		ctx.Log.Infof("Started local agent %d on port %d, pid %d", i+1, port, process.Pid())
		l.processes = append(l.processes, process)
		specs = append(specs, registry.AgentSpec{
			PublicAddress:  localAgentHost,
			PrivateAddress: localAgentHost,
			Port:           port,
		})
	}
	return specs, nil
}

// Stop asks each agent to exit and kills those still running after timeout.
func (l *LocalLauncher) Stop(timeout time.Duration) {
	for _, p := range l.processes {
		select {
		case <-p.Done():
			continue
		default:
		}
		if err := p.Stop(); err != nil {
			log.Warnf("Could not stop agent process %d: %s", p.Pid(), err)
		}
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	expired := false
	for _, p := range l.processes {
		if !expired {
			select {
			case <-p.Done():
				continue
			case <-deadline.C:
				expired = true
			}
		}
		select {
		case <-p.Done():
		default:
			log.Warnf("Agent process %d did not exit within %s, killing it", p.Pid(), timeout)
			_ = p.Kill()
		}
	}
	l.processes = nil
}
