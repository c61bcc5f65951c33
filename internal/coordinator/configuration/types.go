package configuration

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/G-Research/fleetbench/internal/common/fleeterrors"
	"github.com/G-Research/fleetbench/internal/common/logging"
	"github.com/G-Research/fleetbench/pkg/api"
)

type FleetMode string

const (
	// FleetModeLocal starts LocalAgentCount agents on this machine.
	FleetModeLocal FleetMode = "local"
	// FleetModeExternal connects to the agents listed in the fleet file, which must already be running.
	FleetModeExternal FleetMode = "external"
)

type CoordinatorConfiguration struct {
	Logging logging.Config
	// Prometheus metrics port; 0 disables metrics.
	MetricsPort uint16
	// Generated when empty.
	SessionId string
	// Failure and performance logs plus the session database are written here.
	OutputDir  string `validate:"required"`
	Fleet      FleetConfig
	Workers    WorkersConfig
	Suite      SuiteConfig
	Remote     RemoteConfig
	Polling    PollingConfig
	Failures   FailuresConfig
	Repository RepositoryConfig
}

type FleetConfig struct {
	Mode FleetMode `validate:"required,oneof=local external"`
	// Fleet definition, YAML or one agent per line. Required in external mode.
	File string
	// Port used for fleet entries that do not name one, and the first port of local agents.
	AgentPort       int `validate:"gte=1,lte=65535"`
	LocalAgentCount int `validate:"gte=0"`
	// Path to the fleetbench-agent binary, local mode only.
	AgentBinary  string
	AgentArgs    []string
	AgentHomeDir string
}

type WorkersConfig struct {
	Members int `validate:"gte=0"`
	Clients int `validate:"gte=0"`
	// Extra worker types (for example lite members) and how many of each to start.
	Custom map[string]int
	// When positive, the first N agents only run members and the rest only run clients.
	DedicatedMemberMachines int `validate:"gte=0"`
	Driver                  DriverConfig
	MemoryLimitMb           int `validate:"gte=0"`
	Environment             map[string]string
	Properties              map[string]string
	StartupTimeout          time.Duration `validate:"required"`
}

type DriverConfig struct {
	Name  string `validate:"omitempty,oneof=noop redis"`
	Addrs []string
}

type SuiteConfig struct {
	File     string `validate:"required"`
	Parallel bool
	FailFast bool
	Verify   bool
	// Default test duration; 0 runs until the suite is stopped.
	Duration time.Duration
	// Terminate and respawn every worker between tests. Sequential suites only.
	RefreshWorkers bool
	// Default target type and count for tests that do not set their own.
	TargetType  TargetType
	TargetCount int `validate:"gte=0"`
	// Phases up to and including this one wait for every worker before the next phase starts.
	LastPhaseToSync api.Phase
	// How long a worker may take to acknowledge a phase.
	PhaseTimeout time.Duration `validate:"required"`
	// Used instead of PhaseTimeout for teardown phases. Never shorter than PhaseTimeout.
	TeardownTimeout time.Duration `validate:"required,gtefield=PhaseTimeout"`
	// How long a test may take to complete once it has been asked to stop.
	CompletionTimeout time.Duration `validate:"required"`
}

type RemoteConfig struct {
	ConnectTimeout     time.Duration `validate:"required"`
	ConnectParallelism int           `validate:"gte=1"`
	FanOutParallelism  int           `validate:"gte=1"`
	// Number of attempts made to reach each agent before the run is aborted.
	AwaitReachableAttempts uint          `validate:"gte=1"`
	AwaitReachableDelay    time.Duration `validate:"required"`
	// Timeout for calls that do not have a more specific one.
	CallTimeout time.Duration `validate:"required"`
}

type PollingConfig struct {
	FailureInterval     time.Duration `validate:"required"`
	PerformanceInterval time.Duration `validate:"required"`
	// Consecutive failed polls after which an agent is declared unreachable.
	AgentUnreachableThreshold int `validate:"gte=1"`
}

type FailuresConfig struct {
	// Failures beyond this count are persisted but no longer logged to the console.
	ConsoleLimit int `validate:"gte=0"`
	// Number of removed workers remembered so late reports for them can be recognised.
	TombstoneCacheSize int `validate:"gte=1"`
	// Failures of these types are recorded but do not fail the suite.
	NonCritical []api.FailureType
}

type RepositoryConfig struct {
	// SQLite database file. Relative paths are resolved against OutputDir; empty disables the repository.
	Path string
}

// WorkerCounts returns the number of workers to start per worker type.
func (c WorkersConfig) WorkerCounts() (map[api.WorkerType]int, error) {
	counts := map[api.WorkerType]int{}
	if c.Members > 0 {
		counts[api.WorkerTypeMember] = c.Members
	}
	if c.Clients > 0 {
		counts[api.WorkerTypeClient] = c.Clients
	}
	for name, count := range c.Custom {
		workerType, err := api.ParseWorkerType(name)
		if err != nil {
			return nil, errors.WithStack(&fleeterrors.ErrInvalidArgument{Name: "workers.custom", Value: name, Message: err.Error()})
		}
		if count < 0 {
			return nil, errors.WithStack(&fleeterrors.ErrInvalidArgument{Name: "workers.custom." + name, Value: count, Message: "must not be negative"})
		}
		if count > 0 {
			counts[workerType] += count
		}
	}
	return counts, nil
}

// TargetType selects which workers of the fleet a test runs on.
type TargetType string

const (
	TargetTypeAll          TargetType = "all"
	TargetTypeMember       TargetType = "member"
	TargetTypeClient       TargetType = "client"
	TargetTypePreferClient TargetType = "prefer-client"
)

func ParseTargetType(s string) (TargetType, error) {
	switch t := TargetType(strings.ToLower(strings.TrimSpace(s))); t {
	case "", TargetTypeAll:
		return TargetTypeAll, nil
	case TargetTypeMember, TargetTypeClient, TargetTypePreferClient:
		return t, nil
	default:
		return "", errors.WithStack(&fleeterrors.ErrInvalidArgument{
			Name:    "targetType",
			Value:   s,
			Message: "valid target types are all, member, client and prefer-client",
		})
	}
}

func (t *TargetType) UnmarshalText(text []byte) error {
	parsed, err := ParseTargetType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
