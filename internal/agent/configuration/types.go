package configuration

import (
	"time"

	grpcconfig "github.com/G-Research/fleetbench/internal/common/grpc/configuration"
	"github.com/G-Research/fleetbench/internal/common/logging"
)

type AgentConfiguration struct {
	Grpc    grpcconfig.GrpcConfig
	Logging logging.Config
	// Prometheus metrics port; 0 disables metrics.
	MetricsPort uint16
	Supervisor  SupervisorConfig
}

type SupervisorConfig struct {
	// Session directories and worker working directories are created under this directory.
	HomeDir string `validate:"required"`
	// Path to the fleetbench-worker binary.
	WorkerBinary string `validate:"required"`
	WorkerArgs   []string
	// Log level passed down to workers.
	WorkerLogLevel string
	// Used when the coordinator does not send a startup timeout.
	DefaultStartupTimeout time.Duration `validate:"required"`
	// How often a starting worker's working directory is checked for its address file.
	StartupPollInterval time.Duration `validate:"required"`
	// How often live workers are checked for exits, OOM markers, exceptions and membership loss.
	MonitorInterval time.Duration `validate:"required"`
	PingTimeout     time.Duration `validate:"required"`
	ConnectTimeout  time.Duration `validate:"required"`
	// How long a stopping worker is given to exit before it is killed.
	TerminateTimeout time.Duration `validate:"required"`
	// Failures are dropped, oldest first, once this many are waiting to be collected.
	MaxQueuedFailures int `validate:"gte=1"`
}
