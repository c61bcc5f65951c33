package configuration

import (
	"time"

	"github.com/G-Research/fleetbench/internal/common/config"
	grpcconfig "github.com/G-Research/fleetbench/internal/common/grpc/configuration"
	"github.com/G-Research/fleetbench/internal/common/logging"
	"github.com/G-Research/fleetbench/pkg/api"
)

// WorkerConfiguration is written by the agent into the worker's working directory before the worker is started.
type WorkerConfiguration struct {
	Id        string         `validate:"required"`
	Address   string         `validate:"required"`
	Type      api.WorkerType `validate:"required"`
	SessionId string
	// Working directory; marker files are written here.
	HomeDir string `validate:"required"`
	Grpc    grpcconfig.GrpcConfig
	Logging logging.Config
	Driver  DriverConfig
	Memory  MemoryConfig
	// Free-form properties made available to test bodies.
	Properties map[string]string
}

type DriverConfig struct {
	// noop or redis
	Name  string `validate:"required,oneof=noop redis"`
	Redis config.RedisConfig `validate:"-"`
	// How often a member refreshes its membership key.
	HeartbeatInterval time.Duration
	// A member whose key is older than this is no longer part of the cluster.
	MembershipTtl time.Duration
}

type MemoryConfig struct {
	// 0 disables the memory guard.
	LimitMb       int `validate:"gte=0"`
	CheckInterval time.Duration
}

// Defaults fills in every value the agent does not set explicitly.
func (c *WorkerConfiguration) Defaults() {
	if c.Grpc.GracePeriod == 0 {
		c.Grpc.GracePeriod = 5 * time.Second
	}
	if c.Driver.Name == "" {
		c.Driver.Name = "noop"
	}
	if c.Driver.HeartbeatInterval == 0 {
		c.Driver.HeartbeatInterval = time.Second
	}
	if c.Driver.MembershipTtl == 0 {
		c.Driver.MembershipTtl = 5 * time.Second
	}
	if c.Driver.Redis.PoolSize == 0 {
		c.Driver.Redis.PoolSize = 100
	}
	if c.Memory.CheckInterval == 0 {
		c.Memory.CheckInterval = time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
