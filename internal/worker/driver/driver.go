package driver

import (
	"context"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/G-Research/fleetbench/internal/common/fleetcontext"
	"github.com/G-Research/fleetbench/internal/common/fleeterrors"
	"github.com/G-Research/fleetbench/internal/worker/configuration"
)

const (
	NoopDriverName  = "noop"
	RedisDriverName = "redis"
)

// Driver connects a worker to the cluster under test. Members additionally join the cluster and
// keep their membership alive until the driver is closed.
type Driver interface {
	Name() string
	Start(ctx *fleetcontext.Context) error
	// Joined reports whether the worker is currently part of the cluster. Clients never join.
	Joined(ctx context.Context) (bool, error)
	// Redis returns a client for the cluster, or nil if the driver does not provide one.
	Redis() redis.UniversalClient
	Close() error
}

func New(config configuration.WorkerConfiguration) (Driver, error) {
	switch config.Driver.Name {
	case "", NoopDriverName:
		return NewNoopDriver(config.Type.IsMember()), nil
	case RedisDriverName:
		return NewRedisDriver(config), nil
	default:
		return nil, errors.WithStack(&fleeterrors.ErrInvalidArgument{
			Name:    "driver.name",
			Value:   config.Driver.Name,
			Message: "unknown driver",
		})
	}
}
