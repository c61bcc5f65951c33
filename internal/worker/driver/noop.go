package driver

import (
	"context"
	"sync/atomic"

	"github.com/go-redis/redis"

	"github.com/G-Research/fleetbench/internal/common/fleetcontext"
)

// NoopDriver has no cluster behind it. Members are considered joined from Start until Close.
type NoopDriver struct {
	member bool
	joined atomic.Bool
}

func NewNoopDriver(member bool) *NoopDriver {
	return &NoopDriver{member: member}
}

func (d *NoopDriver) Name() string {
	return NoopDriverName
}

func (d *NoopDriver) Start(*fleetcontext.Context) error {
	d.joined.Store(d.member)
	return nil
}

func (d *NoopDriver) Joined(context.Context) (bool, error) {
	return d.joined.Load(), nil
}

// Leave drops the membership without closing the driver.
func (d *NoopDriver) Leave() {
	d.joined.Store(false)
}

func (d *NoopDriver) Redis() redis.UniversalClient {
	return nil
}

func (d *NoopDriver) Close() error {
	d.joined.Store(false)
	return nil
}
