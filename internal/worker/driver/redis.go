package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/fleetbench/internal/common/fleetcontext"
	"github.com/G-Research/fleetbench/internal/worker/configuration"
)

// RedisDriver connects to a redis deployment. A member joins by keeping a key with a TTL alive;
// it is part of the cluster for as long as that key exists.
type RedisDriver struct {
	member            bool
	memberKey         string
	heartbeatInterval time.Duration
	membershipTtl     time.Duration
	options           *redis.UniversalOptions

	client   redis.UniversalClient
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewRedisDriver(config configuration.WorkerConfiguration) *RedisDriver {
	return &RedisDriver{
		member:            config.Type.IsMember(),
		memberKey:         MemberKey(config.SessionId, config.Id),
		heartbeatInterval: config.Driver.HeartbeatInterval,
		membershipTtl:     config.Driver.MembershipTtl,
		options:           config.Driver.Redis.AsUniversalOptions(),
		stop:              make(chan struct{}),
	}
}

// MemberKey is the key a member keeps alive while it is part of the cluster.
func MemberKey(sessionId string, workerId string) string {
	return fmt.Sprintf("fleetbench:%s:members:%s", sessionId, workerId)
}

func (d *RedisDriver) Name() string {
	return RedisDriverName
}

func (d *RedisDriver) Start(ctx *fleetcontext.Context) error {
	d.client = redis.NewUniversalClient(d.options)
	if err := d.client.Ping().Err(); err != nil {
		return errors.Wrapf(err, "failed to connect to redis at %v", d.options.Addrs)
	}
	if !d.member {
		return nil
	}
	if err := d.heartbeat(); err != nil {
		return errors.WithMessage(err, "failed to join cluster")
	}
	ctx.Log.Infof("Joined cluster as %s", d.memberKey)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-d.stop:
				return
			case <-ticker.C:
				if err := d.heartbeat(); err != nil {
					log.Warnf("Failed to refresh cluster membership: %s", err)
				}
			}
		}
	}()
	return nil
}

func (d *RedisDriver) heartbeat() error {
	return errors.WithStack(d.client.Set(d.memberKey, time.Now().UnixNano(), d.membershipTtl).Err())
}

func (d *RedisDriver) Joined(context.Context) (bool, error) {
	if !d.member || d.client == nil {
		return false, nil
	}
	n, err := d.client.Exists(d.memberKey).Result()
	if err != nil {
		return false, errors.WithStack(err)
	}
	return n == 1, nil
}

// Leave stops the heartbeat and removes the membership key.
func (d *RedisDriver) Leave() error {
	d.stopOnce.Do(func() { close(d.stop) })
	d.wg.Wait()
	if !d.member || d.client == nil {
		return nil
	}
	return errors.WithStack(d.client.Del(d.memberKey).Err())
}

func (d *RedisDriver) Redis() redis.UniversalClient {
	return d.client
}

func (d *RedisDriver) Close() error {
	if d.client == nil {
		return nil
	}
	leaveErr := d.Leave()
	if err := d.client.Close(); err != nil {
		return errors.WithStack(err)
	}
	return leaveErr
}
