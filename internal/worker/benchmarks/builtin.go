package benchmarks

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/G-Research/fleetbench/internal/common/fleetcontext"
	"github.com/G-Research/fleetbench/pkg/api"
)

// NoopTest issues operations that do nothing; useful to measure the harness itself.
type NoopTest struct {
	BaseTest
}

func (t *NoopTest) Capabilities() Capability {
	return CanSetup | CanRun
}

func (t *NoopTest) Operations() []Operation {
	return []Operation{{Name: "noop", Run: func(context.Context) error { return nil }}}
}

// SleepTest sleeps for sleepMs per operation.
type SleepTest struct {
	BaseTest
	sleep time.Duration
}

func (t *SleepTest) Capabilities() Capability {
	return CanSetup | CanRun
}

func (t *SleepTest) Setup(ctx *fleetcontext.Context, env *Env) error {
	_ = t.BaseTest.Setup(ctx, env)
	ms, err := IntProperty(env.TestCase, "sleepMs", 10)
	if err != nil {
		return err
	}
	t.sleep = time.Duration(ms) * time.Millisecond
	return nil
}

func (t *SleepTest) Operations() []Operation {
	return []Operation{{Name: "sleep", Run: func(ctx context.Context) error {
		select {
		case <-ctx.Done():
		case <-time.After(t.sleep):
		}
		return nil
	}}}
}

func redisClient(env *Env) (redis.UniversalClient, error) {
	if env.Driver == nil || env.Driver.Redis() == nil {
		return nil, errors.Errorf("test %s requires the redis driver", env.TestCase.Id)
	}
	return env.Driver.Redis(), nil
}

func testKey(env *Env, name string) string {
	return fmt.Sprintf("fleetbench:%s:%s:%s", env.SessionId, env.TestCase.Id, name)
}

// CounterTest increments a shared counter and records per-worker increments alongside it.
// The global verify checks that no increment was lost.
type CounterTest struct {
	BaseTest
	client    redis.UniversalClient
	key       string
	countsKey string
	local     int64
}

func (t *CounterTest) Capabilities() Capability {
	return CanSetup | CanRun | CanGlobalVerify | CanLocalVerify | CanGlobalTeardown
}

func (t *CounterTest) Setup(ctx *fleetcontext.Context, env *Env) error {
	_ = t.BaseTest.Setup(ctx, env)
	client, err := redisClient(env)
	if err != nil {
		return err
	}
	t.client = client
	t.key = testKey(env, "counter")
	t.countsKey = testKey(env, "counts")
	return nil
}

func (t *CounterTest) Operations() []Operation {
	return []Operation{{Name: "increment", Run: func(context.Context) error {
		_, err := t.client.TxPipelined(func(pipe redis.Pipeliner) error {
			pipe.Incr(t.key)
			pipe.HIncrBy(t.countsKey, t.Env.WorkerId, 1)
			return nil
		})
		if err != nil {
			return errors.WithStack(err)
		}
		atomic.AddInt64(&t.local, 1)
		return nil
	}}}
}

func (t *CounterTest) Verify(ctx *fleetcontext.Context, global bool) error {
	if !global {
		recorded, err := t.client.HGet(t.countsKey, t.Env.WorkerId).Int64()
		if err != nil && err != redis.Nil {
			return errors.WithStack(err)
		}
		if local := atomic.LoadInt64(&t.local); recorded != local {
			return errors.Errorf("worker %s recorded %d increments but made %d", t.Env.WorkerAddress, recorded, local)
		}
		return nil
	}
	total, err := t.client.Get(t.key).Int64()
	if err != nil && err != redis.Nil {
		return errors.WithStack(err)
	}
	counts, err := t.client.HGetAll(t.countsKey).Result()
	if err != nil {
		return errors.WithStack(err)
	}
	var expected int64
	for worker, v := range counts {
		var n int64
		if _, err := fmt.Sscan(v, &n); err != nil {
			return errors.Wrapf(err, "invalid count %q for worker %s", v, worker)
		}
		expected += n
	}
	if total != expected {
		return errors.Errorf("counter is %d, expected %d from %d workers", total, expected, len(counts))
	}
	ctx.Log.Infof("Counter verified at %d", total)
	return nil
}

func (t *CounterTest) Teardown(_ *fleetcontext.Context, global bool) error {
	if !global {
		return nil
	}
	return errors.WithStack(t.client.Del(t.key, t.countsKey).Err())
}

// KvTest issues a mix of gets and puts against keyCount keys of valueSize bytes.
type KvTest struct {
	BaseTest
	client    redis.UniversalClient
	keyCount  int
	valueSize int
	putProb   float64
	prefix    string
}

func (t *KvTest) Capabilities() Capability {
	return CanSetup | CanGlobalWarmup | CanRun | CanGlobalVerify | CanGlobalTeardown
}

func (t *KvTest) Setup(ctx *fleetcontext.Context, env *Env) error {
	_ = t.BaseTest.Setup(ctx, env)
	client, err := redisClient(env)
	if err != nil {
		return err
	}
	t.client = client
	t.prefix = testKey(env, "kv")
	if t.keyCount, err = IntProperty(env.TestCase, "keyCount", 1000); err != nil {
		return err
	}
	if t.valueSize, err = IntProperty(env.TestCase, "valueSize", 100); err != nil {
		return err
	}
	if t.putProb, err = FloatProperty(env.TestCase, "putProb", 0.1); err != nil {
		return err
	}
	if t.keyCount <= 0 || t.valueSize <= 0 || t.putProb < 0 || t.putProb > 1 {
		return errors.Errorf("invalid kv settings: keyCount=%d valueSize=%d putProb=%v", t.keyCount, t.valueSize, t.putProb)
	}
	return nil
}

func (t *KvTest) key(i int) string {
	return fmt.Sprintf("%s:%d", t.prefix, i)
}

func (t *KvTest) value() string {
	return strings.Repeat("x", t.valueSize)
}

// Warmup fills every key so that gets during the run always hit.
func (t *KvTest) Warmup(ctx *fleetcontext.Context, global bool) error {
	if !global {
		return nil
	}
	pipe := t.client.Pipeline()
	defer pipe.Close()
	value := t.value()
	for i := 0; i < t.keyCount; i++ {
		pipe.Set(t.key(i), value, 0)
	}
	if _, err := pipe.Exec(); err != nil {
		return errors.WithStack(err)
	}
	ctx.Log.Infof("Loaded %d keys", t.keyCount)
	return nil
}

func (t *KvTest) Operations() []Operation {
	value := t.value()
	return []Operation{
		{Name: "put", Probability: t.putProb, Run: func(context.Context) error {
			return errors.WithStack(t.client.Set(t.key(rand.Intn(t.keyCount)), value, 0).Err())
		}},
		{Name: "get", Run: func(context.Context) error {
			err := t.client.Get(t.key(rand.Intn(t.keyCount))).Err()
			if err == redis.Nil {
				return nil
			}
			return errors.WithStack(err)
		}},
	}
}

func (t *KvTest) Verify(_ *fleetcontext.Context, global bool) error {
	if !global {
		return nil
	}
	for _, i := range []int{0, t.keyCount / 2, t.keyCount - 1} {
		v, err := t.client.Get(t.key(i)).Result()
		if err != nil {
			return errors.Wrapf(err, "failed to read %s", t.key(i))
		}
		if len(v) != t.valueSize {
			return errors.Errorf("value of %s has size %d, expected %d", t.key(i), len(v), t.valueSize)
		}
	}
	return nil
}

func (t *KvTest) Teardown(_ *fleetcontext.Context, global bool) error {
	if !global {
		return nil
	}
	keys := make([]string, 0, t.keyCount)
	for i := 0; i < t.keyCount; i++ {
		keys = append(keys, t.key(i))
	}
	return errors.WithStack(t.client.Del(keys...).Err())
}

// FailTest fails in failPhase, fatally if fatal=true. A failing run phase fails every operation.
type FailTest struct {
	BaseTest
	phase   api.Phase
	fatal   bool
	message string
}

func (t *FailTest) Capabilities() Capability {
	return CanAll
}

func (t *FailTest) Setup(ctx *fleetcontext.Context, env *Env) error {
	_ = t.BaseTest.Setup(ctx, env)
	phase, err := api.ParsePhase(env.TestCase.GetOrDefault("failPhase", api.PhaseRun.String()))
	if err != nil {
		return err
	}
	t.phase = phase
	if t.fatal, err = BoolProperty(env.TestCase, "fatal", false); err != nil {
		return err
	}
	t.message = env.TestCase.GetOrDefault("message", "failing on purpose")
	return t.failIn(api.PhaseSetup)
}

func (t *FailTest) failIn(phase api.Phase) error {
	if phase != t.phase {
		return nil
	}
	err := errors.Errorf("%s in %s", t.message, phase)
	if t.fatal {
		return Fatal(err)
	}
	return err
}

func (t *FailTest) Warmup(_ *fleetcontext.Context, global bool) error {
	if global {
		return t.failIn(api.PhaseGlobalWarmup)
	}
	return t.failIn(api.PhaseLocalWarmup)
}

func (t *FailTest) Verify(_ *fleetcontext.Context, global bool) error {
	if global {
		return t.failIn(api.PhaseGlobalVerify)
	}
	return t.failIn(api.PhaseLocalVerify)
}

func (t *FailTest) Teardown(_ *fleetcontext.Context, global bool) error {
	if global {
		return t.failIn(api.PhaseGlobalTeardown)
	}
	return t.failIn(api.PhaseLocalTeardown)
}

func (t *FailTest) Operations() []Operation {
	return []Operation{{Name: "fail", Run: func(context.Context) error {
		return t.failIn(api.PhaseRun)
	}}}
}
