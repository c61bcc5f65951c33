package benchmarks

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/fleetbench/internal/common/fleetcontext"
	"github.com/G-Research/fleetbench/internal/common/fleeterrors"
	"github.com/G-Research/fleetbench/pkg/api"
)

type redisOnlyDriver struct {
	client redis.UniversalClient
}

func (d *redisOnlyDriver) Name() string                         { return "test" }
func (d *redisOnlyDriver) Start(*fleetcontext.Context) error    { return nil }
func (d *redisOnlyDriver) Joined(context.Context) (bool, error) { return false, nil }
func (d *redisOnlyDriver) Redis() redis.UniversalClient         { return d.client }
func (d *redisOnlyDriver) Close() error                         { return d.client.Close() }

func newRedisEnv(t *testing.T, workerId string, tc *api.TestCase) (*Env, *miniredis.Miniredis) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return envOn(db, workerId, tc), db
}

func envOn(db *miniredis.Miniredis, workerId string, tc *api.TestCase) *Env {
	return &Env{
		TestCase:      tc,
		SessionId:     "s1",
		WorkerId:      workerId,
		WorkerAddress: "A1." + workerId,
		WorkerType:    api.WorkerTypeClient,
		Driver:        &redisOnlyDriver{client: redis.NewClient(&redis.Options{Addr: db.Addr()})},
	}
}

func runOperations(t *testing.T, test Test, n int) {
	ops := test.Operations()
	require.NotEmpty(t, ops)
	for i := 0; i < n; i++ {
		require.NoError(t, ops[i%len(ops)].Run(context.Background()))
	}
}

func TestCapability_Phases(t *testing.T) {
	assert.Equal(t, []api.Phase{api.PhaseSetup, api.PhaseRun}, (CanSetup | CanRun).Phases())
	assert.Equal(t, api.AllPhases(), CanAll.Phases())
	assert.True(t, CanVerify.Has(api.PhaseGlobalVerify))
	assert.True(t, CanVerify.Has(api.PhaseLocalVerify))
	assert.False(t, CanVerify.Has(api.PhaseRun))
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{"counter", "fail", "kv", "noop", "sleep"}, r.Names())

	test, err := r.New("noop")
	require.NoError(t, err)
	assert.IsType(t, &NoopTest{}, test)

	_, err = r.New("missing")
	assert.True(t, fleeterrors.IsNotFound(err))

	err = r.Register("noop", func() Test { return &NoopTest{} })
	assert.Error(t, err)
}

func TestProperties(t *testing.T) {
	tc := api.NewTestCase("t", api.Property{Key: "n", Value: "5"}, api.Property{Key: "f", Value: "0.5"},
		api.Property{Key: "b", Value: "true"}, api.Property{Key: "d", Value: "2"}, api.Property{Key: "bad", Value: "x"})

	n, err := IntProperty(tc, "n", 1)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	n, err = IntProperty(tc, "missing", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = IntProperty(tc, "bad", 1)
	assert.Error(t, err)

	f, err := FloatProperty(tc, "f", 0)
	require.NoError(t, err)
	assert.Equal(t, 0.5, f)

	b, err := BoolProperty(tc, "b", false)
	require.NoError(t, err)
	assert.True(t, b)
	_, err = BoolProperty(tc, "bad", false)
	assert.Error(t, err)

	d, err := DurationProperty(tc, "d", 0)
	require.NoError(t, err)
	assert.Equal(t, "2s", d.String())
	_, err = DurationProperty(tc, "bad", 0)
	assert.Error(t, err)
}

func TestCounterTest_VerifiesAcrossWorkers(t *testing.T) {
	tc := api.NewTestCase("counter-1")
	env1, db := newRedisEnv(t, "W1", tc)
	env2 := envOn(db, "W2", tc)
	ctx := fleetcontext.Background()

	w1, w2 := &CounterTest{}, &CounterTest{}
	require.NoError(t, w1.Setup(ctx, env1))
	require.NoError(t, w2.Setup(ctx, env2))

	runOperations(t, w1, 7)
	runOperations(t, w2, 5)

	require.NoError(t, w1.Verify(ctx, true))
	require.NoError(t, w1.Verify(ctx, false))
	require.NoError(t, w2.Verify(ctx, false))

	_, err := db.Incr(testKey(env1, "counter"), 1)
	require.NoError(t, err)
	assert.Error(t, w1.Verify(ctx, true))

	require.NoError(t, w1.Teardown(ctx, true))
	assert.False(t, db.Exists(testKey(env1, "counter")))
}

func TestCounterTest_RequiresRedis(t *testing.T) {
	test := &CounterTest{}
	err := test.Setup(fleetcontext.Background(), &Env{TestCase: api.NewTestCase("t")})
	assert.Error(t, err)
}

func TestKvTest_Lifecycle(t *testing.T) {
	tc := api.NewTestCase("kv-1",
		api.Property{Key: "keyCount", Value: "10"},
		api.Property{Key: "valueSize", Value: "4"},
		api.Property{Key: "putProb", Value: "0.5"})
	env, db := newRedisEnv(t, "W1", tc)
	ctx := fleetcontext.Background()

	test := &KvTest{}
	require.NoError(t, test.Setup(ctx, env))
	require.NoError(t, test.Warmup(ctx, true))
	v, err := db.Get(test.key(9))
	require.NoError(t, err)
	assert.Equal(t, "xxxx", v)

	ops := test.Operations()
	require.Len(t, ops, 2)
	assert.Equal(t, 0.5, ops[0].Probability)
	runOperations(t, test, 20)

	require.NoError(t, test.Verify(ctx, true))
	require.NoError(t, test.Teardown(ctx, true))
	assert.False(t, db.Exists(test.key(0)))
	assert.Error(t, test.Verify(ctx, true))
}

func TestKvTest_InvalidSettings(t *testing.T) {
	tc := api.NewTestCase("kv-1", api.Property{Key: "putProb", Value: "2"})
	env, _ := newRedisEnv(t, "W1", tc)
	assert.Error(t, (&KvTest{}).Setup(fleetcontext.Background(), env))
}

func TestFailTest(t *testing.T) {
	ctx := fleetcontext.Background()
	tests := map[string]struct {
		properties []api.Property
		check      func(t *testing.T, test *FailTest, setupErr error)
	}{
		"fails in setup": {
			properties: []api.Property{{Key: "failPhase", Value: "setup"}},
			check: func(t *testing.T, _ *FailTest, setupErr error) {
				assert.Error(t, setupErr)
				assert.False(t, IsFatal(setupErr))
			},
		},
		"fails fatally in local verify": {
			properties: []api.Property{{Key: "failPhase", Value: "local-verify"}, {Key: "fatal", Value: "true"}},
			check: func(t *testing.T, test *FailTest, setupErr error) {
				require.NoError(t, setupErr)
				assert.NoError(t, test.Verify(ctx, true))
				err := test.Verify(ctx, false)
				assert.True(t, IsFatal(err))
			},
		},
		"run operations fail by default": {
			check: func(t *testing.T, test *FailTest, setupErr error) {
				require.NoError(t, setupErr)
				assert.NoError(t, test.Warmup(ctx, false))
				err := test.Operations()[0].Run(context.Background())
				assert.Contains(t, err.Error(), "failing on purpose in RUN")
			},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			test := &FailTest{}
			err := test.Setup(ctx, &Env{TestCase: api.NewTestCase("fail-1", tc.properties...)})
			tc.check(t, test, err)
		})
	}
}
