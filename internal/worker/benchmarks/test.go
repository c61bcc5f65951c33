package benchmarks

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/G-Research/fleetbench/internal/common/fleetcontext"
	"github.com/G-Research/fleetbench/internal/common/fleeterrors"
	"github.com/G-Research/fleetbench/internal/worker/driver"
	"github.com/G-Research/fleetbench/pkg/api"
)

// Capability marks the phases a test implements. Phases without the capability are acknowledged without
// calling the test.
type Capability uint16

const (
	CanSetup Capability = 1 << iota
	CanLocalWarmup
	CanGlobalWarmup
	CanRun
	CanGlobalVerify
	CanLocalVerify
	CanGlobalTeardown
	CanLocalTeardown

	CanWarmup   = CanLocalWarmup | CanGlobalWarmup
	CanVerify   = CanLocalVerify | CanGlobalVerify
	CanTeardown = CanLocalTeardown | CanGlobalTeardown
	CanAll      = CanSetup | CanWarmup | CanRun | CanVerify | CanTeardown
)

func CapabilityOf(phase api.Phase) Capability {
	return Capability(1) << uint(phase)
}

func (c Capability) Has(phase api.Phase) bool {
	return c&CapabilityOf(phase) != 0
}

// Phases returns the phases covered by c in invocation order.
func (c Capability) Phases() []api.Phase {
	var phases []api.Phase
	for _, phase := range api.AllPhases() {
		if c.Has(phase) {
			phases = append(phases, phase)
		}
	}
	return phases
}

// Env is what a test gets to know about the worker it runs in.
type Env struct {
	TestCase      *api.TestCase
	SessionId     string
	WorkerId      string
	WorkerAddress string
	WorkerType    api.WorkerType
	Driver        driver.Driver
}

// Operation is one kind of request issued during the run phase.
// Probabilities of a test's operations must add up to at most 1; zero means an equal share of what is left.
type Operation struct {
	Name        string
	Probability float64
	Run         func(ctx context.Context) error
}

// Test is implemented by benchmark bodies. Embed BaseTest to only implement the phases that matter.
type Test interface {
	Capabilities() Capability
	Setup(ctx *fleetcontext.Context, env *Env) error
	Warmup(ctx *fleetcontext.Context, global bool) error
	Verify(ctx *fleetcontext.Context, global bool) error
	Teardown(ctx *fleetcontext.Context, global bool) error
	// Operations is called once the run phase starts. Operations are called concurrently from every run thread.
	Operations() []Operation
}

type BaseTest struct {
	Env *Env
}

func (t *BaseTest) Setup(_ *fleetcontext.Context, env *Env) error {
	t.Env = env
	return nil
}

func (t *BaseTest) Warmup(*fleetcontext.Context, bool) error   { return nil }
func (t *BaseTest) Verify(*fleetcontext.Context, bool) error   { return nil }
func (t *BaseTest) Teardown(*fleetcontext.Context, bool) error { return nil }
func (t *BaseTest) Operations() []Operation                    { return nil }

// FatalError marks an error after which the worker cannot continue.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func Fatal(err error) error {
	return &FatalError{Err: err}
}

func IsFatal(err error) bool {
	var e *FatalError
	return errors.As(err, &e)
}

type Factory func() Test

// Registry maps test class names to factories.
type Registry struct {
	factories map[string]Factory
	lock      sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// DefaultRegistry returns a registry holding every built-in test.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister("noop", func() Test { return &NoopTest{} })
	r.MustRegister("sleep", func() Test { return &SleepTest{} })
	r.MustRegister("counter", func() Test { return &CounterTest{} })
	r.MustRegister("kv", func() Test { return &KvTest{} })
	r.MustRegister("fail", func() Test { return &FailTest{} })
	return r
}

func (r *Registry) Register(name string, factory Factory) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.factories[name]; ok {
		return errors.WithStack(&fleeterrors.ErrAlreadyExists{Type: "test class", Value: name})
	}
	r.factories[name] = factory
	return nil
}

func (r *Registry) MustRegister(name string, factory Factory) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}

func (r *Registry) New(name string) (Test, error) {
	r.lock.RLock()
	factory, ok := r.factories[name]
	r.lock.RUnlock()
	if !ok {
		return nil, errors.WithStack(&fleeterrors.ErrNotFound{Type: "test class", Value: name})
	}
	return factory(), nil
}

func (r *Registry) Names() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func IntProperty(tc *api.TestCase, key string, defaultValue int) (int, error) {
	v, ok := tc.Get(key)
	if !ok {
		return defaultValue, nil
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, errors.WithStack(&fleeterrors.ErrInvalidArgument{Name: key, Value: v, Message: "not an integer"})
	}
	return i, nil
}

func FloatProperty(tc *api.TestCase, key string, defaultValue float64) (float64, error) {
	v, ok := tc.Get(key)
	if !ok {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, errors.WithStack(&fleeterrors.ErrInvalidArgument{Name: key, Value: v, Message: "not a number"})
	}
	return f, nil
}

func BoolProperty(tc *api.TestCase, key string, defaultValue bool) (bool, error) {
	v, ok := tc.Get(key)
	if !ok {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, errors.WithStack(&fleeterrors.ErrInvalidArgument{Name: key, Value: v, Message: "not a boolean"})
	}
	return b, nil
}

func DurationProperty(tc *api.TestCase, key string, defaultValue time.Duration) (time.Duration, error) {
	v, ok := tc.Get(key)
	if !ok {
		return defaultValue, nil
	}
	d, err := api.ParseDuration(v)
	if err != nil {
		return 0, errors.WithStack(&fleeterrors.ErrInvalidArgument{Name: key, Value: v, Message: err.Error()})
	}
	return d, nil
}
