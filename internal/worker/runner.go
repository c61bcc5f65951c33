package worker

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/G-Research/fleetbench/internal/common/fleetcontext"
)

// runner drives the run phase of one test: threads goroutines each loop over pace, pick, call and record
// until the runner is stopped or an error handler asks it to stop.
type runner struct {
	selector *operationSelector
	pacer    Pacer
	threads  int
	tracker  *perfTracker
	clock    clock.Clock
	// onError is called for every failed operation; returning true stops the whole run.
	onError func(op string, err error) bool

	cancel context.CancelFunc
	done   chan struct{}
}

func newRunner(selector *operationSelector, pacer Pacer, threads int, tracker *perfTracker, clock clock.Clock, onError func(string, error) bool) *runner {
	if threads < 1 {
		threads = 1
	}
	return &runner{
		selector: selector,
		pacer:    pacer,
		threads:  threads,
		tracker:  tracker,
		clock:    clock,
		onError:  onError,
		done:     make(chan struct{}),
	}
}

func (r *runner) start(parent *fleetcontext.Context) {
	ctx, cancel := fleetcontext.WithCancel(parent)
	r.cancel = cancel

	wg := sync.WaitGroup{}
	wg.Add(r.threads)
	for i := 0; i < r.threads; i++ {
		seed := time.Now().UnixNano() + int64(i)
		go func() {
			defer wg.Done()
			r.loop(ctx, rand.New(rand.NewSource(seed)))
		}()
	}
	go func() {
		wg.Wait()
		cancel()
		close(r.done)
	}()
	ctx.Log.Infof("Run started with %d threads", r.threads)
}

func (r *runner) loop(ctx *fleetcontext.Context, rng *rand.Rand) {
	histogram := r.tracker.thread()
	for {
		if err := r.pacer.Wait(ctx); err != nil {
			return
		}
		op := r.selector.next(rng)
		start := r.clock.Now()
		err := op.Run(ctx)
		histogram.record(r.clock.Since(start))
		if ctx.Err() != nil {
			return
		}
		if err != nil && r.onError(op.Name, err) {
			r.cancel()
			return
		}
	}
}

// stop asks every thread to finish its current operation and exit.
func (r *runner) stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *runner) running() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// wait blocks until every thread has exited or ctx is done.
func (r *runner) wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
