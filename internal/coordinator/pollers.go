package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/G-Research/fleetbench/internal/common/fleetcontext"
	"github.com/G-Research/fleetbench/internal/common/logging"
	"github.com/G-Research/fleetbench/internal/registry"
	"github.com/G-Research/fleetbench/pkg/api"
)

// failurePoller collects the failures agents detected since the previous poll. An agent that cannot be reached
// for threshold polls in a row is declared unreachable and removed together with its workers.
type failurePoller struct {
	remote    *RemoteClient
	registry  *registry.Registry
	failures  *FailureCollector
	timeout   time.Duration
	threshold int

	lock   sync.Mutex
	misses map[string]int
}

func newFailurePoller(
	remote *RemoteClient,
	registry *registry.Registry,
	failures *FailureCollector,
	timeout time.Duration,
	threshold int,
) *failurePoller {
	return &failurePoller{
		remote:    remote,
		registry:  registry,
		failures:  failures,
		timeout:   timeout,
		threshold: threshold,
		misses:    map[string]int{},
	}
}

func (p *failurePoller) poll(ctx *fleetcontext.Context) {
	p.collect(ctx, false)
}

// drain has every agent check its workers first, so failures already written by workers are not left behind
// for a later poll.
func (p *failurePoller) drain(ctx *fleetcontext.Context) {
	p.collect(ctx, true)
}

func (p *failurePoller) collect(ctx *fleetcontext.Context, checkWorkers bool) {
	err := p.remote.ForEachAgent(ctx, "getFailures", p.timeout, func(callCtx context.Context, address string, client api.AgentClient) error {
		resp, err := client.GetFailures(callCtx, &api.GetFailuresRequest{CheckWorkers: checkWorkers})
		if err != nil {
			p.miss(ctx, address, err)
			return err
		}
		p.reset(address)
		for _, failure := range resp.Failures {
			if failure.AgentAddress == "" {
				failure.AgentAddress = address
			}
			p.failures.Notify(failure)
		}
		return nil
	})
	if err != nil {
		ctx.Log.Warnf("Could not collect failures from every agent: %s", err)
	}
}

func (p *failurePoller) reset(address string) {
	p.lock.Lock()
	defer p.lock.Unlock()
	delete(p.misses, address)
}

func (p *failurePoller) miss(ctx *fleetcontext.Context, address string, err error) {
	p.lock.Lock()
	p.misses[address]++
	misses := p.misses[address]
	p.lock.Unlock()
	if misses < p.threshold {
		return
	}

	_, workers, ok := p.registry.RemoveAgent(address)
	if !ok {
		return
	}
	p.remote.Disconnect(address)
	p.reset(address)
	ctx.Log.Errorf("Agent %s is unreachable after %d attempts, removed it and its %d workers", address, misses, len(workers))
	p.failures.Notify(&api.Failure{
		Type:         api.FailureAgentUnreachable,
		Message:      fmt.Sprintf("agent %s did not answer %d failure polls in a row", address, misses),
		Cause:        logging.FormatCause(err),
		AgentAddress: address,
	})
}

// performancePoller feeds the stats agents collected from their workers into the collector.
type performancePoller struct {
	remote      *RemoteClient
	performance *PerformanceStatsCollector
	timeout     time.Duration
}

func (p *performancePoller) poll(ctx *fleetcontext.Context) {
	err := p.remote.ForEachAgent(ctx, "getPerformance", p.timeout, func(callCtx context.Context, _ string, client api.AgentClient) error {
		resp, err := client.GetPerformance(callCtx, &api.GetPerformanceRequest{})
		if err != nil {
			return err
		}
		for worker, performance := range resp.Workers {
			p.performance.Update(worker, performance)
		}
		return nil
	})
	if err != nil {
		ctx.Log.Warnf("Could not collect performance from every agent: %s", err)
	}
}
