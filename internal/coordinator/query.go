package coordinator

import (
	"strconv"

	"github.com/pkg/errors"

	"github.com/G-Research/fleetbench/internal/common/fleeterrors"
	"github.com/G-Research/fleetbench/internal/coordinator/configuration"
	"github.com/G-Research/fleetbench/internal/registry"
	"github.com/G-Research/fleetbench/pkg/api"
)

// WorkerQuery selects the workers a test runs on. Empty filters match everything.
type WorkerQuery struct {
	TargetType configuration.TargetType
	// 0 means no limit.
	TargetCount     int
	AgentAddresses  []string
	WorkerAddresses []string
	WorkerTypes     []api.WorkerType
}

// WithTestOverrides applies the targetType and targetCount properties of a test.
func (q WorkerQuery) WithTestOverrides(testCase *api.TestCase) (WorkerQuery, error) {
	if v, ok := testCase.Get(api.TargetTypePropertyKey); ok {
		targetType, err := configuration.ParseTargetType(v)
		if err != nil {
			return q, errors.WithMessagef(err, "test %s", testCase.Id)
		}
		q.TargetType = targetType
	}
	if v, ok := testCase.Get(api.TargetCountPropertyKey); ok {
		count, err := strconv.Atoi(v)
		if err != nil || count < 0 {
			return q, errors.WithStack(&fleeterrors.ErrInvalidArgument{
				Name:    testCase.Id + "@" + api.TargetCountPropertyKey,
				Value:   v,
				Message: "must be a non-negative integer",
			})
		}
		q.TargetCount = count
	}
	return q, nil
}

// Select returns the matching workers, taking one worker from each agent in turn so that a limited
// selection is spread over the fleet. It fails if nothing matches.
func (q WorkerQuery) Select(workers []*registry.WorkerRecord) ([]*registry.WorkerRecord, error) {
	var matching []*registry.WorkerRecord
	for _, w := range workers {
		if q.matches(w) {
			matching = append(matching, w)
		}
	}

	switch q.TargetType {
	case configuration.TargetTypeMember:
		matching = filterWorkers(matching, func(w *registry.WorkerRecord) bool { return w.Type().IsMember() })
	case configuration.TargetTypeClient:
		matching = filterWorkers(matching, func(w *registry.WorkerRecord) bool { return !w.Type().IsMember() })
	case configuration.TargetTypePreferClient:
		clients := filterWorkers(matching, func(w *registry.WorkerRecord) bool { return !w.Type().IsMember() })
		if len(clients) > 0 {
			matching = clients
		} else {
			matching = filterWorkers(matching, func(w *registry.WorkerRecord) bool { return w.Type().IsMember() })
		}
	}

	selected := interleaveByAgent(matching)
	if q.TargetCount > 0 && len(selected) > q.TargetCount {
		selected = selected[:q.TargetCount]
	}
	if len(selected) == 0 {
		return nil, errors.WithStack(&fleeterrors.ErrNotFound{
			Type:    "worker",
			Value:   string(q.TargetType),
			Message: "no workers match the test's target",
		})
	}
	return selected, nil
}

func (q WorkerQuery) matches(w *registry.WorkerRecord) bool {
	if len(q.AgentAddresses) > 0 && !contains(q.AgentAddresses, w.AgentAddress) {
		return false
	}
	if len(q.WorkerAddresses) > 0 && !contains(q.WorkerAddresses, w.Address) {
		return false
	}
	if len(q.WorkerTypes) > 0 && !contains(q.WorkerTypes, w.Type()) {
		return false
	}
	return true
}

func contains[T comparable](values []T, v T) bool {
	for _, value := range values {
		if value == v {
			return true
		}
	}
	return false
}

func filterWorkers(workers []*registry.WorkerRecord, keep func(*registry.WorkerRecord) bool) []*registry.WorkerRecord {
	var result []*registry.WorkerRecord
	for _, w := range workers {
		if keep(w) {
			result = append(result, w)
		}
	}
	return result
}

// interleaveByAgent expects workers ordered by agent then worker index, as the registry returns them,
// and returns A1.W1, A2.W1, ..., A1.W2, A2.W2, ...
func interleaveByAgent(workers []*registry.WorkerRecord) []*registry.WorkerRecord {
	var agents []string
	byAgent := map[string][]*registry.WorkerRecord{}
	for _, w := range workers {
		if _, ok := byAgent[w.AgentAddress]; !ok {
			agents = append(agents, w.AgentAddress)
		}
		byAgent[w.AgentAddress] = append(byAgent[w.AgentAddress], w)
	}
	result := make([]*registry.WorkerRecord, 0, len(workers))
	for round := 0; len(result) < len(workers); round++ {
		for _, agent := range agents {
			if round < len(byAgent[agent]) {
				result = append(result, byAgent[agent][round])
			}
		}
	}
	return result
}
