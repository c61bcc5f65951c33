package worker

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/G-Research/fleetbench/internal/worker/benchmarks"
)

const operationSlots = 100

// operationSelector picks operations according to their probability by sampling a fixed table of slots.
// Each operation owns a number of slots proportional to its probability.
type operationSelector struct {
	operations []benchmarks.Operation
	table      [operationSlots]uint8
}

func newOperationSelector(operations []benchmarks.Operation) (*operationSelector, error) {
	if len(operations) == 0 {
		return nil, errors.New("test has no operations")
	}
	if len(operations) > operationSlots {
		return nil, errors.Errorf("test has %d operations, at most %d are supported", len(operations), operationSlots)
	}

	assigned := 0.0
	unassigned := 0
	for _, op := range operations {
		if op.Probability < 0 || op.Probability > 1 {
			return nil, errors.Errorf("operation %s has invalid probability %v", op.Name, op.Probability)
		}
		if op.Probability == 0 {
			unassigned++
		}
		assigned += op.Probability
	}
	const epsilon = 1e-9
	if assigned > 1+epsilon {
		return nil, errors.Errorf("operation probabilities add up to %v", assigned)
	}
	remaining := math.Max(0, 1-assigned)
	if unassigned == 0 && remaining > epsilon {
		return nil, errors.Errorf("operation probabilities add up to %v instead of 1", assigned)
	}

	slots := make([]int, len(operations))
	total := 0
	largest := 0
	for i, op := range operations {
		p := op.Probability
		if p == 0 {
			p = remaining / float64(unassigned)
		}
		slots[i] = int(math.Round(p * operationSlots))
		if slots[i] == 0 && p > 0 {
			slots[i] = 1
		}
		total += slots[i]
		if slots[i] > slots[largest] {
			largest = i
		}
	}
	slots[largest] += operationSlots - total
	if slots[largest] < 0 {
		return nil, errors.Errorf("operation probabilities cannot be represented in %d slots", operationSlots)
	}

	s := &operationSelector{operations: operations}
	next := 0
	for i, n := range slots {
		for j := 0; j < n; j++ {
			s.table[next] = uint8(i)
			next++
		}
	}
	return s, nil
}

func (s *operationSelector) next(r *rand.Rand) *benchmarks.Operation {
	return &s.operations[s.table[r.Intn(operationSlots)]]
}

// share returns the number of slots owned by the operation with the given name.
func (s *operationSelector) share(name string) int {
	n := 0
	for _, i := range s.table {
		if s.operations[i].Name == name {
			n++
		}
	}
	return n
}
