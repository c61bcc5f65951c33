package deployment

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/G-Research/fleetbench/internal/common/fleeterrors"
	"github.com/G-Research/fleetbench/internal/registry"
	"github.com/G-Research/fleetbench/pkg/api"
)

// Request describes the workers to add to the fleet.
type Request struct {
	// Number of workers to create per worker type.
	Counts map[api.WorkerType]int
	// Copied into every planned worker; Address, Type and WorkingDirName are filled in by the planner.
	Template api.WorkerParameters
}

func (r Request) total() int {
	total := 0
	for _, count := range r.Counts {
		total += count
	}
	return total
}

// Assignment is the list of new workers planned for one agent.
type Assignment struct {
	Agent   *registry.AgentRecord
	Workers []api.WorkerParameters
}

// Plan maps agents to the workers they should launch. It is never modified after ComputePlan returns.
type Plan struct {
	assignments []Assignment
}

// Assignments returns one entry per agent that receives workers, in agent order.
func (p *Plan) Assignments() []Assignment {
	return p.assignments
}

func (p *Plan) Workers() []api.WorkerParameters {
	var workers []api.WorkerParameters
	for _, a := range p.assignments {
		workers = append(workers, a.Workers...)
	}
	return workers
}

func (p *Plan) WorkerCount() int {
	count := 0
	for _, a := range p.assignments {
		count += len(a.Workers)
	}
	return count
}

// ComputePlan spreads the requested workers over agents. Each worker goes to the eligible agent currently holding
// the fewest workers (existing plus already planned), the first such agent in registry order winning ties.
// Members are placed first, then the remaining types in name order.
func ComputePlan(agents []*registry.AgentRecord, existing []*registry.WorkerRecord, request Request) (*Plan, error) {
	if len(agents) == 0 {
		return nil, errors.WithStack(&fleeterrors.ErrInvalidArgument{
			Name:    "agents",
			Value:   0,
			Message: "no agents available to deploy workers on",
		})
	}
	for workerType, count := range request.Counts {
		if count < 0 {
			return nil, errors.WithStack(&fleeterrors.ErrInvalidArgument{
				Name:    fmt.Sprintf("%sCount", workerType),
				Value:   count,
				Message: "worker count must not be negative",
			})
		}
	}

	if request.total() == 0 {
		return &Plan{}, nil
	}

	load := make([]int, len(agents))
	nextIndex := make([]int, len(agents))
	positions := make(map[string]int, len(agents))
	for i, agent := range agents {
		positions[agent.Address] = i
		nextIndex[i] = agent.NextWorkerIndex()
	}
	for _, worker := range existing {
		if i, ok := positions[worker.AgentAddress]; ok {
			load[i]++
		}
	}

	planned := make([][]api.WorkerParameters, len(agents))
	for _, workerType := range orderedTypes(request.Counts) {
		count := request.Counts[workerType]
		if count == 0 {
			continue
		}
		eligible := eligibleAgents(agents, workerType)
		if len(eligible) == 0 {
			return nil, errors.WithStack(&fleeterrors.ErrInvalidArgument{
				Name:    "workerType",
				Value:   workerType,
				Message: fmt.Sprintf("%d %s workers requested but no agent accepts them", count, workerType),
			})
		}
		for n := 0; n < count; n++ {
			i := leastLoaded(eligible, load)
			agent := agents[i]
			params := request.Template
			params.Address = api.WorkerAddress(agent.Index, nextIndex[i])
			params.Type = workerType
			params.WorkingDirName = WorkingDirName(params.Address, workerType)
			planned[i] = append(planned[i], params)
			nextIndex[i]++
			load[i]++
		}
	}

	plan := &Plan{}
	for i, workers := range planned {
		if len(workers) > 0 {
			plan.assignments = append(plan.assignments, Assignment{Agent: agents[i], Workers: workers})
		}
	}
	return plan, nil
}

// AssignDedicatedMemberMachines makes the first count agents members-only and the rest clients-only.
// A count of zero leaves the agents untouched.
func AssignDedicatedMemberMachines(agents []*registry.AgentRecord, count int) error {
	if count == 0 {
		return nil
	}
	if count < 0 || count > len(agents) {
		return errors.WithStack(&fleeterrors.ErrInvalidArgument{
			Name:    "dedicatedMemberMachines",
			Value:   count,
			Message: fmt.Sprintf("must be between 0 and the number of agents (%d)", len(agents)),
		})
	}
	for i, agent := range agents {
		if i < count {
			agent.SetMode(registry.WorkersModeMembersOnly)
		} else {
			agent.SetMode(registry.WorkersModeClientsOnly)
		}
	}
	return nil
}

func WorkingDirName(address string, workerType api.WorkerType) string {
	return fmt.Sprintf("worker-%s-%s", address, workerType)
}

func orderedTypes(counts map[api.WorkerType]int) []api.WorkerType {
	types := maps.Keys(counts)
	slices.SortFunc(types, func(a, b api.WorkerType) bool {
		if a.IsMember() != b.IsMember() {
			return a.IsMember()
		}
		return a < b
	})
	return types
}

func eligibleAgents(agents []*registry.AgentRecord, workerType api.WorkerType) []int {
	var eligible []int
	for i, agent := range agents {
		if agent.Mode().Accepts(workerType) {
			eligible = append(eligible, i)
		}
	}
	return eligible
}

func leastLoaded(eligible []int, load []int) int {
	best := eligible[0]
	for _, i := range eligible[1:] {
		if load[i] < load[best] {
			best = i
		}
	}
	return best
}
