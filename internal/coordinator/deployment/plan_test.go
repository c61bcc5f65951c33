package deployment

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/fleetbench/internal/common/fleeterrors"
	"github.com/G-Research/fleetbench/internal/registry"
	"github.com/G-Research/fleetbench/pkg/api"
)

func newAgents(t *testing.T, modes ...registry.WorkersMode) (*registry.Registry, []*registry.AgentRecord) {
	r, err := registry.New()
	require.NoError(t, err)
	for i, mode := range modes {
		_, err := r.AddAgent(registry.AgentSpec{PublicAddress: "10.0.0.1", Port: 9000 + i, Mode: mode})
		require.NoError(t, err)
	}
	return r, r.GetAgents()
}

func countsPerAgent(plan *Plan) map[string]map[api.WorkerType]int {
	result := map[string]map[api.WorkerType]int{}
	for _, a := range plan.Assignments() {
		result[a.Agent.Address] = map[api.WorkerType]int{}
		for _, w := range a.Workers {
			result[a.Agent.Address][w.Type]++
		}
	}
	return result
}

func TestComputePlan_MixedAndMembersOnlyScenario(t *testing.T) {
	_, agents := newAgents(t, registry.WorkersModeMixed, registry.WorkersModeMixed, registry.WorkersModeMembersOnly)

	plan, err := ComputePlan(agents, nil, Request{Counts: map[api.WorkerType]int{
		api.WorkerTypeMember: 4,
		api.WorkerTypeClient: 2,
	}})
	require.NoError(t, err)

	assert.Equal(t, 6, plan.WorkerCount())
	assert.Equal(t, map[string]map[api.WorkerType]int{
		"A1": {api.WorkerTypeMember: 2, api.WorkerTypeClient: 1},
		"A2": {api.WorkerTypeMember: 1, api.WorkerTypeClient: 1},
		"A3": {api.WorkerTypeMember: 1},
	}, countsPerAgent(plan))
}

func TestComputePlan_AddressesAndWorkingDirs(t *testing.T) {
	_, agents := newAgents(t, registry.WorkersModeMixed, registry.WorkersModeMixed)
	template := api.WorkerParameters{SessionId: "s1", Driver: api.DriverParameters{Name: "noop"}}

	plan, err := ComputePlan(agents, nil, Request{
		Counts:   map[api.WorkerType]int{api.WorkerTypeMember: 3},
		Template: template,
	})
	require.NoError(t, err)

	workers := plan.Workers()
	require.Len(t, workers, 3)
	assert.Equal(t, "A1.W1", workers[0].Address)
	assert.Equal(t, "A1.W2", workers[1].Address)
	assert.Equal(t, "A2.W1", workers[2].Address)
	assert.Equal(t, "worker-A1.W1-member", workers[0].WorkingDirName)
	for _, w := range workers {
		assert.Equal(t, "s1", w.SessionId)
		assert.Equal(t, "noop", w.Driver.Name)
	}
}

func TestComputePlan_Deterministic(t *testing.T) {
	_, agents := newAgents(t, registry.WorkersModeMixed, registry.WorkersModeClientsOnly, registry.WorkersModeMixed)
	request := Request{Counts: map[api.WorkerType]int{
		api.WorkerTypeMember: 5,
		api.WorkerTypeClient: 7,
		"javaclient":         3,
	}}
	first, err := ComputePlan(agents, nil, request)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := ComputePlan(agents, nil, request)
		require.NoError(t, err)
		assert.Equal(t, first.Workers(), again.Workers())
	}
}

func TestComputePlan_Balanced(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		agentCount := 1 + rng.Intn(8)
		members := rng.Intn(20)
		clients := rng.Intn(20)
		t.Run(fmt.Sprintf("%d agents %d members %d clients", agentCount, members, clients), func(t *testing.T) {
			modes := make([]registry.WorkersMode, agentCount)
			_, agents := newAgents(t, modes...)
			plan, err := ComputePlan(agents, nil, Request{Counts: map[api.WorkerType]int{
				api.WorkerTypeMember: members,
				api.WorkerTypeClient: clients,
			}})
			require.NoError(t, err)
			assert.Equal(t, members+clients, plan.WorkerCount())

			perAgent := make(map[string]int)
			for _, a := range agents {
				perAgent[a.Address] = 0
			}
			for _, a := range plan.Assignments() {
				perAgent[a.Agent.Address] = len(a.Workers)
			}
			min, max := members+clients, 0
			for _, n := range perAgent {
				if n < min {
					min = n
				}
				if n > max {
					max = n
				}
			}
			assert.LessOrEqual(t, max-min, 1)
		})
	}
}

func TestComputePlan_BalancedWithRoleModes(t *testing.T) {
	allModes := []registry.WorkersMode{registry.WorkersModeMixed, registry.WorkersModeMembersOnly, registry.WorkersModeClientsOnly}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		modes := make([]registry.WorkersMode, 1+rng.Intn(8))
		for j := range modes {
			modes[j] = allModes[rng.Intn(len(allModes))]
		}
		members := rng.Intn(20)
		clients := rng.Intn(20)
		t.Run(fmt.Sprintf("%v %d members %d clients", modes, members, clients), func(t *testing.T) {
			_, agents := newAgents(t, modes...)
			acceptsMembers, acceptsClients := false, false
			for _, mode := range modes {
				acceptsMembers = acceptsMembers || mode.Accepts(api.WorkerTypeMember)
				acceptsClients = acceptsClients || mode.Accepts(api.WorkerTypeClient)
			}

			plan, err := ComputePlan(agents, nil, Request{Counts: map[api.WorkerType]int{
				api.WorkerTypeMember: members,
				api.WorkerTypeClient: clients,
			}})
			if (members > 0 && !acceptsMembers) || (clients > 0 && !acceptsClients) {
				var invalid *fleeterrors.ErrInvalidArgument
				assert.ErrorAs(t, err, &invalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, members+clients, plan.WorkerCount())

			perAgent := make(map[string]int)
			for _, a := range plan.Assignments() {
				perAgent[a.Agent.Address] = len(a.Workers)
				for _, w := range a.Workers {
					assert.True(t, a.Agent.Mode().Accepts(w.Type), "%s got a %s worker", a.Agent.Address, w.Type)
				}
			}
			// Agents that accept the same worker types end up within one worker of each other.
			byMode := map[registry.WorkersMode][]int{}
			for _, a := range agents {
				byMode[a.Mode()] = append(byMode[a.Mode()], perAgent[a.Address])
			}
			for mode, loads := range byMode {
				min, max := loads[0], loads[0]
				for _, n := range loads {
					if n < min {
						min = n
					}
					if n > max {
						max = n
					}
				}
				assert.LessOrEqual(t, max-min, 1, mode.String())
			}
		})
	}
}

func TestComputePlan_ContinuesFromExistingLayout(t *testing.T) {
	r, agents := newAgents(t, registry.WorkersModeMixed, registry.WorkersModeMixed)
	first, err := ComputePlan(agents, nil, Request{Counts: map[api.WorkerType]int{api.WorkerTypeMember: 3}})
	require.NoError(t, err)
	workers := first.Workers()
	_, err = r.AddWorkers(workers, make([]api.WorkerInfo, len(workers)))
	require.NoError(t, err)

	second, err := ComputePlan(r.GetAgents(), r.GetWorkers(), Request{Counts: map[api.WorkerType]int{api.WorkerTypeClient: 1}})
	require.NoError(t, err)
	require.Equal(t, 1, second.WorkerCount())
	assert.Equal(t, "A2.W2", second.Workers()[0].Address)
}

func TestComputePlan_Errors(t *testing.T) {
	_, err := ComputePlan(nil, nil, Request{Counts: map[api.WorkerType]int{api.WorkerTypeMember: 1}})
	var invalid *fleeterrors.ErrInvalidArgument
	assert.ErrorAs(t, err, &invalid)

	_, agents := newAgents(t, registry.WorkersModeMembersOnly, registry.WorkersModeMembersOnly)
	_, err = ComputePlan(agents, nil, Request{Counts: map[api.WorkerType]int{api.WorkerTypeClient: 1}})
	assert.ErrorAs(t, err, &invalid)

	_, err = ComputePlan(agents, nil, Request{Counts: map[api.WorkerType]int{api.WorkerTypeMember: -1}})
	assert.ErrorAs(t, err, &invalid)

	plan, err := ComputePlan(agents, nil, Request{Counts: map[api.WorkerType]int{api.WorkerTypeClient: 0}})
	require.NoError(t, err)
	assert.Equal(t, 0, plan.WorkerCount())
}

func TestAssignDedicatedMemberMachines(t *testing.T) {
	_, agents := newAgents(t, registry.WorkersModeMixed, registry.WorkersModeMixed, registry.WorkersModeMixed)
	require.NoError(t, AssignDedicatedMemberMachines(agents, 1))
	assert.Equal(t, registry.WorkersModeMembersOnly, agents[0].Mode())
	assert.Equal(t, registry.WorkersModeClientsOnly, agents[1].Mode())
	assert.Equal(t, registry.WorkersModeClientsOnly, agents[2].Mode())

	plan, err := ComputePlan(agents, nil, Request{Counts: map[api.WorkerType]int{
		api.WorkerTypeMember: 2,
		api.WorkerTypeClient: 4,
	}})
	require.NoError(t, err)
	assert.Equal(t, map[string]map[api.WorkerType]int{
		"A1": {api.WorkerTypeMember: 2},
		"A2": {api.WorkerTypeClient: 2},
		"A3": {api.WorkerTypeClient: 2},
	}, countsPerAgent(plan))

	assert.Error(t, AssignDedicatedMemberMachines(agents, 4))
	assert.Error(t, AssignDedicatedMemberMachines(agents, -1))

	require.NoError(t, AssignDedicatedMemberMachines(agents, 3))
	_, err = ComputePlan(agents, nil, Request{Counts: map[api.WorkerType]int{api.WorkerTypeClient: 1}})
	assert.Error(t, err)
}
