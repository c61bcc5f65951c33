package registry

import (
	"fmt"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/G-Research/fleetbench/internal/common/fleeterrors"
	"github.com/G-Research/fleetbench/pkg/api"
)

const (
	agentsTable  = "agents"
	workersTable = "workers"
	testsTable   = "tests"

	idIndex       = "id"
	agentIndex    = "agent"
	endpointIndex = "endpoint"
)

// Registry is the authoritative model of the fleet: agents, their workers and the tests being run.
//
// It is implemented on top of https://github.com/hashicorp/go-memdb. Reads use lock-free snapshots and never block;
// each mutation is a single write transaction so that, for example, removing an agent removes its workers
// atomically. Lookups of unknown ids return ok=false rather than an error since absence is normal.
type Registry struct {
	db           *memdb.MemDB
	agentCounter atomic.Int32
	testCounter  atomic.Int32
}

func New() (*Registry, error) {
	db, err := memdb.NewMemDB(registrySchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Registry{db: db}, nil
}

// AgentSpec is one entry of the fleet definition.
type AgentSpec struct {
	PublicAddress  string
	PrivateAddress string
	Port           int
	Mode           WorkersMode
}

// AddAgent registers an agent, assigning it the next agent address.
func (r *Registry) AddAgent(spec AgentSpec) (*AgentRecord, error) {
	txn := r.db.Txn(true)
	defer txn.Abort()

	endpoint := net.JoinHostPort(spec.PublicAddress, strconv.Itoa(spec.Port))
	existing, err := txn.First(agentsTable, endpointIndex, endpoint)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if existing != nil {
		return nil, errors.WithStack(&fleeterrors.ErrAlreadyExists{Type: "agent", Value: endpoint})
	}

	index := int(r.agentCounter.Add(1))
	privateAddress := spec.PrivateAddress
	if privateAddress == "" {
		privateAddress = spec.PublicAddress
	}
	agent := &AgentRecord{
		Address:        api.AgentAddress(index),
		Index:          index,
		PublicAddress:  spec.PublicAddress,
		PrivateAddress: privateAddress,
		Endpoint:       endpoint,
	}
	agent.SetMode(spec.Mode)
	agent.nextWorkerIndex.Store(1)
	if err := txn.Insert(agentsTable, agent); err != nil {
		return nil, errors.WithStack(err)
	}
	txn.Commit()
	return agent, nil
}

func (r *Registry) AddAgents(specs []AgentSpec) ([]*AgentRecord, error) {
	agents := make([]*AgentRecord, 0, len(specs))
	for _, spec := range specs {
		agent, err := r.AddAgent(spec)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

// RemoveAgent removes the agent together with all of its workers.
func (r *Registry) RemoveAgent(address string) (*AgentRecord, []*WorkerRecord, bool) {
	txn := r.db.Txn(true)
	defer txn.Abort()

	obj, err := txn.First(agentsTable, idIndex, address)
	if err != nil || obj == nil {
		return nil, nil, false
	}
	workers := workersOf(txn, address)
	for _, worker := range workers {
		if err := txn.Delete(workersTable, worker); err != nil {
			return nil, nil, false
		}
	}
	if err := txn.Delete(agentsTable, obj); err != nil {
		return nil, nil, false
	}
	txn.Commit()
	return obj.(*AgentRecord), workers, true
}

func (r *Registry) FindAgent(address string) (*AgentRecord, bool) {
	obj, err := r.db.Txn(false).First(agentsTable, idIndex, address)
	if err != nil || obj == nil {
		return nil, false
	}
	return obj.(*AgentRecord), true
}

// GetAgents returns the agents in load order.
func (r *Registry) GetAgents() []*AgentRecord {
	it, err := r.db.Txn(false).Get(agentsTable, idIndex)
	if err != nil {
		return nil
	}
	var agents []*AgentRecord
	for obj := it.Next(); obj != nil; obj = it.Next() {
		agents = append(agents, obj.(*AgentRecord))
	}
	slices.SortFunc(agents, func(a, b *AgentRecord) bool {
		return a.Index < b.Index
	})
	return agents
}

func (r *Registry) AgentCount() int {
	return len(r.GetAgents())
}

// AddWorker registers a spawned worker under its agent. The agent address is derived from the worker address.
func (r *Registry) AddWorker(params api.WorkerParameters, info api.WorkerInfo) (*WorkerRecord, error) {
	workers, err := r.AddWorkers([]api.WorkerParameters{params}, []api.WorkerInfo{info})
	if err != nil {
		return nil, err
	}
	return workers[0], nil
}

// AddWorkers registers a batch of workers in a single transaction: either all are added or none.
func (r *Registry) AddWorkers(params []api.WorkerParameters, infos []api.WorkerInfo) ([]*WorkerRecord, error) {
	if len(params) != len(infos) {
		return nil, errors.WithStack(&fleeterrors.ErrInvalidArgument{
			Name:    "infos",
			Value:   len(infos),
			Message: fmt.Sprintf("expected %d worker infos", len(params)),
		})
	}
	txn := r.db.Txn(true)
	defer txn.Abort()

	workers := make([]*WorkerRecord, 0, len(params))
	agents := make([]*AgentRecord, 0, len(params))
	for i, p := range params {
		agentIdx, workerIdx, err := api.ParseWorkerAddress(p.Address)
		if err != nil {
			return nil, errors.WithStack(&fleeterrors.ErrInvalidArgument{Name: "address", Value: p.Address, Message: err.Error()})
		}
		agentAddress := api.AgentAddress(agentIdx)
		agentObj, err := txn.First(agentsTable, idIndex, agentAddress)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if agentObj == nil {
			return nil, errors.WithStack(&fleeterrors.ErrNotFound{Type: "agent", Value: agentAddress})
		}
		existing, err := txn.First(workersTable, idIndex, p.Address)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if existing != nil {
			return nil, errors.WithStack(&fleeterrors.ErrAlreadyExists{Type: "worker", Value: p.Address})
		}
		worker := &WorkerRecord{
			Address:      p.Address,
			AgentAddress: agentAddress,
			AgentIndex:   agentIdx,
			WorkerIndex:  workerIdx,
			Parameters:   p,
			Info:         infos[i],
		}
		if err := txn.Insert(workersTable, worker); err != nil {
			return nil, errors.WithStack(err)
		}
		workers = append(workers, worker)
		agents = append(agents, agentObj.(*AgentRecord))
	}
	txn.Commit()
	for i, worker := range workers {
		agents[i].reserveWorkerIndex(worker.WorkerIndex)
	}
	return workers, nil
}

// RemoveWorker removes the worker. Only the first of any number of concurrent callers gets ok=true.
func (r *Registry) RemoveWorker(address string) (*WorkerRecord, bool) {
	txn := r.db.Txn(true)
	defer txn.Abort()

	obj, err := txn.First(workersTable, idIndex, address)
	if err != nil || obj == nil {
		return nil, false
	}
	if err := txn.Delete(workersTable, obj); err != nil {
		return nil, false
	}
	txn.Commit()
	return obj.(*WorkerRecord), true
}

func (r *Registry) FindWorker(address string) (*WorkerRecord, bool) {
	obj, err := r.db.Txn(false).First(workersTable, idIndex, address)
	if err != nil || obj == nil {
		return nil, false
	}
	return obj.(*WorkerRecord), true
}

// GetWorkers returns all workers ordered by agent and then by worker index.
func (r *Registry) GetWorkers() []*WorkerRecord {
	it, err := r.db.Txn(false).Get(workersTable, idIndex)
	if err != nil {
		return nil
	}
	var workers []*WorkerRecord
	for obj := it.Next(); obj != nil; obj = it.Next() {
		workers = append(workers, obj.(*WorkerRecord))
	}
	sortWorkers(workers)
	return workers
}

// GetWorkersOf returns the workers of one agent ordered by worker index.
func (r *Registry) GetWorkersOf(agentAddress string) []*WorkerRecord {
	return workersOf(r.db.Txn(false), agentAddress)
}

func (r *Registry) WorkerCount() int {
	return len(r.GetWorkers())
}

func workersOf(txn *memdb.Txn, agentAddress string) []*WorkerRecord {
	it, err := txn.Get(workersTable, agentIndex, agentAddress)
	if err != nil {
		return nil
	}
	var workers []*WorkerRecord
	for obj := it.Next(); obj != nil; obj = it.Next() {
		workers = append(workers, obj.(*WorkerRecord))
	}
	sortWorkers(workers)
	return workers
}

func sortWorkers(workers []*WorkerRecord) {
	slices.SortFunc(workers, func(a, b *WorkerRecord) bool {
		if a.AgentIndex != b.AgentIndex {
			return a.AgentIndex < b.AgentIndex
		}
		return a.WorkerIndex < b.WorkerIndex
	})
}

// AddTest registers a test. Test ids must be unique for the lifetime of the registry entry.
func (r *Registry) AddTest(testCase *api.TestCase) (*TestData, error) {
	txn := r.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(testsTable, idIndex, testCase.Id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if existing != nil {
		return nil, errors.WithStack(&fleeterrors.ErrAlreadyExists{Type: "test", Value: testCase.Id})
	}
	test := &TestData{
		Id:       testCase.Id,
		TestCase: testCase,
		Index:    int(r.testCounter.Add(1)),
	}
	if err := txn.Insert(testsTable, test); err != nil {
		return nil, errors.WithStack(err)
	}
	txn.Commit()
	return test, nil
}

func (r *Registry) GetTest(id string) (*TestData, bool) {
	obj, err := r.db.Txn(false).First(testsTable, idIndex, id)
	if err != nil || obj == nil {
		return nil, false
	}
	return obj.(*TestData), true
}

// GetTests returns the tests in the order they were added.
func (r *Registry) GetTests() []*TestData {
	it, err := r.db.Txn(false).Get(testsTable, idIndex)
	if err != nil {
		return nil
	}
	var tests []*TestData
	for obj := it.Next(); obj != nil; obj = it.Next() {
		tests = append(tests, obj.(*TestData))
	}
	slices.SortFunc(tests, func(a, b *TestData) bool {
		return a.Index < b.Index
	})
	return tests
}

func (r *Registry) RemoveTest(id string) bool {
	txn := r.db.Txn(true)
	defer txn.Abort()

	obj, err := txn.First(testsTable, idIndex, id)
	if err != nil || obj == nil {
		return false
	}
	if err := txn.Delete(testsTable, obj); err != nil {
		return false
	}
	txn.Commit()
	return true
}

func registrySchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			agentsTable: {
				Name: agentsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Address"},
					},
					endpointIndex: {
						Name:    endpointIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Endpoint"},
					},
				},
			},
			workersTable: {
				Name: workersTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Address"},
					},
					agentIndex: {
						Name:    agentIndex,
						Unique:  false,
						Indexer: &memdb.StringFieldIndex{Field: "AgentAddress"},
					},
				},
			},
			testsTable: {
				Name: testsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Id"},
					},
				},
			},
		},
	}
}
