// Package memory provides an in-memory persistence implementation.
package memory

import (
	"context"
	"sync"

	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/persistence"
)

// Snapshot is the full state of a memory store.
type Snapshot struct {
	Definitions []*models.Definition      `json:"definitions"`
	Executions  []*models.Execution       `json:"executions"`
	Approvals   []*models.ApprovalRequest `json:"approvals"`
	Schedules   []*models.ScheduleRow     `json:"schedules"`
}

// CommitFunc is called with the new state after every successful write, under the store lock.
type CommitFunc func(snapshot Snapshot) error

// Persistence keeps every repository in process memory. Values are copied in and out.
type Persistence struct {
	mu sync.RWMutex

	definitions map[string]*models.Definition
	executions  map[string]*models.Execution
	approvals   map[string]*models.ApprovalRequest
	schedules   map[string]*models.ScheduleRow

	commit CommitFunc
}

var _ persistence.Persistence = (*Persistence)(nil)

func NewPersistence() *Persistence {
	return &Persistence{
		definitions: make(map[string]*models.Definition),
		executions:  make(map[string]*models.Execution),
		approvals:   make(map[string]*models.ApprovalRequest),
		schedules:   make(map[string]*models.ScheduleRow),
	}
}

// OnCommit registers fn to run after every write.
func (p *Persistence) OnCommit(fn CommitFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.commit = fn
}

func (p *Persistence) Definitions() persistence.DefinitionRepository {
	return &definitionRepository{store: p}
}

func (p *Persistence) Executions() persistence.ExecutionRepository {
	return &executionRepository{store: p}
}

func (p *Persistence) Approvals() persistence.ApprovalRepository {
	return &approvalRepository{store: p}
}

func (p *Persistence) Schedules() persistence.ScheduleRepository {
	return &scheduleRepository{store: p}
}

func (p *Persistence) HealthCheck(_ context.Context) error {
	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	return nil
}

// Snapshot returns a copy of the current state.
func (p *Persistence) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.snapshotLocked()
}

// Restore replaces the current state with snapshot.
func (p *Persistence) Restore(snapshot Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.definitions = make(map[string]*models.Definition, len(snapshot.Definitions))
	for _, definition := range snapshot.Definitions {
		p.definitions[definition.ID] = definition.Clone()
	}

	p.executions = make(map[string]*models.Execution, len(snapshot.Executions))
	for _, execution := range snapshot.Executions {
		p.executions[execution.ID] = execution.Clone()
	}

	p.approvals = make(map[string]*models.ApprovalRequest, len(snapshot.Approvals))
	for _, request := range snapshot.Approvals {
		p.approvals[request.ID] = request.Clone()
	}

	p.schedules = make(map[string]*models.ScheduleRow, len(snapshot.Schedules))
	for _, row := range snapshot.Schedules {
		p.schedules[row.ID] = row.Clone()
	}
}

func (p *Persistence) snapshotLocked() Snapshot {
	snapshot := Snapshot{
		Definitions: make([]*models.Definition, 0, len(p.definitions)),
		Executions:  make([]*models.Execution, 0, len(p.executions)),
		Approvals:   make([]*models.ApprovalRequest, 0, len(p.approvals)),
		Schedules:   make([]*models.ScheduleRow, 0, len(p.schedules)),
	}

	for _, definition := range p.definitions {
		snapshot.Definitions = append(snapshot.Definitions, definition.Clone())
	}

	for _, execution := range p.executions {
		snapshot.Executions = append(snapshot.Executions, execution.Clone())
	}

	for _, request := range p.approvals {
		snapshot.Approvals = append(snapshot.Approvals, request.Clone())
	}

	for _, row := range p.schedules {
		snapshot.Schedules = append(snapshot.Schedules, row.Clone())
	}

	return snapshot
}

// write runs fn under the write lock and commits the new state when fn succeeds.
func (p *Persistence) write(fn func() error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := fn(); err != nil {
		return err
	}

	if p.commit != nil {
		return p.commit(p.snapshotLocked())
	}

	return nil
}
