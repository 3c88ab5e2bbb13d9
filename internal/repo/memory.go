package repo

import (
	"context"
	"sort"
	"sync"

	"ticketline/internal/domain"
)

// Memory is an in-process Store. Records are copied on the way in and out.
type Memory struct {
	mu        sync.RWMutex
	workflows map[string]Record
	approvals map[string]domain.Approval
	locks     *KeyedMutex
}

func NewMemory() *Memory {
	return &Memory{
		workflows: make(map[string]Record),
		approvals: make(map[string]domain.Approval),
		locks:     NewKeyedMutex(),
	}
}

func (m *Memory) CreateWorkflow(_ context.Context, rec Record) error {
	if err := validateNew(rec); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[rec.Workflow.ID]; ok {
		return ErrExists
	}
	m.workflows[rec.Workflow.ID] = rec.Clone()
	return nil
}

func (m *Memory) GetWorkflow(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.workflows[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *Memory) FindActiveByTicket(_ context.Context, ticketID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *Record
	for _, rec := range m.workflows {
		if rec.Workflow.TicketID != ticketID || rec.Workflow.Terminal() {
			continue
		}
		if found == nil || rec.Workflow.CreatedAt.After(found.Workflow.CreatedAt) {
			r := rec
			found = &r
		}
	}
	if found == nil {
		return Record{}, ErrNotFound
	}
	return found.Clone(), nil
}

func (m *Memory) ListWorkflows(_ context.Context, f WorkflowFilter) ([]domain.Workflow, error) {
	m.mu.RLock()
	res := make([]domain.Workflow, 0, len(m.workflows))
	for _, rec := range m.workflows {
		if f.State != "" && rec.Workflow.State != f.State {
			continue
		}
		if f.TicketID != "" && rec.Workflow.TicketID != f.TicketID {
			continue
		}
		res = append(res, cloneWorkflow(rec.Workflow))
	}
	m.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID > res[j].ID
		}
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	if f.Limit > 0 && len(res) > f.Limit {
		res = res[:f.Limit]
	}
	return res, nil
}

func (m *Memory) UpdateWorkflow(_ context.Context, id string, fn func(*Record) error) (Record, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	m.mu.RLock()
	cur, ok := m.workflows[id]
	m.mu.RUnlock()
	if !ok {
		return Record{}, ErrNotFound
	}
	next, err := applyUpdate(cur, fn)
	if err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	m.workflows[id] = next.Clone()
	m.mu.Unlock()
	return next, nil
}

func (m *Memory) CreateApproval(_ context.Context, a domain.Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.approvals[a.ID]; ok {
		return ErrExists
	}
	m.approvals[a.ID] = cloneApproval(a)
	return nil
}

func (m *Memory) GetApproval(_ context.Context, id string) (domain.Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.approvals[id]
	if !ok {
		return domain.Approval{}, ErrNotFound
	}
	return cloneApproval(a), nil
}

func (m *Memory) DecideApproval(_ context.Context, id string, in DecisionInput) (domain.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[id]
	if !ok {
		return domain.Approval{}, ErrNotFound
	}
	decided, err := decide(a, in)
	if err != nil {
		return cloneApproval(a), err
	}
	m.approvals[id] = decided
	return cloneApproval(decided), nil
}

func (m *Memory) ListApprovals(_ context.Context, f ApprovalFilter) ([]domain.Approval, error) {
	m.mu.RLock()
	res := make([]domain.Approval, 0)
	for _, a := range m.approvals {
		if matchesApproval(a, f) {
			res = append(res, cloneApproval(a))
		}
	}
	m.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool {
		if res[i].RequestedAt.Equal(res[j].RequestedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].RequestedAt.Before(res[j].RequestedAt)
	})
	return res, nil
}
