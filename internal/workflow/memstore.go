package workflow

import (
	"context"
	"sort"
)

// MemoryStore is an in-memory Store implementation for tests.
type MemoryStore struct {
	definitions map[string]*WorkflowDefinition
	executions  map[string]*WorkflowExecution
	tasks       map[string]*TaskExecution
	approvals   map[string]*ApprovalRequest
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: map[string]*WorkflowDefinition{},
		executions:  map[string]*WorkflowExecution{},
		tasks:       map[string]*TaskExecution{},
		approvals:   map[string]*ApprovalRequest{},
	}
}

func (m *MemoryStore) CreateDefinition(ctx context.Context, d *WorkflowDefinition) error {
	m.definitions[d.ID] = d
	return nil
}

func (m *MemoryStore) GetDefinition(ctx context.Context, id string) (*WorkflowDefinition, error) {
	return m.definitions[id], nil
}

func (m *MemoryStore) CreateExecution(ctx context.Context, e *WorkflowExecution) error {
	m.executions[e.ID] = e
	return nil
}

func (m *MemoryStore) GetExecution(ctx context.Context, id string) (*WorkflowExecution, error) {
	return m.executions[id], nil
}

func (m *MemoryStore) UpdateExecution(ctx context.Context, e *WorkflowExecution) error {
	m.executions[e.ID] = e
	return nil
}

func (m *MemoryStore) ListRunningExecutions(ctx context.Context) ([]*WorkflowExecution, error) {
	var out []*WorkflowExecution
	for _, e := range m.executions {
		if e.Status == StatusRunning {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateTask(ctx context.Context, t *TaskExecution) error {
	m.tasks[t.ID] = t
	return nil
}

func (m *MemoryStore) GetTask(ctx context.Context, id string) (*TaskExecution, error) {
	return m.tasks[id], nil
}

func (m *MemoryStore) UpdateTask(ctx context.Context, t *TaskExecution) error {
	m.tasks[t.ID] = t
	return nil
}

func (m *MemoryStore) ListTasksByExecution(ctx context.Context, executionID string) ([]*TaskExecution, error) {
	var out []*TaskExecution
	for _, t := range m.tasks {
		if t.WorkflowExecutionID == executionID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListTasksByStatus(ctx context.Context, executionID string, status TaskStatus) ([]*TaskExecution, error) {
	var out []*TaskExecution
	for _, t := range m.tasks {
		if t.WorkflowExecutionID == executionID && t.Status == status {
			out = append(out, t)
		}
	}
	// Ready tasks are scheduled in creation-time order, not map iteration
	// order, so fan-out siblings dispatch in a stable, reproducible sequence.
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetTasksByIDs(ctx context.Context, ids []string) ([]*TaskExecution, error) {
	var out []*TaskExecution
	for _, id := range ids {
		if t, ok := m.tasks[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateApproval(ctx context.Context, a *ApprovalRequest) error {
	m.approvals[a.ID] = a
	return nil
}

func (m *MemoryStore) GetApproval(ctx context.Context, id string) (*ApprovalRequest, error) {
	return m.approvals[id], nil
}

func (m *MemoryStore) GetApprovalByTask(ctx context.Context, taskExecutionID string) (*ApprovalRequest, error) {
	for _, a := range m.approvals {
		if a.TaskExecutionID == taskExecutionID {
			return a, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) UpdateApproval(ctx context.Context, a *ApprovalRequest) error {
	m.approvals[a.ID] = a
	return nil
}

var _ Store = (*MemoryStore)(nil)
