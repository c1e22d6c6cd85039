package workflow

import "context"

// Store persists workflow definitions, executions, task executions, and
// human approval requests.
type Store interface {
	CreateDefinition(ctx context.Context, d *WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (*WorkflowDefinition, error)

	CreateExecution(ctx context.Context, e *WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (*WorkflowExecution, error)
	UpdateExecution(ctx context.Context, e *WorkflowExecution) error
	ListRunningExecutions(ctx context.Context) ([]*WorkflowExecution, error)

	CreateTask(ctx context.Context, t *TaskExecution) error
	GetTask(ctx context.Context, id string) (*TaskExecution, error)
	UpdateTask(ctx context.Context, t *TaskExecution) error
	ListTasksByExecution(ctx context.Context, executionID string) ([]*TaskExecution, error)
	ListTasksByStatus(ctx context.Context, executionID string, status TaskStatus) ([]*TaskExecution, error)
	GetTasksByIDs(ctx context.Context, ids []string) ([]*TaskExecution, error)

	CreateApproval(ctx context.Context, a *ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*ApprovalRequest, error)
	GetApprovalByTask(ctx context.Context, taskExecutionID string) (*ApprovalRequest, error)
	UpdateApproval(ctx context.Context, a *ApprovalRequest) error
}
