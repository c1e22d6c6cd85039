// Package workflow implements the DAG-based workflow engine: definitions,
// executions, task scheduling by dependency resolution, retry policy, and
// dispatch by task type.
package workflow

import "time"

// Status is a workflow execution's lifecycle state.
type Status string

const (
	StatusPending         Status = "pending"
	StatusRunning         Status = "running"
	StatusPaused          Status = "paused"
	StatusWaitingApproval Status = "waiting_approval"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// TaskStatus is a task execution's lifecycle state.
type TaskStatus string

const (
	TaskPending      TaskStatus = "pending"
	TaskQueued       TaskStatus = "queued"
	TaskRunning      TaskStatus = "running"
	TaskWaitingInput TaskStatus = "waiting_input"
	TaskCompleted    TaskStatus = "completed"
	TaskFailed       TaskStatus = "failed"
	TaskSkipped      TaskStatus = "skipped"
	TaskCancelled    TaskStatus = "cancelled"
)

// TaskType is the closed vocabulary of task kinds the scheduler dispatches.
type TaskType string

const (
	TaskTypeAgent         TaskType = "agent"
	TaskTypeHumanApproval TaskType = "human_approval"
	TaskTypeDecision      TaskType = "decision"
	TaskTypeParallel      TaskType = "parallel"
)

// TaskDef is one task node in a WorkflowDefinition's DAG.
type TaskDef struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Type   TaskType       `json:"type"`
	Config map[string]any `json:"config"`
}

// Edge is a dependency edge in a WorkflowDefinition's DAG: To depends on
// From having completed.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// WorkflowDefinition is a reusable, versioned DAG of tasks.
type WorkflowDefinition struct {
	ID          string
	Name        string
	Description string
	Version     string

	Tasks []TaskDef
	Edges []Edge

	InputSchema   map[string]any
	OutputSchema  map[string]any
	DefaultConfig map[string]any

	Policies []string
	Tags     []string

	IsActive bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// WorkflowExecution is one run of a WorkflowDefinition.
type WorkflowExecution struct {
	ID           string
	DefinitionID string
	Name         string

	Status Status

	InputData  map[string]any
	OutputData map[string]any
	Context    map[string]any

	TotalTasks     int
	CompletedTasks int

	ErrorMessage *string

	InitiatedBy     *string
	InitiatedByType string

	StartedAt   time.Time
	CompletedAt *time.Time
}

// TaskExecution is one task node's execution within a WorkflowExecution.
type TaskExecution struct {
	ID                  string
	WorkflowExecutionID string

	TaskName string
	TaskType TaskType

	Status TaskStatus

	InputData  map[string]any
	OutputData map[string]any

	DependsOn []string

	AgentID *string

	ErrorMessage *string
	RetryCount   int

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}
