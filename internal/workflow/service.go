package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/r3e-network/agent-trust-layer/internal/agents"
	"github.com/r3e-network/agent-trust-layer/internal/crypto"
	"github.com/r3e-network/agent-trust-layer/internal/dispatch"
	"github.com/r3e-network/agent-trust-layer/internal/ledger"
	"github.com/r3e-network/agent-trust-layer/pkg/logger"
	"github.com/r3e-network/agent-trust-layer/pkg/metrics"
)

// SettlementTrigger evaluates settlement rules once a workflow completes.
// workflow depends on this narrow interface instead of the settlement
// package directly so either side can be tested in isolation.
type SettlementTrigger interface {
	EvaluateTriggers(ctx context.Context, workflowExecutionID string, workflowData map[string]any) (int, error)
}

// PolicyChecker gates task dispatch against named policies before the
// scheduler hands a task to an agent. A nil PolicyChecker disables the
// check entirely.
type PolicyChecker interface {
	CheckDispatch(ctx context.Context, agentID string, policies []string) error
}

// defaultMaxRetries is used when NewService is given a non-positive
// maxRetries, matching AGENT_MAX_RETRIES's own configured default.
const defaultMaxRetries = 3

// Service orchestrates workflow definitions and executions: starting
// runs, advancing ready tasks, dispatching by task type, and propagating
// failure/completion through the DAG.
type Service struct {
	store      Store
	agentsSvc  *agents.Service
	events     *ledger.EventService
	settlement SettlementTrigger
	policy     PolicyChecker
	idempotent *dispatch.Guard
	maxRetries int
	log        *logger.Logger
}

// NewService creates a workflow Service. settlement and policy may be nil.
// maxRetries bounds task retry attempts (AGENT_MAX_RETRIES); a non-positive
// value falls back to defaultMaxRetries.
func NewService(store Store, agentsSvc *agents.Service, events *ledger.EventService, settlement SettlementTrigger, policy PolicyChecker, maxRetries int, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("workflow")
	}
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Service{store: store, agentsSvc: agentsSvc, events: events, settlement: settlement, policy: policy, maxRetries: maxRetries, log: log}
}

// WithIdempotency attaches a dispatch guard that deduplicates concurrent
// agent-task dispatch attempts across process instances. Optional: a
// Service with no guard attached dispatches unconditionally.
func (s *Service) WithIdempotency(guard *dispatch.Guard) *Service {
	s.idempotent = guard
	return s
}

// CreateDefinitionInput carries the fields needed to register a new
// WorkflowDefinition.
type CreateDefinitionInput struct {
	Name          string
	Description   string
	Version       string
	Tasks         []TaskDef
	Edges         []Edge
	InputSchema   map[string]any
	OutputSchema  map[string]any
	DefaultConfig map[string]any
	Policies      []string
	Tags          []string
}

// validateDAG rejects self-loops, edges referencing unknown tasks, and
// cycles, using a standard three-color DFS.
func validateDAG(tasks []TaskDef, edges []Edge) error {
	known := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		known[t.ID] = true
	}
	adj := map[string][]string{}
	for _, e := range edges {
		if e.From == e.To {
			return fmt.Errorf("task %s cannot depend on itself", e.From)
		}
		if !known[e.From] {
			return fmt.Errorf("edge references unknown task: %s", e.From)
		}
		if !known[e.To] {
			return fmt.Errorf("edge references unknown task: %s", e.To)
		}
		adj[e.From] = append(adj[e.From], e.To)
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var visit func(node string) error
	visit = func(node string) error {
		color[node] = gray
		for _, next := range adj[node] {
			switch color[next] {
			case gray:
				return fmt.Errorf("workflow definition contains a cycle at task %s", next)
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		color[node] = black
		return nil
	}
	for _, t := range tasks {
		if color[t.ID] == white {
			if err := visit(t.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// CreateDefinition registers a new, active WorkflowDefinition.
func (s *Service) CreateDefinition(ctx context.Context, in CreateDefinitionInput) (*WorkflowDefinition, error) {
	if err := validateDAG(in.Tasks, in.Edges); err != nil {
		return nil, fmt.Errorf("invalid workflow definition: %w", err)
	}

	id, err := crypto.GenerateID()
	if err != nil {
		return nil, err
	}
	version := in.Version
	if version == "" {
		version = "1.0.0"
	}
	now := time.Now().UTC().Truncate(time.Microsecond)

	def := &WorkflowDefinition{
		ID:            id,
		Name:          in.Name,
		Description:   in.Description,
		Version:       version,
		Tasks:         in.Tasks,
		Edges:         in.Edges,
		InputSchema:   in.InputSchema,
		OutputSchema:  in.OutputSchema,
		DefaultConfig: in.DefaultConfig,
		Policies:      in.Policies,
		Tags:          in.Tags,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateDefinition(ctx, def); err != nil {
		return nil, err
	}
	s.log.WithField("definition_id", def.ID).WithField("task_count", len(def.Tasks)).Info("workflow definition created")
	return def, nil
}

// GetDefinition returns a WorkflowDefinition by ID.
func (s *Service) GetDefinition(ctx context.Context, id string) (*WorkflowDefinition, error) {
	return s.store.GetDefinition(ctx, id)
}

// StartWorkflow creates a new WorkflowExecution from definitionID,
// materializes its task executions from the DAG, and advances whatever
// tasks have no dependencies.
func (s *Service) StartWorkflow(ctx context.Context, definitionID string, inputData map[string]any, name string, initiatedBy *string, initiatedByType string) (*WorkflowExecution, error) {
	def, err := s.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, fmt.Errorf("workflow definition %s not found", definitionID)
	}
	if !def.IsActive {
		return nil, fmt.Errorf("workflow definition %s is not active", definitionID)
	}

	if name == "" {
		name = def.Name
	}
	id, err := crypto.GenerateID()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC().Truncate(time.Microsecond)

	execution := &WorkflowExecution{
		ID:              id,
		DefinitionID:    definitionID,
		Name:            name,
		Status:          StatusRunning,
		InputData:       inputData,
		Context:         map[string]any{},
		TotalTasks:      len(def.Tasks),
		InitiatedBy:     initiatedBy,
		InitiatedByType: initiatedByType,
		StartedAt:       now,
	}
	if err := s.store.CreateExecution(ctx, execution); err != nil {
		return nil, err
	}

	if s.events != nil {
		if _, err := s.events.RecordEvent(ctx, ledger.RecordEventInput{
			EventType:  ledger.EventWorkflowStarted,
			WorkflowID: &execution.ID,
			Payload: map[string]any{
				"workflow_name": execution.Name,
				"definition_id": definitionID,
				"task_count":    len(def.Tasks),
			},
		}); err != nil {
			return nil, fmt.Errorf("record workflow started event: %w", err)
		}
	}

	if s.events != nil {
		if _, err := s.events.StartAuditTrail(ctx, execution.ID, execution.Name); err != nil {
			s.log.WithField("execution_id", execution.ID).WithField("error", err.Error()).Warn("start audit trail failed")
		}
	}

	if err := s.createTaskExecutions(ctx, execution, def); err != nil {
		return nil, err
	}

	if _, err := s.ExecuteNextTasks(ctx, execution.ID); err != nil {
		return nil, err
	}

	s.log.WithField("execution_id", execution.ID).WithField("definition_id", definitionID).Info("workflow started")
	return execution, nil
}

// createTaskExecutions materializes one TaskExecution per TaskDef,
// translating definition-scoped dependency IDs into execution-scoped
// task IDs once every task row exists.
func (s *Service) createTaskExecutions(ctx context.Context, execution *WorkflowExecution, def *WorkflowDefinition) error {
	dependencyMap := map[string][]string{}
	for _, edge := range def.Edges {
		if edge.To == "" {
			continue
		}
		if edge.From != "" {
			dependencyMap[edge.To] = append(dependencyMap[edge.To], edge.From)
		}
	}

	defIDToExecID := map[string]string{}
	var created []*TaskExecution

	// Each task's CreatedAt is stamped strictly increasing in definition
	// order so the scheduler's creation-time tie-break for simultaneously
	// ready tasks is deterministic even when the underlying store's clock
	// resolution is coarser than task count.
	base := time.Now().UTC().Truncate(time.Microsecond)
	for i, taskDef := range def.Tasks {
		taskID, err := crypto.GenerateID()
		if err != nil {
			return err
		}
		taskExec := &TaskExecution{
			ID:                  taskID,
			WorkflowExecutionID: execution.ID,
			TaskName:            taskDef.Name,
			TaskType:            taskDef.Type,
			Status:              TaskPending,
			InputData:           taskDef.Config,
			DependsOn:           dependencyMap[taskDef.ID],
			CreatedAt:           base.Add(time.Duration(i) * time.Microsecond),
		}
		if err := s.store.CreateTask(ctx, taskExec); err != nil {
			return err
		}
		defIDToExecID[taskDef.ID] = taskID
		created = append(created, taskExec)
	}

	for _, task := range created {
		if len(task.DependsOn) == 0 {
			continue
		}
		resolved := make([]string, 0, len(task.DependsOn))
		for _, defID := range task.DependsOn {
			if execID, ok := defIDToExecID[defID]; ok {
				resolved = append(resolved, execID)
			}
		}
		task.DependsOn = resolved
		if err := s.store.UpdateTask(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

// ExecuteNextTasks dispatches every ready task in executionID.
func (s *Service) ExecuteNextTasks(ctx context.Context, executionID string) ([]*TaskExecution, error) {
	scheduler := NewTaskScheduler(s.store)
	ready, err := scheduler.GetReadyTasks(ctx, executionID)
	if err != nil {
		return nil, err
	}

	var executed []*TaskExecution
	for _, task := range ready {
		if err := s.executeTask(ctx, task); err != nil {
			s.log.WithField("task_id", task.ID).WithField("error", err.Error()).Warn("task execution failed")
			if err := s.handleTaskFailure(ctx, task, err.Error()); err != nil {
				return executed, err
			}
			continue
		}
		executed = append(executed, task)
	}
	return executed, nil
}

func (s *Service) executeTask(ctx context.Context, task *TaskExecution) error {
	// Re-check live state before dispatching: completing one task of a
	// ready wave can recursively advance the DAG and complete a sibling
	// captured in the same wave, or fail the whole execution.
	current, err := s.store.GetTask(ctx, task.ID)
	if err != nil {
		return err
	}
	if current == nil || current.Status != TaskPending {
		return nil
	}
	execution, err := s.store.GetExecution(ctx, task.WorkflowExecutionID)
	if err != nil {
		return err
	}
	if execution == nil || execution.Status == StatusFailed || execution.Status == StatusCancelled || execution.Status == StatusCompleted {
		return nil
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	task.Status = TaskRunning
	task.StartedAt = &now
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return err
	}

	if s.events != nil {
		if _, err := s.events.RecordEvent(ctx, ledger.RecordEventInput{
			EventType:  ledger.EventTaskStarted,
			WorkflowID: &task.WorkflowExecutionID,
			TaskID:     &task.ID,
			Payload:    map[string]any{"task_name": task.TaskName, "task_type": string(task.TaskType)},
		}); err != nil {
			return fmt.Errorf("record task started event: %w", err)
		}
	}

	switch task.TaskType {
	case TaskTypeAgent:
		return s.executeAgentTask(ctx, task)
	case TaskTypeHumanApproval:
		return s.executeHumanApprovalTask(ctx, task)
	case TaskTypeDecision:
		return s.executeDecisionTask(ctx, task)
	case TaskTypeParallel:
		return s.executeParallelTask(ctx, task)
	default:
		return fmt.Errorf("unknown task type: %s", task.TaskType)
	}
}

func (s *Service) executeAgentTask(ctx context.Context, task *TaskExecution) error {
	capability, _ := task.InputData["capability"].(string)
	agentType, _ := task.InputData["agent_type"].(string)
	if agentType == "" {
		agentType = "claude"
	}

	agent, err := s.agentsSvc.FindAvailableAgent(ctx, capability, agentType, 0)
	if err != nil {
		return err
	}
	if agent == nil {
		return fmt.Errorf("no available agent found for capability: %s", capability)
	}

	execution, err := s.store.GetExecution(ctx, task.WorkflowExecutionID)
	if err != nil {
		return err
	}

	if s.policy != nil {
		var policies []string
		if def, err := s.store.GetDefinition(ctx, execution.DefinitionID); err == nil && def != nil {
			policies = def.Policies
		}
		if err := s.policy.CheckDispatch(ctx, agent.ID, policies); err != nil {
			return fmt.Errorf("policy rejected dispatch: %w", err)
		}
	}

	claimed, err := s.idempotent.TryClaim(ctx, task.ID)
	if err != nil {
		s.log.WithField("task_id", task.ID).WithField("error", err.Error()).Warn("idempotency claim check failed, dispatching anyway")
	} else if !claimed {
		s.log.WithField("task_id", task.ID).Info("task dispatch already claimed by another worker, skipping")
		return nil
	}

	task.AgentID = &agent.ID
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return err
	}

	prompt, _ := task.InputData["prompt"].(string)
	taskContext, _ := task.InputData["context"].(map[string]any)
	if taskContext == nil {
		taskContext = map[string]any{}
	}
	for k, v := range execution.Context {
		taskContext[k] = v
	}

	result, err := s.agentsSvc.Dispatch(ctx, agents.InvokeRequest{
		Agent:      agent,
		Prompt:     prompt,
		Context:    taskContext,
		WorkflowID: &task.WorkflowExecutionID,
		TaskID:     &task.ID,
	})
	if err != nil {
		_ = s.agentsSvc.UpdateAgentMetrics(ctx, agent.ID, false)
		_ = s.idempotent.Release(ctx, task.ID)
		return err
	}
	_ = s.agentsSvc.UpdateAgentMetrics(ctx, agent.ID, true)

	// The first agent to complete work on an execution becomes its primary
	// agent; settlement recipient resolution falls back to this when a rule
	// names neither a fixed recipient nor a selector.
	if _, ok := execution.Context["primary_agent_id"]; !ok {
		if execution.Context == nil {
			execution.Context = map[string]any{}
		}
		execution.Context["primary_agent_id"] = agent.ID
		if err := s.store.UpdateExecution(ctx, execution); err != nil {
			return err
		}
	}

	return s.CompleteTask(ctx, task.ID, map[string]any{"result": result.Content, "metadata": result.Metadata})
}

func (s *Service) executeHumanApprovalTask(ctx context.Context, task *TaskExecution) error {
	id, err := crypto.GenerateID()
	if err != nil {
		return err
	}
	description, _ := task.InputData["description"].(string)
	if description == "" {
		description = "Approval required"
	}
	approvalContext, _ := task.InputData["context"].(map[string]any)

	approval := &ApprovalRequest{
		ID:              id,
		TaskExecutionID: task.ID,
		RequestType:     "approve_action",
		Description:     description,
		ContextData:     approvalContext,
		Status:          ApprovalPending,
		CreatedAt:       time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := s.store.CreateApproval(ctx, approval); err != nil {
		return err
	}

	task.Status = TaskWaitingInput
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return err
	}

	execution, err := s.store.GetExecution(ctx, task.WorkflowExecutionID)
	if err != nil {
		return err
	}
	execution.Status = StatusWaitingApproval
	if err := s.store.UpdateExecution(ctx, execution); err != nil {
		return err
	}

	s.log.WithField("task_id", task.ID).WithField("approval_id", approval.ID).Info("human approval requested")
	return nil
}

// ResolveApproval records a human decision against a pending
// ApprovalRequest. Approving completes the gated task and resumes the
// DAG; rejecting fails the task without retry and fails the workflow,
// since a human_approval task has no automatic recovery path.
func (s *Service) ResolveApproval(ctx context.Context, approvalID string, approved bool, decidedBy, reason string) error {
	approval, err := s.store.GetApproval(ctx, approvalID)
	if err != nil {
		return err
	}
	if approval == nil {
		return fmt.Errorf("approval request %s not found", approvalID)
	}
	if approval.Status != ApprovalPending {
		return fmt.Errorf("approval request %s already decided: %s", approvalID, approval.Status)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	approval.DecidedBy = &decidedBy
	approval.DecidedAt = &now
	if reason != "" {
		approval.Reason = &reason
	}

	task, err := s.store.GetTask(ctx, approval.TaskExecutionID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task %s not found", approval.TaskExecutionID)
	}

	if !approved {
		approval.Status = ApprovalRejected
		if err := s.store.UpdateApproval(ctx, approval); err != nil {
			return err
		}

		task.Status = TaskFailed
		task.CompletedAt = &now
		rejectMsg := "human approval rejected"
		if reason != "" {
			rejectMsg = reason
		}
		task.ErrorMessage = &rejectMsg
		if err := s.store.UpdateTask(ctx, task); err != nil {
			return err
		}

		if s.events != nil {
			if _, err := s.events.RecordEvent(ctx, ledger.RecordEventInput{
				EventType:  ledger.EventHumanRejection,
				WorkflowID: &task.WorkflowExecutionID,
				TaskID:     &task.ID,
				ActorID:    &decidedBy,
				Payload:    map[string]any{"task_name": task.TaskName, "reason": reason},
			}); err != nil {
				return err
			}
			if _, err := s.events.RecordEvent(ctx, ledger.RecordEventInput{
				EventType:  ledger.EventTaskFailed,
				WorkflowID: &task.WorkflowExecutionID,
				TaskID:     &task.ID,
				Payload:    map[string]any{"task_name": task.TaskName, "error": rejectMsg},
			}); err != nil {
				return err
			}
		}

		execution, err := s.store.GetExecution(ctx, task.WorkflowExecutionID)
		if err != nil {
			return err
		}
		s.log.WithField("approval_id", approvalID).WithField("decided_by", decidedBy).Info("human approval rejected")
		return s.failWorkflow(ctx, execution, fmt.Sprintf("task %s rejected: %s", task.TaskName, rejectMsg))
	}

	approval.Status = ApprovalApproved
	if err := s.store.UpdateApproval(ctx, approval); err != nil {
		return err
	}

	if s.events != nil {
		if _, err := s.events.RecordEvent(ctx, ledger.RecordEventInput{
			EventType:  ledger.EventHumanApproval,
			WorkflowID: &task.WorkflowExecutionID,
			TaskID:     &task.ID,
			ActorID:    &decidedBy,
			Payload:    map[string]any{"task_name": task.TaskName},
		}); err != nil {
			return err
		}
	}

	s.log.WithField("approval_id", approvalID).WithField("decided_by", decidedBy).Info("human approval granted")
	return s.CompleteTask(ctx, task.ID, map[string]any{"approved": true, "decided_by": decidedBy})
}

// CancelTask cancels any task not yet completed, failed or cancelled by operator
// intervention and fails its workflow, since the scheduler has no
// mechanism to route around a cancelled dependency.
func (s *Service) CancelTask(ctx context.Context, taskID, reason string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task %s not found", taskID)
	}
	if task.Status == TaskCompleted || task.Status == TaskFailed || task.Status == TaskCancelled {
		return fmt.Errorf("task %s cannot be cancelled from state: %s", taskID, task.Status)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	task.Status = TaskCancelled
	task.CompletedAt = &now
	if reason != "" {
		task.ErrorMessage = &reason
	}
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return err
	}

	if s.events != nil {
		if _, err := s.events.RecordEvent(ctx, ledger.RecordEventInput{
			EventType:  ledger.EventTaskFailed,
			WorkflowID: &task.WorkflowExecutionID,
			TaskID:     &task.ID,
			Payload:    map[string]any{"task_name": task.TaskName, "reason": "cancelled"},
		}); err != nil {
			return err
		}
	}

	execution, err := s.store.GetExecution(ctx, task.WorkflowExecutionID)
	if err != nil {
		return err
	}
	s.log.WithField("task_id", taskID).WithField("reason", reason).Info("task cancelled")
	return s.failWorkflow(ctx, execution, fmt.Sprintf("task %s cancelled: %s", task.TaskName, reason))
}

func (s *Service) executeDecisionTask(ctx context.Context, task *TaskExecution) error {
	conditions, _ := task.InputData["conditions"].(map[string]any)
	execution, err := s.store.GetExecution(ctx, task.WorkflowExecutionID)
	if err != nil {
		return err
	}

	decision := true
	for key, expected := range conditions {
		if execution.Context[key] != expected {
			decision = false
			break
		}
	}

	return s.CompleteTask(ctx, task.ID, map[string]any{"decision": decision})
}

// executeParallelTask completes the parallel container task immediately;
// fanning out concrete sub-tasks is driven by the DAG's own edges, not by
// this node spawning work dynamically.
func (s *Service) executeParallelTask(ctx context.Context, task *TaskExecution) error {
	return s.CompleteTask(ctx, task.ID, map[string]any{"status": "parallel_execution_started"})
}

// CompleteTask marks a task completed, advances workflow progress, and
// either completes the workflow or dispatches the next ready tasks.
func (s *Service) CompleteTask(ctx context.Context, taskID string, outputData map[string]any) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task %s not found", taskID)
	}
	switch task.Status {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskSkipped:
		return fmt.Errorf("task %s is already terminal: %s", taskID, task.Status)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	task.Status = TaskCompleted
	task.CompletedAt = &now
	task.OutputData = outputData
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return err
	}

	if s.events != nil {
		keys := make([]string, 0, len(outputData))
		for k := range outputData {
			keys = append(keys, k)
		}
		if _, err := s.events.RecordEvent(ctx, ledger.RecordEventInput{
			EventType:  ledger.EventTaskCompleted,
			WorkflowID: &task.WorkflowExecutionID,
			TaskID:     &task.ID,
			Payload:    map[string]any{"task_name": task.TaskName, "output_keys": keys},
		}); err != nil {
			return fmt.Errorf("record task completed event: %w", err)
		}
	}

	execution, err := s.store.GetExecution(ctx, task.WorkflowExecutionID)
	if err != nil {
		return err
	}
	execution.CompletedTasks++
	if err := s.store.UpdateExecution(ctx, execution); err != nil {
		return err
	}

	metrics.RecordTaskExecution(string(task.TaskType), "completed")
	s.log.WithField("task_id", taskID).WithField("workflow_id", task.WorkflowExecutionID).Info("task completed")

	if execution.CompletedTasks >= execution.TotalTasks {
		return s.completeWorkflow(ctx, execution)
	}
	_, err = s.ExecuteNextTasks(ctx, execution.ID)
	return err
}

func (s *Service) handleTaskFailure(ctx context.Context, task *TaskExecution, errMessage string) error {
	task.ErrorMessage = &errMessage

	if task.RetryCount < s.maxRetries {
		task.RetryCount++
		task.Status = TaskPending
		if err := s.store.UpdateTask(ctx, task); err != nil {
			return err
		}
		if s.events != nil {
			if _, err := s.events.RecordEvent(ctx, ledger.RecordEventInput{
				EventType:  ledger.EventTaskRetried,
				WorkflowID: &task.WorkflowExecutionID,
				TaskID:     &task.ID,
				Payload:    map[string]any{"task_name": task.TaskName, "retry_count": task.RetryCount, "error": errMessage},
			}); err != nil {
				return err
			}
		}
		metrics.RecordTaskExecution(string(task.TaskType), "retried")
		s.log.WithField("task_id", task.ID).WithField("retry_count", task.RetryCount).Info("task retrying")
		return nil
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	task.Status = TaskFailed
	task.CompletedAt = &now
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return err
	}

	if s.events != nil {
		if _, err := s.events.RecordEvent(ctx, ledger.RecordEventInput{
			EventType:  ledger.EventTaskFailed,
			WorkflowID: &task.WorkflowExecutionID,
			TaskID:     &task.ID,
			Payload:    map[string]any{"task_name": task.TaskName, "error": errMessage, "retry_count": task.RetryCount},
		}); err != nil {
			return err
		}
	}

	metrics.RecordTaskExecution(string(task.TaskType), "failed")

	if task.AgentID != nil {
		_ = s.agentsSvc.UpdateAgentMetrics(ctx, *task.AgentID, false)
	}

	execution, err := s.store.GetExecution(ctx, task.WorkflowExecutionID)
	if err != nil {
		return err
	}
	return s.failWorkflow(ctx, execution, fmt.Sprintf("task %s failed: %s", task.TaskName, errMessage))
}

func (s *Service) completeWorkflow(ctx context.Context, execution *WorkflowExecution) error {
	now := time.Now().UTC().Truncate(time.Microsecond)
	execution.Status = StatusCompleted
	execution.CompletedAt = &now
	if err := s.store.UpdateExecution(ctx, execution); err != nil {
		return err
	}

	if s.events != nil {
		if _, err := s.events.RecordEvent(ctx, ledger.RecordEventInput{
			EventType:  ledger.EventWorkflowCompleted,
			WorkflowID: &execution.ID,
			Payload:    map[string]any{"workflow_name": execution.Name, "completed_tasks": execution.CompletedTasks},
		}); err != nil {
			return err
		}
	}

	if s.events != nil {
		if err := s.events.CompleteAuditTrail(ctx, execution.ID, false); err != nil {
			s.log.WithField("execution_id", execution.ID).WithField("error", err.Error()).Warn("complete audit trail failed")
		}
	}

	metrics.RecordWorkflowExecution(string(StatusCompleted))
	s.log.WithField("execution_id", execution.ID).Info("workflow completed")
	s.triggerSettlement(ctx, execution)
	return nil
}

// CancelWorkflow cancels a pending, running or waiting-approval execution by
// operator intervention. Tasks already completed are left as-is; the
// execution itself moves to a terminal cancelled state.
func (s *Service) CancelWorkflow(ctx context.Context, executionID, reason string) error {
	execution, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if execution == nil {
		return fmt.Errorf("workflow execution %s not found", executionID)
	}
	if execution.Status != StatusRunning && execution.Status != StatusWaitingApproval && execution.Status != StatusPending {
		return fmt.Errorf("execution %s cannot be cancelled from state: %s", executionID, execution.Status)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	execution.Status = StatusCancelled
	execution.CompletedAt = &now
	if reason != "" {
		execution.ErrorMessage = &reason
	}
	if err := s.store.UpdateExecution(ctx, execution); err != nil {
		return err
	}

	if s.events != nil {
		if _, err := s.events.RecordEvent(ctx, ledger.RecordEventInput{
			EventType:  ledger.EventWorkflowCancelled,
			WorkflowID: &execution.ID,
			Payload:    map[string]any{"workflow_name": execution.Name, "reason": reason},
		}); err != nil {
			return err
		}
	}

	s.log.WithField("execution_id", executionID).WithField("reason", reason).Info("workflow cancelled")
	return nil
}

func (s *Service) failWorkflow(ctx context.Context, execution *WorkflowExecution, errMessage string) error {
	now := time.Now().UTC().Truncate(time.Microsecond)
	execution.Status = StatusFailed
	execution.CompletedAt = &now
	execution.ErrorMessage = &errMessage
	if err := s.store.UpdateExecution(ctx, execution); err != nil {
		return err
	}

	if s.events != nil {
		if _, err := s.events.RecordEvent(ctx, ledger.RecordEventInput{
			EventType:  ledger.EventWorkflowFailed,
			WorkflowID: &execution.ID,
			Payload:    map[string]any{"workflow_name": execution.Name, "error": errMessage},
		}); err != nil {
			return err
		}
	}

	if s.events != nil {
		if err := s.events.CompleteAuditTrail(ctx, execution.ID, true); err != nil {
			s.log.WithField("execution_id", execution.ID).WithField("error", err.Error()).Warn("complete audit trail failed")
		}
	}

	metrics.RecordWorkflowExecution(string(StatusFailed))
	s.log.WithField("execution_id", execution.ID).WithField("error", errMessage).Warn("workflow failed")
	return nil
}

// triggerSettlement evaluates settlement rules after a successful
// workflow completion. A failure here never rolls back the already
// completed workflow: it is logged and swallowed.
func (s *Service) triggerSettlement(ctx context.Context, execution *WorkflowExecution) {
	if s.settlement == nil {
		return
	}

	workflowData := map[string]any{
		"definition_id":   execution.DefinitionID,
		"status":          string(execution.Status),
		"completed_tasks": execution.CompletedTasks,
	}
	for k, v := range execution.Context {
		workflowData[k] = v
	}
	for k, v := range execution.OutputData {
		workflowData[k] = v
	}

	count, err := s.settlement.EvaluateTriggers(ctx, execution.ID, workflowData)
	if err != nil {
		s.log.WithField("execution_id", execution.ID).WithField("error", err.Error()).Warn("settlement trigger failed")
		return
	}
	s.log.WithField("execution_id", execution.ID).WithField("signal_count", count).Info("settlement triggered")
}
