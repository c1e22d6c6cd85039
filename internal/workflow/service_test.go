package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/agent-trust-layer/internal/agents"
	"github.com/r3e-network/agent-trust-layer/internal/ledger"
)

// stubAdapter is a minimal agents.Adapter for exercising agent task
// dispatch without reaching any real platform.
type stubAdapter struct {
	platform string
	fail     bool
}

func (a *stubAdapter) Invoke(ctx context.Context, req agents.InvokeRequest) (*agents.InvokeResult, error) {
	if a.fail {
		return nil, errors.New("stub adapter failure")
	}
	return &agents.InvokeResult{Content: "ok", Metadata: map[string]any{}}, nil
}
func (a *stubAdapter) Validate(agent *agents.Agent) error { return nil }
func (a *stubAdapter) Metadata() agents.AdapterMetadata {
	return agents.AdapterMetadata{Platform: a.platform}
}
func (a *stubAdapter) HealthCheck(ctx context.Context) error { return nil }

type stubSettlement struct {
	calls int
	err   error
}

func (s *stubSettlement) EvaluateTriggers(ctx context.Context, workflowExecutionID string, workflowData map[string]any) (int, error) {
	s.calls++
	return 0, s.err
}

func newTestWorkflowService(t *testing.T, adapter agents.Adapter, settlement SettlementTrigger) (*Service, *agents.Service) {
	t.Helper()
	store := NewMemoryStore()
	events := ledger.NewEventService(ledger.NewMemoryStore(), nil)

	registry := agents.NewRegistry()
	registry.Register("claude", adapter)

	agentsSvc := agents.NewService(agents.NewMemoryStore(), events, registry, nil, 16)
	svc := NewService(store, agentsSvc, events, settlement, nil, 0, nil)
	return svc, agentsSvc
}

func TestStartWorkflowExecutesLinearChain(t *testing.T) {
	svc, agentsSvc := newTestWorkflowService(t, &stubAdapter{platform: "claude"}, nil)
	ctx := context.Background()

	reviewer, _, err := agentsSvc.RegisterAgent(ctx, agents.RegisterInput{
		Name: "reviewer", AgentType: "claude", Capabilities: []string{"code_review"},
	})
	require.NoError(t, err)
	_, err = agentsSvc.ActivateAgent(ctx, reviewer.ID)
	require.NoError(t, err)

	def, err := svc.CreateDefinition(ctx, CreateDefinitionInput{
		Name: "review-and-approve",
		Tasks: []TaskDef{
			{ID: "t1", Name: "review", Type: TaskTypeAgent, Config: map[string]any{"capability": "code_review", "agent_type": "claude", "prompt": "review this"}},
			{ID: "t2", Name: "decide", Type: TaskTypeDecision, Config: map[string]any{"conditions": map[string]any{}}},
		},
		Edges: []Edge{{From: "t1", To: "t2"}},
	})
	require.NoError(t, err)

	execution, err := svc.StartWorkflow(ctx, def.ID, map[string]any{}, "", nil, "user")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, execution.Status)
	assert.Equal(t, 2, execution.CompletedTasks)
}

func TestStartWorkflowFanOutFanIn(t *testing.T) {
	ledgerStore := ledger.NewMemoryStore()
	events := ledger.NewEventService(ledgerStore, nil)

	registry := agents.NewRegistry()
	registry.Register("claude", &stubAdapter{platform: "claude"})
	agentsSvc := agents.NewService(agents.NewMemoryStore(), events, registry, nil, 16)
	svc := NewService(NewMemoryStore(), agentsSvc, events, nil, nil, 0, nil)
	ctx := context.Background()

	decision := func(id, name string) TaskDef {
		return TaskDef{ID: id, Name: name, Type: TaskTypeDecision, Config: map[string]any{"conditions": map[string]any{}}}
	}
	def, err := svc.CreateDefinition(ctx, CreateDefinitionInput{
		Name:  "diamond",
		Tasks: []TaskDef{decision("a", "A"), decision("b", "B"), decision("c", "C"), decision("d", "D")},
		Edges: []Edge{{From: "a", To: "b"}, {From: "a", To: "c"}, {From: "b", To: "d"}, {From: "c", To: "d"}},
	})
	require.NoError(t, err)

	execution, err := svc.StartWorkflow(ctx, def.ID, map[string]any{}, "", nil, "user")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, execution.Status)
	assert.Equal(t, 4, execution.CompletedTasks)

	completed, err := events.GetEventsByWorkflow(ctx, execution.ID, []ledger.EventType{ledger.EventTaskCompleted}, 0, 0)
	require.NoError(t, err)
	require.Len(t, completed, 4, "each task completes exactly once")

	var order []string
	for _, ev := range completed {
		order = append(order, ev.Payload["task_name"].(string))
	}
	assert.Equal(t, "A", order[0], "the fan-out root completes first")
	assert.Equal(t, "D", order[3], "the fan-in task completes only after both branches")
	assert.ElementsMatch(t, []string{"B", "C"}, order[1:3])

	finished, err := events.GetEventsByWorkflow(ctx, execution.ID, []ledger.EventType{ledger.EventWorkflowCompleted}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, finished, 1, "workflow_completed is emitted exactly once")
}

func TestStartWorkflowRejectsInactiveDefinition(t *testing.T) {
	svc, _ := newTestWorkflowService(t, &stubAdapter{platform: "claude"}, nil)
	ctx := context.Background()

	def, err := svc.CreateDefinition(ctx, CreateDefinitionInput{Name: "disabled", Tasks: nil})
	require.NoError(t, err)

	store := svc.store.(*MemoryStore)
	stored, err := store.GetDefinition(ctx, def.ID)
	require.NoError(t, err)
	stored.IsActive = false
	require.NoError(t, store.CreateDefinition(ctx, stored))

	_, err = svc.StartWorkflow(ctx, def.ID, nil, "", nil, "user")
	assert.Error(t, err)
}

func TestAgentTaskFailureRetriesThenFailsWorkflow(t *testing.T) {
	svc, agentsSvc := newTestWorkflowService(t, &stubAdapter{platform: "claude", fail: true}, nil)
	ctx := context.Background()

	worker, _, err := agentsSvc.RegisterAgent(ctx, agents.RegisterInput{
		Name: "worker", AgentType: "claude", Capabilities: []string{"anything"},
	})
	require.NoError(t, err)
	_, err = agentsSvc.ActivateAgent(ctx, worker.ID)
	require.NoError(t, err)

	def, err := svc.CreateDefinition(ctx, CreateDefinitionInput{
		Name: "flaky",
		Tasks: []TaskDef{
			{ID: "t1", Name: "do-work", Type: TaskTypeAgent, Config: map[string]any{"capability": "anything", "agent_type": "claude"}},
		},
	})
	require.NoError(t, err)

	execution, err := svc.StartWorkflow(ctx, def.ID, nil, "", nil, "user")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, execution.Status, "still retrying, not yet failed")

	store := svc.store.(*MemoryStore)
	tasks, err := store.ListTasksByExecution(ctx, execution.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, TaskPending, tasks[0].Status)
	assert.Equal(t, 1, tasks[0].RetryCount)

	for i := 0; i < defaultMaxRetries; i++ {
		_, err = svc.ExecuteNextTasks(ctx, execution.ID)
		require.NoError(t, err)
	}

	finalExecution, err := store.GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, finalExecution.Status)

	finalTasks, err := store.ListTasksByExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, finalTasks[0].Status)
	assert.Equal(t, defaultMaxRetries, finalTasks[0].RetryCount)
}

func TestCompleteWorkflowTriggersSettlementBestEffort(t *testing.T) {
	settlement := &stubSettlement{err: errors.New("settlement backend down")}
	svc, _ := newTestWorkflowService(t, &stubAdapter{platform: "claude"}, settlement)
	ctx := context.Background()

	def, err := svc.CreateDefinition(ctx, CreateDefinitionInput{
		Name: "no-op",
		Tasks: []TaskDef{
			{ID: "t1", Name: "decide", Type: TaskTypeDecision, Config: map[string]any{"conditions": map[string]any{}}},
		},
	})
	require.NoError(t, err)

	execution, err := svc.StartWorkflow(ctx, def.ID, nil, "", nil, "user")
	require.NoError(t, err, "settlement errors must never fail the workflow")
	assert.Equal(t, StatusCompleted, execution.Status)
	assert.Equal(t, 1, settlement.calls)
}

func TestExecuteDecisionTaskMatchesContextConditions(t *testing.T) {
	svc, _ := newTestWorkflowService(t, &stubAdapter{platform: "claude"}, nil)
	ctx := context.Background()

	def, err := svc.CreateDefinition(ctx, CreateDefinitionInput{
		Name: "gate",
		Tasks: []TaskDef{
			{ID: "t1", Name: "gate", Type: TaskTypeDecision, Config: map[string]any{"conditions": map[string]any{"approved": true}}},
		},
	})
	require.NoError(t, err)

	execution, err := svc.StartWorkflow(ctx, def.ID, nil, "", nil, "user")
	require.NoError(t, err)

	store := svc.store.(*MemoryStore)
	tasks, err := store.ListTasksByExecution(ctx, execution.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.False(t, tasks[0].OutputData["decision"].(bool), "context never set 'approved', so the decision is false")
}
