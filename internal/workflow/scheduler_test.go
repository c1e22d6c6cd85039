package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDependenciesNoDependsOnIsReady(t *testing.T) {
	store := NewMemoryStore()
	scheduler := NewTaskScheduler(store)
	ctx := context.Background()

	task := &TaskExecution{ID: "t1", WorkflowExecutionID: "w1", Status: TaskPending}
	ready, err := scheduler.ResolveDependencies(ctx, task)
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestResolveDependenciesWaitsForIncompleteDependency(t *testing.T) {
	store := NewMemoryStore()
	scheduler := NewTaskScheduler(store)
	ctx := context.Background()

	require.NoError(t, store.CreateTask(ctx, &TaskExecution{ID: "dep", WorkflowExecutionID: "w1", Status: TaskRunning}))

	task := &TaskExecution{ID: "t1", WorkflowExecutionID: "w1", Status: TaskPending, DependsOn: []string{"dep"}}
	ready, err := scheduler.ResolveDependencies(ctx, task)
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestResolveDependenciesMissingDependencyIsUnsatisfied(t *testing.T) {
	store := NewMemoryStore()
	scheduler := NewTaskScheduler(store)
	ctx := context.Background()

	task := &TaskExecution{ID: "t1", WorkflowExecutionID: "w1", Status: TaskPending, DependsOn: []string{"ghost"}}
	ready, err := scheduler.ResolveDependencies(ctx, task)
	require.NoError(t, err)
	assert.False(t, ready, "a dependency on a nonexistent task must never be treated as satisfied")
}

func TestGetReadyTasksOnlyReturnsUnblockedPendingTasks(t *testing.T) {
	store := NewMemoryStore()
	scheduler := NewTaskScheduler(store)
	ctx := context.Background()

	require.NoError(t, store.CreateTask(ctx, &TaskExecution{ID: "dep", WorkflowExecutionID: "w1", Status: TaskCompleted}))
	require.NoError(t, store.CreateTask(ctx, &TaskExecution{ID: "ready", WorkflowExecutionID: "w1", Status: TaskPending, DependsOn: []string{"dep"}}))
	require.NoError(t, store.CreateTask(ctx, &TaskExecution{ID: "blocked", WorkflowExecutionID: "w1", Status: TaskPending, DependsOn: []string{"ready"}}))

	ready, err := scheduler.GetReadyTasks(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "ready", ready[0].ID)
}

func TestCreateTaskExecutionsRewritesDependsOnToExecutionIDs(t *testing.T) {
	svc, _ := newTestWorkflowService(t, &stubAdapter{platform: "claude"}, nil)
	ctx := context.Background()

	def, err := svc.CreateDefinition(ctx, CreateDefinitionInput{
		Name: "chained",
		Tasks: []TaskDef{
			{ID: "def-a", Name: "a", Type: TaskTypeDecision, Config: map[string]any{"conditions": map[string]any{}}},
			{ID: "def-b", Name: "b", Type: TaskTypeDecision, Config: map[string]any{"conditions": map[string]any{}}},
		},
		Edges: []Edge{{From: "def-a", To: "def-b"}},
	})
	require.NoError(t, err)

	execution, err := svc.StartWorkflow(ctx, def.ID, nil, "", nil, "user")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, execution.Status)

	store := svc.store.(*MemoryStore)
	tasks, err := store.ListTasksByExecution(ctx, execution.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	var taskB *TaskExecution
	for _, tk := range tasks {
		if tk.TaskName == "b" {
			taskB = tk
		}
	}
	require.NotNil(t, taskB)
	require.Len(t, taskB.DependsOn, 1)
	assert.NotEqual(t, "def-a", taskB.DependsOn[0], "dependency must be rewritten to an execution-scoped task ID")
}
