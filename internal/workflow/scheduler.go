package workflow

import "context"

// TaskScheduler determines which pending tasks have every dependency
// satisfied and are therefore ready to execute.
type TaskScheduler struct {
	store Store
}

// NewTaskScheduler creates a TaskScheduler backed by store.
func NewTaskScheduler(store Store) *TaskScheduler {
	return &TaskScheduler{store: store}
}

// GetReadyTasks returns every pending task in executionID whose
// dependencies have all completed.
func (s *TaskScheduler) GetReadyTasks(ctx context.Context, executionID string) ([]*TaskExecution, error) {
	pending, err := s.store.ListTasksByStatus(ctx, executionID, TaskPending)
	if err != nil {
		return nil, err
	}

	var ready []*TaskExecution
	for _, task := range pending {
		ok, err := s.ResolveDependencies(ctx, task)
		if err != nil {
			return nil, err
		}
		if ok {
			ready = append(ready, task)
		}
	}
	return ready, nil
}

// ResolveDependencies reports whether every task in task.DependsOn has
// completed. A dependency referencing a task that no longer exists is
// treated as unsatisfied, never silently skipped.
func (s *TaskScheduler) ResolveDependencies(ctx context.Context, task *TaskExecution) (bool, error) {
	if len(task.DependsOn) == 0 {
		return true, nil
	}

	deps, err := s.store.GetTasksByIDs(ctx, task.DependsOn)
	if err != nil {
		return false, err
	}
	if len(deps) != len(task.DependsOn) {
		return false, nil
	}

	for _, dep := range deps {
		if dep.Status != TaskCompleted {
			return false, nil
		}
	}
	return true, nil
}
