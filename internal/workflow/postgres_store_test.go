package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newSqlxMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

func TestPostgresStoreEnsureSchemaRunsStatement(t *testing.T) {
	db, mock := newSqlxMock(t)
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewPostgresStore(db)
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStoreCreateTask(t *testing.T) {
	db, mock := newSqlxMock(t)
	mock.ExpectExec("INSERT INTO task_executions").WillReturnResult(sqlmock.NewResult(1, 1))

	store := NewPostgresStore(db)
	task := &TaskExecution{
		ID:                  "task_1",
		WorkflowExecutionID: "exec_1",
		TaskName:            "notify",
		TaskType:            TaskTypeAgent,
		Status:              TaskPending,
		CreatedAt:           time.Now(),
	}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStoreGetExecutionNotFound(t *testing.T) {
	db, mock := newSqlxMock(t)
	mock.ExpectQuery("SELECT \\* FROM workflow_executions WHERE id = \\$1").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "definition_id", "name", "status", "input_data", "output_data", "context",
			"total_tasks", "completed_tasks", "error_message", "initiated_by", "initiated_by_type",
			"started_at", "completed_at",
		}))

	store := NewPostgresStore(db)
	exec, err := store.GetExecution(context.Background(), "missing")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec != nil {
		t.Fatalf("expected nil execution for unknown id, got %+v", exec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStoreListTasksByStatusOrdersByCreatedAt(t *testing.T) {
	db, mock := newSqlxMock(t)
	now := time.Now()
	mock.ExpectQuery("SELECT \\* FROM task_executions WHERE workflow_execution_id = \\$1 AND status = \\$2 ORDER BY created_at").
		WithArgs("exec_1", string(TaskPending)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "workflow_execution_id", "task_name", "task_type", "status", "input_data",
			"output_data", "depends_on", "agent_id", "error_message", "retry_count",
			"created_at", "started_at", "completed_at",
		}).AddRow("task_1", "exec_1", "first", "agent", "pending", nil, nil, "{}", nil, nil, 0, now, nil, nil).
			AddRow("task_2", "exec_1", "second", "agent", "pending", nil, nil, "{}", nil, nil, 0, now.Add(time.Second), nil, nil))

	store := NewPostgresStore(db)
	tasks, err := store.ListTasksByStatus(context.Background(), "exec_1", TaskPending)
	if err != nil {
		t.Fatalf("list tasks by status: %v", err)
	}
	if len(tasks) != 2 || tasks[0].TaskName != "first" || tasks[1].TaskName != "second" {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
