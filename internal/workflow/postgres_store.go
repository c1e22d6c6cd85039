package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// PostgresStore implements Store against PostgreSQL using sqlx, the same
// ergonomic-scan idiom internal/agents' store uses, so the
// sqlx-backed stores in this repository share one convention distinct
// from internal/ledger's raw database/sql.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a store bound to db.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the workflow tables if they do not already exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS workflow_definitions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			version TEXT NOT NULL DEFAULT '1.0.0',
			tasks JSONB NOT NULL DEFAULT '[]',
			edges JSONB NOT NULL DEFAULT '[]',
			input_schema JSONB,
			output_schema JSONB,
			default_config JSONB,
			policies TEXT[] NOT NULL DEFAULT '{}',
			tags TEXT[] NOT NULL DEFAULT '{}',
			is_active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS workflow_executions (
			id TEXT PRIMARY KEY,
			definition_id TEXT NOT NULL REFERENCES workflow_definitions(id),
			name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			input_data JSONB,
			output_data JSONB,
			context JSONB,
			total_tasks INTEGER NOT NULL DEFAULT 0,
			completed_tasks INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			initiated_by TEXT,
			initiated_by_type TEXT,
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_workflow_executions_status ON workflow_executions(status);

		CREATE TABLE IF NOT EXISTS task_executions (
			id TEXT PRIMARY KEY,
			workflow_execution_id TEXT NOT NULL REFERENCES workflow_executions(id),
			task_name TEXT NOT NULL,
			task_type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			input_data JSONB,
			output_data JSONB,
			depends_on TEXT[] NOT NULL DEFAULT '{}',
			agent_id TEXT,
			error_message TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_task_executions_workflow_status
			ON task_executions(workflow_execution_id, status);

		CREATE TABLE IF NOT EXISTS approval_requests (
			id TEXT PRIMARY KEY,
			task_execution_id TEXT NOT NULL REFERENCES task_executions(id),
			request_type TEXT NOT NULL DEFAULT 'approve_action',
			description TEXT,
			context_data JSONB,
			status TEXT NOT NULL DEFAULT 'pending',
			decided_by TEXT,
			reason TEXT,
			expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			decided_at TIMESTAMPTZ
		);
	`)
	if err != nil {
		return fmt.Errorf("ensure workflow schema: %w", err)
	}
	return nil
}

func toNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func marshalAny(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func unmarshalMap(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- definitions ---

type definitionRow struct {
	ID            string         `db:"id"`
	Name          string         `db:"name"`
	Description   sql.NullString `db:"description"`
	Version       string         `db:"version"`
	Tasks         []byte         `db:"tasks"`
	Edges         []byte         `db:"edges"`
	InputSchema   []byte         `db:"input_schema"`
	OutputSchema  []byte         `db:"output_schema"`
	DefaultConfig []byte         `db:"default_config"`
	Policies      pq.StringArray `db:"policies"`
	Tags          pq.StringArray `db:"tags"`
	IsActive      bool           `db:"is_active"`
	CreatedAt     sql.NullTime   `db:"created_at"`
	UpdatedAt     sql.NullTime   `db:"updated_at"`
}

func (r *definitionRow) toDefinition() (*WorkflowDefinition, error) {
	var tasks []TaskDef
	if len(r.Tasks) > 0 {
		if err := json.Unmarshal(r.Tasks, &tasks); err != nil {
			return nil, fmt.Errorf("unmarshal tasks: %w", err)
		}
	}
	var edges []Edge
	if len(r.Edges) > 0 {
		if err := json.Unmarshal(r.Edges, &edges); err != nil {
			return nil, fmt.Errorf("unmarshal edges: %w", err)
		}
	}
	inputSchema, err := unmarshalMap(r.InputSchema)
	if err != nil {
		return nil, err
	}
	outputSchema, err := unmarshalMap(r.OutputSchema)
	if err != nil {
		return nil, err
	}
	defaultConfig, err := unmarshalMap(r.DefaultConfig)
	if err != nil {
		return nil, err
	}
	return &WorkflowDefinition{
		ID:            r.ID,
		Name:          r.Name,
		Description:   r.Description.String,
		Version:       r.Version,
		Tasks:         tasks,
		Edges:         edges,
		InputSchema:   inputSchema,
		OutputSchema:  outputSchema,
		DefaultConfig: defaultConfig,
		Policies:      []string(r.Policies),
		Tags:          []string(r.Tags),
		IsActive:      r.IsActive,
		CreatedAt:     r.CreatedAt.Time,
		UpdatedAt:     r.UpdatedAt.Time,
	}, nil
}

func (s *PostgresStore) CreateDefinition(ctx context.Context, d *WorkflowDefinition) error {
	tasks, err := marshalAny(d.Tasks)
	if err != nil {
		return fmt.Errorf("marshal tasks: %w", err)
	}
	edges, err := marshalAny(d.Edges)
	if err != nil {
		return fmt.Errorf("marshal edges: %w", err)
	}
	inputSchema, err := marshalAny(d.InputSchema)
	if err != nil {
		return fmt.Errorf("marshal input schema: %w", err)
	}
	outputSchema, err := marshalAny(d.OutputSchema)
	if err != nil {
		return fmt.Errorf("marshal output schema: %w", err)
	}
	defaultConfig, err := marshalAny(d.DefaultConfig)
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_definitions (id, name, description, version, tasks, edges,
			input_schema, output_schema, default_config, policies, tags, is_active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, d.ID, d.Name, toNullString(d.Description), d.Version, tasks, edges,
		inputSchema, outputSchema, defaultConfig, pq.Array(d.Policies), pq.Array(d.Tags),
		d.IsActive, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert workflow definition: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDefinition(ctx context.Context, id string) (*WorkflowDefinition, error) {
	var row definitionRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM workflow_definitions WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get workflow definition: %w", err)
	}
	return row.toDefinition()
}

// --- executions ---

type executionRow struct {
	ID              string         `db:"id"`
	DefinitionID    string         `db:"definition_id"`
	Name            string         `db:"name"`
	Status          string         `db:"status"`
	InputData       []byte         `db:"input_data"`
	OutputData      []byte         `db:"output_data"`
	Context         []byte         `db:"context"`
	TotalTasks      int            `db:"total_tasks"`
	CompletedTasks  int            `db:"completed_tasks"`
	ErrorMessage    sql.NullString `db:"error_message"`
	InitiatedBy     sql.NullString `db:"initiated_by"`
	InitiatedByType string         `db:"initiated_by_type"`
	StartedAt       sql.NullTime   `db:"started_at"`
	CompletedAt     sql.NullTime   `db:"completed_at"`
}

func (r *executionRow) toExecution() (*WorkflowExecution, error) {
	inputData, err := unmarshalMap(r.InputData)
	if err != nil {
		return nil, err
	}
	outputData, err := unmarshalMap(r.OutputData)
	if err != nil {
		return nil, err
	}
	context, err := unmarshalMap(r.Context)
	if err != nil {
		return nil, err
	}
	e := &WorkflowExecution{
		ID:              r.ID,
		DefinitionID:    r.DefinitionID,
		Name:            r.Name,
		Status:          Status(r.Status),
		InputData:       inputData,
		OutputData:      outputData,
		Context:         context,
		TotalTasks:      r.TotalTasks,
		CompletedTasks:  r.CompletedTasks,
		InitiatedByType: r.InitiatedByType,
		StartedAt:       r.StartedAt.Time,
	}
	if r.ErrorMessage.Valid {
		v := r.ErrorMessage.String
		e.ErrorMessage = &v
	}
	if r.InitiatedBy.Valid {
		v := r.InitiatedBy.String
		e.InitiatedBy = &v
	}
	if r.CompletedAt.Valid {
		v := r.CompletedAt.Time
		e.CompletedAt = &v
	}
	return e, nil
}

func (s *PostgresStore) CreateExecution(ctx context.Context, e *WorkflowExecution) error {
	inputData, err := marshalAny(e.InputData)
	if err != nil {
		return fmt.Errorf("marshal input data: %w", err)
	}
	outputData, err := marshalAny(e.OutputData)
	if err != nil {
		return fmt.Errorf("marshal output data: %w", err)
	}
	execContext, err := marshalAny(e.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_executions (id, definition_id, name, status, input_data, output_data,
			context, total_tasks, completed_tasks, error_message, initiated_by, initiated_by_type,
			started_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, e.ID, e.DefinitionID, e.Name, string(e.Status), inputData, outputData, execContext,
		e.TotalTasks, e.CompletedTasks, nullableString(e.ErrorMessage), nullableString(e.InitiatedBy),
		e.InitiatedByType, e.StartedAt, nullableTime(e.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert workflow execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*WorkflowExecution, error) {
	var row executionRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM workflow_executions WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get workflow execution: %w", err)
	}
	return row.toExecution()
}

func (s *PostgresStore) UpdateExecution(ctx context.Context, e *WorkflowExecution) error {
	outputData, err := marshalAny(e.OutputData)
	if err != nil {
		return fmt.Errorf("marshal output data: %w", err)
	}
	execContext, err := marshalAny(e.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE workflow_executions SET status=$2, output_data=$3, context=$4, completed_tasks=$5,
			error_message=$6, completed_at=$7
		WHERE id=$1
	`, e.ID, string(e.Status), outputData, execContext, e.CompletedTasks,
		nullableString(e.ErrorMessage), nullableTime(e.CompletedAt))
	if err != nil {
		return fmt.Errorf("update workflow execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRunningExecutions(ctx context.Context) ([]*WorkflowExecution, error) {
	var rows []executionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM workflow_executions WHERE status = $1 ORDER BY started_at`, string(StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("list running executions: %w", err)
	}
	out := make([]*WorkflowExecution, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toExecution()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// --- tasks ---

type taskRow struct {
	ID                  string         `db:"id"`
	WorkflowExecutionID string         `db:"workflow_execution_id"`
	TaskName            string         `db:"task_name"`
	TaskType            string         `db:"task_type"`
	Status              string         `db:"status"`
	InputData           []byte         `db:"input_data"`
	OutputData          []byte         `db:"output_data"`
	DependsOn           pq.StringArray `db:"depends_on"`
	AgentID             sql.NullString `db:"agent_id"`
	ErrorMessage        sql.NullString `db:"error_message"`
	RetryCount          int            `db:"retry_count"`
	CreatedAt           sql.NullTime   `db:"created_at"`
	StartedAt           sql.NullTime   `db:"started_at"`
	CompletedAt         sql.NullTime   `db:"completed_at"`
}

func (r *taskRow) toTask() (*TaskExecution, error) {
	inputData, err := unmarshalMap(r.InputData)
	if err != nil {
		return nil, err
	}
	outputData, err := unmarshalMap(r.OutputData)
	if err != nil {
		return nil, err
	}
	t := &TaskExecution{
		ID:                  r.ID,
		WorkflowExecutionID: r.WorkflowExecutionID,
		TaskName:            r.TaskName,
		TaskType:            TaskType(r.TaskType),
		Status:              TaskStatus(r.Status),
		InputData:           inputData,
		OutputData:          outputData,
		DependsOn:           []string(r.DependsOn),
		RetryCount:          r.RetryCount,
		CreatedAt:           r.CreatedAt.Time,
	}
	if r.AgentID.Valid {
		v := r.AgentID.String
		t.AgentID = &v
	}
	if r.ErrorMessage.Valid {
		v := r.ErrorMessage.String
		t.ErrorMessage = &v
	}
	if r.StartedAt.Valid {
		v := r.StartedAt.Time
		t.StartedAt = &v
	}
	if r.CompletedAt.Valid {
		v := r.CompletedAt.Time
		t.CompletedAt = &v
	}
	return t, nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, t *TaskExecution) error {
	inputData, err := marshalAny(t.InputData)
	if err != nil {
		return fmt.Errorf("marshal input data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_executions (id, workflow_execution_id, task_name, task_type, status,
			input_data, depends_on, retry_count, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, t.ID, t.WorkflowExecutionID, t.TaskName, string(t.TaskType), string(t.Status),
		inputData, pq.Array(t.DependsOn), t.RetryCount, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert task execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*TaskExecution, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM task_executions WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task execution: %w", err)
	}
	return row.toTask()
}

func (s *PostgresStore) UpdateTask(ctx context.Context, t *TaskExecution) error {
	outputData, err := marshalAny(t.OutputData)
	if err != nil {
		return fmt.Errorf("marshal output data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE task_executions SET status=$2, output_data=$3, depends_on=$4, agent_id=$5,
			error_message=$6, retry_count=$7, started_at=$8, completed_at=$9
		WHERE id=$1
	`, t.ID, string(t.Status), outputData, pq.Array(t.DependsOn), nullableString(t.AgentID),
		nullableString(t.ErrorMessage), t.RetryCount, nullableTime(t.StartedAt), nullableTime(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("update task execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTasksByExecution(ctx context.Context, executionID string) ([]*TaskExecution, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM task_executions WHERE workflow_execution_id = $1 ORDER BY created_at`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list tasks by execution: %w", err)
	}
	return toTasks(rows)
}

func (s *PostgresStore) ListTasksByStatus(ctx context.Context, executionID string, status TaskStatus) ([]*TaskExecution, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM task_executions WHERE workflow_execution_id = $1 AND status = $2 ORDER BY created_at`,
		executionID, string(status))
	if err != nil {
		return nil, fmt.Errorf("list tasks by status: %w", err)
	}
	return toTasks(rows)
}

func (s *PostgresStore) GetTasksByIDs(ctx context.Context, ids []string) ([]*TaskExecution, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM task_executions WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("get tasks by ids: %w", err)
	}
	return toTasks(rows)
}

func toTasks(rows []taskRow) ([]*TaskExecution, error) {
	out := make([]*TaskExecution, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toTask()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// --- approvals ---

type approvalRow struct {
	ID              string         `db:"id"`
	TaskExecutionID string         `db:"task_execution_id"`
	RequestType     string         `db:"request_type"`
	Description     sql.NullString `db:"description"`
	ContextData     []byte         `db:"context_data"`
	Status          string         `db:"status"`
	DecidedBy       sql.NullString `db:"decided_by"`
	Reason          sql.NullString `db:"reason"`
	ExpiresAt       sql.NullTime   `db:"expires_at"`
	CreatedAt       sql.NullTime   `db:"created_at"`
	DecidedAt       sql.NullTime   `db:"decided_at"`
}

func (r *approvalRow) toApproval() (*ApprovalRequest, error) {
	contextData, err := unmarshalMap(r.ContextData)
	if err != nil {
		return nil, err
	}
	a := &ApprovalRequest{
		ID:              r.ID,
		TaskExecutionID: r.TaskExecutionID,
		RequestType:     r.RequestType,
		Description:     r.Description.String,
		ContextData:     contextData,
		Status:          ApprovalStatus(r.Status),
		CreatedAt:       r.CreatedAt.Time,
	}
	if r.DecidedBy.Valid {
		v := r.DecidedBy.String
		a.DecidedBy = &v
	}
	if r.Reason.Valid {
		v := r.Reason.String
		a.Reason = &v
	}
	if r.ExpiresAt.Valid {
		v := r.ExpiresAt.Time
		a.ExpiresAt = &v
	}
	if r.DecidedAt.Valid {
		v := r.DecidedAt.Time
		a.DecidedAt = &v
	}
	return a, nil
}

func (s *PostgresStore) CreateApproval(ctx context.Context, a *ApprovalRequest) error {
	contextData, err := marshalAny(a.ContextData)
	if err != nil {
		return fmt.Errorf("marshal context data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approval_requests (id, task_execution_id, request_type, description, context_data,
			status, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, a.ID, a.TaskExecutionID, a.RequestType, toNullString(a.Description), contextData,
		string(a.Status), nullableTime(a.ExpiresAt), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert approval request: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetApproval(ctx context.Context, id string) (*ApprovalRequest, error) {
	var row approvalRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM approval_requests WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get approval request: %w", err)
	}
	return row.toApproval()
}

func (s *PostgresStore) GetApprovalByTask(ctx context.Context, taskExecutionID string) (*ApprovalRequest, error) {
	var row approvalRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM approval_requests WHERE task_execution_id = $1 ORDER BY created_at DESC LIMIT 1`, taskExecutionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get approval request by task: %w", err)
	}
	return row.toApproval()
}

func (s *PostgresStore) UpdateApproval(ctx context.Context, a *ApprovalRequest) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests SET status=$2, decided_by=$3, reason=$4, decided_at=$5
		WHERE id=$1
	`, a.ID, string(a.Status), nullableString(a.DecidedBy), nullableString(a.Reason), nullableTime(a.DecidedAt))
	if err != nil {
		return fmt.Errorf("update approval request: %w", err)
	}
	return nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

var _ Store = (*PostgresStore)(nil)
