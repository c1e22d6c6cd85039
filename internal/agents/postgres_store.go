package agents

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

func toNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// PostgresStore implements Store against PostgreSQL using sqlx for
// ergonomic row scanning, a different store-layer idiom than the raw
// database/sql used in internal/ledger, matching the mix of approaches
// present across this repository's own store packages.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a store bound to db.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the agents tables if they do not already exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT,
			agent_type TEXT NOT NULL DEFAULT 'claude',
			capabilities TEXT[] NOT NULL DEFAULT '{}',
			configuration JSONB NOT NULL DEFAULT '{}',
			model TEXT,
			system_prompt TEXT,
			endpoint TEXT,
			api_key_hash TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'registered',
			total_tasks BIGINT NOT NULL DEFAULT 0,
			successful_tasks BIGINT NOT NULL DEFAULT 0,
			failed_tasks BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);
		CREATE INDEX IF NOT EXISTS idx_agents_agent_type ON agents(agent_type);

		CREATE TABLE IF NOT EXISTS agent_reputations (
			agent_id TEXT PRIMARY KEY REFERENCES agents(id),
			success_rate DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			latency_p50_ms BIGINT NOT NULL DEFAULT 0,
			latency_p95_ms BIGINT NOT NULL DEFAULT 0,
			latency_p99_ms BIGINT NOT NULL DEFAULT 0,
			trust_score DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			sample_count INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`)
	if err != nil {
		return fmt.Errorf("ensure agents schema: %w", err)
	}
	return nil
}

type agentRow struct {
	ID            string         `db:"id"`
	Name          string         `db:"name"`
	Description   sql.NullString `db:"description"`
	AgentType     string         `db:"agent_type"`
	Capabilities  pq.StringArray `db:"capabilities"`
	Configuration []byte         `db:"configuration"`
	Model         sql.NullString `db:"model"`
	SystemPrompt  sql.NullString `db:"system_prompt"`
	Endpoint      sql.NullString `db:"endpoint"`
	APIKeyHash    string         `db:"api_key_hash"`
	Status        string         `db:"status"`
	TotalTasks    int64          `db:"total_tasks"`
	SuccessTasks  int64          `db:"successful_tasks"`
	FailedTasks   int64          `db:"failed_tasks"`
	CreatedAt     sql.NullTime   `db:"created_at"`
	UpdatedAt     sql.NullTime   `db:"updated_at"`
}

func (r *agentRow) toAgent() (*Agent, error) {
	var config map[string]any
	if len(r.Configuration) > 0 {
		if err := json.Unmarshal(r.Configuration, &config); err != nil {
			return nil, fmt.Errorf("unmarshal configuration: %w", err)
		}
	}
	a := &Agent{
		ID:              r.ID,
		Name:            r.Name,
		Description:     r.Description.String,
		AgentType:       r.AgentType,
		Capabilities:    []string(r.Capabilities),
		Configuration:   config,
		Model:           r.Model.String,
		APIKeyHash:      r.APIKeyHash,
		Status:          Status(r.Status),
		TotalTasks:      r.TotalTasks,
		SuccessfulTasks: r.SuccessTasks,
		FailedTasks:     r.FailedTasks,
		CreatedAt:       r.CreatedAt.Time,
		UpdatedAt:       r.UpdatedAt.Time,
	}
	if r.SystemPrompt.Valid {
		v := r.SystemPrompt.String
		a.SystemPrompt = &v
	}
	if r.Endpoint.Valid {
		v := r.Endpoint.String
		a.Endpoint = &v
	}
	return a, nil
}

func (s *PostgresStore) CreateAgent(ctx context.Context, a *Agent) error {
	config, err := json.Marshal(a.Configuration)
	if err != nil {
		return fmt.Errorf("marshal configuration: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, description, agent_type, capabilities, configuration,
			model, system_prompt, endpoint, api_key_hash, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, a.ID, a.Name, toNullString(a.Description), a.AgentType, pq.Array(a.Capabilities), config,
		toNullString(a.Model), nullableString(a.SystemPrompt), nullableString(a.Endpoint),
		a.APIKeyHash, string(a.Status), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var row agentRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM agents WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return row.toAgent()
}

func (s *PostgresStore) GetAgentByName(ctx context.Context, name string) (*Agent, error) {
	var row agentRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM agents WHERE name = $1`, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent by name: %w", err)
	}
	return row.toAgent()
}

func (s *PostgresStore) ListAgents(ctx context.Context, status *Status, agentType string) ([]*Agent, error) {
	query := `SELECT * FROM agents WHERE ($1 = '' OR status = $1) AND ($2 = '' OR agent_type = $2) ORDER BY name`
	statusVal := ""
	if status != nil {
		statusVal = string(*status)
	}
	var rows []agentRow
	if err := s.db.SelectContext(ctx, &rows, query, statusVal, agentType); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	out := make([]*Agent, 0, len(rows))
	for i := range rows {
		a, err := rows[i].toAgent()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *PostgresStore) UpdateAgent(ctx context.Context, a *Agent) error {
	config, err := json.Marshal(a.Configuration)
	if err != nil {
		return fmt.Errorf("marshal configuration: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE agents SET description=$2, capabilities=$3, configuration=$4, model=$5,
			system_prompt=$6, endpoint=$7, status=$8, total_tasks=$9, successful_tasks=$10,
			failed_tasks=$11, updated_at=$12
		WHERE id=$1
	`, a.ID, toNullString(a.Description), pq.Array(a.Capabilities), config, toNullString(a.Model),
		nullableString(a.SystemPrompt), nullableString(a.Endpoint), string(a.Status),
		a.TotalTasks, a.SuccessfulTasks, a.FailedTasks, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetReputation(ctx context.Context, agentID string) (*Reputation, error) {
	var row struct {
		AgentID     string       `db:"agent_id"`
		SuccessRate float64      `db:"success_rate"`
		P50         int64        `db:"latency_p50_ms"`
		P95         int64        `db:"latency_p95_ms"`
		P99         int64        `db:"latency_p99_ms"`
		TrustScore  float64      `db:"trust_score"`
		SampleCount int          `db:"sample_count"`
		UpdatedAt   sql.NullTime `db:"updated_at"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT * FROM agent_reputations WHERE agent_id = $1`, agentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get reputation: %w", err)
	}
	return &Reputation{
		AgentID:      row.AgentID,
		SuccessRate:  row.SuccessRate,
		LatencyP50Ms: row.P50,
		LatencyP95Ms: row.P95,
		LatencyP99Ms: row.P99,
		TrustScore:   row.TrustScore,
		SampleCount:  row.SampleCount,
		UpdatedAt:    row.UpdatedAt.Time,
	}, nil
}

func (s *PostgresStore) PutReputation(ctx context.Context, r *Reputation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_reputations (agent_id, success_rate, latency_p50_ms, latency_p95_ms,
			latency_p99_ms, trust_score, sample_count, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (agent_id) DO UPDATE SET
			success_rate=$2, latency_p50_ms=$3, latency_p95_ms=$4, latency_p99_ms=$5,
			trust_score=$6, sample_count=$7, updated_at=$8
	`, r.AgentID, r.SuccessRate, r.LatencyP50Ms, r.LatencyP95Ms, r.LatencyP99Ms,
		r.TrustScore, r.SampleCount, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put reputation: %w", err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
