package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// PostgresStore implements Store against PostgreSQL using sqlx, the same
// idiom internal/agents and internal/workflow use for their own stores.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a store bound to db.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the policies table if it does not already exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS policies (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT,
			type TEXT NOT NULL,
			enforcement_level TEXT NOT NULL DEFAULT 'warn',
			rule_definition JSONB NOT NULL DEFAULT '{}',
			scoped_agent_ids TEXT[] NOT NULL DEFAULT '{}',
			scoped_workflow_ids TEXT[] NOT NULL DEFAULT '{}',
			is_active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_policies_active ON policies(is_active);
	`)
	if err != nil {
		return fmt.Errorf("ensure policy schema: %w", err)
	}
	return nil
}

type policyRow struct {
	ID                string         `db:"id"`
	Name              string         `db:"name"`
	Description       sql.NullString `db:"description"`
	Type              string         `db:"type"`
	EnforcementLevel  string         `db:"enforcement_level"`
	RuleDefinition    []byte         `db:"rule_definition"`
	ScopedAgentIDs    pq.StringArray `db:"scoped_agent_ids"`
	ScopedWorkflowIDs pq.StringArray `db:"scoped_workflow_ids"`
	IsActive          bool           `db:"is_active"`
	CreatedAt         sql.NullTime   `db:"created_at"`
	UpdatedAt         sql.NullTime   `db:"updated_at"`
}

func (r *policyRow) toPolicy() (*Policy, error) {
	var rule map[string]any
	if len(r.RuleDefinition) > 0 {
		if err := json.Unmarshal(r.RuleDefinition, &rule); err != nil {
			return nil, fmt.Errorf("unmarshal rule definition: %w", err)
		}
	}
	return &Policy{
		ID:                r.ID,
		Name:              r.Name,
		Description:       r.Description.String,
		Type:              Type(r.Type),
		EnforcementLevel:  EnforcementLevel(r.EnforcementLevel),
		RuleDefinition:    rule,
		ScopedAgentIDs:    []string(r.ScopedAgentIDs),
		ScopedWorkflowIDs: []string(r.ScopedWorkflowIDs),
		IsActive:          r.IsActive,
		CreatedAt:         r.CreatedAt.Time,
		UpdatedAt:         r.UpdatedAt.Time,
	}, nil
}

func (s *PostgresStore) CreatePolicy(ctx context.Context, p *Policy) error {
	rule, err := json.Marshal(p.RuleDefinition)
	if err != nil {
		return fmt.Errorf("marshal rule definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policies (id, name, description, type, enforcement_level, rule_definition,
			scoped_agent_ids, scoped_workflow_ids, is_active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, p.ID, p.Name, sql.NullString{String: p.Description, Valid: p.Description != ""},
		string(p.Type), string(p.EnforcementLevel), rule, pq.Array(p.ScopedAgentIDs),
		pq.Array(p.ScopedWorkflowIDs), p.IsActive, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert policy: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	var row policyRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM policies WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get policy: %w", err)
	}
	return row.toPolicy()
}

func (s *PostgresStore) GetPolicyByName(ctx context.Context, name string) (*Policy, error) {
	var row policyRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM policies WHERE name = $1`, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get policy by name: %w", err)
	}
	return row.toPolicy()
}

func (s *PostgresStore) ListActivePolicies(ctx context.Context) ([]*Policy, error) {
	var rows []policyRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM policies WHERE is_active = true ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list active policies: %w", err)
	}
	out := make([]*Policy, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toPolicy()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *PostgresStore) UpdatePolicy(ctx context.Context, p *Policy) error {
	rule, err := json.Marshal(p.RuleDefinition)
	if err != nil {
		return fmt.Errorf("marshal rule definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE policies SET description=$2, type=$3, enforcement_level=$4, rule_definition=$5,
			scoped_agent_ids=$6, scoped_workflow_ids=$7, is_active=$8, updated_at=$9
		WHERE id=$1
	`, p.ID, sql.NullString{String: p.Description, Valid: p.Description != ""}, string(p.Type),
		string(p.EnforcementLevel), rule, pq.Array(p.ScopedAgentIDs), pq.Array(p.ScopedWorkflowIDs),
		p.IsActive, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update policy: %w", err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
