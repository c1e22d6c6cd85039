// Package policy evaluates named, rule-scoped dispatch policies before an
// agent is handed a task: rate limiting, data access restriction, and
// compliance deference, each enforced to a configurable severity.
package policy

import "time"

// Type is the closed vocabulary of policy rule kinds.
type Type string

const (
	TypeApproval   Type = "approval"
	TypeRateLimit  Type = "rate_limit"
	TypeDataAccess Type = "data_access"
	TypeCompliance Type = "compliance"
)

// EnforcementLevel controls what a policy violation does to the dispatch
// it gates: strict rejects it, warn logs and allows it, log only records
// the evaluation.
type EnforcementLevel string

const (
	EnforcementStrict EnforcementLevel = "strict"
	EnforcementWarn   EnforcementLevel = "warn"
	EnforcementLog    EnforcementLevel = "log"
)

// Policy is a named, reusable dispatch rule scoped to a set of agents or
// workflow definitions.
type Policy struct {
	ID          string
	Name        string
	Description string

	Type             Type
	EnforcementLevel EnforcementLevel

	RuleDefinition map[string]any

	ScopedAgentIDs    []string
	ScopedWorkflowIDs []string

	IsActive bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// appliesTo reports whether the policy is scoped broadly (no agent list)
// or explicitly names agentID.
func (p *Policy) appliesTo(agentID string) bool {
	if len(p.ScopedAgentIDs) == 0 {
		return true
	}
	for _, id := range p.ScopedAgentIDs {
		if id == agentID {
			return true
		}
	}
	return false
}
