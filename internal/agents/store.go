package agents

import "context"

// Store persists agents and their reputation rollups. PostgresStore backs
// production; MemoryStore backs tests.
type Store interface {
	CreateAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetAgentByName(ctx context.Context, name string) (*Agent, error)
	ListAgents(ctx context.Context, status *Status, agentType string) ([]*Agent, error)
	UpdateAgent(ctx context.Context, a *Agent) error

	GetReputation(ctx context.Context, agentID string) (*Reputation, error)
	PutReputation(ctx context.Context, r *Reputation) error
}
