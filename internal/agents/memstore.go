package agents

import "context"

// MemoryStore is an in-memory Store implementation for tests.
type MemoryStore struct {
	agents      map[string]*Agent
	reputations map[string]*Reputation
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:      map[string]*Agent{},
		reputations: map[string]*Reputation{},
	}
}

func (m *MemoryStore) CreateAgent(ctx context.Context, a *Agent) error {
	cp := *a
	m.agents[a.ID] = &cp
	return nil
}

func (m *MemoryStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	return m.agents[id], nil
}

func (m *MemoryStore) GetAgentByName(ctx context.Context, name string) (*Agent, error) {
	for _, a := range m.agents {
		if a.Name == name {
			return a, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListAgents(ctx context.Context, status *Status, agentType string) ([]*Agent, error) {
	var out []*Agent
	for _, a := range m.agents {
		if status != nil && a.Status != *status {
			continue
		}
		if agentType != "" && a.AgentType != agentType {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (m *MemoryStore) UpdateAgent(ctx context.Context, a *Agent) error {
	m.agents[a.ID] = a
	return nil
}

func (m *MemoryStore) GetReputation(ctx context.Context, agentID string) (*Reputation, error) {
	return m.reputations[agentID], nil
}

func (m *MemoryStore) PutReputation(ctx context.Context, r *Reputation) error {
	m.reputations[r.AgentID] = r
	return nil
}

var _ Store = (*MemoryStore)(nil)
