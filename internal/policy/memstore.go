package policy

import "context"

// MemoryStore is an in-memory Store implementation for tests.
type MemoryStore struct {
	policies map[string]*Policy
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{policies: map[string]*Policy{}}
}

func (m *MemoryStore) CreatePolicy(ctx context.Context, p *Policy) error {
	m.policies[p.ID] = p
	return nil
}

func (m *MemoryStore) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	return m.policies[id], nil
}

func (m *MemoryStore) GetPolicyByName(ctx context.Context, name string) (*Policy, error) {
	for _, p := range m.policies {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListActivePolicies(ctx context.Context) ([]*Policy, error) {
	var out []*Policy
	for _, p := range m.policies {
		if p.IsActive {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdatePolicy(ctx context.Context, p *Policy) error {
	m.policies[p.ID] = p
	return nil
}

var _ Store = (*MemoryStore)(nil)
