package settlement

import "context"

// MemoryStore is an in-memory Store implementation for tests.
type MemoryStore struct {
	rules   map[string]*Rule
	signals map[string]*Signal
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rules: map[string]*Rule{}, signals: map[string]*Signal{}}
}

func (m *MemoryStore) CreateRule(ctx context.Context, r *Rule) error {
	m.rules[r.ID] = r
	return nil
}

func (m *MemoryStore) GetRule(ctx context.Context, id string) (*Rule, error) {
	return m.rules[id], nil
}

func (m *MemoryStore) GetRuleByName(ctx context.Context, name string) (*Rule, error) {
	for _, r := range m.rules {
		if r.Name == name {
			return r, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListActiveRules(ctx context.Context, workflowDefinitionID *string) ([]*Rule, error) {
	var out []*Rule
	for _, r := range m.rules {
		if !r.IsActive {
			continue
		}
		if r.WorkflowDefinitionID != nil {
			if workflowDefinitionID == nil || *r.WorkflowDefinitionID != *workflowDefinitionID {
				continue
			}
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *MemoryStore) CreateSignal(ctx context.Context, s *Signal) error {
	m.signals[s.ID] = s
	return nil
}

func (m *MemoryStore) GetSignal(ctx context.Context, id string) (*Signal, error) {
	return m.signals[id], nil
}

func (m *MemoryStore) UpdateSignal(ctx context.Context, s *Signal) error {
	m.signals[s.ID] = s
	return nil
}

func (m *MemoryStore) ListSignals(ctx context.Context, workflowExecutionID *string, status *Status, recipientID string) ([]*Signal, error) {
	var out []*Signal
	for _, s := range m.signals {
		if workflowExecutionID != nil && s.WorkflowExecutionID != *workflowExecutionID {
			continue
		}
		if status != nil && s.Status != *status {
			continue
		}
		if recipientID != "" && s.RecipientID != recipientID {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
