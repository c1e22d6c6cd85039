package policy

import "context"

// Store persists policy definitions.
type Store interface {
	CreatePolicy(ctx context.Context, p *Policy) error
	GetPolicy(ctx context.Context, id string) (*Policy, error)
	GetPolicyByName(ctx context.Context, name string) (*Policy, error)
	ListActivePolicies(ctx context.Context) ([]*Policy, error)
	UpdatePolicy(ctx context.Context, p *Policy) error
}
