package settlement

import "context"

// Store persists settlement rules and signals.
type Store interface {
	CreateRule(ctx context.Context, r *Rule) error
	GetRule(ctx context.Context, id string) (*Rule, error)
	GetRuleByName(ctx context.Context, name string) (*Rule, error)
	ListActiveRules(ctx context.Context, workflowDefinitionID *string) ([]*Rule, error)

	CreateSignal(ctx context.Context, s *Signal) error
	GetSignal(ctx context.Context, id string) (*Signal, error)
	UpdateSignal(ctx context.Context, s *Signal) error
	ListSignals(ctx context.Context, workflowExecutionID *string, status *Status, recipientID string) ([]*Signal, error)
}
