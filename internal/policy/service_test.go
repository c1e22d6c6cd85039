package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(NewMemoryStore(), nil)
}

func TestCheckDispatchPassesWithNoPolicies(t *testing.T) {
	svc := newTestService(t)
	err := svc.CheckDispatch(context.Background(), "agent-1", nil)
	assert.NoError(t, err)
}

func TestCheckDispatchDataAccessDeniesOnlyListedAgents(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreatePolicy(ctx, CreatePolicyInput{
		Name:             "deny-foreign-agents",
		Type:             TypeDataAccess,
		EnforcementLevel: EnforcementStrict,
		RuleDefinition:   map[string]any{"denied_agent_ids": []any{"agent-9"}},
	})
	require.NoError(t, err)

	assert.NoError(t, svc.CheckDispatch(ctx, "agent-1", []string{"deny-foreign-agents"}))
	assert.Error(t, svc.CheckDispatch(ctx, "agent-9", []string{"deny-foreign-agents"}))
}

func TestCheckDispatchApprovalStrictRejectsWithoutAutoApprove(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreatePolicy(ctx, CreatePolicyInput{
		Name:             "requires-approval",
		Type:             TypeApproval,
		EnforcementLevel: EnforcementStrict,
	})
	require.NoError(t, err)

	err = svc.CheckDispatch(ctx, "agent-1", []string{"requires-approval"})
	assert.Error(t, err)
}

func TestCheckDispatchApprovalWarnNeverBlocks(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreatePolicy(ctx, CreatePolicyInput{
		Name:             "soft-approval",
		Type:             TypeApproval,
		EnforcementLevel: EnforcementWarn,
	})
	require.NoError(t, err)

	assert.NoError(t, svc.CheckDispatch(ctx, "agent-1", []string{"soft-approval"}))
}

func TestCheckDispatchRateLimitExceeded(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreatePolicy(ctx, CreatePolicyInput{
		Name:             "tight-rate",
		Type:             TypeRateLimit,
		EnforcementLevel: EnforcementStrict,
		RuleDefinition:   map[string]any{"requests_per_second": 0.0001, "burst": 1.0},
	})
	require.NoError(t, err)

	assert.NoError(t, svc.CheckDispatch(ctx, "agent-1", []string{"tight-rate"}))
	assert.Error(t, svc.CheckDispatch(ctx, "agent-1", []string{"tight-rate"}))
}

func TestCheckDispatchUnknownPolicyNameIsIgnored(t *testing.T) {
	svc := newTestService(t)
	assert.NoError(t, svc.CheckDispatch(context.Background(), "agent-1", []string{"does-not-exist"}))
}
