package settlement

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/agent-trust-layer/internal/ledger"
)

func newTestService(t *testing.T) (*Service, Store) {
	t.Helper()
	store := NewMemoryStore()
	events := ledger.NewEventService(ledger.NewMemoryStore(), nil)
	svc := NewService(store, events, nil)
	return svc, store
}

func TestEvaluateConditionsDotNotationAndOperators(t *testing.T) {
	data := map[string]any{
		"output": map[string]any{"score": 0.92},
		"status": "completed",
	}

	assert.True(t, EvaluateConditions(map[string]any{"status": "completed"}, data))
	assert.False(t, EvaluateConditions(map[string]any{"status": "failed"}, data))
	assert.True(t, EvaluateConditions(map[string]any{"output.score": map[string]any{"$gte": 0.9}}, data))
	assert.False(t, EvaluateConditions(map[string]any{"output.score": map[string]any{"$gt": 0.99}}, data))
	assert.False(t, EvaluateConditions(map[string]any{"missing.path": "x"}, data))
	assert.True(t, EvaluateConditions(nil, data))
}

func TestEvaluateConditionsInOperator(t *testing.T) {
	data := map[string]any{"tier": "gold"}
	assert.True(t, EvaluateConditions(map[string]any{"tier": map[string]any{"$in": []any{"silver", "gold"}}}, data))
	assert.False(t, EvaluateConditions(map[string]any{"tier": map[string]any{"$in": []any{"bronze"}}}, data))
}

func TestCreateRuleDefaultsCurrencyAndActive(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	fixed := decimal.NewFromInt(50)
	rule, err := svc.CreateRule(ctx, CreateRuleInput{
		Name:          "flat-payout",
		AmountType:    AmountFixed,
		FixedAmount:   &fixed,
		RecipientType: RecipientAgent,
	})
	require.NoError(t, err)
	assert.Equal(t, "USD", rule.Currency)
	assert.True(t, rule.IsActive)
}

func TestEvaluateTriggersFixedAmountNoApproval(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	fixed := decimal.NewFromInt(25)
	_, err := svc.CreateRule(ctx, CreateRuleInput{
		Name:              "reviewer-payout",
		TriggerConditions: map[string]any{"status": "completed"},
		AmountType:        AmountFixed,
		FixedAmount:       &fixed,
		RecipientType:     RecipientAgent,
	})
	require.NoError(t, err)

	count, err := svc.EvaluateTriggers(ctx, "wf-exec-1", map[string]any{
		"status":           "completed",
		"primary_agent_id": "agent-7",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	signals, err := svc.ListSignals(ctx, nil, nil, "")
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.True(t, signals[0].Amount.Equal(fixed))
	assert.Equal(t, "agent-7", signals[0].RecipientID)
	assert.Equal(t, StatusApproved, signals[0].Status)
}

func TestEvaluateTriggersSkipsNonMatchingConditions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	fixed := decimal.NewFromInt(10)
	_, err := svc.CreateRule(ctx, CreateRuleInput{
		Name:              "conditional-payout",
		TriggerConditions: map[string]any{"status": "completed"},
		AmountType:        AmountFixed,
		FixedAmount:       &fixed,
		RecipientType:     RecipientAgent,
	})
	require.NoError(t, err)

	count, err := svc.EvaluateTriggers(ctx, "wf-exec-2", map[string]any{"status": "failed"})
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestEvaluateTriggersRequiresApprovalAboveThreshold(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	fixed := decimal.NewFromInt(500)
	threshold := decimal.NewFromInt(100)
	_, err := svc.CreateRule(ctx, CreateRuleInput{
		Name:              "large-payout",
		AmountType:        AmountFixed,
		FixedAmount:       &fixed,
		RecipientType:     RecipientAgent,
		RequiresApproval:  true,
		ApprovalThreshold: &threshold,
	})
	require.NoError(t, err)

	_, err = svc.EvaluateTriggers(ctx, "wf-exec-3", map[string]any{})
	require.NoError(t, err)

	signals, err := svc.ListSignals(ctx, nil, nil, "")
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, StatusPending, signals[0].Status)
}

func TestEvaluateTriggersCalculatedAmountFormula(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	formula := "data.base_reward * data.multiplier"
	_, err := svc.CreateRule(ctx, CreateRuleInput{
		Name:          "calculated-payout",
		AmountType:    AmountCalculated,
		AmountFormula: &formula,
		RecipientType: RecipientAgent,
	})
	require.NoError(t, err)

	_, err = svc.EvaluateTriggers(ctx, "wf-exec-4", map[string]any{
		"base_reward": 10.0,
		"multiplier":  3.0,
	})
	require.NoError(t, err)

	signals, err := svc.ListSignals(ctx, nil, nil, "")
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.True(t, signals[0].Amount.Equal(decimal.NewFromInt(30)))
}

func TestApproveSignalRejectsNonPending(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	fixed := decimal.NewFromInt(5)
	_, err := svc.CreateRule(ctx, CreateRuleInput{
		Name: "auto-approved", AmountType: AmountFixed, FixedAmount: &fixed, RecipientType: RecipientAgent,
	})
	require.NoError(t, err)
	_, err = svc.EvaluateTriggers(ctx, "wf-exec-5", map[string]any{})
	require.NoError(t, err)

	signals, err := svc.ListSignals(ctx, nil, nil, "")
	require.NoError(t, err)
	require.Len(t, signals, 1)

	_, err = svc.ApproveSignal(ctx, signals[0].ID, "ops-user")
	assert.Error(t, err)
}

func TestSignalLifecycleApproveThenProcess(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	fixed := decimal.NewFromInt(200)
	threshold := decimal.NewFromInt(100)
	_, err := svc.CreateRule(ctx, CreateRuleInput{
		Name: "gated", AmountType: AmountFixed, FixedAmount: &fixed, RecipientType: RecipientAgent,
		RequiresApproval: true, ApprovalThreshold: &threshold,
	})
	require.NoError(t, err)
	_, err = svc.EvaluateTriggers(ctx, "wf-exec-6", map[string]any{})
	require.NoError(t, err)

	signals, err := svc.ListSignals(ctx, nil, nil, "")
	require.NoError(t, err)
	require.Len(t, signals, 1)
	signalID := signals[0].ID

	_, err = svc.ProcessSignal(ctx, signalID, "tx-1")
	assert.Error(t, err, "processing before approval must fail")

	approved, err := svc.ApproveSignal(ctx, signalID, "ops-user")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)

	processed, err := svc.ProcessSignal(ctx, signalID, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, processed.Status)
	assert.Equal(t, "tx-1", *processed.TransactionID)
}

func TestFailSignalRejectsTerminalStates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	fixed := decimal.NewFromInt(5)
	_, err := svc.CreateRule(ctx, CreateRuleInput{
		Name: "settled", AmountType: AmountFixed, FixedAmount: &fixed, RecipientType: RecipientAgent,
	})
	require.NoError(t, err)
	_, err = svc.EvaluateTriggers(ctx, "wf-exec-8", map[string]any{})
	require.NoError(t, err)

	signals, err := svc.ListSignals(ctx, nil, nil, "")
	require.NoError(t, err)
	require.Len(t, signals, 1)

	_, err = svc.ProcessSignal(ctx, signals[0].ID, "tx-9")
	require.NoError(t, err)

	_, err = svc.FailSignal(ctx, signals[0].ID, "too late")
	assert.Error(t, err, "a completed signal must not transition to failed")
}

func TestFailSignalIncrementsRetryCount(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	fixed := decimal.NewFromInt(5)
	_, err := svc.CreateRule(ctx, CreateRuleInput{
		Name: "flaky", AmountType: AmountFixed, FixedAmount: &fixed, RecipientType: RecipientAgent,
	})
	require.NoError(t, err)
	_, err = svc.EvaluateTriggers(ctx, "wf-exec-7", map[string]any{})
	require.NoError(t, err)

	signals, err := svc.ListSignals(ctx, nil, nil, "")
	require.NoError(t, err)
	require.Len(t, signals, 1)

	failed, err := svc.FailSignal(ctx, signals[0].ID, "payout backend unavailable")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, 1, failed.RetryCount)
}
