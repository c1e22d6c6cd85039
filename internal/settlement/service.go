package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/r3e-network/agent-trust-layer/internal/crypto"
	"github.com/r3e-network/agent-trust-layer/internal/ledger"
	"github.com/r3e-network/agent-trust-layer/pkg/logger"
	"github.com/r3e-network/agent-trust-layer/pkg/metrics"
)

// Service manages settlement rules and the signals they generate.
type Service struct {
	store  Store
	events *ledger.EventService
	log    *logger.Logger
}

// NewService creates a settlement Service backed by store.
func NewService(store Store, events *ledger.EventService, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("settlement")
	}
	return &Service{store: store, events: events, log: log}
}

// CreateRuleInput carries the fields needed to register a new Rule.
type CreateRuleInput struct {
	Name                 string
	Description          string
	WorkflowDefinitionID *string
	TriggerConditions    map[string]any
	AmountType           AmountType
	FixedAmount          *decimal.Decimal
	AmountFormula        *string
	Currency             string
	RecipientType        RecipientType
	FixedRecipientID     *string
	RecipientSelector    *string
	RequiresApproval     bool
	ApprovalThreshold    *decimal.Decimal
	Metadata             map[string]any
}

// validateAmountConfig enforces the amount_type invariant: fixed rules
// require a fixed amount, calculated rules require a formula, and variable
// rules supply neither (the amount comes from the workflow at evaluation
// time instead).
func validateAmountConfig(in CreateRuleInput) error {
	switch in.AmountType {
	case AmountFixed:
		if in.FixedAmount == nil {
			return fmt.Errorf("amount_type fixed requires fixed_amount")
		}
	case AmountCalculated:
		if in.AmountFormula == nil || *in.AmountFormula == "" {
			return fmt.Errorf("amount_type calculated requires amount_formula")
		}
	case AmountVariable:
		// amount is supplied by the workflow at evaluation time.
	default:
		return fmt.Errorf("unknown amount_type: %s", in.AmountType)
	}
	return nil
}

// CreateRule registers a new, active settlement Rule.
func (s *Service) CreateRule(ctx context.Context, in CreateRuleInput) (*Rule, error) {
	if err := validateAmountConfig(in); err != nil {
		return nil, fmt.Errorf("invalid settlement rule: %w", err)
	}

	id, err := crypto.GenerateID()
	if err != nil {
		return nil, err
	}
	currency := in.Currency
	if currency == "" {
		currency = "USD"
	}
	now := time.Now().UTC().Truncate(time.Microsecond)

	rule := &Rule{
		ID:                   id,
		Name:                 in.Name,
		Description:          in.Description,
		WorkflowDefinitionID: in.WorkflowDefinitionID,
		TriggerConditions:    in.TriggerConditions,
		AmountType:           in.AmountType,
		FixedAmount:          in.FixedAmount,
		AmountFormula:        in.AmountFormula,
		Currency:             currency,
		RecipientType:        in.RecipientType,
		FixedRecipientID:     in.FixedRecipientID,
		RecipientSelector:    in.RecipientSelector,
		RequiresApproval:     in.RequiresApproval,
		ApprovalThreshold:    in.ApprovalThreshold,
		IsActive:             true,
		Metadata:             in.Metadata,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.store.CreateRule(ctx, rule); err != nil {
		return nil, err
	}
	s.log.WithField("rule_id", rule.ID).WithField("amount_type", string(rule.AmountType)).Info("settlement rule created")
	return rule, nil
}

// GetRule returns a Rule by ID.
func (s *Service) GetRule(ctx context.Context, id string) (*Rule, error) {
	return s.store.GetRule(ctx, id)
}

// EvaluateTriggers evaluates every active rule applicable to workflowData
// against workflowData, generating a Signal for each rule whose
// conditions pass. It returns the number of signals generated, satisfying
// the workflow.SettlementTrigger contract.
func (s *Service) EvaluateTriggers(ctx context.Context, workflowExecutionID string, workflowData map[string]any) (int, error) {
	var definitionID *string
	if raw, ok := workflowData["definition_id"].(string); ok && raw != "" {
		definitionID = &raw
	}

	rules, err := s.store.ListActiveRules(ctx, definitionID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, rule := range rules {
		if !EvaluateConditions(rule.TriggerConditions, workflowData) {
			continue
		}
		if _, err := s.generateSignal(ctx, rule, workflowExecutionID, workflowData); err != nil {
			return count, fmt.Errorf("generate signal for rule %s: %w", rule.Name, err)
		}
		count++
	}
	return count, nil
}

func (s *Service) generateSignal(ctx context.Context, rule *Rule, workflowExecutionID string, workflowData map[string]any) (*Signal, error) {
	amount := s.resolveAmount(rule, workflowData)
	recipientID := s.resolveRecipient(rule, workflowData)

	status := StatusApproved
	if rule.RequiresApproval && (rule.ApprovalThreshold == nil || amount.GreaterThanOrEqual(*rule.ApprovalThreshold)) {
		status = StatusPending
	}

	id, err := crypto.GenerateID()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC().Truncate(time.Microsecond)

	keys := make([]string, 0, len(workflowData))
	for k := range workflowData {
		keys = append(keys, k)
	}

	signal := &Signal{
		ID:                   id,
		WorkflowExecutionID:  workflowExecutionID,
		RuleID:               &rule.ID,
		Amount:               amount,
		Currency:             rule.Currency,
		RecipientType:        rule.RecipientType,
		RecipientID:          recipientID,
		Status:               status,
		Metadata: map[string]any{
			"rule_name":          rule.Name,
			"workflow_data_keys": keys,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateSignal(ctx, signal); err != nil {
		return nil, err
	}

	if s.events != nil {
		if _, err := s.events.RecordEvent(ctx, ledger.RecordEventInput{
			EventType:  ledger.EventSettlementTriggered,
			WorkflowID: &workflowExecutionID,
			Payload: map[string]any{
				"signal_id":    signal.ID,
				"rule_name":    rule.Name,
				"amount":       amount.String(),
				"currency":     rule.Currency,
				"recipient_id": recipientID,
				"status":       string(status),
			},
		}); err != nil {
			return nil, fmt.Errorf("record settlement triggered event: %w", err)
		}
	}

	amountFloat, _ := amount.Float64()
	metrics.RecordSettlementSignal(string(status), rule.Currency, amountFloat)

	s.log.WithField("signal_id", signal.ID).WithField("rule_id", rule.ID).WithField("amount", amount.String()).Info("settlement signal generated")
	return signal, nil
}

// resolveAmount derives a signal's amount per rule.AmountType. A formula
// error yields zero rather than failing the whole trigger evaluation; the
// error itself is logged, not swallowed silently.
func (s *Service) resolveAmount(rule *Rule, workflowData map[string]any) decimal.Decimal {
	switch rule.AmountType {
	case AmountFixed:
		if rule.FixedAmount != nil {
			return *rule.FixedAmount
		}
		return decimal.Zero
	case AmountVariable:
		raw, ok := workflowData["settlement_amount"]
		if !ok {
			return decimal.Zero
		}
		f, ok := toFloat(raw)
		if !ok {
			return decimal.Zero
		}
		return decimal.NewFromFloat(f)
	case AmountCalculated:
		if rule.AmountFormula == nil {
			return decimal.Zero
		}
		value, err := evalFormula(*rule.AmountFormula, workflowData)
		if err != nil {
			s.log.WithField("rule_id", rule.ID).WithField("formula", *rule.AmountFormula).WithField("error", err.Error()).Warn("settlement formula error")
			return decimal.Zero
		}
		if value < 0 {
			s.log.WithField("rule_id", rule.ID).WithField("formula", *rule.AmountFormula).WithField("value", value).Warn("settlement formula produced negative amount")
			return decimal.Zero
		}
		return decimal.NewFromFloat(value)
	default:
		return decimal.Zero
	}
}

// resolveRecipient follows the precedence fixed_recipient_id >
// recipient_selector > primary_agent_id > "unknown".
func (s *Service) resolveRecipient(rule *Rule, workflowData map[string]any) string {
	if rule.FixedRecipientID != nil && *rule.FixedRecipientID != "" {
		return *rule.FixedRecipientID
	}
	if rule.RecipientSelector != nil && *rule.RecipientSelector != "" {
		recipient, err := evalSelector(*rule.RecipientSelector, workflowData)
		if err != nil {
			s.log.WithField("rule_id", rule.ID).WithField("selector", *rule.RecipientSelector).WithField("error", err.Error()).Warn("settlement recipient error")
			return "unknown"
		}
		return recipient
	}
	if agentID, ok := workflowData["primary_agent_id"].(string); ok && agentID != "" {
		return agentID
	}
	return "unknown"
}

// GetSignal returns a settlement Signal by ID.
func (s *Service) GetSignal(ctx context.Context, id string) (*Signal, error) {
	return s.store.GetSignal(ctx, id)
}

// ListSignals lists settlement signals with optional filters.
func (s *Service) ListSignals(ctx context.Context, workflowExecutionID *string, status *Status, recipientID string) ([]*Signal, error) {
	return s.store.ListSignals(ctx, workflowExecutionID, status, recipientID)
}

// ApproveSignal transitions a pending signal to approved.
func (s *Service) ApproveSignal(ctx context.Context, signalID, approvedBy string) (*Signal, error) {
	signal, err := s.store.GetSignal(ctx, signalID)
	if err != nil {
		return nil, err
	}
	if signal == nil {
		return nil, fmt.Errorf("settlement signal %s not found", signalID)
	}
	if signal.Status != StatusPending {
		return nil, fmt.Errorf("signal is not pending approval: %s", signal.Status)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	signal.Status = StatusApproved
	signal.ApprovedBy = &approvedBy
	signal.ApprovedAt = &now
	signal.UpdatedAt = now

	if err := s.store.UpdateSignal(ctx, signal); err != nil {
		return nil, err
	}
	s.log.WithField("signal_id", signalID).WithField("approved_by", approvedBy).Info("settlement approved")
	return signal, nil
}

// ProcessSignal marks an approved signal completed with the given
// external transaction ID.
func (s *Service) ProcessSignal(ctx context.Context, signalID, transactionID string) (*Signal, error) {
	signal, err := s.store.GetSignal(ctx, signalID)
	if err != nil {
		return nil, err
	}
	if signal == nil {
		return nil, fmt.Errorf("settlement signal %s not found", signalID)
	}
	if signal.Status != StatusApproved && signal.Status != StatusProcessing {
		return nil, fmt.Errorf("signal must be approved before processing: %s", signal.Status)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	signal.Status = StatusCompleted
	signal.ProcessedAt = &now
	signal.TransactionID = &transactionID
	signal.UpdatedAt = now

	if err := s.store.UpdateSignal(ctx, signal); err != nil {
		return nil, err
	}

	if s.events != nil {
		if _, err := s.events.RecordEvent(ctx, ledger.RecordEventInput{
			EventType:  ledger.EventSettlementCompleted,
			WorkflowID: &signal.WorkflowExecutionID,
			Payload: map[string]any{
				"signal_id":      signalID,
				"transaction_id": transactionID,
				"amount":         signal.Amount.String(),
				"recipient_id":   signal.RecipientID,
			},
		}); err != nil {
			return nil, fmt.Errorf("record settlement completed event: %w", err)
		}
	}

	s.log.WithField("signal_id", signalID).WithField("transaction_id", transactionID).Info("settlement processed")
	return signal, nil
}

// CancelSignal transitions a pending or approved signal to cancelled. A
// signal already processing or settled cannot be cancelled.
func (s *Service) CancelSignal(ctx context.Context, signalID, reason string) (*Signal, error) {
	signal, err := s.store.GetSignal(ctx, signalID)
	if err != nil {
		return nil, err
	}
	if signal == nil {
		return nil, fmt.Errorf("settlement signal %s not found", signalID)
	}
	if signal.Status != StatusPending && signal.Status != StatusApproved {
		return nil, fmt.Errorf("signal cannot be cancelled from state: %s", signal.Status)
	}

	signal.Status = StatusCancelled
	signal.ErrorMessage = &reason
	signal.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)

	if err := s.store.UpdateSignal(ctx, signal); err != nil {
		return nil, err
	}

	if s.events != nil {
		if _, err := s.events.RecordEvent(ctx, ledger.RecordEventInput{
			EventType:  ledger.EventSettlementCancelled,
			WorkflowID: &signal.WorkflowExecutionID,
			Payload: map[string]any{
				"signal_id": signalID,
				"reason":    reason,
			},
		}); err != nil {
			return nil, fmt.Errorf("record settlement cancelled event: %w", err)
		}
	}

	s.log.WithField("signal_id", signalID).WithField("reason", reason).Info("settlement cancelled")
	return signal, nil
}

// FailSignal marks an active signal failed and increments its retry
// count. Terminal signals (completed, cancelled, already failed) stay
// put.
func (s *Service) FailSignal(ctx context.Context, signalID, errMessage string) (*Signal, error) {
	signal, err := s.store.GetSignal(ctx, signalID)
	if err != nil {
		return nil, err
	}
	if signal == nil {
		return nil, fmt.Errorf("settlement signal %s not found", signalID)
	}
	if signal.Status != StatusPending && signal.Status != StatusApproved && signal.Status != StatusProcessing {
		return nil, fmt.Errorf("signal cannot be failed from state: %s", signal.Status)
	}

	signal.Status = StatusFailed
	signal.ErrorMessage = &errMessage
	signal.RetryCount++
	signal.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)

	if err := s.store.UpdateSignal(ctx, signal); err != nil {
		return nil, err
	}

	if s.events != nil {
		if _, err := s.events.RecordEvent(ctx, ledger.RecordEventInput{
			EventType:  ledger.EventSettlementFailed,
			WorkflowID: &signal.WorkflowExecutionID,
			Payload: map[string]any{
				"signal_id":   signalID,
				"error":       errMessage,
				"retry_count": signal.RetryCount,
			},
		}); err != nil {
			return nil, fmt.Errorf("record settlement failed event: %w", err)
		}
	}

	s.log.WithField("signal_id", signalID).WithField("error", errMessage).Warn("settlement failed")
	return signal, nil
}
