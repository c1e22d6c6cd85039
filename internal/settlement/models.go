// Package settlement evaluates rule-driven settlement triggers after
// workflow completion and manages the resulting signal lifecycle.
package settlement

import (
	"time"

	"github.com/shopspring/decimal"
)

// AmountType selects how a SettlementRule derives a signal's amount.
type AmountType string

const (
	AmountFixed      AmountType = "fixed"
	AmountVariable   AmountType = "variable"
	AmountCalculated AmountType = "calculated"
)

// RecipientType classifies a settlement signal's payee.
type RecipientType string

const (
	RecipientAgent    RecipientType = "agent"
	RecipientUser     RecipientType = "user"
	RecipientExternal RecipientType = "external"
	RecipientPool     RecipientType = "pool"
)

// Status is a settlement signal's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusApproved   Status = "approved"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Rule defines when and how settlements are triggered for a workflow.
type Rule struct {
	ID          string
	Name        string
	Description string

	WorkflowDefinitionID *string

	TriggerConditions map[string]any

	AmountType    AmountType
	FixedAmount   *decimal.Decimal
	AmountFormula *string
	Currency      string

	RecipientType     RecipientType
	FixedRecipientID  *string
	RecipientSelector *string

	RequiresApproval  bool
	ApprovalThreshold *decimal.Decimal

	IsActive bool
	Metadata map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Signal is a concrete settlement generated from a Rule firing against
// one workflow execution.
type Signal struct {
	ID string

	WorkflowExecutionID string
	RuleID              *string

	Amount   decimal.Decimal
	Currency string

	RecipientType RecipientType
	RecipientID   string

	Status Status

	ApprovedBy *string
	ApprovedAt *time.Time

	ProcessedAt   *time.Time
	TransactionID *string

	ErrorMessage *string
	RetryCount   int

	Metadata map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
}
