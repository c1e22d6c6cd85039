package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// PostgresStore implements Store against PostgreSQL using raw database/sql,
// the same parameterized-SQL idiom internal/ledger uses for its own
// append-heavy tables.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store bound to db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the settlement tables if they do not already exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS settlement_rules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT,
			workflow_definition_id TEXT,
			trigger_conditions JSONB NOT NULL DEFAULT '{}',
			amount_type TEXT NOT NULL,
			fixed_amount NUMERIC,
			amount_formula TEXT,
			currency TEXT NOT NULL DEFAULT 'USD',
			recipient_type TEXT NOT NULL,
			fixed_recipient_id TEXT,
			recipient_selector TEXT,
			requires_approval BOOLEAN NOT NULL DEFAULT false,
			approval_threshold NUMERIC,
			is_active BOOLEAN NOT NULL DEFAULT true,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_settlement_rules_definition ON settlement_rules(workflow_definition_id);
		CREATE INDEX IF NOT EXISTS idx_settlement_rules_active ON settlement_rules(is_active);

		CREATE TABLE IF NOT EXISTS settlement_signals (
			id TEXT PRIMARY KEY,
			workflow_execution_id TEXT NOT NULL,
			rule_id TEXT REFERENCES settlement_rules(id),
			amount NUMERIC NOT NULL,
			currency TEXT NOT NULL,
			recipient_type TEXT NOT NULL,
			recipient_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			approved_by TEXT,
			approved_at TIMESTAMPTZ,
			processed_at TIMESTAMPTZ,
			transaction_id TEXT,
			error_message TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_settlement_signals_workflow ON settlement_signals(workflow_execution_id);
		CREATE INDEX IF NOT EXISTS idx_settlement_signals_status ON settlement_signals(status);
		CREATE INDEX IF NOT EXISTS idx_settlement_signals_recipient ON settlement_signals(recipient_id);
	`)
	return err
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func decimalPtr(nd sql.NullString) (*decimal.Decimal, error) {
	if !nd.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(nd.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

const ruleColumns = `id, name, description, workflow_definition_id, trigger_conditions, amount_type,
	fixed_amount, amount_formula, currency, recipient_type, fixed_recipient_id, recipient_selector,
	requires_approval, approval_threshold, is_active, metadata, created_at, updated_at`

func (s *PostgresStore) CreateRule(ctx context.Context, r *Rule) error {
	conditions, err := json.Marshal(r.TriggerConditions)
	if err != nil {
		return fmt.Errorf("marshal trigger_conditions: %w", err)
	}
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settlement_rules (
			id, name, description, workflow_definition_id, trigger_conditions, amount_type,
			fixed_amount, amount_formula, currency, recipient_type, fixed_recipient_id, recipient_selector,
			requires_approval, approval_threshold, is_active, metadata, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`,
		r.ID, r.Name, nullableString(&r.Description), nullableString(r.WorkflowDefinitionID), conditions, string(r.AmountType),
		decimalOrNil(r.FixedAmount), nullableString(r.AmountFormula), r.Currency, string(r.RecipientType),
		nullableString(r.FixedRecipientID), nullableString(r.RecipientSelector),
		r.RequiresApproval, decimalOrNil(r.ApprovalThreshold), r.IsActive, meta, r.CreatedAt, r.UpdatedAt,
	)
	return err
}

func decimalOrNil(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func scanRule(row interface{ Scan(dest ...any) error }) (*Rule, error) {
	var r Rule
	var description, workflowDefinitionID, amountFormula, fixedRecipientID, recipientSelector sql.NullString
	var fixedAmount, approvalThreshold sql.NullString
	var amountType, recipientType string
	var conditions, meta []byte

	if err := row.Scan(
		&r.ID, &r.Name, &description, &workflowDefinitionID, &conditions, &amountType,
		&fixedAmount, &amountFormula, &r.Currency, &recipientType, &fixedRecipientID, &recipientSelector,
		&r.RequiresApproval, &approvalThreshold, &r.IsActive, &meta, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}

	r.Description = description.String
	r.WorkflowDefinitionID = stringPtr(workflowDefinitionID)
	r.AmountType = AmountType(amountType)
	r.AmountFormula = stringPtr(amountFormula)
	r.RecipientType = RecipientType(recipientType)
	r.FixedRecipientID = stringPtr(fixedRecipientID)
	r.RecipientSelector = stringPtr(recipientSelector)

	fa, err := decimalPtr(fixedAmount)
	if err != nil {
		return nil, fmt.Errorf("parse fixed_amount: %w", err)
	}
	r.FixedAmount = fa

	at, err := decimalPtr(approvalThreshold)
	if err != nil {
		return nil, fmt.Errorf("parse approval_threshold: %w", err)
	}
	r.ApprovalThreshold = at

	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &r.TriggerConditions); err != nil {
			return nil, fmt.Errorf("unmarshal trigger_conditions: %w", err)
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &r.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &r, nil
}

func (s *PostgresStore) GetRule(ctx context.Context, id string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+ruleColumns+" FROM settlement_rules WHERE id = $1", id)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s *PostgresStore) GetRuleByName(ctx context.Context, name string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+ruleColumns+" FROM settlement_rules WHERE name = $1", name)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s *PostgresStore) ListActiveRules(ctx context.Context, workflowDefinitionID *string) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ruleColumns+` FROM settlement_rules
		WHERE is_active = true AND (workflow_definition_id IS NULL OR workflow_definition_id = $1)
		ORDER BY created_at ASC
	`, nullableString(workflowDefinitionID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const signalColumns = `id, workflow_execution_id, rule_id, amount, currency, recipient_type, recipient_id,
	status, approved_by, approved_at, processed_at, transaction_id, error_message, retry_count, metadata,
	created_at, updated_at`

func (s *PostgresStore) CreateSignal(ctx context.Context, sig *Signal) error {
	meta, err := json.Marshal(sig.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settlement_signals (
			id, workflow_execution_id, rule_id, amount, currency, recipient_type, recipient_id,
			status, approved_by, approved_at, processed_at, transaction_id, error_message, retry_count, metadata,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`,
		sig.ID, sig.WorkflowExecutionID, nullableString(sig.RuleID), sig.Amount.String(), sig.Currency,
		string(sig.RecipientType), sig.RecipientID, string(sig.Status), nullableString(sig.ApprovedBy),
		sig.ApprovedAt, sig.ProcessedAt, nullableString(sig.TransactionID), nullableString(sig.ErrorMessage),
		sig.RetryCount, meta, sig.CreatedAt, sig.UpdatedAt,
	)
	return err
}

func scanSignal(row interface{ Scan(dest ...any) error }) (*Signal, error) {
	var sig Signal
	var ruleID, approvedBy, transactionID, errorMessage sql.NullString
	var approvedAt, processedAt sql.NullTime
	var amount string
	var status, recipientType string
	var meta []byte

	if err := row.Scan(
		&sig.ID, &sig.WorkflowExecutionID, &ruleID, &amount, &sig.Currency, &recipientType, &sig.RecipientID,
		&status, &approvedBy, &approvedAt, &processedAt, &transactionID, &errorMessage, &sig.RetryCount, &meta,
		&sig.CreatedAt, &sig.UpdatedAt,
	); err != nil {
		return nil, err
	}

	sig.RuleID = stringPtr(ruleID)
	sig.RecipientType = RecipientType(recipientType)
	sig.Status = Status(status)
	sig.ApprovedBy = stringPtr(approvedBy)
	sig.TransactionID = stringPtr(transactionID)
	sig.ErrorMessage = stringPtr(errorMessage)
	if approvedAt.Valid {
		sig.ApprovedAt = &approvedAt.Time
	}
	if processedAt.Valid {
		sig.ProcessedAt = &processedAt.Time
	}

	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	sig.Amount = amt

	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &sig.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &sig, nil
}

func (s *PostgresStore) GetSignal(ctx context.Context, id string) (*Signal, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+signalColumns+" FROM settlement_signals WHERE id = $1", id)
	sig, err := scanSignal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sig, err
}

func (s *PostgresStore) UpdateSignal(ctx context.Context, sig *Signal) error {
	meta, err := json.Marshal(sig.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE settlement_signals SET
			status=$2, approved_by=$3, approved_at=$4, processed_at=$5, transaction_id=$6,
			error_message=$7, retry_count=$8, metadata=$9, updated_at=$10
		WHERE id = $1
	`, sig.ID, string(sig.Status), nullableString(sig.ApprovedBy), sig.ApprovedAt, sig.ProcessedAt,
		nullableString(sig.TransactionID), nullableString(sig.ErrorMessage), sig.RetryCount, meta, sig.UpdatedAt)
	return err
}

func (s *PostgresStore) ListSignals(ctx context.Context, workflowExecutionID *string, status *Status, recipientID string) ([]*Signal, error) {
	query := "SELECT " + signalColumns + " FROM settlement_signals WHERE 1=1"
	var args []any
	argNum := 1

	if workflowExecutionID != nil {
		query += fmt.Sprintf(" AND workflow_execution_id = $%d", argNum)
		args = append(args, *workflowExecutionID)
		argNum++
	}
	if status != nil {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, string(*status))
		argNum++
	}
	if recipientID != "" {
		query += fmt.Sprintf(" AND recipient_id = $%d", argNum)
		args = append(args, recipientID)
		argNum++
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
