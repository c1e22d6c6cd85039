package compliance

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/r3e-network/agent-trust-layer/internal/crypto"
	"github.com/r3e-network/agent-trust-layer/internal/ledger"
	"github.com/r3e-network/agent-trust-layer/pkg/logger"
)

// Service manages compliance checkpoints and evaluates them against
// workflow or task context, recording the outcome in the trust ledger.
//
// EvaluateCheckpoint updates the checkpoint row and appends the
// corresponding ledger event inside a single transaction, so a crash
// between the two steps can never leave a passed checkpoint with no
// corresponding ledger_event_id, or an orphaned event.
type Service struct {
	store ledger.Store
	log   *logger.Logger
}

// NewService creates a compliance Service backed by store.
func NewService(store ledger.Store, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("compliance")
	}
	return &Service{store: store, log: log}
}

// CreateCheckpoint registers a new checkpoint in the pending state.
func (s *Service) CreateCheckpoint(ctx context.Context, name, workflowID string, taskID *string, description string, ruleDefinition map[string]any) (*ledger.Checkpoint, error) {
	id, err := crypto.GenerateID()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	cp := &ledger.Checkpoint{
		ID:             id,
		Name:           name,
		Description:    description,
		WorkflowID:     workflowID,
		TaskID:         taskID,
		Status:         ledger.CheckpointPending,
		RuleDefinition: ruleDefinition,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateCheckpoint(ctx, cp); err != nil {
		return nil, err
	}

	s.log.WithField("checkpoint_id", cp.ID).WithField("workflow_id", workflowID).Info("checkpoint created")
	return cp, nil
}

// EvaluateCheckpoint runs the checkpoint's rule against context, updates
// its status, and records a checkpoint_passed/checkpoint_failed ledger
// event, all inside one transaction.
func (s *Service) EvaluateCheckpoint(ctx context.Context, checkpointID string, evalContext map[string]any) (*ledger.Checkpoint, error) {
	var evaluated *ledger.Checkpoint

	err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Store) error {
		cp, err := tx.GetCheckpoint(ctx, checkpointID)
		if err != nil {
			return err
		}
		if cp == nil {
			return fmt.Errorf("checkpoint %s not found", checkpointID)
		}

		rule := RuleFromDefinition(cp.Name, cp.RuleDefinition)
		passed, details := rule.Evaluate(evalContext)

		cp.Status = ledger.CheckpointPassed
		if !passed {
			cp.Status = ledger.CheckpointFailed
		}
		cp.VerificationResult = details
		verifiedAt := time.Now().UTC().Truncate(time.Microsecond)
		cp.VerifiedAt = &verifiedAt
		cp.UpdatedAt = verifiedAt

		eventType := ledger.EventCheckpointPassed
		if !passed {
			eventType = ledger.EventCheckpointFailed
		}

		events := ledger.NewEventService(tx, s.log)
		event, err := events.RecordEvent(ctx, ledger.RecordEventInput{
			EventType:  eventType,
			WorkflowID: &cp.WorkflowID,
			TaskID:     cp.TaskID,
			Payload: map[string]any{
				"checkpoint_id":   cp.ID,
				"checkpoint_name": cp.Name,
				"result":          details,
			},
		})
		if err != nil {
			return fmt.Errorf("record checkpoint event: %w", err)
		}

		cp.LedgerEventID = &event.ID

		if err := tx.UpdateCheckpoint(ctx, cp); err != nil {
			return fmt.Errorf("update checkpoint: %w", err)
		}

		evaluated = cp
		return nil
	})
	if err != nil {
		return nil, err
	}

	events := ledger.NewEventService(s.store, s.log)
	if err := events.RecordCheckpointOutcome(ctx, evaluated.WorkflowID, evaluated.Status == ledger.CheckpointPassed); err != nil {
		s.log.WithField("checkpoint_id", evaluated.ID).WithField("error", err.Error()).Warn("record checkpoint outcome on audit trail failed")
	}

	s.log.WithField("checkpoint_id", evaluated.ID).WithField("status", string(evaluated.Status)).Info("checkpoint evaluated")
	return evaluated, nil
}

// GetCheckpoint returns a checkpoint by ID.
func (s *Service) GetCheckpoint(ctx context.Context, id string) (*ledger.Checkpoint, error) {
	return s.store.GetCheckpoint(ctx, id)
}

// GetCheckpointsByWorkflow returns all checkpoints for a workflow,
// optionally filtered to a single status.
func (s *Service) GetCheckpointsByWorkflow(ctx context.Context, workflowID string, status *ledger.CheckpointStatus) ([]*ledger.Checkpoint, error) {
	all, err := s.store.ListCheckpointsByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if status == nil {
		return all, nil
	}
	var filtered []*ledger.Checkpoint
	for _, cp := range all {
		if cp.Status == *status {
			filtered = append(filtered, cp)
		}
	}
	return filtered, nil
}

// RequireHumanReview marks a checkpoint as needing manual review, e.g.
// because automated evaluation was inconclusive.
func (s *Service) RequireHumanReview(ctx context.Context, checkpointID, reason string) (*ledger.Checkpoint, error) {
	cp, err := s.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("checkpoint %s not found", checkpointID)
	}

	cp.Status = ledger.CheckpointRequiresReview
	cp.VerificationResult = map[string]any{"requires_review": true, "reason": reason}
	cp.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)

	if err := s.store.UpdateCheckpoint(ctx, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// EvaluateBatch evaluates multiple checkpoints against the same context,
// collecting every failure with go-multierror rather than stopping at the
// first one, so a caller sees the full compliance picture for a workflow
// in one call.
func (s *Service) EvaluateBatch(ctx context.Context, checkpointIDs []string, evalContext map[string]any) ([]*ledger.Checkpoint, error) {
	var results []*ledger.Checkpoint
	var combined *multierror.Error

	for _, id := range checkpointIDs {
		cp, err := s.EvaluateCheckpoint(ctx, id, evalContext)
		if err != nil {
			combined = multierror.Append(combined, fmt.Errorf("checkpoint %s: %w", id, err))
			continue
		}
		results = append(results, cp)
	}

	return results, combined.ErrorOrNil()
}
