package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	icrypto "github.com/r3e-network/agent-trust-layer/internal/crypto"
	"github.com/r3e-network/agent-trust-layer/pkg/logger"
	"github.com/r3e-network/agent-trust-layer/pkg/metrics"
)

// EventService records events into the trust ledger and reads them back.
// All appends go through RecordEvent, which holds the single-writer
// discipline: sequence numbers and hash links are only ever assigned here,
// inside a transaction, so concurrent callers never observe or create a
// forked chain.
type EventService struct {
	store Store
	log   *logger.Logger
}

// NewEventService creates an EventService backed by store.
func NewEventService(store Store, log *logger.Logger) *EventService {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	return &EventService{store: store, log: log}
}

// RecordEventInput carries the fields a caller supplies for a new event;
// sequence number, hash chain fields, and timestamps are computed by
// RecordEvent itself.
type RecordEventInput struct {
	EventType  EventType
	WorkflowID *string
	TaskID     *string
	AgentID    *string
	Payload    map[string]any
	ActorType  string
	ActorID    *string
}

// chainCollisionRetries bounds how many times RecordEvent re-runs its
// transaction after losing a race on the unique sequence/hash indexes.
// The writer lock makes collisions rare; exhausting the retries means
// something is appending outside the lock, and the writer halts.
const chainCollisionRetries = 3

// RecordEvent appends a new event to the ledger, computing its sequence
// number and hash chain link inside a single transaction under the
// store's writer lock, so the operation is atomic and serialized with
// respect to concurrent appends. A chain collision (the unique index on
// sequence_number or event_hash rejecting the insert) retries the whole
// transaction; persistent collisions halt the writer with an error.
//
// The event's hash_data includes the *previous event's raw hash* as a
// field, then event_hash is derived from hash_data two different ways
// depending on whether a previous event exists:
//   - first event in the chain: event_hash = canonical_hash(hash_data)
//   - subsequent events:        event_hash = hash_chain(previous_hash, canonical_hash(hash_data))
func (s *EventService) RecordEvent(ctx context.Context, in RecordEventInput) (*Event, error) {
	if in.ActorType == "" {
		in.ActorType = "system"
	}

	var recorded *Event
	var err error
	for attempt := 1; attempt <= chainCollisionRetries+1; attempt++ {
		recorded, err = s.tryRecordEvent(ctx, in)
		if err == nil || !errors.Is(err, ErrChainCollision) {
			break
		}
		s.log.WithField("event_type", string(in.EventType)).
			WithField("attempt", attempt).
			Warn("ledger append collided, retrying")
	}
	if err != nil {
		if errors.Is(err, ErrChainCollision) {
			return nil, fmt.Errorf("ledger writer halted after %d collisions: %w", chainCollisionRetries+1, err)
		}
		return nil, err
	}

	s.log.WithField("event_type", string(recorded.EventType)).
		WithField("sequence_number", recorded.SequenceNumber).
		WithField("event_id", recorded.ID).
		Info("ledger event recorded")

	metrics.RecordLedgerEvent(string(recorded.EventType))
	metrics.SetLedgerSequence(recorded.SequenceNumber)

	return recorded, nil
}

func (s *EventService) tryRecordEvent(ctx context.Context, in RecordEventInput) (*Event, error) {
	var recorded *Event
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		lastSeq, err := tx.GetLatestSequence(ctx)
		if err != nil {
			return fmt.Errorf("get latest sequence: %w", err)
		}
		nextSeq := lastSeq + 1

		var previousHash *string
		if lastSeq > 0 {
			prevEvent, err := tx.GetEventBySequence(ctx, lastSeq)
			if err != nil {
				return fmt.Errorf("get previous event: %w", err)
			}
			if prevEvent == nil {
				return fmt.Errorf("ledger inconsistency: missing event at sequence %d", lastSeq)
			}
			ph := prevEvent.EventHash
			previousHash = &ph
		}

		// Truncated to microsecond precision so the timestamp embedded in
		// hash_data survives a PostgreSQL TIMESTAMPTZ round trip unchanged;
		// otherwise verification would recompute a different hash after
		// reloading the event from storage.
		now := time.Now().UTC().Truncate(time.Microsecond)
		hashData := buildHashData(nextSeq, in, previousHash, now)

		dataHash, err := icrypto.HashEvent(hashData)
		if err != nil {
			return fmt.Errorf("hash event: %w", err)
		}

		var eventHash string
		if previousHash != nil {
			eventHash = icrypto.HashChain(*previousHash, dataHash)
		} else {
			eventHash = dataHash
		}

		id, err := icrypto.GenerateEventID()
		if err != nil {
			return fmt.Errorf("generate event id: %w", err)
		}

		ev := &Event{
			ID:             id,
			SequenceNumber: nextSeq,
			EventType:      in.EventType,
			WorkflowID:     in.WorkflowID,
			TaskID:         in.TaskID,
			AgentID:        in.AgentID,
			Payload:        in.Payload,
			ActorType:      in.ActorType,
			ActorID:        in.ActorID,
			PreviousHash:   previousHash,
			EventHash:      eventHash,
			CreatedAt:      now,
		}

		if err := tx.AppendEvent(ctx, ev); err != nil {
			return fmt.Errorf("append event: %w", err)
		}

		recorded = ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recorded, nil
}

// buildHashData reconstructs the exact hash_data structure that was hashed
// when the event was created, so verification can recompute it byte for
// byte. timestamp is RFC3339Nano to preserve sub-second precision.
func buildHashData(sequence int64, in RecordEventInput, previousHash *string, timestamp time.Time) map[string]any {
	return map[string]any{
		"sequence":      sequence,
		"type":          string(in.EventType),
		"workflow_id":   derefOrNil(in.WorkflowID),
		"task_id":       derefOrNil(in.TaskID),
		"agent_id":      derefOrNil(in.AgentID),
		"payload":       in.Payload,
		"actor_type":    in.ActorType,
		"actor_id":      derefOrNil(in.ActorID),
		"previous_hash": derefOrNil(previousHash),
		"timestamp":     timestamp.Format(time.RFC3339Nano),
	}
}

func derefOrNil(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// StartAuditTrail opens the per-workflow activity rollup that the
// verification API reports without replaying the full event log.
func (s *EventService) StartAuditTrail(ctx context.Context, workflowID, workflowName string) (*AuditTrail, error) {
	id, err := icrypto.GenerateID()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	trail := &AuditTrail{
		ID:           id,
		WorkflowID:   workflowID,
		WorkflowName: workflowName,
		Status:       AuditInProgress,
		StartedAt:    &now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateAuditTrail(ctx, trail); err != nil {
		return nil, fmt.Errorf("create audit trail: %w", err)
	}
	return trail, nil
}

// RecordCheckpointOutcome increments an audit trail's checkpoint tallies.
// It is additive rather than authoritative: a missing trail (workflow
// started before audit trails existed) is not an error.
func (s *EventService) RecordCheckpointOutcome(ctx context.Context, workflowID string, passed bool) error {
	trail, err := s.store.GetAuditTrailByWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if trail == nil {
		return nil
	}
	trail.TotalCheckpoints++
	if passed {
		trail.PassedCheckpoints++
	} else {
		trail.FailedCheckpoints++
	}
	trail.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
	return s.store.UpdateAuditTrail(ctx, trail)
}

// CompleteAuditTrail closes out a workflow's audit trail, stamping the
// final event count and the chain's tip hash at completion time so a
// later verification pass can confirm nothing was appended out of band.
func (s *EventService) CompleteAuditTrail(ctx context.Context, workflowID string, failed bool) error {
	trail, err := s.store.GetAuditTrailByWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if trail == nil {
		return nil
	}

	events, err := s.store.GetEventsByWorkflow(ctx, workflowID, nil, 0, 0)
	if err != nil {
		return err
	}
	trail.TotalEvents = len(events)
	if len(events) > 0 {
		hash := events[len(events)-1].EventHash
		trail.FinalHash = &hash
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	trail.CompletedAt = &now
	trail.UpdatedAt = now
	if failed {
		trail.Status = AuditFailed
	} else {
		trail.Status = AuditCompleted
	}
	return s.store.UpdateAuditTrail(ctx, trail)
}

// GetAuditTrail returns the audit trail rollup for workflowID, if any.
func (s *EventService) GetAuditTrail(ctx context.Context, workflowID string) (*AuditTrail, error) {
	return s.store.GetAuditTrailByWorkflow(ctx, workflowID)
}

// GetEvent returns a single event by ID.
func (s *EventService) GetEvent(ctx context.Context, id string) (*Event, error) {
	return s.store.GetEvent(ctx, id)
}

// GetEventsByWorkflow returns events for workflowID ordered by sequence,
// optionally filtered by event type, paginated by limit/offset.
func (s *EventService) GetEventsByWorkflow(ctx context.Context, workflowID string, eventTypes []EventType, limit, offset int) ([]*Event, error) {
	return s.store.GetEventsByWorkflow(ctx, workflowID, eventTypes, limit, offset)
}

// GetEventChain returns the inclusive range of events between two sequence
// numbers.
func (s *EventService) GetEventChain(ctx context.Context, startSeq, endSeq int64) ([]*Event, error) {
	return s.store.GetEventRange(ctx, startSeq, endSeq)
}

// GetLatestSequence returns the highest sequence number recorded so far.
func (s *EventService) GetLatestSequence(ctx context.Context) (int64, error) {
	return s.store.GetLatestSequence(ctx)
}

// recomputeEventHash recomputes the hash a given event *should* have, using
// the same buildHashData/HashEvent/HashChain steps as RecordEvent. Used by
// the verification service to detect tampering.
func recomputeEventHash(ev *Event) (string, error) {
	in := RecordEventInput{
		EventType:  ev.EventType,
		WorkflowID: ev.WorkflowID,
		TaskID:     ev.TaskID,
		AgentID:    ev.AgentID,
		Payload:    ev.Payload,
		ActorType:  ev.ActorType,
		ActorID:    ev.ActorID,
	}
	hashData := buildHashData(ev.SequenceNumber, in, ev.PreviousHash, ev.CreatedAt)
	dataHash, err := icrypto.HashEvent(hashData)
	if err != nil {
		return "", err
	}
	if ev.PreviousHash != nil {
		return icrypto.HashChain(*ev.PreviousHash, dataHash), nil
	}
	return dataHash, nil
}
