package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// ledgerWriterLockID keys the Postgres advisory lock that serializes
// ledger appends process- and cluster-wide. Any constant works as long as
// nothing else in the database uses the same key.
const ledgerWriterLockID = 0x75616566 // "uaef"

// uniqueViolation is the Postgres error code for a unique index reject.
const uniqueViolation = "23505"

// toNullString converts an empty string to sql.NullString{Valid: false}
// so optional text columns round-trip as SQL NULL rather than "".
func toNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// querier is satisfied by both *sql.DB and *sql.Tx, letting PostgresStore
// run identical SQL whether or not it is inside WithTx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore implements Store against a PostgreSQL database using raw
// database/sql and lib/pq, following the schema-bootstrap-plus-parameterized-
// SQL pattern used throughout this repository's store layer.
type PostgresStore struct {
	db *sql.DB
	q  querier
}

// NewPostgresStore creates a store bound to db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

// EnsureSchema creates the ledger tables if they do not already exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_events (
			id TEXT PRIMARY KEY,
			sequence_number BIGINT NOT NULL UNIQUE,
			event_type TEXT NOT NULL,
			workflow_id TEXT,
			task_id TEXT,
			agent_id TEXT,
			payload JSONB NOT NULL DEFAULT '{}',
			actor_type TEXT NOT NULL DEFAULT 'system',
			actor_id TEXT,
			previous_hash TEXT,
			event_hash TEXT NOT NULL UNIQUE,
			signature TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_events_workflow_id ON ledger_events(workflow_id);
		CREATE INDEX IF NOT EXISTS idx_ledger_events_task_id ON ledger_events(task_id);
		CREATE INDEX IF NOT EXISTS idx_ledger_events_agent_id ON ledger_events(agent_id);
		CREATE INDEX IF NOT EXISTS idx_ledger_events_type ON ledger_events(event_type);
		CREATE INDEX IF NOT EXISTS idx_ledger_events_workflow_created ON ledger_events(workflow_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_ledger_events_type_created ON ledger_events(event_type, created_at);

		CREATE TABLE IF NOT EXISTS ledger_blocks (
			id TEXT PRIMARY KEY,
			block_number BIGINT NOT NULL UNIQUE,
			start_sequence BIGINT NOT NULL,
			end_sequence BIGINT NOT NULL,
			event_count INTEGER NOT NULL,
			previous_block_hash TEXT,
			block_hash TEXT NOT NULL UNIQUE,
			merkle_root TEXT NOT NULL,
			finalized_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS compliance_checkpoints (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			workflow_id TEXT NOT NULL,
			task_id TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			rule_definition JSONB NOT NULL DEFAULT '{}',
			verification_result JSONB,
			verified_at TIMESTAMPTZ,
			ledger_event_id TEXT REFERENCES ledger_events(id),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_workflow_status ON compliance_checkpoints(workflow_id, status);

		CREATE TABLE IF NOT EXISTS audit_trails (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL UNIQUE,
			workflow_name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'in_progress',
			total_events INTEGER NOT NULL DEFAULT 0,
			total_checkpoints INTEGER NOT NULL DEFAULT 0,
			passed_checkpoints INTEGER NOT NULL DEFAULT 0,
			failed_checkpoints INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			metadata JSONB NOT NULL DEFAULT '{}',
			final_hash TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`)
	return err
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev *Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO ledger_events (
			id, sequence_number, event_type, workflow_id, task_id, agent_id,
			payload, actor_type, actor_id, previous_hash, event_hash, signature, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`,
		ev.ID, ev.SequenceNumber, ev.EventType,
		toNullString(derefOr(ev.WorkflowID, "")),
		toNullString(derefOr(ev.TaskID, "")),
		toNullString(derefOr(ev.AgentID, "")),
		payload, ev.ActorType,
		toNullString(derefOr(ev.ActorID, "")),
		toNullString(derefOr(ev.PreviousHash, "")),
		ev.EventHash,
		toNullString(derefOr(ev.Signature, "")),
		ev.CreatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: sequence %d: %v", ErrChainCollision, ev.SequenceNumber, err)
	}
	return err
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}

const eventColumns = `id, sequence_number, event_type, workflow_id, task_id, agent_id,
	payload, actor_type, actor_id, previous_hash, event_hash, signature, created_at`

func (s *PostgresStore) scanEvent(row *sql.Row) (*Event, error) {
	var ev Event
	var workflowID, taskID, agentID, actorID, previousHash, signature sql.NullString
	var payload []byte

	err := row.Scan(
		&ev.ID, &ev.SequenceNumber, &ev.EventType, &workflowID, &taskID, &agentID,
		&payload, &ev.ActorType, &actorID, &previousHash, &ev.EventHash, &signature, &ev.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	ev.WorkflowID = nullableString(workflowID)
	ev.TaskID = nullableString(taskID)
	ev.AgentID = nullableString(agentID)
	ev.ActorID = nullableString(actorID)
	ev.PreviousHash = nullableString(previousHash)
	ev.Signature = nullableString(signature)

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return &ev, nil
}

func nullableString(ns sql.NullString) *string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	v := ns.String
	return &v
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*Event, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM ledger_events WHERE id = $1", id)
	return s.scanEvent(row)
}

func (s *PostgresStore) GetEventBySequence(ctx context.Context, sequence int64) (*Event, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM ledger_events WHERE sequence_number = $1", sequence)
	return s.scanEvent(row)
}

func (s *PostgresStore) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.q.QueryRowContext(ctx, "SELECT MAX(sequence_number) FROM ledger_events").Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

func (s *PostgresStore) GetEventsByWorkflow(ctx context.Context, workflowID string, eventTypes []EventType, limit, offset int) ([]*Event, error) {
	query := "SELECT " + eventColumns + " FROM ledger_events WHERE workflow_id = $1"
	args := []any{workflowID}
	argNum := 2

	if len(eventTypes) > 0 {
		query += fmt.Sprintf(" AND event_type = ANY($%d)", argNum)
		types := make([]string, len(eventTypes))
		for i, t := range eventTypes {
			types[i] = string(t)
		}
		args = append(args, pq.Array(types))
		argNum++
	}

	query += " ORDER BY sequence_number ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, limit)
		argNum++
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argNum)
		args = append(args, offset)
	}

	return s.queryEvents(ctx, query, args...)
}

func (s *PostgresStore) GetEventRange(ctx context.Context, startSeq, endSeq int64) ([]*Event, error) {
	return s.queryEvents(ctx, "SELECT "+eventColumns+` FROM ledger_events
		WHERE sequence_number >= $1 AND sequence_number <= $2 ORDER BY sequence_number ASC`, startSeq, endSeq)
}

func (s *PostgresStore) queryEvents(ctx context.Context, query string, args ...any) ([]*Event, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var ev Event
		var workflowID, taskID, agentID, actorID, previousHash, signature sql.NullString
		var payload []byte

		if err := rows.Scan(
			&ev.ID, &ev.SequenceNumber, &ev.EventType, &workflowID, &taskID, &agentID,
			&payload, &ev.ActorType, &actorID, &previousHash, &ev.EventHash, &signature, &ev.CreatedAt,
		); err != nil {
			return nil, err
		}

		ev.WorkflowID = nullableString(workflowID)
		ev.TaskID = nullableString(taskID)
		ev.AgentID = nullableString(agentID)
		ev.ActorID = nullableString(actorID)
		ev.PreviousHash = nullableString(previousHash)
		ev.Signature = nullableString(signature)

		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal payload: %w", err)
			}
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func (s *PostgresStore) CreateBlock(ctx context.Context, b *Block) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO ledger_blocks (id, block_number, start_sequence, end_sequence, event_count, previous_block_hash, block_hash, merkle_root, finalized_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, b.ID, b.BlockNumber, b.StartSequence, b.EndSequence, b.EventCount,
		toNullString(derefOr(b.PreviousBlockHash, "")), b.BlockHash, b.MerkleRoot, b.FinalizedAt)
	return err
}

func (s *PostgresStore) scanBlock(row *sql.Row) (*Block, error) {
	var b Block
	var previousBlockHash sql.NullString
	err := row.Scan(&b.ID, &b.BlockNumber, &b.StartSequence, &b.EndSequence, &b.EventCount,
		&previousBlockHash, &b.BlockHash, &b.MerkleRoot, &b.FinalizedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b.PreviousBlockHash = nullableString(previousBlockHash)
	return &b, nil
}

const blockColumns = `id, block_number, start_sequence, end_sequence, event_count, previous_block_hash, block_hash, merkle_root, finalized_at`

func (s *PostgresStore) GetBlock(ctx context.Context, blockNumber int64) (*Block, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+blockColumns+" FROM ledger_blocks WHERE block_number = $1", blockNumber)
	return s.scanBlock(row)
}

func (s *PostgresStore) GetLatestBlock(ctx context.Context) (*Block, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+blockColumns+" FROM ledger_blocks ORDER BY block_number DESC LIMIT 1")
	return s.scanBlock(row)
}

func (s *PostgresStore) CountBlocks(ctx context.Context) (int64, error) {
	var count int64
	err := s.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM ledger_blocks").Scan(&count)
	return count, err
}

func (s *PostgresStore) CreateCheckpoint(ctx context.Context, cp *Checkpoint) error {
	rule, err := json.Marshal(cp.RuleDefinition)
	if err != nil {
		return fmt.Errorf("marshal rule_definition: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO compliance_checkpoints (id, name, description, workflow_id, task_id, status, rule_definition, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, cp.ID, cp.Name, toNullString(cp.Description), cp.WorkflowID, toNullString(derefOr(cp.TaskID, "")),
		cp.Status, rule, cp.CreatedAt, cp.UpdatedAt)
	return err
}

func (s *PostgresStore) UpdateCheckpoint(ctx context.Context, cp *Checkpoint) error {
	var result []byte
	var err error
	if cp.VerificationResult != nil {
		result, err = json.Marshal(cp.VerificationResult)
		if err != nil {
			return fmt.Errorf("marshal verification_result: %w", err)
		}
	}
	_, err = s.q.ExecContext(ctx, `
		UPDATE compliance_checkpoints SET status=$2, verification_result=$3, verified_at=$4, ledger_event_id=$5, updated_at=$6
		WHERE id = $1
	`, cp.ID, cp.Status, result, cp.VerifiedAt, toNullString(derefOr(cp.LedgerEventID, "")), cp.UpdatedAt)
	return err
}

func (s *PostgresStore) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	return s.scanCheckpoint(s.q.QueryRowContext(ctx, checkpointSelect+" WHERE id = $1", id))
}

func (s *PostgresStore) ListCheckpointsByWorkflow(ctx context.Context, workflowID string) ([]*Checkpoint, error) {
	rows, err := s.q.QueryContext(ctx, checkpointSelect+" WHERE workflow_id = $1 ORDER BY created_at ASC", workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpointRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

const checkpointSelect = `SELECT id, name, description, workflow_id, task_id, status, rule_definition,
	verification_result, verified_at, ledger_event_id, created_at, updated_at FROM compliance_checkpoints`

type rowsScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) scanCheckpoint(row *sql.Row) (*Checkpoint, error) {
	cp, err := scanCheckpointRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return cp, err
}

func scanCheckpointRow(row rowsScanner) (*Checkpoint, error) {
	var cp Checkpoint
	var description, taskID, ledgerEventID sql.NullString
	var rule, result []byte
	var verifiedAt sql.NullTime

	if err := row.Scan(&cp.ID, &cp.Name, &description, &cp.WorkflowID, &taskID, &cp.Status,
		&rule, &result, &verifiedAt, &ledgerEventID, &cp.CreatedAt, &cp.UpdatedAt); err != nil {
		return nil, err
	}

	cp.Description = description.String
	cp.TaskID = nullableString(taskID)
	cp.LedgerEventID = nullableString(ledgerEventID)
	if verifiedAt.Valid {
		cp.VerifiedAt = &verifiedAt.Time
	}
	if len(rule) > 0 {
		_ = json.Unmarshal(rule, &cp.RuleDefinition)
	}
	if len(result) > 0 {
		_ = json.Unmarshal(result, &cp.VerificationResult)
	}
	return &cp, nil
}

func (s *PostgresStore) CreateAuditTrail(ctx context.Context, t *AuditTrail) error {
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO audit_trails (id, workflow_id, workflow_name, status, metadata, started_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, t.ID, t.WorkflowID, t.WorkflowName, t.Status, meta, t.StartedAt, t.CreatedAt, t.UpdatedAt)
	return err
}

func (s *PostgresStore) UpdateAuditTrail(ctx context.Context, t *AuditTrail) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE audit_trails SET status=$2, total_events=$3, total_checkpoints=$4, passed_checkpoints=$5,
			failed_checkpoints=$6, completed_at=$7, final_hash=$8, updated_at=$9
		WHERE workflow_id = $1
	`, t.WorkflowID, t.Status, t.TotalEvents, t.TotalCheckpoints, t.PassedCheckpoints,
		t.FailedCheckpoints, t.CompletedAt, toNullString(derefOr(t.FinalHash, "")), t.UpdatedAt)
	return err
}

func (s *PostgresStore) GetAuditTrailByWorkflow(ctx context.Context, workflowID string) (*AuditTrail, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, workflow_id, workflow_name, status, total_events, total_checkpoints, passed_checkpoints,
			failed_checkpoints, started_at, completed_at, metadata, final_hash, created_at, updated_at
		FROM audit_trails WHERE workflow_id = $1
	`, workflowID)

	var t AuditTrail
	var startedAt, completedAt sql.NullTime
	var finalHash sql.NullString
	var meta []byte

	err := row.Scan(&t.ID, &t.WorkflowID, &t.WorkflowName, &t.Status, &t.TotalEvents, &t.TotalCheckpoints,
		&t.PassedCheckpoints, &t.FailedCheckpoints, &startedAt, &completedAt, &meta, &finalHash, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	t.FinalHash = nullableString(finalHash)
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &t.Metadata)
	}
	return &t, nil
}

// WithTx runs fn with a PostgresStore bound to a transaction so that an
// event append and any checkpoint/audit-trail mutation it triggers commit
// or roll back atomically. The transaction takes pg_advisory_xact_lock
// before fn runs, which is the single-writer discipline the trust ledger
// requires: no two transactions can interleave between reading the latest
// sequence number and inserting the next event, in this process or any
// other attached to the same database. The lock releases automatically at
// commit or rollback.
//
// A store already bound to a transaction runs fn directly, so a
// checkpoint evaluation that records its ledger event inside WithTx does
// not open (and separately commit) a second transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if _, ok := s.q.(*sql.Tx); ok {
		return fn(ctx, s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", ledgerWriterLockID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("acquire ledger writer lock: %w", err)
	}

	txStore := &PostgresStore{db: s.db, q: tx}
	if err := fn(ctx, txStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

var _ Store = (*PostgresStore)(nil)
