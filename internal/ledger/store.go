package ledger

import (
	"context"
	"errors"
)

// ErrChainCollision reports that an append lost a race on the ledger's
// unique sequence_number/event_hash indexes. RecordEvent retries the
// whole transaction on this error; persistent collisions halt the writer.
var ErrChainCollision = errors.New("ledger chain collision")

// Store persists ledger events, blocks, checkpoints and audit trails. A
// single implementation (PostgresStore) backs production use; tests can
// substitute sqlmock-backed instances or an in-memory fake.
type Store interface {
	// AppendEvent inserts ev, which must already have sequence_number and
	// event_hash populated by the caller under the single-writer lock.
	AppendEvent(ctx context.Context, ev *Event) error
	GetEvent(ctx context.Context, id string) (*Event, error)
	GetEventBySequence(ctx context.Context, sequence int64) (*Event, error)
	GetLatestSequence(ctx context.Context) (int64, error)
	GetEventsByWorkflow(ctx context.Context, workflowID string, eventTypes []EventType, limit, offset int) ([]*Event, error)
	GetEventRange(ctx context.Context, startSeq, endSeq int64) ([]*Event, error)

	CreateBlock(ctx context.Context, b *Block) error
	GetBlock(ctx context.Context, blockNumber int64) (*Block, error)
	GetLatestBlock(ctx context.Context) (*Block, error)
	CountBlocks(ctx context.Context) (int64, error)

	CreateCheckpoint(ctx context.Context, cp *Checkpoint) error
	UpdateCheckpoint(ctx context.Context, cp *Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error)
	ListCheckpointsByWorkflow(ctx context.Context, workflowID string) ([]*Checkpoint, error)

	CreateAuditTrail(ctx context.Context, t *AuditTrail) error
	UpdateAuditTrail(ctx context.Context, t *AuditTrail) error
	GetAuditTrailByWorkflow(ctx context.Context, workflowID string) (*AuditTrail, error)

	// WithTx runs fn inside a single database transaction while holding
	// the process-wide ledger writer lock, so a ledger append and the
	// checkpoint/audit-trail updates it triggers commit or roll back
	// together and no two writers interleave between reading the latest
	// sequence and persisting the next event. Nested calls on the Store
	// already handed to fn join the enclosing transaction.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
