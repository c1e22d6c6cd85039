package ledger

import (
	"context"
	"fmt"
	"time"

	icrypto "github.com/r3e-network/agent-trust-layer/internal/crypto"
	"github.com/r3e-network/agent-trust-layer/pkg/logger"
)

// VerificationService checks the integrity of the hash-chained ledger and
// cuts Merkle-rooted blocks over verified ranges.
type VerificationService struct {
	store Store
	log   *logger.Logger
}

// NewVerificationService creates a VerificationService backed by store.
func NewVerificationService(store Store, log *logger.Logger) *VerificationService {
	if log == nil {
		log = logger.NewDefault("ledger-verification")
	}
	return &VerificationService{store: store, log: log}
}

// VerifyEvent recomputes a single event's hash and reports whether it
// matches the stored value.
func (s *VerificationService) VerifyEvent(ctx context.Context, eventID string) (bool, error) {
	ev, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		return false, err
	}
	if ev == nil {
		return false, fmt.Errorf("event %s not found", eventID)
	}
	expected, err := recomputeEventHash(ev)
	if err != nil {
		return false, err
	}
	return expected == ev.EventHash, nil
}

// VerifyChainRange walks events in [startSeq, endSeq], checking that each
// event's own hash is correct and that previous_hash correctly links to the
// prior event's event_hash. It keeps checking past the first failure so a
// caller gets the complete list of problems in one pass.
func (s *VerificationService) VerifyChainRange(ctx context.Context, startSeq, endSeq int64) (bool, []VerificationError, error) {
	events, err := s.store.GetEventRange(ctx, startSeq, endSeq)
	if err != nil {
		return false, nil, err
	}

	var errs []VerificationError
	var runningPreviousHash *string

	for i, ev := range events {
		if i > 0 {
			if !stringPtrEqual(ev.PreviousHash, runningPreviousHash) {
				errs = append(errs, VerificationError{
					Sequence: ev.SequenceNumber,
					Error:    "chain break: previous_hash does not match prior event's hash",
					Expected: derefOr(runningPreviousHash, ""),
					Actual:   derefOr(ev.PreviousHash, ""),
				})
			}
		}

		expected, err := recomputeEventHash(ev)
		if err != nil {
			return false, nil, err
		}
		if expected != ev.EventHash {
			errs = append(errs, VerificationError{
				Sequence: ev.SequenceNumber,
				Error:    "event hash mismatch",
				Expected: expected,
				Actual:   ev.EventHash,
			})
		}

		hash := ev.EventHash
		runningPreviousHash = &hash
	}

	return len(errs) == 0, errs, nil
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// CreateBlock cuts a new Merkle-rooted block over [startSeq, endSeq],
// chaining it to the previous block by previous_block_hash the same way
// events chain to each other.
func (s *VerificationService) CreateBlock(ctx context.Context, startSeq, endSeq int64) (*Block, error) {
	events, err := s.store.GetEventRange(ctx, startSeq, endSeq)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("no events in range [%d, %d]", startSeq, endSeq)
	}

	hashes := make([]string, len(events))
	for i, ev := range events {
		hashes[i] = ev.EventHash
	}
	merkleRoot := icrypto.MerkleRoot(hashes)

	prevBlock, err := s.store.GetLatestBlock(ctx)
	if err != nil {
		return nil, err
	}

	var previousBlockHash *string
	nextBlockNumber := int64(1)
	if prevBlock != nil {
		h := prevBlock.BlockHash
		previousBlockHash = &h
		nextBlockNumber = prevBlock.BlockNumber + 1
	}

	blockData := map[string]any{
		"block_number":        nextBlockNumber,
		"start_sequence":      startSeq,
		"end_sequence":        endSeq,
		"merkle_root":         merkleRoot,
		"previous_block_hash": derefOrNil(previousBlockHash),
	}
	blockHash, err := icrypto.HashEvent(blockData)
	if err != nil {
		return nil, err
	}

	id, err := icrypto.GenerateID()
	if err != nil {
		return nil, err
	}

	block := &Block{
		ID:                id,
		BlockNumber:       nextBlockNumber,
		StartSequence:     startSeq,
		EndSequence:       endSeq,
		EventCount:        len(events),
		PreviousBlockHash: previousBlockHash,
		BlockHash:         blockHash,
		MerkleRoot:        merkleRoot,
		FinalizedAt:       time.Now().UTC().Truncate(time.Microsecond),
	}

	if err := s.store.CreateBlock(ctx, block); err != nil {
		return nil, err
	}

	s.log.WithField("block_number", block.BlockNumber).
		WithField("event_count", block.EventCount).
		Info("ledger block finalized")

	return block, nil
}

// VerifyBlock recomputes a block's Merkle root and block hash from its
// underlying events and compares them to the stored values.
func (s *VerificationService) VerifyBlock(ctx context.Context, blockNumber int64) (bool, error) {
	block, err := s.store.GetBlock(ctx, blockNumber)
	if err != nil {
		return false, err
	}
	if block == nil {
		return false, fmt.Errorf("block %d not found", blockNumber)
	}

	events, err := s.store.GetEventRange(ctx, block.StartSequence, block.EndSequence)
	if err != nil {
		return false, err
	}
	hashes := make([]string, len(events))
	for i, ev := range events {
		hashes[i] = ev.EventHash
	}
	merkleRoot := icrypto.MerkleRoot(hashes)
	if merkleRoot != block.MerkleRoot {
		return false, nil
	}

	blockData := map[string]any{
		"block_number":        block.BlockNumber,
		"start_sequence":      block.StartSequence,
		"end_sequence":        block.EndSequence,
		"merkle_root":         block.MerkleRoot,
		"previous_block_hash": derefOrNil(block.PreviousBlockHash),
	}
	expectedHash, err := icrypto.HashEvent(blockData)
	if err != nil {
		return false, err
	}
	return expectedHash == block.BlockHash, nil
}

// GetVerificationSummary reports the ledger's overall verification
// posture: total events/blocks, the latest sequence, and how many events
// since the latest block have not yet been folded into a block.
func (s *VerificationService) GetVerificationSummary(ctx context.Context) (*VerificationSummary, error) {
	latestSeq, err := s.store.GetLatestSequence(ctx)
	if err != nil {
		return nil, err
	}
	totalBlocks, err := s.store.CountBlocks(ctx)
	if err != nil {
		return nil, err
	}
	latestBlock, err := s.store.GetLatestBlock(ctx)
	if err != nil {
		return nil, err
	}

	unblocked := latestSeq
	var latestBlockNum int64
	if latestBlock != nil {
		latestBlockNum = latestBlock.BlockNumber
		unblocked = latestSeq - latestBlock.EndSequence
	}

	return &VerificationSummary{
		TotalEvents:     latestSeq,
		TotalBlocks:     totalBlocks,
		LatestSequence:  latestSeq,
		LatestBlockNum:  latestBlockNum,
		UnblockedEvents: unblocked,
	}, nil
}
