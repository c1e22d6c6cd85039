package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/r3e-network/agent-trust-layer/pkg/logger"
)

// BlockCutter folds newly appended ledger events into a Merkle block once
// LEDGER_CHECKPOINT_INTERVAL events have accumulated since the last one,
// and can additionally be driven on a cron schedule for deployments that
// prefer a time-based cadence over a count-based one.
type BlockCutter struct {
	verification *VerificationService
	store        Store
	log          *logger.Logger

	cron *cron.Cron
	mu   sync.Mutex
}

// NewBlockCutter creates a BlockCutter.
func NewBlockCutter(verification *VerificationService, store Store, log *logger.Logger) *BlockCutter {
	if log == nil {
		log = logger.NewDefault("ledger-blockcutter")
	}
	return &BlockCutter{
		verification: verification,
		store:        store,
		log:          log,
		cron:         cron.New(),
	}
}

// CutBlock folds every event accumulated since the last block into a new
// one, as long as at least eventTarget of them have built up. It is a
// no-op (nil, nil) when fewer than eventTarget events are pending, so
// callers can invoke it on a fixed ticker without needing to track
// thresholds themselves.
func (b *BlockCutter) CutBlock(ctx context.Context, eventTarget int) (*Block, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	summary, err := b.verification.GetVerificationSummary(ctx)
	if err != nil {
		return nil, fmt.Errorf("read verification summary: %w", err)
	}
	if eventTarget <= 0 {
		eventTarget = 1
	}
	if summary.UnblockedEvents < int64(eventTarget) {
		return nil, nil
	}

	start := summary.LatestSequence - summary.UnblockedEvents + 1
	end := summary.LatestSequence

	block, err := b.verification.CreateBlock(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("create block: %w", err)
	}
	return block, nil
}

// StartSchedule runs CutBlock on the given standard 5-field cron
// expression (e.g. "*/15 * * * *" for every 15 minutes), an alternative
// to a caller-owned ticker for deployments that prefer time-based cuts.
func (b *BlockCutter) StartSchedule(ctx context.Context, schedule string, eventTarget int) error {
	_, err := b.cron.AddFunc(schedule, func() {
		if _, err := b.CutBlock(ctx, eventTarget); err != nil {
			b.log.WithError(err).Error("scheduled block cut failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule block cutter: %w", err)
	}
	b.cron.Start()
	b.log.WithField("schedule", schedule).Info("ledger block cutter scheduled")
	return nil
}

// Stop halts the cron scheduler, waiting for any in-flight cut to finish.
func (b *BlockCutter) Stop() {
	stopCtx := b.cron.Stop()
	<-stopCtx.Done()
}
