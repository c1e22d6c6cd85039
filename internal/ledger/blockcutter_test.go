package ledger

import (
	"context"
	"testing"
	"time"
)

func seedEvents(t *testing.T, svc *EventService, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		wf := "wf-1"
		if _, err := svc.RecordEvent(context.Background(), RecordEventInput{
			EventType:  EventTaskCompleted,
			WorkflowID: &wf,
		}); err != nil {
			t.Fatalf("seed event %d: %v", i, err)
		}
	}
}

func TestCutBlockWaitsForThreshold(t *testing.T) {
	store := NewMemoryStore()
	events := NewEventService(store, nil)
	verification := NewVerificationService(store, nil)
	cutter := NewBlockCutter(verification, store, nil)
	ctx := context.Background()

	seedEvents(t, events, 6)

	block, err := cutter.CutBlock(ctx, 7)
	if err != nil {
		t.Fatalf("cut block: %v", err)
	}
	if block != nil {
		t.Fatalf("expected no block cut below threshold, got %+v", block)
	}

	seedEvents(t, events, 1)
	block, err = cutter.CutBlock(ctx, 7)
	if err != nil {
		t.Fatalf("cut block: %v", err)
	}
	if block == nil {
		t.Fatal("expected a block once the threshold is reached")
	}
	if block.StartSequence != 1 || block.EndSequence != 7 {
		t.Fatalf("expected block to cover [1,7], got [%d,%d]", block.StartSequence, block.EndSequence)
	}

	again, err := cutter.CutBlock(ctx, 7)
	if err != nil {
		t.Fatalf("cut block again: %v", err)
	}
	if again != nil {
		t.Fatalf("expected no second block with nothing new pending, got %+v", again)
	}
}

func TestBlockCutterStartSchedule(t *testing.T) {
	store := NewMemoryStore()
	events := NewEventService(store, nil)
	verification := NewVerificationService(store, nil)
	cutter := NewBlockCutter(verification, store, nil)
	ctx := context.Background()

	seedEvents(t, events, 3)

	if err := cutter.StartSchedule(ctx, "@every 30ms", 3); err != nil {
		t.Fatalf("start schedule: %v", err)
	}
	defer cutter.Stop()

	deadline := time.After(2 * time.Second)
	for {
		block, err := store.GetLatestBlock(ctx)
		if err != nil {
			t.Fatalf("get latest block: %v", err)
		}
		if block != nil {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for scheduled block cut")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
