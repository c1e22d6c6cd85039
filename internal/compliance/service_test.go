package compliance

import (
	"context"
	"testing"

	"github.com/r3e-network/agent-trust-layer/internal/ledger"
)

func TestRequiredFieldRuleEvaluate(t *testing.T) {
	rule := RequiredFieldRule{Name: "has-output", RequiredFields: []string{"output", "status"}}

	passed, details := rule.Evaluate(map[string]any{"output": "ok"})
	if passed {
		t.Fatal("expected rule to fail when a required field is missing")
	}
	missing, _ := details["missing"].([]string)
	if len(missing) != 1 || missing[0] != "status" {
		t.Fatalf("expected missing=[status], got %v", missing)
	}

	passed, _ = rule.Evaluate(map[string]any{"output": "ok", "status": "done"})
	if !passed {
		t.Fatal("expected rule to pass when all required fields present")
	}
}

func TestThresholdRuleEvaluate(t *testing.T) {
	min, max := 0.0, 100.0
	rule := ThresholdRule{Name: "score-range", Field: "score", Min: &min, Max: &max}

	if passed, _ := rule.Evaluate(map[string]any{"score": 150.0}); passed {
		t.Fatal("expected rule to fail above max")
	}
	if passed, _ := rule.Evaluate(map[string]any{"score": 50.0}); !passed {
		t.Fatal("expected rule to pass within range")
	}
	if passed, _ := rule.Evaluate(map[string]any{}); passed {
		t.Fatal("expected rule to fail when field is absent")
	}
}

func TestEvaluateCheckpointRecordsLedgerEvent(t *testing.T) {
	store := ledger.NewMemoryStore()
	svc := NewService(store, nil)
	ctx := context.Background()

	cp, err := svc.CreateCheckpoint(ctx, "has-output", "wf-1", nil, "", map[string]any{
		"type":   "required_fields",
		"fields": []any{"output"},
	})
	if err != nil {
		t.Fatalf("create checkpoint: %v", err)
	}

	evaluated, err := svc.EvaluateCheckpoint(ctx, cp.ID, map[string]any{"output": "done"})
	if err != nil {
		t.Fatalf("evaluate checkpoint: %v", err)
	}
	if evaluated.Status != ledger.CheckpointPassed {
		t.Fatalf("expected passed status, got %s", evaluated.Status)
	}
	if evaluated.LedgerEventID == nil {
		t.Fatal("expected ledger_event_id to be set")
	}
}
