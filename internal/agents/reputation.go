package agents

import (
	"context"
	"sort"
	"time"
)

// ReputationTracker recomputes an agent's Reputation from a rolling window
// of recent Executions. It holds no long-term history itself; its caller
// (Service.recordExecution, after each Dispatch) feeds it the window.
type ReputationTracker struct {
	store Store
}

// NewReputationTracker creates a ReputationTracker backed by store.
func NewReputationTracker(store Store) *ReputationTracker {
	return &ReputationTracker{store: store}
}

// Record folds one Execution into the agent's reputation and persists the
// updated rollup.
func (t *ReputationTracker) Record(ctx context.Context, window []Execution, latest Execution) (*Reputation, error) {
	samples := append(append([]Execution{}, window...), latest)

	successes := 0
	latencies := make([]int64, 0, len(samples))
	for _, ex := range samples {
		if ex.Success {
			successes++
		}
		latencies = append(latencies, ex.LatencyMs)
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	successRate := float64(successes) / float64(len(samples))
	rep := &Reputation{
		AgentID:      latest.AgentID,
		SuccessRate:  successRate,
		LatencyP50Ms: percentile(latencies, 0.50),
		LatencyP95Ms: percentile(latencies, 0.95),
		LatencyP99Ms: percentile(latencies, 0.99),
		TrustScore:   trustScore(successRate, percentile(latencies, 0.95)),
		SampleCount:  len(samples),
		UpdatedAt:    time.Now().UTC().Truncate(time.Microsecond),
	}

	if err := t.store.PutReputation(ctx, rep); err != nil {
		return nil, err
	}
	return rep, nil
}

func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// trustScore derives a single 0..1 signal from success rate and p95
// latency: each second of p95 latency discounts the success rate by 10%,
// and the discount is capped at 50% (reached at 5s), so a slow agent
// keeps at least half of its success rate.
func trustScore(successRate float64, p95LatencyMs int64) float64 {
	latencyPenalty := float64(p95LatencyMs) / 10000.0
	if latencyPenalty > 0.5 {
		latencyPenalty = 0.5
	}
	score := successRate - (latencyPenalty * successRate)
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}
