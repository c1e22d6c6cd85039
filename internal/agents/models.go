// Package agents implements the agent registry and platform-agnostic
// dispatch adapters: registration, API key issuance and verification,
// capability matching, and reputation tracking.
package agents

import "time"

// Status is an agent's lifecycle state.
type Status string

const (
	StatusRegistered  Status = "registered"
	StatusActive      Status = "active"
	StatusBusy        Status = "busy"
	StatusPaused      Status = "paused"
	StatusError       Status = "error"
	StatusDeactivated Status = "deactivated"
)

// Agent is a registered dispatch target: a Claude-backed agent, a
// generic webhook endpoint, or any other adapter-backed platform.
type Agent struct {
	ID          string
	Name        string
	Description string

	AgentType     string // "claude", "webhook", ...
	Capabilities  []string
	Configuration map[string]any

	Model        string
	SystemPrompt *string

	Endpoint *string // webhook/HTTP adapters only

	APIKeyHash string
	Status     Status

	TotalTasks      int64
	SuccessfulTasks int64
	FailedTasks     int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SuccessRate returns the agent's historical success ratio, or 1.0 when
// it has no completed tasks yet (an untested agent is not penalized).
func (a *Agent) SuccessRate() float64 {
	if a.TotalTasks == 0 {
		return 1.0
	}
	return float64(a.SuccessfulTasks) / float64(a.TotalTasks)
}

// HasCapability reports whether the agent declares capability.
func (a *Agent) HasCapability(capability string) bool {
	if capability == "" {
		return true
	}
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Reputation is a derived, read-only trust signal for an agent, rebuilt
// after every Execution rather than stored as ledger truth.
type Reputation struct {
	AgentID string

	SuccessRate float64

	LatencyP50Ms int64
	LatencyP95Ms int64
	LatencyP99Ms int64

	TrustScore float64

	SampleCount int
	UpdatedAt   time.Time
}

// Execution records one invocation attempt against an agent, the raw
// material reputation is computed from.
type Execution struct {
	AgentID    string
	WorkflowID *string
	TaskID     *string

	Success    bool
	LatencyMs  int64
	ErrorClass string

	OccurredAt time.Time
}
