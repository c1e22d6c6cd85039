package agents

import "context"

// InvokeRequest carries everything an Adapter needs to run one task
// against its backing platform.
type InvokeRequest struct {
	Agent      *Agent
	Prompt     string
	Context    map[string]any
	WorkflowID *string
	TaskID     *string
}

// ToolCall is a single tool invocation requested by an agent's response.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// Usage reports token accounting for one Invoke call, when the backing
// platform exposes it.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// InvokeResult is the normalized response shape every Adapter returns,
// regardless of the wire format its platform actually speaks.
type InvokeResult struct {
	Content    string
	ToolCalls  []ToolCall
	Usage      Usage
	StopReason string
	Model      string
	Metadata   map[string]any
	LatencyMs  int64
}

// Adapter is the platform-agnostic contract every dispatch target
// implements, whether it is a Claude Agent SDK call, a generic webhook, or
// any future platform: the scheduler never branches on agent_type itself.
type Adapter interface {
	// Invoke runs req against the adapter's backing platform.
	Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error)
	// Validate checks that an agent's configuration is well-formed for
	// this adapter before it is ever dispatched to.
	Validate(agent *Agent) error
	// Metadata reports the adapter's platform name and capability tags.
	Metadata() AdapterMetadata
	// HealthCheck reports whether the adapter's backing platform is
	// currently reachable.
	HealthCheck(ctx context.Context) error
}

// AdapterMetadata describes an adapter implementation.
type AdapterMetadata struct {
	Platform     string
	Capabilities []string
}

// Registry is a process-wide lookup of Adapter implementations keyed by
// platform name ("claude", "webhook", ...), mirroring the closed
// agent_type vocabulary the scheduler dispatches against.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: map[string]Adapter{}}
}

// Register installs adapter under platform, replacing any existing
// registration for that platform.
func (r *Registry) Register(platform string, adapter Adapter) {
	r.adapters[platform] = adapter
}

// Get returns the adapter registered for platform, or nil if none.
func (r *Registry) Get(platform string) Adapter {
	return r.adapters[platform]
}
