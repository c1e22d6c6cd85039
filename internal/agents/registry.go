package agents

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/r3e-network/agent-trust-layer/internal/crypto"
	"github.com/r3e-network/agent-trust-layer/internal/ledger"
	"github.com/r3e-network/agent-trust-layer/pkg/logger"
	"github.com/r3e-network/agent-trust-layer/pkg/metrics"
)

// encryptedConfigFields lists the Configuration keys that are encrypted
// at rest when a Service has an EncryptionService attached, and
// transparently decrypted again before a dispatch. Webhook agents keep
// their callback credential here; Claude agents have none today.
var encryptedConfigFields = []string{"api_key"}

const encryptedFieldPrefix = "enc:v1:"

// reputationWindowSize bounds the rolling window of recent executions an
// agent's reputation is recomputed from after every dispatch.
const reputationWindowSize = 50

// Service manages agent lifecycle: registration, status transitions,
// credential verification, and capability-based lookup for dispatch.
type Service struct {
	store    Store
	events   *ledger.EventService
	log      *logger.Logger
	registry *Registry

	healthCache *lru.Cache[string, error]
	enc         *crypto.EncryptionService

	repTracker *ReputationTracker
	repMu      sync.Mutex
	repWindows map[string][]Execution
}

// WithEncryption attaches an EncryptionService so sensitive fields in an
// agent's Configuration (webhook callback credentials) are encrypted at
// rest and decrypted only for the duration of a dispatch.
func (s *Service) WithEncryption(enc *crypto.EncryptionService) *Service {
	s.enc = enc
	return s
}

// NewService creates a registry Service. healthCacheSize bounds the
// adapter health-check result cache; 0 disables caching.
func NewService(store Store, events *ledger.EventService, registry *Registry, log *logger.Logger, healthCacheSize int) *Service {
	if log == nil {
		log = logger.NewDefault("agents")
	}
	var cache *lru.Cache[string, error]
	if healthCacheSize > 0 {
		cache, _ = lru.New[string, error](healthCacheSize)
	}
	return &Service{
		store:       store,
		events:      events,
		log:         log,
		registry:    registry,
		healthCache: cache,
		repTracker:  NewReputationTracker(store),
		repWindows:  map[string][]Execution{},
	}
}

// RegisterInput carries the fields a caller supplies when registering a
// new agent.
type RegisterInput struct {
	Name          string
	Description   string
	AgentType     string
	Capabilities  []string
	Configuration map[string]any
	Model         string
	SystemPrompt  *string
	Endpoint      *string
}

// RegisterAgent creates a new agent and issues its API key. The plaintext
// key is returned exactly once; only its hash is persisted.
func (s *Service) RegisterAgent(ctx context.Context, in RegisterInput) (*Agent, string, error) {
	id, err := crypto.GenerateID()
	if err != nil {
		return nil, "", err
	}
	apiKey, err := crypto.GenerateAPIKey()
	if err != nil {
		return nil, "", err
	}

	if in.AgentType == "" {
		in.AgentType = "claude"
	}
	now := time.Now().UTC().Truncate(time.Microsecond)

	config := s.encryptConfig(in.Configuration)

	agent := &Agent{
		ID:            id,
		Name:          in.Name,
		Description:   in.Description,
		AgentType:     in.AgentType,
		Capabilities:  in.Capabilities,
		Configuration: config,
		Model:         in.Model,
		SystemPrompt:  in.SystemPrompt,
		Endpoint:      in.Endpoint,
		APIKeyHash:    crypto.HashAPIKey(apiKey),
		Status:        StatusRegistered,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.store.CreateAgent(ctx, agent); err != nil {
		return nil, "", fmt.Errorf("create agent: %w", err)
	}

	if s.events != nil {
		if _, err := s.events.RecordEvent(ctx, ledger.RecordEventInput{
			EventType: ledger.EventAgentRegistered,
			AgentID:   &agent.ID,
			Payload: map[string]any{
				"agent_name":   agent.Name,
				"agent_type":   agent.AgentType,
				"capabilities": agent.Capabilities,
			},
		}); err != nil {
			return nil, "", fmt.Errorf("record registration event: %w", err)
		}
	}

	s.log.WithField("agent_id", agent.ID).WithField("name", agent.Name).Info("agent registered")
	return agent, apiKey, nil
}

// GetAgent returns an agent by ID.
func (s *Service) GetAgent(ctx context.Context, id string) (*Agent, error) {
	return s.store.GetAgent(ctx, id)
}

// GetAgentByName returns an agent by name.
func (s *Service) GetAgentByName(ctx context.Context, name string) (*Agent, error) {
	return s.store.GetAgentByName(ctx, name)
}

// ListAgents lists agents, optionally filtered by status, agent_type, and
// declared capability.
func (s *Service) ListAgents(ctx context.Context, status *Status, agentType, capability string) ([]*Agent, error) {
	agents, err := s.store.ListAgents(ctx, status, agentType)
	if err != nil {
		return nil, err
	}
	if capability == "" {
		return agents, nil
	}
	var filtered []*Agent
	for _, a := range agents {
		if a.HasCapability(capability) {
			filtered = append(filtered, a)
		}
	}
	return filtered, nil
}

// ActivateAgent transitions an agent into the active state.
func (s *Service) ActivateAgent(ctx context.Context, id string) (*Agent, error) {
	return s.updateStatus(ctx, id, StatusActive)
}

// DeactivateAgent transitions an agent out of active dispatch.
func (s *Service) DeactivateAgent(ctx context.Context, id string) (*Agent, error) {
	return s.updateStatus(ctx, id, StatusDeactivated)
}

// UpdateAgentStatus sets an agent's status directly.
func (s *Service) UpdateAgentStatus(ctx context.Context, id string, status Status) (*Agent, error) {
	return s.updateStatus(ctx, id, status)
}

func (s *Service) updateStatus(ctx context.Context, id string, status Status) (*Agent, error) {
	agent, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, fmt.Errorf("agent %s not found", id)
	}
	agent.Status = status
	agent.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
	if err := s.store.UpdateAgent(ctx, agent); err != nil {
		return nil, err
	}
	s.log.WithField("agent_id", id).WithField("status", string(status)).Info("agent status updated")
	return agent, nil
}

// UpdateAgentMetrics records the outcome of one dispatched task against an
// agent's running totals.
func (s *Service) UpdateAgentMetrics(ctx context.Context, id string, success bool) error {
	agent, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	if agent == nil {
		return nil
	}
	agent.TotalTasks++
	if success {
		agent.SuccessfulTasks++
	} else {
		agent.FailedTasks++
	}
	agent.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
	return s.store.UpdateAgent(ctx, agent)
}

// VerifyAgentKey checks a plaintext API key against the agent's stored
// hash in constant time.
func (s *Service) VerifyAgentKey(ctx context.Context, agentID, apiKey string) (bool, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return false, err
	}
	if agent == nil || agent.APIKeyHash == "" {
		return false, nil
	}
	return crypto.VerifyAPIKey(apiKey, agent.APIKeyHash), nil
}

// FindAvailableAgent returns the first active agent matching agentType and
// capability, preferring (when more than one agent qualifies) the one
// with the stronger reputation signal over plain registration order.
// Agents whose persisted trust score is below reputationFloor are
// skipped; nil is returned when no agent qualifies.
func (s *Service) FindAvailableAgent(ctx context.Context, capability, agentType string, reputationFloor float64) (*Agent, error) {
	active := StatusActive
	candidates, err := s.ListAgents(ctx, &active, agentType, capability)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	var best *Agent
	var bestScore float64 = -1
	for _, candidate := range candidates {
		rep, err := s.store.GetReputation(ctx, candidate.ID)
		if err != nil {
			return nil, err
		}
		score := candidate.SuccessRate()
		if rep != nil {
			if rep.TrustScore < reputationFloor {
				continue
			}
			score = rep.TrustScore
		}
		if score > bestScore {
			best = candidate
			bestScore = score
		}
	}
	if best == nil {
		return nil, nil
	}
	return best, nil
}

// encryptConfig returns a copy of config with every field named in
// encryptedConfigFields encrypted, when the Service has an
// EncryptionService attached. Non-string and already-encrypted values
// pass through unchanged.
func (s *Service) encryptConfig(config map[string]any) map[string]any {
	if s.enc == nil || len(config) == 0 {
		return config
	}
	out := make(map[string]any, len(config))
	for k, v := range config {
		out[k] = v
	}
	for _, field := range encryptedConfigFields {
		plain, ok := out[field].(string)
		if !ok || plain == "" || strings.HasPrefix(plain, encryptedFieldPrefix) {
			continue
		}
		ciphertext, err := s.enc.Encrypt(plain)
		if err != nil {
			s.log.WithField("field", field).WithField("error", err.Error()).Warn("encrypt agent config field failed, storing plaintext")
			continue
		}
		out[field] = encryptedFieldPrefix + ciphertext
	}
	return out
}

// decryptConfig reverses encryptConfig for the fields a dispatch actually
// needs, returning a copy so the cached/stored Agent is never mutated.
func (s *Service) decryptConfig(config map[string]any) map[string]any {
	if s.enc == nil || len(config) == 0 {
		return config
	}
	out := make(map[string]any, len(config))
	for k, v := range config {
		out[k] = v
	}
	for _, field := range encryptedConfigFields {
		sealed, ok := out[field].(string)
		if !ok || !strings.HasPrefix(sealed, encryptedFieldPrefix) {
			continue
		}
		plain, err := s.enc.Decrypt(strings.TrimPrefix(sealed, encryptedFieldPrefix))
		if err != nil {
			s.log.WithField("field", field).WithField("error", err.Error()).Warn("decrypt agent config field failed")
			continue
		}
		out[field] = plain
	}
	return out
}

// Dispatch looks up the adapter for agent.AgentType and invokes req
// against it, checking the cached health-check result first when one is
// warm.
func (s *Service) Dispatch(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	if s.enc != nil && req.Agent != nil {
		agentCopy := *req.Agent
		agentCopy.Configuration = s.decryptConfig(req.Agent.Configuration)
		req.Agent = &agentCopy
	}

	adapter := s.registry.Get(req.Agent.AgentType)
	if adapter == nil {
		return nil, fmt.Errorf("no adapter registered for agent_type %q", req.Agent.AgentType)
	}
	if err := adapter.Validate(req.Agent); err != nil {
		return nil, err
	}

	// A cached failure suppresses exactly one dispatch: the entry is
	// dropped on read so the next attempt probes the platform again
	// instead of locking the adapter out until eviction.
	if s.healthCache != nil {
		if cached, ok := s.healthCache.Get(req.Agent.AgentType); ok && cached != nil {
			s.healthCache.Remove(req.Agent.AgentType)
			return nil, fmt.Errorf("adapter %s failed last health check: %w", req.Agent.AgentType, cached)
		}
	}

	if s.events != nil {
		if _, err := s.events.RecordEvent(ctx, ledger.RecordEventInput{
			EventType:  ledger.EventAgentInvoked,
			AgentID:    &req.Agent.ID,
			WorkflowID: req.WorkflowID,
			Payload: map[string]any{
				"agent_type": req.Agent.AgentType,
				"task_id":    req.TaskID,
			},
		}); err != nil {
			s.log.WithField("agent_id", req.Agent.ID).WithField("error", err.Error()).Warn("record agent_invoked event failed")
		}
	}

	started := time.Now()
	result, err := adapter.Invoke(ctx, req)
	latency := time.Since(started)
	if s.healthCache != nil && err != nil {
		s.healthCache.Add(req.Agent.AgentType, err)
	}

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.RecordAgentDispatch(req.Agent.AgentType, outcome, latency)

	execution := Execution{
		AgentID:    req.Agent.ID,
		WorkflowID: req.WorkflowID,
		TaskID:     req.TaskID,
		Success:    err == nil,
		LatencyMs:  latency.Milliseconds(),
		OccurredAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	if err != nil {
		execution.ErrorClass = "invocation_error"
	}
	s.recordExecution(ctx, execution)

	if s.events != nil {
		if err != nil {
			if _, recErr := s.events.RecordEvent(ctx, ledger.RecordEventInput{
				EventType:  ledger.EventAgentError,
				AgentID:    &req.Agent.ID,
				WorkflowID: req.WorkflowID,
				Payload: map[string]any{
					"task_id": req.TaskID,
					"error":   err.Error(),
				},
			}); recErr != nil {
				s.log.WithField("agent_id", req.Agent.ID).WithField("error", recErr.Error()).Warn("record agent_error event failed")
			}
		} else {
			if _, recErr := s.events.RecordEvent(ctx, ledger.RecordEventInput{
				EventType:  ledger.EventAgentResponse,
				AgentID:    &req.Agent.ID,
				WorkflowID: req.WorkflowID,
				Payload: map[string]any{
					"task_id":     req.TaskID,
					"latency_ms":  result.LatencyMs,
					"stop_reason": result.StopReason,
				},
			}); recErr != nil {
				s.log.WithField("agent_id", req.Agent.ID).WithField("error", recErr.Error()).Warn("record agent_response event failed")
			}
		}
	}

	return result, err
}

// recordExecution folds one dispatch outcome into the agent's rolling
// execution window and persists the recomputed reputation. Reputation is
// a best-effort trust signal: a persistence failure is logged, never
// surfaced to the dispatch that triggered it.
func (s *Service) recordExecution(ctx context.Context, ex Execution) {
	s.repMu.Lock()
	window := s.repWindows[ex.AgentID]
	updated := append(append([]Execution{}, window...), ex)
	if len(updated) > reputationWindowSize {
		updated = updated[len(updated)-reputationWindowSize:]
	}
	s.repWindows[ex.AgentID] = updated
	s.repMu.Unlock()

	if _, err := s.repTracker.Record(ctx, updated[:len(updated)-1], ex); err != nil {
		s.log.WithField("agent_id", ex.AgentID).WithField("error", err.Error()).Warn("record agent reputation failed")
	}
}
