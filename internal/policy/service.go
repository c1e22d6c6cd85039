package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/time/rate"

	"github.com/r3e-network/agent-trust-layer/internal/crypto"
	"github.com/r3e-network/agent-trust-layer/pkg/logger"
)

// Service evaluates named policies against a dispatch target, implementing
// workflow.PolicyChecker.
type Service struct {
	store Store
	log   *logger.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewService creates a policy Service backed by store.
func NewService(store Store, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("policy")
	}
	return &Service{store: store, log: log, limiters: map[string]*rate.Limiter{}}
}

// CreatePolicyInput carries the fields needed to register a new Policy.
type CreatePolicyInput struct {
	Name              string
	Description       string
	Type              Type
	EnforcementLevel  EnforcementLevel
	RuleDefinition    map[string]any
	ScopedAgentIDs    []string
	ScopedWorkflowIDs []string
}

// CreatePolicy registers a new, active Policy.
func (s *Service) CreatePolicy(ctx context.Context, in CreatePolicyInput) (*Policy, error) {
	id, err := crypto.GenerateID()
	if err != nil {
		return nil, err
	}
	level := in.EnforcementLevel
	if level == "" {
		level = EnforcementWarn
	}
	now := time.Now().UTC().Truncate(time.Microsecond)

	p := &Policy{
		ID:                id,
		Name:              in.Name,
		Description:       in.Description,
		Type:              in.Type,
		EnforcementLevel:  level,
		RuleDefinition:    in.RuleDefinition,
		ScopedAgentIDs:    in.ScopedAgentIDs,
		ScopedWorkflowIDs: in.ScopedWorkflowIDs,
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.CreatePolicy(ctx, p); err != nil {
		return nil, err
	}
	s.log.WithField("policy_id", p.ID).WithField("type", string(p.Type)).Info("policy created")
	return p, nil
}

// GetPolicy returns a Policy by ID.
func (s *Service) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	return s.store.GetPolicy(ctx, id)
}

// CheckDispatch evaluates every named policy against agentID, satisfying
// workflow.PolicyChecker. A strict violation returns an error; warn/log
// violations are logged and never block dispatch.
func (s *Service) CheckDispatch(ctx context.Context, agentID string, policies []string) error {
	var combined *multierror.Error

	for _, name := range policies {
		p, err := s.store.GetPolicyByName(ctx, name)
		if err != nil {
			return fmt.Errorf("lookup policy %s: %w", name, err)
		}
		if p == nil || !p.IsActive || !p.appliesTo(agentID) {
			continue
		}

		violation, detail := s.evaluate(p, agentID)
		if violation == "" {
			continue
		}

		switch p.EnforcementLevel {
		case EnforcementStrict:
			combined = multierror.Append(combined, fmt.Errorf("policy %s violated: %s", p.Name, violation))
		case EnforcementWarn:
			s.log.WithField("policy", p.Name).WithField("agent_id", agentID).WithField("detail", detail).Warn("policy violation (warn)")
		default:
			s.log.WithField("policy", p.Name).WithField("agent_id", agentID).WithField("detail", detail).Info("policy violation (log)")
		}
	}

	return combined.ErrorOrNil()
}

// evaluate returns a non-empty violation description when policy p is
// violated by agentID, plus a detail string for logging.
func (s *Service) evaluate(p *Policy, agentID string) (violation, detail string) {
	switch p.Type {
	case TypeRateLimit:
		if !s.allowRate(p, agentID) {
			return "rate limit exceeded", fmt.Sprintf("agent=%s policy=%s", agentID, p.Name)
		}
	case TypeDataAccess:
		if deniedAgentIDs, ok := p.RuleDefinition["denied_agent_ids"].([]any); ok {
			for _, v := range deniedAgentIDs {
				if id, ok := v.(string); ok && id == agentID {
					return "agent denied data access scope", fmt.Sprintf("agent=%s policy=%s", agentID, p.Name)
				}
			}
		}
	case TypeApproval:
		if autoApprove, _ := p.RuleDefinition["auto_approve"].(bool); !autoApprove {
			return "dispatch requires prior human approval", fmt.Sprintf("agent=%s policy=%s", agentID, p.Name)
		}
	case TypeCompliance:
		// Compliance checkpoints are evaluated transactionally by the
		// compliance package; this policy type exists so a workflow can
		// name a compliance dependency without duplicating its rules.
	}
	return "", ""
}

func (s *Service) allowRate(p *Policy, agentID string) bool {
	rps, _ := p.RuleDefinition["requests_per_second"].(float64)
	if rps <= 0 {
		rps = 1
	}
	burst, _ := p.RuleDefinition["burst"].(float64)
	if burst <= 0 {
		burst = rps * 2
	}

	key := p.ID + ":" + agentID
	s.mu.Lock()
	limiter, ok := s.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(rps), int(burst))
		s.limiters[key] = limiter
	}
	s.mu.Unlock()

	return limiter.Allow()
}
