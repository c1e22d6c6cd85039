package agents

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/agent-trust-layer/internal/crypto"
	"github.com/r3e-network/agent-trust-layer/internal/ledger"
)

// stubAdapter exercises Dispatch without reaching any real platform.
type stubAdapter struct {
	fail bool
}

func (a *stubAdapter) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	if a.fail {
		return nil, errors.New("stub adapter failure")
	}
	return &InvokeResult{Content: "ok"}, nil
}
func (a *stubAdapter) Validate(agent *Agent) error { return nil }
func (a *stubAdapter) Metadata() AdapterMetadata {
	return AdapterMetadata{Platform: "claude"}
}
func (a *stubAdapter) HealthCheck(ctx context.Context) error { return nil }

func newTestService(t *testing.T) (*Service, Store) {
	t.Helper()
	store := NewMemoryStore()
	events := ledger.NewEventService(ledger.NewMemoryStore(), nil)
	svc := NewService(store, events, NewRegistry(), nil, 16)
	return svc, store
}

func TestRegisterAgentIssuesAPIKeyOnce(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	agent, apiKey, err := svc.RegisterAgent(ctx, RegisterInput{
		Name:         "reviewer",
		AgentType:    "claude",
		Capabilities: []string{"code_review"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, apiKey)
	assert.Equal(t, StatusRegistered, agent.Status)
	assert.NotEqual(t, apiKey, agent.APIKeyHash)
}

func TestVerifyAgentKeyRejectsWrongKey(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	agent, apiKey, err := svc.RegisterAgent(ctx, RegisterInput{Name: "reviewer", AgentType: "claude"})
	require.NoError(t, err)

	ok, err := svc.VerifyAgentKey(ctx, agent.ID, apiKey)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.VerifyAgentKey(ctx, agent.ID, "uaef_wrongkey")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindAvailableAgentFiltersByCapabilityAndStatus(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	dormant, _, err := svc.RegisterAgent(ctx, RegisterInput{Name: "dormant", AgentType: "claude", Capabilities: []string{"code_review"}})
	require.NoError(t, err)

	active, _, err := svc.RegisterAgent(ctx, RegisterInput{Name: "active", AgentType: "claude", Capabilities: []string{"code_review"}})
	require.NoError(t, err)
	_, err = svc.ActivateAgent(ctx, active.ID)
	require.NoError(t, err)

	found, err := svc.FindAvailableAgent(ctx, "code_review", "claude", 0)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, active.ID, found.ID)
	assert.NotEqual(t, dormant.ID, found.ID)
}

func TestUpdateAgentMetricsTracksSuccessRate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	agent, _, err := svc.RegisterAgent(ctx, RegisterInput{Name: "worker", AgentType: "webhook"})
	require.NoError(t, err)

	require.NoError(t, svc.UpdateAgentMetrics(ctx, agent.ID, true))
	require.NoError(t, svc.UpdateAgentMetrics(ctx, agent.ID, false))

	updated, err := svc.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.TotalTasks)
	assert.Equal(t, 0.5, updated.SuccessRate())
}

func TestDispatchRecordsReputation(t *testing.T) {
	store := NewMemoryStore()
	events := ledger.NewEventService(ledger.NewMemoryStore(), nil)
	registry := NewRegistry()
	registry.Register("claude", &stubAdapter{})
	svc := NewService(store, events, registry, nil, 16)
	ctx := context.Background()

	agent, _, err := svc.RegisterAgent(ctx, RegisterInput{Name: "worker", AgentType: "claude"})
	require.NoError(t, err)

	_, err = svc.Dispatch(ctx, InvokeRequest{Agent: agent})
	require.NoError(t, err)

	rep, err := store.GetReputation(ctx, agent.ID)
	require.NoError(t, err)
	require.NotNil(t, rep, "every dispatch must persist a recomputed reputation")
	assert.Equal(t, 1, rep.SampleCount)
	assert.Equal(t, 1.0, rep.SuccessRate)
}

func TestDispatchFailureLowersReputation(t *testing.T) {
	store := NewMemoryStore()
	events := ledger.NewEventService(ledger.NewMemoryStore(), nil)
	registry := NewRegistry()
	registry.Register("claude", &stubAdapter{fail: true})
	svc := NewService(store, events, registry, nil, 0)
	ctx := context.Background()

	agent, _, err := svc.RegisterAgent(ctx, RegisterInput{Name: "flaky", AgentType: "claude"})
	require.NoError(t, err)

	_, err = svc.Dispatch(ctx, InvokeRequest{Agent: agent})
	require.Error(t, err)

	rep, err := store.GetReputation(ctx, agent.ID)
	require.NoError(t, err)
	require.NotNil(t, rep)
	assert.Equal(t, 0.0, rep.SuccessRate)
	assert.Equal(t, 0.0, rep.TrustScore)
}

func TestFindAvailableAgentPrefersHigherTrustScore(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	weak, _, err := svc.RegisterAgent(ctx, RegisterInput{Name: "weak", AgentType: "claude", Capabilities: []string{"review"}})
	require.NoError(t, err)
	_, err = svc.ActivateAgent(ctx, weak.ID)
	require.NoError(t, err)

	strong, _, err := svc.RegisterAgent(ctx, RegisterInput{Name: "strong", AgentType: "claude", Capabilities: []string{"review"}})
	require.NoError(t, err)
	_, err = svc.ActivateAgent(ctx, strong.ID)
	require.NoError(t, err)

	require.NoError(t, store.PutReputation(ctx, &Reputation{AgentID: weak.ID, SuccessRate: 0.2, TrustScore: 0.2, SampleCount: 10}))
	require.NoError(t, store.PutReputation(ctx, &Reputation{AgentID: strong.ID, SuccessRate: 0.9, TrustScore: 0.9, SampleCount: 10}))

	found, err := svc.FindAvailableAgent(ctx, "review", "claude", 0)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, strong.ID, found.ID)
}

func TestRegisterAgentEncryptsConfiguredSecretsAtRest(t *testing.T) {
	store := NewMemoryStore()
	events := ledger.NewEventService(ledger.NewMemoryStore(), nil)
	svc := NewService(store, events, NewRegistry(), nil, 16).
		WithEncryption(crypto.NewEncryptionService("test-passphrase"))
	ctx := context.Background()

	endpoint := "https://example.com/hook"
	agent, _, err := svc.RegisterAgent(ctx, RegisterInput{
		Name:          "webhook-agent",
		AgentType:     "webhook",
		Endpoint:      &endpoint,
		Configuration: map[string]any{"api_key": "plaintext-secret"},
	})
	require.NoError(t, err)

	stored, err := store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	sealed, _ := stored.Configuration["api_key"].(string)
	assert.True(t, strings.HasPrefix(sealed, encryptedFieldPrefix))
	assert.NotEqual(t, "plaintext-secret", sealed)

	decrypted := svc.decryptConfig(stored.Configuration)
	assert.Equal(t, "plaintext-secret", decrypted["api_key"])
}
