package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/r3e-network/agent-trust-layer/internal/httputil"
	"github.com/r3e-network/agent-trust-layer/pkg/version"
)

// WebhookAdapter dispatches InvokeRequests as POSTs to an agent-specific
// HTTP endpoint and extracts the reply using a gjson dot path, the same
// path syntax settlement conditions use, so an operator configuring both
// only learns one addressing scheme.
type WebhookAdapter struct {
	httpClient   *http.Client
	contentField string
}

// NewWebhookAdapter creates a WebhookAdapter. contentField names the
// gjson path inside the endpoint's JSON response that carries the reply
// text (e.g. "output.text" or "choices.0.message.content").
func NewWebhookAdapter(timeout time.Duration, contentField string) *WebhookAdapter {
	if contentField == "" {
		contentField = "content"
	}
	return &WebhookAdapter{
		httpClient:   httputil.CopyHTTPClientWithTimeout(nil, timeout, false),
		contentField: contentField,
	}
}

// Metadata implements Adapter.
func (a *WebhookAdapter) Metadata() AdapterMetadata {
	return AdapterMetadata{Platform: "webhook", Capabilities: []string{"http_dispatch"}}
}

// Validate implements Adapter.
func (a *WebhookAdapter) Validate(agent *Agent) error {
	if agent.AgentType != "webhook" {
		return fmt.Errorf("webhook adapter cannot serve agent_type %q", agent.AgentType)
	}
	if agent.Endpoint == nil || *agent.Endpoint == "" {
		return fmt.Errorf("agent %s has no webhook endpoint configured", agent.Name)
	}
	return nil
}

// HealthCheck implements Adapter. It sends no request and always reports
// healthy: webhook agents have no single shared endpoint to probe, and
// each agent's endpoint is checked by Validate instead.
func (a *WebhookAdapter) HealthCheck(ctx context.Context) error {
	return nil
}

type webhookPayload struct {
	Prompt     string         `json:"prompt"`
	Context    map[string]any `json:"context,omitempty"`
	WorkflowID *string        `json:"workflow_id,omitempty"`
	TaskID     *string        `json:"task_id,omitempty"`
}

// Invoke implements Adapter.
func (a *WebhookAdapter) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	if err := a.Validate(req.Agent); err != nil {
		return nil, err
	}

	body, err := json.Marshal(webhookPayload{
		Prompt:     req.Prompt,
		Context:    req.Context,
		WorkflowID: req.WorkflowID,
		TaskID:     req.TaskID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal webhook payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, *req.Agent.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build webhook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", version.UserAgent())
	if token, ok := req.Agent.Configuration["api_key"].(string); ok && token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	started := time.Now()
	resp, err := a.httpClient.Do(httpReq)
	latency := time.Since(started).Milliseconds()
	if err != nil {
		return nil, fmt.Errorf("invoke webhook agent %s: %w", req.Agent.Name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read webhook response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("webhook agent %s returned status %d", req.Agent.Name, resp.StatusCode)
	}

	content := gjson.GetBytes(respBody, a.contentField).String()
	stopReason := gjson.GetBytes(respBody, "stop_reason").String()
	model := gjson.GetBytes(respBody, "model").String()

	var metadata map[string]any
	_ = json.Unmarshal(respBody, &metadata)

	return &InvokeResult{
		Content:    content,
		StopReason: stopReason,
		Model:      model,
		Usage: Usage{
			InputTokens:  gjson.GetBytes(respBody, "usage.input_tokens").Int(),
			OutputTokens: gjson.GetBytes(respBody, "usage.output_tokens").Int(),
		},
		Metadata:  metadata,
		LatencyMs: latency,
	}, nil
}

var _ Adapter = (*WebhookAdapter)(nil)
