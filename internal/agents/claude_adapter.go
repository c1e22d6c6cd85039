package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// ClaudeAdapter dispatches InvokeRequests to the Anthropic Messages API.
// One adapter instance is shared across every agent whose agent_type is
// "claude"; per-agent differentiation comes from Agent.Model and
// Agent.SystemPrompt, not from separate client instances.
type ClaudeAdapter struct {
	client       anthropic.Client
	defaultModel string
}

// NewClaudeAdapter creates a ClaudeAdapter authenticated with apiKey.
func NewClaudeAdapter(apiKey, defaultModel string) *ClaudeAdapter {
	if defaultModel == "" {
		defaultModel = string(anthropic.ModelClaude3_5SonnetLatest)
	}
	return &ClaudeAdapter{
		client:       anthropic.NewClient(option.WithAPIKey(apiKey)),
		defaultModel: defaultModel,
	}
}

// Metadata implements Adapter.
func (a *ClaudeAdapter) Metadata() AdapterMetadata {
	return AdapterMetadata{Platform: "claude", Capabilities: []string{"text_generation", "reasoning", "tool_use"}}
}

// Validate implements Adapter.
func (a *ClaudeAdapter) Validate(agent *Agent) error {
	if agent.AgentType != "claude" {
		return fmt.Errorf("claude adapter cannot serve agent_type %q", agent.AgentType)
	}
	return nil
}

// HealthCheck implements Adapter by issuing a minimal, cheap request.
func (a *ClaudeAdapter) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.defaultModel),
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
	})
	if err != nil {
		return fmt.Errorf("claude health check: %w", err)
	}
	return nil
}

// Invoke implements Adapter.
func (a *ClaudeAdapter) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	model := req.Agent.Model
	if model == "" {
		model = a.defaultModel
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 4096,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.Agent.SystemPrompt != nil {
		params.System = []anthropic.TextBlockParam{{Text: *req.Agent.SystemPrompt}}
	}

	started := time.Now()
	message, err := a.client.Messages.New(ctx, params)
	latency := time.Since(started).Milliseconds()
	if err != nil {
		return nil, fmt.Errorf("invoke claude agent %s: %w", req.Agent.Name, err)
	}

	var content string
	var toolCalls []ToolCall
	for _, block := range message.Content {
		if text := block.AsText(); text.Text != "" {
			content += text.Text
		}
		if use := block.AsToolUse(); use.ID != "" {
			var input map[string]any
			if err := json.Unmarshal(use.Input, &input); err != nil {
				input = map[string]any{"_raw": string(use.Input)}
			}
			toolCalls = append(toolCalls, ToolCall{ID: use.ID, Name: use.Name, Input: input})
		}
	}

	return &InvokeResult{
		Content:    content,
		ToolCalls:  toolCalls,
		StopReason: string(message.StopReason),
		Model:      string(message.Model),
		Usage: Usage{
			InputTokens:  message.Usage.InputTokens,
			OutputTokens: message.Usage.OutputTokens,
		},
		Metadata: map[string]any{
			"model":         string(message.Model),
			"stop_reason":   string(message.StopReason),
			"input_tokens":  message.Usage.InputTokens,
			"output_tokens": message.Usage.OutputTokens,
		},
		LatencyMs: latency,
	}, nil
}

var _ Adapter = (*ClaudeAdapter)(nil)
