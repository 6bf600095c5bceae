package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/eddiefleurent/stamford_momentum/internal/retry"
)

const (
	anthropicBaseURL = "https://api.anthropic.com/v1/messages"
	anthropicVersion = "2023-06-01"
)

// AnthropicReasoner drives the Anthropic Messages API with tool use.
type AnthropicReasoner struct {
	cfg        ClientConfig
	httpClient *http.Client
	logger     *log.Logger
	retryCfg   retry.Config
	baseURL    string
}

// NewAnthropicReasoner builds the Anthropic client.
func NewAnthropicReasoner(cfg *ClientConfig, logger *log.Logger) (*AnthropicReasoner, error) {
	if cfg == nil {
		return nil, fmt.Errorf("anthropic: nil config")
	}
	c := *cfg
	c.sanitize()
	if c.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}
	if c.Model == "" {
		return nil, fmt.Errorf("anthropic: model is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	baseURL := c.BaseURL
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}
	retryCfg := retry.DefaultConfig
	retryCfg.MaxRetries = c.MaxRetries
	retryCfg.Timeout = time.Duration(c.MaxRetries+1) * c.Timeout
	return &AnthropicReasoner{
		cfg:        c,
		httpClient: newHTTPClient(c.Timeout),
		logger:     logger,
		retryCfg:   retryCfg,
		baseURL:    baseURL,
	}, nil
}

// Name implements Reasoner.
func (r *AnthropicReasoner) Name() string { return string(ProviderAnthropic) }

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

// anthropicBlock covers the text, tool_use, and tool_result shapes.
type anthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicResponse struct {
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Decide implements Reasoner. Transient HTTP failures are retried here;
// the caller sees at most one error per step.
func (r *AnthropicReasoner) Decide(ctx context.Context, t *Transcript) (*Decision, error) {
	if t == nil {
		return nil, fmt.Errorf("anthropic: nil transcript")
	}
	req := anthropicRequest{
		Model:       r.cfg.Model,
		MaxTokens:   r.cfg.MaxTokens,
		Temperature: r.cfg.Temperature,
		System:      t.System,
		Messages:    buildAnthropicMessages(t),
		Tools:       anthropicTools(t.Tools),
	}
	resp, err := retry.DoWithConfig(ctx, r.retryCfg, r.logger, "anthropic messages", func(c context.Context) (*anthropicResponse, error) {
		return r.complete(c, &req)
	})
	if err != nil {
		return nil, err
	}
	return decisionFromAnthropic(resp)
}

func (r *AnthropicReasoner) complete(ctx context.Context, req *anthropicRequest) (*anthropicResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", r.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("API error (%s): %s", parsed.Error.Type, parsed.Error.Message)
	}
	return &parsed, nil
}

func buildAnthropicMessages(t *Transcript) []anthropicMessage {
	messages := []anthropicMessage{{
		Role:    "user",
		Content: []anthropicBlock{{Type: "text", Text: t.Prompt}},
	}}

	for _, step := range t.Steps {
		var assistant []anthropicBlock
		if step.Text != "" {
			assistant = append(assistant, anthropicBlock{Type: "text", Text: step.Text})
		}
		for _, call := range step.Calls {
			assistant = append(assistant, anthropicBlock{
				Type:  "tool_use",
				ID:    call.ID,
				Name:  call.Name,
				Input: rawOrEmptyObject(call.Args),
			})
		}
		if len(assistant) > 0 {
			messages = append(messages, anthropicMessage{Role: "assistant", Content: assistant})
		}

		var results []anthropicBlock
		for _, res := range step.Results {
			results = append(results, anthropicBlock{
				Type:      "tool_result",
				ToolUseID: res.CallID,
				Content:   res.Content,
				IsError:   res.IsError,
			})
		}
		if len(results) > 0 {
			messages = append(messages, anthropicMessage{Role: "user", Content: results})
		}
	}
	return messages
}

func anthropicTools(defs []ToolDef) []anthropicTool {
	tools := make([]anthropicTool, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, anthropicTool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: rawOrEmptyObject(def.Parameters),
		})
	}
	return tools
}

func decisionFromAnthropic(resp *anthropicResponse) (*Decision, error) {
	var texts []string
	var calls []ToolCall
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				texts = append(texts, block.Text)
			}
		case "tool_use":
			calls = append(calls, ToolCall{ID: block.ID, Name: block.Name, Args: block.Input})
		}
	}
	if len(texts) == 0 && len(calls) == 0 && resp.StopReason != "end_turn" {
		return nil, fmt.Errorf("empty response (stop_reason %q)", resp.StopReason)
	}
	return &Decision{
		Text:      strings.Join(texts, "\n"),
		ToolCalls: calls,
		Stop:      len(calls) == 0,
	}, nil
}

// rawOrEmptyObject keeps tool schemas and inputs valid JSON objects on
// the wire even when a call carries no arguments.
func rawOrEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
