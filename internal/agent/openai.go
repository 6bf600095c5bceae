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

const openAIBaseURL = "https://api.openai.com/v1/chat/completions"

// OpenAIReasoner drives the OpenAI chat completions API with function
// calling. BaseURL overrides also cover OpenAI-compatible gateways.
type OpenAIReasoner struct {
	cfg        ClientConfig
	httpClient *http.Client
	logger     *log.Logger
	retryCfg   retry.Config
	baseURL    string
}

// NewOpenAIReasoner builds the OpenAI client.
func NewOpenAIReasoner(cfg *ClientConfig, logger *log.Logger) (*OpenAIReasoner, error) {
	if cfg == nil {
		return nil, fmt.Errorf("openai: nil config")
	}
	c := *cfg
	c.sanitize()
	if c.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	if c.Model == "" {
		return nil, fmt.Errorf("openai: model is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	baseURL := c.BaseURL
	if baseURL == "" {
		baseURL = openAIBaseURL
	}
	retryCfg := retry.DefaultConfig
	retryCfg.MaxRetries = c.MaxRetries
	retryCfg.Timeout = time.Duration(c.MaxRetries+1) * c.Timeout
	return &OpenAIReasoner{
		cfg:        c,
		httpClient: newHTTPClient(c.Timeout),
		logger:     logger,
		retryCfg:   retryCfg,
		baseURL:    baseURL,
	}, nil
}

// Name implements Reasoner.
func (r *OpenAIReasoner) Name() string { return string(ProviderOpenAI) }

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Tools       []openAITool    `json:"tools,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIResponse struct {
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Decide implements Reasoner. Transient HTTP failures are retried here;
// the caller sees at most one error per step.
func (r *OpenAIReasoner) Decide(ctx context.Context, t *Transcript) (*Decision, error) {
	if t == nil {
		return nil, fmt.Errorf("openai: nil transcript")
	}
	req := openAIRequest{
		Model:       r.cfg.Model,
		Messages:    buildOpenAIMessages(t),
		Tools:       openAITools(t.Tools),
		MaxTokens:   r.cfg.MaxTokens,
		Temperature: r.cfg.Temperature,
	}
	resp, err := retry.DoWithConfig(ctx, r.retryCfg, r.logger, "openai chat completion", func(c context.Context) (*openAIResponse, error) {
		return r.complete(c, &req)
	})
	if err != nil {
		return nil, err
	}
	return decisionFromOpenAI(resp)
}

func (r *OpenAIReasoner) complete(ctx context.Context, req *openAIRequest) (*openAIResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)

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

	var parsed openAIResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("API error (%s): %s", parsed.Error.Type, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}
	return &parsed, nil
}

func buildOpenAIMessages(t *Transcript) []openAIMessage {
	messages := []openAIMessage{
		{Role: "system", Content: t.System},
		{Role: "user", Content: t.Prompt},
	}

	for _, step := range t.Steps {
		assistant := openAIMessage{Role: "assistant", Content: step.Text}
		for _, call := range step.Calls {
			tc := openAIToolCall{ID: call.ID, Type: "function"}
			tc.Function.Name = call.Name
			tc.Function.Arguments = string(rawOrEmptyObject(call.Args))
			assistant.ToolCalls = append(assistant.ToolCalls, tc)
		}
		messages = append(messages, assistant)

		for _, res := range step.Results {
			messages = append(messages, openAIMessage{
				Role:       "tool",
				ToolCallID: res.CallID,
				Content:    res.Content,
			})
		}
	}
	return messages
}

func openAITools(defs []ToolDef) []openAITool {
	tools := make([]openAITool, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, openAITool{
			Type: "function",
			Function: openAIFunction{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  rawOrEmptyObject(def.Parameters),
			},
		})
	}
	return tools
}

func decisionFromOpenAI(resp *openAIResponse) (*Decision, error) {
	choice := resp.Choices[0]
	calls := make([]ToolCall, 0, len(choice.Message.ToolCalls))
	for _, tc := range choice.Message.ToolCalls {
		calls = append(calls, ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}
	if choice.Message.Content == "" && len(calls) == 0 && choice.FinishReason != "stop" {
		return nil, fmt.Errorf("empty response (finish_reason %q)", choice.FinishReason)
	}
	return &Decision{
		Text:      choice.Message.Content,
		ToolCalls: calls,
		Stop:      len(calls) == 0,
	}, nil
}
