package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/agentoven/dxtr/pkg/models"
)

// ── Anthropic Provider ──────────────────────────────────────

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text"`
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// toAnthropic flattens the chat history into the messages API shape.
// System messages are joined into the system field; tool traffic is
// rendered as text turns so the history stays in strict user/assistant
// alternation.
func toAnthropic(messages []models.ChatMessage) (string, []anthropicMessage) {
	var system []string
	var out []anthropicMessage
	push := func(role, text string) {
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n\n" + text
			return
		}
		out = append(out, anthropicMessage{Role: role, Content: text})
	}

	for _, m := range messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "tool":
			push("user", fmt.Sprintf("[Tool: %s] %s", m.Name, m.Content))
		case "assistant":
			text := m.Content
			for _, tc := range m.ToolCalls {
				text += fmt.Sprintf("\n[Called %s with %s]", tc.Function.Name, tc.Function.Arguments)
			}
			push("assistant", strings.TrimSpace(text))
		default:
			push("user", m.Content)
		}
	}
	return strings.Join(system, "\n\n"), out
}

func (mr *ModelRouter) callAnthropic(ctx context.Context, provider *models.ModelProvider, model string, req *models.RouteRequest, fn func(models.StreamChunk)) (*models.RouteResponse, error) {
	endpoint := strings.TrimSuffix(provider.Endpoint, "/")
	if endpoint == "" {
		endpoint = "https://api.anthropic.com"
	}
	if provider.APIKey == "" {
		return nil, fmt.Errorf("anthropic: api_key not configured for provider %s", provider.Name)
	}

	maxTokens := 4096
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	} else if mr.cfg.MaxTokens > 0 {
		maxTokens = mr.cfg.MaxTokens
	}
	temp := req.Temperature
	if temp == nil {
		t := mr.cfg.Temperature
		temp = &t
	}

	system, messages := toAnthropic(req.Messages)
	anthReq := anthropicRequest{
		Model:       model,
		System:      system,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temp,
	}
	for _, t := range req.Tools {
		anthReq.Tools = append(anthReq.Tools, anthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	body, _ := json.Marshal(anthReq)

	url := endpoint + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", provider.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	httpResp, err := mr.client.Do(httpReq)
	if err != nil {
		return nil, transportError(provider.Name, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, statusError(provider.Name, httpResp.StatusCode, respBody)
	}

	var anthResp anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&anthResp); err != nil {
		return nil, transportError(provider.Name, fmt.Errorf("decode response: %w", err))
	}

	resp := &models.RouteResponse{
		ID:           anthResp.ID,
		Model:        model,
		FinishReason: anthResp.StopReason,
		Usage: models.TokenUsage{
			InputTokens:  anthResp.Usage.InputTokens,
			OutputTokens: anthResp.Usage.OutputTokens,
			TotalTokens:  anthResp.Usage.InputTokens + anthResp.Usage.OutputTokens,
		},
	}
	var content strings.Builder
	for _, c := range anthResp.Content {
		switch c.Type {
		case "text":
			content.WriteString(c.Text)
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCallResult{
				ID:       c.ID,
				Type:     "function",
				Function: models.FunctionCall{Name: c.Name, Arguments: string(c.Input)},
			})
		}
	}
	resp.Content = content.String()
	if len(resp.ToolCalls) > 0 {
		resp.FinishReason = "tool_calls"
	}

	// The messages API is consumed whole; a streaming caller gets the text
	// as one chunk so both paths share one contract.
	if fn != nil {
		if resp.Content != "" {
			fn(models.StreamChunk{Content: resp.Content})
		}
		for i, tc := range resp.ToolCalls {
			fn(models.StreamChunk{ToolCall: &models.ToolCallChunk{Index: i, ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments}})
		}
		fn(models.StreamChunk{Done: true, Usage: &resp.Usage})
	}
	return resp, nil
}
