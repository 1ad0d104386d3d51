package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/agentoven/dxtr/pkg/models"
)

// ── OpenAI-compatible Provider ──────────────────────────────

type openAIRequest struct {
	Model       string                  `json:"model"`
	Messages    []models.ChatMessage    `json:"messages"`
	Tools       []models.ToolDefinition `json:"tools,omitempty"`
	ToolChoice  interface{}             `json:"tool_choice,omitempty"`
	Temperature *float64                `json:"temperature,omitempty"`
	MaxTokens   *int                    `json:"max_tokens,omitempty"`
	Stream      bool                    `json:"stream,omitempty"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content   string                  `json:"content"`
			ToolCalls []models.ToolCallResult `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage openAIUsage `json:"usage"`
}

type openAIUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type openAIStreamChunk struct {
	ID      string `json:"id"`
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

func (mr *ModelRouter) openAIBody(model string, req *models.RouteRequest, stream bool) []byte {
	temp := req.Temperature
	if temp == nil {
		t := mr.cfg.Temperature
		temp = &t
	}
	maxTokens := req.MaxTokens
	if maxTokens == nil && mr.cfg.MaxTokens > 0 {
		mt := mr.cfg.MaxTokens
		maxTokens = &mt
	}
	oaiReq := openAIRequest{
		Model:       model,
		Messages:    req.Messages,
		Tools:       req.Tools,
		Temperature: temp,
		MaxTokens:   maxTokens,
		Stream:      stream,
	}
	if len(req.Tools) > 0 {
		oaiReq.ToolChoice = req.ToolChoice
		if oaiReq.ToolChoice == nil {
			oaiReq.ToolChoice = "auto"
		}
	}
	body, _ := json.Marshal(oaiReq)
	return body
}

func (mr *ModelRouter) callOpenAI(ctx context.Context, provider *models.ModelProvider, model string, req *models.RouteRequest, fn func(models.StreamChunk)) (*models.RouteResponse, error) {
	endpoint := strings.TrimSuffix(provider.Endpoint, "/")
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1"
	}

	body := mr.openAIBody(model, req, fn != nil)

	url := endpoint + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if provider.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+provider.APIKey)
	}
	if fn != nil {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	httpResp, err := mr.client.Do(httpReq)
	if err != nil {
		return nil, transportError(provider.Name, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, statusError(provider.Name, httpResp.StatusCode, respBody)
	}

	if fn != nil {
		return readOpenAIStream(ctx, provider.Name, model, httpResp.Body, fn)
	}

	var oaiResp openAIResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&oaiResp); err != nil {
		return nil, transportError(provider.Name, fmt.Errorf("decode response: %w", err))
	}

	resp := &models.RouteResponse{
		ID:    oaiResp.ID,
		Model: model,
		Usage: models.TokenUsage{
			InputTokens:  oaiResp.Usage.PromptTokens,
			OutputTokens: oaiResp.Usage.CompletionTokens,
			TotalTokens:  oaiResp.Usage.TotalTokens,
		},
	}
	if len(oaiResp.Choices) > 0 {
		resp.Content = oaiResp.Choices[0].Message.Content
		resp.ToolCalls = oaiResp.Choices[0].Message.ToolCalls
		resp.FinishReason = oaiResp.Choices[0].FinishReason
	}
	return resp, nil
}

// readOpenAIStream consumes "data: {...}" lines until "[DONE]", forwarding
// each delta and assembling content and tool calls.
func readOpenAIStream(ctx context.Context, provider, model string, r io.Reader, fn func(models.StreamChunk)) (*models.RouteResponse, error) {
	resp := &models.RouteResponse{ID: uuid.New().String(), Model: model}

	var content strings.Builder
	calls := make(map[int]*models.ToolCallResult)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.ID != "" {
			resp.ID = chunk.ID
		}
		if chunk.Usage != nil {
			resp.Usage = models.TokenUsage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
				TotalTokens:  chunk.Usage.TotalTokens,
			}
		}
		for _, choice := range chunk.Choices {
			if choice.FinishReason != nil {
				resp.FinishReason = *choice.FinishReason
			}
			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				fn(models.StreamChunk{Content: choice.Delta.Content})
			}
			for _, tc := range choice.Delta.ToolCalls {
				call, ok := calls[tc.Index]
				if !ok {
					call = &models.ToolCallResult{Type: "function"}
					calls[tc.Index] = call
				}
				if tc.ID != "" {
					call.ID = tc.ID
				}
				call.Function.Name += tc.Function.Name
				call.Function.Arguments += tc.Function.Arguments
				fn(models.StreamChunk{ToolCall: &models.ToolCallChunk{
					Index:     tc.Index,
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				}})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, transportError(provider, fmt.Errorf("read stream: %w", err))
	}

	indexes := make([]int, 0, len(calls))
	for i := range calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		resp.ToolCalls = append(resp.ToolCalls, *calls[i])
	}
	resp.Content = content.String()
	fn(models.StreamChunk{Done: true, Usage: &resp.Usage})
	return resp, nil
}
