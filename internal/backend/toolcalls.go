package backend

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentoven/dxtr/pkg/models"
)

// ToolCall is a decoded tool invocation requested by the model. Malformed
// holds the decode error when the model produced unparseable arguments;
// callers feed it back instead of invoking the tool.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
	Malformed string                 `json:"-"`
}

// ExtractToolCalls returns the tool calls in resp. Structured tool_calls are
// preferred; otherwise the content is checked for a JSON tool-call block,
// either {"tool_calls": [...]} or a bare array, optionally fenced.
func ExtractToolCalls(resp *models.RouteResponse) []ToolCall {
	if resp == nil {
		return nil
	}
	if len(resp.ToolCalls) > 0 {
		calls := make([]ToolCall, 0, len(resp.ToolCalls))
		for i, tc := range resp.ToolCalls {
			call := ToolCall{ID: tc.ID, Name: tc.Function.Name}
			if call.ID == "" {
				call.ID = fmt.Sprintf("call_%d", i)
			}
			if raw := strings.TrimSpace(tc.Function.Arguments); raw != "" {
				if err := json.Unmarshal([]byte(raw), &call.Arguments); err != nil {
					call.Malformed = err.Error()
				}
			}
			calls = append(calls, call)
		}
		return calls
	}
	return parseContentToolCalls(resp.Content)
}

func parseContentToolCalls(content string) []ToolCall {
	text := stripFence(strings.TrimSpace(content))
	if text == "" || (text[0] != '{' && text[0] != '[') {
		return nil
	}

	// Wrapper format: {"tool_calls": [...]}
	var wrapper struct {
		ToolCalls []ToolCall `json:"tool_calls"`
	}
	if err := json.Unmarshal([]byte(text), &wrapper); err == nil && len(wrapper.ToolCalls) > 0 {
		return assignIDs(wrapper.ToolCalls)
	}

	// Direct array: [{"name": "...", "arguments": {...}}]
	var calls []ToolCall
	if err := json.Unmarshal([]byte(text), &calls); err == nil && len(calls) > 0 && calls[0].Name != "" {
		return assignIDs(calls)
	}

	// Single call object: {"name": "...", "arguments": {...}}
	var single ToolCall
	if err := json.Unmarshal([]byte(text), &single); err == nil && single.Name != "" && single.Arguments != nil {
		return assignIDs([]ToolCall{single})
	}
	return nil
}

func assignIDs(calls []ToolCall) []ToolCall {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = fmt.Sprintf("call_%d", i)
		}
	}
	return calls
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

// ToolCallMessage renders calls as the assistant message that requested them.
func ToolCallMessage(content string, calls []ToolCall) models.ChatMessage {
	msg := models.ChatMessage{Role: "assistant", Content: content}
	for _, c := range calls {
		args, _ := json.Marshal(c.Arguments)
		msg.ToolCalls = append(msg.ToolCalls, models.ToolCallResult{
			ID:       c.ID,
			Type:     "function",
			Function: models.FunctionCall{Name: c.Name, Arguments: string(args)},
		})
	}
	return msg
}
