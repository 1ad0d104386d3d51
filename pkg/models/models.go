package models

import (
	"time"
)

// ── Model Provider ───────────────────────────────────────────

type ModelProvider struct {
	Name     string `json:"name" yaml:"name"`
	Kind     string `json:"kind" yaml:"kind"` // "openai", "anthropic"
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint"`
	Model    string `json:"model" yaml:"model"`
	APIKey   string `json:"-" yaml:"api_key"`
}

// ── Model Routing ────────────────────────────────────────────

type RouteRequest struct {
	Messages []ChatMessage `json:"messages"`
	Model    string        `json:"model,omitempty"`
	AgentRef string        `json:"agent_ref,omitempty"`

	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stream      bool     `json:"stream,omitempty"`

	// ── Tool Calling ─────────────────────────────────────────
	Tools      []ToolDefinition `json:"tools,omitempty"`
	ToolChoice interface{}      `json:"tool_choice,omitempty"` // "auto", "none", "required"

	SessionID string `json:"session_id,omitempty"`
}

// ToolDefinition describes a tool the LLM can call.
type ToolDefinition struct {
	Type     string       `json:"type"` // "function"
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a callable function for tool-use.
type ToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"` // JSON Schema
}

// ToolCallResult is a structured tool call returned by the LLM.
type ToolCallResult struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // "function"
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON string
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	ToolCalls  []ToolCallResult `json:"tool_calls,omitempty"`   // assistant messages with tool calls
	ToolCallID string           `json:"tool_call_id,omitempty"` // tool result messages
	Name       string           `json:"name,omitempty"`         // function name for tool messages
}

type RouteResponse struct {
	ID        string     `json:"id"`
	Provider  string     `json:"provider"`
	Model     string     `json:"model"`
	Content   string     `json:"content"`
	Usage     TokenUsage `json:"usage"`
	LatencyMs int64      `json:"latency_ms"`

	FinishReason string           `json:"finish_reason,omitempty"` // "stop", "tool_calls", "length"
	ToolCalls    []ToolCallResult `json:"tool_calls,omitempty"`
}

type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// ── Streaming ────────────────────────────────────────────────

// StreamChunk is a single token/event from a streaming model response.
type StreamChunk struct {
	Content  string         `json:"content,omitempty"`
	ToolCall *ToolCallChunk `json:"tool_call,omitempty"` // partial tool call
	Done     bool           `json:"done"`
	Error    string         `json:"error,omitempty"`
	Usage    *TokenUsage    `json:"usage,omitempty"` // final usage (on done)
}

// ToolCallChunk is a partial tool call from a streaming response.
type ToolCallChunk struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"` // partial JSON string
}

// ── Turn I/O ─────────────────────────────────────────────────

// SubmitRequest is one inbound user message.
type SubmitRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
}

// TurnOutcome summarises how a turn ended.
type TurnOutcome string

const (
	OutcomeAnswered       TurnOutcome = "answered"
	OutcomeAwaiting       TurnOutcome = "awaiting_confirmation"
	OutcomeReprompted     TurnOutcome = "reprompted"
	OutcomeExecuted       TurnOutcome = "executed"
	OutcomeDenied         TurnOutcome = "denied"
	OutcomeFailed         TurnOutcome = "failed"
	OutcomeBlocked        TurnOutcome = "blocked"
	OutcomeDelegationDone TurnOutcome = "delegated"
)

type TurnResponse struct {
	TurnID    string      `json:"turn_id"`
	UserID    string      `json:"user_id"`
	SessionID string      `json:"session_id"`
	Answer    string      `json:"answer"`
	State     StateKind   `json:"state"`
	Outcome   TurnOutcome `json:"outcome"`
	Artifacts []string    `json:"artifacts,omitempty"`
	LatencyMs int64       `json:"latency_ms"`
}

// TurnEventType mirrors the SSE event names of the streaming chat endpoint.
type TurnEventType string

const (
	EventStatus TurnEventType = "status"
	EventToken  TurnEventType = "token"
	EventDone   TurnEventType = "done"
	EventError  TurnEventType = "error"
)

type TurnEvent struct {
	Type      TurnEventType `json:"type"`
	Message   string        `json:"message,omitempty"`
	Content   string        `json:"content,omitempty"`
	Answer    string        `json:"answer,omitempty"`
	State     StateKind     `json:"state,omitempty"`
	Outcome   TurnOutcome   `json:"outcome,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// SpecialistInfo is the public view of a catalog entry.
type SpecialistInfo struct {
	Name        string   `json:"name"`
	Capability  string   `json:"capability"`
	Description string   `json:"description"`
	Tools       []string `json:"tools"`
	MaxSteps    int      `json:"max_steps"`
	TimeoutMs   int64    `json:"timeout_ms"`
}
