package backend_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/agentoven/dxtr/internal/backend"
	"github.com/agentoven/dxtr/internal/config"
	"github.com/agentoven/dxtr/internal/faults"
	"github.com/agentoven/dxtr/pkg/models"
)

func newTestRouter(t *testing.T, urls ...string) *backend.ModelRouter {
	t.Helper()
	cfg := config.BackendConfig{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Timeout:        5 * time.Second,
	}
	for i, u := range urls {
		cfg.Providers = append(cfg.Providers, models.ModelProvider{
			Name:     fmt.Sprintf("p%d", i),
			Kind:     "openai",
			Endpoint: u,
			Model:    "master",
		})
	}
	mr, err := backend.NewModelRouter(cfg)
	if err != nil {
		t.Fatalf("NewModelRouter() error = %v", err)
	}
	return mr
}

func completion(content string, calls ...models.ToolCallResult) map[string]interface{} {
	return map[string]interface{}{
		"id": "cmpl-1",
		"choices": []map[string]interface{}{{
			"message":       map[string]interface{}{"content": content, "tool_calls": calls},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	}
}

func TestCompleteReturnsContentAndToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, ok := body["tools"]; !ok {
			t.Error("request did not carry tool definitions")
		}
		call := models.ToolCallResult{ID: "c1", Type: "function", Function: models.FunctionCall{Name: "fetch_papers", Arguments: `{"date":"2025-01-01"}`}}
		_ = json.NewEncoder(w).Encode(completion("", call))
	}))
	defer srv.Close()

	mr := newTestRouter(t, srv.URL)
	resp, err := mr.Complete(context.Background(), &models.RouteRequest{
		Messages: []models.ChatMessage{{Role: "user", Content: "download today's papers"}},
		Tools:    []models.ToolDefinition{{Type: "function", Function: models.ToolFunction{Name: "fetch_papers"}}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	calls := backend.ExtractToolCalls(resp)
	if len(calls) != 1 || calls[0].Name != "fetch_papers" || calls[0].Arguments["date"] != "2025-01-01" {
		t.Errorf("ExtractToolCalls() = %+v", calls)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("Usage.TotalTokens = %d, want 15", resp.Usage.TotalTokens)
	}
	if mr.Usage()["main"].TotalTokens != 15 {
		t.Errorf("tracked usage = %+v", mr.Usage())
	}
}

func TestCompleteRetriesUnavailable(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(completion("hello"))
	}))
	defer srv.Close()

	resp, err := newTestRouter(t, srv.URL).Complete(context.Background(), &models.RouteRequest{})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("Content = %q, want %q", resp.Content, "hello")
	}
	if n := hits.Load(); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestCompleteGivesUpAfterMaxRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestRouter(t, srv.URL).Complete(context.Background(), &models.RouteRequest{})
	if got := faults.KindOf(err); got != faults.BackendUnavailable {
		t.Errorf("kind = %q, want %q (err %v)", got, faults.BackendUnavailable, err)
	}
	if n := hits.Load(); n != 3 {
		t.Errorf("attempts = %d, want 3 (1 + 2 retries)", n)
	}
}

func TestCompleteDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "bad model", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestRouter(t, srv.URL).Complete(context.Background(), &models.RouteRequest{})
	if err == nil {
		t.Fatal("Complete() should fail")
	}
	if faults.Retryable(err) {
		t.Errorf("400 should not be retryable: %v", err)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
}

func TestStatusErrorTruncatesOnRuneBoundary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "a"+strings.Repeat("é", 400), http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestRouter(t, srv.URL).Complete(context.Background(), &models.RouteRequest{})
	if err == nil {
		t.Fatal("Complete() should fail")
	}
	if msg := err.Error(); !utf8.ValidString(msg) || !strings.HasSuffix(msg, "…") {
		t.Errorf("Complete() error = %q, want valid UTF-8 ending in an ellipsis", msg)
	}
}

func TestCompleteFailsOverToNextProvider(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer down.Close()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(completion("from backup"))
	}))
	defer up.Close()

	resp, err := newTestRouter(t, down.URL, up.URL).Complete(context.Background(), &models.RouteRequest{})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Provider != "p1" || resp.Content != "from backup" {
		t.Errorf("resp = %s/%q, want p1/%q", resp.Provider, resp.Content, "from backup")
	}
}

func TestStreamAssemblesChunksInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, tok := range []string{"Here", " are", " papers"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", tok)
		}
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	var got []string
	resp, err := newTestRouter(t, srv.URL).Stream(context.Background(), &models.RouteRequest{}, func(c models.StreamChunk) {
		if c.Content != "" {
			got = append(got, c.Content)
		}
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if strings.Join(got, "|") != "Here| are| papers" {
		t.Errorf("chunks = %q", got)
	}
	if resp.Content != "Here are papers" || resp.FinishReason != "stop" {
		t.Errorf("resp = %q / %q", resp.Content, resp.FinishReason)
	}
}

func TestStreamAssemblesToolCallDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"c1\",\"function\":{\"name\":\"delegate\",\"arguments\":\"{\\\"agent\\\":\"}}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"\\\"papers_ranking\\\"}\"}}]}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	resp, err := newTestRouter(t, srv.URL).Stream(context.Background(), &models.RouteRequest{}, nil)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	calls := backend.ExtractToolCalls(resp)
	if len(calls) != 1 || calls[0].Name != "delegate" || calls[0].Arguments["agent"] != "papers_ranking" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestExtractToolCallsFromContent(t *testing.T) {
	cases := map[string]string{
		"wrapper": `{"tool_calls":[{"name":"list_papers","arguments":{"date":"2025-01-01"}}]}`,
		"array":   `[{"name":"list_papers","arguments":{"date":"2025-01-01"}}]`,
		"fenced":  "```json\n{\"name\":\"list_papers\",\"arguments\":{\"date\":\"2025-01-01\"}}\n```",
	}
	for name, content := range cases {
		calls := backend.ExtractToolCalls(&models.RouteResponse{Content: content})
		if len(calls) != 1 || calls[0].Name != "list_papers" || calls[0].ID != "call_0" {
			t.Errorf("%s: calls = %+v", name, calls)
		}
	}
	if calls := backend.ExtractToolCalls(&models.RouteResponse{Content: "Just text {not json}"}); len(calls) != 0 {
		t.Errorf("plain text produced calls: %+v", calls)
	}
}

func TestExtractToolCallsMarksMalformedArguments(t *testing.T) {
	resp := &models.RouteResponse{ToolCalls: []models.ToolCallResult{{
		ID: "c1", Function: models.FunctionCall{Name: "list_papers", Arguments: `{"date":`},
	}}}
	calls := backend.ExtractToolCalls(resp)
	if len(calls) != 1 || calls[0].Malformed == "" {
		t.Errorf("calls = %+v, want one malformed call", calls)
	}
}
