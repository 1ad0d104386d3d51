package toolbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/dxtr/internal/actions"
)

// RemoteAuth configures the credentials sent to a remote tool server.
type RemoteAuth struct {
	Type   string // "bearer" or "api-key"
	Token  string
	Header string
	Key    string
}

// Remote invokes tools hosted by a JSON-RPC 2.0 tool server ("tools/call").
type Remote struct {
	Name     string
	Endpoint string
	Auth     RemoteAuth
	client   *http.Client
}

type rpcContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type rpcToolResult struct {
	Content   []rpcContent `json:"content"`
	IsError   bool         `json:"isError,omitempty"`
	Artifacts []string     `json:"artifacts,omitempty"`
}

type rpcResponse struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      interface{}    `json:"id"`
	Result  *rpcToolResult `json:"result,omitempty"`
	Error   *rpcError      `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Call sends a tools/call request. A server that does not answer in
// JSON-RPC form has its raw body returned as text.
func (r *Remote) Call(ctx context.Context, tool string, args actions.Args) (actions.Result, error) {
	rpcReq := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "tools/call",
		"params": map[string]interface{}{
			"name":      tool,
			"arguments": args,
		},
		"id": uuid.New().String(),
	}
	body, _ := json.Marshal(rpcReq)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Endpoint, bytes.NewReader(body))
	if err != nil {
		return actions.Result{}, toolErr(ErrUpstream, "create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	r.applyAuth(httpReq)

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return actions.Result{}, toolErr(ErrUnavailable, "%s service: %v", r.Name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return actions.Result{}, toolErr(ErrUnavailable, "read %s response: %v", r.Name, err)
	}
	if resp.StatusCode >= 400 {
		log.Warn().Str("remote", r.Name).Int("status", resp.StatusCode).Msg("Remote tool call failed")
		return actions.Result{}, toolErr(ErrUpstream, "%s service returned %d", r.Name, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err == nil && (rpcResp.Result != nil || rpcResp.Error != nil) {
		if rpcResp.Error != nil {
			return actions.Result{}, toolErr(ErrUpstream, "%s: %s (code %d)", tool, rpcResp.Error.Message, rpcResp.Error.Code)
		}
		text := joinText(rpcResp.Result.Content)
		if rpcResp.Result.IsError {
			return actions.Result{}, toolErr(ErrUpstream, "%s: %s", tool, text)
		}
		return actions.Result{Output: text, Artifacts: rpcResp.Result.Artifacts}, nil
	}

	return actions.Result{Output: string(respBody)}, nil
}

func joinText(content []rpcContent) string {
	parts := make([]string, 0, len(content))
	for _, c := range content {
		if c.Type == "text" && c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func (r *Remote) applyAuth(req *http.Request) {
	switch r.Auth.Type {
	case "bearer":
		if r.Auth.Token != "" {
			req.Header.Set("Authorization", "Bearer "+r.Auth.Token)
		}
	case "api-key":
		if r.Auth.Header != "" && r.Auth.Key != "" {
			req.Header.Set(r.Auth.Header, r.Auth.Key)
		}
	}
}

func (tb *Toolbox) searchPapersTool() actions.Tool {
	return actions.Tool{
		Name:        "search_papers",
		Description: "Search the full text of downloaded papers and return the most relevant passages with their paper ids.",
		Schema: actions.Schema{
			Properties: map[string]actions.Property{
				"query": {Type: actions.TypeString, Description: "The research question or search terms"},
				"date":  dateProperty,
				"top_k": {Type: actions.TypeInteger, Description: "Number of passages to return (default 5)"},
			},
			Required: []string{"query"},
		},
		Handler: tb.searchPapers,
	}
}

func (tb *Toolbox) searchPapers(ctx context.Context, args actions.Args) (actions.Result, error) {
	if tb.research == nil {
		return actions.Result{}, toolErr(ErrUnavailable, "no research service is configured")
	}
	query := str(args, "query")
	if query == "" {
		return actions.Result{}, toolErr("invalid_query", "query must not be empty")
	}
	call := actions.Args{"query": query, "top_k": intArg(args, "top_k", 5)}
	if date := str(args, "date"); date != "" {
		if _, err := parseDate(args); err != nil {
			return actions.Result{}, err
		}
		call["date"] = date
	}
	res, err := tb.research.Call(ctx, "search_papers", call)
	if err != nil {
		return actions.Result{}, err
	}
	if strings.TrimSpace(res.Output) == "" {
		res.Output = fmt.Sprintf("No passages matched %q.", query)
	}
	return res, nil
}
