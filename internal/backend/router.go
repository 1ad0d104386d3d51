// Package backend implements the inference backend client.
//
// The router sends chat requests, including tool definitions, to the
// configured providers in order, retrying transient failures with
// exponential backoff and failing over to the next provider when one is
// exhausted. Completion and streaming share one contract: both return the
// assembled response.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/dxtr/internal/config"
	"github.com/agentoven/dxtr/internal/faults"
	"github.com/agentoven/dxtr/pkg/models"
)

// ModelRouter routes LLM requests to configured providers.
type ModelRouter struct {
	providers []models.ModelProvider
	cfg       config.BackendConfig
	client    *http.Client

	// Latency tracking: provider name → rolling avg ms
	latencyMu sync.RWMutex
	latencies map[string]int64

	// Usage tracking: agent ref → accumulated tokens
	usageMu sync.RWMutex
	usage   map[string]models.TokenUsage
}

// NewModelRouter creates a router over cfg.Providers.
func NewModelRouter(cfg config.BackendConfig) (*ModelRouter, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no model providers configured")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &ModelRouter{
		providers: cfg.Providers,
		cfg:       cfg,
		client:    &http.Client{Timeout: timeout},
		latencies: make(map[string]int64),
		usage:     make(map[string]models.TokenUsage),
	}, nil
}

// Complete sends req and returns the full response.
func (mr *ModelRouter) Complete(ctx context.Context, req *models.RouteRequest) (*models.RouteResponse, error) {
	return mr.route(ctx, req, nil)
}

// Stream sends req with streaming enabled. fn receives chunks in
// generation order; the assembled response is returned at the end.
func (mr *ModelRouter) Stream(ctx context.Context, req *models.RouteRequest, fn func(models.StreamChunk)) (*models.RouteResponse, error) {
	if fn == nil {
		fn = func(models.StreamChunk) {}
	}
	return mr.route(ctx, req, fn)
}

func (mr *ModelRouter) route(ctx context.Context, req *models.RouteRequest, fn func(models.StreamChunk)) (*models.RouteResponse, error) {
	var lastErr error
	for i := range mr.providers {
		provider := &mr.providers[i]

		// A provider that already emitted chunks cannot be retried or
		// failed over without duplicating output.
		emitted := false
		var sink func(models.StreamChunk)
		if fn != nil {
			sink = func(c models.StreamChunk) {
				emitted = true
				fn(c)
			}
		}

		resp, err := mr.withRetry(ctx, provider, func() (*models.RouteResponse, error) {
			if emitted {
				return nil, backoff.Permanent(faults.New(faults.BackendUnavailable, "stream", "%s: stream interrupted", provider.Name))
			}
			return mr.callProvider(ctx, provider, req, sink)
		})
		if err == nil {
			mr.trackUsage(req.AgentRef, resp)
			return resp, nil
		}
		if ctx.Err() != nil || emitted {
			return nil, err
		}

		log.Warn().
			Str("provider", provider.Name).
			Str("kind", provider.Kind).
			Err(err).
			Msg("Provider call failed, trying next")
		lastErr = err
	}

	return nil, &faults.Error{
		Kind: faults.KindOf(lastErr),
		Op:   "backend",
		Msg:  "all providers failed",
		Err:  lastErr,
	}
}

// withRetry retries backend_unavailable failures with exponential backoff,
// up to cfg.MaxRetries extra attempts.
func (mr *ModelRouter) withRetry(ctx context.Context, provider *models.ModelProvider, call func() (*models.RouteResponse, error)) (*models.RouteResponse, error) {
	eb := backoff.NewExponentialBackOff()
	if mr.cfg.InitialBackoff > 0 {
		eb.InitialInterval = mr.cfg.InitialBackoff
	}
	if mr.cfg.MaxBackoff > 0 {
		eb.MaxInterval = mr.cfg.MaxBackoff
	}
	eb.MaxElapsedTime = 0

	retries := mr.cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)

	var resp *models.RouteResponse
	op := func() error {
		r, err := call()
		if err != nil {
			if faults.Retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		resp = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Debug().Err(err).Str("provider", provider.Name).Dur("wait", wait).Msg("Retrying backend call")
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if ctx.Err() != nil && !faults.Is(err, faults.BackendUnavailable) {
			return nil, faults.Wrap(faults.BackendUnavailable, "backend", ctx.Err())
		}
		return nil, err
	}
	return resp, nil
}

// callProvider sends the request to a specific provider.
func (mr *ModelRouter) callProvider(ctx context.Context, provider *models.ModelProvider, req *models.RouteRequest, fn func(models.StreamChunk)) (*models.RouteResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = provider.Model
	}

	var resp *models.RouteResponse
	var err error

	switch provider.Kind {
	case "anthropic":
		resp, err = mr.callAnthropic(ctx, provider, model, req, fn)
	default:
		// OpenAI-compatible endpoint (OpenAI, LiteLLM, vLLM, SGLang, Ollama)
		resp, err = mr.callOpenAI(ctx, provider, model, req, fn)
	}
	if err != nil {
		return nil, err
	}

	latencyMs := time.Since(start).Milliseconds()
	resp.LatencyMs = latencyMs
	resp.Provider = provider.Name

	mr.latencyMu.Lock()
	prev := mr.latencies[provider.Name]
	if prev == 0 {
		mr.latencies[provider.Name] = latencyMs
	} else {
		// Exponential moving average
		mr.latencies[provider.Name] = (prev*7 + latencyMs*3) / 10
	}
	mr.latencyMu.Unlock()

	return resp, nil
}

// ── Error classification ────────────────────────────────────

// statusError classifies a non-200 response. 429 and 5xx are transient.
func statusError(provider string, status int, body []byte) error {
	msg := fmt.Sprintf("%s: status %d: %s", provider, status, truncate(string(body), 512))
	if status == http.StatusTooManyRequests || status >= 500 {
		return faults.New(faults.BackendUnavailable, "backend", "%s", msg)
	}
	return faults.New(faults.Internal, "backend", "%s", msg)
}

// transportError classifies a failed round trip. Caller cancellation is
// passed through unchanged.
func transportError(provider string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return faults.Wrap(faults.BackendUnavailable, provider, err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}

// ── Usage Tracking ──────────────────────────────────────────

func (mr *ModelRouter) trackUsage(agentRef string, resp *models.RouteResponse) {
	if agentRef == "" {
		agentRef = "main"
	}
	mr.usageMu.Lock()
	u := mr.usage[agentRef]
	u.InputTokens += resp.Usage.InputTokens
	u.OutputTokens += resp.Usage.OutputTokens
	u.TotalTokens += resp.Usage.TotalTokens
	mr.usage[agentRef] = u
	mr.usageMu.Unlock()
}

// Usage returns accumulated token usage per agent.
func (mr *ModelRouter) Usage() map[string]models.TokenUsage {
	mr.usageMu.RLock()
	defer mr.usageMu.RUnlock()
	out := make(map[string]models.TokenUsage, len(mr.usage))
	for k, v := range mr.usage {
		out[k] = v
	}
	return out
}

// Latencies returns the rolling average latency per provider in ms.
func (mr *ModelRouter) Latencies() map[string]int64 {
	mr.latencyMu.RLock()
	defer mr.latencyMu.RUnlock()
	out := make(map[string]int64, len(mr.latencies))
	for k, v := range mr.latencies {
		out[k] = v
	}
	return out
}
