// Package executor runs specialist agents through a bounded tool-use loop:
//
//	system prompt + task context → call backend with the specialist's tool
//	definitions → if tool_calls, validate and invoke each from the
//	specialist's own registry → feed results back → repeat until a text
//	answer, a gated action, the step budget or the wall-clock timeout.
//
// The executor never delegates. Its registry cannot contain the delegate
// action, so a specialist asking for it gets an unknown-action observation.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/agentoven/dxtr/internal/actions"
	"github.com/agentoven/dxtr/internal/backend"
	"github.com/agentoven/dxtr/internal/config"
	"github.com/agentoven/dxtr/internal/faults"
	"github.com/agentoven/dxtr/internal/specialist"
	"github.com/agentoven/dxtr/pkg/contracts"
	"github.com/agentoven/dxtr/pkg/models"
)

var tracer = otel.Tracer("dxtr/executor")

// Executor runs specialists. Runs across sessions are bounded by a
// weighted semaphore.
type Executor struct {
	backend     contracts.ModelBackend
	sem         *semaphore.Weighted
	temperature *float64
	maxTokens   *int
}

// NewExecutor creates an executor. bcfg supplies sampling defaults.
func NewExecutor(b contracts.ModelBackend, cfg config.ExecutorConfig, bcfg config.BackendConfig) *Executor {
	n := int64(cfg.MaxConcurrentRuns)
	if n <= 0 {
		n = 8
	}
	e := &Executor{backend: b, sem: semaphore.NewWeighted(n)}
	if bcfg.Temperature > 0 {
		t := bcfg.Temperature
		e.temperature = &t
	}
	if bcfg.MaxTokens > 0 {
		m := bcfg.MaxTokens
		e.maxTokens = &m
	}
	return e
}

// Run executes task with def's limits and returns exactly one result.
// A loop that outlives def.Timeout is abandoned and reported as
// executor_timeout; cancelling ctx reports interrupted.
func (e *Executor) Run(ctx context.Context, def specialist.Definition, reg *actions.Registry, task models.SpecialistTask) models.ExecutorResult {
	ctx, span := tracer.Start(ctx, "executor.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("dxtr.specialist", def.Name),
		attribute.String("dxtr.task_id", task.ID),
		attribute.Int("dxtr.max_steps", def.MaxSteps),
	)

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, def.Timeout)
	defer cancel()

	result := e.race(ctx, runCtx, def, reg, task)

	span.SetAttributes(
		attribute.String("dxtr.status", string(result.Status)),
		attribute.Int("dxtr.steps", result.Steps),
	)
	if result.Status == models.ResultFailure {
		span.SetStatus(codes.Error, string(result.Reason))
	}
	log.Info().
		Str("specialist", def.Name).
		Str("task_id", task.ID).
		Str("status", string(result.Status)).
		Str("reason", string(result.Reason)).
		Int("steps", result.Steps).
		Int64("total_ms", time.Since(start).Milliseconds()).
		Msg("Specialist run complete")
	return result
}

func (e *Executor) race(parent, runCtx context.Context, def specialist.Definition, reg *actions.Registry, task models.SpecialistTask) models.ExecutorResult {
	if err := e.sem.Acquire(runCtx, 1); err != nil {
		return e.stopped(parent, 0)
	}

	done := make(chan models.ExecutorResult, 1)
	go func() {
		defer e.sem.Release(1)
		done <- e.loop(runCtx, def, reg, task)
	}()

	select {
	case r := <-done:
		if r.Status == models.ResultFailure && runCtx.Err() != nil {
			return e.stopped(parent, r.Steps)
		}
		return r
	case <-runCtx.Done():
		return e.stopped(parent, 0)
	}
}

// stopped distinguishes a caller cancellation from the run's own deadline.
func (e *Executor) stopped(parent context.Context, steps int) models.ExecutorResult {
	if parent.Err() != nil {
		return models.Failed(models.ReasonInterrupted, "run cancelled by caller", steps)
	}
	return models.Failed(models.ReasonExecutorTimeout, "wall-clock timeout exceeded", steps)
}

func (e *Executor) loop(ctx context.Context, def specialist.Definition, reg *actions.Registry, task models.SpecialistTask) models.ExecutorResult {
	messages := buildMessages(def, task)
	tools := reg.Definitions()
	var artifacts []string

	for step := 1; step <= def.MaxSteps; step++ {
		resp, err := e.backend.Complete(ctx, &models.RouteRequest{
			Messages:    messages,
			Model:       def.Model,
			AgentRef:    def.Name,
			Temperature: e.temperature,
			MaxTokens:   e.maxTokens,
			Tools:       tools,
			SessionID:   task.ID,
		})
		if err != nil {
			if faults.Is(err, faults.BackendUnavailable) {
				return models.Failed(models.ReasonBackendUnavailable, err.Error(), step)
			}
			return models.Failed(models.ReasonInternal, err.Error(), step)
		}

		calls := backend.ExtractToolCalls(resp)
		if len(calls) == 0 {
			return models.Succeeded(resp.Content, artifacts, step)
		}

		messages = append(messages, backend.ToolCallMessage(resp.Content, calls))
		for _, tc := range calls {
			if tc.Malformed == "" && reg.RequiresConfirmation(tc.Name, tc.Arguments) {
				if _, err := reg.Check(tc.Name, tc.Arguments); err == nil {
					p := actions.NewProposal(tc.Name, tc.Arguments, resp.Content, models.FromSpecialist(def.Capability))
					return models.ExecutorResult{
						Status:    models.ResultNeedsConfirmation,
						Artifacts: artifacts,
						Proposal:  &p,
						Steps:     step,
					}
				}
			}

			obs, produced := e.invoke(ctx, reg, tc)
			artifacts = appendUnique(artifacts, produced...)
			messages = append(messages, models.ChatMessage{
				Role:       "tool",
				ToolCallID: tc.ID,
				Name:       tc.Name,
				Content:    fmt.Sprintf("[Tool: %s] %s", tc.Name, obs),
			})
		}

		log.Debug().
			Str("specialist", def.Name).
			Int("step", step).
			Int("tool_calls", len(calls)).
			Msg("Specialist loop continuing")
	}

	return models.Failed(models.ReasonStepBudgetExceeded,
		fmt.Sprintf("no final answer after %d steps", def.MaxSteps), def.MaxSteps)
}

// invoke runs one tool call. Every failure becomes an observation the model
// can react to.
func (e *Executor) invoke(ctx context.Context, reg *actions.Registry, tc backend.ToolCall) (string, []string) {
	if tc.Malformed != "" {
		return "Error: arguments are not valid JSON: " + tc.Malformed, nil
	}
	res, err := reg.Invoke(ctx, tc.Name, tc.Arguments)
	if err != nil {
		var te *actions.ToolError
		switch {
		case errors.As(err, &te):
			return fmt.Sprintf("Error (%s): %s", te.Kind, te.Message), nil
		case faults.Is(err, faults.UnknownAction), faults.Is(err, faults.InvalidArguments):
			return "Error: " + err.Error(), nil
		default:
			return "Error: the tool failed", nil
		}
	}
	return res.Output, res.Artifacts
}

func buildMessages(def specialist.Definition, task models.SpecialistTask) []models.ChatMessage {
	messages := make([]models.ChatMessage, 0, len(task.Context)+2)
	if def.SystemPrompt != "" {
		messages = append(messages, models.ChatMessage{Role: "system", Content: def.SystemPrompt})
	}
	messages = append(messages, task.Context...)
	messages = append(messages, models.ChatMessage{Role: "user", Content: task.Description})
	return messages
}

func appendUnique(list []string, items ...string) []string {
	for _, it := range items {
		dup := false
		for _, have := range list {
			if have == it {
				dup = true
				break
			}
		}
		if !dup {
			list = append(list, it)
		}
	}
	return list
}
