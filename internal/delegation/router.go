// Package delegation is the per-session state machine that turns a user
// message into a stable conversation state. Each Step takes exactly one
// transition:
//
//	Idle                 → Terminal (answer), AwaitingConfirmation (gated
//	                       action), Delegating (specialist) or Idle (ungated
//	                       tool result or folded specialist result)
//	Delegating           → Idle, AwaitingConfirmation or Terminal
//	AwaitingConfirmation → Terminal (confirmed or denied) or unchanged
//
// Transitions that the caller can observe are committed through the turn's
// Committer before any status fragment describing them is emitted.
package delegation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agentoven/dxtr/internal/actions"
	"github.com/agentoven/dxtr/internal/config"
	"github.com/agentoven/dxtr/internal/faults"
	"github.com/agentoven/dxtr/internal/specialist"
	"github.com/agentoven/dxtr/pkg/contracts"
	"github.com/agentoven/dxtr/pkg/models"
)

var tracer = otel.Tracer("dxtr/delegation")

// historyWindow bounds the transcript entries sent to the main model.
const historyWindow = 40

// Runner runs one specialist task to a single result.
type Runner interface {
	Run(ctx context.Context, def specialist.Definition, reg *actions.Registry, task models.SpecialistTask) models.ExecutorResult
}

// Committer persists the session as it stands. The router calls it after a
// transition and before announcing that transition.
type Committer func(ctx context.Context, sess *models.Session) error

// Turn carries one inbound message through successive Steps.
type Turn struct {
	ID        string
	Utterance string
	Sink      contracts.Sink
	Commit    Committer

	hops int
}

func (t *Turn) sink() contracts.Sink {
	if t.Sink == nil {
		return contracts.NopSink{}
	}
	return t.Sink
}

func (t *Turn) commit(ctx context.Context, sess *models.Session) error {
	if t.Commit == nil {
		return nil
	}
	sess.UpdatedAt = time.Now().UTC()
	if err := t.Commit(ctx, sess); err != nil {
		return faults.Wrap(faults.Internal, "commit", err)
	}
	return nil
}

// Outcome is the user-visible result of one Step.
type Outcome struct {
	Kind      models.TurnOutcome
	Answer    string
	Artifacts []string
}

// Router drives sessions through the transition table.
type Router struct {
	backend contracts.ModelBackend
	catalog *specialist.Catalog
	gate    *actions.Gate
	runner  Runner
	cfg     config.TurnConfig

	temperature *float64
	maxTokens   *int
}

func NewRouter(b contracts.ModelBackend, catalog *specialist.Catalog, gate *actions.Gate, runner Runner, cfg config.TurnConfig, bcfg config.BackendConfig) *Router {
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = 4
	}
	if cfg.ContextEntries <= 0 {
		cfg.ContextEntries = 6
	}
	if cfg.DelegationRetries < 0 {
		cfg.DelegationRetries = 0
	}
	r := &Router{backend: b, catalog: catalog, gate: gate, runner: runner, cfg: cfg}
	if bcfg.Temperature > 0 {
		t := bcfg.Temperature
		r.temperature = &t
	}
	if bcfg.MaxTokens > 0 {
		m := bcfg.MaxTokens
		r.maxTokens = &m
	}
	return r
}

// Step applies one transition to sess. Domain failures end in Terminal with
// a user-safe answer and a nil error; the error return is reserved for
// cancellation and commit failures, after which sess must not be saved.
func (r *Router) Step(ctx context.Context, sess *models.Session, turn *Turn) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "delegation.Step")
	defer span.End()
	span.SetAttributes(
		attribute.String("dxtr.session", sess.Key.String()),
		attribute.String("dxtr.turn_id", turn.ID),
		attribute.String("dxtr.state", string(sess.State.Kind)),
	)

	switch sess.State.Kind {
	case models.StateIdle:
		return r.stepIdle(ctx, sess, turn)
	case models.StateAwaitingConfirmation:
		return r.stepAwaiting(ctx, sess, turn)
	case models.StateTerminal:
		return Outcome{Kind: models.OutcomeAnswered}, nil
	default:
		// Delegating is only ever held inside stepDelegate.
		return r.fail(sess, turn, faults.New(faults.Internal, "step", "unexpected state %s", sess.State.Kind)), nil
	}
}

// ── Idle ─────────────────────────────────────────────────────

func (r *Router) stepIdle(ctx context.Context, sess *models.Session, turn *Turn) (Outcome, error) {
	turn.hops++
	final := turn.hops >= r.cfg.MaxHops

	gate := newTokenGate(turn.sink())
	resp, err := r.backend.Stream(ctx, r.mainRequest(sess, final), gate.chunk)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		return r.fail(sess, turn, err), nil
	}

	d, err := Decode(resp)
	if err != nil {
		return r.fail(sess, turn, err), nil
	}
	if final && d.Kind != DecideAnswer {
		return r.fail(sess, turn, faults.New(faults.StepBudgetExceeded, "step",
			"no answer after %d hops", turn.hops)), nil
	}

	switch d.Kind {
	case DecideAction:
		gate.discard()
		return r.stepAction(ctx, sess, turn, d)
	case DecideDelegate:
		gate.discard()
		return r.stepDelegate(ctx, sess, turn, d)
	}

	answer := d.Text
	if answer == "" {
		answer = faults.UserMessage(faults.Internal)
	}
	gate.release(answer)
	sess.Append(models.TranscriptEntry{TurnID: turn.ID, Role: "assistant", Kind: models.EntryMessage, Content: answer})
	sess.State = models.TerminalState()
	return Outcome{Kind: models.OutcomeAnswered, Answer: answer}, nil
}

func (r *Router) stepAction(ctx context.Context, sess *models.Session, turn *Turn, d Decision) (Outcome, error) {
	reg := r.catalog.Main()
	if _, err := reg.Check(d.Action, d.Args); err != nil {
		return r.fail(sess, turn, err), nil
	}

	if reg.RequiresConfirmation(d.Action, d.Args) {
		p := actions.NewProposal(d.Action, d.Args, d.Text, models.TopLevel())
		return r.propose(ctx, sess, turn, p)
	}

	res, err := reg.Invoke(ctx, d.Action, d.Args)
	if ctx.Err() != nil {
		return Outcome{}, ctx.Err()
	}
	entry := models.TranscriptEntry{TurnID: turn.ID, Role: "system", Kind: models.EntryTool, Action: d.Action}
	if err != nil {
		var te *actions.ToolError
		if !errors.As(err, &te) {
			return r.fail(sess, turn, err), nil
		}
		entry.Content = fmt.Sprintf("Error (%s): %s", te.Kind, te.Message)
		entry.Detail = te.Kind
	} else {
		entry.Content = res.Output
		entry.Artifacts = res.Artifacts
	}
	sess.Append(entry)

	log.Debug().Str("session", sess.Key.String()).Str("action", d.Action).
		Bool("ok", err == nil).Msg("Ungated action invoked")
	if err := turn.commit(ctx, sess); err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: models.OutcomeExecuted, Artifacts: res.Artifacts}, nil
}

// propose parks p in the gate, commits, and only then asks the question.
func (r *Router) propose(ctx context.Context, sess *models.Session, turn *Turn, p models.ActionProposal) (Outcome, error) {
	if err := r.gate.Propose(sess, p); err != nil {
		return r.fail(sess, turn, err), nil
	}
	question := actions.Prompt(p)
	sess.Append(models.TranscriptEntry{
		TurnID:  turn.ID,
		Role:    "assistant",
		Kind:    models.EntryProposal,
		Content: question,
		Action:  p.Action,
		Agent:   p.Origin.Agent,
	})
	if err := turn.commit(ctx, sess); err != nil {
		return Outcome{}, err
	}
	turn.sink().Status(fmt.Sprintf("Waiting for confirmation to run %s", p.Action))
	return Outcome{Kind: models.OutcomeAwaiting, Answer: question}, nil
}

// ── Delegating ───────────────────────────────────────────────

func (r *Router) stepDelegate(ctx context.Context, sess *models.Session, turn *Turn, d Decision) (Outcome, error) {
	def, reg, err := r.catalog.Lookup(d.Agent)
	if err != nil {
		return r.fail(sess, turn, err), nil
	}

	task := models.SpecialistTask{
		ID:          uuid.New().String(),
		Agent:       def.Capability,
		Description: d.Task,
		Context:     renderHistory(sess.Transcript, r.cfg.ContextEntries),
	}
	sess.State = models.DelegatingState(models.Delegation{
		Agent:     def.Capability,
		Task:      d.Task,
		TaskID:    task.ID,
		StartedAt: time.Now().UTC(),
	})
	if err := turn.commit(ctx, sess); err != nil {
		return Outcome{}, err
	}
	turn.sink().Status(fmt.Sprintf("Delegating to %s", def.Capability))

	res := r.runWithRetry(ctx, def, reg, task)
	if err := ctx.Err(); err != nil {
		// Delegating stays committed; the next turn recovers it.
		return Outcome{}, err
	}

	switch res.Status {
	case models.ResultSuccess:
		sess.Append(models.TranscriptEntry{
			TurnID:    turn.ID,
			Role:      "system",
			Kind:      models.EntryDelegationResult,
			Content:   res.Output,
			Agent:     def.Capability,
			Artifacts: res.Artifacts,
		})
		sess.State = models.IdleState()
		if err := turn.commit(ctx, sess); err != nil {
			return Outcome{}, err
		}
		turn.sink().Status(fmt.Sprintf("%s finished", def.Capability))
		return Outcome{Kind: models.OutcomeDelegationDone, Artifacts: res.Artifacts}, nil

	case models.ResultNeedsConfirmation:
		if res.Proposal == nil {
			return r.fail(sess, turn, faults.New(faults.Internal, "delegate", "%s asked for confirmation without a proposal", def.Capability)), nil
		}
		out, err := r.propose(ctx, sess, turn, *res.Proposal)
		out.Artifacts = res.Artifacts
		return out, err
	}

	message := degradedMessage(res.Reason)
	sess.Append(models.TranscriptEntry{
		TurnID:  turn.ID,
		Role:    "assistant",
		Kind:    models.EntryDelegationFailure,
		Content: message,
		Agent:   def.Capability,
		Detail:  string(res.Reason),
	})
	sess.State = models.TerminalState()
	log.Warn().Str("session", sess.Key.String()).Str("specialist", def.Capability).
		Str("reason", string(res.Reason)).Str("detail", res.Detail).Int("steps", res.Steps).
		Msg("Delegation failed")
	return Outcome{Kind: models.OutcomeFailed, Answer: message, Artifacts: res.Artifacts}, nil
}

// runWithRetry re-runs a specialist whose failure was a timeout or an
// unavailable backend, with exponential backoff between attempts.
func (r *Router) runWithRetry(ctx context.Context, def specialist.Definition, reg *actions.Registry, task models.SpecialistTask) models.ExecutorResult {
	eb := backoff.NewExponentialBackOff()
	if r.cfg.RetryBackoff > 0 {
		eb.InitialInterval = r.cfg.RetryBackoff
	}
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.cfg.DelegationRetries)), ctx)

	var res models.ExecutorResult
	attempt := 0
	op := func() error {
		attempt++
		res = r.runner.Run(ctx, def, reg, task)
		switch res.Reason {
		case models.ReasonExecutorTimeout, models.ReasonBackendUnavailable:
			if res.Status == models.ResultFailure {
				return fmt.Errorf("%s: %s", res.Reason, res.Detail)
			}
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Info().Err(err).Str("specialist", def.Capability).Str("task_id", task.ID).
			Int("attempt", attempt).Dur("wait", wait).Msg("Retrying delegation")
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil && ctx.Err() != nil {
		return models.Failed(models.ReasonInterrupted, "turn cancelled during retry backoff", res.Steps)
	}
	return res
}

// ── AwaitingConfirmation ─────────────────────────────────────

func (r *Router) stepAwaiting(ctx context.Context, sess *models.Session, turn *Turn) (Outcome, error) {
	res, err := r.gate.Resolve(ctx, sess, turn.Utterance)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		return r.fail(sess, turn, err), nil
	}
	pending := res.Proposal

	switch res.Outcome {
	case actions.Ambiguous:
		sess.Append(models.TranscriptEntry{TurnID: turn.ID, Role: "assistant", Kind: models.EntryMessage, Content: res.Reprompt})
		return Outcome{Kind: models.OutcomeReprompted, Answer: res.Reprompt}, nil

	case actions.Denied:
		answer := fmt.Sprintf("Okay, I won't run %s.", pending.Action)
		sess.Append(models.TranscriptEntry{
			TurnID:  turn.ID,
			Role:    "assistant",
			Kind:    models.EntryDenial,
			Content: answer,
			Action:  pending.Action,
			Agent:   pending.Origin.Agent,
		})
		return Outcome{Kind: models.OutcomeDenied, Answer: answer}, nil
	}

	entry := models.TranscriptEntry{
		TurnID: turn.ID,
		Role:   "assistant",
		Kind:   models.EntryExecution,
		Action: pending.Action,
		Agent:  pending.Origin.Agent,
	}
	if res.ExecErr != nil {
		entry.Content = executionFailure(pending.Action, res.ExecErr)
		entry.Detail = string(faults.KindOf(res.ExecErr))
		var te *actions.ToolError
		if errors.As(res.ExecErr, &te) {
			entry.Detail = te.Kind
		}
		sess.Append(entry)
		log.Warn().Err(res.ExecErr).Str("session", sess.Key.String()).Str("action", pending.Action).
			Msg("Confirmed action failed")
		return Outcome{Kind: models.OutcomeFailed, Answer: entry.Content}, nil
	}

	entry.Content = res.Result.Output
	entry.Artifacts = res.Result.Artifacts
	sess.Append(entry)
	answer := strings.TrimSpace(res.Result.Output)
	if answer == "" {
		answer = fmt.Sprintf("Done: %s completed.", pending.Action)
	}
	return Outcome{Kind: models.OutcomeExecuted, Answer: answer, Artifacts: res.Result.Artifacts}, nil
}

// ── Helpers ──────────────────────────────────────────────────

// fail ends the turn with a user-safe message. The full error only goes to
// the log; the transcript keeps its kind.
func (r *Router) fail(sess *models.Session, turn *Turn, err error) Outcome {
	kind := faults.KindOf(err)
	message := faults.UserMessage(kind)
	log.Error().Err(err).Str("session", sess.Key.String()).Str("turn_id", turn.ID).
		Str("kind", string(kind)).Str("state", string(sess.State.Kind)).Msg("Turn failed")

	sess.Append(models.TranscriptEntry{
		TurnID:  turn.ID,
		Role:    "assistant",
		Kind:    models.EntryFailure,
		Content: message,
		Detail:  string(kind),
	})
	sess.State = models.TerminalState()
	return Outcome{Kind: models.OutcomeFailed, Answer: message}
}

func (r *Router) mainRequest(sess *models.Session, final bool) *models.RouteRequest {
	messages := make([]models.ChatMessage, 0, historyWindow+1)
	if p := r.catalog.MainPrompt(); p != "" {
		messages = append(messages, models.ChatMessage{Role: "system", Content: p})
	}
	messages = append(messages, renderHistory(sess.Transcript, historyWindow)...)

	req := &models.RouteRequest{
		Messages:    messages,
		Model:       r.catalog.MainModel(),
		AgentRef:    specialist.MainAgent,
		Temperature: r.temperature,
		MaxTokens:   r.maxTokens,
		Stream:      true,
		SessionID:   sess.Key.String(),
	}
	if final {
		return req
	}
	req.Tools = r.catalog.Main().Definitions()
	if len(r.catalog.Capabilities()) > 0 {
		req.Tools = append(req.Tools, delegateTool(r.catalog))
	}
	return req
}

// renderHistory turns the last n transcript entries into chat messages.
// Tool and specialist results are rendered as bracketed user-side notes so
// providers without native tool turns still see them in order.
func renderHistory(entries []models.TranscriptEntry, n int) []models.ChatMessage {
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	out := make([]models.ChatMessage, 0, len(entries))
	for _, e := range entries {
		switch e.Kind {
		case models.EntryMessage, models.EntryProposal:
			out = append(out, models.ChatMessage{Role: e.Role, Content: e.Content})
		case models.EntryTool, models.EntryExecution:
			out = append(out, models.ChatMessage{Role: "user", Content: withArtifacts(fmt.Sprintf("[Tool: %s] %s", e.Action, e.Content), e.Artifacts)})
		case models.EntryDelegationResult:
			out = append(out, models.ChatMessage{Role: "user", Content: withArtifacts(fmt.Sprintf("[Specialist: %s] %s", e.Agent, e.Content), e.Artifacts)})
		case models.EntryDenial, models.EntryDelegationFailure, models.EntryFailure:
			out = append(out, models.ChatMessage{Role: "assistant", Content: e.Content})
		}
	}
	return out
}

func withArtifacts(text string, artifacts []string) string {
	if len(artifacts) == 0 {
		return text
	}
	return text + "\nArtifacts: " + strings.Join(artifacts, ", ")
}

func degradedMessage(reason models.FailureReason) string {
	switch reason {
	case models.ReasonStepBudgetExceeded:
		return faults.UserMessage(faults.StepBudgetExceeded)
	case models.ReasonExecutorTimeout:
		return faults.UserMessage(faults.ExecutorTimeout)
	case models.ReasonBackendUnavailable:
		return faults.UserMessage(faults.BackendUnavailable)
	}
	return "The specialist couldn't finish that task right now. Please try again later."
}

func executionFailure(action string, err error) string {
	var te *actions.ToolError
	if errors.As(err, &te) {
		return fmt.Sprintf("I couldn't complete %s: %s", action, te.Message)
	}
	return fmt.Sprintf("I couldn't complete %s. %s", action, faults.UserMessage(faults.KindOf(err)))
}
