// Package turn is the entry point for user messages. A Coordinator owns the
// per-session lock for the duration of one turn, loads the snapshot, drives
// the delegation router to a stable state and persists the result.
package turn

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/agentoven/dxtr/internal/config"
	"github.com/agentoven/dxtr/internal/delegation"
	"github.com/agentoven/dxtr/internal/faults"
	"github.com/agentoven/dxtr/internal/guardrails"
	"github.com/agentoven/dxtr/internal/sessions"
	"github.com/agentoven/dxtr/pkg/contracts"
	"github.com/agentoven/dxtr/pkg/models"
)

var tracer = otel.Tracer("dxtr/turn")

const (
	ModeQueue  = "queue"
	ModeReject = "reject"
)

// interruptedMessage replaces a delegation whose turn never finished.
const interruptedMessage = "The previous task was interrupted before it finished. Please ask again if you still need it."

// Stepper advances a session by one transition.
type Stepper interface {
	Step(ctx context.Context, sess *models.Session, turn *delegation.Turn) (delegation.Outcome, error)
}

// Coordinator serializes turns per session and runs them to completion.
type Coordinator struct {
	store  contracts.SessionStore
	router Stepper
	guard  *guardrails.Engine
	locks  *sessions.Locks
	mode   string
	limit  int
}

// New creates a coordinator. guard may be nil.
func New(store contracts.SessionStore, router Stepper, guard *guardrails.Engine, cfg config.TurnConfig) *Coordinator {
	mode := cfg.QueueMode
	if mode != ModeReject {
		mode = ModeQueue
	}
	limit := cfg.MaxHops
	if limit <= 0 {
		limit = 4
	}
	return &Coordinator{
		store:  store,
		router: router,
		guard:  guard,
		locks:  sessions.NewLocks(cfg.MaxQueueDepth),
		mode:   mode,
		// Each hop is one Step; a delegation adds one more.
		limit: 2*limit + 2,
	}
}

// Submit processes one user message. A second message for a busy session
// waits its turn in queue mode and is rejected in reject mode. If ctx is
// cancelled mid-turn the last committed snapshot stands.
func (c *Coordinator) Submit(ctx context.Context, req models.SubmitRequest, sink contracts.Sink) (*models.TurnResponse, error) {
	start := time.Now()
	if sink == nil {
		sink = contracts.NopSink{}
	}

	req.UserID = strings.TrimSpace(req.UserID)
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.Query = strings.TrimSpace(req.Query)
	switch {
	case req.UserID == "", req.SessionID == "":
		return nil, faults.New(faults.InvalidRequest, "submit", "user_id and session_id are required")
	case req.Query == "":
		return nil, faults.New(faults.InvalidRequest, "submit", "query is empty")
	}
	key := models.SessionKey{UserID: req.UserID, SessionID: req.SessionID}

	ctx, span := tracer.Start(ctx, "turn.Submit")
	defer span.End()
	span.SetAttributes(attribute.String("dxtr.session", key.String()))

	resp := &models.TurnResponse{
		TurnID:    uuid.New().String(),
		UserID:    req.UserID,
		SessionID: req.SessionID,
	}

	if v := c.guard.Check(req.Query); !v.Passed {
		log.Warn().Str("session", key.String()).Str("guardrail", v.Kind).Msg("Utterance blocked")
		resp.Outcome = models.OutcomeBlocked
		resp.Answer = v.Message
		resp.State = c.peekState(ctx, key)
		resp.LatencyMs = time.Since(start).Milliseconds()
		return resp, nil
	}

	release, err := c.acquire(ctx, key, sink)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer release()
	if err := ctx.Err(); err != nil {
		return nil, faults.Wrap(faults.Internal, "submit", err)
	}

	sess, err := c.load(ctx, key)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	c.prepare(sess, resp.TurnID, req.Query)

	turn := &delegation.Turn{
		ID:        resp.TurnID,
		Utterance: req.Query,
		Sink:      sink,
		Commit:    c.store.Save,
	}

	var last delegation.Outcome
	for i := 0; ; i++ {
		if i >= c.limit {
			return nil, faults.New(faults.Internal, "submit", "turn %s did not settle after %d steps", resp.TurnID, i)
		}
		out, err := c.router.Step(ctx, sess, turn)
		if err != nil {
			log.Warn().Err(err).Str("session", key.String()).Str("turn_id", resp.TurnID).
				Msg("Turn abandoned, keeping last committed state")
			span.SetStatus(codes.Error, err.Error())
			if ctx.Err() != nil {
				return nil, faults.Wrap(faults.Internal, "submit", ctx.Err())
			}
			return nil, err
		}
		resp.Artifacts = appendUnique(resp.Artifacts, out.Artifacts...)
		last = out
		if sess.State.Kind != models.StateIdle {
			break
		}
	}

	sess.UpdatedAt = time.Now().UTC()
	// The turn is complete; persist it even if the caller has gone away.
	if err := c.store.Save(context.WithoutCancel(ctx), sess); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, faults.Wrap(faults.Internal, "submit", err)
	}

	resp.Answer = last.Answer
	resp.Outcome = last.Kind
	resp.State = sess.State.Kind
	resp.LatencyMs = time.Since(start).Milliseconds()
	span.SetAttributes(
		attribute.String("dxtr.outcome", string(resp.Outcome)),
		attribute.String("dxtr.state", string(resp.State)),
	)
	log.Info().
		Str("session", key.String()).
		Str("turn_id", resp.TurnID).
		Str("outcome", string(resp.Outcome)).
		Str("state", string(resp.State)).
		Int64("latency_ms", resp.LatencyMs).
		Msg("Turn complete")
	return resp, nil
}

// Reset clears a session. It waits for any running turn on that session.
func (c *Coordinator) Reset(ctx context.Context, key models.SessionKey) error {
	release, err := c.locks.Acquire(ctx, key.ID())
	if err != nil {
		return err
	}
	defer release()

	if err := c.store.Reset(ctx, key); err != nil {
		return err
	}
	log.Info().Str("session", key.String()).Msg("Session reset")
	return nil
}

// Snapshot returns the last committed state of a session.
func (c *Coordinator) Snapshot(ctx context.Context, key models.SessionKey) (*models.Session, error) {
	return c.store.Load(ctx, key)
}

// Sessions lists a user's sessions, most recent first.
func (c *Coordinator) Sessions(ctx context.Context, userID string) ([]*models.Session, error) {
	return c.store.List(ctx, userID)
}

// Busy reports whether a turn is running for key.
func (c *Coordinator) Busy(key models.SessionKey) bool {
	return c.locks.Held(key.ID())
}

// ── Helpers ──────────────────────────────────────────────────

func (c *Coordinator) acquire(ctx context.Context, key models.SessionKey, sink contracts.Sink) (func(), error) {
	if c.mode == ModeReject {
		release, ok := c.locks.TryAcquire(key.ID())
		if !ok {
			return nil, faults.New(faults.ConcurrentTurnRejected, "submit", "session %s is mid-turn", key)
		}
		return release, nil
	}
	if c.locks.Held(key.ID()) {
		sink.Status("Waiting for the previous message to finish")
	}
	release, err := c.locks.Acquire(ctx, key.ID())
	if err != nil {
		if faults.Is(err, faults.ConcurrentTurnRejected) {
			return nil, err
		}
		return nil, faults.Wrap(faults.Internal, "submit", err)
	}
	return release, nil
}

func (c *Coordinator) load(ctx context.Context, key models.SessionKey) (*models.Session, error) {
	sess, err := c.store.Load(ctx, key)
	if faults.Is(err, faults.NotFound) {
		return models.NewSession(key, time.Now().UTC()), nil
	}
	return sess, err
}

// prepare brings a loaded snapshot to a state that can accept a message
// and records the message.
func (c *Coordinator) prepare(sess *models.Session, turnID, query string) {
	switch sess.State.Kind {
	case models.StateDelegating:
		// Only a turn that died mid-delegation leaves this behind; the lock
		// guarantees no run is still attached to it.
		d := sess.State.Delegation
		log.Warn().Str("session", sess.Key.String()).Str("specialist", d.Agent).
			Str("task_id", d.TaskID).Msg("Recovering interrupted delegation")
		sess.Append(models.TranscriptEntry{
			TurnID:  turnID,
			Role:    "assistant",
			Kind:    models.EntryDelegationFailure,
			Content: interruptedMessage,
			Agent:   d.Agent,
			Detail:  string(models.ReasonInterrupted),
		})
		sess.State = models.IdleState()
	case models.StateTerminal:
		sess.State = models.IdleState()
	}

	sess.TurnCount++
	sess.Append(models.TranscriptEntry{TurnID: turnID, Role: "user", Kind: models.EntryMessage, Content: query})
}

func (c *Coordinator) peekState(ctx context.Context, key models.SessionKey) models.StateKind {
	sess, err := c.store.Load(ctx, key)
	if err != nil {
		return models.StateIdle
	}
	return sess.State.Kind
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
