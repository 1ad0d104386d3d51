package actions

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agentoven/dxtr/internal/faults"
	"github.com/agentoven/dxtr/pkg/contracts"
	"github.com/agentoven/dxtr/pkg/models"
)

var tracer = otel.Tracer("dxtr/actions")

// claimTTL bounds how long consumed proposal ids are remembered.
const claimTTL = time.Hour

// Outcome is the gate's three-way resolution of a confirmation reply.
type Outcome string

const (
	Confirmed Outcome = "confirmed"
	Denied    Outcome = "denied"
	Ambiguous Outcome = "ambiguous"
)

// RegistryResolver returns the registry a proposal executes against:
// the main registry for top-level proposals, the specialist's own registry
// otherwise.
type RegistryResolver interface {
	RegistryFor(origin models.ProposalOrigin) (*Registry, error)
}

// Resolution reports what Resolve did. On Confirmed, Result/ExecErr hold
// the tool outcome; on Ambiguous, Reprompt is the terse re-ask.
type Resolution struct {
	Outcome  Outcome
	Proposal models.ActionProposal
	Result   Result
	ExecErr  error
	Reprompt string
}

// Gate enforces that gated actions run only after an affirmative reply to
// the pending proposal for that exact action and argument bundle.
type Gate struct {
	resolver   RegistryResolver
	classifier contracts.IntentClassifier

	mu      sync.Mutex
	claimed map[string]time.Time // proposal id → consumed at
}

func NewGate(resolver RegistryResolver, classifier contracts.IntentClassifier) *Gate {
	return &Gate{
		resolver:   resolver,
		classifier: classifier,
		claimed:    make(map[string]time.Time),
	}
}

// NewProposal builds an immutable proposal with a fresh id.
func NewProposal(action string, args Args, justification string, origin models.ProposalOrigin) models.ActionProposal {
	return models.ActionProposal{
		ID:            uuid.New().String(),
		Action:        action,
		Args:          models.CloneArgs(args),
		Justification: strings.TrimSpace(justification),
		Origin:        origin,
		CreatedAt:     time.Now().UTC(),
	}
}

// Propose moves sess into AwaitingConfirmation. A top-level proposal needs
// an Idle session; a specialist proposal needs the session to be delegating
// to that specialist. Anything else is a contract violation.
func (g *Gate) Propose(sess *models.Session, p models.ActionProposal) error {
	switch p.Origin.Kind {
	case models.OriginTopLevel:
		if sess.State.Kind != models.StateIdle {
			return faults.New(faults.ProposalPending, "propose",
				"session %s is %s, cannot propose %s", sess.Key, sess.State.Kind, p.Action)
		}
	case models.OriginSpecialist:
		d := sess.State.Delegation
		if sess.State.Kind != models.StateDelegating || d == nil || d.Agent != p.Origin.Agent {
			return faults.New(faults.ProposalPending, "propose",
				"session %s is %s, cannot accept a proposal from %s", sess.Key, sess.State.Kind, p.Origin.Agent)
		}
	default:
		return faults.New(faults.Internal, "propose", "unknown origin %q", p.Origin.Kind)
	}

	reg, err := g.resolver.RegistryFor(p.Origin)
	if err != nil {
		return err
	}
	if _, err := reg.Check(p.Action, p.Args); err != nil {
		return err
	}

	sess.State = models.AwaitingState(p.Clone())
	log.Info().Str("session", sess.Key.String()).Str("action", p.Action).
		Str("proposal_id", p.ID).Str("origin", string(p.Origin.Kind)).
		Msg("Proposal pending confirmation")
	return nil
}

// Resolve classifies utterance against the pending proposal. Confirmed
// executes the action once and clears the proposal; Denied clears it
// without executing; Ambiguous leaves the session unchanged. If ctx is
// cancelled before the action finishes, Resolve returns the context error
// and the proposal stays pending.
//
// Each proposal id can be consumed once per process, so concurrent or
// repeated calls with stale snapshots cannot execute it twice.
func (g *Gate) Resolve(ctx context.Context, sess *models.Session, utterance string) (*Resolution, error) {
	if sess.State.Kind != models.StateAwaitingConfirmation || sess.State.Pending == nil {
		return nil, faults.New(faults.NoPendingProposal, "resolve", "session %s is %s", sess.Key, sess.State.Kind)
	}
	p := sess.State.Pending.Clone()

	ctx, span := tracer.Start(ctx, "actions.Gate.Resolve")
	defer span.End()
	span.SetAttributes(
		attribute.String("dxtr.session", sess.Key.String()),
		attribute.String("dxtr.action", p.Action),
	)

	intent, err := g.classifier.Classify(ctx, Prompt(p), utterance)
	if err != nil {
		log.Warn().Err(err).Str("session", sess.Key.String()).Msg("Intent classification failed, treating as ambiguous")
		intent = contracts.IntentOther
	}

	res := &Resolution{Proposal: p}
	switch intent {
	case contracts.IntentAffirm:
		res.Outcome = Confirmed
	case contracts.IntentDeny:
		res.Outcome = Denied
	default:
		res.Outcome = Ambiguous
		res.Reprompt = Reprompt(p)
		span.SetAttributes(attribute.String("dxtr.outcome", string(res.Outcome)))
		return res, nil
	}
	span.SetAttributes(attribute.String("dxtr.outcome", string(res.Outcome)))

	// A turn cancelled while classifying leaves the proposal pending.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !g.claim(p.ID) {
		return nil, faults.New(faults.NoPendingProposal, "resolve", "proposal %s was already resolved", p.ID)
	}
	sess.State = models.TerminalState()

	if res.Outcome == Denied {
		log.Info().Str("session", sess.Key.String()).Str("action", p.Action).
			Str("proposal_id", p.ID).Msg("Proposal denied")
		return res, nil
	}

	res.Result, res.ExecErr = g.execute(ctx, p)
	if res.ExecErr != nil && ctx.Err() != nil {
		// The action was cut short, not refused; the proposal stays open for
		// the next message.
		g.unclaim(p.ID)
		sess.State = models.AwaitingState(p)
		log.Warn().Err(res.ExecErr).Str("session", sess.Key.String()).Str("action", p.Action).
			Str("proposal_id", p.ID).Msg("Confirmed action interrupted by cancellation")
		return nil, ctx.Err()
	}
	log.Info().Str("session", sess.Key.String()).Str("action", p.Action).
		Str("proposal_id", p.ID).Bool("ok", res.ExecErr == nil).Msg("Confirmed action executed")
	return res, nil
}

func (g *Gate) execute(ctx context.Context, p models.ActionProposal) (Result, error) {
	reg, err := g.resolver.RegistryFor(p.Origin)
	if err != nil {
		return Result{}, err
	}
	t, err := reg.Check(p.Action, p.Args)
	if err != nil {
		return Result{}, err
	}
	return reg.execute(ctx, t, p.Args)
}

func (g *Gate) claim(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for k, at := range g.claimed {
		if now.Sub(at) > claimTTL {
			delete(g.claimed, k)
		}
	}
	if _, done := g.claimed[id]; done {
		return false
	}
	g.claimed[id] = now
	return true
}

func (g *Gate) unclaim(id string) {
	g.mu.Lock()
	delete(g.claimed, id)
	g.mu.Unlock()
}

// Prompt is the first confirmation question, with the justification.
func Prompt(p models.ActionProposal) string {
	var b strings.Builder
	if p.Justification != "" {
		b.WriteString(p.Justification)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "I'd like to run %s", p.Action)
	if summary := summarizeArgs(p.Args); summary != "" {
		fmt.Fprintf(&b, " (%s)", summary)
	}
	b.WriteString(". Shall I go ahead? (yes/no)")
	return b.String()
}

// Reprompt is the terse re-ask after an ambiguous reply.
func Reprompt(p models.ActionProposal) string {
	return fmt.Sprintf("Sorry, I need a clear yes or no: should I run %s?", p.Action)
}

func summarizeArgs(args Args) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	return strings.Join(parts, ", ")
}
