package delegation_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentoven/dxtr/internal/actions"
	"github.com/agentoven/dxtr/internal/config"
	"github.com/agentoven/dxtr/internal/delegation"
	"github.com/agentoven/dxtr/internal/faults"
	"github.com/agentoven/dxtr/internal/intent"
	"github.com/agentoven/dxtr/internal/specialist"
	"github.com/agentoven/dxtr/pkg/models"
)

// ── Fakes ────────────────────────────────────────────────────

type reply struct {
	content string
	calls   []models.ToolCallResult
	err     error
}

func call(name, args string) models.ToolCallResult {
	return models.ToolCallResult{
		ID:       "call_" + name,
		Type:     "function",
		Function: models.FunctionCall{Name: name, Arguments: args},
	}
}

// scripted replays replies in order and records every request.
type scripted struct {
	mu       sync.Mutex
	replies  []reply
	requests []*models.RouteRequest
}

func (s *scripted) Complete(ctx context.Context, req *models.RouteRequest) (*models.RouteResponse, error) {
	return s.Stream(ctx, req, nil)
}

func (s *scripted) Stream(ctx context.Context, req *models.RouteRequest, fn func(models.StreamChunk)) (*models.RouteResponse, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	if len(s.replies) == 0 {
		s.mu.Unlock()
		return nil, faults.New(faults.BackendUnavailable, "stream", "script exhausted")
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	s.mu.Unlock()

	if r.err != nil {
		return nil, r.err
	}
	if fn != nil {
		for _, w := range strings.SplitAfter(r.content, " ") {
			if w != "" {
				fn(models.StreamChunk{Content: w})
			}
		}
		for i, c := range r.calls {
			fn(models.StreamChunk{ToolCall: &models.ToolCallChunk{Index: i, ID: c.ID, Name: c.Function.Name}})
		}
	}
	return &models.RouteResponse{Content: r.content, ToolCalls: r.calls}, nil
}

func (s *scripted) request(i int) *models.RouteRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

type fakeRunner struct {
	mu      sync.Mutex
	results []models.ExecutorResult
	tasks   []models.SpecialistTask
	block   bool
}

func (f *fakeRunner) Run(ctx context.Context, def specialist.Definition, reg *actions.Registry, task models.SpecialistTask) models.ExecutorResult {
	f.mu.Lock()
	f.tasks = append(f.tasks, task)
	block := f.block
	var res models.ExecutorResult
	if len(f.results) > 0 {
		res = f.results[0]
		f.results = f.results[1:]
	} else {
		res = models.Failed(models.ReasonInternal, "no scripted result", 0)
	}
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return models.Failed(models.ReasonInterrupted, "cancelled", 0)
	}
	return res
}

func (f *fakeRunner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

// journal records sink output and commits in one ordered log.
type journal struct {
	mu     sync.Mutex
	events []string
}

func (j *journal) add(e string) {
	j.mu.Lock()
	j.events = append(j.events, e)
	j.mu.Unlock()
}

func (j *journal) Status(msg string) { j.add("status:" + msg) }
func (j *journal) Token(text string) { j.add("token:" + text) }

func (j *journal) commit(ctx context.Context, sess *models.Session) error {
	j.add("commit:" + string(sess.State.Kind))
	return nil
}

func (j *journal) index(e string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i, have := range j.events {
		if have == e {
			return i
		}
	}
	return -1
}

func (j *journal) tokens() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	var b strings.Builder
	for _, e := range j.events {
		if strings.HasPrefix(e, "token:") {
			b.WriteString(strings.TrimPrefix(e, "token:"))
		}
	}
	return b.String()
}

// ── Harness ──────────────────────────────────────────────────

type harness struct {
	backend  *scripted
	runner   *fakeRunner
	router   *delegation.Router
	journal  *journal
	fetches  *int32
	profiles *int32
}

func counting(n *int32, output string, artifacts ...string) actions.Handler {
	return func(ctx context.Context, args actions.Args) (actions.Result, error) {
		atomic.AddInt32(n, 1)
		return actions.Result{Output: output, Artifacts: artifacts}, nil
	}
}

func newHarness(t *testing.T, replies ...reply) *harness {
	t.Helper()
	h := &harness{
		backend:  &scripted{replies: replies},
		runner:   &fakeRunner{},
		journal:  &journal{},
		fetches:  new(int32),
		profiles: new(int32),
	}

	dateSchema := actions.Schema{
		Properties: map[string]actions.Property{"date": {Type: actions.TypeString}},
		Required:   []string{"date"},
	}
	toolbox := actions.NewRegistry("toolbox", nil).MustRegister(
		actions.Tool{Name: "fetch_papers", Schema: dateSchema, RequiresConfirmation: true,
			Handler: counting(h.fetches, "Fetched 12 papers", "/data/hf_papers/2025-01-15")},
		actions.Tool{Name: "list_papers", Schema: dateSchema, Handler: counting(new(int32), "2 papers")},
		actions.Tool{Name: "save_profile", RequiresConfirmation: true, Schema: actions.Schema{AllowAdditional: true},
			Handler: counting(h.profiles, "Profile saved", "/data/profile.md")},
	).Seal()

	agents := &config.Agents{
		Main: config.MainAgentConfig{SystemPrompt: "You are dxtr.", Tools: []string{"fetch_papers", "list_papers"}},
		Specialists: []config.SpecialistConfig{{
			Name:        "papers_ranking",
			Capability:  "papers_ranking",
			Description: "Ranks papers against the user profile",
			Tools:       []string{"list_papers", "save_profile"},
			MaxSteps:    5,
			Timeout:     time.Second,
		}},
	}
	catalog, err := specialist.New(agents, toolbox)
	if err != nil {
		t.Fatalf("specialist.New() error = %v", err)
	}
	gate := actions.NewGate(catalog, intent.NewLexicon())
	h.router = delegation.NewRouter(h.backend, catalog, gate, h.runner, config.TurnConfig{
		MaxHops:           3,
		ContextEntries:    6,
		DelegationRetries: 2,
		RetryBackoff:      time.Millisecond,
	}, config.BackendConfig{})
	return h
}

func newSession() *models.Session {
	return models.NewSession(models.SessionKey{UserID: "u1", SessionID: "s1"}, time.Now().UTC())
}

// drive runs one turn the way the coordinator does: record the message,
// then step until the session settles.
func (h *harness) drive(t *testing.T, ctx context.Context, sess *models.Session, utterance string) (delegation.Outcome, error) {
	t.Helper()
	if sess.State.Kind == models.StateTerminal {
		sess.State = models.IdleState()
	}
	turn := &delegation.Turn{
		ID:        fmt.Sprintf("t%d", len(sess.Transcript)+1),
		Utterance: utterance,
		Sink:      h.journal,
		Commit:    h.journal.commit,
	}
	sess.Append(models.TranscriptEntry{TurnID: turn.ID, Role: "user", Kind: models.EntryMessage, Content: utterance})

	for i := 0; i < 10; i++ {
		out, err := h.router.Step(ctx, sess, turn)
		if err != nil || sess.State.Kind != models.StateIdle {
			return out, err
		}
	}
	t.Fatal("turn did not settle")
	return delegation.Outcome{}, nil
}

func proposeFetch() reply {
	return reply{
		content: "Today's papers are not downloaded yet.",
		calls:   []models.ToolCallResult{call("fetch_papers", `{"date":"2025-01-15"}`)},
	}
}

// ── Transitions ──────────────────────────────────────────────

func TestAnswerStreamsTokensAndTerminates(t *testing.T) {
	h := newHarness(t, reply{content: "Hello there, how can I help?"})
	sess := newSession()

	out, err := h.drive(t, context.Background(), sess, "hi")
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if out.Kind != models.OutcomeAnswered || out.Answer != "Hello there, how can I help?" {
		t.Errorf("outcome = %+v", out)
	}
	if sess.State.Kind != models.StateTerminal {
		t.Errorf("state = %q, want %q", sess.State.Kind, models.StateTerminal)
	}
	if got := h.journal.tokens(); got != "Hello there, how can I help?" {
		t.Errorf("streamed = %q", got)
	}

	req := h.backend.request(0)
	var sawDelegate bool
	for _, d := range req.Tools {
		if d.Function.Name == actions.DelegateAction {
			sawDelegate = true
		}
	}
	if !sawDelegate || req.Messages[0].Role != "system" {
		t.Errorf("main request missing delegate tool or system prompt: %+v", req.Tools)
	}
}

func TestConfirmedProposalExecutesOnce(t *testing.T) {
	h := newHarness(t, proposeFetch())
	sess := newSession()
	ctx := context.Background()

	out, err := h.drive(t, ctx, sess, "download today's papers")
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != models.OutcomeAwaiting || sess.State.Kind != models.StateAwaitingConfirmation {
		t.Fatalf("outcome = %+v, state = %q", out, sess.State.Kind)
	}
	if !strings.Contains(out.Answer, "fetch_papers") || !strings.Contains(out.Answer, "not downloaded yet") {
		t.Errorf("question = %q", out.Answer)
	}
	if n := atomic.LoadInt32(h.fetches); n != 0 {
		t.Fatalf("fetch_papers ran %d times before confirmation", n)
	}
	commit := h.journal.index("commit:awaiting_confirmation")
	status := h.journal.index("status:Waiting for confirmation to run fetch_papers")
	if commit < 0 || status < commit {
		t.Errorf("status emitted before commit: %v", h.journal.events)
	}

	out, err = h.drive(t, ctx, sess, "yes")
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != models.OutcomeExecuted || sess.State.Kind != models.StateTerminal {
		t.Errorf("outcome = %+v, state = %q", out, sess.State.Kind)
	}
	if n := atomic.LoadInt32(h.fetches); n != 1 {
		t.Errorf("fetch_papers ran %d times, want 1", n)
	}
	if n := sess.Count(models.EntryExecution, ""); n != 1 {
		t.Errorf("execution entries = %d, want 1", n)
	}
	if len(out.Artifacts) != 1 {
		t.Errorf("artifacts = %v", out.Artifacts)
	}
}

func TestDeniedProposalNeverExecutes(t *testing.T) {
	h := newHarness(t, proposeFetch())
	sess := newSession()
	ctx := context.Background()

	if _, err := h.drive(t, ctx, sess, "download today's papers"); err != nil {
		t.Fatal(err)
	}
	out, err := h.drive(t, ctx, sess, "actually don't")
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != models.OutcomeDenied || sess.State.Kind != models.StateTerminal {
		t.Errorf("outcome = %+v, state = %q", out, sess.State.Kind)
	}
	if n := atomic.LoadInt32(h.fetches); n != 0 {
		t.Errorf("fetch_papers ran %d times after denial", n)
	}
	if sess.Count(models.EntryDenial, "") != 1 || sess.Count(models.EntryExecution, "") != 0 {
		t.Errorf("transcript = %+v", sess.Transcript)
	}
}

func TestAmbiguousReplyKeepsProposal(t *testing.T) {
	h := newHarness(t, proposeFetch())
	sess := newSession()
	ctx := context.Background()

	if _, err := h.drive(t, ctx, sess, "download today's papers"); err != nil {
		t.Fatal(err)
	}
	id := sess.State.Pending.ID

	out, err := h.drive(t, ctx, sess, "maybe")
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != models.OutcomeReprompted || out.Answer != actions.Reprompt(*sess.State.Pending) {
		t.Errorf("outcome = %+v", out)
	}
	if sess.State.Kind != models.StateAwaitingConfirmation || sess.State.Pending.ID != id {
		t.Fatalf("proposal changed: %+v", sess.State)
	}
	if sess.State.Pending.Args["date"] != "2025-01-15" {
		t.Errorf("args = %v", sess.State.Pending.Args)
	}

	if _, err := h.drive(t, ctx, sess, "yes"); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(h.fetches); n != 1 {
		t.Errorf("fetch_papers ran %d times, want 1", n)
	}
}

func TestUnknownAgentFailsWithoutFallback(t *testing.T) {
	h := newHarness(t, reply{calls: []models.ToolCallResult{call("delegate", `{"agent":"ghost","task":"rank"}`)}})
	sess := newSession()

	out, err := h.drive(t, context.Background(), sess, "rank my papers")
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != models.OutcomeFailed || out.Answer != faults.UserMessage(faults.UnknownAgent) {
		t.Errorf("outcome = %+v", out)
	}
	if sess.State.Kind != models.StateTerminal {
		t.Errorf("state = %q", sess.State.Kind)
	}
	if h.runner.calls() != 0 {
		t.Errorf("runner called %d times", h.runner.calls())
	}
	if len(sess.Transcript) != 2 || sess.Transcript[1].Kind != models.EntryFailure || sess.Transcript[1].Detail != "unknown_agent" {
		t.Errorf("transcript = %+v", sess.Transcript)
	}
	if strings.Contains(sess.Transcript[1].Content, "ghost") {
		t.Errorf("failure message leaks detail: %q", sess.Transcript[1].Content)
	}
}

func TestDelegationSuccessFoldsResult(t *testing.T) {
	h := newHarness(t,
		reply{calls: []models.ToolCallResult{call("delegate", `{"agent":"papers_ranking","task":"rank today's papers"}`)}},
		reply{content: "Your top paper today is about sparse attention."},
	)
	h.runner.results = []models.ExecutorResult{models.Succeeded("1. Sparse attention", []string{"/data/ranking.json"}, 2)}
	sess := newSession()

	out, err := h.drive(t, context.Background(), sess, "rank today's papers for me")
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != models.OutcomeAnswered || sess.State.Kind != models.StateTerminal {
		t.Errorf("outcome = %+v, state = %q", out, sess.State.Kind)
	}
	if n := sess.Count(models.EntryDelegationResult, ""); n != 1 {
		t.Fatalf("delegation_result entries = %d, want 1", n)
	}

	task := h.runner.tasks[0]
	if task.Agent != "papers_ranking" || task.Description != "rank today's papers" {
		t.Errorf("task = %+v", task)
	}
	if len(task.Context) == 0 || task.Context[len(task.Context)-1].Content != "rank today's papers for me" {
		t.Errorf("task context = %+v", task.Context)
	}

	delegating := h.journal.index("commit:delegating")
	announced := h.journal.index("status:Delegating to papers_ranking")
	folded := h.journal.index("commit:idle")
	finished := h.journal.index("status:papers_ranking finished")
	if delegating < 0 || announced < delegating || folded < announced || finished < folded {
		t.Errorf("events out of order: %v", h.journal.events)
	}

	follow := h.backend.request(1)
	last := follow.Messages[len(follow.Messages)-1].Content
	if !strings.Contains(last, "[Specialist: papers_ranking] 1. Sparse attention") || !strings.Contains(last, "/data/ranking.json") {
		t.Errorf("main model did not see the result: %q", last)
	}
}

func TestDelegationRetriesTimeouts(t *testing.T) {
	h := newHarness(t,
		reply{calls: []models.ToolCallResult{call("delegate", `{"agent":"papers_ranking","task":"rank"}`)}},
		reply{content: "Done."},
	)
	h.runner.results = []models.ExecutorResult{
		models.Failed(models.ReasonExecutorTimeout, "slow", 1),
		models.Failed(models.ReasonBackendUnavailable, "down", 1),
		models.Succeeded("ranked", nil, 1),
	}

	out, err := h.drive(t, context.Background(), newSession(), "rank")
	if err != nil {
		t.Fatal(err)
	}
	if h.runner.calls() != 3 {
		t.Errorf("runner calls = %d, want 3", h.runner.calls())
	}
	if out.Answer != "Done." {
		t.Errorf("answer = %q", out.Answer)
	}
}

func TestDelegationFailureIsDegraded(t *testing.T) {
	h := newHarness(t, reply{calls: []models.ToolCallResult{call("delegate", `{"agent":"papers_ranking","task":"rank"}`)}})
	h.runner.results = []models.ExecutorResult{
		models.Failed(models.ReasonStepBudgetExceeded, "model looped on list_papers /secret/path", 5),
	}
	sess := newSession()

	out, err := h.drive(t, context.Background(), sess, "rank")
	if err != nil {
		t.Fatal(err)
	}
	if h.runner.calls() != 1 {
		t.Errorf("step budget failure retried: %d calls", h.runner.calls())
	}
	if out.Kind != models.OutcomeFailed || sess.State.Kind != models.StateTerminal {
		t.Errorf("outcome = %+v, state = %q", out, sess.State.Kind)
	}
	if strings.Contains(out.Answer, "/secret/path") {
		t.Errorf("answer leaks detail: %q", out.Answer)
	}
	last := sess.Transcript[len(sess.Transcript)-1]
	if last.Kind != models.EntryDelegationFailure || last.Detail != string(models.ReasonStepBudgetExceeded) {
		t.Errorf("last entry = %+v", last)
	}
}

func TestRetriesExhaustedEndTurnOnly(t *testing.T) {
	h := newHarness(t,
		reply{calls: []models.ToolCallResult{call("delegate", `{"agent":"papers_ranking","task":"rank"}`)}},
		reply{content: "Hi again."},
	)
	for i := 0; i < 3; i++ {
		h.runner.results = append(h.runner.results, models.Failed(models.ReasonExecutorTimeout, "slow", 1))
	}
	sess := newSession()
	ctx := context.Background()

	out, err := h.drive(t, ctx, sess, "rank")
	if err != nil {
		t.Fatal(err)
	}
	if h.runner.calls() != 3 || out.Answer != faults.UserMessage(faults.ExecutorTimeout) {
		t.Errorf("calls = %d, outcome = %+v", h.runner.calls(), out)
	}

	out, err = h.drive(t, ctx, sess, "hello")
	if err != nil || out.Answer != "Hi again." {
		t.Errorf("session unusable after failure: %+v, %v", out, err)
	}
}

func TestSpecialistProposalAwaitsConfirmation(t *testing.T) {
	h := newHarness(t, reply{calls: []models.ToolCallResult{call("delegate", `{"agent":"papers_ranking","task":"build my profile"}`)}})
	p := actions.NewProposal("save_profile", actions.Args{"content": "likes RL"}, "I drafted your profile.", models.FromSpecialist("papers_ranking"))
	h.runner.results = []models.ExecutorResult{{Status: models.ResultNeedsConfirmation, Proposal: &p, Steps: 2}}
	sess := newSession()
	ctx := context.Background()

	out, err := h.drive(t, ctx, sess, "build my profile")
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != models.OutcomeAwaiting || sess.State.Pending == nil || sess.State.Pending.Origin.Agent != "papers_ranking" {
		t.Fatalf("outcome = %+v, state = %+v", out, sess.State)
	}
	if atomic.LoadInt32(h.profiles) != 0 {
		t.Fatal("save_profile ran before confirmation")
	}

	out, err = h.drive(t, ctx, sess, "yes")
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != models.OutcomeExecuted || atomic.LoadInt32(h.profiles) != 1 {
		t.Errorf("outcome = %+v, profiles = %d", out, atomic.LoadInt32(h.profiles))
	}
	if sess.State.Kind != models.StateTerminal {
		t.Errorf("state = %q", sess.State.Kind)
	}
}

func TestUngatedActionFeedsBackAndContinues(t *testing.T) {
	h := newHarness(t,
		reply{calls: []models.ToolCallResult{call("list_papers", `{"date":"2025-01-15"}`)}},
		reply{content: "You have 2 papers."},
	)
	sess := newSession()

	out, err := h.drive(t, context.Background(), sess, "what papers do I have")
	if err != nil {
		t.Fatal(err)
	}
	if out.Answer != "You have 2 papers." {
		t.Errorf("answer = %q", out.Answer)
	}
	if sess.Count(models.EntryTool, "") != 1 {
		t.Errorf("transcript = %+v", sess.Transcript)
	}
	follow := h.backend.request(1)
	if last := follow.Messages[len(follow.Messages)-1].Content; last != "[Tool: list_papers] 2 papers" {
		t.Errorf("tool observation = %q", last)
	}
}

func TestHopLimitForcesAnswer(t *testing.T) {
	loop := reply{calls: []models.ToolCallResult{call("list_papers", `{"date":"2025-01-15"}`)}}
	h := newHarness(t, loop, loop, loop)
	sess := newSession()

	out, err := h.drive(t, context.Background(), sess, "loop forever")
	if err != nil {
		t.Fatal(err)
	}
	if len(h.backend.request(2).Tools) != 0 {
		t.Error("final hop still offered tools")
	}
	if out.Kind != models.OutcomeFailed || sess.State.Kind != models.StateTerminal {
		t.Errorf("outcome = %+v, state = %q", out, sess.State.Kind)
	}
}

func TestInvalidArgumentsTerminate(t *testing.T) {
	h := newHarness(t, reply{calls: []models.ToolCallResult{call("fetch_papers", `{}`)}})
	sess := newSession()

	out, err := h.drive(t, context.Background(), sess, "download")
	if err != nil {
		t.Fatal(err)
	}
	if out.Answer != faults.UserMessage(faults.InvalidArguments) || sess.State.Kind != models.StateTerminal {
		t.Errorf("outcome = %+v, state = %q", out, sess.State.Kind)
	}
	if atomic.LoadInt32(h.fetches) != 0 {
		t.Error("handler ran with invalid args")
	}
}

func TestUnknownActionTerminates(t *testing.T) {
	h := newHarness(t, reply{calls: []models.ToolCallResult{call("rm_rf", `{}`)}})
	out, err := h.drive(t, context.Background(), newSession(), "clean up")
	if err != nil {
		t.Fatal(err)
	}
	if out.Answer != faults.UserMessage(faults.UnknownAction) {
		t.Errorf("answer = %q", out.Answer)
	}
}

func TestBackendUnavailableEndsTurn(t *testing.T) {
	h := newHarness(t, reply{err: faults.New(faults.BackendUnavailable, "stream", "all providers down")})
	sess := newSession()
	out, err := h.drive(t, context.Background(), sess, "hi")
	if err != nil {
		t.Fatal(err)
	}
	if out.Answer != faults.UserMessage(faults.BackendUnavailable) || sess.State.Kind != models.StateTerminal {
		t.Errorf("outcome = %+v, state = %q", out, sess.State.Kind)
	}
}

func TestTokenGateSuppressesToolCallJSON(t *testing.T) {
	h := newHarness(t,
		reply{content: `{"name": "list_papers", "arguments": {"date": "2025-01-15"}}`},
		reply{content: "Two papers."},
	)
	if _, err := h.drive(t, context.Background(), newSession(), "list"); err != nil {
		t.Fatal(err)
	}
	if got := h.journal.tokens(); got != "Two papers." {
		t.Errorf("streamed = %q, want only the answer", got)
	}
}

func TestPreambleNeverStreamsBeforeCommit(t *testing.T) {
	preamble := "Handing this to the ranking specialist now, ranking in progress."

	t.Run("unknown agent", func(t *testing.T) {
		h := newHarness(t, reply{content: preamble, calls: []models.ToolCallResult{call("delegate", `{"agent":"nope","task":"rank"}`)}})
		out, err := h.drive(t, context.Background(), newSession(), "rank my papers")
		if err != nil {
			t.Fatal(err)
		}
		if out.Kind != models.OutcomeFailed {
			t.Errorf("outcome = %+v, want failed", out)
		}
		if got := h.journal.tokens(); got != "" {
			t.Errorf("streamed %q for a delegation that never started", got)
		}
	})

	t.Run("delegation", func(t *testing.T) {
		h := newHarness(t,
			reply{content: preamble, calls: []models.ToolCallResult{call("delegate", `{"agent":"papers_ranking","task":"rank"}`)}},
			reply{content: "Ranked."},
		)
		h.runner.results = []models.ExecutorResult{models.Succeeded("1. Sparse attention", nil, 1)}
		if _, err := h.drive(t, context.Background(), newSession(), "rank my papers"); err != nil {
			t.Fatal(err)
		}
		committed := h.journal.index("commit:delegating")
		if committed < 0 {
			t.Fatalf("delegation never committed: %v", h.journal.events)
		}
		for i, e := range h.journal.events[:committed] {
			if strings.HasPrefix(e, "token:") {
				t.Errorf("event %d %q precedes the delegating commit", i, e)
			}
		}
		if got := h.journal.tokens(); got != "Ranked." {
			t.Errorf("streamed = %q, want only the final answer", got)
		}
	})

	t.Run("gated action", func(t *testing.T) {
		h := newHarness(t, proposeFetch())
		if _, err := h.drive(t, context.Background(), newSession(), "download today's papers"); err != nil {
			t.Fatal(err)
		}
		if got := h.journal.tokens(); got != "" {
			t.Errorf("streamed %q alongside a proposal", got)
		}
	})
}

func TestCancelDuringDelegationKeepsCommittedState(t *testing.T) {
	h := newHarness(t, reply{calls: []models.ToolCallResult{call("delegate", `{"agent":"papers_ranking","task":"rank"}`)}})
	h.runner.block = true
	sess := newSession()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for h.runner.calls() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	_, err := h.drive(t, ctx, sess, "rank")
	if err == nil {
		t.Fatal("Step() should report the cancellation")
	}
	if sess.State.Kind != models.StateDelegating {
		t.Errorf("state = %q, want the committed delegating snapshot", sess.State.Kind)
	}
	if sess.Count(models.EntryDelegationResult, "")+sess.Count(models.EntryDelegationFailure, "") != 0 {
		t.Error("cancelled delegation was folded into the transcript")
	}
}
