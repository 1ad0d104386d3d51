package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ── Session Keys ─────────────────────────────────────────────

// SessionKey identifies one conversation of one user.
type SessionKey struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

func (k SessionKey) String() string {
	return k.UserID + ":" + k.SessionID
}

// ID encodes the key for maps and locks. The user id is length-prefixed so
// ids containing ':' cannot collide; String is for display only.
func (k SessionKey) ID() string {
	return strconv.Itoa(len(k.UserID)) + ":" + k.UserID + ":" + k.SessionID
}

// ── Conversation State ───────────────────────────────────────

type StateKind string

const (
	StateIdle                 StateKind = "idle"
	StateAwaitingConfirmation StateKind = "awaiting_confirmation"
	StateDelegating           StateKind = "delegating"
	StateTerminal             StateKind = "terminal"
)

// ConversationState is a tagged variant. Pending is set only for
// StateAwaitingConfirmation and Delegation only for StateDelegating.
type ConversationState struct {
	Kind       StateKind       `json:"kind"`
	Pending    *ActionProposal `json:"pending,omitempty"`
	Delegation *Delegation     `json:"delegation,omitempty"`
}

func IdleState() ConversationState     { return ConversationState{Kind: StateIdle} }
func TerminalState() ConversationState { return ConversationState{Kind: StateTerminal} }

func AwaitingState(p ActionProposal) ConversationState {
	return ConversationState{Kind: StateAwaitingConfirmation, Pending: &p}
}

func DelegatingState(d Delegation) ConversationState {
	return ConversationState{Kind: StateDelegating, Delegation: &d}
}

// Validate reports whether the payload matches the tag.
func (s ConversationState) Validate() error {
	switch s.Kind {
	case StateIdle, StateTerminal:
		if s.Pending != nil || s.Delegation != nil {
			return fmt.Errorf("state %s carries a payload", s.Kind)
		}
	case StateAwaitingConfirmation:
		if s.Pending == nil || s.Delegation != nil {
			return fmt.Errorf("state %s needs exactly one pending proposal", s.Kind)
		}
	case StateDelegating:
		if s.Delegation == nil || s.Pending != nil {
			return fmt.Errorf("state %s needs exactly one delegation", s.Kind)
		}
	default:
		return fmt.Errorf("unknown state kind %q", s.Kind)
	}
	return nil
}

func (s ConversationState) clone() ConversationState {
	out := ConversationState{Kind: s.Kind}
	if s.Pending != nil {
		p := s.Pending.Clone()
		out.Pending = &p
	}
	if s.Delegation != nil {
		d := *s.Delegation
		out.Delegation = &d
	}
	return out
}

// ── Proposals ────────────────────────────────────────────────

type OriginKind string

const (
	OriginTopLevel   OriginKind = "top_level"
	OriginSpecialist OriginKind = "specialist"
)

// ProposalOrigin records who asked for an action, so the result can be
// routed back to the right registry.
type ProposalOrigin struct {
	Kind  OriginKind `json:"kind"`
	Agent string     `json:"agent,omitempty"`
}

func TopLevel() ProposalOrigin { return ProposalOrigin{Kind: OriginTopLevel} }

func FromSpecialist(agent string) ProposalOrigin {
	return ProposalOrigin{Kind: OriginSpecialist, Agent: agent}
}

// ActionProposal is an action plus arguments awaiting user confirmation.
// It is never mutated after construction.
type ActionProposal struct {
	ID            string                 `json:"id"`
	Action        string                 `json:"action"`
	Args          map[string]interface{} `json:"args"`
	Justification string                 `json:"justification"`
	Origin        ProposalOrigin         `json:"origin"`
	CreatedAt     time.Time              `json:"created_at"`
}

// Clone returns a deep copy. Args are round-tripped through JSON since
// they originate from decoded model output.
func (p ActionProposal) Clone() ActionProposal {
	out := p
	out.Args = CloneArgs(p.Args)
	return out
}

func CloneArgs(args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		cp := make(map[string]interface{}, len(args))
		for k, v := range args {
			cp[k] = v
		}
		return cp
	}
	var cp map[string]interface{}
	_ = json.Unmarshal(data, &cp)
	return cp
}

// ── Delegation ───────────────────────────────────────────────

type Delegation struct {
	Agent     string    `json:"agent"`
	Task      string    `json:"task"`
	TaskID    string    `json:"task_id"`
	StartedAt time.Time `json:"started_at"`
}

// SpecialistTask is the unit of work handed to a specialist. Context is a
// bounded tail of the parent transcript, never the whole thing.
type SpecialistTask struct {
	ID          string        `json:"id"`
	Agent       string        `json:"agent"`
	Description string        `json:"description"`
	Context     []ChatMessage `json:"context,omitempty"`
}

type ResultStatus string

const (
	ResultSuccess           ResultStatus = "success"
	ResultFailure           ResultStatus = "failure"
	ResultNeedsConfirmation ResultStatus = "needs_confirmation"
)

type FailureReason string

const (
	ReasonStepBudgetExceeded FailureReason = "step_budget_exceeded"
	ReasonExecutorTimeout    FailureReason = "executor_timeout"
	ReasonBackendUnavailable FailureReason = "backend_unavailable"
	ReasonInterrupted        FailureReason = "interrupted"
	ReasonInternal           FailureReason = "internal"
)

// ExecutorResult is the single terminal result of a specialist run.
// Artifacts are opaque references forwarded to the parent as-is.
type ExecutorResult struct {
	Status    ResultStatus    `json:"status"`
	Output    string          `json:"output,omitempty"`
	Artifacts []string        `json:"artifacts,omitempty"`
	Reason    FailureReason   `json:"reason,omitempty"`
	Detail    string          `json:"detail,omitempty"`
	Proposal  *ActionProposal `json:"proposal,omitempty"`
	Steps     int             `json:"steps"`
}

func Succeeded(output string, artifacts []string, steps int) ExecutorResult {
	return ExecutorResult{Status: ResultSuccess, Output: output, Artifacts: artifacts, Steps: steps}
}

func Failed(reason FailureReason, detail string, steps int) ExecutorResult {
	return ExecutorResult{Status: ResultFailure, Reason: reason, Detail: detail, Steps: steps}
}

// ── Transcript ───────────────────────────────────────────────

type EntryKind string

const (
	EntryMessage           EntryKind = "message"
	EntryProposal          EntryKind = "proposal"
	EntryExecution         EntryKind = "execution"
	EntryDenial            EntryKind = "denial"
	EntryTool              EntryKind = "tool"
	EntryDelegationResult  EntryKind = "delegation_result"
	EntryDelegationFailure EntryKind = "delegation_failure"
	EntryFailure           EntryKind = "failure"
)

// TranscriptEntry is one append-only record. Detail is operator-facing
// and never rendered back to the user or the model.
type TranscriptEntry struct {
	Seq       int       `json:"seq"`
	TurnID    string    `json:"turn_id"`
	Role      string    `json:"role"` // "user", "assistant", "system"
	Kind      EntryKind `json:"kind"`
	Content   string    `json:"content"`
	Action    string    `json:"action,omitempty"`
	Agent     string    `json:"agent,omitempty"`
	Artifacts []string  `json:"artifacts,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ── Session ──────────────────────────────────────────────────

type Session struct {
	Key        SessionKey        `json:"key"`
	State      ConversationState `json:"state"`
	Transcript []TranscriptEntry `json:"transcript"`
	TurnCount  int               `json:"turn_count"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

func NewSession(key SessionKey, now time.Time) *Session {
	return &Session{
		Key:       key,
		State:     IdleState(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Append adds an entry, assigning the next sequence number.
func (s *Session) Append(e TranscriptEntry) TranscriptEntry {
	e.Seq = len(s.Transcript) + 1
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.Transcript = append(s.Transcript, e)
	return e
}

// Count returns how many entries of kind k were recorded in turn turnID
// (all turns when turnID is empty).
func (s *Session) Count(k EntryKind, turnID string) int {
	n := 0
	for _, e := range s.Transcript {
		if e.Kind == k && (turnID == "" || e.TurnID == turnID) {
			n++
		}
	}
	return n
}

func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.State = s.State.clone()
	out.Transcript = make([]TranscriptEntry, len(s.Transcript))
	for i, e := range s.Transcript {
		if e.Artifacts != nil {
			e.Artifacts = append([]string(nil), e.Artifacts...)
		}
		out.Transcript[i] = e
	}
	return &out
}
