// Package faults classifies the errors that cross component boundaries in
// the orchestrator. Every error returned by actions, executor, delegation,
// sessions and turn can be mapped to a Kind with KindOf.
package faults

import (
	"errors"
	"fmt"
)

// Kind is the error taxonomy. Ambiguous confirmation replies are not an
// error and have no Kind.
type Kind string

const (
	UnknownAction          Kind = "unknown_action"
	InvalidArguments       Kind = "invalid_arguments"
	UnknownAgent           Kind = "unknown_agent"
	StepBudgetExceeded     Kind = "step_budget_exceeded"
	ExecutorTimeout        Kind = "executor_timeout"
	BackendUnavailable     Kind = "backend_unavailable"
	ConcurrentTurnRejected Kind = "concurrent_turn_rejected"
	ConfirmationRequired   Kind = "confirmation_required"
	ProposalPending        Kind = "proposal_pending"
	NoPendingProposal      Kind = "no_pending_proposal"
	InvalidRequest         Kind = "invalid_request"
	NotFound               Kind = "not_found"
	Internal               Kind = "internal"
)

// Error is a classified error. Op names the operation that failed and Msg
// is operator-facing detail; neither is shown to end users.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same Kind, so errors.Is(err, &Error{Kind: k})
// works through wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

func New(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the outermost classified error in the chain,
// or Internal when err is unclassified.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether err may be retried automatically.
func Retryable(err error) bool {
	switch KindOf(err) {
	case BackendUnavailable, ExecutorTimeout:
		return true
	}
	return false
}

// UserMessage is the non-leaking copy shown to users for a failed turn.
func UserMessage(kind Kind) string {
	switch kind {
	case UnknownAction, InvalidArguments, ConfirmationRequired:
		return "That action isn't available right now."
	case UnknownAgent:
		return "I couldn't find the right helper for that request right now."
	case StepBudgetExceeded, ExecutorTimeout:
		return "That task took longer than expected and was stopped. Please try again or narrow the request."
	case BackendUnavailable:
		return "The assistant is temporarily unavailable. Please try again in a moment."
	case ConcurrentTurnRejected:
		return "Still working on your previous message. Please wait for it to finish."
	case InvalidRequest:
		return "That request couldn't be processed."
	default:
		return "Something went wrong while handling your request."
	}
}
