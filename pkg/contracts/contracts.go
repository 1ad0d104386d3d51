// Package contracts defines the service interfaces for the dxtr orchestrator.
//
// These interfaces form the boundary between the turn state machine and its
// collaborators: the inference backend, the intent classifier and the
// session store. The concrete implementations live under internal/ and are
// wired together in pkg/server.
package contracts

import (
	"context"

	"github.com/agentoven/dxtr/pkg/models"
)

// ── Inference Backend ───────────────────────────────────────

// ModelBackend sends a bounded message list plus the available tool
// schemas to a language model.
// Implementation: internal/backend.ModelRouter
type ModelBackend interface {
	// Complete returns either plain text or structured tool calls.
	Complete(ctx context.Context, req *models.RouteRequest) (*models.RouteResponse, error)

	// Stream delivers chunks to fn in generation order and returns the
	// assembled response. It is the same logical contract as Complete.
	Stream(ctx context.Context, req *models.RouteRequest, fn func(models.StreamChunk)) (*models.RouteResponse, error)
}

// ── Intent Classification ───────────────────────────────────

// Intent is a classifier label for a reply to a confirmation question.
type Intent string

const (
	IntentAffirm Intent = "affirm"
	IntentDeny   Intent = "deny"
	IntentOther  Intent = "other"
)

// IntentClassifier labels a user utterance given the pending question.
// Implementations: internal/intent.Lexicon, internal/intent.ModelClassifier
type IntentClassifier interface {
	Classify(ctx context.Context, question, utterance string) (Intent, error)
}

// ── Session Store ───────────────────────────────────────────

// SessionStore persists conversation snapshots keyed by (user, session).
// Implementations copy on the way in and out; callers never share memory
// with the store.
// Implementations: internal/sessions.{MemoryStore,SQLiteStore,PostgresStore}
type SessionStore interface {
	// Load returns the snapshot or a not_found fault.
	Load(ctx context.Context, key models.SessionKey) (*models.Session, error)

	// Save upserts the snapshot.
	Save(ctx context.Context, sess *models.Session) error

	// Reset removes the session entirely. Only invoked by operators.
	Reset(ctx context.Context, key models.SessionKey) error

	// List returns the sessions of one user, most recently updated first.
	List(ctx context.Context, userID string) ([]*models.Session, error)

	Close() error
}

// ── Turn Output ─────────────────────────────────────────────

// Sink receives the side channel of a turn. Status fragments are emitted
// only after the transition they describe has been persisted.
type Sink interface {
	Status(msg string)
	Token(text string)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Status(string) {}
func (NopSink) Token(string)  {}
