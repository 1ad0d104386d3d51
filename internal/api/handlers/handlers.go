// Package handlers implements the HTTP handlers for the dxtr orchestrator.
// Every chat request becomes one turn on the Coordinator; streaming requests
// relay the turn's status and token fragments as server-sent events.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/dxtr/internal/faults"
	"github.com/agentoven/dxtr/internal/specialist"
	"github.com/agentoven/dxtr/internal/turn"
	pkgmw "github.com/agentoven/dxtr/pkg/middleware"
	"github.com/agentoven/dxtr/pkg/models"
)

// UsageReporter exposes per-agent token accounting. *backend.ModelRouter
// satisfies it.
type UsageReporter interface {
	Usage() map[string]models.TokenUsage
	Latencies() map[string]int64
}

// Handlers holds all handler dependencies.
type Handlers struct {
	Turns   *turn.Coordinator
	Catalog *specialist.Catalog
	Usage   UsageReporter // optional
}

// New creates a new Handlers instance with all dependencies.
func New(turns *turn.Coordinator, cat *specialist.Catalog, usage UsageReporter) *Handlers {
	return &Handlers{Turns: turns, Catalog: cat, Usage: usage}
}

// ══════════════════════════════════════════════════════════════
// ── Chat ─────────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// Chat runs one turn and returns the final response.
// POST /api/v1/chat
func (h *Handlers) Chat(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSubmit(w, r)
	if !ok {
		return
	}

	resp, err := h.Turns.Submit(r.Context(), req, nil)
	if err != nil {
		respondFault(w, err)
		return
	}
	status := http.StatusOK
	if resp.Outcome == models.OutcomeBlocked {
		status = http.StatusForbidden
	}
	respondJSON(w, status, resp)
}

// ChatStream runs one turn, streaming progress as SSE events:
// status, token, and a final done or error.
// POST /api/v1/chat/stream
func (h *Handlers) ChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSubmit(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := &sseSink{w: w, flusher: flusher}
	resp, err := h.Turns.Submit(r.Context(), req, sink)
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away; nobody is listening.
			return
		}
		kind := faults.KindOf(err)
		logFault(err, kind)
		sink.send(models.TurnEvent{Type: models.EventError, Message: faults.UserMessage(kind)})
		return
	}
	sink.send(models.TurnEvent{
		Type:    models.EventDone,
		Answer:  resp.Answer,
		State:   resp.State,
		Outcome: resp.Outcome,
	})
}

// sseSink writes turn fragments as SSE events. Writes are serialized because
// status fragments can arrive from a different goroutine than tokens.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	broken  bool
}

func (s *sseSink) Status(msg string) {
	s.send(models.TurnEvent{Type: models.EventStatus, Message: msg})
}

func (s *sseSink) Token(text string) {
	s.send(models.TurnEvent{Type: models.EventToken, Content: text})
}

func (s *sseSink) send(ev models.TurnEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken {
		return
	}
	ev.Timestamp = time.Now().UTC()
	data, _ := json.Marshal(ev)
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		s.broken = true
		return
	}
	s.flusher.Flush()
}

type chatRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
}

// decodeSubmit reads a chat body. The user id defaults to the caller's
// identity and may not contradict it.
func decodeSubmit(w http.ResponseWriter, r *http.Request) (models.SubmitRequest, bool) {
	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return models.SubmitRequest{}, false
	}
	caller := pkgmw.GetUser(r.Context())
	switch {
	case body.UserID == "":
		body.UserID = caller
	case caller != "" && caller != body.UserID:
		respondError(w, http.StatusForbidden, "user_id does not match the authenticated user")
		return models.SubmitRequest{}, false
	}
	return models.SubmitRequest{UserID: body.UserID, SessionID: body.SessionID, Query: body.Query}, true
}

// ══════════════════════════════════════════════════════════════
// ── Sessions ─────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

type sessionSummary struct {
	SessionID string           `json:"session_id"`
	State     models.StateKind `json:"state"`
	TurnCount int              `json:"turn_count"`
	Entries   int              `json:"entries"`
	Busy      bool             `json:"busy"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// ListSessions returns a user's sessions, most recent first.
// GET /api/v1/sessions/{userID}
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !h.ownsUser(w, r, userID) {
		return
	}
	list, err := h.Turns.Sessions(r.Context(), userID)
	if err != nil {
		respondFault(w, err)
		return
	}
	out := make([]sessionSummary, 0, len(list))
	for _, s := range list {
		out = append(out, sessionSummary{
			SessionID: s.Key.SessionID,
			State:     s.State.Kind,
			TurnCount: s.TurnCount,
			Entries:   len(s.Transcript),
			Busy:      h.Turns.Busy(s.Key),
			CreatedAt: s.CreatedAt,
			UpdatedAt: s.UpdatedAt,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

// GetSession returns the last committed snapshot of a session.
// GET /api/v1/sessions/{userID}/{sessionID}
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)
	if !h.ownsUser(w, r, key.UserID) {
		return
	}
	sess, err := h.Turns.Snapshot(r.Context(), key)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// DeleteSession resets a session. Admin only.
// DELETE /api/v1/sessions/{userID}/{sessionID}
func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)
	if err := h.Turns.Reset(r.Context(), key); err != nil {
		respondFault(w, err)
		return
	}
	log.Info().Str("session", key.String()).Msg("Session reset via API")
	w.WriteHeader(http.StatusNoContent)
}

func sessionKey(r *http.Request) models.SessionKey {
	return models.SessionKey{
		UserID:    chi.URLParam(r, "userID"),
		SessionID: chi.URLParam(r, "sessionID"),
	}
}

// ownsUser refuses reads of another user's sessions unless the request
// carries an admin key.
func (h *Handlers) ownsUser(w http.ResponseWriter, r *http.Request, userID string) bool {
	caller := pkgmw.GetUser(r.Context())
	if caller == "" || caller == userID || pkgmw.IsAdmin(r.Context()) {
		return true
	}
	respondError(w, http.StatusForbidden, "sessions belong to another user")
	return false
}

// ══════════════════════════════════════════════════════════════
// ── Catalog & Usage ──────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ListSpecialists returns the specialists the main agent can delegate to.
// GET /api/v1/specialists
func (h *Handlers) ListSpecialists(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Catalog.Infos())
}

// GetUsage returns token usage and last latency per agent.
// GET /api/v1/models/usage
func (h *Handlers) GetUsage(w http.ResponseWriter, r *http.Request) {
	if h.Usage == nil {
		respondError(w, http.StatusNotFound, "usage tracking is not enabled")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"usage":      h.Usage.Usage(),
		"latency_ms": h.Usage.Latencies(),
	})
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondFault maps a classified error to a status and a non-leaking body.
func respondFault(w http.ResponseWriter, err error) {
	kind := faults.KindOf(err)
	logFault(err, kind)
	respondJSON(w, statusFor(kind), map[string]string{
		"error":   string(kind),
		"message": faults.UserMessage(kind),
	})
}

func statusFor(kind faults.Kind) int {
	switch kind {
	case faults.InvalidRequest:
		return http.StatusBadRequest
	case faults.NotFound:
		return http.StatusNotFound
	case faults.ConcurrentTurnRejected:
		return http.StatusConflict
	case faults.BackendUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func logFault(err error, kind faults.Kind) {
	var fe *faults.Error
	if kind == faults.Internal || !errors.As(err, &fe) {
		log.Error().Err(err).Msg("Request failed")
		return
	}
	log.Debug().Err(err).Str("kind", string(kind)).Msg("Request rejected")
}
