package sessions

import (
	"encoding/json"
	"time"

	"github.com/agentoven/dxtr/internal/faults"
	"github.com/agentoven/dxtr/pkg/models"
)

// row is the column layout shared by the SQL stores.
type row struct {
	UserID     string
	SessionID  string
	State      string
	Transcript string
	TurnCount  int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func encodeRow(sess *models.Session) (row, error) {
	if err := sess.State.Validate(); err != nil {
		return row{}, faults.Wrap(faults.Internal, "save", err)
	}
	state, err := json.Marshal(sess.State)
	if err != nil {
		return row{}, faults.Wrap(faults.Internal, "save", err)
	}
	transcript := sess.Transcript
	if transcript == nil {
		transcript = []models.TranscriptEntry{}
	}
	entries, err := json.Marshal(transcript)
	if err != nil {
		return row{}, faults.Wrap(faults.Internal, "save", err)
	}
	return row{
		UserID:     sess.Key.UserID,
		SessionID:  sess.Key.SessionID,
		State:      string(state),
		Transcript: string(entries),
		TurnCount:  sess.TurnCount,
		CreatedAt:  sess.CreatedAt.UTC(),
		UpdatedAt:  sess.UpdatedAt.UTC(),
	}, nil
}

func (r row) decode() (*models.Session, error) {
	sess := &models.Session{
		Key:       models.SessionKey{UserID: r.UserID, SessionID: r.SessionID},
		TurnCount: r.TurnCount,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(r.State), &sess.State); err != nil {
		return nil, faults.Wrap(faults.Internal, "load", err)
	}
	if err := sess.State.Validate(); err != nil {
		return nil, faults.Wrap(faults.Internal, "load", err)
	}
	if err := json.Unmarshal([]byte(r.Transcript), &sess.Transcript); err != nil {
		return nil, faults.Wrap(faults.Internal, "load", err)
	}
	return sess, nil
}
