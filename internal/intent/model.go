package intent

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/dxtr/pkg/contracts"
	"github.com/agentoven/dxtr/pkg/models"
)

const classifierPrompt = `You label a user's reply to a yes/no confirmation question.
Answer with exactly one word: affirm, deny, or other.
Use "other" for hedges, questions, or replies that mix yes and no.`

// ModelClassifier asks the inference backend for a label and falls back to
// the lexicon when the backend fails or answers off-script.
type ModelClassifier struct {
	backend  contracts.ModelBackend
	model    string
	fallback *Lexicon
}

func NewModelClassifier(backend contracts.ModelBackend, model string) *ModelClassifier {
	return &ModelClassifier{backend: backend, model: model, fallback: NewLexicon()}
}

func (c *ModelClassifier) Classify(ctx context.Context, question, utterance string) (contracts.Intent, error) {
	maxTokens := 4
	temp := 0.0
	resp, err := c.backend.Complete(ctx, &models.RouteRequest{
		Model: c.model,
		Messages: []models.ChatMessage{
			{Role: "system", Content: classifierPrompt},
			{Role: "user", Content: "Question: " + question + "\nReply: " + utterance},
		},
		MaxTokens:   &maxTokens,
		Temperature: &temp,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Model intent classifier unavailable, using lexicon")
		return c.fallback.Classify(ctx, question, utterance)
	}

	label := strings.Trim(strings.ToLower(strings.TrimSpace(resp.Content)), ".\"'")
	switch contracts.Intent(label) {
	case contracts.IntentAffirm, contracts.IntentDeny, contracts.IntentOther:
		return contracts.Intent(label), nil
	}
	log.Debug().Str("label", label).Msg("Unexpected classifier label, using lexicon")
	return c.fallback.Classify(ctx, question, utterance)
}
