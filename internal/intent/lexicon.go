// Package intent classifies replies to confirmation questions as affirm,
// deny or other. The gate owns what each label means; this package only
// labels text.
package intent

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/agentoven/dxtr/pkg/contracts"
)

var (
	affirmWords = map[string]bool{
		"yes": true, "y": true, "yeah": true, "yep": true, "yup": true, "sure": true,
		"ok": true, "okay": true, "confirm": true, "confirmed": true, "proceed": true,
		"approve": true, "approved": true, "absolutely": true, "definitely": true,
	}
	affirmPhrases = []string{"go ahead", "do it", "please do", "sounds good", "of course", "let's do it"}
	// Affirmations built from negative words. They are removed before the
	// deny and hedge scans.
	affirmIdioms = []string{
		"no problem", "not a problem", "no worries", "don't worry", "dont worry",
		"do not worry", "why not", "don't see why not", "can't hurt",
	}

	denyWords = map[string]bool{
		"no": true, "n": true, "nope": true, "nah": true, "cancel": true, "stop": true,
		"abort": true, "deny": true, "denied": true, "skip": true,
	}
	denyPhrases = []string{"don't", "do not", "dont", "never mind", "nevermind", "not now", "hold off"}

	hedgeWords   = map[string]bool{"maybe": true, "perhaps": true, "possibly": true, "hmm": true, "unsure": true}
	hedgePhrases = []string{"not sure", "i guess", "let me think", "depends", "what does", "why"}
)

// Lexicon is a keyword classifier. Negations win over affirmations that
// appear alongside them ("yes, actually don't" is a denial) unless they are
// part of an affirming idiom such as "no problem". Hedges are other.
type Lexicon struct{}

func NewLexicon() *Lexicon { return &Lexicon{} }

func (Lexicon) Classify(ctx context.Context, question, utterance string) (contracts.Intent, error) {
	return Label(utterance), nil
}

// Label classifies text without a context.
func Label(utterance string) contracts.Intent {
	text := normalize(utterance)
	if text == "" {
		return contracts.IntentOther
	}
	words := strings.Fields(text)
	text, affirm := stripPhrases(text, affirmIdioms)

	hedge := containsAny(text, hedgePhrases)
	deny := containsAny(text, denyPhrases)
	affirm = affirm || containsAny(text, affirmPhrases)
	for _, w := range strings.Fields(text) {
		switch {
		case hedgeWords[w]:
			hedge = true
		case denyWords[w]:
			deny = true
		case affirmWords[w]:
			affirm = true
		}
	}

	switch {
	case hedge:
		return contracts.IntentOther
	case deny:
		return contracts.IntentDeny
	case affirm && len(words) <= 8:
		return contracts.IntentAffirm
	default:
		return contracts.IntentOther
	}
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "’", "'")
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' || unicode.IsSpace(r) {
			return r
		}
		return ' '
	}, s)
}

// stripPhrases removes every whole-word occurrence of phrases, longest first.
func stripPhrases(text string, phrases []string) (string, bool) {
	sorted := append([]string(nil), phrases...)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })

	padded := " " + strings.Join(strings.Fields(text), " ") + " "
	found := false
	for _, p := range sorted {
		if strings.Contains(padded, " "+p+" ") {
			padded = strings.ReplaceAll(padded, " "+p+" ", "  ")
			found = true
		}
	}
	return strings.TrimSpace(padded), found
}

func containsAny(text string, phrases []string) bool {
	padded := " " + strings.Join(strings.Fields(text), " ") + " "
	for _, p := range phrases {
		if strings.Contains(padded, " "+p+" ") {
			return true
		}
	}
	return false
}
