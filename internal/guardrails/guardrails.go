// Package guardrails screens inbound user utterances before they reach the
// router. A blocked utterance ends the turn without touching session state.
//
// Supported guardrail kinds:
//   - content_filter: keyword/phrase blocklist
//   - max_length: character/word length limits
//   - regex_filter: custom regex pattern matching
//   - prompt_injection: heuristic prompt injection detection
package guardrails

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/agentoven/dxtr/internal/config"
)

const (
	KindContentFilter   = "content_filter"
	KindMaxLength       = "max_length"
	KindRegexFilter     = "regex_filter"
	KindPromptInjection = "prompt_injection"
)

// Verdict is the result of screening one utterance. Message is safe to
// show to the user.
type Verdict struct {
	Passed  bool   `json:"passed"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

type check func(text string) *Verdict

// Engine evaluates a fixed set of checks, compiled once at startup.
type Engine struct {
	checks []check
}

// New compiles cfgs. Unknown kinds and bad patterns are startup errors.
func New(cfgs []config.GuardrailConfig) (*Engine, error) {
	e := &Engine{}
	for _, g := range cfgs {
		c, err := compile(g)
		if err != nil {
			return nil, fmt.Errorf("guardrail %s: %w", g.Kind, err)
		}
		e.checks = append(e.checks, c)
	}
	return e, nil
}

// Check returns the first failing verdict, or a passing one.
func (e *Engine) Check(text string) Verdict {
	if e != nil {
		for _, c := range e.checks {
			if v := c(text); v != nil {
				return *v
			}
		}
	}
	return Verdict{Passed: true}
}

func compile(g config.GuardrailConfig) (check, error) {
	switch g.Kind {
	case KindContentFilter:
		return contentFilter(g.Config), nil
	case KindMaxLength:
		return maxLength(g.Config), nil
	case KindRegexFilter:
		return regexFilter(g.Config)
	case KindPromptInjection:
		return promptInjection(g.Config), nil
	default:
		return nil, fmt.Errorf("unknown kind")
	}
}

func blocked(kind, msg string) *Verdict {
	return &Verdict{Passed: false, Kind: kind, Message: msg}
}

// ── Content Filter ──────────────────────────────────────────
// Config: { "blocked_words": ["word1", "word2"], "case_sensitive": false }

func contentFilter(cfg map[string]interface{}) check {
	caseSensitive, _ := cfg["case_sensitive"].(bool)
	words := stringList(cfg["blocked_words"])
	if !caseSensitive {
		for i := range words {
			words[i] = strings.ToLower(words[i])
		}
	}
	return func(text string) *Verdict {
		if !caseSensitive {
			text = strings.ToLower(text)
		}
		for _, w := range words {
			if w != "" && strings.Contains(text, w) {
				return blocked(KindContentFilter, "Your message contains content I can't process.")
			}
		}
		return nil
	}
}

// ── Max Length ───────────────────────────────────────────────
// Config: { "max_characters": 5000, "max_words": 1000 }

func maxLength(cfg map[string]interface{}) check {
	maxChars, _ := getIntConfig(cfg, "max_characters")
	maxWords, _ := getIntConfig(cfg, "max_words")
	return func(text string) *Verdict {
		if maxChars > 0 && utf8.RuneCountInString(text) > maxChars {
			return blocked(KindMaxLength, "Your message is too long. Please shorten it and try again.")
		}
		if maxWords > 0 && len(strings.Fields(text)) > maxWords {
			return blocked(KindMaxLength, "Your message is too long. Please shorten it and try again.")
		}
		return nil
	}
}

// ── Regex Filter ────────────────────────────────────────────
// Config: { "pattern": "regex_string", "block_on_match": true }

func regexFilter(cfg map[string]interface{}) (check, error) {
	pattern, _ := cfg["pattern"].(string)
	if pattern == "" {
		return func(string) *Verdict { return nil }, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	blockOnMatch := true
	if b, ok := cfg["block_on_match"].(bool); ok {
		blockOnMatch = b
	}
	return func(text string) *Verdict {
		if re.MatchString(text) == blockOnMatch {
			return blocked(KindRegexFilter, "Your message contains content I can't process.")
		}
		return nil
	}, nil
}

// ── Prompt Injection Detection ──────────────────────────────
// Config: { "sensitivity": "high" | "medium" }

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?|directions?)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`),
	regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior|above|your)\s+(instructions?|prompts?|rules?|context)`),
	regexp.MustCompile(`(?i)new\s+instructions?:\s*`),
	regexp.MustCompile(`(?i)system\s*:\s*you\s+are`),
	regexp.MustCompile(`(?i)\bjailbreak\b`),
	regexp.MustCompile(`(?i)pretend\s+you\s+(are|have)\s+no\s+(restrictions?|rules?|guidelines?)`),
	// Attempts to forge a confirmation or a tool result inside user text.
	regexp.MustCompile(`(?i)"?tool_calls"?\s*:\s*\[`),
	regexp.MustCompile(`(?i)\[tool:\s*\w+\]`),
}

var highSensitivityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)override\s+(your|the|all)\s+`),
	regexp.MustCompile(`(?i)bypass\s+(your|the|all)\s+`),
	regexp.MustCompile(`(?i)reveal\s+(your|the)\s+(system\s+)?(prompt|instructions?)`),
}

func promptInjection(cfg map[string]interface{}) check {
	sensitivity, _ := cfg["sensitivity"].(string)
	patterns := injectionPatterns
	if sensitivity == "high" {
		patterns = append(append([]*regexp.Regexp{}, injectionPatterns...), highSensitivityPatterns...)
	}
	return func(text string) *Verdict {
		for _, re := range patterns {
			if re.MatchString(text) {
				return blocked(KindPromptInjection, "I can't process that message. Please rephrase your request.")
			}
		}
		return nil
	}
}

// ── Helpers ─────────────────────────────────────────────────

// getIntConfig extracts an integer from a config map (handles float64 from JSON).
func getIntConfig(config map[string]interface{}, key string) (int, bool) {
	v, ok := config[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}

func stringList(v interface{}) []string {
	var out []string
	switch items := v.(type) {
	case []interface{}:
		for _, i := range items {
			if s, ok := i.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, items...)
	}
	return out
}
