package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentoven/dxtr/internal/actions"
)

// Agents is the agents catalog, loaded from YAML.
type Agents struct {
	Main        MainAgentConfig      `yaml:"main"`
	Specialists []SpecialistConfig   `yaml:"specialists"`
	Policy      []actions.PolicyRule `yaml:"confirmation_policy"`
	Guardrails  []GuardrailConfig    `yaml:"guardrails"`
}

// MainAgentConfig describes the top-level agent the user talks to.
type MainAgentConfig struct {
	SystemPrompt string   `yaml:"system_prompt"`
	Tools        []string `yaml:"tools"`
	Model        string   `yaml:"model"`
}

// SpecialistConfig declares one specialist executor. Capability is the
// name the main model uses to delegate to it.
type SpecialistConfig struct {
	Name         string        `yaml:"name"`
	Capability   string        `yaml:"capability"`
	Description  string        `yaml:"description"`
	SystemPrompt string        `yaml:"system_prompt"`
	Tools        []string      `yaml:"tools"`
	MaxSteps     int           `yaml:"max_steps"`
	Timeout      time.Duration `yaml:"timeout"`
	Model        string        `yaml:"model"`
}

// GuardrailConfig enables one input check on user utterances.
type GuardrailConfig struct {
	Kind   string                 `yaml:"kind"`
	Config map[string]interface{} `yaml:"config"`
}

// LoadAgents reads the catalog from path, or returns the built-in catalog
// when path is empty.
func LoadAgents(path string, exec ExecutorConfig) (*Agents, error) {
	if path == "" {
		a := DefaultAgents()
		a.applyDefaults(exec)
		return a, a.validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return ParseAgents(data, exec)
}

// ParseAgents unmarshals YAML bytes into a validated catalog.
func ParseAgents(data []byte, exec ExecutorConfig) (*Agents, error) {
	var a Agents
	if err := yaml.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	a.applyDefaults(exec)
	if err := a.validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

func (a *Agents) applyDefaults(exec ExecutorConfig) {
	if a.Main.SystemPrompt == "" {
		a.Main.SystemPrompt = defaultMainPrompt
	}
	if len(a.Main.Tools) == 0 {
		a.Main.Tools = []string{"fetch_papers", "list_paper_dates", "read_file"}
	}
	for i := range a.Specialists {
		s := &a.Specialists[i]
		if s.Capability == "" {
			s.Capability = s.Name
		}
		if s.MaxSteps == 0 {
			s.MaxSteps = exec.DefaultMaxSteps
		}
		if s.Timeout == 0 {
			s.Timeout = exec.DefaultTimeout
		}
	}
}

func (a *Agents) validate() error {
	seen := make(map[string]bool)
	for i, s := range a.Specialists {
		if s.Name == "" {
			return fmt.Errorf("config: specialists[%d].name is required", i)
		}
		if s.Capability == actions.DelegateAction || s.Capability == "main" {
			return fmt.Errorf("config: specialist %s uses reserved capability %q", s.Name, s.Capability)
		}
		if seen[s.Capability] {
			return fmt.Errorf("config: duplicate specialist capability %q", s.Capability)
		}
		seen[s.Capability] = true
		if s.MaxSteps < 1 {
			return fmt.Errorf("config: specialist %s: max_steps must be positive", s.Name)
		}
		if s.Timeout <= 0 {
			return fmt.Errorf("config: specialist %s: timeout must be positive", s.Name)
		}
		for _, t := range s.Tools {
			if t == actions.DelegateAction {
				return fmt.Errorf("config: specialist %s cannot use the %s tool", s.Name, actions.DelegateAction)
			}
		}
	}
	for i, g := range a.Guardrails {
		if strings.TrimSpace(g.Kind) == "" {
			return fmt.Errorf("config: guardrails[%d].kind is required", i)
		}
	}
	return nil
}

const defaultMainPrompt = `You are dxtr, a research assistant that helps the user keep up with new machine learning papers.
Answer directly when you can. Use a tool when you need data. Delegate focused multi-step work to a specialist with the delegate tool.
Never claim an action has been performed unless a tool result says so.`

// DefaultAgents is the built-in catalog used when no agents file is set.
func DefaultAgents() *Agents {
	return &Agents{
		Specialists: []SpecialistConfig{
			{
				Name:         "papers_ranking",
				Description:  "Ranks the papers of a given date against the user's profile.",
				SystemPrompt: "You rank research papers by relevance to the user's profile. Load the papers for the requested date, read the profile, then return a ranked list with one-line reasons.",
				Tools:        []string{"list_papers", "list_paper_dates", "read_file"},
			},
			{
				Name:         "deep_research",
				Description:  "Answers detailed questions using the full text of downloaded papers.",
				SystemPrompt: "You answer research questions using the downloaded papers. Search the paper index, cite the papers you use, and say so when the papers do not cover the question.",
				Tools:        []string{"search_papers", "list_papers", "web_fetch"},
			},
			{
				Name:         "profile_synthesis",
				Description:  "Builds the user's research profile from their links and documents.",
				SystemPrompt: "You write a concise research profile of the user from the material provided. Save it with save_profile when it is complete.",
				Tools:        []string{"read_file", "web_fetch", "save_profile"},
			},
			{
				Name:         "github_summarizer",
				Description:  "Summarizes a GitHub user's or repository's research-relevant work.",
				SystemPrompt: "You summarize GitHub profiles and repositories, focusing on research topics and technical interests.",
				Tools:        []string{"web_fetch"},
			},
		},
		Guardrails: []GuardrailConfig{
			{Kind: "max_length", Config: map[string]interface{}{"max_characters": 8000}},
			{Kind: "prompt_injection"},
		},
	}
}
