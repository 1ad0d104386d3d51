package delegation

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/dxtr/internal/actions"
	"github.com/agentoven/dxtr/internal/backend"
	"github.com/agentoven/dxtr/internal/faults"
	"github.com/agentoven/dxtr/internal/specialist"
	"github.com/agentoven/dxtr/pkg/models"
)

// DecisionKind is what the main model chose to do with a turn.
type DecisionKind string

const (
	DecideAnswer   DecisionKind = "answer"
	DecideAction   DecisionKind = "action"
	DecideDelegate DecisionKind = "delegate"
)

// Decision is a decoded main-model response.
type Decision struct {
	Kind DecisionKind

	// Answer and Justification carry the model's text.
	Text string

	Action string
	Args   actions.Args

	Agent string
	Task  string
}

// Decode maps a model response onto a Decision. Only the first tool call is
// honoured; the main agent takes one transition per step.
func Decode(resp *models.RouteResponse) (Decision, error) {
	calls := backend.ExtractToolCalls(resp)
	if len(calls) == 0 {
		return Decision{Kind: DecideAnswer, Text: strings.TrimSpace(resp.Content)}, nil
	}
	if len(calls) > 1 {
		log.Warn().Int("tool_calls", len(calls)).Str("first", calls[0].Name).
			Msg("Main model requested several tool calls, using the first")
	}

	tc := calls[0]
	text := strings.TrimSpace(resp.Content)
	if len(resp.ToolCalls) == 0 {
		// The call was parsed out of the content, which is not prose.
		text = ""
	}
	if tc.Malformed != "" {
		return Decision{}, faults.New(faults.InvalidArguments, "decode", "%s: %s", tc.Name, tc.Malformed)
	}

	if tc.Name != actions.DelegateAction {
		return Decision{Kind: DecideAction, Text: text, Action: tc.Name, Args: tc.Arguments}, nil
	}

	agent, _ := tc.Arguments["agent"].(string)
	task, _ := tc.Arguments["task"].(string)
	agent, task = strings.TrimSpace(agent), strings.TrimSpace(task)
	if agent == "" || task == "" {
		return Decision{}, faults.New(faults.InvalidArguments, "decode", "delegate needs agent and task, got %v", tc.Arguments)
	}
	return Decision{Kind: DecideDelegate, Text: text, Agent: agent, Task: task}, nil
}

// delegateTool is the reserved pseudo-tool offered to the main agent.
func delegateTool(c *specialist.Catalog) models.ToolDefinition {
	infos := c.Infos()
	caps := make([]interface{}, 0, len(infos))
	var desc strings.Builder
	desc.WriteString("Hand an independent sub-task to a specialist and wait for its result. Available specialists:")
	for _, info := range infos {
		caps = append(caps, info.Capability)
		fmt.Fprintf(&desc, "\n- %s: %s", info.Capability, info.Description)
	}

	return models.ToolDefinition{
		Type: "function",
		Function: models.ToolFunction{
			Name:        actions.DelegateAction,
			Description: desc.String(),
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"agent": map[string]interface{}{
						"type":        "string",
						"description": "Capability name of the specialist",
						"enum":        caps,
					},
					"task": map[string]interface{}{
						"type":        "string",
						"description": "Self-contained description of the sub-task",
					},
				},
				"required": []interface{}{"agent", "task"},
			},
		},
	}
}
