package actions

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"
)

// PolicyRule marks an action as requiring confirmation. When is an
// expr-lang boolean over {action, args}; an empty When always matches.
//
//	- action: web_fetch
//	  when: 'args.url startsWith "http://"'
type PolicyRule struct {
	Action string `yaml:"action" json:"action"`
	When   string `yaml:"when" json:"when,omitempty"`
}

type compiledRule struct {
	PolicyRule
	program *vm.Program
}

// Policy adds confirmation requirements on top of each tool's static flag.
// A nil Policy matches nothing.
type Policy struct {
	rules map[string][]compiledRule
}

// NewPolicy compiles rules. Compilation errors are reported at startup.
func NewPolicy(rules []PolicyRule) (*Policy, error) {
	p := &Policy{rules: make(map[string][]compiledRule)}
	for i, r := range rules {
		if r.Action == "" {
			return nil, fmt.Errorf("policy rule %d: action is required", i)
		}
		cr := compiledRule{PolicyRule: r}
		if r.When != "" {
			prog, err := expr.Compile(r.When, expr.AsBool())
			if err != nil {
				return nil, fmt.Errorf("policy rule %d (%s): %w", i, r.Action, err)
			}
			cr.program = prog
		}
		p.rules[r.Action] = append(p.rules[r.Action], cr)
	}
	return p, nil
}

// matches evaluates the rules for action. Evaluation errors count as a
// match so a broken rule gates rather than opens.
func (p *Policy) matches(action string, args Args) bool {
	if p == nil {
		return false
	}
	for _, r := range p.rules[action] {
		if r.program == nil {
			return true
		}
		if args == nil {
			args = Args{}
		}
		out, err := expr.Run(r.program, map[string]interface{}{
			"action": action,
			"args":   args,
		})
		if err != nil {
			log.Warn().Err(err).Str("action", action).Str("when", r.When).
				Msg("Policy rule failed to evaluate, requiring confirmation")
			return true
		}
		if b, ok := out.(bool); ok && b {
			return true
		}
	}
	return false
}
