// Package actions holds the named, invocable actions available to an agent
// and the confirmation gate that guards the side-effecting ones.
//
// A Registry is built once at startup, sealed, and then shared read-only
// across sessions. Tools marked as requiring confirmation (statically or by
// a policy rule) can only run through Gate.Resolve; Registry.Invoke rejects
// them.
package actions

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/dxtr/internal/faults"
	"github.com/agentoven/dxtr/pkg/models"
)

// DelegateAction is reserved for the router's delegation pseudo-tool. It can
// never be registered, so specialists cannot delegate further.
const DelegateAction = "delegate"

// Args is a decoded argument bundle.
type Args = map[string]interface{}

// Result is what a handler returns. Artifacts are opaque references
// (paths, ids) forwarded to the parent unchanged.
type Result struct {
	Output    string   `json:"output"`
	Artifacts []string `json:"artifacts,omitempty"`
}

// Handler performs the action. It is only called with validated args.
type Handler func(ctx context.Context, args Args) (Result, error)

type Tool struct {
	Name                 string
	Description          string
	Schema               Schema
	RequiresConfirmation bool
	Handler              Handler
}

// ToolError is the structured error a handler reports. Collaborators never
// surface raw panics; they are recovered into a ToolError of kind "panic".
type ToolError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *ToolError) Error() string { return e.Kind + ": " + e.Message }

// Registry maps exact, case-sensitive names to tools.
type Registry struct {
	name   string
	policy *Policy

	mu     sync.RWMutex
	tools  map[string]*Tool
	sealed bool
}

// NewRegistry creates an empty registry. policy may be nil.
func NewRegistry(name string, policy *Policy) *Registry {
	return &Registry{
		name:   name,
		policy: policy,
		tools:  make(map[string]*Tool),
	}
}

func (r *Registry) Name() string { return r.name }

// Register adds a tool. It fails after Seal, on duplicates and on the
// reserved delegate name.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.sealed:
		return fmt.Errorf("registry %s is sealed", r.name)
	case strings.TrimSpace(t.Name) == "":
		return fmt.Errorf("registry %s: tool name is required", r.name)
	case t.Name == DelegateAction:
		return fmt.Errorf("registry %s: %q is reserved", r.name, DelegateAction)
	case t.Handler == nil:
		return fmt.Errorf("registry %s: tool %s has no handler", r.name, t.Name)
	}
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("registry %s: tool %s already registered", r.name, t.Name)
	}
	if err := t.Schema.check(); err != nil {
		return fmt.Errorf("registry %s: tool %s: %w", r.name, t.Name, err)
	}

	tool := t
	r.tools[t.Name] = &tool
	return nil
}

// MustRegister panics on error. Used for built-in tool sets.
func (r *Registry) MustRegister(tools ...Tool) *Registry {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}

// Seal makes the registry read-only.
func (r *Registry) Seal() *Registry {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
	return r
}

// Lookup returns the tool registered under exactly name.
func (r *Registry) Lookup(name string) (*Tool, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, faults.New(faults.UnknownAction, "lookup",
			"%q is not registered in %s (available: %s)", name, r.name, strings.Join(r.Names(), ", "))
	}
	return t, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Definitions renders the tools as model tool definitions.
func (r *Registry) Definitions() []models.ToolDefinition {
	names := r.Names()
	defs := make([]models.ToolDefinition, 0, len(names))
	for _, n := range names {
		t, _ := r.Lookup(n)
		defs = append(defs, models.ToolDefinition{
			Type: "function",
			Function: models.ToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Schema.JSONSchema(),
			},
		})
	}
	return defs
}

// RequiresConfirmation reports whether name with args must pass the gate.
// Unknown tools report false; Check reports those.
func (r *Registry) RequiresConfirmation(name string, args Args) bool {
	t, err := r.Lookup(name)
	if err != nil {
		return false
	}
	return r.gated(t, args)
}

func (r *Registry) gated(t *Tool, args Args) bool {
	if t.RequiresConfirmation {
		return true
	}
	return r.policy.matches(t.Name, args)
}

// Check looks up name and validates args against its schema. Nothing is
// executed.
func (r *Registry) Check(name string, args Args) (*Tool, error) {
	t, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	if err := t.Schema.Validate(args); err != nil {
		return nil, err
	}
	return t, nil
}

// Invoke validates and runs an ungated tool. Gated tools are rejected with
// confirmation_required; they only run after Gate.Resolve confirms them.
func (r *Registry) Invoke(ctx context.Context, name string, args Args) (Result, error) {
	t, err := r.Check(name, args)
	if err != nil {
		return Result{}, err
	}
	if r.gated(t, args) {
		return Result{}, faults.New(faults.ConfirmationRequired, "invoke",
			"%s requires an explicit user confirmation", name)
	}
	return r.execute(ctx, t, args)
}

// execute runs the handler. Callers must have validated args and, for gated
// tools, hold a confirmed proposal.
func (r *Registry) execute(ctx context.Context, t *Tool, args Args) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("registry", r.name).Str("action", t.Name).
				Interface("panic", p).Msg("Tool handler panicked")
			res, err = Result{}, &ToolError{Kind: "panic", Message: fmt.Sprint(p)}
		}
	}()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	res, err = t.Handler(ctx, args)
	if err != nil {
		log.Debug().Err(err).Str("registry", r.name).Str("action", t.Name).Msg("Tool failed")
	}
	return res, err
}

// Filtered builds a sealed registry with the subset of tools named in allow
// (all tools when allow is empty), minus deny. Unknown names in allow are an
// error so a misconfigured specialist fails at startup.
func (r *Registry) Filtered(name string, allow, deny []string) (*Registry, error) {
	denied := make(map[string]bool, len(deny))
	for _, d := range deny {
		denied[d] = true
	}

	picked := allow
	if len(picked) == 0 {
		picked = r.Names()
	}

	out := NewRegistry(name, r.policy)
	for _, n := range picked {
		if denied[n] || n == DelegateAction {
			continue
		}
		t, err := r.Lookup(n)
		if err != nil {
			return nil, fmt.Errorf("registry %s: %w", name, err)
		}
		if err := out.Register(*t); err != nil {
			return nil, err
		}
	}
	return out.Seal(), nil
}
