package actions_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/agentoven/dxtr/internal/actions"
	"github.com/agentoven/dxtr/internal/faults"
)

type counter struct{ n atomic.Int32 }

func (c *counter) handler(out string) actions.Handler {
	return func(ctx context.Context, args actions.Args) (actions.Result, error) {
		c.n.Add(1)
		return actions.Result{Output: out}, nil
	}
}

func fetchPapersTool(c *counter) actions.Tool {
	return actions.Tool{
		Name:        "fetch_papers",
		Description: "Download papers for a date",
		Schema: actions.Schema{
			Properties: map[string]actions.Property{
				"date": {Type: actions.TypeString},
			},
			Required: []string{"date"},
		},
		RequiresConfirmation: true,
		Handler:              c.handler("fetched"),
	}
}

func listPapersTool(c *counter) actions.Tool {
	return actions.Tool{
		Name: "list_papers",
		Schema: actions.Schema{
			Properties: map[string]actions.Property{
				"date":  {Type: actions.TypeString},
				"limit": {Type: actions.TypeInteger},
				"sort":  {Type: actions.TypeString, Enum: []string{"votes", "title"}},
			},
			Required: []string{"date"},
		},
		Handler: c.handler("3 papers"),
	}
}

func newTestRegistry(t *testing.T, c *counter) *actions.Registry {
	t.Helper()
	reg := actions.NewRegistry("main", nil)
	if err := reg.Register(fetchPapersTool(c)); err != nil {
		t.Fatalf("Register(fetch_papers) error = %v", err)
	}
	if err := reg.Register(listPapersTool(c)); err != nil {
		t.Fatalf("Register(list_papers) error = %v", err)
	}
	return reg.Seal()
}

func TestRegisterRejectsDuplicatesAndReserved(t *testing.T) {
	c := &counter{}
	reg := actions.NewRegistry("main", nil)
	if err := reg.Register(listPapersTool(c)); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}
	if err := reg.Register(listPapersTool(c)); err == nil {
		t.Error("duplicate Register() should fail")
	}
	reserved := listPapersTool(c)
	reserved.Name = actions.DelegateAction
	if err := reg.Register(reserved); err == nil {
		t.Error("Register(delegate) should fail")
	}
}

func TestRegisterAfterSealFails(t *testing.T) {
	c := &counter{}
	reg := newTestRegistry(t, c)
	extra := listPapersTool(c)
	extra.Name = "late"
	if err := reg.Register(extra); err == nil {
		t.Error("Register() after Seal should fail")
	}
}

func TestLookupIsCaseSensitive(t *testing.T) {
	reg := newTestRegistry(t, &counter{})
	if _, err := reg.Lookup("list_papers"); err != nil {
		t.Fatalf("Lookup(list_papers) error = %v", err)
	}
	_, err := reg.Lookup("List_Papers")
	if got := faults.KindOf(err); got != faults.UnknownAction {
		t.Errorf("Lookup(List_Papers) kind = %q, want %q", got, faults.UnknownAction)
	}
}

func TestInvokeValidatesBeforeExecuting(t *testing.T) {
	c := &counter{}
	reg := newTestRegistry(t, c)
	ctx := context.Background()

	cases := []actions.Args{
		{},
		{"date": 20250101.0},
		{"date": "2025-01-01", "limit": 2.5},
		{"date": "2025-01-01", "sort": "random"},
		{"date": "2025-01-01", "extra": true},
	}
	for _, args := range cases {
		_, err := reg.Invoke(ctx, "list_papers", args)
		if got := faults.KindOf(err); got != faults.InvalidArguments {
			t.Errorf("Invoke(%v) kind = %q, want %q", args, got, faults.InvalidArguments)
		}
	}
	if n := c.n.Load(); n != 0 {
		t.Errorf("handler ran %d times on invalid args, want 0", n)
	}

	res, err := reg.Invoke(ctx, "list_papers", actions.Args{"date": "2025-01-01", "limit": 3.0, "sort": "votes"})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if res.Output != "3 papers" {
		t.Errorf("Invoke().Output = %q, want %q", res.Output, "3 papers")
	}
}

func TestInvokeUnknownAction(t *testing.T) {
	reg := newTestRegistry(t, &counter{})
	_, err := reg.Invoke(context.Background(), "rm_rf", nil)
	if got := faults.KindOf(err); got != faults.UnknownAction {
		t.Errorf("kind = %q, want %q", got, faults.UnknownAction)
	}
}

func TestInvokeRejectsGatedTool(t *testing.T) {
	c := &counter{}
	reg := newTestRegistry(t, c)

	_, err := reg.Invoke(context.Background(), "fetch_papers", actions.Args{"date": "2025-01-01"})
	if got := faults.KindOf(err); got != faults.ConfirmationRequired {
		t.Errorf("kind = %q, want %q", got, faults.ConfirmationRequired)
	}
	if n := c.n.Load(); n != 0 {
		t.Errorf("gated handler ran %d times through Invoke, want 0", n)
	}
}

func TestPolicyGatesMatchingArgs(t *testing.T) {
	c := &counter{}
	policy, err := actions.NewPolicy([]actions.PolicyRule{
		{Action: "list_papers", When: `args.limit > 50`},
	})
	if err != nil {
		t.Fatalf("NewPolicy() error = %v", err)
	}
	reg := actions.NewRegistry("main", policy)
	reg.MustRegister(listPapersTool(c)).Seal()
	ctx := context.Background()

	if _, err := reg.Invoke(ctx, "list_papers", actions.Args{"date": "d", "limit": 5.0}); err != nil {
		t.Fatalf("small limit should run, got %v", err)
	}
	_, err = reg.Invoke(ctx, "list_papers", actions.Args{"date": "d", "limit": 500.0})
	if got := faults.KindOf(err); got != faults.ConfirmationRequired {
		t.Errorf("kind = %q, want %q", got, faults.ConfirmationRequired)
	}
	if !reg.RequiresConfirmation("list_papers", actions.Args{"date": "d", "limit": 500.0}) {
		t.Error("RequiresConfirmation should be true for large limit")
	}
}

func TestNewPolicyRejectsBadExpression(t *testing.T) {
	if _, err := actions.NewPolicy([]actions.PolicyRule{{Action: "x", When: "args.limit >"}}); err == nil {
		t.Error("NewPolicy() should fail on a syntax error")
	}
}

func TestHandlerPanicBecomesToolError(t *testing.T) {
	reg := actions.NewRegistry("main", nil)
	reg.MustRegister(actions.Tool{
		Name: "explode",
		Handler: func(ctx context.Context, args actions.Args) (actions.Result, error) {
			panic("kaboom")
		},
	}).Seal()

	_, err := reg.Invoke(context.Background(), "explode", nil)
	te, ok := err.(*actions.ToolError)
	if !ok {
		t.Fatalf("error = %T %v, want *actions.ToolError", err, err)
	}
	if te.Kind != "panic" {
		t.Errorf("ToolError.Kind = %q, want %q", te.Kind, "panic")
	}
}

func TestFilteredExcludesDenied(t *testing.T) {
	reg := newTestRegistry(t, &counter{})
	sub, err := reg.Filtered("ranking", nil, []string{"fetch_papers"})
	if err != nil {
		t.Fatalf("Filtered() error = %v", err)
	}
	names := sub.Names()
	if len(names) != 1 || names[0] != "list_papers" {
		t.Errorf("Filtered().Names() = %v, want [list_papers]", names)
	}
	if _, err := reg.Filtered("bad", []string{"nope"}, nil); err == nil {
		t.Error("Filtered() with unknown allow entry should fail")
	}
}

func TestDefinitionsRenderSchema(t *testing.T) {
	reg := newTestRegistry(t, &counter{})
	defs := reg.Definitions()
	if len(defs) != 2 {
		t.Fatalf("len(Definitions()) = %d, want 2", len(defs))
	}
	if defs[0].Function.Name != "fetch_papers" {
		t.Errorf("first definition = %q, want %q", defs[0].Function.Name, "fetch_papers")
	}
	if defs[0].Function.Parameters["type"] != "object" {
		t.Errorf("parameters type = %v, want object", defs[0].Function.Parameters["type"])
	}
}
