// Package toolbox provides the built-in external capability adapters: the
// papers store, the research service, web fetching and local files.
//
// Every handler reports failures as *actions.ToolError so the executor can
// feed them back to the model as observations.
package toolbox

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agentoven/dxtr/internal/actions"
	"github.com/agentoven/dxtr/internal/config"
)

// ToolError kinds reported by the adapters.
const (
	ErrUnavailable = "unavailable"
	ErrUpstream    = "upstream"
	ErrNotFound    = "not_found"
	ErrForbidden   = "forbidden"
	ErrIO          = "io"
)

// Toolbox holds the shared state of the built-in tools.
type Toolbox struct {
	cfg      config.ToolboxConfig
	client   *http.Client
	research *Remote
	roots    []string
	now      func() time.Time
}

// New creates a toolbox. Paths in cfg are cleaned and made absolute.
func New(cfg config.ToolboxConfig) *Toolbox {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.MaxFetchBytes <= 0 {
		cfg.MaxFetchBytes = 1 << 20
	}
	cfg.PapersDir = absPath(cfg.PapersDir)
	cfg.ProfileDir = absPath(cfg.ProfileDir)

	client := &http.Client{Timeout: cfg.FetchTimeout}
	tb := &Toolbox{
		cfg:    cfg,
		client: client,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if cfg.ResearchServiceURL != "" {
		tb.research = &Remote{
			Name:     "research",
			Endpoint: cfg.ResearchServiceURL,
			Auth:     RemoteAuth{Type: "bearer", Token: cfg.ResearchToken},
			client:   client,
		}
	}

	// Papers and the profile are always readable.
	for _, r := range append([]string{cfg.PapersDir, cfg.ProfileDir}, cfg.ReadRoots...) {
		if r = absPath(r); r != "" {
			tb.roots = append(tb.roots, r)
		}
	}
	return tb
}

// Tools returns every built-in tool.
func (tb *Toolbox) Tools() []actions.Tool {
	return []actions.Tool{
		tb.fetchPapersTool(),
		tb.listPapersTool(),
		tb.listPaperDatesTool(),
		tb.searchPapersTool(),
		tb.webFetchTool(),
		tb.readFileTool(),
		tb.saveProfileTool(),
	}
}

// Build registers every built-in tool in a sealed registry. Agents get
// their own subsets through Registry.Filtered.
func Build(cfg config.ToolboxConfig, policy *actions.Policy) (*actions.Registry, error) {
	reg := actions.NewRegistry("toolbox", policy)
	for _, t := range New(cfg).Tools() {
		if err := reg.Register(t); err != nil {
			return nil, err
		}
	}
	return reg.Seal(), nil
}

// ── Helpers ─────────────────────────────────────────────────

func toolErr(kind, format string, args ...interface{}) error {
	return &actions.ToolError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func absPath(p string) string {
	if strings.TrimSpace(p) == "" {
		return ""
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

func str(args actions.Args, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

func intArg(args actions.Args, key string, fallback int) int {
	switch n := args[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	}
	return fallback
}

// within reports whether path is inside one of roots.
func within(path string, roots []string) bool {
	for _, r := range roots {
		rel, err := filepath.Rel(r, path)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "\n\n[...truncated...]"
}
