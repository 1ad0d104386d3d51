package toolbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/agentoven/dxtr/internal/actions"
	"github.com/agentoven/dxtr/internal/config"
	"github.com/agentoven/dxtr/internal/faults"
	"github.com/agentoven/dxtr/internal/toolbox"
)

func testConfig(t *testing.T) config.ToolboxConfig {
	t.Helper()
	dir := t.TempDir()
	return config.ToolboxConfig{
		PapersDir:     filepath.Join(dir, "papers"),
		ProfileDir:    filepath.Join(dir, "profile"),
		FetchTimeout:  5 * time.Second,
		MaxFetchBytes: 1 << 16,
	}
}

// ungated registers every tool without the confirmation flag so handlers
// can be exercised directly.
func ungated(t *testing.T, cfg config.ToolboxConfig) *actions.Registry {
	t.Helper()
	reg := actions.NewRegistry("test", nil)
	for _, tool := range toolbox.New(cfg).Tools() {
		tool.RequiresConfirmation = false
		if err := reg.Register(tool); err != nil {
			t.Fatalf("Register(%s) error = %v", tool.Name, err)
		}
	}
	return reg.Seal()
}

func writePaper(t *testing.T, cfg config.ToolboxConfig, date string, p toolbox.Paper) {
	t.Helper()
	dir := filepath.Join(cfg.PapersDir, date, p.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(p)
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func toolKind(err error) string {
	var te *actions.ToolError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

func TestBuildGatesSideEffectingTools(t *testing.T) {
	reg, err := toolbox.Build(testConfig(t), nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	for _, name := range []string{"fetch_papers", "save_profile"} {
		if !reg.RequiresConfirmation(name, actions.Args{}) {
			t.Errorf("%s should require confirmation", name)
		}
	}
	for _, name := range []string{"list_papers", "list_paper_dates", "search_papers", "web_fetch", "read_file"} {
		if reg.RequiresConfirmation(name, actions.Args{}) {
			t.Errorf("%s should not require confirmation", name)
		}
	}
	_, err = reg.Invoke(context.Background(), "save_profile", actions.Args{"content": "x"})
	if !faults.Is(err, faults.ConfirmationRequired) {
		t.Errorf("Invoke(save_profile) error = %v, want confirmation_required", err)
	}
}

func TestFetchPapersWritesMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("date"); got != "2025-01-15" {
			t.Errorf("date = %q, want 2025-01-15", got)
		}
		w.Write([]byte(`[
			{"paper": {"id": "2501.00001", "title": "Nested", "summary": "s1"}, "upvotes": 12},
			{"id": "2501.00002", "title": "Flat", "upvotes": 3},
			{"paper": {"title": "no id"}}
		]`))
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.PapersServiceURL = srv.URL
	reg := ungated(t, cfg)

	res, err := reg.Invoke(context.Background(), "fetch_papers", actions.Args{"date": "2025-01-15"})
	if err != nil {
		t.Fatalf("fetch_papers error = %v", err)
	}
	if !strings.Contains(res.Output, "Downloaded 2 papers") {
		t.Errorf("Output = %q", res.Output)
	}
	if len(res.Artifacts) != 1 || res.Artifacts[0] != filepath.Join(cfg.PapersDir, "2025-01-15") {
		t.Errorf("Artifacts = %v", res.Artifacts)
	}

	papers, err := toolbox.New(cfg).LoadPapers("2025-01-15")
	if err != nil {
		t.Fatalf("LoadPapers() error = %v", err)
	}
	if len(papers) != 2 || papers[0].ID != "2501.00001" || papers[0].Upvotes != 12 {
		t.Errorf("papers = %+v", papers)
	}
}

func TestFetchPapersUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.PapersServiceURL = srv.URL
	_, err := ungated(t, cfg).Invoke(context.Background(), "fetch_papers", actions.Args{"date": "2025-01-15"})
	if toolKind(err) != toolbox.ErrUpstream {
		t.Errorf("error = %v, want upstream tool error", err)
	}
}

func TestFetchPapersRejectsBadDate(t *testing.T) {
	_, err := ungated(t, testConfig(t)).Invoke(context.Background(), "fetch_papers", actions.Args{"date": "yesterday"})
	if toolKind(err) != "invalid_date" {
		t.Errorf("error = %v, want invalid_date", err)
	}
}

func TestListPapersSortedByUpvotes(t *testing.T) {
	cfg := testConfig(t)
	writePaper(t, cfg, "2025-01-15", toolbox.Paper{ID: "a", Title: "Low", Upvotes: 1})
	writePaper(t, cfg, "2025-01-15", toolbox.Paper{ID: "b", Title: "High", Upvotes: 9})

	res, err := ungated(t, cfg).Invoke(context.Background(), "list_papers", actions.Args{"date": "2025-01-15"})
	if err != nil {
		t.Fatalf("list_papers error = %v", err)
	}
	if strings.Index(res.Output, "High") > strings.Index(res.Output, "Low") {
		t.Errorf("papers not sorted by upvotes:\n%s", res.Output)
	}

	res, _ = ungated(t, cfg).Invoke(context.Background(), "list_papers", actions.Args{"date": "2020-01-01"})
	if !strings.Contains(res.Output, "No papers downloaded") {
		t.Errorf("empty date output = %q", res.Output)
	}
}

func TestListPaperDates(t *testing.T) {
	cfg := testConfig(t)
	today := time.Now().UTC().Format("2006-01-02")
	writePaper(t, cfg, today, toolbox.Paper{ID: "x"})
	writePaper(t, cfg, today, toolbox.Paper{ID: "y"})

	res, err := ungated(t, cfg).Invoke(context.Background(), "list_paper_dates", actions.Args{})
	if err != nil {
		t.Fatalf("list_paper_dates error = %v", err)
	}
	if !strings.Contains(res.Output, today+": 2 papers") {
		t.Errorf("Output = %q", res.Output)
	}

	_, err = ungated(t, cfg).Invoke(context.Background(), "list_paper_dates", actions.Args{"days_back": 0})
	if toolKind(err) != "invalid_range" {
		t.Errorf("days_back=0 error = %v", err)
	}
}

func TestSearchPapersUsesRemoteToolServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		var req struct {
			Method string `json:"method"`
			Params struct {
				Name      string                 `json:"name"`
				Arguments map[string]interface{} `json:"arguments"`
			} `json:"params"`
			ID string `json:"id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Method != "tools/call" || req.Params.Name != "search_papers" || req.Params.Arguments["query"] != "diffusion" {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result": map[string]interface{}{
				"content":   []map[string]string{{"type": "text", "text": "[2501.00001] diffusion passage"}},
				"artifacts": []string{"2501.00001"},
			},
		})
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.ResearchServiceURL = srv.URL
	cfg.ResearchToken = "secret"
	res, err := ungated(t, cfg).Invoke(context.Background(), "search_papers", actions.Args{"query": "diffusion"})
	if err != nil {
		t.Fatalf("search_papers error = %v", err)
	}
	if res.Output != "[2501.00001] diffusion passage" || len(res.Artifacts) != 1 {
		t.Errorf("res = %+v", res)
	}
}

func TestSearchPapersRemoteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":"1","error":{"code":-32000,"message":"index not built"}}`))
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.ResearchServiceURL = srv.URL
	_, err := ungated(t, cfg).Invoke(context.Background(), "search_papers", actions.Args{"query": "q"})
	if toolKind(err) != toolbox.ErrUpstream || !strings.Contains(err.Error(), "index not built") {
		t.Errorf("error = %v", err)
	}
}

func TestWebFetchExtractsText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><script>var x=1;</script></head><body><h1>Jane Doe</h1><p>Works on retrieval.</p></body></html>`))
	}))
	defer srv.Close()

	res, err := ungated(t, testConfig(t)).Invoke(context.Background(), "web_fetch", actions.Args{"url": srv.URL})
	if err != nil {
		t.Fatalf("web_fetch error = %v", err)
	}
	if !strings.Contains(res.Output, "Jane Doe") || !strings.Contains(res.Output, "Works on retrieval.") {
		t.Errorf("Output = %q", res.Output)
	}
	if strings.Contains(res.Output, "var x") {
		t.Errorf("script content leaked: %q", res.Output)
	}
}

func TestWebFetchTruncatesOnRuneBoundary(t *testing.T) {
	body := "a" + strings.Repeat("é", 5000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(body))
	}))
	defer srv.Close()

	res, err := ungated(t, testConfig(t)).Invoke(context.Background(), "web_fetch", actions.Args{"url": srv.URL})
	if err != nil {
		t.Fatalf("web_fetch error = %v", err)
	}
	if !utf8.ValidString(res.Output) {
		t.Errorf("Output is not valid UTF-8: %q", res.Output[len(res.Output)-40:])
	}
	if !strings.HasSuffix(res.Output, "[...truncated...]") {
		t.Errorf("Output suffix = %q, want truncation marker", res.Output[len(res.Output)-20:])
	}
}

func TestWebFetchRejectsNonHTTP(t *testing.T) {
	_, err := ungated(t, testConfig(t)).Invoke(context.Background(), "web_fetch", actions.Args{"url": "file:///etc/passwd"})
	if toolKind(err) != "invalid_url" {
		t.Errorf("error = %v, want invalid_url", err)
	}
}

func TestReadFileRestrictedToRoots(t *testing.T) {
	cfg := testConfig(t)
	reg := ungated(t, cfg)
	ctx := context.Background()

	if err := os.MkdirAll(cfg.ProfileDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cfg.ProfileDir, "profile.md"), []byte("# Me"), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := reg.Invoke(ctx, "read_file", actions.Args{"path": "profile.md"})
	if err != nil || res.Output != "# Me" {
		t.Errorf("read_file(profile.md) = %q, %v", res.Output, err)
	}

	outside := filepath.Join(t.TempDir(), "secret.txt")
	os.WriteFile(outside, []byte("no"), 0o644)
	if _, err := reg.Invoke(ctx, "read_file", actions.Args{"path": outside}); toolKind(err) != toolbox.ErrForbidden {
		t.Errorf("outside read error = %v, want forbidden", err)
	}
	if _, err := reg.Invoke(ctx, "read_file", actions.Args{"path": "../../etc/passwd"}); toolKind(err) == "" {
		t.Error("path traversal should fail")
	}
	if _, err := reg.Invoke(ctx, "read_file", actions.Args{"path": "missing.md"}); toolKind(err) != toolbox.ErrNotFound {
		t.Errorf("missing file error = %v, want not_found", err)
	}
}

func TestSaveProfileReplacesFile(t *testing.T) {
	cfg := testConfig(t)
	reg := ungated(t, cfg)
	ctx := context.Background()

	for _, content := range []string{"first", "second"} {
		res, err := reg.Invoke(ctx, "save_profile", actions.Args{"content": content})
		if err != nil {
			t.Fatalf("save_profile error = %v", err)
		}
		if len(res.Artifacts) != 1 {
			t.Fatalf("Artifacts = %v", res.Artifacts)
		}
	}
	data, err := os.ReadFile(filepath.Join(cfg.ProfileDir, "profile.md"))
	if err != nil || string(data) != "second" {
		t.Errorf("profile = %q, %v", data, err)
	}
}
