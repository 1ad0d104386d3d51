package toolbox

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/html"

	"github.com/agentoven/dxtr/internal/actions"
)

const profileFile = "profile.md"

var (
	multiNewlinePattern = regexp.MustCompile(`\n{3,}`)
	multiSpacePattern   = regexp.MustCompile(`[ \t]{2,}`)
)

func (tb *Toolbox) webFetchTool() actions.Tool {
	return actions.Tool{
		Name:        "web_fetch",
		Description: "Fetch a web page and return its readable text.",
		Schema: actions.Schema{
			Properties: map[string]actions.Property{
				"url": {Type: actions.TypeString, Description: "The http(s) URL to fetch"},
			},
			Required: []string{"url"},
		},
		Handler: tb.webFetch,
	}
}

func (tb *Toolbox) readFileTool() actions.Tool {
	return actions.Tool{
		Name:        "read_file",
		Description: "Read a local text file such as the user's profile or a paper's metadata.",
		Schema: actions.Schema{
			Properties: map[string]actions.Property{
				"path": {Type: actions.TypeString, Description: "Absolute path, or a path relative to the profile directory"},
			},
			Required: []string{"path"},
		},
		Handler: tb.readFile,
	}
}

func (tb *Toolbox) saveProfileTool() actions.Tool {
	return actions.Tool{
		Name:                 "save_profile",
		Description:          "Save the synthesized research profile of the user, replacing the previous one.",
		RequiresConfirmation: true,
		Schema: actions.Schema{
			Properties: map[string]actions.Property{
				"content": {Type: actions.TypeString, Description: "The profile in markdown"},
			},
			Required: []string{"content"},
		},
		Handler: tb.saveProfile,
	}
}

// ── web_fetch ───────────────────────────────────────────────

func (tb *Toolbox) webFetch(ctx context.Context, args actions.Args) (actions.Result, error) {
	raw := str(args, "url")
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return actions.Result{}, toolErr("invalid_url", "%q is not an http(s) URL", raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return actions.Result{}, toolErr("invalid_url", "%v", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; dxtr/1.0)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := tb.client.Do(req)
	if err != nil {
		return actions.Result{}, toolErr(ErrUnavailable, "fetch %s: %v", u.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return actions.Result{}, toolErr(ErrUpstream, "%s returned %d", u.Host, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(tb.cfg.MaxFetchBytes)))
	if err != nil {
		return actions.Result{}, toolErr(ErrUnavailable, "read %s: %v", u.Host, err)
	}

	text := string(body)
	if ct := resp.Header.Get("Content-Type"); strings.Contains(ct, "html") || ct == "" {
		if extracted, err := htmlText(text); err == nil {
			text = extracted
		}
	}
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "")
	}

	log.Debug().Str("url", u.String()).Int("chars", len(text)).Msg("Web fetch completed")
	return actions.Result{Output: truncate(text, 8000)}, nil
}

// htmlText extracts the readable text of a page, skipping scripts,
// styles and navigation chrome.
func htmlText(content string) (string, error) {
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	extractText(doc, &sb, 0)

	s := multiNewlinePattern.ReplaceAllString(sb.String(), "\n\n")
	s = multiSpacePattern.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n")), nil
}

func extractText(n *html.Node, sb *strings.Builder, depth int) {
	if depth > 50 {
		return
	}
	switch n.Type {
	case html.TextNode:
		if text := strings.TrimSpace(n.Data); text != "" {
			sb.WriteString(text)
			sb.WriteString(" ")
		}
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript", "iframe", "svg", "nav", "footer":
			return
		case "h1", "h2", "h3", "p", "div", "li", "tr":
			sb.WriteString("\n")
		case "br":
			sb.WriteString("\n")
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, sb, depth+1)
	}
}

// ── read_file ───────────────────────────────────────────────

func (tb *Toolbox) readFile(ctx context.Context, args actions.Args) (actions.Result, error) {
	p := str(args, "path")
	if p == "" {
		return actions.Result{}, toolErr("invalid_path", "path must not be empty")
	}
	if !filepath.IsAbs(p) && tb.cfg.ProfileDir != "" {
		p = filepath.Join(tb.cfg.ProfileDir, p)
	}
	p = filepath.Clean(p)

	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		if os.IsNotExist(err) {
			return actions.Result{}, toolErr(ErrNotFound, "%s does not exist", filepath.Base(p))
		}
		return actions.Result{}, toolErr(ErrIO, "%v", err)
	}
	if !within(resolved, tb.resolvedRoots()) {
		return actions.Result{}, toolErr(ErrForbidden, "%s is outside the readable directories", filepath.Base(p))
	}

	f, err := os.Open(resolved)
	if err != nil {
		return actions.Result{}, toolErr(ErrIO, "open %s: %v", filepath.Base(p), err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return actions.Result{}, toolErr(ErrIO, "stat %s: %v", filepath.Base(p), err)
	}
	if info.IsDir() {
		return actions.Result{}, toolErr("invalid_path", "%s is a directory", filepath.Base(p))
	}

	data, err := io.ReadAll(io.LimitReader(f, int64(tb.cfg.MaxFetchBytes)))
	if err != nil {
		return actions.Result{}, toolErr(ErrIO, "read %s: %v", filepath.Base(p), err)
	}
	if !utf8.Valid(data) {
		return actions.Result{}, toolErr("binary", "%s is not a text file", filepath.Base(p))
	}
	return actions.Result{Output: string(data), Artifacts: []string{resolved}}, nil
}

func (tb *Toolbox) resolvedRoots() []string {
	out := make([]string, 0, len(tb.roots))
	for _, r := range tb.roots {
		if resolved, err := filepath.EvalSymlinks(r); err == nil {
			out = append(out, resolved)
		}
	}
	return out
}

// ── save_profile ────────────────────────────────────────────

func (tb *Toolbox) saveProfile(ctx context.Context, args actions.Args) (actions.Result, error) {
	content, _ := args["content"].(string)
	if strings.TrimSpace(content) == "" {
		return actions.Result{}, toolErr("invalid_content", "profile content must not be empty")
	}
	if tb.cfg.ProfileDir == "" {
		return actions.Result{}, toolErr(ErrUnavailable, "no profile directory is configured")
	}
	if err := os.MkdirAll(tb.cfg.ProfileDir, 0o755); err != nil {
		return actions.Result{}, toolErr(ErrIO, "create profile directory: %v", err)
	}

	path := filepath.Join(tb.cfg.ProfileDir, profileFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return actions.Result{}, toolErr(ErrIO, "write profile: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return actions.Result{}, toolErr(ErrIO, "replace profile: %v", err)
	}

	log.Info().Str("path", path).Int("bytes", len(content)).Msg("Profile saved")
	return actions.Result{
		Output:    fmt.Sprintf("Saved the profile (%d characters).", utf8.RuneCountInString(content)),
		Artifacts: []string{path},
	}, nil
}
