package toolbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/dxtr/internal/actions"
)

const dateLayout = "2006-01-02"

// Paper is the metadata stored per downloaded paper in
// <PapersDir>/<date>/<id>/metadata.json.
type Paper struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Summary     string        `json:"summary"`
	Authors     []PaperAuthor `json:"authors"`
	PublishedAt string        `json:"publishedAt"`
	Upvotes     int           `json:"upvotes"`
}

type PaperAuthor struct {
	Name string `json:"name"`
}

var dateProperty = actions.Property{Type: actions.TypeString, Description: "Date in YYYY-MM-DD format"}

func (tb *Toolbox) fetchPapersTool() actions.Tool {
	return actions.Tool{
		Name:                 "fetch_papers",
		Description:          "Download the daily papers published on a date into the local papers store.",
		RequiresConfirmation: true,
		Schema: actions.Schema{
			Properties: map[string]actions.Property{"date": dateProperty},
			Required:   []string{"date"},
		},
		Handler: tb.fetchPapers,
	}
}

func (tb *Toolbox) listPapersTool() actions.Tool {
	return actions.Tool{
		Name:        "list_papers",
		Description: "List the downloaded papers of a date, most upvoted first.",
		Schema: actions.Schema{
			Properties: map[string]actions.Property{"date": dateProperty},
			Required:   []string{"date"},
		},
		Handler: tb.listPapers,
	}
}

func (tb *Toolbox) listPaperDatesTool() actions.Tool {
	return actions.Tool{
		Name:        "list_paper_dates",
		Description: "Show which recent dates have downloaded papers and how many.",
		Schema: actions.Schema{
			Properties: map[string]actions.Property{
				"days_back": {Type: actions.TypeInteger, Description: "How many days to look back (default 7)"},
			},
		},
		Handler: tb.listPaperDates,
	}
}

func parseDate(args actions.Args) (string, error) {
	date := str(args, "date")
	if _, err := time.Parse(dateLayout, date); err != nil {
		return "", toolErr("invalid_date", "%q is not a YYYY-MM-DD date", date)
	}
	return date, nil
}

func (tb *Toolbox) fetchPapers(ctx context.Context, args actions.Args) (actions.Result, error) {
	date, err := parseDate(args)
	if err != nil {
		return actions.Result{}, err
	}

	papers, err := tb.fetchDailyPapers(ctx, date)
	if err != nil {
		return actions.Result{}, err
	}
	if len(papers) == 0 {
		return actions.Result{Output: fmt.Sprintf("No papers were published for %s.", date)}, nil
	}

	dateDir := filepath.Join(tb.cfg.PapersDir, date)
	saved := 0
	for _, p := range papers {
		dir := filepath.Join(dateDir, filepath.Base(p.ID))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return actions.Result{}, toolErr(ErrIO, "create %s: %v", dir, err)
		}
		data, _ := json.MarshalIndent(p, "", "  ")
		if err := os.WriteFile(filepath.Join(dir, "metadata.json"), data, 0o644); err != nil {
			return actions.Result{}, toolErr(ErrIO, "write metadata for %s: %v", p.ID, err)
		}
		saved++
	}

	log.Info().Str("date", date).Int("papers", saved).Msg("Papers downloaded")
	return actions.Result{
		Output:    fmt.Sprintf("Downloaded %d papers for %s.", saved, date),
		Artifacts: []string{dateDir},
	}, nil
}

// fetchDailyPapers queries the daily papers API. Entries may nest the paper
// under a "paper" key; upvotes live on the outer entry.
func (tb *Toolbox) fetchDailyPapers(ctx context.Context, date string) ([]Paper, error) {
	u := tb.cfg.PapersServiceURL + "?date=" + url.QueryEscape(date)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, toolErr(ErrUpstream, "build request: %v", err)
	}
	resp, err := tb.client.Do(req)
	if err != nil {
		return nil, toolErr(ErrUnavailable, "papers service: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(tb.cfg.MaxFetchBytes)*8))
	if err != nil {
		return nil, toolErr(ErrUnavailable, "read papers response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, toolErr(ErrUpstream, "papers service returned %d", resp.StatusCode)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, toolErr(ErrUpstream, "papers service returned an unexpected payload")
	}

	papers := make([]Paper, 0, len(raw))
	for _, r := range raw {
		var entry struct {
			Paper   *Paper `json:"paper"`
			Upvotes int    `json:"upvotes"`
		}
		if err := json.Unmarshal(r, &entry); err != nil {
			continue
		}
		p := entry.Paper
		if p == nil {
			var flat Paper
			if err := json.Unmarshal(r, &flat); err != nil {
				continue
			}
			p = &flat
		}
		if p.ID == "" {
			continue
		}
		if entry.Upvotes > 0 {
			p.Upvotes = entry.Upvotes
		}
		papers = append(papers, *p)
	}
	return papers, nil
}

// LoadPapers reads every metadata.json stored for date. Unreadable entries
// are skipped.
func (tb *Toolbox) LoadPapers(date string) ([]Paper, error) {
	dateDir := filepath.Join(tb.cfg.PapersDir, date)
	entries, err := os.ReadDir(dateDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, toolErr(ErrIO, "read %s: %v", dateDir, err)
	}

	var papers []Paper
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dateDir, e.Name(), "metadata.json"))
		if err != nil {
			continue
		}
		var p Paper
		if err := json.Unmarshal(data, &p); err != nil {
			log.Warn().Str("paper", e.Name()).Msg("Invalid metadata.json, skipping")
			continue
		}
		papers = append(papers, p)
	}
	sort.SliceStable(papers, func(i, j int) bool {
		if papers[i].Upvotes != papers[j].Upvotes {
			return papers[i].Upvotes > papers[j].Upvotes
		}
		return papers[i].ID < papers[j].ID
	})
	return papers, nil
}

func (tb *Toolbox) listPapers(ctx context.Context, args actions.Args) (actions.Result, error) {
	date, err := parseDate(args)
	if err != nil {
		return actions.Result{}, err
	}
	papers, err := tb.LoadPapers(date)
	if err != nil {
		return actions.Result{}, err
	}
	if len(papers) == 0 {
		return actions.Result{Output: fmt.Sprintf("No papers downloaded for %s. Use fetch_papers to download them.", date)}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d papers for %s:\n", len(papers), date)
	for _, p := range papers {
		fmt.Fprintf(&b, "- [%s] %s (%d upvotes)\n", p.ID, p.Title, p.Upvotes)
		if p.Summary != "" {
			fmt.Fprintf(&b, "  %s\n", oneLine(p.Summary, 300))
		}
	}
	return actions.Result{
		Output:    strings.TrimRight(b.String(), "\n"),
		Artifacts: []string{filepath.Join(tb.cfg.PapersDir, date)},
	}, nil
}

// AvailableDates returns date → paper count for the last daysBack days that
// have at least one downloaded paper.
func (tb *Toolbox) AvailableDates(daysBack int) map[string]int {
	out := make(map[string]int)
	today := tb.now()
	for i := 0; i < daysBack; i++ {
		date := today.AddDate(0, 0, -i).Format(dateLayout)
		entries, err := os.ReadDir(filepath.Join(tb.cfg.PapersDir, date))
		if err != nil {
			continue
		}
		n := 0
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			if _, err := os.Stat(filepath.Join(tb.cfg.PapersDir, date, e.Name(), "metadata.json")); err == nil {
				n++
			}
		}
		if n > 0 {
			out[date] = n
		}
	}
	return out
}

func (tb *Toolbox) listPaperDates(ctx context.Context, args actions.Args) (actions.Result, error) {
	daysBack := intArg(args, "days_back", 7)
	if daysBack < 1 || daysBack > 365 {
		return actions.Result{}, toolErr("invalid_range", "days_back must be between 1 and 365")
	}
	available := tb.AvailableDates(daysBack)
	if len(available) == 0 {
		return actions.Result{Output: "No papers downloaded yet. Use fetch_papers to fetch papers for a date."}, nil
	}

	dates := make([]string, 0, len(available))
	for d := range available {
		dates = append(dates, d)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))

	lines := []string{"Available papers:"}
	for _, d := range dates {
		lines = append(lines, fmt.Sprintf("  %s: %d papers", d, available[d]))
	}
	return actions.Result{Output: strings.Join(lines, "\n")}, nil
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
