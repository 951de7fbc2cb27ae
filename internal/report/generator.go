// Package report drives the multi-stage analytical report workflow: resolve
// a team, negotiate the match selection, fetch and aggregate payloads, and
// render the spreadsheet through the resilient writer.
package report

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/valohub/reportd/internal/models"
	"github.com/valohub/reportd/internal/plots"
	"github.com/valohub/reportd/internal/sheets"
	"github.com/valohub/reportd/internal/valolytics"
)

// PromptFunc asks the user something and blocks until an answer, a
// cancellation, or a context failure. A nil PromptFunc means the run is
// non-interactive and defaults apply everywhere.
type PromptFunc func(ctx context.Context, spec models.PromptPayload) (string, error)

// ProgressFunc receives human-readable progress lines. warning marks lines a
// client should surface more prominently (clamps, degraded finalization).
type ProgressFunc func(message string, warning bool)

// Deps wires the generator's collaborators.
type Deps struct {
	Source     MatchSource
	Writer     *sheets.Writer
	Plots      *plots.Renderer // optional; nil skips plot images
	Log        *zap.SugaredLogger
	Progress   ProgressFunc // optional
	Prompt     PromptFunc   // optional
	Sleep      func(context.Context, time.Duration) error
	FetchDelay time.Duration
}

// Params is one report request with canonicalized inputs.
type Params struct {
	TeamTag          string
	MatchCount       int // 0 means unspecified
	ShareEmail       string
	SpreadsheetTitle string
}

// Generator runs the report workflow for one job at a time.
type Generator struct {
	src        MatchSource
	writer     *sheets.Writer
	plots      *plots.Renderer
	log        *zap.SugaredLogger
	progress   ProgressFunc
	prompt     PromptFunc
	sleep      func(context.Context, time.Duration) error
	fetchDelay time.Duration
}

// NewGenerator builds a generator from its dependencies.
func NewGenerator(d Deps) *Generator {
	g := &Generator{
		src:        d.Source,
		writer:     d.Writer,
		plots:      d.Plots,
		log:        d.Log,
		progress:   d.Progress,
		prompt:     d.Prompt,
		sleep:      d.Sleep,
		fetchDelay: d.FetchDelay,
	}
	if g.log == nil {
		g.log = zap.NewNop().Sugar()
	}
	if g.progress == nil {
		g.progress = func(string, bool) {}
	}
	if g.sleep == nil {
		g.sleep = func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		}
	}
	if g.fetchDelay == 0 {
		g.fetchDelay = 600 * time.Millisecond
	}
	return g
}

func (g *Generator) say(msg string)  { g.progress(msg, false) }
func (g *Generator) warn(msg string) { g.progress(msg, true) }

// Generate runs the full workflow and returns the final artifact handles.
// Failures before finalization are fatal; finalization sub-steps degrade to
// warnings.
func (g *Generator) Generate(ctx context.Context, p Params) (models.ReportResult, error) {
	team, err := ResolveTeam(ctx, g.src, p.TeamTag)
	if err != nil {
		return models.ReportResult{}, err
	}
	g.say(fmt.Sprintf("Resolved %s (%s), %d matches on record.", team.Name, team.Tag, len(team.Matches)))

	matchIDs, err := g.pickMatches(ctx, team, p.MatchCount)
	if err != nil {
		return models.ReportResult{}, err
	}

	g.say("Preparing match data…")
	payloads, err := g.fetchMatches(ctx, matchIDs)
	if err != nil {
		return models.ReportResult{}, err
	}

	summary := Summarize(team.Tag, payloads)
	g.say(fmt.Sprintf("Basic info gathered. Building %s report.", team.Name))

	title := p.SpreadsheetTitle
	if title == "" {
		title = "New Analysis Report"
	}
	ss, err := g.writer.CreateSpreadsheet(ctx, title)
	if err != nil {
		return models.ReportResult{}, err
	}

	if err := g.renderOverall(ctx, ss, team, summary); err != nil {
		return models.ReportResult{}, err
	}

	g.say("Creating per-map tabs…")
	summaryRows, err := g.renderMapTabs(ctx, ss, team, summary, payloads)
	if err != nil {
		return models.ReportResult{}, err
	}
	if len(summaryRows) > 0 {
		startRow := 6 + len(summary.Matches)
		if err := g.renderMapSummary(ctx, ss, startRow, summary, summaryRows); err != nil {
			return models.ReportResult{}, err
		}
	}
	if err := g.writer.Flush(ctx); err != nil {
		return models.ReportResult{}, err
	}

	result := models.ReportResult{
		SpreadsheetURL:     ss.URL,
		SpreadsheetEditURL: ss.URL,
		SpreadsheetID:      ss.ID,
		TeamTag:            team.Tag,
		TeamName:           team.Name,
		MatchCount:         len(matchIDs),
	}
	g.finalize(ctx, ss, p.ShareEmail, &result)
	g.say(fmt.Sprintf("Spreadsheet created! URL: %s", result.SpreadsheetURL))
	return result, nil
}

// finalize runs the best-effort post-processing steps. Each sub-step fails
// independently and only downgrades to a warning; the job still finishes.
func (g *Generator) finalize(ctx context.Context, ss sheets.Spreadsheet, shareEmail string, result *models.ReportResult) {
	if shareEmail != "" {
		if err := g.writer.Share(ctx, ss.ID, shareEmail, "writer"); err != nil {
			g.log.Warnw("share failed", "spreadsheet_id", ss.ID, "error", err)
			g.warn(fmt.Sprintf("Unable to share spreadsheet with %s: %v", shareEmail, err))
		}
	}

	g.say("Publishing spreadsheet for embedding…")
	if err := g.writer.Publish(ctx, ss.ID); err != nil {
		g.log.Warnw("publish failed", "spreadsheet_id", ss.ID, "error", err)
		g.warn(fmt.Sprintf("Unable to publish spreadsheet automatically: %v", err))
		return
	}
	gid, err := g.writer.FirstSheetID(ctx, ss.ID)
	if err != nil {
		g.warn(fmt.Sprintf("Unable to resolve published tab: %v", err))
		return
	}
	result.SpreadsheetURL = fmt.Sprintf("https://docs.google.com/spreadsheets/d/%s/pubhtml?gid=%d&single=true", ss.ID, gid)
	g.say("Spreadsheet published and ready to embed.")
}

var (
	yesAnswers = map[string]bool{"yes": true, "y": true, "proceed": true, "p": true}
	noAnswers  = map[string]bool{"no": true, "n": true, "change": true, "c": true}
)

// pickMatches negotiates the selection size. Without a prompt channel it
// defaults to everything available, capped at the requested count. With one,
// it walks the count/confirm loop until the user settles, tolerating
// malformed input indefinitely.
func (g *Generator) pickMatches(ctx context.Context, team TeamContext, requested int) ([]string, error) {
	available := len(team.Matches)
	if available == 0 {
		return nil, Errorf("no matches available for selection")
	}

	var count int
	var err error
	switch {
	case requested == 0:
		count, err = g.requestCount(ctx, available, 0, "")
		if err != nil {
			return nil, err
		}
	case requested < 0:
		return nil, Errorf("number of matches must be positive")
	case requested > available:
		g.warn(fmt.Sprintf("Only %d matches are available. Using the %d most recent matches.", available, available))
		count = available
	default:
		count = requested
	}

	for {
		selected := team.Matches[:count]
		matchIDs := make([]string, len(selected))
		for i, ref := range selected {
			matchIDs[i] = ref.MatchID
		}

		if err := g.sleep(ctx, g.fetchDelay/2); err != nil {
			return nil, err
		}
		first, err := g.src.MatchByID(ctx, matchIDs[0], valolytics.RegionEsports)
		if err != nil {
			return nil, Wrap(err, "could not fetch match %s", matchIDs[0])
		}
		mostRecent := DescribeMatch(team.Tag, first)
		oldest := mostRecent
		if len(matchIDs) > 1 {
			if err := g.sleep(ctx, g.fetchDelay/2); err != nil {
				return nil, err
			}
			last, err := g.src.MatchByID(ctx, matchIDs[len(matchIDs)-1], valolytics.RegionEsports)
			if err != nil {
				return nil, Wrap(err, "could not fetch match %s", matchIDs[len(matchIDs)-1])
			}
			oldest = DescribeMatch(team.Tag, last)
		}

		g.say("Most recent match: " + mostRecent)
		if len(matchIDs) > 1 {
			g.say("Oldest in selection: " + oldest)
		}

		if g.prompt == nil {
			return matchIDs, nil
		}

		confirmLines := []string{
			fmt.Sprintf("Proceed with the %d most recent matches?", count),
			"Most recent: " + mostRecent,
		}
		if len(matchIDs) > 1 {
			confirmLines = append(confirmLines, "Oldest in selection: "+oldest)
		}
		response, err := g.prompt(ctx, models.PromptPayload{
			ID:      uuid.New().String(),
			Title:   "Confirm match selection",
			Message: strings.Join(confirmLines, "\n"),
			Hint:    "Choose Proceed to continue or Change selection to adjust the number of matches.",
			Options: []models.PromptOption{
				{Label: "Proceed", Value: "yes"},
				{Label: "Change selection", Value: "no"},
			},
			Default: "yes",
		})
		if err != nil {
			return nil, err
		}
		response = strings.ToLower(strings.TrimSpace(response))
		if response == "" {
			response = "yes"
		}

		switch {
		case yesAnswers[response]:
			return matchIDs, nil
		case noAnswers[response]:
			count, err = g.requestCount(ctx, available, count, "Enter a new number of matches to include.")
			if err != nil {
				return nil, err
			}
		default:
			g.say("Please respond with yes or no.")
		}
	}
}

// requestCount asks for a selection size. Non-interactive runs clamp the
// current value (or take everything); interactive runs loop until a positive
// integer arrives, clamping oversized answers with a warning.
func (g *Generator) requestCount(ctx context.Context, available, current int, reason string) (int, error) {
	if g.prompt == nil {
		candidate := current
		if candidate <= 0 {
			candidate = available
		}
		return clamp(candidate, 1, available), nil
	}

	for {
		lines := []string{fmt.Sprintf("How many of the %d most recent matches should be included?", available)}
		if reason != "" {
			lines = append(lines, reason)
		}
		spec := models.PromptPayload{
			ID:      uuid.New().String(),
			Title:   "Select match count",
			Message: strings.Join(lines, "\n"),
			Hint:    fmt.Sprintf("Enter a number between 1 and %d.", available),
		}
		if current > 0 {
			spec.Default = strconv.Itoa(current)
		}

		response, err := g.prompt(ctx, spec)
		if err != nil {
			return 0, err
		}
		response = strings.TrimSpace(response)
		if response == "" && current > 0 {
			return clamp(current, 1, available), nil
		}

		value, err := strconv.Atoi(response)
		if err != nil || value <= 0 {
			g.say("Please enter a positive integer.")
			continue
		}
		if value > available {
			g.warn(fmt.Sprintf("Only %d matches are available. Using the %d most recent matches.", available, available))
			return available, nil
		}
		return value, nil
	}
}

// fetchMatches pulls raw payloads, spacing requests out as an upstream
// rate-limit courtesy.
func (g *Generator) fetchMatches(ctx context.Context, matchIDs []string) ([]valolytics.Match, error) {
	payloads := make([]valolytics.Match, 0, len(matchIDs))
	for _, id := range matchIDs {
		g.say("Fetching match " + id)
		if err := g.sleep(ctx, g.fetchDelay); err != nil {
			return nil, err
		}
		m, err := g.src.MatchByID(ctx, id, valolytics.RegionEsports)
		if err != nil {
			return nil, Wrap(err, "could not fetch match %s", id)
		}
		payloads = append(payloads, m)
	}
	return payloads, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
