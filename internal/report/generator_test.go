package report

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/valohub/reportd/internal/models"
	"github.com/valohub/reportd/internal/sheets"
	"github.com/valohub/reportd/internal/valolytics"
)

// fakeSource serves a fixed team with a generated match history.
type fakeSource struct {
	matches map[string]valolytics.Match
	refs    []valolytics.MatchRef
}

func newFakeSource(matchCount int) *fakeSource {
	src := &fakeSource{matches: make(map[string]valolytics.Match)}
	for i := 0; i < matchCount; i++ {
		id := string(rune('a' + i))
		won := i%2 == 0
		src.matches[id] = testMatch(id, "Ascent", won, []valolytics.Round{
			thWinRound(1, "FNC"), thLossRound(13, "TH"),
		})
		src.refs = append(src.refs, valolytics.MatchRef{MatchID: id})
	}
	return src
}

func (s *fakeSource) Teams(context.Context) ([]valolytics.Team, error) {
	return []valolytics.Team{{Tag: "TH", Name: "Team Heretics", Image: "img-th"}}, nil
}

func (s *fakeSource) AccountByRiotID(context.Context, string, string, string) (valolytics.Account, error) {
	return valolytics.Account{PUUID: "puuid-1"}, nil
}

func (s *fakeSource) MatchlistByPUUID(context.Context, string, string) (valolytics.Matchlist, error) {
	return valolytics.Matchlist{History: s.refs}, nil
}

func (s *fakeSource) MatchByID(_ context.Context, matchID, _ string) (valolytics.Match, error) {
	m, ok := s.matches[matchID]
	if !ok {
		return valolytics.Match{}, valolytics.ErrNotFound
	}
	return m, nil
}

// nopService satisfies sheets.Service for generator tests.
type nopService struct {
	created   []string
	shared    []string
	published []string
	gid       int64
}

func (n *nopService) CreateSpreadsheet(context.Context, string) (sheets.Spreadsheet, error) {
	n.created = append(n.created, "ss-1")
	return sheets.Spreadsheet{ID: "ss-1", URL: "https://sheets.example/ss-1"}, nil
}

func (n *nopService) AddWorksheet(context.Context, string, string, int, int) (int64, error) {
	n.gid++
	return n.gid, nil
}

func (n *nopService) SetWorksheetTitle(context.Context, string, string, string) error { return nil }

func (n *nopService) BatchUpdateRanges(context.Context, string, string, sheets.ValueInputMode, []sheets.RangeValues) error {
	return nil
}

func (n *nopService) MergeCells(context.Context, string, string, string) error { return nil }

func (n *nopService) FormatRange(context.Context, string, string, string, sheets.CellFormat) error {
	return nil
}

func (n *nopService) Share(_ context.Context, _, email, _ string) error {
	n.shared = append(n.shared, email)
	return nil
}

func (n *nopService) Publish(_ context.Context, id string) error {
	n.published = append(n.published, id)
	return nil
}

func (n *nopService) FirstSheetID(context.Context, string) (int64, error) { return 1, nil }

func instantSleep(context.Context, time.Duration) error { return nil }

func testWriter(svc sheets.Service) *sheets.Writer {
	return sheets.NewWriter(svc,
		sheets.WithMinInterval(0),
		sheets.WithClock(time.Now, instantSleep),
	)
}

func TestGenerateNonInteractive(t *testing.T) {
	src := newFakeSource(3)
	svc := &nopService{}

	gen := NewGenerator(Deps{
		Source:     src,
		Writer:     testWriter(svc),
		Sleep:      instantSleep,
		FetchDelay: time.Millisecond,
	})

	result, err := gen.Generate(context.Background(), Params{
		TeamTag:    "TH",
		MatchCount: 2,
		ShareEmail: "coach@example.com",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if result.SpreadsheetID != "ss-1" || result.MatchCount != 2 {
		t.Fatalf("unexpected result: %#v", result)
	}
	if result.TeamName != "Team Heretics" {
		t.Fatalf("team name missing: %#v", result)
	}
	if len(svc.shared) != 1 || svc.shared[0] != "coach@example.com" {
		t.Fatalf("share not requested: %v", svc.shared)
	}
	if len(svc.published) != 1 {
		t.Fatalf("publish not requested: %v", svc.published)
	}
}

func TestGenerateClampsOversizedRequest(t *testing.T) {
	src := newFakeSource(2)
	svc := &nopService{}
	var warnings []string

	gen := NewGenerator(Deps{
		Source:     src,
		Writer:     testWriter(svc),
		Sleep:      instantSleep,
		FetchDelay: time.Millisecond,
		Progress: func(msg string, warning bool) {
			if warning {
				warnings = append(warnings, msg)
			}
		},
	})

	result, err := gen.Generate(context.Background(), Params{TeamTag: "TH", MatchCount: 10})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if result.MatchCount != 2 {
		t.Fatalf("expected clamp to 2, got %d", result.MatchCount)
	}
	found := false
	for _, w := range warnings {
		if strings.Contains(w, "Only 2 matches are available") {
			found = true
		}
	}
	if !found {
		t.Fatalf("clamp warning missing: %v", warnings)
	}
}

// failingPublishService rejects the post-processing calls while leaving the
// sheet writes intact.
type failingPublishService struct {
	nopService
}

func (f *failingPublishService) Share(context.Context, string, string, string) error {
	return &sheets.StatusError{Code: 403, Message: "domain policy forbids external sharing"}
}

func (f *failingPublishService) Publish(context.Context, string) error {
	return &sheets.StatusError{Code: 500, Message: "publish backend down"}
}

func TestGenerateSurvivesFinalizationFailures(t *testing.T) {
	src := newFakeSource(2)
	svc := &failingPublishService{}

	var warnings []string
	gen := NewGenerator(Deps{
		Source: src,
		Writer: testWriter(svc),
		Progress: func(message string, warning bool) {
			if warning {
				warnings = append(warnings, message)
			}
		},
		Sleep:      instantSleep,
		FetchDelay: time.Millisecond,
	})

	result, err := gen.Generate(context.Background(), Params{
		TeamTag:    "TH",
		MatchCount: 2,
		ShareEmail: "coach@example.com",
	})
	if err != nil {
		t.Fatalf("generate must not fail on share/publish trouble: %v", err)
	}
	if result.SpreadsheetID != "ss-1" || result.SpreadsheetURL == "" {
		t.Fatalf("result incomplete: %+v", result)
	}

	var sawShareWarning, sawPublishWarning bool
	for _, w := range warnings {
		if strings.Contains(w, "share") || strings.Contains(w, "Unable to share") {
			sawShareWarning = true
		}
		if strings.Contains(w, "publish") {
			sawPublishWarning = true
		}
	}
	if !sawShareWarning || !sawPublishWarning {
		t.Fatalf("expected share and publish warnings, got %q", warnings)
	}
}

func TestGenerateUnknownTeamIsOperational(t *testing.T) {
	src := newFakeSource(1)
	gen := NewGenerator(Deps{
		Source: src,
		Writer: testWriter(&nopService{}),
		Sleep:  instantSleep,
	})

	_, err := gen.Generate(context.Background(), Params{TeamTag: "XYZ"})
	if err == nil {
		t.Fatalf("expected error for unknown team")
	}
	if !IsOperational(err) {
		t.Fatalf("expected operational error, got %T: %v", err, err)
	}
}

// scriptedPrompt replays canned answers and records the prompts it saw.
type scriptedPrompt struct {
	answers []string
	seen    []models.PromptPayload
}

func (p *scriptedPrompt) fn(_ context.Context, spec models.PromptPayload) (string, error) {
	p.seen = append(p.seen, spec)
	if len(p.answers) == 0 {
		return "", nil
	}
	next := p.answers[0]
	p.answers = p.answers[1:]
	return next, nil
}

func TestPickMatchesNegotiation(t *testing.T) {
	src := newFakeSource(5)
	// count prompt: "99" clamps with a warning; confirm: "change" loops back;
	// count prompt: garbage re-asks; then "2"; confirm: garbage re-asks; "y".
	prompt := &scriptedPrompt{answers: []string{"99", "change", "three", "2", "definitely", "y"}}
	var warnings, notes []string

	gen := NewGenerator(Deps{
		Source:     src,
		Writer:     testWriter(&nopService{}),
		Sleep:      instantSleep,
		FetchDelay: time.Millisecond,
		Prompt:     prompt.fn,
		Progress: func(msg string, warning bool) {
			if warning {
				warnings = append(warnings, msg)
			} else {
				notes = append(notes, msg)
			}
		},
	})

	team, err := ResolveTeam(context.Background(), src, "TH")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	ids, err := gen.pickMatches(context.Background(), team, 0)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 matches, got %v", ids)
	}
	if len(prompt.answers) != 0 {
		t.Fatalf("unconsumed answers: %v", prompt.answers)
	}

	if len(warnings) == 0 || !strings.Contains(warnings[0], "Only 5 matches are available") {
		t.Fatalf("clamp warning missing: %v", warnings)
	}
	guidance := 0
	for _, n := range notes {
		if n == "Please enter a positive integer." || n == "Please respond with yes or no." {
			guidance++
		}
	}
	if guidance != 2 {
		t.Fatalf("expected 2 guidance messages, got %d: %v", guidance, notes)
	}
}

func TestPickMatchesEmptyAnswerTakesDefault(t *testing.T) {
	src := newFakeSource(3)
	// Empty confirm answer accepts the default "yes".
	prompt := &scriptedPrompt{answers: []string{""}}

	gen := NewGenerator(Deps{
		Source:     src,
		Writer:     testWriter(&nopService{}),
		Sleep:      instantSleep,
		FetchDelay: time.Millisecond,
		Prompt:     prompt.fn,
	})

	team, err := ResolveTeam(context.Background(), src, "TH")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	ids, err := gen.pickMatches(context.Background(), team, 3)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected all 3 matches, got %v", ids)
	}
}

func TestResolveTeamFailures(t *testing.T) {
	src := newFakeSource(0)
	src.refs = nil

	if _, err := ResolveTeam(context.Background(), src, ""); err == nil || !IsOperational(err) {
		t.Fatalf("empty tag should be operational: %v", err)
	}
	if _, err := ResolveTeam(context.Background(), src, "NOPE"); err == nil || !IsOperational(err) {
		t.Fatalf("unknown tag should be operational: %v", err)
	}
	// Known team but empty history.
	if _, err := ResolveTeam(context.Background(), src, "TH"); err == nil || !IsOperational(err) {
		t.Fatalf("empty history should be operational: %v", err)
	}
}
