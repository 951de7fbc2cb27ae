package report

import (
	"context"
	"fmt"
	"sort"

	"github.com/valohub/reportd/internal/plots"
	"github.com/valohub/reportd/internal/sheets"
	"github.com/valohub/reportd/internal/valolytics"
)

const overallTab = "Overall"

var (
	colorPanel   = sheets.Color{R: 0.047, G: 0.204, B: 0.239}
	colorTitle   = sheets.Color{R: 0.26, G: 0.26, B: 0.26}
	colorSection = sheets.Color{R: 0.36, G: 0.36, B: 0.36}
	colorWhite   = sheets.Color{R: 1, G: 1, B: 1}
	colorGreen   = sheets.Color{R: 0.204, G: 0.659, B: 0.325}
	colorRed     = sheets.Color{R: 1, G: 0, B: 0}
	colorAmber   = sheets.Color{R: 0.984, G: 0.737, B: 0.016}
	colorBlack   = sheets.Color{R: 0, G: 0, B: 0}
)

func titleFormat() sheets.CellFormat {
	return sheets.CellFormat{BackgroundColor: &colorTitle, FontColor: &colorWhite, FontSize: 14, Bold: true, HorizontalAlign: "LEFT"}
}

func sectionFormat() sheets.CellFormat {
	return sheets.CellFormat{BackgroundColor: &colorSection, FontColor: &colorWhite, FontSize: 12, Bold: true, HorizontalAlign: "LEFT"}
}

func headerFormat() sheets.CellFormat {
	return sheets.CellFormat{BackgroundColor: &colorPanel, FontColor: &colorWhite, FontSize: 10, Bold: true, HorizontalAlign: "LEFT"}
}

func bodyFormat() sheets.CellFormat {
	return sheets.CellFormat{BackgroundColor: &colorPanel, FontColor: &colorWhite, FontSize: 9, HorizontalAlign: "LEFT"}
}

// rateColor maps a winrate percentage to green/amber/red.
func rateColor(pct int) sheets.Color {
	switch {
	case pct > 50:
		return colorGreen
	case pct < 50:
		return colorRed
	default:
		return colorAmber
	}
}

// renderOverall fills the first tab: team badge, per-match result rows, and
// the def/atk round splits.
func (g *Generator) renderOverall(ctx context.Context, ss sheets.Spreadsheet, team TeamContext, summary Summary) error {
	w := g.writer
	if err := w.SetWorksheetTitle(ctx, ss.ID, "Sheet1", overallTab); err != nil {
		return err
	}

	if team.ImageID != "" {
		imageURL := fmt.Sprintf("https://imagedelivery.net/WUSOKAY-iA_QQPngCXgUJg/%s/w=10000", team.ImageID)
		if err := w.MergeCells(ctx, ss.ID, overallTab, "I4:J9"); err != nil {
			return err
		}
		if err := w.UpdateRange(ctx, ss.ID, overallTab, "I4", [][]string{{fmt.Sprintf("=IMAGE(%q)", imageURL)}}, sheets.ModeUserEntered); err != nil {
			return err
		}
		if err := w.FormatRange(ctx, ss.ID, overallTab, "I4", sheets.CellFormat{BackgroundColor: &colorBlack, HorizontalAlign: "CENTER"}); err != nil {
			return err
		}
	}

	if err := w.MergeCells(ctx, ss.ID, overallTab, "A1:G1"); err != nil {
		return err
	}
	if err := w.UpdateRange(ctx, ss.ID, overallTab, "A1", [][]string{{fmt.Sprintf("Analytical Report of %s: Overall", team.Name)}}, sheets.ModeRaw); err != nil {
		return err
	}
	if err := w.MergeCells(ctx, ss.ID, overallTab, "A3:G3"); err != nil {
		return err
	}
	if err := w.UpdateRange(ctx, ss.ID, overallTab, "A3", [][]string{{"Matches Played"}}, sheets.ModeRaw); err != nil {
		return err
	}

	header := [][]string{{
		"Team", "Result", "", "Rival", "Map",
		fmt.Sprintf("%s's DEF", team.Tag),
		fmt.Sprintf("%s's ATK", team.Tag),
	}}
	if err := w.UpdateRange(ctx, ss.ID, overallTab, "A4:G4", header, sheets.ModeRaw); err != nil {
		return err
	}
	if err := w.MergeCells(ctx, ss.ID, overallTab, "B4:C4"); err != nil {
		return err
	}

	rows := make([][]string, 0, len(summary.Matches))
	for _, m := range summary.Matches {
		rows = append(rows, []string{
			team.Tag,
			fmt.Sprint(m.ScoreFor),
			fmt.Sprint(m.ScoreAgainst),
			m.Rival,
			m.MapName,
			fmt.Sprintf("%d%% (%d/%d)", percent(m.DefWon, m.DefPlayed), m.DefWon, m.DefPlayed),
			fmt.Sprintf("%d%% (%d/%d)", percent(m.AtkWon, m.AtkPlayed), m.AtkWon, m.AtkPlayed),
		})
	}
	if len(rows) > 0 {
		dataRange := fmt.Sprintf("A5:G%d", 4+len(rows))
		if err := w.UpdateRange(ctx, ss.ID, overallTab, dataRange, rows, sheets.ModeRaw); err != nil {
			return err
		}
		if err := w.FormatRange(ctx, ss.ID, overallTab, dataRange, bodyFormat()); err != nil {
			return err
		}
	}

	if err := w.FormatRange(ctx, ss.ID, overallTab, "A1", titleFormat()); err != nil {
		return err
	}
	if err := w.FormatRange(ctx, ss.ID, overallTab, "A3", sectionFormat()); err != nil {
		return err
	}
	if err := w.FormatRange(ctx, ss.ID, overallTab, "A4:G4", headerFormat()); err != nil {
		return err
	}

	// Result and round-split cells carry win/loss coloring per match row.
	for i, m := range summary.Matches {
		row := 5 + i
		scoreColor := colorRed
		if m.ScoreFor >= m.ScoreAgainst {
			scoreColor = colorGreen
		}
		format := sheets.CellFormat{BackgroundColor: &colorPanel, FontColor: &scoreColor, FontSize: 9, HorizontalAlign: "RIGHT"}
		if err := w.FormatRange(ctx, ss.ID, overallTab, fmt.Sprintf("B%d", row), format); err != nil {
			return err
		}
		for col, pct := range map[string]int{
			"F": percent(m.DefWon, m.DefPlayed),
			"G": percent(m.AtkWon, m.AtkPlayed),
		} {
			c := rateColor(pct)
			format := sheets.CellFormat{BackgroundColor: &colorPanel, FontColor: &c, FontSize: 9, HorizontalAlign: "LEFT"}
			if err := w.FormatRange(ctx, ss.ID, overallTab, fmt.Sprintf("%s%d", col, row), format); err != nil {
				return err
			}
		}
	}
	return nil
}

// renderMapTabs creates one worksheet per played map and returns the
// performance rows for the overall summary section.
func (g *Generator) renderMapTabs(ctx context.Context, ss sheets.Spreadsheet, team TeamContext, summary Summary, payloads []valolytics.Match) ([][]string, error) {
	byID := make(map[string]valolytics.Match, len(payloads))
	for _, m := range payloads {
		byID[m.MatchID] = m
	}

	var summaryRows [][]string
	for _, mapName := range summary.MapOrder {
		stats := summary.Maps[mapName]
		g.say("Creating worksheet for map " + mapName)

		mapMatches := make([]valolytics.Match, 0, len(stats.MatchIDs))
		for _, id := range stats.MatchIDs {
			if m, ok := byID[id]; ok {
				mapMatches = append(mapMatches, m)
			}
		}

		gid, err := g.renderMapTab(ctx, ss, team, mapName, mapMatches)
		if err != nil {
			return nil, err
		}
		summaryRows = append(summaryRows, []string{
			fmt.Sprintf("=HYPERLINK(\"#gid=%d\", %q)", gid, mapName),
			fmt.Sprint(stats.Wins),
			fmt.Sprint(stats.Losses),
			fmt.Sprintf("%d%%", stats.Winrate()),
			fmt.Sprintf("%d%%", stats.DefWinrate()),
			fmt.Sprintf("%d%%", stats.AtkWinrate()),
		})
	}
	return summaryRows, nil
}

func (g *Generator) renderMapTab(ctx context.Context, ss sheets.Spreadsheet, team TeamContext, mapName string, matches []valolytics.Match) (int64, error) {
	w := g.writer
	gid, err := w.AddWorksheet(ctx, ss.ID, mapName, 120, 20)
	if err != nil {
		return 0, err
	}

	comps := Compositions(team.Tag, matches)
	players := compPlayers(comps)
	lastCol := columnLetter(len(players) + 1)

	if err := w.UpdateRange(ctx, ss.ID, mapName, "A1", [][]string{{fmt.Sprintf("Analytical Report of %s: %s", team.Name, mapName)}}, sheets.ModeRaw); err != nil {
		return 0, err
	}
	if err := w.UpdateRange(ctx, ss.ID, mapName, "A3", [][]string{{"Agent Compositions"}}, sheets.ModeRaw); err != nil {
		return 0, err
	}
	if err := w.MergeCells(ctx, ss.ID, mapName, fmt.Sprintf("A1:%s1", lastCol)); err != nil {
		return 0, err
	}
	if err := w.MergeCells(ctx, ss.ID, mapName, fmt.Sprintf("A3:%s3", lastCol)); err != nil {
		return 0, err
	}

	header := append(append([]string{"Picks"}, players...), "Winrate")
	if err := w.UpdateRange(ctx, ss.ID, mapName, fmt.Sprintf("A4:%s4", lastCol), [][]string{header}, sheets.ModeRaw); err != nil {
		return 0, err
	}

	compRows := make([][]string, 0, len(comps))
	for _, comp := range comps {
		row := []string{fmt.Sprint(comp.Matches)}
		for _, player := range players {
			agent, ok := comp.PlayerAgents[player]
			if !ok {
				agent = " "
			}
			row = append(row, agent)
		}
		row = append(row, fmt.Sprintf("%d%%", percent(comp.Wins, comp.Matches)))
		compRows = append(compRows, row)
	}
	if len(compRows) > 0 {
		compRange := fmt.Sprintf("A5:%s%d", lastCol, 4+len(compRows))
		if err := w.UpdateRange(ctx, ss.ID, mapName, compRange, compRows, sheets.ModeRaw); err != nil {
			return 0, err
		}
		if err := w.FormatRange(ctx, ss.ID, mapName, compRange, bodyFormat()); err != nil {
			return 0, err
		}
	}

	offset := 6 + len(compRows)
	if err := g.renderPlantTable(ctx, ss, mapName, "A", offset, "General post-plant performance", PlantPerformance(team.Tag, matches, false)); err != nil {
		return 0, err
	}
	if err := g.renderPlantTable(ctx, ss, mapName, "G", offset, "Pistol round post-plant performance", PlantPerformance(team.Tag, matches, true)); err != nil {
		return 0, err
	}

	if g.plots != nil {
		if _, err := g.renderPlots(ctx, ss, team, mapName, matches, offset+5); err != nil {
			return 0, err
		}
	}

	if err := w.FormatRange(ctx, ss.ID, mapName, "A1", titleFormat()); err != nil {
		return 0, err
	}
	if err := w.FormatRange(ctx, ss.ID, mapName, "A3", sectionFormat()); err != nil {
		return 0, err
	}
	if err := w.FormatRange(ctx, ss.ID, mapName, fmt.Sprintf("A4:%s4", lastCol), headerFormat()); err != nil {
		return 0, err
	}
	return gid, nil
}

// renderPlantTable writes one post-plant performance block starting at the
// given column and row.
func (g *Generator) renderPlantTable(ctx context.Context, ss sheets.Spreadsheet, mapName, startCol string, row int, caption string, stats []PlantStats) error {
	w := g.writer
	cols := columnsFrom(startCol, 5)
	endCol := cols[4]

	table := [][]string{
		{caption, "", "", "", ""},
		{"", "Attacking", "", "Defending", ""},
		{"Site", "Times Planted", "post-plant WR", "Opp Planted", "retaking WR"},
	}
	for _, s := range stats {
		table = append(table, []string{
			s.Site,
			fmt.Sprint(s.AtkPlants),
			fmt.Sprintf("%d%%", percent(s.AtkPostPlantWins, s.AtkPlants)),
			fmt.Sprint(s.DefOppPlants),
			fmt.Sprintf("%d%%", percent(s.DefRetakeWins, s.DefOppPlants)),
		})
	}

	tableRange := fmt.Sprintf("%s%d:%s%d", startCol, row, endCol, row+len(table)-1)
	if err := w.UpdateRange(ctx, ss.ID, mapName, tableRange, table, sheets.ModeRaw); err != nil {
		return err
	}
	if err := w.MergeCells(ctx, ss.ID, mapName, fmt.Sprintf("%s%d:%s%d", startCol, row, endCol, row)); err != nil {
		return err
	}
	if err := w.MergeCells(ctx, ss.ID, mapName, fmt.Sprintf("%s%d:%s%d", cols[1], row+1, cols[2], row+1)); err != nil {
		return err
	}
	if err := w.MergeCells(ctx, ss.ID, mapName, fmt.Sprintf("%s%d:%s%d", cols[3], row+1, cols[4], row+1)); err != nil {
		return err
	}
	return w.FormatRange(ctx, ss.ID, mapName, fmt.Sprintf("%s%d:%s%d", startCol, row, endCol, row), sectionFormat())
}

// renderPlots draws the early-positioning and sniper plots for both sides
// and embeds them. Returns the next free row.
func (g *Generator) renderPlots(ctx context.Context, ss sheets.Spreadsheet, team TeamContext, mapName string, matches []valolytics.Match, startRow int) (int, error) {
	w := g.writer
	keyPrefix := fmt.Sprintf("reports/%s/%s", ss.ID, mapName)
	row := startRow

	for _, side := range []struct {
		name      string
		attacking bool
		caption   string
	}{
		{"def", false, "Defending early team positioning"},
		{"atk", true, "Attacking early team positioning"},
	} {
		if err := w.UpdateRange(ctx, ss.ID, mapName, fmt.Sprintf("A%d", row), [][]string{{side.caption}}, sheets.ModeRaw); err != nil {
			return 0, err
		}
		if err := w.MergeCells(ctx, ss.ID, mapName, fmt.Sprintf("A%d:L%d", row, row)); err != nil {
			return 0, err
		}
		if err := w.FormatRange(ctx, ss.ID, mapName, fmt.Sprintf("A%d:L%d", row, row), sectionFormat()); err != nil {
			return 0, err
		}

		for i, seconds := range []float64{10, 20, 30} {
			title := fmt.Sprintf("%s %s first %.0fs", mapName, side.name, seconds)
			url, err := g.plots.RenderScatter(ctx, keyPrefix, title, toPlotPoints(PositionPoints(team.Tag, matches, side.attacking, seconds)))
			if err != nil {
				return 0, err
			}
			col := []string{"A", "E", "I"}[i]
			if err := w.UpdateRange(ctx, ss.ID, mapName, fmt.Sprintf("%s%d", col, row+1), [][]string{{fmt.Sprintf("=IMAGE(%q)", url)}}, sheets.ModeUserEntered); err != nil {
				return 0, err
			}
			if err := w.MergeCells(ctx, ss.ID, mapName, fmt.Sprintf("%s%d:%s%d", col, row+1, columnsFrom(col, 4)[3], row+17)); err != nil {
				return 0, err
			}
		}

		sniperRow := row + 19
		captionTitle := "Defending sniper kills"
		if side.attacking {
			captionTitle = "Attacking sniper kills"
		}
		if err := w.UpdateRange(ctx, ss.ID, mapName, fmt.Sprintf("A%d", sniperRow), [][]string{{captionTitle}}, sheets.ModeRaw); err != nil {
			return 0, err
		}
		if err := w.MergeCells(ctx, ss.ID, mapName, fmt.Sprintf("A%d:D%d", sniperRow, sniperRow)); err != nil {
			return 0, err
		}
		if err := w.FormatRange(ctx, ss.ID, mapName, fmt.Sprintf("A%d:D%d", sniperRow, sniperRow), sectionFormat()); err != nil {
			return 0, err
		}
		url, err := g.plots.RenderScatter(ctx, keyPrefix, fmt.Sprintf("%s %s sniper kills", mapName, side.name), toPlotPoints(SniperPoints(team.Tag, matches, side.attacking)))
		if err != nil {
			return 0, err
		}
		if err := w.UpdateRange(ctx, ss.ID, mapName, fmt.Sprintf("A%d", sniperRow+1), [][]string{{fmt.Sprintf("=IMAGE(%q)", url)}}, sheets.ModeUserEntered); err != nil {
			return 0, err
		}
		if err := w.MergeCells(ctx, ss.ID, mapName, fmt.Sprintf("A%d:D%d", sniperRow+1, sniperRow+17)); err != nil {
			return 0, err
		}

		row = sniperRow + 20
	}
	return row, nil
}

// renderMapSummary appends the "Performance by Map" section to the overall
// tab, with hyperlinks into each map's worksheet.
func (g *Generator) renderMapSummary(ctx context.Context, ss sheets.Spreadsheet, startRow int, summary Summary, rows [][]string) error {
	w := g.writer
	if err := w.MergeCells(ctx, ss.ID, overallTab, fmt.Sprintf("A%d:G%d", startRow, startRow)); err != nil {
		return err
	}
	if err := w.UpdateRange(ctx, ss.ID, overallTab, fmt.Sprintf("A%d", startRow), [][]string{{"Performance by Map"}}, sheets.ModeRaw); err != nil {
		return err
	}
	if err := w.UpdateRange(ctx, ss.ID, overallTab, fmt.Sprintf("A%d:F%d", startRow+1, startRow+1),
		[][]string{{"Map", "Won", "Lost", "Winrate", "DEF Winrate", "ATK Winrate"}}, sheets.ModeRaw); err != nil {
		return err
	}
	if err := w.FormatRange(ctx, ss.ID, overallTab, fmt.Sprintf("A%d", startRow), sectionFormat()); err != nil {
		return err
	}
	if err := w.FormatRange(ctx, ss.ID, overallTab, fmt.Sprintf("A%d:G%d", startRow+1, startRow+1), headerFormat()); err != nil {
		return err
	}

	dataRange := fmt.Sprintf("A%d:F%d", startRow+2, startRow+1+len(rows))
	if err := w.UpdateRange(ctx, ss.ID, overallTab, dataRange, rows, sheets.ModeUserEntered); err != nil {
		return err
	}
	if err := w.FormatRange(ctx, ss.ID, overallTab, dataRange, bodyFormat()); err != nil {
		return err
	}

	for i, mapName := range summary.MapOrder {
		stats := summary.Maps[mapName]
		row := startRow + 2 + i
		for col, pct := range map[string]int{
			"D": stats.Winrate(),
			"E": stats.DefWinrate(),
			"F": stats.AtkWinrate(),
		} {
			c := rateColor(pct)
			format := sheets.CellFormat{BackgroundColor: &colorPanel, FontColor: &c, FontSize: 9, HorizontalAlign: "LEFT"}
			if err := w.FormatRange(ctx, ss.ID, overallTab, fmt.Sprintf("%s%d", col, row), format); err != nil {
				return err
			}
		}
	}
	return nil
}

func toPlotPoints(points []Point) []plots.Point {
	out := make([]plots.Point, len(points))
	for i, p := range points {
		out[i] = plots.Point{X: p.X, Y: p.Y}
	}
	return out
}

func compPlayers(comps []Composition) []string {
	seen := make(map[string]bool)
	var players []string
	for _, comp := range comps {
		for player := range comp.PlayerAgents {
			if !seen[player] {
				seen[player] = true
				players = append(players, player)
			}
		}
	}
	sort.Strings(players)
	return players
}

// columnLetter converts a zero-based column index to its A1 letter.
func columnLetter(index int) string {
	letters := ""
	for {
		letters = string(rune('A'+index%26)) + letters
		index = index/26 - 1
		if index < 0 {
			return letters
		}
	}
}

// columnsFrom returns n consecutive column letters starting at col.
func columnsFrom(col string, n int) []string {
	start := 0
	for _, r := range col {
		start = start*26 + int(r-'A'+1)
	}
	start--
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = columnLetter(start + i)
	}
	return out
}
