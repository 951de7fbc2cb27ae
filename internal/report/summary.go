package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/valohub/reportd/internal/valolytics"
)

// MatchSummary is one match reduced to the numbers the overall tab shows.
type MatchSummary struct {
	MatchID      string
	Rival        string
	MapName      string
	Won          bool
	ScoreFor     int
	ScoreAgainst int
	DefWon       int
	DefPlayed    int
	AtkWon       int
	AtkPlayed    int
}

// MapStats aggregates results across every match played on one map.
type MapStats struct {
	Wins      int
	Losses    int
	DefWon    int
	DefPlayed int
	AtkWon    int
	AtkPlayed int
	MatchIDs  []string
}

// Winrate returns the overall map winrate as a 0-100 percentage.
func (s *MapStats) Winrate() int { return percent(s.Wins, s.Wins+s.Losses) }

// DefWinrate returns the defensive round winrate percentage.
func (s *MapStats) DefWinrate() int { return percent(s.DefWon, s.DefPlayed) }

// AtkWinrate returns the attacking round winrate percentage.
func (s *MapStats) AtkWinrate() int { return percent(s.AtkWon, s.AtkPlayed) }

// Summary is the aggregate view of a match selection for one team.
type Summary struct {
	TeamTag  string
	Matches  []MatchSummary
	Maps     map[string]*MapStats
	MapOrder []string
}

// Summarize reduces raw match payloads to the per-match and per-map numbers
// the report renders. Matches keep their input order (most recent first).
func Summarize(teamTag string, matches []valolytics.Match) Summary {
	out := Summary{TeamTag: teamTag, Maps: make(map[string]*MapStats)}

	for _, m := range matches {
		ms := summarizeOne(teamTag, m)
		out.Matches = append(out.Matches, ms)

		stats, ok := out.Maps[ms.MapName]
		if !ok {
			stats = &MapStats{}
			out.Maps[ms.MapName] = stats
			out.MapOrder = append(out.MapOrder, ms.MapName)
		}
		if ms.Won {
			stats.Wins++
		} else {
			stats.Losses++
		}
		stats.DefWon += ms.DefWon
		stats.DefPlayed += ms.DefPlayed
		stats.AtkWon += ms.AtkWon
		stats.AtkPlayed += ms.AtkPlayed
		stats.MatchIDs = append(stats.MatchIDs, ms.MatchID)
	}
	return out
}

func summarizeOne(teamTag string, m valolytics.Match) MatchSummary {
	ms := MatchSummary{MatchID: m.MatchID, MapName: m.MapName}
	for _, t := range m.Teams {
		if strings.EqualFold(t.Tag, teamTag) {
			ms.ScoreFor = t.RoundsWon
			ms.Won = t.Won
		} else {
			ms.Rival = t.Tag
			ms.ScoreAgainst = t.RoundsWon
		}
	}
	for _, r := range m.Rounds {
		defending := !strings.EqualFold(r.AttackerTag, teamTag)
		won := strings.EqualFold(r.WinnerTag, teamTag)
		if defending {
			ms.DefPlayed++
			if won {
				ms.DefWon++
			}
		} else {
			ms.AtkPlayed++
			if won {
				ms.AtkWon++
			}
		}
	}
	return ms
}

// DescribeMatch renders a one-line human summary used in selection prompts.
func DescribeMatch(teamTag string, m valolytics.Match) string {
	ms := summarizeOne(teamTag, m)
	result := "Loss"
	if ms.Won {
		result = "Win"
	}
	return fmt.Sprintf("%s %d-%d vs %s on %s (%s)", teamTag, ms.ScoreFor, ms.ScoreAgainst, ms.Rival, ms.MapName, result)
}

// Composition is one distinct agent lineup and its record.
type Composition struct {
	PlayerAgents map[string]string // short player name -> agent
	Matches      int
	Wins         int
}

// Compositions groups a map's matches by the agent lineup the team locked,
// most played first.
func Compositions(teamTag string, matches []valolytics.Match) []Composition {
	byKey := make(map[string]*Composition)
	var order []string

	for _, m := range matches {
		agents := make(map[string]string)
		for _, p := range m.Players {
			if !strings.EqualFold(p.TeamTag, teamTag) {
				continue
			}
			agents[shortName(p.RiotID)] = p.Agent
		}
		if len(agents) == 0 {
			continue
		}

		key := compKey(agents)
		comp, ok := byKey[key]
		if !ok {
			comp = &Composition{PlayerAgents: agents}
			byKey[key] = comp
			order = append(order, key)
		}
		comp.Matches++
		if matchWon(teamTag, m) {
			comp.Wins++
		}
	}

	out := make([]Composition, 0, len(order))
	for _, key := range order {
		out = append(out, *byKey[key])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Matches > out[j].Matches })
	return out
}

// PlantStats summarizes post-plant performance on one site.
type PlantStats struct {
	Site             string
	AtkPlants        int
	AtkPostPlantWins int
	DefOppPlants     int
	DefRetakeWins    int
}

// PlantPerformance aggregates post-plant round outcomes per site. With
// pistolOnly set, only the first round of each half counts.
func PlantPerformance(teamTag string, matches []valolytics.Match, pistolOnly bool) []PlantStats {
	bySite := make(map[string]*PlantStats)
	var order []string

	for _, m := range matches {
		for _, r := range m.Rounds {
			if !r.Planted || r.PlantSite == "" {
				continue
			}
			if pistolOnly && !pistolRound(r.Number) {
				continue
			}
			stats, ok := bySite[r.PlantSite]
			if !ok {
				stats = &PlantStats{Site: r.PlantSite}
				bySite[r.PlantSite] = stats
				order = append(order, r.PlantSite)
			}

			attacking := strings.EqualFold(r.AttackerTag, teamTag)
			won := strings.EqualFold(r.WinnerTag, teamTag)
			if attacking {
				stats.AtkPlants++
				if won {
					stats.AtkPostPlantWins++
				}
			} else {
				stats.DefOppPlants++
				if won {
					stats.DefRetakeWins++
				}
			}
		}
	}

	sort.Strings(order)
	out := make([]PlantStats, 0, len(order))
	for _, site := range order {
		out = append(out, *bySite[site])
	}
	return out
}

// PositionPoints collects early-round positions for one side within the
// first N seconds across the given matches.
func PositionPoints(teamTag string, matches []valolytics.Match, attacking bool, withinSeconds float64) []Point {
	var points []Point
	for _, m := range matches {
		for _, r := range m.Rounds {
			if strings.EqualFold(r.AttackerTag, teamTag) != attacking {
				continue
			}
			for _, loc := range r.Locations {
				if loc.Seconds <= withinSeconds && strings.HasPrefix(loc.RiotID, teamTag+" ") {
					points = append(points, Point{X: loc.X, Y: loc.Y})
				}
			}
		}
	}
	return points
}

// SniperPoints collects operator kill positions for one side.
func SniperPoints(teamTag string, matches []valolytics.Match, attacking bool) []Point {
	var points []Point
	for _, m := range matches {
		for _, r := range m.Rounds {
			if strings.EqualFold(r.AttackerTag, teamTag) != attacking {
				continue
			}
			for _, kill := range r.SniperKills {
				if strings.HasPrefix(kill.RiotID, teamTag+" ") {
					points = append(points, Point{X: kill.X, Y: kill.Y})
				}
			}
		}
	}
	return points
}

// Point mirrors plots.Point without importing the rendering package here.
type Point struct {
	X, Y float64
}

// pistolRound reports whether a round number opens a half.
func pistolRound(n int) bool { return n == 1 || n == 13 }

func matchWon(teamTag string, m valolytics.Match) bool {
	for _, t := range m.Teams {
		if strings.EqualFold(t.Tag, teamTag) {
			return t.Won
		}
	}
	return false
}

func shortName(riotID string) string {
	if _, rest, ok := strings.Cut(riotID, " "); ok {
		return rest
	}
	return riotID
}

func compKey(agents map[string]string) string {
	keys := make([]string, 0, len(agents))
	for player := range agents {
		keys = append(keys, player)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(agents[k])
		b.WriteByte(';')
	}
	return b.String()
}

func percent(num, den int) int {
	if den == 0 {
		return 0
	}
	return 100 * num / den
}
