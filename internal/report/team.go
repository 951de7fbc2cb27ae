package report

import (
	"context"
	"errors"
	"strings"

	"github.com/valohub/reportd/internal/valolytics"
)

// playerList maps a team tag to the roster player whose match history anchors
// the report. Esports matchlists are only reachable through a player, so each
// supported team needs one known member here.
var playerList = map[string]string{
	"TH":   "TH Boo",
	"TL":   "TL nAts",
	"GX":   "GX Cloud",
	"FNC":  "FNC Boaster",
	"DRG":  "DRG Nicc",
	"T1":   "T1 Meteor",
	"G2":   "G2 valyn",
	"NRG":  "NRG s0m",
	"SEN":  "SEN bang",
	"MIBR": "MIBR xenom",
	"BLG":  "BLG whzy",
	"EDG":  "EDG Smoggy",
	"XLG":  "XLG Rarga",
	"PRX":  "PRX f0rsakeN",
	"RRQ":  "RRQ Jemkin",
	"DRX":  "DRX MaKo",
}

// anchorTagLine is the tag line shared by the esports anchor accounts.
const anchorTagLine = "epval"

// MatchSource is the slice of the valolytics API the generator consumes.
type MatchSource interface {
	Teams(ctx context.Context) ([]valolytics.Team, error)
	AccountByRiotID(ctx context.Context, gameName, tagLine, region string) (valolytics.Account, error)
	MatchlistByPUUID(ctx context.Context, puuid, region string) (valolytics.Matchlist, error)
	MatchByID(ctx context.Context, matchID, region string) (valolytics.Match, error)
}

// TeamContext is a resolved team plus its anchor player's match history.
type TeamContext struct {
	Tag          string
	Name         string
	ImageID      string
	PlayerRiotID string
	Matches      []valolytics.MatchRef
}

// ResolveTeam turns a team tag into a full context. Every failure here is
// operational: unknown tag, missing roster mapping, or an empty history.
func ResolveTeam(ctx context.Context, src MatchSource, tag string) (TeamContext, error) {
	if tag == "" {
		return TeamContext{}, Errorf("team code cannot be empty")
	}
	tag = strings.ToUpper(strings.TrimSpace(tag))

	teams, err := src.Teams(ctx)
	if err != nil {
		return TeamContext{}, Wrap(err, "could not load teams list")
	}

	var team *valolytics.Team
	for i := range teams {
		if strings.EqualFold(teams[i].Tag, tag) {
			team = &teams[i]
			break
		}
	}
	if team == nil {
		return TeamContext{}, Errorf("team code %q not found", tag)
	}

	riotID, ok := playerList[tag]
	if !ok {
		return TeamContext{}, Errorf("no player mapping configured for team %q", tag)
	}

	account, err := src.AccountByRiotID(ctx, riotID, anchorTagLine, valolytics.RegionEsports)
	if err != nil {
		if errors.Is(err, valolytics.ErrNotFound) {
			return TeamContext{}, Wrap(err, "anchor player %q not found", riotID)
		}
		return TeamContext{}, Wrap(err, "could not resolve player %q", riotID)
	}

	matchlist, err := src.MatchlistByPUUID(ctx, account.PUUID, valolytics.RegionEsports)
	if err != nil {
		return TeamContext{}, Wrap(err, "could not load match history for %q", riotID)
	}
	if len(matchlist.History) == 0 {
		return TeamContext{}, Errorf("no matches found for this player/team")
	}

	return TeamContext{
		Tag:          tag,
		Name:         team.Name,
		ImageID:      team.Image,
		PlayerRiotID: riotID,
		Matches:      matchlist.History,
	}, nil
}
