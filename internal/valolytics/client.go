// Package valolytics talks to the Riot-data proxy that exposes esports match
// history and payloads.
package valolytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultBaseURL = "https://api.valolytics.gg"
	userAgent      = "Mozilla/5.0 (compatible; ValoHub/1.0; +https://valohub)"
	requestTimeout = 20 * time.Second

	// Region the esports data lives under.
	RegionEsports = "esports"
)

// ErrNotFound marks a 404 from the upstream API (unknown team, player, or
// match).
var ErrNotFound = errors.New("valolytics: not found")

// Client is a thin HTTP client for the valolytics API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a client. An empty baseURL selects the production API.
func NewClient(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// Team is one roster entry from the teams listing.
type Team struct {
	Tag   string `json:"tag"`
	Name  string `json:"name"`
	Image string `json:"image"`
}

// Account maps a riot id to its puuid.
type Account struct {
	PUUID    string `json:"puuid"`
	GameName string `json:"gameName"`
	TagLine  string `json:"tagLine"`
}

// MatchRef is one entry in a player's match history, most recent first.
type MatchRef struct {
	MatchID       string `json:"matchId"`
	GameStartTime int64  `json:"gameStartTimeMillis"`
}

// Matchlist is a player's recent match history.
type Matchlist struct {
	History []MatchRef `json:"history"`
}

// MatchTeam is one side of a finished match.
type MatchTeam struct {
	Tag       string `json:"tag"`
	Name      string `json:"name"`
	RoundsWon int    `json:"roundsWon"`
	Won       bool   `json:"won"`
}

// MatchPlayer is one participant with the agent they locked.
type MatchPlayer struct {
	RiotID  string `json:"riotId"`
	TeamTag string `json:"teamTag"`
	Agent   string `json:"agent"`
}

// PlayerLocation is a sampled position early in a round.
type PlayerLocation struct {
	RiotID  string  `json:"riotId"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Seconds float64 `json:"seconds"`
}

// SniperKill is one operator kill with its map position.
type SniperKill struct {
	RiotID string  `json:"riotId"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

// Round is one round of a match.
type Round struct {
	Number      int              `json:"number"`
	WinnerTag   string           `json:"winnerTag"`
	AttackerTag string           `json:"attackerTag"`
	Planted     bool             `json:"planted"`
	PlantSite   string           `json:"plantSite,omitempty"`
	Locations   []PlayerLocation `json:"locations,omitempty"`
	SniperKills []SniperKill     `json:"sniperKills,omitempty"`
}

// Match is a full raw match payload.
type Match struct {
	MatchID   string        `json:"matchId"`
	MapName   string        `json:"mapName"`
	StartedAt time.Time     `json:"startedAt"`
	Teams     []MatchTeam   `json:"teams"`
	Players   []MatchPlayer `json:"players"`
	Rounds    []Round       `json:"rounds"`
}

// Teams lists every known roster.
func (c *Client) Teams(ctx context.Context) ([]Team, error) {
	var teams []Team
	if err := c.getJSON(ctx, "/teams", &teams); err != nil {
		return nil, err
	}
	return teams, nil
}

// AccountByRiotID resolves a riot id (name + tag line) to its account.
func (c *Client) AccountByRiotID(ctx context.Context, gameName, tagLine, region string) (Account, error) {
	path := fmt.Sprintf("/api/riot/account/v1/accounts/by-riot-id/%s/%s/%s",
		url.PathEscape(region), url.PathEscape(gameName), url.PathEscape(tagLine))
	var acc Account
	if err := c.getJSON(ctx, path, &acc); err != nil {
		return Account{}, err
	}
	return acc, nil
}

// MatchlistByPUUID returns a player's recent match history, most recent
// first. The history may be empty.
func (c *Client) MatchlistByPUUID(ctx context.Context, puuid, region string) (Matchlist, error) {
	path := fmt.Sprintf("/api/riot/match/v1/matchlists/by-puuid/%s/%s",
		url.PathEscape(region), url.PathEscape(puuid))
	var ml Matchlist
	if err := c.getJSON(ctx, path, &ml); err != nil {
		return Matchlist{}, err
	}
	return ml, nil
}

// MatchByID fetches one raw match payload.
func (c *Client) MatchByID(ctx context.Context, matchID, region string) (Match, error) {
	path := fmt.Sprintf("/api/matches/%s/%s", url.PathEscape(region), url.PathEscape(matchID))
	var m Match
	if err := c.getJSON(ctx, path, &m); err != nil {
		return Match{}, err
	}
	return m, nil
}

func (c *Client) getJSON(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("request %s: status %d: %s", path, resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
