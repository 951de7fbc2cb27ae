package library

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/valohub/reportd/internal/models"
)

// Store wraps pgxpool for the saved-reports library. Finished reports are
// archived here so past spreadsheets stay reachable after the Redis job keys
// age out.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Entry is one archived report.
type Entry struct {
	ID             string    `json:"id"`
	TeamTag        string    `json:"team_tag"`
	TeamName       string    `json:"team_name"`
	SpreadsheetID  string    `json:"spreadsheet_id"`
	SpreadsheetURL string    `json:"spreadsheet_url"`
	MatchCount     int       `json:"match_count"`
	CreatedBy      string    `json:"created_by,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Save archives a finished report and returns the stored entry.
func (s *Store) Save(ctx context.Context, result models.ReportResult, createdBy string) (Entry, error) {
	e := Entry{
		ID:             uuid.New().String(),
		TeamTag:        result.TeamTag,
		TeamName:       result.TeamName,
		SpreadsheetID:  result.SpreadsheetID,
		SpreadsheetURL: result.SpreadsheetURL,
		MatchCount:     result.MatchCount,
		CreatedBy:      createdBy,
		CreatedAt:      time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO saved_reports (id, team_tag, team_name, spreadsheet_id, spreadsheet_url, match_count, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.TeamTag, e.TeamName, e.SpreadsheetID, e.SpreadsheetURL, e.MatchCount, emptyToNil(e.CreatedBy), e.CreatedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("insert saved report: %w", err)
	}
	return e, nil
}

// List returns archived reports, newest first, optionally filtered by team.
func (s *Store) List(ctx context.Context, teamTag string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `
		SELECT id, team_tag, team_name, spreadsheet_id, spreadsheet_url, match_count, created_by, created_at
		FROM saved_reports
	`
	args := []any{}
	if teamTag != "" {
		query += ` WHERE team_tag = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, teamTag, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query saved reports: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var createdBy pgtype.Text
		if err := rows.Scan(&e.ID, &e.TeamTag, &e.TeamName, &e.SpreadsheetID, &e.SpreadsheetURL, &e.MatchCount, &createdBy, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan saved report: %w", err)
		}
		if createdBy.Valid {
			e.CreatedBy = createdBy.String
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Get fetches one archived report by id. Missing entries return found=false.
func (s *Store) Get(ctx context.Context, id string) (Entry, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, team_tag, team_name, spreadsheet_id, spreadsheet_url, match_count, created_by, created_at
		FROM saved_reports WHERE id = $1
	`, id)

	var e Entry
	var createdBy pgtype.Text
	err := row.Scan(&e.ID, &e.TeamTag, &e.TeamName, &e.SpreadsheetID, &e.SpreadsheetURL, &e.MatchCount, &createdBy, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("scan saved report: %w", err)
	}
	if createdBy.Valid {
		e.CreatedBy = createdBy.String
	}
	return e, true, nil
}

// Delete removes an archived report. Returns whether a row was deleted.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM saved_reports WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete saved report: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
