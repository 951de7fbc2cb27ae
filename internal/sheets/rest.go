package sheets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RESTService implements Service against the spreadsheet gateway's JSON API.
type RESTService struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewRESTService(baseURL, token string) *RESTService {
	return &RESTService{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type createSpreadsheetRequest struct {
	Title string `json:"title"`
}

type spreadsheetResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func (s *RESTService) CreateSpreadsheet(ctx context.Context, title string) (Spreadsheet, error) {
	var resp spreadsheetResponse
	err := s.do(ctx, http.MethodPost, "/v1/spreadsheets", createSpreadsheetRequest{Title: title}, &resp)
	if err != nil {
		return Spreadsheet{}, err
	}
	return Spreadsheet{ID: resp.ID, URL: resp.URL}, nil
}

type addWorksheetRequest struct {
	Title string `json:"title"`
	Rows  int    `json:"rows"`
	Cols  int    `json:"cols"`
}

type worksheetResponse struct {
	SheetID int64 `json:"sheet_id"`
}

func (s *RESTService) AddWorksheet(ctx context.Context, spreadsheetID, title string, rows, cols int) (int64, error) {
	var resp worksheetResponse
	path := fmt.Sprintf("/v1/spreadsheets/%s/worksheets", spreadsheetID)
	if err := s.do(ctx, http.MethodPost, path, addWorksheetRequest{Title: title, Rows: rows, Cols: cols}, &resp); err != nil {
		return 0, err
	}
	return resp.SheetID, nil
}

func (s *RESTService) SetWorksheetTitle(ctx context.Context, spreadsheetID, worksheet, title string) error {
	path := fmt.Sprintf("/v1/spreadsheets/%s/worksheets/%s", spreadsheetID, worksheet)
	return s.do(ctx, http.MethodPatch, path, map[string]string{"title": title}, nil)
}

type batchUpdateRequest struct {
	Mode   ValueInputMode `json:"mode"`
	Writes []RangeValues  `json:"writes"`
}

func (s *RESTService) BatchUpdateRanges(ctx context.Context, spreadsheetID, worksheet string, mode ValueInputMode, writes []RangeValues) error {
	path := fmt.Sprintf("/v1/spreadsheets/%s/worksheets/%s/values:batchUpdate", spreadsheetID, worksheet)
	return s.do(ctx, http.MethodPost, path, batchUpdateRequest{Mode: mode, Writes: writes}, nil)
}

func (s *RESTService) MergeCells(ctx context.Context, spreadsheetID, worksheet, rangeA1 string) error {
	path := fmt.Sprintf("/v1/spreadsheets/%s/worksheets/%s/cells:merge", spreadsheetID, worksheet)
	return s.do(ctx, http.MethodPost, path, map[string]string{"range": rangeA1}, nil)
}

type formatRequest struct {
	Range  string     `json:"range"`
	Format CellFormat `json:"format"`
}

func (s *RESTService) FormatRange(ctx context.Context, spreadsheetID, worksheet, rangeA1 string, format CellFormat) error {
	path := fmt.Sprintf("/v1/spreadsheets/%s/worksheets/%s/cells:format", spreadsheetID, worksheet)
	return s.do(ctx, http.MethodPost, path, formatRequest{Range: rangeA1, Format: format}, nil)
}

func (s *RESTService) Share(ctx context.Context, spreadsheetID, email, role string) error {
	path := fmt.Sprintf("/v1/spreadsheets/%s/permissions", spreadsheetID)
	return s.do(ctx, http.MethodPost, path, map[string]string{"email": email, "role": role}, nil)
}

func (s *RESTService) Publish(ctx context.Context, spreadsheetID string) error {
	path := fmt.Sprintf("/v1/spreadsheets/%s:publish", spreadsheetID)
	return s.do(ctx, http.MethodPost, path, struct{}{}, nil)
}

func (s *RESTService) FirstSheetID(ctx context.Context, spreadsheetID string) (int64, error) {
	var resp struct {
		Worksheets []worksheetResponse `json:"worksheets"`
	}
	path := fmt.Sprintf("/v1/spreadsheets/%s", spreadsheetID)
	if err := s.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return 0, err
	}
	if len(resp.Worksheets) == 0 {
		return 0, &StatusError{Code: http.StatusNotFound, Message: "spreadsheet has no worksheets"}
	}
	return resp.Worksheets[0].SheetID, nil
}

func (s *RESTService) do(ctx context.Context, method, path string, body, dst any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call spreadsheet service: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Message: string(bytes.TrimSpace(detail))}
	}
	if dst == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
