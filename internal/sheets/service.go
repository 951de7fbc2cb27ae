// Package sheets wraps every mutating call to the external spreadsheet
// service with a shared throttle, rate-limit-aware retries, and client-side
// write batching.
package sheets

import (
	"context"
	"errors"
	"fmt"
)

// ValueInputMode controls how the service interprets written values.
type ValueInputMode string

const (
	ModeRaw         ValueInputMode = "RAW"
	ModeUserEntered ValueInputMode = "USER_ENTERED"
)

// Color is an RGB triple in [0,1], matching the service's cell format model.
type Color struct {
	R, G, B float64
}

// CellFormat describes the formatting applied to a cell range.
type CellFormat struct {
	BackgroundColor *Color
	FontColor       *Color
	FontSize        int
	Bold            bool
	HorizontalAlign string
}

// Spreadsheet is a created document handle.
type Spreadsheet struct {
	ID  string
	URL string
}

// RangeValues is one buffered value write.
type RangeValues struct {
	Range  string
	Values [][]string
}

// Service is the external spreadsheet/drive API surface the report renderer
// needs. Implementations talk to the real service; tests substitute fakes.
type Service interface {
	CreateSpreadsheet(ctx context.Context, title string) (Spreadsheet, error)
	AddWorksheet(ctx context.Context, spreadsheetID, title string, rows, cols int) (int64, error)
	SetWorksheetTitle(ctx context.Context, spreadsheetID, worksheet, title string) error
	BatchUpdateRanges(ctx context.Context, spreadsheetID, worksheet string, mode ValueInputMode, writes []RangeValues) error
	MergeCells(ctx context.Context, spreadsheetID, worksheet, rangeA1 string) error
	FormatRange(ctx context.Context, spreadsheetID, worksheet, rangeA1 string, format CellFormat) error
	Share(ctx context.Context, spreadsheetID, email, role string) error
	Publish(ctx context.Context, spreadsheetID string) error
	FirstSheetID(ctx context.Context, spreadsheetID string) (int64, error)
}

// StatusError is an HTTP-level failure from the spreadsheet service.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("spreadsheet service: status %d", e.Code)
	}
	return fmt.Sprintf("spreadsheet service: status %d: %s", e.Code, e.Message)
}

// IsRateLimited reports whether err is an explicit too-many-requests
// rejection. Only these are retried: a rate-limit rejection is defined to
// have had no effect server-side, while ambiguous failures (timeouts) could
// have landed and must not be replayed.
func IsRateLimited(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == 429
}

// OpError describes which operation failed on which target, so operational
// triage does not need the original stack.
type OpError struct {
	Op     string
	Target string
	Err    error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Op, e.Target, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }
