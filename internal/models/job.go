package models

// Job lifecycle statuses stored in the job meta hash. Transitions are
// monotonic except cancelling, which may still end finished or failed if the
// worker completes before observing the request.
const (
	StatusQueued     = "queued"
	StatusStarted    = "started"
	StatusRunning    = "running"
	StatusCancelling = "cancelling"
	StatusFinished   = "finished"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// TerminalStatus reports whether a status admits no further transitions.
func TerminalStatus(status string) bool {
	switch status {
	case StatusFinished, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Meta is the decoded view of a job's metadata hash. Structured values
// (result payloads, nested maps) are decoded from their JSON encoding;
// everything else stays a string.
type Meta map[string]any

// Status returns the job status field, or "" when the job does not exist.
func (m Meta) Status() string {
	s, _ := m["status"].(string)
	return s
}

// JobID returns the job identifier recorded at bootstrap.
func (m Meta) JobID() string {
	s, _ := m["job_id"].(string)
	return s
}

// ReportRequest carries the canonicalized parameters of one submission. The
// raw user-typed team string never reaches the worker; resolution happens
// before enqueue.
type ReportRequest struct {
	TeamTag    string `json:"team_tag"`
	TeamName   string `json:"team_name"`
	MatchCount int    `json:"match_count,omitempty"`
	ShareEmail string `json:"share_email,omitempty"`
	CreatedBy  string `json:"created_by,omitempty"`
}

// ReportResult is the final payload persisted into job meta on success.
type ReportResult struct {
	SpreadsheetURL     string `json:"spreadsheet_url"`
	SpreadsheetEditURL string `json:"spreadsheet_edit_url"`
	SpreadsheetID      string `json:"spreadsheet_id"`
	TeamTag            string `json:"team_tag"`
	TeamName           string `json:"team_name"`
	MatchCount         int    `json:"match_count"`
}
