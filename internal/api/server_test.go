package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/valohub/reportd/internal/config"
	"github.com/valohub/reportd/internal/jobstore"
	"github.com/valohub/reportd/internal/models"
	"github.com/valohub/reportd/internal/queue"
	"github.com/valohub/reportd/internal/valolytics"
)

type staticDirectory struct{ err error }

func (d staticDirectory) Teams(context.Context) ([]valolytics.Team, error) {
	if d.err != nil {
		return nil, d.err
	}
	return []valolytics.Team{
		{Tag: "TH", Name: "Team Heretics"},
		{Tag: "FNC", Name: "Fnatic"},
	}, nil
}

type testServer struct {
	server *Server
	jobs   *jobstore.Store
	queue  *queue.RedisQueue
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	jobs := jobstore.New(client, 0)
	q := queue.New(client, time.Minute)
	srv := New(config.Config{}, jobs, q, staticDirectory{}, nil, nil, nil)
	return &testServer{server: srv, jobs: jobs, queue: q, router: srv.Router()}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func TestSubmitValidation(t *testing.T) {
	ts := newTestServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"empty team", `{"team":""}`},
		{"unknown team", `{"team":"NOPE"}`},
		{"negative count", `{"team":"TH","match_count":-1}`},
		{"bad email", `{"team":"TH","share_email":"not-an-email"}`},
		{"broken json", `{`},
	}
	for _, c := range cases {
		rec := ts.do(t, http.MethodPost, "/reports/jobs", c.body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d: %s", c.name, rec.Code, rec.Body.String())
		}
	}
}

func TestSubmitQueuesJob(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/reports/jobs", `{"team":"Heretics","match_count":3}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("partial names must not resolve, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/reports/jobs", `{"team":"team heretics","match_count":3,"share_email":"coach@example.com"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp submitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.JobID == "" || resp.Status != models.StatusQueued || resp.TeamTag != "TH" {
		t.Fatalf("unexpected response: %#v", resp)
	}

	ctx := context.Background()
	meta, _ := ts.jobs.GetMeta(ctx, resp.JobID)
	if meta.Status() != models.StatusQueued || meta["team_tag"] != "TH" {
		t.Fatalf("job meta wrong: %#v", meta)
	}
	if depth, _ := ts.queue.ReadyDepth(ctx); depth != 1 {
		t.Fatalf("expected queue depth 1, got %d", depth)
	}

	events, _ := ts.jobs.LogLines(ctx, resp.JobID)
	if len(events) < 2 {
		t.Fatalf("expected queued status + progress events, got %d", len(events))
	}
}

func TestGetJobNotFound(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/reports/jobs/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetJobReturnsMetaAndEvents(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	if _, err := ts.jobs.Bootstrap(ctx, "job-1", models.ReportRequest{TeamTag: "TH"}); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	rec := ts.do(t, http.MethodGet, "/reports/jobs/job-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp jobResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Meta.JobID() != "job-1" || len(resp.Events) != 1 {
		t.Fatalf("unexpected body: %#v", resp)
	}
}

func TestInputRejectedAfterTerminal(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	_, _ = ts.jobs.Bootstrap(ctx, "job-1", models.ReportRequest{TeamTag: "TH"})
	_, _ = ts.jobs.UpdateStatus(ctx, "job-1", models.StatusFinished, nil)

	rec := ts.do(t, http.MethodPost, "/reports/jobs/job-1/input", `{"message":"5"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestInputQueuedForRunningJob(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	_, _ = ts.jobs.Bootstrap(ctx, "job-1", models.ReportRequest{TeamTag: "TH"})

	rec := ts.do(t, http.MethodPost, "/reports/jobs/job-1/input", `{"message":"5","author":"coach","prompt_id":"p1"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	input, err := ts.jobs.PopUserInput(ctx, "job-1", 100*time.Millisecond)
	if err != nil || input == nil {
		t.Fatalf("input not queued: %v %v", input, err)
	}
	if input.Message != "5" || input.PromptID != "p1" {
		t.Fatalf("unexpected input: %#v", input)
	}
}

func TestCancelIsIdempotentOnTerminal(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	_, _ = ts.jobs.Bootstrap(ctx, "job-1", models.ReportRequest{TeamTag: "TH"})
	_, _ = ts.jobs.UpdateStatus(ctx, "job-1", models.StatusFinished, nil)

	rec := ts.do(t, http.MethodPost, "/reports/jobs/job-1/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 no-op, got %d", rec.Code)
	}
	meta, _ := ts.jobs.GetMeta(ctx, "job-1")
	if meta.Status() != models.StatusFinished {
		t.Fatalf("terminal status disturbed: %q", meta.Status())
	}
}

func TestCancelDrainsPendingBacklog(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	for _, id := range []string{"job-1", "job-2"} {
		_, _ = ts.jobs.Bootstrap(ctx, id, models.ReportRequest{TeamTag: "TH"})
		_ = ts.queue.Enqueue(ctx, id)
	}

	rec := ts.do(t, http.MethodPost, "/reports/jobs/job-1/cancel", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	meta, _ := ts.jobs.GetMeta(ctx, "job-1")
	if meta.Status() != models.StatusCancelling {
		t.Fatalf("expected cancelling, got %q", meta.Status())
	}
	// The sibling queued job is purged and settled as cancelled.
	other, _ := ts.jobs.GetMeta(ctx, "job-2")
	if other.Status() != models.StatusCancelled {
		t.Fatalf("expected sibling cancelled, got %q", other.Status())
	}
	if depth, _ := ts.queue.ReadyDepth(ctx); depth != 0 {
		t.Fatalf("expected drained queue, got depth %d", depth)
	}
}

func TestStreamReplaysFromCursor(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	_, _ = ts.jobs.Bootstrap(ctx, "job-1", models.ReportRequest{TeamTag: "TH"})
	for i := 0; i < 3; i++ {
		_, _ = ts.jobs.AppendEvent(ctx, "job-1", models.EventProgress, models.ProgressPayload{Message: "tick"})
	}
	// Terminal status ends the stream after replay, so the handler returns.
	_, _ = ts.jobs.UpdateStatus(ctx, "job-1", models.StatusFinished, nil)

	req := httptest.NewRequest(http.MethodGet, "/reports/jobs/job-1/stream", nil)
	req.Header.Set("Last-Event-ID", "2")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("wrong content type %q", ct)
	}
	body := rec.Body.String()
	if strings.Contains(body, "id: 1\n") || strings.Contains(body, "id: 2\n") {
		t.Fatalf("events at or before cursor were replayed: %s", body)
	}
	for _, id := range []string{"id: 3\n", "id: 4\n", "id: 5\n"} {
		if !strings.Contains(body, id) {
			t.Fatalf("missing %q in: %s", id, body)
		}
	}
	if !strings.Contains(body, "event: status") {
		t.Fatalf("terminal status event missing: %s", body)
	}
}

func TestStreamUnknownJob(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/reports/jobs/nope/stream", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
