package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/valohub/reportd/internal/config"
	"github.com/valohub/reportd/internal/jobstore"
	"github.com/valohub/reportd/internal/library"
	"github.com/valohub/reportd/internal/models"
	"github.com/valohub/reportd/internal/queue"
	"github.com/valohub/reportd/internal/ratelimit"
	"github.com/valohub/reportd/internal/telemetry"
	"github.com/valohub/reportd/internal/valolytics"
)

// TeamDirectory lists the teams a report can be requested for.
type TeamDirectory interface {
	Teams(ctx context.Context) ([]valolytics.Team, error)
}

// Server wires HTTP handlers for report submission, inspection, the live
// event stream, and the saved-reports library.
type Server struct {
	cfg     config.Config
	jobs    *jobstore.Store
	queue   *queue.RedisQueue
	teams   TeamDirectory
	limiter *ratelimit.TokenBucket
	library *library.Store
	log     *zap.SugaredLogger
}

// New constructs the API server. The library store may be nil; its endpoints
// then answer 503.
func New(cfg config.Config, jobs *jobstore.Store, q *queue.RedisQueue, teams TeamDirectory, limiter *ratelimit.TokenBucket, lib *library.Store, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Server{cfg: cfg, jobs: jobs, queue: q, teams: teams, limiter: limiter, library: lib, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/reports", func(r chi.Router) {
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/stream", s.handleStream)
		r.Post("/jobs/{id}/input", s.handleInput)
		r.Post("/jobs/{id}/cancel", s.handleCancel)

		r.Get("/library", s.handleLibraryList)
		r.Post("/library", s.handleLibrarySave)
		r.Get("/library/{id}", s.handleLibraryGet)
		r.Delete("/library/{id}", s.handleLibraryDelete)
	})
	return r
}

type submitRequest struct {
	Team       string `json:"team"`
	MatchCount int    `json:"match_count"`
	ShareEmail string `json:"share_email"`
	CreatedBy  string `json:"created_by"`
}

type submitResponse struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	TeamTag  string `json:"team_tag"`
	TeamName string `json:"team_name"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.Team = strings.TrimSpace(req.Team)
	if req.Team == "" {
		writeError(w, http.StatusBadRequest, "team is required")
		return
	}
	if req.MatchCount < 0 {
		writeError(w, http.StatusBadRequest, "match_count must not be negative")
		return
	}
	if req.ShareEmail != "" && !strings.Contains(req.ShareEmail, "@") {
		writeError(w, http.StatusBadRequest, "share_email is not a valid email address")
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), callerKey(r))
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "too many report requests, slow down")
			return
		}
	}

	// Resolve the user-typed team against the live directory before anything
	// is enqueued, so the worker only ever sees a canonical tag.
	team, found, err := s.resolveTeam(r.Context(), req.Team)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "team directory unavailable")
		return
	}
	if !found {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown team %q", req.Team))
		return
	}

	jobID := uuid.NewString()
	if _, err := s.jobs.Bootstrap(r.Context(), jobID, models.ReportRequest{
		TeamTag:    team.Tag,
		TeamName:   team.Name,
		MatchCount: req.MatchCount,
		ShareEmail: req.ShareEmail,
		CreatedBy:  req.CreatedBy,
	}); err != nil {
		s.log.Errorw("bootstrap failed", "job_id", jobID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	_, _ = s.jobs.AppendEvent(r.Context(), jobID, models.EventProgress, models.ProgressPayload{
		Message: "Job queued. Waiting for the worker to pick it up.",
	})

	if err := s.queue.Enqueue(r.Context(), jobID); err != nil {
		s.log.Errorw("enqueue failed", "job_id", jobID, "error", err)
		_, _ = s.jobs.UpdateStatus(r.Context(), jobID, models.StatusFailed, map[string]any{"error": "enqueue failed"})
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	telemetry.SubmitCounter.Inc()

	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:    jobID,
		Status:   models.StatusQueued,
		TeamTag:  team.Tag,
		TeamName: team.Name,
	})
}

func (s *Server) resolveTeam(ctx context.Context, input string) (valolytics.Team, bool, error) {
	teams, err := s.teams.Teams(ctx)
	if err != nil {
		return valolytics.Team{}, false, err
	}
	for _, t := range teams {
		if strings.EqualFold(t.Tag, input) || strings.EqualFold(t.Name, input) {
			return t, true, nil
		}
	}
	return valolytics.Team{}, false, nil
}

type jobResponse struct {
	Meta   models.Meta    `json:"meta"`
	Events []models.Event `json:"events"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	meta, err := s.jobs.GetMeta(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	if meta.JobID() == "" {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	events, err := s.jobs.LogLines(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{Meta: meta, Events: events})
}

type inputRequest struct {
	Message  string `json:"message"`
	Author   string `json:"author"`
	PromptID string `json:"prompt_id"`
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	meta, err := s.jobs.GetMeta(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	if meta.JobID() == "" {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	if models.TerminalStatus(meta.Status()) {
		writeError(w, http.StatusConflict, "job already finished")
		return
	}

	// Empty messages are forwarded as-is; the worker treats them as
	// accepting the prompt's default.
	if _, err := s.jobs.PushUserInput(r.Context(), id, req.Message, req.Author, req.PromptID); err != nil {
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	meta, err := s.jobs.GetMeta(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	if meta.JobID() == "" {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	if models.TerminalStatus(meta.Status()) {
		writeJSON(w, http.StatusOK, map[string]string{"status": meta.Status()})
		return
	}

	current, err := s.jobs.UpdateStatus(r.Context(), id, models.StatusCancelling, nil)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	_ = s.queue.Cancel(r.Context(), id)

	// Cancellation empties the whole pending backlog, not just this job.
	// Queued siblings are marked cancelled so their streams settle too.
	purged, err := s.queue.PurgePending(r.Context())
	if err != nil {
		s.log.Warnw("purge pending failed", "error", err)
	}
	for _, purgedID := range purged {
		if _, err := s.jobs.UpdateStatus(r.Context(), purgedID, models.StatusCancelled, nil); err == nil {
			telemetry.ReportsCancelled.Inc()
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": current})
}

type librarySaveRequest struct {
	JobID string `json:"job_id"`
}

func (s *Server) handleLibrarySave(w http.ResponseWriter, r *http.Request) {
	if s.library == nil {
		writeError(w, http.StatusServiceUnavailable, "library unavailable")
		return
	}
	var req librarySaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JobID == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}
	meta, err := s.jobs.GetMeta(r.Context(), req.JobID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	if meta.JobID() == "" {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	if meta.Status() != models.StatusFinished {
		writeError(w, http.StatusConflict, "job has not finished")
		return
	}
	result, ok := resultFromMeta(meta)
	if !ok {
		writeError(w, http.StatusConflict, "job carries no result")
		return
	}

	entry, err := s.library.Save(r.Context(), result, metaString(meta["created_by"]))
	if err != nil {
		s.log.Errorw("library save failed", "job_id", req.JobID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "library unavailable")
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleLibraryList(w http.ResponseWriter, r *http.Request) {
	if s.library == nil {
		writeError(w, http.StatusServiceUnavailable, "library unavailable")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.library.List(r.Context(), r.URL.Query().Get("team"), limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "library unavailable")
		return
	}
	if entries == nil {
		entries = []library.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": entries})
}

func (s *Server) handleLibraryGet(w http.ResponseWriter, r *http.Request) {
	if s.library == nil {
		writeError(w, http.StatusServiceUnavailable, "library unavailable")
		return
	}
	entry, found, err := s.library.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "library unavailable")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "unknown report")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleLibraryDelete(w http.ResponseWriter, r *http.Request) {
	if s.library == nil {
		writeError(w, http.StatusServiceUnavailable, "library unavailable")
		return
	}
	deleted, err := s.library.Delete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "library unavailable")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "unknown report")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// resultFromMeta rebuilds the ReportResult persisted at finish time.
func resultFromMeta(meta models.Meta) (models.ReportResult, bool) {
	raw, ok := meta["result"].(map[string]any)
	if !ok {
		return models.ReportResult{}, false
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return models.ReportResult{}, false
	}
	var result models.ReportResult
	if err := json.Unmarshal(encoded, &result); err != nil {
		return models.ReportResult{}, false
	}
	return result, result.SpreadsheetID != ""
}

func callerKey(r *http.Request) string {
	if v := r.Header.Get("X-User-ID"); v != "" {
		return v
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}

func metaString(v any) string {
	s, _ := v.(string)
	return s
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
