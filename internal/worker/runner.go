package worker

import (
	"context"
	"errors"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/valohub/reportd/internal/config"
	"github.com/valohub/reportd/internal/jobstore"
	"github.com/valohub/reportd/internal/models"
	"github.com/valohub/reportd/internal/plots"
	"github.com/valohub/reportd/internal/queue"
	"github.com/valohub/reportd/internal/report"
	"github.com/valohub/reportd/internal/sheets"
	"github.com/valohub/reportd/internal/telemetry"
)

// Runner executes a single leased report job end to end: it bridges the
// generator's progress and prompt hooks onto the job's event log and input
// queue, and settles the final status through the guard.
type Runner struct {
	cfg    config.Config
	jobs   *jobstore.Store
	queue  *queue.RedisQueue
	source report.MatchSource
	writer *sheets.Writer
	plots  *plots.Renderer
	log    *zap.SugaredLogger
}

func NewRunner(cfg config.Config, jobs *jobstore.Store, q *queue.RedisQueue, source report.MatchSource, writer *sheets.Writer, renderer *plots.Renderer, log *zap.SugaredLogger) *Runner {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Runner{cfg: cfg, jobs: jobs, queue: q, source: source, writer: writer, plots: renderer, log: log}
}

// Execute runs one job to a terminal status. It never returns an error: every
// failure mode is recorded on the job itself.
func (r *Runner) Execute(ctx context.Context, jobID string, meta models.Meta) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Errorw("job panicked", "job_id", jobID, "panic", rec)
			_, _ = r.jobs.AppendEvent(ctx, jobID, models.EventError, models.ErrorPayload{
				Message: "Report generation crashed unexpectedly.",
				Stack:   string(debug.Stack()),
			})
			_, _ = r.jobs.UpdateStatus(ctx, jobID, models.StatusFailed, map[string]any{"error": "internal error"})
			telemetry.ReportsFailed.Inc()
		}
	}()

	if _, err := r.jobs.UpdateStatus(ctx, jobID, models.StatusStarted, nil); err != nil {
		r.log.Warnw("status update failed", "job_id", jobID, "error", err)
	}
	if _, err := r.jobs.UpdateStatus(ctx, jobID, models.StatusRunning, nil); err != nil {
		r.log.Warnw("status update failed", "job_id", jobID, "error", err)
	}

	gen := report.NewGenerator(report.Deps{
		Source:     r.source,
		Writer:     r.writer,
		Plots:      r.plots,
		Log:        r.log,
		FetchDelay: r.cfg.MatchFetchDelay,
		Progress: func(message string, warning bool) {
			_, _ = r.jobs.AppendEvent(ctx, jobID, models.EventProgress, models.ProgressPayload{Message: message, Warning: warning})
		},
		Prompt: func(ctx context.Context, spec models.PromptPayload) (string, error) {
			return r.prompt(ctx, jobID, spec)
		},
	})

	shareEmail := metaString(meta["share_email"])
	if shareEmail == "" {
		shareEmail = r.cfg.ShareEmailDefault
	}
	result, err := gen.Generate(ctx, report.Params{
		TeamTag:          metaString(meta["team_tag"]),
		MatchCount:       metaInt(meta["match_count"]),
		ShareEmail:       shareEmail,
		SpreadsheetTitle: r.cfg.SpreadsheetTitle,
	})
	if err != nil {
		r.settleFailure(ctx, jobID, err)
		return
	}

	_, _ = r.jobs.AppendEvent(ctx, jobID, models.EventCompleted, models.CompletedPayload{
		Message: "Report generation finished.",
		Result:  &result,
	})
	if _, err := r.jobs.UpdateStatus(ctx, jobID, models.StatusFinished, map[string]any{"result": result}); err != nil {
		r.log.Warnw("finish status update failed", "job_id", jobID, "error", err)
	}
	telemetry.ReportsCompleted.Inc()
	r.log.Infow("job finished", "job_id", jobID, "spreadsheet", result.SpreadsheetURL)
}

func (r *Runner) settleFailure(ctx context.Context, jobID string, err error) {
	if errors.Is(err, report.ErrCancelled) || errors.Is(err, context.Canceled) {
		_, _ = r.jobs.AppendEvent(ctx, jobID, models.EventProgress, models.ProgressPayload{Message: "Report generation cancelled."})
		_, _ = r.jobs.UpdateStatus(ctx, jobID, models.StatusCancelled, nil)
		telemetry.ReportsCancelled.Inc()
		r.log.Infow("job cancelled", "job_id", jobID)
		return
	}

	// Operational failures (bad team, empty history, spreadsheet API limits)
	// carry a user-presentable message; anything else stays generic.
	message := "Report generation failed unexpectedly."
	var opErr *sheets.OpError
	if report.IsOperational(err) || errors.As(err, &opErr) {
		message = err.Error()
	}
	_, _ = r.jobs.AppendEvent(ctx, jobID, models.EventError, models.ErrorPayload{Message: message})
	_, _ = r.jobs.UpdateStatus(ctx, jobID, models.StatusFailed, map[string]any{"error": message})
	telemetry.ReportsFailed.Inc()
	r.log.Errorw("job failed", "job_id", jobID, "error", err)
}

// prompt publishes an interactive question and blocks until an answer
// arrives on the job's input queue. Poll timeouts are used to notice
// cancellation requests and to keep the queue lease alive while waiting.
func (r *Runner) prompt(ctx context.Context, jobID string, spec models.PromptPayload) (string, error) {
	spec.ID = uuid.NewString()
	if _, err := r.jobs.AppendEvent(ctx, jobID, models.EventPrompt, spec); err != nil {
		return "", err
	}

	for {
		input, err := r.jobs.PopUserInput(ctx, jobID, r.cfg.PromptPollTimeout)
		if err != nil {
			return "", err
		}
		if input == nil {
			meta, err := r.jobs.GetMeta(ctx, jobID)
			if err == nil && meta.Status() == models.StatusCancelling {
				return "", report.ErrCancelled
			}
			_ = r.queue.ExtendLease(ctx, jobID, r.cfg.VisibilityTimeout)
			continue
		}

		response := strings.TrimSpace(input.Message)
		if response == "" {
			if spec.Default == "" {
				// No default to fall back on; keep the prompt open.
				_, _ = r.jobs.AppendEvent(ctx, jobID, models.EventProgress, models.ProgressPayload{
					Message: "Please provide a response to continue.",
				})
				continue
			}
			response = spec.Default
		}

		_, _ = r.jobs.AppendEvent(ctx, jobID, models.EventPromptResolved, models.PromptResolvedPayload{
			ID:       spec.ID,
			Response: response,
		})
		return response, nil
	}
}
