package worker

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/valohub/reportd/internal/config"
	"github.com/valohub/reportd/internal/jobstore"
	"github.com/valohub/reportd/internal/models"
	"github.com/valohub/reportd/internal/queue"
	"github.com/valohub/reportd/internal/telemetry"
)

// Processor drives the worker execution loop: reclaim expired leases, lease
// the next queued report, and hand it to the runner.
type Processor struct {
	cfg    config.Config
	queue  *queue.RedisQueue
	jobs   *jobstore.Store
	runner *Runner
	log    *zap.SugaredLogger
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue, jobs *jobstore.Store, runner *Runner, log *zap.SugaredLogger) *Processor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Processor{cfg: cfg, queue: q, jobs: jobs, runner: runner, log: log}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if reclaimed, _ := p.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
			for _, id := range reclaimed {
				// The guard keeps cancelling and terminal jobs from being
				// demoted back to queued.
				if _, err := p.jobs.UpdateStatus(ctx, id, models.StatusQueued, nil); err != nil {
					p.log.Warnw("requeue status reset failed", "job_id", id, "error", err)
				}
			}
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			if err != nil {
				p.log.Warnw("dequeue failed", "error", err)
			}
			if slept := sleepCtx(ctx, p.cfg.WorkerPollInterval); slept != nil {
				return slept
			}
			continue
		}

		meta, err := p.jobs.GetMeta(ctx, jobID)
		if err != nil || meta.JobID() == "" {
			// Orphaned queue entry; nothing to run.
			_ = p.queue.Ack(ctx, jobID)
			continue
		}
		if meta.Status() == models.StatusCancelling {
			_, _ = p.jobs.UpdateStatus(ctx, jobID, models.StatusCancelled, nil)
			_ = p.queue.Ack(ctx, jobID)
			telemetry.ReportsCancelled.Inc()
			continue
		}
		if models.TerminalStatus(meta.Status()) {
			_ = p.queue.Ack(ctx, jobID)
			continue
		}

		telemetry.InFlightGauge.Inc()
		p.log.Infow("job leased", "job_id", jobID, "team", meta["team_tag"])
		p.runner.Execute(ctx, jobID, meta)
		_ = p.queue.Ack(ctx, jobID)
		telemetry.InFlightGauge.Dec()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func metaInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

func metaString(v any) string {
	s, _ := v.(string)
	return s
}
