package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmitCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_submitted_total", Help: "Total submitted report jobs"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_rate_limit_rejects_total", Help: "Submissions rejected by rate limiter"})
	ReportsCompleted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_completed_total", Help: "Reports generated successfully"})
	ReportsFailed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_failed_total", Help: "Reports that ended in failure"})
	ReportsCancelled  = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_cancelled_total", Help: "Reports cancelled before or during execution"})
	SheetRetries      = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_sheet_retries_total", Help: "Spreadsheet writes retried after rate limiting"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "reports_queue_depth", Help: "Ready queue depth"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "reports_inflight", Help: "Jobs currently leased"})
	StreamClientGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "reports_stream_clients", Help: "Connected live stream clients"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmitCounter,
			RateLimitRejects,
			ReportsCompleted,
			ReportsFailed,
			ReportsCancelled,
			SheetRetries,
			QueueDepthGauge,
			InFlightGauge,
			StreamClientGauge,
		)
	})
	return promhttp.Handler()
}
