package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "marketing_jobs_enqueued_total", Help: "Jobs accepted by a queue"}, []string{"queue"})
	JobsCompleted   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "marketing_jobs_completed_total", Help: "Jobs completed successfully"}, []string{"queue"})
	JobsRetried     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "marketing_jobs_retried_total", Help: "Failed attempts scheduled for retry"}, []string{"queue"})
	JobsFailed      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "marketing_jobs_failed_total", Help: "Jobs failed terminally"}, []string{"queue"})
	LeasesReclaimed = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "marketing_leases_reclaimed_total", Help: "Expired leases returned to the wait list"}, []string{"queue"})
	QueueDepth      = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "marketing_queue_depth", Help: "Jobs per queue and state"}, []string{"queue", "state"})
	InFlight        = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "marketing_jobs_inflight", Help: "Handlers currently running"}, []string{"queue"})

	ApprovalDecisions   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "marketing_approval_decisions_total", Help: "Approval requests decided"}, []string{"decision"})
	ApprovalConflicts   = prometheus.NewCounter(prometheus.CounterOpts{Name: "marketing_approval_conflicts_total", Help: "Resolve attempts on missing, decided or expired requests"})
	GatedActionFailures = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "marketing_gated_action_failures_total", Help: "Approved actions whose execution failed"}, []string{"type"})
	NotifyFailures      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "marketing_notification_failures_total", Help: "Chat notifications that could not be delivered"}, []string{"kind"})

	WebhookAuthFailures = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "marketing_webhook_auth_failures_total", Help: "Inbound webhooks rejected as unauthenticated"}, []string{"source"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "marketing_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	SchedulerFires      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "marketing_scheduler_fires_total", Help: "Cron entries fired"}, []string{"entry"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			LeasesReclaimed,
			QueueDepth,
			InFlight,
			ApprovalDecisions,
			ApprovalConflicts,
			GatedActionFailures,
			NotifyFailures,
			WebhookAuthFailures,
			RateLimitRejects,
			SchedulerFires,
		)
	})
	return promhttp.Handler()
}
