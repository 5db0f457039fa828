// Package notify alerts operators about jobs that will not be retried.
package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"marketing-orchestrator/internal/events"
	"marketing-orchestrator/internal/faults"
	"marketing-orchestrator/internal/models"
	"marketing-orchestrator/internal/provider"
	"marketing-orchestrator/internal/telemetry"
)

// FailureNotifier posts terminal job failures to the alerts channel. It
// never returns or propagates errors to the worker.
type FailureNotifier struct {
	sender provider.MessageSender
	events events.Publisher
}

// NewFailureNotifier creates a notifier. ev may be nil.
func NewFailureNotifier(sender provider.MessageSender, ev events.Publisher) *FailureNotifier {
	if ev == nil {
		ev = events.Discard{}
	}
	return &FailureNotifier{sender: sender, events: ev}
}

// Message renders the alert text for a failed job.
func Message(job models.Job, cause error) string {
	reason := job.LastError
	if cause != nil {
		reason = cause.Error()
	}
	verb := fmt.Sprintf("failed after %d attempts", job.AttemptsMade)
	if cause != nil && !faults.Retryable(cause) {
		verb = fmt.Sprintf("failed permanently after %d attempts", job.AttemptsMade)
	}
	return fmt.Sprintf("❌ Queue: %s\nJob: %s (%s) %s\nReason: %s", job.Queue, job.Name, job.ID, verb, reason)
}

// JobFailed implements worker.FailureNotifier.
func (n *FailureNotifier) JobFailed(ctx context.Context, job models.Job, cause error) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.NotifyFailures.WithLabelValues("job").Inc()
			log.Error().Str("component", "notify").Str("job_id", job.ID).Interface("panic", r).Msg("failure notifier panicked")
		}
	}()

	n.events.Publish(ctx, events.Event{Type: events.JobFailed, Data: job})

	if n.sender == nil {
		return
	}
	if _, err := n.sender.Send(ctx, provider.ChannelAlerts, Message(job, cause)); err != nil {
		telemetry.NotifyFailures.WithLabelValues("job").Inc()
		log.Warn().Err(err).Str("component", "notify").Str("queue", job.Queue).Str("job_id", job.ID).Msg("failure alert not delivered")
	}
}
