package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"marketing-orchestrator/internal/approval"
	"marketing-orchestrator/internal/faults"
	"marketing-orchestrator/internal/models"
	"marketing-orchestrator/internal/queue"
	"marketing-orchestrator/internal/ratelimit"
	"marketing-orchestrator/internal/telemetry"
	"marketing-orchestrator/internal/workflow"
)

const maxBodyBytes = 1 << 20

// Jobs is the queue surface used by the API. *queue.Manager satisfies it.
type Jobs interface {
	Enqueue(ctx context.Context, queueName, jobName string, payload any, opts queue.EnqueueOptions) (models.JobHandle, error)
	Get(ctx context.Context, queueName, id string) (models.Job, error)
	Failed(ctx context.Context, queueName string, limit int64) ([]models.Job, error)
	Depth(ctx context.Context, queueName string) (queue.Depth, error)
	Queues() []string
}

// Approvals exposes approval lookups and manual retries. *approval.Gate
// satisfies it.
type Approvals interface {
	Get(ctx context.Context, id string) (models.ApprovalRequest, []models.AuditLog, error)
	RetryExecution(ctx context.Context, id, actor string) (approval.Outcome, error)
}

// EmailLog records delivery events reported by the email provider.
type EmailLog interface {
	LogEmails(ctx context.Context, logs []models.EmailLog) error
}

// Deps are the collaborators of the server. Interactions and Events may be
// nil, in which case their routes are not mounted.
type Deps struct {
	Jobs               Jobs
	Approvals          Approvals
	Emails             EmailLog
	Interactions       http.Handler
	Events             http.Handler
	Limiter            *ratelimit.TokenBucket
	BearerToken        string
	EmailWebhookSecret string
	Version            string
	Now                func() time.Time
}

// Server wires HTTP handlers for the producer API and inbound webhooks.
type Server struct {
	d       Deps
	started time.Time
}

// New constructs the API server.
func New(d Deps) *Server {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Version == "" {
		d.Version = "dev"
	}
	return &Server{d: d, started: d.Now()}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/health", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	if s.d.Interactions != nil {
		r.Method(http.MethodPost, "/slack/interactions", s.d.Interactions)
	}
	r.Post("/webhooks/email", s.handleEmailWebhook)
	r.Post("/webhooks/resend", s.handleEmailWebhook)
	if s.d.Events != nil {
		r.Method(http.MethodGet, "/ws", s.d.Events)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requireBearer)
		r.Use(ratelimit.Middleware(s.d.Limiter, ratelimit.ClientKey))

		r.Post("/content/create", enqueue[workflow.CreateContent](s, queue.Content, workflow.JobCreateContent))
		r.Post("/email/campaign", enqueue[workflow.SendCampaign](s, queue.Email, workflow.JobSendCampaign))
		r.Post("/outreach", enqueue[workflow.RequestOutreach](s, queue.Email, workflow.JobRequestOutreach))
		r.Post("/research/report", enqueue[workflow.ResearchReport](s, queue.Research, workflow.JobResearchReport))

		r.Get("/queues", s.handleQueues)
		r.Get("/jobs/{queue}/{id}", s.handleGetJob)
		r.Get("/dlq/{queue}", s.handleDLQ)
		r.Get("/approvals/{id}", s.handleGetApproval)
		r.Post("/approvals/{id}/retry", s.handleRetryApproval)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"version":       s.d.Version,
		"uptimeSeconds": int64(s.d.Now().Sub(s.started).Seconds()),
	})
}

// requireBearer rejects requests without the configured token. An empty token
// leaves the producer routes open, which is only meant for local runs.
func (s *Server) requireBearer(next http.Handler) http.Handler {
	want := []byte("Bearer " + s.d.BearerToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.d.BearerToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type enqueueResponse struct {
	JobID     string `json:"jobId"`
	Queue     string `json:"queue"`
	Duplicate bool   `json:"duplicate"`
}

// enqueue validates a T payload and hands it to queueName as jobName. The
// Idempotency-Key header, when present, becomes the job id.
func enqueue[T any](s *Server, queueName, jobName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload T
		dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
		if err := dec.Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
		if err := workflow.Validate(payload); err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
			return
		}

		h, err := s.d.Jobs.Enqueue(r.Context(), queueName, jobName, payload, queue.EnqueueOptions{
			JobID: r.Header.Get("Idempotency-Key"),
		})
		if err != nil {
			log.Error().Err(err).Str("component", "api").Str("queue", queueName).Str("job", jobName).
				Str("tenant", tenantFromRequest(r)).Msg("enqueue failed")
			writeError(w, http.StatusServiceUnavailable, "enqueue_failed", "queue unavailable")
			return
		}
		writeJSON(w, http.StatusAccepted, enqueueResponse{JobID: h.ID, Queue: h.Queue, Duplicate: h.Duplicate})
	}
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]queue.Depth)
	for _, name := range s.d.Jobs.Queues() {
		d, err := s.d.Jobs.Depth(r.Context(), name)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "queue_unavailable", err.Error())
			return
		}
		out[name] = d
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.d.Jobs.Get(r.Context(), chi.URLParam(r, "queue"), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, queue.ErrJobNotFound), errors.Is(err, queue.ErrUnknownQueue):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, "queue_unavailable", err.Error())
	default:
		writeJSON(w, http.StatusOK, job)
	}
}

// handleDLQ returns the most recent terminally failed jobs of a queue.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
	jobs, err := s.d.Jobs.Failed(r.Context(), chi.URLParam(r, "queue"), limit)
	switch {
	case errors.Is(err, queue.ErrUnknownQueue):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, "queue_unavailable", err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
	}
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	req, trail, err := s.d.Approvals.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approval": req, "audit": trail})
}

type retryRequest struct {
	Actor string `json:"actor"`
}

func (s *Server) handleRetryApproval(w http.ResponseWriter, r *http.Request) {
	var body retryRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
	}
	out, err := s.d.Approvals.RetryExecution(r.Context(), chi.URLParam(r, "id"), body.Actor)
	var execErr *approval.ExecutionError
	if errors.As(err, &execErr) {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":    "execution_failed",
			"message":  execErr.Err.Error(),
			"approval": out.Request,
		})
		return
	}
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approval": out.Request, "executed": out.Executed})
}

type emailEvent struct {
	Type string `json:"type"`
	Data struct {
		To      recipients `json:"to"`
		Subject string     `json:"subject"`
		Email   *struct {
			To      recipients `json:"to"`
			Subject string     `json:"subject"`
		} `json:"email"`
	} `json:"data"`
}

// recipients accepts either a single address or a list of them.
type recipients []string

func (r *recipients) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		if one != "" {
			*r = recipients{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*r = many
	return nil
}

// emailStatus maps a provider event type onto an email log status.
func emailStatus(eventType string) string {
	t := strings.ToLower(eventType)
	switch {
	case strings.Contains(t, "delivered"):
		return "delivered"
	case strings.Contains(t, "open"):
		return "opened"
	case strings.Contains(t, "click"):
		return "clicked"
	case strings.Contains(t, "bounce"):
		return "bounced"
	case strings.Contains(t, "unsub"):
		return "unsubscribed"
	default:
		return "sent"
	}
}

func (s *Server) emailSecretOK(r *http.Request) bool {
	if s.d.EmailWebhookSecret == "" {
		return false
	}
	got := r.Header.Get("X-Webhook-Secret")
	if got == "" {
		got = r.Header.Get("X-Resend-Signature")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.d.EmailWebhookSecret)) == 1
}

func (s *Server) handleEmailWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.emailSecretOK(r) {
		telemetry.WebhookAuthFailures.WithLabelValues("email").Inc()
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	var evt emailEvent
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&evt); err != nil || evt.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid payload"})
		return
	}

	to, subject := evt.Data.To, evt.Data.Subject
	if evt.Data.Email != nil {
		if len(to) == 0 {
			to = evt.Data.Email.To
		}
		if subject == "" {
			subject = evt.Data.Email.Subject
		}
	}
	if len(to) == 0 || subject == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing recipient or subject"})
		return
	}

	status := emailStatus(evt.Type)
	now := s.d.Now().UTC()
	logs := make([]models.EmailLog, 0, len(to))
	for _, rcpt := range to {
		logs = append(logs, models.EmailLog{
			Recipient: rcpt,
			Subject:   subject,
			EmailType: "campaign",
			Status:    status,
			CreatedAt: now,
		})
	}
	if err := s.d.Emails.LogEmails(r.Context(), logs); err != nil {
		log.Error().Err(err).Str("component", "api").Str("event", evt.Type).Msg("record email event")
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "could not record event")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// writeFault maps a classified error onto a status code.
func writeFault(w http.ResponseWriter, err error) {
	var se *approval.StateError
	if errors.As(err, &se) && se.Reason == approval.ReasonNotFound {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	switch faults.Classify(err) {
	case faults.KindStateConflict:
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case faults.KindPermanent:
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		log.Error().Err(err).Str("component", "api").Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeError(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, map[string]string{"error": kind, "message": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
