// Package approval holds sensitive marketing actions behind a human decision.
//
// A request moves pending -> approved|rejected exactly once. Approval then
// starts the gated action at most once; an action that failed, never started
// or whose claim went stale can be re-run explicitly with RetryExecution.
// Side effects that completed are recorded on the request and are not
// repeated by a re-run.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"marketing-orchestrator/internal/events"
	"marketing-orchestrator/internal/faults"
	"marketing-orchestrator/internal/models"
	"marketing-orchestrator/internal/provider"
	"marketing-orchestrator/internal/store"
	"marketing-orchestrator/internal/telemetry"
)

// Store is the persistence the gate needs. *store.Store satisfies it.
type Store interface {
	CreateApproval(ctx context.Context, a models.ApprovalRequest) (models.ApprovalRequest, bool, error)
	GetApproval(ctx context.Context, id string) (models.ApprovalRequest, error)
	SetApprovalCorrelation(ctx context.Context, id, ts string) error
	DecideApproval(ctx context.Context, id string, status models.ApprovalStatus, actor string, at time.Time) (bool, error)
	BeginExecution(ctx context.Context, id string, from models.ExecutionStatus, at, staleBefore time.Time) (bool, error)
	RecordExecutionRef(ctx context.Context, id, ref string) error
	FinishExecution(ctx context.Context, id string, status models.ExecutionStatus, detail string) error
	AppendAudit(ctx context.Context, approvalID, event, detail string) error
	ListAudit(ctx context.Context, approvalID string) ([]models.AuditLog, error)
	GetContentEntry(ctx context.Context, id string) (models.ContentEntry, error)
	MarkContentPublished(ctx context.Context, id, postID, approvedBy string, at time.Time) error
	MarkInfluencerContacted(ctx context.Context, id string, at time.Time) error
}

// Decision is the human verdict on a request.
type Decision string

const (
	Approve Decision = "approve"
	Reject  Decision = "reject"
)

// Config wires a Gate.
type Config struct {
	Store          Store
	Publisher      provider.Publisher
	Emailer        provider.Emailer
	Messages       provider.MessageSender
	Prompter       provider.ApprovalPrompter
	Events         events.Publisher
	TTL            time.Duration // zero means requests never expire
	ExecutionLease time.Duration // how long a claim holds before a retry may take it over; 15m by default
	Now            func() time.Time
}

// Gate implements the approval state machine.
type Gate struct {
	store    Store
	messages provider.MessageSender
	prompter provider.ApprovalPrompter
	events   events.Publisher
	ttl      time.Duration
	lease    time.Duration
	now      func() time.Time
	env      *env
}

// New creates a Gate.
func New(cfg Config) *Gate {
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	ev := cfg.Events
	if ev == nil {
		ev = events.Discard{}
	}
	lease := cfg.ExecutionLease
	if lease <= 0 {
		lease = 15 * time.Minute
	}
	return &Gate{
		store:    cfg.Store,
		messages: cfg.Messages,
		prompter: cfg.Prompter,
		events:   ev,
		ttl:      cfg.TTL,
		lease:    lease,
		now:      now,
		env: &env{
			store:     cfg.Store,
			publisher: cfg.Publisher,
			emailer:   cfg.Emailer,
			now:       now,
		},
	}
}

// NewRequest describes an action awaiting sign-off.
type NewRequest struct {
	Type        models.RequestType
	RequestedBy string
	Title       string
	// Summary is the human-readable body of the prompt.
	Summary string
	// Details are the action parameters, stored as JSON.
	Details any
	// SourceKey makes Request idempotent for a producing job.
	SourceKey string
}

// Outcome is the result of a decision.
type Outcome struct {
	Request  models.ApprovalRequest `json:"request"`
	Executed bool                   `json:"executed"`
}

// Request persists a pending approval and posts the interactive prompt. A
// repeated call with the same SourceKey returns the existing request and only
// re-posts the prompt if the earlier post never completed.
func (g *Gate) Request(ctx context.Context, nr NewRequest) (models.ApprovalRequest, error) {
	details, err := json.Marshal(nr.Details)
	if err != nil {
		return models.ApprovalRequest{}, faults.Invalid("details", err.Error())
	}
	if nr.Details == nil {
		details = []byte("{}")
	}
	if _, err := ParseAction(models.ApprovalRequest{RequestType: nr.Type, Details: details}); err != nil {
		return models.ApprovalRequest{}, err
	}

	req := models.ApprovalRequest{
		RequestType: nr.Type,
		RequestedBy: nr.RequestedBy,
		Title:       nr.Title,
		Details:     details,
		Status:      models.ApprovalPending,
		SourceKey:   nr.SourceKey,
		CreatedAt:   g.now(),
	}
	if g.ttl > 0 {
		exp := req.CreatedAt.Add(g.ttl)
		req.ExpiresAt = &exp
	}

	saved, created, err := g.store.CreateApproval(ctx, req)
	if err != nil {
		return models.ApprovalRequest{}, fmt.Errorf("create approval: %w", err)
	}
	if !created && saved.CorrelationID != "" {
		return saved, nil
	}

	ref, err := g.prompter.RequestApproval(ctx, provider.ApprovalPrompt{
		ApprovalID:  saved.ID,
		Title:       saved.Title,
		Details:     nr.Summary,
		RequestedBy: saved.RequestedBy,
	})
	if err != nil {
		return saved, fmt.Errorf("post approval prompt: %w", err)
	}
	if err := g.store.SetApprovalCorrelation(ctx, saved.ID, ref.Timestamp); err != nil {
		return saved, fmt.Errorf("store approval correlation: %w", err)
	}
	saved.CorrelationID = ref.Timestamp

	g.audit(ctx, saved.ID, "requested", saved.RequestedBy)
	g.events.Publish(ctx, events.Event{Type: events.ApprovalRequested, Data: saved})
	log.Info().Str("component", "approval").Str("approval_id", saved.ID).
		Str("type", string(saved.RequestType)).Bool("created", created).Msg("approval requested")
	return saved, nil
}

// Get returns a request with its audit trail.
func (g *Gate) Get(ctx context.Context, id string) (models.ApprovalRequest, []models.AuditLog, error) {
	req, err := g.store.GetApproval(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.ApprovalRequest{}, nil, &StateError{ID: id, Reason: ReasonNotFound}
	}
	if err != nil {
		return models.ApprovalRequest{}, nil, err
	}
	trail, err := g.store.ListAudit(ctx, id)
	if err != nil {
		return req, nil, err
	}
	return req, trail, nil
}

// Resolve commits decision for a pending request and, on approval, runs the
// gated action. Requests that are missing, already decided or expired yield
// a *StateError and nothing is executed. A failed action is reported as an
// *ExecutionError after the decision has been committed.
func (g *Gate) Resolve(ctx context.Context, id string, decision Decision, actor string) (Outcome, error) {
	var status models.ApprovalStatus
	switch decision {
	case Approve:
		status = models.ApprovalApproved
	case Reject:
		status = models.ApprovalRejected
	default:
		return Outcome{}, faults.Invalid("decision", fmt.Sprintf("unknown decision %q", decision))
	}
	if actor == "" {
		actor = "unknown-user"
	}

	// Everything after the decision works from this copy, so a committed
	// decision never depends on another read succeeding.
	req, err := g.store.GetApproval(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		telemetry.ApprovalConflicts.Inc()
		return Outcome{}, &StateError{ID: id, Reason: ReasonNotFound}
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("load approval: %w", err)
	}

	at := g.now()
	decided, err := g.store.DecideApproval(ctx, id, status, actor, at)
	if err != nil {
		return Outcome{}, err
	}
	if !decided {
		return Outcome{}, g.conflict(ctx, id)
	}
	req.Status, req.ApprovedBy, req.ApprovedAt = status, actor, &at

	telemetry.ApprovalDecisions.WithLabelValues(string(status)).Inc()
	g.audit(ctx, id, string(status), actor)
	g.events.Publish(ctx, events.Event{Type: events.ApprovalDecided, Data: req})
	log.Info().Str("component", "approval").Str("approval_id", id).
		Str("decision", string(status)).Str("actor", actor).Msg("approval decided")

	if status == models.ApprovalRejected {
		g.notify(ctx, fmt.Sprintf("❌ %s was rejected by %s", req.Title, actor))
		return Outcome{Request: req}, nil
	}
	return g.run(ctx, req, actor)
}

// RetryExecution re-runs the gated action of an approved request whose
// execution failed, never started, or was claimed longer than the execution
// lease ago. Completed side effects are skipped.
func (g *Gate) RetryExecution(ctx context.Context, id, actor string) (Outcome, error) {
	req, err := g.store.GetApproval(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return Outcome{}, &StateError{ID: id, Reason: ReasonNotFound}
	}
	if err != nil {
		return Outcome{}, err
	}
	if req.Status != models.ApprovalApproved || req.Execution == models.ExecutionDone {
		telemetry.ApprovalConflicts.Inc()
		return Outcome{Request: req}, &StateError{ID: id, Reason: ReasonNotRetryable}
	}
	if actor == "" {
		actor = req.ApprovedBy
	}
	g.audit(ctx, id, "retry", actor)
	return g.run(ctx, req, actor)
}

func (g *Gate) run(ctx context.Context, req models.ApprovalRequest, actor string) (Outcome, error) {
	// The action must not be torn down halfway by a client disconnect.
	ctx = context.WithoutCancel(ctx)

	at := g.now()
	started, err := g.store.BeginExecution(ctx, req.ID, req.Execution, at, at.Add(-g.lease))
	if err != nil {
		return g.failed(ctx, req, actor, fmt.Errorf("claim execution: %w", err))
	}
	if !started {
		telemetry.ApprovalConflicts.Inc()
		return Outcome{Request: req}, &StateError{ID: req.ID, Reason: ReasonAlreadyRunning}
	}
	req.Execution, req.ExecutionStartedAt = models.ExecutionRunning, &at

	action, err := ParseAction(req)
	if err == nil {
		err = action.execute(ctx, g.env, &attempt{
			approvalID: req.ID,
			actor:      actor,
			ref:        req.ExecutionRef,
			record:     func(ref string) { g.recordRef(ctx, req.ID, ref) },
		})
	}
	if err != nil {
		return g.failed(ctx, req, actor, err)
	}

	if ferr := g.store.FinishExecution(ctx, req.ID, models.ExecutionDone, ""); ferr != nil {
		log.Error().Err(ferr).Str("component", "approval").Str("approval_id", req.ID).Msg("record execution success")
	}
	req.Execution, req.ExecutionError = models.ExecutionDone, ""

	g.audit(ctx, req.ID, string(models.ExecutionDone), actor)
	g.events.Publish(ctx, events.Event{Type: events.ApprovalExecuted, Data: req})
	g.notify(ctx, fmt.Sprintf("✅ %s was approved by %s and executed", req.Title, actor))
	return Outcome{Request: req, Executed: true}, nil
}

// failed records a failed execution and tells the updates channel. When the
// failure itself cannot be stored the row keeps its earlier execution state,
// which RetryExecution also accepts.
func (g *Gate) failed(ctx context.Context, req models.ApprovalRequest, actor string, err error) (Outcome, error) {
	msg := err.Error()
	if ferr := g.store.FinishExecution(ctx, req.ID, models.ExecutionFailed, msg); ferr != nil {
		log.Error().Err(ferr).Str("component", "approval").Str("approval_id", req.ID).Msg("record execution failure")
	}
	req.Execution, req.ExecutionError = models.ExecutionFailed, msg

	telemetry.GatedActionFailures.WithLabelValues(string(req.RequestType)).Inc()
	g.audit(ctx, req.ID, string(models.ExecutionFailed), msg)
	g.events.Publish(ctx, events.Event{Type: events.ApprovalExecuted, Data: req})
	log.Error().Err(err).Str("component", "approval").Str("approval_id", req.ID).
		Str("type", string(req.RequestType)).Msg("gated action failed")
	g.notify(ctx, fmt.Sprintf("⚠️ %s was approved by %s but execution failed: %s", req.Title, actor, msg))
	return Outcome{Request: req}, &ExecutionError{ID: req.ID, Err: err}
}

func (g *Gate) recordRef(ctx context.Context, id, ref string) {
	if err := g.store.RecordExecutionRef(ctx, id, ref); err != nil {
		log.Error().Err(err).Str("component", "approval").Str("approval_id", id).Str("ref", ref).
			Msg("record side effect; a retry may repeat it")
	}
}

// conflict works out why a conditional decision matched nothing.
func (g *Gate) conflict(ctx context.Context, id string) error {
	telemetry.ApprovalConflicts.Inc()
	req, err := g.store.GetApproval(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return &StateError{ID: id, Reason: ReasonNotFound}
	case err != nil:
		return err
	case req.Status != models.ApprovalPending:
		return &StateError{ID: id, Reason: "already " + string(req.Status)}
	case req.Expired(g.now()):
		return &StateError{ID: id, Reason: ReasonExpired}
	default:
		return &StateError{ID: id, Reason: "not pending"}
	}
}

func (g *Gate) notify(ctx context.Context, text string) {
	if g.messages == nil {
		return
	}
	if _, err := g.messages.Send(ctx, provider.ChannelUpdates, text); err != nil {
		telemetry.NotifyFailures.WithLabelValues("decision").Inc()
		log.Warn().Err(err).Str("component", "approval").Msg("decision notification failed")
	}
}

func (g *Gate) audit(ctx context.Context, id, event, detail string) {
	if err := g.store.AppendAudit(ctx, id, event, detail); err != nil {
		log.Warn().Err(err).Str("component", "approval").Str("approval_id", id).Str("event", event).Msg("audit append failed")
	}
}
