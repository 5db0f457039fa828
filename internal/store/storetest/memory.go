// Package storetest provides an in-memory stand-in for the Postgres store
// with the same conditional-update semantics.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketing-orchestrator/internal/models"
	"marketing-orchestrator/internal/store"
)

// Memory is safe for concurrent use.
type Memory struct {
	mu          sync.Mutex
	Approvals   map[string]models.ApprovalRequest
	Audit       []models.AuditLog
	Content     map[string]models.ContentEntry
	Influencers map[string]models.Influencer
	Emails      []models.EmailLog
}

// New returns an empty store.
func New() *Memory {
	return &Memory{
		Approvals:   make(map[string]models.ApprovalRequest),
		Content:     make(map[string]models.ContentEntry),
		Influencers: make(map[string]models.Influencer),
	}
}

func notFound(kind, id string) error { return fmt.Errorf("%s %s: %w", kind, id, store.ErrNotFound) }

func (m *Memory) CreateApproval(_ context.Context, a models.ApprovalRequest) (models.ApprovalRequest, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.SourceKey != "" {
		for _, existing := range m.Approvals {
			if existing.SourceKey == a.SourceKey {
				return existing, false, nil
			}
		}
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = models.ApprovalPending
	}
	m.Approvals[a.ID] = a
	return a, true, nil
}

func (m *Memory) GetApproval(_ context.Context, id string) (models.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Approvals[id]
	if !ok {
		return models.ApprovalRequest{}, notFound("approval", id)
	}
	return a, nil
}

func (m *Memory) SetApprovalCorrelation(_ context.Context, id, ts string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Approvals[id]
	if !ok {
		return notFound("approval", id)
	}
	a.CorrelationID = ts
	m.Approvals[id] = a
	return nil
}

func (m *Memory) DecideApproval(_ context.Context, id string, status models.ApprovalStatus, actor string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Approvals[id]
	if !ok || a.Status != models.ApprovalPending || a.Expired(at) {
		return false, nil
	}
	a.Status = status
	a.ApprovedBy = actor
	a.ApprovedAt = &at
	m.Approvals[id] = a
	return true, nil
}

func (m *Memory) BeginExecution(_ context.Context, id string, from models.ExecutionStatus, at, staleBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Approvals[id]
	if !ok || a.Status != models.ApprovalApproved || a.Execution != from {
		return false, nil
	}
	if from == models.ExecutionRunning && a.ExecutionStartedAt != nil && !a.ExecutionStartedAt.Before(staleBefore) {
		return false, nil
	}
	a.Execution = models.ExecutionRunning
	a.ExecutionError = ""
	a.ExecutionStartedAt = &at
	m.Approvals[id] = a
	return true, nil
}

func (m *Memory) RecordExecutionRef(_ context.Context, id, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Approvals[id]
	if !ok {
		return notFound("approval", id)
	}
	a.ExecutionRef = ref
	m.Approvals[id] = a
	return nil
}

func (m *Memory) FinishExecution(_ context.Context, id string, status models.ExecutionStatus, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Approvals[id]
	if !ok {
		return notFound("approval", id)
	}
	a.Execution = status
	a.ExecutionError = detail
	m.Approvals[id] = a
	return nil
}

func (m *Memory) AppendAudit(_ context.Context, approvalID, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Audit = append(m.Audit, models.AuditLog{ApprovalID: approvalID, Event: event, Detail: detail, Recorded: time.Now().UTC()})
	return nil
}

func (m *Memory) ListAudit(_ context.Context, approvalID string) ([]models.AuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditLog
	for _, l := range m.Audit {
		if l.ApprovalID == approvalID {
			out = append(out, l)
		}
	}
	return out, nil
}

// Events returns the audit event names recorded for an approval.
func (m *Memory) Events(approvalID string) []string {
	logs, _ := m.ListAudit(context.Background(), approvalID)
	out := make([]string, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.Event)
	}
	return out
}

func (m *Memory) SaveContentEntry(_ context.Context, e models.ContentEntry) (models.ContentEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.SourceJobID != "" {
		for _, existing := range m.Content {
			if existing.SourceJobID == e.SourceJobID {
				return existing, nil
			}
		}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = models.ContentDraft
	}
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	m.Content[e.ID] = e
	return e, nil
}

func (m *Memory) GetContentEntry(_ context.Context, id string) (models.ContentEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.Content[id]
	if !ok {
		return models.ContentEntry{}, notFound("content entry", id)
	}
	return e, nil
}

func (m *Memory) UpdateContentStatus(_ context.Context, id, status, postID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.Content[id]
	if !ok {
		return notFound("content entry", id)
	}
	e.Status = status
	if postID != "" {
		e.PublisherPostID = postID
	}
	m.Content[id] = e
	return nil
}

func (m *Memory) MarkContentPublished(_ context.Context, id, postID, approvedBy string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.Content[id]
	if !ok {
		return notFound("content entry", id)
	}
	e.Status = models.ContentPublished
	e.PublisherPostID = postID
	e.ApprovedBy = approvedBy
	e.PublishedAt = &at
	m.Content[id] = e
	return nil
}

func (m *Memory) GetInfluencer(_ context.Context, id string) (models.Influencer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inf, ok := m.Influencers[id]
	if !ok {
		return models.Influencer{}, notFound("influencer", id)
	}
	return inf, nil
}

func (m *Memory) MarkInfluencerContacted(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inf, ok := m.Influencers[id]
	if !ok {
		return notFound("influencer", id)
	}
	inf.Status = models.InfluencerContacted
	inf.LastContactedAt = &at
	m.Influencers[id] = inf
	return nil
}

func (m *Memory) LogEmails(_ context.Context, logs []models.EmailLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Emails = append(m.Emails, logs...)
	return nil
}
