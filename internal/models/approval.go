package models

import (
	"encoding/json"
	"time"
)

// RequestType tags the kind of gated action an approval guards.
type RequestType string

const (
	RequestContent  RequestType = "content"
	RequestEmail    RequestType = "email"
	RequestOutreach RequestType = "outreach"
	RequestSpend    RequestType = "spend"
)

// ApprovalStatus is the human decision state. pending is the only non-terminal value.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ExecutionStatus tracks the gated action of an approved request.
type ExecutionStatus string

const (
	ExecutionNone    ExecutionStatus = ""
	ExecutionRunning ExecutionStatus = "executing"
	ExecutionDone    ExecutionStatus = "executed"
	ExecutionFailed  ExecutionStatus = "execution_failed"
)

// ApprovalRequest is a persisted request for human sign-off.
type ApprovalRequest struct {
	ID                 string          `json:"id"`
	RequestType        RequestType     `json:"request_type"`
	RequestedBy        string          `json:"requested_by"`
	Title              string          `json:"title"`
	Details            json.RawMessage `json:"details"`
	Status             ApprovalStatus  `json:"status"`
	CorrelationID      string          `json:"correlation_id,omitempty"`
	ApprovedBy         string          `json:"approved_by,omitempty"`
	ApprovedAt         *time.Time      `json:"approved_at,omitempty"`
	ExpiresAt          *time.Time      `json:"expires_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	Execution          ExecutionStatus `json:"execution,omitempty"`
	ExecutionError     string          `json:"execution_error,omitempty"`
	ExecutionStartedAt *time.Time      `json:"execution_started_at,omitempty"`
	ExecutionRef       string          `json:"execution_ref,omitempty"` // provider reference of a completed side effect
	SourceKey          string          `json:"source_key,omitempty"`
}

// Expired reports whether the request can no longer be decided at now.
func (a ApprovalRequest) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !now.Before(*a.ExpiresAt)
}

// AuditLog is a simple audit event row for approvals.
type AuditLog struct {
	ApprovalID string    `json:"approval_id"`
	Event      string    `json:"event"`
	Detail     string    `json:"detail"`
	Recorded   time.Time `json:"recorded_at"`
}
