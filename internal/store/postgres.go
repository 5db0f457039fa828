package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketing-orchestrator/internal/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres and verifies it.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const approvalColumns = `id, request_type, requested_by, title, details, status, slack_message_ts, approved_by,
	approved_at, expires_at, execution, execution_error, source_key, created_at, execution_started_at, execution_ref`

// CreateApproval inserts a pending approval. When SourceKey is set and a row
// with the same key exists, that row is returned with created=false.
func (s *Store) CreateApproval(ctx context.Context, a models.ApprovalRequest) (models.ApprovalRequest, bool, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = models.ApprovalPending
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	details := []byte(a.Details)
	if len(details) == 0 {
		details = []byte("{}")
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO approval_queue (id, request_type, requested_by, title, details, status, expires_at, source_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (source_key) WHERE source_key IS NOT NULL DO NOTHING
		RETURNING `+approvalColumns,
		a.ID, string(a.RequestType), a.RequestedBy, a.Title, details, string(a.Status), a.ExpiresAt, emptyToNil(a.SourceKey), a.CreatedAt)
	created, err := scanApproval(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return models.ApprovalRequest{}, false, fmt.Errorf("insert approval: %w", err)
	}

	existing, found, err := s.FindApprovalBySource(ctx, a.SourceKey)
	if err != nil {
		return models.ApprovalRequest{}, false, err
	}
	if !found {
		return models.ApprovalRequest{}, false, errors.New("source key conflict but no existing approval found")
	}
	return existing, false, nil
}

// FindApprovalBySource looks up the approval created for a source key.
func (s *Store) FindApprovalBySource(ctx context.Context, key string) (models.ApprovalRequest, bool, error) {
	if key == "" {
		return models.ApprovalRequest{}, false, nil
	}
	a, err := scanApproval(s.pool.QueryRow(ctx, `SELECT `+approvalColumns+` FROM approval_queue WHERE source_key = $1`, key))
	if errors.Is(err, ErrNotFound) {
		return models.ApprovalRequest{}, false, nil
	}
	if err != nil {
		return models.ApprovalRequest{}, false, fmt.Errorf("query approval by source: %w", err)
	}
	return a, true, nil
}

// GetApproval fetches an approval by id.
func (s *Store) GetApproval(ctx context.Context, id string) (models.ApprovalRequest, error) {
	a, err := scanApproval(s.pool.QueryRow(ctx, `SELECT `+approvalColumns+` FROM approval_queue WHERE id = $1`, id))
	if err != nil {
		return models.ApprovalRequest{}, fmt.Errorf("approval %s: %w", id, err)
	}
	return a, nil
}

// SetApprovalCorrelation stores the chat message timestamp of the prompt.
func (s *Store) SetApprovalCorrelation(ctx context.Context, id, ts string) error {
	_, err := s.pool.Exec(ctx, `UPDATE approval_queue SET slack_message_ts = $2 WHERE id = $1`, id, ts)
	return err
}

// DecideApproval moves a pending, unexpired approval to status. It reports
// false when no row matched, leaving the caller to find out why.
func (s *Store) DecideApproval(ctx context.Context, id string, status models.ApprovalStatus, actor string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE approval_queue
		SET status = $2, approved_by = $3, approved_at = $4
		WHERE id = $1 AND status = 'pending' AND (expires_at IS NULL OR expires_at > $4)
	`, id, string(status), actor, at)
	if err != nil {
		return false, fmt.Errorf("decide approval: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// BeginExecution claims the gated action of an approved request whose
// execution state is from. A claim in the executing state only succeeds when
// it started before staleBefore.
func (s *Store) BeginExecution(ctx context.Context, id string, from models.ExecutionStatus, at, staleBefore time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE approval_queue
		SET execution = $3, execution_error = NULL, execution_started_at = $4
		WHERE id = $1 AND status = 'approved' AND execution = $2
		  AND ($2 <> $3 OR execution_started_at IS NULL OR execution_started_at < $5)
	`, id, string(from), string(models.ExecutionRunning), at, staleBefore)
	if err != nil {
		return false, fmt.Errorf("begin execution: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordExecutionRef stores the provider reference of a completed side effect
// so a later attempt can skip it.
func (s *Store) RecordExecutionRef(ctx context.Context, id, ref string) error {
	_, err := s.pool.Exec(ctx, `UPDATE approval_queue SET execution_ref = $2 WHERE id = $1`, id, ref)
	if err != nil {
		return fmt.Errorf("record execution ref: %w", err)
	}
	return nil
}

// FinishExecution records the outcome of a gated action.
func (s *Store) FinishExecution(ctx context.Context, id string, status models.ExecutionStatus, detail string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE approval_queue SET execution = $2, execution_error = $3 WHERE id = $1
	`, id, string(status), emptyToNil(detail))
	return err
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, approvalID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (approval_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, approvalID, event, detail)
	return err
}

// ListAudit returns the audit trail of an approval, oldest first.
func (s *Store) ListAudit(ctx context.Context, approvalID string) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT approval_id, event, detail, ts FROM audit_logs WHERE approval_id = $1 ORDER BY id
	`, approvalID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.AuditLog, error) {
		var l models.AuditLog
		err := row.Scan(&l.ApprovalID, &l.Event, &l.Detail, &l.Recorded)
		return l, err
	})
}

const contentColumns = `id, title, content, platform, content_type, status, scheduled_for, published_at, media_urls,
	campaign_id, late_dev_post_id, created_by, approved_by, source_job_id, created_at, updated_at`

// SaveContentEntry inserts a calendar entry. An entry already created for the
// same SourceJobID is returned unchanged, so retried jobs do not duplicate rows.
func (s *Store) SaveContentEntry(ctx context.Context, e models.ContentEntry) (models.ContentEntry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = models.ContentDraft
	}
	if e.MediaURLs == nil {
		e.MediaURLs = []string{}
	}
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO content_calendar (id, title, content, platform, content_type, status, scheduled_for, media_urls,
			campaign_id, created_by, source_job_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		ON CONFLICT (source_job_id) WHERE source_job_id IS NOT NULL
		DO UPDATE SET updated_at = content_calendar.updated_at
		RETURNING `+contentColumns,
		e.ID, e.Title, e.Content, e.Platform, e.ContentType, e.Status, e.ScheduledFor, e.MediaURLs,
		emptyToNil(e.CampaignID), e.CreatedBy, emptyToNil(e.SourceJobID), now)
	saved, err := scanContent(row)
	if err != nil {
		return models.ContentEntry{}, fmt.Errorf("save content entry: %w", err)
	}
	return saved, nil
}

// GetContentEntry fetches a calendar entry by id.
func (s *Store) GetContentEntry(ctx context.Context, id string) (models.ContentEntry, error) {
	e, err := scanContent(s.pool.QueryRow(ctx, `SELECT `+contentColumns+` FROM content_calendar WHERE id = $1`, id))
	if err != nil {
		return models.ContentEntry{}, fmt.Errorf("content entry %s: %w", id, err)
	}
	return e, nil
}

// UpdateContentStatus sets the workflow status and, when given, the publisher post id.
func (s *Store) UpdateContentStatus(ctx context.Context, id, status, postID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE content_calendar
		SET status = $2, late_dev_post_id = COALESCE($3, late_dev_post_id), updated_at = NOW()
		WHERE id = $1
	`, id, status, emptyToNil(postID))
	return err
}

// MarkContentPublished records a successful publish of an approved entry.
func (s *Store) MarkContentPublished(ctx context.Context, id, postID, approvedBy string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE content_calendar
		SET status = $2, published_at = $3, late_dev_post_id = $4, approved_by = $5, updated_at = NOW()
		WHERE id = $1
	`, id, models.ContentPublished, at, emptyToNil(postID), approvedBy)
	if err != nil {
		return fmt.Errorf("mark content published: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("content entry %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetInfluencer fetches an outreach contact by id.
func (s *Store) GetInfluencer(ctx context.Context, id string) (models.Influencer, error) {
	var inf models.Influencer
	var email pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, handle, platform, contact_email, status, last_contacted_at FROM influencers WHERE id = $1
	`, id).Scan(&inf.ID, &inf.Name, &inf.Handle, &inf.Platform, &email, &inf.Status, &inf.LastContactedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Influencer{}, fmt.Errorf("influencer %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Influencer{}, fmt.Errorf("scan influencer: %w", err)
	}
	inf.ContactEmail = email.String
	return inf, nil
}

// MarkInfluencerContacted records that outreach was sent.
func (s *Store) MarkInfluencerContacted(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE influencers SET status = $2, last_contacted_at = $3, updated_at = NOW() WHERE id = $1
	`, id, models.InfluencerContacted, at)
	if err != nil {
		return fmt.Errorf("mark influencer contacted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("influencer %s: %w", id, ErrNotFound)
	}
	return nil
}

// LogEmails records delivery events in one round trip.
func (s *Store) LogEmails(ctx context.Context, logs []models.EmailLog) error {
	if len(logs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, l := range logs {
		created := l.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		batch.Queue(`
			INSERT INTO email_log (recipient, subject, email_type, status, campaign_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, l.Recipient, l.Subject, l.EmailType, l.Status, emptyToNil(l.CampaignID), created)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert email log: %w", err)
	}
	return nil
}

func scanApproval(row pgx.Row) (models.ApprovalRequest, error) {
	var a models.ApprovalRequest
	var details []byte
	var reqType, status, execution string
	var ts, approvedBy, execErr, sourceKey, execRef pgtype.Text
	err := row.Scan(&a.ID, &reqType, &a.RequestedBy, &a.Title, &details, &status, &ts, &approvedBy,
		&a.ApprovedAt, &a.ExpiresAt, &execution, &execErr, &sourceKey, &a.CreatedAt, &a.ExecutionStartedAt, &execRef)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ApprovalRequest{}, ErrNotFound
	}
	if err != nil {
		return models.ApprovalRequest{}, fmt.Errorf("scan approval: %w", err)
	}
	a.RequestType = models.RequestType(reqType)
	a.Status = models.ApprovalStatus(status)
	a.Execution = models.ExecutionStatus(execution)
	a.Details = json.RawMessage(details)
	a.CorrelationID = ts.String
	a.ApprovedBy = approvedBy.String
	a.ExecutionError = execErr.String
	a.SourceKey = sourceKey.String
	a.ExecutionRef = execRef.String
	return a, nil
}

func scanContent(row pgx.Row) (models.ContentEntry, error) {
	var e models.ContentEntry
	var campaign, postID, approvedBy, sourceJob pgtype.Text
	err := row.Scan(&e.ID, &e.Title, &e.Content, &e.Platform, &e.ContentType, &e.Status, &e.ScheduledFor, &e.PublishedAt,
		&e.MediaURLs, &campaign, &postID, &e.CreatedBy, &approvedBy, &sourceJob, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ContentEntry{}, ErrNotFound
	}
	if err != nil {
		return models.ContentEntry{}, fmt.Errorf("scan content entry: %w", err)
	}
	e.CampaignID = campaign.String
	e.PublisherPostID = postID.String
	e.ApprovedBy = approvedBy.String
	e.SourceJobID = sourceJob.String
	return e, nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
