package models

import "time"

// Content calendar statuses.
const (
	ContentDraft           = "draft"
	ContentPendingApproval = "pending_approval"
	ContentScheduled       = "scheduled"
	ContentPublished       = "published"
	ContentFailed          = "failed"
)

// ContentEntry is a row of the content calendar.
type ContentEntry struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Content         string     `json:"content"`
	Platform        string     `json:"platform"`
	ContentType     string     `json:"content_type"`
	Status          string     `json:"status"`
	ScheduledFor    *time.Time `json:"scheduled_for,omitempty"`
	PublishedAt     *time.Time `json:"published_at,omitempty"`
	MediaURLs       []string   `json:"media_urls,omitempty"`
	CampaignID      string     `json:"campaign_id,omitempty"`
	PublisherPostID string     `json:"publisher_post_id,omitempty"`
	CreatedBy       string     `json:"created_by"`
	ApprovedBy      string     `json:"approved_by,omitempty"`
	SourceJobID     string     `json:"source_job_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Influencer statuses used by outreach.
const (
	InfluencerIdentified = "identified"
	InfluencerContacted  = "contacted"
)

// Influencer is an outreach contact.
type Influencer struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Handle          string     `json:"handle"`
	Platform        string     `json:"platform"`
	ContactEmail    string     `json:"contact_email,omitempty"`
	Status          string     `json:"status"`
	LastContactedAt *time.Time `json:"last_contacted_at,omitempty"`
}

// EmailLog records one delivery event for one recipient.
type EmailLog struct {
	Recipient  string    `json:"recipient"`
	Subject    string    `json:"subject"`
	EmailType  string    `json:"email_type"`
	Status     string    `json:"status"`
	CampaignID string    `json:"campaign_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
