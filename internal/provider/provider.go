// Package provider defines the external collaborators the orchestrator calls
// and their production clients. Every client returns failures as
// *faults.ProviderError so callers can decide whether to retry.
package provider

import (
	"context"
	"time"
)

// Logical chat channels.
const (
	ChannelAlerts  = "alerts"
	ChannelUpdates = "updates"
	ChannelWins    = "wins"
)

// Platforms the publisher can post to.
var Platforms = []string{"twitter", "instagram", "telegram"}

// SupportedPlatform reports whether name is a publishable platform.
func SupportedPlatform(name string) bool {
	for _, p := range Platforms {
		if p == name {
			return true
		}
	}
	return false
}

// PublishRequest is one social post across one or more platforms.
type PublishRequest struct {
	Content      string
	Platforms    []string
	MediaURLs    []string
	ScheduledFor *time.Time
}

// PublishResult identifies the created post.
type PublishResult struct {
	PostID string
	Status string
}

// Publisher posts content to social platforms.
type Publisher interface {
	Publish(ctx context.Context, req PublishRequest) (PublishResult, error)
}

// MessageRef identifies a posted chat message.
type MessageRef struct {
	Channel   string
	Timestamp string
}

// MessageSender posts plain text to a logical channel.
type MessageSender interface {
	Send(ctx context.Context, channel, text string) (MessageRef, error)
}

// ApprovalPrompt is the interactive message asking a human to decide.
type ApprovalPrompt struct {
	ApprovalID  string
	Title       string
	Details     string
	RequestedBy string
}

// ApprovalPrompter posts approval prompts with approve and reject actions.
type ApprovalPrompter interface {
	RequestApproval(ctx context.Context, prompt ApprovalPrompt) (MessageRef, error)
}

// Email is one outbound message.
type Email struct {
	From           string
	To             []string
	Subject        string
	HTML           string
	Text           string
	ScheduledAt    *time.Time
	// IdempotencyKey lets the provider drop a repeated submission.
	IdempotencyKey string
}

// EmailReceipt identifies an accepted email.
type EmailReceipt struct {
	ID string
}

// Emailer delivers email.
type Emailer interface {
	Send(ctx context.Context, email Email) (EmailReceipt, error)
}

// DraftRequest describes content to be written.
type DraftRequest struct {
	Brief       string
	Platforms   []string
	ContentType string
}

// Draft is generated post copy.
type Draft struct {
	Title       string
	Content     string
	ImagePrompt string
}

// Drafter writes post copy from a brief.
type Drafter interface {
	Draft(ctx context.Context, req DraftRequest) (Draft, error)
}

// ImageGenerator renders an image and returns its URL.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// ResearchRequest parameterises a research report.
type ResearchRequest struct {
	Topic         string
	Queries       []string
	Competitors   []string
	IncludeTweets bool
	Depth         string
}

// Report is a summarised research or listening result.
type Report struct {
	Title      string
	Summary    string
	Highlights []string
}

// Researcher produces research reports.
type Researcher interface {
	Research(ctx context.Context, req ResearchRequest) (Report, error)
}

// Listener produces the daily social listening digest.
type Listener interface {
	DailyReport(ctx context.Context, day time.Time) (Report, error)
}

func snippet(body []byte) string {
	const max = 500
	if len(body) <= max {
		return string(body)
	}
	return string(body[:max]) + "…"
}
