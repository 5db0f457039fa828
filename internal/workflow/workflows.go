// Package workflow holds the job handlers that turn queued marketing work
// into drafts, approval requests and provider calls.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"marketing-orchestrator/internal/approval"
	"marketing-orchestrator/internal/faults"
	"marketing-orchestrator/internal/models"
	"marketing-orchestrator/internal/provider"
	"marketing-orchestrator/internal/queue"
	"marketing-orchestrator/internal/store"
	"marketing-orchestrator/internal/worker"
)

// Store is the persistence workflows use. *store.Store satisfies it.
type Store interface {
	SaveContentEntry(ctx context.Context, e models.ContentEntry) (models.ContentEntry, error)
	UpdateContentStatus(ctx context.Context, id, status, postID string) error
	GetInfluencer(ctx context.Context, id string) (models.Influencer, error)
	MarkInfluencerContacted(ctx context.Context, id string, at time.Time) error
	LogEmails(ctx context.Context, logs []models.EmailLog) error
}

// Approvals opens approval requests. *approval.Gate satisfies it.
type Approvals interface {
	Request(ctx context.Context, nr approval.NewRequest) (models.ApprovalRequest, error)
}

// MediaPreparer normalises an image for the target platforms and returns its
// public URL. *media.Pipeline satisfies it.
type MediaPreparer interface {
	Prepare(ctx context.Context, sourceURL string, platforms []string, key string) (string, error)
}

// Deps are the collaborators of the workflows. Media may be nil, in which
// case source images are published as-is.
type Deps struct {
	Store       Store
	Approvals   Approvals
	Drafter     provider.Drafter
	Images      provider.ImageGenerator
	Media       MediaPreparer
	Publisher   provider.Publisher
	Emailer     provider.Emailer
	Messages    provider.MessageSender
	Researcher  provider.Researcher
	Listener    provider.Listener
	Competitors []string
	Now         func() time.Time
}

// Workflows implements the job handlers.
type Workflows struct {
	d Deps
}

// New creates the workflows.
func New(d Deps) *Workflows {
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Workflows{d: d}
}

// Register installs the handlers belonging to the pool's queue.
func (w *Workflows) Register(p *worker.Pool) {
	switch p.Queue() {
	case queue.Content:
		p.RegisterHandler(JobCreateContent, w.CreateContent)
	case queue.Email:
		p.RegisterHandler(JobSendCampaign, w.SendCampaign)
		p.RegisterHandler(JobRequestOutreach, w.RequestOutreach)
	case queue.Research:
		p.RegisterHandler(JobResearchReport, w.ResearchReport)
		p.RegisterHandler(JobWeeklyCompetitors, w.WeeklyCompetitors)
	case queue.SocialListening:
		p.RegisterHandler(JobDailyReport, w.DailyReport)
	}
}

// Configured reports whether the collaborator behind jobName is available in
// this deployment. Jobs backed by a provider.Unavailable stand-in are not.
func (w *Workflows) Configured(jobName string) bool {
	switch jobName {
	case JobDailyReport:
		return configured(w.d.Listener)
	case JobResearchReport, JobWeeklyCompetitors:
		return configured(w.d.Researcher)
	}
	return true
}

func configured(collaborator any) bool {
	if collaborator == nil {
		return false
	}
	_, stub := collaborator.(provider.Unavailable)
	return !stub
}

// CreateContent drafts post copy, prepares media, records a calendar entry
// and then publishes directly or requests approval.
func (w *Workflows) CreateContent(ctx context.Context, job models.Job) error {
	p, err := Decode[CreateContent](job)
	if err != nil {
		return err
	}
	if p.ContentType == "" {
		p.ContentType = "post"
	}

	draft, err := w.d.Drafter.Draft(ctx, provider.DraftRequest{Brief: p.Brief, Platforms: p.Platforms, ContentType: p.ContentType})
	if err != nil {
		return fmt.Errorf("draft content: %w", err)
	}

	mediaURL, err := w.media(ctx, job, p, draft)
	if err != nil {
		return err
	}

	status := models.ContentPendingApproval
	if p.AutoApprove {
		status = models.ContentDraft
	}
	entry := models.ContentEntry{
		Title:        draft.Title,
		Content:      draft.Content,
		Platform:     p.Platforms[0],
		ContentType:  p.ContentType,
		Status:       status,
		ScheduledFor: p.ScheduledFor,
		CampaignID:   p.CampaignID,
		CreatedBy:    "content_manager",
		SourceJobID:  job.ID,
	}
	if mediaURL != "" {
		entry.MediaURLs = []string{mediaURL}
	}
	entry, err = w.d.Store.SaveContentEntry(ctx, entry)
	if err != nil {
		return fmt.Errorf("save calendar entry: %w", err)
	}
	logger := log.With().Str("component", "workflow").Str("job_id", job.ID).Str("calendar_entry", entry.ID).Logger()

	if !p.AutoApprove {
		title := fmt.Sprintf("New %s for %s", p.ContentType, strings.Join(p.Platforms, ", "))
		req, err := w.d.Approvals.Request(ctx, approval.NewRequest{
			Type:        models.RequestContent,
			RequestedBy: "Content Manager",
			Title:       title,
			Summary:     provider.Truncate(entry.Content, 280),
			Details:     approval.ContentAction{CalendarEntryID: entry.ID, Platforms: p.Platforms, MediaURL: mediaURL},
			SourceKey:   "content:" + job.ID,
		})
		if err != nil {
			return fmt.Errorf("request content approval: %w", err)
		}
		logger.Info().Str("approval_id", req.ID).Msg("content awaiting approval")
		return nil
	}

	if entry.PublisherPostID != "" {
		// Published on an earlier attempt; only the status update is missing.
		return w.d.Store.UpdateContentStatus(ctx, entry.ID, models.ContentScheduled, entry.PublisherPostID)
	}
	var media []string
	if len(entry.MediaURLs) > 0 {
		media = entry.MediaURLs[:1]
	}
	res, err := w.d.Publisher.Publish(ctx, provider.PublishRequest{
		Content:      entry.Content,
		Platforms:    p.Platforms,
		MediaURLs:    media,
		ScheduledFor: p.ScheduledFor,
	})
	if err != nil {
		return fmt.Errorf("publish content: %w", err)
	}
	if err := w.d.Store.UpdateContentStatus(ctx, entry.ID, models.ContentScheduled, res.PostID); err != nil {
		return fmt.Errorf("mark content scheduled: %w", err)
	}
	logger.Info().Str("post_id", res.PostID).Msg("content published without approval")
	return nil
}

func (w *Workflows) media(ctx context.Context, job models.Job, p CreateContent, draft provider.Draft) (string, error) {
	source := p.MediaURL
	if source == "" && p.IncludeImage {
		generated, err := w.d.Images.Generate(ctx, draft.ImagePrompt)
		if err != nil {
			return "", fmt.Errorf("generate image: %w", err)
		}
		source = generated
	}
	if source == "" || w.d.Media == nil {
		return source, nil
	}
	url, err := w.d.Media.Prepare(ctx, source, p.Platforms, "content/"+job.ID+".jpg")
	if err != nil {
		return "", fmt.Errorf("prepare media: %w", err)
	}
	return url, nil
}

// SendCampaign sends a campaign email and logs one row per recipient.
func (w *Workflows) SendCampaign(ctx context.Context, job models.Job) error {
	p, err := Decode[SendCampaign](job)
	if err != nil {
		return err
	}
	if p.RequireApproval {
		req, err := w.d.Approvals.Request(ctx, approval.NewRequest{
			Type:        models.RequestEmail,
			RequestedBy: "Email Agent",
			Title:       "Email campaign: " + p.Subject,
			Summary:     fmt.Sprintf("To: %d recipients\n\n%s", len(p.To), provider.Truncate(p.Text, 500)),
			Details: approval.EmailAction{
				To: p.To, Subject: p.Subject, HTML: p.HTML, Text: p.Text, From: p.From, ScheduledAt: p.ScheduledAt,
			},
			SourceKey: "email:" + job.ID,
		})
		if err != nil {
			return fmt.Errorf("request campaign approval: %w", err)
		}
		log.Info().Str("component", "workflow").Str("job_id", job.ID).Str("approval_id", req.ID).Msg("campaign awaiting approval")
		return nil
	}

	receipt, err := w.d.Emailer.Send(ctx, provider.Email{
		From: p.From, To: p.To, Subject: p.Subject, HTML: p.HTML, Text: p.Text, ScheduledAt: p.ScheduledAt,
	})
	if err != nil {
		return fmt.Errorf("send campaign: %w", err)
	}
	w.logEmails(ctx, job, p.To, p.Subject, "campaign", p.CampaignID)
	log.Info().Str("component", "workflow").Str("job_id", job.ID).Str("email_id", receipt.ID).Int("recipients", len(p.To)).Msg("campaign sent")
	return nil
}

// RequestOutreach asks for approval to email an influencer, or sends right
// away when AutoSend is set.
func (w *Workflows) RequestOutreach(ctx context.Context, job models.Job) error {
	p, err := Decode[RequestOutreach](job)
	if err != nil {
		return err
	}
	inf, err := w.d.Store.GetInfluencer(ctx, p.InfluencerID)
	if errors.Is(err, store.ErrNotFound) {
		return faults.Permanent(err)
	}
	if err != nil {
		return fmt.Errorf("load influencer: %w", err)
	}
	if inf.ContactEmail == "" {
		return faults.Invalid("influencerId", fmt.Sprintf("influencer %s has no contact email", inf.ID))
	}

	if !p.AutoSend {
		req, err := w.d.Approvals.Request(ctx, approval.NewRequest{
			Type:        models.RequestOutreach,
			RequestedBy: "Influencer Agent",
			Title:       fmt.Sprintf("Outreach to %s (%s)", inf.Name, inf.Handle),
			Summary:     fmt.Sprintf("Subject: %s\n\nTo: %s\n\n%s", p.Subject, inf.ContactEmail, provider.Truncate(p.Body, 500)),
			Details:     approval.OutreachAction{To: inf.ContactEmail, Subject: p.Subject, Body: p.Body, InfluencerID: inf.ID},
			SourceKey:   "outreach:" + job.ID,
		})
		if err != nil {
			return fmt.Errorf("request outreach approval: %w", err)
		}
		log.Info().Str("component", "workflow").Str("job_id", job.ID).Str("approval_id", req.ID).Msg("outreach awaiting approval")
		return nil
	}

	if _, err := w.d.Emailer.Send(ctx, provider.Email{To: []string{inf.ContactEmail}, Subject: p.Subject, HTML: p.Body, Text: p.Body}); err != nil {
		return fmt.Errorf("send outreach: %w", err)
	}
	if err := w.d.Store.MarkInfluencerContacted(ctx, inf.ID, w.d.Now()); err != nil {
		log.Warn().Err(err).Str("component", "workflow").Str("influencer", inf.ID).Msg("mark influencer contacted failed")
	}
	w.logEmails(ctx, job, []string{inf.ContactEmail}, p.Subject, "outreach", "")
	return nil
}

// logEmails records sends. The email is already out, so a logging failure
// must not fail the job and trigger a resend.
func (w *Workflows) logEmails(ctx context.Context, job models.Job, to []string, subject, kind, campaign string) {
	now := w.d.Now()
	logs := make([]models.EmailLog, 0, len(to))
	for _, r := range to {
		logs = append(logs, models.EmailLog{
			Recipient: r, Subject: subject, EmailType: kind, Status: "sent", CampaignID: campaign, CreatedAt: now,
		})
	}
	if err := w.d.Store.LogEmails(ctx, logs); err != nil {
		log.Warn().Err(err).Str("component", "workflow").Str("job_id", job.ID).Msg("email log write failed")
	}
}

// ResearchReport runs a report and posts the summary to the updates channel.
func (w *Workflows) ResearchReport(ctx context.Context, job models.Job) error {
	p, err := Decode[ResearchReport](job)
	if err != nil {
		return err
	}
	req := provider.ResearchRequest{
		Topic:         p.Topic,
		Queries:       p.Queries,
		Competitors:   p.Competitors,
		IncludeTweets: true,
		Depth:         p.Depth,
	}
	if p.IncludeTweets != nil {
		req.IncludeTweets = *p.IncludeTweets
	}
	if req.Depth == "" {
		req.Depth = "standard"
	}
	return w.research(ctx, req, "🧠 Research Report")
}

// WeeklyCompetitors is the scheduled competitor digest.
func (w *Workflows) WeeklyCompetitors(ctx context.Context, _ models.Job) error {
	return w.research(ctx, provider.ResearchRequest{
		Topic:         "Weekly competitor analysis",
		Competitors:   w.d.Competitors,
		IncludeTweets: true,
		Depth:         "standard",
	}, "🏁 Weekly Competitor Analysis")
}

func (w *Workflows) research(ctx context.Context, req provider.ResearchRequest, heading string) error {
	report, err := w.d.Researcher.Research(ctx, req)
	if err != nil {
		return fmt.Errorf("research %q: %w", req.Topic, err)
	}
	if report.Title == "" {
		report.Title = req.Topic
	}
	if _, err := w.d.Messages.Send(ctx, provider.ChannelUpdates, Summary(heading+": "+report.Title, report)); err != nil {
		return fmt.Errorf("post research summary: %w", err)
	}
	return nil
}

// DailyReport posts the social listening digest for a day, today by default.
func (w *Workflows) DailyReport(ctx context.Context, job models.Job) error {
	p, err := Decode[DailyReport](job)
	if err != nil {
		return err
	}
	day := w.d.Now().Truncate(24 * time.Hour)
	if p.Date != "" {
		day, _ = time.Parse("2006-01-02", p.Date)
	}
	report, err := w.d.Listener.DailyReport(ctx, day)
	if err != nil {
		return fmt.Errorf("daily report %s: %w", day.Format("2006-01-02"), err)
	}
	heading := "📊 Daily Social Listening Report - " + day.Format("2006-01-02")
	if _, err := w.d.Messages.Send(ctx, provider.ChannelUpdates, Summary(heading, report)); err != nil {
		return fmt.Errorf("post daily report: %w", err)
	}
	return nil
}

// Summary renders a report as a chat message with at most three highlights.
func Summary(heading string, r provider.Report) string {
	var b strings.Builder
	b.WriteString(heading)
	if r.Summary != "" {
		b.WriteString("\n\n")
		b.WriteString(r.Summary)
	}
	if len(r.Highlights) > 0 {
		b.WriteString("\n\nKey Findings:")
		for i, h := range r.Highlights {
			if i == 3 {
				break
			}
			fmt.Fprintf(&b, "\n%d. %s", i+1, h)
		}
	}
	return b.String()
}
