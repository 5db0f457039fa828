package workflow

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"marketing-orchestrator/internal/faults"
	"marketing-orchestrator/internal/models"
)

// Job names.
const (
	JobCreateContent     = "create-content"
	JobSendCampaign      = "send-campaign"
	JobRequestOutreach   = "request-outreach"
	JobResearchReport    = "research-report"
	JobWeeklyCompetitors = "weekly-competitor-analysis"
	JobDailyReport       = "daily-report"
)

// CreateContent drafts a post and either publishes it or asks for approval.
type CreateContent struct {
	Brief        string     `json:"brief" validate:"required"`
	Platforms    []string   `json:"platforms" validate:"required,min=1,dive,oneof=twitter instagram telegram"`
	ContentType  string     `json:"contentType" validate:"omitempty,oneof=post thread story reel video"`
	IncludeImage bool       `json:"includeImage"`
	MediaURL     string     `json:"mediaUrl,omitempty" validate:"omitempty,url"`
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
	CampaignID   string     `json:"campaignId,omitempty"`
	AutoApprove  bool       `json:"autoApprove"`
}

// SendCampaign delivers a campaign email, optionally after approval.
type SendCampaign struct {
	To              []string   `json:"to" validate:"required,min=1,dive,email"`
	Subject         string     `json:"subject" validate:"required"`
	HTML            string     `json:"html" validate:"required"`
	Text            string     `json:"text,omitempty"`
	From            string     `json:"from,omitempty"`
	ScheduledAt     *time.Time `json:"scheduledAt,omitempty"`
	CampaignID      string     `json:"campaignId,omitempty"`
	RequireApproval bool       `json:"requireApproval"`
}

// RequestOutreach emails an influencer, by default after approval.
type RequestOutreach struct {
	InfluencerID string `json:"influencerId" validate:"required"`
	Subject      string `json:"subject" validate:"required"`
	Body         string `json:"body" validate:"required"`
	AutoSend     bool   `json:"autoSend"`
}

// ResearchReport runs a research report on a topic.
type ResearchReport struct {
	Topic         string   `json:"topic" validate:"required"`
	Queries       []string `json:"queries,omitempty"`
	Competitors   []string `json:"competitors,omitempty"`
	IncludeTweets *bool    `json:"includeTweets,omitempty"`
	Depth         string   `json:"depth,omitempty" validate:"omitempty,oneof=quick standard deep"`
}

// DailyReport produces the social listening digest of one day.
type DailyReport struct {
	Date string `json:"date,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func init() {
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Validate checks a payload, reporting the first failing field as a
// *faults.ValidationError.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		reason := "failed " + fe.Tag()
		if fe.Param() != "" {
			reason += "=" + fe.Param()
		}
		return faults.Invalid(fe.Field(), reason)
	}
	return faults.Invalid("", err.Error())
}

// Decode unmarshals a job payload into T and validates it.
func Decode[T any](job models.Job) (T, error) {
	var v T
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &v); err != nil {
			return v, faults.Invalid("payload", err.Error())
		}
	}
	return v, Validate(v)
}
