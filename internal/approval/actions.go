package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"marketing-orchestrator/internal/faults"
	"marketing-orchestrator/internal/models"
	"marketing-orchestrator/internal/provider"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Action is the side effect deferred behind an approval. The set of variants
// is closed: every request type maps to exactly one of the types below.
type Action interface {
	execute(ctx context.Context, env *env, at *attempt) error
}

// attempt is one run of a gated action.
type attempt struct {
	approvalID string
	actor      string
	// ref is set when an earlier run already completed the external side
	// effect; the action then only finishes its bookkeeping.
	ref    string
	record func(ref string)
}

// sideEffectDone stands in for a provider that returned no reference.
const sideEffectDone = "done"

func (a *attempt) done(ref string) {
	if ref == "" {
		ref = sideEffectDone
	}
	a.ref = ref
	a.record(ref)
}

func (a *attempt) idempotencyKey() string { return "approval/" + a.approvalID }

// env is what gated actions may touch.
type env struct {
	store     Store
	publisher provider.Publisher
	emailer   provider.Emailer
	now       func() time.Time
}

// ContentAction publishes a content calendar entry.
type ContentAction struct {
	CalendarEntryID string   `json:"calendarEntryId" validate:"required"`
	Platforms       []string `json:"platforms,omitempty"`
	MediaURL        string   `json:"mediaUrl,omitempty"`
}

func (a ContentAction) execute(ctx context.Context, e *env, at *attempt) error {
	entry, err := e.store.GetContentEntry(ctx, a.CalendarEntryID)
	if err != nil {
		return fmt.Errorf("load calendar entry: %w", err)
	}
	if entry.Status == models.ContentPublished {
		return nil
	}

	postID := entry.PublisherPostID
	if at.ref != "" && at.ref != sideEffectDone {
		postID = at.ref
	}
	if postID == "" && at.ref == "" {
		var media []string
		switch {
		case len(entry.MediaURLs) > 0:
			media = entry.MediaURLs[:1]
		case a.MediaURL != "":
			media = []string{a.MediaURL}
		}

		platforms := supported(a.Platforms)
		if len(platforms) == 0 {
			platforms = supported([]string{entry.Platform})
		}
		if len(platforms) == 0 {
			return faults.Invalid("platforms", "no publishable platform")
		}

		res, err := e.publisher.Publish(ctx, provider.PublishRequest{
			Content:   entry.Content,
			Platforms: platforms,
			MediaURLs: media,
		})
		if err != nil {
			return err
		}
		postID = res.PostID
		at.done(postID)
	}
	return e.store.MarkContentPublished(ctx, entry.ID, postID, at.actor, e.now())
}

// OutreachAction sends a one-to-one outreach email.
type OutreachAction struct {
	To           string `json:"to" validate:"required,email"`
	Subject      string `json:"subject" validate:"required"`
	Body         string `json:"body" validate:"required"`
	InfluencerID string `json:"influencerId,omitempty"`
}

func (a OutreachAction) execute(ctx context.Context, e *env, at *attempt) error {
	if at.ref == "" {
		receipt, err := e.emailer.Send(ctx, provider.Email{
			To:             []string{a.To},
			Subject:        a.Subject,
			HTML:           a.Body,
			Text:           a.Body,
			IdempotencyKey: at.idempotencyKey(),
		})
		if err != nil {
			return err
		}
		at.done(receipt.ID)
	}
	if a.InfluencerID == "" {
		return nil
	}
	return e.store.MarkInfluencerContacted(ctx, a.InfluencerID, e.now())
}

// EmailAction sends a campaign email.
type EmailAction struct {
	To          []string   `json:"to" validate:"required,min=1,dive,email"`
	Subject     string     `json:"subject" validate:"required"`
	HTML        string     `json:"html" validate:"required"`
	Text        string     `json:"text,omitempty"`
	From        string     `json:"from,omitempty"`
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
}

func (a EmailAction) execute(ctx context.Context, e *env, at *attempt) error {
	if at.ref != "" {
		return nil
	}
	receipt, err := e.emailer.Send(ctx, provider.Email{
		From:           a.From,
		To:             a.To,
		Subject:        a.Subject,
		HTML:           a.HTML,
		Text:           a.Text,
		ScheduledAt:    a.ScheduledAt,
		IdempotencyKey: at.idempotencyKey(),
	})
	if err != nil {
		return err
	}
	at.done(receipt.ID)
	return nil
}

// SpendAction records budget approval. Spend is tracked outside this system,
// so approving it has no side effect here.
type SpendAction struct{}

func (SpendAction) execute(context.Context, *env, *attempt) error { return nil }

// NoAction is used for request types without a gated side effect.
type NoAction struct{}

func (NoAction) execute(context.Context, *env, *attempt) error { return nil }

// ParseAction decodes the details of req into its action. Unknown request
// types yield NoAction. Malformed or incomplete details are permanent errors.
func ParseAction(req models.ApprovalRequest) (Action, error) {
	switch req.RequestType {
	case models.RequestContent:
		return decode[ContentAction](req)
	case models.RequestOutreach:
		return decode[OutreachAction](req)
	case models.RequestEmail:
		return decode[EmailAction](req)
	case models.RequestSpend:
		return SpendAction{}, nil
	default:
		return NoAction{}, nil
	}
}

func decode[T Action](req models.ApprovalRequest) (Action, error) {
	var a T
	if len(req.Details) > 0 {
		if err := json.Unmarshal(req.Details, &a); err != nil {
			return nil, faults.Invalid("details", err.Error())
		}
	}
	if err := validate.Struct(a); err != nil {
		return nil, faults.Permanent(fmt.Errorf("%s approval missing required fields: %w", req.RequestType, err))
	}
	return a, nil
}

func supported(platforms []string) []string {
	out := make([]string, 0, len(platforms))
	for _, p := range platforms {
		if provider.SupportedPlatform(p) {
			out = append(out, p)
		}
	}
	return out
}
