package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/slack-go/slack"

	"marketing-orchestrator/internal/faults"
)

// Slack posts messages and approval prompts with the Slack Web API.
type Slack struct {
	api      *slack.Client
	channels map[string]string
}

// NewSlack builds a client. channels maps logical names (alerts, updates,
// wins) to channel ids; names without a mapping are used verbatim.
func NewSlack(token string, channels map[string]string, opts ...slack.Option) *Slack {
	return &Slack{api: slack.New(token, opts...), channels: channels}
}

func (s *Slack) resolve(channel string) string {
	if id := s.channels[channel]; id != "" {
		return id
	}
	return channel
}

// Send posts plain text.
func (s *Slack) Send(ctx context.Context, channel, text string) (MessageRef, error) {
	return s.post(ctx, channel, slack.MsgOptionText(text, false))
}

// RequestApproval posts an approval prompt to the alerts channel. Button
// action ids are approve_<id> and reject_<id>.
func (s *Slack) RequestApproval(ctx context.Context, prompt ApprovalPrompt) (MessageRef, error) {
	return s.post(ctx, ChannelAlerts,
		slack.MsgOptionText("Approval needed: "+prompt.Title, false),
		slack.MsgOptionBlocks(ApprovalBlocks(prompt)...),
	)
}

// ApprovalBlocks renders the interactive prompt.
func ApprovalBlocks(prompt ApprovalPrompt) []slack.Block {
	header := slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, "🔔 Approval Needed", true, false))
	body := slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*%s*\n\n%s", prompt.Title, prompt.Details), false, false),
		nil, nil,
	)
	requested := slack.NewContextBlock("",
		slack.NewTextBlockObject(slack.MarkdownType, "Requested by: "+prompt.RequestedBy, false, false),
	)
	approve := slack.NewButtonBlockElement("approve_"+prompt.ApprovalID, prompt.ApprovalID,
		slack.NewTextBlockObject(slack.PlainTextType, "✅ Approve", true, false)).WithStyle(slack.StylePrimary)
	reject := slack.NewButtonBlockElement("reject_"+prompt.ApprovalID, prompt.ApprovalID,
		slack.NewTextBlockObject(slack.PlainTextType, "❌ Reject", true, false)).WithStyle(slack.StyleDanger)
	actions := slack.NewActionBlock("approval_"+prompt.ApprovalID, approve, reject)
	return []slack.Block{header, body, requested, actions}
}

func (s *Slack) post(ctx context.Context, channel string, opts ...slack.MsgOption) (MessageRef, error) {
	id := s.resolve(channel)
	if id == "" {
		return MessageRef{}, faults.Permanent(fmt.Errorf("slack channel %q is not configured", channel))
	}
	ch, ts, err := s.api.PostMessageContext(ctx, id, opts...)
	if err != nil {
		return MessageRef{}, classifySlack(err)
	}
	return MessageRef{Channel: ch, Timestamp: ts}, nil
}

func classifySlack(err error) error {
	pe := &faults.ProviderError{Provider: "Slack", Context: "chat.postMessage", Err: err}

	var rl *slack.RateLimitedError
	var sc slack.StatusCodeError
	var api slack.SlackErrorResponse
	switch {
	case errors.As(err, &rl):
		pe.Status = http.StatusTooManyRequests
	case errors.As(err, &sc):
		pe.Status = sc.Code
	case errors.As(err, &api):
		switch api.Err {
		case "not_authed", "invalid_auth", "account_inactive", "token_revoked", "token_expired", "missing_scope":
			pe.Status = http.StatusUnauthorized
		case "ratelimited", "internal_error", "service_unavailable", "fatal_error", "request_timeout":
			pe.Status = http.StatusServiceUnavailable
		default:
			pe.Status = http.StatusBadRequest
		}
	}
	return pe
}
