package provider

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/resend/resend-go/v2"
	"github.com/rs/zerolog/log"

	"marketing-orchestrator/internal/faults"
)

// Resend delivers email through the Resend SDK.
type Resend struct {
	apiKey      string
	defaultFrom string
	client      *resend.Client
}

// NewResend builds a client. An empty baseURL keeps the SDK default.
func NewResend(baseURL, apiKey, defaultFrom string, client *http.Client) *Resend {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	hc := *client
	hc.Transport = &callTransport{next: client.Transport}

	sdk := resend.NewCustomClient(&hc, apiKey)
	if baseURL != "" {
		if u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/"); err == nil {
			sdk.BaseURL = u
		}
	}
	return &Resend{apiKey: apiKey, defaultFrom: defaultFrom, client: sdk}
}

// Send submits one email.
func (r *Resend) Send(ctx context.Context, email Email) (EmailReceipt, error) {
	if r.apiKey == "" {
		return EmailReceipt{}, faults.Permanent(errors.New("Resend configuration missing: RESEND_API_KEY"))
	}
	if len(email.To) == 0 {
		return EmailReceipt{}, faults.Invalid("to", "at least one recipient is required")
	}

	params := &resend.SendEmailRequest{
		From:    email.From,
		To:      email.To,
		Subject: email.Subject,
		Html:    email.HTML,
		Text:    email.Text,
	}
	if params.From == "" {
		params.From = r.defaultFrom
	}
	if email.ScheduledAt != nil {
		params.ScheduledAt = email.ScheduledAt.UTC().Format(time.RFC3339)
	}

	call := &callInfo{idempotencyKey: email.IdempotencyKey}
	sent, err := r.client.Emails.SendWithContext(withCall(ctx, call), params)
	if err != nil {
		perr := &faults.ProviderError{Provider: "Resend", Context: "sendEmail", Status: call.status, Err: err}
		log.Error().Err(err).Str("component", "provider").Str("provider", "Resend").Str("context", "sendEmail").Int("status", call.status).Msg("provider error")
		return EmailReceipt{}, perr
	}
	if sent == nil {
		return EmailReceipt{}, faults.Permanent(errors.New("Resend returned no email id"))
	}
	return EmailReceipt{ID: sent.Id}, nil
}

// callInfo carries per-call data between Send and the transport: the
// idempotency header to attach and the status code that came back.
type callInfo struct {
	idempotencyKey string
	status         int
}

type callKey struct{}

func withCall(ctx context.Context, c *callInfo) context.Context {
	return context.WithValue(ctx, callKey{}, c)
}

type callTransport struct {
	next http.RoundTripper
}

func (t *callTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	next := t.next
	if next == nil {
		next = http.DefaultTransport
	}
	call, _ := req.Context().Value(callKey{}).(*callInfo)
	if call != nil && call.idempotencyKey != "" && req.Header.Get("Idempotency-Key") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Idempotency-Key", call.idempotencyKey)
	}
	resp, err := next.RoundTrip(req)
	if call != nil && resp != nil {
		call.status = resp.StatusCode
	}
	return resp, err
}
