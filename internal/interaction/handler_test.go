package interaction

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketing-orchestrator/internal/approval"
)

const secret = "signing-secret"

type call struct {
	id       string
	decision approval.Decision
	actor    string
}

type fakeResolver struct {
	calls []call
	err   error
}

func (f *fakeResolver) Resolve(_ context.Context, id string, d approval.Decision, actor string) (approval.Outcome, error) {
	f.calls = append(f.calls, call{id, d, actor})
	return approval.Outcome{}, f.err
}

func formBody(payload string) string {
	return url.Values{"payload": {payload}}.Encode()
}

func signed(t *testing.T, body, contentType string, at time.Time) *http.Request {
	t.Helper()
	ts := strconv.FormatInt(at.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/slack/interactions", strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", Sign(secret, ts, []byte(body)))
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestApproveClickResolves(t *testing.T) {
	res := &fakeResolver{}
	h := NewHandler(secret, 5*time.Minute, res)

	body := formBody(`{"actions":[{"action_id":"approve_app_1"}],"user":{"id":"U1","username":"alice","name":"Alice"}}`)
	rec := serve(h, signed(t, body, "application/x-www-form-urlencoded", time.Now()))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"response_action":"clear"}`, rec.Body.String())
	require.Equal(t, []call{{"app_1", approval.Approve, "alice"}}, res.calls)
}

func TestActorFallbackChain(t *testing.T) {
	cases := map[string]string{
		`{"id":"U1","name":"Bob"}`: "Bob",
		`{"id":"U1"}`:              "U1",
		`{}`:                       "unknown-user",
	}
	for user, want := range cases {
		res := &fakeResolver{}
		h := NewHandler(secret, 0, res)
		body := `{"actions":[{"action_id":"reject_app_2"}],"user":` + user + `}`
		rec := serve(h, signed(t, body, "application/json", time.Now()))
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, []call{{"app_2", approval.Reject, want}}, res.calls)
	}
}

func TestUnauthorizedNeverResolves(t *testing.T) {
	body := formBody(`{"actions":[{"action_id":"approve_app_1"}]}`)
	tests := []struct {
		name    string
		mutate  func(*http.Request)
		handler *Handler
	}{
		{"missing signature", func(r *http.Request) { r.Header.Del("X-Slack-Signature") }, nil},
		{"missing timestamp", func(r *http.Request) { r.Header.Del("X-Slack-Request-Timestamp") }, nil},
		{"wrong signature", func(r *http.Request) { r.Header.Set("X-Slack-Signature", "v0=deadbeef") }, nil},
		{"tampered timestamp", func(r *http.Request) { r.Header.Set("X-Slack-Request-Timestamp", "1") }, nil},
		{"no secret configured", func(*http.Request) {}, NewHandler("", 0, nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := &fakeResolver{}
			h := tt.handler
			if h == nil {
				h = NewHandler(secret, 5*time.Minute, res)
			}
			req := signed(t, body, "application/x-www-form-urlencoded", time.Now())
			tt.mutate(req)
			rec := serve(h, req)
			require.Equal(t, http.StatusUnauthorized, rec.Code)
			require.JSONEq(t, `{"error":"Unauthorized"}`, rec.Body.String())
			require.Empty(t, res.calls)
		})
	}
}

func TestStaleTimestampRejected(t *testing.T) {
	res := &fakeResolver{}
	h := NewHandler(secret, 5*time.Minute, res)
	body := formBody(`{"actions":[{"action_id":"approve_app_1"}]}`)

	rec := serve(h, signed(t, body, "application/x-www-form-urlencoded", time.Now().Add(-10*time.Minute)))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Empty(t, res.calls)

	// Replay window disabled.
	h = NewHandler(secret, 0, res)
	rec = serve(h, signed(t, body, "application/x-www-form-urlencoded", time.Now().Add(-10*time.Minute)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, res.calls, 1)
}

func TestMalformedPayload(t *testing.T) {
	res := &fakeResolver{}
	h := NewHandler(secret, 0, res)

	rec := serve(h, signed(t, formBody(`{not json`), "application/x-www-form-urlencoded", time.Now()))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.JSONEq(t, `{"error":"Invalid payload"}`, rec.Body.String())
	require.Empty(t, res.calls)
}

func TestIgnorableActionsClear(t *testing.T) {
	res := &fakeResolver{}
	h := NewHandler(secret, 0, res)

	for _, body := range []string{"", formBody(`{"actions":[{"action_id":"open_modal"}]}`)} {
		rec := serve(h, signed(t, body, "application/x-www-form-urlencoded", time.Now()))
		require.Equal(t, http.StatusOK, rec.Code)
		require.JSONEq(t, `{"response_action":"clear"}`, rec.Body.String())
	}
	require.Empty(t, res.calls)
}

func TestResolveErrorBecomesStructuredAck(t *testing.T) {
	res := &fakeResolver{err: &approval.StateError{ID: "app_3", Reason: "already approved"}}
	h := NewHandler(secret, 0, res)

	body := formBody(`{"actions":[{"action_id":"approve_app_3"}],"user":{"username":"dave"}}`)
	rec := serve(h, signed(t, body, "application/x-www-form-urlencoded", time.Now()))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"response_action":"errors","errors":{"_error":"Failed to process interaction"}}`, rec.Body.String())

	res.err = errors.New("db down")
	rec = serve(h, signed(t, body, "application/x-www-form-urlencoded", time.Now()))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Failed to process interaction")
}

type panickingResolver struct{}

func (panickingResolver) Resolve(context.Context, string, approval.Decision, string) (approval.Outcome, error) {
	panic("publisher exploded")
}

func TestResolvePanicBecomesStructuredAck(t *testing.T) {
	h := NewHandler(secret, 0, panickingResolver{})

	body := formBody(`{"actions":[{"action_id":"approve_app_4"}],"user":{"username":"erin"}}`)
	var rec *httptest.ResponseRecorder
	require.NotPanics(t, func() {
		rec = serve(h, signed(t, body, "application/x-www-form-urlencoded", time.Now()))
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"response_action":"errors","errors":{"_error":"Failed to process interaction"}}`, rec.Body.String())
}

func TestSignCoversTimestampAndBody(t *testing.T) {
	base := Sign(secret, "1700000000", []byte("a=1"))
	require.True(t, strings.HasPrefix(base, "v0="))
	require.Len(t, base, 3+64)
	require.NotEqual(t, base, Sign(secret, "1700000001", []byte("a=1")))
	require.NotEqual(t, base, Sign(secret, "1700000000", []byte("a=2")))
	require.NotEqual(t, base, Sign("other", "1700000000", []byte("a=1")))
}
