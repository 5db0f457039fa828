package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"marketing-orchestrator/internal/approval"
	"marketing-orchestrator/internal/models"
	"marketing-orchestrator/internal/queue"
	"marketing-orchestrator/internal/ratelimit"
	"marketing-orchestrator/internal/store/storetest"
)

const token = "producer-token"

type fakeApprovals struct {
	req      models.ApprovalRequest
	trail    []models.AuditLog
	getErr   error
	retryErr error
	actors   []string
}

func (f *fakeApprovals) Get(_ context.Context, id string) (models.ApprovalRequest, []models.AuditLog, error) {
	if f.getErr != nil {
		return models.ApprovalRequest{}, nil, f.getErr
	}
	return f.req, f.trail, nil
}

func (f *fakeApprovals) RetryExecution(_ context.Context, id, actor string) (approval.Outcome, error) {
	f.actors = append(f.actors, actor)
	return approval.Outcome{Request: f.req, Executed: f.retryErr == nil}, f.retryErr
}

type fixture struct {
	srv       http.Handler
	jobs      *queue.Manager
	mem       *storetest.Memory
	approvals *fakeApprovals
}

func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{
		jobs:      queue.NewManager(client, queue.Options{}),
		mem:       storetest.New(),
		approvals: &fakeApprovals{},
	}
	d := Deps{
		Jobs:               f.jobs,
		Approvals:          f.approvals,
		Emails:             f.mem,
		BearerToken:        token,
		EmailWebhookSecret: "whsec",
	}
	if mutate != nil {
		mutate(&d)
	}
	f.srv = New(d).Router()
	return f
}

func (f *fixture) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func auth(extra ...string) map[string]string {
	h := map[string]string{"Authorization": "Bearer " + token}
	for i := 0; i+1 < len(extra); i += 2 {
		h[extra[i]] = extra[i+1]
	}
	return h
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestCreateContentEnqueues(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodPost, "/content/create", `{"brief":"Launch week","platforms":["twitter"]}`, auth())
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp enqueueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, queue.Content, resp.Queue)
	require.False(t, resp.Duplicate)

	job, err := f.jobs.Get(context.Background(), queue.Content, resp.JobID)
	require.NoError(t, err)
	require.Equal(t, "create-content", job.Name)
	require.Equal(t, models.JobWaiting, job.Status)
	require.Contains(t, string(job.Payload), "Launch week")
}

func TestIdempotencyKeyDeduplicates(t *testing.T) {
	f := newFixture(t, nil)
	body := `{"to":["a@example.com"],"subject":"Hi","html":"<p>hi</p>"}`

	first := f.do(http.MethodPost, "/email/campaign", body, auth("Idempotency-Key", "campaign-42"))
	second := f.do(http.MethodPost, "/email/campaign", body, auth("Idempotency-Key", "campaign-42"))
	require.Equal(t, http.StatusAccepted, first.Code)
	require.Equal(t, http.StatusAccepted, second.Code)
	require.JSONEq(t, `{"jobId":"campaign-42","queue":"email","duplicate":false}`, first.Body.String())
	require.JSONEq(t, `{"jobId":"campaign-42","queue":"email","duplicate":true}`, second.Body.String())

	d, err := f.jobs.Depth(context.Background(), queue.Email)
	require.NoError(t, err)
	require.EqualValues(t, 1, d.Waiting)
}

func TestProducerValidation(t *testing.T) {
	f := newFixture(t, nil)
	tests := []struct {
		path, body, want string
	}{
		{"/content/create", `{"platforms":["twitter"]}`, "brief"},
		{"/content/create", `{"brief":"x","platforms":["myspace"]}`, "platforms"},
		{"/email/campaign", `{"to":["not-an-email"],"subject":"s","html":"h"}`, "to"},
		{"/outreach", `{"subject":"s","body":"b"}`, "influencerId"},
		{"/research/report", `{"topic":"t","depth":"bottomless"}`, "depth"},
		{"/research/report", `{not json`, "invalid_json"},
	}
	for _, tt := range tests {
		rec := f.do(http.MethodPost, tt.path, tt.body, auth())
		require.Equal(t, http.StatusBadRequest, rec.Code, tt.path+" "+tt.body)
		require.Contains(t, rec.Body.String(), tt.want)
	}
	for _, name := range f.jobs.Queues() {
		d, err := f.jobs.Depth(context.Background(), name)
		require.NoError(t, err)
		require.Zero(t, d.Waiting)
	}
}

func TestBrokerDownIs503(t *testing.T) {
	down := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	t.Cleanup(func() { _ = down.Close() })
	f := newFixture(t, func(d *Deps) { d.Jobs = queue.NewManager(down, queue.Options{}) })
	rec := f.do(http.MethodPost, "/research/report", `{"topic":"prediction markets"}`, auth())
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBearerRequired(t *testing.T) {
	f := newFixture(t, nil)
	for _, h := range []map[string]string{nil, {"Authorization": "Bearer wrong"}} {
		rec := f.do(http.MethodPost, "/content/create", `{"brief":"x","platforms":["twitter"]}`, h)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	open := newFixture(t, func(d *Deps) { d.BearerToken = "" })
	rec := open.do(http.MethodPost, "/content/create", `{"brief":"x","platforms":["twitter"]}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestProducerRoutesAreRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter := ratelimit.NewTokenBucket(client, 1, 0.001, time.Minute)

	f := newFixture(t, func(d *Deps) { d.Limiter = limiter })
	body := `{"topic":"t"}`
	require.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/research/report", body, auth()).Code)
	require.Equal(t, http.StatusTooManyRequests, f.do(http.MethodPost, "/research/report", body, auth()).Code)
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/healthz", "", nil).Code)
}

func TestJobLookupAndDLQ(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	h, err := f.jobs.Enqueue(ctx, queue.Research, "research-report", map[string]string{"topic": "t"}, queue.EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)

	rec := f.do(http.MethodGet, "/jobs/research/"+h.ID, "", auth())
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"name":"research-report"`)

	require.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/jobs/research/missing", "", auth()).Code)
	require.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/dlq/nope", "", auth()).Code)

	job, err := f.jobs.Dequeue(ctx, queue.Research)
	require.NoError(t, err)
	require.NoError(t, f.jobs.Fail(ctx, *job, 1, errors.New("provider exploded")))

	rec = f.do(http.MethodGet, "/dlq/research", "", auth())
	require.Equal(t, http.StatusOK, rec.Code)
	var dlq struct {
		Items []models.Job `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dlq))
	require.Len(t, dlq.Items, 1)
	require.Equal(t, h.ID, dlq.Items[0].ID)
	require.Equal(t, "provider exploded", dlq.Items[0].LastError)

	rec = f.do(http.MethodGet, "/queues", "", auth())
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"research":{"waiting":0,"delayed":0,"active":0,"failed":1}`)
}

func TestApprovalRoutes(t *testing.T) {
	f := newFixture(t, nil)
	f.approvals.req = models.ApprovalRequest{ID: "app_1", Status: models.ApprovalApproved, Execution: models.ExecutionDone}
	f.approvals.trail = []models.AuditLog{{ApprovalID: "app_1", Event: "approved"}}

	rec := f.do(http.MethodGet, "/approvals/app_1", "", auth())
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"event":"approved"`)

	rec = f.do(http.MethodPost, "/approvals/app_1/retry", `{"actor":"ops"}`, auth())
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"executed":true`)
	require.Equal(t, []string{"ops"}, f.approvals.actors)

	f.approvals.retryErr = &approval.StateError{ID: "app_1", Reason: approval.ReasonNotRetryable}
	require.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/approvals/app_1/retry", "", auth()).Code)

	f.approvals.retryErr = &approval.ExecutionError{ID: "app_1", Err: errors.New("Late.dev publish failed: status 502")}
	rec = f.do(http.MethodPost, "/approvals/app_1/retry", "", auth())
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Contains(t, rec.Body.String(), "status 502")

	f.approvals.getErr = &approval.StateError{ID: "nope", Reason: approval.ReasonNotFound}
	require.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/approvals/nope", "", auth()).Code)
}

func TestEmailWebhook(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) } })
	secret := map[string]string{"X-Webhook-Secret": "whsec"}

	rec := f.do(http.MethodPost, "/webhooks/resend", `{"type":"email.delivered","data":{"to":["a@x.io","b@x.io"],"subject":"Launch"}}`, secret)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"ok":true}`, rec.Body.String())

	rec = f.do(http.MethodPost, "/webhooks/email", `{"type":"email.clicked","data":{"email":{"to":"c@x.io","subject":"Nested"}}}`,
		map[string]string{"X-Resend-Signature": "whsec"})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, f.mem.Emails, 3)
	require.Equal(t, models.EmailLog{Recipient: "a@x.io", Subject: "Launch", EmailType: "campaign", Status: "delivered",
		CreatedAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}, f.mem.Emails[0])
	require.Equal(t, "c@x.io", f.mem.Emails[2].Recipient)
	require.Equal(t, "clicked", f.mem.Emails[2].Status)
	require.Equal(t, "Nested", f.mem.Emails[2].Subject)
}

func TestEmailWebhookRejections(t *testing.T) {
	f := newFixture(t, nil)
	body := `{"type":"email.opened","data":{"to":"a@x.io","subject":"s"}}`

	require.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/webhooks/email", body, nil).Code)
	require.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/webhooks/email", body, map[string]string{"X-Webhook-Secret": "nope"}).Code)

	unset := newFixture(t, func(d *Deps) { d.EmailWebhookSecret = "" })
	require.Equal(t, http.StatusUnauthorized, unset.do(http.MethodPost, "/webhooks/email", body, map[string]string{"X-Webhook-Secret": ""}).Code)

	secret := map[string]string{"X-Webhook-Secret": "whsec"}
	rec := f.do(http.MethodPost, "/webhooks/email", `{"type":"email.sent","data":{"subject":"s"}}`, secret)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.JSONEq(t, `{"error":"Missing recipient or subject"}`, rec.Body.String())

	rec = f.do(http.MethodPost, "/webhooks/email", `{"data":{}}`, secret)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.JSONEq(t, `{"error":"Invalid payload"}`, rec.Body.String())
	require.Empty(t, f.mem.Emails)
}

func TestEmailStatusMapping(t *testing.T) {
	cases := map[string]string{
		"email.delivered":        "delivered",
		"email.opened":           "opened",
		"email.clicked":          "clicked",
		"email.bounced":          "bounced",
		"contact.unsubscribed":   "unsubscribed",
		"email.sent":             "sent",
		"email.delivery_delayed": "sent",
		"EMAIL.DELIVERED":        "delivered",
	}
	for in, want := range cases {
		require.Equal(t, want, emailStatus(in), in)
	}
}

func TestOptionalHandlersMounted(t *testing.T) {
	called := false
	f := newFixture(t, func(d *Deps) {
		d.Interactions = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			called = true
			w.WriteHeader(http.StatusOK)
		})
	})
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/slack/interactions", "", nil).Code)
	require.True(t, called)
	require.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/ws", "", nil).Code)
}
