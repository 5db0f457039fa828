package approval

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketing-orchestrator/internal/faults"
	"marketing-orchestrator/internal/models"
	"marketing-orchestrator/internal/provider"
	"marketing-orchestrator/internal/provider/providertest"
	"marketing-orchestrator/internal/store/storetest"
)

type fixture struct {
	gate  *Gate
	store *storetest.Memory
	pub   *providertest.Publisher
	chat  *providertest.Chat
	mail  *providertest.Mailer
	now   time.Time
}

func newFixture(t *testing.T, ttl time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		store: storetest.New(),
		pub:   &providertest.Publisher{},
		chat:  &providertest.Chat{},
		mail:  &providertest.Mailer{},
		now:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	f.gate = New(Config{
		Store:     f.store,
		Publisher: f.pub,
		Emailer:   f.mail,
		Messages:  f.chat,
		Prompter:  f.chat,
		TTL:       ttl,
		Now:       func() time.Time { return f.now },
	})
	return f
}

// useStore rebuilds the gate on top of s.
func (f *fixture) useStore(s Store) {
	f.gate = New(Config{
		Store:     s,
		Publisher: f.pub,
		Emailer:   f.mail,
		Messages:  f.chat,
		Prompter:  f.chat,
		Now:       func() time.Time { return f.now },
	})
}

// faultyStore injects storage failures around the in-memory store.
type faultyStore struct {
	*storetest.Memory
	decided        bool
	getAfterDecide error // GetApproval fails with this once a decision is committed
	beginErrs      []error
	finishErr      error
	publishedErr   error
	contactedErr   error
}

func (s *faultyStore) DecideApproval(ctx context.Context, id string, status models.ApprovalStatus, actor string, at time.Time) (bool, error) {
	ok, err := s.Memory.DecideApproval(ctx, id, status, actor, at)
	if ok {
		s.decided = true
	}
	return ok, err
}

func (s *faultyStore) GetApproval(ctx context.Context, id string) (models.ApprovalRequest, error) {
	if s.decided && s.getAfterDecide != nil {
		err := s.getAfterDecide
		s.getAfterDecide = nil
		return models.ApprovalRequest{}, err
	}
	return s.Memory.GetApproval(ctx, id)
}

func (s *faultyStore) BeginExecution(ctx context.Context, id string, from models.ExecutionStatus, at, staleBefore time.Time) (bool, error) {
	if len(s.beginErrs) > 0 {
		err := s.beginErrs[0]
		s.beginErrs = s.beginErrs[1:]
		return false, err
	}
	return s.Memory.BeginExecution(ctx, id, from, at, staleBefore)
}

func (s *faultyStore) FinishExecution(ctx context.Context, id string, status models.ExecutionStatus, detail string) error {
	if s.finishErr != nil {
		return s.finishErr
	}
	return s.Memory.FinishExecution(ctx, id, status, detail)
}

func (s *faultyStore) MarkContentPublished(ctx context.Context, id, postID, approvedBy string, at time.Time) error {
	if s.publishedErr != nil {
		return s.publishedErr
	}
	return s.Memory.MarkContentPublished(ctx, id, postID, approvedBy, at)
}

func (s *faultyStore) MarkInfluencerContacted(ctx context.Context, id string, at time.Time) error {
	if s.contactedErr != nil {
		return s.contactedErr
	}
	return s.Memory.MarkInfluencerContacted(ctx, id, at)
}

func (f *fixture) seed(id string, typ models.RequestType, title string, details any) {
	raw, _ := json.Marshal(details)
	f.store.Approvals[id] = models.ApprovalRequest{
		ID:          id,
		RequestType: typ,
		Title:       title,
		Details:     raw,
		Status:      models.ApprovalPending,
		CreatedAt:   f.now,
	}
}

func (f *fixture) seedContent() {
	f.store.Content["cal_1"] = models.ContentEntry{
		ID:        "cal_1",
		Content:   "Post body",
		Platform:  "instagram",
		Status:    models.ContentPendingApproval,
		MediaURLs: []string{"https://img.png"},
	}
	f.seed("app_1", models.RequestContent, "Launch post", map[string]any{
		"calendarEntryId": "cal_1",
		"platforms":       []string{"twitter"},
	})
}

func TestResolveApprovePublishesContent(t *testing.T) {
	f := newFixture(t, 0)
	f.seedContent()

	out, err := f.gate.Resolve(context.Background(), "app_1", Approve, "alice")
	require.NoError(t, err)
	require.True(t, out.Executed)
	require.Equal(t, models.ApprovalApproved, out.Request.Status)
	require.Equal(t, models.ExecutionDone, f.store.Approvals["app_1"].Execution)

	require.Equal(t, []provider.PublishRequest{{
		Content:   "Post body",
		Platforms: []string{"twitter"},
		MediaURLs: []string{"https://img.png"},
	}}, f.pub.Calls)

	entry := f.store.Content["cal_1"]
	require.Equal(t, models.ContentPublished, entry.Status)
	require.Equal(t, "post-1", entry.PublisherPostID)
	require.Equal(t, "alice", entry.ApprovedBy)
	require.NotNil(t, entry.PublishedAt)

	require.True(t, f.chat.Contains(provider.ChannelUpdates, "approved by alice"))
	require.Equal(t, []string{"approved", "executed"}, f.store.Events("app_1"))
}

func TestResolveRejectNeverExecutes(t *testing.T) {
	f := newFixture(t, 0)
	f.seed("app_2", models.RequestContent, "Risky post", map[string]any{"calendarEntryId": "cal_x"})

	out, err := f.gate.Resolve(context.Background(), "app_2", Reject, "bob")
	require.NoError(t, err)
	require.False(t, out.Executed)
	require.Equal(t, models.ApprovalRejected, f.store.Approvals["app_2"].Status)
	require.Equal(t, "bob", f.store.Approvals["app_2"].ApprovedBy)
	require.Zero(t, f.pub.Count())
	require.Equal(t, []string{"❌ Risky post was rejected by bob"}, f.chat.Texts(provider.ChannelUpdates))
}

func TestConcurrentApproveExecutesOnce(t *testing.T) {
	f := newFixture(t, 0)
	f.seedContent()

	const callers = 8
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.gate.Resolve(context.Background(), "app_1", Approve, "carol")
		}(i)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		var se *StateError
		require.ErrorAs(t, err, &se)
		require.Equal(t, faults.KindStateConflict, faults.Classify(err))
		conflicts++
	}
	require.Equal(t, 1, ok)
	require.Equal(t, callers-1, conflicts)
	require.Equal(t, 1, f.pub.Count())
}

func TestResolveConflicts(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	_, err := f.gate.Resolve(ctx, "missing", Approve, "alice")
	var se *StateError
	require.ErrorAs(t, err, &se)
	require.Equal(t, ReasonNotFound, se.Reason)

	f.seed("app_done", models.RequestSpend, "Budget", map[string]any{})
	_, err = f.gate.Resolve(ctx, "app_done", Approve, "alice")
	require.NoError(t, err)
	_, err = f.gate.Resolve(ctx, "app_done", Reject, "bob")
	require.ErrorAs(t, err, &se)
	require.Equal(t, "already approved", se.Reason)
	require.Equal(t, "alice", f.store.Approvals["app_done"].ApprovedBy)

	_, err = f.gate.Resolve(ctx, "app_done", Decision("maybe"), "x")
	require.Equal(t, faults.KindPermanent, faults.Classify(err))
}

func TestExpiredRequestCannotBeDecided(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	f.store.Content["cal_1"] = models.ContentEntry{ID: "cal_1", Content: "x", Platform: "twitter"}

	req, err := f.gate.Request(ctx, NewRequest{
		Type:    models.RequestContent,
		Title:   "Old post",
		Details: ContentAction{CalendarEntryID: "cal_1"},
	})
	require.NoError(t, err)
	require.NotNil(t, req.ExpiresAt)

	f.now = f.now.Add(2 * time.Hour)
	_, err = f.gate.Resolve(ctx, req.ID, Approve, "alice")
	var se *StateError
	require.ErrorAs(t, err, &se)
	require.Equal(t, ReasonExpired, se.Reason)
	require.Equal(t, models.ApprovalPending, f.store.Approvals[req.ID].Status)
	require.Zero(t, f.pub.Count())
}

func TestExecutionFailureThenRetry(t *testing.T) {
	f := newFixture(t, 0)
	f.seedContent()
	ctx := context.Background()
	f.pub.Err = &faults.ProviderError{Provider: "Late.dev", Context: "publish", Status: 503}

	out, err := f.gate.Resolve(ctx, "app_1", Approve, "alice")
	var ee *ExecutionError
	require.ErrorAs(t, err, &ee)
	require.False(t, out.Executed)
	require.Equal(t, models.ApprovalApproved, f.store.Approvals["app_1"].Status)
	require.Equal(t, models.ExecutionFailed, f.store.Approvals["app_1"].Execution)
	require.Contains(t, f.store.Approvals["app_1"].ExecutionError, "status 503")
	require.True(t, f.chat.Contains(provider.ChannelUpdates, "⚠️ Launch post was approved by alice but execution failed"))

	// Deciding again is a conflict; only the explicit retry re-runs the action.
	_, err = f.gate.Resolve(ctx, "app_1", Approve, "alice")
	require.Equal(t, faults.KindStateConflict, faults.Classify(err))

	f.pub.Err = nil
	out, err = f.gate.RetryExecution(ctx, "app_1", "")
	require.NoError(t, err)
	require.True(t, out.Executed)
	require.Equal(t, 2, f.pub.Count())
	require.Equal(t, models.ExecutionDone, f.store.Approvals["app_1"].Execution)
	require.Equal(t, models.ContentPublished, f.store.Content["cal_1"].Status)

	_, err = f.gate.RetryExecution(ctx, "app_1", "alice")
	var se *StateError
	require.ErrorAs(t, err, &se)
	require.Equal(t, ReasonNotRetryable, se.Reason)
	require.Equal(t, 2, f.pub.Count())
}

func TestContentFallsBackToEntryPlatformAndDetailMedia(t *testing.T) {
	f := newFixture(t, 0)
	f.store.Content["cal_2"] = models.ContentEntry{ID: "cal_2", Content: "Body", Platform: "telegram"}
	f.seed("app_4", models.RequestContent, "Post", map[string]any{
		"calendarEntryId": "cal_2",
		"platforms":       []string{"tiktok"},
		"mediaUrl":        "https://cdn.example.com/m.jpg",
	})

	_, err := f.gate.Resolve(context.Background(), "app_4", Approve, "dana")
	require.NoError(t, err)
	require.Equal(t, []string{"telegram"}, f.pub.Calls[0].Platforms)
	require.Equal(t, []string{"https://cdn.example.com/m.jpg"}, f.pub.Calls[0].MediaURLs)
}

func TestOutreachAndEmailActions(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.store.Influencers["inf_1"] = models.Influencer{ID: "inf_1", Name: "Ria", Status: models.InfluencerIdentified}
	f.seed("app_o", models.RequestOutreach, "Outreach to Ria", map[string]any{
		"to": "ria@example.com", "subject": "Collab?", "body": "Hi Ria", "influencerId": "inf_1",
	})
	f.seed("app_e", models.RequestEmail, "March newsletter", map[string]any{
		"to": []string{"a@example.com", "b@example.com"}, "subject": "News", "html": "<p>hi</p>", "from": "team@example.com",
	})

	_, err := f.gate.Resolve(ctx, "app_o", Approve, "alice")
	require.NoError(t, err)
	require.Equal(t, models.InfluencerContacted, f.store.Influencers["inf_1"].Status)
	require.NotNil(t, f.store.Influencers["inf_1"].LastContactedAt)

	_, err = f.gate.Resolve(ctx, "app_e", Approve, "alice")
	require.NoError(t, err)

	require.Len(t, f.mail.Sent, 2)
	require.Equal(t, []string{"ria@example.com"}, f.mail.Sent[0].To)
	require.Equal(t, "Hi Ria", f.mail.Sent[0].HTML)
	require.Equal(t, []string{"a@example.com", "b@example.com"}, f.mail.Sent[1].To)
	require.Equal(t, "team@example.com", f.mail.Sent[1].From)
}

func TestIncompleteDetailsFailExecution(t *testing.T) {
	f := newFixture(t, 0)
	f.seed("app_bad", models.RequestOutreach, "Outreach", map[string]any{"to": "", "subject": "s"})

	_, err := f.gate.Resolve(context.Background(), "app_bad", Approve, "alice")
	require.Error(t, err)
	require.Equal(t, faults.KindPermanent, faults.Classify(err))
	require.Empty(t, f.mail.Sent)
	require.Equal(t, models.ExecutionFailed, f.store.Approvals["app_bad"].Execution)
}

func TestSpendAndUnknownTypesHaveNoSideEffect(t *testing.T) {
	f := newFixture(t, 0)
	f.seed("app_s", models.RequestSpend, "Ad budget", map[string]any{"amount": 500})
	f.seed("app_u", models.RequestType("partnership"), "Partnership", nil)

	for _, id := range []string{"app_s", "app_u"} {
		out, err := f.gate.Resolve(context.Background(), id, Approve, "alice")
		require.NoError(t, err)
		require.True(t, out.Executed)
	}
	require.Zero(t, f.pub.Count())
	require.Empty(t, f.mail.Sent)
}

func TestNotificationFailureDoesNotFailResolve(t *testing.T) {
	f := newFixture(t, 0)
	f.seed("app_n", models.RequestSpend, "Budget", map[string]any{})
	f.chat.SendErr = errors.New("slack down")

	out, err := f.gate.Resolve(context.Background(), "app_n", Reject, "bob")
	require.NoError(t, err)
	require.Equal(t, models.ApprovalRejected, out.Request.Status)
}

func TestRequestIsIdempotentOnSourceKey(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	nr := NewRequest{
		Type:        models.RequestOutreach,
		RequestedBy: "influencer_agent",
		Title:       "Outreach to Ria (@ria)",
		Summary:     "Subject: Collab?",
		Details:     OutreachAction{To: "ria@example.com", Subject: "Collab?", Body: "Hi"},
		SourceKey:   "email:job-1",
	}

	f.chat.PromptErr = errors.New("slack down")
	first, err := f.gate.Request(ctx, nr)
	require.Error(t, err)
	require.Empty(t, first.CorrelationID)

	f.chat.PromptErr = nil
	second, err := f.gate.Request(ctx, nr)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.NotEmpty(t, second.CorrelationID)

	third, err := f.gate.Request(ctx, nr)
	require.NoError(t, err)
	require.Equal(t, first.ID, third.ID)

	require.Len(t, f.store.Approvals, 1)
	require.Len(t, f.chat.Prompts, 1)
	require.Equal(t, provider.ApprovalPrompt{
		ApprovalID:  first.ID,
		Title:       "Outreach to Ria (@ria)",
		Details:     "Subject: Collab?",
		RequestedBy: "influencer_agent",
	}, f.chat.Prompts[0])

	got, trail, err := f.gate.Get(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, second.CorrelationID, got.CorrelationID)
	require.Len(t, trail, 1)
}

func TestRequestRejectsIncompleteDetails(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.gate.Request(context.Background(), NewRequest{
		Type:    models.RequestEmail,
		Title:   "Empty",
		Details: EmailAction{Subject: "s", HTML: "h"},
	})
	require.Equal(t, faults.KindPermanent, faults.Classify(err))
	require.Empty(t, f.store.Approvals)
	require.Empty(t, f.chat.Prompts)
}

func TestApprovalSurvivesReadFailureAfterDecision(t *testing.T) {
	f := newFixture(t, 0)
	f.seedContent()
	fs := &faultyStore{Memory: f.store, getAfterDecide: errors.New("connection reset")}
	f.useStore(fs)

	out, err := f.gate.Resolve(context.Background(), "app_1", Approve, "alice")
	require.NoError(t, err)
	require.True(t, out.Executed)
	require.Equal(t, "alice", out.Request.ApprovedBy)
	require.Equal(t, 1, f.pub.Count())
	require.Equal(t, models.ExecutionDone, f.store.Approvals["app_1"].Execution)
	require.True(t, f.chat.Contains(provider.ChannelUpdates, "approved by alice and executed"))
}

func TestFailedClaimIsReportedAndRetryable(t *testing.T) {
	f := newFixture(t, 0)
	f.seedContent()
	ctx := context.Background()
	fs := &faultyStore{
		Memory:    f.store,
		beginErrs: []error{errors.New("connection reset")},
		finishErr: errors.New("connection reset"),
	}
	f.useStore(fs)

	_, err := f.gate.Resolve(ctx, "app_1", Approve, "alice")
	var ee *ExecutionError
	require.ErrorAs(t, err, &ee)
	require.Zero(t, f.pub.Count())
	require.Equal(t, models.ApprovalApproved, f.store.Approvals["app_1"].Status)
	require.Equal(t, models.ExecutionNone, f.store.Approvals["app_1"].Execution)
	require.True(t, f.chat.Contains(provider.ChannelUpdates, "⚠️ Launch post was approved by alice but execution failed"))

	fs.finishErr = nil
	out, err := f.gate.RetryExecution(ctx, "app_1", "")
	require.NoError(t, err)
	require.True(t, out.Executed)
	require.Equal(t, 1, f.pub.Count())
	require.Equal(t, models.ExecutionDone, f.store.Approvals["app_1"].Execution)
}

func TestStaleExecutionClaimCanBeRetried(t *testing.T) {
	f := newFixture(t, 0)
	f.seedContent()
	ctx := context.Background()

	fresh := f.now.Add(-time.Minute)
	a := f.store.Approvals["app_1"]
	a.Status, a.ApprovedBy = models.ApprovalApproved, "alice"
	a.Execution, a.ExecutionStartedAt = models.ExecutionRunning, &fresh
	f.store.Approvals["app_1"] = a

	_, err := f.gate.RetryExecution(ctx, "app_1", "")
	var se *StateError
	require.ErrorAs(t, err, &se)
	require.Equal(t, ReasonAlreadyRunning, se.Reason)
	require.Zero(t, f.pub.Count())

	f.now = f.now.Add(time.Hour)
	out, err := f.gate.RetryExecution(ctx, "app_1", "")
	require.NoError(t, err)
	require.True(t, out.Executed)
	require.Equal(t, 1, f.pub.Count())
	require.Equal(t, "alice", f.store.Content["cal_1"].ApprovedBy)
}

func TestRetryDoesNotRepublishAfterBookkeepingFailure(t *testing.T) {
	f := newFixture(t, 0)
	f.seedContent()
	ctx := context.Background()
	fs := &faultyStore{Memory: f.store, publishedErr: errors.New("connection reset")}
	f.useStore(fs)

	_, err := f.gate.Resolve(ctx, "app_1", Approve, "alice")
	var ee *ExecutionError
	require.ErrorAs(t, err, &ee)
	require.Equal(t, 1, f.pub.Count())
	require.Equal(t, "post-1", f.store.Approvals["app_1"].ExecutionRef)

	_, err = f.gate.RetryExecution(ctx, "app_1", "")
	require.ErrorAs(t, err, &ee)
	require.Equal(t, 1, f.pub.Count())

	fs.publishedErr = nil
	out, err := f.gate.RetryExecution(ctx, "app_1", "")
	require.NoError(t, err)
	require.True(t, out.Executed)
	require.Equal(t, 1, f.pub.Count())
	require.Equal(t, "post-1", f.store.Content["cal_1"].PublisherPostID)
	require.Equal(t, models.ContentPublished, f.store.Content["cal_1"].Status)
}

func TestRetryDoesNotResendOutreach(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.store.Influencers["inf_1"] = models.Influencer{ID: "inf_1", Name: "Ria", Status: models.InfluencerIdentified}
	f.seed("app_o", models.RequestOutreach, "Outreach to Ria", map[string]any{
		"to": "ria@example.com", "subject": "Collab?", "body": "Hi Ria", "influencerId": "inf_1",
	})
	fs := &faultyStore{Memory: f.store, contactedErr: errors.New("connection reset")}
	f.useStore(fs)

	_, err := f.gate.Resolve(ctx, "app_o", Approve, "alice")
	require.Error(t, err)
	require.Len(t, f.mail.Sent, 1)
	require.Equal(t, "approval/app_o", f.mail.Sent[0].IdempotencyKey)

	fs.contactedErr = nil
	_, err = f.gate.RetryExecution(ctx, "app_o", "")
	require.NoError(t, err)
	require.Len(t, f.mail.Sent, 1)
	require.Equal(t, models.InfluencerContacted, f.store.Influencers["inf_1"].Status)
}
