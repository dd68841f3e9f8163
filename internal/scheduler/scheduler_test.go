package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"outreach/internal/dispatcher"
	"outreach/internal/engine"
	"outreach/internal/model"
	"outreach/internal/recipients"
	"outreach/internal/storage"
	"outreach/internal/suppression"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/datatypes"
)

type harness struct {
	store *storage.Store
	sched *JobScheduler
	dir   string
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dir := t.TempDir()
	store, err := storage.NewStore(filepath.Join(dir, "outreach.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})

	h := &harness{store: store, dir: dir, now: time.Date(2024, 1, 2, 9, 5, 0, 0, time.UTC)}
	logger := zaptest.NewLogger(t).Sugar()
	loader := recipients.NewLoader(store, recipients.Files{
		Marketing: filepath.Join(dir, "marketing.csv"),
		Leads:     filepath.Join(dir, "leads.csv"),
	})
	h.sched = New(Deps{
		Store:       store,
		Engines:     engine.DefaultChain(store, logger),
		Recipients:  loader,
		Suppression: suppression.NewService(store),
		Logger:      logger,
	}, Config{ClaimTTL: "2m"})
	h.sched.now = func() time.Time { return h.now }

	require.NoError(t, store.DB().Create(&model.EmailSenderEngine{Name: "main", Provider: "smtp", IsActive: true, Priority: 1, Credentials: datatypes.JSON(`{"host":"smtp.test"}`)}).Error)
	return h
}

func (h *harness) writeCSV(t *testing.T, name string, rows ...string) {
	t.Helper()
	content := strings.Join(rows, "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, name), []byte(content), 0o600))
}

func (h *harness) seed(t *testing.T, def model.JobDefinition, sched model.JobSchedule) *model.JobSchedule {
	t.Helper()
	ctx := context.Background()
	if def.JobType == "" {
		def.JobType = model.JobTypeLeads
	}
	require.NoError(t, h.store.CreateJobDefinition(ctx, &def))
	sched.JobDefinitionID = def.ID
	if sched.Frequency == "" {
		sched.Frequency = model.FrequencyDaily
	}
	if sched.NextRunAt.IsZero() {
		sched.NextRunAt = h.now.Add(-time.Minute)
		sched.Enabled = true
	}
	require.NoError(t, h.store.CreateSchedule(ctx, &sched))
	return &sched
}

func emailsOf(p *Prepared) []string {
	out := make([]string, 0, len(p.Payload.Recipients))
	for _, r := range p.Payload.Recipients {
		out = append(out, r.Email)
	}
	return out
}

func TestPrepareFiltersSuppressedAndCapsBatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.writeCSV(t, "leads.csv",
		"Email,unsubscribe_flag,bounce_flag,complaint_flag",
		"a@example.com,0,0,0",
		"flagged@example.com,1,0,0",
		"Blocked@Example.com,0,0,0",
		"A@example.com,0,0,0",
		"b@example.com,0,0,0",
		"c@example.com,0,0,0",
	)
	_, err := h.store.ApplySuppression(ctx, "blocked@example.com", storage.SuppressionMark{Kind: model.SuppressComplaint, At: h.now})
	require.NoError(t, err)

	sched := h.seed(t, model.JobDefinition{Config: datatypes.JSON(`{"batch_size": 2}`)}, model.JobSchedule{})

	p, err := h.sched.PrepareJobExecution(ctx, sched)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, emailsOf(p))
	assert.Equal(t, "smtp", p.Payload.Engine.Provider)
	assert.JSONEq(t, `{"host":"smtp.test"}`, string(p.Payload.Engine.CredentialsJSON))
	assert.Empty(t, p.Payload.CandidateInfo)
	assert.Equal(t, p.Run.ID, p.Payload.JobRunID)

	run, err := h.store.GetJobRun(ctx, p.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, run.RunStatus)
	assert.Equal(t, 2, run.ItemsTotal)
	assert.True(t, run.StartedAt.Equal(h.now))
}

func TestPrepareUnboundedBatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rows := []string{"email"}
	for i := 0; i < 700; i++ {
		rows = append(rows, fmt.Sprintf("user%d@example.com", i))
	}
	h.writeCSV(t, "leads.csv", rows...)
	sched := h.seed(t, model.JobDefinition{Config: datatypes.JSON(`{"batch_size": 0}`)}, model.JobSchedule{})

	p, err := h.sched.PrepareJobExecution(context.Background(), sched)
	require.NoError(t, err)
	assert.Len(t, p.Payload.Recipients, 700)
}

func TestPrepareResendSameBatchPinsOffset(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.writeCSV(t, "leads.csv", "Email", "a@example.com", "b@example.com", "c@example.com")

	pinned := h.seed(t, model.JobDefinition{Config: datatypes.JSON(`{"batch_size": 2}`)}, model.JobSchedule{})
	for i := 0; i < 2; i++ {
		p, err := h.sched.PrepareJobExecution(ctx, pinned)
		require.NoError(t, err)
		assert.Equal(t, []string{"a@example.com", "b@example.com"}, emailsOf(p))
	}

	paged := h.seed(t, model.JobDefinition{Config: datatypes.JSON(`{"batch_size": 2, "resend_same_batch": false}`)}, model.JobSchedule{})
	p, err := h.sched.PrepareJobExecution(ctx, paged)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, emailsOf(p))

	reloaded, err := h.store.GetSchedule(ctx, paged.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.RecipientOffset)

	p, err = h.sched.PrepareJobExecution(ctx, reloaded)
	require.NoError(t, err)
	assert.Equal(t, []string{"c@example.com"}, emailsOf(p))

	// 扫描到末尾后回到开头
	reloaded, err = h.store.GetSchedule(ctx, paged.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, reloaded.RecipientOffset)
}

func TestPrepareNoRecipientsCreatesNoRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.writeCSV(t, "leads.csv", "Email,bounce_flag", "x@example.com,1")
	sched := h.seed(t, model.JobDefinition{}, model.JobSchedule{})

	_, err := h.sched.PrepareJobExecution(ctx, sched)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoRecipients))
	assert.Equal(t, KindPrecondition, KindOf(err))

	runs, err := h.store.ListRuns(ctx, sched.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestPreparePreconditions(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	missingFile := h.seed(t, model.JobDefinition{}, model.JobSchedule{})
	_, err := h.sched.PrepareJobExecution(ctx, missingFile)
	assert.True(t, errors.Is(err, ErrRecipientFileMissing))
	assert.Equal(t, KindPrecondition, KindOf(err))

	missingID := uint(404)
	noMarketing := h.seed(t, model.JobDefinition{JobType: model.JobTypeMassEmail, CandidateMarketingID: &missingID}, model.JobSchedule{})
	_, err = h.sched.PrepareJobExecution(ctx, noMarketing)
	assert.True(t, errors.Is(err, ErrMarketingNotFound))

	orphan := &model.JobSchedule{ID: 77, JobDefinitionID: 999}
	_, err = h.sched.PrepareJobExecution(ctx, orphan)
	assert.True(t, errors.Is(err, ErrDefinitionNotFound))
	assert.Equal(t, KindPrecondition, KindOf(err))
}

func TestPrepareNoActiveEngine(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, h.store.DB().Model(&model.EmailSenderEngine{}).Where("1 = 1").Update("is_active", false).Error)
	h.writeCSV(t, "leads.csv", "Email", "a@example.com")
	sched := h.seed(t, model.JobDefinition{}, model.JobSchedule{})

	_, err := h.sched.PrepareJobExecution(context.Background(), sched)
	assert.True(t, errors.Is(err, ErrNoActiveEngine))
	assert.Equal(t, KindPrecondition, KindOf(err))
}

func TestPrepareMarketingCandidateInfo(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	m := model.CandidateMarketing{
		CandidateName:  "Jane Doe",
		MarketingEmail: "jane@agency.test",
		Intro:          "<p>Senior <b>Go</b> engineer</p><p>Open &amp; remote</p>",
		LinkedInURL:    "https://linkedin.com/in/jane",
	}
	require.NoError(t, h.store.DB().Create(&m).Error)
	h.writeCSV(t, "marketing.csv", "Email", "vendor@example.com")

	sched := h.seed(t, model.JobDefinition{
		JobType:              model.JobTypeVendorOutreach,
		CandidateMarketingID: &m.ID,
		Config:               datatypes.JSON(`{"unsubscribe_base_url": "https://u.test/unsub"}`),
	}, model.JobSchedule{})

	p, err := h.sched.PrepareJobExecution(ctx, sched)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"name":     "Jane Doe",
		"email":    "jane@agency.test",
		"reply_to": "jane@agency.test",
		"intro":    "Senior Go engineer\nOpen & remote",
		"linkedin": "https://linkedin.com/in/jane",
	}, p.Payload.CandidateInfo)
	require.Len(t, p.Payload.Recipients, 1)
	assert.Equal(t, "https://u.test/unsub?email=vendor%40example.com", p.Payload.Recipients[0].UnsubscribeLink)
	assert.Equal(t, "https://u.test/unsub", p.Payload.ConfigJSON["unsubscribe_base_url"])
}

func TestPrepareLeadsDBMarksSelectedLeads(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	leads := []model.Lead{{Email: "a@example.com"}, {Email: "b@example.com"}, {Email: "c@example.com"}}
	require.NoError(t, h.store.DB().Create(&leads).Error)

	sched := h.seed(t, model.JobDefinition{Config: datatypes.JSON(`{"recipient_source": "LEADS_DB", "batch_size": 2}`)}, model.JobSchedule{})

	p, err := h.sched.PrepareJobExecution(ctx, sched)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, emailsOf(p))

	got, err := h.store.ListLeads(ctx)
	require.NoError(t, err)
	assert.True(t, got[0].MassEmailSent)
	assert.True(t, got[1].MassEmailSent)
	assert.False(t, got[2].MassEmailSent)
}

func TestRunClosureAfterDispatchFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.writeCSV(t, "leads.csv", "Email", "a@example.com")
	sched := h.seed(t, model.JobDefinition{}, model.JobSchedule{})

	p, err := h.sched.PrepareJobExecution(ctx, sched)
	require.NoError(t, err)

	_, derr := dispatcher.New(dispatcher.Config{}).Dispatch(ctx, p.Payload)
	require.Error(t, derr)
	require.NoError(t, h.sched.UpdateJobRunResult(ctx, p.Run.ID, dispatcher.FailedResult(derr)))

	run, err := h.store.GetJobRun(ctx, p.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, run.RunStatus)
	assert.Zero(t, run.ItemsTotal)
	assert.Zero(t, run.ItemsSucceeded)
	assert.Zero(t, run.ItemsFailed)
	require.NotNil(t, run.FinishedAt)

	// 已结束的记录不再被覆盖
	require.NoError(t, h.sched.UpdateJobRunResult(ctx, p.Run.ID, dispatcher.Result{RunStatus: model.RunStatusSuccess, ItemsSucceeded: 1}))
	run, err = h.store.GetJobRun(ctx, p.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, run.RunStatus)

	err = h.sched.UpdateJobRunResult(ctx, 9999, dispatcher.Result{})
	assert.True(t, errors.Is(err, ErrRunNotFound))
}

func TestNormalizeStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   dispatcher.Result
		want string
	}{
		{dispatcher.Result{}, model.RunStatusSuccess},
		{dispatcher.Result{RunStatus: model.RunStatusPartial}, model.RunStatusPartial},
		{dispatcher.Result{RunStatus: "done", ItemsSucceeded: 3}, model.RunStatusSuccess},
		{dispatcher.Result{RunStatus: "done", ItemsFailed: 3}, model.RunStatusFailed},
		{dispatcher.Result{RunStatus: "done", ItemsSucceeded: 1, ItemsFailed: 1}, model.RunStatusPartial},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, normalizeStatus(tc.in), "%+v", tc.in)
	}
}

func TestUpdateScheduleLastRunDailyCatchUp(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	prev := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	sched := h.seed(t, model.JobDefinition{}, model.JobSchedule{Frequency: model.FrequencyDaily, IntervalValue: 1, NextRunAt: prev, Enabled: true})

	due, err := h.sched.GetDueSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)

	claim, err := h.sched.Claim(ctx, sched.ID, "w1")
	require.NoError(t, err)
	require.Equal(t, ClaimAcquired, claim)

	require.NoError(t, h.sched.UpdateScheduleLastRun(ctx, sched.ID, "w1"))

	got, err := h.store.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.True(t, got.NextRunAt.Equal(time.Date(2024, 1, 2, 9, 6, 0, 0, time.UTC)), "next_run_at=%s", got.NextRunAt)
	assert.True(t, got.NextRunAt.After(prev))
	require.NotNil(t, got.LastRunAt)
	assert.True(t, got.LastRunAt.Equal(h.now))
	assert.Empty(t, got.ClaimedBy)
}

func TestUpdateScheduleLastRunOnceDisables(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	sched := h.seed(t, model.JobDefinition{}, model.JobSchedule{Frequency: model.FrequencyOnce, NextRunAt: h.now.Add(-time.Minute), Enabled: true})

	require.NoError(t, h.sched.UpdateScheduleLastRun(ctx, sched.ID, ""))

	got, err := h.store.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	h.now = h.now.Add(24 * time.Hour)
	due, err := h.sched.GetDueSchedules(ctx)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestUpdateScheduleLastRunInvalidFrequency(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	sched := h.seed(t, model.JobDefinition{}, model.JobSchedule{Frequency: "FORTNIGHTLY", NextRunAt: h.now.Add(-time.Minute), Enabled: true})

	err := h.sched.UpdateScheduleLastRun(ctx, sched.ID, "")
	assert.True(t, errors.Is(err, ErrInvalidFrequency))
	assert.Equal(t, KindPermanent, KindOf(err))

	got, err := h.store.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
}

func TestClaimIsExclusive(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	sched := h.seed(t, model.JobDefinition{}, model.JobSchedule{})

	first, err := h.sched.Claim(ctx, sched.ID, "w1")
	require.NoError(t, err)
	second, err := h.sched.Claim(ctx, sched.ID, "w2")
	require.NoError(t, err)
	assert.Equal(t, ClaimAcquired, first)
	assert.Equal(t, ClaimAlreadyClaimed, second)

	require.NoError(t, h.sched.Release(ctx, sched.ID, "w1"))
	third, err := h.sched.Claim(ctx, sched.ID, "w2")
	require.NoError(t, err)
	assert.Equal(t, ClaimAcquired, third)

	err = h.sched.UpdateScheduleLastRun(ctx, sched.ID, "w1")
	assert.Equal(t, KindPermanent, KindOf(err))
}

func TestRemoteContextOutreachDB(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	for _, e := range []string{"one@example.com", "two@example.com", "three@example.com"} {
		_, err := h.store.UpsertContact(ctx, e)
		require.NoError(t, err)
	}
	_, err := h.store.ApplySuppression(ctx, "two@example.com", storage.SuppressionMark{Kind: model.SuppressUnsubscribe, At: h.now})
	require.NoError(t, err)

	sched := h.seed(t, model.JobDefinition{Config: datatypes.JSON(`{"recipient_source": "OUTREACH_DB", "date_filter": "ALL_ACTIVE", "batch_size": 5}`)}, model.JobSchedule{})

	rc, err := h.sched.GetRemoteJobContext(ctx, sched.ID, "remote:1")
	require.NoError(t, err)
	assert.Equal(t, []string{"one@example.com", "three@example.com"}, rc.Recipients)
	assert.Equal(t, 5, rc.BatchSize)
	assert.Equal(t, "remote:1", rc.Owner)

	run, err := h.store.GetJobRun(ctx, rc.JobRunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, run.RunStatus)

	_, err = h.sched.GetRemoteJobContext(ctx, sched.ID, "remote:2")
	assert.True(t, errors.Is(err, ErrAlreadyClaimed))

	_, err = h.sched.GetRemoteJobContext(ctx, 12345, "remote:3")
	assert.True(t, errors.Is(err, ErrScheduleNotFound))
}

func TestRemoteContextReleasesClaimOnFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	missing := uint(404)
	sched := h.seed(t, model.JobDefinition{JobType: model.JobTypeMassEmail, CandidateMarketingID: &missing}, model.JobSchedule{})

	_, err := h.sched.GetRemoteJobContext(ctx, sched.ID, "remote:1")
	assert.True(t, errors.Is(err, ErrMarketingNotFound))

	got, err := h.store.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ClaimedBy)
}

func TestComputeNextRun(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)

	cases := []struct {
		freq     string
		interval int
		want     time.Time
	}{
		{model.FrequencyMinutely, 5, future.Add(5 * time.Minute)},
		{model.FrequencyHourly, 2, future.Add(2 * time.Hour)},
		{model.FrequencyDaily, 0, future.AddDate(0, 0, 1)},
		{"weekly", 1, future.AddDate(0, 0, 7)},
		{model.FrequencyMonthly, 2, future.AddDate(0, 0, 60)},
	}
	for _, tc := range cases {
		got, err := ComputeNextRun(model.JobSchedule{Frequency: tc.freq, IntervalValue: tc.interval, NextRunAt: future, Enabled: true}, now)
		require.NoError(t, err, tc.freq)
		assert.True(t, got.At.Equal(tc.want), "%s: got %s want %s", tc.freq, got.At, tc.want)
		assert.True(t, got.Enabled)
	}

	// 落后不超过 60 秒时保持节奏
	got, err := ComputeNextRun(model.JobSchedule{Frequency: model.FrequencyMinutely, IntervalValue: 1, NextRunAt: now.Add(-90 * time.Second), Enabled: true}, now)
	require.NoError(t, err)
	assert.True(t, got.At.Equal(now.Add(-30*time.Second)))

	got, err = ComputeNextRun(model.JobSchedule{Frequency: model.FrequencyOnce, NextRunAt: now, Enabled: true}, now)
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	_, err = ComputeNextRun(model.JobSchedule{Frequency: "YEARLY"}, now)
	assert.True(t, errors.Is(err, ErrInvalidFrequency))
}

func TestHTMLToText(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "plain text", htmlToText("  plain text "))
	assert.Equal(t, "Hello\nworld", htmlToText("<div>Hello</div><script>alert(1)</script><br/>world"))
	assert.Equal(t, "", htmlToText(""))
}

func outreachDBSchedule(t *testing.T, h *harness, sched model.JobSchedule) *model.JobSchedule {
	t.Helper()
	if sched.Frequency == "" {
		sched.Frequency = model.FrequencyHourly
		sched.IntervalValue = 1
	}
	return h.seed(t, model.JobDefinition{Config: datatypes.JSON(`{"recipient_source": "OUTREACH_DB", "date_filter": "ALL_ACTIVE"}`)}, sched)
}

func TestCompleteRemoteRunRejectsForeignSchedule(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	a := outreachDBSchedule(t, h, model.JobSchedule{})
	b := outreachDBSchedule(t, h, model.JobSchedule{})

	rc, err := h.sched.GetRemoteJobContext(ctx, a.ID, "remote:a")
	require.NoError(t, err)
	before, err := h.store.GetSchedule(ctx, b.ID)
	require.NoError(t, err)

	err = h.sched.CompleteRemoteRun(ctx, b.ID, rc.JobRunID, "", dispatcher.Result{ItemsSucceeded: 1}, nil)
	assert.True(t, errors.Is(err, ErrRunScheduleMismatch))
	assert.Equal(t, KindPrecondition, KindOf(err))

	run, err := h.store.GetJobRun(ctx, rc.JobRunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, run.RunStatus)
	assert.Nil(t, run.FinishedAt)

	after, err := h.store.GetSchedule(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, after.NextRunAt.Equal(before.NextRunAt))
	assert.Nil(t, after.LastRunAt)

	err = h.sched.CompleteRemoteRun(ctx, a.ID, 98765, "remote:a", dispatcher.Result{}, nil)
	assert.True(t, errors.Is(err, ErrRunNotFound))
}

func TestCompleteRemoteRunClosesOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	a := outreachDBSchedule(t, h, model.JobSchedule{})

	rc, err := h.sched.GetRemoteJobContext(ctx, a.ID, "remote:a")
	require.NoError(t, err)

	offset := 7
	require.NoError(t, h.sched.CompleteRemoteRun(ctx, a.ID, rc.JobRunID, "remote:a", dispatcher.Result{ItemsTotal: 2, ItemsSucceeded: 2}, &offset))
	first, err := h.store.GetSchedule(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, first.NextRunAt.After(h.now))
	assert.Equal(t, 7, first.RecipientOffset)
	assert.Empty(t, first.ClaimedBy)

	h.now = h.now.Add(3 * time.Hour)
	again := 99
	err = h.sched.CompleteRemoteRun(ctx, a.ID, rc.JobRunID, "", dispatcher.Result{RunStatus: model.RunStatusFailed}, &again)
	assert.True(t, errors.Is(err, ErrRunAlreadyClosed))

	second, err := h.store.GetSchedule(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, second.NextRunAt.Equal(first.NextRunAt))
	assert.Equal(t, 7, second.RecipientOffset)
	require.NotNil(t, second.LastRunAt)
	assert.True(t, second.LastRunAt.Equal(*first.LastRunAt))

	run, err := h.store.GetJobRun(ctx, rc.JobRunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, run.RunStatus)
	assert.Equal(t, 2, run.ItemsSucceeded)
}

func TestRemoteContextNotDue(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	later := outreachDBSchedule(t, h, model.JobSchedule{
		Frequency:     model.FrequencyHourly,
		IntervalValue: 1,
		NextRunAt:     h.now.Add(time.Hour),
		Enabled:       true,
	})

	_, err := h.sched.GetRemoteJobContext(ctx, later.ID, "remote:1")
	assert.True(t, errors.Is(err, ErrNotDue))
	assert.False(t, errors.Is(err, ErrAlreadyClaimed))

	got, err := h.store.GetSchedule(ctx, later.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ClaimedBy)

	runs, err := h.store.ListRuns(ctx, later.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRemoteLeaseOutlivesLocalTTL(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	sched := outreachDBSchedule(t, h, model.JobSchedule{})

	_, err := h.sched.GetRemoteJobContext(ctx, sched.ID, "remote:a")
	require.NoError(t, err)

	// 本地租约早已过期，远程租约仍然有效
	h.now = h.now.Add(10 * time.Minute)
	res, err := h.sched.Claim(ctx, sched.ID, "local")
	require.NoError(t, err)
	assert.Equal(t, ClaimAlreadyClaimed, res)

	h.now = h.now.Add(DefaultRemoteClaimTTL)
	res, err = h.sched.Claim(ctx, sched.ID, "local")
	require.NoError(t, err)
	assert.Equal(t, ClaimAcquired, res)
}
