package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/use-agent/harvester/cache"
	"github.com/use-agent/harvester/config"
	"github.com/use-agent/harvester/ledger"
	"github.com/use-agent/harvester/models"
	"github.com/use-agent/harvester/pricing"
	"github.com/use-agent/harvester/queue"
	"github.com/use-agent/harvester/store"
	"github.com/use-agent/harvester/store/storetest"
)

type fakeBroker struct {
	mu   sync.Mutex
	msgs []queue.Message
	err  error
	// failFrom makes the nth and later enqueues fail when set.
	failFrom int
	calls    int
}

func (b *fakeBroker) Enqueue(_ context.Context, msg queue.Message, _ time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.err != nil {
		return b.err
	}
	if b.failFrom > 0 && b.calls >= b.failFrom {
		return errors.New("connection reset")
	}
	b.msgs = append(b.msgs, msg)
	return nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	jobs []models.Job
}

func (n *recordingNotifier) Notify(_ context.Context, job *models.Job, _ *models.JobResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, *job)
}

func (n *recordingNotifier) statuses() map[string]models.JobStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]models.JobStatus, len(n.jobs))
	for _, j := range n.jobs {
		out[j.ID] = j.Status
	}
	return out
}

var testLimits = config.AdmissionConfig{
	MaxAttempts:  3,
	MaxTimeout:   120 * time.Second,
	MaxWait:      30 * time.Second,
	MaxScenario:  50,
	MaxBodyBytes: 1 << 20,
	MaxURLLength: 2048,
	DefaultBatch: 100,
}

type fixture struct {
	db       *gorm.DB
	broker   *fakeBroker
	notifier *recordingNotifier
	router   *Router
	service  *Service
	ledger   *ledger.Ledger
}

func setup(t *testing.T, balance int64, maxBatch int) *fixture {
	t.Helper()
	db := storetest.Open(t)
	l := ledger.New(db)
	_, err := l.EnsureAccount(context.Background(), "acct", models.PlanStarter, balance, maxBatch)
	require.NoError(t, err)
	b := &fakeBroker{}
	n := &recordingNotifier{}
	return &fixture{
		db:       db,
		broker:   b,
		notifier: n,
		router:   NewRouter(db, b, pricing.DefaultTable(), testLimits, WithNotifier(n)),
		service:  NewService(db, cache.New(10, time.Minute), 10*time.Millisecond, NotifyCancels(n)),
		ledger:   l,
	}
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	acct, err := f.ledger.Account(context.Background(), "acct")
	require.NoError(t, err)
	return acct.Balance
}

func (f *fixture) jobCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&models.Job{}).Count(&n).Error)
	return n
}

func ptr[T any](v T) *T { return &v }

func TestSubmitHTTPJob(t *testing.T) {
	f := setup(t, 100, 10)
	ctx := context.Background()

	resp, err := f.router.Submit(ctx, "acct", models.JobRequest{URL: "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, models.EngineHTTP, resp.Engine)
	assert.Equal(t, int64(1), resp.CreditsEstimated)
	assert.Equal(t, models.StatusQueued, resp.Status)
	assert.Equal(t, int64(99), f.balance(t))

	require.Len(t, f.broker.msgs, 1)
	assert.Equal(t, resp.JobID, f.broker.msgs[0].JobID)
	assert.Equal(t, 1, f.broker.msgs[0].Attempt)

	job, err := f.service.Get(ctx, "acct", resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, job.Status)
	assert.Equal(t, "GET", job.Method)
	assert.Equal(t, models.ProxyDatacenter, job.ProxyTier)

	held, err := f.ledger.Reserved(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), held)
}

func TestSubmitBrowserJobWithScreenshot(t *testing.T) {
	f := setup(t, 100, 10)

	resp, err := f.router.Submit(context.Background(), "acct", models.JobRequest{
		URL:     "https://example.com",
		Options: &models.OptionsInput{Screenshot: ptr(true), PremiumProxy: ptr(true)},
	})
	require.NoError(t, err)
	assert.Equal(t, models.EngineBrowser, resp.Engine)
	assert.Equal(t, int64(5+3+2), resp.CreditsEstimated)
	assert.Equal(t, int64(90), f.balance(t))
}

func TestSubmitInsufficientCreditsLeavesNothing(t *testing.T) {
	f := setup(t, 3, 10)

	_, err := f.router.Submit(context.Background(), "acct", models.JobRequest{
		URL:    "https://example.com",
		Engine: models.EngineStealth,
	})
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeInsufficientCredit, models.CodeOf(err))
	assert.Equal(t, int64(3), f.balance(t))
	assert.Zero(t, f.jobCount(t))
	assert.Empty(t, f.broker.msgs)
}

func TestSubmitIsIdempotent(t *testing.T) {
	f := setup(t, 100, 10)
	ctx := context.Background()
	req := models.JobRequest{URL: "https://example.com", IdempotencyKey: "order-42"}

	first, err := f.router.Submit(ctx, "acct", req)
	require.NoError(t, err)
	second, err := f.router.Submit(ctx, "acct", req)
	require.NoError(t, err)

	assert.Equal(t, first.JobID, second.JobID)
	assert.Equal(t, int64(99), f.balance(t))
	assert.Equal(t, int64(1), f.jobCount(t))
	assert.Len(t, f.broker.msgs, 1)
}

func TestSubmitFailsClosedWhenBrokerDown(t *testing.T) {
	f := setup(t, 100, 10)
	f.broker.err = errors.New("connection refused")
	ctx := context.Background()

	_, err := f.router.Submit(ctx, "acct", models.JobRequest{URL: "https://example.com"})
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeQueueUnavailable, models.CodeOf(err))
	assert.Equal(t, int64(100), f.balance(t))

	var job models.Job
	require.NoError(t, f.db.First(&job).Error)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, models.ErrCodeQueueUnavailable, job.ErrorCode)

	held, err := f.ledger.Reserved(ctx, job.ID)
	require.NoError(t, err)
	assert.Zero(t, held)
	assert.Equal(t, map[string]models.JobStatus{job.ID: models.StatusFailed}, f.notifier.statuses())
}

func TestIdempotencyKeyFreedAfterBrokerOutage(t *testing.T) {
	f := setup(t, 100, 10)
	ctx := context.Background()
	req := models.JobRequest{URL: "https://example.com", IdempotencyKey: "order-7"}

	f.broker.err = errors.New("connection refused")
	_, err := f.router.Submit(ctx, "acct", req)
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeQueueUnavailable, models.CodeOf(err))

	var failed models.Job
	require.NoError(t, f.db.First(&failed).Error)
	assert.Nil(t, failed.IdempotencyKey)

	f.broker.err = nil
	resp, err := f.router.Submit(ctx, "acct", req)
	require.NoError(t, err)
	assert.NotEqual(t, failed.ID, resp.JobID)
	assert.Equal(t, models.StatusQueued, resp.Status)
	assert.Equal(t, int64(99), f.balance(t))
	require.Len(t, f.broker.msgs, 1)
	assert.Equal(t, resp.JobID, f.broker.msgs[0].JobID)

	again, err := f.router.Submit(ctx, "acct", req)
	require.NoError(t, err)
	assert.Equal(t, resp.JobID, again.JobID)
}

func TestSubmitValidation(t *testing.T) {
	cases := []struct {
		name string
		req  models.JobRequest
		code string
	}{
		{"missing url", models.JobRequest{}, models.ErrCodeInvalidURL},
		{"relative url", models.JobRequest{URL: "/path"}, models.ErrCodeInvalidURL},
		{"ftp url", models.JobRequest{URL: "ftp://example.com/file"}, models.ErrCodeInvalidURL},
		{"long url", models.JobRequest{URL: "https://example.com/" + strings.Repeat("a", 2048)}, models.ErrCodeInvalidURL},
		{"bad method", models.JobRequest{URL: "https://example.com", Method: "TRACE"}, models.ErrCodeInvalidOptions},
		{"bad engine", models.JobRequest{URL: "https://example.com", Engine: "curl"}, models.ErrCodeInvalidOptions},
		{"http with screenshot", models.JobRequest{
			URL: "https://example.com", Engine: models.EngineHTTP,
			Options: &models.OptionsInput{Screenshot: ptr(true)},
		}, models.ErrCodeInvalidOptions},
		{"browser post", models.JobRequest{URL: "https://example.com", Method: "POST", Engine: models.EngineBrowser}, models.ErrCodeInvalidOptions},
		{"timeout too long", models.JobRequest{URL: "https://example.com", Options: &models.OptionsInput{TimeoutMs: ptr(600000)}}, models.ErrCodeInvalidOptions},
		{"unknown format", models.JobRequest{URL: "https://example.com", Options: &models.OptionsInput{Format: ptr("pdf")}}, models.ErrCodeInvalidOptions},
		{"bad country", models.JobRequest{URL: "https://example.com", Options: &models.OptionsInput{Country: ptr("USA")}}, models.ErrCodeInvalidOptions},
		{"bad selector", models.JobRequest{URL: "https://example.com", Options: &models.OptionsInput{Extract: map[string]string{"x": "div[[["}}}, models.ErrCodeInvalidOptions},
		{"unknown resource", models.JobRequest{URL: "https://example.com", Options: &models.OptionsInput{BlockResources: []string{"video"}}}, models.ErrCodeInvalidOptions},
		{"click without selector", models.JobRequest{URL: "https://example.com", Options: &models.OptionsInput{
			Scenario: []models.ScenarioStep{{Action: models.ActionClick}},
		}}, models.ErrCodeInvalidOptions},
		{"unknown action", models.JobRequest{URL: "https://example.com", Options: &models.OptionsInput{
			Scenario: []models.ScenarioStep{{Action: "teleport"}},
		}}, models.ErrCodeInvalidOptions},
		{"bad webhook", models.JobRequest{URL: "https://example.com", WebhookURL: "not a url"}, models.ErrCodeInvalidOptions},
	}

	f := setup(t, 100, 10)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.router.Submit(context.Background(), "acct", tc.req)
			require.Error(t, err)
			assert.Equal(t, tc.code, models.CodeOf(err))
		})
	}
	assert.Zero(t, f.jobCount(t))
	assert.Equal(t, int64(100), f.balance(t))
}

func TestSubmitLowercaseMethod(t *testing.T) {
	f := setup(t, 100, 10)
	resp, err := f.router.Submit(context.Background(), "acct", models.JobRequest{URL: "https://example.com", Method: "post", Body: "a=1"})
	require.NoError(t, err)
	job, err := f.service.Get(context.Background(), "acct", resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, "POST", job.Method)
}

func batchOf(n int) models.BatchRequest {
	req := models.BatchRequest{WebhookURL: "https://hooks.example.com/done"}
	for i := 0; i < n; i++ {
		req.Requests = append(req.Requests, models.JobRequest{URL: "https://example.com/page"})
	}
	return req
}

func TestSubmitBatch(t *testing.T) {
	f := setup(t, 100, 10)
	ctx := context.Background()

	resp, err := f.router.SubmitBatch(ctx, "acct", batchOf(3))
	require.NoError(t, err)
	require.Len(t, resp.Jobs, 3)
	assert.NotEmpty(t, resp.BatchID)
	assert.Equal(t, int64(97), f.balance(t))
	assert.Len(t, f.broker.msgs, 3)

	status, err := f.service.BatchStatus(ctx, "acct", resp.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 3, status.Total)
	assert.Equal(t, 3, status.Pending)

	job, err := f.service.Get(ctx, "acct", resp.Jobs[0].JobID)
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example.com/done", job.WebhookURL)
}

func TestSubmitBatchTooLarge(t *testing.T) {
	f := setup(t, 100, 2)

	_, err := f.router.SubmitBatch(context.Background(), "acct", batchOf(3))
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeBatchTooLarge, models.CodeOf(err))
	assert.Zero(t, f.jobCount(t))
}

func TestSubmitBatchIsAllOrNothing(t *testing.T) {
	f := setup(t, 11, 10)
	req := batchOf(2)
	req.Requests = append(req.Requests, models.JobRequest{URL: "https://example.com", Engine: models.EngineStealth})

	_, err := f.router.SubmitBatch(context.Background(), "acct", req)
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeInsufficientCredit, models.CodeOf(err))
	assert.Equal(t, int64(11), f.balance(t))
	assert.Zero(t, f.jobCount(t))
	assert.Empty(t, f.broker.msgs)
}

func TestSubmitBatchRejectsInvalidMember(t *testing.T) {
	f := setup(t, 100, 10)
	req := batchOf(2)
	req.Requests = append(req.Requests, models.JobRequest{URL: "nope"})

	_, err := f.router.SubmitBatch(context.Background(), "acct", req)
	require.Error(t, err)
	var se *models.ScrapeError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, models.ErrCodeInvalidURL, se.Code)
	assert.Equal(t, 2, se.Details["index"])
	assert.Zero(t, f.jobCount(t))
}

func TestSubmitBatchBrokerDown(t *testing.T) {
	f := setup(t, 100, 10)
	f.broker.err = errors.New("connection refused")

	_, err := f.router.SubmitBatch(context.Background(), "acct", batchOf(2))
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeQueueUnavailable, models.CodeOf(err))
	assert.Equal(t, int64(100), f.balance(t))
}

func TestSubmitBatchFailsWholeBatchOnPartialEnqueue(t *testing.T) {
	f := setup(t, 100, 10)
	f.broker.failFrom = 2
	ctx := context.Background()

	resp, err := f.router.SubmitBatch(ctx, "acct", batchOf(3))
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, models.ErrCodeQueueUnavailable, models.CodeOf(err))
	assert.Equal(t, 2, f.broker.calls, "enqueue stops at the first failure")
	assert.Equal(t, int64(100), f.balance(t))

	var jobs []models.Job
	require.NoError(t, f.db.Find(&jobs).Error)
	require.Len(t, jobs, 3)
	for _, j := range jobs {
		assert.Equal(t, models.StatusFailed, j.Status, j.ID)
		assert.Equal(t, models.ErrCodeQueueUnavailable, j.ErrorCode)
		held, err := f.ledger.Reserved(ctx, j.ID)
		require.NoError(t, err)
		assert.Zero(t, held)
	}
	assert.Len(t, f.notifier.statuses(), 3)
}

func TestSubmitBatchRepeatedKeyAdmitsOnce(t *testing.T) {
	f := setup(t, 100, 10)
	ctx := context.Background()
	req := batchOf(3)
	req.Requests[0].IdempotencyKey = "same"
	req.Requests[2].IdempotencyKey = "same"

	resp, err := f.router.SubmitBatch(ctx, "acct", req)
	require.NoError(t, err)
	require.Len(t, resp.Jobs, 3)
	assert.Equal(t, resp.Jobs[0].JobID, resp.Jobs[2].JobID)
	assert.NotEqual(t, resp.Jobs[0].JobID, resp.Jobs[1].JobID)
	assert.Equal(t, int64(2), f.jobCount(t))
	assert.Equal(t, int64(98), f.balance(t))
	assert.Len(t, f.broker.msgs, 2)
}

func TestCancelQueuedJobReleasesHold(t *testing.T) {
	f := setup(t, 100, 10)
	ctx := context.Background()
	resp, err := f.router.Submit(ctx, "acct", models.JobRequest{URL: "https://example.com", Engine: models.EngineBrowser})
	require.NoError(t, err)
	assert.Equal(t, int64(95), f.balance(t))

	out, err := f.service.Cancel(ctx, "acct", resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, out.Status)
	assert.Equal(t, int64(100), f.balance(t))

	_, err = f.service.Cancel(ctx, "acct", resp.JobID)
	assert.Equal(t, models.ErrCodeNotCancelable, models.CodeOf(err))
	assert.Equal(t, map[string]models.JobStatus{resp.JobID: models.StatusCanceled}, f.notifier.statuses())
}

func TestCancelRunningJobIsFlagged(t *testing.T) {
	f := setup(t, 100, 10)
	ctx := context.Background()
	resp, err := f.router.Submit(ctx, "acct", models.JobRequest{URL: "https://example.com"})
	require.NoError(t, err)

	now := time.Now().UTC()
	_, ok, err := store.NewJobs(f.db).Claim(ctx, resp.JobID, 1, "token", now.Add(time.Minute), now)
	require.NoError(t, err)
	require.True(t, ok)

	out, err := f.service.Cancel(ctx, "acct", resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, out.Status)

	job, err := f.service.Get(ctx, "acct", resp.JobID)
	require.NoError(t, err)
	assert.True(t, job.CancelRequested)
	assert.Equal(t, int64(99), f.balance(t), "hold stays until the attempt finishes")
	assert.Empty(t, f.notifier.statuses())
}

func TestJobsAreScopedToAccount(t *testing.T) {
	f := setup(t, 100, 10)
	ctx := context.Background()
	resp, err := f.router.Submit(ctx, "acct", models.JobRequest{URL: "https://example.com"})
	require.NoError(t, err)

	_, err = f.service.Get(ctx, "other", resp.JobID)
	assert.ErrorIs(t, err, models.ErrJobNotFound)
	_, err = f.service.Cancel(ctx, "other", resp.JobID)
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestResultLifecycle(t *testing.T) {
	f := setup(t, 100, 10)
	ctx := context.Background()
	resp, err := f.router.Submit(ctx, "acct", models.JobRequest{URL: "https://example.com"})
	require.NoError(t, err)

	_, err = f.service.Result(ctx, "acct", resp.JobID)
	assert.True(t, IsNotReady(err))

	_, err = f.service.Wait(ctx, "acct", resp.JobID, 30*time.Millisecond)
	assert.True(t, IsNotReady(err))

	require.NoError(t, store.NewResults(f.db).Save(ctx, &models.JobResult{
		JobID:      resp.JobID,
		AccountID:  "acct",
		StatusCode: 200,
		Content:    "hello",
		Format:     models.FormatHTML,
		Headers:    datatypes.NewJSONType(map[string]string{}),
		Cookies:    datatypes.NewJSONType([]models.Cookie{}),
		Extracted:  datatypes.NewJSONType(map[string][]string{}),
	}))
	require.NoError(t, f.db.Model(&models.Job{}).Where("id = ?", resp.JobID).Update("status", models.StatusCompleted).Error)

	r, err := f.service.Wait(ctx, "acct", resp.JobID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", r.Content)

	_, err = f.service.Result(ctx, "other", resp.JobID)
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestBalance(t *testing.T) {
	f := setup(t, 40, 10)
	b, err := f.service.Balance(context.Background(), "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(40), b.Balance)
	assert.Equal(t, models.PlanStarter, b.Plan)

	_, err = f.service.Balance(context.Background(), "ghost")
	assert.ErrorIs(t, err, models.ErrAccountNotFound)
}

func TestBatchStatusNotFound(t *testing.T) {
	f := setup(t, 40, 10)
	_, err := f.service.BatchStatus(context.Background(), "acct", "missing")
	assert.ErrorIs(t, err, models.ErrBatchNotFound)
}
