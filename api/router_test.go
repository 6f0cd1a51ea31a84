package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/use-agent/harvester/api/handler"
	"github.com/use-agent/harvester/cache"
	"github.com/use-agent/harvester/config"
	"github.com/use-agent/harvester/jobs"
	"github.com/use-agent/harvester/ledger"
	"github.com/use-agent/harvester/models"
	"github.com/use-agent/harvester/pricing"
	"github.com/use-agent/harvester/queue"
	"github.com/use-agent/harvester/store"
	"github.com/use-agent/harvester/store/storetest"
)

type fakeBroker struct {
	mu  sync.Mutex
	err error
}

func (b *fakeBroker) Enqueue(context.Context, queue.Message, time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

type fakePools map[models.EngineType]int64

func (p fakePools) InFlight() map[models.EngineType]int64 { return p }

type server struct {
	db     *gorm.DB
	broker *fakeBroker
	engine http.Handler
}

func testConfig() *config.Config {
	return &config.Config{
		Server:    config.ServerConfig{Mode: "test", MaxResultWait: 200 * time.Millisecond},
		Auth:      config.AuthConfig{Enabled: true, APIKeys: map[string]string{"key-a": "acct-a", "key-b": "acct-b"}},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
		Admission: config.AdmissionConfig{
			MaxAttempts:  3,
			MaxTimeout:   120 * time.Second,
			MaxWait:      30 * time.Second,
			MaxScenario:  50,
			MaxBodyBytes: 1 << 20,
			MaxURLLength: 2048,
			DefaultBatch: 100,
		},
	}
}

func newServer(t *testing.T, cfg *config.Config, checks ...handler.HealthCheck) *server {
	t.Helper()
	db := storetest.Open(t)
	l := ledger.New(db)
	for _, acct := range []string{"acct-a", "acct-b", AnonymousAccount} {
		_, err := l.EnsureAccount(context.Background(), acct, models.PlanStarter, 20, 3)
		require.NoError(t, err)
	}
	b := &fakeBroker{}
	deps := Deps{
		Jobs:    jobs.NewRouter(db, b, pricing.DefaultTable(), cfg.Admission),
		Service: jobs.NewService(db, cache.New(10, time.Minute), 10*time.Millisecond),
		Pools:   fakePools{models.EngineHTTP: 2},
		Checks:  checks,
	}
	return &server{db: db, broker: b, engine: NewRouter(cfg, deps, time.Now())}
}

func (s *server) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	resp := decode[models.ErrorResponse](t, w)
	require.NotNil(t, resp.Error)
	return resp.Error.Code
}

func TestAuthRequired(t *testing.T) {
	s := newServer(t, testConfig())

	w := s.do(t, http.MethodGet, "/v1/account/balance", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, models.ErrCodeUnauthorized, errorCode(t, w))

	w = s.do(t, http.MethodGet, "/v1/account/balance", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/account/balance", nil)
	req.Header.Set("Authorization", "Bearer key-a")
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAnonymousWhenAuthDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Enabled = false
	s := newServer(t, cfg)

	w := s.do(t, http.MethodGet, "/v1/account/balance", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, AnonymousAccount, decode[models.BalanceResponse](t, w).AccountID)
}

func TestCreateAndGetJob(t *testing.T) {
	s := newServer(t, testConfig())

	w := s.do(t, http.MethodPost, "/v1/jobs", "key-a", models.JobRequest{URL: "https://example.com"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	created := decode[models.CreateJobResponse](t, w)
	assert.Equal(t, int64(1), created.CreditsEstimated)
	assert.Equal(t, models.StatusQueued, created.Status)

	w = s.do(t, http.MethodGet, "/v1/jobs/"+created.JobID, "key-a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decode[models.JobView](t, w)
	assert.Equal(t, created.JobID, view.ID)
	assert.Equal(t, "https://example.com", view.URL)

	// Another account cannot see it.
	w = s.do(t, http.MethodGet, "/v1/jobs/"+created.JobID, "key-b", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, models.ErrCodeJobNotFound, errorCode(t, w))

	w = s.do(t, http.MethodGet, "/v1/account/balance", "key-a", nil)
	assert.Equal(t, int64(19), decode[models.BalanceResponse](t, w).Balance)
}

func TestCreateJobErrors(t *testing.T) {
	s := newServer(t, testConfig())

	w := s.do(t, http.MethodPost, "/v1/jobs", "key-a", models.JobRequest{URL: "ftp://example.com"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, models.ErrCodeInvalidURL, errorCode(t, w))

	// Stealth costs 10 of the 20 credits.
	for i := 0; i < 2; i++ {
		w = s.do(t, http.MethodPost, "/v1/jobs", "key-a", models.JobRequest{URL: "https://example.com", Engine: models.EngineStealth})
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	}
	w = s.do(t, http.MethodPost, "/v1/jobs", "key-a", models.JobRequest{URL: "https://example.com", Engine: models.EngineStealth})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, models.ErrCodeInsufficientCredit, errorCode(t, w))

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString("{not json"))
	req.Header.Set("X-API-Key", "key-a")
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateJobStoreDown(t *testing.T) {
	s := newServer(t, testConfig())
	sqlDB, err := s.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	w := s.do(t, http.MethodPost, "/v1/jobs", "key-a", models.JobRequest{URL: "https://example.com"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, models.ErrCodeStoreUnavailable, errorCode(t, w))
	assert.NotContains(t, w.Body.String(), "sql:")
}

func TestCreateJobQueueDown(t *testing.T) {
	s := newServer(t, testConfig())
	s.broker.err = errors.New("redis down")

	w := s.do(t, http.MethodPost, "/v1/jobs", "key-a", models.JobRequest{URL: "https://example.com"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, models.ErrCodeQueueUnavailable, errorCode(t, w))

	w = s.do(t, http.MethodGet, "/v1/account/balance", "key-a", nil)
	assert.Equal(t, int64(20), decode[models.BalanceResponse](t, w).Balance)
}

func TestIdempotencyKeyHeader(t *testing.T) {
	s := newServer(t, testConfig())
	send := func() models.CreateJobResponse {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(models.JobRequest{URL: "https://example.com"}))
		req := httptest.NewRequest(http.MethodPost, "/v1/jobs", &buf)
		req.Header.Set("X-API-Key", "key-a")
		req.Header.Set("Idempotency-Key", "order-42")
		rec := httptest.NewRecorder()
		s.engine.ServeHTTP(rec, req)
		require.Equal(t, http.StatusAccepted, rec.Code)
		return decode[models.CreateJobResponse](t, rec)
	}
	first, second := send(), send()
	assert.Equal(t, first.JobID, second.JobID)
}

func TestResultLifecycle(t *testing.T) {
	s := newServer(t, testConfig())
	w := s.do(t, http.MethodPost, "/v1/jobs", "key-a", models.JobRequest{URL: "https://example.com"})
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decode[models.CreateJobResponse](t, w).JobID

	w = s.do(t, http.MethodGet, "/v1/jobs/"+id+"/result", "key-a", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, models.ErrCodeResultNotReady, errorCode(t, w))

	// The wait is capped by the server, so a long ask still returns.
	start := time.Now()
	w = s.do(t, http.MethodGet, "/v1/jobs/"+id+"/result?wait=1h", "key-a", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Less(t, time.Since(start), 5*time.Second)

	w = s.do(t, http.MethodGet, "/v1/jobs/"+id+"/result?wait=soon", "key-a", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.NewResults(s.db).Save(ctx, &models.JobResult{
		JobID:      id,
		AccountID:  "acct-a",
		StatusCode: 200,
		Content:    "<p>done</p>",
		Format:     models.FormatHTML,
		Headers:    datatypes.NewJSONType(map[string]string{}),
		Cookies:    datatypes.NewJSONType([]models.Cookie{}),
		Extracted:  datatypes.NewJSONType(map[string][]string{}),
		CreatedAt:  now,
	}))
	require.NoError(t, s.db.Model(&models.Job{}).Where("id = ?", id).
		Updates(map[string]any{"status": models.StatusCompleted, "completed_at": now}).Error)

	w = s.do(t, http.MethodGet, "/v1/jobs/"+id+"/result?wait=1", "key-a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "<p>done</p>", decode[models.JobResult](t, w).Content)
}

func TestResultOfFailedJobConflicts(t *testing.T) {
	s := newServer(t, testConfig())
	w := s.do(t, http.MethodPost, "/v1/jobs", "key-a", models.JobRequest{URL: "https://example.com"})
	id := decode[models.CreateJobResponse](t, w).JobID
	require.NoError(t, s.db.Model(&models.Job{}).Where("id = ?", id).
		Updates(map[string]any{"status": models.StatusFailed, "error_code": models.ErrCodeBlocked}).Error)

	w = s.do(t, http.MethodGet, "/v1/jobs/"+id+"/result", "key-a", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	resp := decode[models.ErrorResponse](t, w)
	assert.Equal(t, models.ErrCodeBlocked, resp.Error.Details["error_code"])
}

func TestCancelJob(t *testing.T) {
	s := newServer(t, testConfig())
	w := s.do(t, http.MethodPost, "/v1/jobs", "key-a", models.JobRequest{URL: "https://example.com"})
	id := decode[models.CreateJobResponse](t, w).JobID

	w = s.do(t, http.MethodPost, "/v1/jobs/"+id+"/cancel", "key-a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.StatusCanceled, decode[models.CancelResponse](t, w).Status)

	w = s.do(t, http.MethodPost, "/v1/jobs/"+id+"/cancel", "key-a", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, models.ErrCodeNotCancelable, errorCode(t, w))

	w = s.do(t, http.MethodGet, "/v1/account/balance", "key-a", nil)
	assert.Equal(t, int64(20), decode[models.BalanceResponse](t, w).Balance)
}

func TestBatchEndpoints(t *testing.T) {
	s := newServer(t, testConfig())

	w := s.do(t, http.MethodPost, "/v1/batch", "key-a", models.BatchRequest{Requests: []models.JobRequest{
		{URL: "https://example.com/1"},
		{URL: "https://example.com/2"},
	}})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	batch := decode[models.BatchResponse](t, w)
	require.Len(t, batch.Jobs, 2)

	w = s.do(t, http.MethodGet, "/v1/batch/"+batch.BatchID, "key-a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[models.BatchStatusResponse](t, w)
	assert.Equal(t, 2, status.Total)
	assert.Equal(t, 2, status.Pending)

	w = s.do(t, http.MethodGet, "/v1/batch/"+batch.BatchID, "key-b", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	many := make([]models.JobRequest, 4)
	for i := range many {
		many[i] = models.JobRequest{URL: "https://example.com"}
	}
	w = s.do(t, http.MethodPost, "/v1/batch", "key-a", models.BatchRequest{Requests: many})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, models.ErrCodeBatchTooLarge, errorCode(t, w))

	w = s.do(t, http.MethodPost, "/v1/batch", "key-a", models.BatchRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 2}
	s := newServer(t, cfg)

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/v1/account/balance", "key-a", nil).Code)
	}
	w := s.do(t, http.MethodGet, "/v1/account/balance", "key-a", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// Buckets are per key.
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/v1/account/balance", "key-b", nil).Code)
}

func TestHealth(t *testing.T) {
	ok := handler.HealthCheck{Name: "store", Check: func(context.Context) error { return nil }}
	s := newServer(t, testConfig(), ok)

	w := s.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	h := decode[models.HealthResponse](t, w)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, int64(2), h.Pools[models.EngineHTTP])
	assert.Equal(t, "ok", h.Checks["store"])

	down := handler.HealthCheck{Name: "broker", Check: func(context.Context) error { return errors.New("connection refused") }}
	s = newServer(t, testConfig(), ok, down)
	w = s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	h = decode[models.HealthResponse](t, w)
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, "connection refused", h.Checks["broker"])
}
