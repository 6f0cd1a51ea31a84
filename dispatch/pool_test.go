package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/harvester/classifier"
	"github.com/use-agent/harvester/cleaner"
	"github.com/use-agent/harvester/config"
	"github.com/use-agent/harvester/engine"
	"github.com/use-agent/harvester/models"
	"github.com/use-agent/harvester/pricing"
	"github.com/use-agent/harvester/proxy"
	"github.com/use-agent/harvester/queue"
	"github.com/use-agent/harvester/store"
)

type stubEngine struct {
	typ   models.EngineType
	calls atomic.Int32
	fn    func(ctx context.Context, req *engine.Request) *models.EngineOutcome
}

func (s *stubEngine) Type() models.EngineType { return s.typ }

func (s *stubEngine) Execute(ctx context.Context, req *engine.Request) *models.EngineOutcome {
	s.calls.Add(1)
	return s.fn(ctx, req)
}

func respond(status int, body string) func(context.Context, *engine.Request) *models.EngineOutcome {
	return func(_ context.Context, req *engine.Request) *models.EngineOutcome {
		return &models.EngineOutcome{StatusCode: status, Content: body, FinalURL: req.URL, Headers: map[string]string{"Content-Type": "text/html"}}
	}
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type poolEnv struct {
	*env
	broker *queue.Broker
	clock  *testClock
	coord  *Coordinator
}

func newPoolEnv(t *testing.T, balance int64) *poolEnv {
	t.Helper()
	e := newEnv(t, balance)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := &testClock{t: time.Now()}
	b := queue.New(rdb, config.QueueConfig{Prefix: "test", AgingStep: 5 * time.Second, MaxBoostSteps: 3}, queue.WithClock(clock.now))
	coord := NewCoordinator(e.db, b, e.notifier, pricing.DefaultTable(), testRetry)
	coord.rand = func() float64 { return 0.5 }
	return &poolEnv{env: e, broker: b, clock: clock, coord: coord}
}

func (p *poolEnv) pool(eng engine.Engine) *Pool {
	return NewPool(eng, p.broker, p.db, p.coord, classifier.New(nil), cleaner.New(), PoolConfig{Concurrency: 1})
}

func (p *poolEnv) publish(t *testing.T, job *models.Job) {
	t.Helper()
	msg := queue.Message{JobID: job.ID, AccountID: job.AccountID, Attempt: job.Attempt, Engine: job.Engine}
	require.NoError(t, p.broker.Enqueue(context.Background(), msg, 0))
}

func TestPoolCompletesJob(t *testing.T) {
	p := newPoolEnv(t, 100)
	opts := models.DefaultOptions()
	opts.Extract = map[string]string{"heading": "h1"}
	job := p.admit(t, models.EngineHTTP, "GET", 3, opts)
	p.publish(t, job)

	eng := &stubEngine{typ: models.EngineHTTP, fn: respond(200, "<html><head><title>T</title></head><body><h1>Hello</h1><p>world</p></body></html>")}
	handled, err := p.pool(eng).Poll(context.Background())
	require.NoError(t, err)
	assert.True(t, handled)

	got := p.job(t, job.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, int64(1), got.CreditsCharged)

	r, err := store.NewResults(p.db).Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 200, r.StatusCode)
	assert.Contains(t, r.Content, "<h1>Hello</h1>")
	assert.Equal(t, []string{"Hello"}, r.Extracted.Data()["heading"])
	assert.Equal(t, models.EngineHTTP, r.Engine)
	assert.Equal(t, 1, r.Attempts)

	depth, err := p.broker.Depth(context.Background(), models.EngineHTTP)
	require.NoError(t, err)
	assert.Zero(t, depth.Ready+depth.Delayed+depth.Inflight)

	handled, err = p.pool(eng).Poll(context.Background())
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestPoolRetriesThroughBroker(t *testing.T) {
	p := newPoolEnv(t, 100)
	job := p.admit(t, models.EngineHTTP, "GET", 3, models.DefaultOptions())
	p.publish(t, job)

	var n atomic.Int32
	eng := &stubEngine{typ: models.EngineHTTP, fn: func(ctx context.Context, req *engine.Request) *models.EngineOutcome {
		if n.Add(1) == 1 {
			return respond(503, "unavailable")(ctx, req)
		}
		return respond(200, "<p>fine</p>")(ctx, req)
	}}
	pool := p.pool(eng)

	handled, err := pool.Poll(context.Background())
	require.NoError(t, err)
	require.True(t, handled)
	got := p.job(t, job.ID)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, models.ErrCodeTargetError, got.ErrorCode)

	// The retry waits out its backoff in the delayed set.
	handled, err = pool.Poll(context.Background())
	require.NoError(t, err)
	assert.False(t, handled)

	p.clock.advance(time.Minute)
	_, _, err = p.broker.Sweep(context.Background(), models.EngineHTTP)
	require.NoError(t, err)

	handled, err = pool.Poll(context.Background())
	require.NoError(t, err)
	require.True(t, handled)

	got = p.job(t, job.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, int32(2), eng.calls.Load())
	assert.Equal(t, int64(99), p.balance(t))
}

func TestPoolTimesOutSlowEngine(t *testing.T) {
	p := newPoolEnv(t, 100)
	opts := models.DefaultOptions()
	opts.TimeoutMs = 50
	job := p.admit(t, models.EngineHTTP, "GET", 1, opts)
	p.publish(t, job)

	release := make(chan struct{})
	defer close(release)
	eng := &stubEngine{typ: models.EngineHTTP, fn: func(ctx context.Context, _ *engine.Request) *models.EngineOutcome {
		<-release
		return &models.EngineOutcome{StatusCode: 200}
	}}

	handled, err := p.pool(eng).Poll(context.Background())
	require.NoError(t, err)
	require.True(t, handled)

	got := p.job(t, job.ID)
	assert.Equal(t, models.StatusTimeout, got.Status)
	assert.Equal(t, models.ClassTimeout, got.LastClassification)
	assert.Equal(t, int64(100), p.balance(t))
}

func TestPoolSkipsStaleDelivery(t *testing.T) {
	p := newPoolEnv(t, 100)
	job := p.admit(t, models.EngineHTTP, "GET", 3, models.DefaultOptions())
	ok, err := store.NewJobs(p.db).Cancel(context.Background(), job.ID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)
	p.publish(t, job)

	eng := &stubEngine{typ: models.EngineHTTP, fn: respond(200, "<p>x</p>")}
	handled, err := p.pool(eng).Poll(context.Background())
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Zero(t, eng.calls.Load())

	depth, err := p.broker.Depth(context.Background(), models.EngineHTTP)
	require.NoError(t, err)
	assert.Zero(t, depth.Inflight)
}

func TestPoolPassesJobToEngine(t *testing.T) {
	p := newPoolEnv(t, 100)
	job := p.admit(t, models.EngineHTTP, "GET", 3, models.DefaultOptions())
	p.publish(t, job)

	var seen *engine.Request
	eng := &stubEngine{typ: models.EngineHTTP, fn: func(ctx context.Context, req *engine.Request) *models.EngineOutcome {
		seen = req
		return respond(200, "<p>x</p>")(ctx, req)
	}}
	proxies, err := proxy.New([]proxy.Provider{{Name: "dc", Tier: models.ProxyDatacenter, URL: "http://dc.proxy:8080"}}, proxy.Options{})
	require.NoError(t, err)
	pool := NewPool(eng, p.broker, p.db, p.coord, classifier.New(nil), cleaner.New(), PoolConfig{Proxies: proxies})
	_, err = pool.Poll(context.Background())
	require.NoError(t, err)

	require.NotNil(t, seen)
	assert.Equal(t, job.ID, seen.JobID)
	assert.Equal(t, 1, seen.Attempt)
	assert.Equal(t, job.URL, seen.URL)
	assert.Equal(t, "http://dc.proxy:8080", seen.ProxyURL)
	assert.Zero(t, pool.InFlight())
	assert.Zero(t, proxies.Stats().ActiveSessions, "terminal job releases its session")
}

func TestRegistryRejectsDuplicatePools(t *testing.T) {
	p := newPoolEnv(t, 100)
	a := p.pool(&stubEngine{typ: models.EngineHTTP})
	b := p.pool(&stubEngine{typ: models.EngineHTTP})
	_, err := NewRegistry(p.broker, p.db, time.Second, a, b)
	assert.Error(t, err)
}

func TestTidyRepublishesStalePendingJob(t *testing.T) {
	p := newPoolEnv(t, 100)
	job := p.admit(t, models.EngineHTTP, "GET", 3, models.DefaultOptions())
	require.NoError(t, p.db.Model(&models.Job{}).Where("id = ?", job.ID).Updates(map[string]any{
		"status":     models.StatusPending,
		"updated_at": time.Now().UTC().Add(-time.Minute),
	}).Error)

	pool := p.pool(&stubEngine{typ: models.EngineHTTP, fn: respond(200, "<p>x</p>")})
	reg, err := NewRegistry(p.broker, p.db, time.Second, pool)
	require.NoError(t, err)

	reg.Tidy(context.Background())
	assert.Equal(t, models.StatusQueued, p.job(t, job.ID).Status)

	handled, err := pool.Poll(context.Background())
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, models.StatusCompleted, p.job(t, job.ID).Status)
}

func TestRegistryStartStop(t *testing.T) {
	p := newPoolEnv(t, 100)
	job := p.admit(t, models.EngineHTTP, "GET", 3, models.DefaultOptions())
	p.publish(t, job)

	pool := NewPool(&stubEngine{typ: models.EngineHTTP, fn: respond(200, "<p>x</p>")}, p.broker, p.db, p.coord,
		classifier.New(nil), cleaner.New(), PoolConfig{Concurrency: 2, PollInterval: 5 * time.Millisecond})
	reg, err := NewRegistry(p.broker, p.db, 10*time.Millisecond, pool)
	require.NoError(t, err)

	reg.Start(context.Background())
	assert.Eventually(t, func() bool {
		got, err := store.NewJobs(p.db).Get(context.Background(), job.ID)
		return err == nil && got.Status == models.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, reg.Stop(ctx))
	assert.Equal(t, map[models.EngineType]int64{models.EngineHTTP: 0}, reg.InFlight())
}

// abandon claims job, flags it for cancel and lets its lease run out, as if
// its worker died mid-attempt.
func (p *poolEnv) abandon(t *testing.T, job *models.Job) {
	t.Helper()
	ctx := context.Background()
	p.claim(t, job.ID)
	ok, err := store.NewJobs(p.db).RequestCancel(ctx, job.ID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, p.db.Model(&models.Job{}).Where("id = ?", job.ID).
		Update("lease_expires_at", time.Now().UTC().Add(-time.Minute)).Error)
}

func TestPoolCancelsAbandonedJob(t *testing.T) {
	p := newPoolEnv(t, 100)
	job := p.admit(t, models.EngineBrowser, "GET", 3, models.DefaultOptions())
	p.abandon(t, job)
	p.publish(t, job)

	eng := &stubEngine{typ: models.EngineBrowser, fn: respond(200, "<p>x</p>")}
	handled, err := p.pool(eng).Poll(context.Background())
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Zero(t, eng.calls.Load())

	got := p.job(t, job.ID)
	assert.Equal(t, models.StatusCanceled, got.Status)
	assert.Equal(t, models.ErrCodeCanceled, got.ErrorCode)
	assert.Empty(t, got.ClaimToken)
	assert.Equal(t, int64(100), p.balance(t))
	assert.Equal(t, map[models.EntryType]int{models.EntryReservation: 1, models.EntryRelease: 1}, p.entries(t, job.ID))
	p.assertConserved(t)
	require.Len(t, p.notifier.jobs, 1)
	assert.Equal(t, models.StatusCanceled, p.notifier.jobs[0].Status)

	depth, err := p.broker.Depth(context.Background(), models.EngineBrowser)
	require.NoError(t, err)
	assert.Zero(t, depth.Ready+depth.Delayed+depth.Inflight)
}

func TestTidyCancelsAbandonedJob(t *testing.T) {
	p := newPoolEnv(t, 100)
	job := p.admit(t, models.EngineHTTP, "GET", 3, models.DefaultOptions())
	p.abandon(t, job)

	reg, err := NewRegistry(p.broker, p.db, time.Second, p.pool(&stubEngine{typ: models.EngineHTTP}))
	require.NoError(t, err)
	reg.Tidy(context.Background())

	assert.Equal(t, models.StatusCanceled, p.job(t, job.ID).Status)
	assert.Equal(t, int64(100), p.balance(t))
	assert.Equal(t, 1, p.entries(t, job.ID)[models.EntryRelease])

	// A second pass finds nothing left to resolve.
	reg.Tidy(context.Background())
	assert.Equal(t, 1, p.entries(t, job.ID)[models.EntryRelease])
}

func TestLiveClaimIsNotCanceledEarly(t *testing.T) {
	p := newPoolEnv(t, 100)
	job := p.admit(t, models.EngineHTTP, "GET", 3, models.DefaultOptions())
	p.claim(t, job.ID)
	_, err := store.NewJobs(p.db).RequestCancel(context.Background(), job.ID, time.Now().UTC())
	require.NoError(t, err)

	ok, err := p.coord.CancelAbandoned(context.Background(), job.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, models.StatusRunning, p.job(t, job.ID).Status)
}

func TestPoolCoolsDownBlockedProxy(t *testing.T) {
	p := newPoolEnv(t, 100)
	job := p.admit(t, models.EngineHTTP, "GET", 3, models.DefaultOptions())
	p.publish(t, job)

	proxies, err := proxy.New([]proxy.Provider{
		{Name: "a", Tier: models.ProxyDatacenter, URL: "http://a.proxy:8080"},
		{Name: "b", Tier: models.ProxyDatacenter, URL: "http://b.proxy:8080"},
	}, proxy.Options{MaxFailures: 1, Cooldown: time.Hour})
	require.NoError(t, err)

	var seen []string
	eng := &stubEngine{typ: models.EngineHTTP, fn: func(ctx context.Context, req *engine.Request) *models.EngineOutcome {
		seen = append(seen, req.ProxyURL)
		if len(seen) == 1 {
			return respond(403, "denied")(ctx, req)
		}
		return respond(200, "<p>x</p>")(ctx, req)
	}}
	pool := NewPool(eng, p.broker, p.db, p.coord, classifier.New(nil), cleaner.New(), PoolConfig{Proxies: proxies})

	_, err = pool.Poll(context.Background())
	require.NoError(t, err)
	stats := proxies.Stats()
	assert.True(t, stats.Providers[0].Cooling)
	assert.Equal(t, int64(1), stats.Providers[0].Failed)
	assert.Zero(t, stats.ActiveSessions, "a blocked exit is not reused")

	p.clock.advance(time.Minute)
	_, _, err = p.broker.Sweep(context.Background(), models.EngineHTTP)
	require.NoError(t, err)
	_, err = pool.Poll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"http://a.proxy:8080", "http://b.proxy:8080"}, seen)
	assert.Equal(t, models.StatusCompleted, p.job(t, job.ID).Status)
}

func TestPoolExtendsBrokerLeaseForAttempt(t *testing.T) {
	p := newPoolEnv(t, 100)
	job := p.admit(t, models.EngineHTTP, "GET", 3, models.DefaultOptions())
	p.publish(t, job)

	var reclaimed int
	eng := &stubEngine{typ: models.EngineHTTP, fn: func(ctx context.Context, req *engine.Request) *models.EngineOutcome {
		// Past the dequeue lease, inside the job's timeout plus grace.
		p.clock.advance(45 * time.Second)
		_, n, err := p.broker.Sweep(ctx, models.EngineHTTP)
		assert.NoError(t, err)
		reclaimed = n
		return respond(200, "<p>x</p>")(ctx, req)
	}}
	pool := NewPool(eng, p.broker, p.db, p.coord, classifier.New(nil), cleaner.New(), PoolConfig{LeaseGrace: 30 * time.Second})

	handled, err := pool.Poll(context.Background())
	require.NoError(t, err)
	require.True(t, handled)
	assert.Zero(t, reclaimed)
	assert.Equal(t, models.StatusCompleted, p.job(t, job.ID).Status)
}

func TestPoolKeepsDeliveryOfLiveClaim(t *testing.T) {
	p := newPoolEnv(t, 100)
	job := p.admit(t, models.EngineHTTP, "GET", 3, models.DefaultOptions())
	p.claim(t, job.ID)
	p.publish(t, job)

	eng := &stubEngine{typ: models.EngineHTTP, fn: respond(200, "<p>x</p>")}
	handled, err := p.pool(eng).Poll(context.Background())
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Zero(t, eng.calls.Load())

	depth, err := p.broker.Depth(context.Background(), models.EngineHTTP)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth.Inflight, "redelivered if the owning worker dies")
	assert.Equal(t, models.StatusRunning, p.job(t, job.ID).Status)
}
