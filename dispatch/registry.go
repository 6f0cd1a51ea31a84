package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/use-agent/harvester/models"
	"github.com/use-agent/harvester/queue"
	"github.com/use-agent/harvester/store"
)

// Sweeper is the broker maintenance surface the janitor drives.
type Sweeper interface {
	Enqueuer
	Sweep(ctx context.Context, engine models.EngineType) (promoted, reclaimed int, err error)
}

// Registry owns the per-engine pools and the broker janitor. It is built
// once in main and started and stopped with the process.
type Registry struct {
	pools    map[models.EngineType]*Pool
	coord    *Coordinator
	broker   Sweeper
	db       *gorm.DB
	interval time.Duration
	// staleAfter is how long a job may sit pending before the janitor
	// assumes its enqueue was lost.
	staleAfter time.Duration
	now        func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan error
}

// NewRegistry builds a Registry. Two pools for one engine is an error.
func NewRegistry(broker Sweeper, db *gorm.DB, interval time.Duration, pools ...*Pool) (*Registry, error) {
	if interval <= 0 {
		interval = time.Second
	}
	r := &Registry{
		pools:      make(map[models.EngineType]*Pool, len(pools)),
		broker:     broker,
		db:         db,
		interval:   interval,
		staleAfter: 30 * time.Second,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, p := range pools {
		if _, dup := r.pools[p.Engine()]; dup {
			return nil, fmt.Errorf("dispatch: pool for %s registered twice", p.Engine())
		}
		r.pools[p.Engine()] = p
		if r.coord == nil {
			r.coord = p.coord
		}
	}
	return r, nil
}

// Pool returns the pool of engine.
func (r *Registry) Pool(engine models.EngineType) (*Pool, bool) {
	p, ok := r.pools[engine]
	return p, ok
}

// InFlight reports the executing attempts per engine.
func (r *Registry) InFlight() map[models.EngineType]int64 {
	out := make(map[models.EngineType]int64, len(r.pools))
	for t, p := range r.pools {
		out[t] = p.InFlight()
	}
	return out
}

// Start runs every pool and the janitor in the background.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan error, 1)

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range r.pools {
		g.Go(func() error { return p.Run(ctx) })
	}
	g.Go(func() error {
		r.janitor(ctx)
		return nil
	})
	go func() { r.done <- g.Wait() }()
}

// Stop cancels the workers and waits for in-flight attempts to unwind or
// ctx to expire. Attempts cut short are redelivered after their lease.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case err := <-done:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) janitor(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tidy(ctx)
		}
	}
}

// Tidy runs one janitor pass: it promotes due retries, reclaims expired
// leases, re-publishes pending jobs whose enqueue was lost and cancels
// flagged jobs whose worker never came back.
func (r *Registry) Tidy(ctx context.Context) {
	for t := range r.pools {
		promoted, reclaimed, err := r.broker.Sweep(ctx, t)
		if err != nil {
			slog.Error("broker sweep failed", "engine", t, "error", err)
			continue
		}
		if reclaimed > 0 {
			slog.Warn("reclaimed expired leases", "engine", t, "count", reclaimed)
		}
		if promoted > 0 {
			slog.Debug("promoted delayed deliveries", "engine", t, "count", promoted)
		}
	}

	now := r.now()
	r.cancelAbandoned(ctx, now)

	stale, err := store.NewJobs(r.db).Stale(ctx, now.Add(-r.staleAfter), 100)
	if err != nil {
		slog.Error("stale job scan failed", "error", err)
		return
	}
	for i := range stale {
		job := &stale[i]
		msg := queue.Message{JobID: job.ID, AccountID: job.AccountID, Attempt: job.Attempt, Engine: job.Engine, EnqueuedAt: now}
		if err := r.broker.Enqueue(ctx, msg, 0); err != nil {
			slog.Error("republish failed", "job_id", job.ID, "error", err)
			return
		}
		if _, err := store.NewJobs(r.db).MarkQueued(ctx, job.ID, job.Attempt, now); err != nil {
			slog.Warn("mark queued failed", "job_id", job.ID, "error", err)
		}
		slog.Info("republished pending job", "job_id", job.ID, "attempt", job.Attempt, "engine", job.Engine)
	}
}

func (r *Registry) cancelAbandoned(ctx context.Context, now time.Time) {
	if r.coord == nil {
		return
	}
	abandoned, err := store.NewJobs(r.db).Abandoned(ctx, now, 100)
	if err != nil {
		slog.Error("abandoned job scan failed", "error", err)
		return
	}
	for _, job := range abandoned {
		if _, err := r.coord.CancelAbandoned(ctx, job.ID); err != nil {
			slog.Error("cancel abandoned job failed", "job_id", job.ID, "error", err)
		}
	}
}
