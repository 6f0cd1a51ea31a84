package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/use-agent/harvester/api"
	"github.com/use-agent/harvester/api/handler"
	"github.com/use-agent/harvester/api/middleware"
	"github.com/use-agent/harvester/cache"
	"github.com/use-agent/harvester/classifier"
	"github.com/use-agent/harvester/cleaner"
	"github.com/use-agent/harvester/config"
	"github.com/use-agent/harvester/dispatch"
	"github.com/use-agent/harvester/engine"
	"github.com/use-agent/harvester/fingerprint"
	"github.com/use-agent/harvester/jobs"
	"github.com/use-agent/harvester/ledger"
	"github.com/use-agent/harvester/models"
	"github.com/use-agent/harvester/pricing"
	"github.com/use-agent/harvester/proxy"
	"github.com/use-agent/harvester/queue"
	"github.com/use-agent/harvester/scraper"
	"github.com/use-agent/harvester/store"
	"github.com/use-agent/harvester/webhook"
)

func main() {
	// ── 1. Load configuration ───────────────────────────────────────
	cfg := config.Load()

	// ── 2. Initialise structured logging ────────────────────────────
	initLogger(cfg.Log)
	slog.Info("harvester starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"mode", cfg.Server.Mode,
		"db", cfg.Database.Driver,
		"redis", cfg.Redis.Addr,
	)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// ── 3. Relational store + accounts ──────────────────────────────
	db, err := store.Open(cfg.Database)
	if err != nil {
		fatal("failed to open store", err)
	}
	if err := provisionAccounts(ctx, ledger.New(db), cfg); err != nil {
		fatal("failed to provision accounts", err)
	}

	// ── 4. Broker ───────────────────────────────────────────────────
	rdb, err := queue.Dial(ctx, cfg.Redis)
	if err != nil {
		fatal("failed to connect to broker", err)
	}
	defer rdb.Close()
	broker := queue.New(rdb, cfg.Queue)

	// ── 5. Classifier (hot-reloaded when a signatures file is set) ──
	cls := classifier.New(nil)
	if path := cfg.Classifier.SignaturesFile; path != "" {
		if err := classifier.Watch(cls, path); err != nil {
			fatal("failed to load signatures", err)
		}
		slog.Info("classifier signatures loaded", "file", path)
	}

	// ── 6. Engines ──────────────────────────────────────────────────
	sc, err := scraper.NewScraper(cfg.Browser)
	if err != nil {
		fatal("failed to initialise scraper", err)
	}
	defer sc.Close()

	gen := fingerprint.New()
	engines, err := engine.NewRegistry(
		engine.NewHTTPEngine(engine.WithIdentity(gen)),
		engine.NewBrowserEngine(sc.Render, gen),
		engine.NewStealthEngine(sc.Render, gen),
	)
	if err != nil {
		fatal("failed to register engines", err)
	}

	// ── 7. Coordinator, pools, janitor ──────────────────────────────
	prices := pricing.TableFromConfig(cfg.Credits)

	var (
		notifier dispatch.Notifier
		hooks    *webhook.Notifier
	)
	if cfg.Webhook.Enabled {
		hooks = webhook.NewNotifier(cfg.Webhook.Timeout)
		notifier = hooks
	}
	coord := dispatch.NewCoordinator(db, broker, notifier, prices, cfg.Retry)

	proxies, err := proxy.FromConfig(cfg.Proxy)
	if err != nil {
		fatal("failed to load proxy providers", err)
	}
	go proxies.Run(ctx, time.Minute)

	cl := cleaner.New()
	concurrency := map[models.EngineType]int{
		models.EngineHTTP:    cfg.Pools.HTTP,
		models.EngineBrowser: cfg.Pools.Browser,
		models.EngineStealth: cfg.Pools.Stealth,
	}
	var pools []*dispatch.Pool
	for _, t := range engines.Types() {
		eng, _ := engines.Get(t)
		pools = append(pools, dispatch.NewPool(eng, broker, db, coord, cls, cl, dispatch.PoolConfig{
			Concurrency:  concurrency[t],
			LeaseGrace:   cfg.Queue.LeaseGrace,
			PollInterval: cfg.Queue.PollInterval,
			Proxies:      proxies,
		}))
	}
	registry, err := dispatch.NewRegistry(broker, db, cfg.Queue.JanitorInterval, pools...)
	if err != nil {
		fatal("failed to build pools", err)
	}
	registry.Start(ctx)

	// ── 8. Admission + query services ───────────────────────────────
	results := cache.New(cfg.Cache.MaxEntries, cfg.Cache.TTL)
	go results.Run(ctx, time.Minute)

	limiter := middleware.NewLimiter(cfg.RateLimit)
	go limiter.Run(ctx, 5*time.Minute)

	// ── 9. Setup router ─────────────────────────────────────────────
	router := api.NewRouter(cfg, api.Deps{
		Jobs:    jobs.NewRouter(db, broker, prices, cfg.Admission, jobs.WithNotifier(notifier)),
		Service: jobs.NewService(db, results, 0, jobs.NotifyCancels(notifier)),
		Pools:   registry,
		Limiter: limiter,
		Checks: []handler.HealthCheck{
			{Name: "store", Check: func(context.Context) error { return store.Ping(db) }},
			{Name: "broker", Check: broker.Ping},
			{Name: "browser", Check: sc.Check},
			{Name: "proxy", Check: proxies.Check},
		},
	}, time.Now())

	// ── 10. Start HTTP server ───────────────────────────────────────
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("HTTP server error", err)
		}
	}()

	// ── 11. Graceful shutdown ───────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server forced shutdown", "error", err)
	} else {
		slog.Info("HTTP server drained gracefully")
	}

	// Unfinished attempts keep their broker lease and are redelivered.
	if err := registry.Stop(shutdownCtx); err != nil {
		slog.Error("pools did not stop cleanly", "error", err)
	}
	hooks.Wait()
	stop()

	slog.Info("harvester stopped")
}

// provisionAccounts makes sure every account named by an API key exists.
func provisionAccounts(ctx context.Context, l *ledger.Ledger, cfg *config.Config) error {
	accounts := map[string]struct{}{}
	if cfg.Auth.Enabled {
		for _, acct := range cfg.Auth.APIKeys {
			accounts[acct] = struct{}{}
		}
	} else {
		accounts[api.AnonymousAccount] = struct{}{}
	}
	for acct := range accounts {
		a, err := l.EnsureAccount(ctx, acct, models.PlanFree, cfg.Admission.DefaultBalance, cfg.Admission.DefaultBatch)
		if err != nil {
			return fmt.Errorf("account %s: %w", acct, err)
		}
		slog.Info("account ready", "account_id", a.ID, "plan", a.Plan, "balance", a.Balance)
	}
	return nil
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}

// initLogger configures slog based on the LogConfig.
func initLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if cfg.Format == "text" {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(h))
}
