package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig
	Browser    BrowserConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	Cache      CacheConfig
	Log        LogConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Queue      QueueConfig
	Pools      PoolConfig
	Credits    CreditConfig
	Admission  AdmissionConfig
	Retry      RetryConfig
	Proxy      ProxyConfig
	Webhook    WebhookConfig
	Classifier ClassifierConfig
}

// CacheConfig controls the terminal-result read cache.
type CacheConfig struct {
	// MaxEntries is the maximum number of cached results.
	MaxEntries int // default: 1000

	// TTL is how long a cached result is served.
	TTL time.Duration // default: 10m
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string // default: "0.0.0.0"
	Port int    // default: 8080
	Mode string // "debug", "release", "test"; default: "release"

	// MaxResultWait caps the ?wait= poll on GET /v1/jobs/:id/result.
	MaxResultWait time.Duration // default: 60s
}

// BrowserConfig controls the Rod browser instance.
type BrowserConfig struct {
	// Headless controls whether the browser runs headless.
	Headless bool // default: true

	// MaxPages is the page pool capacity (max concurrent tabs).
	MaxPages int // default: 10

	// NoSandbox disables Chrome's sandbox (needed in Docker).
	NoSandbox bool // default: false

	// BrowserBin overrides the Chromium binary path.
	BrowserBin string

	// NavigationTimeout is the max time for page.Navigate alone.
	NavigationTimeout time.Duration // default: 15s

	// BlockedResourceTypes lists resource types blocked unless a job overrides them.
	BlockedResourceTypes []string // default: ["Font", "Media"]
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	// Enabled toggles API key authentication.
	Enabled bool // default: true

	// APIKeys maps an API key to the account it acts for.
	// Env format: "key1:account1,key2:account2".
	APIKeys map[string]string
}

// RateLimitConfig controls per-key rate limiting.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per API key.
	RequestsPerSecond float64 // default: 5

	// Burst is the maximum burst size per API key.
	Burst int // default: 10
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string // default: "info"
	Format string // "json" or "text"; default: "json"
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string // default: "postgres"

	// DSN is the driver-specific connection string.
	DSN string

	MaxOpenConns    int           // default: 20
	MaxIdleConns    int           // default: 5
	ConnMaxLifetime time.Duration // default: 30m

	// AutoMigrate creates tables on startup.
	AutoMigrate bool // default: true
}

// RedisConfig locates the broker.
type RedisConfig struct {
	Addr     string // default: "127.0.0.1:6379"
	Password string
	DB       int
}

// QueueConfig controls broker channel naming, leases and priority aging.
type QueueConfig struct {
	// Prefix namespaces every broker key: "<prefix>:<engine>".
	Prefix string // default: "harvester"

	// LeaseGrace is added to a job's timeout to form its visibility lease.
	LeaseGrace time.Duration // default: 30s

	// AgingStep is the head start a retry gains per attempt.
	AgingStep time.Duration // default: 5s

	// MaxBoostSteps caps the head start, bounding how long fresh work can wait.
	MaxBoostSteps int // default: 3

	// JanitorInterval is how often due retries are promoted and expired leases requeued.
	JanitorInterval time.Duration // default: 1s

	// PollInterval is the idle wait between empty dequeues.
	PollInterval time.Duration // default: 250ms
}

// PoolConfig sets per-engine worker concurrency.
type PoolConfig struct {
	HTTP    int // default: 10
	Browser int // default: 5
	Stealth int // default: 5
}

// CreditConfig holds the static cost tables.
type CreditConfig struct {
	EngineCost  map[string]int64 // default: http 1, browser 5, stealth 10
	ProxyCost   map[string]int64 // default: datacenter 0, residential 3, isp 5, mobile 10
	FeatureCost map[string]int64 // default: screenshot 2, pdf 3
}

// AdmissionConfig bounds what a request may ask for.
type AdmissionConfig struct {
	MaxAttempts    int           // default: 3
	MaxTimeout     time.Duration // default: 120s
	MaxWait        time.Duration // default: 30s
	MaxScenario    int           // default: 50
	MaxBodyBytes   int           // default: 1 MiB
	MaxURLLength   int           // default: 2048
	DefaultBatch   int           // default: 100; used when an account has no ceiling
	DefaultBalance int64         // default: 1000; initial grant for auto-provisioned accounts
}

// RetryConfig controls requeue backoff.
type RetryConfig struct {
	BaseDelay time.Duration // default: 1s
	MaxDelay  time.Duration // default: 30s
	Jitter    float64       // default: 0.2
}

// ProxyConfig lists egress URLs per proxy tier. A tier without providers
// goes direct.
type ProxyConfig struct {
	Datacenter  []string
	Residential []string
	ISP         []string
	Mobile      []string
	// ProvidersFile adds named providers with weights and countries (yaml, json or toml).
	ProvidersFile string
	MaxFailures   int           // default: 3
	Cooldown      time.Duration // default: 1m
	SessionTTL    time.Duration // default: 5m
}

// WebhookConfig controls the notification sink.
type WebhookConfig struct {
	Enabled bool          // default: true
	Timeout time.Duration // default: 10s
}

// ClassifierConfig locates the signature tables.
type ClassifierConfig struct {
	// SignaturesFile overrides the built-in tables and is watched for changes.
	SignaturesFile string
}

// Load reads configuration from environment variables with sane defaults.
// A .env file in the working directory is loaded first when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Host:          envOr("HARVESTER_HOST", "0.0.0.0"),
			Port:          envIntOr("HARVESTER_PORT", 8080),
			Mode:          envOr("HARVESTER_MODE", "release"),
			MaxResultWait: envDurationOr("HARVESTER_MAX_RESULT_WAIT", 60*time.Second),
		},
		Browser: BrowserConfig{
			Headless:          envBoolOr("HARVESTER_HEADLESS", true),
			MaxPages:          envIntOr("HARVESTER_MAX_PAGES", 10),
			NoSandbox:         envBoolOr("HARVESTER_NO_SANDBOX", false),
			BrowserBin:        os.Getenv("HARVESTER_BROWSER_BIN"),
			NavigationTimeout: envDurationOr("HARVESTER_NAV_TIMEOUT", 15*time.Second),
			BlockedResourceTypes: envSliceOr("HARVESTER_BLOCKED_RESOURCES", []string{
				"Font", "Media",
			}),
		},
		Auth: AuthConfig{
			Enabled: envBoolOr("HARVESTER_AUTH_ENABLED", true),
			APIKeys: envMapOr("HARVESTER_API_KEYS", nil),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: envFloatOr("HARVESTER_RATE_RPS", 5.0),
			Burst:             envIntOr("HARVESTER_RATE_BURST", 10),
		},
		Cache: CacheConfig{
			MaxEntries: envIntOr("HARVESTER_CACHE_MAX_ENTRIES", 1000),
			TTL:        envDurationOr("HARVESTER_CACHE_TTL", 10*time.Minute),
		},
		Log: LogConfig{
			Level:  envOr("HARVESTER_LOG_LEVEL", "info"),
			Format: envOr("HARVESTER_LOG_FORMAT", "json"),
		},
		Database: DatabaseConfig{
			Driver:          envOr("HARVESTER_DB_DRIVER", "postgres"),
			DSN:             envOr("HARVESTER_DB_DSN", "host=127.0.0.1 user=harvester dbname=harvester sslmode=disable"),
			MaxOpenConns:    envIntOr("HARVESTER_DB_MAX_OPEN", 20),
			MaxIdleConns:    envIntOr("HARVESTER_DB_MAX_IDLE", 5),
			ConnMaxLifetime: envDurationOr("HARVESTER_DB_CONN_LIFETIME", 30*time.Minute),
			AutoMigrate:     envBoolOr("HARVESTER_DB_AUTOMIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:     envOr("HARVESTER_REDIS_ADDR", "127.0.0.1:6379"),
			Password: os.Getenv("HARVESTER_REDIS_PASSWORD"),
			DB:       envIntOr("HARVESTER_REDIS_DB", 0),
		},
		Queue: QueueConfig{
			Prefix:          envOr("HARVESTER_QUEUE_PREFIX", "harvester"),
			LeaseGrace:      envDurationOr("HARVESTER_LEASE_GRACE", 30*time.Second),
			AgingStep:       envDurationOr("HARVESTER_AGING_STEP", 5*time.Second),
			MaxBoostSteps:   envIntOr("HARVESTER_MAX_BOOST_STEPS", 3),
			JanitorInterval: envDurationOr("HARVESTER_JANITOR_INTERVAL", time.Second),
			PollInterval:    envDurationOr("HARVESTER_POLL_INTERVAL", 250*time.Millisecond),
		},
		Pools: PoolConfig{
			HTTP:    envIntOr("HARVESTER_HTTP_CONCURRENCY", 10),
			Browser: envIntOr("HARVESTER_BROWSER_CONCURRENCY", 5),
			Stealth: envIntOr("HARVESTER_STEALTH_CONCURRENCY", 5),
		},
		Credits: CreditConfig{
			EngineCost:  envCostsOr("HARVESTER_ENGINE_COST", map[string]int64{"http": 1, "browser": 5, "stealth": 10}),
			ProxyCost:   envCostsOr("HARVESTER_PROXY_COST", map[string]int64{"datacenter": 0, "residential": 3, "isp": 5, "mobile": 10}),
			FeatureCost: envCostsOr("HARVESTER_FEATURE_COST", map[string]int64{"screenshot": 2, "pdf": 3}),
		},
		Admission: AdmissionConfig{
			MaxAttempts:    envIntOr("HARVESTER_MAX_ATTEMPTS", 3),
			MaxTimeout:     envDurationOr("HARVESTER_MAX_TIMEOUT", 120*time.Second),
			MaxWait:        envDurationOr("HARVESTER_MAX_WAIT", 30*time.Second),
			MaxScenario:    envIntOr("HARVESTER_MAX_SCENARIO_STEPS", 50),
			MaxBodyBytes:   envIntOr("HARVESTER_MAX_BODY_BYTES", 1<<20),
			MaxURLLength:   envIntOr("HARVESTER_MAX_URL_LENGTH", 2048),
			DefaultBatch:   envIntOr("HARVESTER_DEFAULT_BATCH_CEILING", 100),
			DefaultBalance: int64(envIntOr("HARVESTER_DEFAULT_BALANCE", 1000)),
		},
		Retry: RetryConfig{
			BaseDelay: envDurationOr("HARVESTER_RETRY_BASE_DELAY", time.Second),
			MaxDelay:  envDurationOr("HARVESTER_RETRY_MAX_DELAY", 30*time.Second),
			Jitter:    envFloatOr("HARVESTER_RETRY_JITTER", 0.2),
		},
		Proxy: ProxyConfig{
			Datacenter:    envSliceOr("HARVESTER_PROXY_DATACENTER", nil),
			Residential:   envSliceOr("HARVESTER_PROXY_RESIDENTIAL", nil),
			ISP:           envSliceOr("HARVESTER_PROXY_ISP", nil),
			Mobile:        envSliceOr("HARVESTER_PROXY_MOBILE", nil),
			ProvidersFile: os.Getenv("HARVESTER_PROXY_PROVIDERS_FILE"),
			MaxFailures:   envIntOr("HARVESTER_PROXY_MAX_FAILURES", 3),
			Cooldown:      envDurationOr("HARVESTER_PROXY_COOLDOWN", time.Minute),
			SessionTTL:    envDurationOr("HARVESTER_PROXY_SESSION_TTL", 5*time.Minute),
		},
		Webhook: WebhookConfig{
			Enabled: envBoolOr("HARVESTER_WEBHOOKS", true),
			Timeout: envDurationOr("HARVESTER_WEBHOOK_TIMEOUT", 10*time.Second),
		},
		Classifier: ClassifierConfig{
			SignaturesFile: os.Getenv("HARVESTER_SIGNATURES_FILE"),
		},
	}
}

// --- helper functions ---

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envSliceOr(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return fallback
}

// envMapOr parses "k1:v1,k2:v2". Malformed pairs are skipped.
func envMapOr(key string, fallback map[string]string) map[string]string {
	pairs := envSliceOr(key, nil)
	if pairs == nil {
		return fallback
	}
	result := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, ":")
		if !ok || k == "" || v == "" {
			continue
		}
		result[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return result
}

// envCostsOr parses "name:credits" pairs and overlays them on fallback.
func envCostsOr(key string, fallback map[string]int64) map[string]int64 {
	result := make(map[string]int64, len(fallback))
	for k, v := range fallback {
		result[k] = v
	}
	for k, v := range envMapOr(key, nil) {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			result[k] = n
		}
	}
	return result
}
