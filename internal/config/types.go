package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML parsing.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders durations as Go-style strings.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Storage        StorageConfig        `yaml:"storage"`
	Redis          RedisConfig          `yaml:"redis"`
	Stripe         StripeConfig         `yaml:"stripe"`
	Ledger         LedgerConfig         `yaml:"ledger"`
	Quota          QuotaConfig          `yaml:"quota"`
	Jobs           JobsConfig           `yaml:"jobs"`
	Renderer       RendererConfig       `yaml:"renderer"`
	Callbacks      CallbacksConfig      `yaml:"callbacks"`
	Reconcile      ReconcileConfig      `yaml:"reconcile"`
	Idempotency    IdempotencyConfig    `yaml:"idempotency"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Admin          AdminConfig          `yaml:"admin"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Environment string `yaml:"environment"`
}

// StorageConfig selects and configures the durable storage backend.
type StorageConfig struct {
	Backend         string   `yaml:"backend"` // "memory", "postgres", or "mongodb"
	PostgresURL     string   `yaml:"postgres_url"`
	MongoDBURL      string   `yaml:"mongodb_url"`
	MongoDBDatabase string   `yaml:"mongodb_database"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig configures the Redis connection used by the quota counter and
// the job broker. Leave Addr empty to disable Redis-backed components.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StripeConfig holds payment gateway credentials and checkout URLs.
type StripeConfig struct {
	SecretKey     string          `yaml:"secret_key"`
	WebhookSecret string          `yaml:"webhook_secret"`
	SuccessURL    string          `yaml:"success_url"`
	CancelURL     string          `yaml:"cancel_url"`
	Plans         map[string]Plan `yaml:"plans"`
}

// Plan describes a purchasable credit bundle.
type Plan struct {
	Pages       int64  `yaml:"pages"`
	AmountCents int64  `yaml:"amount_cents"`
	Currency    string `yaml:"currency"`
	DisplayName string `yaml:"display_name"`
}

// LedgerConfig holds credit ledger policy values.
type LedgerConfig struct {
	GuestFreeAllocation int64  `yaml:"guest_free_allocation"` // pages a fresh guest receives implicitly
	RegistrationBonus   int64  `yaml:"registration_bonus"`    // one-time pages granted at signup
	EarlyAdopterCutoff  string `yaml:"early_adopter_cutoff"`  // RFC3339; accounts created before are flagged
}

// QuotaConfig caps daily submissions per owner.
type QuotaConfig struct {
	DailyLimit int64 `yaml:"daily_limit"`
}

// JobsConfig controls dispatching and worker execution.
type JobsConfig struct {
	// AllowLocalFallback selects the in-process dispatcher when the broker is
	// unreachable at startup. When false the server rejects submissions with
	// a retryable broker_unavailable error instead.
	AllowLocalFallback bool     `yaml:"allow_local_fallback"`
	QueueKey           string   `yaml:"queue_key"`
	WorkerCount        int      `yaml:"worker_count"`
	ExecutionTimeout   Duration `yaml:"execution_timeout"`
	PollInterval       Duration `yaml:"poll_interval"`
	UnitCost           int64    `yaml:"unit_cost"` // pages debited per billable unit
}

// ReconcileConfig controls the background sweep that re-checks payments
// stuck in pending, catching webhook deliveries that never arrived.
type ReconcileConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Interval   Duration `yaml:"interval"`    // how often to sweep
	StaleAfter Duration `yaml:"stale_after"` // pending age before a payment is swept
	BatchSize  int      `yaml:"batch_size"`
}

// CallbacksConfig tunes delivery of job completion callbacks to the URL a
// client attached to its submission. Disabled entirely when enabled is false.
type CallbacksConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Timeout         Duration `yaml:"timeout"`          // per-attempt
	MaxAttempts     int      `yaml:"max_attempts"`
	InitialInterval Duration `yaml:"initial_interval"` // backoff start, doubles per attempt
	MaxInterval     Duration `yaml:"max_interval"`
}

// RendererConfig points at the upstream document rendering engine. An empty
// upstream URL selects the built-in local renderer, which only makes sense
// for development.
type RendererConfig struct {
	UpstreamURL    string   `yaml:"upstream_url"`
	APIKey         string   `yaml:"api_key"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

// IdempotencyConfig bounds the dedup layer.
type IdempotencyConfig struct {
	TTL               Duration `yaml:"ttl"`
	FallbackCacheSize int      `yaml:"fallback_cache_size"`
}

// RateLimitConfig holds HTTP rate limiting settings.
type RateLimitConfig struct {
	Enabled  bool     `yaml:"enabled"`
	PerIP    int      `yaml:"per_ip"`
	PerOwner int      `yaml:"per_owner"`
	Window   Duration `yaml:"window"`
}

// AdminConfig protects privileged endpoints.
type AdminConfig struct {
	APIKey string `yaml:"api_key"`
}

// CircuitBreakerConfig configures gobreaker instances per external service.
type CircuitBreakerConfig struct {
	Enabled bool          `yaml:"enabled"`
	Stripe  BreakerConfig `yaml:"stripe"`
	Broker  BreakerConfig `yaml:"broker"`
}

// BreakerConfig configures a single circuit breaker.
type BreakerConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`
	Interval            Duration `yaml:"interval"`
	Timeout             Duration `yaml:"timeout"`
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"`
}
