package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  Duration{Duration: 15 * time.Second},
			WriteTimeout: Duration{Duration: 15 * time.Second},
			IdleTimeout:  Duration{Duration: 60 * time.Second},
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			Environment: "development",
		},
		Storage: StorageConfig{
			Backend:         "memory",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: Duration{Duration: 5 * time.Minute},
		},
		Stripe: StripeConfig{
			SuccessURL: "http://localhost:8080/checkout/success?session_id={CHECKOUT_SESSION_ID}",
			CancelURL:  "http://localhost:8080/checkout/cancel",
			Plans: map[string]Plan{
				"starter": {Pages: 50, AmountCents: 500, Currency: "usd", DisplayName: "Starter (50 pages)"},
				"pro":     {Pages: 300, AmountCents: 2000, Currency: "usd", DisplayName: "Pro (300 pages)"},
			},
		},
		Ledger: LedgerConfig{
			GuestFreeAllocation: 2,
			RegistrationBonus:   10,
		},
		Quota: QuotaConfig{
			DailyLimit: 60,
		},
		Jobs: JobsConfig{
			AllowLocalFallback: false,
			QueueKey:           "pagecraft:jobs",
			WorkerCount:        4,
			ExecutionTimeout:   Duration{Duration: 10 * time.Minute},
			PollInterval:       Duration{Duration: 2 * time.Second},
			UnitCost:           1,
		},
		Renderer: RendererConfig{
			RequestTimeout: Duration{Duration: 5 * time.Minute},
		},
		Reconcile: ReconcileConfig{
			Enabled:    true,
			Interval:   Duration{Duration: 5 * time.Minute},
			StaleAfter: Duration{Duration: 30 * time.Minute},
			BatchSize:  50,
		},
		Callbacks: CallbacksConfig{
			Enabled:         true,
			Timeout:         Duration{Duration: 10 * time.Second},
			MaxAttempts:     5,
			InitialInterval: Duration{Duration: 1 * time.Second},
			MaxInterval:     Duration{Duration: 2 * time.Minute},
		},
		Idempotency: IdempotencyConfig{
			TTL:               Duration{Duration: 24 * time.Hour},
			FallbackCacheSize: 10000,
		},
		RateLimit: RateLimitConfig{
			Enabled:  true,
			PerIP:    120,
			PerOwner: 60,
			Window:   Duration{Duration: 1 * time.Minute},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			Stripe: BreakerConfig{
				MaxRequests:         1,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
			},
			Broker: BreakerConfig{
				MaxRequests:         1,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 15 * time.Second},
				ConsecutiveFailures: 3,
			},
		},
	}
}

// parseFile merges YAML configuration from disk into the receiver.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}
