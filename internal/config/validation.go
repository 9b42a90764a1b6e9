package config

import (
	"fmt"
	"time"
)

// Validate checks the configuration for inconsistencies that would produce a
// broken deployment. It is called after file parsing and env overrides.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory":
		// Accepted for development; durable state is lost on restart.
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("storage backend postgres requires postgres_url")
		}
	case "mongodb":
		if c.Storage.MongoDBURL == "" {
			return fmt.Errorf("storage backend mongodb requires mongodb_url")
		}
		if c.Storage.MongoDBDatabase == "" {
			return fmt.Errorf("storage backend mongodb requires mongodb_database")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if c.Ledger.GuestFreeAllocation < 0 {
		return fmt.Errorf("ledger.guest_free_allocation must not be negative")
	}
	if c.Ledger.RegistrationBonus < 0 {
		return fmt.Errorf("ledger.registration_bonus must not be negative")
	}
	if c.Ledger.EarlyAdopterCutoff != "" {
		if _, err := time.Parse(time.RFC3339, c.Ledger.EarlyAdopterCutoff); err != nil {
			return fmt.Errorf("ledger.early_adopter_cutoff: %w", err)
		}
	}

	if c.Quota.DailyLimit <= 0 {
		return fmt.Errorf("quota.daily_limit must be positive")
	}

	if c.Jobs.WorkerCount <= 0 {
		return fmt.Errorf("jobs.worker_count must be positive")
	}
	if c.Jobs.ExecutionTimeout.Duration <= 0 {
		return fmt.Errorf("jobs.execution_timeout must be positive")
	}
	if c.Jobs.UnitCost <= 0 {
		return fmt.Errorf("jobs.unit_cost must be positive")
	}

	if c.Idempotency.FallbackCacheSize <= 0 {
		return fmt.Errorf("idempotency.fallback_cache_size must be positive")
	}
	if c.Idempotency.TTL.Duration <= 0 {
		return fmt.Errorf("idempotency.ttl must be positive")
	}

	for name, plan := range c.Stripe.Plans {
		if plan.Pages <= 0 {
			return fmt.Errorf("stripe.plans.%s: pages must be positive", name)
		}
		if plan.AmountCents <= 0 {
			return fmt.Errorf("stripe.plans.%s: amount_cents must be positive", name)
		}
	}

	return nil
}

// EarlyAdopterCutoffTime parses the configured cutoff, returning the zero time
// when unset.
func (c *Config) EarlyAdopterCutoffTime() time.Time {
	if c.Ledger.EarlyAdopterCutoff == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, c.Ledger.EarlyAdopterCutoff)
	if err != nil {
		return time.Time{}
	}
	return t
}
