package config

import (
	"os"
	"strconv"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use the PAGECRAFT_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server
	setIfEnv(&c.Server.Address, "PAGECRAFT_SERVER_ADDRESS")

	// Logging
	setIfEnv(&c.Logging.Level, "PAGECRAFT_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "PAGECRAFT_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "PAGECRAFT_ENVIRONMENT")

	// Storage
	setIfEnv(&c.Storage.Backend, "PAGECRAFT_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "PAGECRAFT_POSTGRES_URL")
	setIfEnv(&c.Storage.MongoDBURL, "PAGECRAFT_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "PAGECRAFT_MONGODB_DATABASE")

	// Redis
	setIfEnv(&c.Redis.Addr, "PAGECRAFT_REDIS_ADDR")
	setIfEnv(&c.Redis.Password, "PAGECRAFT_REDIS_PASSWORD")
	setIntIfEnv(&c.Redis.DB, "PAGECRAFT_REDIS_DB")

	// Stripe
	setIfEnv(&c.Stripe.SecretKey, "PAGECRAFT_STRIPE_SECRET_KEY")
	setIfEnv(&c.Stripe.WebhookSecret, "PAGECRAFT_STRIPE_WEBHOOK_SECRET")
	setIfEnv(&c.Stripe.SuccessURL, "PAGECRAFT_STRIPE_SUCCESS_URL")
	setIfEnv(&c.Stripe.CancelURL, "PAGECRAFT_STRIPE_CANCEL_URL")

	// Ledger
	setInt64IfEnv(&c.Ledger.GuestFreeAllocation, "PAGECRAFT_GUEST_FREE_ALLOCATION")
	setInt64IfEnv(&c.Ledger.RegistrationBonus, "PAGECRAFT_REGISTRATION_BONUS")
	setIfEnv(&c.Ledger.EarlyAdopterCutoff, "PAGECRAFT_EARLY_ADOPTER_CUTOFF")

	// Quota
	setInt64IfEnv(&c.Quota.DailyLimit, "PAGECRAFT_QUOTA_DAILY_LIMIT")

	// Jobs
	setBoolIfEnv(&c.Jobs.AllowLocalFallback, "PAGECRAFT_JOBS_ALLOW_LOCAL_FALLBACK")
	setIfEnv(&c.Jobs.QueueKey, "PAGECRAFT_JOBS_QUEUE_KEY")
	setIntIfEnv(&c.Jobs.WorkerCount, "PAGECRAFT_JOBS_WORKER_COUNT")
	setDurationIfEnv(&c.Jobs.ExecutionTimeout, "PAGECRAFT_JOBS_EXECUTION_TIMEOUT")

	// Renderer
	setIfEnv(&c.Renderer.UpstreamURL, "PAGECRAFT_RENDERER_URL")
	setIfEnv(&c.Renderer.APIKey, "PAGECRAFT_RENDERER_API_KEY")
	setDurationIfEnv(&c.Renderer.RequestTimeout, "PAGECRAFT_RENDERER_TIMEOUT")

	// Admin
	setIfEnv(&c.Admin.APIKey, "PAGECRAFT_ADMIN_API_KEY")
}

// setIfEnv assigns the env value to dst when the variable is set and non-empty.
func setIfEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBoolIfEnv(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}

func setIntIfEnv(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func setInt64IfEnv(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = parsed
		}
	}
}

func setDurationIfEnv(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			dst.Duration = parsed
		}
	}
}
