// Package circuitbreaker isolates failures of external services. Each
// service gets its own breaker so a flapping broker cannot take the payment
// gateway path down with it.
package circuitbreaker

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/pagecraft/server/internal/config"
)

// ServiceType identifies an external dependency guarded by its own breaker.
type ServiceType string

const (
	ServiceStripe ServiceType = "stripe_api"
	ServiceBroker ServiceType = "job_broker"
)

// Manager holds one circuit breaker per external service.
type Manager struct {
	breakers map[ServiceType]*gobreaker.CircuitBreaker
	enabled  bool
}

// BreakerConfig configures a single circuit breaker.
type BreakerConfig struct {
	// MaxRequests is the number of probe requests allowed while half-open.
	MaxRequests uint32

	// Interval is the closed-state period after which counts reset. Zero
	// means counts never reset.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing again.
	Timeout time.Duration

	// ConsecutiveFailures trips the breaker once reached.
	ConsecutiveFailures uint32
}

// Config holds breaker settings for every guarded service.
type Config struct {
	Enabled bool
	Stripe  BreakerConfig
	Broker  BreakerConfig
}

// NewManagerFromConfig creates a manager from application config.
func NewManagerFromConfig(cfg config.CircuitBreakerConfig) *Manager {
	return NewManager(Config{
		Enabled: cfg.Enabled,
		Stripe: BreakerConfig{
			MaxRequests:         cfg.Stripe.MaxRequests,
			Interval:            cfg.Stripe.Interval.Duration,
			Timeout:             cfg.Stripe.Timeout.Duration,
			ConsecutiveFailures: cfg.Stripe.ConsecutiveFailures,
		},
		Broker: BreakerConfig{
			MaxRequests:         cfg.Broker.MaxRequests,
			Interval:            cfg.Broker.Interval.Duration,
			Timeout:             cfg.Broker.Timeout.Duration,
			ConsecutiveFailures: cfg.Broker.ConsecutiveFailures,
		},
	})
}

// NewManager creates a circuit breaker manager with the given configuration.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		breakers: make(map[ServiceType]*gobreaker.CircuitBreaker),
		enabled:  cfg.Enabled,
	}

	if !cfg.Enabled {
		// Pass-through manager, no breakers.
		return m
	}

	m.breakers[ServiceStripe] = gobreaker.NewCircuitBreaker(toSettings(string(ServiceStripe), cfg.Stripe))
	m.breakers[ServiceBroker] = gobreaker.NewCircuitBreaker(toSettings(string(ServiceBroker), cfg.Broker))

	return m
}

// Execute runs fn under the service's breaker. When breakers are disabled or
// the service has none, fn runs directly.
func (m *Manager) Execute(service ServiceType, fn func() (interface{}, error)) (interface{}, error) {
	if !m.enabled {
		return fn()
	}

	breaker, ok := m.breakers[service]
	if !ok {
		return fn()
	}

	return breaker.Execute(fn)
}

// State returns the breaker state name for the service, or "disabled".
func (m *Manager) State(service ServiceType) string {
	if !m.enabled {
		return "disabled"
	}

	breaker, ok := m.breakers[service]
	if !ok {
		return "not_configured"
	}

	return breaker.State().String()
}

func toSettings(name string, cfg BreakerConfig) gobreaker.Settings {
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	return gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	}
}
