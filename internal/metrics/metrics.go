package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the PageCraft server.
type Metrics struct {
	// Job metrics
	JobsSubmittedTotal *prometheus.CounterVec
	JobsCompletedTotal prometheus.Counter
	JobsFailedTotal    *prometheus.CounterVec
	JobDuration        prometheus.Histogram
	JobsInFlight       prometheus.Gauge

	// Ledger metrics
	PagesDebitedTotal    prometheus.Counter
	PagesCreditedTotal   *prometheus.CounterVec
	InsufficientBalance  prometheus.Counter
	AccountsOnHoldTotal  prometheus.Counter
	GuestMigrationsTotal prometheus.Counter
	PagesMigratedTotal   prometheus.Counter

	// Settlement metrics
	WebhookEventsTotal *prometheus.CounterVec
	SettlementDuration prometheus.Histogram

	// Completion callback metrics
	CallbackDeliveriesTotal *prometheus.CounterVec

	// Checkout metrics
	CheckoutsTotal *prometheus.CounterVec

	// Idempotency and quota metrics
	IdempotentReplaysTotal prometheus.Counter
	QuotaRejectionsTotal   prometheus.Counter
	RateLimitHitsTotal     *prometheus.CounterVec
	FallbackCacheActive    prometheus.Gauge

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Job metrics
		JobsSubmittedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagecraft_jobs_submitted_total",
				Help: "Total number of generation jobs accepted for dispatch",
			},
			[]string{"dispatcher"},
		),
		JobsCompletedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pagecraft_jobs_completed_total",
				Help: "Total number of jobs that produced an artifact",
			},
		),
		JobsFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagecraft_jobs_failed_total",
				Help: "Total number of failed jobs by failure reason",
			},
			[]string{"reason"},
		),
		JobDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pagecraft_job_duration_seconds",
				Help:    "Time from job pickup to terminal state",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		),
		JobsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pagecraft_jobs_in_flight",
				Help: "Number of jobs currently being executed",
			},
		),

		// Ledger metrics
		PagesDebitedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pagecraft_pages_debited_total",
				Help: "Total pages debited for completed jobs",
			},
		),
		PagesCreditedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagecraft_pages_credited_total",
				Help: "Total pages credited by transaction kind",
			},
			[]string{"kind"},
		),
		InsufficientBalance: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pagecraft_insufficient_balance_total",
				Help: "Total debit attempts rejected for insufficient balance",
			},
		),
		AccountsOnHoldTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pagecraft_accounts_on_hold_total",
				Help: "Total accounts placed on hold",
			},
		),
		GuestMigrationsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pagecraft_guest_migrations_total",
				Help: "Total guest accounts migrated to users",
			},
		),
		PagesMigratedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pagecraft_pages_migrated_total",
				Help: "Total pages transferred by guest migrations",
			},
		),

		// Settlement metrics
		WebhookEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagecraft_webhook_events_total",
				Help: "Total gateway webhook events by type and disposition",
			},
			[]string{"event_type", "status"},
		),
		SettlementDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pagecraft_settlement_duration_seconds",
				Help:    "Time taken to settle a verified webhook event",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
		),

		// Completion callback metrics
		CallbackDeliveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagecraft_callback_deliveries_total",
				Help: "Total job completion callback deliveries by outcome",
			},
			[]string{"status"},
		),

		// Checkout metrics
		CheckoutsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagecraft_checkouts_total",
				Help: "Total checkout sessions created by plan",
			},
			[]string{"plan"},
		),

		// Idempotency and quota metrics
		IdempotentReplaysTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pagecraft_idempotent_replays_total",
				Help: "Total submissions answered from a completed idempotency record",
			},
		),
		QuotaRejectionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pagecraft_quota_rejections_total",
				Help: "Total submissions rejected by the daily quota",
			},
		),
		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagecraft_rate_limit_hits_total",
				Help: "Total requests rejected by the rate limiter",
			},
			[]string{"limit_type"},
		),
		FallbackCacheActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pagecraft_idempotency_fallback_entries",
				Help: "Entries currently held by the in-process idempotency fallback cache",
			},
		),

		// Database metrics
		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pagecraft_db_query_duration_seconds",
				Help:    "Database query duration",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"operation", "backend"},
		),
	}
}

// ObserveJobCompleted records a successful job and the pages billed for it.
func (m *Metrics) ObserveJobCompleted(duration time.Duration, pagesDebited int64) {
	m.JobsCompletedTotal.Inc()
	m.JobDuration.Observe(duration.Seconds())
	m.PagesDebitedTotal.Add(float64(pagesDebited))
}

// ObserveJobFailed records a failed job with its classified reason.
func (m *Metrics) ObserveJobFailed(reason string, duration time.Duration) {
	m.JobsFailedTotal.WithLabelValues(reason).Inc()
	m.JobDuration.Observe(duration.Seconds())
}

// ObserveCredit records pages credited to an account.
func (m *Metrics) ObserveCredit(kind string, pages int64) {
	m.PagesCreditedTotal.WithLabelValues(kind).Add(float64(pages))
}

// ObserveWebhookEvent records a gateway webhook disposition.
func (m *Metrics) ObserveWebhookEvent(eventType, status string, duration time.Duration) {
	m.WebhookEventsTotal.WithLabelValues(eventType, status).Inc()
	m.SettlementDuration.Observe(duration.Seconds())
}

// ObserveMigration records a completed guest-to-user migration.
func (m *Metrics) ObserveMigration(pagesTransferred int64) {
	m.GuestMigrationsTotal.Inc()
	m.PagesMigratedTotal.Add(float64(pagesTransferred))
}

// ObserveDBQuery records a database query.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}
