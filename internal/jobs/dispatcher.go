package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pagecraft/server/internal/identity"
	"github.com/pagecraft/server/internal/metrics"
	"github.com/pagecraft/server/internal/storage"
)

// ErrBrokerUnavailable wraps dispatch failures caused by the broker being
// unreachable or its circuit breaker being open.
var ErrBrokerUnavailable = errors.New("job broker unavailable")

// Dispatcher hands a queued job off for execution. The implementation is
// chosen once at startup; there is no per-request fallback between them.
type Dispatcher interface {
	// Dispatch makes the job eligible for execution. The job record already
	// exists in storage with status queued.
	Dispatch(ctx context.Context, job storage.Job) error

	// Name labels the dispatcher in logs and metrics.
	Name() string
}

// RejectDispatcher refuses every dispatch. Installed at startup when the
// broker is unreachable and local fallback is disabled, so submissions fail
// with a retryable error instead of silently running in-process.
type RejectDispatcher struct{}

func (RejectDispatcher) Dispatch(ctx context.Context, job storage.Job) error {
	return ErrBrokerUnavailable
}

func (RejectDispatcher) Name() string { return "reject" }

// Service is the submission front door: it creates the job record and hands
// it to the dispatcher.
type Service struct {
	store      storage.Store
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// NewService creates a submission service.
func NewService(store storage.Store, dispatcher Dispatcher, m *metrics.Metrics, log zerolog.Logger) *Service {
	return &Service{
		store:      store,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     log,
	}
}

// Submit creates a job for the owner and dispatches it. On dispatch failure
// the job is marked failed and ErrBrokerUnavailable is returned so the
// caller can surface a retryable error.
func (s *Service) Submit(ctx context.Context, owner identity.OwnerID, payload json.RawMessage, billablePages int64, callbackURL string) (storage.Job, error) {
	now := time.Now().UTC()
	job := storage.Job{
		ID:            uuid.NewString(),
		ResultID:      uuid.NewString(),
		OwnerID:       string(owner),
		Payload:       payload,
		BillablePages: billablePages,
		CallbackURL:   callbackURL,
		Status:        storage.JobStatusQueued,
		Stage:         "queued",
		CreatedAt:     now,
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return storage.Job{}, fmt.Errorf("create job: %w", err)
	}

	if err := s.dispatcher.Dispatch(ctx, job); err != nil {
		// The record must not linger as queued when nothing will pick it up.
		if failErr := s.store.FailJob(ctx, job.ID, storage.FailureUpstream, "dispatch failed: broker unavailable"); failErr != nil {
			s.logger.Error().Err(failErr).Str("jobID", job.ID).Msg("failed to mark undispatched job failed")
		}
		return storage.Job{}, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}

	if s.metrics != nil {
		s.metrics.JobsSubmittedTotal.WithLabelValues(s.dispatcher.Name()).Inc()
	}

	return job, nil
}

// Get returns the job with the given ID.
func (s *Service) Get(ctx context.Context, jobID string) (storage.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// GetByResultID returns the job that produces the given result.
func (s *Service) GetByResultID(ctx context.Context, resultID string) (storage.Job, error) {
	return s.store.GetJobByResultID(ctx, resultID)
}

// EstimateETA derives a rough seconds-remaining figure from elapsed time and
// progress. Returns 0 when there is not enough signal yet.
func EstimateETA(job storage.Job, now time.Time) int64 {
	if job.Status != storage.JobStatusProcessing || job.StartedAt == nil || job.Progress <= 0 {
		return 0
	}
	elapsed := now.Sub(*job.StartedAt)
	if elapsed <= 0 {
		return 0
	}
	remaining := time.Duration(float64(elapsed) / float64(job.Progress) * float64(100-job.Progress))
	return int64(remaining.Round(time.Second) / time.Second)
}
