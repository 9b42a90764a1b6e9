package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/pagecraft/server/internal/identity"
	"github.com/pagecraft/server/internal/ledger"
	"github.com/pagecraft/server/internal/logger"
	"github.com/pagecraft/server/internal/metrics"
	"github.com/pagecraft/server/internal/notify"
	"github.com/pagecraft/server/internal/storage"
)

// Executor runs a single job through its state machine and settles billing.
// Both the local dispatcher and the broker workers share it, so the
// queued -> processing -> completed|failed transitions and the
// debit-on-success rule live in exactly one place.
type Executor struct {
	store    storage.Store
	ledger   *ledger.Service
	engine   Engine
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	timeout  time.Duration
}

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	Store    storage.Store
	Ledger   *ledger.Service
	Engine   Engine
	Notifier notify.Notifier // nil disables completion callbacks
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
	Timeout  time.Duration // hard wall-clock bound per job
}

// NewExecutor creates an executor.
func NewExecutor(opts ExecutorOptions) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.Logger.GetLevel() == zerolog.Disabled {
		opts.Logger = zerolog.Nop()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Noop{}
	}
	return &Executor{
		store:    opts.Store,
		ledger:   opts.Ledger,
		engine:   opts.Engine,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		timeout:  opts.Timeout,
	}
}

type engineOutcome struct {
	artifact string
	err      error
}

// Run executes the job with the given ID. It never returns before the job
// has reached a terminal state, but it will not wait past the hard timeout
// even when the engine ignores cancellation.
func (e *Executor) Run(ctx context.Context, jobID string) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		e.logger.Error().Err(err).Str("jobID", jobID).Msg("failed to load job for execution")
		return
	}
	if job.Terminal() {
		// Duplicate broker delivery; terminal states are sticky.
		e.logger.Debug().Str("jobID", jobID).Str("status", string(job.Status)).Msg("skipping job already in terminal state")
		return
	}

	if err := e.store.MarkJobProcessing(ctx, jobID); err != nil {
		e.logger.Error().Err(err).Str("jobID", jobID).Msg("failed to mark job processing")
		return
	}

	if e.metrics != nil {
		e.metrics.JobsInFlight.Inc()
		defer e.metrics.JobsInFlight.Dec()
	}

	started := time.Now()
	engineCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	done := make(chan engineOutcome, 1)
	go func() {
		artifact, genErr := e.engine.Generate(engineCtx, job.Payload, func(percent int, stage string) {
			// Progress writes best-effort; a terminal job silently ignores
			// them (sticky states in the store).
			if err := e.store.UpdateJobProgress(engineCtx, jobID, percent, stage); err != nil {
				e.logger.Debug().Err(err).Str("jobID", jobID).Msg("progress update dropped")
			}
		})
		done <- engineOutcome{artifact: artifact, err: genErr}
	}()

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			e.fail(ctx, job, ClassifyFailure(out.err), failureDetail(out.err), started)
			return
		}
		e.complete(ctx, job, out.artifact, started)
	case <-timer.C:
		// The engine call may still be running; cancel it and report the
		// timeout now rather than waiting it out. The sticky terminal state
		// discards whatever the goroutine eventually produces.
		cancel()
		e.fail(ctx, job, storage.FailureTimeout, "execution exceeded the hard timeout", started)
	}
}

func (e *Executor) complete(ctx context.Context, job storage.Job, artifact string, started time.Time) {
	if err := e.store.CompleteJob(ctx, job.ID, artifact); err != nil {
		e.logger.Error().Err(err).Str("jobID", job.ID).Msg("failed to mark job completed")
		return
	}

	duration := time.Since(started)
	if e.metrics != nil {
		e.metrics.ObserveJobCompleted(duration, job.BillablePages)
	}

	job.Status = storage.JobStatusCompleted
	job.Artifact = artifact
	e.notifier.JobFinished(ctx, job)

	// Delayed billing: the debit happens only now, keyed by the job ID so a
	// crashed-and-redelivered completion can never charge twice.
	owner := identity.OwnerID(job.OwnerID)
	remaining, err := e.ledger.DebitForUsage(ctx, owner, job.BillablePages, job.ID)
	switch {
	case err == nil:
		e.logger.Info().
			Str("jobID", job.ID).
			Str("owner", logger.RedactOwner(job.OwnerID)).
			Int64("pages", job.BillablePages).
			Int64("remaining", remaining).
			Dur("duration", duration).
			Msg("job completed and billed")
	case errors.Is(err, ledger.ErrInsufficientBalance) || errors.Is(err, ledger.ErrAccountOnHold):
		// The artifact is already delivered; the shortfall puts the account
		// on hold until it is topped up or reviewed.
		if holdErr := e.ledger.SetStatus(ctx, owner, storage.AccountStatusOnHold); holdErr != nil {
			e.logger.Error().Err(holdErr).Str("jobID", job.ID).Msg("failed to place account on hold after debit shortfall")
		}
		if e.metrics != nil {
			e.metrics.AccountsOnHoldTotal.Inc()
		}
		e.logger.Warn().
			Str("jobID", job.ID).
			Str("owner", logger.RedactOwner(job.OwnerID)).
			Int64("pages", job.BillablePages).
			Msg("completion debit failed, account placed on hold")
	default:
		e.logger.Error().Err(err).Str("jobID", job.ID).Msg("completion debit errored, left for reconcile")
	}
}

func (e *Executor) fail(ctx context.Context, job storage.Job, reason storage.FailureReason, detail string, started time.Time) {
	if err := e.store.FailJob(ctx, job.ID, reason, detail); err != nil {
		e.logger.Error().Err(err).Str("jobID", job.ID).Msg("failed to mark job failed")
		return
	}

	if e.metrics != nil {
		e.metrics.ObserveJobFailed(string(reason), time.Since(started))
	}

	job.Status = storage.JobStatusFailed
	job.FailureReason = reason
	job.FailureDetail = detail
	e.notifier.JobFinished(ctx, job)

	// No debit on failure, whatever the reason.
	e.logger.Warn().
		Str("jobID", job.ID).
		Str("owner", logger.RedactOwner(job.OwnerID)).
		Str("reason", string(reason)).
		Str("detail", detail).
		Msg("job failed")
}
