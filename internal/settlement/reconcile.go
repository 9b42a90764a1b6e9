package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pagecraft/server/internal/gateway"
	"github.com/pagecraft/server/internal/storage"
)

// SessionFetcher looks up a checkout session's current state at the gateway.
// Satisfied by gateway.Client.
type SessionFetcher interface {
	FetchSessionEvent(ctx context.Context, transactionNo string) (gateway.Event, error)
}

// Reconciler settles payments whose webhook deliveries were lost. It asks
// the gateway for the session's actual state and feeds the answer through
// the same exactly-once pipeline a webhook would take.
type Reconciler struct {
	store     storage.Store
	processor *Processor
	fetcher   SessionFetcher
	logger    zerolog.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(store storage.Store, processor *Processor, fetcher SessionFetcher, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:     store,
		processor: processor,
		fetcher:   fetcher,
		logger:    log,
	}
}

// Reconcile checks the order's payment at the gateway and settles it if the
// gateway reports a terminal state. Replays are no-ops, same as webhooks.
func (r *Reconciler) Reconcile(ctx context.Context, orderNumber string) (Result, error) {
	payment, err := r.store.GetPendingPaymentByOrderNumber(ctx, orderNumber)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{}, ErrPaymentNotFound
	}
	if err != nil {
		return Result{}, fmt.Errorf("load payment: %w", err)
	}

	event, err := r.fetcher.FetchSessionEvent(ctx, payment.TransactionNo)
	if err != nil {
		return Result{}, err
	}
	if event.Kind == gateway.EventIgnored {
		r.logger.Info().
			Str("orderNumber", orderNumber).
			Str("recordedStatus", string(payment.Status)).
			Msg("reconcile: session still open at gateway, nothing to settle")
		return Result{Disposition: DispositionIgnored}, nil
	}

	result := r.processor.Process(ctx, event)
	r.logger.Info().
		Str("orderNumber", orderNumber).
		Str("disposition", string(result.Disposition)).
		Str("eventID", result.EventID).
		Msg("reconcile finished")
	return result, result.Err
}
