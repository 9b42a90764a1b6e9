// Package settlement turns verified payment-gateway callbacks into ledger
// movements, exactly once per distinct gateway event. The claim on the
// WebhookEvent row is the dedup gate; the PendingPayment record written at
// checkout time is the only authority on who gets credited and how much.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pagecraft/server/internal/gateway"
	"github.com/pagecraft/server/internal/identity"
	"github.com/pagecraft/server/internal/ledger"
	"github.com/pagecraft/server/internal/logger"
	"github.com/pagecraft/server/internal/metrics"
	"github.com/pagecraft/server/internal/storage"
)

// ErrPaymentNotFound is returned when no pending payment matches the event.
// The gateway's retry policy gets another chance at it.
var ErrPaymentNotFound = errors.New("settlement: payment not found")

// Disposition is the terminal outcome of processing one webhook delivery.
type Disposition string

const (
	// DispositionSettled means this delivery performed the settlement.
	DispositionSettled Disposition = "settled"
	// DispositionReplay means the event was already settled; nothing moved.
	DispositionReplay Disposition = "replay"
	// DispositionInFlight means another processor currently owns the event.
	DispositionInFlight Disposition = "in_flight"
	// DispositionIgnored means the event type is not one we settle.
	DispositionIgnored Disposition = "ignored"
	// DispositionFailed means settlement errored; the claim was released to
	// failed so the gateway's retry can reclaim it.
	DispositionFailed Disposition = "failed"
)

// Result reports how one delivery was handled.
type Result struct {
	Disposition Disposition
	EventID     string
	Err         error
}

// Processor settles verified gateway events against the ledger.
type Processor struct {
	store   storage.Store
	ledger  *ledger.Service
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewProcessor creates a settlement processor.
func NewProcessor(store storage.Store, ledgerSvc *ledger.Service, m *metrics.Metrics, log zerolog.Logger) *Processor {
	return &Processor{
		store:   store,
		ledger:  ledgerSvc,
		metrics: m,
		logger:  log,
	}
}

// Process runs one verified event through resolve -> claim -> settle -> ack.
// Safe to call concurrently and safe to call again with the same event: the
// claim admits exactly one settling delivery per event ID.
func (p *Processor) Process(ctx context.Context, event gateway.Event) Result {
	started := time.Now()
	result := p.process(ctx, event)

	if p.metrics != nil {
		p.metrics.ObserveWebhookEvent(event.Type, string(result.Disposition), time.Since(started))
	}
	return result
}

func (p *Processor) process(ctx context.Context, event gateway.Event) Result {
	if event.Kind == gateway.EventIgnored {
		p.logger.Debug().Str("type", event.Type).Msg("webhook event type ignored")
		return Result{Disposition: DispositionIgnored}
	}

	payment, err := p.resolvePayment(ctx, event)
	if err != nil {
		p.logger.Error().Err(err).
			Str("type", event.Type).
			Str("transactionNo", logger.RedactToken(event.TransactionNo)).
			Str("orderNumber", event.OrderNumber).
			Msg("webhook event could not be matched to a payment")
		return Result{Disposition: DispositionFailed, Err: err}
	}

	p.flagMismatches(event, payment)

	eventID := deriveEventID(payment.TransactionNo, event.Kind)

	outcome, err := p.store.ClaimWebhookEvent(ctx, eventID)
	if err != nil {
		return Result{Disposition: DispositionFailed, EventID: eventID, Err: fmt.Errorf("claim event: %w", err)}
	}
	switch outcome {
	case storage.ClaimAlreadySettled:
		p.logger.Info().Str("eventID", eventID).Msg("webhook event replayed, already settled")
		return Result{Disposition: DispositionReplay, EventID: eventID}
	case storage.ClaimInProgress:
		return Result{Disposition: DispositionInFlight, EventID: eventID}
	}

	if err := p.settle(ctx, event, payment); err != nil {
		if markErr := p.store.MarkWebhookEventFailed(ctx, eventID, err.Error()); markErr != nil {
			p.logger.Error().Err(markErr).Str("eventID", eventID).Msg("failed to record settlement failure")
		}
		return Result{Disposition: DispositionFailed, EventID: eventID, Err: err}
	}

	if err := p.store.MarkWebhookEventSucceeded(ctx, eventID); err != nil {
		// The settlement itself is durable and idempotent; a lost ack only
		// costs a no-op replay later.
		p.logger.Error().Err(err).Str("eventID", eventID).Msg("failed to ack settled event")
	}

	p.logger.Info().
		Str("eventID", eventID).
		Str("orderNumber", payment.OrderNumber).
		Str("owner", logger.RedactOwner(payment.OwnerID)).
		Int64("pages", payment.Pages).
		Str("kind", string(event.Kind)).
		Msg("webhook event settled")
	return Result{Disposition: DispositionSettled, EventID: eventID}
}

// resolvePayment locates the authoritative PendingPayment for the event.
// Session events carry the transaction number directly; refunds only echo
// the order number.
func (p *Processor) resolvePayment(ctx context.Context, event gateway.Event) (storage.PendingPayment, error) {
	var (
		payment storage.PendingPayment
		err     error
	)
	switch {
	case event.TransactionNo != "":
		payment, err = p.store.GetPendingPaymentByTransactionNo(ctx, event.TransactionNo)
	case event.OrderNumber != "":
		payment, err = p.store.GetPendingPaymentByOrderNumber(ctx, event.OrderNumber)
	default:
		return storage.PendingPayment{}, fmt.Errorf("%w: event carries no reference", ErrPaymentNotFound)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return storage.PendingPayment{}, ErrPaymentNotFound
	}
	if err != nil {
		return storage.PendingPayment{}, fmt.Errorf("resolve payment: %w", err)
	}
	return payment, nil
}

// flagMismatches logs gateway-echoed fields that disagree with the stored
// payment. Settlement proceeds from the stored record either way.
func (p *Processor) flagMismatches(event gateway.Event, payment storage.PendingPayment) {
	if event.EchoedOwner != "" && event.EchoedOwner != payment.OwnerID {
		p.logger.Warn().
			Str("orderNumber", payment.OrderNumber).
			Str("echoedOwner", logger.RedactOwner(event.EchoedOwner)).
			Str("recordedOwner", logger.RedactOwner(payment.OwnerID)).
			Msg("gateway echoed a different owner than recorded at checkout")
	}
	if event.Kind == gateway.EventPaymentSucceeded && event.AmountCents != 0 && event.AmountCents != payment.AmountCents {
		p.logger.Warn().
			Str("orderNumber", payment.OrderNumber).
			Int64("echoedAmount", event.AmountCents).
			Int64("recordedAmount", payment.AmountCents).
			Msg("gateway echoed a different amount than recorded at checkout")
	}
}

func (p *Processor) settle(ctx context.Context, event gateway.Event, payment storage.PendingPayment) error {
	owner := identity.OwnerID(payment.OwnerID)

	switch event.Kind {
	case gateway.EventPaymentSucceeded:
		// Credit keyed by the transaction number: a second settled event for
		// the same transaction applies nothing.
		applied, _, err := p.ledger.CreditPurchase(ctx, owner, payment.Pages, payment.TransactionNo)
		if err != nil {
			return fmt.Errorf("credit purchase: %w", err)
		}
		if applied && p.metrics != nil {
			p.metrics.ObserveCredit(string(storage.TxKindPurchase), payment.Pages)
		}
		return p.setPaymentStatus(ctx, payment, storage.PaymentStatusPaid)

	case gateway.EventPaymentExpired:
		// Nothing was credited, nothing to move.
		return p.setPaymentStatus(ctx, payment, storage.PaymentStatusExpired)

	case gateway.EventRefund:
		if err := p.ledger.ReverseForRefund(ctx, owner, payment.Pages, payment.TransactionNo+":refund"); err != nil {
			return fmt.Errorf("reverse for refund: %w", err)
		}
		return p.setPaymentStatus(ctx, payment, storage.PaymentStatusRefunded)

	default:
		return fmt.Errorf("unhandled event kind %q", event.Kind)
	}
}

func (p *Processor) setPaymentStatus(ctx context.Context, payment storage.PendingPayment, status storage.PaymentStatus) error {
	if err := p.store.SetPaymentStatus(ctx, payment.TransactionNo, status); err != nil {
		return fmt.Errorf("set payment status %s: %w", status, err)
	}
	return nil
}

// deriveEventID builds the dedup key for a gateway event: one settlement per
// (transaction, outcome) pair, however many deliveries arrive.
func deriveEventID(transactionNo string, kind gateway.EventKind) string {
	return transactionNo + ":" + string(kind)
}
