// Package gateway wraps the Stripe API: checkout session creation for
// credit purchases and webhook signature verification. Everything the
// gateway echoes back (metadata, amounts) is treated as untrusted input by
// the settlement layer; this package only normalises it.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	stripeapi "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/checkout/session"
	"github.com/stripe/stripe-go/v72/webhook"

	"github.com/pagecraft/server/internal/circuitbreaker"
	"github.com/pagecraft/server/internal/config"
)

// ErrSignatureInvalid wraps webhook payloads that fail signature
// verification. Never retried.
var ErrSignatureInvalid = errors.New("gateway: webhook signature invalid")

// ErrUnknownPlan is returned for a checkout against a plan that is not
// configured.
var ErrUnknownPlan = errors.New("gateway: unknown plan")

// Client wraps the stripe-go operations used by the server.
type Client struct {
	cfg     config.StripeConfig
	breaker *circuitbreaker.Manager
}

// NewClient sets up stripe-go with the configured credentials.
func NewClient(cfg config.StripeConfig, breaker *circuitbreaker.Manager) *Client {
	stripeapi.Key = cfg.SecretKey
	return &Client{cfg: cfg, breaker: breaker}
}

// Session is the caller-facing result of a created checkout.
type Session struct {
	// ID is the gateway transaction number; webhooks reference it.
	ID string
	// URL is where the client completes payment.
	URL string
}

// CreateSessionRequest captures what a checkout session needs.
type CreateSessionRequest struct {
	OrderNumber string
	OwnerID     string
	PlanKey     string
	Plan        config.Plan
}

// CreateCheckoutSession builds a Stripe Checkout session for a credit
// bundle. The order number rides along as metadata on both the session and
// the payment intent so refund events can be traced back to the order.
func (c *Client) CreateCheckoutSession(ctx context.Context, req CreateSessionRequest) (Session, error) {
	params := &stripeapi.CheckoutSessionParams{
		Mode:               stripeapi.String(string(stripeapi.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripeapi.StringSlice([]string{"card"}),
		SuccessURL:         stripeapi.String(c.cfg.SuccessURL),
		CancelURL:          stripeapi.String(c.cfg.CancelURL),
		LineItems: []*stripeapi.CheckoutSessionLineItemParams{
			{
				Quantity: stripeapi.Int64(1),
				PriceData: &stripeapi.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripeapi.String(req.Plan.Currency),
					UnitAmount: stripeapi.Int64(req.Plan.AmountCents),
					ProductData: &stripeapi.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripeapi.String(req.Plan.DisplayName),
					},
				},
			},
		},
		PaymentIntentData: &stripeapi.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{
				"order_number": req.OrderNumber,
			},
		},
	}
	params.Context = ctx
	params.Metadata = map[string]string{
		"order_number": req.OrderNumber,
		"owner_id":     req.OwnerID,
		"plan":         req.PlanKey,
	}

	result, err := c.breaker.Execute(circuitbreaker.ServiceStripe, func() (interface{}, error) {
		return session.New(params)
	})
	if err != nil {
		return Session{}, fmt.Errorf("gateway: create checkout session: %w", err)
	}

	s := result.(*stripeapi.CheckoutSession)
	return Session{ID: s.ID, URL: s.URL}, nil
}

// EventKind is the normalised gateway outcome used by settlement.
type EventKind string

const (
	EventPaymentSucceeded EventKind = "payment_succeeded"
	EventPaymentExpired   EventKind = "payment_expired"
	EventRefund           EventKind = "refund"
	// EventIgnored marks event types this server does not settle.
	EventIgnored EventKind = "ignored"
)

// Event is a verified, normalised gateway callback.
type Event struct {
	Kind EventKind
	Type string // raw gateway event type

	// TransactionNo is the checkout session ID, set for session events.
	TransactionNo string

	// OrderNumber and EchoedOwner come from gateway-echoed metadata. They
	// locate records and flag mismatches but never decide who gets credited.
	OrderNumber string
	EchoedOwner string

	AmountCents int64
	Currency    string
}

// ParseWebhook verifies the payload signature and normalises the event.
// A bad signature returns ErrSignatureInvalid.
func (c *Client) ParseWebhook(payload []byte, signature string) (Event, error) {
	if c.cfg.WebhookSecret == "" {
		return Event{}, errors.New("gateway: webhook secret not configured")
	}
	event, err := webhook.ConstructEvent(payload, signature, c.cfg.WebhookSecret)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	switch event.Type {
	case "checkout.session.completed", "checkout.session.expired":
		var checkout stripeapi.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &checkout); err != nil {
			return Event{}, fmt.Errorf("gateway: decode checkout session: %w", err)
		}
		kind := EventPaymentSucceeded
		if event.Type == "checkout.session.expired" {
			kind = EventPaymentExpired
		}
		out := Event{
			Kind:          kind,
			Type:          event.Type,
			TransactionNo: checkout.ID,
			AmountCents:   checkout.AmountTotal,
			Currency:      string(checkout.Currency),
		}
		if checkout.Metadata != nil {
			out.OrderNumber = checkout.Metadata["order_number"]
			out.EchoedOwner = checkout.Metadata["owner_id"]
		}
		return out, nil

	case "charge.refunded":
		var charge stripeapi.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return Event{}, fmt.Errorf("gateway: decode charge: %w", err)
		}
		out := Event{
			Kind:        EventRefund,
			Type:        event.Type,
			AmountCents: charge.AmountRefunded,
			Currency:    string(charge.Currency),
		}
		if charge.Metadata != nil {
			out.OrderNumber = charge.Metadata["order_number"]
		}
		return out, nil

	default:
		return Event{Kind: EventIgnored, Type: event.Type}, nil
	}
}

// FetchSessionEvent retrieves the session's current state from the gateway
// and normalises it like a webhook delivery would be. Used by reconcile when
// a callback may have been missed entirely.
func (c *Client) FetchSessionEvent(ctx context.Context, transactionNo string) (Event, error) {
	params := &stripeapi.CheckoutSessionParams{}
	params.Context = ctx

	result, err := c.breaker.Execute(circuitbreaker.ServiceStripe, func() (interface{}, error) {
		return session.Get(transactionNo, params)
	})
	if err != nil {
		return Event{}, fmt.Errorf("gateway: fetch checkout session: %w", err)
	}

	s := result.(*stripeapi.CheckoutSession)
	out := Event{
		Type:          "reconcile.session_lookup",
		TransactionNo: s.ID,
		AmountCents:   s.AmountTotal,
		Currency:      string(s.Currency),
	}
	if s.Metadata != nil {
		out.OrderNumber = s.Metadata["order_number"]
		out.EchoedOwner = s.Metadata["owner_id"]
	}
	switch {
	case string(s.PaymentStatus) == "paid":
		out.Kind = EventPaymentSucceeded
	case string(s.Status) == "expired":
		out.Kind = EventPaymentExpired
	default:
		// Still open; nothing to settle yet.
		out.Kind = EventIgnored
	}
	return out, nil
}
