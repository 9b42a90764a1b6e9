package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pagecraft/server/internal/config"
	"github.com/pagecraft/server/internal/identity"
	"github.com/pagecraft/server/internal/logger"
	"github.com/pagecraft/server/internal/metrics"
	"github.com/pagecraft/server/internal/storage"
)

// CheckoutService initiates credit purchases. The PendingPayment it writes
// is the authoritative record of who bought what; settlement trusts it over
// anything the gateway later echoes.
type CheckoutService struct {
	store   storage.Store
	client  *Client
	plans   map[string]config.Plan
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewCheckoutService creates a checkout service.
func NewCheckoutService(store storage.Store, client *Client, plans map[string]config.Plan, m *metrics.Metrics, log zerolog.Logger) *CheckoutService {
	return &CheckoutService{
		store:   store,
		client:  client,
		plans:   plans,
		metrics: m,
		logger:  log,
	}
}

// Checkout is the caller-facing result of an initiated purchase.
type Checkout struct {
	OrderNumber string `json:"orderNumber"`
	CheckoutURL string `json:"checkoutUrl"`
	Plan        string `json:"plan"`
	Pages       int64  `json:"pages"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
}

// Create opens a checkout session for the plan and records the pending
// payment against the resolved owner.
func (s *CheckoutService) Create(ctx context.Context, owner identity.OwnerID, planKey string) (Checkout, error) {
	plan, ok := s.plans[planKey]
	if !ok {
		return Checkout{}, fmt.Errorf("%w: %q", ErrUnknownPlan, planKey)
	}

	orderNumber := "ord_" + uuid.NewString()

	session, err := s.client.CreateCheckoutSession(ctx, CreateSessionRequest{
		OrderNumber: orderNumber,
		OwnerID:     string(owner),
		PlanKey:     planKey,
		Plan:        plan,
	})
	if err != nil {
		return Checkout{}, err
	}

	now := time.Now().UTC()
	payment := storage.PendingPayment{
		OrderNumber:   orderNumber,
		TransactionNo: session.ID,
		OwnerID:       string(owner),
		Pages:         plan.Pages,
		AmountCents:   plan.AmountCents,
		Currency:      plan.Currency,
		Status:        storage.PaymentStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.SavePendingPayment(ctx, payment); err != nil {
		return Checkout{}, fmt.Errorf("save pending payment: %w", err)
	}

	if s.metrics != nil {
		s.metrics.CheckoutsTotal.WithLabelValues(planKey).Inc()
	}
	s.logger.Info().
		Str("orderNumber", orderNumber).
		Str("owner", logger.RedactOwner(string(owner))).
		Str("plan", planKey).
		Int64("pages", plan.Pages).
		Msg("checkout session created")

	return Checkout{
		OrderNumber: orderNumber,
		CheckoutURL: session.URL,
		Plan:        planKey,
		Pages:       plan.Pages,
		AmountCents: plan.AmountCents,
		Currency:    plan.Currency,
	}, nil
}

// Plans returns the purchasable bundles, for the client to render.
func (s *CheckoutService) Plans() map[string]config.Plan {
	return s.plans
}
