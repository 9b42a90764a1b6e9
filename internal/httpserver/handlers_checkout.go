package httpserver

import (
	"errors"
	"net/http"
	"sort"

	apierrors "github.com/pagecraft/server/internal/errors"
	"github.com/pagecraft/server/internal/gateway"
	"github.com/pagecraft/server/internal/logger"
	"github.com/pagecraft/server/pkg/responders"
)

type planInfo struct {
	Key         string `json:"key"`
	DisplayName string `json:"displayName"`
	Pages       int64  `json:"pages"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
}

// listPlans returns the purchasable credit bundles.
func (h *handlers) listPlans(w http.ResponseWriter, r *http.Request) {
	plans := h.checkout.Plans()
	out := make([]planInfo, 0, len(plans))
	for key, plan := range plans {
		out = append(out, planInfo{
			Key:         key,
			DisplayName: plan.DisplayName,
			Pages:       plan.Pages,
			AmountCents: plan.AmountCents,
			Currency:    plan.Currency,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AmountCents < out[j].AmountCents })
	responders.JSON(w, http.StatusOK, map[string]interface{}{"plans": out})
}

type createCheckoutRequest struct {
	Plan string `json:"plan"`
}

// createCheckout opens a gateway checkout session for the resolved owner.
func (h *handlers) createCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	owner, ok := h.resolveOwner(w, r)
	if !ok {
		return
	}

	var req createCheckoutRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.Plan == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "plan is required")
		return
	}

	checkout, err := h.checkout.Create(ctx, owner, req.Plan)
	if errors.Is(err, gateway.ErrUnknownPlan) {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeUnknownPlan, "No such plan.", "plan", req.Plan)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("plan", req.Plan).Msg("checkout creation failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeGatewayError, "Payment gateway is unavailable. Retry shortly.")
		return
	}

	responders.JSON(w, http.StatusOK, checkout)
}
