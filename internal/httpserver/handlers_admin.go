package httpserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/pagecraft/server/internal/errors"
	"github.com/pagecraft/server/internal/identity"
	"github.com/pagecraft/server/internal/logger"
	"github.com/pagecraft/server/internal/settlement"
	"github.com/pagecraft/server/internal/storage"
	"github.com/pagecraft/server/pkg/responders"
)

// health reports liveness.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"uptimeSeconds": int64(time.Since(serverStartTime).Seconds()),
	})
}

type reconcileRequest struct {
	OrderNumber string `json:"orderNumber"`
}

// adminReconcile settles an order whose webhook may have been lost, by
// asking the gateway for the session's actual state.
func (h *handlers) adminReconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var req reconcileRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.OrderNumber == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "orderNumber is required")
		return
	}

	result, err := h.reconciler.Reconcile(ctx, req.OrderNumber)
	if errors.Is(err, settlement.ErrPaymentNotFound) {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodePaymentNotFound, "No payment recorded for this order.", "orderNumber", req.OrderNumber)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("orderNumber", req.OrderNumber).Msg("reconcile failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, err.Error())
		return
	}

	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"orderNumber": req.OrderNumber,
		"disposition": string(result.Disposition),
		"eventId":     result.EventID,
	})
}

// adminWebhookEvent exposes a settlement record for inspection.
func (h *handlers) adminWebhookEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	if eventID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "event id is required")
		return
	}

	event, err := h.store.GetWebhookEvent(r.Context(), eventID)
	if errors.Is(err, storage.ErrNotFound) {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeNotFound, "No such webhook event.")
		return
	}
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "failed to load webhook event")
		return
	}

	responders.JSON(w, http.StatusOK, event)
}

type setAccountStatusRequest struct {
	OwnerID string `json:"ownerId"`
	Status  string `json:"status"`
}

// adminSetAccountStatus releases a hold or freezes an account.
func (h *handlers) adminSetAccountStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var req setAccountStatusRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.OwnerID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "ownerId is required")
		return
	}
	status := storage.AccountStatus(req.Status)
	if status != storage.AccountStatusActive && status != storage.AccountStatusOnHold {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidInput, "status must be active or on_hold")
		return
	}

	if err := h.ledger.SetStatus(ctx, identity.OwnerID(req.OwnerID), status); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeNotFound, "No such account.")
			return
		}
		log.Error().Err(err).Msg("account status change failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "failed to update account")
		return
	}

	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"ownerId": req.OwnerID,
		"status":  req.Status,
	})
}
