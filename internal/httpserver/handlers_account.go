package httpserver

import (
	"net/http"

	apierrors "github.com/pagecraft/server/internal/errors"
	"github.com/pagecraft/server/internal/identity"
	"github.com/pagecraft/server/internal/logger"
	"github.com/pagecraft/server/pkg/responders"
)

type balanceResponse struct {
	PagesRemaining int64  `json:"pagesRemaining"`
	TotalPagesUsed int64  `json:"totalPagesUsed"`
	Status         string `json:"status"`
	EarlyAdopter   bool   `json:"earlyAdopter"`
}

// getBalance returns the resolved owner's credit account, creating it with
// its initial grant on first sight.
func (h *handlers) getBalance(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.resolveOwner(w, r)
	if !ok {
		return
	}

	acct, err := h.ledger.Balance(r.Context(), owner)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "failed to load balance")
		return
	}

	responders.JSON(w, http.StatusOK, balanceResponse{
		PagesRemaining: acct.PagesRemaining,
		TotalPagesUsed: acct.TotalPagesUsed,
		Status:         string(acct.Status),
		EarlyAdopter:   acct.EarlyAdopter,
	})
}

type claimAccountResponse struct {
	TransferredPages int64 `json:"transferredPages"`
	PagesRemaining   int64 `json:"pagesRemaining"`
}

// claimAccount migrates a guest device's earned balance to the signed-in
// user. Safe to retry: the transfer applies at most once per (device, user)
// pair.
func (h *handlers) claimAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	oc := identity.FromRequest(r)
	if oc.UserID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "Sign in before claiming a guest account.")
		return
	}
	if oc.DeviceID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingDevice, "Provide the "+identity.DeviceIDHeader+" header of the guest device to claim.")
		return
	}

	device := identity.DeviceOwnerID(oc.DeviceID)
	user := identity.UserOwnerID(oc.UserID)

	transferred, err := h.ledger.MigrateGuestToUser(ctx, device, user)
	if err != nil {
		log.Error().Err(err).Msg("guest migration failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "failed to migrate guest account")
		return
	}
	if h.metrics != nil && transferred > 0 {
		h.metrics.ObserveMigration(transferred)
	}

	acct, err := h.ledger.Balance(ctx, user)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "failed to load balance")
		return
	}

	responders.JSON(w, http.StatusOK, claimAccountResponse{
		TransferredPages: transferred,
		PagesRemaining:   acct.PagesRemaining,
	})
}
