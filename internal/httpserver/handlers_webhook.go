package httpserver

import (
	"errors"
	"io"
	"net/http"

	apierrors "github.com/pagecraft/server/internal/errors"
	"github.com/pagecraft/server/internal/gateway"
	"github.com/pagecraft/server/internal/logger"
	"github.com/pagecraft/server/internal/settlement"
	"github.com/pagecraft/server/pkg/responders"
)

// maxWebhookBody bounds gateway payload reads.
const maxWebhookBody = 1 << 20

type webhookResponse struct {
	Received    bool   `json:"received"`
	Disposition string `json:"disposition"`
}

// handleGatewayWebhook verifies and settles a gateway callback. Any terminal
// disposition acks with 200, including replays; the gateway only retries on
// signature failures (its own bug) or an internal fault here.
func (h *handlers) handleGatewayWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidInput, "failed to read webhook body")
		return
	}

	event, err := h.gateway.ParseWebhook(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, gateway.ErrSignatureInvalid) {
			log.Warn().Err(err).Msg("webhook signature rejected")
			apierrors.WriteSimpleError(w, apierrors.ErrCodeSignatureInvalid, "Webhook signature verification failed.")
			return
		}
		log.Error().Err(err).Msg("webhook payload malformed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidInput, "malformed webhook payload")
		return
	}

	result := h.settlement.Process(ctx, event)
	switch result.Disposition {
	case settlement.DispositionFailed:
		// Let the gateway's retry policy re-deliver; the claim state makes
		// the retry safe.
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "settlement failed; delivery will be retried")
	default:
		responders.JSON(w, http.StatusOK, webhookResponse{
			Received:    true,
			Disposition: string(result.Disposition),
		})
	}
}
