package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	apierrors "github.com/pagecraft/server/internal/errors"
	"github.com/pagecraft/server/internal/identity"
	"github.com/pagecraft/server/internal/idempotency"
	"github.com/pagecraft/server/internal/jobs"
	"github.com/pagecraft/server/internal/logger"
	"github.com/pagecraft/server/internal/storage"
	"github.com/pagecraft/server/pkg/responders"
)

type submitJobRequest struct {
	Payload         json.RawMessage `json:"payload"`
	Pages           int64           `json:"pages"`
	ClientRequestID string          `json:"clientRequestId"`
	CallbackURL     string          `json:"callbackUrl"`
}

type submitJobResponse struct {
	ResultID string `json:"resultId"`
	JobID    string `json:"jobId"`
	Status   string `json:"status"`
	Cached   bool   `json:"cached"`
}

// submitJob runs the submission pipeline: resolve owner, dedup, quota,
// balance pre-check, dispatch. Order matters: the idempotency reservation
// comes first so concurrent duplicates collapse before they consume quota.
func (h *handlers) submitJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	owner, ok := h.resolveOwner(w, r)
	if !ok {
		return
	}

	var req submitJobRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidInput, err.Error())
		return
	}
	if len(req.Payload) == 0 {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "payload is required")
		return
	}
	if req.Pages <= 0 {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidInput, "pages must be a positive number")
		return
	}
	if req.CallbackURL != "" {
		if u, err := url.Parse(req.CallbackURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidInput, "callbackUrl must be an absolute http(s) URL")
			return
		}
	}
	billablePages := req.Pages * h.cfg.Jobs.UnitCost

	// A missing client request id still gets a reservation; it just cannot
	// dedup across retries the client never labels.
	clientRequestID := req.ClientRequestID
	if clientRequestID == "" {
		clientRequestID = uuid.NewString()
	}
	key := idempotency.KeyFor(owner, clientRequestID)

	reserved, err := h.idempotency.Reserve(ctx, key)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "failed to reserve submission")
		return
	}
	if !reserved {
		if prior, found := h.idempotency.Lookup(ctx, key); found {
			h.respondCached(w, r, prior)
			return
		}
		// Reserved by a concurrent duplicate that has not completed yet.
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDuplicateInFlight, "A submission with this request id is already in flight. Poll for its result instead of resubmitting.")
		return
	}

	allowed, count, err := h.quota.CheckAndIncrement(ctx, owner, h.cfg.Quota.DailyLimit)
	if err != nil {
		h.idempotency.Release(ctx, key)
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "quota check failed")
		return
	}
	if !allowed {
		h.idempotency.Release(ctx, key)
		if h.metrics != nil {
			h.metrics.QuotaRejectionsTotal.Inc()
		}
		log.Info().
			Str("owner", logger.RedactOwner(string(owner))).
			Int64("count", count).
			Msg("submission rejected by daily quota")
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeQuotaExceeded, "Daily submission limit reached.", "dailyLimit", h.cfg.Quota.DailyLimit)
		return
	}

	// Pre-check only: the actual debit happens after the job delivers. This
	// keeps obviously unpayable jobs out of the queue without holding any
	// ledger lock across dispatch.
	acct, err := h.ledger.Balance(ctx, owner)
	if err != nil {
		h.idempotency.Release(ctx, key)
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "failed to load balance")
		return
	}
	if acct.Status == storage.AccountStatusOnHold {
		h.idempotency.Release(ctx, key)
		apierrors.WriteSimpleError(w, apierrors.ErrCodeAccountOnHold, "Account is on hold. Contact support.")
		return
	}
	if acct.PagesRemaining < billablePages {
		h.idempotency.Release(ctx, key)
		if h.metrics != nil {
			h.metrics.InsufficientBalance.Inc()
		}
		apierrors.WriteError(w, apierrors.ErrCodeInsufficientBalance, "Not enough pages remaining.", map[string]interface{}{
			"pagesRemaining": acct.PagesRemaining,
			"pagesRequired":  billablePages,
		})
		return
	}

	job, err := h.jobs.Submit(ctx, owner, req.Payload, billablePages, req.CallbackURL)
	if err != nil {
		h.idempotency.Release(ctx, key)
		if errors.Is(err, jobs.ErrBrokerUnavailable) {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeBrokerUnavailable, "Job broker is unavailable. Retry shortly.")
			return
		}
		log.Error().Err(err).Msg("job submission failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "failed to submit job")
		return
	}

	if err := h.idempotency.Complete(ctx, key, job.ID, job.ResultID); err != nil {
		log.Warn().Err(err).Str("jobID", job.ID).Msg("failed to complete idempotency record")
	}

	responders.JSON(w, http.StatusAccepted, submitJobResponse{
		ResultID: job.ResultID,
		JobID:    job.ID,
		Status:   string(job.Status),
		Cached:   false,
	})
}

// respondCached serves a retry from the recorded outcome of the original
// submission.
func (h *handlers) respondCached(w http.ResponseWriter, r *http.Request, prior idempotency.Result) {
	if h.metrics != nil {
		h.metrics.IdempotentReplaysTotal.Inc()
	}
	status := string(storage.JobStatusQueued)
	if job, err := h.jobs.Get(r.Context(), prior.JobID); err == nil {
		status = string(job.Status)
	}
	responders.JSON(w, http.StatusOK, submitJobResponse{
		ResultID: prior.ResultID,
		JobID:    prior.JobID,
		Status:   status,
		Cached:   true,
	})
}

type jobFailure struct {
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

type pollResultResponse struct {
	ResultID        string      `json:"resultId"`
	JobID           string      `json:"jobId"`
	Status          string      `json:"status"`
	ProgressPercent *int        `json:"progressPercent,omitempty"`
	Stage           string      `json:"stage,omitempty"`
	EtaSeconds      *int64      `json:"etaSeconds,omitempty"`
	Artifact        string      `json:"artifact,omitempty"`
	Failure         *jobFailure `json:"failure,omitempty"`
}

// pollResult reports job status. Processing jobs expose coarse progress;
// terminal jobs expose the artifact or a classified failure.
func (h *handlers) pollResult(w http.ResponseWriter, r *http.Request) {
	resultID := chi.URLParam(r, "resultID")
	if resultID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "result id is required")
		return
	}

	job, err := h.jobs.GetByResultID(r.Context(), resultID)
	if errors.Is(err, storage.ErrNotFound) {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeJobNotFound, "No job produces this result.")
		return
	}
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "failed to load job")
		return
	}

	resp := pollResultResponse{
		ResultID: job.ResultID,
		JobID:    job.ID,
		Status:   string(job.Status),
	}
	switch job.Status {
	case storage.JobStatusProcessing:
		progress := job.Progress
		eta := jobs.EstimateETA(job, time.Now())
		resp.ProgressPercent = &progress
		resp.Stage = job.Stage
		resp.EtaSeconds = &eta
	case storage.JobStatusCompleted:
		resp.Artifact = job.Artifact
	case storage.JobStatusFailed:
		resp.Failure = &jobFailure{
			Reason: string(job.FailureReason),
			Detail: job.FailureDetail,
		}
	}

	responders.JSON(w, http.StatusOK, resp)
}

// resolveOwner resolves the request's owner or writes the appropriate error.
func (h *handlers) resolveOwner(w http.ResponseWriter, r *http.Request) (identity.OwnerID, bool) {
	owner, err := identity.Resolve(identity.FromRequest(r))
	if errors.Is(err, identity.ErrNoDeviceID) {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingDevice, "Provide a "+identity.DeviceIDHeader+" header or sign in.")
		return "", false
	}
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, err.Error())
		return "", false
	}
	return owner, true
}
