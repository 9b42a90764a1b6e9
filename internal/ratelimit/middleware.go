// Package ratelimit provides HTTP-level request limiting, separate from the
// per-day billing quota: this layer stops bursts and spam, the quota caps
// spend.
package ratelimit

import (
	"fmt"
	"net/http"

	"github.com/go-chi/httprate"

	"github.com/pagecraft/server/internal/config"
	apierrors "github.com/pagecraft/server/internal/errors"
	"github.com/pagecraft/server/internal/identity"
	"github.com/pagecraft/server/internal/metrics"
)

// limitHandler writes the standard rate_limited error and records the hit.
func limitHandler(limitType string, windowSeconds int, m *metrics.Metrics) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if m != nil {
			m.RateLimitHitsTotal.WithLabelValues(limitType).Inc()
		}
		w.Header().Set("Retry-After", fmt.Sprintf("%d", windowSeconds))
		apierrors.WriteSimpleError(w, apierrors.ErrCodeRateLimited, "Too many requests. Please slow down.")
	}
}

// IPLimiter limits by client IP. It is the outer guard applied to every
// route, including unauthenticated ones.
func IPLimiter(cfg config.RateLimitConfig, m *metrics.Metrics) func(http.Handler) http.Handler {
	if !cfg.Enabled || cfg.PerIP <= 0 {
		return passthrough
	}

	return httprate.Limit(
		cfg.PerIP,
		cfg.Window.Duration,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(limitHandler("per_ip", int(cfg.Window.Duration.Seconds()), m)),
	)
}

// OwnerLimiter limits by resolved owner, falling back to IP when the
// request carries no identity. Applied after the identity middleware.
func OwnerLimiter(cfg config.RateLimitConfig, m *metrics.Metrics) func(http.Handler) http.Handler {
	if !cfg.Enabled || cfg.PerOwner <= 0 {
		return passthrough
	}

	return httprate.Limit(
		cfg.PerOwner,
		cfg.Window.Duration,
		httprate.WithKeyFuncs(ownerKey),
		httprate.WithLimitHandler(limitHandler("per_owner", int(cfg.Window.Duration.Seconds()), m)),
	)
}

// ownerKey buckets requests by the resolved owner ID.
func ownerKey(r *http.Request) (string, error) {
	oc := identity.FromRequest(r)
	if owner, err := identity.Resolve(oc); err == nil {
		return string(owner), nil
	}
	return httprate.KeyByIP(r)
}

func passthrough(next http.Handler) http.Handler {
	return next
}
