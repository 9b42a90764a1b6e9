// Package apikey guards the admin surface with a static key check.
package apikey

import (
	"crypto/subtle"
	"net/http"
	"strings"

	apierrors "github.com/pagecraft/server/internal/errors"
)

// Header carries the admin API key.
const Header = "X-API-Key"

// Require rejects requests that do not present the configured admin key.
// With no key configured the protected routes are disabled outright rather
// than left open.
func Require(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeForbidden, "Admin API is not enabled.")
				return
			}

			presented := strings.TrimSpace(r.Header.Get(Header))
			if presented == "" {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "Missing API key.")
				return
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "Invalid API key.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
