package identity

import (
	"context"
	"net/http"
	"strings"
)

// Authenticator maps an opaque credential to a user identity. Credential
// validation itself (session lookup, token verification) lives outside this
// core; implementations return an empty user id for unknown credentials.
type Authenticator interface {
	// AuthenticateSession resolves a session cookie value to a user id.
	AuthenticateSession(ctx context.Context, sessionID string) (string, error)
	// AuthenticateToken resolves a bearer token to a user id.
	AuthenticateToken(ctx context.Context, token string) (string, error)
}

// AnonymousOnly is an Authenticator that never resolves a user. Useful for
// deployments without accounts and for tests.
type AnonymousOnly struct{}

func (AnonymousOnly) AuthenticateSession(context.Context, string) (string, error) { return "", nil }
func (AnonymousOnly) AuthenticateToken(context.Context, string) (string, error)   { return "", nil }

type contextKey string

const ownerContextKey contextKey = "owner_context"

// SessionCookieName is the cookie checked before the Authorization header.
const SessionCookieName = "pagecraft_session"

// DeviceIDHeader carries the anonymous device identity on every request.
const DeviceIDHeader = "X-Device-ID"

// Middleware extracts the caller's identities and stores an OwnerContext in
// the request context. Session cookie is checked before bearer token; the
// first credential that resolves wins. Authentication failures degrade to
// anonymous rather than rejecting the request, so a stale cookie does not
// lock a caller out of their device balance.
func Middleware(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			oc := OwnerContext{
				DeviceID: strings.TrimSpace(r.Header.Get(DeviceIDHeader)),
			}

			if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
				if userID, err := auth.AuthenticateSession(r.Context(), cookie.Value); err == nil && userID != "" {
					oc.UserID = userID
				}
			}
			if oc.UserID == "" {
				if token := bearerToken(r); token != "" {
					if userID, err := auth.AuthenticateToken(r.Context(), token); err == nil && userID != "" {
						oc.UserID = userID
					}
				}
			}

			ctx := context.WithValue(r.Context(), ownerContextKey, oc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// FromRequest returns the OwnerContext stored by Middleware.
func FromRequest(r *http.Request) OwnerContext {
	if oc, ok := r.Context().Value(ownerContextKey).(OwnerContext); ok {
		return oc
	}
	return OwnerContext{}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}
