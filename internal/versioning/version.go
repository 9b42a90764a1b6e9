// Package versioning negotiates the API version for a request and exposes
// it through the request context. Only v1 exists today; the negotiation
// path is in place so a future v2 is a constant away.
package versioning

import (
	"context"
	"net/http"
	"strings"
)

// Version is an API version.
type Version int

const (
	// V1 is the initial API version.
	V1 Version = 1

	// DefaultVersion is used when the client does not ask for one.
	DefaultVersion = V1
)

// String renders the version as "v1", "v2", ...
func (v Version) String() string {
	if v <= 0 {
		return "v1"
	}
	return "v" + string(rune('0'+v))
}

type contextKey struct{}

// FromContext returns the negotiated API version, defaulting to V1.
func FromContext(ctx context.Context) Version {
	if v, ok := ctx.Value(contextKey{}).(Version); ok {
		return v
	}
	return DefaultVersion
}

// WithVersion stores the API version in the context.
func WithVersion(ctx context.Context, version Version) context.Context {
	return context.WithValue(ctx, contextKey{}, version)
}

// Negotiation resolves the requested API version and echoes it back.
// Clients may ask via:
//   - X-API-Version: 1
//   - Accept: application/vnd.pagecraft.v1+json
//
// Unknown versions fall back to the default rather than erroring.
func Negotiation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		version := negotiate(r)

		w.Header().Set("X-API-Version", version.String())
		w.Header().Set("Vary", "Accept, X-API-Version")

		next.ServeHTTP(w, r.WithContext(WithVersion(r.Context(), version)))
	})
}

func negotiate(r *http.Request) Version {
	if header := r.Header.Get("X-API-Version"); header != "" {
		if v := parseVersion(header); v > 0 {
			return v
		}
	}

	accept := r.Header.Get("Accept")
	if idx := strings.Index(accept, "application/vnd.pagecraft."); idx >= 0 {
		rest := accept[idx+len("application/vnd.pagecraft."):]
		if plus := strings.IndexByte(rest, '+'); plus >= 0 {
			if v := parseVersion(rest[:plus]); v > 0 {
				return v
			}
		}
	}

	return DefaultVersion
}

func parseVersion(s string) Version {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "v")
	if s == "1" {
		return V1
	}
	return 0
}
