package versioning

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func negotiated(t *testing.T, mutate func(*http.Request)) (Version, *httptest.ResponseRecorder) {
	t.Helper()
	var got Version
	handler := Negotiation(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/balance", nil)
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return got, rec
}

func TestNegotiation_DefaultsToV1(t *testing.T) {
	v, rec := negotiated(t, nil)
	assert.Equal(t, V1, v)
	assert.Equal(t, "v1", rec.Header().Get("X-API-Version"))
	assert.Equal(t, "Accept, X-API-Version", rec.Header().Get("Vary"))
}

func TestNegotiation_ExplicitHeader(t *testing.T) {
	v, _ := negotiated(t, func(r *http.Request) {
		r.Header.Set("X-API-Version", "v1")
	})
	assert.Equal(t, V1, v)
}

func TestNegotiation_VendorMediaType(t *testing.T) {
	v, _ := negotiated(t, func(r *http.Request) {
		r.Header.Set("Accept", "application/vnd.pagecraft.v1+json")
	})
	assert.Equal(t, V1, v)
}

func TestNegotiation_UnknownVersionFallsBack(t *testing.T) {
	v, _ := negotiated(t, func(r *http.Request) {
		r.Header.Set("X-API-Version", "99")
	})
	assert.Equal(t, V1, v)
}

func TestFromContext_MissingValue(t *testing.T) {
	assert.Equal(t, DefaultVersion, FromContext(context.Background()))
}
