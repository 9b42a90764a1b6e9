package httputil

import (
	"net/http"
	"time"
)

// NewClient builds an HTTP client with pooled transport settings shared by
// every outbound caller in the application (the renderer upstream and
// completion callbacks). Both talk to a small set of hosts repeatedly, so
// idle connection reuse matters more than a large pool.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
