// Package jobs coordinates asynchronous document generation: a Dispatcher
// hands work to the broker (or runs it in-process), an Executor drives the
// job state machine, and billing happens only after an artifact is
// delivered.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/pagecraft/server/internal/storage"
)

// ErrInvalidInput is returned (or wrapped) by an Engine when the payload
// itself is unusable. It maps to the invalid_input failure reason so callers
// know not to retry the same payload.
var ErrInvalidInput = errors.New("invalid job input")

// ProgressFunc receives coarse progress updates while a job runs. Percent is
// 0-100; stage is a short human-readable label.
type ProgressFunc func(percent int, stage string)

// Engine performs the actual document generation. It is the external
// collaborator behind the dispatch layer; everything here treats it as a
// black box that may be slow, may fail, and may ignore cancellation.
type Engine interface {
	// Generate produces the artifact for the payload, reporting progress as
	// it goes. Implementations should honor ctx but the caller does not rely
	// on it: the executor enforces the wall-clock timeout itself.
	Generate(ctx context.Context, payload json.RawMessage, progress ProgressFunc) (artifact string, err error)
}

// ClassifyFailure maps an engine error to a terminal failure reason.
func ClassifyFailure(err error) storage.FailureReason {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return storage.FailureInvalidInput
	case errors.Is(err, context.DeadlineExceeded):
		return storage.FailureTimeout
	default:
		// Transport-ish errors from the generation backend are grouped as
		// upstream so the caller gets a single retryable bucket.
		return storage.FailureUpstream
	}
}

// failureDetail produces the caller-facing detail string for an engine
// error. Internals (hostnames, stack-ish text) are trimmed to the first
// line.
func failureDetail(err error) string {
	if err == nil {
		return ""
	}
	detail := err.Error()
	if idx := strings.IndexByte(detail, '\n'); idx >= 0 {
		detail = detail[:idx]
	}
	return detail
}
