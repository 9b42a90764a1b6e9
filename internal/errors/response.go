package errors

import (
	"encoding/json"
	"net/http"
)

// envelope is the wire shape of every error the API returns:
//
//	{"error": {"code": ..., "message": ..., "retryable": ..., "details": {...}}}
//
// The retryable flag and the HTTP status both derive from the code, so
// handlers never pick a status themselves.
type envelope struct {
	Error body `json:"error"`
}

type body struct {
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

// WriteError writes the standard error envelope with optional details.
func WriteError(w http.ResponseWriter, code ErrorCode, message string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code.HTTPStatus())
	_ = json.NewEncoder(w).Encode(envelope{Error: body{
		Code:      code,
		Message:   message,
		Retryable: code.IsRetryable(),
		Details:   details,
	}})
}

// WriteSimpleError writes the envelope with no details.
func WriteSimpleError(w http.ResponseWriter, code ErrorCode, message string) {
	WriteError(w, code, message, nil)
}

// WriteErrorWithDetail writes the envelope with a single detail field.
func WriteErrorWithDetail(w http.ResponseWriter, code ErrorCode, message string, key string, value any) {
	WriteError(w, code, message, map[string]any{key: value})
}
