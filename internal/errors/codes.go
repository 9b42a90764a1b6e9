package errors

// ErrorCode represents a machine-readable error identifier for client error handling.
type ErrorCode string

// Ledger and quota errors
const (
	// Balance too low for the requested debit; recoverable by purchasing credits
	ErrCodeInsufficientBalance ErrorCode = "insufficient_balance"
	// Account frozen pending administrative action; all debits rejected
	ErrCodeAccountOnHold ErrorCode = "account_on_hold"
	// Per-owner daily submission cap reached; resets at the UTC day boundary
	ErrCodeQuotaExceeded ErrorCode = "quota_exceeded"
)

// Submission / idempotency errors
const (
	// A request with the same idempotency key is already being processed;
	// the caller should poll, not resubmit
	ErrCodeDuplicateInFlight ErrorCode = "duplicate_in_flight"
	ErrCodeInvalidInput      ErrorCode = "invalid_input"
	ErrCodeMissingField      ErrorCode = "missing_field"
)

// Dispatch / job errors
const (
	ErrCodeBrokerUnavailable ErrorCode = "broker_unavailable"
	ErrCodeJobTimeout        ErrorCode = "job_timeout"
	ErrCodeJobUpstreamError  ErrorCode = "job_upstream_error"
	ErrCodeJobNotFound       ErrorCode = "job_not_found"
)

// Payment / settlement errors
const (
	ErrCodeSignatureInvalid ErrorCode = "signature_invalid"
	ErrCodePaymentNotFound  ErrorCode = "payment_not_found"
	ErrCodeGatewayError     ErrorCode = "gateway_error"
	ErrCodeUnknownPlan      ErrorCode = "unknown_plan"
)

// Auth errors
const (
	ErrCodeUnauthorized   ErrorCode = "unauthorized"
	ErrCodeMissingDevice  ErrorCode = "missing_device_id"
	ErrCodeForbidden      ErrorCode = "forbidden"
	ErrCodeRateLimited    ErrorCode = "rate_limited"
	ErrCodeNotFound       ErrorCode = "not_found"
)

// Internal/system errors
const (
	ErrCodeInternalError ErrorCode = "internal_error"
	ErrCodeDatabaseError ErrorCode = "database_error"
	ErrCodeConfigError   ErrorCode = "config_error"
)

// IsRetryable returns whether an error code represents a retryable error.
// Transient infrastructure failures are retryable; validation failures,
// exhausted balances, and security rejections are not.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeBrokerUnavailable,
		ErrCodeGatewayError,
		ErrCodeDatabaseError,
		ErrCodeRateLimited:
		return true

	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	// 400 Bad Request - client validation errors
	case ErrCodeInvalidInput,
		ErrCodeMissingField,
		ErrCodeMissingDevice,
		ErrCodeUnknownPlan:
		return 400

	// 401 Unauthorized
	case ErrCodeUnauthorized,
		ErrCodeSignatureInvalid:
		return 401

	// 402 Payment Required
	case ErrCodeInsufficientBalance:
		return 402

	// 403 Forbidden
	case ErrCodeForbidden,
		ErrCodeAccountOnHold:
		return 403

	// 404 Not Found
	case ErrCodeNotFound,
		ErrCodeJobNotFound,
		ErrCodePaymentNotFound:
		return 404

	// 409 Conflict - duplicate submission still in flight
	case ErrCodeDuplicateInFlight:
		return 409

	// 429 Too Many Requests
	case ErrCodeQuotaExceeded,
		ErrCodeRateLimited:
		return 429

	// 502 Bad Gateway - upstream collaborators
	case ErrCodeGatewayError,
		ErrCodeJobUpstreamError:
		return 502

	// 503 Service Unavailable
	case ErrCodeBrokerUnavailable:
		return 503

	// 504 Gateway Timeout
	case ErrCodeJobTimeout:
		return 504

	// 500 Internal Server Error
	default:
		return 500
	}
}
