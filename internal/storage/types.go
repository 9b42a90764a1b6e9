package storage

import (
	"encoding/json"
	"time"
)

// AccountStatus is the lifecycle state of a credit account.
type AccountStatus string

const (
	AccountStatusActive AccountStatus = "active"
	AccountStatusOnHold AccountStatus = "on_hold"
)

// CreditAccount holds a single owner's page balance. Balances are mutated
// only through the ledger operations on Store, never written directly.
type CreditAccount struct {
	OwnerID                  string        `json:"ownerId"`
	PagesRemaining           int64         `json:"pagesRemaining"` // never negative
	TotalPagesUsed           int64         `json:"totalPagesUsed"` // monotonically non-decreasing
	Status                   AccountStatus `json:"status"`
	EarlyAdopter             bool          `json:"isEarlyAdopter"`
	RegistrationBonusGranted bool          `json:"registrationBonusGranted"` // write-once
	CreatedAt                time.Time     `json:"createdAt"`
	UpdatedAt                time.Time     `json:"updatedAt"`
}

// TransactionKind classifies a ledger entry.
type TransactionKind string

const (
	TxKindPurchase        TransactionKind = "purchase"
	TxKindUsage           TransactionKind = "usage"
	TxKindSupportGrant    TransactionKind = "support_grant"
	TxKindRefundReversal  TransactionKind = "refund_reversal"
	TxKindMigration       TransactionKind = "migration"
	TxKindSignupBonus     TransactionKind = "signup_bonus"
)

// CreditTransaction is an immutable ledger entry. ReferenceID is unique per
// applied grant and doubles as the idempotency guard for payment-driven
// credits.
type CreditTransaction struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"ownerId"`
	Amount      int64           `json:"amount"` // signed: positive credit, negative debit
	Kind        TransactionKind `json:"kind"`
	ReferenceID string          `json:"referenceId,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// PaymentStatus is the lifecycle state of a pending payment.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusExpired  PaymentStatus = "expired"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// PendingPayment is created when a checkout is initiated and is the single
// source of truth for who receives the purchased credits. The owner captured
// here overrides anything the gateway echoes back later.
type PendingPayment struct {
	OrderNumber   string        `json:"orderNumber"`   // client-visible
	TransactionNo string        `json:"transactionNo"` // gateway-visible, unique
	OwnerID       string        `json:"ownerId"`
	Pages         int64         `json:"pages"`
	AmountCents   int64         `json:"amountCents"`
	Currency      string        `json:"currency"`
	Status        PaymentStatus `json:"status"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// WebhookEventStatus is the settlement disposition of a gateway callback.
type WebhookEventStatus string

const (
	WebhookEventProcessing WebhookEventStatus = "processing"
	WebhookEventSucceeded  WebhookEventStatus = "succeeded"
	WebhookEventFailed     WebhookEventStatus = "failed"
)

// WebhookClaimLease bounds how long a processing claim on a webhook event is
// honored. A processing row older than the lease belongs to a processor that
// crashed between claim and mark, and the next delivery may reclaim it.
// Variable so tests can shorten the window.
var WebhookClaimLease = 5 * time.Minute

// WebhookEvent tracks exactly-once settlement of one distinct gateway event.
// Lifecycle: absent -> processing (claimed by exactly one processor) ->
// succeeded (terminal) or failed (retriable). A processing claim older than
// WebhookClaimLease counts as abandoned and is reclaimable.
type WebhookEvent struct {
	EventID   string             `json:"eventId"`
	Status    WebhookEventStatus `json:"status"`
	LastError string             `json:"lastError,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// ClaimOutcome is the result of attempting to claim a webhook event.
type ClaimOutcome int

const (
	// ClaimAcquired means this processor owns the event and must settle it.
	ClaimAcquired ClaimOutcome = iota
	// ClaimInProgress means another processor currently owns the event.
	ClaimInProgress
	// ClaimAlreadySettled means the event already succeeded; replay is a no-op.
	ClaimAlreadySettled
)

// IdempotencyStatus is the state of a submission dedup record.
type IdempotencyStatus string

const (
	IdempotencyPending   IdempotencyStatus = "pending"
	IdempotencyCompleted IdempotencyStatus = "completed"
)

// IdempotencyRecord makes job submission safe to retry.
type IdempotencyRecord struct {
	Key       string            `json:"key"`
	Status    IdempotencyStatus `json:"status"`
	JobID     string            `json:"jobId,omitempty"`
	ResultID  string            `json:"resultId,omitempty"`
	ExpiresAt time.Time         `json:"expiresAt"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Expired reports whether the record's TTL has passed.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// JobStatus is the job state machine: queued -> processing -> completed | failed.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// FailureReason classifies a terminal job failure so callers get actionable
// feedback without leaking internals.
type FailureReason string

const (
	FailureTimeout      FailureReason = "timeout"
	FailureUpstream     FailureReason = "upstream_error"
	FailureInvalidInput FailureReason = "invalid_input"
)

// Job is a unit of billable generation work. Created by the dispatcher,
// mutated by the worker, read by pollers.
type Job struct {
	ID            string          `json:"id"`
	ResultID      string          `json:"resultId"`
	OwnerID       string          `json:"ownerId"`
	Payload       json.RawMessage `json:"payload"`
	BillablePages int64           `json:"billablePages"`
	CallbackURL   string          `json:"callbackUrl,omitempty"` // notified on terminal states
	Status        JobStatus       `json:"status"`
	Progress      int             `json:"progress"` // 0-100
	Stage         string          `json:"stage"`
	Artifact      string          `json:"artifact,omitempty"`
	FailureReason FailureReason   `json:"failureReason,omitempty"`
	FailureDetail string          `json:"failureDetail,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	StartedAt     *time.Time      `json:"startedAt,omitempty"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
}

// Terminal reports whether the job has reached a final state.
func (j Job) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}
