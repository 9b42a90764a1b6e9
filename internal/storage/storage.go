package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity is missing from the store.
var ErrNotFound = errors.New("storage: not found")

// ErrAccountOnHold is returned by DebitIfSufficient when the account is
// frozen. Distinct from an insufficient balance so callers can surface the
// right error code.
var ErrAccountOnHold = errors.New("storage: account on hold")

// DebitResult reports the outcome of an atomic conditional debit.
type DebitResult struct {
	Applied   bool
	Remaining int64
}

// CreditResult reports the outcome of an idempotent credit. Applied is false
// when a transaction with the same reference id already existed; Remaining is
// the balance after the call either way.
type CreditResult struct {
	Applied   bool
	Remaining int64
}

// NewAccountOptions seed a freshly created account.
type NewAccountOptions struct {
	EarlyAdopter  bool
	InitialGrant  int64           // pages credited on creation
	GrantKind     TransactionKind // ledger kind of the initial grant
	GrantRef      string          // reference id of the initial grant
	MarkBonusUsed bool            // set the write-once registrationBonusGranted flag
}

// Store captures the persistence requirements for the credit coordination
// core. The ledger, idempotency, quota, and webhook-event operations are the
// protected critical sections of the system: every implementation must make
// them atomic, never decomposed into read-then-write steps visible to other
// callers.
type Store interface {
	// Credit accounts and ledger.
	// GetAccount returns ErrNotFound for owners that never held credit.
	GetAccount(ctx context.Context, ownerID string) (CreditAccount, error)
	// EnsureAccount creates the account if absent, applying opts exactly once.
	// Returns the account and whether it was created by this call.
	EnsureAccount(ctx context.Context, ownerID string, opts NewAccountOptions) (CreditAccount, bool, error)
	// DebitIfSufficient atomically decrements the balance when it covers
	// amount, appending a usage transaction. Returns Applied=false without
	// mutation when the balance is short, and ErrAccountOnHold when the
	// account is frozen regardless of balance.
	DebitIfSufficient(ctx context.Context, ownerID string, amount int64, kind TransactionKind, referenceID string) (DebitResult, error)
	// Credit atomically increases the balance and appends a transaction.
	// Idempotent per referenceID: a duplicate reference is a no-op with
	// Applied=false. An empty referenceID skips the uniqueness guard.
	Credit(ctx context.Context, ownerID string, amount int64, kind TransactionKind, referenceID string) (CreditResult, error)
	// SetAccountStatus places an account on hold or reactivates it.
	SetAccountStatus(ctx context.Context, ownerID string, status AccountStatus) error
	// MigrateGuest transfers max(0, guestBalance-freeAllocation) from the
	// device owner to the user owner, at most once per (device, user) pair.
	// Returns the transferred amount and whether this call performed it.
	MigrateGuest(ctx context.Context, deviceOwnerID, userOwnerID string, freeAllocation int64) (int64, bool, error)
	// GetTransactionByReference looks up a ledger entry by its reference id.
	GetTransactionByReference(ctx context.Context, referenceID string) (CreditTransaction, error)
	// ListTransactions returns an owner's most recent ledger entries.
	ListTransactions(ctx context.Context, ownerID string, limit int) ([]CreditTransaction, error)

	// Pending payments (authoritative owner mapping for settlement).
	SavePendingPayment(ctx context.Context, p PendingPayment) error
	GetPendingPaymentByTransactionNo(ctx context.Context, transactionNo string) (PendingPayment, error)
	GetPendingPaymentByOrderNumber(ctx context.Context, orderNumber string) (PendingPayment, error)
	SetPaymentStatus(ctx context.Context, transactionNo string, status PaymentStatus) error
	// ListStalePendingPayments returns payments still pending that were
	// created before olderThan, oldest first. Feeds the reconcile sweeper.
	ListStalePendingPayments(ctx context.Context, olderThan time.Time, limit int) ([]PendingPayment, error)

	// Webhook events (exactly-once settlement claims).
	// ClaimWebhookEvent transitions absent/failed -> processing atomically.
	ClaimWebhookEvent(ctx context.Context, eventID string) (ClaimOutcome, error)
	MarkWebhookEventSucceeded(ctx context.Context, eventID string) error
	MarkWebhookEventFailed(ctx context.Context, eventID, reason string) error
	GetWebhookEvent(ctx context.Context, eventID string) (WebhookEvent, error)

	// Idempotency records (submission dedup).
	// ReserveIdempotencyKey creates a pending record when absent or expired.
	// Strictly first-reserver-wins: a second concurrent reserver observes false.
	ReserveIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// CompleteIdempotencyKey transitions pending -> completed with the outcome.
	CompleteIdempotencyKey(ctx context.Context, key, jobID, resultID string) error
	// LookupIdempotencyKey returns a completed, unexpired record; pending or
	// absent keys yield ErrNotFound (a pending entry is never a cached success).
	LookupIdempotencyKey(ctx context.Context, key string) (IdempotencyRecord, error)
	// ReleaseIdempotencyKey drops a pending reservation after a failed
	// submission so the caller can retry.
	ReleaseIdempotencyKey(ctx context.Context, key string) error

	// Jobs.
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	GetJobByResultID(ctx context.Context, resultID string) (Job, error)
	// MarkJobProcessing transitions queued -> processing.
	MarkJobProcessing(ctx context.Context, jobID string) error
	// UpdateJobProgress writes coarse progress for pollers.
	UpdateJobProgress(ctx context.Context, jobID string, percent int, stage string) error
	// CompleteJob transitions to completed with the produced artifact.
	CompleteJob(ctx context.Context, jobID, artifact string) error
	// FailJob transitions to failed with a classified reason. Terminal states
	// are sticky: failing an already-completed job is a no-op.
	FailJob(ctx context.Context, jobID string, reason FailureReason, detail string) error

	Close() error
}

// Config holds storage backend configuration.
type Config struct {
	Backend         string // "memory", "postgres", or "mongodb"
	PostgresURL     string
	MongoDBURL      string
	MongoDBDatabase string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// New creates a Store instance based on the provided configuration.
func New(cfg Config) (Store, error) {
	return NewWithDB(cfg, nil)
}

// NewWithDB creates a Store instance with an optional shared database pool.
// If sharedDB is non-nil for the postgres backend it is used instead of
// opening a new connection.
func NewWithDB(cfg Config, sharedDB *sql.DB) (Store, error) {
	switch cfg.Backend {
	case "memory":
		// Loses all dedup and settlement state on restart; development only.
		return NewMemoryStore(), nil
	case "postgres":
		if sharedDB != nil {
			return NewPostgresStoreWithDB(sharedDB)
		}
		return NewPostgresStore(cfg)
	case "mongodb":
		return NewMongoStore(cfg)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}
