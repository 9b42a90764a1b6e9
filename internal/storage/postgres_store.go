package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL. All ledger mutations run
// as conditional single-statement updates or short transactions so concurrent
// callers never observe intermediate state.
type PostgresStore struct {
	db     *sql.DB
	ownsDB bool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(cfg Config) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		// Close() error during failed initialization is not actionable.
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	store := &PostgresStore{db: db, ownsDB: true}
	if err := store.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB creates a PostgreSQL-backed store using an existing
// connection pool, allowing the pool to be shared across repositories.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db, ownsDB: false}
	if err := store.createTables(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) createTables() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS credit_accounts (
			owner_id TEXT PRIMARY KEY,
			pages_remaining BIGINT NOT NULL DEFAULT 0 CHECK (pages_remaining >= 0),
			total_pages_used BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'active',
			early_adopter BOOLEAN NOT NULL DEFAULT FALSE,
			registration_bonus_granted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS credit_transactions (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			amount BIGINT NOT NULL,
			kind TEXT NOT NULL,
			reference_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_transactions_reference
			ON credit_transactions (reference_id) WHERE reference_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_credit_transactions_owner
			ON credit_transactions (owner_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS guest_migrations (
			device_owner_id TEXT NOT NULL,
			user_owner_id TEXT NOT NULL,
			transferred BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (device_owner_id, user_owner_id)
		)`,
		`CREATE TABLE IF NOT EXISTS pending_payments (
			transaction_no TEXT PRIMARY KEY,
			order_number TEXT NOT NULL UNIQUE,
			owner_id TEXT NOT NULL,
			pages BIGINT NOT NULL,
			amount_cents BIGINT NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			event_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS idempotency_records (
			key TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			job_id TEXT NOT NULL DEFAULT '',
			result_id TEXT NOT NULL DEFAULT '',
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			result_id TEXT NOT NULL UNIQUE,
			owner_id TEXT NOT NULL,
			payload JSONB,
			billable_pages BIGINT NOT NULL,
			callback_url TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			progress INT NOT NULL DEFAULT 0,
			stage TEXT NOT NULL DEFAULT '',
			artifact TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			failure_detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
	}
	return nil
}

const accountColumns = `owner_id, pages_remaining, total_pages_used, status, early_adopter, registration_bonus_granted, created_at, updated_at`

func scanAccount(row *sql.Row) (CreditAccount, error) {
	var acct CreditAccount
	err := row.Scan(&acct.OwnerID, &acct.PagesRemaining, &acct.TotalPagesUsed, &acct.Status,
		&acct.EarlyAdopter, &acct.RegistrationBonusGranted, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CreditAccount{}, ErrNotFound
	}
	if err != nil {
		return CreditAccount{}, fmt.Errorf("scan account: %w", err)
	}
	return acct, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, ownerID string) (CreditAccount, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts WHERE owner_id = $1`, ownerID)
	return scanAccount(row)
}

func (s *PostgresStore) EnsureAccount(ctx context.Context, ownerID string, opts NewAccountOptions) (CreditAccount, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CreditAccount{}, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO credit_accounts (owner_id, pages_remaining, status, early_adopter, registration_bonus_granted)
		VALUES ($1, $2, 'active', $3, $4)
		ON CONFLICT (owner_id) DO NOTHING`,
		ownerID, opts.InitialGrant, opts.EarlyAdopter, opts.MarkBonusUsed)
	if err != nil {
		return CreditAccount{}, false, fmt.Errorf("ensure account: %w", err)
	}
	inserted, _ := res.RowsAffected()

	if inserted > 0 && opts.InitialGrant > 0 {
		if err := insertTransaction(ctx, tx, ownerID, opts.InitialGrant, opts.GrantKind, opts.GrantRef); err != nil {
			return CreditAccount{}, false, err
		}
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts WHERE owner_id = $1`, ownerID)
	var acct CreditAccount
	if err := row.Scan(&acct.OwnerID, &acct.PagesRemaining, &acct.TotalPagesUsed, &acct.Status,
		&acct.EarlyAdopter, &acct.RegistrationBonusGranted, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
		return CreditAccount{}, false, fmt.Errorf("reload account: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return CreditAccount{}, false, fmt.Errorf("commit: %w", err)
	}
	return acct, inserted > 0, nil
}

func (s *PostgresStore) DebitIfSufficient(ctx context.Context, ownerID string, amount int64, kind TransactionKind, referenceID string) (DebitResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DebitResult{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var remaining int64
	err = tx.QueryRowContext(ctx, `
		UPDATE credit_accounts
		SET pages_remaining = pages_remaining - $2,
		    total_pages_used = total_pages_used + $2,
		    updated_at = NOW()
		WHERE owner_id = $1 AND status = 'active' AND pages_remaining >= $2
		RETURNING pages_remaining`,
		ownerID, amount).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		// Classify the rejection. The conditional update already decided the
		// outcome atomically; this read only picks the error to surface.
		var status AccountStatus
		var balance int64
		probeErr := tx.QueryRowContext(ctx,
			`SELECT status, pages_remaining FROM credit_accounts WHERE owner_id = $1`,
			ownerID).Scan(&status, &balance)
		if errors.Is(probeErr, sql.ErrNoRows) {
			return DebitResult{}, ErrNotFound
		}
		if probeErr != nil {
			return DebitResult{}, fmt.Errorf("probe account: %w", probeErr)
		}
		if status == AccountStatusOnHold {
			return DebitResult{Remaining: balance}, ErrAccountOnHold
		}
		return DebitResult{Applied: false, Remaining: balance}, tx.Commit()
	}
	if err != nil {
		return DebitResult{}, fmt.Errorf("debit: %w", err)
	}

	if err := insertTransaction(ctx, tx, ownerID, -amount, kind, referenceID); err != nil {
		return DebitResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return DebitResult{}, fmt.Errorf("commit: %w", err)
	}
	return DebitResult{Applied: true, Remaining: remaining}, nil
}

func (s *PostgresStore) Credit(ctx context.Context, ownerID string, amount int64, kind TransactionKind, referenceID string) (CreditResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CreditResult{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if referenceID != "" {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO credit_transactions (id, owner_id, amount, kind, reference_id)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (reference_id) WHERE reference_id IS NOT NULL DO NOTHING`,
			uuid.NewString(), ownerID, amount, kind, referenceID)
		if err != nil {
			return CreditResult{}, fmt.Errorf("insert transaction: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Reference already applied; report current balance unchanged.
			var remaining int64
			if err := tx.QueryRowContext(ctx,
				`SELECT pages_remaining FROM credit_accounts WHERE owner_id = $1`,
				ownerID).Scan(&remaining); err != nil && !errors.Is(err, sql.ErrNoRows) {
				return CreditResult{}, fmt.Errorf("read balance: %w", err)
			}
			return CreditResult{Applied: false, Remaining: remaining}, tx.Commit()
		}
	} else {
		if err := insertTransaction(ctx, tx, ownerID, amount, kind, ""); err != nil {
			return CreditResult{}, err
		}
	}

	var remaining int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO credit_accounts (owner_id, pages_remaining)
		VALUES ($1, $2)
		ON CONFLICT (owner_id) DO UPDATE
		SET pages_remaining = credit_accounts.pages_remaining + $2, updated_at = NOW()
		RETURNING pages_remaining`,
		ownerID, amount).Scan(&remaining)
	if err != nil {
		return CreditResult{}, fmt.Errorf("credit account: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return CreditResult{}, fmt.Errorf("commit: %w", err)
	}
	return CreditResult{Applied: true, Remaining: remaining}, nil
}

func (s *PostgresStore) SetAccountStatus(ctx context.Context, ownerID string, status AccountStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE credit_accounts SET status = $2, updated_at = NOW() WHERE owner_id = $1`,
		ownerID, status)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MigrateGuest(ctx context.Context, deviceOwnerID, userOwnerID string, freeAllocation int64) (int64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	// The migration log row is the exactly-once guard: the first transaction
	// to insert the pair wins, concurrent attempts conflict and observe the
	// recorded transfer.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO guest_migrations (device_owner_id, user_owner_id, transferred)
		VALUES ($1, $2, 0)
		ON CONFLICT (device_owner_id, user_owner_id) DO NOTHING`,
		deviceOwnerID, userOwnerID)
	if err != nil {
		return 0, false, fmt.Errorf("insert migration: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var transferred int64
		if err := tx.QueryRowContext(ctx,
			`SELECT transferred FROM guest_migrations WHERE device_owner_id = $1 AND user_owner_id = $2`,
			deviceOwnerID, userOwnerID).Scan(&transferred); err != nil {
			return 0, false, fmt.Errorf("read migration: %w", err)
		}
		return transferred, false, tx.Commit()
	}

	var guestBalance int64
	err = tx.QueryRowContext(ctx,
		`SELECT pages_remaining FROM credit_accounts WHERE owner_id = $1 FOR UPDATE`,
		deviceOwnerID).Scan(&guestBalance)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("lock guest account: %w", err)
	}

	transfer := guestBalance - freeAllocation
	if transfer < 0 {
		transfer = 0
	}

	if transfer > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE credit_accounts
			SET pages_remaining = pages_remaining - $2, updated_at = NOW()
			WHERE owner_id = $1`,
			deviceOwnerID, transfer); err != nil {
			return 0, false, fmt.Errorf("debit guest: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO credit_accounts (owner_id, pages_remaining)
			VALUES ($1, $2)
			ON CONFLICT (owner_id) DO UPDATE
			SET pages_remaining = credit_accounts.pages_remaining + $2, updated_at = NOW()`,
			userOwnerID, transfer); err != nil {
			return 0, false, fmt.Errorf("credit user: %w", err)
		}
		if err := insertTransaction(ctx, tx, deviceOwnerID, -transfer, TxKindMigration, ""); err != nil {
			return 0, false, err
		}
		if err := insertTransaction(ctx, tx, userOwnerID, transfer, TxKindMigration, ""); err != nil {
			return 0, false, err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE guest_migrations SET transferred = $3
		WHERE device_owner_id = $1 AND user_owner_id = $2`,
		deviceOwnerID, userOwnerID, transfer); err != nil {
		return 0, false, fmt.Errorf("record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit: %w", err)
	}
	return transfer, true, nil
}

func (s *PostgresStore) GetTransactionByReference(ctx context.Context, referenceID string) (CreditTransaction, error) {
	var t CreditTransaction
	var ref sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, amount, kind, reference_id, created_at
		FROM credit_transactions WHERE reference_id = $1`,
		referenceID).Scan(&t.ID, &t.OwnerID, &t.Amount, &t.Kind, &ref, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CreditTransaction{}, ErrNotFound
	}
	if err != nil {
		return CreditTransaction{}, fmt.Errorf("get transaction: %w", err)
	}
	t.ReferenceID = ref.String
	return t, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, ownerID string, limit int) ([]CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, amount, kind, reference_id, created_at
		FROM credit_transactions
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []CreditTransaction
	for rows.Next() {
		var t CreditTransaction
		var ref sql.NullString
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.Amount, &t.Kind, &ref, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.ReferenceID = ref.String
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SavePendingPayment(ctx context.Context, p PendingPayment) error {
	if p.Status == "" {
		p.Status = PaymentStatusPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_payments (transaction_no, order_number, owner_id, pages, amount_cents, currency, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (transaction_no) DO UPDATE
		SET status = EXCLUDED.status, updated_at = NOW()`,
		p.TransactionNo, p.OrderNumber, p.OwnerID, p.Pages, p.AmountCents, p.Currency, p.Status)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("save payment: duplicate order number %s: %w", p.OrderNumber, err)
		}
		return fmt.Errorf("save payment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPendingPaymentByTransactionNo(ctx context.Context, transactionNo string) (PendingPayment, error) {
	return s.getPayment(ctx, `transaction_no = $1`, transactionNo)
}

func (s *PostgresStore) GetPendingPaymentByOrderNumber(ctx context.Context, orderNumber string) (PendingPayment, error) {
	return s.getPayment(ctx, `order_number = $1`, orderNumber)
}

func (s *PostgresStore) getPayment(ctx context.Context, where, arg string) (PendingPayment, error) {
	var p PendingPayment
	err := s.db.QueryRowContext(ctx, `
		SELECT transaction_no, order_number, owner_id, pages, amount_cents, currency, status, created_at, updated_at
		FROM pending_payments WHERE `+where,
		arg).Scan(&p.TransactionNo, &p.OrderNumber, &p.OwnerID, &p.Pages, &p.AmountCents, &p.Currency, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return PendingPayment{}, ErrNotFound
	}
	if err != nil {
		return PendingPayment{}, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) SetPaymentStatus(ctx context.Context, transactionNo string, status PaymentStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_payments SET status = $2, updated_at = NOW() WHERE transaction_no = $1`,
		transactionNo, status)
	if err != nil {
		return fmt.Errorf("set payment status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListStalePendingPayments(ctx context.Context, olderThan time.Time, limit int) ([]PendingPayment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_no, order_number, owner_id, pages, amount_cents, currency, status, created_at, updated_at
		FROM pending_payments
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale payments: %w", err)
	}
	defer rows.Close()

	var stale []PendingPayment
	for rows.Next() {
		var p PendingPayment
		if err := rows.Scan(&p.TransactionNo, &p.OrderNumber, &p.OwnerID, &p.Pages, &p.AmountCents, &p.Currency, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stale payment: %w", err)
		}
		stale = append(stale, p)
	}
	return stale, rows.Err()
}

func (s *PostgresStore) ClaimWebhookEvent(ctx context.Context, eventID string) (ClaimOutcome, error) {
	// A processing row older than the lease was orphaned by a crashed
	// processor and is fair game for this delivery.
	staleBefore := time.Now().UTC().Add(-WebhookClaimLease)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (event_id, status)
		VALUES ($1, 'processing')
		ON CONFLICT (event_id) DO UPDATE
		SET status = 'processing', updated_at = NOW()
		WHERE webhook_events.status = 'failed'
		   OR (webhook_events.status = 'processing' AND webhook_events.updated_at < $2)`,
		eventID, staleBefore)
	if err != nil {
		return ClaimInProgress, fmt.Errorf("claim webhook event: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return ClaimAcquired, nil
	}

	var status WebhookEventStatus
	if err := s.db.QueryRowContext(ctx,
		`SELECT status FROM webhook_events WHERE event_id = $1`,
		eventID).Scan(&status); err != nil {
		return ClaimInProgress, fmt.Errorf("read webhook event: %w", err)
	}
	if status == WebhookEventSucceeded {
		return ClaimAlreadySettled, nil
	}
	return ClaimInProgress, nil
}

func (s *PostgresStore) MarkWebhookEventSucceeded(ctx context.Context, eventID string) error {
	return s.setWebhookEventStatus(ctx, eventID, WebhookEventSucceeded, "")
}

func (s *PostgresStore) MarkWebhookEventFailed(ctx context.Context, eventID, reason string) error {
	return s.setWebhookEventStatus(ctx, eventID, WebhookEventFailed, reason)
}

func (s *PostgresStore) setWebhookEventStatus(ctx context.Context, eventID string, status WebhookEventStatus, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_events SET status = $2, last_error = $3, updated_at = NOW() WHERE event_id = $1`,
		eventID, status, lastError)
	if err != nil {
		return fmt.Errorf("set webhook event status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetWebhookEvent(ctx context.Context, eventID string) (WebhookEvent, error) {
	var ev WebhookEvent
	err := s.db.QueryRowContext(ctx, `
		SELECT event_id, status, last_error, created_at, updated_at
		FROM webhook_events WHERE event_id = $1`,
		eventID).Scan(&ev.EventID, &ev.Status, &ev.LastError, &ev.CreatedAt, &ev.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return WebhookEvent{}, ErrNotFound
	}
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("get webhook event: %w", err)
	}
	return ev, nil
}

func (s *PostgresStore) ReserveIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	// An expired row no longer guards anything; the conditional upsert
	// reclaims it in the same statement that a fresh insert would use.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (key, status, expires_at)
		VALUES ($1, 'pending', NOW() + $2::interval)
		ON CONFLICT (key) DO UPDATE
		SET status = 'pending', job_id = '', result_id = '',
		    expires_at = NOW() + $2::interval, created_at = NOW()
		WHERE idempotency_records.expires_at < NOW()`,
		key, fmt.Sprintf("%f seconds", ttl.Seconds()))
	if err != nil {
		return false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) CompleteIdempotencyKey(ctx context.Context, key, jobID, resultID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_records
		SET status = 'completed', job_id = $2, result_id = $3
		WHERE key = $1`,
		key, jobID, resultID)
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) LookupIdempotencyKey(ctx context.Context, key string) (IdempotencyRecord, error) {
	var rec IdempotencyRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT key, status, job_id, result_id, expires_at, created_at
		FROM idempotency_records
		WHERE key = $1 AND status = 'completed' AND expires_at > NOW()`,
		key).Scan(&rec.Key, &rec.Status, &rec.JobID, &rec.ResultID, &rec.ExpiresAt, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return IdempotencyRecord{}, ErrNotFound
	}
	if err != nil {
		return IdempotencyRecord{}, fmt.Errorf("lookup idempotency key: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE key = $1 AND status = 'pending'`, key)
	if err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job Job) error {
	if job.Status == "" {
		job.Status = JobStatusQueued
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, result_id, owner_id, payload, billable_pages, callback_url, status, progress, stage)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.ResultID, job.OwnerID, []byte(job.Payload), job.BillablePages, job.CallbackURL, job.Status, job.Progress, job.Stage)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

const jobColumns = `id, result_id, owner_id, payload, billable_pages, callback_url, status, progress, stage, artifact, failure_reason, failure_detail, created_at, started_at, completed_at`

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (Job, error) {
	return s.getJob(ctx, `id = $1`, jobID)
}

func (s *PostgresStore) GetJobByResultID(ctx context.Context, resultID string) (Job, error) {
	return s.getJob(ctx, `result_id = $1`, resultID)
}

func (s *PostgresStore) getJob(ctx context.Context, where, arg string) (Job, error) {
	var j Job
	var payload []byte
	var reason, detail string
	err := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE `+where, arg).
		Scan(&j.ID, &j.ResultID, &j.OwnerID, &payload, &j.BillablePages, &j.CallbackURL, &j.Status,
			&j.Progress, &j.Stage, &j.Artifact, &reason, &detail,
			&j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job: %w", err)
	}
	j.Payload = payload
	j.FailureReason = FailureReason(reason)
	j.FailureDetail = detail
	return j, nil
}

func (s *PostgresStore) MarkJobProcessing(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'processing', started_at = NOW()
		WHERE id = $1 AND status = 'queued'`,
		jobID)
	if err != nil {
		return fmt.Errorf("mark job processing: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateJobProgress(ctx context.Context, jobID string, percent int, stage string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET progress = $2, stage = $3
		WHERE id = $1 AND status NOT IN ('completed', 'failed')`,
		jobID, clampPercent(percent), stage)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, jobID, artifact string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'completed', progress = 100, artifact = $2, completed_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'failed')`,
		jobID, artifact)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailJob(ctx context.Context, jobID string, reason FailureReason, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', failure_reason = $2, failure_detail = $3, completed_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'failed')`,
		jobID, reason, detail)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

// insertTransaction appends a ledger entry inside an open transaction.
func insertTransaction(ctx context.Context, tx *sql.Tx, ownerID string, amount int64, kind TransactionKind, referenceID string) error {
	var ref sql.NullString
	if referenceID != "" {
		ref = sql.NullString{String: referenceID, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, owner_id, amount, kind, reference_id)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), ownerID, amount, kind, ref)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}
