package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a mutex-guarded in-memory Store. Single-process only; used
// for development and tests.
type MemoryStore struct {
	mu              sync.Mutex
	accounts        map[string]CreditAccount
	transactions    []CreditTransaction
	txByRef         map[string]int // referenceID -> index into transactions
	migrations      map[string]int64
	payments        map[string]PendingPayment // keyed by transactionNo
	paymentsByOrder map[string]string         // orderNumber -> transactionNo
	webhookEvents   map[string]WebhookEvent
	idemRecords     map[string]IdempotencyRecord
	jobs            map[string]Job
	jobsByResult    map[string]string // resultID -> jobID
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:        make(map[string]CreditAccount),
		txByRef:         make(map[string]int),
		migrations:      make(map[string]int64),
		payments:        make(map[string]PendingPayment),
		paymentsByOrder: make(map[string]string),
		webhookEvents:   make(map[string]WebhookEvent),
		idemRecords:     make(map[string]IdempotencyRecord),
		jobs:            make(map[string]Job),
		jobsByResult:    make(map[string]string),
	}
}

func (m *MemoryStore) GetAccount(ctx context.Context, ownerID string) (CreditAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[ownerID]
	if !ok {
		return CreditAccount{}, ErrNotFound
	}
	return acct, nil
}

func (m *MemoryStore) EnsureAccount(ctx context.Context, ownerID string, opts NewAccountOptions) (CreditAccount, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if acct, ok := m.accounts[ownerID]; ok {
		return acct, false, nil
	}

	now := time.Now().UTC()
	acct := CreditAccount{
		OwnerID:                  ownerID,
		PagesRemaining:           opts.InitialGrant,
		Status:                   AccountStatusActive,
		EarlyAdopter:             opts.EarlyAdopter,
		RegistrationBonusGranted: opts.MarkBonusUsed,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	m.accounts[ownerID] = acct
	if opts.InitialGrant > 0 {
		m.appendTransaction(CreditTransaction{
			OwnerID:     ownerID,
			Amount:      opts.InitialGrant,
			Kind:        opts.GrantKind,
			ReferenceID: opts.GrantRef,
		})
	}
	return acct, true, nil
}

func (m *MemoryStore) DebitIfSufficient(ctx context.Context, ownerID string, amount int64, kind TransactionKind, referenceID string) (DebitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[ownerID]
	if !ok {
		return DebitResult{}, ErrNotFound
	}
	if acct.Status == AccountStatusOnHold {
		return DebitResult{Remaining: acct.PagesRemaining}, ErrAccountOnHold
	}
	if acct.PagesRemaining < amount {
		return DebitResult{Applied: false, Remaining: acct.PagesRemaining}, nil
	}

	acct.PagesRemaining -= amount
	acct.TotalPagesUsed += amount
	acct.UpdatedAt = time.Now().UTC()
	m.accounts[ownerID] = acct
	m.appendTransaction(CreditTransaction{
		OwnerID:     ownerID,
		Amount:      -amount,
		Kind:        kind,
		ReferenceID: referenceID,
	})
	return DebitResult{Applied: true, Remaining: acct.PagesRemaining}, nil
}

func (m *MemoryStore) Credit(ctx context.Context, ownerID string, amount int64, kind TransactionKind, referenceID string) (CreditResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if referenceID != "" {
		if _, exists := m.txByRef[referenceID]; exists {
			remaining := m.accounts[ownerID].PagesRemaining
			return CreditResult{Applied: false, Remaining: remaining}, nil
		}
	}

	acct := m.accountLocked(ownerID)
	acct.PagesRemaining += amount
	acct.UpdatedAt = time.Now().UTC()
	m.accounts[ownerID] = acct
	m.appendTransaction(CreditTransaction{
		OwnerID:     ownerID,
		Amount:      amount,
		Kind:        kind,
		ReferenceID: referenceID,
	})
	return CreditResult{Applied: true, Remaining: acct.PagesRemaining}, nil
}

func (m *MemoryStore) SetAccountStatus(ctx context.Context, ownerID string, status AccountStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[ownerID]
	if !ok {
		return ErrNotFound
	}
	acct.Status = status
	acct.UpdatedAt = time.Now().UTC()
	m.accounts[ownerID] = acct
	return nil
}

func (m *MemoryStore) MigrateGuest(ctx context.Context, deviceOwnerID, userOwnerID string, freeAllocation int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pairKey := deviceOwnerID + "\x00" + userOwnerID
	if amount, done := m.migrations[pairKey]; done {
		return amount, false, nil
	}

	guest := m.accountLocked(deviceOwnerID)
	transfer := guest.PagesRemaining - freeAllocation
	if transfer < 0 {
		transfer = 0
	}

	if transfer > 0 {
		guest.PagesRemaining -= transfer
		guest.UpdatedAt = time.Now().UTC()
		m.accounts[deviceOwnerID] = guest

		user := m.accountLocked(userOwnerID)
		user.PagesRemaining += transfer
		user.UpdatedAt = time.Now().UTC()
		m.accounts[userOwnerID] = user

		m.appendTransaction(CreditTransaction{OwnerID: deviceOwnerID, Amount: -transfer, Kind: TxKindMigration})
		m.appendTransaction(CreditTransaction{OwnerID: userOwnerID, Amount: transfer, Kind: TxKindMigration})
	}

	m.migrations[pairKey] = transfer
	return transfer, true, nil
}

func (m *MemoryStore) GetTransactionByReference(ctx context.Context, referenceID string) (CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.txByRef[referenceID]
	if !ok {
		return CreditTransaction{}, ErrNotFound
	}
	return m.transactions[idx], nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, ownerID string, limit int) ([]CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []CreditTransaction
	for i := len(m.transactions) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.transactions[i].OwnerID == ownerID {
			out = append(out, m.transactions[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) SavePendingPayment(ctx context.Context, p PendingPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = PaymentStatusPending
	}
	m.payments[p.TransactionNo] = p
	m.paymentsByOrder[p.OrderNumber] = p.TransactionNo
	return nil
}

func (m *MemoryStore) GetPendingPaymentByTransactionNo(ctx context.Context, transactionNo string) (PendingPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[transactionNo]
	if !ok {
		return PendingPayment{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) GetPendingPaymentByOrderNumber(ctx context.Context, orderNumber string) (PendingPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txNo, ok := m.paymentsByOrder[orderNumber]
	if !ok {
		return PendingPayment{}, ErrNotFound
	}
	return m.payments[txNo], nil
}

func (m *MemoryStore) SetPaymentStatus(ctx context.Context, transactionNo string, status PaymentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[transactionNo]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	p.UpdatedAt = time.Now().UTC()
	m.payments[transactionNo] = p
	return nil
}

func (m *MemoryStore) ListStalePendingPayments(ctx context.Context, olderThan time.Time, limit int) ([]PendingPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []PendingPayment
	for _, p := range m.payments {
		if p.Status == PaymentStatusPending && p.CreatedAt.Before(olderThan) {
			stale = append(stale, p)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (m *MemoryStore) ClaimWebhookEvent(ctx context.Context, eventID string) (ClaimOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	ev, ok := m.webhookEvents[eventID]
	if !ok {
		m.webhookEvents[eventID] = WebhookEvent{
			EventID:   eventID,
			Status:    WebhookEventProcessing,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return ClaimAcquired, nil
	}

	switch ev.Status {
	case WebhookEventSucceeded:
		return ClaimAlreadySettled, nil
	case WebhookEventProcessing:
		// A claim this old belongs to a processor that died between claim
		// and mark; this delivery takes over.
		if now.Sub(ev.UpdatedAt) <= WebhookClaimLease {
			return ClaimInProgress, nil
		}
		ev.UpdatedAt = now
		m.webhookEvents[eventID] = ev
		return ClaimAcquired, nil
	default: // failed -> reclaim
		ev.Status = WebhookEventProcessing
		ev.UpdatedAt = now
		m.webhookEvents[eventID] = ev
		return ClaimAcquired, nil
	}
}

func (m *MemoryStore) MarkWebhookEventSucceeded(ctx context.Context, eventID string) error {
	return m.setWebhookEventStatus(eventID, WebhookEventSucceeded, "")
}

func (m *MemoryStore) MarkWebhookEventFailed(ctx context.Context, eventID, reason string) error {
	return m.setWebhookEventStatus(eventID, WebhookEventFailed, reason)
}

func (m *MemoryStore) setWebhookEventStatus(eventID string, status WebhookEventStatus, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.webhookEvents[eventID]
	if !ok {
		return ErrNotFound
	}
	ev.Status = status
	ev.LastError = lastError
	ev.UpdatedAt = time.Now().UTC()
	m.webhookEvents[eventID] = ev
	return nil
}

func (m *MemoryStore) GetWebhookEvent(ctx context.Context, eventID string) (WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.webhookEvents[eventID]
	if !ok {
		return WebhookEvent{}, ErrNotFound
	}
	return ev, nil
}

func (m *MemoryStore) ReserveIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if rec, ok := m.idemRecords[key]; ok && !rec.Expired(now) {
		return false, nil
	}
	m.idemRecords[key] = IdempotencyRecord{
		Key:       key,
		Status:    IdempotencyPending,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	return true, nil
}

func (m *MemoryStore) CompleteIdempotencyKey(ctx context.Context, key, jobID, resultID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.idemRecords[key]
	if !ok {
		return ErrNotFound
	}
	rec.Status = IdempotencyCompleted
	rec.JobID = jobID
	rec.ResultID = resultID
	m.idemRecords[key] = rec
	return nil
}

func (m *MemoryStore) LookupIdempotencyKey(ctx context.Context, key string) (IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.idemRecords[key]
	if !ok || rec.Status != IdempotencyCompleted || rec.Expired(time.Now().UTC()) {
		return IdempotencyRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.idemRecords[key]; ok && rec.Status == IdempotencyPending {
		delete(m.idemRecords, key)
	}
	return nil
}

func (m *MemoryStore) CreateJob(ctx context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = JobStatusQueued
	}
	m.jobs[job.ID] = job
	m.jobsByResult[job.ResultID] = job.ID
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, jobID string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return Job{}, ErrNotFound
	}
	return job, nil
}

func (m *MemoryStore) GetJobByResultID(ctx context.Context, resultID string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobID, ok := m.jobsByResult[resultID]
	if !ok {
		return Job{}, ErrNotFound
	}
	return m.jobs[jobID], nil
}

func (m *MemoryStore) MarkJobProcessing(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	job.Status = JobStatusProcessing
	job.StartedAt = &now
	m.jobs[jobID] = job
	return nil
}

func (m *MemoryStore) UpdateJobProgress(ctx context.Context, jobID string, percent int, stage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.Terminal() {
		return nil
	}
	job.Progress = clampPercent(percent)
	job.Stage = stage
	m.jobs[jobID] = job
	return nil
}

func (m *MemoryStore) CompleteJob(ctx context.Context, jobID, artifact string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	job.Status = JobStatusCompleted
	job.Progress = 100
	job.Artifact = artifact
	job.CompletedAt = &now
	m.jobs[jobID] = job
	return nil
}

func (m *MemoryStore) FailJob(ctx context.Context, jobID string, reason FailureReason, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	job.Status = JobStatusFailed
	job.FailureReason = reason
	job.FailureDetail = detail
	job.CompletedAt = &now
	m.jobs[jobID] = job
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

// accountLocked returns the account, creating an empty active one if absent.
// Caller must hold the mutex.
func (m *MemoryStore) accountLocked(ownerID string) CreditAccount {
	if acct, ok := m.accounts[ownerID]; ok {
		return acct
	}
	now := time.Now().UTC()
	acct := CreditAccount{
		OwnerID:   ownerID,
		Status:    AccountStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.accounts[ownerID] = acct
	return acct
}

// appendTransaction records a ledger entry. Caller must hold the mutex.
func (m *MemoryStore) appendTransaction(tx CreditTransaction) {
	tx.ID = uuid.NewString()
	tx.CreatedAt = time.Now().UTC()
	m.transactions = append(m.transactions, tx)
	if tx.ReferenceID != "" {
		m.txByRef[tx.ReferenceID] = len(m.transactions) - 1
	}
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
