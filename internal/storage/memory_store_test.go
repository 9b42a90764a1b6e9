package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func seedAccount(t *testing.T, store *MemoryStore, ownerID string, balance int64) {
	t.Helper()
	_, _, err := store.EnsureAccount(context.Background(), ownerID, NewAccountOptions{
		InitialGrant: balance,
		GrantKind:    TxKindSupportGrant,
	})
	if err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}
}

func TestDebitIfSufficient_Basic(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, store, "device:d1", 5)

	res, err := store.DebitIfSufficient(ctx, "device:d1", 3, TxKindUsage, "")
	if err != nil {
		t.Fatalf("debit failed: %v", err)
	}
	if !res.Applied || res.Remaining != 2 {
		t.Fatalf("got applied=%v remaining=%d, want applied=true remaining=2", res.Applied, res.Remaining)
	}

	// Second debit of 3 must be rejected without mutation, not clamped.
	res, err = store.DebitIfSufficient(ctx, "device:d1", 3, TxKindUsage, "")
	if err != nil {
		t.Fatalf("debit failed: %v", err)
	}
	if res.Applied || res.Remaining != 2 {
		t.Fatalf("got applied=%v remaining=%d, want applied=false remaining=2", res.Applied, res.Remaining)
	}
}

func TestDebitIfSufficient_NoOverDebitUnderConcurrency(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, store, "device:race", 5)

	const attempts = 3
	const cost = 3

	var wg sync.WaitGroup
	successes := make(chan bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.DebitIfSufficient(ctx, "device:race", cost, TxKindUsage, "")
			if err != nil {
				t.Errorf("debit failed: %v", err)
				return
			}
			successes <- res.Applied
		}()
	}
	wg.Wait()
	close(successes)

	var applied int
	for ok := range successes {
		if ok {
			applied++
		}
	}
	// balance 5, three concurrent debits of 3: exactly 1 succeeds
	if applied != 1 {
		t.Fatalf("applied = %d, want 1", applied)
	}

	acct, err := store.GetAccount(ctx, "device:race")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acct.PagesRemaining != 2 {
		t.Fatalf("final balance = %d, want 2", acct.PagesRemaining)
	}
}

func TestDebitIfSufficient_OnHoldRejectsEvenWithBalance(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, store, "user:held", 100)

	if err := store.SetAccountStatus(ctx, "user:held", AccountStatusOnHold); err != nil {
		t.Fatalf("SetAccountStatus failed: %v", err)
	}

	_, err := store.DebitIfSufficient(ctx, "user:held", 1, TxKindUsage, "")
	if !errors.Is(err, ErrAccountOnHold) {
		t.Fatalf("err = %v, want ErrAccountOnHold", err)
	}

	acct, _ := store.GetAccount(ctx, "user:held")
	if acct.PagesRemaining != 100 {
		t.Fatalf("balance changed to %d on a rejected debit", acct.PagesRemaining)
	}
}

func TestCredit_IdempotentPerReference(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	res, err := store.Credit(ctx, "user:u1", 50, TxKindPurchase, "txn_abc")
	if err != nil {
		t.Fatalf("credit failed: %v", err)
	}
	if !res.Applied || res.Remaining != 50 {
		t.Fatalf("got applied=%v remaining=%d, want applied=true remaining=50", res.Applied, res.Remaining)
	}

	// Replay with the same reference must not change the balance.
	res, err = store.Credit(ctx, "user:u1", 50, TxKindPurchase, "txn_abc")
	if err != nil {
		t.Fatalf("replay credit failed: %v", err)
	}
	if res.Applied || res.Remaining != 50 {
		t.Fatalf("got applied=%v remaining=%d, want applied=false remaining=50", res.Applied, res.Remaining)
	}
}

func TestCredit_ConcurrentSameReferenceAppliesOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const replays = 8
	var wg sync.WaitGroup
	applied := make(chan bool, replays)
	for i := 0; i < replays; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.Credit(ctx, "user:u2", 25, TxKindPurchase, "txn_dup")
			if err != nil {
				t.Errorf("credit failed: %v", err)
				return
			}
			applied <- res.Applied
		}()
	}
	wg.Wait()
	close(applied)

	var count int
	for ok := range applied {
		if ok {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("credit applied %d times, want 1", count)
	}

	acct, _ := store.GetAccount(ctx, "user:u2")
	if acct.PagesRemaining != 25 {
		t.Fatalf("balance = %d, want 25", acct.PagesRemaining)
	}
}

func TestMigrateGuest_TransfersBeyondFreeAllocation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, store, "device:g1", 5)

	// guest balance 5, free allocation 2: transfer 3
	transferred, applied, err := store.MigrateGuest(ctx, "device:g1", "user:u3", 2)
	if err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if !applied || transferred != 3 {
		t.Fatalf("got applied=%v transferred=%d, want applied=true transferred=3", applied, transferred)
	}

	guest, _ := store.GetAccount(ctx, "device:g1")
	if guest.PagesRemaining != 2 {
		t.Fatalf("guest balance = %d, want 2", guest.PagesRemaining)
	}
	user, _ := store.GetAccount(ctx, "user:u3")
	if user.PagesRemaining != 3 {
		t.Fatalf("user balance = %d, want 3", user.PagesRemaining)
	}

	// Repeating the migration transfers 0.
	transferred, applied, err = store.MigrateGuest(ctx, "device:g1", "user:u3", 2)
	if err != nil {
		t.Fatalf("repeat migrate failed: %v", err)
	}
	if applied || transferred != 3 {
		t.Fatalf("repeat got applied=%v transferred=%d, want applied=false transferred=3 (recorded)", applied, transferred)
	}
	user, _ = store.GetAccount(ctx, "user:u3")
	if user.PagesRemaining != 3 {
		t.Fatalf("user balance after repeat = %d, want 3", user.PagesRemaining)
	}
}

func TestMigrateGuest_ConcurrentExactlyOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, store, "device:g2", 10)

	const logins = 6
	var wg sync.WaitGroup
	applied := make(chan bool, logins)
	for i := 0; i < logins; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.MigrateGuest(ctx, "device:g2", "user:u4", 2)
			if err != nil {
				t.Errorf("migrate failed: %v", err)
				return
			}
			applied <- ok
		}()
	}
	wg.Wait()
	close(applied)

	var count int
	for ok := range applied {
		if ok {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("migration performed %d times, want 1", count)
	}

	user, _ := store.GetAccount(ctx, "user:u4")
	if user.PagesRemaining != 8 {
		t.Fatalf("user balance = %d, want 8", user.PagesRemaining)
	}
}

func TestMigrateGuest_GuestBelowAllocationTransfersNothing(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, store, "device:g3", 1)

	transferred, applied, err := store.MigrateGuest(ctx, "device:g3", "user:u5", 2)
	if err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if !applied || transferred != 0 {
		t.Fatalf("got applied=%v transferred=%d, want applied=true transferred=0", applied, transferred)
	}
}

func TestClaimWebhookEvent_Lifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	outcome, err := store.ClaimWebhookEvent(ctx, "evt_1")
	if err != nil || outcome != ClaimAcquired {
		t.Fatalf("first claim: outcome=%v err=%v, want ClaimAcquired", outcome, err)
	}

	// Concurrent claim while processing is rejected.
	outcome, err = store.ClaimWebhookEvent(ctx, "evt_1")
	if err != nil || outcome != ClaimInProgress {
		t.Fatalf("second claim: outcome=%v err=%v, want ClaimInProgress", outcome, err)
	}

	// Failed events are reclaimable.
	if err := store.MarkWebhookEventFailed(ctx, "evt_1", "gateway timeout"); err != nil {
		t.Fatalf("MarkWebhookEventFailed: %v", err)
	}
	outcome, err = store.ClaimWebhookEvent(ctx, "evt_1")
	if err != nil || outcome != ClaimAcquired {
		t.Fatalf("reclaim after failure: outcome=%v err=%v, want ClaimAcquired", outcome, err)
	}

	// Succeeded is terminal.
	if err := store.MarkWebhookEventSucceeded(ctx, "evt_1"); err != nil {
		t.Fatalf("MarkWebhookEventSucceeded: %v", err)
	}
	outcome, err = store.ClaimWebhookEvent(ctx, "evt_1")
	if err != nil || outcome != ClaimAlreadySettled {
		t.Fatalf("claim after success: outcome=%v err=%v, want ClaimAlreadySettled", outcome, err)
	}
}

func TestClaimWebhookEvent_ReclaimsAbandonedClaim(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	outcome, err := store.ClaimWebhookEvent(ctx, "evt_1")
	if err != nil || outcome != ClaimAcquired {
		t.Fatalf("first claim: outcome=%v err=%v, want ClaimAcquired", outcome, err)
	}

	// Age the claim past the lease, as if the claiming processor died
	// between claim and mark.
	ageWebhookClaim(store, "evt_1", WebhookClaimLease+time.Second)

	outcome, err = store.ClaimWebhookEvent(ctx, "evt_1")
	if err != nil || outcome != ClaimAcquired {
		t.Fatalf("claim after lease expiry: outcome=%v err=%v, want ClaimAcquired", outcome, err)
	}

	// The fresh claim is exclusive again.
	outcome, err = store.ClaimWebhookEvent(ctx, "evt_1")
	if err != nil || outcome != ClaimInProgress {
		t.Fatalf("claim against fresh reclaim: outcome=%v err=%v, want ClaimInProgress", outcome, err)
	}

	// Succeeded stays terminal no matter how old the row gets.
	if err := store.MarkWebhookEventSucceeded(ctx, "evt_1"); err != nil {
		t.Fatalf("MarkWebhookEventSucceeded: %v", err)
	}
	ageWebhookClaim(store, "evt_1", WebhookClaimLease+time.Second)
	outcome, err = store.ClaimWebhookEvent(ctx, "evt_1")
	if err != nil || outcome != ClaimAlreadySettled {
		t.Fatalf("claim on aged settled event: outcome=%v err=%v, want ClaimAlreadySettled", outcome, err)
	}
}

func ageWebhookClaim(store *MemoryStore, eventID string, age time.Duration) {
	store.mu.Lock()
	defer store.mu.Unlock()
	ev := store.webhookEvents[eventID]
	ev.UpdatedAt = ev.UpdatedAt.Add(-age)
	store.webhookEvents[eventID] = ev
}

func TestReserveIdempotencyKey_FirstReserverWins(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const contenders = 10
	var wg sync.WaitGroup
	reserved := make(chan bool, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.ReserveIdempotencyKey(ctx, "k1", time.Minute)
			if err != nil {
				t.Errorf("reserve failed: %v", err)
				return
			}
			reserved <- ok
		}()
	}
	wg.Wait()
	close(reserved)

	var wins int
	for ok := range reserved {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("reservations won = %d, want 1", wins)
	}
}

func TestLookupIdempotencyKey_PendingIsNotACachedSuccess(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if ok, _ := store.ReserveIdempotencyKey(ctx, "k2", time.Minute); !ok {
		t.Fatal("reserve failed")
	}

	// Pending keys must look absent to pollers.
	if _, err := store.LookupIdempotencyKey(ctx, "k2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("lookup of pending key: err = %v, want ErrNotFound", err)
	}

	if err := store.CompleteIdempotencyKey(ctx, "k2", "job_1", "res_1"); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	rec, err := store.LookupIdempotencyKey(ctx, "k2")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if rec.JobID != "job_1" || rec.ResultID != "res_1" {
		t.Fatalf("got %+v, want job_1/res_1", rec)
	}
}

func TestReserveIdempotencyKey_ExpiredKeyIsReclaimable(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if ok, _ := store.ReserveIdempotencyKey(ctx, "k3", 10*time.Millisecond); !ok {
		t.Fatal("reserve failed")
	}
	time.Sleep(30 * time.Millisecond)

	ok, err := store.ReserveIdempotencyKey(ctx, "k3", time.Minute)
	if err != nil {
		t.Fatalf("re-reserve failed: %v", err)
	}
	if !ok {
		t.Fatal("expired key was not reclaimable")
	}
}

func TestJobLifecycle_TerminalStatesAreSticky(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	job := Job{ID: "job_1", ResultID: "res_1", OwnerID: "device:d1", BillablePages: 3}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if err := store.MarkJobProcessing(ctx, "job_1"); err != nil {
		t.Fatalf("MarkJobProcessing: %v", err)
	}
	if err := store.UpdateJobProgress(ctx, "job_1", 40, "rendering"); err != nil {
		t.Fatalf("UpdateJobProgress: %v", err)
	}
	if err := store.CompleteJob(ctx, "job_1", "doc_1"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	// A late timeout must not overwrite the completed state.
	if err := store.FailJob(ctx, "job_1", FailureTimeout, "deadline exceeded"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	got, err := store.GetJobByResultID(ctx, "res_1")
	if err != nil {
		t.Fatalf("GetJobByResultID: %v", err)
	}
	if got.Status != JobStatusCompleted || got.Artifact != "doc_1" || got.Progress != 100 {
		t.Fatalf("job after late fail = %+v, want completed/doc_1/100", got)
	}
}
