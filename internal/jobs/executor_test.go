package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagecraft/server/internal/identity"
	"github.com/pagecraft/server/internal/ledger"
	"github.com/pagecraft/server/internal/storage"
)

// stubEngine scripts the generation outcome for tests.
type stubEngine struct {
	artifact string
	err      error
	delay    time.Duration
	// honorsCancel makes the stub return early when the context is
	// canceled; leave false to simulate an uninterruptible backend.
	honorsCancel bool
	progress     []int
}

func (s *stubEngine) Generate(ctx context.Context, _ json.RawMessage, progress ProgressFunc) (string, error) {
	for _, p := range s.progress {
		progress(p, fmt.Sprintf("step-%d", p))
	}
	if s.delay > 0 {
		if s.honorsCancel {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(s.delay):
			}
		} else {
			time.Sleep(s.delay)
		}
	}
	return s.artifact, s.err
}

func newTestExecutor(t *testing.T, engine Engine, timeout time.Duration) (*Executor, *storage.MemoryStore, *ledger.Service) {
	t.Helper()
	store := storage.NewMemoryStore()
	svc := ledger.New(store, ledger.Config{GuestFreeAllocation: 0}, zerolog.Nop())
	exec := NewExecutor(ExecutorOptions{
		Store:   store,
		Ledger:  svc,
		Engine:  engine,
		Logger:  zerolog.Nop(),
		Timeout: timeout,
	})
	return exec, store, svc
}

func seedJob(t *testing.T, store *storage.MemoryStore, owner identity.OwnerID, pages int64) storage.Job {
	t.Helper()
	job := storage.Job{
		ID:            "job-1",
		ResultID:      "res-1",
		OwnerID:       string(owner),
		Payload:       json.RawMessage(`{"pages":3}`),
		BillablePages: pages,
		Status:        storage.JobStatusQueued,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, store.CreateJob(context.Background(), job))
	return job
}

func seedBalance(t *testing.T, svc *ledger.Service, owner identity.OwnerID, pages int64) {
	t.Helper()
	_, _, err := svc.CreditPurchase(context.Background(), owner, pages, "seed-"+string(owner))
	require.NoError(t, err)
}

func TestExecutorRun_SuccessDebitsExactlyOnce(t *testing.T) {
	engine := &stubEngine{artifact: "doc.pdf", progress: []int{25, 80}}
	exec, store, svc := newTestExecutor(t, engine, time.Second)
	ctx := context.Background()
	owner := identity.DeviceOwnerID("d1")

	seedBalance(t, svc, owner, 10)
	job := seedJob(t, store, owner, 3)

	exec.Run(ctx, job.ID)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStatusCompleted, got.Status)
	assert.Equal(t, "doc.pdf", got.Artifact)

	acct, err := svc.Balance(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(7), acct.PagesRemaining)

	// The debit is keyed by the job ID.
	tx, err := store.GetTransactionByReference(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TxKindUsage, tx.Kind)

	// Redelivered execution of a terminal job is a no-op: no second debit.
	exec.Run(ctx, job.ID)
	acct, err = svc.Balance(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(7), acct.PagesRemaining)
}

func TestExecutorRun_FailureLeavesBalanceUnchanged(t *testing.T) {
	engine := &stubEngine{err: errors.New("renderer crashed")}
	exec, store, svc := newTestExecutor(t, engine, time.Second)
	ctx := context.Background()
	owner := identity.DeviceOwnerID("d2")

	seedBalance(t, svc, owner, 10)
	job := seedJob(t, store, owner, 3)

	exec.Run(ctx, job.ID)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStatusFailed, got.Status)
	assert.Equal(t, storage.FailureUpstream, got.FailureReason)

	acct, err := svc.Balance(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(10), acct.PagesRemaining)
}

func TestExecutorRun_InvalidInputClassified(t *testing.T) {
	engine := &stubEngine{err: fmt.Errorf("parse payload: %w", ErrInvalidInput)}
	exec, store, svc := newTestExecutor(t, engine, time.Second)
	ctx := context.Background()
	owner := identity.DeviceOwnerID("d3")

	seedBalance(t, svc, owner, 5)
	job := seedJob(t, store, owner, 2)

	exec.Run(ctx, job.ID)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStatusFailed, got.Status)
	assert.Equal(t, storage.FailureInvalidInput, got.FailureReason)
}

func TestExecutorRun_TimeoutDoesNotWaitForEngine(t *testing.T) {
	// The stub ignores cancellation and sleeps well past the timeout.
	engine := &stubEngine{artifact: "late.pdf", delay: 3 * time.Second}
	exec, store, svc := newTestExecutor(t, engine, 50*time.Millisecond)
	ctx := context.Background()
	owner := identity.DeviceOwnerID("d4")

	seedBalance(t, svc, owner, 10)
	job := seedJob(t, store, owner, 3)

	start := time.Now()
	exec.Run(ctx, job.ID)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, time.Second, "executor must report timeout without waiting out the engine")

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStatusFailed, got.Status)
	assert.Equal(t, storage.FailureTimeout, got.FailureReason)

	acct, err := svc.Balance(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(10), acct.PagesRemaining, "timed-out job must not be charged")
}

func TestExecutorRun_CancelableEngineStopsAtTimeout(t *testing.T) {
	engine := &stubEngine{artifact: "never.pdf", delay: 10 * time.Second, honorsCancel: true}
	exec, store, _ := newTestExecutor(t, engine, 50*time.Millisecond)
	ctx := context.Background()

	job := seedJob(t, store, identity.DeviceOwnerID("d5"), 1)
	exec.Run(ctx, job.ID)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStatusFailed, got.Status)
	assert.Equal(t, storage.FailureTimeout, got.FailureReason)
}

func TestExecutorRun_DebitShortfallDeliversArtifactAndHoldsAccount(t *testing.T) {
	engine := &stubEngine{artifact: "big.pdf"}
	exec, store, svc := newTestExecutor(t, engine, time.Second)
	ctx := context.Background()
	owner := identity.DeviceOwnerID("d6")

	seedBalance(t, svc, owner, 2)
	job := seedJob(t, store, owner, 5)

	exec.Run(ctx, job.ID)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStatusCompleted, got.Status)
	assert.Equal(t, "big.pdf", got.Artifact, "delivered work is not clawed back")

	acct, err := store.GetAccount(ctx, string(owner))
	require.NoError(t, err)
	assert.Equal(t, storage.AccountStatusOnHold, acct.Status)
	assert.Equal(t, int64(2), acct.PagesRemaining, "no partial debit on shortfall")
}

func TestExecutorRun_ProgressVisibleWhileProcessing(t *testing.T) {
	engine := &stubEngine{artifact: "doc.pdf", progress: []int{40}}
	exec, store, svc := newTestExecutor(t, engine, time.Second)
	ctx := context.Background()
	owner := identity.DeviceOwnerID("d7")

	seedBalance(t, svc, owner, 5)
	job := seedJob(t, store, owner, 1)

	exec.Run(ctx, job.ID)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	// Completed jobs read 100 regardless of the last reported step.
	assert.Equal(t, storage.JobStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
}
