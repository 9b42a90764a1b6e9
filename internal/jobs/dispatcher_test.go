package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagecraft/server/internal/identity"
	"github.com/pagecraft/server/internal/ledger"
	"github.com/pagecraft/server/internal/storage"
)

// failingDispatcher simulates an unreachable broker.
type failingDispatcher struct{}

func (failingDispatcher) Dispatch(context.Context, storage.Job) error {
	return errors.New("dial tcp: connection refused")
}
func (failingDispatcher) Name() string { return "broker" }

// recordingDispatcher accepts jobs without running them.
type recordingDispatcher struct {
	dispatched []storage.Job
}

func (d *recordingDispatcher) Dispatch(_ context.Context, job storage.Job) error {
	d.dispatched = append(d.dispatched, job)
	return nil
}
func (d *recordingDispatcher) Name() string { return "broker" }

func TestSubmit_CreatesQueuedJobAndDispatches(t *testing.T) {
	store := storage.NewMemoryStore()
	dispatcher := &recordingDispatcher{}
	svc := NewService(store, dispatcher, nil, zerolog.Nop())
	ctx := context.Background()

	job, err := svc.Submit(ctx, identity.DeviceOwnerID("d1"), json.RawMessage(`{"pages":3}`), 3, "")
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.NotEmpty(t, job.ResultID)
	assert.NotEqual(t, job.ID, job.ResultID)
	assert.Equal(t, storage.JobStatusQueued, job.Status)

	require.Len(t, dispatcher.dispatched, 1)
	assert.Equal(t, job.ID, dispatcher.dispatched[0].ID)

	stored, err := store.GetJobByResultID(ctx, job.ResultID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, stored.ID)
}

func TestSubmit_BrokerFailureFailsJobAndReturnsSentinel(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := NewService(store, failingDispatcher{}, nil, zerolog.Nop())
	ctx := context.Background()

	_, err := svc.Submit(ctx, identity.DeviceOwnerID("d1"), json.RawMessage(`{}`), 1, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBrokerUnavailable)
}

func TestLocalDispatcher_ExecutesToCompletion(t *testing.T) {
	store := storage.NewMemoryStore()
	ledgerSvc := ledger.New(store, ledger.Config{}, zerolog.Nop())
	owner := identity.DeviceOwnerID("d1")
	_, _, err := ledgerSvc.CreditPurchase(context.Background(), owner, 10, "seed")
	require.NoError(t, err)

	exec := NewExecutor(ExecutorOptions{
		Store:   store,
		Ledger:  ledgerSvc,
		Engine:  &stubEngine{artifact: "out.pdf"},
		Logger:  zerolog.Nop(),
		Timeout: time.Second,
	})
	local := NewLocalDispatcher(exec)
	svc := NewService(store, local, nil, zerolog.Nop())

	job, err := svc.Submit(context.Background(), owner, json.RawMessage(`{"pages":2}`), 2, "")
	require.NoError(t, err)

	local.Wait()

	got, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStatusCompleted, got.Status)
	assert.Equal(t, "out.pdf", got.Artifact)

	acct, err := store.GetAccount(context.Background(), string(owner))
	require.NoError(t, err)
	assert.Equal(t, int64(8), acct.PagesRemaining)
}

func TestEstimateETA(t *testing.T) {
	started := time.Now().Add(-30 * time.Second)
	job := storage.Job{
		Status:    storage.JobStatusProcessing,
		Progress:  50,
		StartedAt: &started,
	}

	// 30s for 50% leaves roughly 30s.
	eta := EstimateETA(job, time.Now())
	assert.InDelta(t, 30, eta, 2)

	// No signal yet.
	job.Progress = 0
	assert.Zero(t, EstimateETA(job, time.Now()))

	job.Progress = 50
	job.Status = storage.JobStatusCompleted
	assert.Zero(t, EstimateETA(job, time.Now()))
}
