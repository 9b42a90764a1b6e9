package jobs

import (
	"context"
	"sync"

	"github.com/pagecraft/server/internal/storage"
)

// LocalDispatcher executes jobs in-process as detached goroutines. It is the
// degraded single-instance mode used when no broker is configured; the job
// state machine and billing behave identically to broker execution.
type LocalDispatcher struct {
	executor *Executor
	wg       sync.WaitGroup
}

// NewLocalDispatcher creates an in-process dispatcher around the executor.
func NewLocalDispatcher(executor *Executor) *LocalDispatcher {
	return &LocalDispatcher{executor: executor}
}

// Dispatch starts the job on a new goroutine and returns immediately. The
// goroutine is detached from the request context so the caller's disconnect
// does not abort execution.
func (d *LocalDispatcher) Dispatch(ctx context.Context, job storage.Job) error {
	runCtx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.executor.Run(runCtx, job.ID)
	}()
	return nil
}

// Name labels the dispatcher in logs and metrics.
func (d *LocalDispatcher) Name() string { return "local" }

// Wait blocks until all in-flight jobs have reached a terminal state. Used
// during graceful shutdown.
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}
