package jobs

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/pagecraft/server/internal/circuitbreaker"
	"github.com/pagecraft/server/internal/storage"
)

// RemoteDispatcher pushes job IDs onto a Redis list consumed by the worker
// pool. Pushes run under the broker circuit breaker so a dead Redis fails
// fast instead of stalling every submission.
type RemoteDispatcher struct {
	client   redis.UniversalClient
	queueKey string
	breaker  *circuitbreaker.Manager
}

// NewRemoteDispatcher creates a broker-backed dispatcher.
func NewRemoteDispatcher(client redis.UniversalClient, queueKey string, breaker *circuitbreaker.Manager) *RemoteDispatcher {
	return &RemoteDispatcher{
		client:   client,
		queueKey: queueKey,
		breaker:  breaker,
	}
}

// Dispatch enqueues the job ID for a worker to pick up.
func (d *RemoteDispatcher) Dispatch(ctx context.Context, job storage.Job) error {
	_, err := d.breaker.Execute(circuitbreaker.ServiceBroker, func() (interface{}, error) {
		return d.client.LPush(ctx, d.queueKey, job.ID).Result()
	})
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// Name labels the dispatcher in logs and metrics.
func (d *RemoteDispatcher) Name() string { return "broker" }
