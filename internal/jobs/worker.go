package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Worker consumes job IDs from the broker list and executes them. Several
// goroutines block on the same list; Redis hands each ID to exactly one of
// them.
type Worker struct {
	client       redis.UniversalClient
	queueKey     string
	executor     *Executor
	logger       zerolog.Logger
	workerCount  int
	pollInterval time.Duration

	cancel   context.CancelFunc
	doneChan chan struct{}
}

// WorkerOptions configures the broker worker pool.
type WorkerOptions struct {
	Client       redis.UniversalClient
	QueueKey     string
	Executor     *Executor
	Logger       zerolog.Logger
	WorkerCount  int
	PollInterval time.Duration // BRPOP block timeout per iteration
}

// NewWorker creates a worker pool. Call Start to begin consuming.
func NewWorker(opts WorkerOptions) *Worker {
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.Logger.GetLevel() == zerolog.Disabled {
		opts.Logger = zerolog.Nop()
	}
	return &Worker{
		client:       opts.Client,
		queueKey:     opts.QueueKey,
		executor:     opts.Executor,
		logger:       opts.Logger,
		workerCount:  opts.WorkerCount,
		pollInterval: opts.PollInterval,
		doneChan:     make(chan struct{}),
	}
}

// Start launches the worker goroutines.
func (w *Worker) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel

	w.logger.Info().
		Int("workers", w.workerCount).
		Str("queue", w.queueKey).
		Msg("job workers started")

	var wg sync.WaitGroup
	for i := 0; i < w.workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.run(runCtx)
		}()
	}
	go func() {
		wg.Wait()
		close(w.doneChan)
	}()
}

// Stop cancels the pool and waits for in-flight jobs to finish.
func (w *Worker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.doneChan
	w.logger.Info().Msg("job workers stopped")
}

func (w *Worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		vals, err := w.client.BRPop(ctx, w.pollInterval, w.queueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Block timeout with an empty list, poll again.
				continue
			}
			if ctx.Err() != nil {
				return
			}
			w.logger.Error().Err(err).Str("queue", w.queueKey).Msg("broker pop failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.pollInterval):
			}
			continue
		}

		// BRPOP returns [key, value].
		if len(vals) != 2 {
			continue
		}
		w.executor.Run(ctx, vals[1])
	}
}
