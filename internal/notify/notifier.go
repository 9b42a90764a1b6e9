// Package notify delivers job completion callbacks to the URL a client
// attached at submission time. Delivery is fire-and-forget from the
// executor's perspective: retries with exponential backoff happen in a
// detached goroutine and never hold up job settlement.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/pagecraft/server/internal/config"
	"github.com/pagecraft/server/internal/httputil"
	"github.com/pagecraft/server/internal/logger"
	"github.com/pagecraft/server/internal/metrics"
	"github.com/pagecraft/server/internal/storage"
)

// Notifier announces a job's terminal state.
type Notifier interface {
	// JobFinished delivers the terminal state of job to its callback URL.
	// A job without a callback URL is a no-op.
	JobFinished(ctx context.Context, job storage.Job)
}

// Event is the callback payload. EventID is stable across retries so the
// receiver can dedup redeliveries.
type Event struct {
	EventID       string `json:"eventId"`
	JobID         string `json:"jobId"`
	ResultID      string `json:"resultId"`
	Status        string `json:"status"`
	Artifact      string `json:"artifact,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`
	FailureDetail string `json:"failureDetail,omitempty"`
	CompletedAt   string `json:"completedAt"`
}

// Client posts completion events with exponential backoff.
type Client struct {
	cfg        config.CallbacksConfig
	httpClient *http.Client
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// New creates a callback client. Returns a Noop when callbacks are disabled.
func New(cfg config.CallbacksConfig, m *metrics.Metrics, log zerolog.Logger) Notifier {
	if !cfg.Enabled {
		return Noop{}
	}
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: httputil.NewClient(timeout),
		metrics:    m,
		logger:     log,
	}
}

// JobFinished dispatches the event asynchronously. The event id is derived
// before the goroutine starts so every retry carries the same one.
func (c *Client) JobFinished(ctx context.Context, job storage.Job) {
	if job.CallbackURL == "" || !job.Terminal() {
		return
	}

	event := Event{
		EventID:       job.ID + ":" + string(job.Status),
		JobID:         job.ID,
		ResultID:      job.ResultID,
		Status:        string(job.Status),
		Artifact:      job.Artifact,
		FailureReason: string(job.FailureReason),
		FailureDetail: job.FailureDetail,
		CompletedAt:   time.Now().UTC().Format(time.RFC3339),
	}

	log := logger.FromContext(ctx)
	go func() {
		payload, err := json.Marshal(event)
		if err != nil {
			log.Error().Err(err).Str("jobID", job.ID).Msg("callback payload marshal failed")
			return
		}
		if err := c.sendWithRetry(context.WithoutCancel(ctx), job.CallbackURL, payload); err != nil {
			if c.metrics != nil {
				c.metrics.CallbackDeliveriesTotal.WithLabelValues("failed").Inc()
			}
			log.Error().Err(err).Str("jobID", job.ID).Msg("completion callback abandoned")
			return
		}
		if c.metrics != nil {
			c.metrics.CallbackDeliveriesTotal.WithLabelValues("delivered").Inc()
		}
	}()
}

func (c *Client) sendWithRetry(ctx context.Context, url string, payload []byte) error {
	maxAttempts := c.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	interval := c.cfg.InitialInterval.Duration
	if interval <= 0 {
		interval = time.Second
	}
	maxInterval := c.cfg.MaxInterval.Duration
	if maxInterval <= 0 {
		maxInterval = 2 * time.Minute
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, c.httpClient.Timeout)
		err := c.send(reqCtx, url, payload)
		cancel()

		if err == nil {
			if attempt > 1 {
				c.logger.Info().Int("attempt", attempt).Str("url", url).Msg("callback delivered after retry")
			}
			return nil
		}

		lastErr = err
		c.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("maxAttempts", maxAttempts).
			Dur("nextRetry", interval).
			Msg("callback attempt failed")

		if attempt < maxAttempts {
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return ctx.Err()
			}
			interval *= 2
			if interval > maxInterval {
				interval = maxInterval
			}
		}
	}
	return fmt.Errorf("callback failed after %d attempts: %w", maxAttempts, lastErr)
}

func (c *Client) send(ctx context.Context, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d from %s", resp.StatusCode, url)
	}
	return nil
}

// Noop discards every notification.
type Noop struct{}

func (Noop) JobFinished(ctx context.Context, job storage.Job) {}
