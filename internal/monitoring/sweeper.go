// Package monitoring runs background health loops. The reconcile sweeper
// re-checks payments stuck in pending against the gateway, recovering
// credits whose webhook delivery was lost entirely.
package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pagecraft/server/internal/config"
	"github.com/pagecraft/server/internal/settlement"
	"github.com/pagecraft/server/internal/storage"
)

// ReconcileSweeper periodically reconciles stale pending payments.
type ReconcileSweeper struct {
	cfg        config.ReconcileConfig
	store      storage.Store
	reconciler *settlement.Reconciler
	logger     zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewReconcileSweeper creates a sweeper. Call Start to begin sweeping.
func NewReconcileSweeper(cfg config.ReconcileConfig, store storage.Store, reconciler *settlement.Reconciler, log zerolog.Logger) *ReconcileSweeper {
	return &ReconcileSweeper{
		cfg:        cfg,
		store:      store,
		reconciler: reconciler,
		logger:     log,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the sweep loop. No-op when disabled.
func (s *ReconcileSweeper) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		s.logger.Info().Msg("reconcile sweeper disabled")
		return
	}

	s.logger.Info().
		Dur("interval", s.cfg.Interval.Duration).
		Dur("staleAfter", s.cfg.StaleAfter.Duration).
		Msg("reconcile sweeper started")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval.Duration)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.sweep(context.WithoutCancel(ctx))
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the loop and waits for an in-flight sweep to finish.
func (s *ReconcileSweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *ReconcileSweeper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.StaleAfter.Duration)
	stale, err := s.store.ListStalePendingPayments(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("stale payment listing failed")
		return
	}
	if len(stale) == 0 {
		return
	}

	s.logger.Info().Int("count", len(stale)).Msg("sweeping stale pending payments")
	for _, payment := range stale {
		result, err := s.reconciler.Reconcile(ctx, payment.OrderNumber)
		if err != nil {
			s.logger.Warn().
				Err(err).
				Str("orderNumber", payment.OrderNumber).
				Msg("sweep reconcile failed; will retry next interval")
			continue
		}
		if result.Disposition == settlement.DispositionSettled {
			s.logger.Info().
				Str("orderNumber", payment.OrderNumber).
				Str("eventID", result.EventID).
				Msg("recovered payment missed by webhook delivery")
		}
	}
}
