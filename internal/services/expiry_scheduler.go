package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/examstack/exam-lifecycle-service/internal/repositories"
)

// ExpiryScheduler is the background sweep that finalizes overdue attempts.
// It is a safety net behind lazy expiry: attempts nobody touches again
// still reach timed_out within one sweep interval. Sweeps are re-entrant
// because HandleTimeout is a no-op on anything already terminal, so
// multiple instances can run the sweeper concurrently.
type ExpiryScheduler struct {
	repo      repositories.Repository
	attempts  AttemptService
	logger    *slog.Logger
	clock     clock.Clock
	interval  time.Duration
	batchSize int

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

func NewExpiryScheduler(repo repositories.Repository, attempts AttemptService, logger *slog.Logger, clk clock.Clock, interval time.Duration, batchSize int) *ExpiryScheduler {
	if clk == nil {
		clk = clock.New()
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &ExpiryScheduler{
		repo:      repo,
		attempts:  attempts,
		logger:    logger,
		clock:     clk,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Start launches the sweep loop. It returns immediately; the loop runs
// until Stop is called or the parent context is cancelled.
func (s *ExpiryScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})

	// Create the ticker before launching the goroutine so callers (and
	// tests using a mock clock) see it registered once Start returns.
	ticker := s.clock.Ticker(s.interval)
	go s.run(ctx, ticker)

	s.logger.Info("Expiry scheduler started",
		"interval", s.interval,
		"batch_size", s.batchSize)
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (s *ExpiryScheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopped := s.stopped
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped

	s.logger.Info("Expiry scheduler stopped")
}

func (s *ExpiryScheduler) run(ctx context.Context, ticker *clock.Ticker) {
	defer close(s.stopped)

	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Expiry sweep failed", "error", err)
			}
		}
	}
}

// Sweep finalizes one batch of overdue attempts. Individual failures are
// logged and skipped so one bad row cannot stall the rest of the batch.
func (s *ExpiryScheduler) Sweep(ctx context.Context) error {
	now := s.clock.Now()

	ids, err := s.repo.Attempt().ListExpiredInProgress(ctx, nil, now, s.batchSize)
	if err != nil {
		return err
	}

	if len(ids) == 0 {
		return nil
	}

	s.logger.Info("Sweeping expired attempts", "count", len(ids))

	var finalized int
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.attempts.HandleTimeout(ctx, id); err != nil {
			s.logger.Error("Failed to time out attempt",
				"attempt_id", id,
				"error", err)
			continue
		}
		finalized++
	}

	s.logger.Info("Expiry sweep completed",
		"scanned", len(ids),
		"finalized", finalized)

	return nil
}
