package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Ticker runs a pass immediately and then every interval.
type Ticker struct {
	runner   *Runner
	interval time.Duration
	logger   zerolog.Logger
}

func NewTicker(runner *Runner, interval time.Duration, logger zerolog.Logger) *Ticker {
	return &Ticker{
		runner:   runner,
		interval: interval,
		logger:   logger.With().Str("component", "ticker").Logger(),
	}
}

// Start blocks until ctx is cancelled.
func (t *Ticker) Start(ctx context.Context) error {
	t.logger.Info().Dur("interval", t.interval).Msg("ticker scheduler started")
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.fire(ctx)
	for {
		select {
		case <-ctx.Done():
			t.logger.Info().Msg("ticker scheduler stopped")
			return nil
		case <-ticker.C:
			t.fire(ctx)
		}
	}
}

func (t *Ticker) fire(ctx context.Context) {
	// Pass-level errors are retried by the next tick.
	if _, err := t.runner.Run(ctx, "ticker"); err != nil && !errors.Is(err, ErrPassRunning) && ctx.Err() == nil {
		t.logger.Error().Err(err).Msg("forward pass failed")
	}
}
