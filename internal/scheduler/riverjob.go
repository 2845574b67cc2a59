package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/zerolog"
)

// PassArgs is the River job that runs one forward pass.
type PassArgs struct{}

// Kind returns the job kind for River
func (PassArgs) Kind() string {
	return "ticketbridge_forward_pass"
}

type passWorker struct {
	river.WorkerDefaults[PassArgs]
	runner *Runner
}

func (w *passWorker) Work(ctx context.Context, job *river.Job[PassArgs]) error {
	_, err := w.runner.Run(ctx, "river")
	if errors.Is(err, ErrPassRunning) {
		return nil
	}
	return err
}

// RiverScheduler enqueues a forward pass as a periodic River job. With
// several replicas sharing one database, River's leader election and the
// per-period unique key make sure each period runs once.
type RiverScheduler struct {
	client *river.Client[pgx.Tx]
	logger zerolog.Logger
}

// NewRiverScheduler migrates the River schema and builds the client.
func NewRiverScheduler(ctx context.Context, pool *pgxpool.Pool, runner *Runner, interval time.Duration, logger zerolog.Logger) (*RiverScheduler, error) {
	logger = logger.With().Str("component", "river").Logger()
	driver := riverpgxv5.New(pool)

	migrator, err := rivermigrate.New(driver, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create river migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate river schema: %w", err)
	}
	for _, v := range res.Versions {
		logger.Info().Int("version", v.Version).Msg("applied river migration")
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &passWorker{runner: runner})

	periodic := river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return PassArgs{}, &river.InsertOpts{
				// Passes are retried by the next period, not by River.
				MaxAttempts: 1,
				UniqueOpts:  river.UniqueOpts{ByPeriod: interval},
			}
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)

	client, err := river.NewClient(driver, &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 1},
		},
		Workers:      workers,
		PeriodicJobs: []*river.PeriodicJob{periodic},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &RiverScheduler{client: client, logger: logger}, nil
}

// Start runs the River client until ctx is cancelled, then stops it.
func (s *RiverScheduler) Start(ctx context.Context) error {
	if err := s.client.Start(ctx); err != nil {
		return fmt.Errorf("failed to start river client: %w", err)
	}
	s.logger.Info().Msg("river scheduler started")

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.client.Stop(stopCtx); err != nil {
		return fmt.Errorf("failed to stop river client: %w", err)
	}
	s.logger.Info().Msg("river scheduler stopped")
	return nil
}
