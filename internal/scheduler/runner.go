// Package scheduler triggers forward passes: on a ticker, as a River
// periodic job, or on demand. Every trigger goes through a Runner so that
// one process never runs two passes at once and every pass is recorded.
package scheduler

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cexll/ticketbridge/internal/bridge"
	"github.com/cexll/ticketbridge/internal/concurrency"
	"github.com/cexll/ticketbridge/internal/passlog"
)

// ErrPassRunning is returned when a trigger fires while a pass is running.
var ErrPassRunning = errors.New("a forward pass is already running")

const passLockKey = "forward-pass"

// PassRunner runs one forward pass under the given id.
type PassRunner interface {
	RunPass(ctx context.Context, passID string) (*bridge.PassReport, error)
}

// Runner serialises passes within the process and records them.
type Runner struct {
	engine PassRunner
	locks  *concurrency.Manager
	passes *passlog.Store
	logger zerolog.Logger
}

// NewRunner returns a Runner. passes may be nil.
func NewRunner(engine PassRunner, passes *passlog.Store, logger zerolog.Logger) *Runner {
	return &Runner{
		engine: engine,
		locks:  concurrency.NewManager(),
		passes: passes,
		logger: logger.With().Str("component", "runner").Logger(),
	}
}

// Running reports whether a pass is in progress.
func (r *Runner) Running() bool {
	return r.locks.Held(passLockKey)
}

// Run executes a pass unless one is already running. trigger names the
// caller for the pass history ("ticker", "river", "manual", "cli").
func (r *Runner) Run(ctx context.Context, trigger string) (*bridge.PassReport, error) {
	var (
		report *bridge.PassReport
		err    error
	)
	ran := r.locks.Do(passLockKey, func() {
		report, err = r.run(ctx, trigger)
	})
	if !ran {
		r.logger.Info().Str("trigger", trigger).Msg("forward pass already running; trigger skipped")
		if r.passes != nil {
			r.passes.Create(&passlog.Pass{ID: uuid.NewString(), Trigger: trigger, Status: passlog.StatusSkipped})
		}
		return nil, ErrPassRunning
	}
	return report, err
}

func (r *Runner) run(ctx context.Context, trigger string) (*bridge.PassReport, error) {
	id := uuid.NewString()
	if r.passes != nil {
		r.passes.Create(&passlog.Pass{ID: id, Trigger: trigger})
		r.passes.AddLog(id, "info", "pass started by "+trigger)
	}

	report, err := r.engine.RunPass(ctx, id)

	if r.passes != nil {
		switch {
		case err != nil:
			r.passes.AddLog(id, "error", err.Error())
		case report != nil && len(report.Failures()) > 0:
			for _, f := range report.Failures() {
				r.passes.AddLog(id, "error", f.Ticket+": "+f.Error)
			}
		default:
			r.passes.AddLog(id, "success", "pass completed")
		}
		r.passes.Finish(id, report, err)
	}
	return report, err
}
