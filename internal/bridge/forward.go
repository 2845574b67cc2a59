package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cexll/ticketbridge/internal/mapping"
	"github.com/cexll/ticketbridge/internal/tracker"
)

// RunForwardPass runs one pass under a fresh pass id.
func (e *Engine) RunForwardPass(ctx context.Context) (*PassReport, error) {
	return e.RunPass(ctx, uuid.NewString())
}

// RunPass lists the watched tickets and synchronises each of them. The
// returned error is non-nil only when the ticket list itself could not be
// obtained; per-ticket failures are in the report.
func (e *Engine) RunPass(ctx context.Context, passID string) (*PassReport, error) {
	report := newPassReport(passID, e.now())
	logger := e.logger.With().Str("pass_id", passID).Logger()
	logger.Debug().Str("jql", e.query).Msg("forward pass started")

	tickets, err := e.search(ctx)
	if err != nil {
		report.finish(e.now())
		logger.Error().Err(err).Msg("forward pass could not list tickets")
		return report, fmt.Errorf("list assigned tickets: %w", err)
	}
	report.Listed = len(tickets)

	g := new(errgroup.Group)
	g.SetLimit(e.cfg.Concurrency)
	for _, t := range tickets {
		g.Go(func() error {
			e.syncTicket(ctx, logger, t.Key, report)
			return nil
		})
	}
	_ = g.Wait()
	report.finish(e.now())

	logger.Info().
		Int("listed", report.Listed).
		Int("announced", report.Count(OutcomeAnnounced)).
		Int("relayed_comments", report.RelayedComments()).
		Int("recovered", report.Count(OutcomeRecovered)).
		Int("failed", report.Count(OutcomeFailed)).
		Dur("took", report.FinishedAt.Sub(report.StartedAt)).
		Msg("forward pass finished")
	return report, nil
}

func (e *Engine) search(ctx context.Context) ([]tracker.Ticket, error) {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	return e.tickets.Search(ctx, e.query)
}

// syncTicket decides between announcing and relaying. The store claim is the
// commit point for "this ticket is new", so concurrent passes cannot both
// announce it.
func (e *Engine) syncTicket(ctx context.Context, passLogger zerolog.Logger, key string, report *PassReport) {
	logger := passLogger.With().Str("ticket", key).Logger()

	claimCtx, cancel := e.bounded(ctx)
	claim, err := e.store.Claim(claimCtx, key, e.now())
	cancel()
	if err != nil {
		logger.Error().Err(err).Msg("claim failed")
		report.fail(key, StageClaim, 0, err)
		return
	}

	switch claim {
	case mapping.ClaimBusy:
		logger.Debug().Msg("ticket is being announced by another pass")
		report.succeed(key, OutcomeBusy, 0)
	case mapping.ClaimAcquired:
		e.announce(ctx, logger, key, report)
	case mapping.ClaimProcessed:
		e.relay(ctx, logger, key, report)
	}
}

// announce posts the opening message for a claimed ticket and commits the
// mapping. Any failure before the post succeeds releases the claim so the
// next pass retries.
func (e *Engine) announce(ctx context.Context, logger zerolog.Logger, key string, report *PassReport) {
	ticket, err := e.fetch(ctx, key)
	if err != nil {
		e.release(ctx, logger, key)
		logger.Error().Err(err).Msg("fetch for announcement failed")
		report.fail(key, StageFetch, 0, err)
		return
	}

	probe := e.probeAttachments(ctx, logger, ticket)
	threadID, err := e.post(ctx, announcementMessage(ticket, e.cfg.CounterpartUserID, probe), "")
	if err != nil {
		e.release(ctx, logger, key)
		logger.Error().Err(err).Msg("announcement post failed")
		report.fail(key, StagePost, 0, err)
		return
	}

	m := mapping.ThreadMapping{TicketID: key, ThreadID: threadID, LastChecked: e.now()}
	commitCtx, cancel := e.bounded(ctx)
	err = e.store.Commit(commitCtx, m)
	cancel()
	if err != nil {
		// The pending claim stays in place and expires after the claim TTL.
		logger.Error().Err(err).Str("thread", threadID).Msg("announced but mapping was not recorded")
		report.fail(key, StageCommit, 0, err)
		return
	}

	logger.Info().Str("thread", threadID).Msg("ticket announced")
	report.succeed(key, OutcomeAnnounced, 0)
}

func (e *Engine) release(ctx context.Context, logger zerolog.Logger, key string) {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	if err := e.store.Release(ctx, key); err != nil {
		logger.Warn().Err(err).Msg("could not release claim; it will expire")
	}
}

// relay posts mentioning comments newer than the watermark into the
// ticket's thread, oldest first, and advances the watermark only when all
// of them were posted.
func (e *Engine) relay(ctx context.Context, logger zerolog.Logger, key string, report *PassReport) {
	lookupCtx, cancel := e.bounded(ctx)
	m, err := e.store.Lookup(lookupCtx, key)
	cancel()
	if errors.Is(err, mapping.ErrNotFound) {
		e.recoverMapping(ctx, logger, key, report)
		return
	}
	if err != nil {
		logger.Error().Err(err).Msg("mapping lookup failed")
		report.fail(key, StageLookup, 0, err)
		return
	}
	logger = logger.With().Str("thread", m.ThreadID).Logger()

	ticket, err := e.fetch(ctx, key)
	if err != nil {
		logger.Error().Err(err).Msg("fetch for relay failed")
		report.fail(key, StageFetch, 0, err)
		return
	}

	comments := SelectNewComments(ticket.Comments, m.LastChecked, e.cfg.AccountID)
	if len(comments) == 0 {
		report.succeed(key, OutcomeUnchanged, 0)
		return
	}

	for i, c := range comments {
		if _, err := e.post(ctx, relayMessage(key, c), m.ThreadID); err != nil {
			err = fmt.Errorf("relay comment %s (%d of %d): %w", c.ID, i+1, len(comments), err)
			logger.Error().Err(err).Int("relayed", i).Msg("comment relay failed; watermark kept")
			report.fail(key, StageRelay, i, err)
			return
		}
	}

	advanceCtx, cancel := e.bounded(ctx)
	err = e.store.AdvanceWatermark(advanceCtx, key, e.now())
	cancel()
	if err != nil {
		logger.Error().Err(err).Int("relayed", len(comments)).Msg("comments relayed but watermark not advanced")
		report.fail(key, StageWatermark, len(comments), err)
		return
	}

	logger.Info().Int("relayed", len(comments)).Msg("comments relayed")
	report.succeed(key, OutcomeRelayed, len(comments))
}

// recoverMapping handles a ticket whose processed marker exists without a
// mapping: it opens a fresh thread and records it. No claim is taken, so
// overlapping passes may each post a thread; the last Upsert owns the ticket
// and the other thread resolves to no mapping.
func (e *Engine) recoverMapping(ctx context.Context, logger zerolog.Logger, key string, report *PassReport) {
	logger.Warn().Msg("processed marker without thread mapping; opening a new thread")

	ticket, err := e.fetch(ctx, key)
	if err != nil {
		report.fail(key, StageFetch, 0, err)
		return
	}
	probe := e.probeAttachments(ctx, logger, ticket)
	threadID, err := e.post(ctx, announcementMessage(ticket, e.cfg.CounterpartUserID, probe), "")
	if err != nil {
		logger.Error().Err(err).Msg("recovery post failed")
		report.fail(key, StagePost, 0, err)
		return
	}

	upsertCtx, cancel := e.bounded(ctx)
	err = e.store.Upsert(upsertCtx, mapping.ThreadMapping{TicketID: key, ThreadID: threadID, LastChecked: e.now()})
	cancel()
	if err != nil {
		logger.Error().Err(err).Str("thread", threadID).Msg("recovered thread was not recorded")
		report.fail(key, StageCommit, 0, err)
		return
	}

	logger.Info().Str("thread", threadID).Msg("thread mapping recovered")
	report.succeed(key, OutcomeRecovered, 0)
}

// probeAttachments downloads each attachment when probing is enabled and
// counts the reachable ones. Failures are logged and never fail the ticket.
func (e *Engine) probeAttachments(ctx context.Context, logger zerolog.Logger, t *tracker.Ticket) attachmentProbe {
	if !e.cfg.ProbeAttachments {
		return attachmentProbe{}
	}
	probe := attachmentProbe{checked: true}
	for _, a := range t.Attachments {
		callCtx, cancel := e.bounded(ctx)
		data, err := e.tickets.FetchAttachment(callCtx, a)
		cancel()
		if err != nil {
			logger.Warn().Err(err).Str("attachment", a.Filename).Msg("attachment not reachable")
			continue
		}
		logger.Debug().Str("attachment", a.Filename).Int("bytes", len(data)).Msg("attachment reachable")
		probe.reachable++
	}
	return probe
}
