package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/cexll/ticketbridge/internal/mapping"
)

// ReplyOutcome is the result of handling one inbound thread reply.
type ReplyOutcome string

const (
	ReplyRelayed   ReplyOutcome = "relayed"
	ReplyNoMapping ReplyOutcome = "no_mapping"
)

// ReplyResult names the ticket the reply was added to, when there was one.
type ReplyResult struct {
	Outcome  ReplyOutcome
	TicketID string
}

// HandleInboundReply adds text as a comment on the ticket mapped to
// threadID. The caller has already authenticated the event and checked
// that authorID is the counterpart, not the bot. A thread without a
// mapping is reported as ReplyNoMapping with a nil error.
func (e *Engine) HandleInboundReply(ctx context.Context, threadID, authorID, text string) (ReplyResult, error) {
	if threadID == "" {
		return ReplyResult{}, fmt.Errorf("inbound reply has no thread id")
	}
	logger := e.logger.With().Str("thread", threadID).Str("author", authorID).Logger()

	lookupCtx, cancel := e.bounded(ctx)
	m, err := e.store.LookupByThread(lookupCtx, threadID)
	cancel()
	if errors.Is(err, mapping.ErrNotFound) {
		logger.Info().Msg("no ticket mapped to thread; reply ignored")
		return ReplyResult{Outcome: ReplyNoMapping}, nil
	}
	if err != nil {
		return ReplyResult{}, fmt.Errorf("lookup thread %s: %w", threadID, err)
	}

	commentCtx, cancel := e.bounded(ctx)
	err = e.tickets.AddComment(commentCtx, m.TicketID, text)
	cancel()
	if err != nil {
		return ReplyResult{}, fmt.Errorf("comment on %s: %w", m.TicketID, err)
	}

	logger.Info().Str("ticket", m.TicketID).Msg("thread reply added to ticket")
	return ReplyResult{Outcome: ReplyRelayed, TicketID: m.TicketID}, nil
}
