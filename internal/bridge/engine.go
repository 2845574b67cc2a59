// Package bridge keeps Jira tickets and Slack threads in step. A forward
// pass announces newly assigned tickets and relays comments that mention the
// watched account into the ticket's thread; the reverse flow turns thread
// replies back into ticket comments.
package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cexll/ticketbridge/internal/mapping"
	"github.com/cexll/ticketbridge/internal/tracker"
)

// TicketSource is the subset of the Jira client the engine uses.
type TicketSource interface {
	Search(ctx context.Context, jql string) ([]tracker.Ticket, error)
	Fetch(ctx context.Context, key string) (*tracker.Ticket, error)
	AddComment(ctx context.Context, key, body string) error
	FetchAttachment(ctx context.Context, a tracker.Attachment) ([]byte, error)
}

// ThreadSink posts chat messages. An empty threadID starts a new thread;
// the returned id names the posted message.
type ThreadSink interface {
	PostMessage(ctx context.Context, channel, text, threadID string) (string, error)
}

// Config is the static configuration of an Engine.
type Config struct {
	// AccountID is the Jira account whose tickets and mentions are watched.
	AccountID        string
	TerminalStatuses []string

	ChannelID         string
	CounterpartUserID string // Slack user pinged on announcements

	Concurrency      int
	CallTimeout      time.Duration
	ProbeAttachments bool
}

// Engine runs forward passes and handles inbound replies. It keeps no state
// between passes other than what lives in the mapping store.
type Engine struct {
	cfg     Config
	query   string
	tickets TicketSource
	threads ThreadSink
	store   mapping.Store
	logger  zerolog.Logger
	now     func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New returns an Engine.
func New(cfg Config, tickets TicketSource, threads ThreadSink, store mapping.Store, logger zerolog.Logger, opts ...Option) (*Engine, error) {
	if tickets == nil || threads == nil || store == nil {
		return nil, fmt.Errorf("bridge: ticket source, thread sink and store are required")
	}
	if cfg.ChannelID == "" {
		return nil, fmt.Errorf("bridge: channel ID is required")
	}
	query, err := tracker.AssignedQuery(cfg.AccountID, cfg.TerminalStatuses)
	if err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 45 * time.Second
	}

	e := &Engine{
		cfg:     cfg,
		query:   query,
		tickets: tickets,
		threads: threads,
		store:   store,
		logger:  logger.With().Str("component", "bridge").Logger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Query returns the JQL used to list watched tickets.
func (e *Engine) Query() string {
	return e.query
}

// bounded derives the context for a single upstream or store call.
func (e *Engine) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.CallTimeout)
}

func (e *Engine) fetch(ctx context.Context, key string) (*tracker.Ticket, error) {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	return e.tickets.Fetch(ctx, key)
}

func (e *Engine) post(ctx context.Context, text, threadID string) (string, error) {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	return e.threads.PostMessage(ctx, e.cfg.ChannelID, text, threadID)
}
