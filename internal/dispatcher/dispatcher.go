// Package dispatcher runs accepted inbound replies off the request path.
// Replies to the same thread are relayed one at a time and in arrival order
// per worker; transient upstream failures are retried with backoff.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cexll/ticketbridge/internal/bridge"
	"github.com/cexll/ticketbridge/internal/upstream"
	"github.com/cexll/ticketbridge/internal/webhook"
)

// ReplyHandler relays one inbound reply to its ticket.
type ReplyHandler interface {
	HandleInboundReply(ctx context.Context, threadID, authorID, text string) (bridge.ReplyResult, error)
}

// Config controls dispatcher behaviour
type Config struct {
	Workers           int
	QueueSize         int
	MaxAttempts       int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// Dispatcher serialises relays per thread and retries transient failures
// with backoff.
type Dispatcher struct {
	handler ReplyHandler
	cfg     Config
	logger  zerolog.Logger

	queue chan *queueItem

	keyedLocks *keyedMutex

	stopCh chan struct{}
	wg     sync.WaitGroup

	once sync.Once
}

type queueItem struct {
	reply   *webhook.Reply
	attempt int
}

// New creates a dispatcher with the provided configuration
func New(handler ReplyHandler, cfg Config, logger zerolog.Logger) *Dispatcher {
	normalized := normalizeConfig(cfg)
	d := &Dispatcher{
		handler:    handler,
		cfg:        normalized,
		logger:     logger.With().Str("component", "dispatcher").Logger(),
		queue:      make(chan *queueItem, normalized.QueueSize),
		keyedLocks: newKeyedMutex(),
		stopCh:     make(chan struct{}),
	}
	d.startWorkers()
	return d
}

func normalizeConfig(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 16
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 5 * time.Second
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	return cfg
}

func (d *Dispatcher) startWorkers() {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Enqueue queues a reply for relay
func (d *Dispatcher) Enqueue(reply *webhook.Reply) error {
	if reply == nil {
		return errors.New("dispatcher enqueue: reply is nil")
	}

	select {
	case <-d.stopCh:
		return webhook.ErrQueueClosed
	default:
	}

	select {
	case d.queue <- &queueItem{reply: reply, attempt: 1}:
		return nil
	default:
		return webhook.ErrQueueFull
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.stopCh:
			return
		case item, ok := <-d.queue:
			if !ok {
				return
			}
			d.process(item)
		}
	}
}

func (d *Dispatcher) process(item *queueItem) {
	reply := item.reply
	reply.Attempt = item.attempt
	logger := d.logger.With().
		Str("thread", reply.ThreadID).
		Str("event_id", reply.EventID).
		Int("attempt", item.attempt).
		Logger()

	d.keyedLocks.Lock(reply.ThreadID)
	res, err := d.handler.HandleInboundReply(context.Background(), reply.ThreadID, reply.AuthorID, reply.Text)
	d.keyedLocks.Unlock(reply.ThreadID)

	if err != nil {
		logger.Warn().Err(err).Msg("reply relay failed")
		if !upstream.IsTransient(err) {
			logger.Error().Err(err).Msg("reply relay failed permanently; no further attempts")
			return
		}
		d.handleRetry(item, err)
		return
	}

	logger.Info().Str("outcome", string(res.Outcome)).Str("ticket", res.TicketID).Msg("reply handled")
}

func (d *Dispatcher) handleRetry(item *queueItem, relayErr error) {
	if item.attempt >= d.cfg.MaxAttempts {
		d.logger.Error().Err(relayErr).
			Str("thread", item.reply.ThreadID).
			Int("max_attempts", d.cfg.MaxAttempts).
			Msg("reply exceeded max attempts")
		return
	}

	nextAttempt := item.attempt + 1
	delay := d.backoffDuration(nextAttempt)
	d.logger.Info().
		Str("thread", item.reply.ThreadID).
		Int("attempt", nextAttempt).
		Dur("delay", delay).
		Msg("scheduling reply retry")

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
			d.enqueueRetry(&queueItem{
				reply:   item.reply,
				attempt: nextAttempt,
			})
		case <-d.stopCh:
			return
		}
	}()
}

func (d *Dispatcher) enqueueRetry(item *queueItem) {
	for {
		select {
		case <-d.stopCh:
			return
		case d.queue <- item:
			return
		default:
			time.Sleep(100 * time.Millisecond)
		}
	}
}

func (d *Dispatcher) backoffDuration(attempt int) time.Duration {
	backoff := float64(d.cfg.InitialBackoff)
	for i := 2; i < attempt; i++ {
		backoff *= d.cfg.BackoffMultiplier
		if backoff >= float64(d.cfg.MaxBackoff) {
			return d.cfg.MaxBackoff
		}
	}
	return time.Duration(backoff)
}

// Shutdown gracefully stops the dispatcher
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.once.Do(func() {
		close(d.stopCh)
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.wg.Wait()
	}()

	select {
	case <-ctx.Done():
		return
	case <-done:
		return
	}
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{
		locks: make(map[string]*sync.Mutex),
	}
}

func (k *keyedMutex) Lock(key string) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
}

func (k *keyedMutex) Unlock(key string) {
	k.mu.Lock()
	m, ok := k.locks[key]
	k.mu.Unlock()

	if !ok {
		return
	}

	m.Unlock()
}
