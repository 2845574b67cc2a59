// Package webhook receives Slack Events API requests. It authenticates each
// request, answers the endpoint handshake, and queues counterpart replies in
// mapped threads for the dispatcher.
package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cexll/ticketbridge/internal/chat"
)

// maxBodyBytes bounds the request body read before authentication.
const maxBodyBytes = 1 << 20

// ReplyDispatcher enqueues replies for asynchronous relay.
type ReplyDispatcher interface {
	Enqueue(reply *Reply) error
}

// Config holds the identities and secret the handler checks events against.
type Config struct {
	SigningSecret string
	ChannelID     string

	// CounterpartUserID is the only author whose replies are relayed.
	CounterpartUserID string
	// BotUserID is our own bot user, never relayed even if it matches.
	BotUserID string

	// MaxSkew rejects requests whose timestamp is further than this from
	// now. Zero disables the check.
	MaxSkew  time.Duration
	DedupTTL time.Duration
}

// Handler handles Slack Events API requests.
type Handler struct {
	cfg        Config
	dispatcher ReplyDispatcher
	deduper    *eventDeduper
	logger     zerolog.Logger
	now        func() time.Time
}

// NewHandler creates a new webhook handler
func NewHandler(cfg Config, dispatcher ReplyDispatcher, logger zerolog.Logger) *Handler {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 12 * time.Hour
	}
	return &Handler{
		cfg:        cfg,
		dispatcher: dispatcher,
		deduper:    newEventDeduper(cfg.DedupTTL),
		logger:     logger.With().Str("component", "webhook").Logger(),
		now:        time.Now,
	}
}

// Handle authenticates and processes one Events API request.
func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// 1. Check signature headers
	signature := r.Header.Get(chat.HeaderSignature)
	timestamp := r.Header.Get(chat.HeaderTimestamp)
	if signature == "" || timestamp == "" {
		h.logger.Warn().Msg("request without signature headers rejected")
		http.Error(w, "Missing signature", http.StatusUnauthorized)
		return
	}

	// 2. Read payload
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.logger.Error().Err(err).Msg("error reading payload")
		http.Error(w, "Error reading payload", http.StatusBadRequest)
		return
	}

	// 3. Verify signature and freshness
	if !chat.VerifySignature(signature, timestamp, payload, h.cfg.SigningSecret) {
		h.logger.Warn().Msg("signature verification failed")
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}
	if err := chat.CheckTimestamp(timestamp, h.now(), h.cfg.MaxSkew); err != nil {
		h.logger.Warn().Err(err).Msg("stale request rejected")
		http.Error(w, "Invalid timestamp", http.StatusUnauthorized)
		return
	}

	// 4. Parse envelope
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		h.logger.Warn().Err(err).Msg("error parsing event envelope")
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	switch env.Type {
	case envelopeURLVerification:
		h.writeJSON(w, http.StatusOK, map[string]string{"challenge": env.Challenge})
	case envelopeEventCallback:
		h.handleEventCallback(w, &env)
	default:
		h.logger.Debug().Str("type", env.Type).Msg("envelope type ignored")
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	}
}

func (h *Handler) handleEventCallback(w http.ResponseWriter, env *envelope) {
	reply, reason := h.replyFromEvent(env)
	if reply == nil {
		h.logger.Debug().Str("event_id", env.EventID).Str("reason", reason).Msg("event ignored")
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": reason})
		return
	}

	if env.EventID != "" && !h.deduper.markIfNew(env.EventID) {
		h.logger.Info().Str("event_id", env.EventID).Msg("duplicate event ignored")
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	if err := h.dispatcher.Enqueue(reply); err != nil {
		if env.EventID != "" {
			h.deduper.forget(env.EventID)
		}
		h.logger.Error().Err(err).Str("event_id", env.EventID).Msg("failed to enqueue reply")
		status := http.StatusInternalServerError
		if errors.Is(err, ErrQueueFull) || errors.Is(err, ErrQueueClosed) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, "Failed to enqueue", status)
		return
	}

	h.logger.Info().
		Str("event_id", env.EventID).
		Str("thread", reply.ThreadID).
		Msg("reply queued")
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

// replyFromEvent returns the reply carried by env, or nil and the reason it
// is not relayed.
func (h *Handler) replyFromEvent(env *envelope) (*Reply, string) {
	ev := env.Event
	switch {
	case ev == nil:
		return nil, "no event"
	case ev.Type != "message":
		return nil, "not a message"
	case ev.Subtype != "" || ev.BotID != "":
		return nil, "bot or system message"
	case ev.ThreadTS == "" || ev.ThreadTS == ev.TS:
		return nil, "not a thread reply"
	case h.cfg.ChannelID != "" && ev.Channel != h.cfg.ChannelID:
		return nil, "other channel"
	case ev.User == "" || ev.User != h.cfg.CounterpartUserID:
		return nil, "not the counterpart"
	case h.cfg.BotUserID != "" && ev.User == h.cfg.BotUserID:
		return nil, "own message"
	case strings.TrimSpace(ev.Text) == "":
		return nil, "empty text"
	}
	return &Reply{
		EventID:  env.EventID,
		ThreadID: ev.ThreadTS,
		AuthorID: ev.User,
		Text:     ev.Text,
	}, ""
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error().Err(err).Msg("error writing response")
	}
}
