// Package web serves the pass history and a manual pass trigger as JSON.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/cexll/ticketbridge/internal/bridge"
	"github.com/cexll/ticketbridge/internal/passlog"
	"github.com/cexll/ticketbridge/internal/scheduler"
)

// PassTrigger starts a forward pass.
type PassTrigger interface {
	Run(ctx context.Context, trigger string) (*bridge.PassReport, error)
	Running() bool
}

// Handler handles status requests
type Handler struct {
	passes *passlog.Store
	runner PassTrigger
	logger zerolog.Logger

	// ctx bounds manual passes; it is cancelled when the server stops.
	ctx context.Context
	wg  sync.WaitGroup

	// background runs manual passes; tests replace it to run inline.
	background func(func())
}

// NewHandler creates a new web handler. Manual passes run on ctx.
func NewHandler(ctx context.Context, passes *passlog.Store, runner PassTrigger, logger zerolog.Logger) *Handler {
	h := &Handler{
		passes: passes,
		runner: runner,
		logger: logger.With().Str("component", "web").Logger(),
		ctx:    ctx,
	}
	h.background = func(fn func()) {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			fn()
		}()
	}
	return h
}

// Wait blocks until manual passes started by the handler have returned.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// RegisterRoutes registers status routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/passes", h.handlePassList).Methods(http.MethodGet)
	r.HandleFunc("/passes/{id}", h.handlePassDetail).Methods(http.MethodGet)
	r.HandleFunc("/poll", h.handlePoll).Methods(http.MethodPost)
}

func (h *Handler) handlePassList(w http.ResponseWriter, r *http.Request) {
	passes := h.passes.List()
	summaries := make([]passSummary, len(passes))
	for i, p := range passes {
		summaries[i] = summarize(p)
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"passes": summaries})
}

func (h *Handler) handlePassDetail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	pass, ok := h.passes.Get(id)
	if !ok {
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "pass not found"})
		return
	}
	h.writeJSON(w, http.StatusOK, pass)
}

func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request) {
	if h.runner.Running() {
		h.writeJSON(w, http.StatusConflict, map[string]string{"status": "running"})
		return
	}
	h.background(func() {
		_, err := h.runner.Run(h.ctx, "manual")
		if err != nil && !errors.Is(err, scheduler.ErrPassRunning) {
			h.logger.Error().Err(err).Msg("manual forward pass failed")
		}
	})
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// passSummary is the list view of a pass; the detail view carries the
// per-ticket results and logs.
type passSummary struct {
	ID       string         `json:"id"`
	Trigger  string         `json:"trigger"`
	Status   passlog.Status `json:"status"`
	Started  string         `json:"started_at"`
	Updated  string         `json:"updated_at"`
	Listed   int            `json:"listed"`
	Failures int            `json:"failures"`
	Relayed  int            `json:"relayed_comments"`
	Error    string         `json:"error,omitempty"`
}

func summarize(p passlog.Pass) passSummary {
	s := passSummary{
		ID:      p.ID,
		Trigger: p.Trigger,
		Status:  p.Status,
		Started: p.CreatedAt.UTC().Format(time.RFC3339),
		Updated: p.UpdatedAt.UTC().Format(time.RFC3339),
		Error:   p.Error,
	}
	if p.Report != nil {
		s.Listed = p.Report.Listed
		s.Failures = len(p.Report.Failures())
		s.Relayed = p.Report.RelayedComments()
	}
	return s
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error().Err(err).Msg("error writing response")
	}
}
