package bridge

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cexll/ticketbridge/internal/upstream"
)

// Outcome is what a forward pass did with one ticket.
type Outcome string

const (
	OutcomeAnnounced Outcome = "announced"
	OutcomeRelayed   Outcome = "relayed"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeBusy      Outcome = "busy"      // another pass holds the claim
	OutcomeRecovered Outcome = "recovered" // marker without mapping, re-announced
	OutcomeFailed    Outcome = "failed"
)

// Stage names the step at which a ticket failed.
type Stage string

const (
	StageClaim     Stage = "claim"
	StageFetch     Stage = "fetch"
	StagePost      Stage = "post"
	StageCommit    Stage = "commit"
	StageLookup    Stage = "lookup"
	StageRelay     Stage = "relay"
	StageWatermark Stage = "watermark"
)

// TicketResult records the handling of one ticket within a pass.
type TicketResult struct {
	Ticket    string  `json:"ticket"`
	Outcome   Outcome `json:"outcome"`
	Relayed   int     `json:"relayed,omitempty"`
	Stage     Stage   `json:"stage,omitempty"`
	Error     string  `json:"error,omitempty"`
	Transient bool    `json:"transient,omitempty"`

	err error
}

// Err returns the failure, if any.
func (r TicketResult) Err() error {
	return r.err
}

// PassReport summarises a forward pass. Ticket failures never abort the
// pass; they are collected here instead.
type PassReport struct {
	ID         string         `json:"id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Listed     int            `json:"listed"`
	Results    []TicketResult `json:"results"`

	mu sync.Mutex
}

func newPassReport(id string, started time.Time) *PassReport {
	return &PassReport{ID: id, StartedAt: started}
}

func (r *PassReport) record(res TicketResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Results = append(r.Results, res)
}

func (r *PassReport) succeed(ticket string, outcome Outcome, relayed int) {
	r.record(TicketResult{Ticket: ticket, Outcome: outcome, Relayed: relayed})
}

func (r *PassReport) fail(ticket string, stage Stage, relayed int, err error) {
	r.record(TicketResult{
		Ticket:    ticket,
		Outcome:   OutcomeFailed,
		Relayed:   relayed,
		Stage:     stage,
		Error:     err.Error(),
		Transient: upstream.IsTransient(err),
		err:       err,
	})
}

func (r *PassReport) finish(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.FinishedAt = at
	sort.SliceStable(r.Results, func(i, j int) bool {
		return r.Results[i].Ticket < r.Results[j].Ticket
	})
}

// Count returns how many tickets ended with outcome.
func (r *PassReport) Count(outcome Outcome) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, res := range r.Results {
		if res.Outcome == outcome {
			n++
		}
	}
	return n
}

// RelayedComments is the number of comments posted into threads, including
// those posted before a later relay in the same ticket failed.
func (r *PassReport) RelayedComments() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, res := range r.Results {
		n += res.Relayed
	}
	return n
}

// Failures returns the failed ticket results.
func (r *PassReport) Failures() []TicketResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	var failed []TicketResult
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed {
			failed = append(failed, res)
		}
	}
	return failed
}

// Err joins all ticket failures, or returns nil.
func (r *PassReport) Err() error {
	var errs []error
	for _, res := range r.Failures() {
		errs = append(errs, fmt.Errorf("%s (%s): %w", res.Ticket, res.Stage, res.err))
	}
	return errors.Join(errs...)
}
