// Package mapping defines the durable routing table between tickets and chat
// threads, and the per-ticket marker that records whether the initial
// notification has been posted.
//
// All mutation goes through narrow single-ticket operations so that backends
// can implement each one as a single statement or a single-row transaction:
//
//   - Claim conditionally inserts a pending marker and is the commit point
//     that keeps two overlapping passes from announcing the same ticket.
//   - Commit records the mapping and flips the marker to done.
//   - Release drops a pending marker after a failed post.
//   - AdvanceWatermark only ever moves last_checked forward.
package mapping

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("mapping not found")

// ThreadMapping associates one ticket with the chat thread representing it.
type ThreadMapping struct {
	TicketID    string
	ThreadID    string
	LastChecked time.Time
}

// ClaimResult is the outcome of Store.Claim.
type ClaimResult int

const (
	// ClaimAcquired means the caller owns the ticket's announcement and must
	// either Commit or Release.
	ClaimAcquired ClaimResult = iota
	// ClaimProcessed means the initial notification was already posted.
	ClaimProcessed
	// ClaimBusy means another pass holds a live claim.
	ClaimBusy
)

func (r ClaimResult) String() string {
	switch r {
	case ClaimAcquired:
		return "acquired"
	case ClaimProcessed:
		return "processed"
	case ClaimBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// Store is the persisted state of the bridge. Implementations must be safe
// for concurrent use by multiple goroutines and processes.
type Store interface {
	// Claim tries to take the per-ticket announcement claim. A pending claim
	// older than the store's claim TTL may be taken over.
	Claim(ctx context.Context, ticketID string, now time.Time) (ClaimResult, error)
	// Release deletes a pending claim. Done markers are never removed.
	Release(ctx context.Context, ticketID string) error
	// Commit upserts m and marks the ticket processed in one transaction.
	Commit(ctx context.Context, m ThreadMapping) error
	// Processed reports whether the ticket's marker is done.
	Processed(ctx context.Context, ticketID string) (bool, error)

	// Lookup returns the mapping for a ticket or ErrNotFound.
	Lookup(ctx context.Context, ticketID string) (ThreadMapping, error)
	// LookupByThread returns the mapping owning a thread or ErrNotFound.
	LookupByThread(ctx context.Context, threadID string) (ThreadMapping, error)
	// Upsert writes m, replacing any mapping for the same ticket.
	Upsert(ctx context.Context, m ThreadMapping) error
	// AdvanceWatermark sets last_checked to t when t is later than the stored
	// value. Returns ErrNotFound if the ticket has no mapping.
	AdvanceWatermark(ctx context.Context, ticketID string, t time.Time) error

	Close() error
}

// DefaultClaimTTL bounds how long a crashed pass can block a ticket.
const DefaultClaimTTL = 10 * time.Minute

// MarkerState is the persisted state of a ticket_checks row.
type MarkerState string

const (
	MarkerPending MarkerState = "pending"
	MarkerDone    MarkerState = "done"
)
