package mapping

import (
	"context"
	"sync"
	"time"
)

type marker struct {
	state     MarkerState
	claimedAt time.Time
}

// MemoryStore keeps all state in process memory. It is used by tests and by
// single-process deployments that can afford to re-announce after a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	mappings map[string]ThreadMapping
	threads  map[string]string // thread id -> ticket id
	markers  map[string]marker
	claimTTL time.Duration
}

// NewMemoryStore creates an empty store. A non-positive ttl selects
// DefaultClaimTTL.
func NewMemoryStore(claimTTL time.Duration) *MemoryStore {
	if claimTTL <= 0 {
		claimTTL = DefaultClaimTTL
	}
	return &MemoryStore{
		mappings: make(map[string]ThreadMapping),
		threads:  make(map[string]string),
		markers:  make(map[string]marker),
		claimTTL: claimTTL,
	}
}

func (s *MemoryStore) Claim(_ context.Context, ticketID string, now time.Time) (ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markers[ticketID]
	switch {
	case !ok:
	case m.state == MarkerDone:
		return ClaimProcessed, nil
	case now.Sub(m.claimedAt) < s.claimTTL:
		return ClaimBusy, nil
	}

	s.markers[ticketID] = marker{state: MarkerPending, claimedAt: now}
	return ClaimAcquired, nil
}

func (s *MemoryStore) Release(_ context.Context, ticketID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.markers[ticketID]; ok && m.state == MarkerPending {
		delete(s.markers, ticketID)
	}
	return nil
}

func (s *MemoryStore) Commit(_ context.Context, m ThreadMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.upsertLocked(m)
	s.markers[m.TicketID] = marker{state: MarkerDone, claimedAt: s.markers[m.TicketID].claimedAt}
	return nil
}

func (s *MemoryStore) Processed(_ context.Context, ticketID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.markers[ticketID].state == MarkerDone, nil
}

func (s *MemoryStore) Lookup(_ context.Context, ticketID string) (ThreadMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.mappings[ticketID]
	if !ok {
		return ThreadMapping{}, ErrNotFound
	}
	return m, nil
}

func (s *MemoryStore) LookupByThread(_ context.Context, threadID string) (ThreadMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ticketID, ok := s.threads[threadID]
	if !ok {
		return ThreadMapping{}, ErrNotFound
	}
	return s.mappings[ticketID], nil
}

func (s *MemoryStore) Upsert(_ context.Context, m ThreadMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(m)
	return nil
}

func (s *MemoryStore) upsertLocked(m ThreadMapping) {
	if prev, ok := s.mappings[m.TicketID]; ok && prev.ThreadID != m.ThreadID {
		delete(s.threads, prev.ThreadID)
	}
	s.mappings[m.TicketID] = m
	s.threads[m.ThreadID] = m.TicketID
}

func (s *MemoryStore) AdvanceWatermark(_ context.Context, ticketID string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.mappings[ticketID]
	if !ok {
		return ErrNotFound
	}
	if t.After(m.LastChecked) {
		m.LastChecked = t
		s.mappings[ticketID] = m
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
