// Package passlog keeps a bounded in-memory history of forward passes for
// the status endpoints.
package passlog

import (
	"sort"
	"sync"
	"time"

	"github.com/cexll/ticketbridge/internal/bridge"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed" // every ticket succeeded
	StatusPartial   Status = "partial"   // some tickets failed
	StatusFailed    Status = "failed"    // the ticket list could not be read
	StatusSkipped   Status = "skipped"   // another pass was already running
)

// DefaultCapacity is the number of passes kept when none is given.
const DefaultCapacity = 100

type Pass struct {
	ID        string             `json:"id"`
	Trigger   string             `json:"trigger"`
	Status    Status             `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
	Error     string             `json:"error,omitempty"`
	Report    *bridge.PassReport `json:"report,omitempty"`
	Logs      []LogEntry         `json:"logs,omitempty"`
}

type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"` // info, error, success
	Message   string    `json:"message"`
}

type Store struct {
	mu       sync.RWMutex
	passes   map[string]*Pass
	capacity int
	now      func() time.Time
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		passes:   make(map[string]*Pass),
		capacity: capacity,
		now:      time.Now,
	}
}

// Create records a new pass and evicts the oldest ones beyond capacity.
func (s *Store) Create(pass *Pass) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	pass.CreatedAt = now
	pass.UpdatedAt = now
	if pass.Status == "" {
		pass.Status = StatusRunning
	}
	s.passes[pass.ID] = pass
	s.evictLocked()
}

func (s *Store) evictLocked() {
	if len(s.passes) <= s.capacity {
		return
	}
	ordered := s.sortedLocked()
	for _, p := range ordered[s.capacity:] {
		delete(s.passes, p.ID)
	}
}

// Get returns a copy of the pass.
func (s *Store) Get(id string) (Pass, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.passes[id]
	if !ok {
		return Pass{}, false
	}
	return clonePass(p), true
}

// List returns copies of all passes, newest first.
func (s *Store) List() []Pass {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ordered := s.sortedLocked()
	out := make([]Pass, len(ordered))
	for i, p := range ordered {
		out[i] = clonePass(p)
	}
	return out
}

func (s *Store) sortedLocked() []*Pass {
	passes := make([]*Pass, 0, len(s.passes))
	for _, p := range s.passes {
		passes = append(passes, p)
	}
	// Sort by created time descending
	sort.Slice(passes, func(i, j int) bool {
		if passes[i].CreatedAt.Equal(passes[j].CreatedAt) {
			return passes[i].ID > passes[j].ID
		}
		return passes[i].CreatedAt.After(passes[j].CreatedAt)
	})
	return passes
}

func clonePass(p *Pass) Pass {
	cp := *p
	cp.Logs = append([]LogEntry(nil), p.Logs...)
	return cp
}

func (s *Store) AddLog(id string, level, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.passes[id]; ok {
		now := s.now()
		p.Logs = append(p.Logs, LogEntry{Timestamp: now, Level: level, Message: message})
		p.UpdatedAt = now
	}
}

// Finish stores the outcome of a pass and derives its status.
func (s *Store) Finish(id string, report *bridge.PassReport, passErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.passes[id]
	if !ok {
		return
	}
	p.Report = report
	p.UpdatedAt = s.now()
	switch {
	case passErr != nil:
		p.Status = StatusFailed
		p.Error = passErr.Error()
	case report != nil && len(report.Failures()) > 0:
		p.Status = StatusPartial
		p.Error = report.Err().Error()
	default:
		p.Status = StatusCompleted
	}
}
