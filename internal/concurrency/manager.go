// Package concurrency provides in-process try-locks keyed by name. The
// runner uses them to keep overlapping pass triggers from running the same
// pass twice in one process.
package concurrency

import "sync"

// Manager hands out non-blocking locks by key.
type Manager struct {
	locks sync.Map // map[string]chan struct{}
}

// NewManager creates a new concurrency manager
func NewManager() *Manager {
	return &Manager{}
}

// TryAcquire attempts to acquire the lock for key without blocking.
// Returns true if the lock was acquired, false if it is already held.
func (m *Manager) TryAcquire(key string) bool {
	// A buffered channel of size 1 acts as the semaphore.
	actual, _ := m.locks.LoadOrStore(key, make(chan struct{}, 1))
	ch := actual.(chan struct{})

	select {
	case ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release releases the lock for key.
// Safe to call even if the lock was never acquired or already released.
func (m *Manager) Release(key string) {
	if actual, ok := m.locks.Load(key); ok {
		ch := actual.(chan struct{})
		select {
		case <-ch:
		default:
		}
	}
}

// Held reports whether key is currently locked.
func (m *Manager) Held(key string) bool {
	actual, ok := m.locks.Load(key)
	if !ok {
		return false
	}
	return len(actual.(chan struct{})) == 1
}

// Do runs fn while holding key. It returns false without running fn when
// the lock is already held.
func (m *Manager) Do(key string, fn func()) bool {
	if !m.TryAcquire(key) {
		return false
	}
	defer m.Release(key)
	fn()
	return true
}
