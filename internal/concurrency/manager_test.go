package concurrency

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestManager_TryAcquire(t *testing.T) {
	m := NewManager()
	key := "forward-pass"

	if !m.TryAcquire(key) {
		t.Error("First TryAcquire should succeed")
	}
	if m.TryAcquire(key) {
		t.Error("Second TryAcquire should fail while lock is held")
	}

	m.Release(key)
	if !m.TryAcquire(key) {
		t.Error("TryAcquire should succeed after Release")
	}
	m.Release(key)
}

func TestManager_Release_Idempotent(t *testing.T) {
	m := NewManager()
	key := "forward-pass"

	// Release without acquiring should not panic
	m.Release(key)
	m.Release(key)

	m.TryAcquire(key)
	m.Release(key)
	m.Release(key)

	if !m.TryAcquire(key) {
		t.Error("TryAcquire should succeed after multiple releases")
	}
	m.Release(key)
}

func TestManager_Held(t *testing.T) {
	m := NewManager()

	if m.Held("forward-pass") {
		t.Fatal("unknown key should not be held")
	}
	m.TryAcquire("forward-pass")
	if !m.Held("forward-pass") {
		t.Fatal("acquired key should be held")
	}
	m.Release("forward-pass")
	if m.Held("forward-pass") {
		t.Fatal("released key should not be held")
	}
}

func TestManager_DoSkipsOverlappingRuns(t *testing.T) {
	m := NewManager()

	const callers = 10
	var (
		ran     atomic.Int32
		skipped atomic.Int32
		wg      sync.WaitGroup
	)
	start := make(chan struct{})

	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			<-start
			ok := m.Do("forward-pass", func() {
				ran.Add(1)
				time.Sleep(20 * time.Millisecond)
			})
			if !ok {
				skipped.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if ran.Load() < 1 {
		t.Fatal("at least one caller should have run")
	}
	if ran.Load()+skipped.Load() != callers {
		t.Fatalf("ran=%d skipped=%d, want total %d", ran.Load(), skipped.Load(), callers)
	}
	if m.Held("forward-pass") {
		t.Fatal("lock should be released after Do returns")
	}
}

func TestManager_DifferentKeys(t *testing.T) {
	m := NewManager()

	if !m.TryAcquire("forward-pass") {
		t.Error("TryAcquire for forward-pass should succeed")
	}
	if !m.TryAcquire("thread:1700000000.000100") {
		t.Error("TryAcquire for a second key should succeed")
	}
	if m.TryAcquire("forward-pass") {
		t.Error("forward-pass should still be locked")
	}

	m.Release("forward-pass")
	m.Release("thread:1700000000.000100")
}
