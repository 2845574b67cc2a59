// Package storetest is the conformance suite every mapping.Store backend
// runs from its own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cexll/ticketbridge/internal/mapping"
)

// Factory returns an empty store whose claims expire after claimTTL.
type Factory func(t *testing.T, claimTTL time.Duration) mapping.Store

// base is millisecond-aligned because backends persist millisecond precision.
var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("ClaimLifecycle", func(t *testing.T) { testClaimLifecycle(t, newStore) })
	t.Run("ReleaseAllowsRetry", func(t *testing.T) { testReleaseAllowsRetry(t, newStore) })
	t.Run("StaleClaimTakeover", func(t *testing.T) { testStaleClaimTakeover(t, newStore) })
	t.Run("ConcurrentClaims", func(t *testing.T) { testConcurrentClaims(t, newStore) })
	t.Run("LookupBothDirections", func(t *testing.T) { testLookupBothDirections(t, newStore) })
	t.Run("UpsertReplacesThread", func(t *testing.T) { testUpsertReplacesThread(t, newStore) })
	t.Run("WatermarkMonotonic", func(t *testing.T) { testWatermarkMonotonic(t, newStore) })
}

func testClaimLifecycle(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, time.Minute)

	processed, err := s.Processed(ctx, "PROJ-1")
	require.NoError(t, err)
	assert.False(t, processed)

	res, err := s.Claim(ctx, "PROJ-1", base)
	require.NoError(t, err)
	assert.Equal(t, mapping.ClaimAcquired, res)

	res, err = s.Claim(ctx, "PROJ-1", base.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, mapping.ClaimBusy, res, "live claim must block a second pass")

	processed, err = s.Processed(ctx, "PROJ-1")
	require.NoError(t, err)
	assert.False(t, processed, "pending claim is not a processed marker")

	require.NoError(t, s.Commit(ctx, mapping.ThreadMapping{TicketID: "PROJ-1", ThreadID: "1700000000.000100", LastChecked: base}))

	processed, err = s.Processed(ctx, "PROJ-1")
	require.NoError(t, err)
	assert.True(t, processed)

	res, err = s.Claim(ctx, "PROJ-1", base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, mapping.ClaimProcessed, res, "done marker must never be reclaimed")

	require.NoError(t, s.Release(ctx, "PROJ-1"))
	processed, err = s.Processed(ctx, "PROJ-1")
	require.NoError(t, err)
	assert.True(t, processed, "release must not drop a done marker")
}

func testReleaseAllowsRetry(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, time.Hour)

	res, err := s.Claim(ctx, "PROJ-2", base)
	require.NoError(t, err)
	require.Equal(t, mapping.ClaimAcquired, res)

	require.NoError(t, s.Release(ctx, "PROJ-2"))

	res, err = s.Claim(ctx, "PROJ-2", base.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, mapping.ClaimAcquired, res)

	require.NoError(t, s.Release(ctx, "never-claimed"))
}

func testStaleClaimTakeover(t *testing.T, newStore Factory) {
	ctx := context.Background()
	ttl := 30 * time.Second
	s := newStore(t, ttl)

	res, err := s.Claim(ctx, "PROJ-3", base)
	require.NoError(t, err)
	require.Equal(t, mapping.ClaimAcquired, res)

	res, err = s.Claim(ctx, "PROJ-3", base.Add(ttl-time.Second))
	require.NoError(t, err)
	assert.Equal(t, mapping.ClaimBusy, res)

	res, err = s.Claim(ctx, "PROJ-3", base.Add(ttl+time.Second))
	require.NoError(t, err)
	assert.Equal(t, mapping.ClaimAcquired, res, "expired claim must be taken over")

	res, err = s.Claim(ctx, "PROJ-3", base.Add(ttl+2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, mapping.ClaimBusy, res, "takeover renews the claim")
}

func testConcurrentClaims(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, time.Hour)

	const goroutines = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		acquired int
		errs     []error
	)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.Claim(ctx, "PROJ-RACE", base.Add(time.Duration(i)*time.Millisecond))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if res == mapping.ClaimAcquired {
				acquired++
			}
		}(i)
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Equal(t, 1, acquired, "exactly one concurrent claim may win")
}

func testLookupBothDirections(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, time.Minute)

	_, err := s.Lookup(ctx, "PROJ-4")
	assert.True(t, errors.Is(err, mapping.ErrNotFound), "Lookup() error = %v, want ErrNotFound", err)
	_, err = s.LookupByThread(ctx, "1700000000.000400")
	assert.True(t, errors.Is(err, mapping.ErrNotFound), "LookupByThread() error = %v, want ErrNotFound", err)

	want := mapping.ThreadMapping{TicketID: "PROJ-4", ThreadID: "1700000000.000400", LastChecked: base}
	_, err = s.Claim(ctx, want.TicketID, base)
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, want))

	got, err := s.Lookup(ctx, "PROJ-4")
	require.NoError(t, err)
	assertMapping(t, want, got)

	got, err = s.LookupByThread(ctx, "1700000000.000400")
	require.NoError(t, err)
	assertMapping(t, want, got)
}

func testUpsertReplacesThread(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, time.Minute)

	require.NoError(t, s.Upsert(ctx, mapping.ThreadMapping{TicketID: "PROJ-5", ThreadID: "old.1", LastChecked: base}))
	require.NoError(t, s.Upsert(ctx, mapping.ThreadMapping{TicketID: "PROJ-5", ThreadID: "new.2", LastChecked: base.Add(time.Minute)}))

	got, err := s.Lookup(ctx, "PROJ-5")
	require.NoError(t, err)
	assert.Equal(t, "new.2", got.ThreadID)

	_, err = s.LookupByThread(ctx, "old.1")
	assert.True(t, errors.Is(err, mapping.ErrNotFound), "replaced thread must not resolve, got %v", err)

	got, err = s.LookupByThread(ctx, "new.2")
	require.NoError(t, err)
	assert.Equal(t, "PROJ-5", got.TicketID)
}

func testWatermarkMonotonic(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, time.Minute)

	err := s.AdvanceWatermark(ctx, "PROJ-6", base)
	assert.True(t, errors.Is(err, mapping.ErrNotFound), "AdvanceWatermark() on unknown ticket = %v", err)

	require.NoError(t, s.Upsert(ctx, mapping.ThreadMapping{TicketID: "PROJ-6", ThreadID: "t.6", LastChecked: base}))

	steps := []struct {
		to   time.Time
		want time.Time
	}{
		{to: base.Add(10 * time.Second), want: base.Add(10 * time.Second)},
		{to: base.Add(5 * time.Second), want: base.Add(10 * time.Second)},
		{to: base.Add(10 * time.Second), want: base.Add(10 * time.Second)},
		{to: base.Add(time.Minute), want: base.Add(time.Minute)},
	}
	for i, step := range steps {
		t.Run(fmt.Sprintf("step%d", i), func(t *testing.T) {
			require.NoError(t, s.AdvanceWatermark(ctx, "PROJ-6", step.to))
			got, err := s.Lookup(ctx, "PROJ-6")
			require.NoError(t, err)
			assert.True(t, got.LastChecked.Equal(step.want), "LastChecked = %s, want %s", got.LastChecked, step.want)
		})
	}
}

func assertMapping(t *testing.T, want, got mapping.ThreadMapping) {
	t.Helper()
	assert.Equal(t, want.TicketID, got.TicketID)
	assert.Equal(t, want.ThreadID, got.ThreadID)
	assert.True(t, want.LastChecked.Equal(got.LastChecked), "LastChecked = %s, want %s", got.LastChecked, want.LastChecked)
}
