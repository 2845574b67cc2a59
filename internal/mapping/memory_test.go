package mapping_test

import (
	"testing"
	"time"

	"github.com/cexll/ticketbridge/internal/mapping"
	"github.com/cexll/ticketbridge/internal/mapping/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T, claimTTL time.Duration) mapping.Store {
		return mapping.NewMemoryStore(claimTTL)
	})
}

func TestClaimResult_String(t *testing.T) {
	tests := map[mapping.ClaimResult]string{
		mapping.ClaimAcquired:  "acquired",
		mapping.ClaimProcessed: "processed",
		mapping.ClaimBusy:      "busy",
		mapping.ClaimResult(9): "unknown",
	}
	for res, want := range tests {
		if got := res.String(); got != want {
			t.Errorf("ClaimResult(%d).String() = %q, want %q", int(res), got, want)
		}
	}
}
