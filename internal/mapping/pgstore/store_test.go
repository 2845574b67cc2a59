package pgstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cexll/ticketbridge/internal/mapping"
	"github.com/cexll/ticketbridge/internal/mapping/storetest"
)

func TestStore_Conformance(t *testing.T) {
	dsn := os.Getenv("TICKETBRIDGE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TICKETBRIDGE_TEST_POSTGRES_DSN not set")
	}

	storetest.Run(t, func(t *testing.T, claimTTL time.Duration) mapping.Store {
		ctx := context.Background()
		pool, err := pgxpool.New(ctx, dsn)
		require.NoError(t, err)
		t.Cleanup(pool.Close)

		s, err := New(ctx, pool, claimTTL, zerolog.Nop())
		require.NoError(t, err)
		_, err = pool.Exec(ctx, `TRUNCATE thread_mappings, ticket_checks`)
		require.NoError(t, err)
		return s
	})
}
