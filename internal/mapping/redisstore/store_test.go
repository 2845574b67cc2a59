package redisstore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cexll/ticketbridge/internal/mapping"
	"github.com/cexll/ticketbridge/internal/mapping/storetest"
)

func TestStore_Conformance(t *testing.T) {
	addr := os.Getenv("TICKETBRIDGE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TICKETBRIDGE_TEST_REDIS_ADDR not set")
	}

	storetest.Run(t, func(t *testing.T, claimTTL time.Duration) mapping.Store {
		client := redis.NewClient(&redis.Options{Addr: addr})
		require.NoError(t, client.Ping(context.Background()).Err())

		// A fresh prefix per subtest keeps runs isolated without FLUSHDB.
		prefix := fmt.Sprintf("ticketbridge-test:%s:", uuid.NewString())
		s := New(client, prefix, claimTTL, zerolog.Nop())
		t.Cleanup(func() {
			keys, _ := client.Keys(context.Background(), prefix+"*").Result()
			if len(keys) > 0 {
				client.Del(context.Background(), keys...)
			}
			_ = s.Close()
		})
		return s
	})
}
