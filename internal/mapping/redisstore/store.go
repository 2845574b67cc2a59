// Package redisstore keeps the ticket/thread routing table in Redis. Every
// multi-key mutation runs as a Lua script so concurrent pollers observe it
// atomically.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cexll/ticketbridge/internal/mapping"
)

const defaultPrefix = "ticketbridge:"

// Config holds the connection parameters for the store.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	ClaimTTL time.Duration
	Logger   zerolog.Logger
}

// Store is a mapping.Store backed by Redis hashes.
//
//	<prefix>map:<ticket>     hash {thread, last_checked}
//	<prefix>thread:<thread>  string ticket id
//	<prefix>check:<ticket>   hash {state, claimed_at, last_checked}
type Store struct {
	client   *redis.Client
	prefix   string
	claimTTL time.Duration
	logger   zerolog.Logger
}

var _ mapping.Store = (*Store)(nil)

// KEYS[1] check key. ARGV now, stale cutoff (ms).
// Returns 1 acquired, 2 processed, 3 taken over, 0 busy.
var claimScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
	redis.call('HSET', KEYS[1], 'state', 'pending', 'claimed_at', ARGV[1], 'last_checked', ARGV[1])
	return 1
end
if state == 'done' then
	return 2
end
local claimed = tonumber(redis.call('HGET', KEYS[1], 'claimed_at'))
if claimed == nil or claimed <= tonumber(ARGV[2]) then
	redis.call('HSET', KEYS[1], 'claimed_at', ARGV[1], 'last_checked', ARGV[1])
	return 3
end
return 0
`)

// KEYS[1] check key.
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') == 'pending' then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// KEYS[1] map key, KEYS[2] new thread key, KEYS[3] check key (optional).
// ARGV ticket, thread, last_checked, reverse key prefix.
var upsertScript = redis.NewScript(`
local old = redis.call('HGET', KEYS[1], 'thread')
if old and old ~= ARGV[2] then
	local oldKey = ARGV[4] .. old
	if redis.call('GET', oldKey) == ARGV[1] then
		redis.call('DEL', oldKey)
	end
end
redis.call('HSET', KEYS[1], 'thread', ARGV[2], 'last_checked', ARGV[3])
redis.call('SET', KEYS[2], ARGV[1])
if KEYS[3] then
	redis.call('HSET', KEYS[3], 'state', 'done', 'last_checked', ARGV[3])
	if redis.call('HEXISTS', KEYS[3], 'claimed_at') == 0 then
		redis.call('HSET', KEYS[3], 'claimed_at', ARGV[3])
	end
end
return 1
`)

// KEYS[1] map key. ARGV candidate watermark (ms).
// Returns -1 when the mapping does not exist.
var watermarkScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'last_checked')
if not current then
	return -1
end
if tonumber(current) < tonumber(ARGV[1]) then
	redis.call('HSET', KEYS[1], 'last_checked', ARGV[1])
	return 1
end
return 0
`)

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisstore: ping %s: %w", cfg.Addr, err)
	}

	s := New(client, cfg.Prefix, cfg.ClaimTTL, cfg.Logger)
	s.logger.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("redis mapping store opened")
	return s, nil
}

// New wraps an existing client. Close closes the client.
func New(client *redis.Client, prefix string, claimTTL time.Duration, logger zerolog.Logger) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if claimTTL <= 0 {
		claimTTL = mapping.DefaultClaimTTL
	}
	return &Store{client: client, prefix: prefix, claimTTL: claimTTL, logger: logger}
}

func (s *Store) mapKey(ticketID string) string    { return s.prefix + "map:" + ticketID }
func (s *Store) threadKey(threadID string) string { return s.prefix + "thread:" + threadID }
func (s *Store) checkKey(ticketID string) string  { return s.prefix + "check:" + ticketID }

func (s *Store) Claim(ctx context.Context, ticketID string, now time.Time) (mapping.ClaimResult, error) {
	res, err := claimScript.Run(ctx, s.client, []string{s.checkKey(ticketID)},
		now.UnixMilli(), now.Add(-s.claimTTL).UnixMilli()).Int()
	if err != nil {
		return mapping.ClaimBusy, fmt.Errorf("redisstore: claim %s: %w", ticketID, err)
	}
	switch res {
	case 1:
		return mapping.ClaimAcquired, nil
	case 3:
		s.logger.Warn().Str("ticket", ticketID).Msg("took over expired announcement claim")
		return mapping.ClaimAcquired, nil
	case 2:
		return mapping.ClaimProcessed, nil
	default:
		return mapping.ClaimBusy, nil
	}
}

func (s *Store) Release(ctx context.Context, ticketID string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.checkKey(ticketID)}).Err(); err != nil {
		return fmt.Errorf("redisstore: release %s: %w", ticketID, err)
	}
	return nil
}

func (s *Store) Commit(ctx context.Context, m mapping.ThreadMapping) error {
	keys := []string{s.mapKey(m.TicketID), s.threadKey(m.ThreadID), s.checkKey(m.TicketID)}
	if err := s.runUpsert(ctx, keys, m); err != nil {
		return fmt.Errorf("redisstore: commit %s: %w", m.TicketID, err)
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, m mapping.ThreadMapping) error {
	keys := []string{s.mapKey(m.TicketID), s.threadKey(m.ThreadID)}
	if err := s.runUpsert(ctx, keys, m); err != nil {
		return fmt.Errorf("redisstore: upsert %s: %w", m.TicketID, err)
	}
	return nil
}

func (s *Store) runUpsert(ctx context.Context, keys []string, m mapping.ThreadMapping) error {
	return upsertScript.Run(ctx, s.client, keys,
		m.TicketID, m.ThreadID, m.LastChecked.UnixMilli(), s.prefix+"thread:").Err()
}

func (s *Store) Processed(ctx context.Context, ticketID string) (bool, error) {
	state, err := s.client.HGet(ctx, s.checkKey(ticketID), "state").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redisstore: processed %s: %w", ticketID, err)
	}
	return mapping.MarkerState(state) == mapping.MarkerDone, nil
}

func (s *Store) Lookup(ctx context.Context, ticketID string) (mapping.ThreadMapping, error) {
	fields, err := s.client.HGetAll(ctx, s.mapKey(ticketID)).Result()
	if err != nil {
		return mapping.ThreadMapping{}, fmt.Errorf("redisstore: lookup %s: %w", ticketID, err)
	}
	if len(fields) == 0 {
		return mapping.ThreadMapping{}, mapping.ErrNotFound
	}
	ms, err := strconv.ParseInt(fields["last_checked"], 10, 64)
	if err != nil {
		return mapping.ThreadMapping{}, fmt.Errorf("redisstore: lookup %s: bad last_checked %q: %w", ticketID, fields["last_checked"], err)
	}
	return mapping.ThreadMapping{
		TicketID:    ticketID,
		ThreadID:    fields["thread"],
		LastChecked: time.UnixMilli(ms).UTC(),
	}, nil
}

func (s *Store) LookupByThread(ctx context.Context, threadID string) (mapping.ThreadMapping, error) {
	ticketID, err := s.client.Get(ctx, s.threadKey(threadID)).Result()
	if errors.Is(err, redis.Nil) {
		return mapping.ThreadMapping{}, mapping.ErrNotFound
	}
	if err != nil {
		return mapping.ThreadMapping{}, fmt.Errorf("redisstore: lookup thread %s: %w", threadID, err)
	}
	return s.Lookup(ctx, ticketID)
}

func (s *Store) AdvanceWatermark(ctx context.Context, ticketID string, t time.Time) error {
	res, err := watermarkScript.Run(ctx, s.client, []string{s.mapKey(ticketID)}, t.UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("redisstore: advance watermark %s: %w", ticketID, err)
	}
	if res < 0 {
		return mapping.ErrNotFound
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
