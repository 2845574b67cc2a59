// Package pgstore persists the ticket/thread routing table in PostgreSQL.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/cexll/ticketbridge/internal/mapping"
)

const schema = `
CREATE TABLE IF NOT EXISTS thread_mappings (
	ticket_id    TEXT PRIMARY KEY,
	thread_id    TEXT NOT NULL,
	last_checked TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_thread_mappings_thread_id ON thread_mappings (thread_id);
CREATE TABLE IF NOT EXISTS ticket_checks (
	ticket_id    TEXT PRIMARY KEY,
	state        TEXT NOT NULL,
	claimed_at   TIMESTAMPTZ NOT NULL,
	last_checked TIMESTAMPTZ NOT NULL
);
`

// Store is a mapping.Store backed by a pgx connection pool.
type Store struct {
	pool     *pgxpool.Pool
	ownsPool bool
	claimTTL time.Duration
	logger   zerolog.Logger
}

var _ mapping.Store = (*Store)(nil)

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string, claimTTL time.Duration, logger zerolog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: failed to create connection pool: %w", err)
	}
	s, err := New(ctx, pool, claimTTL, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.ownsPool = true
	return s, nil
}

// New wraps an existing pool. The caller keeps ownership of the pool.
func New(ctx context.Context, pool *pgxpool.Pool, claimTTL time.Duration, logger zerolog.Logger) (*Store, error) {
	if claimTTL <= 0 {
		claimTTL = mapping.DefaultClaimTTL
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("pgstore: applying schema: %w", err)
	}
	return &Store{pool: pool, claimTTL: claimTTL, logger: logger}, nil
}

// Pool exposes the underlying pool so the job scheduler can share it.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) Claim(ctx context.Context, ticketID string, now time.Time) (mapping.ClaimResult, error) {
	// A conflicting row is only overwritten when it is a pending claim older
	// than the TTL.
	var inserted bool
	err := s.pool.QueryRow(ctx, `
		INSERT INTO ticket_checks (ticket_id, state, claimed_at, last_checked)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (ticket_id) DO UPDATE
			SET claimed_at = EXCLUDED.claimed_at, last_checked = EXCLUDED.last_checked
			WHERE ticket_checks.state = $2 AND ticket_checks.claimed_at <= $4
		RETURNING (xmax = 0)`,
		ticketID, string(mapping.MarkerPending), now.UTC(), now.Add(-s.claimTTL).UTC(),
	).Scan(&inserted)
	switch {
	case err == nil:
		if !inserted {
			s.logger.Warn().Str("ticket", ticketID).Msg("took over expired announcement claim")
		}
		return mapping.ClaimAcquired, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return mapping.ClaimBusy, fmt.Errorf("pgstore: claim %s: %w", ticketID, err)
	}

	var state string
	err = s.pool.QueryRow(ctx, `SELECT state FROM ticket_checks WHERE ticket_id = $1`, ticketID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return mapping.ClaimBusy, nil
	}
	if err != nil {
		return mapping.ClaimBusy, fmt.Errorf("pgstore: claim state %s: %w", ticketID, err)
	}
	if mapping.MarkerState(state) == mapping.MarkerDone {
		return mapping.ClaimProcessed, nil
	}
	return mapping.ClaimBusy, nil
}

func (s *Store) Release(ctx context.Context, ticketID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM ticket_checks WHERE ticket_id = $1 AND state = $2`,
		ticketID, string(mapping.MarkerPending))
	if err != nil {
		return fmt.Errorf("pgstore: release %s: %w", ticketID, err)
	}
	return nil
}

func (s *Store) Commit(ctx context.Context, m mapping.ThreadMapping) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := upsert(ctx, tx, m); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO ticket_checks (ticket_id, state, claimed_at, last_checked)
			VALUES ($1, $2, $3, $3)
			ON CONFLICT (ticket_id) DO UPDATE
				SET state = EXCLUDED.state, last_checked = EXCLUDED.last_checked`,
			m.TicketID, string(mapping.MarkerDone), m.LastChecked.UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("pgstore: commit %s: %w", m.TicketID, err)
	}
	return nil
}

func (s *Store) Processed(ctx context.Context, ticketID string) (bool, error) {
	var done bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM ticket_checks WHERE ticket_id = $1 AND state = $2)`,
		ticketID, string(mapping.MarkerDone)).Scan(&done)
	if err != nil {
		return false, fmt.Errorf("pgstore: processed %s: %w", ticketID, err)
	}
	return done, nil
}

func (s *Store) Lookup(ctx context.Context, ticketID string) (mapping.ThreadMapping, error) {
	return s.lookup(ctx, `SELECT ticket_id, thread_id, last_checked FROM thread_mappings WHERE ticket_id = $1`, ticketID)
}

func (s *Store) LookupByThread(ctx context.Context, threadID string) (mapping.ThreadMapping, error) {
	return s.lookup(ctx, `SELECT ticket_id, thread_id, last_checked FROM thread_mappings WHERE thread_id = $1 LIMIT 1`, threadID)
}

func (s *Store) lookup(ctx context.Context, query, key string) (mapping.ThreadMapping, error) {
	var m mapping.ThreadMapping
	err := s.pool.QueryRow(ctx, query, key).Scan(&m.TicketID, &m.ThreadID, &m.LastChecked)
	if errors.Is(err, pgx.ErrNoRows) {
		return mapping.ThreadMapping{}, mapping.ErrNotFound
	}
	if err != nil {
		return mapping.ThreadMapping{}, fmt.Errorf("pgstore: lookup %s: %w", key, err)
	}
	m.LastChecked = m.LastChecked.UTC()
	return m, nil
}

func (s *Store) Upsert(ctx context.Context, m mapping.ThreadMapping) error {
	if err := upsert(ctx, s.pool, m); err != nil {
		return fmt.Errorf("pgstore: upsert %s: %w", m.TicketID, err)
	}
	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func upsert(ctx context.Context, db execer, m mapping.ThreadMapping) error {
	_, err := db.Exec(ctx, `
		INSERT INTO thread_mappings (ticket_id, thread_id, last_checked)
		VALUES ($1, $2, $3)
		ON CONFLICT (ticket_id) DO UPDATE
			SET thread_id = EXCLUDED.thread_id, last_checked = EXCLUDED.last_checked`,
		m.TicketID, m.ThreadID, m.LastChecked.UTC())
	return err
}

func (s *Store) AdvanceWatermark(ctx context.Context, ticketID string, t time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE thread_mappings SET last_checked = GREATEST(last_checked, $2) WHERE ticket_id = $1`,
		ticketID, t.UTC())
	if err != nil {
		return fmt.Errorf("pgstore: advance watermark %s: %w", ticketID, err)
	}
	if tag.RowsAffected() == 0 {
		return mapping.ErrNotFound
	}
	return nil
}

// Close releases the pool when the store opened it.
func (s *Store) Close() error {
	if s.ownsPool {
		s.pool.Close()
	}
	return nil
}
