// Package sqlitestore persists the ticket/thread routing table in a SQLite
// database file using a fixed-size connection pool.
package sqlitestore

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/cexll/ticketbridge/internal/mapping"
)

const schema = `
CREATE TABLE IF NOT EXISTS thread_mappings (
	ticket_id    TEXT PRIMARY KEY,
	thread_id    TEXT NOT NULL,
	last_checked INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_thread_mappings_thread_id ON thread_mappings (thread_id);
CREATE TABLE IF NOT EXISTS ticket_checks (
	ticket_id    TEXT PRIMARY KEY,
	state        TEXT NOT NULL,
	claimed_at   INTEGER NOT NULL,
	last_checked INTEGER NOT NULL
);
`

// Config holds the parameters for opening the store. Path is required.
type Config struct {
	Path     string
	PoolSize int
	ClaimTTL time.Duration
	Logger   zerolog.Logger
}

// Store is a mapping.Store backed by SQLite.
type Store struct {
	pool     *sqlitex.Pool
	claimTTL time.Duration
	logger   zerolog.Logger
	path     string
}

var _ mapping.Store = (*Store)(nil)

// Open opens (creating if needed) the database at cfg.Path and applies the
// schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlitestore: Path is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}
	claimTTL := cfg.ClaimTTL
	if claimTTL <= 0 {
		claimTTL = mapping.DefaultClaimTTL
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: opening %s: %w", cfg.Path, err)
	}

	s := &Store{pool: pool, claimTTL: claimTTL, logger: cfg.Logger, path: cfg.Path}
	if err := s.migrate(ctx); err != nil {
		_ = pool.Close()
		return nil, err
	}

	s.logger.Info().Str("path", cfg.Path).Int("pool_size", poolSize).Msg("sqlite mapping store opened")
	return s, nil
}

// prepareConnection runs once per pooled connection.
func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitestore: %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlitestore: take: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("sqlitestore: applying schema: %w", err)
	}
	return nil
}

func (s *Store) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: take: %w", err)
	}
	return conn, nil
}

func (s *Store) Claim(ctx context.Context, ticketID string, now time.Time) (mapping.ClaimResult, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return mapping.ClaimBusy, err
	}
	defer s.pool.Put(conn)

	nowMs := now.UnixMilli()
	err = sqlitex.Execute(conn,
		`INSERT INTO ticket_checks (ticket_id, state, claimed_at, last_checked)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (ticket_id) DO NOTHING`,
		&sqlitex.ExecOptions{Args: []any{ticketID, string(mapping.MarkerPending), nowMs, nowMs}})
	if err != nil {
		return mapping.ClaimBusy, fmt.Errorf("sqlitestore: claim %s: %w", ticketID, err)
	}
	if conn.Changes() == 1 {
		return mapping.ClaimAcquired, nil
	}

	// Take over a pending claim left behind by a pass that died mid-flight.
	err = sqlitex.Execute(conn,
		`UPDATE ticket_checks SET claimed_at = ?, last_checked = ?
		 WHERE ticket_id = ? AND state = ? AND claimed_at <= ?`,
		&sqlitex.ExecOptions{Args: []any{nowMs, nowMs, ticketID, string(mapping.MarkerPending), now.Add(-s.claimTTL).UnixMilli()}})
	if err != nil {
		return mapping.ClaimBusy, fmt.Errorf("sqlitestore: claim takeover %s: %w", ticketID, err)
	}
	if conn.Changes() == 1 {
		s.logger.Warn().Str("ticket", ticketID).Msg("took over expired announcement claim")
		return mapping.ClaimAcquired, nil
	}

	var state string
	err = sqlitex.Execute(conn, `SELECT state FROM ticket_checks WHERE ticket_id = ?`, &sqlitex.ExecOptions{
		Args: []any{ticketID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			state = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		return mapping.ClaimBusy, fmt.Errorf("sqlitestore: claim state %s: %w", ticketID, err)
	}
	if mapping.MarkerState(state) == mapping.MarkerDone {
		return mapping.ClaimProcessed, nil
	}
	return mapping.ClaimBusy, nil
}

func (s *Store) Release(ctx context.Context, ticketID string) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM ticket_checks WHERE ticket_id = ? AND state = ?`,
		&sqlitex.ExecOptions{Args: []any{ticketID, string(mapping.MarkerPending)}})
	if err != nil {
		return fmt.Errorf("sqlitestore: release %s: %w", ticketID, err)
	}
	return nil
}

func (s *Store) Commit(ctx context.Context, m mapping.ThreadMapping) (err error) {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlitestore: commit %s: begin: %w", m.TicketID, err)
	}
	defer endFn(&err)

	if err := upsert(conn, m); err != nil {
		return err
	}

	checked := m.LastChecked.UnixMilli()
	err = sqlitex.Execute(conn,
		`INSERT INTO ticket_checks (ticket_id, state, claimed_at, last_checked)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (ticket_id) DO UPDATE SET state = excluded.state, last_checked = excluded.last_checked`,
		&sqlitex.ExecOptions{Args: []any{m.TicketID, string(mapping.MarkerDone), checked, checked}})
	if err != nil {
		return fmt.Errorf("sqlitestore: commit %s: marker: %w", m.TicketID, err)
	}
	return nil
}

func (s *Store) Processed(ctx context.Context, ticketID string) (bool, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	done := false
	err = sqlitex.Execute(conn, `SELECT 1 FROM ticket_checks WHERE ticket_id = ? AND state = ?`, &sqlitex.ExecOptions{
		Args: []any{ticketID, string(mapping.MarkerDone)},
		ResultFunc: func(*sqlite.Stmt) error {
			done = true
			return nil
		},
	})
	if err != nil {
		return false, fmt.Errorf("sqlitestore: processed %s: %w", ticketID, err)
	}
	return done, nil
}

func (s *Store) Lookup(ctx context.Context, ticketID string) (mapping.ThreadMapping, error) {
	return s.lookup(ctx, `SELECT ticket_id, thread_id, last_checked FROM thread_mappings WHERE ticket_id = ?`, ticketID)
}

func (s *Store) LookupByThread(ctx context.Context, threadID string) (mapping.ThreadMapping, error) {
	return s.lookup(ctx, `SELECT ticket_id, thread_id, last_checked FROM thread_mappings WHERE thread_id = ? LIMIT 1`, threadID)
}

func (s *Store) lookup(ctx context.Context, query, key string) (mapping.ThreadMapping, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return mapping.ThreadMapping{}, err
	}
	defer s.pool.Put(conn)

	var (
		m     mapping.ThreadMapping
		found bool
	)
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			m = mapping.ThreadMapping{
				TicketID:    stmt.ColumnText(0),
				ThreadID:    stmt.ColumnText(1),
				LastChecked: time.UnixMilli(stmt.ColumnInt64(2)).UTC(),
			}
			return nil
		},
	})
	if err != nil {
		return mapping.ThreadMapping{}, fmt.Errorf("sqlitestore: lookup %s: %w", key, err)
	}
	if !found {
		return mapping.ThreadMapping{}, mapping.ErrNotFound
	}
	return m, nil
}

func (s *Store) Upsert(ctx context.Context, m mapping.ThreadMapping) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return upsert(conn, m)
}

func upsert(conn *sqlite.Conn, m mapping.ThreadMapping) error {
	err := sqlitex.Execute(conn,
		`INSERT INTO thread_mappings (ticket_id, thread_id, last_checked)
		 VALUES (?, ?, ?)
		 ON CONFLICT (ticket_id) DO UPDATE SET thread_id = excluded.thread_id, last_checked = excluded.last_checked`,
		&sqlitex.ExecOptions{Args: []any{m.TicketID, m.ThreadID, m.LastChecked.UnixMilli()}})
	if err != nil {
		return fmt.Errorf("sqlitestore: upsert %s: %w", m.TicketID, err)
	}
	return nil
}

func (s *Store) AdvanceWatermark(ctx context.Context, ticketID string, t time.Time) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `UPDATE thread_mappings SET last_checked = MAX(last_checked, ?) WHERE ticket_id = ?`,
		&sqlitex.ExecOptions{Args: []any{t.UnixMilli(), ticketID}})
	if err != nil {
		return fmt.Errorf("sqlitestore: advance watermark %s: %w", ticketID, err)
	}
	if conn.Changes() == 0 {
		return mapping.ErrNotFound
	}
	return nil
}

// Close closes all pooled connections.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("sqlitestore: closing %s: %w", s.path, err)
	}
	s.logger.Info().Str("path", s.path).Msg("sqlite mapping store closed")
	return nil
}
