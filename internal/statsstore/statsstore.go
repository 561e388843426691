// Package statsstore persists a ledger of completed executions to
// Postgres: pgxpool.New + Ping + ensureSchema on bring-up, and
// INSERT ... ON CONFLICT DO NOTHING for idempotent log rows. When no DSN
// is configured, Store falls back to an in-memory ring buffer so the
// Manager never needs to special-case "no database".
package statsstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/il-steffen/kafl.fuzzer/internal/config"
)

// ExecutionRecord is one completed VM execution, as seen by the Manager.
type ExecutionRecord struct {
	ID        string
	WorkerID  int
	Outcome   string // regular, crash, kasan, timeout, or unknown
	BBCov     uint32
	RuntimeMs int64
	CreatedAt time.Time
}

// Store records execution history. A nil *pgxpool.Pool means the store
// keeps the last N records in memory instead.
type Store struct {
	pool *pgxpool.Pool

	mu      sync.Mutex
	ring    []ExecutionRecord
	ringCap int
}

const defaultRingCap = 4096

// New connects to Postgres per cfg.DSN, or returns a memory-only Store
// when DSN is empty.
func New(ctx context.Context, cfg config.StatsConfig) (*Store, error) {
	if cfg.DSN == "" {
		return &Store{ringCap: defaultRingCap}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("statsstore: create pool: %w", err)
	}
	s := &Store{pool: pool, ringCap: defaultRingCap}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("statsstore: ping: %w", err)
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	const stmt = `CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		worker_id INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		bb_cov INTEGER NOT NULL,
		runtime_ms BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`
	if _, err := s.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("statsstore: ensure schema: %w", err)
	}
	const idx = `CREATE INDEX IF NOT EXISTS idx_executions_created_at ON executions(created_at DESC)`
	if _, err := s.pool.Exec(ctx, idx); err != nil {
		return fmt.Errorf("statsstore: ensure index: %w", err)
	}
	return nil
}

// Close releases the Postgres pool, if any.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Record appends one execution to the ledger.
func (s *Store) Record(ctx context.Context, rec ExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	if s.pool == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.ring = append(s.ring, rec)
		if len(s.ring) > s.ringCap {
			s.ring = s.ring[len(s.ring)-s.ringCap:]
		}
		return nil
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO executions (id, worker_id, outcome, bb_cov, runtime_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, rec.ID, rec.WorkerID, rec.Outcome, rec.BBCov, rec.RuntimeMs, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("statsstore: insert execution: %w", err)
	}
	return nil
}

// Recent returns up to limit most-recent records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]ExecutionRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	if s.pool == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		n := len(s.ring)
		if n > limit {
			n = limit
		}
		out := make([]ExecutionRecord, n)
		for i := 0; i < n; i++ {
			out[i] = s.ring[len(s.ring)-1-i]
		}
		return out, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, worker_id, outcome, bb_cov, runtime_ms, created_at
		FROM executions
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("statsstore: query recent: %w", err)
	}
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		var rec ExecutionRecord
		if err := rows.Scan(&rec.ID, &rec.WorkerID, &rec.Outcome, &rec.BBCov, &rec.RuntimeMs, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("statsstore: scan execution: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("statsstore: rows: %w", err)
	}
	return out, nil
}
