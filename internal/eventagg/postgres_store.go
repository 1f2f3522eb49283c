package eventagg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/riverstack/useraggd/internal/logging"
)

// user_id is BIGINT rather than the spec's literal INT: the wire format
// and Go's UserID are both int64, and a positive-int user_id can exceed
// Postgres's 32-bit INT range long before it exceeds int64 — BIGINT is the
// column type that actually holds every value UserID can take.
const createUserEventStatsTable = `
CREATE TABLE IF NOT EXISTS user_event_stats (
	user_id      BIGINT NOT NULL,
	event_type   TEXT NOT NULL,
	count        BIGINT NOT NULL DEFAULT 0,
	last_updated TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, event_type)
)`

const createUserEventStatsUserIndex = `
CREATE INDEX IF NOT EXISTS idx_user_event_stats_user_id
	ON user_event_stats (user_id)`

// upsertCountersSQL merges by addition, not by overwrite: count is the
// previously durable value plus this flush's delta, so separate flushes of
// the same key accumulate instead of replacing each other.
const upsertCountersSQL = `
INSERT INTO user_event_stats (user_id, event_type, count, last_updated)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id, event_type) DO UPDATE
SET count = user_event_stats.count + EXCLUDED.count,
    last_updated = EXCLUDED.last_updated`

// PostgresStoreConfig configures the pgx connection pool backing a
// PostgresStore.
type PostgresStoreConfig struct {
	// DSN is a libpq-style connection string or URL.
	DSN string

	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultPostgresStoreConfig returns pool settings sized for a modest
// single-instance flusher, not a high-fan-in OLTP workload.
func DefaultPostgresStoreConfig(dsn string) PostgresStoreConfig {
	return PostgresStoreConfig{
		DSN:             dsn,
		MaxConns:        8,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 5 * time.Minute,
	}
}

// PostgresStore is the DurableStore implementation backed by PostgreSQL via
// pgx. It is the counterpart to the spec's durable relational store: a
// single table keyed by (user_id, event_type), merged idempotently on every
// flush.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a connection pool per cfg. It does not create the
// schema — call Initialize for that, so schema creation stays an explicit,
// observable step in startup rather than implicit in construction.
func NewPostgresStore(ctx context.Context, cfg PostgresStoreConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: postgres dsn required", ErrInvalidConfig)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Initialize creates the user_event_stats table and its user_id index if
// they do not already exist.
func (s *PostgresStore) Initialize(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createUserEventStatsTable); err != nil {
		return fmt.Errorf("create user_event_stats table: %w", err)
	}
	if _, err := s.pool.Exec(ctx, createUserEventStatsUserIndex); err != nil {
		return fmt.Errorf("create user_event_stats index: %w", err)
	}
	logging.Info().Msg("postgres store schema ready")
	return nil
}

// UpsertCounters merges rows into user_event_stats inside a single
// transaction, so a flush either lands in full or not at all — a partial
// write would otherwise let a retried flush double-count the rows that did
// land.
func (s *PostgresStore) UpsertCounters(ctx context.Context, rows []UserEventStats) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classifyStoreError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(upsertCountersSQL, r.UserID, r.EventType, r.Count, r.LastUpdated)
	}

	br := tx.SendBatch(ctx, batch)
	for range rows {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return classifyStoreError(err)
		}
	}
	if err := br.Close(); err != nil {
		return classifyStoreError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyStoreError(err)
	}
	return nil
}

// GetUserStats returns every counter row for userID.
func (s *PostgresStore) GetUserStats(ctx context.Context, userID int64) ([]UserEventStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, event_type, count, last_updated FROM user_event_stats WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return nil, classifyStoreError(err)
	}
	defer rows.Close()

	var out []UserEventStats
	for rows.Next() {
		var stat UserEventStats
		if err := rows.Scan(&stat.UserID, &stat.EventType, &stat.Count, &stat.LastUpdated); err != nil {
			return nil, fmt.Errorf("scan user_event_stats row: %w", err)
		}
		out = append(out, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyStoreError(err)
	}
	return out, nil
}

// GetStat returns the counter for one (user_id, event_type) pair.
func (s *PostgresStore) GetStat(ctx context.Context, userID int64, eventType string) (UserEventStats, bool, error) {
	var stat UserEventStats
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, event_type, count, last_updated FROM user_event_stats WHERE user_id = $1 AND event_type = $2`,
		userID, eventType,
	).Scan(&stat.UserID, &stat.EventType, &stat.Count, &stat.LastUpdated)

	if errors.Is(err, pgx.ErrNoRows) {
		return UserEventStats{}, false, nil
	}
	if err != nil {
		return UserEventStats{}, false, classifyStoreError(err)
	}
	return stat, true, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// classifyStoreError wraps connection-level failures in ErrStoreUnavailable
// so the Aggregator's retry/circuit-breaker logic can tell a transient
// outage apart from a query-shape bug it should never retry blindly.
func classifyStoreError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "too many clients") ||
		strings.Contains(msg, "pool closed") ||
		strings.Contains(msg, "EOF") {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}
