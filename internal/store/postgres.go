package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 5
	cfg.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// --- Upstream attempts ---

type UpstreamAttempt struct {
	ID         int64     `json:"id"`
	Source     string    `json:"source"`
	URL        string    `json:"url"`
	Status     int       `json:"status"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// InsertAttempts writes a batch with COPY.
func (s *Store) InsertAttempts(ctx context.Context, attempts []UpstreamAttempt) error {
	if len(attempts) == 0 {
		return nil
	}
	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"upstream_attempts"},
		[]string{"source", "url", "status", "outcome", "error", "duration_ms", "created_at"},
		pgx.CopyFromSlice(len(attempts), func(i int) ([]any, error) {
			a := attempts[i]
			return []any{a.Source, a.URL, a.Status, a.Outcome, a.Error, a.DurationMs, a.CreatedAt}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy upstream attempts: %w", err)
	}
	return nil
}

// ListRecentAttempts returns the newest attempts, optionally for one source.
func (s *Store) ListRecentAttempts(ctx context.Context, source string, limit int) ([]UpstreamAttempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, source, url, status, outcome, error, duration_ms, created_at
		 FROM upstream_attempts
		 WHERE $1 = '' OR source = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`, source, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UpstreamAttempt
	for rows.Next() {
		var a UpstreamAttempt
		if err := rows.Scan(&a.ID, &a.Source, &a.URL, &a.Status, &a.Outcome, &a.Error, &a.DurationMs, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type SourceHealth struct {
	Source        string     `json:"source"`
	Attempts      int64      `json:"attempts"`
	Failures      int64      `json:"failures"`
	AvgDurationMs float64    `json:"avg_duration_ms"`
	LastSuccessAt *time.Time `json:"last_success_at"`
}

// SourceHealthSince aggregates attempts per source over the trailing window.
func (s *Store) SourceHealthSince(ctx context.Context, window time.Duration) ([]SourceHealth, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT source,
		        count(*),
		        count(*) FILTER (WHERE outcome <> 'success'),
		        coalesce(avg(duration_ms), 0)::float8,
		        max(created_at) FILTER (WHERE outcome = 'success')
		 FROM upstream_attempts
		 WHERE created_at > now() - make_interval(secs => $1)
		 GROUP BY source
		 ORDER BY source`, window.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SourceHealth
	for rows.Next() {
		var h SourceHealth
		if err := rows.Scan(&h.Source, &h.Attempts, &h.Failures, &h.AvgDurationMs, &h.LastSuccessAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// PruneAttempts deletes rows older than retention.
func (s *Store) PruneAttempts(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM upstream_attempts WHERE created_at < now() - make_interval(secs => $1)`,
		retention.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
