package store

import "context"

const migrationSQL = `
CREATE TABLE IF NOT EXISTS upstream_attempts (
    id BIGSERIAL PRIMARY KEY,
    source TEXT NOT NULL,
    url TEXT NOT NULL DEFAULT '',
    status INT NOT NULL DEFAULT 0,
    outcome TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    duration_ms BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS upstream_attempts_created_at_idx ON upstream_attempts (created_at DESC);
CREATE INDEX IF NOT EXISTS upstream_attempts_source_idx ON upstream_attempts (source, created_at DESC);
`

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, migrationSQL)
	return err
}
