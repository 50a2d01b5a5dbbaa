package postgres

import (
	"context"
	"fmt"
	"log/slog"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/FranksOps/rankwatch/internal/storage"
	"github.com/FranksOps/rankwatch/internal/storage/sqlstore"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tracked_keywords (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL DEFAULT '',
	keyword TEXT NOT NULL,
	entity_id TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	deleted_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS ranking_snapshots (
	id TEXT PRIMARY KEY,
	keyword_id TEXT NOT NULL,
	owner_id TEXT NOT NULL DEFAULT '',
	keyword TEXT NOT NULL,
	keyword_norm TEXT NOT NULL,
	measured_date TEXT NOT NULL,
	total_results INTEGER NOT NULL,
	rankings JSONB NOT NULL,
	target_rank INTEGER,
	visitor_review_count INTEGER,
	blog_review_count INTEGER,
	success BOOLEAN NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (keyword_id, measured_date)
)`,
	`CREATE INDEX IF NOT EXISTS ranking_snapshots_keyword_day ON ranking_snapshots (keyword_norm, measured_date)`,
	`CREATE TABLE IF NOT EXISTS run_logs (
	id TEXT PRIMARY KEY,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	total_targets INTEGER NOT NULL,
	processed_count INTEGER NOT NULL DEFAULT 0,
	failed_count INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	trigger_kind TEXT NOT NULL,
	execution_time_ms BIGINT NOT NULL DEFAULT 0,
	metadata JSONB NOT NULL DEFAULT '{}'
)`,
}

// New creates a Postgres-backed storage.Store and applies the schema.
func New(ctx context.Context, dsn string, logger *slog.Logger) (storage.Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	conn := &poolConn{pool: pool}
	if err := sqlstore.Migrate(ctx, conn, schema); err != nil {
		pool.Close()
		return nil, err
	}
	return sqlstore.New(conn, sq.Dollar, logger), nil
}

type poolConn struct {
	pool *pgxpool.Pool
}

func (c *poolConn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := c.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c *poolConn) Query(ctx context.Context, query string, args ...any) (sqlstore.Rows, error) {
	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *poolConn) Close() error {
	c.pool.Close()
	return nil
}

// pgx.Rows already satisfies sqlstore.Rows.
var _ sqlstore.Rows = (pgx.Rows)(nil)
