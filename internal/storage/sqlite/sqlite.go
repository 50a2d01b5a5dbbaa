package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

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
	is_active BOOLEAN NOT NULL DEFAULT 1,
	deleted_at DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS ranking_snapshots (
	id TEXT PRIMARY KEY,
	keyword_id TEXT NOT NULL,
	owner_id TEXT NOT NULL DEFAULT '',
	keyword TEXT NOT NULL,
	keyword_norm TEXT NOT NULL,
	measured_date TEXT NOT NULL,
	total_results INTEGER NOT NULL,
	rankings TEXT NOT NULL,
	target_rank INTEGER,
	visitor_review_count INTEGER,
	blog_review_count INTEGER,
	success BOOLEAN NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE (keyword_id, measured_date)
)`,
	`CREATE INDEX IF NOT EXISTS ranking_snapshots_keyword_day ON ranking_snapshots (keyword_norm, measured_date)`,
	`CREATE TABLE IF NOT EXISTS run_logs (
	id TEXT PRIMARY KEY,
	started_at DATETIME NOT NULL,
	completed_at DATETIME,
	total_targets INTEGER NOT NULL,
	processed_count INTEGER NOT NULL DEFAULT 0,
	failed_count INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	trigger_kind TEXT NOT NULL,
	execution_time_ms INTEGER NOT NULL DEFAULT 0,
	metadata TEXT NOT NULL DEFAULT '{}'
)`,
}

// New opens (and migrates) a SQLite-backed storage.Store.
func New(ctx context.Context, dsn string, logger *slog.Logger) (storage.Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// single writer; also keeps shared in-memory databases alive
	db.SetMaxOpenConns(1)

	conn := &dbConn{db: db}
	if err := sqlstore.Migrate(ctx, conn, schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sqlstore.New(conn, sq.Question, logger), nil
}

type dbConn struct {
	db *sql.DB
}

func (c *dbConn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *dbConn) Query(ctx context.Context, query string, args ...any) (sqlstore.Rows, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rows}, nil
}

func (c *dbConn) Close() error {
	return c.db.Close()
}

type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Close() { _ = r.Rows.Close() }
