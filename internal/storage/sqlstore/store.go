package sqlstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/FranksOps/rankwatch/internal/ranking"
	"github.com/FranksOps/rankwatch/internal/storage"
)

// Rows is the subset of a driver's result set the store iterates.
type Rows interface {
	Scanner
	Next() bool
	Err() error
	Close()
}

// Conn adapts a concrete driver (pgxpool, database/sql) to the store.
type Conn interface {
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Query(ctx context.Context, query string, args ...any) (Rows, error)
	Close() error
}

// ensure Store implements storage.Store
var _ storage.Store = (*Store)(nil)

// Store is the SQL implementation shared by the postgres and sqlite backends.
type Store struct {
	conn   Conn
	q      Queries
	now    func() time.Time
	logger *slog.Logger
}

// New wraps conn. ph selects the placeholder dialect.
func New(conn Conn, ph sq.PlaceholderFormat, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		conn:   conn,
		q:      NewQueries(ph),
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With("component", "store"),
	}
}

// Migrate runs schema statements in order.
func Migrate(ctx context.Context, conn Conn, statements []string) error {
	for _, stmt := range statements {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *Store) ListActiveTargets(ctx context.Context, day ranking.Day) ([]ranking.ScrapeTarget, error) {
	query, args, err := s.q.ActiveTargets()
	if err != nil {
		return nil, fmt.Errorf("build active targets: %w", err)
	}
	all, err := collect(ctx, s.conn, query, args, scanTarget)
	if err != nil {
		return nil, fmt.Errorf("list active targets: %w", err)
	}
	if len(all) == 0 {
		return all, nil
	}

	measured, err := s.measuredOn(ctx, day)
	if err != nil {
		s.logger.Warn("measured-today lookup failed, returning all active targets", "day", day, "err", err)
		return all, nil
	}
	targets := storage.ExcludeMeasured(all, measured)
	s.logger.Debug("active targets", "day", day, "active", len(all), "pending", len(targets))
	return targets, nil
}

func (s *Store) measuredOn(ctx context.Context, day ranking.Day) (map[string]struct{}, error) {
	query, args, err := s.q.MeasuredKeywordIDs(day)
	if err != nil {
		return nil, err
	}
	ids, err := collect(ctx, s.conn, query, args, func(sc Scanner) (string, error) {
		var id string
		err := sc.Scan(&id)
		return id, err
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

func (s *Store) GetTodaySnapshot(ctx context.Context, keyword string, day ranking.Day) (*ranking.FullRankingResult, error) {
	query, args, err := s.q.TodaySnapshot(keyword, day)
	if err != nil {
		return nil, fmt.Errorf("build snapshot lookup: %w", err)
	}
	recs, err := collect(ctx, s.conn, query, args, scanSnapshot)
	if err != nil {
		return nil, fmt.Errorf("get today snapshot: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	res := recs[0].Result
	return &res, nil
}

func (s *Store) UpsertSnapshot(ctx context.Context, target ranking.ScrapeTarget, result ranking.FullRankingResult) error {
	if target.KeywordID == "" {
		return fmt.Errorf("upsert snapshot: empty keyword id")
	}
	if result.MeasuredDate == "" {
		return fmt.Errorf("upsert snapshot: empty measured date")
	}
	if err := ranking.Validate(result); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	query, args, err := s.q.UpsertSnapshot(storage.NewID(), target, result, s.now())
	if err != nil {
		return fmt.Errorf("build snapshot upsert: %w", err)
	}
	if _, err := s.conn.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

func (s *Store) TouchTarget(ctx context.Context, keywordID string) error {
	query, args, err := s.q.TouchTarget(keywordID, s.now())
	if err != nil {
		return fmt.Errorf("build touch: %w", err)
	}
	if _, err := s.conn.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("touch target: %w", err)
	}
	return nil
}

func (s *Store) SaveTarget(ctx context.Context, target ranking.ScrapeTarget) (ranking.ScrapeTarget, error) {
	target.Keyword = strings.TrimSpace(target.Keyword)
	if target.Keyword == "" {
		return ranking.ScrapeTarget{}, fmt.Errorf("save target: empty keyword")
	}
	if target.KeywordID == "" {
		target.KeywordID = storage.NewID()
	}
	query, args, err := s.q.SaveTarget(target, s.now())
	if err != nil {
		return ranking.ScrapeTarget{}, fmt.Errorf("build save target: %w", err)
	}
	if _, err := s.conn.Exec(ctx, query, args...); err != nil {
		return ranking.ScrapeTarget{}, fmt.Errorf("save target: %w", err)
	}
	return target, nil
}

func (s *Store) RecentSnapshots(ctx context.Context, keywordID string, limit int) ([]storage.SnapshotRecord, error) {
	query, args, err := s.q.RecentSnapshots(keywordID, limit)
	if err != nil {
		return nil, fmt.Errorf("build history: %w", err)
	}
	recs, err := collect(ctx, s.conn, query, args, scanSnapshot)
	if err != nil {
		return nil, fmt.Errorf("recent snapshots: %w", err)
	}
	return recs, nil
}

func (s *Store) CreateRunLog(ctx context.Context, totalTargets int, trigger ranking.TriggerKind) (string, error) {
	id := storage.NewID()
	query, args, err := s.q.InsertRunLog(id, totalTargets, trigger, s.now())
	if err != nil {
		return "", fmt.Errorf("build run log: %w", err)
	}
	if _, err := s.conn.Exec(ctx, query, args...); err != nil {
		return "", fmt.Errorf("create run log: %w", err)
	}
	return id, nil
}

func (s *Store) UpdateRunLog(ctx context.Context, id string, update storage.RunLogUpdate) error {
	query, args, err := s.q.UpdateRunLog(id, update, s.now())
	if err != nil {
		return fmt.Errorf("build run log update: %w", err)
	}
	n, err := s.conn.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update run log: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update run log %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) RecentRunLogs(ctx context.Context, limit int) ([]storage.RunLog, error) {
	query, args, err := s.q.RecentRunLogs(limit)
	if err != nil {
		return nil, fmt.Errorf("build run logs: %w", err)
	}
	logs, err := collect(ctx, s.conn, query, args, scanRunLog)
	if err != nil {
		return nil, fmt.Errorf("recent run logs: %w", err)
	}
	return logs, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

func collect[T any](ctx context.Context, conn Conn, query string, args []any, scan func(Scanner) (T, error)) ([]T, error) {
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
