// Package sqlstore implements storage.Store on top of any SQL driver that can
// run the shared squirrel-built statements.
package sqlstore

import (
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/FranksOps/rankwatch/internal/ranking"
	"github.com/FranksOps/rankwatch/internal/storage"
)

var (
	targetColumns = []string{
		"id", "owner_id", "keyword", "entity_id", "display_name", "category",
	}
	snapshotColumns = []string{
		"id", "keyword_id", "owner_id", "keyword", "measured_date", "total_results",
		"rankings", "target_rank", "visitor_review_count", "blog_review_count",
		"success", "error", "created_at", "updated_at",
	}
	runLogColumns = []string{
		"id", "started_at", "completed_at", "total_targets", "processed_count",
		"failed_count", "status", "error_message", "trigger_kind",
		"execution_time_ms", "metadata",
	}
)

// Queries builds every statement the store runs, in one placeholder dialect.
type Queries struct {
	sb sq.StatementBuilderType
}

// NewQueries returns builders using ph (sq.Dollar for postgres, sq.Question for sqlite).
func NewQueries(ph sq.PlaceholderFormat) Queries {
	return Queries{sb: sq.StatementBuilder.PlaceholderFormat(ph)}
}

func (q Queries) ActiveTargets() (string, []any, error) {
	return q.sb.Select(targetColumns...).
		From("tracked_keywords").
		Where(sq.Eq{"is_active": true, "deleted_at": nil}).
		OrderBy("created_at", "id").
		ToSql()
}

func (q Queries) MeasuredKeywordIDs(day ranking.Day) (string, []any, error) {
	return q.sb.Select("keyword_id").Distinct().
		From("ranking_snapshots").
		Where(sq.Eq{"measured_date": string(day)}).
		ToSql()
}

func (q Queries) TodaySnapshot(keyword string, day ranking.Day) (string, []any, error) {
	return q.sb.Select(snapshotColumns...).
		From("ranking_snapshots").
		Where(sq.Eq{
			"keyword_norm":  ranking.NormalizeKeyword(keyword),
			"measured_date": string(day),
			"success":       true,
		}).
		OrderBy("updated_at DESC", "id DESC").
		Limit(1).
		ToSql()
}

func (q Queries) UpsertSnapshot(id string, target ranking.ScrapeTarget, res ranking.FullRankingResult, now time.Time) (string, []any, error) {
	rankings, err := encodeRankings(res.Rankings)
	if err != nil {
		return "", nil, err
	}
	return q.sb.Insert("ranking_snapshots").
		Columns(
			"id", "keyword_id", "owner_id", "keyword", "keyword_norm", "measured_date",
			"total_results", "rankings", "target_rank", "visitor_review_count",
			"blog_review_count", "success", "error", "created_at", "updated_at",
		).
		Values(
			id, target.KeywordID, target.OwnerID, res.Keyword, ranking.NormalizeKeyword(res.Keyword),
			string(res.MeasuredDate), res.TotalResults, rankings, res.TargetRank,
			res.TargetVisitorReviewCount, res.TargetBlogReviewCount, res.Success, res.Error,
			now, now,
		).
		Suffix(`ON CONFLICT (keyword_id, measured_date) DO UPDATE SET
			owner_id = excluded.owner_id,
			keyword = excluded.keyword,
			keyword_norm = excluded.keyword_norm,
			total_results = excluded.total_results,
			rankings = excluded.rankings,
			target_rank = excluded.target_rank,
			visitor_review_count = excluded.visitor_review_count,
			blog_review_count = excluded.blog_review_count,
			success = excluded.success,
			error = excluded.error,
			updated_at = excluded.updated_at`).
		ToSql()
}

func (q Queries) TouchTarget(keywordID string, now time.Time) (string, []any, error) {
	return q.sb.Update("tracked_keywords").
		Set("updated_at", now).
		Where(sq.Eq{"id": keywordID}).
		ToSql()
}

func (q Queries) SaveTarget(t ranking.ScrapeTarget, now time.Time) (string, []any, error) {
	return q.sb.Insert("tracked_keywords").
		Columns(
			"id", "owner_id", "keyword", "entity_id", "display_name", "category",
			"is_active", "created_at", "updated_at",
		).
		Values(
			t.KeywordID, t.OwnerID, t.Keyword, t.TargetEntityID, t.DisplayName, t.Category,
			true, now, now,
		).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			owner_id = excluded.owner_id,
			keyword = excluded.keyword,
			entity_id = excluded.entity_id,
			display_name = excluded.display_name,
			category = excluded.category,
			is_active = excluded.is_active,
			deleted_at = NULL,
			updated_at = excluded.updated_at`).
		ToSql()
}

func (q Queries) RecentSnapshots(keywordID string, limit int) (string, []any, error) {
	return q.sb.Select(snapshotColumns...).
		From("ranking_snapshots").
		Where(sq.Eq{"keyword_id": keywordID}).
		OrderBy("measured_date DESC").
		Limit(uint64(storage.Limit(limit))).
		ToSql()
}

func (q Queries) InsertRunLog(id string, total int, trigger ranking.TriggerKind, now time.Time) (string, []any, error) {
	return q.sb.Insert("run_logs").
		Columns("id", "started_at", "total_targets", "status", "trigger_kind", "metadata").
		Values(id, now, total, string(storage.RunRunning), string(trigger), "{}").
		ToSql()
}

func (q Queries) UpdateRunLog(id string, u storage.RunLogUpdate, now time.Time) (string, []any, error) {
	meta, err := json.Marshal(u.Metadata)
	if err != nil {
		return "", nil, fmt.Errorf("encode run metadata: %w", err)
	}
	return q.sb.Update("run_logs").
		SetMap(map[string]any{
			"completed_at":      now,
			"processed_count":   u.ProcessedCount,
			"failed_count":      u.FailedCount,
			"status":            string(u.Status),
			"error_message":     u.ErrorMessage,
			"execution_time_ms": u.ExecutionTime.Milliseconds(),
			"metadata":          string(meta),
		}).
		Where(sq.Eq{"id": id}).
		ToSql()
}

func (q Queries) RecentRunLogs(limit int) (string, []any, error) {
	return q.sb.Select(runLogColumns...).
		From("run_logs").
		OrderBy("started_at DESC").
		Limit(uint64(storage.Limit(limit))).
		ToSql()
}

func encodeRankings(rankings []ranking.RankedEntity) (string, error) {
	if rankings == nil {
		rankings = []ranking.RankedEntity{}
	}
	data, err := json.Marshal(rankings)
	if err != nil {
		return "", fmt.Errorf("encode rankings: %w", err)
	}
	return string(data), nil
}
