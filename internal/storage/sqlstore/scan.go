package sqlstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/FranksOps/rankwatch/internal/ranking"
	"github.com/FranksOps/rankwatch/internal/storage"
)

// Scanner is satisfied by *sql.Rows, *sql.Row and pgx.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

func scanTarget(s Scanner) (ranking.ScrapeTarget, error) {
	var t ranking.ScrapeTarget
	err := s.Scan(&t.KeywordID, &t.OwnerID, &t.Keyword, &t.TargetEntityID, &t.DisplayName, &t.Category)
	if err != nil {
		return ranking.ScrapeTarget{}, fmt.Errorf("scan target: %w", err)
	}
	return t, nil
}

func scanSnapshot(s Scanner) (storage.SnapshotRecord, error) {
	var (
		rec      storage.SnapshotRecord
		day      string
		rankings string
	)
	err := s.Scan(
		&rec.ID, &rec.KeywordID, &rec.OwnerID, &rec.Result.Keyword, &day,
		&rec.Result.TotalResults, &rankings, &rec.Result.TargetRank,
		&rec.Result.TargetVisitorReviewCount, &rec.Result.TargetBlogReviewCount,
		&rec.Result.Success, &rec.Result.Error, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return storage.SnapshotRecord{}, fmt.Errorf("scan snapshot: %w", err)
	}
	rec.Result.MeasuredDate = ranking.Day(day)
	if err := json.Unmarshal([]byte(rankings), &rec.Result.Rankings); err != nil {
		return storage.SnapshotRecord{}, fmt.Errorf("decode rankings: %w", err)
	}
	return rec, nil
}

func scanRunLog(s Scanner) (storage.RunLog, error) {
	var (
		l       storage.RunLog
		status  string
		trigger string
		execMS  int64
		meta    string
	)
	err := s.Scan(
		&l.ID, &l.StartedAt, &l.CompletedAt, &l.TotalTargets, &l.ProcessedCount,
		&l.FailedCount, &status, &l.ErrorMessage, &trigger, &execMS, &meta,
	)
	if err != nil {
		return storage.RunLog{}, fmt.Errorf("scan run log: %w", err)
	}
	l.Status = storage.RunStatus(status)
	l.Trigger = ranking.TriggerKind(trigger)
	l.ExecutionTime = time.Duration(execMS) * time.Millisecond
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &l.Metadata); err != nil {
			return storage.RunLog{}, fmt.Errorf("decode run metadata: %w", err)
		}
	}
	return l, nil
}
