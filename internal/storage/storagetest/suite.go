// Package storagetest holds behaviour checks shared by every storage.Store backend.
package storagetest

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/FranksOps/rankwatch/internal/ranking"
	"github.com/FranksOps/rankwatch/internal/storage"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) storage.Store

// Run exercises a backend against the storage.Store contract.
func Run(t *testing.T, newStore Factory) {
	t.Run("SaveAndListTargets", func(t *testing.T) { testSaveAndList(t, newStore(t)) })
	t.Run("UpsertIsIdempotent", func(t *testing.T) { testUpsert(t, newStore(t)) })
	t.Run("TodaySnapshotAcrossOwners", func(t *testing.T) { testTodaySnapshot(t, newStore(t)) })
	t.Run("MeasuredTargetsExcluded", func(t *testing.T) { testExcludeMeasured(t, newStore(t)) })
	t.Run("RunLogLifecycle", func(t *testing.T) { testRunLog(t, newStore(t)) })
	t.Run("RejectsInvalidResult", func(t *testing.T) { testInvalid(t, newStore(t)) })
}

// Result builds a successful ranking with n entities, ids "e1".."en".
func Result(keyword string, day ranking.Day, n int) ranking.FullRankingResult {
	res := ranking.FullRankingResult{
		Keyword:      keyword,
		MeasuredDate: day,
		TotalResults: n,
		Success:      true,
	}
	for i := 1; i <= n; i++ {
		res.Rankings = append(res.Rankings, ranking.RankedEntity{
			Rank:     i,
			EntityID: "e" + strconv.Itoa(i),
			Name:     "entity " + strconv.Itoa(i),
		})
	}
	return res
}

func intPtr(n int) *int { return &n }

func mustSave(t *testing.T, s storage.Store, target ranking.ScrapeTarget) ranking.ScrapeTarget {
	t.Helper()
	saved, err := s.SaveTarget(context.Background(), target)
	if err != nil {
		t.Fatalf("save target: %v", err)
	}
	return saved
}

func testSaveAndList(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	a := mustSave(t, s, ranking.ScrapeTarget{Keyword: " gangnam cafe ", TargetEntityID: "111", OwnerID: "owner-a"})
	if a.KeywordID == "" {
		t.Fatalf("expected generated keyword id")
	}
	if a.Keyword != "gangnam cafe" {
		t.Errorf("expected trimmed keyword, got %q", a.Keyword)
	}
	b := mustSave(t, s, ranking.ScrapeTarget{KeywordID: "fixed-id", Keyword: "hongdae bar", TargetEntityID: "222"})

	got, err := s.ListActiveTargets(ctx, "2026-10-17")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(got))
	}
	ids := map[string]ranking.ScrapeTarget{}
	for _, tg := range got {
		ids[tg.KeywordID] = tg
	}
	if ids[a.KeywordID].TargetEntityID != "111" || ids[a.KeywordID].OwnerID != "owner-a" {
		t.Errorf("unexpected target %+v", ids[a.KeywordID])
	}
	if _, ok := ids[b.KeywordID]; !ok {
		t.Errorf("expected target %s", b.KeywordID)
	}

	if err := s.TouchTarget(ctx, a.KeywordID); err != nil {
		t.Errorf("touch: %v", err)
	}
	if _, err := s.SaveTarget(ctx, ranking.ScrapeTarget{Keyword: "  "}); err == nil {
		t.Errorf("expected error for blank keyword")
	}
}

func testUpsert(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()
	target := mustSave(t, s, ranking.ScrapeTarget{Keyword: "kw", TargetEntityID: "e2"})

	first := Result("kw", "2026-10-17", 3)
	first.TargetRank = intPtr(2)
	if err := s.UpsertSnapshot(ctx, target, first); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	recs, err := s.RecentSnapshots(ctx, target.KeywordID, 1)
	if err != nil || len(recs) != 1 {
		t.Fatalf("history after first upsert: %v %v", recs, err)
	}
	orig := recs[0]

	second := Result("kw", "2026-10-17", 5)
	second.TargetRank = intPtr(4)
	second.TargetVisitorReviewCount = intPtr(10)
	second.TargetBlogReviewCount = intPtr(3)
	if err := s.UpsertSnapshot(ctx, target, second); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	recs, err = s.RecentSnapshots(ctx, target.KeywordID, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected a single row per keyword and day, got %d", len(recs))
	}
	if recs[0].ID != orig.ID || !recs[0].CreatedAt.Equal(orig.CreatedAt) {
		t.Errorf("expected id %s created %v to survive the rewrite, got %s %v", orig.ID, orig.CreatedAt, recs[0].ID, recs[0].CreatedAt)
	}
	got := recs[0].Result
	if got.TotalResults != 5 || len(got.Rankings) != 5 {
		t.Errorf("expected second write to win, got %d results", got.TotalResults)
	}
	if got.TargetRank == nil || *got.TargetRank != 4 {
		t.Errorf("expected rank 4, got %v", got.TargetRank)
	}
	if got.TargetVisitorReviewCount == nil || *got.TargetVisitorReviewCount != 10 {
		t.Errorf("expected visitor count 10, got %v", got.TargetVisitorReviewCount)
	}
	if got.MeasuredDate != "2026-10-17" {
		t.Errorf("expected measured date, got %q", got.MeasuredDate)
	}

	next := Result("kw", "2026-10-18", 1)
	if err := s.UpsertSnapshot(ctx, target, next); err != nil {
		t.Fatalf("next day upsert: %v", err)
	}
	recs, err = s.RecentSnapshots(ctx, target.KeywordID, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(recs) != 2 || recs[0].Result.MeasuredDate != "2026-10-18" {
		t.Fatalf("expected two days newest first, got %+v", recs)
	}
	if recs, _ := s.RecentSnapshots(ctx, target.KeywordID, 1); len(recs) != 1 {
		t.Errorf("expected limit to apply, got %d", len(recs))
	}
}

func testTodaySnapshot(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()
	a := mustSave(t, s, ranking.ScrapeTarget{Keyword: "Gangnam Cafe", OwnerID: "a", TargetEntityID: "e1"})
	b := mustSave(t, s, ranking.ScrapeTarget{Keyword: "other", OwnerID: "b", TargetEntityID: "e9"})

	got, err := s.GetTodaySnapshot(ctx, "gangnam cafe", "2026-10-17")
	if err != nil || got != nil {
		t.Fatalf("expected miss before any write, got %v %v", got, err)
	}

	res := Result("Gangnam Cafe", "2026-10-17", 2)
	res.TargetRank = intPtr(1)
	if err := s.UpsertSnapshot(ctx, a, res); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	failed := ranking.FullRankingResult{Keyword: "other", MeasuredDate: "2026-10-17", Error: "listing navigation failed: timeout"}
	if err := s.UpsertSnapshot(ctx, b, failed); err != nil {
		t.Fatalf("upsert failed snapshot: %v", err)
	}

	got, err = s.GetTodaySnapshot(ctx, "  GANGNAM   cafe", "2026-10-17")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got == nil {
		t.Fatalf("expected snapshot from owner a to be visible")
	}
	if got.TotalResults != 2 || got.Rankings[1].EntityID != "e2" {
		t.Errorf("unexpected rankings %+v", got.Rankings)
	}

	if got, _ := s.GetTodaySnapshot(ctx, "gangnam cafe", "2026-10-18"); got != nil {
		t.Errorf("expected miss on another day")
	}
	if got, _ := s.GetTodaySnapshot(ctx, "other", "2026-10-17"); got != nil {
		t.Errorf("expected failed snapshot not to be returned")
	}
}

func testExcludeMeasured(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()
	a := mustSave(t, s, ranking.ScrapeTarget{Keyword: "kw a"})
	b := mustSave(t, s, ranking.ScrapeTarget{Keyword: "kw b"})

	if err := s.UpsertSnapshot(ctx, a, Result("kw a", "2026-10-17", 1)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.ListActiveTargets(ctx, "2026-10-17")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].KeywordID != b.KeywordID {
		t.Fatalf("expected only the unmeasured target, got %+v", got)
	}

	got, err = s.ListActiveTargets(ctx, "2026-10-18")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected both targets on the next day, got %d", len(got))
	}
}

func testRunLog(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	id, err := s.CreateRunLog(ctx, 4, ranking.TriggerScheduled)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id == "" {
		t.Fatalf("expected run log id")
	}

	logs, err := s.RecentRunLogs(ctx, 5)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(logs) != 1 || logs[0].Status != storage.RunRunning || logs[0].CompletedAt != nil {
		t.Fatalf("expected a running log, got %+v", logs)
	}

	update := storage.RunLogUpdate{
		ProcessedCount: 3,
		FailedCount:    1,
		Status:         storage.RunCompleted,
		ExecutionTime:  1500 * time.Millisecond,
		Metadata: storage.RunMetadata{
			TotalTargets: 4, UniqueKeywords: 2, NewlyScraped: 1,
			SnapshotsReused: 1, DuplicatesSkipped: 2, Concurrency: 3,
		},
	}
	if err := s.UpdateRunLog(ctx, id, update); err != nil {
		t.Fatalf("update: %v", err)
	}

	logs, err = s.RecentRunLogs(ctx, 5)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	got := logs[0]
	if got.ID != id || got.Status != storage.RunCompleted || got.CompletedAt == nil {
		t.Errorf("unexpected log %+v", got)
	}
	if got.ProcessedCount != 3 || got.FailedCount != 1 || got.TotalTargets != 4 {
		t.Errorf("unexpected counters %+v", got)
	}
	if got.Trigger != ranking.TriggerScheduled {
		t.Errorf("expected scheduled trigger, got %q", got.Trigger)
	}
	if got.ExecutionTime != 1500*time.Millisecond {
		t.Errorf("expected execution time, got %v", got.ExecutionTime)
	}
	if got.Metadata != update.Metadata {
		t.Errorf("expected metadata %+v, got %+v", update.Metadata, got.Metadata)
	}

	if err := s.UpdateRunLog(ctx, "missing", update); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testInvalid(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()
	target := mustSave(t, s, ranking.ScrapeTarget{Keyword: "kw"})

	bad := Result("kw", "2026-10-17", 2)
	bad.Rankings[1].Rank = 5
	if err := s.UpsertSnapshot(ctx, target, bad); !errors.Is(err, ranking.ErrRankSequence) {
		t.Errorf("expected rank sequence error, got %v", err)
	}
	if err := s.UpsertSnapshot(ctx, ranking.ScrapeTarget{}, Result("kw", "2026-10-17", 1)); err == nil {
		t.Errorf("expected error for empty keyword id")
	}
}
