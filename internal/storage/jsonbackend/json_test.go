package jsonbackend

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/FranksOps/rankwatch/internal/ranking"
	"github.com/FranksOps/rankwatch/internal/storage"
	"github.com/FranksOps/rankwatch/internal/storage/storagetest"
)

func TestJSONStore_Memory(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		s, err := New("")
		if err != nil {
			t.Fatalf("Failed to create JSON store: %v", err)
		}
		return s
	})
}

func TestJSONStore_File(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		s, err := New(filepath.Join(t.TempDir(), "rankwatch.jsonl"))
		if err != nil {
			t.Fatalf("Failed to create JSON store: %v", err)
		}
		return s
	})
}

func TestJSONStore_Replay(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "rankwatch.jsonl")

	s, err := New(path)
	if err != nil {
		t.Fatalf("Failed to create JSON store: %v", err)
	}
	target, err := s.SaveTarget(ctx, ranking.ScrapeTarget{Keyword: "kw", TargetEntityID: "e1", OwnerID: "o1"})
	if err != nil {
		t.Fatalf("save target: %v", err)
	}
	if err := s.UpsertSnapshot(ctx, target, storagetest.Result("kw", "2026-10-17", 2)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertSnapshot(ctx, target, storagetest.Result("kw", "2026-10-17", 4)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	before, err := s.RecentSnapshots(ctx, target.KeywordID, 1)
	if err != nil || len(before) != 1 {
		t.Fatalf("history: %v %v", before, err)
	}
	runID, err := s.CreateRunLog(ctx, 1, ranking.TriggerManual)
	if err != nil {
		t.Fatalf("create run log: %v", err)
	}
	if err := s.UpdateRunLog(ctx, runID, storage.RunLogUpdate{ProcessedCount: 1, Status: storage.RunCompleted}); err != nil {
		t.Fatalf("update run log: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 5 {
		t.Errorf("expected 5 journal lines, got %d", lines)
	}

	s, err = New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	recs, err := s.RecentSnapshots(ctx, target.KeywordID, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(recs) != 1 || recs[0].Result.TotalResults != 4 {
		t.Fatalf("expected replayed upsert to keep the last write, got %+v", recs)
	}
	if recs[0].ID != before[0].ID || !recs[0].CreatedAt.Equal(before[0].CreatedAt) {
		t.Errorf("expected snapshot id %s to survive replay, got %s", before[0].ID, recs[0].ID)
	}
	if recs[0].OwnerID != "o1" {
		t.Errorf("expected owner id to survive replay, got %q", recs[0].OwnerID)
	}

	logs, err := s.RecentRunLogs(ctx, 0)
	if err != nil {
		t.Fatalf("run logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Status != storage.RunCompleted || logs[0].Trigger != ranking.TriggerManual {
		t.Errorf("unexpected replayed run logs %+v", logs)
	}

	pending, err := s.ListActiveTargets(ctx, "2026-10-17")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected measured target to be excluded after replay, got %d", len(pending))
	}
}

func TestJSONStore_TodaySnapshotTieBreak(t *testing.T) {
	ctx := context.Background()
	st, err := New("")
	if err != nil {
		t.Fatalf("Failed to create JSON store: %v", err)
	}
	s := st.(*jsonStore)
	at := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return at }

	var want string
	for i, owner := range []string{"a", "b", "c"} {
		target, err := s.SaveTarget(ctx, ranking.ScrapeTarget{Keyword: "kw", TargetEntityID: "e1", OwnerID: owner})
		if err != nil {
			t.Fatalf("save target: %v", err)
		}
		if err := s.UpsertSnapshot(ctx, target, storagetest.Result("kw", "2026-10-17", i+1)); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		recs, _ := s.RecentSnapshots(ctx, target.KeywordID, 1)
		if recs[0].ID > want {
			want = recs[0].ID
		}
	}

	var wantTotal int
	for _, snap := range s.snapshots {
		if snap.ID == want {
			wantTotal = snap.Result.TotalResults
		}
	}
	for i := 0; i < 20; i++ {
		got, err := s.GetTodaySnapshot(ctx, "KW", "2026-10-17")
		if err != nil || got == nil {
			t.Fatalf("today: %v %v", got, err)
		}
		if got.TotalResults != wantTotal {
			t.Fatalf("expected the highest id to win equal update times, got %d results want %d", got.TotalResults, wantTotal)
		}
	}
}

func TestJSONStore_CorruptJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rankwatch.jsonl")
	if err := os.WriteFile(path, []byte("{not json}\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := New(path); err == nil {
		t.Fatalf("expected error for corrupt journal")
	}
}
