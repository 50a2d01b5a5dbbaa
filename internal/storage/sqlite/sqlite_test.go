package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/FranksOps/rankwatch/internal/ranking"
	"github.com/FranksOps/rankwatch/internal/storage"
	"github.com/FranksOps/rankwatch/internal/storage/storagetest"
)

func TestSQLiteStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		// Use a named in-memory database per subtest
		dsn := "file:" + storage.NewID() + "?mode=memory&cache=shared"
		s, err := New(context.Background(), dsn, nil)
		if err != nil {
			t.Fatalf("Failed to create SQLite store: %v", err)
		}
		return s
	})
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "rankwatch.db")

	s, err := New(ctx, dsn, nil)
	if err != nil {
		t.Fatalf("Failed to create SQLite store: %v", err)
	}
	target, err := s.SaveTarget(ctx, ranking.ScrapeTarget{Keyword: "kw", TargetEntityID: "e1"})
	if err != nil {
		t.Fatalf("save target: %v", err)
	}
	if err := s.UpsertSnapshot(ctx, target, storagetest.Result("kw", "2026-10-17", 3)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = New(ctx, dsn, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	got, err := s.GetTodaySnapshot(ctx, "KW", "2026-10-17")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got == nil || got.TotalResults != 3 {
		t.Fatalf("expected persisted snapshot, got %+v", got)
	}
}
