package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/FranksOps/rankwatch/internal/ranking"
)

func TestMetricsServer(t *testing.T) {
	srv := Start(8899, nil)
	// Give it a tiny bit of time to start up
	time.Sleep(100 * time.Millisecond)

	defer srv.Stop(context.Background())

	RecordCollect(ranking.FullRankingResult{Success: true, TotalResults: 120}, 3*time.Second)
	RecordCollect(ranking.FullRankingResult{Success: false, Error: "listing navigation failed"}, time.Second)
	RecordTarget(ranking.TargetResult{Success: true})
	RecordRun(ranking.TriggerScheduled, "completed")

	resp, err := http.Get("http://localhost:8899/metrics")
	if err != nil {
		t.Fatalf("failed to fetch metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	output := string(body)

	for _, want := range []string{
		`rankwatch_collections_total{outcome="success"}`,
		`rankwatch_collections_total{outcome="failed"}`,
		`rankwatch_collect_duration_seconds_bucket`,
		`rankwatch_collected_entities_bucket`,
		`rankwatch_targets_total{status="success"}`,
		`rankwatch_runs_total{status="completed",trigger="scheduled"}`,
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected metric output to contain %s", want)
		}
	}
}

func TestStop_NilServer(t *testing.T) {
	var s *Server
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
}
