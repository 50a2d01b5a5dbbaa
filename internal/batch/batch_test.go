package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/FranksOps/rankwatch/internal/browser"
	"github.com/FranksOps/rankwatch/internal/ranking"
	"github.com/FranksOps/rankwatch/internal/snapshot"
	"github.com/FranksOps/rankwatch/internal/storage"
	"github.com/FranksOps/rankwatch/internal/storage/jsonbackend"
)

const today ranking.Day = "2026-10-17"

func testClock() ranking.Clock {
	return ranking.Clock{
		Now:      func() time.Time { return time.Date(2026, 10, 17, 1, 0, 0, 0, time.UTC) },
		Location: time.UTC,
	}
}

// fakeCollector returns five ranked entities "p1".."p5" for every keyword
// unless a keyword is listed in fail.
type fakeCollector struct {
	mu        sync.Mutex
	calls     map[string]int
	targets   map[string][]string
	fail      map[string]string
	err       error
	delay     time.Duration
	active    int
	maxActive int
}

func newFakeCollector() *fakeCollector {
	return &fakeCollector{
		calls:   map[string]int{},
		targets: map[string][]string{},
		fail:    map[string]string{},
	}
}

func (c *fakeCollector) Collect(ctx context.Context, keyword string, targetIDs ...string) (ranking.FullRankingResult, error) {
	key := ranking.NormalizeKeyword(keyword)
	c.mu.Lock()
	c.calls[key]++
	c.targets[key] = targetIDs
	c.active++
	if c.active > c.maxActive {
		c.maxActive = c.active
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.active--
		c.mu.Unlock()
	}()

	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	res := ranking.FullRankingResult{Keyword: keyword, MeasuredDate: today}
	if c.err != nil {
		return res, c.err
	}
	if reason, ok := c.fail[key]; ok {
		res.Error = reason
		return res, nil
	}
	for i := 1; i <= 5; i++ {
		res.Rankings = append(res.Rankings, ranking.RankedEntity{
			Rank:                   i,
			EntityID:               fmt.Sprintf("p%d", i),
			Name:                   fmt.Sprintf("place %d", i),
			ApproximateReviewCount: i * 100,
		})
	}
	res.TotalResults = len(res.Rankings)
	res.Success = true
	return res, nil
}

func (c *fakeCollector) totalCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.calls {
		n += v
	}
	return n
}

type fakeReviews struct {
	mu      sync.Mutex
	details map[string]ranking.ReviewDetail
	calls   [][]string
	err     error
}

func (r *fakeReviews) FetchMany(ctx context.Context, ids []string) (map[string]ranking.ReviewDetail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, ids)
	if r.err != nil {
		return nil, r.err
	}
	out := map[string]ranking.ReviewDetail{}
	for _, id := range ids {
		if d, ok := r.details[id]; ok {
			out[id] = d
		}
	}
	return out, nil
}

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

type harness struct {
	orch      *Orchestrator
	store     storage.Store
	collector *fakeCollector
	reviews   *fakeReviews
	sleeps    *sleepRecorder
}

func newHarness(t *testing.T, store storage.Store, cfg Config) *harness {
	t.Helper()
	if store == nil {
		var err error
		store, err = jsonbackend.New("")
		if err != nil {
			t.Fatalf("store: %v", err)
		}
	}
	h := &harness{
		store:     store,
		collector: newFakeCollector(),
		reviews:   &fakeReviews{details: map[string]ranking.ReviewDetail{}},
		sleeps:    &sleepRecorder{},
	}
	cache := snapshot.New(store, testClock(), 0, 0, nil)
	h.orch = New(h.collector, h.reviews, cache, store, cfg, nil)
	h.orch.sleep = h.sleeps.sleep
	return h
}

func target(id, keyword, entity, owner string) ranking.ScrapeTarget {
	return ranking.ScrapeTarget{KeywordID: id, Keyword: keyword, TargetEntityID: entity, OwnerID: owner}
}

func snapshotFor(t *testing.T, s storage.Store, keywordID string) ranking.FullRankingResult {
	t.Helper()
	recs, err := s.RecentSnapshots(context.Background(), keywordID, 1)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected one snapshot for %s, got %d", keywordID, len(recs))
	}
	return recs[0].Result
}

func TestRun_SharedKeywordAcrossOwners(t *testing.T) {
	h := newHarness(t, nil, Config{})
	targets := []ranking.ScrapeTarget{
		target("k1", "Gangnam Cafe", "p2", "owner-a"),
		target("k2", "  gangnam   cafe", "p4", "owner-b"),
	}

	sum, err := h.orch.Run(context.Background(), targets, ranking.TriggerScheduled)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.collector.totalCalls() != 1 {
		t.Fatalf("expected one collection for the shared keyword, got %d", h.collector.totalCalls())
	}
	if got := h.collector.targets["gangnam cafe"]; len(got) != 2 || got[0] != "p2" || got[1] != "p4" {
		t.Errorf("expected both target ids passed to the collector, got %v", got)
	}
	if sum.ProcessedCount != 2 || sum.FailedCount != 0 {
		t.Fatalf("expected 2 processed, got %d processed %d failed", sum.ProcessedCount, sum.FailedCount)
	}
	if sum.UniqueKeywords != 1 || sum.DuplicatesSkipped != 1 || sum.FreshKeywordCount != 1 {
		t.Errorf("unexpected counters %+v", sum)
	}

	a := snapshotFor(t, h.store, "k1")
	b := snapshotFor(t, h.store, "k2")
	if *a.TargetRank != 2 || *b.TargetRank != 4 {
		t.Errorf("expected ranks 2 and 4, got %d and %d", *a.TargetRank, *b.TargetRank)
	}
	if a.TotalResults != b.TotalResults {
		t.Fatalf("expected identical rankings")
	}
	for i := range a.Rankings {
		if a.Rankings[i].EntityID != b.Rankings[i].EntityID || a.Rankings[i].Rank != b.Rankings[i].Rank {
			t.Fatalf("rankings differ at %d", i)
		}
	}
}

func TestRun_ReusesSnapshotAcrossRuns(t *testing.T) {
	store, err := jsonbackend.New("")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	first := newHarness(t, store, Config{})
	if _, err := first.orch.Run(context.Background(), []ranking.ScrapeTarget{target("k1", "hongdae bar", "p1", "a")}, ranking.TriggerScheduled); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// a second process on the same day, different owner
	second := newHarness(t, store, Config{})
	sum, err := second.orch.Run(context.Background(), []ranking.ScrapeTarget{target("k2", "Hongdae Bar", "p3", "b")}, ranking.TriggerManual)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.collector.totalCalls() != 0 {
		t.Fatalf("expected no collection on reuse, got %d", second.collector.totalCalls())
	}
	if sum.ReusedKeywordCount != 1 || sum.FreshKeywordCount != 0 {
		t.Errorf("expected one reused keyword, got %+v", sum)
	}
	if len(sum.Results) != 1 || !sum.Results[0].Reused || *sum.Results[0].Rank != 3 {
		t.Errorf("unexpected results %+v", sum.Results)
	}

	a := snapshotFor(t, store, "k1")
	b := snapshotFor(t, store, "k2")
	if a.TotalResults != b.TotalResults || a.Rankings[0].EntityID != b.Rankings[0].EntityID {
		t.Errorf("expected reused rankings to match")
	}
	if len(second.sleeps.waits) != 0 {
		t.Errorf("expected no chunk delay for cache-only run, got %v", second.sleeps.waits)
	}
}

func TestRun_NavigationFailureContinues(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.collector.fail["bad keyword"] = "listing navigation failed: context deadline exceeded"

	targets := []ranking.ScrapeTarget{
		target("k1", "bad keyword", "p1", "a"),
		target("k2", "good keyword", "p1", "a"),
	}
	sum, err := h.orch.Run(context.Background(), targets, ranking.TriggerScheduled)
	if err != nil {
		t.Fatalf("keyword failure must not abort the run: %v", err)
	}
	if sum.ProcessedCount != 1 || sum.FailedCount != 1 {
		t.Fatalf("expected 1 processed and 1 failed, got %+v", sum)
	}
	if ExitCode(sum, err) != 0 {
		t.Errorf("expected exit code 0 with a partial success")
	}

	failed := snapshotFor(t, h.store, "k1")
	if failed.Success || failed.Error == "" {
		t.Errorf("expected an error snapshot, got %+v", failed)
	}
	if failed.MeasuredDate != today {
		t.Errorf("expected error snapshot dated today, got %q", failed.MeasuredDate)
	}

	var bad ranking.TargetResult
	for _, r := range sum.Results {
		if r.Target.KeywordID == "k1" {
			bad = r
		}
	}
	if bad.Success || bad.Error != "listing navigation failed: context deadline exceeded" {
		t.Errorf("unexpected failed target result %+v", bad)
	}
}

func TestRun_AllFailedExitCode(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.collector.fail["kw"] = "blocked by NaverCaptcha"

	sum, err := h.orch.Run(context.Background(), []ranking.ScrapeTarget{target("k1", "kw", "p1", "a")}, ranking.TriggerScheduled)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ExitCode(sum, err) != 1 {
		t.Errorf("expected exit code 1 when nothing succeeded")
	}
}

func TestRun_ConcurrencyBoundAndChunkDelay(t *testing.T) {
	h := newHarness(t, nil, Config{Concurrency: 2, ChunkDelay: 3 * time.Second})
	h.collector.delay = 10 * time.Millisecond

	var targets []ranking.ScrapeTarget
	for i := 0; i < 7; i++ {
		targets = append(targets, target(fmt.Sprintf("k%d", i), fmt.Sprintf("keyword %d", i), "p1", "a"))
	}
	sum, err := h.orch.Run(context.Background(), targets, ranking.TriggerScheduled)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.collector.maxActive > 2 {
		t.Errorf("expected at most 2 concurrent collections, saw %d", h.collector.maxActive)
	}
	if sum.ProcessedCount != 7 {
		t.Errorf("expected 7 processed, got %d", sum.ProcessedCount)
	}
	// 4 chunks, a delay between each pair
	if len(h.sleeps.waits) != 3 {
		t.Errorf("expected 3 chunk delays, got %v", h.sleeps.waits)
	}
	for _, w := range h.sleeps.waits {
		if w != 3*time.Second {
			t.Errorf("unexpected delay %v", w)
		}
	}
	if len(h.reviews.calls) != 4 {
		t.Errorf("expected one review fetch per chunk, got %d", len(h.reviews.calls))
	}
}

func TestRun_SessionUnavailableAborts(t *testing.T) {
	h := newHarness(t, nil, Config{Concurrency: 1})
	h.collector.err = fmt.Errorf("collect: %w", browser.ErrSessionUnavailable)

	targets := []ranking.ScrapeTarget{
		target("k1", "one", "p1", "a"),
		target("k2", "two", "p1", "a"),
	}
	sum, err := h.orch.Run(context.Background(), targets, ranking.TriggerScheduled)
	if !errors.Is(err, browser.ErrSessionUnavailable) {
		t.Fatalf("expected ErrSessionUnavailable, got %v", err)
	}
	if h.collector.totalCalls() != 1 {
		t.Errorf("expected the run to stop after the first chunk, got %d calls", h.collector.totalCalls())
	}
	if ExitCode(sum, err) != 1 {
		t.Errorf("expected exit code 1 for an aborted run")
	}

	logs, lerr := h.store.RecentRunLogs(context.Background(), 1)
	if lerr != nil || len(logs) != 1 {
		t.Fatalf("expected a run log, got %v %v", logs, lerr)
	}
	if logs[0].Status != storage.RunFailed || logs[0].ErrorMessage == "" {
		t.Errorf("expected failed run log with message, got %+v", logs[0])
	}
}

func TestRun_ReviewCountPrecedence(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.reviews.details["p1"] = ranking.ReviewDetail{EntityID: "p1", VisitorReviewCount: 1234, BlogReviewCount: 56}

	targets := []ranking.ScrapeTarget{
		target("k1", "kw", "p1", "a"),     // detail
		target("k2", "kw", "p3", "b"),     // listing approximation
		target("k3", "kw", "absent", "c"), // neither
	}
	sum, err := h.orch.Run(context.Background(), targets, ranking.TriggerScheduled)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.reviews.calls) != 1 || len(h.reviews.calls[0]) != 3 {
		t.Fatalf("expected one shared fetch for 3 entities, got %v", h.reviews.calls)
	}

	want := map[string][2]int{"k1": {1234, 56}, "k2": {300, 0}, "k3": {0, 0}}
	for _, r := range sum.Results {
		w := want[r.Target.KeywordID]
		if r.VisitorReviewCount != w[0] || r.BlogReviewCount != w[1] {
			t.Errorf("%s: got %d/%d, want %d/%d", r.Target.KeywordID, r.VisitorReviewCount, r.BlogReviewCount, w[0], w[1])
		}
	}
	if r := sum.Results[2]; r.Rank != nil || !r.Success {
		t.Errorf("expected unranked target to still be saved, got %+v", r)
	}

	snap := snapshotFor(t, h.store, "k1")
	if *snap.TargetVisitorReviewCount != 1234 || *snap.TargetBlogReviewCount != 56 {
		t.Errorf("unexpected stored counts %+v", snap)
	}
	if snap.Rankings[0].VisitorReviewCount == nil || *snap.Rankings[0].VisitorReviewCount != 1234 {
		t.Errorf("expected detail counts merged into stored rankings")
	}
}

func TestRun_ReusedCountsPreferMergedDetail(t *testing.T) {
	store, err := jsonbackend.New("")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	first := newHarness(t, store, Config{})
	first.reviews.details["p3"] = ranking.ReviewDetail{EntityID: "p3", VisitorReviewCount: 700, BlogReviewCount: 20}
	targets := []ranking.ScrapeTarget{
		target("k1", "kw", "p1", "a"),
		target("k3", "kw", "p3", "c"),
	}
	if _, err := first.orch.Run(context.Background(), targets, ranking.TriggerScheduled); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// no detail for p3 this time, only what today's snapshot carries
	second := newHarness(t, store, Config{})
	sum, err := second.orch.Run(context.Background(), []ranking.ScrapeTarget{target("k2", "kw", "p3", "b")}, ranking.TriggerManual)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.collector.totalCalls() != 0 {
		t.Fatalf("expected reuse, got %d collections", second.collector.totalCalls())
	}
	r := sum.Results[0]
	if r.VisitorReviewCount != 700 || r.BlogReviewCount != 20 {
		t.Errorf("expected merged counts 700/20, got %d/%d", r.VisitorReviewCount, r.BlogReviewCount)
	}
	snap := snapshotFor(t, store, "k2")
	if *snap.TargetVisitorReviewCount != 700 || *snap.TargetBlogReviewCount != 20 {
		t.Errorf("unexpected stored counts %d/%d", *snap.TargetVisitorReviewCount, *snap.TargetBlogReviewCount)
	}
}

func TestRun_PerGroupReviews(t *testing.T) {
	h := newHarness(t, nil, Config{PerGroupReviews: true})

	targets := []ranking.ScrapeTarget{
		target("k1", "one", "p1", "a"),
		target("k2", "two", "p2", "a"),
	}
	if _, err := h.orch.Run(context.Background(), targets, ranking.TriggerScheduled); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.reviews.calls) != 2 {
		t.Fatalf("expected one review fetch per group, got %v", h.reviews.calls)
	}
	for _, ids := range h.reviews.calls {
		if len(ids) != 1 {
			t.Errorf("expected group-local ids, got %v", ids)
		}
	}
}

func TestRun_RunLogMetadata(t *testing.T) {
	h := newHarness(t, nil, Config{Concurrency: 2})
	targets := []ranking.ScrapeTarget{
		target("k1", "alpha", "p1", "a"),
		target("k2", "ALPHA", "p2", "b"),
		target("k3", "beta", "p1", "a"),
		target("k4", "   ", "p1", "a"),
	}
	sum, err := h.orch.Run(context.Background(), targets, ranking.TriggerAPI)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.FailedCount != 1 || sum.ProcessedCount != 3 {
		t.Errorf("expected blank keyword to fail alone, got %+v", sum)
	}

	logs, err := h.store.RecentRunLogs(context.Background(), 1)
	if err != nil || len(logs) != 1 {
		t.Fatalf("expected a run log, got %v %v", logs, err)
	}
	l := logs[0]
	if l.ID != sum.RunLogID || l.Status != storage.RunCompleted || l.Trigger != ranking.TriggerAPI {
		t.Errorf("unexpected run log %+v", l)
	}
	want := storage.RunMetadata{
		TotalTargets: 4, UniqueKeywords: 2, NewlyScraped: 2,
		SnapshotsReused: 0, DuplicatesSkipped: 1, Concurrency: 2,
	}
	if l.Metadata != want {
		t.Errorf("metadata = %+v, want %+v", l.Metadata, want)
	}
}

func TestRunActive(t *testing.T) {
	store, err := jsonbackend.New("")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	ctx := context.Background()
	for _, kw := range []string{"alpha", "beta"} {
		if _, err := store.SaveTarget(ctx, ranking.ScrapeTarget{Keyword: kw, TargetEntityID: "p1"}); err != nil {
			t.Fatalf("save target: %v", err)
		}
	}

	h := newHarness(t, store, Config{})
	sum, err := h.orch.RunActive(ctx, ranking.TriggerScheduled)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.ProcessedCount != 2 {
		t.Fatalf("expected both targets processed, got %+v", sum)
	}

	// both are measured today now
	again := newHarness(t, store, Config{})
	sum, err = again.orch.RunActive(ctx, ranking.TriggerScheduled)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.TotalTargets != 0 || again.collector.totalCalls() != 0 {
		t.Errorf("expected nothing left to measure, got %+v", sum)
	}
	if ExitCode(sum, nil) != 0 {
		t.Errorf("expected exit code 0 for an empty run")
	}
}

func TestGroupTargets(t *testing.T) {
	groups, invalid := groupTargets([]ranking.ScrapeTarget{
		target("1", "B Keyword", "x", ""),
		target("2", "a keyword", "y", ""),
		target("3", " b  keyword ", "x", ""),
		target("4", "", "z", ""),
	})
	if len(invalid) != 1 {
		t.Errorf("expected 1 invalid target, got %d", len(invalid))
	}
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if groups[0].keyword != "B Keyword" || len(groups[0].targets) != 2 {
		t.Errorf("expected first-seen keyword text and both targets, got %+v", groups[0])
	}
	if ids := groups[0].entityIDs(); len(ids) != 1 || ids[0] != "x" {
		t.Errorf("expected deduplicated entity ids, got %v", ids)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		sum  ranking.BatchRunSummary
		err  error
		want int
	}{
		{"empty", ranking.BatchRunSummary{}, nil, 0},
		{"all ok", ranking.BatchRunSummary{ProcessedCount: 3}, nil, 0},
		{"partial", ranking.BatchRunSummary{ProcessedCount: 1, FailedCount: 2}, nil, 0},
		{"all failed", ranking.BatchRunSummary{FailedCount: 2}, nil, 1},
		{"aborted", ranking.BatchRunSummary{ProcessedCount: 5}, errors.New("boom"), 1},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.sum, tt.err); got != tt.want {
			t.Errorf("%s: ExitCode = %d, want %d", tt.name, got, tt.want)
		}
	}
}
