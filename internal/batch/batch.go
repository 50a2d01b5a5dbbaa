// Package batch runs a day's measurement for many targets: keyword
// deduplication, chunked bounded concurrency and same-day snapshot reuse.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/FranksOps/rankwatch/internal/metrics"
	"github.com/FranksOps/rankwatch/internal/ranking"
	"github.com/FranksOps/rankwatch/internal/storage"
	"github.com/FranksOps/rankwatch/pkg/ratelimit"
)

// Collector produces the ranking for one keyword.
type Collector interface {
	Collect(ctx context.Context, keyword string, targetIDs ...string) (ranking.FullRankingResult, error)
}

// ReviewFetcher reads detail review counters for entities.
type ReviewFetcher interface {
	FetchMany(ctx context.Context, entityIDs []string) (map[string]ranking.ReviewDetail, error)
}

// SnapshotCache finds rankings already collected today.
type SnapshotCache interface {
	LookupToday(ctx context.Context, keyword string) *ranking.FullRankingResult
	Remember(res ranking.FullRankingResult)
	Today() ranking.Day
}

const (
	DefaultConcurrency = 3
	DefaultChunkDelay  = 3 * time.Second
)

// Config tunes a run.
type Config struct {
	// Concurrency is both the chunk size in keywords and the bound on
	// simultaneously running keyword groups.
	Concurrency int
	// ChunkDelay separates chunks that scraped at least one keyword.
	ChunkDelay time.Duration
	// PerGroupReviews skips the chunk-level review fetch; each keyword group
	// then fetches the counters for its own targets.
	PerGroupReviews bool
}

// Orchestrator runs batches. It is safe to reuse across runs but not to run
// concurrently with itself.
type Orchestrator struct {
	collector Collector
	reviews   ReviewFetcher
	cache     SnapshotCache
	store     storage.Store
	cfg       Config
	logger    *slog.Logger
	sleep     func(context.Context, time.Duration) error
}

// New wires an Orchestrator. Non-positive Concurrency takes DefaultConcurrency.
func New(collector Collector, reviews ReviewFetcher, cache SnapshotCache, store storage.Store, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.ChunkDelay < 0 {
		cfg.ChunkDelay = 0
	}
	return &Orchestrator{
		collector: collector,
		reviews:   reviews,
		cache:     cache,
		store:     store,
		cfg:       cfg,
		logger:    logger.With("component", "batch"),
		sleep:     ratelimit.Sleep,
	}
}

// group is every target sharing one normalized keyword.
type group struct {
	key     string
	keyword string
	targets []ranking.ScrapeTarget
}

func (g group) entityIDs() []string {
	return entityIDs(g.targets)
}

// groupOutcome is what one keyword group contributed to the run.
type groupOutcome struct {
	results   []ranking.TargetResult
	processed int
	failed    int
	reused    bool
	fresh     bool
}

// RunActive measures every active target that has no snapshot today.
func (o *Orchestrator) RunActive(ctx context.Context, trigger ranking.TriggerKind) (ranking.BatchRunSummary, error) {
	day := o.cache.Today()
	targets, err := o.store.ListActiveTargets(ctx, day)
	if err != nil {
		now := time.Now()
		return ranking.BatchRunSummary{Trigger: trigger, StartedAt: now, FinishedAt: now}, fmt.Errorf("list active targets: %w", err)
	}
	o.logger.Info("active targets loaded", "day", day, "targets", len(targets))
	return o.Run(ctx, targets, trigger)
}

// Run measures targets. The error is non-nil only when the run was aborted
// (no browser session available or ctx canceled); the summary then holds the
// partial counts.
func (o *Orchestrator) Run(ctx context.Context, targets []ranking.ScrapeTarget, trigger ranking.TriggerKind) (ranking.BatchRunSummary, error) {
	summary := ranking.BatchRunSummary{
		Trigger:      trigger,
		TotalTargets: len(targets),
		Concurrency:  o.cfg.Concurrency,
		StartedAt:    time.Now(),
	}

	groups, invalid := groupTargets(targets)
	summary.UniqueKeywords = len(groups)
	summary.DuplicatesSkipped = len(targets) - len(invalid) - len(groups)
	for _, t := range invalid {
		res := ranking.TargetResult{Target: t, Error: "empty keyword"}
		metrics.RecordTarget(res)
		summary.Results = append(summary.Results, res)
		summary.FailedCount++
	}

	o.logger.Info("batch run starting",
		"trigger", trigger,
		"targets", summary.TotalTargets,
		"unique_keywords", summary.UniqueKeywords,
		"duplicates_skipped", summary.DuplicatesSkipped,
		"concurrency", o.cfg.Concurrency,
	)

	if id, err := o.store.CreateRunLog(ctx, len(targets), trigger); err != nil {
		o.logger.Warn("run log creation failed, continuing without it", "err", err)
	} else {
		summary.RunLogID = id
	}

	runErr := o.runChunks(ctx, groups, &summary)

	summary.FinishedAt = time.Now()
	status := storage.RunCompleted
	if runErr != nil {
		status = storage.RunFailed
	}
	o.finishRunLog(ctx, summary, status, runErr)
	metrics.RecordRun(trigger, string(status))

	logArgs := []any{
		"status", status,
		"processed", summary.ProcessedCount,
		"failed", summary.FailedCount,
		"fresh_keywords", summary.FreshKeywordCount,
		"reused_keywords", summary.ReusedKeywordCount,
		"duration", summary.Duration(),
	}
	if runErr != nil {
		o.logger.Error("batch run aborted", append(logArgs, "err", runErr)...)
		return summary, runErr
	}
	o.logger.Info("batch run finished", logArgs...)
	return summary, nil
}

func (o *Orchestrator) runChunks(ctx context.Context, groups []group, summary *ranking.BatchRunSummary) error {
	k := o.cfg.Concurrency
	chunks := (len(groups) + k - 1) / k

	for i := 0; i < len(groups); i += k {
		chunk := groups[i:min(i+k, len(groups))]
		n := i/k + 1
		o.logger.Info("chunk starting", "chunk", n, "chunks", chunks, "keywords", len(chunk))

		outcomes, err := o.runChunk(ctx, chunk)
		fresh := false
		for _, out := range outcomes {
			summary.Results = append(summary.Results, out.results...)
			summary.ProcessedCount += out.processed
			summary.FailedCount += out.failed
			switch {
			case out.reused:
				summary.ReusedKeywordCount++
			case out.fresh:
				summary.FreshKeywordCount++
				fresh = true
			}
		}
		if err != nil {
			return err
		}
		o.logger.Info("chunk finished", "chunk", n, "processed", summary.ProcessedCount, "failed", summary.FailedCount)

		if fresh && n < chunks && o.cfg.ChunkDelay > 0 {
			o.logger.Debug("waiting before next chunk", "delay", o.cfg.ChunkDelay)
			if err := o.sleep(ctx, o.cfg.ChunkDelay); err != nil {
				return err
			}
		}
	}
	return nil
}

// runChunk fetches the chunk's review counters once, then runs every group
// concurrently. Wait is the chunk barrier.
func (o *Orchestrator) runChunk(ctx context.Context, chunk []group) ([]groupOutcome, error) {
	var shared map[string]ranking.ReviewDetail
	if !o.cfg.PerGroupReviews {
		var ids []string
		for _, g := range chunk {
			ids = append(ids, g.entityIDs()...)
		}
		ids = dedupe(ids)
		shared = map[string]ranking.ReviewDetail{}
		if len(ids) > 0 {
			details, err := o.reviews.FetchMany(ctx, ids)
			if err != nil {
				return nil, fmt.Errorf("fetch chunk reviews: %w", err)
			}
			if details != nil {
				shared = details
			}
		}
	}

	outcomes := make([]groupOutcome, len(chunk))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)
	for i, grp := range chunk {
		i, grp := i, grp
		g.Go(func() error {
			out, err := o.processGroup(gctx, grp, shared)
			outcomes[i] = out
			return err
		})
	}
	return outcomes, g.Wait()
}

func (o *Orchestrator) processGroup(ctx context.Context, g group, shared map[string]ranking.ReviewDetail) (groupOutcome, error) {
	logger := o.logger.With("keyword", g.keyword, "targets", len(g.targets))
	var out groupOutcome

	res := o.cache.LookupToday(ctx, g.keyword)
	if res != nil {
		out.reused = true
		metrics.KeywordsTotal.WithLabelValues("reused").Inc()
		logger.Info("reusing today's snapshot", "total", res.TotalResults)
	} else {
		collected, err := o.collector.Collect(ctx, g.keyword, g.entityIDs()...)
		if err != nil {
			return out, fmt.Errorf("collect %q: %w", g.keyword, err)
		}
		if !collected.Success {
			metrics.KeywordsTotal.WithLabelValues("failed").Inc()
			logger.Warn("collection failed", "reason", collected.Error)
			o.recordFailure(ctx, g, collected, &out)
			return out, nil
		}
		metrics.KeywordsTotal.WithLabelValues("fresh").Inc()
		o.cache.Remember(collected)
		out.fresh = true
		view := collected.KeywordView()
		res = &view
	}

	details := shared
	if details == nil {
		if ids := g.entityIDs(); len(ids) > 0 {
			fetched, err := o.reviews.FetchMany(ctx, ids)
			if err != nil {
				return out, fmt.Errorf("fetch group reviews: %w", err)
			}
			details = fetched
		}
	}

	for _, t := range g.targets {
		tr := o.saveTarget(ctx, t, *res, details, out.reused)
		if tr.Success {
			out.processed++
		} else {
			out.failed++
		}
		metrics.RecordTarget(tr)
		out.results = append(out.results, tr)
	}
	return out, nil
}

// saveTarget derives the per-target result from the shared ranking and persists it.
func (o *Orchestrator) saveTarget(ctx context.Context, t ranking.ScrapeTarget, shared ranking.FullRankingResult, details map[string]ranking.ReviewDetail, reused bool) ranking.TargetResult {
	tr := ranking.TargetResult{Target: t, TotalResults: shared.TotalResults, Reused: reused}

	per := shared.KeywordView()
	per.Rankings = ranking.MergeReviews(shared.Rankings, details)

	entity, found := shared.Find(t.TargetEntityID)
	if found {
		rank := entity.Rank
		per.TargetRank = &rank
		tr.Rank = &rank
	}

	visitor, blog := 0, 0
	if d, ok := details[t.TargetEntityID]; ok && t.TargetEntityID != "" {
		visitor, blog = d.VisitorReviewCount, d.BlogReviewCount
	} else if found && (entity.VisitorReviewCount != nil || entity.BlogReviewCount != nil) {
		visitor, blog = derefOr(entity.VisitorReviewCount, 0), derefOr(entity.BlogReviewCount, 0)
	} else if found {
		visitor = entity.ApproximateReviewCount
	}
	per.TargetVisitorReviewCount = &visitor
	per.TargetBlogReviewCount = &blog
	tr.VisitorReviewCount, tr.BlogReviewCount = visitor, blog

	if err := o.store.UpsertSnapshot(ctx, t, per); err != nil {
		o.logger.Error("snapshot save failed", "keyword_id", t.KeywordID, "err", err)
		tr.Error = err.Error()
		return tr
	}
	if err := o.store.TouchTarget(ctx, t.KeywordID); err != nil {
		o.logger.Warn("keyword touch failed", "keyword_id", t.KeywordID, "err", err)
	}
	tr.Success = true

	o.logger.Info("target saved",
		"keyword_id", t.KeywordID,
		"entity_id", t.TargetEntityID,
		"rank", derefOr(tr.Rank, 0),
		"visitor_reviews", visitor,
		"blog_reviews", blog,
		"reused", reused,
	)
	return tr
}

// recordFailure persists an error snapshot for every target of a failed keyword.
func (o *Orchestrator) recordFailure(ctx context.Context, g group, res ranking.FullRankingResult, out *groupOutcome) {
	failed := res.KeywordView()
	failed.Rankings = nil
	failed.TotalResults = 0
	if failed.MeasuredDate == "" {
		failed.MeasuredDate = o.cache.Today()
	}
	for _, t := range g.targets {
		if err := o.store.UpsertSnapshot(ctx, t, failed); err != nil {
			o.logger.Warn("error snapshot save failed", "keyword_id", t.KeywordID, "err", err)
		}
		tr := ranking.TargetResult{Target: t, Error: res.Error}
		metrics.RecordTarget(tr)
		out.results = append(out.results, tr)
		out.failed++
	}
}

func (o *Orchestrator) finishRunLog(ctx context.Context, s ranking.BatchRunSummary, status storage.RunStatus, runErr error) {
	if s.RunLogID == "" {
		return
	}
	update := storage.RunLogUpdate{
		ProcessedCount: s.ProcessedCount,
		FailedCount:    s.FailedCount,
		Status:         status,
		ExecutionTime:  s.Duration(),
		Metadata: storage.RunMetadata{
			TotalTargets:      s.TotalTargets,
			UniqueKeywords:    s.UniqueKeywords,
			NewlyScraped:      s.FreshKeywordCount,
			SnapshotsReused:   s.ReusedKeywordCount,
			DuplicatesSkipped: s.DuplicatesSkipped,
			Concurrency:       s.Concurrency,
		},
	}
	if runErr != nil {
		update.ErrorMessage = runErr.Error()
	}
	// the run may have been canceled; the log still records the outcome
	if err := o.store.UpdateRunLog(context.WithoutCancel(ctx), s.RunLogID, update); err != nil {
		o.logger.Warn("run log update failed", "run_log_id", s.RunLogID, "err", err)
	}
}

// ExitCode maps a run to the process exit status: 1 when the run aborted or
// when nothing succeeded and something failed.
func ExitCode(s ranking.BatchRunSummary, err error) int {
	if err != nil {
		return 1
	}
	if s.FailedCount > 0 && s.ProcessedCount == 0 {
		return 1
	}
	return 0
}

// groupTargets groups by normalized keyword in first-seen order. Targets with
// a blank keyword are returned separately.
func groupTargets(targets []ranking.ScrapeTarget) ([]group, []ranking.ScrapeTarget) {
	var (
		groups  []group
		invalid []ranking.ScrapeTarget
		index   = make(map[string]int)
	)
	for _, t := range targets {
		key := ranking.NormalizeKeyword(t.Keyword)
		if key == "" {
			invalid = append(invalid, t)
			continue
		}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, group{key: key, keyword: strings.TrimSpace(t.Keyword)})
		}
		groups[i].targets = append(groups[i].targets, t)
	}
	return groups, invalid
}

func entityIDs(targets []ranking.ScrapeTarget) []string {
	ids := make([]string, 0, len(targets))
	for _, t := range targets {
		ids = append(ids, t.TargetEntityID)
	}
	return dedupe(ids)
}

func dedupe(ids []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func derefOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}
