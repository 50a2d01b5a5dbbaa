package serp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/FranksOps/rankwatch/internal/browser"
	"github.com/FranksOps/rankwatch/internal/bypass"
	"github.com/FranksOps/rankwatch/internal/metrics"
	"github.com/FranksOps/rankwatch/internal/ranking"
	"github.com/FranksOps/rankwatch/pkg/ratelimit"
)

// ScrollWait is the pause after a scroll while fewer than Below entities are loaded.
type ScrollWait struct {
	Below int
	Wait  time.Duration
}

// Options tune the pagination state machine.
type Options struct {
	Origin    string
	Longitude string
	Latitude  string

	// Checkpoints are the rank depths at which targets are looked for.
	Checkpoints []int
	// MaxAttempts bounds scroll attempts per checkpoint.
	MaxAttempts int
	// StableBelow is how many unchanged counts end loading while the count is
	// below the current checkpoint; StableAtOrAbove applies at or above it.
	StableBelow     int
	StableAtOrAbove int

	ScrollContainer string
	Marker          string

	NavigationTimeout   time.Duration
	MarkerTimeout       time.Duration
	SettleAfterNavigate time.Duration
	SettleAfterMarker   time.Duration
	ScrollWaits         []ScrollWait
	ScrollWaitMax       time.Duration
}

// DefaultOptions returns the production tuning.
func DefaultOptions() Options {
	return Options{
		Origin:              PlaceOrigin,
		Longitude:           "126.9783882",
		Latitude:            "37.5666103",
		Checkpoints:         []int{100, 200, 300},
		MaxAttempts:         20,
		StableBelow:         3,
		StableAtOrAbove:     2,
		ScrollContainer:     DefaultSelectors().Container,
		Marker:              `ul > li a, a[href*="/restaurant/"]`,
		NavigationTimeout:   30 * time.Second,
		MarkerTimeout:       5 * time.Second,
		SettleAfterNavigate: time.Second,
		SettleAfterMarker:   500 * time.Millisecond,
		ScrollWaits: []ScrollWait{
			{Below: 100, Wait: 800 * time.Millisecond},
			{Below: 200, Wait: 1200 * time.Millisecond},
			{Below: 300, Wait: 1500 * time.Millisecond},
		},
		ScrollWaitMax: 2 * time.Second,
	}
}

// Collector drives one keyword listing to the target or to the depth ceiling.
type Collector struct {
	launcher  browser.Launcher
	strategy  Strategy
	opts      Options
	detectors []bypass.Detector
	clock     ranking.Clock
	logger    *slog.Logger
	sleep     func(context.Context, time.Duration) error
}

// NewCollector wires a collector. Missing option fields take DefaultOptions values.
func NewCollector(launcher browser.Launcher, strategy Strategy, opts Options, clock ranking.Clock, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if strategy == nil {
		strategy = NewListingStrategy(Selectors{})
	}
	def := DefaultOptions()
	if len(opts.Checkpoints) == 0 {
		opts.Checkpoints = def.Checkpoints
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.StableBelow <= 0 {
		opts.StableBelow = def.StableBelow
	}
	if opts.StableAtOrAbove <= 0 {
		opts.StableAtOrAbove = def.StableAtOrAbove
	}
	if opts.ScrollContainer == "" {
		opts.ScrollContainer = def.ScrollContainer
	}
	if opts.Marker == "" {
		opts.Marker = def.Marker
	}
	if opts.Longitude == "" || opts.Latitude == "" {
		opts.Longitude, opts.Latitude = def.Longitude, def.Latitude
	}
	return &Collector{
		launcher:  launcher,
		strategy:  strategy,
		opts:      opts,
		detectors: bypass.DefaultDetectors(),
		clock:     clock,
		logger:    logger.With("component", "collector"),
		sleep:     ratelimit.Sleep,
	}
}

// Collect loads the listing for keyword and returns its ranking. When target
// ids are given, collection stops at the first checkpoint where all of them
// are present, and TargetRank refers to the first id.
//
// The error is non-nil only when no browser session could be opened or ctx
// was canceled; every other failure is reported in the result.
func (c *Collector) Collect(ctx context.Context, keyword string, targetIDs ...string) (ranking.FullRankingResult, error) {
	start := time.Now()
	res, err := c.collect(ctx, keyword, compact(targetIDs))
	if err != nil {
		return res, err
	}
	metrics.RecordCollect(res, time.Since(start))
	return res, nil
}

func (c *Collector) collect(ctx context.Context, keyword string, targets []string) (ranking.FullRankingResult, error) {
	keyword = strings.TrimSpace(keyword)
	result := ranking.FullRankingResult{Keyword: keyword, MeasuredDate: c.clock.Today()}
	logger := c.logger.With("keyword", keyword)

	session, err := c.launcher.NewSession(ctx)
	if err != nil {
		return result, fmt.Errorf("collect %q: %w", keyword, err)
	}
	defer session.Close()

	listURL := ListingURL(c.opts.Origin, keyword, c.opts.Longitude, c.opts.Latitude)
	logger.Info("loading listing", "url", listURL, "targets", targets)

	nav := browser.NavigateOptions{WaitUntil: browser.WaitDOMContentLoaded, Timeout: c.opts.NavigationTimeout}
	if err := session.Navigate(ctx, listURL, nav); err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return c.fail(result, "listing navigation failed: %v", err), nil
	}
	if err := c.sleep(ctx, c.opts.SettleAfterNavigate); err != nil {
		return result, err
	}
	if w := session.WaitForMarker(ctx, c.opts.Marker, c.opts.MarkerTimeout); !w.Found {
		logger.Debug("listing marker not seen", "selector", w.Selector, "timed_out", w.TimedOut, "err", w.Err)
	}
	if err := c.sleep(ctx, c.opts.SettleAfterMarker); err != nil {
		return result, err
	}

	html, err := browser.DocumentHTML(ctx, session)
	if err != nil {
		return c.abortOrFail(ctx, result, "read listing: %v", err)
	}
	if block := bypass.Analyze(bypass.Page{URL: listURL, HTML: html}, c.detectors); block.Detected {
		browser.ReportBlocked(session)
		metrics.BlockDetections.WithLabelValues(block.Source).Inc()
		return c.fail(result, "blocked by %s", block.Source), nil
	}
	browser.ReportHealthy(session)

	ext, err := c.strategy.Extract(html)
	if err != nil {
		return c.fail(result, "extract listing: %v", err), nil
	}
	if !ext.Scrollable {
		return c.fail(result, "listing has no scrollable result container"), nil
	}

	var (
		entities = ext.Entities
		prev     int
		stable   int
		fresh    = true // entities reflect the page since the last scroll
	)

checkpoints:
	for _, cp := range c.opts.Checkpoints {
		if cp > ranking.MaxDepth {
			cp = ranking.MaxDepth
		}
		stalled := false

		for attempt := 0; attempt < c.opts.MaxAttempts; attempt++ {
			if !fresh {
				if entities, err = c.extract(ctx, session); err != nil {
					return c.abortOrFail(ctx, result, "extract listing: %v", err)
				}
				fresh = true
			}
			count := len(entities)
			if count >= cp {
				break
			}

			if _, err := browser.ScrollToBottom(ctx, session, c.opts.ScrollContainer); err != nil {
				return c.abortOrFail(ctx, result, "scroll listing: %v", err)
			}
			metrics.ScrollsTotal.Inc()
			fresh = false
			if err := c.sleep(ctx, c.scrollWait(count)); err != nil {
				return result, err
			}

			if count == prev {
				stable++
				limit := c.opts.StableBelow
				if count >= cp {
					limit = c.opts.StableAtOrAbove
				}
				if stable >= limit {
					stalled = true
					break
				}
			} else {
				stable = 0
			}
			prev = count
		}

		if !fresh {
			if entities, err = c.extract(ctx, session); err != nil {
				return c.abortOrFail(ctx, result, "extract listing: %v", err)
			}
			fresh = true
		}
		logger.Debug("checkpoint", "checkpoint", cp, "collected", len(entities), "stalled", stalled)

		if len(targets) > 0 && allPresent(entities, targets) {
			logger.Info("targets found", "checkpoint", cp, "collected", len(entities))
			break checkpoints
		}
		if stalled {
			break
		}
	}

	return c.finish(result, entities, targets), nil
}

func (c *Collector) extract(ctx context.Context, s browser.Session) ([]ranking.RankedEntity, error) {
	html, err := browser.DocumentHTML(ctx, s)
	if err != nil {
		return nil, err
	}
	ext, err := c.strategy.Extract(html)
	if err != nil {
		return nil, err
	}
	return ext.Entities, nil
}

func (c *Collector) scrollWait(count int) time.Duration {
	for _, w := range c.opts.ScrollWaits {
		if count < w.Below {
			return w.Wait
		}
	}
	return c.opts.ScrollWaitMax
}

func (c *Collector) finish(result ranking.FullRankingResult, entities []ranking.RankedEntity, targets []string) ranking.FullRankingResult {
	if len(entities) > ranking.MaxDepth {
		entities = entities[:ranking.MaxDepth]
	}
	result.Rankings = entities
	result.TotalResults = len(entities)
	result.Success = true

	if len(targets) > 0 {
		if e, ok := result.Find(targets[0]); ok {
			rank := e.Rank
			result.TargetRank = &rank
		}
	}

	c.logger.Info("listing collected",
		"keyword", result.Keyword,
		"total", result.TotalResults,
		"target_rank", derefOr(result.TargetRank, 0),
	)
	return result
}

func (c *Collector) fail(result ranking.FullRankingResult, format string, args ...any) ranking.FullRankingResult {
	result.Success = false
	result.Error = fmt.Sprintf(format, args...)
	result.Rankings = nil
	result.TotalResults = 0
	c.logger.Warn("collection failed", "keyword", result.Keyword, "reason", result.Error)
	return result
}

func (c *Collector) abortOrFail(ctx context.Context, result ranking.FullRankingResult, format string, args ...any) (ranking.FullRankingResult, error) {
	if err := ctx.Err(); err != nil {
		return result, err
	}
	return c.fail(result, format, args...), nil
}

func allPresent(entities []ranking.RankedEntity, ids []string) bool {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	for _, e := range entities {
		delete(want, e.EntityID)
		if len(want) == 0 {
			return true
		}
	}
	return len(want) == 0
}

// compact drops blanks and duplicates, keeping order.
func compact(ids []string) []string {
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
