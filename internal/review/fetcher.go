// Package review reads visitor and blog review counters from profile pages.
package review

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

// Config tunes profile visits.
type Config struct {
	// Origin is the place site; profiles live at {Origin}/place/{id}/home.
	Origin            string
	NavigationTimeout time.Duration
	MarkerTimeout     time.Duration
	Marker            string
	SettleBefore      time.Duration
	SettleAfter       time.Duration
	// PaceMin and PaceMax bound the randomized pause between entities.
	PaceMin time.Duration
	PaceMax time.Duration
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		Origin:            "https://m.place.naver.com",
		NavigationTimeout: 15 * time.Second,
		MarkerTimeout:     3 * time.Second,
		Marker:            `.place_section_content, [class*="review"]`,
		SettleBefore:      1500 * time.Millisecond,
		SettleAfter:       500 * time.Millisecond,
		PaceMin:           2 * time.Second,
		PaceMax:           3 * time.Second,
	}
}

// Fetcher visits profile pages one after another in a single tab.
type Fetcher struct {
	launcher  browser.Launcher
	cfg       Config
	pace      *ratelimit.Delay
	detectors []bypass.Detector
	logger    *slog.Logger
	sleep     func(context.Context, time.Duration) error
}

// NewFetcher creates a Fetcher. Empty Origin and Marker take DefaultConfig values.
func NewFetcher(launcher browser.Launcher, cfg Config, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Origin == "" {
		cfg.Origin = def.Origin
	}
	if cfg.Marker == "" {
		cfg.Marker = def.Marker
	}
	return &Fetcher{
		launcher:  launcher,
		cfg:       cfg,
		pace:      ratelimit.NewDelay(cfg.PaceMin, cfg.PaceMax),
		detectors: bypass.DefaultDetectors(),
		logger:    logger.With("component", "reviews"),
		sleep:     ratelimit.Sleep,
	}
}

// ProfileURL is the home view of an entity.
func (f *Fetcher) ProfileURL(entityID string) string {
	return fmt.Sprintf("%s/place/%s/home", strings.TrimRight(f.cfg.Origin, "/"), entityID)
}

// FetchMany visits every entity once and returns the counters that could be
// read. Entities that fail are logged and left out. The error is non-nil only
// when no session could be opened or ctx was canceled.
func (f *Fetcher) FetchMany(ctx context.Context, entityIDs []string) (map[string]ranking.ReviewDetail, error) {
	ids := unique(entityIDs)
	out := make(map[string]ranking.ReviewDetail, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	session, err := f.launcher.NewSession(ctx)
	if err != nil {
		return out, fmt.Errorf("fetch reviews: %w", err)
	}
	defer session.Close()

	f.logger.Info("fetching review counts", "entities", len(ids))
	for i, id := range ids {
		detail, err := f.fetch(ctx, session, id)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			metrics.ReviewFetchesTotal.WithLabelValues("failed").Inc()
			f.logger.Warn("review fetch failed", "entity_id", id, "err", err)
		} else {
			metrics.ReviewFetchesTotal.WithLabelValues("ok").Inc()
			out[id] = detail
		}

		if i < len(ids)-1 {
			if err := f.sleep(ctx, f.pace.Next()); err != nil {
				return out, err
			}
		}
	}

	f.logger.Info("review counts fetched", "requested", len(ids), "fetched", len(out))
	return out, nil
}

// FetchOne reads a single entity. A nil detail with a nil error means the
// counters could not be read.
func (f *Fetcher) FetchOne(ctx context.Context, entityID string) (*ranking.ReviewDetail, error) {
	m, err := f.FetchMany(ctx, []string{entityID})
	if err != nil {
		return nil, err
	}
	d, ok := m[strings.TrimSpace(entityID)]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (f *Fetcher) fetch(ctx context.Context, s browser.Session, id string) (ranking.ReviewDetail, error) {
	u := f.ProfileURL(id)
	if err := s.Navigate(ctx, u, browser.NavigateOptions{WaitUntil: browser.WaitLoad, Timeout: f.cfg.NavigationTimeout}); err != nil {
		return ranking.ReviewDetail{}, err
	}
	if err := f.sleep(ctx, f.cfg.SettleBefore); err != nil {
		return ranking.ReviewDetail{}, err
	}
	if w := s.WaitForMarker(ctx, f.cfg.Marker, f.cfg.MarkerTimeout); !w.Found {
		f.logger.Debug("review marker not seen", "entity_id", id, "timed_out", w.TimedOut)
	}
	if err := f.sleep(ctx, f.cfg.SettleAfter); err != nil {
		return ranking.ReviewDetail{}, err
	}

	html, err := browser.DocumentHTML(ctx, s)
	if err != nil {
		return ranking.ReviewDetail{}, err
	}
	final, err := browser.CurrentURL(ctx, s)
	if err != nil {
		f.logger.Debug("profile location unreadable", "entity_id", id, "err", err)
		final = u
	}
	if final != u {
		f.logger.Debug("profile redirected", "entity_id", id, "url", final)
	}
	if block := bypass.Analyze(bypass.Page{URL: final, HTML: html}, f.detectors); block.Detected {
		browser.ReportBlocked(s)
		metrics.BlockDetections.WithLabelValues(block.Source).Inc()
		return ranking.ReviewDetail{}, fmt.Errorf("blocked by %s at %s", block.Source, final)
	}

	counts, err := ParseCounts(html)
	if err != nil {
		return ranking.ReviewDetail{}, err
	}
	return ranking.ReviewDetail{
		EntityID:           id,
		VisitorReviewCount: counts.Visitor,
		BlogReviewCount:    counts.Blog,
	}, nil
}

func unique(ids []string) []string {
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
