package cli

import (
	"context"
	"fmt"

	"github.com/FranksOps/rankwatch/internal/batch"
	"github.com/FranksOps/rankwatch/internal/browser"
	"github.com/FranksOps/rankwatch/internal/ranking"
	"github.com/FranksOps/rankwatch/internal/review"
	"github.com/FranksOps/rankwatch/internal/serp"
	"github.com/FranksOps/rankwatch/internal/snapshot"
	"github.com/FranksOps/rankwatch/internal/storage"
	"github.com/FranksOps/rankwatch/internal/storage/jsonbackend"
	"github.com/FranksOps/rankwatch/internal/storage/postgres"
	"github.com/FranksOps/rankwatch/internal/storage/sqlite"
	"github.com/FranksOps/rankwatch/pkg/proxy"
	"github.com/FranksOps/rankwatch/pkg/useragent"
)

// engine is the fully wired measurement stack.
type engine struct {
	clock     ranking.Clock
	collector *serp.Collector
	reviews   *review.Fetcher
	cache     *snapshot.Cache
	orch      *batch.Orchestrator
}

func (a *app) openStore(ctx context.Context) (storage.Store, error) {
	sc := a.cfg.Storage
	switch sc.Driver {
	case "postgres":
		return postgres.New(ctx, sc.DSN, a.logger)
	case "sqlite":
		return sqlite.New(ctx, sc.DSN, a.logger)
	case "json":
		return jsonbackend.New(sc.DSN)
	}
	return nil, fmt.Errorf("unknown storage driver %q", sc.Driver)
}

func (a *app) launcher() (browser.Launcher, error) {
	bc := a.cfg.Browser
	cc := browser.ChromeConfig{
		ExecPath:     bc.ExecPath,
		Headless:     bc.Headless,
		StartTimeout: bc.StartTimeout,
		UserAgents:   useragent.NewPool(bc.UserAgents),
	}
	if bc.ProxyFile != "" {
		pool := proxy.NewPool(proxy.Config{})
		if err := pool.LoadFile(bc.ProxyFile); err != nil {
			return nil, err
		}
		a.logger.Info("proxies loaded", "count", pool.Len())
		cc.Proxies = pool
	}
	return browser.NewChromeLauncher(cc, a.logger), nil
}

// newEngine wires the collector, review fetcher, snapshot cache and
// orchestrator. store may be nil for commands that never persist.
func (a *app) newEngine(store storage.Store) (*engine, error) {
	launcher, err := a.launcher()
	if err != nil {
		return nil, err
	}
	clock := ranking.NewClock(a.cfg.Location())

	opts := serp.DefaultOptions()
	cc := a.cfg.Collector
	if cc.NavigationTimeout > 0 {
		opts.NavigationTimeout = cc.NavigationTimeout
	}
	if cc.Longitude != "" && cc.Latitude != "" {
		opts.Longitude, opts.Latitude = cc.Longitude, cc.Latitude
	}
	if cc.MaxAttempts > 0 {
		opts.MaxAttempts = cc.MaxAttempts
	}
	collector := serp.NewCollector(launcher, serp.NewListingStrategy(serp.Selectors{}), opts, clock, a.logger)

	rc := review.DefaultConfig()
	if a.cfg.Reviews.NavigationTimeout > 0 {
		rc.NavigationTimeout = a.cfg.Reviews.NavigationTimeout
	}
	rc.PaceMin, rc.PaceMax = a.cfg.Reviews.PaceMin, a.cfg.Reviews.PaceMax
	reviews := review.NewFetcher(launcher, rc, a.logger)

	var source snapshot.Source
	if store != nil {
		source = store
	}
	cache := snapshot.New(source, clock, a.cfg.Cache.Size, a.cfg.Cache.TTL, a.logger)

	e := &engine{clock: clock, collector: collector, reviews: reviews, cache: cache}
	if store != nil {
		e.orch = batch.New(collector, reviews, cache, store, batch.Config{
			Concurrency:     a.cfg.Batch.Concurrency,
			ChunkDelay:      a.cfg.Batch.ChunkDelay,
			PerGroupReviews: a.cfg.Batch.PerGroupReviews,
		}, a.logger)
	}
	return e, nil
}
