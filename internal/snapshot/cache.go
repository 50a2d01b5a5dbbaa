// Package snapshot answers "was this keyword already measured today?" across
// runs and owners.
package snapshot

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/FranksOps/rankwatch/internal/ranking"
)

// Source is the durable side of the cache. A miss is (nil, nil).
type Source interface {
	GetTodaySnapshot(ctx context.Context, keyword string, day ranking.Day) (*ranking.FullRankingResult, error)
}

const (
	DefaultSize = 1024
	DefaultTTL  = 6 * time.Hour
)

type key struct {
	keyword string
	day     ranking.Day
}

// Cache fronts a Source with an in-process expirable LRU. Entries are keyed
// by normalized keyword and pinned day, so a day rollover is always a miss.
type Cache struct {
	source Source
	clock  ranking.Clock
	lru    *expirable.LRU[key, ranking.FullRankingResult]
	logger *slog.Logger
}

// New creates a Cache. size and ttl fall back to DefaultSize and DefaultTTL
// when non-positive. A nil source makes the cache purely in-process.
func New(source Source, clock ranking.Clock, size int, ttl time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		source: source,
		clock:  clock,
		lru:    expirable.NewLRU[key, ranking.FullRankingResult](size, nil, ttl),
		logger: logger.With("component", "snapshot"),
	}
}

// Today is the pinned calendar day used for every lookup.
func (c *Cache) Today() ranking.Day {
	return c.clock.Today()
}

// LookupToday returns the keyword-level ranking already collected today for
// keyword by any owner, or nil. Read failures are logged and count as a miss.
func (c *Cache) LookupToday(ctx context.Context, keyword string) *ranking.FullRankingResult {
	k := key{keyword: ranking.NormalizeKeyword(keyword), day: c.Today()}
	if k.keyword == "" {
		return nil
	}
	if res, ok := c.lru.Get(k); ok {
		return &res
	}
	if c.source == nil {
		return nil
	}

	res, err := c.source.GetTodaySnapshot(ctx, k.keyword, k.day)
	if err != nil {
		c.logger.Warn("snapshot lookup failed, treating as miss", "keyword", keyword, "day", k.day, "err", err)
		return nil
	}
	if res == nil || !res.Success {
		return nil
	}

	view := res.KeywordView()
	c.lru.Add(k, view)
	return &view
}

// Remember seeds the cache with a fresh successful collection so later groups
// in the same process skip the store round trip.
func (c *Cache) Remember(res ranking.FullRankingResult) {
	if !res.Success {
		return
	}
	day := res.MeasuredDate
	if day == "" {
		day = c.Today()
	}
	k := key{keyword: ranking.NormalizeKeyword(res.Keyword), day: day}
	if k.keyword == "" {
		return
	}
	c.lru.Add(k, res.KeywordView())
}

// Len is the number of entries held in memory.
func (c *Cache) Len() int {
	return c.lru.Len()
}
