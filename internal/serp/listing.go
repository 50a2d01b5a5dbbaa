package serp

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/FranksOps/rankwatch/internal/ranking"
	"github.com/PuerkitoBio/goquery"
)

const (
	// PlaceOrigin is the mobile place site.
	PlaceOrigin = "https://m.place.naver.com"

	maxNameRunes = 50
)

// Selectors is the structural contract of the listing markup.
type Selectors struct {
	Container string
	Item      string
	Name      string
	Category  string
	// AdLabel marks a sponsored entry.
	AdLabel string
	// AdTexts also mark sponsored entries when found in an item's text.
	AdTexts []string
	// NewOpenSection wraps the "newly opened" highlight, which is not ranked.
	NewOpenSection string
}

// DefaultSelectors matches the Naver Place mobile list.
func DefaultSelectors() Selectors {
	return Selectors{
		Container:      ".YluNG",
		Item:           "ul > li.VLTHu",
		Name:           ".YwYLL",
		Category:       ".YzBgS",
		AdLabel:        ".place_ad_label_text",
		AdTexts:        []string{"광고"},
		NewOpenSection: ".phKao.lLNP9",
	}
}

var (
	entityHrefRe = regexp.MustCompile(`/(?:place|restaurant|cafe|hairshop|nailshop|hospital|accommodation|attraction)/(\d+)`)
	reviewTextRe = regexp.MustCompile(`리뷰\s*(\d[\d,]*(?:\.\d+)?\s*만?\+?)`)
)

// ListingStrategy extracts entities from the place list with goquery.
type ListingStrategy struct {
	sel Selectors
}

var _ Strategy = (*ListingStrategy)(nil)

// NewListingStrategy returns a strategy for sel; empty fields fall back to
// DefaultSelectors.
func NewListingStrategy(sel Selectors) *ListingStrategy {
	def := DefaultSelectors()
	if sel.Container == "" {
		sel.Container = def.Container
	}
	if sel.Item == "" {
		sel.Item = def.Item
	}
	if sel.Name == "" {
		sel.Name = def.Name
	}
	if sel.Category == "" {
		sel.Category = def.Category
	}
	if sel.AdLabel == "" {
		sel.AdLabel = def.AdLabel
	}
	if sel.AdTexts == nil {
		sel.AdTexts = def.AdTexts
	}
	if sel.NewOpenSection == "" {
		sel.NewOpenSection = def.NewOpenSection
	}
	return &ListingStrategy{sel: sel}
}

// Selectors returns the contract in use.
func (s *ListingStrategy) Selectors() Selectors { return s.sel }

func (s *ListingStrategy) Extract(html string) (Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Extraction{}, fmt.Errorf("parse listing: %w", err)
	}

	ext := Extraction{Scrollable: doc.Find(s.sel.Container).Length() > 0}
	seen := make(map[string]struct{})

	doc.Find(s.sel.Item).EachWithBreak(func(_ int, item *goquery.Selection) bool {
		if item.Closest(s.sel.NewOpenSection).Length() > 0 {
			return true
		}
		text := item.Text()
		if s.sponsored(item, text) {
			return true
		}

		id, href := entityLink(item)
		if id == "" {
			return true
		}
		if _, dup := seen[id]; dup {
			return true
		}
		seen[id] = struct{}{}

		name := collapseSpace(item.Find(s.sel.Name).First().Text())
		if name == "" {
			name = fallbackName(text)
		}

		e := ranking.RankedEntity{
			Rank:        len(ext.Entities) + 1,
			EntityID:    id,
			Name:        name,
			Category:    collapseSpace(item.Find(s.sel.Category).First().Text()),
			ProfileHref: href,
		}
		if m := reviewTextRe.FindStringSubmatch(text); m != nil {
			e.ApproximateReviewText = strings.Join(strings.Fields(m[1]), "")
			e.ApproximateReviewCount = ParseApproximateCount(m[1])
		}
		ext.Entities = append(ext.Entities, e)

		return len(ext.Entities) < ranking.MaxDepth
	})

	return ext, nil
}

func (s *ListingStrategy) sponsored(item *goquery.Selection, text string) bool {
	if item.Find(s.sel.AdLabel).Length() > 0 {
		return true
	}
	for _, t := range s.sel.AdTexts {
		if t != "" && strings.Contains(text, t) {
			return true
		}
	}
	return false
}

// entityLink returns the id and absolute profile URL of the first anchor that
// points at an entity.
func entityLink(item *goquery.Selection) (id, href string) {
	item.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		raw, _ := a.Attr("href")
		m := entityHrefRe.FindStringSubmatch(raw)
		if m == nil {
			return true
		}
		id = m[1]
		href = absolute(raw)
		return false
	})
	return id, href
}

func absolute(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	base, _ := url.Parse(PlaceOrigin)
	return base.ResolveReference(u).String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// fallbackName uses the first non-empty line of the item text, cut to 50
// runes with whitespace collapsed.
func fallbackName(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if r := []rune(line); len(r) > maxNameRunes {
			line = string(r[:maxNameRunes])
		}
		return collapseSpace(line)
	}
	return ""
}

// ParseApproximateCount reads listing review text such as "1,234", "2.2만"
// or "999+". Unparseable text yields 0.
func ParseApproximateCount(text string) int {
	s := strings.Join(strings.Fields(text), "")
	s = strings.TrimSuffix(s, "+")
	s = strings.ReplaceAll(s, ",", "")

	mult := 1.0
	if strings.HasSuffix(s, "만") {
		mult = 10000
		s = strings.TrimSuffix(s, "만")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0
	}
	return int(v*mult + 0.5)
}

// ListingURL builds the list URL for keyword centred on the given coordinates.
func ListingURL(origin, keyword, longitude, latitude string) string {
	if origin == "" {
		origin = PlaceOrigin
	}
	q := url.Values{}
	q.Set("query", keyword)
	q.Set("x", longitude)
	q.Set("y", latitude)
	q.Set("level", "top")
	return strings.TrimRight(origin, "/") + "/place/list?" + q.Encode()
}
