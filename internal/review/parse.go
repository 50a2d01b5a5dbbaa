package review

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Counts are the two counters shown on a profile page. A zero counter may
// also mean the counter was not found.
type Counts struct {
	Visitor int
	Blog    int
}

const (
	visitorLabel = "방문자"
	blogLabel    = "블로그"

	counterSelector         = ".dAsGb .PXMot a"
	counterFallbackSelector = ".dAsGb .PXMot"
)

var (
	numberRe      = regexp.MustCompile(`\d+(?:,\d+)*`)
	visitorTextRe = regexp.MustCompile(`방문자\s*리뷰\s*(\d+(?:,\d+)*)`)
	blogTextRe    = regexp.MustCompile(`블로그\s*리뷰\s*(\d+(?:,\d+)*)`)
)

// ParseCounts reads the counters from the structured review summary first and
// falls back to matching the page text for any counter still at zero.
func ParseCounts(html string) (Counts, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Counts{}, fmt.Errorf("parse profile: %w", err)
	}

	var c Counts
	nodes := doc.Find(counterSelector)
	if nodes.Length() == 0 {
		nodes = doc.Find(counterFallbackSelector)
	}
	nodes.Each(func(_ int, s *goquery.Selection) {
		text := s.Text()
		switch {
		case strings.Contains(text, visitorLabel) && c.Visitor == 0:
			c.Visitor = firstNumber(text)
		case strings.Contains(text, blogLabel) && c.Blog == 0:
			c.Blog = firstNumber(text)
		}
	})

	if c.Visitor == 0 || c.Blog == 0 {
		body := doc.Find("body").Text()
		if c.Visitor == 0 {
			c.Visitor = submatchNumber(visitorTextRe, body)
		}
		if c.Blog == 0 {
			c.Blog = submatchNumber(blogTextRe, body)
		}
	}
	return c, nil
}

func firstNumber(text string) int {
	return atoi(numberRe.FindString(text))
}

func submatchNumber(re *regexp.Regexp, text string) int {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	return atoi(m[1])
}

func atoi(s string) int {
	n, err := strconv.Atoi(strings.ReplaceAll(s, ",", ""))
	if err != nil {
		return 0
	}
	return n
}
