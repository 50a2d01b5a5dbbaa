package ranking

import (
	"errors"
	"testing"
	"time"
)

func TestNormalizeKeyword(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Coffee Shop A", "coffee shop a"},
		{"  coffee   shop a ", "coffee shop a"},
		{"강남 맛집", "강남 맛집"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeKeyword(tt.in); got != tt.want {
			t.Errorf("NormalizeKeyword(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestClock_PinnedTimezone(t *testing.T) {
	seoul := time.FixedZone("KST", 9*60*60)
	// 20:30 UTC is already the next day in Seoul
	instant := time.Date(2026, 10, 16, 20, 30, 0, 0, time.UTC)

	c := Clock{Now: func() time.Time { return instant }, Location: seoul}
	if got := c.Today(); got != "2026-10-17" {
		t.Errorf("expected 2026-10-17, got %s", got)
	}

	utc := Clock{Now: func() time.Time { return instant }}
	if got := utc.Today(); got != "2026-10-16" {
		t.Errorf("expected 2026-10-16 without location, got %s", got)
	}
}

func TestDay_Time(t *testing.T) {
	d := Day("2026-03-01")
	got, err := d.Time(time.UTC)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Year() != 2026 || got.Month() != time.March || got.Day() != 1 {
		t.Errorf("unexpected time %v", got)
	}
}

func entities(ids ...string) []RankedEntity {
	out := make([]RankedEntity, len(ids))
	for i, id := range ids {
		out[i] = RankedEntity{Rank: i + 1, EntityID: id, Name: "n" + id}
	}
	return out
}

func TestValidate(t *testing.T) {
	ok := FullRankingResult{Rankings: entities("1", "2", "3"), TotalResults: 3}
	if err := Validate(ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mismatch := FullRankingResult{Rankings: entities("1", "2"), TotalResults: 3}
	if err := Validate(mismatch); !errors.Is(err, ErrCountMismatch) {
		t.Errorf("expected ErrCountMismatch, got %v", err)
	}

	gap := FullRankingResult{Rankings: entities("1", "2"), TotalResults: 2}
	gap.Rankings[1].Rank = 3
	if err := Validate(gap); !errors.Is(err, ErrRankSequence) {
		t.Errorf("expected ErrRankSequence, got %v", err)
	}

	dup := FullRankingResult{Rankings: entities("1", "1"), TotalResults: 2}
	if err := Validate(dup); !errors.Is(err, ErrDuplicateEntity) {
		t.Errorf("expected ErrDuplicateEntity, got %v", err)
	}

	empty := FullRankingResult{Success: true}
	if err := Validate(empty); err != nil {
		t.Errorf("empty result should be valid, got %v", err)
	}
}

func TestKeywordView(t *testing.T) {
	rank := 4
	r := FullRankingResult{Keyword: "k", TargetRank: &rank, Rankings: entities("a")}
	v := r.KeywordView()
	if v.TargetRank != nil {
		t.Errorf("expected target rank cleared")
	}
	if r.TargetRank == nil {
		t.Errorf("original must keep its target rank")
	}
	if len(v.Rankings) != 1 {
		t.Errorf("expected rankings preserved")
	}
}

func TestMergeReviews(t *testing.T) {
	rankings := entities("a", "b")
	details := map[string]ReviewDetail{
		"b": {EntityID: "b", VisitorReviewCount: 10, BlogReviewCount: 3},
	}

	merged := MergeReviews(rankings, details)
	if merged[0].VisitorReviewCount != nil {
		t.Errorf("expected no counts for a")
	}
	if merged[1].VisitorReviewCount == nil || *merged[1].VisitorReviewCount != 10 {
		t.Errorf("expected visitor count 10 for b")
	}
	if rankings[1].VisitorReviewCount != nil {
		t.Errorf("input rankings must not be mutated")
	}
	if details["b"].TotalReviewCount() != 13 {
		t.Errorf("expected total 13, got %d", details["b"].TotalReviewCount())
	}
}

func TestParseTrigger(t *testing.T) {
	for _, s := range []string{"scheduled", "manual", "api"} {
		if _, err := ParseTrigger(s); err != nil {
			t.Errorf("ParseTrigger(%q) unexpected error: %v", s, err)
		}
	}
	if _, err := ParseTrigger("cron"); err == nil {
		t.Errorf("expected error for unknown trigger")
	}
}
