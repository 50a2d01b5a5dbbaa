package ranking

import (
	"errors"
	"fmt"
	"time"
)

// MaxDepth is the deepest rank collected for a keyword.
const MaxDepth = 300

// ScrapeTarget is one (keyword, business) pair that should be measured.
// Many targets may share a keyword; NormalizeKeyword defines that identity.
type ScrapeTarget struct {
	KeywordID      string `json:"keyword_id" yaml:"keyword_id"`
	Keyword        string `json:"keyword" yaml:"keyword"`
	TargetEntityID string `json:"target_entity_id,omitempty" yaml:"entity_id"`
	OwnerID        string `json:"owner_id,omitempty" yaml:"owner_id"`
	DisplayName    string `json:"display_name,omitempty" yaml:"display_name"`
	Category       string `json:"category,omitempty" yaml:"category"`
}

// RankedEntity is a single non-sponsored entry of a listing.
type RankedEntity struct {
	Rank                   int    `json:"rank"`
	EntityID               string `json:"entity_id"`
	Name                   string `json:"name"`
	Category               string `json:"category,omitempty"`
	ProfileHref            string `json:"href,omitempty"`
	ApproximateReviewCount int    `json:"review_count,omitempty"`
	ApproximateReviewText  string `json:"review_count_raw,omitempty"`

	// Filled by MergeReviews when detail counts are known.
	VisitorReviewCount *int `json:"visitor_review_count,omitempty"`
	BlogReviewCount    *int `json:"blog_review_count,omitempty"`
}

// FullRankingResult is the complete listing for one keyword on one day.
type FullRankingResult struct {
	Keyword      string         `json:"keyword"`
	MeasuredDate Day            `json:"measured_date"`
	TotalResults int            `json:"total_results"`
	Rankings     []RankedEntity `json:"rankings"`

	TargetRank               *int `json:"target_rank,omitempty"`
	TargetVisitorReviewCount *int `json:"target_visitor_review_count,omitempty"`
	TargetBlogReviewCount    *int `json:"target_blog_review_count,omitempty"`

	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// KeywordView returns a copy stripped of target-specific fields, suitable for
// sharing between targets of the same keyword.
func (r FullRankingResult) KeywordView() FullRankingResult {
	r.TargetRank = nil
	r.TargetVisitorReviewCount = nil
	r.TargetBlogReviewCount = nil
	return r
}

// Find returns the entity with the given id, if present.
func (r FullRankingResult) Find(entityID string) (RankedEntity, bool) {
	if entityID == "" {
		return RankedEntity{}, false
	}
	for _, e := range r.Rankings {
		if e.EntityID == entityID {
			return e, true
		}
	}
	return RankedEntity{}, false
}

// ReviewDetail holds the counters read from an entity's profile page.
type ReviewDetail struct {
	EntityID           string `json:"entity_id"`
	VisitorReviewCount int    `json:"visitor_review_count"`
	BlogReviewCount    int    `json:"blog_review_count"`
}

// TotalReviewCount is the sum of visitor and blog reviews.
func (d ReviewDetail) TotalReviewCount() int {
	return d.VisitorReviewCount + d.BlogReviewCount
}

// MergeReviews returns a copy of rankings with detail counts attached by entity id.
// The input slice is left untouched.
func MergeReviews(rankings []RankedEntity, details map[string]ReviewDetail) []RankedEntity {
	out := make([]RankedEntity, len(rankings))
	copy(out, rankings)
	for i := range out {
		d, ok := details[out[i].EntityID]
		if !ok {
			continue
		}
		visitor, blog := d.VisitorReviewCount, d.BlogReviewCount
		out[i].VisitorReviewCount = &visitor
		out[i].BlogReviewCount = &blog
	}
	return out
}

// TriggerKind records what started a batch run.
type TriggerKind string

const (
	TriggerScheduled TriggerKind = "scheduled"
	TriggerManual    TriggerKind = "manual"
	TriggerAPI       TriggerKind = "api"
)

// ParseTrigger validates a trigger name.
func ParseTrigger(s string) (TriggerKind, error) {
	switch t := TriggerKind(s); t {
	case TriggerScheduled, TriggerManual, TriggerAPI:
		return t, nil
	}
	return "", fmt.Errorf("unknown trigger %q", s)
}

// TargetResult is what a single target received from a run.
type TargetResult struct {
	Target             ScrapeTarget `json:"target"`
	Success            bool         `json:"success"`
	Rank               *int         `json:"rank,omitempty"`
	VisitorReviewCount int          `json:"visitor_review_count"`
	BlogReviewCount    int          `json:"blog_review_count"`
	TotalResults       int          `json:"total_results"`
	Reused             bool         `json:"reused"`
	Error              string       `json:"error,omitempty"`
}

// BatchRunSummary aggregates one orchestrator run.
type BatchRunSummary struct {
	RunLogID           string         `json:"run_log_id,omitempty"`
	Trigger            TriggerKind    `json:"trigger"`
	TotalTargets       int            `json:"total_targets"`
	UniqueKeywords     int            `json:"unique_keywords"`
	ProcessedCount     int            `json:"processed_count"`
	FailedCount        int            `json:"failed_count"`
	ReusedKeywordCount int            `json:"reused_keyword_count"`
	FreshKeywordCount  int            `json:"fresh_keyword_count"`
	DuplicatesSkipped  int            `json:"duplicates_skipped"`
	Concurrency        int            `json:"concurrency"`
	StartedAt          time.Time      `json:"started_at"`
	FinishedAt         time.Time      `json:"finished_at"`
	Results            []TargetResult `json:"results"`
}

// Duration is the wall time of the run.
func (s BatchRunSummary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

var (
	ErrTooManyResults  = errors.New("rankings exceed maximum depth")
	ErrCountMismatch   = errors.New("total results does not match rankings")
	ErrRankSequence    = errors.New("ranks are not contiguous from 1")
	ErrDuplicateEntity = errors.New("duplicate entity id in rankings")
)

// Validate checks the structural invariants of a ranking result.
func Validate(r FullRankingResult) error {
	if len(r.Rankings) > MaxDepth {
		return fmt.Errorf("%w: %d", ErrTooManyResults, len(r.Rankings))
	}
	if r.TotalResults != len(r.Rankings) {
		return fmt.Errorf("%w: %d != %d", ErrCountMismatch, r.TotalResults, len(r.Rankings))
	}
	seen := make(map[string]struct{}, len(r.Rankings))
	for i, e := range r.Rankings {
		if e.Rank != i+1 {
			return fmt.Errorf("%w: position %d has rank %d", ErrRankSequence, i+1, e.Rank)
		}
		if _, dup := seen[e.EntityID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateEntity, e.EntityID)
		}
		seen[e.EntityID] = struct{}{}
	}
	return nil
}
