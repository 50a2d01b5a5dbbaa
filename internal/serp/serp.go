// Package serp collects ranked listings for a keyword.
package serp

import (
	"github.com/FranksOps/rankwatch/internal/ranking"
)

// Extraction is what a Strategy sees in one rendered listing state.
type Extraction struct {
	// Entities are the non-sponsored entries in rank order.
	Entities []ranking.RankedEntity
	// Scrollable is false when the result container is missing; the listing
	// cannot be paginated at all.
	Scrollable bool
}

// Strategy turns rendered listing HTML into ranked entities. Implementations
// must be pure: the same HTML always yields the same Extraction.
type Strategy interface {
	Extract(html string) (Extraction, error)
}
