package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/FranksOps/rankwatch/internal/ranking"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// RunStatus is the lifecycle state of a batch run log.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// RunMetadata holds the per-run counters stored alongside a run log.
type RunMetadata struct {
	TotalTargets      int `json:"totalTargets"`
	UniqueKeywords    int `json:"uniqueKeywords"`
	NewlyScraped      int `json:"newlyScraped"`
	SnapshotsReused   int `json:"snapshotsReused"`
	DuplicatesSkipped int `json:"duplicatesSkipped"`
	Concurrency       int `json:"concurrency"`
}

// RunLog is one batch run as persisted.
type RunLog struct {
	ID             string              `json:"id"`
	StartedAt      time.Time           `json:"started_at"`
	CompletedAt    *time.Time          `json:"completed_at,omitempty"`
	TotalTargets   int                 `json:"total_targets"`
	ProcessedCount int                 `json:"processed_count"`
	FailedCount    int                 `json:"failed_count"`
	Status         RunStatus           `json:"status"`
	ErrorMessage   string              `json:"error_message,omitempty"`
	Trigger        ranking.TriggerKind `json:"trigger"`
	ExecutionTime  time.Duration       `json:"execution_time"`
	Metadata       RunMetadata         `json:"metadata"`
}

// RunLogUpdate is the final state written when a run ends.
type RunLogUpdate struct {
	ProcessedCount int
	FailedCount    int
	Status         RunStatus
	ErrorMessage   string
	ExecutionTime  time.Duration
	Metadata       RunMetadata
}

// SnapshotRecord is a stored daily measurement for one tracked keyword.
type SnapshotRecord struct {
	ID        string                    `json:"id"`
	KeywordID string                    `json:"keyword_id"`
	OwnerID   string                    `json:"owner_id,omitempty"`
	Result    ranking.FullRankingResult `json:"result"`
	CreatedAt time.Time                 `json:"created_at"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

// Store persists tracked keywords, daily snapshots and run logs.
type Store interface {
	// ListActiveTargets returns active, non-deleted targets that have no
	// snapshot for day yet.
	ListActiveTargets(ctx context.Context, day ranking.Day) ([]ranking.ScrapeTarget, error)
	// GetTodaySnapshot returns the most recent successful snapshot for the
	// normalized keyword on day from any owner, or nil.
	GetTodaySnapshot(ctx context.Context, keyword string, day ranking.Day) (*ranking.FullRankingResult, error)
	// UpsertSnapshot writes result for target keyed by (keyword id, measured day).
	UpsertSnapshot(ctx context.Context, target ranking.ScrapeTarget, result ranking.FullRankingResult) error
	TouchTarget(ctx context.Context, keywordID string) error

	CreateRunLog(ctx context.Context, totalTargets int, trigger ranking.TriggerKind) (string, error)
	UpdateRunLog(ctx context.Context, id string, update RunLogUpdate) error

	// SaveTarget registers or updates a tracked keyword. An empty KeywordID
	// is assigned.
	SaveTarget(ctx context.Context, target ranking.ScrapeTarget) (ranking.ScrapeTarget, error)
	RecentSnapshots(ctx context.Context, keywordID string, limit int) ([]SnapshotRecord, error)
	RecentRunLogs(ctx context.Context, limit int) ([]RunLog, error)

	Close() error
}

// NewID returns a fresh row identifier.
func NewID() string {
	return uuid.NewString()
}

// DefaultHistoryLimit is used when a non-positive limit is requested.
const DefaultHistoryLimit = 30

// Limit normalizes a requested row limit.
func Limit(n int) int {
	if n <= 0 {
		return DefaultHistoryLimit
	}
	return n
}

// ExcludeMeasured drops targets whose keyword id is in measured.
func ExcludeMeasured(all []ranking.ScrapeTarget, measured map[string]struct{}) []ranking.ScrapeTarget {
	out := make([]ranking.ScrapeTarget, 0, len(all))
	for _, t := range all {
		if _, ok := measured[t.KeywordID]; ok {
			continue
		}
		out = append(out, t)
	}
	return out
}
