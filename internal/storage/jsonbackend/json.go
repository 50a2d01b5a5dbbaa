package jsonbackend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/FranksOps/rankwatch/internal/ranking"
	"github.com/FranksOps/rankwatch/internal/storage"
)

// ensure jsonStore implements storage.Store
var _ storage.Store = (*jsonStore)(nil)

// Record kinds in the journal.
const (
	kindTarget   = "target"
	kindSnapshot = "snapshot"
	kindTouch    = "touch"
	kindRunLog   = "run_log"
)

type targetRow struct {
	ranking.ScrapeTarget
	Active    bool       `json:"active"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type snapshotRow struct {
	storage.SnapshotRecord
	KeywordNorm string `json:"keyword_norm"`
}

// record is one line of the NDJSON journal. Replaying the journal in order
// rebuilds the current state; later lines win.
type record struct {
	Kind      string          `json:"kind"`
	Target    *targetRow      `json:"target,omitempty"`
	Snapshot  *snapshotRow    `json:"snapshot,omitempty"`
	RunLog    *storage.RunLog `json:"run_log,omitempty"`
	KeywordID string          `json:"keyword_id,omitempty"`
	At        time.Time       `json:"at,omitempty"`
}

type snapKey struct {
	keywordID string
	day       ranking.Day
}

type jsonStore struct {
	mu   sync.Mutex
	file *os.File // nil in memory-only mode
	now  func() time.Time

	targets   map[string]*targetRow
	order     []string
	snapshots map[snapKey]*snapshotRow
	runLogs   map[string]*storage.RunLog
}

// New opens an NDJSON journal at filePath and replays it. An empty path keeps
// everything in memory.
func New(filePath string) (storage.Store, error) {
	s := &jsonStore{
		now:       func() time.Time { return time.Now().UTC() },
		targets:   make(map[string]*targetRow),
		snapshots: make(map[snapKey]*snapshotRow),
		runLogs:   make(map[string]*storage.RunLog),
	}
	if filePath == "" {
		return s, nil
	}

	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := s.replay(f); err != nil {
		f.Close()
		return nil, err
	}
	s.file = f
	return s, nil
}

func (s *jsonStore) replay(f *os.File) error {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}
		var r record
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("journal line %d: %w", line, err)
		}
		s.apply(r)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	return nil
}

func (s *jsonStore) apply(r record) {
	switch r.Kind {
	case kindTarget:
		if r.Target == nil {
			return
		}
		t := *r.Target
		if _, ok := s.targets[t.KeywordID]; !ok {
			s.order = append(s.order, t.KeywordID)
		}
		s.targets[t.KeywordID] = &t
	case kindSnapshot:
		if r.Snapshot == nil {
			return
		}
		snap := *r.Snapshot
		k := snapKey{snap.KeywordID, snap.Result.MeasuredDate}
		if prev, ok := s.snapshots[k]; ok {
			snap.ID = prev.ID
			snap.CreatedAt = prev.CreatedAt
		}
		s.snapshots[k] = &snap
	case kindTouch:
		if t, ok := s.targets[r.KeywordID]; ok {
			t.UpdatedAt = r.At
		}
	case kindRunLog:
		if r.RunLog == nil {
			return
		}
		l := *r.RunLog
		s.runLogs[l.ID] = &l
	}
}

// commit appends r to the journal and applies it. Callers hold mu.
func (s *jsonStore) commit(r record) error {
	if s.file != nil {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode %s: %w", r.Kind, err)
		}
		if _, err := s.file.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("write %s: %w", r.Kind, err)
		}
	}
	s.apply(r)
	return nil
}

func (s *jsonStore) ListActiveTargets(ctx context.Context, day ranking.Day) ([]ranking.ScrapeTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	measured := make(map[string]struct{})
	for k := range s.snapshots {
		if k.day == day {
			measured[k.keywordID] = struct{}{}
		}
	}

	var all []ranking.ScrapeTarget
	for _, id := range s.order {
		t := s.targets[id]
		if !t.Active || t.DeletedAt != nil {
			continue
		}
		all = append(all, t.ScrapeTarget)
	}
	return storage.ExcludeMeasured(all, measured), nil
}

func (s *jsonStore) GetTodaySnapshot(ctx context.Context, keyword string, day ranking.Day) (*ranking.FullRankingResult, error) {
	norm := ranking.NormalizeKeyword(keyword)

	s.mu.Lock()
	defer s.mu.Unlock()

	var best *snapshotRow
	for k, snap := range s.snapshots {
		if k.day != day || snap.KeywordNorm != norm || !snap.Result.Success {
			continue
		}
		if best == nil || newer(snap, best) {
			best = snap
		}
	}
	if best == nil {
		return nil, nil
	}
	res := best.Result
	return &res, nil
}

func (s *jsonStore) UpsertSnapshot(ctx context.Context, target ranking.ScrapeTarget, result ranking.FullRankingResult) error {
	if target.KeywordID == "" {
		return fmt.Errorf("upsert snapshot: empty keyword id")
	}
	if result.MeasuredDate == "" {
		return fmt.Errorf("upsert snapshot: empty measured date")
	}
	if err := ranking.Validate(result); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	snap := &snapshotRow{
		SnapshotRecord: storage.SnapshotRecord{
			ID:        storage.NewID(),
			KeywordID: target.KeywordID,
			OwnerID:   target.OwnerID,
			Result:    result,
			CreatedAt: now,
			UpdatedAt: now,
		},
		KeywordNorm: ranking.NormalizeKeyword(result.Keyword),
	}
	if prev, ok := s.snapshots[snapKey{target.KeywordID, result.MeasuredDate}]; ok {
		snap.ID = prev.ID
		snap.CreatedAt = prev.CreatedAt
	}
	return s.commit(record{Kind: kindSnapshot, Snapshot: snap})
}

// newer orders same-day snapshots by update time, then by id.
func newer(a, b *snapshotRow) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ID > b.ID
}

func (s *jsonStore) TouchTarget(ctx context.Context, keywordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.targets[keywordID]; !ok {
		return nil
	}
	return s.commit(record{Kind: kindTouch, KeywordID: keywordID, At: s.now()})
}

func (s *jsonStore) SaveTarget(ctx context.Context, target ranking.ScrapeTarget) (ranking.ScrapeTarget, error) {
	target.Keyword = strings.TrimSpace(target.Keyword)
	if target.Keyword == "" {
		return ranking.ScrapeTarget{}, fmt.Errorf("save target: empty keyword")
	}
	if target.KeywordID == "" {
		target.KeywordID = storage.NewID()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	row := &targetRow{ScrapeTarget: target, Active: true, CreatedAt: now, UpdatedAt: now}
	if prev, ok := s.targets[target.KeywordID]; ok {
		row.CreatedAt = prev.CreatedAt
	}
	if err := s.commit(record{Kind: kindTarget, Target: row}); err != nil {
		return ranking.ScrapeTarget{}, err
	}
	return target, nil
}

func (s *jsonStore) RecentSnapshots(ctx context.Context, keywordID string, limit int) ([]storage.SnapshotRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []storage.SnapshotRecord
	for k, snap := range s.snapshots {
		if k.keywordID == keywordID {
			out = append(out, snap.SnapshotRecord)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Result.MeasuredDate > out[j].Result.MeasuredDate
	})
	if n := storage.Limit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *jsonStore) CreateRunLog(ctx context.Context, totalTargets int, trigger ranking.TriggerKind) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := &storage.RunLog{
		ID:           storage.NewID(),
		StartedAt:    s.now(),
		TotalTargets: totalTargets,
		Status:       storage.RunRunning,
		Trigger:      trigger,
	}
	if err := s.commit(record{Kind: kindRunLog, RunLog: l}); err != nil {
		return "", err
	}
	return l.ID, nil
}

func (s *jsonStore) UpdateRunLog(ctx context.Context, id string, update storage.RunLogUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.runLogs[id]
	if !ok {
		return fmt.Errorf("update run log %s: %w", id, storage.ErrNotFound)
	}
	l := *prev
	completed := s.now()
	l.CompletedAt = &completed
	l.ProcessedCount = update.ProcessedCount
	l.FailedCount = update.FailedCount
	l.Status = update.Status
	l.ErrorMessage = update.ErrorMessage
	l.ExecutionTime = update.ExecutionTime
	l.Metadata = update.Metadata
	return s.commit(record{Kind: kindRunLog, RunLog: &l})
}

func (s *jsonStore) RecentRunLogs(ctx context.Context, limit int) ([]storage.RunLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]storage.RunLog, 0, len(s.runLogs))
	for _, l := range s.runLogs {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if n := storage.Limit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *jsonStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}
