package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/template"
	"time"

	"github.com/FranksOps/rankwatch/internal/ranking"
	"github.com/FranksOps/rankwatch/internal/storage"
)

// Summary contains aggregated figures about one batch run.
type Summary struct {
	Trigger           ranking.TriggerKind
	TotalTargets      int
	Processed         int
	Failed            int
	Ranked            int
	Unranked          int
	UniqueKeywords    int
	FreshKeywords     int
	ReusedKeywords    int
	DuplicatesSkipped int
	Concurrency       int
	ErrorsByReason    map[string]int
	StartTime         time.Time
	EndTime           time.Time
	Duration          time.Duration
}

// GenerateSummary folds a run into report figures.
func GenerateSummary(run ranking.BatchRunSummary) Summary {
	s := Summary{
		Trigger:           run.Trigger,
		TotalTargets:      run.TotalTargets,
		Processed:         run.ProcessedCount,
		Failed:            run.FailedCount,
		UniqueKeywords:    run.UniqueKeywords,
		FreshKeywords:     run.FreshKeywordCount,
		ReusedKeywords:    run.ReusedKeywordCount,
		DuplicatesSkipped: run.DuplicatesSkipped,
		Concurrency:       run.Concurrency,
		ErrorsByReason:    make(map[string]int),
		StartTime:         run.StartedAt,
		EndTime:           run.FinishedAt,
		Duration:          run.Duration(),
	}

	for _, r := range run.Results {
		if !r.Success {
			reason := r.Error
			if reason == "" {
				reason = "unknown"
			}
			s.ErrorsByReason[reason]++
			continue
		}
		if r.Rank != nil {
			s.Ranked++
		} else {
			s.Unranked++
		}
	}
	return s
}

// WriteJSON writes the full run, per-target results included.
func WriteJSON(w io.Writer, run ranking.BatchRunSummary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(run); err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	return nil
}

// WriteText writes a human-readable run summary.
func WriteText(w io.Writer, summary Summary) error {
	const textTmpl = `Rankwatch Run Summary
---------------------
Trigger:       {{.Trigger}}
Time:          {{.StartTime.Format "2006-01-02 15:04:05"}} - {{.EndTime.Format "2006-01-02 15:04:05"}}
Duration:      {{.Duration}}
Targets:       {{.TotalTargets}} ({{.Processed}} ok, {{.Failed}} failed)
Ranked:        {{.Ranked}} in range, {{.Unranked}} outside
Keywords:      {{.UniqueKeywords}} unique, {{.FreshKeywords}} scraped, {{.ReusedKeywords}} reused
Duplicates:    {{.DuplicatesSkipped}}
Concurrency:   {{.Concurrency}}

Failures:
{{- range $reason, $count := .ErrorsByReason}}
  {{$reason}}: {{$count}}
{{- else}}
  None
{{- end}}
`

	t, err := template.New("textReport").Parse(textTmpl)
	if err != nil {
		return fmt.Errorf("parse text template: %w", err)
	}
	if err := t.Execute(w, summary); err != nil {
		return fmt.Errorf("render text report: %w", err)
	}
	return nil
}

// csvHeaders defines the per-target CSV column order.
var csvHeaders = []string{
	"keyword_id",
	"keyword",
	"entity_id",
	"owner_id",
	"success",
	"rank",
	"total_results",
	"visitor_reviews",
	"blog_reviews",
	"reused",
	"error",
}

// WriteCSV writes one row per target.
func WriteCSV(w io.Writer, run ranking.BatchRunSummary) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeaders); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range run.Results {
		rank := ""
		if r.Rank != nil {
			rank = strconv.Itoa(*r.Rank)
		}
		record := []string{
			r.Target.KeywordID,
			r.Target.Keyword,
			r.Target.TargetEntityID,
			r.Target.OwnerID,
			strconv.FormatBool(r.Success),
			rank,
			strconv.Itoa(r.TotalResults),
			strconv.Itoa(r.VisitorReviewCount),
			strconv.Itoa(r.BlogReviewCount),
			strconv.FormatBool(r.Reused),
			r.Error,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

type historyRow struct {
	Date    ranking.Day
	Rank    string
	Total   int
	Visitor string
	Blog    string
	Status  string
}

// WriteHistory renders a keyword's recent snapshots, newest first.
func WriteHistory(w io.Writer, records []storage.SnapshotRecord) error {
	const historyTmpl = `{{printf "%-10s  %5s  %5s  %8s  %6s  %s" "DATE" "RANK" "TOTAL" "VISITOR" "BLOG" "STATUS"}}
{{- range .}}
{{printf "%-10s  %5s  %5d  %8s  %6s  %s" .Date .Rank .Total .Visitor .Blog .Status}}
{{- else}}
no snapshots
{{- end}}
`
	sorted := make([]storage.SnapshotRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Result.MeasuredDate > sorted[j].Result.MeasuredDate
	})

	rows := make([]historyRow, 0, len(sorted))
	for _, rec := range sorted {
		res := rec.Result
		row := historyRow{
			Date:    res.MeasuredDate,
			Rank:    optInt(res.TargetRank),
			Total:   res.TotalResults,
			Visitor: optInt(res.TargetVisitorReviewCount),
			Blog:    optInt(res.TargetBlogReviewCount),
			Status:  "ok",
		}
		if !res.Success {
			row.Status = "failed: " + res.Error
		}
		rows = append(rows, row)
	}

	t, err := template.New("history").Parse(historyTmpl)
	if err != nil {
		return fmt.Errorf("parse history template: %w", err)
	}
	if err := t.Execute(w, rows); err != nil {
		return fmt.Errorf("render history: %w", err)
	}
	return nil
}

func optInt(p *int) string {
	if p == nil {
		return "-"
	}
	return strconv.Itoa(*p)
}
