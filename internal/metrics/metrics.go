package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/FranksOps/rankwatch/internal/ranking"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CollectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rankwatch_collections_total",
			Help: "Listing collections by outcome",
		},
		[]string{"outcome"}, // success, failed
	)

	CollectDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rankwatch_collect_duration_seconds",
			Help:    "Time spent collecting one keyword listing",
			Buckets: []float64{1, 5, 10, 20, 40, 60, 120, 240},
		},
		[]string{"outcome"},
	)

	CollectedEntities = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rankwatch_collected_entities",
			Help:    "Ranked entities collected per keyword",
			Buckets: []float64{0, 10, 50, 100, 150, 200, 250, 300},
		},
	)

	ScrollsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rankwatch_scrolls_total",
			Help: "Scroll-to-bottom operations issued on listings",
		},
	)

	KeywordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rankwatch_keywords_total",
			Help: "Keyword groups processed by source of the ranking",
		},
		[]string{"source"}, // fresh, reused, failed
	)

	TargetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rankwatch_targets_total",
			Help: "Per-target results by status",
		},
		[]string{"status"},
	)

	ReviewFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rankwatch_review_fetches_total",
			Help: "Profile page review fetches by status",
		},
		[]string{"status"},
	)

	BlockDetections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rankwatch_block_detections_total",
			Help: "Pages recognised as block or captcha pages",
		},
		[]string{"source"},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rankwatch_active_browser_sessions",
			Help: "Browser sessions currently open",
		},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rankwatch_runs_total",
			Help: "Batch runs by trigger and final status",
		},
		[]string{"trigger", "status"},
	)
)

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failed"
}

// RecordCollect updates collection metrics for one keyword.
func RecordCollect(res ranking.FullRankingResult, took time.Duration) {
	o := outcome(res.Success)
	CollectionsTotal.WithLabelValues(o).Inc()
	CollectDuration.WithLabelValues(o).Observe(took.Seconds())
	if res.Success {
		CollectedEntities.Observe(float64(res.TotalResults))
	}
}

// RecordTarget counts a per-target result.
func RecordTarget(res ranking.TargetResult) {
	TargetsTotal.WithLabelValues(outcome(res.Success)).Inc()
}

// RecordRun counts a finished batch run.
func RecordRun(trigger ranking.TriggerKind, status string) {
	RunsTotal.WithLabelValues(string(trigger), status).Inc()
}

// Server encapsulates an HTTP server for Prometheus metrics.
type Server struct {
	srv *http.Server
}

// Start begins listening on the specified port and exposes /metrics.
func Start(port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", srv.Addr, "err", err)
		}
	}()

	return &Server{srv: srv}
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil || s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
