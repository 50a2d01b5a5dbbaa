package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/FranksOps/rankwatch/internal/ranking"
	"github.com/FranksOps/rankwatch/internal/report"
	"github.com/FranksOps/rankwatch/internal/storage"
)

func newMeasureCommand(a *app) *cobra.Command {
	var entity string
	cmd := &cobra.Command{
		Use:   "measure <keyword>",
		Short: "Collect one keyword listing and print it without saving",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := a.newEngine(nil)
			if err != nil {
				return err
			}

			var ids []string
			if entity != "" {
				ids = append(ids, entity)
			}
			res, err := e.collector.Collect(ctx, args[0], ids...)
			if err != nil {
				return err
			}
			if res.Success && entity != "" {
				detail, err := e.reviews.FetchOne(ctx, entity)
				if err != nil {
					return err
				}
				if detail != nil {
					res.Rankings = ranking.MergeReviews(res.Rankings, map[string]ranking.ReviewDetail{entity: *detail})
					res.TargetVisitorReviewCount = &detail.VisitorReviewCount
					res.TargetBlogReviewCount = &detail.BlogReviewCount
				}
			}
			if !res.Success {
				a.exitCode = 1
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&entity, "entity", "", "entity id to locate in the listing")
	return cmd
}

func newTrackCommand(a *app) *cobra.Command {
	var t ranking.ScrapeTarget
	cmd := &cobra.Command{
		Use:   "track <keyword>",
		Short: "Register or update a target for daily measurement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			t.Keyword = args[0]
			saved, err := store.SaveTarget(cmd.Context(), t)
			if err != nil {
				return err
			}
			a.logger.Info("target saved", "keyword_id", saved.KeywordID, "keyword", saved.Keyword)
			fmt.Fprintln(cmd.OutOrStdout(), saved.KeywordID)
			return nil
		},
	}
	cmd.Flags().StringVar(&t.KeywordID, "id", "", "existing keyword id to update")
	cmd.Flags().StringVar(&t.TargetEntityID, "entity", "", "entity id whose rank is tracked")
	cmd.Flags().StringVar(&t.OwnerID, "owner", "", "owner of the target")
	cmd.Flags().StringVar(&t.DisplayName, "name", "", "display name of the entity")
	cmd.Flags().StringVar(&t.Category, "category", "", "category of the entity")
	return cmd
}

func newHistoryCommand(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <keyword-id>",
		Short: "Show recent snapshots for a tracked keyword",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			recs, err := store.RecentSnapshots(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return report.WriteHistory(cmd.OutOrStdout(), recs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", storage.DefaultHistoryLimit, "number of days to show")
	return cmd
}

func newLogsCommand(a *app) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent batch run logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			logs, err := store.RecentRunLogs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), logs)
			}
			return writeRunLogs(cmd.OutOrStdout(), logs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of runs to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func writeRunLogs(w io.Writer, logs []storage.RunLog) error {
	if len(logs) == 0 {
		_, err := fmt.Fprintln(w, "no runs")
		return err
	}
	for _, l := range logs {
		_, err := fmt.Fprintf(w, "%s  %s  %-9s  %-9s  targets=%d ok=%d failed=%d fresh=%d reused=%d took=%s %s\n",
			l.ID,
			l.StartedAt.Format(time.DateTime),
			l.Trigger,
			l.Status,
			l.TotalTargets,
			l.ProcessedCount,
			l.FailedCount,
			l.Metadata.NewlyScraped,
			l.Metadata.SnapshotsReused,
			l.ExecutionTime.Round(time.Millisecond),
			l.ErrorMessage,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
