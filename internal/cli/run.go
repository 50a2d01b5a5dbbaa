package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/FranksOps/rankwatch/internal/batch"
	"github.com/FranksOps/rankwatch/internal/ranking"
	"github.com/FranksOps/rankwatch/internal/report"
	"github.com/FranksOps/rankwatch/internal/storage"
)

type runFlags struct {
	targetsFile string
	trigger     string
	format      string
	output      string
}

func newRunCommand(a *app) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Measure every active target not yet measured today",
		Long: `Runs one batch. Without --targets the active targets from storage are
measured; with --targets the listed targets are measured instead and the
trigger defaults to "manual".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runBatch(cmd.Context(), cmd.OutOrStdout(), f)
		},
	}
	cmd.Flags().StringVar(&f.targetsFile, "targets", "", "YAML file with a list of targets to measure")
	cmd.Flags().StringVar(&f.trigger, "trigger", "", "trigger recorded in the run log (scheduled, manual, api)")
	cmd.Flags().StringVar(&f.format, "format", "text", "report format (text, json, csv)")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "write the report to a file instead of stdout")
	return cmd
}

func (a *app) runBatch(ctx context.Context, stdout io.Writer, f runFlags) error {
	trigger := ranking.TriggerScheduled
	if f.targetsFile != "" {
		trigger = ranking.TriggerManual
	}
	if f.trigger != "" {
		t, err := ranking.ParseTrigger(f.trigger)
		if err != nil {
			return err
		}
		trigger = t
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	e, err := a.newEngine(store)
	if err != nil {
		return err
	}

	var (
		sum    ranking.BatchRunSummary
		runErr error
	)
	if f.targetsFile != "" {
		targets, err := loadTargets(ctx, store, f.targetsFile)
		if err != nil {
			return err
		}
		sum, runErr = e.orch.Run(ctx, targets, trigger)
	} else {
		sum, runErr = e.orch.RunActive(ctx, trigger)
	}
	a.exitCode = batch.ExitCode(sum, runErr)

	out := stdout
	if f.output != "" {
		file, err := os.Create(f.output)
		if err != nil {
			return fmt.Errorf("create report: %w", err)
		}
		defer file.Close()
		out = file
	}
	if err := writeReport(out, f.format, sum); err != nil {
		return err
	}
	return runErr
}

func writeReport(w io.Writer, format string, sum ranking.BatchRunSummary) error {
	switch format {
	case "json":
		return report.WriteJSON(w, sum)
	case "csv":
		return report.WriteCSV(w, sum)
	case "text", "":
		return report.WriteText(w, report.GenerateSummary(sum))
	}
	return fmt.Errorf("unknown report format %q", format)
}

type targetFile struct {
	Targets []ranking.ScrapeTarget `yaml:"targets"`
}

// loadTargets reads a target list. Entries without a keyword_id are
// registered in the store first so their snapshots have a key.
func loadTargets(ctx context.Context, store storage.Store, path string) ([]ranking.ScrapeTarget, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read targets: %w", err)
	}
	var tf targetFile
	if err := yaml.Unmarshal(raw, &tf); err != nil {
		return nil, fmt.Errorf("parse targets %s: %w", path, err)
	}

	out := make([]ranking.ScrapeTarget, 0, len(tf.Targets))
	for i, t := range tf.Targets {
		if t.KeywordID == "" {
			saved, err := store.SaveTarget(ctx, t)
			if err != nil {
				return nil, fmt.Errorf("register target %d: %w", i, err)
			}
			t = saved
		}
		out = append(out, t)
	}
	return out, nil
}
