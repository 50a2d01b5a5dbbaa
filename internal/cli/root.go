// Package cli holds the rankwatch command tree.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/FranksOps/rankwatch/internal/config"
	"github.com/FranksOps/rankwatch/internal/logging"
	"github.com/FranksOps/rankwatch/internal/metrics"
)

// app is the state shared by every subcommand once the root has run.
type app struct {
	configPath  string
	logLevel    string
	metricsPort int

	cfg      config.Config
	logger   *slog.Logger
	metrics  *metrics.Server
	exitCode int
}

// NewRootCommand builds the command tree. The returned app collects the exit
// status decided by subcommands.
func NewRootCommand() (*cobra.Command, *app) {
	a := &app{}

	root := &cobra.Command{
		Use:           "rankwatch",
		Short:         "Daily place-search ranking measurement",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.metrics.Stop(context.WithoutCancel(cmd.Context()))
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	root.PersistentFlags().IntVar(&a.metricsPort, "metrics-port", 0, "expose Prometheus metrics on this port (0 disables)")

	root.AddCommand(
		newRunCommand(a),
		newMeasureCommand(a),
		newTrackCommand(a),
		newHistoryCommand(a),
		newLogsCommand(a),
	)
	return root, a
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if cmd.Flags().Changed("metrics-port") {
		cfg.MetricsPort = a.metricsPort
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	a.cfg = cfg
	a.logger = logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	slog.SetDefault(a.logger)

	if cfg.MetricsPort > 0 {
		a.metrics = metrics.Start(cfg.MetricsPort, a.logger)
		a.logger.Info("metrics server started", "port", cfg.MetricsPort)
	}
	return nil
}

// Execute runs the CLI and returns the process exit status.
func Execute(ctx context.Context) int {
	root, a := NewRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if a.exitCode == 0 {
			return 1
		}
	}
	return a.exitCode
}
