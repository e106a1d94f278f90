// File: cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/alitoori/marketbot/internal/browser"
	"github.com/alitoori/marketbot/internal/config"
	"github.com/alitoori/marketbot/internal/evidence"
	"github.com/alitoori/marketbot/internal/identity"
	"github.com/alitoori/marketbot/internal/observability"
	"github.com/alitoori/marketbot/internal/orchestrator"
	"github.com/alitoori/marketbot/internal/script"
	"github.com/alitoori/marketbot/internal/session"
	"github.com/alitoori/marketbot/internal/status"
	"github.com/alitoori/marketbot/internal/store"
)

// newRunCmd creates and configures the `run` command.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Starts a supervised session for every identity in the roster",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlag("identity.file", cmd.Flags().Lookup("identities")); err != nil {
				return err
			}
			if err := viper.BindPFlag("script.rule_file", cmd.Flags().Lookup("rules")); err != nil {
				return err
			}
			if err := viper.BindPFlag("browser.headless", cmd.Flags().Lookup("headless")); err != nil {
				return err
			}
			return viper.BindPFlag("engine.concurrency_limit", cmd.Flags().Lookup("concurrency"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return err
			}

			idents, err := identity.LoadFile(cfg.Identity.File, logger)
			if err != nil {
				return fmt.Errorf("loading identity roster: %w", err)
			}
			if len(idents) == 0 {
				return fmt.Errorf("identity roster %s contains no usable identities", cfg.Identity.File)
			}

			rules, err := script.Load(cfg.Script.RuleFile)
			if err != nil {
				return fmt.Errorf("loading rule file: %w", err)
			}
			logger.Info("Loaded conversation script.",
				zap.String("file", cfg.Script.RuleFile),
				zap.Int("rules", rules.Len()))

			reporter := status.NewReporter()

			var transcripts session.TranscriptSink
			var evidenceSink evidence.Sink
			if cfg.Store.URL != "" {
				pool, err := pgxpool.New(ctx, cfg.Store.URL)
				if err != nil {
					return fmt.Errorf("connecting to database: %w", err)
				}
				defer pool.Close()

				st, err := store.New(ctx, pool, logger)
				if err != nil {
					return err
				}
				if err := st.EnsureSchema(ctx); err != nil {
					return err
				}
				transcripts = st
				evidenceSink = st
			}

			var archiver *evidence.Archiver
			if cfg.Evidence.Enabled {
				archiver, err = evidence.NewArchiver(cfg.Evidence.Dir, evidenceSink, logger)
				if err != nil {
					return err
				}
			}

			factory := func(ctx context.Context, ident identity.Identity) (orchestrator.Runner, error) {
				port, err := browser.NewChrome(cfg.Browser, logger)
				if err != nil {
					return nil, err
				}
				if err := port.Start(ctx); err != nil {
					return nil, err
				}
				return session.New(ident, port, cfg, rules, reporter, archiver, transcripts, logger), nil
			}

			orch := orchestrator.New(cfg, factory, reporter, logger)

			stopStatus := startStatusWriter(reporter, cfg.Engine.StatusFile, cfg.Engine.StatusInterval, logger)
			defer stopStatus()

			done := make(chan error, 1)
			go func() { done <- orch.Run(ctx, idents) }()

			select {
			case err = <-done:
			case <-ctx.Done():
				logger.Info("Shutdown requested, waiting for sessions to settle.",
					zap.Duration("grace", cfg.Engine.ShutdownGrace))
				select {
				case err = <-done:
				case <-time.After(cfg.Engine.ShutdownGrace):
					logger.Warn("Sessions did not stop within the grace period.")
					err = ctx.Err()
				}
			}

			if writeErr := writeStatusFile(reporter, cfg.Engine.StatusFile); writeErr != nil {
				logger.Warn("Final status write failed.", zap.Error(writeErr))
			}

			if errors.Is(err, context.Canceled) {
				logger.Info("Shutdown complete.")
				return nil
			}
			return err
		},
	}

	runCmd.Flags().String("identities", "", "identity roster CSV (overrides identity.file)")
	runCmd.Flags().String("rules", "", "conversation rule file (overrides script.rule_file)")
	runCmd.Flags().Bool("headless", true, "run browsers headless")
	runCmd.Flags().Int("concurrency", 0, "max concurrent sessions (overrides engine.concurrency_limit)")
	return runCmd
}

// startStatusWriter periodically publishes reporter snapshots to path. The
// returned func stops the writer and blocks until it has exited.
func startStatusWriter(reporter *status.Reporter, path string, interval time.Duration, logger *zap.Logger) func() {
	if path == "" || interval <= 0 {
		return func() {}
	}
	stop := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := writeStatusFile(reporter, path); err != nil {
					logger.Warn("Status write failed.", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-stopped
	}
}

// writeStatusFile writes the snapshot atomically: readers of the status file
// never observe a partial document. An empty path disables the write.
func writeStatusFile(reporter *status.Reporter, path string) error {
	if path == "" {
		return nil
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".status-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := reporter.WriteJSON(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func init() {
	rootCmd.AddCommand(newRunCmd())
}
