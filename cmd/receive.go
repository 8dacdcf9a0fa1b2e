package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailsig/envelope"
	"github.com/dhcgn/mailsig/filter"
	"github.com/dhcgn/mailsig/mbox"
	"github.com/dhcgn/mailsig/progress"
	"github.com/dhcgn/mailsig/runner"
	"github.com/dhcgn/mailsig/state"
	"github.com/dhcgn/mailsig/stats"
)

func newReceiveCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "receive",
		Short: "Poll the inbox, verify signed messages and file them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.receive(ctx)
		},
	}
}

func (a *App) receive(ctx context.Context) error {
	cfg := a.Config
	logger := a.Logger
	logger.Info("starting mailsig receive",
		"inbox", cfg.Inbox, "processed", cfg.Processed, "quarantine", cfg.Quarantine,
		"offline", cfg.Offline != "", "dryRun", cfg.DryRun)

	f, err := filter.New(cfg.Filter)
	if err != nil {
		return err
	}

	tracker, err := state.Open(cfg.StateBackend, cfg.StateDir, !cfg.DryRun)
	if err != nil {
		return fmt.Errorf("state.Open: %w", err)
	}
	defer func() {
		if err := tracker.Close(); err != nil {
			logger.Warn("closing state failed", "err", err)
		}
	}()

	ops, cleanup, err := a.connect(ctx, nonEmpty(cfg.Processed, cfg.Quarantine)...)
	if err != nil {
		return err
	}
	defer cleanup()

	opts := runner.Options{
		Ops:        ops,
		Codec:      envelope.NewCodec(envelope.Options{Logger: logger}),
		Anchors:    cfg.Anchors(),
		Tracker:    tracker,
		Filter:     f,
		Inbox:      cfg.Inbox,
		Processed:  cfg.Processed,
		Quarantine: cfg.Quarantine,
		Interval:   cfg.PollInterval,
		Since:      a.since(time.Now()),
	}
	if cfg.Once {
		opts.MaxBatches = 1
	}
	if cfg.Export != "" {
		exporter, err := mbox.NewExporter(cfg.Export)
		if err != nil {
			return err
		}
		defer func() {
			if err := exporter.Close(); err != nil {
				logger.Warn("closing export archive failed", "err", err)
			}
			logger.Info("export archive written", "path", cfg.Export, "messages", exporter.Count())
		}()
		opts.Exporter = exporter
	}

	r, err := runner.New(ctx, opts, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}
	stats.NewReporter(r, logger)

	status := progress.New(cfg.LogLevel)
	defer status.Stop()
	progress.NewReporter(r, status, logger)

	return r.Start()
}
