package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailsig/cmd"
	"github.com/dhcgn/mailsig/config"
)

func main() {
	app := &cmd.App{}
	cleanup := func() error { return nil }

	rootCmd := &cobra.Command{
		Use:           "mailsig",
		Short:         "Exchange signed payloads over an IMAP mailbox",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(c *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(c)
			if err != nil {
				return err
			}

			logger, closeLog, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			cleanup = closeLog

			slog.SetDefault(logger)
			app.Config = cfg
			app.Logger = logger
			logger.Debug("configuration loaded", "command", c.Name(), "imapHost", cfg.IMAPHost, "offline", cfg.Offline, "stateBackend", cfg.StateBackend)
			return nil
		},
		PersistentPostRunE: func(c *cobra.Command, args []string) error {
			return cleanup()
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	cmd.Register(rootCmd, app)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		_ = cleanup()
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("mailsig-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stderr, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stderr, opts)
	return slog.New(handler), cleanup, nil
}
