// Package cmd holds the mailsig subcommands.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailsig/config"
	"github.com/dhcgn/mailsig/folder"
	"github.com/dhcgn/mailsig/imap"
	"github.com/dhcgn/mailsig/mailstore"
	"github.com/dhcgn/mailsig/mbox"
	"github.com/dhcgn/mailsig/memstore"
)

// App carries what the root command resolved before a subcommand runs.
type App struct {
	Config config.Config
	Logger *slog.Logger
	Out    io.Writer
}

// Register adds all subcommands to root.
func Register(root *cobra.Command, app *App) {
	root.AddCommand(
		newReceiveCommand(app),
		newSendCommand(app),
		newFindCommand(app),
		newMoveCommand(app),
		newDeleteCommand(app),
		newVerifyCommand(app),
		newKeysCommand(app),
	)
}

func (a *App) out() io.Writer {
	if a.Out != nil {
		return a.Out
	}
	return os.Stdout
}

// connect opens the configured store and makes sure the given folders exist.
// The returned cleanup closes the sessions and then the store.
func (a *App) connect(ctx context.Context, folders ...string) (*folder.Ops, func(), error) {
	cfg := a.Config
	if err := cfg.RequireStore(); err != nil {
		return nil, nil, err
	}

	var (
		store mailstore.Store
		err   error
	)
	if cfg.Offline != "" {
		store, err = a.offlineStore(ctx, folders...)
	} else {
		store, err = a.imapStore(ctx, folders...)
	}
	if err != nil {
		return nil, nil, err
	}

	ops := folder.NewOps(store, folder.Options{RetryDelay: cfg.RetryDelay, Logger: a.Logger})
	cleanup := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ops.Close(closeCtx); err != nil && a.Logger != nil {
			a.Logger.Warn("closing folders failed", "err", err)
		}
		if err := store.Close(); err != nil && a.Logger != nil {
			a.Logger.Warn("closing store failed", "err", err)
		}
	}
	return ops, cleanup, nil
}

func (a *App) imapStore(ctx context.Context, folders ...string) (mailstore.Store, error) {
	cfg := a.Config
	store, err := imap.Dial(ctx, imap.Options{
		Host:               cfg.IMAPHost,
		Port:               cfg.IMAPPort,
		Username:           cfg.IMAPUser,
		Password:           cfg.IMAPPass,
		TLSMode:            cfg.IMAPTLS,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Logger:             a.Logger,
	})
	if err != nil {
		return nil, err
	}
	if err := store.EnsureFolders(ctx, folders...); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("ensure folders: %w", err)
	}
	return store, nil
}

// offlineStore loads the offline archive into the inbox of a memory store.
// Changes are lost when the command exits.
func (a *App) offlineStore(ctx context.Context, folders ...string) (mailstore.Store, error) {
	msgs, err := mbox.Load(ctx, a.Config.Offline, a.Logger)
	if err != nil {
		return nil, err
	}
	store := memstore.New()
	for _, name := range append([]string{a.Config.Inbox}, folders...) {
		if name != "" {
			store.CreateFolder(name)
		}
	}
	store.Seed(a.Config.Inbox, msgs)
	if a.Logger != nil {
		a.Logger.Info("offline store loaded", "archive", a.Config.Offline, "messages", len(msgs))
	}
	return store, nil
}

// offlineEpoch is the receive watermark used for offline archives without a
// lookback, so that every archived message counts as new.
var offlineEpoch = time.Unix(0, 0).UTC()

func (a *App) since(now time.Time) time.Time {
	if a.Config.Offline != "" && a.Config.Lookback == 0 {
		return offlineEpoch
	}
	return a.Config.Since(now)
}

func nonEmpty(names ...string) []string {
	var out []string
	for _, n := range names {
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}
