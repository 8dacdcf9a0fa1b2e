package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mailsig/mailstore"
	"github.com/dhcgn/mailsig/model"
)

func newFindCommand(app *App) *cobra.Command {
	var folderName string
	cmd := &cobra.Command{
		Use:   "find [message-id]",
		Short: "Look up a message by Message-ID, or list a folder (limited by --lookback)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			msgs, err := app.find(cmd.Context(), folderName, id)
			if err != nil {
				return err
			}
			return renderMessages(msgs)
		},
	}
	cmd.Flags().StringVar(&folderName, "folder", "", "Folder to search (defaults to --inbox)")
	return cmd
}

func newMoveCommand(app *App) *cobra.Command {
	var folderName string
	cmd := &cobra.Command{
		Use:   "move <message-id> <destination>",
		Short: "Move a message to another folder",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.move(cmd.Context(), folderName, args[0], args[1]); err != nil {
				return err
			}
			pterm.Success.Printfln("Moved %s to %s", args[0], args[1])
			return nil
		},
	}
	cmd.Flags().StringVar(&folderName, "folder", "", "Folder holding the message (defaults to --inbox)")
	return cmd
}

func newDeleteCommand(app *App) *cobra.Command {
	var folderName string
	cmd := &cobra.Command{
		Use:   "delete <message-id>...",
		Short: "Delete messages and expunge them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := app.delete(cmd.Context(), folderName, args)
			if err != nil {
				return err
			}
			pterm.Success.Printfln("Deleted %d message(s)", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&folderName, "folder", "", "Folder holding the messages (defaults to --inbox)")
	return cmd
}

func (a *App) folderOrInbox(name string) string {
	if name == "" {
		return a.Config.Inbox
	}
	return name
}

func (a *App) find(ctx context.Context, folderName, id string) ([]model.Message, error) {
	ops, cleanup, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	name := a.folderOrInbox(folderName)
	if id != "" {
		msg, err := ops.FindByID(ctx, name, id)
		if err != nil {
			return nil, err
		}
		return []model.Message{msg}, nil
	}
	since := a.since(time.Now())
	msgs, err := ops.Search(ctx, name, mailstore.Criteria{Since: since})
	if err != nil {
		return nil, err
	}
	if since.IsZero() {
		return msgs, nil
	}
	out := msgs[:0]
	for _, m := range msgs {
		if m.ReceivedAt.After(since) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (a *App) move(ctx context.Context, folderName, id, dest string) error {
	ops, cleanup, err := a.connect(ctx, dest)
	if err != nil {
		return err
	}
	defer cleanup()

	msg, err := ops.FindByID(ctx, a.folderOrInbox(folderName), id)
	if err != nil {
		return err
	}
	return ops.Move(ctx, []model.Message{msg}, dest)
}

func (a *App) delete(ctx context.Context, folderName string, ids []string) (int, error) {
	ops, cleanup, err := a.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer cleanup()

	name := a.folderOrInbox(folderName)
	msgs := make([]model.Message, 0, len(ids))
	for _, id := range ids {
		msg, err := ops.FindByID(ctx, name, id)
		if err != nil {
			return 0, err
		}
		msgs = append(msgs, msg)
	}
	if err := ops.Delete(ctx, msgs); err != nil {
		return 0, err
	}
	return len(msgs), nil
}

func renderMessages(msgs []model.Message) error {
	if len(msgs) == 0 {
		pterm.Info.Println("No messages found")
		return nil
	}
	data := pterm.TableData{{"UID", "Message-ID", "From", "Subject", "Date", "Size"}}
	for _, m := range msgs {
		date := ""
		if !m.ReceivedAt.IsZero() {
			date = m.ReceivedAt.Format(time.RFC3339)
		}
		data = append(data, []string{
			strconv.FormatUint(uint64(m.UID), 10),
			m.ID,
			m.From,
			m.Subject,
			date,
			fmt.Sprintf("%d", m.Size),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
