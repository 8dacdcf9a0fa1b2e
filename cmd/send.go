package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mailsig/config"
	"github.com/dhcgn/mailsig/credstore"
	"github.com/dhcgn/mailsig/envelope"
	"github.com/dhcgn/mailsig/model"
	"github.com/dhcgn/mailsig/sender"
)

type sendOptions struct {
	from        string
	to          []string
	subject     string
	contentType string
}

func newSendCommand(app *App) *cobra.Command {
	var opts sendOptions
	cmd := &cobra.Command{
		Use:   "send [payload file]",
		Short: "Sign a payload and deliver it as a mail message",
		Long:  "Sign a payload with the configured identity and deliver it over SMTP, or append it to the inbox folder. The payload is read from stdin when no file (or \"-\") is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			payload, err := readPayload(path, cmd.InOrStdin())
			if err != nil {
				return err
			}
			id, err := app.send(cmd.Context(), opts, payload)
			if err != nil {
				return err
			}
			pterm.Success.Printfln("Sent %s", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.from, "from", "", "Sender address (defaults to --identity-alias)")
	cmd.Flags().StringArrayVar(&opts.to, "to", nil, "Recipient address (repeatable)")
	cmd.Flags().StringVar(&opts.subject, "subject", "Signed message", "Subject of the message")
	cmd.Flags().StringVar(&opts.contentType, "content-type", "text/plain; charset=utf-8", "Media type of the payload")
	return cmd
}

func readPayload(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return data, nil
}

func (a *App) send(ctx context.Context, opts sendOptions, payload []byte) (string, error) {
	cfg := a.Config
	if err := cfg.RequireDelivery(); err != nil {
		return "", err
	}
	if len(opts.to) == 0 {
		return "", errors.New("at least one --to recipient is required")
	}
	from := opts.from
	if from == "" {
		from = cfg.Identity.Alias
	}

	cred, err := credstore.Load(cfg.KeySource(), cfg.Identity)
	if err != nil {
		return "", fmt.Errorf("load identity %s: %w", cfg.Identity, err)
	}

	var deliverer sender.Deliverer
	switch cfg.Delivery {
	case config.DeliveryAppend:
		ops, cleanup, err := a.connect(ctx)
		if err != nil {
			return "", err
		}
		defer cleanup()
		deliverer = sender.NewAppender(ops, cfg.Inbox)
	default:
		deliverer = sender.NewSMTP(sender.SMTPOptions{
			Host:               cfg.SMTPHost,
			Port:               cfg.SMTPPort,
			Username:           cfg.SMTPUser,
			Password:           cfg.SMTPPass,
			TLSMode:            cfg.SMTPTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Logger:             a.Logger,
		})
	}

	s := sender.New(envelope.NewCodec(envelope.Options{Logger: a.Logger}), deliverer, a.Logger)
	return s.Send(ctx, model.Outgoing{
		From:        from,
		To:          opts.to,
		Subject:     opts.subject,
		ContentType: opts.contentType,
		Payload:     payload,
	}, cred)
}
