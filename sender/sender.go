// Package sender signs outgoing payloads and hands the composed messages to a
// delivery transport.
package sender

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dhcgn/mailsig/credstore"
	"github.com/dhcgn/mailsig/envelope"
	"github.com/dhcgn/mailsig/folder"
	"github.com/dhcgn/mailsig/model"
)

// Deliverer moves a composed RFC 5322 message towards its recipients.
type Deliverer interface {
	Deliver(ctx context.Context, from string, to []string, raw []byte) error
}

// Sender signs, composes and delivers messages.
type Sender struct {
	codec     *envelope.Codec
	deliverer Deliverer
	logger    *slog.Logger
}

func New(codec *envelope.Codec, deliverer Deliverer, logger *slog.Logger) *Sender {
	return &Sender{codec: codec, deliverer: deliverer, logger: logger}
}

// Send signs out.Payload with cred and delivers the composed message. It
// returns the Message-ID of the delivered message.
func (s *Sender) Send(ctx context.Context, out model.Outgoing, cred *credstore.Credential) (string, error) {
	sp, err := s.codec.Sign(out.Payload, out.ContentType, cred)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	raw, err := envelope.Compose(out, sp)
	if err != nil {
		return "", err
	}
	msg, err := model.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse composed message: %w", err)
	}
	if err := s.deliverer.Deliver(ctx, out.From, out.To, raw); err != nil {
		return "", fmt.Errorf("deliver %s: %w", msg.ID, err)
	}
	if s.logger != nil {
		s.logger.Info("Message sent", "id", msg.ID, "from", out.From, "to", out.To, "sig_alg", sp.SigAlg, "bytes", len(raw))
	}
	return msg.ID, nil
}

// Appender delivers by appending into a folder of the message store, for
// parties sharing one mailbox.
type Appender struct {
	ops    *folder.Ops
	folder string
	now    func() time.Time
}

func NewAppender(ops *folder.Ops, folder string) *Appender {
	return &Appender{ops: ops, folder: folder, now: time.Now}
}

func (a *Appender) Deliver(ctx context.Context, _ string, _ []string, raw []byte) error {
	return a.ops.Append(ctx, a.folder, raw, a.now())
}
