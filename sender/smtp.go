package sender

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/dhcgn/mailsig/mailerr"
)

// TLS modes.
const (
	TLSImplicit = "tls"
	TLSStartTLS = "starttls"
	TLSNone     = "none"
)

type SMTPOptions struct {
	Host               string
	Port               int
	Username           string
	Password           string
	TLSMode            string
	InsecureSkipVerify bool
	// LocalName is sent in EHLO. The library default is used when empty.
	LocalName string
	Logger    *slog.Logger
}

// SMTP delivers messages through a submission server, one connection per
// message.
type SMTP struct {
	opts   SMTPOptions
	logger *slog.Logger
}

func NewSMTP(opts SMTPOptions) *SMTP {
	return &SMTP{opts: opts, logger: opts.Logger}
}

func (s *SMTP) Deliver(ctx context.Context, from string, to []string, raw []byte) error {
	if len(to) == 0 {
		return errors.New("smtp: no recipients")
	}
	if err := ctx.Err(); err != nil {
		return mailerr.Cancelled(ctx, "smtp delivery")
	}

	c, err := s.dial()
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.Close()
	})
	defer stop()
	defer c.Close()

	if s.opts.LocalName != "" {
		if err := c.Hello(s.opts.LocalName); err != nil {
			return classify("hello", err)
		}
	}
	if s.opts.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", s.opts.Username, s.opts.Password)); err != nil {
			return classify("auth", err)
		}
	}
	if err := c.SendMail(from, to, strings.NewReader(string(raw))); err != nil {
		if ctx.Err() != nil {
			return mailerr.Cancelled(ctx, "smtp delivery")
		}
		return classify("send", err)
	}
	if err := c.Quit(); err != nil && s.logger != nil {
		s.logger.Debug("smtp quit failed", "err", err)
	}
	if s.logger != nil {
		s.logger.Debug("smtp delivery complete", "from", from, "rcpt", len(to), "bytes", len(raw))
	}
	return nil
}

func (s *SMTP) dial() (*smtp.Client, error) {
	if s.opts.Host == "" {
		return nil, errors.New("smtp host is empty")
	}
	if s.opts.Port <= 0 {
		return nil, errors.New("smtp port must be positive")
	}
	address := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	tlsConfig := &tls.Config{
		ServerName:         s.opts.Host,
		InsecureSkipVerify: s.opts.InsecureSkipVerify,
	}

	mode := strings.ToLower(s.opts.TLSMode)
	if mode == "" {
		mode = TLSStartTLS
	}
	var (
		c   *smtp.Client
		err error
	)
	switch mode {
	case TLSImplicit:
		c, err = smtp.DialTLS(address, tlsConfig)
	case TLSStartTLS:
		c, err = smtp.DialStartTLS(address, tlsConfig)
	case TLSNone:
		c, err = smtp.Dial(address)
	default:
		return nil, fmt.Errorf("unknown smtp tls mode %q", s.opts.TLSMode)
	}
	if err != nil {
		return nil, mailerr.Fatal("dial", address, err)
	}
	return c, nil
}

// classify maps 4xx replies to transient failures. Everything else,
// including network errors, is fatal.
func classify(op string, err error) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) && smtpErr.Code >= 400 && smtpErr.Code < 500 {
		return mailerr.Transient("smtp "+op, "", err)
	}
	return mailerr.Fatal("smtp "+op, "", err)
}
