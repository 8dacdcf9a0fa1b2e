// Package imap implements mailstore.Store over a single IMAP connection.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/mailsig/mailerr"
	"github.com/dhcgn/mailsig/mailstore"
)

// TLS modes.
const (
	TLSImplicit = "tls"
	TLSStartTLS = "starttls"
	TLSNone     = "none"
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	TLSMode            string
	InsecureSkipVerify bool
	Logger             *slog.Logger
}

// Store is a logged-in IMAP connection. IMAP selects one mailbox per
// connection, so at most one folder handle reports itself open at a time;
// selecting another folder implicitly closes the previous one.
type Store struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	client   *imapclient.Client
	selected string
	mode     mailstore.Mode
	closed   bool

	stopClose func() bool
}

var _ mailstore.Store = (*Store)(nil)

// Dial connects and logs in. Cancelling ctx tears the connection down.
func Dial(ctx context.Context, opts Options) (*Store, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}

	address := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	options := &imapclient.Options{}
	mode := strings.ToLower(opts.TLSMode)
	if mode == "" {
		mode = TLSImplicit
	}
	if mode != TLSNone {
		options.TLSConfig = &tls.Config{
			ServerName:         opts.Host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)
	switch mode {
	case TLSImplicit:
		client, err = imapclient.DialTLS(address, options)
	case TLSStartTLS:
		client, err = imapclient.DialStartTLS(address, options)
	case TLSNone:
		client, err = imapclient.DialInsecure(address, options)
	default:
		return nil, fmt.Errorf("unknown imap tls mode %q", opts.TLSMode)
	}
	if err != nil {
		return nil, mailerr.Fatal("dial", address, err)
	}

	if err := client.Login(opts.Username, opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, mailerr.Fatal("login", opts.Username, err)
	}

	s := &Store{opts: opts, logger: opts.Logger, client: client}
	s.stopClose = context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	if s.logger != nil {
		s.logger.Debug("imap connection established", "address", address, "user", opts.Username, "tls", mode)
	}
	return s, nil
}

// EnsureFolders creates the named folders when they do not exist yet.
func (s *Store) EnsureFolders(ctx context.Context, names ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		if name == "" || strings.EqualFold(name, mailstore.DefaultFolder) {
			continue
		}
		if err := s.createLocked(name); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) createLocked(name string) error {
	if err := s.client.Create(name, nil).Wait(); err != nil {
		var respErr *imapv2.Error
		if errors.As(err, &respErr) && respErr.Code == imapv2.ResponseCodeAlreadyExists {
			if s.logger != nil {
				s.logger.Debug("imap mailbox already exists", "mailbox", name)
			}
			return nil
		}
		return classify("create", name, err)
	}
	if s.logger != nil {
		s.logger.Info("imap mailbox created", "mailbox", name)
	}
	return nil
}

func (s *Store) Folder(_ context.Context, name string) (mailstore.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, mailerr.Fatal("folder", name, errClosed)
	}
	return &folder{store: s, name: name}, nil
}

func (s *Store) Append(_ context.Context, name string, raw []byte, received time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return mailerr.Fatal("append", name, errClosed)
	}

	var opts *imapv2.AppendOptions
	if !received.IsZero() {
		opts = &imapv2.AppendOptions{Time: received}
	}
	cmd := s.client.Append(name, int64(len(raw)), opts)

	remaining := raw
	for len(remaining) > 0 {
		n, err := cmd.Write(remaining)
		if err != nil {
			_ = cmd.Close()
			return classify("append", name, fmt.Errorf("write: %w", err))
		}
		if n == 0 {
			_ = cmd.Close()
			return mailerr.Fatal("append", name, errors.New("wrote 0 bytes"))
		}
		remaining = remaining[n:]
	}
	if err := cmd.Close(); err != nil {
		return classify("append", name, fmt.Errorf("close: %w", err))
	}
	if _, err := cmd.Wait(); err != nil {
		return classify("append", name, err)
	}
	return nil
}

// Close logs out and closes the connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.selected = ""
	if s.stopClose != nil {
		s.stopClose()
	}
	if err := s.client.Logout().Wait(); err != nil && s.logger != nil {
		s.logger.Warn("imap logout failed", "err", err)
	}
	if err := s.client.Close(); err != nil && s.logger != nil {
		s.logger.Debug("imap connection closed", "err", err)
	}
	return nil
}

// selectLocked selects name in mode. The store mutex must be held.
func (s *Store) selectLocked(name string, mode mailstore.Mode) error {
	if s.closed {
		return mailerr.Fatal("select", name, errClosed)
	}
	readOnly := mode != mailstore.ReadWrite
	if _, err := s.client.Select(name, &imapv2.SelectOptions{ReadOnly: readOnly}).Wait(); err != nil {
		s.selected, s.mode = "", 0
		return classify("select", name, err)
	}
	s.selected, s.mode = name, mode
	return nil
}

// unselectLocked leaves the selected mailbox without expunging it. Servers
// lacking UNSELECT get a read-only re-select, which never expunges.
func (s *Store) unselectLocked(name string) error {
	if s.selected != name {
		return nil
	}
	var err error
	if s.client.Caps().Has(imapv2.CapUnselect) {
		err = s.client.Unselect().Wait()
	} else {
		_, err = s.client.Select(name, &imapv2.SelectOptions{ReadOnly: true}).Wait()
	}
	s.selected, s.mode = "", 0
	if err != nil {
		return classify("unselect", name, err)
	}
	return nil
}

// classify sorts IMAP failures into retryable and fatal ones. Tagged NO
// responses are retryable unless their response code says the request can
// never succeed; anything else, including network errors, is fatal.
func classify(op, folder string, err error) error {
	var respErr *imapv2.Error
	if !errors.As(err, &respErr) {
		return mailerr.Fatal(op, folder, err)
	}
	if respErr.Type == imapv2.StatusResponseTypeBad {
		return mailerr.Fatal(op, folder, err)
	}
	switch respErr.Code {
	case imapv2.ResponseCodeNonExistent,
		imapv2.ResponseCodeTryCreate,
		imapv2.ResponseCodeAuthenticationFailed,
		imapv2.ResponseCodeAuthorizationFailed,
		imapv2.ResponseCodeNoPerm,
		imapv2.ResponseCodeCannot,
		imapv2.ResponseCodeOverQuota:
		return mailerr.Fatal(op, folder, err)
	}
	return mailerr.Transient(op, folder, err)
}
