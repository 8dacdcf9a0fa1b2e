package sender

import (
	"context"
	"crypto/ed25519"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mailsig/credstore"
	"github.com/dhcgn/mailsig/envelope"
	"github.com/dhcgn/mailsig/folder"
	"github.com/dhcgn/mailsig/mailerr"
	"github.com/dhcgn/mailsig/mailstore"
	"github.com/dhcgn/mailsig/memstore"
	"github.com/dhcgn/mailsig/model"
)

type delivery struct {
	from string
	to   []string
	data []byte
}

type backend struct {
	password string
	rejectTo string

	mu        sync.Mutex
	delivered []delivery
}

func (b *backend) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &session{backend: b}, nil
}

func (b *backend) deliveries() []delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]delivery(nil), b.delivered...)
}

type session struct {
	backend *backend
	authed  bool
	from    string
	to      []string
}

func (s *session) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *session) Auth(string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(_, username, password string) error {
		if username != "alice" || password != s.backend.password {
			return &smtp.SMTPError{Code: 535, EnhancedCode: smtp.EnhancedCode{5, 7, 8}, Message: "invalid credentials"}
		}
		s.authed = true
		return nil
	}), nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if !s.authed {
		return &smtp.SMTPError{Code: 530, EnhancedCode: smtp.EnhancedCode{5, 7, 0}, Message: "authentication required"}
	}
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if to == s.backend.rejectTo {
		return &smtp.SMTPError{Code: 450, EnhancedCode: smtp.EnhancedCode{4, 2, 1}, Message: "mailbox busy"}
	}
	s.to = append(s.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.backend.mu.Lock()
	s.backend.delivered = append(s.backend.delivered, delivery{from: s.from, to: s.to, data: data})
	s.backend.mu.Unlock()
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error { return nil }

func startSMTP(t *testing.T, be *backend) SMTPOptions {
	t.Helper()
	server := smtp.NewServer(be)
	server.Domain = "localhost"
	server.AllowInsecureAuth = true
	server.ReadTimeout = 5 * time.Second
	server.WriteTimeout = 5 * time.Second

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = server.Serve(ln) }()
	t.Cleanup(func() { _ = server.Close() })

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	portNum, err := strconv.Atoi(port)
	require.NoError(t, err)
	return SMTPOptions{Host: host, Port: portNum, Username: "alice", Password: "secret", TLSMode: TLSNone}
}

func testCredential(t *testing.T) (*credstore.Credential, *credstore.TrustAnchor) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return &credstore.Credential{Identity: "alice", Alias: "alice@example.org", Key: priv, Public: pub},
		&credstore.TrustAnchor{Alias: "alice@example.org", Public: pub}
}

func outgoing() model.Outgoing {
	return model.Outgoing{
		From:        "alice@example.org",
		To:          []string{"bob@example.org"},
		Subject:     "quarterly numbers",
		ContentType: "text/csv",
		Payload:     []byte("q,revenue\n1,100\n"),
	}
}

func TestSender_SMTP(t *testing.T) {
	be := &backend{password: "secret"}
	opts := startSMTP(t, be)
	cred, anchor := testCredential(t)
	codec := envelope.NewCodec(envelope.Options{})

	id, err := New(codec, NewSMTP(opts), nil).Send(context.Background(), outgoing(), cred)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	got := be.deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, "alice@example.org", got[0].from)
	assert.Equal(t, []string{"bob@example.org"}, got[0].to)

	msg, err := model.Parse(got[0].data)
	require.NoError(t, err)
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, "quarterly numbers", msg.Subject)

	sp, err := envelope.Extract(got[0].data)
	require.NoError(t, err)
	ok, err := codec.Verify(sp, anchor)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, outgoing().Payload, sp.Payload)
}

func TestSMTP_WrongPasswordIsFatal(t *testing.T) {
	opts := startSMTP(t, &backend{password: "secret"})
	opts.Password = "wrong"

	err := NewSMTP(opts).Deliver(context.Background(), "alice@example.org", []string{"bob@example.org"}, []byte("Subject: x\r\n\r\nx\r\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, mailerr.ErrFatalTransport), "got %v", err)
}

func TestSMTP_TemporaryRejectIsTransient(t *testing.T) {
	opts := startSMTP(t, &backend{password: "secret", rejectTo: "busy@example.org"})

	err := NewSMTP(opts).Deliver(context.Background(), "alice@example.org", []string{"busy@example.org"}, []byte("Subject: x\r\n\r\nx\r\n"))
	require.Error(t, err)
	assert.True(t, mailerr.Retryable(err), "got %v", err)
}

func TestSMTP_Validation(t *testing.T) {
	err := NewSMTP(SMTPOptions{Host: "127.0.0.1", Port: 25}).Deliver(context.Background(), "a@example.org", nil, nil)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = NewSMTP(SMTPOptions{Host: "127.0.0.1", Port: 25}).Deliver(ctx, "a@example.org", []string{"b@example.org"}, nil)
	assert.True(t, errors.Is(err, mailerr.ErrCancelled))

	err = NewSMTP(SMTPOptions{Host: "127.0.0.1", Port: 25, TLSMode: "bogus"}).Deliver(context.Background(), "a@example.org", []string{"b@example.org"}, nil)
	assert.ErrorContains(t, err, "unknown smtp tls mode")
}

func TestSender_Appender(t *testing.T) {
	store := memstore.New()
	ops := folder.NewOps(store, folder.Options{RetryDelay: time.Millisecond})
	cred, anchor := testCredential(t)
	codec := envelope.NewCodec(envelope.Options{})

	id, err := New(codec, NewAppender(ops, mailstore.DefaultFolder), nil).Send(context.Background(), outgoing(), cred)
	require.NoError(t, err)

	msg, err := ops.FindByID(context.Background(), mailstore.DefaultFolder, id)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.org", msg.From)

	sp, err := envelope.Extract(msg.Raw)
	require.NoError(t, err)
	ok, err := codec.Verify(sp, anchor)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSender_DeliveryFailure(t *testing.T) {
	store := memstore.New()
	ops := folder.NewOps(store, folder.Options{RetryDelay: time.Millisecond})
	cred, _ := testCredential(t)

	_, err := New(envelope.NewCodec(envelope.Options{}), NewAppender(ops, "Missing"), nil).Send(context.Background(), outgoing(), cred)
	require.Error(t, err)
	assert.True(t, errors.Is(err, mailerr.ErrFatalTransport))
}
