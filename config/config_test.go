package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSecrets map[string]string

func (f fakeSecrets) Get(key string) (string, error) {
	v, ok := f[key]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func newCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "mailsig"}
	require.NoError(t, RegisterFlags(cmd))
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig(newCommand(t), fakeSecrets{})
	require.NoError(t, err)

	assert.Equal(t, 993, cfg.IMAPPort)
	assert.Equal(t, "tls", cfg.IMAPTLS)
	assert.Equal(t, "starttls", cfg.SMTPTLS)
	assert.Equal(t, "INBOX", cfg.Inbox)
	assert.Equal(t, "Processed", cfg.Processed)
	assert.Equal(t, "Quarantine", cfg.Quarantine)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryDelay)
	assert.Equal(t, "file", cfg.StateBackend)
	assert.Equal(t, KeyStoreKeyring, cfg.KeyStore)
	assert.Equal(t, DeliverySMTP, cfg.Delivery)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, strings.HasSuffix(cfg.StateDir, filepath.Join(".mailsig", "state")), cfg.StateDir)
}

func TestLoadConfig_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mailsig.yaml")
	yaml := "imap-host: file.example.com\n" +
		"imap-user: file-user\n" +
		"imap-port: 1993\n" +
		"exclude-subject:\n  - newsletter\n  - digest\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	t.Setenv("MAILSIG_IMAP_USER", "env-user")
	t.Setenv("MAILSIG_POLL_INTERVAL", "5s")

	cmd := newCommand(t, "--config", path, "--imap-port", "2993")
	cfg, err := loadConfig(cmd, fakeSecrets{})
	require.NoError(t, err)

	assert.Equal(t, "file.example.com", cfg.IMAPHost)
	assert.Equal(t, "env-user", cfg.IMAPUser)
	assert.Equal(t, "env-user", cfg.SMTPUser)
	assert.Equal(t, 2993, cfg.IMAPPort)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, []string{"newsletter", "digest"}, cfg.Filter.ExcludeSubject)
}

func TestLoadConfig_PasswordFromSecrets(t *testing.T) {
	secrets := fakeSecrets{"imap:alice@mail.example.com": "s3cret"}
	cmd := newCommand(t, "--imap-host", "mail.example.com", "--imap-user", "alice")
	cfg, err := loadConfig(cmd, secrets)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.IMAPPass)
	assert.NoError(t, cfg.RequireStore())

	cmd = newCommand(t, "--imap-host", "mail.example.com", "--imap-user", "alice", "--imap-pass", "flag")
	cfg, err = loadConfig(cmd, secrets)
	require.NoError(t, err)
	assert.Equal(t, "flag", cfg.IMAPPass)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"port", []string{"--imap-port", "0"}},
		{"smtp port", []string{"--smtp-port", "70000"}},
		{"tls mode", []string{"--imap-tls", "maybe"}},
		{"delivery", []string{"--delivery", "pigeon"}},
		{"state backend", []string{"--state-backend", "redis"}},
		{"keystore", []string{"--keystore", "jks"}},
		{"empty inbox", []string{"--inbox", ""}},
		{"poll interval", []string{"--poll-interval", "0s"}},
		{"lookback", []string{"--lookback=-1h"}},
		{"log level", []string{"--log-level", "verbose"}},
		{"filter", []string{"--include-sender", "("}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(newCommand(t, tt.args...), fakeSecrets{})
			assert.Error(t, err)
		})
	}
}

func TestRequirements(t *testing.T) {
	cfg, err := loadConfig(newCommand(t), fakeSecrets{})
	require.NoError(t, err)
	assert.Error(t, cfg.RequireStore())
	assert.Error(t, cfg.RequireDelivery())

	cfg.Offline = "archive.mbox"
	assert.NoError(t, cfg.RequireStore())

	cfg.Identity.Alias = "alice@example.com"
	assert.Error(t, cfg.RequireDelivery(), "smtp delivery needs a host")
	cfg.Delivery = DeliveryAppend
	assert.NoError(t, cfg.RequireDelivery())
}

func TestSince(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	assert.True(t, Config{}.Since(now).IsZero())
	assert.Equal(t, now.Add(-24*time.Hour), Config{Lookback: 24 * time.Hour}.Since(now))
}
