package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dhcgn/mailsig/credstore"
	"github.com/dhcgn/mailsig/filter"
	"github.com/dhcgn/mailsig/folder"
	"github.com/dhcgn/mailsig/mailstore"
	"github.com/dhcgn/mailsig/receiver"
	"github.com/dhcgn/mailsig/state"
)

// EnvPrefix prefixes environment variables, e.g. MAILSIG_IMAP_HOST.
const EnvPrefix = "MAILSIG"

// Key store backends.
const (
	KeyStoreKeyring = "keyring"
	KeyStorePKCS12  = "pkcs12"
)

// Delivery methods.
const (
	DeliverySMTP   = "smtp"
	DeliveryAppend = "append"
)

// Config captures all options of the mailsig commands.
type Config struct {
	// Offline names an mbox archive that seeds an in-memory store instead of
	// connecting to IMAP.
	Offline string

	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	IMAPTLS            string
	InsecureSkipVerify bool

	SMTPHost string
	SMTPPort int
	SMTPUser string
	SMTPPass string
	SMTPTLS  string
	Delivery string

	Inbox      string
	Processed  string
	Quarantine string

	PollInterval time.Duration
	RetryDelay   time.Duration
	Lookback     time.Duration
	Once         bool

	StateDir     string
	StateBackend string
	DryRun       bool

	KeyStore       string
	KeyDir         string
	Identity       credstore.Identity
	TrustStore     string
	TrustStorePass string

	Export      string
	Filter      filter.Options
	SecretsDir  string
	SecretsPass string

	LogLevel string
	LogDir   string
}

// SecretGetter looks up stored account passwords.
type SecretGetter interface {
	Get(key string) (string, error)
}

// RegisterFlags attaches the shared flags to the root command.
func RegisterFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultDir("state")
	if err != nil {
		return err
	}
	defaultKeyDir, err := defaultDir("keys")
	if err != nil {
		return err
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "YAML configuration file")
	flags.String("offline", "", "Serve the store from this mbox archive in memory instead of IMAP")

	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to MAILSIG_IMAP_PASS and the keyring)")
	flags.String("imap-tls", "tls", "IMAP transport security: tls, starttls or none")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")

	flags.String("smtp-host", "", "SMTP submission server hostname")
	flags.Int("smtp-port", 587, "SMTP submission server port")
	flags.String("smtp-user", "", "SMTP username (defaults to the IMAP username)")
	flags.String("smtp-pass", "", "SMTP password (falls back to MAILSIG_SMTP_PASS and the keyring)")
	flags.String("smtp-tls", "starttls", "SMTP transport security: tls, starttls or none")
	flags.String("delivery", DeliverySMTP, "How send delivers: smtp or append (into the inbox folder)")

	flags.String("inbox", mailstore.DefaultFolder, "Folder new mail arrives in")
	flags.String("processed", "Processed", "Folder verified messages are moved to (empty keeps them in place)")
	flags.String("quarantine", "Quarantine", "Folder forged, malformed and untrusted messages are moved to (empty keeps them in place)")

	flags.Duration("poll-interval", receiver.DefaultInterval, "Pause between polls that found nothing")
	flags.Duration("retry-delay", folder.DefaultRetryDelay, "Pause between attempts to open a folder")
	flags.Duration("lookback", 0, "Start receiving this long before now instead of at the stored watermark")
	flags.Bool("once", false, "Stop after the first batch of messages")

	flags.String("state-dir", defaultStateDir, "Directory for receive state")
	flags.String("state-backend", state.BackendFile, "Receive state backend: memory, file or sqlite")
	flags.Bool("dry-run", false, "Do not persist receive state")

	flags.String("keystore", KeyStoreKeyring, "Key store backend: keyring or pkcs12")
	flags.String("key-dir", defaultKeyDir, "Directory holding the key stores")
	flags.String("identity-store", "default", "Key store holding the signing key")
	flags.String("identity-store-pass", "", "Password of the identity key store")
	flags.String("identity-alias", "", "Alias of the signing key")
	flags.String("identity-key-pass", "", "Password of the signing key")
	flags.String("trust-store", "trust", "Key store holding counterparty trust anchors")
	flags.String("trust-store-pass", "", "Password of the trust store")

	flags.String("export", "", "Append verified messages to this mbox archive")
	registerFilterFlags(flags)
	flags.String("secrets-dir", "", "Directory of the file keyring used for stored passwords")
	flags.String("secrets-pass", "", "Password of the file keyring used for stored passwords")

	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")
	return nil
}

func registerFilterFlags(flags *pflag.FlagSet) {
	for _, field := range []string{"sender", "subject", "body"} {
		flags.StringArray("include-"+field, nil, "Regex allow-list applied to the message "+field)
		flags.StringArray("exclude-"+field, nil, "Regex block-list applied to the message "+field)
	}
}

// LoadConfig resolves flags, environment and the optional config file into a
// Config. Flags set on the command line win over the environment, which wins
// over the file. Passwords left empty are looked up in the secret keyring.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	return loadConfig(cmd, nil)
}

func loadConfig(cmd *cobra.Command, secrets SecretGetter) (Config, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := Config{
		Offline:            strings.TrimSpace(v.GetString("offline")),
		IMAPHost:           v.GetString("imap-host"),
		IMAPPort:           v.GetInt("imap-port"),
		IMAPUser:           v.GetString("imap-user"),
		IMAPPass:           v.GetString("imap-pass"),
		IMAPTLS:            strings.ToLower(v.GetString("imap-tls")),
		InsecureSkipVerify: v.GetBool("insecure-skip-verify"),
		SMTPHost:           v.GetString("smtp-host"),
		SMTPPort:           v.GetInt("smtp-port"),
		SMTPUser:           v.GetString("smtp-user"),
		SMTPPass:           v.GetString("smtp-pass"),
		SMTPTLS:            strings.ToLower(v.GetString("smtp-tls")),
		Delivery:           strings.ToLower(v.GetString("delivery")),
		Inbox:              v.GetString("inbox"),
		Processed:          v.GetString("processed"),
		Quarantine:         v.GetString("quarantine"),
		PollInterval:       v.GetDuration("poll-interval"),
		RetryDelay:         v.GetDuration("retry-delay"),
		Lookback:           v.GetDuration("lookback"),
		Once:               v.GetBool("once"),
		StateDir:           v.GetString("state-dir"),
		StateBackend:       strings.ToLower(v.GetString("state-backend")),
		DryRun:             v.GetBool("dry-run"),
		KeyStore:           strings.ToLower(v.GetString("keystore")),
		KeyDir:             v.GetString("key-dir"),
		Identity: credstore.Identity{
			Store:         v.GetString("identity-store"),
			StorePassword: v.GetString("identity-store-pass"),
			Alias:         v.GetString("identity-alias"),
			KeyPassword:   v.GetString("identity-key-pass"),
		},
		TrustStore:     v.GetString("trust-store"),
		TrustStorePass: v.GetString("trust-store-pass"),
		Export:         v.GetString("export"),
		Filter: filter.Options{
			IncludeSender:  v.GetStringSlice("include-sender"),
			ExcludeSender:  v.GetStringSlice("exclude-sender"),
			IncludeSubject: v.GetStringSlice("include-subject"),
			ExcludeSubject: v.GetStringSlice("exclude-subject"),
			IncludeBody:    v.GetStringSlice("include-body"),
			ExcludeBody:    v.GetStringSlice("exclude-body"),
		},
		SecretsDir:  v.GetString("secrets-dir"),
		SecretsPass: v.GetString("secrets-pass"),
		LogLevel:    strings.ToLower(v.GetString("log-level")),
		LogDir:      v.GetString("log-dir"),
	}

	if cfg.SMTPUser == "" {
		cfg.SMTPUser = cfg.IMAPUser
	}
	if cfg.StateDir == "" {
		dir, err := defaultDir("state")
		if err != nil {
			return Config{}, err
		}
		cfg.StateDir = dir
	}
	cfg.StateDir = filepath.Clean(cfg.StateDir)
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}

	if secrets == nil {
		secrets = cfg.Secrets()
	}
	cfg.IMAPPass = lookupPassword(secrets, cfg.IMAPPass, "imap", cfg.IMAPUser, cfg.IMAPHost)
	cfg.SMTPPass = lookupPassword(secrets, cfg.SMTPPass, "smtp", cfg.SMTPUser, cfg.SMTPHost)

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func lookupPassword(secrets SecretGetter, current, protocol, user, host string) string {
	if current != "" || user == "" || host == "" {
		return current
	}
	pass, err := secrets.Get(credstore.AccountKey(protocol, user, host))
	if err != nil {
		return ""
	}
	return pass
}

func validateConfig(cfg Config) error {
	if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
		return fmt.Errorf("--imap-port must be between 1 and 65535")
	}
	if cfg.SMTPPort <= 0 || cfg.SMTPPort > 65535 {
		return fmt.Errorf("--smtp-port must be between 1 and 65535")
	}
	for flag, mode := range map[string]string{"--imap-tls": cfg.IMAPTLS, "--smtp-tls": cfg.SMTPTLS} {
		switch mode {
		case "tls", "starttls", "none":
		default:
			return fmt.Errorf("invalid %s: %s", flag, mode)
		}
	}
	switch cfg.Delivery {
	case DeliverySMTP, DeliveryAppend:
	default:
		return fmt.Errorf("invalid --delivery: %s", cfg.Delivery)
	}
	switch cfg.StateBackend {
	case state.BackendMemory, state.BackendFile, state.BackendSQLite:
	default:
		return fmt.Errorf("invalid --state-backend: %s", cfg.StateBackend)
	}
	switch cfg.KeyStore {
	case KeyStoreKeyring, KeyStorePKCS12:
	default:
		return fmt.Errorf("invalid --keystore: %s", cfg.KeyStore)
	}
	if cfg.Inbox == "" {
		return fmt.Errorf("--inbox must not be empty")
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("--poll-interval must be positive")
	}
	if cfg.RetryDelay <= 0 {
		return fmt.Errorf("--retry-delay must be positive")
	}
	if cfg.Lookback < 0 {
		return fmt.Errorf("--lookback must not be negative")
	}
	if _, err := filter.New(cfg.Filter); err != nil {
		return err
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

// RequireStore checks the settings needed to reach the message store.
func (c Config) RequireStore() error {
	if c.Offline != "" {
		return nil
	}
	if c.IMAPHost == "" {
		return errors.New("--imap-host (or --offline) is required")
	}
	if c.IMAPUser == "" {
		return errors.New("--imap-user is required")
	}
	if c.IMAPPass == "" {
		return errors.New("IMAP password must be provided via --imap-pass, MAILSIG_IMAP_PASS or the keyring")
	}
	return nil
}

// RequireDelivery checks the settings needed by send.
func (c Config) RequireDelivery() error {
	if c.Identity.Alias == "" {
		return errors.New("--identity-alias is required")
	}
	if c.Delivery == DeliveryAppend {
		return c.RequireStore()
	}
	if c.SMTPHost == "" {
		return errors.New("--smtp-host is required for smtp delivery")
	}
	return nil
}

// KeySource returns the configured credential source.
func (c Config) KeySource() credstore.Source {
	if c.KeyStore == KeyStorePKCS12 {
		return credstore.NewPKCS12Store(c.KeyDir)
	}
	return credstore.NewKeyringStore(c.KeyDir)
}

// Anchors returns the trust anchor resolver over the trust store.
func (c Config) Anchors() credstore.Anchors {
	return credstore.Anchors{Source: c.KeySource(), Store: c.TrustStore, StorePassword: c.TrustStorePass}
}

// Secrets returns the keyring holding account passwords.
func (c Config) Secrets() credstore.Secrets {
	return credstore.Secrets{FileDir: c.SecretsDir, FilePassword: c.SecretsPass}
}

// Since is the initial receive watermark. It is zero without a lookback,
// which resumes from the stored watermark.
func (c Config) Since(now time.Time) time.Time {
	if c.Lookback <= 0 {
		return time.Time{}
	}
	return now.Add(-c.Lookback)
}

func defaultDir(name string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mailsig", name), nil
}
