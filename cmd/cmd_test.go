package cmd

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mailsig/config"
	"github.com/dhcgn/mailsig/credstore"
	"github.com/dhcgn/mailsig/envelope"
	"github.com/dhcgn/mailsig/mailerr"
	"github.com/dhcgn/mailsig/mbox"
	"github.com/dhcgn/mailsig/model"
)

var t0 = time.Date(2024, 4, 2, 9, 30, 0, 0, time.UTC)

type testEnv struct {
	app     *App
	dir     string
	archive string
	alice   ed25519.PublicKey
}

func signedMessage(t *testing.T, codec *envelope.Codec, id, from string, key ed25519.PrivateKey, at time.Time) []byte {
	t.Helper()
	cred := &credstore.Credential{Identity: from, Alias: from, Key: key, Public: key.Public()}
	sp, err := codec.Sign([]byte("payload of "+id), "text/plain", cred)
	require.NoError(t, err)
	raw, err := envelope.ComposeWith(model.Outgoing{From: from, To: []string{"bob@example.org"}, Subject: "report"}, sp,
		envelope.ComposeOptions{Date: at, MessageID: id})
	require.NoError(t, err)
	return raw
}

// newTestEnv writes an archive holding one verified, one forged, one
// unsigned and one untrusted message, and trusts alice's key.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	codec := envelope.NewCodec(envelope.Options{})

	alicePub, alice, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, mallory, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, carol, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	raws := [][]byte{
		signedMessage(t, codec, "verified@example.org", "alice@example.org", alice, t0),
		signedMessage(t, codec, "forged@example.org", "alice@example.org", mallory, t0.Add(time.Minute)),
		[]byte(fmt.Sprintf("Message-Id: <plain@example.org>\r\nFrom: alice@example.org\r\nDate: %s\r\nSubject: hi\r\n\r\nplain\r\n",
			t0.Add(2*time.Minute).Format(time.RFC1123Z))),
		signedMessage(t, codec, "untrusted@example.org", "carol@example.org", carol, t0.Add(3*time.Minute)),
	}

	archive := filepath.Join(dir, "inbox.mbox")
	exporter, err := mbox.NewExporter(archive)
	require.NoError(t, err)
	for _, raw := range raws {
		msg, err := model.Parse(raw)
		require.NoError(t, err)
		require.NoError(t, exporter.Export(msg))
	}
	require.NoError(t, exporter.Close())

	keyDir := filepath.Join(dir, "keys")
	require.NoError(t, credstore.NewKeyringStore(keyDir).ImportTrustAnchor("trust", "trust-pw", "alice@example.org", alicePub))

	app := &App{
		Config: config.Config{
			Offline:        archive,
			Inbox:          "INBOX",
			Processed:      "Processed",
			Quarantine:     "Quarantine",
			PollInterval:   10 * time.Millisecond,
			RetryDelay:     10 * time.Millisecond,
			Once:           true,
			StateBackend:   "memory",
			StateDir:       filepath.Join(dir, "state"),
			Delivery:       config.DeliveryAppend,
			KeyStore:       config.KeyStoreKeyring,
			KeyDir:         keyDir,
			TrustStore:     "trust",
			TrustStorePass: "trust-pw",
			Identity: credstore.Identity{
				Store:         "identity",
				StorePassword: "store-pw",
				Alias:         "bob@example.org",
				KeyPassword:   "key-pw",
			},
			LogLevel: "error",
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Out:    io.Discard,
	}
	return &testEnv{app: app, dir: dir, archive: archive, alice: alicePub}
}

func TestVerifyFile_Archive(t *testing.T) {
	env := newTestEnv(t)

	report, err := env.app.verifyFile(context.Background(), env.archive)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Summary.Verified)
	assert.Equal(t, 1, report.Summary.Forged)
	assert.Equal(t, 1, report.Summary.Malformed)
	assert.Equal(t, 1, report.Summary.Untrusted)
	assert.Equal(t, 3, report.Failed())
	assert.Equal(t, map[string]int{"alice@example.org": 1}, report.Summary.Senders)
	require.Len(t, report.Rows, 4)

	var out strings.Builder
	printVerifyReport(&out, report, 5)
	assert.Contains(t, out.String(), "forged forged@example.org <alice@example.org>")
	assert.Contains(t, out.String(), "1. alice@example.org (1)")

	reports := filepath.Join(env.dir, "reports")
	require.NoError(t, saveCSVReports(report, reports))
	senders, err := os.ReadFile(filepath.Join(reports, "report_senders.csv"))
	require.NoError(t, err)
	assert.Equal(t, "Sender,Verified\nalice@example.org,1\n", string(senders))
	results, err := os.ReadFile(filepath.Join(reports, "report_results.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(results), "verified@example.org,alice@example.org,report,verified,")
}

func TestVerifyFile_SingleMessage(t *testing.T) {
	env := newTestEnv(t)
	msgs, err := mbox.Load(context.Background(), env.archive, nil)
	require.NoError(t, err)

	eml := filepath.Join(env.dir, "verified.eml")
	require.NoError(t, os.WriteFile(eml, msgs[0].Raw, 0o600))

	report, err := env.app.verifyFile(context.Background(), eml)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Summary.Verified)
	assert.Zero(t, report.Failed())
}

func TestVerifyFile_Filtered(t *testing.T) {
	env := newTestEnv(t)
	env.app.Config.Filter.IncludeSender = []string{"^carol@"}

	report, err := env.app.verifyFile(context.Background(), env.archive)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Summary.Filtered)
	assert.Equal(t, 1, report.Summary.Untrusted)
}

func TestReceive_OfflineExportsVerified(t *testing.T) {
	env := newTestEnv(t)
	export := filepath.Join(env.dir, "verified.mbox")
	env.app.Config.Export = export

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, env.app.receive(ctx))

	exported, err := mbox.Load(context.Background(), export, nil)
	require.NoError(t, err)
	require.Len(t, exported, 1)
	assert.Equal(t, "verified@example.org", exported[0].ID)
}

func TestMessageCommands_Offline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	msgs, err := env.app.find(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, msgs, 4)

	msgs, err = env.app.find(ctx, "", "<forged@example.org>")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "forged@example.org", msgs[0].ID)

	_, err = env.app.find(ctx, "", "missing@example.org")
	assert.ErrorIs(t, err, mailerr.ErrNotFound)

	require.NoError(t, env.app.move(ctx, "", "forged@example.org", "Archive"))
	assert.ErrorIs(t, env.app.move(ctx, "", "missing@example.org", "Archive"), mailerr.ErrNotFound)

	n, err := env.app.delete(ctx, "", []string{"plain@example.org", "untrusted@example.org"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestKeys_GenerateImportSend(t *testing.T) {
	env := newTestEnv(t)
	app := env.app

	pubPEM, err := app.generateKey(credstore.FamilyEd25519)
	require.NoError(t, err)
	pub, err := credstore.ParsePEMPublicKey(pubPEM)
	require.NoError(t, err)
	_, ok := pub.(ed25519.PublicKey)
	assert.True(t, ok)

	entries, err := app.listKeys(false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, credstore.Entry{Alias: "bob@example.org", Kind: "private-key", Family: credstore.FamilyEd25519}, entries[0])

	anchorFile := filepath.Join(env.dir, "bob.pem")
	require.NoError(t, os.WriteFile(anchorFile, pubPEM, 0o600))
	fingerprint, err := app.importAnchor("Bob@Example.org", anchorFile)
	require.NoError(t, err)
	assert.Len(t, fingerprint, 64)

	entries, err = app.listKeys(true)
	require.NoError(t, err)
	var aliases []string
	for _, e := range entries {
		aliases = append(aliases, e.Alias)
	}
	assert.Equal(t, []string{"alice@example.org", "bob@example.org"}, aliases)

	id, err := app.send(context.Background(), sendOptions{to: []string{"alice@example.org"}, subject: "hello", contentType: "text/plain"}, []byte("signed hello"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(id, "@example.org"), id)

	require.NoError(t, app.removeKey("bob@example.org", true))
	assert.ErrorIs(t, app.removeKey("bob@example.org", true), credstore.ErrNotFound)
}

func TestKeys_Validation(t *testing.T) {
	env := newTestEnv(t)
	app := env.app

	_, err := app.send(context.Background(), sendOptions{}, []byte("x"))
	assert.Error(t, err, "no recipients")

	app.Config.Identity.Alias = ""
	_, err = app.generateKey(credstore.FamilyEd25519)
	assert.Error(t, err)

	app.Config.KeyStore = config.KeyStorePKCS12
	_, err = app.listKeys(false)
	assert.Error(t, err)
}

func TestReadPayload(t *testing.T) {
	data, err := readPayload("-", strings.NewReader("from stdin"))
	require.NoError(t, err)
	assert.Equal(t, "from stdin", string(data))

	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, []byte("from file"), 0o600))
	data, err = readPayload(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "from file", string(data))

	_, err = readPayload(filepath.Join(t.TempDir(), "missing"), nil)
	assert.Error(t, err)
}
