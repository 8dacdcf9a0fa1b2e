package envelope

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mailsig/credstore"
	"github.com/dhcgn/mailsig/mailerr"
	"github.com/dhcgn/mailsig/model"
)

type keyPair struct {
	cred   *credstore.Credential
	anchor *credstore.TrustAnchor
}

func newPair(t *testing.T, alias string, key crypto.PrivateKey) keyPair {
	t.Helper()
	pub, err := credstore.PublicOf(key)
	require.NoError(t, err)
	return keyPair{
		cred:   &credstore.Credential{Identity: "test", Alias: alias, Key: key, Public: pub},
		anchor: &credstore.TrustAnchor{Alias: alias, Public: pub},
	}
}

func allPairs(t *testing.T) map[string]keyPair {
	t.Helper()
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, mlKey, err := mldsa65.GenerateKey(nil)
	require.NoError(t, err)

	return map[string]keyPair{
		SigRSAPKCS1v15SHA256: newPair(t, "rsa", rsaKey),
		SigECDSASHA256:       newPair(t, "ecdsa", ecKey),
		SigEd25519:           newPair(t, "ed25519", edKey),
		SigMLDSA65:           newPair(t, "mldsa", mlKey),
	}
}

func TestSignVerify_AllFamilies(t *testing.T) {
	codec := NewCodec(Options{})
	payloads := map[string][]byte{
		"empty":  {},
		"nil":    nil,
		"text":   []byte("<order id=\"42\">pay 10 EUR</order>\r\n"),
		"binary": {0x00, 0xff, 0x10, 0x00, 0x7f},
	}

	for alg, pair := range allPairs(t) {
		for name, payload := range payloads {
			t.Run(alg+"/"+name, func(t *testing.T) {
				sp, err := codec.Sign(payload, "application/xml", pair.cred)
				require.NoError(t, err)
				assert.Equal(t, alg, sp.SigAlg)
				assert.Equal(t, DigestSHA256, sp.DigestAlg)
				assert.Equal(t, pair.cred.Alias, sp.Key.Alias)

				ok, err := codec.Verify(sp, pair.anchor)
				require.NoError(t, err)
				assert.True(t, ok)

				wire, err := Encode(sp)
				require.NoError(t, err)
				opened, err := codec.Open(wire, pair.anchor)
				require.NoError(t, err)
				assert.True(t, bytes.Equal(payload, opened))
			})
		}
	}
}

func TestVerify_TamperedPayload(t *testing.T) {
	codec := NewCodec(Options{})
	for alg, pair := range allPairs(t) {
		t.Run(alg, func(t *testing.T) {
			sp, err := codec.Sign([]byte("transfer 100"), "text/plain", pair.cred)
			require.NoError(t, err)

			for i := range sp.Payload {
				tampered := *sp
				tampered.Payload = bytes.Clone(sp.Payload)
				tampered.Payload[i] ^= 0x01

				ok, err := codec.Verify(&tampered, pair.anchor)
				require.NoError(t, err)
				assert.False(t, ok, "flipped byte %d", i)
			}
		})
	}
}

func TestVerify_TamperedMetadata(t *testing.T) {
	codec := NewCodec(Options{})
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pair := newPair(t, "alice", key)

	sp, err := codec.Sign([]byte("hello"), "text/plain", pair.cred)
	require.NoError(t, err)

	contentType := *sp
	contentType.ContentType = "text/html"
	ok, err := codec.Verify(&contentType, pair.anchor)
	require.NoError(t, err)
	assert.False(t, ok)

	sig := *sp
	sig.Signature = bytes.Clone(sp.Signature)
	sig.Signature[0] ^= 0x80
	ok, err = codec.Verify(&sig, pair.anchor)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerify_WrongAnchor(t *testing.T) {
	codec := NewCodec(Options{})
	pairs := allPairs(t)
	_, otherEd, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	other := newPair(t, "mallory", otherEd)

	sp, err := codec.Sign([]byte("hello"), "text/plain", pairs[SigEd25519].cred)
	require.NoError(t, err)

	ok, err := codec.Verify(sp, other.anchor)
	require.NoError(t, err)
	assert.False(t, ok, "same family, different key")

	ok, err = codec.Verify(sp, pairs[SigRSAPKCS1v15SHA256].anchor)
	require.NoError(t, err)
	assert.False(t, ok, "anchor family differs from signature algorithm")
}

func TestVerify_IgnoresEmbeddedKey(t *testing.T) {
	codec := NewCodec(Options{})
	_, aliceKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, malloryKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	alice := newPair(t, "alice", aliceKey)
	mallory := newPair(t, "alice", malloryKey)

	// Mallory signs and claims to be alice; the embedded key is Mallory's own.
	forged, err := codec.Sign([]byte("pay mallory"), "text/plain", mallory.cred)
	require.NoError(t, err)

	ok, err := codec.Verify(forged, alice.anchor)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerify_Malformed(t *testing.T) {
	codec := NewCodec(Options{})
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pair := newPair(t, "alice", key)
	sp, err := codec.Sign([]byte("hello"), "text/plain", pair.cred)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*SignedPayload)
	}{
		{name: "missing signature", mutate: func(p *SignedPayload) { p.Signature = nil }},
		{name: "missing digest", mutate: func(p *SignedPayload) { p.Digest = nil }},
		{name: "short digest", mutate: func(p *SignedPayload) { p.Digest = p.Digest[:8] }},
		{name: "unknown digest", mutate: func(p *SignedPayload) { p.DigestAlg = "SHA-1" }},
		{name: "unknown signature alg", mutate: func(p *SignedPayload) { p.SigAlg = "DSA-SHA1" }},
		{name: "wrong version", mutate: func(p *SignedPayload) { p.Version = 9 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broken := *sp
			tt.mutate(&broken)
			ok, err := codec.Verify(&broken, pair.anchor)
			assert.False(t, ok)
			assert.True(t, errors.Is(err, mailerr.ErrEnvelopeMalformed), "got %v", err)
		})
	}

	ok, err := codec.Verify(nil, pair.anchor)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, mailerr.ErrEnvelopeMalformed))
}

func TestVerify_DoesNotMutateInputs(t *testing.T) {
	codec := NewCodec(Options{})
	for alg, pair := range allPairs(t) {
		t.Run(alg, func(t *testing.T) {
			sp, err := codec.Sign([]byte("immutable"), "text/plain", pair.cred)
			require.NoError(t, err)

			before, err := Encode(sp)
			require.NoError(t, err)
			anchorBefore, err := credstore.Fingerprint(pair.anchor.Public)
			require.NoError(t, err)

			for i := 0; i < 2; i++ {
				ok, err := codec.Verify(sp, pair.anchor)
				require.NoError(t, err)
				require.True(t, ok)
			}

			after, err := Encode(sp)
			require.NoError(t, err)
			assert.Equal(t, before, after)
			anchorAfter, err := credstore.Fingerprint(pair.anchor.Public)
			require.NoError(t, err)
			assert.Equal(t, anchorBefore, anchorAfter)
		})
	}
}

func TestSign_CopiesPayload(t *testing.T) {
	codec := NewCodec(Options{})
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pair := newPair(t, "alice", key)

	payload := []byte("original")
	sp, err := codec.Sign(payload, "text/plain", pair.cred)
	require.NoError(t, err)
	payload[0] = 'X'

	ok, err := codec.Verify(sp, pair.anchor)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSign_NoCredential(t *testing.T) {
	_, err := NewCodec(Options{}).Sign([]byte("x"), "text/plain", nil)
	assert.True(t, errors.Is(err, mailerr.ErrCredentialUnavailable))
}

func TestOpen_Errors(t *testing.T) {
	codec := NewCodec(Options{})
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, otherKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pair := newPair(t, "alice", key)
	other := newPair(t, "bob", otherKey)

	sp, err := codec.Sign([]byte("hello"), "text/plain", pair.cred)
	require.NoError(t, err)
	wire, err := Encode(sp)
	require.NoError(t, err)

	_, err = codec.Open(wire, other.anchor)
	assert.True(t, errors.Is(err, mailerr.ErrSignatureInvalid), "got %v", err)

	_, err = codec.Open([]byte("{not json"), pair.anchor)
	assert.True(t, errors.Is(err, mailerr.ErrEnvelopeMalformed), "got %v", err)
}

func TestDecode_Malformed(t *testing.T) {
	codec := NewCodec(Options{})
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sp, err := codec.Sign([]byte("hello"), "text/plain", newPair(t, "alice", key).cred)
	require.NoError(t, err)
	wire, err := Encode(sp)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(wire, &fields))

	for _, drop := range []string{"v", "payload", "digest", "sig", "sig_alg", "digest_alg"} {
		t.Run("without "+drop, func(t *testing.T) {
			copied := make(map[string]any, len(fields))
			for k, v := range fields {
				copied[k] = v
			}
			delete(copied, drop)
			data, err := json.Marshal(copied)
			require.NoError(t, err)

			_, err = Decode(data)
			assert.True(t, errors.Is(err, mailerr.ErrEnvelopeMalformed), "got %v", err)
		})
	}

	t.Run("bad base64", func(t *testing.T) {
		copied := make(map[string]any, len(fields))
		for k, v := range fields {
			copied[k] = v
		}
		copied["sig"] = "!!!"
		data, err := json.Marshal(copied)
		require.NoError(t, err)
		_, err = Decode(data)
		assert.True(t, errors.Is(err, mailerr.ErrEnvelopeMalformed))
	})
}

func TestTranscriptIsLengthPrefixed(t *testing.T) {
	a := &SignedPayload{Version: 1, DigestAlg: "ab", SigAlg: "c", ContentType: "d", Digest: []byte{1}}
	b := &SignedPayload{Version: 1, DigestAlg: "a", SigAlg: "bc", ContentType: "d", Digest: []byte{1}}
	assert.NotEqual(t, transcript(a), transcript(b))
}

func TestComposeExtract(t *testing.T) {
	codec := NewCodec(Options{})
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pair := newPair(t, "alice", key)

	sp, err := codec.Sign([]byte("<doc>hi</doc>"), "application/xml", pair.cred)
	require.NoError(t, err)

	out := model.Outgoing{From: "alice@example.org", To: []string{"bob@example.org"}, Subject: "signed"}
	date := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	raw, err := ComposeWith(out, sp, ComposeOptions{Date: date, MessageID: "fixed@example.org"})
	require.NoError(t, err)

	msg, err := model.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "fixed@example.org", msg.ID)
	assert.Equal(t, "alice@example.org", msg.From)
	assert.Equal(t, "signed", msg.Subject)
	assert.True(t, date.Equal(msg.ReceivedAt))

	extracted, err := Extract(raw)
	require.NoError(t, err)
	ok, err := codec.Verify(extracted, pair.anchor)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, sp.Payload, extracted.Payload)

	text, err := TextBody(raw)
	require.NoError(t, err)
	assert.Contains(t, text, "signed application/xml payload")

	sender, err := SenderAddress(raw)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.org", sender)
}

func TestCompose_GeneratesMessageID(t *testing.T) {
	codec := NewCodec(Options{})
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sp, err := codec.Sign([]byte("x"), "text/plain", newPair(t, "alice", key).cred)
	require.NoError(t, err)

	raw, err := Compose(model.Outgoing{From: "alice@example.org", To: []string{"bob@example.org"}}, sp)
	require.NoError(t, err)
	msg, err := model.Parse(raw)
	require.NoError(t, err)
	assert.Contains(t, msg.ID, "@example.org")
}

func TestExtract_NoEnvelope(t *testing.T) {
	raw := []byte("Message-Id: <plain@example.org>\r\nFrom: a@example.org\r\nContent-Type: text/plain\r\n\r\njust text\r\n")
	_, err := Extract(raw)
	assert.True(t, errors.Is(err, mailerr.ErrEnvelopeMalformed))
}

func TestSenderAddress_Precedence(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "sender wins", raw: "Sender: s@example.org\r\nFrom: f@example.org\r\n\r\n", want: "s@example.org"},
		{name: "from", raw: "From: F@Example.org\r\nReply-To: r@example.org\r\n\r\n", want: "f@example.org"},
		{name: "reply-to", raw: "Reply-To: r@example.org\r\n\r\n", want: "r@example.org"},
		{name: "none", raw: "Subject: x\r\n\r\n", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SenderAddress([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
