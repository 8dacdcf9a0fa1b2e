package envelope

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"

	"github.com/dhcgn/mailsig/credstore"
	"github.com/dhcgn/mailsig/mailerr"
)

// Codec signs and verifies envelopes.
type Codec struct {
	rand   io.Reader
	logger *slog.Logger
}

type Options struct {
	// Rand is the entropy source for RSA and ECDSA signatures. Defaults to
	// crypto/rand.
	Rand   io.Reader
	Logger *slog.Logger
}

func NewCodec(opts Options) *Codec {
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	return &Codec{rand: opts.Rand, logger: opts.Logger}
}

// Sign wraps payload in a SignedPayload signed by cred.
func (c *Codec) Sign(payload []byte, contentType string, cred *credstore.Credential) (*SignedPayload, error) {
	if cred == nil || cred.Key == nil {
		return nil, fmt.Errorf("sign: %w: no private key", mailerr.ErrCredentialUnavailable)
	}
	family, err := credstore.FamilyOf(cred.Key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	sigAlg, err := SignatureAlgorithm(family)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	pub := cred.Public
	if pub == nil {
		if pub, err = credstore.PublicOf(cred.Key); err != nil {
			return nil, fmt.Errorf("sign: %w", err)
		}
	}
	pubBytes, err := credstore.MarshalPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("sign: encode public key: %w", err)
	}
	fingerprint, err := credstore.Fingerprint(pub)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	digest := sha256.Sum256(payload)
	sp := &SignedPayload{
		Version:     Version,
		ContentType: contentType,
		Payload:     bytes.Clone(payload),
		DigestAlg:   DigestSHA256,
		Digest:      digest[:],
		SigAlg:      sigAlg,
		Key: KeyRef{
			Family: family,
			ID:     fingerprint,
			Public: pubBytes,
			Alias:  cred.Alias,
		},
	}
	if sp.Payload == nil {
		sp.Payload = []byte{}
	}

	sig, err := c.signTranscript(cred.Key, transcript(sp))
	if err != nil {
		return nil, fmt.Errorf("sign with %s: %w", sigAlg, err)
	}
	sp.Signature = sig

	if c.logger != nil {
		c.logger.Debug("Signed payload", "alias", cred.Alias, "alg", sigAlg, "size", len(payload))
	}
	return sp, nil
}

func (c *Codec) signTranscript(key crypto.PrivateKey, msg []byte) ([]byte, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		sum := sha256.Sum256(msg)
		return rsa.SignPKCS1v15(c.rand, k, crypto.SHA256, sum[:])
	case *ecdsa.PrivateKey:
		sum := sha256.Sum256(msg)
		return ecdsa.SignASN1(c.rand, k, sum[:])
	case ed25519.PrivateKey:
		return ed25519.Sign(k, msg), nil
	case *mldsa65.PrivateKey:
		sig := make([]byte, mldsa65.SignatureSize)
		if err := mldsa65.SignTo(k, msg, nil, false, sig); err != nil {
			return nil, err
		}
		return sig, nil
	default:
		return nil, fmt.Errorf("%w: %T", credstore.ErrUnsupportedKey, key)
	}
}

// Verify reports whether sp was signed by the key held in anchor. Structural
// problems are reported as mailerr.ErrEnvelopeMalformed before any
// cryptographic check. A well-formed envelope that does not verify yields
// false and a nil error. Neither sp nor anchor is modified.
func (c *Codec) Verify(sp *SignedPayload, anchor *credstore.TrustAnchor) (bool, error) {
	if err := validate(sp); err != nil {
		return false, err
	}
	if anchor == nil || anchor.Public == nil {
		return false, fmt.Errorf("verify: %w: no trust anchor", mailerr.ErrCredentialUnavailable)
	}

	digest := sha256.Sum256(sp.Payload)
	if subtle.ConstantTimeCompare(digest[:], sp.Digest) != 1 {
		c.debug("Digest mismatch", sp, anchor)
		return false, nil
	}

	family, err := credstore.FamilyOf(anchor.Public)
	if err != nil {
		return false, fmt.Errorf("verify: %w", err)
	}
	want, err := SignatureAlgorithm(family)
	if err != nil {
		return false, fmt.Errorf("verify: %w", err)
	}
	if want != sp.SigAlg {
		c.debug("Signature algorithm does not match trust anchor", sp, anchor)
		return false, nil
	}

	ok := verifyTranscript(anchor.Public, transcript(sp), sp.Signature)
	if !ok {
		c.debug("Signature does not verify", sp, anchor)
	}
	return ok, nil
}

// Open decodes raw, verifies it against anchor and returns a copy of the
// payload.
func (c *Codec) Open(raw []byte, anchor *credstore.TrustAnchor) ([]byte, error) {
	sp, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	ok, err := c.Verify(sp, anchor)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("open envelope from %q: %w", sp.Key.Alias, mailerr.ErrSignatureInvalid)
	}
	return bytes.Clone(sp.Payload), nil
}

func (c *Codec) debug(msg string, sp *SignedPayload, anchor *credstore.TrustAnchor) {
	if c.logger != nil {
		c.logger.Debug(msg, "anchor", anchor.Alias, "alg", sp.SigAlg, "signer", sp.Key.Alias)
	}
}

func verifyTranscript(pub crypto.PublicKey, msg, sig []byte) bool {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		sum := sha256.Sum256(msg)
		return rsa.VerifyPKCS1v15(k, crypto.SHA256, sum[:], sig) == nil
	case *ecdsa.PublicKey:
		sum := sha256.Sum256(msg)
		return ecdsa.VerifyASN1(k, sum[:], sig)
	case ed25519.PublicKey:
		return len(k) == ed25519.PublicKeySize && ed25519.Verify(k, msg, sig)
	case *mldsa65.PublicKey:
		return mldsa65.Verify(k, msg, nil, sig)
	default:
		return false
	}
}

var (
	errMissingSignature = errors.New("missing signature")
	errMissingDigest    = errors.New("missing digest")
)

func validate(sp *SignedPayload) error {
	switch {
	case sp == nil:
		return fmt.Errorf("%w: nil envelope", mailerr.ErrEnvelopeMalformed)
	case sp.Version != Version:
		return fmt.Errorf("%w: unsupported version %d", mailerr.ErrEnvelopeMalformed, sp.Version)
	case sp.DigestAlg != DigestSHA256:
		return fmt.Errorf("%w: unsupported digest algorithm %q", mailerr.ErrEnvelopeMalformed, sp.DigestAlg)
	case len(sp.Digest) == 0:
		return fmt.Errorf("%w: %w", mailerr.ErrEnvelopeMalformed, errMissingDigest)
	case len(sp.Digest) != sha256.Size:
		return fmt.Errorf("%w: digest is %d bytes", mailerr.ErrEnvelopeMalformed, len(sp.Digest))
	case sp.SigAlg == "":
		return fmt.Errorf("%w: missing signature algorithm", mailerr.ErrEnvelopeMalformed)
	case !knownSignatureAlgorithm(sp.SigAlg):
		return fmt.Errorf("%w: unsupported signature algorithm %q", mailerr.ErrEnvelopeMalformed, sp.SigAlg)
	case len(sp.Signature) == 0:
		return fmt.Errorf("%w: %w", mailerr.ErrEnvelopeMalformed, errMissingSignature)
	}
	return nil
}
