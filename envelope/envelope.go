// Package envelope signs payloads into self-describing envelopes and checks
// them against locally held trust anchors.
package envelope

import (
	"encoding/binary"
	"fmt"

	"github.com/dhcgn/mailsig/credstore"
)

// Version is the envelope format version produced by Sign.
const Version = 1

// DigestSHA256 is the only digest algorithm. Sign always uses it and Decode
// rejects anything else.
const DigestSHA256 = "SHA-256"

// Signature algorithm identifiers.
const (
	SigRSAPKCS1v15SHA256 = "RSA-PKCS1v15-SHA256"
	SigECDSASHA256       = "ECDSA-SHA256"
	SigEd25519           = "Ed25519"
	SigMLDSA65           = "ML-DSA-65"
)

const transcriptContext = "mailsig/envelope/v1"

// SignedPayload is a payload together with everything needed to check it.
// Values returned by Sign and Decode must be treated as immutable.
type SignedPayload struct {
	Version     int
	ContentType string
	Payload     []byte
	DigestAlg   string
	Digest      []byte
	SigAlg      string
	Signature   []byte
	Key         KeyRef
}

// KeyRef describes the key that produced a signature. It is informational:
// verification never trusts it.
type KeyRef struct {
	Family string
	// ID is the hex SHA-256 fingerprint of Public.
	ID     string
	Public []byte
	Alias  string
}

// SignatureAlgorithm returns the signature algorithm used for a key family.
func SignatureAlgorithm(family string) (string, error) {
	switch family {
	case credstore.FamilyRSA:
		return SigRSAPKCS1v15SHA256, nil
	case credstore.FamilyECDSA:
		return SigECDSASHA256, nil
	case credstore.FamilyEd25519:
		return SigEd25519, nil
	case credstore.FamilyMLDSA65:
		return SigMLDSA65, nil
	default:
		return "", fmt.Errorf("%w: family %q", credstore.ErrUnsupportedKey, family)
	}
}

func knownSignatureAlgorithm(alg string) bool {
	switch alg {
	case SigRSAPKCS1v15SHA256, SigECDSASHA256, SigEd25519, SigMLDSA65:
		return true
	}
	return false
}

// transcript is the byte string covered by the signature.
func transcript(sp *SignedPayload) []byte {
	size := len(transcriptContext) + 2 + 16 + len(sp.DigestAlg) + len(sp.SigAlg) + len(sp.ContentType) + len(sp.Digest)
	out := make([]byte, 0, size)
	out = append(out, transcriptContext...)
	out = append(out, 0, byte(sp.Version))
	for _, field := range [][]byte{[]byte(sp.DigestAlg), []byte(sp.SigAlg), []byte(sp.ContentType), sp.Digest} {
		out = binary.BigEndian.AppendUint32(out, uint32(len(field)))
		out = append(out, field...)
	}
	return out
}
