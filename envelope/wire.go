package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/dhcgn/mailsig/mailerr"
)

// wirePayload is the JSON form of a SignedPayload. Binary fields are
// base64url without padding. Pointer fields are required.
type wirePayload struct {
	V           *int     `json:"v"`
	ContentType string   `json:"content_type"`
	Payload     *string  `json:"payload"`
	DigestAlg   string   `json:"digest_alg"`
	Digest      string   `json:"digest"`
	SigAlg      string   `json:"sig_alg"`
	Sig         string   `json:"sig"`
	Key         *wireKey `json:"key,omitempty"`
}

type wireKey struct {
	Family string `json:"family"`
	ID     string `json:"id"`
	Public string `json:"public"`
	Alias  string `json:"alias,omitempty"`
}

func toBase64URL(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// fromBase64URL accepts padded and unpadded input.
func fromBase64URL(s string) ([]byte, error) {
	if data, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.URLEncoding.DecodeString(s)
}

// Encode serialises sp as JSON.
func Encode(sp *SignedPayload) ([]byte, error) {
	if sp == nil {
		return nil, fmt.Errorf("encode: %w: nil envelope", mailerr.ErrEnvelopeMalformed)
	}
	v := sp.Version
	payload := toBase64URL(sp.Payload)
	w := wirePayload{
		V:           &v,
		ContentType: sp.ContentType,
		Payload:     &payload,
		DigestAlg:   sp.DigestAlg,
		Digest:      toBase64URL(sp.Digest),
		SigAlg:      sp.SigAlg,
		Sig:         toBase64URL(sp.Signature),
		Key: &wireKey{
			Family: sp.Key.Family,
			ID:     sp.Key.ID,
			Public: toBase64URL(sp.Key.Public),
			Alias:  sp.Key.Alias,
		},
	}
	return json.Marshal(w)
}

// Decode parses the output of Encode. Any parse failure, missing field or
// unknown algorithm is reported as mailerr.ErrEnvelopeMalformed.
func Decode(data []byte) (*SignedPayload, error) {
	var w wirePayload
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", mailerr.ErrEnvelopeMalformed, err)
	}
	if w.V == nil {
		return nil, fmt.Errorf("%w: missing version", mailerr.ErrEnvelopeMalformed)
	}
	if w.Payload == nil {
		return nil, fmt.Errorf("%w: missing payload", mailerr.ErrEnvelopeMalformed)
	}

	sp := &SignedPayload{
		Version:     *w.V,
		ContentType: w.ContentType,
		DigestAlg:   w.DigestAlg,
		SigAlg:      w.SigAlg,
	}
	fields := []struct {
		name string
		in   string
		out  *[]byte
	}{
		{name: "payload", in: *w.Payload, out: &sp.Payload},
		{name: "digest", in: w.Digest, out: &sp.Digest},
		{name: "sig", in: w.Sig, out: &sp.Signature},
	}
	for _, f := range fields {
		decoded, err := fromBase64URL(f.in)
		if err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", mailerr.ErrEnvelopeMalformed, f.name, err)
		}
		*f.out = decoded
	}

	if w.Key != nil {
		pub, err := fromBase64URL(w.Key.Public)
		if err != nil {
			return nil, fmt.Errorf("%w: decode key: %v", mailerr.ErrEnvelopeMalformed, err)
		}
		sp.Key = KeyRef{Family: w.Key.Family, ID: w.Key.ID, Public: pub, Alias: w.Key.Alias}
	}

	if err := validate(sp); err != nil {
		return nil, err
	}
	return sp, nil
}
