package credstore

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
)

// Key families. The family decides the signature algorithm.
const (
	FamilyRSA     = "RSA"
	FamilyECDSA   = "ECDSA"
	FamilyEd25519 = "Ed25519"
	FamilyMLDSA65 = "ML-DSA-65"
)

// PEM block types for ML-DSA-65 keys, which have no PKCS#8 encoding in the
// standard library.
const (
	pemMLDSAPrivate = "ML-DSA-65 PRIVATE KEY"
	pemMLDSAPublic  = "ML-DSA-65 PUBLIC KEY"
)

var ErrUnsupportedKey = errors.New("unsupported key type")

// FamilyOf returns the family of a public or private key.
func FamilyOf(key any) (string, error) {
	switch key.(type) {
	case *rsa.PublicKey, *rsa.PrivateKey:
		return FamilyRSA, nil
	case *ecdsa.PublicKey, *ecdsa.PrivateKey:
		return FamilyECDSA, nil
	case ed25519.PublicKey, ed25519.PrivateKey:
		return FamilyEd25519, nil
	case *mldsa65.PublicKey, *mldsa65.PrivateKey:
		return FamilyMLDSA65, nil
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}
}

// PublicOf returns the public half of a private key.
func PublicOf(key crypto.PrivateKey) (crypto.PublicKey, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return &k.PublicKey, nil
	case *ecdsa.PrivateKey:
		return &k.PublicKey, nil
	case ed25519.PrivateKey:
		return k.Public(), nil
	case *mldsa65.PrivateKey:
		return k.Public(), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}
}

// MarshalPublicKey encodes pub as PKIX DER, or as the raw packed key for
// ML-DSA-65.
func MarshalPublicKey(pub crypto.PublicKey) ([]byte, error) {
	if pk, ok := pub.(*mldsa65.PublicKey); ok {
		return pk.MarshalBinary()
	}
	if _, err := FamilyOf(pub); err != nil {
		return nil, err
	}
	return x509.MarshalPKIXPublicKey(pub)
}

// ParsePublicKey decodes the output of MarshalPublicKey and checks that it
// belongs to family.
func ParsePublicKey(family string, data []byte) (crypto.PublicKey, error) {
	if family == FamilyMLDSA65 {
		pk := new(mldsa65.PublicKey)
		if err := pk.UnmarshalBinary(data); err != nil {
			return nil, fmt.Errorf("parse %s public key: %w", family, err)
		}
		return pk, nil
	}
	pub, err := x509.ParsePKIXPublicKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s public key: %w", family, err)
	}
	got, err := FamilyOf(pub)
	if err != nil {
		return nil, err
	}
	if got != family {
		return nil, fmt.Errorf("%w: want %s, got %s", ErrUnsupportedKey, family, got)
	}
	return pub, nil
}

// MarshalPrivateKey encodes key as PKCS#8 DER, or as the raw packed key for
// ML-DSA-65, and returns its family.
func MarshalPrivateKey(key crypto.PrivateKey) ([]byte, string, error) {
	family, err := FamilyOf(key)
	if err != nil {
		return nil, "", err
	}
	if sk, ok := key.(*mldsa65.PrivateKey); ok {
		data, err := sk.MarshalBinary()
		return data, family, err
	}
	data, err := x509.MarshalPKCS8PrivateKey(key)
	return data, family, err
}

// ParsePrivateKey decodes the output of MarshalPrivateKey.
func ParsePrivateKey(family string, data []byte) (crypto.PrivateKey, error) {
	if family == FamilyMLDSA65 {
		sk := new(mldsa65.PrivateKey)
		if err := sk.UnmarshalBinary(data); err != nil {
			return nil, fmt.Errorf("parse %s private key: %w", family, err)
		}
		return sk, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s private key: %w", family, err)
	}
	if got, err := FamilyOf(key); err != nil || got != family {
		return nil, fmt.Errorf("%w: want %s, got %T", ErrUnsupportedKey, family, key)
	}
	return key, nil
}

// Fingerprint returns the hex SHA-256 of the encoded public key.
func Fingerprint(pub crypto.PublicKey) (string, error) {
	data, err := MarshalPublicKey(pub)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ParsePEMPrivateKey reads the first private key in a PEM file. PKCS#8,
// PKCS#1 and SEC 1 blocks are accepted, as well as ML-DSA-65 keys.
func ParsePEMPrivateKey(data []byte) (crypto.PrivateKey, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("%w: no private key in PEM data", ErrUnsupportedKey)
		}
		switch block.Type {
		case "PRIVATE KEY":
			return x509.ParsePKCS8PrivateKey(block.Bytes)
		case "RSA PRIVATE KEY":
			return x509.ParsePKCS1PrivateKey(block.Bytes)
		case "EC PRIVATE KEY":
			return x509.ParseECPrivateKey(block.Bytes)
		case pemMLDSAPrivate:
			return ParsePrivateKey(FamilyMLDSA65, block.Bytes)
		}
	}
}

// ParsePEMPublicKey reads the first public key or certificate in a PEM file.
func ParsePEMPublicKey(data []byte) (crypto.PublicKey, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("%w: no public key in PEM data", ErrUnsupportedKey)
		}
		switch block.Type {
		case "PUBLIC KEY":
			return x509.ParsePKIXPublicKey(block.Bytes)
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, err
			}
			return cert.PublicKey, nil
		case pemMLDSAPublic:
			return ParsePublicKey(FamilyMLDSA65, block.Bytes)
		}
	}
}

// EncodePEMPublicKey is the inverse of ParsePEMPublicKey.
func EncodePEMPublicKey(pub crypto.PublicKey) ([]byte, error) {
	data, err := MarshalPublicKey(pub)
	if err != nil {
		return nil, err
	}
	blockType := "PUBLIC KEY"
	if _, ok := pub.(*mldsa65.PublicKey); ok {
		blockType = pemMLDSAPublic
	}
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: data}), nil
}

// EncodePEMPrivateKey is the inverse of ParsePEMPrivateKey.
func EncodePEMPrivateKey(key crypto.PrivateKey) ([]byte, error) {
	data, family, err := MarshalPrivateKey(key)
	if err != nil {
		return nil, err
	}
	blockType := "PRIVATE KEY"
	if family == FamilyMLDSA65 {
		blockType = pemMLDSAPrivate
	}
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: data}), nil
}

// GenerateKey creates a new private key of family. RSA keys are 3072 bits
// and ECDSA keys use P-256.
func GenerateKey(family string) (crypto.PrivateKey, error) {
	switch family {
	case FamilyRSA:
		return rsa.GenerateKey(rand.Reader, 3072)
	case FamilyECDSA:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case FamilyEd25519:
		_, key, err := ed25519.GenerateKey(rand.Reader)
		return key, err
	case FamilyMLDSA65:
		_, key, err := mldsa65.GenerateKey(rand.Reader)
		return key, err
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKey, family)
	}
}
