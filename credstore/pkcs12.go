package credstore

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pkcs12"
)

// PKCS12Store reads keys and certificates from PKCS#12 files named
// <store>.p12 in a directory. Entries are matched on their friendlyName
// attribute. The file format carries one password, so the key password is
// only checked for being equal to the store password when set.
type PKCS12Store struct {
	dir string
}

var _ Source = (*PKCS12Store)(nil)

func NewPKCS12Store(dir string) *PKCS12Store {
	return &PKCS12Store{dir: dir}
}

func (s *PKCS12Store) blocks(store, password, op, alias string) ([]*pem.Block, error) {
	path := store
	if !strings.HasSuffix(path, ".p12") && !strings.HasSuffix(path, ".pfx") {
		path = filepath.Join(s.dir, store+".p12")
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fail(op, alias, ErrNotFound, err)
	}
	if err != nil {
		return nil, fail(op, alias, ErrCorruptStore, err)
	}
	blocks, err := pkcs12.ToPEM(data, password)
	switch {
	case errors.Is(err, pkcs12.ErrIncorrectPassword):
		return nil, fail(op, alias, ErrBadPassword, err)
	case err != nil:
		return nil, fail(op, alias, ErrCorruptStore, err)
	}
	return blocks, nil
}

func (s *PKCS12Store) LoadPrivateKey(store, storePassword, alias, keyPassword string) (*Credential, error) {
	const op = "load private key"
	if keyPassword != "" && keyPassword != storePassword {
		return nil, fail(op, alias, ErrBadPassword, nil)
	}
	blocks, err := s.blocks(store, storePassword, op, alias)
	if err != nil {
		return nil, err
	}
	for _, block := range blocks {
		if block.Type != "PRIVATE KEY" || !matchAlias(block, alias) {
			continue
		}
		key, err := parseBagKey(block.Bytes)
		if err != nil {
			return nil, fail(op, alias, ErrCorruptStore, err)
		}
		pub, err := PublicOf(key)
		if err != nil {
			return nil, fail(op, alias, ErrCorruptStore, err)
		}
		return &Credential{Identity: store, Alias: alias, Key: key, Public: pub}, nil
	}
	return nil, fail(op, alias, ErrNotFound, nil)
}

func (s *PKCS12Store) LoadTrustAnchor(store, storePassword, alias string) (*TrustAnchor, error) {
	const op = "load trust anchor"
	blocks, err := s.blocks(store, storePassword, op, alias)
	if err != nil {
		return nil, err
	}
	for _, block := range blocks {
		if block.Type != "CERTIFICATE" || !matchAlias(block, alias) {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fail(op, alias, ErrCorruptStore, err)
		}
		return &TrustAnchor{Alias: alias, Public: cert.PublicKey}, nil
	}
	return nil, fail(op, alias, ErrNotFound, nil)
}

// matchAlias compares the friendlyName attribute case-insensitively. An
// empty alias matches the first entry.
func matchAlias(block *pem.Block, alias string) bool {
	if alias == "" {
		return true
	}
	return strings.EqualFold(block.Headers["friendlyName"], alias)
}

// parseBagKey decodes a key converted by pkcs12.ToPEM, which re-encodes RSA
// keys as PKCS#1 and EC keys as SEC 1.
func parseBagKey(der []byte) (crypto.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("unrecognised private key encoding: %w", err)
	}
	return key, nil
}
