// Package credstore loads signing keys and trust anchors. Keys live in named
// stores that are unlocked with a store password; private keys are further
// protected by a per-key password.
package credstore

import (
	"crypto"
	"errors"
	"fmt"

	"github.com/dhcgn/mailsig/mailerr"
)

var (
	ErrNotFound     = errors.New("credential not found")
	ErrBadPassword  = errors.New("wrong store or key password")
	ErrCorruptStore = errors.New("credential store is corrupt")
)

// Identity names a private key: the store it lives in, the alias inside that
// store and the passwords unlocking both.
type Identity struct {
	Store         string
	StorePassword string
	Alias         string
	KeyPassword   string
}

func (id Identity) String() string {
	return id.Store + "/" + id.Alias
}

// Credential is an unlocked private key. Callers should drop it once the
// signature is made.
type Credential struct {
	Identity string
	Alias    string
	Key      crypto.PrivateKey
	Public   crypto.PublicKey
}

// TrustAnchor is a counterparty public key held locally.
type TrustAnchor struct {
	Alias  string
	Public crypto.PublicKey
}

// Source loads credentials by store and alias.
type Source interface {
	LoadPrivateKey(store, storePassword, alias, keyPassword string) (*Credential, error)
	LoadTrustAnchor(store, storePassword, alias string) (*TrustAnchor, error)
}

// Load unlocks the private key named by id.
func Load(src Source, id Identity) (*Credential, error) {
	return src.LoadPrivateKey(id.Store, id.StorePassword, id.Alias, id.KeyPassword)
}

// credentialError ties a store failure to mailerr.ErrCredentialUnavailable
// while keeping the specific cause matchable.
type credentialError struct {
	op    string
	alias string
	kind  error
	err   error
}

func (e *credentialError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s %q: %v: %v", e.op, e.alias, e.kind, e.err)
	}
	return fmt.Sprintf("%s %q: %v", e.op, e.alias, e.kind)
}

func (e *credentialError) Unwrap() []error {
	errs := []error{e.kind, mailerr.ErrCredentialUnavailable}
	if e.err != nil {
		errs = append(errs, e.err)
	}
	return errs
}

func fail(op, alias string, kind, err error) error {
	return &credentialError{op: op, alias: alias, kind: kind, err: err}
}

// Anchors resolves trust anchors held in one store. The alias of a
// counterparty is its sender address.
type Anchors struct {
	Source        Source
	Store         string
	StorePassword string
}

func (a Anchors) Anchor(alias string) (*TrustAnchor, error) {
	return a.Source.LoadTrustAnchor(a.Store, a.StorePassword, alias)
}
