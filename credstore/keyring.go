package credstore

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/99designs/keyring"
	"golang.org/x/crypto/scrypt"
)

const (
	keyPrefix    = "key:"
	anchorPrefix = "anchor:"

	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltSize     = 16
)

// KeyringStore keeps keys in encrypted keyring files, one keyring per store
// name below a base directory. The store password encrypts the keyring file
// and every private key is sealed again with its own key password.
type KeyringStore struct {
	dir string
}

var _ Source = (*KeyringStore)(nil)

// NewKeyringStore returns a store rooted at dir.
func NewKeyringStore(dir string) *KeyringStore {
	return &KeyringStore{dir: dir}
}

type sealedKey struct {
	Family     string `json:"family"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

type storedAnchor struct {
	Family string `json:"family"`
	Public []byte `json:"public"`
}

// Entry describes one item of a store.
type Entry struct {
	Alias  string
	Kind   string
	Family string
}

func (s *KeyringStore) open(store, storePassword string) (keyring.Keyring, error) {
	if strings.TrimSpace(store) == "" {
		return nil, errors.New("store name is empty")
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName:      "mailsig-" + store,
		AllowedBackends:  []keyring.BackendType{keyring.FileBackend},
		FileDir:          filepath.Join(s.dir, store),
		FilePasswordFunc: keyring.FixedStringPrompt(storePassword),
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring %s: %w", store, err)
	}
	return ring, nil
}

func (s *KeyringStore) get(store, storePassword, key, op, alias string) ([]byte, error) {
	ring, err := s.open(store, storePassword)
	if err != nil {
		return nil, fail(op, alias, ErrCorruptStore, err)
	}
	item, err := ring.Get(key)
	switch {
	case errors.Is(err, keyring.ErrKeyNotFound):
		return nil, fail(op, alias, ErrNotFound, nil)
	case err != nil:
		// The file backend only fails to decrypt when the password is wrong.
		return nil, fail(op, alias, ErrBadPassword, err)
	}
	return item.Data, nil
}

// LoadPrivateKey unlocks alias with keyPassword.
func (s *KeyringStore) LoadPrivateKey(store, storePassword, alias, keyPassword string) (*Credential, error) {
	const op = "load private key"
	data, err := s.get(store, storePassword, keyPrefix+alias, op, alias)
	if err != nil {
		return nil, err
	}

	var sealed sealedKey
	if err := json.Unmarshal(data, &sealed); err != nil {
		return nil, fail(op, alias, ErrCorruptStore, err)
	}
	plain, err := unseal(sealed, keyPassword)
	if err != nil {
		return nil, fail(op, alias, ErrBadPassword, err)
	}
	key, err := ParsePrivateKey(sealed.Family, plain)
	if err != nil {
		return nil, fail(op, alias, ErrCorruptStore, err)
	}
	pub, err := PublicOf(key)
	if err != nil {
		return nil, fail(op, alias, ErrCorruptStore, err)
	}
	return &Credential{Identity: store, Alias: alias, Key: key, Public: pub}, nil
}

// LoadTrustAnchor returns the public key stored under alias.
func (s *KeyringStore) LoadTrustAnchor(store, storePassword, alias string) (*TrustAnchor, error) {
	const op = "load trust anchor"
	data, err := s.get(store, storePassword, anchorPrefix+alias, op, alias)
	if err != nil {
		return nil, err
	}

	var stored storedAnchor
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fail(op, alias, ErrCorruptStore, err)
	}
	pub, err := ParsePublicKey(stored.Family, stored.Public)
	if err != nil {
		return nil, fail(op, alias, ErrCorruptStore, err)
	}
	return &TrustAnchor{Alias: alias, Public: pub}, nil
}

// ImportPrivateKey stores key under alias, sealed with keyPassword.
func (s *KeyringStore) ImportPrivateKey(store, storePassword, alias, keyPassword string, key crypto.PrivateKey) error {
	plain, family, err := MarshalPrivateKey(key)
	if err != nil {
		return fmt.Errorf("import private key %q: %w", alias, err)
	}
	sealed, err := seal(plain, keyPassword)
	if err != nil {
		return fmt.Errorf("import private key %q: %w", alias, err)
	}
	sealed.Family = family
	return s.put(store, storePassword, keyPrefix+alias, sealed)
}

// ImportTrustAnchor stores pub under alias.
func (s *KeyringStore) ImportTrustAnchor(store, storePassword, alias string, pub crypto.PublicKey) error {
	family, err := FamilyOf(pub)
	if err != nil {
		return fmt.Errorf("import trust anchor %q: %w", alias, err)
	}
	data, err := MarshalPublicKey(pub)
	if err != nil {
		return fmt.Errorf("import trust anchor %q: %w", alias, err)
	}
	return s.put(store, storePassword, anchorPrefix+alias, storedAnchor{Family: family, Public: data})
}

// Remove deletes the private key and trust anchor stored under alias.
func (s *KeyringStore) Remove(store, storePassword, alias string) error {
	ring, err := s.open(store, storePassword)
	if err != nil {
		return err
	}
	removed := false
	for _, key := range []string{keyPrefix + alias, anchorPrefix + alias} {
		err := ring.Remove(key)
		switch {
		case err == nil:
			removed = true
		case errors.Is(err, keyring.ErrKeyNotFound), errors.Is(err, os.ErrNotExist):
		default:
			return fmt.Errorf("removing %q: %w", key, err)
		}
	}
	if !removed {
		return fail("remove", alias, ErrNotFound, nil)
	}
	return nil
}

// List returns the entries of store ordered by alias.
func (s *KeyringStore) List(store, storePassword string) ([]Entry, error) {
	ring, err := s.open(store, storePassword)
	if err != nil {
		return nil, err
	}
	keys, err := ring.Keys()
	if err != nil {
		return nil, fmt.Errorf("listing keyring %s: %w", store, err)
	}

	var entries []Entry
	for _, key := range keys {
		item, err := ring.Get(key)
		if err != nil {
			return nil, fail("list", key, ErrBadPassword, err)
		}
		var family struct {
			Family string `json:"family"`
		}
		_ = json.Unmarshal(item.Data, &family)

		switch {
		case strings.HasPrefix(key, keyPrefix):
			entries = append(entries, Entry{Alias: strings.TrimPrefix(key, keyPrefix), Kind: "private-key", Family: family.Family})
		case strings.HasPrefix(key, anchorPrefix):
			entries = append(entries, Entry{Alias: strings.TrimPrefix(key, anchorPrefix), Kind: "trust-anchor", Family: family.Family})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Alias != entries[j].Alias {
			return entries[i].Alias < entries[j].Alias
		}
		return entries[i].Kind < entries[j].Kind
	})
	return entries, nil
}

func (s *KeyringStore) put(store, storePassword, key string, value any) error {
	ring, err := s.open(store, storePassword)
	if err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %q: %w", key, err)
	}
	if err := ring.Set(keyring.Item{Key: key, Data: data}); err != nil {
		return fmt.Errorf("setting %q: %w", key, err)
	}
	return nil
}

func seal(plain []byte, password string) (sealedKey, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return sealedKey{}, err
	}
	aead, err := keyAEAD(password, salt)
	if err != nil {
		return sealedKey{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return sealedKey{}, err
	}
	return sealedKey{
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plain, []byte(keyPrefix)),
	}, nil
}

func unseal(sealed sealedKey, password string) ([]byte, error) {
	aead, err := keyAEAD(password, sealed.Salt)
	if err != nil {
		return nil, err
	}
	if len(sealed.Nonce) != aead.NonceSize() {
		return nil, errors.New("invalid nonce")
	}
	return aead.Open(nil, sealed.Nonce, sealed.Ciphertext, []byte(keyPrefix))
}

func keyAEAD(password string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
