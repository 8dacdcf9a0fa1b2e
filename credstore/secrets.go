package credstore

import (
	"fmt"

	"github.com/99designs/keyring"
)

const secretService = "mailsig"

// Secrets reads and writes account passwords in the system keyring, falling
// back to an encrypted file below FileDir.
type Secrets struct {
	FileDir      string
	FilePassword string
}

func (s Secrets) open() (keyring.Keyring, error) {
	dir := s.FileDir
	if dir == "" {
		dir = "~/.mailsig/secrets"
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: secretService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt(s.FilePassword),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Get retrieves a secret by key.
func (s Secrets) Get(key string) (string, error) {
	ring, err := s.open()
	if err != nil {
		return "", err
	}
	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting secret %q: %w", key, err)
	}
	return string(item.Data), nil
}

// Set stores a secret by key.
func (s Secrets) Set(key, value string) error {
	ring, err := s.open()
	if err != nil {
		return err
	}
	if err := ring.Set(keyring.Item{Key: key, Label: "mailsig " + key, Data: []byte(value)}); err != nil {
		return fmt.Errorf("setting secret %q: %w", key, err)
	}
	return nil
}

// Delete removes a secret by key.
func (s Secrets) Delete(key string) error {
	ring, err := s.open()
	if err != nil {
		return err
	}
	if err := ring.Remove(key); err != nil {
		return fmt.Errorf("deleting secret %q: %w", key, err)
	}
	return nil
}

// AccountKey is the secret key under which the password of user at host is
// stored.
func AccountKey(protocol, user, host string) string {
	return protocol + ":" + user + "@" + host
}
