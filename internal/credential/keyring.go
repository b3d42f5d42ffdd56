// Package credential keeps account passwords in the operating system
// keyring, keyed as "<account key>/imap" and "<account key>/smtp".
package credential

import (
	"errors"
	"fmt"
	"os"

	"github.com/99designs/keyring"

	"github.com/brandon/mailcore/internal/mailerr"
)

const (
	serviceName = "mailcore"

	// PassphraseEnv unlocks the encrypted file backend on hosts without a
	// native keyring. When unset the passphrase is read from the terminal.
	PassphraseEnv = "MAILCORE_KEYRING_PASSWORD"
	// DirEnv overrides where the file backend keeps its items
	DirEnv = "MAILCORE_KEYRING_DIR"

	defaultFileDir = "~/.config/mailcore/credentials"
)

type envFunc func(name string) (string, bool)

func ringConfig(env envFunc) keyring.Config {
	dir := defaultFileDir
	if d, ok := env(DirEnv); ok && d != "" {
		dir = d
	}
	return keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  dir,
		FilePasswordFunc:         filePassphrase(env),
		KeychainTrustApplication: true,
	}
}

func filePassphrase(env envFunc) keyring.PromptFunc {
	return func(prompt string) (string, error) {
		if pw, ok := env(PassphraseEnv); ok && pw != "" {
			return pw, nil
		}
		return keyring.TerminalPrompt(prompt)
	}
}

func open() (keyring.Keyring, error) {
	ring, err := keyring.Open(ringConfig(os.LookupEnv))
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return ring, nil
}

// Lookup returns the secret stored under key
func Lookup(key string) (string, error) {
	ring, err := open()
	if err != nil {
		return "", err
	}
	return get(ring, key)
}

// Store saves a secret under key, replacing any earlier one
func Store(key, secret string) error {
	ring, err := open()
	if err != nil {
		return err
	}
	return set(ring, key, secret)
}

func get(ring keyring.Keyring, key string) (string, error) {
	item, err := ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", mailerr.Errorf(mailerr.KindNotFound, "credential lookup", "no secret stored for %s", key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read secret %s: %w", key, err)
	}
	return string(item.Data), nil
}

func set(ring keyring.Keyring, key, secret string) error {
	err := ring.Set(keyring.Item{
		Key:         key,
		Data:        []byte(secret),
		Label:       serviceName + " " + key,
		Description: "mail account password",
	})
	if err != nil {
		return fmt.Errorf("failed to store secret %s: %w", key, err)
	}
	return nil
}
