package credential

import (
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "mailclass"

// mailboxKey names the stored mailbox secret for a principal. The
// classifier API key lives under its own fixed key.
func mailboxKey(principal string) string {
	return "mailbox/" + principal
}

// APIKeyName is the keyring key holding the classifier API key.
const APIKeyName = "classifier-api-key"

// openKeyring returns a configured keyring instance.
func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailclass/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mailclass-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// GetSecret retrieves the mailbox secret for a principal.
func GetSecret(principal string) (string, error) {
	return get(mailboxKey(principal))
}

// SetSecret stores the mailbox secret for a principal.
func SetSecret(principal, secret string) error {
	return set(mailboxKey(principal), secret)
}

// DeleteSecret removes the mailbox secret for a principal.
func DeleteSecret(principal string) error {
	return del(mailboxKey(principal))
}

func get(key string) (string, error) {
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// GetAPIKey retrieves the classifier API key.
func GetAPIKey() (string, error) {
	return get(APIKeyName)
}

// SetAPIKey stores the classifier API key.
func SetAPIKey(value string) error {
	return set(APIKeyName, value)
}

func set(key string, value string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:  key,
		Data: []byte(value),
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}

	return nil
}

func del(key string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	err = ring.Remove(key)
	if err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}

	return nil
}
