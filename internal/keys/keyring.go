package keys

import (
	"fmt"
	"os"
	"path/filepath"
)

// Keyring stores the device's private key on local disk. The private key
// never leaves this store; only the public half is published.
type Keyring struct {
	dir string
}

func NewKeyring(dir string) *Keyring {
	return &Keyring{dir: dir}
}

func (k *Keyring) path(userID string) string {
	return filepath.Join(k.dir, userID+".key")
}

// PersistPrivate overwrites any prior key for the user without merging;
// asymmetric keys are not mergeable.
func (k *Keyring) PersistPrivate(userID, privateKey string) error {
	if err := os.MkdirAll(k.dir, 0o700); err != nil {
		return fmt.Errorf("keyring: mkdir: %w", err)
	}
	if err := os.WriteFile(k.path(userID), []byte(privateKey), 0o600); err != nil {
		return fmt.Errorf("keyring: write: %w", err)
	}
	return nil
}

// CurrentPrivate returns the stored key, or "" when none exists.
func (k *Keyring) CurrentPrivate(userID string) (string, error) {
	data, err := os.ReadFile(k.path(userID))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("keyring: read: %w", err)
	}
	return string(data), nil
}

// Clear removes the stored key, e.g. on logout.
func (k *Keyring) Clear(userID string) error {
	err := os.Remove(k.path(userID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("keyring: clear: %w", err)
	}
	return nil
}
