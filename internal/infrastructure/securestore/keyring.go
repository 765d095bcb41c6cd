package securestore

import (
	"crypto/rand"
	"fmt"
	"os"
)

const masterKeySize = 32

// KeyProvider supplies the master key for the encrypted credential store.
// Platform builds back this with an OS keychain or a hardware-backed key;
// the contract is authenticated encryption at rest with a key that never
// leaves the secure boundary in exportable form.
type KeyProvider interface {
	MasterKey() ([]byte, error)
}

// FileKeyProvider keeps the master key in a 0600 file, generating it on
// first use. Suitable for servers and development; mobile targets use
// their platform keystore instead.
type FileKeyProvider struct {
	path string
}

// NewFileKeyProvider creates a provider backed by the given key file.
func NewFileKeyProvider(path string) *FileKeyProvider {
	return &FileKeyProvider{path: path}
}

func (p *FileKeyProvider) MasterKey() ([]byte, error) {
	key, err := os.ReadFile(p.path)
	if err == nil {
		if len(key) != masterKeySize {
			return nil, fmt.Errorf("master key file %s has wrong size %d", p.path, len(key))
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read master key: %w", err)
	}

	key = make([]byte, masterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	if err := os.WriteFile(p.path, key, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write master key: %w", err)
	}
	return key, nil
}

// StaticKeyProvider returns a fixed key; tests only.
type StaticKeyProvider []byte

func (p StaticKeyProvider) MasterKey() ([]byte, error) {
	if len(p) != masterKeySize {
		return nil, fmt.Errorf("static master key has wrong size %d", len(p))
	}
	return p, nil
}
