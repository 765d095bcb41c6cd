package securestore

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"pttlink/internal/core/domain"
	"pttlink/internal/core/ports"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const saltSize = 16

// ErrCipherTampered is returned when an on-disk entry fails authentication.
var ErrCipherTampered = errors.New("credential store entry failed authentication")

// Store is the encrypted-at-rest persistent tier of the credential cache.
// Each scope's credential is sealed into its own file: a random HKDF salt,
// a random nonce, and a ChaCha20-Poly1305 ciphertext with the scope string
// as additional authenticated data, so an entry cannot be swapped between
// scopes or read without the master key.
type Store struct {
	dir  string
	keys KeyProvider
}

// New creates the store rooted at dir, creating it (0700) if needed.
func New(dir string, keys KeyProvider) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create credential store dir: %w", err)
	}
	return &Store{dir: dir, keys: keys}, nil
}

func (s *Store) entryPath(scope domain.ScopeKey) string {
	sum := sha256.Sum256([]byte(scope.String()))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:16])+".cred")
}

func (s *Store) Get(ctx context.Context, scope domain.ScopeKey) (*domain.Credential, error) {
	sealed, err := os.ReadFile(s.entryPath(scope))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrNoCredential
		}
		return nil, fmt.Errorf("failed to read credential entry: %w", err)
	}

	plaintext, err := s.open(sealed, scope)
	if err != nil {
		return nil, err
	}

	var cred domain.Credential
	if err := json.Unmarshal(plaintext, &cred); err != nil {
		return nil, fmt.Errorf("failed to decode credential: %w", err)
	}
	return &cred, nil
}

func (s *Store) Put(ctx context.Context, cred *domain.Credential) error {
	plaintext, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}

	sealed, err := s.seal(plaintext, cred.Scope)
	if err != nil {
		return err
	}

	// Write-then-rename so readers never observe a torn entry.
	path := s.entryPath(cred.Scope)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("failed to write credential entry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit credential entry: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, scope domain.ScopeKey) error {
	if err := os.Remove(s.entryPath(scope)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete credential entry: %w", err)
	}
	return nil
}

func (s *Store) seal(plaintext []byte, scope domain.ScopeKey) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	aead, err := s.aead(salt, scope)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, saltSize+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, []byte(scope.String())), nil
}

func (s *Store) open(sealed []byte, scope domain.ScopeKey) ([]byte, error) {
	if len(sealed) < saltSize+chacha20poly1305.NonceSize {
		return nil, ErrCipherTampered
	}
	salt := sealed[:saltSize]
	nonce := sealed[saltSize : saltSize+chacha20poly1305.NonceSize]
	ciphertext := sealed[saltSize+chacha20poly1305.NonceSize:]

	aead, err := s.aead(salt, scope)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(scope.String()))
	if err != nil {
		return nil, ErrCipherTampered
	}
	return plaintext, nil
}

func (s *Store) aead(salt []byte, scope domain.ScopeKey) (cipher.AEAD, error) {
	master, err := s.keys.MasterKey()
	if err != nil {
		return nil, fmt.Errorf("master key unavailable: %w", err)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, master, salt, []byte("pttlink/credential/"+scope.String()))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}

	return chacha20poly1305.New(key)
}

var _ ports.CredentialStore = (*Store)(nil)
