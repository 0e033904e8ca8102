// Package secretstore implements the per-node secret namespace backing the
// Plugin Runtime Bridge's get_secret/put_secret host functions (§4.7):
// values are encrypted at rest with AES-256-GCM and persisted atomically,
// one file per secret name, under a node-scoped directory.
//
// Grounded directly on cuemby-warren/pkg/security/secrets.go's
// SecretsManager (AES-256-GCM with a random nonce prepended to the
// ciphertext, crypto/aes + crypto/cipher + crypto/rand, no third-party
// crypto library — the corpus itself reaches for stdlib crypto primitives
// here, so this is not a documented stdlib exception but a direct
// transcription of the teacher's own choice). File persistence reuses
// jobstore's atomic-write discipline rather than the teacher's own
// CreateSecret/types.Secret in-memory model, since secrets here must
// survive a restart.
package secretstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"
)

// ErrNotFound is returned by Get when no secret has been stored under name.
var ErrNotFound = errors.New("secretstore: secret not found")

// Store persists AES-256-GCM-encrypted secret values under baseDir, one
// file per name.
type Store struct {
	baseDir string
	key     []byte // 32 bytes, AES-256

	mu sync.Mutex
}

// New returns a Store rooted at baseDir, encrypting with key (must be 32
// bytes — AES-256). Grounded on SecretsManager's own 32-byte validation.
func New(baseDir string, key []byte) (*Store, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("secretstore: encryption key must be 32 bytes, got %d", len(key))
	}
	return &Store{baseDir: baseDir, key: key}, nil
}

func (s *Store) pathFor(name string) string {
	return filepath.Join(s.baseDir, name+".secret")
}

// Put encrypts and atomically persists plaintext under name, overwriting
// any existing value.
func (s *Store) Put(name string, plaintext []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ciphertext, err := s.encrypt(plaintext)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.baseDir, 0o700); err != nil {
		return fmt.Errorf("secretstore: mkdir: %w", err)
	}
	path := s.pathFor(name)
	if err := renameio.WriteFile(path, ciphertext, 0o600); err != nil {
		return fmt.Errorf("secretstore: atomic write %s: %w", path, err)
	}
	return nil
}

// Get decrypts and returns the plaintext stored under name.
func (s *Store) Get(name string) ([]byte, error) {
	data, err := os.ReadFile(s.pathFor(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("secretstore: read %s: %w", name, err)
	}
	return s.decrypt(data)
}

// encrypt mirrors SecretsManager.EncryptSecret: AES-256-GCM with the nonce
// prepended to the returned ciphertext.
func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("secretstore: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secretstore: new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("secretstore: generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt mirrors SecretsManager.DecryptSecret.
func (s *Store) decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("secretstore: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secretstore: new gcm: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("secretstore: ciphertext too short")
	}
	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("secretstore: decrypt: %w", err)
	}
	return plaintext, nil
}
