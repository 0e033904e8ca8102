// Package datastore implements the opaque save_data/load_data persistence
// backing the Plugin Runtime Bridge (§4.7): plugins store and retrieve
// arbitrary byte blobs under a key, scoped per job, with no interpretation
// of the contents.
//
// Grounded on internal/jobstore's atomic-write discipline (write-temp +
// rename via renameio/v2), reused here rather than re-derived, since §4.1's
// crash-safety invariant applies equally to plugin-authored state.
package datastore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"
)

// ErrNotFound is returned by Load when no blob has been saved under key.
var ErrNotFound = errors.New("datastore: key not found")

// Store persists opaque byte blobs under <baseDir>/<job>/<key>.data.
type Store struct {
	baseDir string
	mu      sync.Mutex
}

// New returns a Store rooted at baseDir.
func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

func (s *Store) path(job, key string) string {
	return filepath.Join(s.baseDir, job, key+".data")
}

// Save atomically persists data under (job, key), overwriting any existing
// blob.
func (s *Store) Save(job, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.baseDir, job)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("datastore: mkdir %s: %w", dir, err)
	}
	path := s.path(job, key)
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("datastore: atomic write %s: %w", path, err)
	}
	return nil
}

// Load returns the blob persisted under (job, key), or ErrNotFound.
func (s *Store) Load(job, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(job, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("datastore: read %s/%s: %w", job, key, err)
	}
	return data, nil
}
