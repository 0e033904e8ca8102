// Package protocolock implements the Protocol-Data Lock sentinel (§3): a
// well-known file under the protocol-data root whose mere presence tells
// download/cold-init jobs never to re-populate the tree. The core creates it
// once, on the first use_protocol_data job's successful start, and never
// removes it — a crash after creation still leaves the lock set.
//
// Grounded on agent/internal/connection/manager.go's stateFilePath
// convention (a single well-known path under a root directory, checked with
// plain os.Stat rather than a lock-file library — flock semantics are not
// needed here since the sentinel is advisory and single-writer).
package protocolock

import (
	"fmt"
	"os"
	"path/filepath"
)

const fileName = ".protocol_data.lock"

// Lock represents the sentinel file under one protocol-data root.
type Lock struct {
	path string
}

// New returns a Lock for the given protocol-data root directory.
func New(protocolDataRoot string) *Lock {
	return &Lock{path: filepath.Join(protocolDataRoot, fileName)}
}

// Path returns the sentinel's full filesystem path.
func (l *Lock) Path() string { return l.path }

// Exists reports whether the sentinel is present.
func (l *Lock) Exists() (bool, error) {
	_, err := os.Stat(l.path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("protocolock: stat %s: %w", l.path, err)
}

// Create sets the sentinel. Idempotent: creating an already-present lock is
// not an error, matching §4.4's "lock already existing at startup is
// permitted (idempotent re-entry)".
func (l *Lock) Create() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("protocolock: mkdir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("protocolock: create %s: %w", l.path, err)
	}
	return f.Close()
}
