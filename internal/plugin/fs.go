package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
)

// resolveUnderRoot joins rel onto protocolDataRoot and rejects any result
// that escapes it, so a plugin can never read or write outside the node's
// protocol data directory via a crafted "../" path.
func resolveUnderRoot(root, rel string) (string, error) {
	full := filepath.Join(root, rel)
	cleanRoot := filepath.Clean(root)
	rp, err := filepath.Rel(cleanRoot, full)
	if err != nil || rp == ".." || strings.HasPrefix(rp, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: file path %q escapes protocol data root", ErrSchema, rel)
	}
	return full, nil
}

// FileReadRequest is file_read's argument.
type FileReadRequest struct {
	Path string `json:"path"`
}

// FileRead reads a file scoped to the node's protocol data directory.
func (b *Bridge) FileRead(raw []byte) ([]byte, error) {
	var req FileReadRequest
	if err := decodeStrict(raw, &req); err != nil {
		return nil, err
	}
	path, err := resolveUnderRoot(b.protocolDataRoot, req.Path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plugin: file_read: %w", err)
	}
	return data, nil
}

// FileWriteRequest is file_write's argument.
type FileWriteRequest struct {
	Path string `json:"path"`
	Data []byte `json:"data"`
	Mode uint32 `json:"mode,omitempty"`
}

// FileWrite atomically writes a file scoped to the node's protocol data
// directory. Atomic via renameio, matching the write discipline used
// throughout the host process (jobstore, secretstore, datastore,
// checkpointing) — a plugin's writes get the same crash-consistency
// guarantee as the host's own state.
func (b *Bridge) FileWrite(raw []byte) error {
	var req FileWriteRequest
	if err := decodeStrict(raw, &req); err != nil {
		return err
	}
	path, err := resolveUnderRoot(b.protocolDataRoot, req.Path)
	if err != nil {
		return err
	}
	mode := os.FileMode(req.Mode)
	if mode == 0 {
		mode = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("plugin: file_write: mkdir: %w", err)
	}
	if err := renameio.WriteFile(path, req.Data, mode); err != nil {
		return fmt.Errorf("plugin: file_write: %w", err)
	}
	return nil
}
